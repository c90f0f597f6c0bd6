package schema

// Ref is a relationship reference held by the referencing entity.
//
// A Ref never owns its target: the foreign key column carries the
// persisted identity and the session resolves it through the identity map.
// The in-memory target is kept only for entities that are not persisted
// yet, or once the session has resolved the reference.
type Ref struct {
	target   Entity
	noLazy   bool
	resolved bool
}

// Set points the reference at target, which may not be persisted yet. The
// foreign key column is filled in from the target's identity at submit.
func (r *Ref) Set(target Entity) {
	r.target = target
	r.resolved = target != nil
}

// Target returns the in-memory target, if any.
func (r *Ref) Target() Entity {
	return r.target
}

// Pending reports whether the target exists in memory but has no identity yet.
func (r *Ref) Pending() bool {
	return r.target != nil && !IsPersisted(r.target)
}

// Resolved reports whether the reference holds its target in memory.
func (r *Ref) Resolved() bool {
	return r.resolved
}

// DisableLazyLoad forbids the session from loading the target on demand.
func (r *Ref) DisableLazyLoad() {
	r.noLazy = true
}

// LazyLoadDisabled reports whether on-demand loading is forbidden.
func (r *Ref) LazyLoadDisabled() bool {
	return r.noLazy
}

// Forget drops the in-memory target, leaving only the column value.
func (r *Ref) Forget() {
	r.target = nil
	r.resolved = false
}

// Link sets relationship fk on e to target. When target is persisted the
// foreign key column is assigned immediately; otherwise it is back-filled
// after the target is inserted.
func Link(e Entity, fk *ForeignKey, target Entity) error {
	fk.Ref(e).Set(target)
	if target == nil {
		return fk.Column.Box(e).SetValue(nil)
	}
	if id := KeyOf(target); id > 0 {
		return fk.Column.Box(e).SetValue(id)
	}
	return nil
}

// BackfillForeignKeys copies resolved target identities into e's foreign key
// columns. It reports whether any column changed state.
func BackfillForeignKeys(e Entity) (bool, error) {
	changed := false
	for _, fk := range e.Table().ForeignKeys {
		ref := fk.Ref(e)
		if ref.target == nil {
			continue
		}
		id := KeyOf(ref.target)
		if id <= 0 {
			continue
		}
		box := fk.Column.Box(e)
		if toInt64(box.Value()) == id && box.State() != Unset {
			continue
		}
		if err := box.SetValue(id); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}
