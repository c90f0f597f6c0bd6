package schema

// Snapshot is the saved in-memory state of one entity: every column box and
// every relationship reference. The submit pipeline restores snapshots when
// a transaction rolls back so no half-applied identity or version survives.
type Snapshot struct {
	entity Entity
	boxes  []boxSnapshot
	refs   []Ref
}

// Capture saves the current state of e.
func Capture(e Entity) Snapshot {
	t := e.Table()
	s := Snapshot{
		entity: e,
		boxes:  make([]boxSnapshot, len(t.Columns)),
		refs:   make([]Ref, len(t.ForeignKeys)),
	}
	for i, c := range t.Columns {
		s.boxes[i] = c.Box(e).save()
	}
	for i, fk := range t.ForeignKeys {
		s.refs[i] = *fk.Ref(e)
	}
	return s
}

// Entity returns the captured entity.
func (s Snapshot) Entity() Entity {
	return s.entity
}

// Restore puts the captured state back.
func (s Snapshot) Restore() {
	t := s.entity.Table()
	for i, c := range t.Columns {
		c.Box(s.entity).restore(s.boxes[i])
	}
	for i, fk := range t.ForeignKeys {
		*fk.Ref(s.entity) = s.refs[i]
	}
}
