package tracking

import (
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/schema"
)

// DiscoverInserts returns staged plus every unpersisted entity reachable
// from tracked or staged through reference targets, in discovery order and
// de-duplicated by instance. Staged entities qualify even when persisted.
func DiscoverInserts(tracked, staged []schema.Entity) []schema.Entity {
	seen := make(map[schema.Entity]bool)
	var out []schema.Entity

	var visit func(e schema.Entity)
	visit = func(e schema.Entity) {
		for _, fk := range e.Table().ForeignKeys {
			target := fk.Ref(e).Target()
			if target == nil || seen[target] || schema.IsPersisted(target) {
				continue
			}
			seen[target] = true
			out = append(out, target)
			visit(target)
		}
	}

	for _, e := range staged {
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	for _, e := range staged {
		visit(e)
	}
	for _, e := range tracked {
		visit(e)
	}
	return out
}

// Update is one pending UPDATE: a persisted entity and its dirty columns.
type Update struct {
	Entity  schema.Entity
	Columns []*schema.Column
}

// DiscoverUpdates returns an update for every persisted entity with at
// least one Assigned writable column.
func DiscoverUpdates(entities []schema.Entity) []Update {
	var out []Update
	for _, e := range entities {
		if !schema.IsPersisted(e) {
			continue
		}
		if cols := Dirty(e); len(cols) > 0 {
			out = append(out, Update{Entity: e, Columns: cols})
		}
	}
	return out
}

// Dirty returns the Assigned writable columns of e in declaration order.
func Dirty(e schema.Entity) []*schema.Column {
	var cols []*schema.Column
	for _, c := range e.Table().Columns {
		if c.Writable() && c.Box(e).State() == schema.Assigned {
			cols = append(cols, c)
		}
	}
	return cols
}

// Reset flips every Assigned column of e back to Loaded without touching
// values. Unset columns stay Unset.
func Reset(e schema.Entity) {
	for _, c := range e.Table().Columns {
		c.Box(e).Reset()
	}
}

// MarkWritten marks every column of a freshly inserted e as Loaded, since
// storage now holds exactly the in-memory values.
func MarkWritten(e schema.Entity) {
	for _, c := range e.Table().Columns {
		box := c.Box(e)
		if box.State() != schema.Unset || c.Identity || c.RowVersion {
			box.MarkLoaded()
		}
	}
}

// Backfill copies resolved target identities into the foreign key columns
// of entities and returns the entities that changed.
func Backfill(entities []schema.Entity) ([]schema.Entity, error) {
	var changed []schema.Entity
	for _, e := range entities {
		ok, err := schema.BackfillForeignKeys(e)
		if err != nil {
			return changed, err
		}
		if ok {
			changed = append(changed, e)
		}
	}
	return changed, nil
}

// Refs describes entities for error reporting.
func Refs(entities ...schema.Entity) []ormerr.EntityRef {
	out := make([]ormerr.EntityRef, len(entities))
	for i, e := range entities {
		out[i] = ormerr.EntityRef{Table: e.Table().Name, Key: schema.KeyOf(e)}
	}
	return out
}
