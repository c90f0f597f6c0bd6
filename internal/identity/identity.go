// Package identity implements the per-session identity map: at most one
// live entity per (table, key column, key value).
package identity

import (
	"database/sql"

	"github.com/roach88/keel/internal/schema"
)

type key struct {
	table  *schema.Table
	column string
	value  any
}

type entry struct {
	key     key
	entity  schema.Entity
	removed bool
}

// Map is an insertion-ordered identity map. It is not safe for concurrent
// use; each session owns one.
type Map struct {
	entries map[key]*entry
	order   []*entry
	dead    int
}

// New returns an empty map.
func New() *Map {
	return &Map{entries: make(map[key]*entry)}
}

// normalize folds the integer widths and their sql.Null variants into int64
// so a key loaded as int32 and one looked up as int64 collide.
func normalize(v any) any {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case int, int32, int64, sql.NullInt64, sql.NullInt32:
		return schema.ToInt64(n)
	}
	return v
}

func newKey(t *schema.Table, column string, value any) key {
	return key{table: t, column: column, value: normalize(value)}
}

// TryGet returns the cached entity for the key, if any.
func (m *Map) TryGet(t *schema.Table, column string, value any) (schema.Entity, bool) {
	e, ok := m.entries[newKey(t, column, value)]
	if !ok {
		return nil, false
	}
	return e.entity, true
}

// GetOrAdd returns the cached entity for the key. When there is none it
// installs candidate and returns it. An existing entity always wins: the
// candidate is discarded, never merged.
func (m *Map) GetOrAdd(t *schema.Table, column string, value any, candidate schema.Entity) schema.Entity {
	k := newKey(t, column, value)
	if e, ok := m.entries[k]; ok {
		return e.entity
	}
	e := &entry{key: k, entity: candidate}
	m.entries[k] = e
	m.order = append(m.order, e)
	return candidate
}

// Add caches e under its table's key column.
func (m *Map) Add(e schema.Entity) schema.Entity {
	t := e.Table()
	return m.GetOrAdd(t, t.Key.Name, schema.KeyOf(e), e)
}

// Remove evicts the key. It reports whether an entity was cached.
func (m *Map) Remove(t *schema.Table, column string, value any) bool {
	k := newKey(t, column, value)
	e, ok := m.entries[k]
	if !ok {
		return false
	}
	m.drop(e)
	return true
}

// Evict removes e if it is the instance cached under its key.
func (m *Map) Evict(e schema.Entity) bool {
	t := e.Table()
	k := newKey(t, t.Key.Name, schema.KeyOf(e))
	cur, ok := m.entries[k]
	if !ok || cur.entity != e {
		return false
	}
	m.drop(cur)
	return true
}

// Purge evicts every entity of table t and returns how many were cached.
func (m *Map) Purge(t *schema.Table) int {
	n := 0
	for _, e := range m.order {
		if !e.removed && e.key.table == t {
			delete(m.entries, e.key)
			e.removed = true
			n++
		}
	}
	if n > 0 {
		m.compact()
	}
	return n
}

// Clear evicts everything.
func (m *Map) Clear() {
	m.entries = make(map[key]*entry)
	m.order = nil
	m.dead = 0
}

// Len returns the number of cached entities.
func (m *Map) Len() int {
	return len(m.entries)
}

// Entities returns the cached entities in the order they were added.
func (m *Map) Entities() []schema.Entity {
	out := make([]schema.Entity, 0, len(m.entries))
	for _, e := range m.order {
		if !e.removed {
			out = append(out, e.entity)
		}
	}
	return out
}

func (m *Map) drop(e *entry) {
	delete(m.entries, e.key)
	e.removed = true
	m.dead++
	if m.dead > len(m.order)/2 {
		m.compact()
	}
}

func (m *Map) compact() {
	live := m.order[:0]
	for _, e := range m.order {
		if !e.removed {
			live = append(live, e)
		}
	}
	clear(m.order[len(live):])
	m.order = live
	m.dead = 0
}
