package tracking

import (
	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/schema"
)

// Batch is the entities of one table inserted together, in staging order.
type Batch struct {
	Table    *schema.Table
	Entities []schema.Entity
}

// Wave is one round of inserts whose dependencies are all satisfied.
type Wave []Batch

// Plan is the dependency-ordered insert schedule.
type Plan struct {
	Waves []Wave
	// Deferred lists entities released with a pending nullable foreign key
	// still unset. Their keys are back-filled by an update after the
	// target is inserted.
	Deferred []schema.Entity
}

// Len returns the number of planned inserts.
func (p Plan) Len() int {
	n := 0
	for _, w := range p.Waves {
		for _, b := range w {
			n += len(b.Entities)
		}
	}
	return n
}

// Order arranges inserts into waves. Each round extracts every entity whose
// reference targets are persisted or were inserted in an earlier wave.
// When a round makes no progress, entities whose only waiting references
// are nullable are released and their foreign keys deferred. When even
// that makes no progress the remaining entities form a required cycle and
// Order fails with an ordering error naming them.
func Order(inserts []schema.Entity) (Plan, error) {
	var plan Plan
	planned := make(map[schema.Entity]bool, len(inserts))
	pending := make(map[schema.Entity]bool, len(inserts))
	for _, e := range inserts {
		planned[e] = true
		pending[e] = true
	}
	satisfied := func(relax bool) func(schema.Entity) bool {
		return func(e schema.Entity) bool {
			return waitsOn(e, planned, pending, relax) == 0
		}
	}
	remaining := append([]schema.Entity(nil), inserts...)

	for len(remaining) > 0 {
		ready, rest := split(remaining, satisfied(false))
		if len(ready) == 0 {
			ready, rest = split(remaining, satisfied(true))
			if len(ready) == 0 {
				return Plan{}, ormerr.Ordering(Refs(remaining...))
			}
			plan.Deferred = append(plan.Deferred, ready...)
		}

		plan.Waves = append(plan.Waves, group(ready))
		for _, e := range ready {
			delete(pending, e)
		}
		remaining = rest
	}
	return plan, nil
}

// waitsOn counts the references of e whose target has no identity and will
// not get one before e is inserted: targets still pending, and unpersisted
// targets outside the plan. Nullable references are not counted when relax
// is set.
func waitsOn(e schema.Entity, planned, pending map[schema.Entity]bool, relax bool) int {
	n := 0
	for _, fk := range e.Table().ForeignKeys {
		target := fk.Ref(e).Target()
		if target == nil || schema.IsPersisted(target) {
			continue
		}
		if relax && fk.Nullable() {
			continue
		}
		if pending[target] || !planned[target] {
			n++
		}
	}
	return n
}

func split(list []schema.Entity, keep func(schema.Entity) bool) (in, out []schema.Entity) {
	for _, e := range list {
		if keep(e) {
			in = append(in, e)
		} else {
			out = append(out, e)
		}
	}
	return in, out
}

// group buckets entities by table, tables in order of first appearance.
func group(entities []schema.Entity) Wave {
	var w Wave
	index := make(map[*schema.Table]int)
	for _, e := range entities {
		t := e.Table()
		i, ok := index[t]
		if !ok {
			i = len(w)
			index[t] = i
			w = append(w, Batch{Table: t})
		}
		w[i].Entities = append(w[i].Entities, e)
	}
	return w
}
