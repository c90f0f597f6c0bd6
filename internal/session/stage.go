package session

import (
	"context"
	"slices"

	"github.com/roach88/keel/internal/ormerr"
	"github.com/roach88/keel/internal/schema"
)

// Phase selects when a hard delete runs relative to the inserts and
// updates of the same submit.
type Phase uint8

const (
	// PhaseAfter deletes after inserts and updates, so rows being deleted
	// can first be re-pointed by updates in the same submit.
	PhaseAfter Phase = iota
	// PhaseBefore deletes before any insert, freeing unique keys the
	// inserts reuse.
	PhaseBefore
)

func (p Phase) String() string {
	if p == PhaseBefore {
		return "before"
	}
	return "after"
}

// DeleteOptions tunes DeleteOnSubmit.
type DeleteOptions struct {
	Phase Phase
	// Hard deletes soft-deletable entities instead of stamping their
	// delete date.
	Hard bool
}

type deletion struct {
	entity schema.Entity
	DeleteOptions
}

// Aggregate maintains derived state inside a submit. Recompute runs after
// the submit's writes with the entities written by the previous pass; it
// may query through the session, assign fields and stage inserts, which are
// written in a further pass. Passes repeat until one writes nothing.
type Aggregate interface {
	Recompute(ctx context.Context, s *Session, written []schema.Entity) error
}

// AggregateFunc adapts a function to Aggregate.
type AggregateFunc func(ctx context.Context, s *Session, written []schema.Entity) error

func (f AggregateFunc) Recompute(ctx context.Context, s *Session, written []schema.Entity) error {
	return f(ctx, s, written)
}

// RegisterAggregate adds an aggregate maintained by every submit.
func (s *Session) RegisterAggregate(a Aggregate) {
	s.aggregates = append(s.aggregates, a)
}

// InsertOnSubmit stages new entities for insertion. Unpersisted entities
// reachable through their references are inserted too.
func (s *Session) InsertOnSubmit(entities ...schema.Entity) error {
	for _, e := range entities {
		if schema.IsPersisted(e) {
			return ormerr.Usage("InsertOnSubmit: %s is already persisted", schema.Describe(e))
		}
		if !slices.Contains(s.staged, e) {
			s.staged = append(s.staged, e)
		}
	}
	return nil
}

// DeleteOnSubmit stages e for deletion. Soft-deletable entities get their
// delete date stamped unless opts.Hard is set; an entity already carrying a
// delete date is left alone. Deleting an entity that was only staged for
// insertion unstages it.
func (s *Session) DeleteOnSubmit(e schema.Entity, opts DeleteOptions) error {
	if !schema.IsPersisted(e) {
		if i := slices.Index(s.staged, e); i >= 0 {
			s.staged = slices.Delete(s.staged, i, i+1)
			return nil
		}
		return ormerr.Usage("DeleteOnSubmit: %s was never persisted", schema.Describe(e))
	}
	s.reactivations = slices.DeleteFunc(s.reactivations, func(x schema.Entity) bool { return x == e })
	for i, d := range s.deletes {
		if d.entity == e {
			s.deletes[i].DeleteOptions = opts
			return nil
		}
	}
	s.deletes = append(s.deletes, deletion{entity: e, DeleteOptions: opts})
	return nil
}

// ReactivateOnSubmit clears the delete date of a soft-deleted entity and
// cancels any pending delete of it.
func (s *Session) ReactivateOnSubmit(e schema.Entity) error {
	if _, ok := e.(schema.SoftDeletable); !ok {
		return ormerr.Usage("ReactivateOnSubmit: %s is not soft-deletable", e.Table().Name)
	}
	if !schema.IsPersisted(e) {
		return ormerr.Usage("ReactivateOnSubmit: %s was never persisted", schema.Describe(e))
	}
	s.deletes = slices.DeleteFunc(s.deletes, func(d deletion) bool { return d.entity == e })
	if !slices.Contains(s.reactivations, e) {
		s.reactivations = append(s.reactivations, e)
	}
	return nil
}

// VerifyOnSubmit asks the next submit to re-read e's row version before
// committing and to fail with a concurrency conflict if it moved, even
// when e itself is not written.
func (s *Session) VerifyOnSubmit(e schema.Entity) error {
	if !e.Table().Versioned() {
		return ormerr.Usage("VerifyOnSubmit: %s has no row version", e.Table().Name)
	}
	if !schema.IsPersisted(e) {
		return ormerr.Usage("VerifyOnSubmit: %s was never persisted", schema.Describe(e))
	}
	if !slices.Contains(s.verify, e) {
		s.verify = append(s.verify, e)
	}
	return nil
}

// Pending reports the number of staged inserts, deletes and reactivations.
func (s *Session) Pending() int {
	return len(s.staged) + len(s.deletes) + len(s.reactivations)
}
