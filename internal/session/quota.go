package session

import (
	"errors"
	"fmt"
)

// defaultMaxPasses bounds hook re-discovery and aggregate maintenance
// passes within one submit.
const defaultMaxPasses = 16

// passQuota counts the passes of one loop of the submit pipeline and
// enforces a maximum.
//
// Hooks and aggregates may stage further changes, which are discovered by
// another pass. A hook that always stages something new would otherwise
// keep the submit running forever.
type passQuota struct {
	loop    string
	max     int
	current int
}

func newPassQuota(loop string, max int) *passQuota {
	if max <= 0 {
		max = defaultMaxPasses
	}
	return &passQuota{loop: loop, max: max}
}

// check increments the pass counter and fails once it exceeds the limit.
func (q *passQuota) check() error {
	q.current++
	if q.current > q.max {
		return &PassesExceededError{Loop: q.loop, Passes: q.current, Limit: q.max}
	}
	return nil
}

// PassesExceededError is returned when hooks or aggregates keep staging
// changes past the pass limit. The submit rolls back.
type PassesExceededError struct {
	Loop   string
	Passes int
	Limit  int
}

func (e *PassesExceededError) Error() string {
	return fmt.Sprintf("%s passes exceeded limit: %d passes > %d", e.Loop, e.Passes, e.Limit)
}

// IsPassesExceeded reports whether err is a PassesExceededError.
func IsPassesExceeded(err error) bool {
	var pe *PassesExceededError
	return errors.As(err, &pe)
}
