// Package ormerr defines the error taxonomy shared by the query compiler,
// the session and the submit pipeline.
//
// Every error surfaced to callers is an *Error with a Code:
//   - VALIDATION: a business rule rejected a pending change before any SQL ran
//   - CONCURRENCY_CONFLICT: a row version moved or the row vanished since load
//   - DATABASE: the driver reported a failure while executing a statement
//   - USAGE: the caller composed something the mapper cannot express
//   - ORDERING: pending inserts form a dependency cycle that cannot be broken
//   - NOT_FOUND: a single-row materializer found no row
//
// Messages carry table names and identities but never SQL text.
package ormerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Code categorizes mapper errors.
type Code string

const (
	// CodeValidation indicates a pending change failed validation.
	CodeValidation Code = "VALIDATION"

	// CodeConcurrency indicates an optimistic concurrency conflict.
	CodeConcurrency Code = "CONCURRENCY_CONFLICT"

	// CodeDatabase indicates a driver-reported failure.
	CodeDatabase Code = "DATABASE"

	// CodeUsage indicates an invalid composition detected at the call site.
	CodeUsage Code = "USAGE"

	// CodeOrdering indicates pending inserts could not be dependency ordered.
	CodeOrdering Code = "ORDERING"

	// CodeNotFound indicates a single-row lookup matched nothing.
	CodeNotFound Code = "NOT_FOUND"
)

// StatementKind names the kind of statement that was executing when a
// database or concurrency error occurred.
type StatementKind string

const (
	StmtNone         StatementKind = ""
	StmtQuery        StatementKind = "query"
	StmtInsert       StatementKind = "insert"
	StmtBulkInsert   StatementKind = "bulk insert"
	StmtUpdate       StatementKind = "update"
	StmtBulkUpdate   StatementKind = "bulk update"
	StmtDelete       StatementKind = "delete"
	StmtNullify      StatementKind = "nullify foreign keys"
	StmtRaw          StatementKind = "raw command"
	StmtAggregate    StatementKind = "aggregate maintenance"
	StmtVersionCheck StatementKind = "concurrency check"
	StmtBegin        StatementKind = "begin"
	StmtCommit       StatementKind = "commit"
)

// maxListedEntities is the number of entities listed individually before
// an error message switches to per-table counts.
const maxListedEntities = 5

// EntityRef identifies one entity in an error message.
type EntityRef struct {
	Table string
	Key   int64
}

func (r EntityRef) String() string {
	if r.Key <= 0 {
		return r.Table + "(new)"
	}
	return fmt.Sprintf("%s(%d)", r.Table, r.Key)
}

// Error is the single error type returned by the mapper.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Statement is the statement kind executing when the error occurred.
	Statement StatementKind

	// Entities lists the affected entities.
	Entities []EntityRef

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Statement != StmtNone {
		fmt.Fprintf(&b, " (statement=%s)", e.Statement)
	}
	if len(e.Entities) > 0 {
		b.WriteString(" [")
		b.WriteString(describeEntities(e.Entities))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// describeEntities lists entities individually when there are few of them,
// and as counts by table otherwise.
func describeEntities(refs []EntityRef) string {
	if len(refs) <= maxListedEntities {
		parts := make([]string, len(refs))
		for i, r := range refs {
			parts[i] = r.String()
		}
		return strings.Join(parts, ", ")
	}

	counts := make(map[string]int)
	for _, r := range refs {
		counts[r.Table]++
	}
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	parts := make([]string, len(tables))
	for i, t := range tables {
		parts[i] = fmt.Sprintf("%s x%d", t, counts[t])
	}
	return strings.Join(parts, ", ")
}

// Usage creates a USAGE error.
func Usage(format string, args ...any) *Error {
	return &Error{Code: CodeUsage, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a VALIDATION error for the given entities.
func Validation(message string, entities []EntityRef, cause error) *Error {
	return &Error{Code: CodeValidation, Message: message, Entities: entities, Err: cause}
}

// Concurrency creates a CONCURRENCY_CONFLICT error.
func Concurrency(stmt StatementKind, message string, entities []EntityRef) *Error {
	return &Error{Code: CodeConcurrency, Message: message, Statement: stmt, Entities: entities}
}

// Database wraps a driver error with the statement kind and entities involved.
// An error that is already an *Error is returned unchanged.
func Database(stmt StatementKind, entities []EntityRef, cause error) error {
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	return &Error{
		Code:      CodeDatabase,
		Message:   "database error",
		Statement: stmt,
		Entities:  entities,
		Err:       cause,
	}
}

// Ordering creates an ORDERING error for the entities stuck in a cycle.
func Ordering(entities []EntityRef) *Error {
	return &Error{
		Code:     CodeOrdering,
		Message:  "pending inserts form a foreign key cycle",
		Entities: entities,
	}
}

// NotFound creates a NOT_FOUND error.
func NotFound(table string) *Error {
	return &Error{Code: CodeNotFound, Message: "no rows in " + table}
}

func hasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation reports whether err is a VALIDATION error.
func IsValidation(err error) bool { return hasCode(err, CodeValidation) }

// IsConcurrency reports whether err is a CONCURRENCY_CONFLICT error.
func IsConcurrency(err error) bool { return hasCode(err, CodeConcurrency) }

// IsDatabase reports whether err is a DATABASE error.
func IsDatabase(err error) bool { return hasCode(err, CodeDatabase) }

// IsUsage reports whether err is a USAGE error.
func IsUsage(err error) bool { return hasCode(err, CodeUsage) }

// IsOrdering reports whether err is an ORDERING error.
func IsOrdering(err error) bool { return hasCode(err, CodeOrdering) }

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }
