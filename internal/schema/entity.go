package schema

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Entity is any mapped record type. The descriptor is the only thing the
// mapper needs from it; columns are reached through descriptor accessors.
type Entity interface {
	Table() *Table
}

// Capabilities. The mapper discovers them with type assertions, so an entity
// opts in simply by implementing the method.
type (
	// HasInsertDate entities get their insert date stamped on insert.
	HasInsertDate interface {
		InsertDate() *Field[time.Time]
	}

	// HasUpdateDate entities get their update date stamped whenever they
	// carry at least one other dirty column at submit.
	HasUpdateDate interface {
		UpdateDate() *Field[time.Time]
	}

	// SoftDeletable entities are deleted by stamping a delete date unless a
	// hard delete is explicitly requested.
	SoftDeletable interface {
		DeleteDate() *Field[sql.NullTime]
	}

	// ExcludedFromBulkInsert entities are always inserted row by row.
	ExcludedFromBulkInsert interface {
		ExcludeFromBulkInsert()
	}

	// Validator entities are validated before any SQL is issued.
	Validator interface {
		Validate() error
	}
)

// Lifecycle hooks fired by the submit pipeline.
type (
	BeforeInserter interface {
		BeforeInsert(ctx context.Context) error
	}
	BeforeUpdater interface {
		BeforeUpdate(ctx context.Context) error
	}
	AfterInserter interface {
		AfterInsert(ctx context.Context) error
	}
	AfterDeleter interface {
		AfterDelete(ctx context.Context) error
	}
	// TransactionAborter is told that the submit it took part in rolled back.
	TransactionAborter interface {
		TransactionAborted()
	}
)

// KeyOf returns the identity of e, zero when it has not been persisted.
func KeyOf(e Entity) int64 {
	return toInt64(e.Table().Key.Box(e).Value())
}

// SetKey loads a server-assigned identity into e.
func SetKey(e Entity, id int64) error {
	return e.Table().Key.Box(e).LoadValue(id)
}

// IsPersisted reports whether e has a server-assigned identity.
func IsPersisted(e Entity) bool {
	return KeyOf(e) > 0
}

// VersionOf returns the row version token of e, zero for unversioned types.
func VersionOf(e Entity) int64 {
	t := e.Table()
	if t.Version == nil {
		return 0
	}
	return toInt64(t.Version.Box(e).Value())
}

// Same compares entities by identity once persisted and by instance otherwise.
func Same(a, b Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Table() != b.Table() {
		return false
	}
	ka, kb := KeyOf(a), KeyOf(b)
	if ka > 0 && kb > 0 {
		return ka == kb
	}
	return a == b
}

// Describe renders e as table(key) for logs and errors.
func Describe(e Entity) string {
	if k := KeyOf(e); k > 0 {
		return fmt.Sprintf("%s(%d)", e.Table().Name, k)
	}
	return e.Table().Name + "(new)"
}

// HasAssigned reports whether any column of e is Assigned.
func HasAssigned(e Entity) bool {
	for _, c := range e.Table().Columns {
		if c.Box(e).State() == Assigned {
			return true
		}
	}
	return false
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case sql.NullInt64:
		if n.Valid {
			return n.Int64
		}
	case sql.NullInt32:
		if n.Valid {
			return int64(n.Int32)
		}
	}
	return 0
}

// ToInt64 normalizes an integer key value, including the sql.Null variants.
func ToInt64(v any) int64 {
	return toInt64(v)
}
