package ormerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ListsFewEntities(t *testing.T) {
	err := Concurrency(StmtUpdate, "row version changed", []EntityRef{
		{Table: "books", Key: 3},
		{Table: "books", Key: 0},
	})

	msg := err.Error()
	assert.Contains(t, msg, "CONCURRENCY_CONFLICT")
	assert.Contains(t, msg, "statement=update")
	assert.Contains(t, msg, "books(3)")
	assert.Contains(t, msg, "books(new)")
}

func TestError_CountsManyEntities(t *testing.T) {
	var refs []EntityRef
	for i := 1; i <= 4; i++ {
		refs = append(refs, EntityRef{Table: "books", Key: int64(i)})
	}
	refs = append(refs, EntityRef{Table: "authors", Key: 1}, EntityRef{Table: "authors", Key: 2})

	msg := Validation("invalid", refs, nil).Error()
	assert.Contains(t, msg, "authors x2, books x4")
	assert.NotContains(t, msg, "books(1)")
}

func TestDatabase_WrapsAndUnwraps(t *testing.T) {
	cause := errors.New("constraint failed")
	err := Database(StmtInsert, []EntityRef{{Table: "authors"}}, cause)

	assert.True(t, IsDatabase(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsConcurrency(err))
}

func TestDatabase_KeepsExistingCode(t *testing.T) {
	conflict := Concurrency(StmtUpdate, "row vanished", nil)
	err := Database(StmtUpdate, nil, fmt.Errorf("update: %w", conflict))

	assert.True(t, IsConcurrency(err))
	assert.False(t, IsDatabase(err))
}

func TestPredicates_ThroughWrapping(t *testing.T) {
	testCases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"usage", Usage("self union"), IsUsage},
		{"ordering", Ordering(nil), IsOrdering},
		{"not found", NotFound("authors"), IsNotFound},
		{"validation", Validation("bad", nil, nil), IsValidation},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.True(t, tc.check(wrapped))
		})
	}
}
