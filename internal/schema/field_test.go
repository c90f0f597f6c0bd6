package schema

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFieldSet_LoadedValueStaysClean(t *testing.T) {
	var f Field[string]
	f.Load("Dune")
	f.Set("Dune")
	assert.Equal(t, Loaded, f.State())

	f.Set("Emma")
	f.Set("Dune")
	assert.True(t, f.IsAssigned(), "setting the original value back does not undo the change")
}

func TestFieldSet_TimeComparesInstants(t *testing.T) {
	loaded := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		tokyo = time.FixedZone("JST", 9*60*60)
	}

	var f Field[time.Time]
	f.Load(loaded)
	f.Set(loaded.In(tokyo))
	assert.Equal(t, Loaded, f.State(), "same instant in another location")

	f.Set(loaded.Add(time.Second))
	assert.True(t, f.IsAssigned())

	var nf Field[sql.NullTime]
	nf.Load(sql.NullTime{Time: loaded, Valid: true})
	nf.Set(sql.NullTime{Time: loaded.In(tokyo), Valid: true})
	assert.Equal(t, Loaded, nf.State())

	nf.Set(sql.NullTime{})
	assert.True(t, nf.IsAssigned())
}
