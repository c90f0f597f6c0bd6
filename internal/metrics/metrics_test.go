package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	err := Register(reg)
	var already prometheus.AlreadyRegisteredError
	assert.ErrorAs(t, err, &already)
}

func TestCollectorNames(t *testing.T) {
	BulkBatchesTotal.WithLabelValues(KindInsert).Inc()
	assert.Equal(t, 1, testutil.CollectAndCount(BulkBatchesTotal, BulkBatchesTotalKey))
	assert.GreaterOrEqual(t, testutil.ToFloat64(BulkBatchesTotal.WithLabelValues(KindInsert)), 1.0)
}
