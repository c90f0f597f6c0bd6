// Package metrics defines the prometheus collectors of the mapper. They are
// not registered automatically; call Register with the application's
// registerer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Key constants are exported primarily for documentation reasons.
const (
	SubmitTotalKey           = "keel_submit_total"
	SubmitDurationSecondsKey = "keel_submit_duration_seconds"
	RowsWrittenTotalKey      = "keel_rows_written_total"
	QueryRoundTripsTotalKey  = "keel_query_roundtrips_total"
	BulkBatchesTotalKey      = "keel_bulk_batches_total"
)

// Label values.
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeRejected   = "rejected"

	KindInsert = "insert"
	KindUpdate = "update"
	KindDelete = "delete"
)

// Collectors.
var (
	SubmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SubmitTotalKey,
		Help: "Cumulative number of SubmitChanges calls, by outcome.",
	}, []string{"outcome"})
	SubmitDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: SubmitDurationSecondsKey,
		Help: "Duration of SubmitChanges calls that reached the database.",
	})
	RowsWrittenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: RowsWrittenTotalKey,
		Help: "Cumulative number of rows written by committed submits, by kind.",
	}, []string{"kind"})
	QueryRoundTripsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: QueryRoundTripsTotalKey,
		Help: "Cumulative number of statements issued through sessions.",
	})
	BulkBatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: BulkBatchesTotalKey,
		Help: "Cumulative number of temp-table bulk batches, by kind.",
	}, []string{"kind"})
)

// Collectors returns every keel collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SubmitTotal,
		SubmitDurationSeconds,
		RowsWrittenTotal,
		QueryRoundTripsTotal,
		BulkBatchesTotal,
	}
}

// Register registers every keel collector with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
