package stats

import (
	"context"
	"strings"
	"time"
)

// Source is the namespace prefix of every series recorded by this worker.
const Source = "netznoe"

// SeriesID derives the statistics series identifier for a metering point.
// It must stay stable across restarts; it is the join key against the
// recorded history.
func SeriesID(meterID string) string {
	return Source + ":" + strings.ToLower(meterID)
}

// Point is one statistics sample. Start is the UTC bucket boundary, State
// the incremental usage of that bucket and Sum the running cumulative
// total including it.
type Point struct {
	Start time.Time
	State float64
	Sum   float64
}

// Metadata describes a statistics series.
type Metadata struct {
	Source      string
	StatisticID string
	Name        string
	Unit        string
	HasMean     bool
	HasSum      bool
}

// LastStatistic is the latest recorded sample of a series as reported by
// the store. Fields are pointers because a row may come back without them;
// End is the raw end timestamp, epoch-numeric or textual.
type LastStatistic struct {
	Sum *float64
	End *string
}

// Store records and retrieves named cumulative statistics series.
type Store interface {
	// LastStatistics returns up to limit most recent samples of the series,
	// keyed by series ID. A series without history is absent from the map.
	LastStatistics(ctx context.Context, seriesID string, limit int) (map[string][]LastStatistic, error)

	// AddExternalStatistics appends a batch of points to the series
	// described by meta. Points must be in ascending Start order.
	AddExternalStatistics(ctx context.Context, meta Metadata, points []Point) error
}
