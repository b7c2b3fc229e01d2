package importer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkefeder/netznoe-import-worker/internal/stats"
	"github.com/mkefeder/netznoe-import-worker/tools/timeparser"
)

// Default import window settings
const (
	DefaultLookback    = 3 * 365 * 24 * time.Hour
	DefaultMinInterval = 24 * time.Hour
)

// ConsumptionAPI is the subset of the smartmeter client the importer needs.
type ConsumptionAPI interface {
	ConsumptionDay(ctx context.Context, day time.Time, meterID string) ([]string, []*float64, error)
	ConsumptionMonth(ctx context.Context, year int, month time.Month, meterID string) ([]string, []*float64, error)
}

// Config holds the construction parameters of an Importer.
type Config struct {
	MeterID string
	Unit    string

	// SubHourly selects the interval-meter import path. It is a static
	// property of the meter hardware, established at discovery.
	SubHourly bool

	API    ConsumptionAPI
	Store  stats.Store
	Logger *zap.Logger

	// Lookback bounds the initial import window; zero means the default
	// of three years.
	Lookback time.Duration

	// MinInterval throttles incremental imports; zero means 24 hours.
	MinInterval time.Duration

	// Now is overridable for tests; nil means time.Now.
	Now func() time.Time
}

// Importer reconciles the consumption history of one metering point with
// the recorded cumulative statistics series. It keeps no state between
// runs; the resume point is reconstructed from the store every time.
type Importer struct {
	seriesID    string
	meterID     string
	unit        string
	subHourly   bool
	api         ConsumptionAPI
	store       stats.Store
	logger      *zap.Logger
	lookback    time.Duration
	minInterval time.Duration
	now         func() time.Time
}

// New creates an importer bound to one metering point.
func New(cfg Config) *Importer {
	if cfg.Lookback == 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Importer{
		seriesID:    stats.SeriesID(cfg.MeterID),
		meterID:     cfg.MeterID,
		unit:        cfg.Unit,
		subHourly:   cfg.SubHourly,
		api:         cfg.API,
		store:       cfg.Store,
		logger:      cfg.Logger,
		lookback:    cfg.Lookback,
		minInterval: cfg.MinInterval,
		now:         cfg.Now,
	}
}

// SeriesID returns the statistics series this importer writes to.
func (imp *Importer) SeriesID() string {
	return imp.seriesID
}

// Metadata returns the statistics series metadata.
func (imp *Importer) Metadata() stats.Metadata {
	return stats.Metadata{
		Source:      stats.Source,
		StatisticID: imp.seriesID,
		Name:        fmt.Sprintf("Netz NOE %s", imp.meterID),
		Unit:        imp.unit,
		HasMean:     false,
		HasSum:      true,
	}
}

// Import brings the statistics series up to date and returns the new
// cumulative total. ok is false when the run failed and no total is
// available; failures never propagate to the caller. Batches written
// before a mid-run failure stay written.
func (imp *Importer) Import(ctx context.Context) (decimal.Decimal, bool) {
	last, err := imp.store.LastStatistics(ctx, imp.seriesID, 1)
	if err != nil {
		imp.logger.Error("failed to query last statistics", zap.Error(err))
		return decimal.Decimal{}, false
	}
	imp.logger.Debug("last recorded statistic", zap.Any("result", last))

	if !imp.lastStatisticValid(last) {
		imp.logger.Warn("starting initial import, this may take some time")
		total, err := imp.runImport(ctx, time.Time{}, time.Time{}, decimal.Decimal{})
		if err != nil {
			imp.logFailure(ctx, err)
			return decimal.Decimal{}, false
		}
		return total, true
	}

	start, sum, err := imp.resumePoint(last[imp.seriesID][0])
	if err != nil {
		imp.logger.Error("failed to prepare resume point", zap.Error(err))
		return decimal.Decimal{}, false
	}
	if start.IsZero() {
		// Recent enough, nothing to fetch.
		return sum, true
	}

	total, err := imp.runImport(ctx, start, imp.now(), sum)
	if err != nil {
		imp.logFailure(ctx, err)
		return decimal.Decimal{}, false
	}
	return total, true
}

func (imp *Importer) logFailure(ctx context.Context, err error) {
	if ctx.Err() != nil {
		imp.logger.Warn("timeout during import", zap.Error(err))
		return
	}
	imp.logger.Error("error during import", zap.Error(err))
}

// lastStatisticValid checks that the last-statistics result carries exactly
// one usable sample for this series.
func (imp *Importer) lastStatisticValid(last map[string][]stats.LastStatistic) bool {
	if len(last) != 1 {
		return false
	}
	samples := last[imp.seriesID]
	if len(samples) != 1 {
		return false
	}
	return samples[0].Sum != nil && samples[0].End != nil
}

// resumePoint derives the incremental import window start and running total
// from the last recorded sample. A zero start means the series was updated
// within the throttle window and the run should be skipped.
func (imp *Importer) resumePoint(sample stats.LastStatistic) (time.Time, decimal.Decimal, error) {
	sum := decimal.NewFromFloat(*sample.Sum)

	start, err := timeparser.ParseStatisticEnd(*sample.End)
	if err != nil {
		return time.Time{}, decimal.Decimal{}, fmt.Errorf("unexpected statistics end value: %w", err)
	}
	start = start.Truncate(time.Second)

	delta := imp.now().Sub(start)
	if delta <= imp.minInterval {
		imp.logger.Debug("skipping API query, last update is recent",
			zap.Duration("next_update_in", imp.minInterval-delta))
		return time.Time{}, sum, nil
	}

	return start, sum, nil
}

// runImport fetches and records the window. Zero start means the full
// lookback window, zero end means now.
func (imp *Importer) runImport(ctx context.Context, start, end time.Time, total decimal.Decimal) (decimal.Decimal, error) {
	now := imp.now()
	if start.IsZero() {
		start = now.Add(-imp.lookback)
	}
	if end.IsZero() {
		end = now
	}
	start = start.UTC()
	end = end.UTC()

	imp.logger.Debug("importing data",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Bool("sub_hourly", imp.subHourly))

	if start.After(end) {
		imp.logger.Warn("start date is after end date, skipping")
		return total, nil
	}

	if imp.subHourly {
		return imp.importIntervalStatistics(ctx, start, end, total)
	}
	return imp.importDailyStatistics(ctx, start, end, total)
}

// importIntervalStatistics handles meters that report many same-day
// readings. Each day's array is re-bucketed to hourly resolution because
// recorded statistics require timestamps at the top of the hour.
func (imp *Importer) importIntervalStatistics(ctx context.Context, start, end time.Time, total decimal.Decimal) (decimal.Decimal, error) {
	hourly := make(map[time.Time]decimal.Decimal)

	day := dateUTC(start)
	endDay := dateUTC(end)

	for !day.After(endDay) {
		_, values, err := imp.api.ConsumptionDay(ctx, day, imp.meterID)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			imp.logger.Debug("could not fetch day",
				zap.Time("day", day),
				zap.Error(err))
			day = day.AddDate(0, 0, 1)
			continue
		}

		if len(values) > 0 {
			// 96 values = 15 min, 24 values = 60 min, 1 value = 1440 min
			intervalMinutes := 24 * 60 / len(values)

			for i, value := range values {
				if value == nil {
					continue
				}
				readingTime := day.Add(time.Duration(i*intervalMinutes) * time.Minute)
				hourStart := readingTime.Truncate(time.Hour)
				// Hours before the window start were written by a
				// previous run.
				if hourStart.Before(start) {
					continue
				}
				hourly[hourStart] = hourly[hourStart].Add(decimal.NewFromFloat(*value))
			}
		}

		day = day.AddDate(0, 0, 1)
	}

	return imp.writeStatistics(ctx, hourly, total)
}

// importDailyStatistics handles meters that report at most once per day.
// Monthly summaries give one value per day of month; each qualifying day
// becomes one sample at midnight UTC.
func (imp *Importer) importDailyStatistics(ctx context.Context, start, end time.Time, total decimal.Decimal) (decimal.Decimal, error) {
	daily := make(map[time.Time]decimal.Decimal)

	startDate := dateUTC(start)
	endDate := dateUTC(end)
	month := time.Date(startDate.Year(), startDate.Month(), 1, 0, 0, 0, 0, time.UTC)

	for !month.After(endDate) {
		_, values, err := imp.api.ConsumptionMonth(ctx, month.Year(), month.Month(), imp.meterID)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			imp.logger.Debug("could not fetch month",
				zap.Int("year", month.Year()),
				zap.Int("month", int(month.Month())),
				zap.Error(err))
			month = month.AddDate(0, 1, 0)
			continue
		}

		daysInMonth := month.AddDate(0, 1, -1).Day()
		for i, value := range values {
			if value == nil {
				continue
			}
			dayNum := i + 1
			if dayNum > daysInMonth {
				break
			}
			dayMidnight := time.Date(month.Year(), month.Month(), dayNum, 0, 0, 0, 0, time.UTC)
			// The resume point equals the end of the last recorded day,
			// so startDate is that already-imported day. It must stay
			// excluded or its value would be added to the sum twice.
			if !dayMidnight.After(startDate) || dayMidnight.After(endDate) {
				continue
			}
			daily[dayMidnight] = decimal.NewFromFloat(*value)
		}

		month = month.AddDate(0, 1, 0)
	}

	return imp.writeStatistics(ctx, daily, total)
}

// writeStatistics emits one sample per bucket in ascending order, carrying
// the running total, and appends the whole batch in a single store call.
func (imp *Importer) writeStatistics(ctx context.Context, buckets map[time.Time]decimal.Decimal, total decimal.Decimal) (decimal.Decimal, error) {
	if len(buckets) == 0 {
		return total, nil
	}

	timestamps := make([]time.Time, 0, len(buckets))
	for ts := range buckets {
		timestamps = append(timestamps, ts)
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i].Before(timestamps[j]) })

	points := make([]stats.Point, 0, len(timestamps))
	for _, ts := range timestamps {
		usage := buckets[ts]
		total = total.Add(usage)
		state, _ := usage.Float64()
		sum, _ := total.Float64()
		points = append(points, stats.Point{Start: ts, State: state, Sum: sum})
	}

	imp.logger.Debug("writing statistics batch",
		zap.Int("points", len(points)),
		zap.Time("first", timestamps[0]),
		zap.Time("last", timestamps[len(timestamps)-1]))

	if err := imp.store.AddExternalStatistics(ctx, imp.Metadata(), points); err != nil {
		return total, fmt.Errorf("failed to write statistics: %w", err)
	}

	return total, nil
}

// dateUTC truncates a timestamp to midnight UTC of its calendar date.
func dateUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
