package importer_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mkefeder/netznoe-import-worker/internal/importer"
	"github.com/mkefeder/netznoe-import-worker/internal/stats"
)

const testMeterID = "AT001"

var testSeriesID = stats.SeriesID(testMeterID)

type fakeAPI struct {
	days      map[string][]*float64
	dayErrs   map[string]error
	months    map[string][]*float64
	monthErrs map[string]error

	dayCalls   int
	monthCalls int
}

func (f *fakeAPI) ConsumptionDay(ctx context.Context, day time.Time, meterID string) ([]string, []*float64, error) {
	f.dayCalls++
	key := day.Format("2006-01-02")
	if err := f.dayErrs[key]; err != nil {
		return nil, nil, err
	}
	return nil, f.days[key], nil
}

func (f *fakeAPI) ConsumptionMonth(ctx context.Context, year int, month time.Month, meterID string) ([]string, []*float64, error) {
	f.monthCalls++
	key := fmt.Sprintf("%04d-%02d", year, int(month))
	if err := f.monthErrs[key]; err != nil {
		return nil, nil, err
	}
	return nil, f.months[key], nil
}

type fakeStore struct {
	last    map[string][]stats.LastStatistic
	lastErr error
	addErr  error

	metas   []stats.Metadata
	batches [][]stats.Point
}

func (f *fakeStore) LastStatistics(ctx context.Context, seriesID string, limit int) (map[string][]stats.LastStatistic, error) {
	if f.lastErr != nil {
		return nil, f.lastErr
	}
	if f.last == nil {
		return map[string][]stats.LastStatistic{}, nil
	}
	return f.last, nil
}

func (f *fakeStore) AddExternalStatistics(ctx context.Context, meta stats.Metadata, points []stats.Point) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.metas = append(f.metas, meta)
	f.batches = append(f.batches, points)
	return nil
}

func fp(v float64) *float64 { return &v }

func sp(s string) *string { return &s }

func priorStatistic(sum float64, end string) map[string][]stats.LastStatistic {
	return map[string][]stats.LastStatistic{
		testSeriesID: {{Sum: fp(sum), End: sp(end)}},
	}
}

func repeatedReadings(n int, v float64) []*float64 {
	values := make([]*float64, n)
	for i := range values {
		values[i] = fp(v)
	}
	return values
}

func monthValues(n int, set map[int]float64) []*float64 {
	values := make([]*float64, n)
	for dayNum, v := range set {
		values[dayNum-1] = fp(v)
	}
	return values
}

func newTestImporter(subHourly bool, api *fakeAPI, store *fakeStore, now time.Time, lookback time.Duration) *importer.Importer {
	return importer.New(importer.Config{
		MeterID:   testMeterID,
		Unit:      "kWh",
		SubHourly: subHourly,
		API:       api,
		Store:     store,
		Logger:    zap.NewNop(),
		Lookback:  lookback,
		Now:       func() time.Time { return now },
	})
}

func TestImport_InitialImportSubHourly(t *testing.T) {
	api := &fakeAPI{
		days: map[string][]*float64{
			"2024-01-01": repeatedReadings(4, 0.25),
		},
	}
	store := &fakeStore{}
	now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(true, api, store, now, 72*time.Hour)

	total, ok := imp.Import(context.Background())
	if !ok {
		t.Fatal("Expected successful import")
	}
	if !total.Equal(decimal.NewFromFloat(1.0)) {
		t.Errorf("Expected total 1.0, got %s", total)
	}

	if len(store.batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(store.batches))
	}
	points := store.batches[0]
	if len(points) != 4 {
		t.Fatalf("Expected 4 points, got %d", len(points))
	}

	// 4 readings spread a day apart into 360-minute intervals
	expectedHours := []int{0, 6, 12, 18}
	expectedSums := []float64{0.25, 0.50, 0.75, 1.00}
	for i, p := range points {
		want := time.Date(2024, 1, 1, expectedHours[i], 0, 0, 0, time.UTC)
		if !p.Start.Equal(want) {
			t.Errorf("Point %d: expected start %v, got %v", i, want, p.Start)
		}
		if p.State != 0.25 {
			t.Errorf("Point %d: expected state 0.25, got %f", i, p.State)
		}
		if p.Sum != expectedSums[i] {
			t.Errorf("Point %d: expected sum %f, got %f", i, expectedSums[i], p.Sum)
		}
	}

	if len(store.metas) != 1 {
		t.Fatalf("Expected 1 metadata write, got %d", len(store.metas))
	}
	meta := store.metas[0]
	if meta.StatisticID != "netznoe:at001" {
		t.Errorf("Expected series id netznoe:at001, got %s", meta.StatisticID)
	}
	if meta.HasMean || !meta.HasSum {
		t.Errorf("Expected sum-only series, got has_mean=%v has_sum=%v", meta.HasMean, meta.HasSum)
	}
}

func TestImport_BucketsNinetySixReadingsIntoHours(t *testing.T) {
	api := &fakeAPI{
		days: map[string][]*float64{
			"2024-01-01": repeatedReadings(96, 1.0),
		},
	}
	store := &fakeStore{}
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(true, api, store, now, 48*time.Hour)

	total, ok := imp.Import(context.Background())
	if !ok {
		t.Fatal("Expected successful import")
	}
	if !total.Equal(decimal.NewFromInt(96)) {
		t.Errorf("Expected total 96, got %s", total)
	}

	if len(store.batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(store.batches))
	}
	points := store.batches[0]
	if len(points) != 24 {
		t.Fatalf("Expected 24 hourly points, got %d", len(points))
	}
	for i, p := range points {
		want := time.Date(2024, 1, 1, i, 0, 0, 0, time.UTC)
		if !p.Start.Equal(want) {
			t.Errorf("Point %d: expected start %v, got %v", i, want, p.Start)
		}
		if p.State != 4.0 {
			t.Errorf("Point %d: expected state 4.0, got %f", i, p.State)
		}
		if p.Sum != float64(4*(i+1)) {
			t.Errorf("Point %d: expected sum %f, got %f", i, float64(4*(i+1)), p.Sum)
		}
	}
}

func TestImport_SkipsRecentUpdate(t *testing.T) {
	api := &fakeAPI{}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	end := fmt.Sprintf("%d", now.Add(-time.Hour).Unix())
	store := &fakeStore{last: priorStatistic(100.0, end)}

	imp := newTestImporter(true, api, store, now, 0)

	for run := 0; run < 2; run++ {
		total, ok := imp.Import(context.Background())
		if !ok {
			t.Fatalf("Run %d: expected skip to return stored sum", run)
		}
		if !total.Equal(decimal.NewFromFloat(100.0)) {
			t.Errorf("Run %d: expected total 100, got %s", run, total)
		}
	}

	if api.dayCalls != 0 || api.monthCalls != 0 {
		t.Errorf("Expected no API calls, got %d day and %d month calls", api.dayCalls, api.monthCalls)
	}
	if len(store.batches) != 0 {
		t.Errorf("Expected no writes, got %d batches", len(store.batches))
	}
}

func TestImport_ResumeExcludesLastImportedDay(t *testing.T) {
	// February 2024 has 29 days; readings at day 10 (the already imported
	// day), day 11 and a bogus day 30 slot.
	february := monthValues(31, map[int]float64{
		10: 7.0,
		11: 5.0,
		30: 9.9,
	})
	api := &fakeAPI{
		months: map[string][]*float64{
			"2024-02": february,
		},
	}
	store := &fakeStore{last: priorStatistic(100.0, "2024-02-10T01:00:00Z")}
	now := time.Date(2024, 2, 12, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(false, api, store, now, 0)

	total, ok := imp.Import(context.Background())
	if !ok {
		t.Fatal("Expected successful import")
	}
	if !total.Equal(decimal.NewFromFloat(105.0)) {
		t.Errorf("Expected total 105, got %s", total)
	}

	if len(store.batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(store.batches))
	}
	points := store.batches[0]
	if len(points) != 1 {
		t.Fatalf("Expected exactly 1 point, got %d", len(points))
	}
	want := time.Date(2024, 2, 11, 0, 0, 0, 0, time.UTC)
	if !points[0].Start.Equal(want) {
		t.Errorf("Expected start %v, got %v", want, points[0].Start)
	}
	if points[0].State != 5.0 {
		t.Errorf("Expected state 5.0, got %f", points[0].State)
	}
	if points[0].Sum != 105.0 {
		t.Errorf("Expected sum 105.0, got %f", points[0].Sum)
	}
}

func TestImport_InvalidPriorStatisticsTriggersInitial(t *testing.T) {
	cases := []struct {
		name string
		last map[string][]stats.LastStatistic
	}{
		{"empty result", map[string][]stats.LastStatistic{}},
		{"missing sum", map[string][]stats.LastStatistic{
			testSeriesID: {{End: sp("2024-01-01T00:00:00Z")}},
		}},
		{"missing end", map[string][]stats.LastStatistic{
			testSeriesID: {{Sum: fp(100)}},
		}},
		{"two samples", map[string][]stats.LastStatistic{
			testSeriesID: {{Sum: fp(100), End: sp("2024-01-01T00:00:00Z")}, {Sum: fp(99), End: sp("2024-01-01T01:00:00Z")}},
		}},
		{"extra series", map[string][]stats.LastStatistic{
			testSeriesID:      {{Sum: fp(100), End: sp("2024-01-01T00:00:00Z")}},
			"netznoe:another": {{Sum: fp(1), End: sp("2024-01-01T00:00:00Z")}},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{
				days: map[string][]*float64{
					"2024-01-02": {fp(1.0)},
				},
			}
			store := &fakeStore{last: tc.last}
			now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

			imp := newTestImporter(true, api, store, now, 48*time.Hour)

			total, ok := imp.Import(context.Background())
			if !ok {
				t.Fatal("Expected successful initial import")
			}
			// An initial import starts the running total from zero.
			if !total.Equal(decimal.NewFromFloat(1.0)) {
				t.Errorf("Expected total 1.0, got %s", total)
			}
			if api.dayCalls == 0 {
				t.Error("Expected day fetches for the lookback window")
			}
		})
	}
}

func TestImport_PartialDayFailureContinues(t *testing.T) {
	api := &fakeAPI{
		days: map[string][]*float64{
			"2024-01-02": repeatedReadings(4, 0.25),
		},
		dayErrs: map[string]error{
			"2024-01-01": fmt.Errorf("temporary outage"),
		},
	}
	store := &fakeStore{}
	now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(true, api, store, now, 72*time.Hour)

	total, ok := imp.Import(context.Background())
	if !ok {
		t.Fatal("Expected import to survive a failed day")
	}
	if !total.Equal(decimal.NewFromFloat(1.0)) {
		t.Errorf("Expected total 1.0, got %s", total)
	}
	if len(store.batches) != 1 || len(store.batches[0]) != 4 {
		t.Errorf("Expected the intact day to be written")
	}
}

func TestImport_PartialMonthFailureContinues(t *testing.T) {
	api := &fakeAPI{
		months: map[string][]*float64{
			"2023-12": monthValues(31, map[int]float64{20: 1.0}),
			"2024-02": monthValues(29, map[int]float64{1: 2.0}),
		},
		monthErrs: map[string]error{
			"2024-01": fmt.Errorf("temporary outage"),
		},
	}
	store := &fakeStore{}
	now := time.Date(2024, 2, 15, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(false, api, store, now, 60*24*time.Hour)

	total, ok := imp.Import(context.Background())
	if !ok {
		t.Fatal("Expected import to survive a failed month")
	}
	if !total.Equal(decimal.NewFromFloat(3.0)) {
		t.Errorf("Expected total 3.0, got %s", total)
	}

	if len(store.batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(store.batches))
	}
	points := store.batches[0]
	if len(points) != 2 {
		t.Fatalf("Expected 2 points, got %d", len(points))
	}

	// Accumulation invariant across consecutive points
	prev := 0.0
	for i, p := range points {
		if p.Sum != prev+p.State {
			t.Errorf("Point %d: sum %f != previous %f + state %f", i, p.Sum, prev, p.State)
		}
		prev = p.Sum
	}
}

func TestImport_NullReadingsSkipped(t *testing.T) {
	api := &fakeAPI{
		days: map[string][]*float64{
			"2024-01-01": {fp(1.0), nil, fp(1.0), nil},
		},
	}
	store := &fakeStore{}
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(true, api, store, now, 48*time.Hour)

	total, ok := imp.Import(context.Background())
	if !ok {
		t.Fatal("Expected successful import")
	}
	if !total.Equal(decimal.NewFromFloat(2.0)) {
		t.Errorf("Expected total 2.0, got %s", total)
	}

	points := store.batches[0]
	if len(points) != 2 {
		t.Fatalf("Expected 2 points (nil readings skipped), got %d", len(points))
	}
	if !points[0].Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) ||
		!points[1].Start.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected bucket timestamps: %v, %v", points[0].Start, points[1].Start)
	}
}

func TestImport_DiscardsHoursBeforeResumeStart(t *testing.T) {
	api := &fakeAPI{
		days: map[string][]*float64{
			"2024-01-01": repeatedReadings(24, 1.0),
		},
	}
	end := fmt.Sprintf("%d", time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC).Unix())
	store := &fakeStore{last: priorStatistic(50.0, end)}
	now := time.Date(2024, 1, 3, 11, 0, 0, 0, time.UTC)

	imp := newTestImporter(true, api, store, now, 0)

	total, ok := imp.Import(context.Background())
	if !ok {
		t.Fatal("Expected successful import")
	}
	if !total.Equal(decimal.NewFromFloat(64.0)) {
		t.Errorf("Expected total 64 (50 + hours 10..23), got %s", total)
	}

	points := store.batches[0]
	if len(points) != 14 {
		t.Fatalf("Expected 14 points, got %d", len(points))
	}
	first := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !points[0].Start.Equal(first) {
		t.Errorf("Expected first point at %v, got %v", first, points[0].Start)
	}
	if points[0].Sum != 51.0 {
		t.Errorf("Expected first sum 51, got %f", points[0].Sum)
	}
}

func TestImport_UnparseableResumeTimestampFails(t *testing.T) {
	api := &fakeAPI{}
	store := &fakeStore{last: priorStatistic(100.0, "not-a-timestamp")}
	now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(true, api, store, now, 0)

	_, ok := imp.Import(context.Background())
	if ok {
		t.Error("Expected failure for unparseable resume timestamp")
	}
	if api.dayCalls != 0 {
		t.Errorf("Expected no API calls, got %d", api.dayCalls)
	}
	if len(store.batches) != 0 {
		t.Errorf("Expected no writes, got %d batches", len(store.batches))
	}
}

func TestImport_StoreQueryErrorFails(t *testing.T) {
	api := &fakeAPI{}
	store := &fakeStore{lastErr: fmt.Errorf("database unavailable")}
	now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(true, api, store, now, 0)

	_, ok := imp.Import(context.Background())
	if ok {
		t.Error("Expected failure when the statistics query errors")
	}
}

func TestImport_WriteErrorFails(t *testing.T) {
	api := &fakeAPI{
		days: map[string][]*float64{
			"2024-01-01": {fp(1.0)},
		},
	}
	store := &fakeStore{addErr: fmt.Errorf("database unavailable")}
	now := time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(true, api, store, now, 48*time.Hour)

	_, ok := imp.Import(context.Background())
	if ok {
		t.Error("Expected failure when the statistics write errors")
	}
}

func TestImport_EmptyWindowWritesNothing(t *testing.T) {
	api := &fakeAPI{}
	store := &fakeStore{}
	now := time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC)

	imp := newTestImporter(false, api, store, now, 48*time.Hour)

	total, ok := imp.Import(context.Background())
	if !ok {
		t.Fatal("Expected successful import")
	}
	if !total.IsZero() {
		t.Errorf("Expected zero total, got %s", total)
	}
	if len(store.batches) != 0 {
		t.Errorf("Expected no batches for an empty window, got %d", len(store.batches))
	}
}
