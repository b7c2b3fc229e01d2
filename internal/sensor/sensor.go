package sensor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mkefeder/netznoe-import-worker/internal/importer"
	"github.com/mkefeder/netznoe-import-worker/internal/smartmeter"
)

// Sensor surfaces the cumulative consumption total of one metering point.
// At most one update runs at a time; an update requested while a prior one
// is still in flight is skipped.
type Sensor struct {
	meterID  string
	client   *smartmeter.Client
	importer *importer.Importer
	logger   *zap.Logger

	updating atomic.Bool

	mu         sync.RWMutex
	value      float64
	hasValue   bool
	available  bool
	lastUpdate time.Time
}

// New creates a sensor for one metering point.
func New(meterID string, client *smartmeter.Client, imp *importer.Importer, logger *zap.Logger) *Sensor {
	return &Sensor{
		meterID:   meterID,
		client:    client,
		importer:  imp,
		logger:    logger,
		available: true,
	}
}

// MeterID returns the metering point this sensor is bound to.
func (s *Sensor) MeterID() string {
	return s.meterID
}

// Value returns the current cumulative total and whether one is known.
func (s *Sensor) Value() (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value, s.hasValue
}

// Available reports whether the last update attempt succeeded.
func (s *Sensor) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.available
}

// LastUpdate returns the time of the last successful update.
func (s *Sensor) LastUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdate
}

// Update logs in, runs the importer and refreshes the sensor state.
// It returns true when a new cumulative total was obtained. A concurrent
// call while an update is in flight returns false immediately.
func (s *Sensor) Update(ctx context.Context) bool {
	if !s.updating.CompareAndSwap(false, true) {
		s.logger.Debug("import still in progress, skipping update")
		return false
	}
	defer s.updating.Store(false)

	if err := s.client.Login(ctx); err != nil {
		s.logger.Error("login failed", zap.Error(err))
		s.markUnavailable()
		return false
	}

	point, found := s.meteringPoint()
	if !found {
		s.logger.Error("metering point not found in account listing")
		s.markUnavailable()
		return false
	}
	if !point.Active() {
		s.logger.Warn("metering point is not active, skipping data fetch")
		return false
	}

	total, ok := s.importer.Import(ctx)
	if !ok {
		// The importer already logged the cause. Keep the previous value;
		// the sensor itself stays available.
		s.logger.Debug("no cumulative total available")
		s.touch()
		return false
	}

	value, _ := total.Float64()

	s.mu.Lock()
	s.value = value
	s.hasValue = true
	s.available = true
	s.lastUpdate = time.Now()
	s.mu.Unlock()

	s.logger.Debug("cumulative total updated", zap.Float64("total", value))
	return true
}

func (s *Sensor) meteringPoint() (smartmeter.MeteringPoint, bool) {
	for _, p := range s.client.MeteringPoints() {
		if p.MeteringPointID == s.meterID {
			return p, true
		}
	}
	return smartmeter.MeteringPoint{}, false
}

func (s *Sensor) markUnavailable() {
	s.mu.Lock()
	s.available = false
	s.mu.Unlock()
}

func (s *Sensor) touch() {
	s.mu.Lock()
	s.available = true
	s.lastUpdate = time.Now()
	s.mu.Unlock()
}
