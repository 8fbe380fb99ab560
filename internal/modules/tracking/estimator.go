// README: Fixed-gain position/velocity estimator with lock-free extrapolation for render loops.
package tracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"ridepulse/internal/types"
)

const (
	DefaultProcessNoise     = 1.0
	DefaultMeasurementNoise = 3.0
	DefaultReplayLag        = 500 * time.Millisecond
)

// Estimate is an immutable snapshot. Velocity is in degrees per second.
type Estimate struct {
	Position  types.Point
	VelLat    float64
	VelLng    float64
	UpdatedAt time.Time
}

// Estimator folds irregular fixes into a smoothed position. Updates are
// serialized by mu; readers load the published snapshot without locking.
type Estimator struct {
	mu   sync.Mutex
	gain float64
	now  func() time.Time
	cur  atomic.Pointer[Estimate]
}

type EstimatorOption func(*Estimator)

// WithEstimatorClock sets the clock Animate extrapolates against. Replays
// pass a clock that follows the fix timestamps.
func WithEstimatorClock(now func() time.Time) EstimatorOption {
	return func(e *Estimator) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEstimator(processNoise, measurementNoise float64, opts ...EstimatorOption) *Estimator {
	if processNoise <= 0 {
		processNoise = DefaultProcessNoise
	}
	if measurementNoise <= 0 {
		measurementNoise = DefaultMeasurementNoise
	}
	e := &Estimator{
		gain: processNoise / (processNoise + measurementNoise),
		now:  time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Estimator) Gain() float64 { return e.gain }

// Update folds a measurement taken dt after the previous one. The first call
// bootstraps the estimate; dt <= 0 afterwards is ignored.
func (e *Estimator) Update(lat, lng float64, dt time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.cur.Load()
	if prev == nil {
		e.cur.Store(&Estimate{Position: types.Point{Lat: lat, Lng: lng}, UpdatedAt: e.now()})
		return true
	}
	if dt <= 0 {
		return false
	}
	e.cur.Store(e.step(prev, lat, lng, dt, prev.UpdatedAt.Add(dt)))
	return true
}

// UpdateFix is Update with dt taken from the fix timestamps.
func (e *Estimator) UpdateFix(f Fix) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.cur.Load()
	if prev == nil {
		e.cur.Store(&Estimate{Position: f.Point(), UpdatedAt: f.Timestamp})
		return true
	}
	dt := f.Timestamp.Sub(prev.UpdatedAt)
	if dt <= 0 {
		return false
	}
	e.cur.Store(e.step(prev, f.Lat, f.Lng, dt, f.Timestamp))
	return true
}

func (e *Estimator) step(prev *Estimate, lat, lng float64, dt time.Duration, at time.Time) *Estimate {
	sec := dt.Seconds()
	k := e.gain

	// predict
	pLat := prev.Position.Lat + prev.VelLat*sec
	pLng := prev.Position.Lng + prev.VelLng*sec

	// correct
	nLat := pLat + k*(lat-pLat)
	nLng := pLng + k*(lng-pLng)

	mvLat := (lat - prev.Position.Lat) / sec
	mvLng := (lng - prev.Position.Lng) / sec

	return &Estimate{
		Position:  types.Point{Lat: nLat, Lng: nLng},
		VelLat:    prev.VelLat + k*(mvLat-prev.VelLat),
		VelLng:    prev.VelLng + k*(mvLng-prev.VelLng),
		UpdatedAt: at,
	}
}

// Current returns the latest snapshot, or false before the first fix.
func (e *Estimator) Current() (Estimate, bool) {
	cur := e.cur.Load()
	if cur == nil {
		return Estimate{}, false
	}
	return *cur, true
}

// Predict extrapolates the current position by dt without mutating state.
func (e *Estimator) Predict(dt time.Duration) (types.Point, bool) {
	cur := e.cur.Load()
	if cur == nil {
		return types.Point{}, false
	}
	return cur.extrapolate(dt), true
}

// PredictAt extrapolates to now-lag, never to a time before the last fix.
func (e *Estimator) PredictAt(now time.Time, lag time.Duration) (types.Point, bool) {
	cur := e.cur.Load()
	if cur == nil {
		return types.Point{}, false
	}
	dt := now.Add(-lag).Sub(cur.UpdatedAt)
	if dt < 0 {
		dt = 0
	}
	return cur.extrapolate(dt), true
}

func (est *Estimate) extrapolate(dt time.Duration) types.Point {
	sec := dt.Seconds()
	return types.Point{
		Lat: est.Position.Lat + est.VelLat*sec,
		Lng: est.Position.Lng + est.VelLng*sec,
	}
}

// Animate calls fn with the lag-compensated position every tick until ctx ends.
func (e *Estimator) Animate(ctx context.Context, every, lag time.Duration, fn func(types.Point)) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p, ok := e.PredictAt(e.now(), lag); ok {
				fn(p)
			}
		}
	}
}
