// README: Ride session state machine; accumulates distance, duration and idle time and emits stats/ride-finished events.
package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"

	"ridepulse/internal/modules/location"
	"ridepulse/internal/types"
)

type Config struct {
	AccuracyCeilingMeters float64
	GlitchCeilingMeters   float64
	IdleThreshold         time.Duration
	TickInterval          time.Duration
}

var DefaultConfig = Config{
	AccuracyCeilingMeters: 50,
	GlitchCeilingMeters:   500,
	IdleThreshold:         15000 * time.Millisecond,
	TickInterval:          time.Second,
}

// PositionReader exposes the smoothed position; *Estimator satisfies it.
type PositionReader interface {
	Current() (Estimate, bool)
}

type state struct {
	phase           Phase
	phaseEnteredAt  time.Time
	pickupStartedAt *time.Time
	rideID          string
	rideStartedAt   *time.Time
	rideEndedAt     *time.Time
	startPoint      *types.Point
	distance        float64
	points          []types.Point
	lastFixAt       time.Time
	idleEnteredAt   *time.Time
	idleActive      bool
	idleFired       bool
}

// effects are collected under mu and applied, in order, after it is released.
type effects struct {
	stopWatch *WatchID
	feedback  []FeedbackKind
	logs      []RideLogRow
	summary   *RideSummaryRow
	finished  *RideFinished
	stats     *Stats
}

// Session is the single owner of one device's ride state. Subscribers receive
// Stats and RideFinished values on the channels they register; a subscriber
// that stops reading stalls the session, so use buffered channels.
type Session struct {
	cfg      Config
	platform Platform
	logs     RideLog
	path     *PathRecorder
	position PositionReader
	now      func() time.Time
	log      *slog.Logger

	mu        sync.Mutex
	st        state
	gen       uint64
	watchID   WatchID
	watching  bool
	lastStats *Stats

	emitMu       sync.Mutex
	statsFeed    event.Feed
	finishedFeed event.Feed
}

type SessionOption func(*Session)

func WithConfig(cfg Config) SessionOption { return func(s *Session) { s.cfg = cfg } }

func WithRideLog(l RideLog) SessionOption { return func(s *Session) { s.logs = l } }

// WithPathRecorder records riding fixes into p, reset at each StartRide.
func WithPathRecorder(p *PathRecorder) SessionOption { return func(s *Session) { s.path = p } }

func WithPositionReader(r PositionReader) SessionOption { return func(s *Session) { s.position = r } }

func WithSessionClock(now func() time.Time) SessionOption { return func(s *Session) { s.now = now } }

func WithSessionLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSession creates a session in Idle with the idle deadline armed.
func NewSession(platform Platform, opts ...SessionOption) *Session {
	s := &Session{
		cfg:      DefaultConfig,
		platform: platform,
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.logs == nil {
		s.logs = NewMemoryRideLog()
	}
	now := s.now()
	s.st.phase = PhaseIdle
	s.st.phaseEnteredAt = now
	s.st.idleEnteredAt = &now
	return s
}

func (s *Session) SubscribeStats(ch chan<- Stats) event.Subscription {
	return s.statsFeed.Subscribe(ch)
}

func (s *Session) SubscribeFinished(ch chan<- RideFinished) event.Subscription {
	return s.finishedFeed.Subscribe(ch)
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.phase
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(s.now())
}

func (s *Session) StartPickup(ctx context.Context) (bool, error) {
	return s.Dispatch(ctx, EventStartPickup)
}

func (s *Session) AbortPickup(ctx context.Context) (bool, error) {
	return s.Dispatch(ctx, EventAbortPickup)
}

func (s *Session) StartRide(ctx context.Context) (bool, error) {
	return s.Dispatch(ctx, EventStartRide)
}

func (s *Session) EndRide(ctx context.Context) (bool, error) {
	return s.Dispatch(ctx, EventEndRide)
}

// Dispatch applies a command. Events not valid from the current phase are
// no-ops and report false. A non-nil error means the transition happened but
// the position watch could not be started.
func (s *Session) Dispatch(ctx context.Context, ev Event) (bool, error) {
	s.mu.Lock()
	if from := s.st.phase; !CanApply(ev, from) {
		s.mu.Unlock()
		s.log.Debug("ignored ride event", "event", string(ev), "phase", string(from))
		return false, nil
	}

	now := s.now()
	var fx effects
	switch ev {
	case EventStartPickup:
		s.setPhaseLocked(PhaseToPickup, now)
		s.st.pickupStartedAt = &now
		s.clearIdleLocked()
		fx.feedback = append(fx.feedback, FeedbackHeavy)
		fx.logs = append(fx.logs, s.snapshotRowLocked(PhaseToPickup, now))

	case EventAbortPickup:
		s.setPhaseLocked(PhaseIdle, now)
		s.st.pickupStartedAt = nil
		s.enterIdleLocked(now)
		fx.feedback = append(fx.feedback, FeedbackError)
		fx.logs = append(fx.logs, s.snapshotRowLocked(PhaseIdle, now))

	case EventStartRide:
		s.setPhaseLocked(PhaseRiding, now)
		s.gen++
		s.st.pickupStartedAt = nil
		s.st.rideID = uuid.NewString()
		s.st.rideStartedAt = &now
		s.st.rideEndedAt = nil
		s.st.distance = 0
		s.st.points = nil
		s.st.lastFixAt = time.Time{}
		s.st.startPoint = nil
		if s.path != nil {
			s.path.Reset()
		}
		// The smoothed position seeds the path, so the leg from it to the first
		// accepted fix counts toward distance under the same glitch ceiling.
		if p, ok := s.currentPositionLocked(); ok {
			s.st.startPoint = &p
			s.st.points = append(s.st.points, p)
		}
		s.clearIdleLocked()
		fx.feedback = append(fx.feedback, FeedbackMedium)

	case EventEndRide:
		s.setPhaseLocked(PhaseIdle, now)
		s.gen++
		if s.watching {
			id := s.watchID
			fx.stopWatch = &id
			s.watching = false
		}
		s.st.rideEndedAt = &now
		s.enterIdleLocked(now)
		fx.feedback = append(fx.feedback, FeedbackSuccess)
		fx.finished = s.finishedLocked()
		fx.summary = s.summaryLocked()
		fx.logs = append(fx.logs, s.snapshotRowLocked(PhaseIdle, now))
	}
	fx.stats = s.markStatsLocked(now)
	gen := s.gen

	s.emitMu.Lock()
	s.mu.Unlock()
	s.apply(ctx, &fx)
	s.emitMu.Unlock()

	s.log.Info("ride event applied", "event", string(ev), "phase", string(fx.stats.Phase))
	if ev == EventStartRide {
		return true, s.startWatch(gen)
	}
	return true, nil
}

func (s *Session) startWatch(gen uint64) error {
	id, err := s.platform.StartWatch(
		func(f Fix) { s.handleFix(gen, f) },
		s.handleSensorError,
	)
	if err != nil {
		s.log.Error("start position watch", "error", err)
		return fmt.Errorf("%w: %v", ErrSensor, err)
	}

	s.mu.Lock()
	if s.gen != gen || s.st.phase != PhaseRiding {
		// the ride ended while the watch was starting
		s.mu.Unlock()
		s.platform.StopWatch(id)
		return nil
	}
	s.watchID = id
	s.watching = true
	s.mu.Unlock()
	return nil
}

func (s *Session) handleSensorError(err error) {
	s.log.Warn("position sensor error; awaiting next fix", "error", err)
}

// HandleFix feeds a fix directly, as if it arrived on the active watch.
func (s *Session) HandleFix(f Fix) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.handleFix(gen, f)
}

func (s *Session) handleFix(gen uint64, f Fix) {
	s.mu.Lock()
	if gen != s.gen || s.st.phase != PhaseRiding {
		s.mu.Unlock()
		return
	}
	now := s.now()
	fx, ok := s.recordFixLocked(f, now)
	if !ok {
		s.mu.Unlock()
		return
	}

	s.emitMu.Lock()
	s.mu.Unlock()
	s.apply(context.Background(), &fx)
	s.emitMu.Unlock()
}

func (s *Session) recordFixLocked(f Fix, now time.Time) (effects, bool) {
	var fx effects
	if f.Accuracy != nil && *f.Accuracy > s.cfg.AccuracyCeilingMeters {
		s.log.Debug("discarded low-accuracy fix", "accuracy", *f.Accuracy)
		return fx, false
	}
	if !location.ValidCoordinate(f.Lat, f.Lng) {
		s.log.Debug("discarded invalid fix", "lat", f.Lat, "lng", f.Lng)
		return fx, false
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = now
	}
	if !s.st.lastFixAt.IsZero() && f.Timestamp.Before(s.st.lastFixAt) {
		s.log.Debug("discarded out-of-order fix", "timestamp", f.Timestamp)
		return fx, false
	}
	s.st.lastFixAt = f.Timestamp
	if s.path != nil {
		s.path.Record(f)
	}

	p := f.Point()
	if n := len(s.st.points); n > 0 {
		if d := location.HaversineMeters(s.st.points[n-1], p); d < s.cfg.GlitchCeilingMeters {
			s.st.distance += d
		} else {
			s.log.Debug("jump excluded from distance", "meters", d)
		}
	}
	s.st.points = append(s.st.points, p)

	lat, lng := f.Lat, f.Lng
	fx.logs = append(fx.logs, RideLogRow{
		Phase:     PhaseRiding,
		Lat:       &lat,
		Lng:       &lng,
		Speed:     f.Speed,
		Distance:  s.st.distance,
		Duration:  s.rideDurationLocked(now).Seconds(),
		CreatedAt: now,
	})
	fx.stats = s.markStatsLocked(now)
	return fx, true
}

// Tick advances the phase counters and idle detection to the session clock.
func (s *Session) Tick(ctx context.Context) {
	s.mu.Lock()
	now := s.now()
	var fx effects
	if s.st.phase == PhaseIdle && !s.st.idleActive && s.st.idleEnteredAt != nil &&
		!now.Before(s.st.idleEnteredAt.Add(s.cfg.IdleThreshold)) {
		s.st.idleActive = true
		if !s.st.idleFired {
			s.st.idleFired = true
			fx.feedback = append(fx.feedback, FeedbackLight)
			fx.logs = append(fx.logs, s.snapshotRowLocked(PhaseIdle, now))
		}
	}
	if st := s.statsLocked(now); !sameStats(s.lastStats, &st) {
		s.lastStats = &st
		fx.stats = &st
	}

	s.emitMu.Lock()
	s.mu.Unlock()
	s.apply(ctx, &fx)
	s.emitMu.Unlock()
}

// Run ticks the session until ctx is done, then halts fix consumption.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Close()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Close stops any active position watch. The ride phase is left unchanged.
func (s *Session) Close() {
	s.mu.Lock()
	s.gen++
	id, watching := s.watchID, s.watching
	s.watching = false
	s.mu.Unlock()
	if watching {
		s.platform.StopWatch(id)
	}
}

func (s *Session) apply(ctx context.Context, fx *effects) {
	if fx.stopWatch != nil {
		s.platform.StopWatch(*fx.stopWatch)
	}
	for _, k := range fx.feedback {
		s.platform.SignalFeedback(k)
	}
	for _, row := range fx.logs {
		if err := s.logs.AppendLog(ctx, row); err != nil {
			s.log.Error("append ride log", "phase", string(row.Phase), "error", err)
		}
	}
	if fx.summary != nil {
		if err := s.logs.AppendSummary(ctx, *fx.summary); err != nil {
			s.log.Error("append ride summary", "ride_id", fx.summary.ID, "error", err)
		}
	}
	if fx.stats != nil {
		s.statsFeed.Send(*fx.stats)
	}
	if fx.finished != nil {
		f := fx.finished
		s.log.Info("ride finished",
			"ride_id", f.RideID,
			"distance", humanize.SIWithDigits(f.DistanceMeters, 2, "m"),
			"duration", f.RideEndedAt.Sub(f.RideStartedAt).String(),
			"points", len(f.Points),
		)
		s.finishedFeed.Send(*f)
	}
}

func (s *Session) setPhaseLocked(p Phase, now time.Time) {
	s.st.phase = p
	s.st.phaseEnteredAt = now
}

// enterIdleLocked restarts the idle clock; every entry into Idle is a new idle period.
func (s *Session) enterIdleLocked(now time.Time) {
	t := now
	s.st.idleEnteredAt = &t
	s.st.idleActive = false
	s.st.idleFired = false
}

func (s *Session) clearIdleLocked() {
	s.st.idleEnteredAt = nil
	s.st.idleActive = false
	s.st.idleFired = false
}

func (s *Session) currentPositionLocked() (types.Point, bool) {
	if s.position == nil {
		return types.Point{}, false
	}
	est, ok := s.position.Current()
	if !ok {
		return types.Point{}, false
	}
	return est.Position, true
}

// lastKnownLocked prefers the last recorded fix over the smoothed estimate.
func (s *Session) lastKnownLocked() (types.Point, bool) {
	if n := len(s.st.points); n > 0 && s.st.rideStartedAt != nil {
		return s.st.points[n-1], true
	}
	return s.currentPositionLocked()
}

func (s *Session) rideDurationLocked(now time.Time) time.Duration {
	if s.st.rideStartedAt == nil {
		return 0
	}
	end := now
	if s.st.rideEndedAt != nil {
		end = *s.st.rideEndedAt
	}
	return end.Sub(*s.st.rideStartedAt)
}

func (s *Session) snapshotRowLocked(p Phase, now time.Time) RideLogRow {
	row := RideLogRow{
		Phase:     p,
		Distance:  s.st.distance,
		Duration:  s.rideDurationLocked(now).Seconds(),
		IdleTime:  s.idleDurationLocked(now).Seconds(),
		CreatedAt: now,
	}
	if pt, ok := s.lastKnownLocked(); ok {
		lat, lng := pt.Lat, pt.Lng
		row.Lat, row.Lng = &lat, &lng
	}
	return row
}

func (s *Session) idleDurationLocked(now time.Time) time.Duration {
	if !s.st.idleActive || s.st.idleEnteredAt == nil {
		return 0
	}
	return now.Sub(*s.st.idleEnteredAt)
}

func (s *Session) statsLocked(now time.Time) Stats {
	st := Stats{
		Phase:          s.st.phase,
		Idle:           s.st.idleActive,
		IdleSeconds:    wholeSeconds(s.idleDurationLocked(now)),
		RideSeconds:    wholeSeconds(s.rideDurationLocked(now)),
		DistanceMeters: s.st.distance,
		Points:         make([]types.Point, len(s.st.points)),
	}
	copy(st.Points, s.st.points)
	if s.st.phase == PhaseToPickup && s.st.pickupStartedAt != nil {
		st.PickupSeconds = wholeSeconds(now.Sub(*s.st.pickupStartedAt))
	}
	return st
}

func (s *Session) markStatsLocked(now time.Time) *Stats {
	st := s.statsLocked(now)
	s.lastStats = &st
	return &st
}

func (s *Session) finishedLocked() *RideFinished {
	pts := make([]types.Point, len(s.st.points))
	copy(pts, s.st.points)
	return &RideFinished{
		RideID:         s.st.rideID,
		RideStartedAt:  *s.st.rideStartedAt,
		RideEndedAt:    *s.st.rideEndedAt,
		DistanceMeters: s.st.distance,
		Points:         pts,
	}
}

func (s *Session) summaryLocked() *RideSummaryRow {
	row := &RideSummaryRow{
		ID:          s.st.rideID,
		RideStartAt: *s.st.rideStartedAt,
		RideEndAt:   *s.st.rideEndedAt,
		Distance:    s.st.distance,
	}
	start := s.st.startPoint
	if start == nil && len(s.st.points) > 0 {
		start = &s.st.points[0]
	}
	if start != nil {
		lat, lng := start.Lat, start.Lng
		row.StartLat, row.StartLng = &lat, &lng
	}
	if end, ok := s.lastKnownLocked(); ok {
		lat, lng := end.Lat, end.Lng
		row.EndLat, row.EndLng = &lat, &lng
	}
	return row
}

func sameStats(a, b *Stats) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Phase == b.Phase &&
		a.Idle == b.Idle &&
		a.IdleSeconds == b.IdleSeconds &&
		a.PickupSeconds == b.PickupSeconds &&
		a.RideSeconds == b.RideSeconds &&
		a.DistanceMeters == b.DistanceMeters &&
		len(a.Points) == len(b.Points)
}

func wholeSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Floor(d.Seconds()))
}
