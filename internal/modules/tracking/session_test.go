package tracking

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"ridepulse/internal/modules/location"
	"ridepulse/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingFeedback struct {
	mu    sync.Mutex
	kinds []FeedbackKind
}

func (r *recordingFeedback) SignalFeedback(k FeedbackKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, k)
}

func (r *recordingFeedback) Kinds() []FeedbackKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FeedbackKind(nil), r.kinds...)
}

func (r *recordingFeedback) Count(k FeedbackKind) int {
	n := 0
	for _, got := range r.Kinds() {
		if got == k {
			n++
		}
	}
	return n
}

// capturingSource hands the test the raw callbacks so late deliveries can be simulated.
type capturingSource struct {
	mu      sync.Mutex
	onFix   []func(Fix)
	stopped []WatchID
	next    WatchID
}

func (c *capturingSource) StartWatch(onFix func(Fix), _ func(error)) (WatchID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.onFix = append(c.onFix, onFix)
	return c.next, nil
}

func (c *capturingSource) StopWatch(id WatchID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = append(c.stopped, id)
}

type harness struct {
	sess  *Session
	src   *StreamSource
	fb    *recordingFeedback
	logs  *MemoryRideLog
	clock *fakeClock
}

func newHarness(opts ...SessionOption) *harness {
	h := &harness{
		src:   NewStreamSource(),
		fb:    &recordingFeedback{},
		logs:  NewMemoryRideLog(),
		clock: newFakeClock(),
	}
	base := []SessionOption{WithSessionClock(h.clock.Now), WithRideLog(h.logs)}
	h.sess = NewSession(Adapters{PositionSource: h.src, Feedback: h.fb}, append(base, opts...)...)
	return h
}

func (h *harness) fix(lat, lng float64, acc *float64) {
	h.src.Emit(Fix{Lat: lat, Lng: lng, Accuracy: acc, Timestamp: h.clock.Now()})
}

func acc(v float64) *float64 { return &v }

func TestSession_TransitionTable(t *testing.T) {
	ctx := context.Background()
	drive := map[Phase][]Event{
		PhaseIdle:     nil,
		PhaseToPickup: {EventStartPickup},
		PhaseRiding:   {EventStartRide},
	}
	want := map[Phase]map[Event]Phase{
		PhaseIdle: {
			EventStartPickup: PhaseToPickup,
			EventStartRide:   PhaseRiding,
		},
		PhaseToPickup: {
			EventAbortPickup: PhaseIdle,
			EventStartRide:   PhaseRiding,
		},
		PhaseRiding: {
			EventEndRide: PhaseIdle,
		},
	}
	events := []Event{EventStartPickup, EventAbortPickup, EventStartRide, EventEndRide}

	for from, setup := range drive {
		for _, ev := range events {
			t.Run(string(from)+"/"+string(ev), func(t *testing.T) {
				h := newHarness()
				for _, e := range setup {
					ok, err := h.sess.Dispatch(ctx, e)
					require.NoError(t, err)
					require.True(t, ok)
				}
				fbBefore := len(h.fb.Kinds())
				logsBefore := len(h.logs.Logs())

				ok, err := h.sess.Dispatch(ctx, ev)
				require.NoError(t, err)

				to, valid := want[from][ev]
				assert.Equal(t, valid, ok)
				assert.Equal(t, valid, CanApply(ev, from))
				if !valid {
					assert.Equal(t, from, h.sess.Phase())
					assert.Len(t, h.fb.Kinds(), fbBefore, "invalid event must not signal")
					assert.Len(t, h.logs.Logs(), logsBefore, "invalid event must not log")
					return
				}
				assert.Equal(t, to, h.sess.Phase())
			})
		}
	}
}

func TestSession_TransitionEffects(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	h.sess.StartPickup(ctx)
	h.clock.Advance(3 * time.Second)
	assert.Equal(t, 3, h.sess.Stats().PickupSeconds)

	h.sess.AbortPickup(ctx)
	h.sess.StartPickup(ctx)
	h.sess.StartRide(ctx)
	assert.Equal(t, 0, h.sess.Stats().PickupSeconds)
	assert.Equal(t, 1, h.src.Watching())

	h.clock.Advance(time.Second)
	h.sess.EndRide(ctx)
	assert.Equal(t, 0, h.src.Watching())

	assert.Equal(t, []FeedbackKind{FeedbackHeavy, FeedbackError, FeedbackHeavy, FeedbackMedium, FeedbackSuccess}, h.fb.Kinds())

	var phases []Phase
	for _, r := range h.logs.Logs() {
		phases = append(phases, r.Phase)
	}
	assert.Equal(t, []Phase{PhaseToPickup, PhaseIdle, PhaseToPickup, PhaseIdle}, phases)
}

func TestSession_IdleFiresOncePerPeriod(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	h.clock.Advance(14 * time.Second)
	h.sess.Tick(ctx)
	assert.False(t, h.sess.Stats().Idle)
	assert.Zero(t, h.fb.Count(FeedbackLight))

	h.clock.Advance(time.Second)
	h.sess.Tick(ctx)
	st := h.sess.Stats()
	assert.True(t, st.Idle)
	assert.Equal(t, 1, h.fb.Count(FeedbackLight))
	assert.Len(t, h.logs.LogsByPhase(PhaseIdle), 1)

	for i := 0; i < 30; i++ {
		h.clock.Advance(time.Second)
		h.sess.Tick(ctx)
	}
	assert.Equal(t, 1, h.fb.Count(FeedbackLight), "idle side effect must not repeat while idle")
	assert.Len(t, h.logs.LogsByPhase(PhaseIdle), 1)
	assert.Equal(t, 45, h.sess.Stats().IdleSeconds)

	// leaving and re-entering Idle restarts the clock
	h.sess.StartPickup(ctx)
	assert.False(t, h.sess.Stats().Idle)
	h.sess.AbortPickup(ctx)

	h.clock.Advance(14 * time.Second)
	h.sess.Tick(ctx)
	assert.Equal(t, 1, h.fb.Count(FeedbackLight))

	h.clock.Advance(time.Second)
	h.sess.Tick(ctx)
	assert.Equal(t, 2, h.fb.Count(FeedbackLight))
}

func TestSession_NoIdleOutsideIdlePhase(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.sess.StartRide(ctx)

	for i := 0; i < 60; i++ {
		h.clock.Advance(time.Second)
		h.sess.Tick(ctx)
	}
	assert.Zero(t, h.fb.Count(FeedbackLight))
	assert.Equal(t, 60, h.sess.Stats().RideSeconds)
	h.sess.EndRide(ctx)
}

func TestSession_EndToEndRide(t *testing.T) {
	ctx := context.Background()
	est := NewEstimator(DefaultProcessNoise, DefaultMeasurementNoise)
	est.Update(10.0, 20.0, 0)
	h := newHarness(WithPositionReader(est))

	finished := make(chan RideFinished, 1)
	sub := h.sess.SubscribeFinished(finished)
	defer sub.Unsubscribe()

	ok, err := h.sess.StartRide(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(5 * time.Second)
	h.fix(10.00050, 20.00020, acc(10))
	h.clock.Advance(30 * time.Second)
	h.fix(10.00500, 20.00200, acc(10))
	h.clock.Advance(5 * time.Second)

	ok, err = h.sess.EndRide(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PhaseIdle, h.sess.Phase())

	leg1 := location.HaversineMeters(types.Point{Lat: 10, Lng: 20}, types.Point{Lat: 10.0005, Lng: 20.0002})
	leg2 := location.HaversineMeters(types.Point{Lat: 10.0005, Lng: 20.0002}, types.Point{Lat: 10.005, Lng: 20.002})
	require.Greater(t, leg2, DefaultConfig.GlitchCeilingMeters, "second leg is a glitch-sized jump")

	var done RideFinished
	select {
	case done = <-finished:
	default:
		t.Fatal("no ride-finished event")
	}
	assert.InDelta(t, leg1, done.DistanceMeters, 1e-6)
	assert.Equal(t, 40*time.Second, done.RideEndedAt.Sub(done.RideStartedAt))
	assert.Len(t, done.Points, 3)
	assert.NotEmpty(t, done.RideID)

	sums, err := h.logs.ListSummaries(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	s := sums[0]
	assert.Equal(t, done.RideID, s.ID)
	assert.InDelta(t, 10.0, *s.StartLat, 1e-9)
	assert.InDelta(t, 20.0, *s.StartLng, 1e-9)
	assert.InDelta(t, 10.005, *s.EndLat, 1e-9)
	assert.InDelta(t, 20.002, *s.EndLng, 1e-9)

	riding := h.logs.LogsByPhase(PhaseRiding)
	require.Len(t, riding, 2)
	assert.InDelta(t, 5.0, riding[0].Duration, 1e-9)
	assert.InDelta(t, leg1, riding[1].Distance, 1e-6)

	idle := h.logs.LogsByPhase(PhaseIdle)
	require.Len(t, idle, 1)
	assert.InDelta(t, 40.0, idle[0].Duration, 1e-9)
	assert.InDelta(t, leg1, idle[0].Distance, 1e-6)

	// completed ride stats stay visible until the next ride
	st := h.sess.Stats()
	assert.Equal(t, 40, st.RideSeconds)
	assert.InDelta(t, leg1, st.DistanceMeters, 1e-6)
}

func TestSession_FixFiltering(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.sess.StartRide(ctx)

	h.fix(10.0, 20.0, acc(5))
	h.clock.Advance(time.Second)
	h.fix(10.0001, 20.0, acc(50.5))
	h.fix(10.0001, 20.0, acc(50))
	h.clock.Advance(time.Second)
	h.fix(10.0002, 20.0, nil)

	// older than the last accepted fix
	h.src.Emit(Fix{Lat: 10.0003, Lng: 20, Accuracy: acc(1), Timestamp: h.clock.Now().Add(-5 * time.Second)})

	st := h.sess.Stats()
	require.Len(t, st.Points, 3)
	want := 2 * location.HaversineMeters(types.Point{Lat: 10, Lng: 20}, types.Point{Lat: 10.0001, Lng: 20})
	assert.InDelta(t, want, st.DistanceMeters, 1e-6)
	h.sess.EndRide(ctx)
}

func TestSession_DistanceMatchesAcceptedLegs(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 20; trial++ {
		h := newHarness()
		h.sess.StartRide(ctx)

		var accepted []types.Point
		cur := types.Point{Lat: 45, Lng: 7}
		for i := 0; i < 50; i++ {
			h.clock.Advance(time.Second)
			step := 0.0005
			if rng.Intn(10) == 0 {
				step = 0.01 // well past the glitch ceiling
			}
			cur = types.Point{Lat: cur.Lat + (rng.Float64()-0.5)*step, Lng: cur.Lng + (rng.Float64()-0.5)*step}
			a := rng.Float64() * 80
			h.fix(cur.Lat, cur.Lng, &a)
			if a <= DefaultConfig.AccuracyCeilingMeters {
				accepted = append(accepted, cur)
			}
		}

		want := 0.0
		for i := 1; i < len(accepted); i++ {
			if d := location.HaversineMeters(accepted[i-1], accepted[i]); d < DefaultConfig.GlitchCeilingMeters {
				want += d
			}
		}
		st := h.sess.Stats()
		assert.Len(t, st.Points, len(accepted))
		assert.InDelta(t, want, st.DistanceMeters, 1e-6)
		h.sess.EndRide(ctx)
	}
}

func TestSession_DistanceCountsEstimatorSeed(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))
	est := NewEstimator(DefaultProcessNoise, DefaultMeasurementNoise)
	h := newHarness(WithPositionReader(est))
	_, err := h.src.StartWatch(func(f Fix) { est.UpdateFix(f) }, nil)
	require.NoError(t, err)

	seed := types.Point{Lat: 45, Lng: 7}
	est.UpdateFix(Fix{Lat: seed.Lat, Lng: seed.Lng, Timestamp: h.clock.Now()})
	h.sess.StartRide(ctx)

	accepted := []types.Point{seed}
	cur := seed
	for i := 0; i < 50; i++ {
		h.clock.Advance(time.Second)
		cur = types.Point{Lat: cur.Lat + (rng.Float64()-0.5)*0.0005, Lng: cur.Lng + (rng.Float64()-0.5)*0.0005}
		a := rng.Float64() * 80
		h.fix(cur.Lat, cur.Lng, &a)
		if a <= DefaultConfig.AccuracyCeilingMeters {
			accepted = append(accepted, cur)
		}
	}

	want := 0.0
	for i := 1; i < len(accepted); i++ {
		if d := location.HaversineMeters(accepted[i-1], accepted[i]); d < DefaultConfig.GlitchCeilingMeters {
			want += d
		}
	}
	st := h.sess.Stats()
	require.Len(t, st.Points, len(accepted))
	assert.Equal(t, seed, st.Points[0])
	assert.InDelta(t, want, st.DistanceMeters, 1e-6)

	h.sess.EndRide(ctx)
	sums, err := h.logs.ListSummaries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, seed.Lat, *sums[0].StartLat)
	assert.Equal(t, seed.Lng, *sums[0].StartLng)
}

func TestSession_LateFixAfterEndRide(t *testing.T) {
	ctx := context.Background()
	src := &capturingSource{}
	logs := NewMemoryRideLog()
	clock := newFakeClock()
	sess := NewSession(Adapters{PositionSource: src, Feedback: NopFeedback{}},
		WithSessionClock(clock.Now), WithRideLog(logs))

	sess.StartRide(ctx)
	require.Len(t, src.onFix, 1)
	deliver := src.onFix[0]

	clock.Advance(time.Second)
	deliver(Fix{Lat: 1, Lng: 1, Timestamp: clock.Now()})
	sess.EndRide(ctx)
	require.Equal(t, []WatchID{1}, src.stopped, "watch must be stopped before EndRide returns")

	before := sess.Stats()
	clock.Advance(time.Second)
	deliver(Fix{Lat: 1.0001, Lng: 1, Timestamp: clock.Now()})
	assert.Equal(t, before.Points, sess.Stats().Points)
	assert.Len(t, logs.LogsByPhase(PhaseRiding), 1)

	// a fix from the first ride's watch must not leak into the next ride
	sess.StartRide(ctx)
	deliver(Fix{Lat: 1.0002, Lng: 1, Timestamp: clock.Now()})
	assert.Empty(t, sess.Stats().Points)
	sess.EndRide(ctx)
}

func TestSession_StartRideSeedsFromEstimator(t *testing.T) {
	ctx := context.Background()
	est := NewEstimator(1, 3)
	h := newHarness(WithPositionReader(est))

	// no estimate yet: path starts at the first fix
	h.sess.StartRide(ctx)
	assert.Empty(t, h.sess.Stats().Points)
	h.sess.EndRide(ctx)

	est.Update(1, 2, 0)
	h.sess.StartRide(ctx)
	assert.Equal(t, []types.Point{{Lat: 1, Lng: 2}}, h.sess.Stats().Points)
	assert.Zero(t, h.sess.Stats().DistanceMeters)
	h.sess.EndRide(ctx)
}

func TestSession_StatsBroadcastOnChangeOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	ch := make(chan Stats, 64)
	sub := h.sess.SubscribeStats(ch)
	defer sub.Unsubscribe()

	h.sess.Tick(ctx)
	h.sess.Tick(ctx)
	h.sess.Tick(ctx)
	assert.Len(t, ch, 1, "unchanged ticks must not rebroadcast")

	h.sess.StartPickup(ctx)
	h.clock.Advance(time.Second)
	h.sess.Tick(ctx)

	var last Stats
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, PhaseToPickup, last.Phase)
	assert.Equal(t, 1, last.PickupSeconds)
}

func TestSession_SensorErrorsAreSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	h.sess.StartRide(ctx)

	h.src.EmitError(ErrSensor)
	h.fix(10, 20, acc(3))
	assert.Len(t, h.sess.Stats().Points, 1)
	h.sess.EndRide(ctx)
}

func TestSession_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(WithConfig(Config{
		AccuracyCeilingMeters: 50,
		GlitchCeilingMeters:   500,
		IdleThreshold:         15 * time.Second,
		TickInterval:          time.Millisecond,
	}))
	h.sess.StartRide(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sess.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 0, h.src.Watching(), "stopping the session halts fix consumption")
	h.fix(1, 1, nil)
	assert.Empty(t, h.sess.Stats().Points)
}

func TestSession_ConcurrentFixesAndCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			h.src.Emit(Fix{Lat: 10 + float64(i)*1e-6, Lng: 20, Timestamp: time.Now()})
		}
	}()

	for i := 0; i < 100; i++ {
		h.sess.StartRide(ctx)
		h.sess.Tick(ctx)
		h.sess.EndRide(ctx)
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, PhaseIdle, h.sess.Phase())
	assert.Equal(t, 0, h.src.Watching())
	assert.Equal(t, 100, h.fb.Count(FeedbackSuccess))
}
