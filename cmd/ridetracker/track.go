// README: track command; drives one ride from an NDJSON fix stream and persists it.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ridepulse/internal/config"
	"ridepulse/internal/infra"
	"ridepulse/internal/modules/location"
	"ridepulse/internal/modules/realtime"
	"ridepulse/internal/modules/tracking"
	"ridepulse/internal/types"
)

type trackOptions struct {
	Input   string
	Speedup float64
	Pickup  bool
	GeoJSON string
	Mirror  bool
	Publish bool
	Follow  bool

	// bus overrides the Redis transport when publishing.
	bus realtime.Bus
}

func newTrackCmd(load func() (config.Config, error)) *cobra.Command {
	var opts trackOptions
	cmd := &cobra.Command{
		Use:   "track",
		Short: "Record one ride from fixes on stdin or --input",
		Long: `Reads one JSON fix per line ({"lat":..,"lng":..,"accuracy":..,"timestamp":..}).
The ride starts at the first fix's timestamp and ends when the stream is exhausted
or the process is interrupted. Ride times follow the fix timestamps, not the wall clock.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			in := io.Reader(os.Stdin)
			if opts.Input != "" && opts.Input != "-" {
				f, err := os.Open(opts.Input)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			log := infra.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
			ride, err := track(ctx, cfg, opts, in, log)
			if err != nil {
				return err
			}
			printRide(cmd.OutOrStdout(), ride)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Input, "input", "i", "", "NDJSON fix file (default stdin)")
	f.Float64Var(&opts.Speedup, "speedup", 0, "replay fix gaps divided by this factor; 0 replays as fast as possible")
	f.BoolVar(&opts.Pickup, "pickup", false, "go through the pickup phase before starting the ride")
	f.StringVar(&opts.GeoJSON, "geojson", "", "write the ride path as a GeoJSON feature to this file")
	f.BoolVar(&opts.Mirror, "mirror", false, "also write ride logs to Postgres (db.dsn)")
	f.BoolVar(&opts.Publish, "publish", false, "publish coarse positions to the realtime channel (redis.addr)")
	f.BoolVar(&opts.Follow, "follow", false, "log the lag-compensated position every second (tracking.replay_lag)")
	return cmd
}

// track runs a single ride over the fixes in r and returns the finished ride.
func track(ctx context.Context, cfg config.Config, opts trackOptions, r io.Reader, log *slog.Logger) (tracking.RideFinished, error) {
	deviceID := deviceID(cfg)

	boltLog, err := tracking.OpenBoltRideLog(cfg.Tracking.DataDir, false)
	if err != nil {
		return tracking.RideFinished{}, err
	}
	defer boltLog.Close()

	var rideLog tracking.RideLog = boltLog
	if opts.Mirror {
		db, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return tracking.RideFinished{}, fmt.Errorf("mirror: %w", err)
		}
		defer db.Close()
		rideLog = &mirrorLog{primary: boltLog, mirror: tracking.NewPgRideLog(db, deviceID), log: log}
	}

	clock := &fixClock{}
	r = clock.prime(r)

	src := tracking.NewStreamSource()
	est := tracking.NewEstimator(cfg.Tracking.ProcessNoise, cfg.Tracking.MeasurementNoise,
		tracking.WithEstimatorClock(clock.Now))
	estWatch, err := src.StartWatch(func(f tracking.Fix) { est.UpdateFix(f) }, nil)
	if err != nil {
		return tracking.RideFinished{}, err
	}
	defer src.StopWatch(estWatch)

	path := tracking.NewPathRecorder(cfg.Tracking.PathAccuracyMeters)
	session := tracking.NewSession(
		tracking.Adapters{PositionSource: clockedSource{PositionSource: src, clock: clock}, Feedback: tracking.LogFeedback{Log: log}},
		tracking.WithConfig(tracking.Config{
			AccuracyCeilingMeters: cfg.Tracking.AccuracyCeilingMeters,
			GlitchCeilingMeters:   cfg.Tracking.GlitchCeilingMeters,
			IdleThreshold:         cfg.Tracking.IdleThreshold,
			TickInterval:          tracking.DefaultConfig.TickInterval,
		}),
		tracking.WithRideLog(rideLog),
		tracking.WithPathRecorder(path),
		tracking.WithPositionReader(est),
		tracking.WithSessionClock(clock.Now),
		tracking.WithSessionLogger(log),
	)

	finished := make(chan tracking.RideFinished, 1)
	sub := session.SubscribeFinished(finished)
	defer sub.Unsubscribe()

	if opts.Publish {
		bus := opts.bus
		if bus == nil {
			client := infra.NewRedis(cfg.Redis.Addr)
			defer client.Close()
			bus = realtime.NewRedisBus(client, cfg.Realtime.Channel, log)
		}
		b := realtime.NewBroadcaster(types.ID(deviceID), est, bus,
			realtime.WithInterval(cfg.Realtime.PublishInterval),
			realtime.WithCoarseGrid(location.Grid{Step: cfg.Realtime.CoarseStep}),
			realtime.WithBroadcasterLogger(log),
		)
		defer goRun(ctx, b.Run)()
	}
	if opts.Follow {
		defer goRun(ctx, func(ctx context.Context) {
			est.Animate(ctx, time.Second, cfg.Tracking.ReplayLag, func(p types.Point) {
				log.Info("position", "lat", p.Lat, "lng", p.Lng)
			})
		})()
	}
	defer goRun(ctx, session.Run)()

	if opts.Pickup {
		if _, err := session.StartPickup(ctx); err != nil {
			return tracking.RideFinished{}, err
		}
	}
	if _, err := session.StartRide(ctx); err != nil {
		return tracking.RideFinished{}, err
	}

	replayErr := src.Replay(ctx, r, opts.Speedup)
	if replayErr != nil && !errors.Is(replayErr, context.Canceled) {
		log.Warn("fix stream ended with error", "error", replayErr)
	}

	// persist the ride even when interrupted
	if _, err := session.EndRide(context.WithoutCancel(ctx)); err != nil {
		return tracking.RideFinished{}, err
	}

	var ride tracking.RideFinished
	select {
	case ride = <-finished:
	case <-time.After(time.Second):
		return tracking.RideFinished{}, errors.New("ride did not finish")
	}

	if opts.GeoJSON != "" {
		if err := writeGeoJSON(opts.GeoJSON, path, ride); err != nil {
			return ride, err
		}
	}
	return ride, nil
}

// fixClock reads as the newest fix timestamp seen so far, or wall time before
// the first one, so replayed rides are timed by their own fixes.
type fixClock struct {
	mu     sync.Mutex
	latest time.Time
}

func (c *fixClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest.IsZero() {
		return time.Now()
	}
	return c.latest
}

func (c *fixClock) observe(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.latest) {
		c.latest = t
	}
}

// prime advances the clock to the first decodable fix in r, so StartRide is
// stamped with it, and returns a reader that still yields every line.
func (c *fixClock) prime(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	var head bytes.Buffer
	for {
		line, err := br.ReadBytes('\n')
		head.Write(line)
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			var f tracking.Fix
			if json.Unmarshal(trimmed, &f) == nil && !f.Timestamp.IsZero() {
				c.observe(f.Timestamp)
				break
			}
		}
		if err != nil {
			break
		}
	}
	return io.MultiReader(&head, br)
}

// clockedSource advances the clock before each fix reaches the watcher.
type clockedSource struct {
	tracking.PositionSource
	clock *fixClock
}

func (s clockedSource) StartWatch(onFix func(tracking.Fix), onError func(error)) (tracking.WatchID, error) {
	return s.PositionSource.StartWatch(func(f tracking.Fix) {
		s.clock.observe(f.Timestamp)
		onFix(f)
	}, onError)
}

// goRun starts fn and returns a func that cancels it and waits for it to return,
// so stores and clients are not closed under a running loop.
func goRun(ctx context.Context, fn func(context.Context)) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func writeGeoJSON(file string, path *tracking.PathRecorder, ride tracking.RideFinished) error {
	feature := path.Feature(ride)
	if feature == nil {
		return fmt.Errorf("geojson: ride %s has fewer than two accurate points", ride.RideID)
	}
	data, err := feature.MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(file, data, 0o644)
}

func printRide(w io.Writer, ride tracking.RideFinished) {
	fmt.Fprintf(w, "ride %s\n", ride.RideID)
	fmt.Fprintf(w, "  distance  %s\n", humanize.SIWithDigits(ride.DistanceMeters, 2, "m"))
	fmt.Fprintf(w, "  duration  %s\n", ride.RideEndedAt.Sub(ride.RideStartedAt).Round(time.Second))
	fmt.Fprintf(w, "  points    %s\n", humanize.Comma(int64(len(ride.Points))))
}

func deviceID(cfg config.Config) string {
	if cfg.Tracking.DeviceID != "" {
		return cfg.Tracking.DeviceID
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "device"
}

// mirrorLog writes through to a local primary and copies to a remote mirror.
// Mirror failures are logged; the primary's result is returned.
type mirrorLog struct {
	primary tracking.RideLog
	mirror  tracking.RideLog
	log     *slog.Logger
}

func (m *mirrorLog) AppendLog(ctx context.Context, row tracking.RideLogRow) error {
	if err := m.mirror.AppendLog(ctx, row); err != nil {
		m.log.Warn("mirror ride log", "error", err)
	}
	return m.primary.AppendLog(ctx, row)
}

func (m *mirrorLog) AppendSummary(ctx context.Context, row tracking.RideSummaryRow) error {
	if err := m.mirror.AppendSummary(ctx, row); err != nil {
		m.log.Warn("mirror ride summary", "ride_id", row.ID, "error", err)
	}
	return m.primary.AppendSummary(ctx, row)
}

func (m *mirrorLog) ListSummaries(ctx context.Context, limit int) ([]tracking.RideSummaryRow, error) {
	return m.primary.ListSummaries(ctx, limit)
}
