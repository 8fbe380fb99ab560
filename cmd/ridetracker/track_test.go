package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridepulse/internal/config"
	"ridepulse/internal/modules/realtime"
	"ridepulse/internal/modules/tracking"
)

var streamStart = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// fixStream returns n accurate fixes one second apart, moving north ~11.1 m each.
func fixStream(t *testing.T, n int) string {
	t.Helper()
	start := streamStart
	acc := 5.0
	var b strings.Builder
	for i := 0; i < n; i++ {
		line, err := json.Marshal(tracking.Fix{
			Lat:       25.0 + float64(i)*0.0001,
			Lng:       121.3,
			Accuracy:  &acc,
			Timestamp: start.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Tracking.DataDir = t.TempDir()
	cfg.Tracking.DeviceID = "test-device"
	return cfg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTrack_RecordsRide(t *testing.T) {
	cfg := testConfig(t)
	out := filepath.Join(t.TempDir(), "ride.geojson")

	// an unparseable line is skipped as a sensor error
	input := fixStream(t, 5) + "not json\n"
	ride, err := track(context.Background(), cfg, trackOptions{GeoJSON: out, Pickup: true}, strings.NewReader(input), quietLogger())
	require.NoError(t, err)

	assert.NotEmpty(t, ride.RideID)
	assert.Len(t, ride.Points, 5)
	// four ~11.1 m legs
	assert.InDelta(t, 44.5, ride.DistanceMeters, 0.5)
	// timed by the fixes, not by how fast they were replayed
	assert.Equal(t, streamStart, ride.RideStartedAt.UTC())
	assert.Equal(t, 4*time.Second, ride.RideEndedAt.Sub(ride.RideStartedAt))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	feature, err := geojson.UnmarshalFeature(data)
	require.NoError(t, err)
	line, ok := feature.Geometry.(orb.LineString)
	require.True(t, ok)
	assert.Len(t, line, 5)
	assert.Equal(t, ride.RideID, feature.Properties["rideId"])

	store, err := tracking.OpenBoltRideLog(cfg.Tracking.DataDir, true)
	require.NoError(t, err)
	defer store.Close()
	rows, err := store.ListSummaries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ride.RideID, rows[0].ID)
	assert.InDelta(t, ride.DistanceMeters, rows[0].Distance, 1e-9)
	assert.Equal(t, streamStart, rows[0].RideStartAt.UTC())
	assert.Equal(t, streamStart.Add(4*time.Second), rows[0].RideEndAt.UTC())

	logs, err := store.Logs()
	require.NoError(t, err)
	var riding []tracking.RideLogRow
	for _, l := range logs {
		if l.Phase == tracking.PhaseRiding {
			riding = append(riding, l)
		}
	}
	require.Len(t, riding, 5)
	assert.InDelta(t, 4, riding[4].Duration, 1e-9)
}

func TestTrack_CreatesDefaultDataDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tracking.DataDir = filepath.Join(t.TempDir(), ".ridepulse")

	ride, err := track(context.Background(), cfg, trackOptions{}, strings.NewReader(fixStream(t, 3)), quietLogger())
	require.NoError(t, err)

	store, err := tracking.OpenBoltRideLog(cfg.Tracking.DataDir, true)
	require.NoError(t, err)
	defer store.Close()
	rows, err := store.ListSummaries(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, ride.RideID, rows[0].ID)
}

func TestTrack_PublishesOnConfiguredCoarseGrid(t *testing.T) {
	cfg := testConfig(t)
	cfg.Realtime.CoarseStep = 0.5
	cfg.Realtime.PublishInterval = 5 * time.Millisecond

	bus := realtime.NewMemoryBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	points, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	// 4s of fixes replayed over ~80ms leaves room for several publishes
	opts := trackOptions{Publish: true, Speedup: 50, bus: bus}
	_, err = track(ctx, cfg, opts, strings.NewReader(fixStream(t, 5)), quietLogger())
	require.NoError(t, err)

	var got []realtime.CoarsePoint
	for len(points) > 0 {
		got = append(got, <-points)
	}
	require.NotEmpty(t, got)
	for _, p := range got {
		assert.Equal(t, "test-device", string(p.DriverID))
		assert.Equal(t, 25.0, p.Lat)
		assert.Equal(t, 121.5, p.Lng)
	}
}

func TestFixClock(t *testing.T) {
	c := &fixClock{}
	before := time.Now()
	assert.False(t, c.Now().Before(before), "wall time before any fix")

	r := c.prime(strings.NewReader("\nnot json\n" + fixStream(t, 2)))
	assert.Equal(t, streamStart, c.Now().UTC())

	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "\nnot json\n"+fixStream(t, 2), string(rest))

	c.observe(streamStart.Add(-time.Second))
	assert.Equal(t, streamStart, c.Now().UTC(), "clock never runs backwards")
}

func TestTrack_EmptyStreamStillFinishes(t *testing.T) {
	cfg := testConfig(t)
	ride, err := track(context.Background(), cfg, trackOptions{}, strings.NewReader(""), quietLogger())
	require.NoError(t, err)
	assert.Zero(t, ride.DistanceMeters)
	assert.Empty(t, ride.Points)
}

func TestTrack_GeoJSONNeedsTwoPoints(t *testing.T) {
	cfg := testConfig(t)
	out := filepath.Join(t.TempDir(), "ride.geojson")
	_, err := track(context.Background(), cfg, trackOptions{GeoJSON: out}, strings.NewReader(fixStream(t, 1)), quietLogger())
	assert.Error(t, err)
}

func TestPrintRides(t *testing.T) {
	var buf bytes.Buffer
	printRides(&buf, nil)
	assert.Contains(t, buf.String(), "no rides recorded")

	buf.Reset()
	end := time.Now().Add(-time.Hour)
	printRides(&buf, []tracking.RideSummaryRow{{
		ID:          "0123456789abcdef",
		RideStartAt: end.Add(-90 * time.Second),
		RideEndAt:   end,
		Distance:    1520,
	}})
	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "1.52 km")
	assert.Contains(t, out, "1 hour ago")
}

type failingLog struct{ tracking.RideLog }

func (failingLog) AppendLog(context.Context, tracking.RideLogRow) error {
	return fmt.Errorf("mirror down")
}

func (failingLog) AppendSummary(context.Context, tracking.RideSummaryRow) error {
	return fmt.Errorf("mirror down")
}

func TestMirrorLog_MirrorFailureDoesNotFailPrimary(t *testing.T) {
	primary := tracking.NewMemoryRideLog()
	m := &mirrorLog{primary: primary, mirror: failingLog{}, log: quietLogger()}

	require.NoError(t, m.AppendLog(context.Background(), tracking.RideLogRow{Phase: tracking.PhaseRiding}))
	require.NoError(t, m.AppendSummary(context.Background(), tracking.RideSummaryRow{ID: "r1"}))

	rows, err := m.ListSummaries(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "r1", rows[0].ID)
}
