package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridepulse/internal/testutil"
)

func TestPgRideLog_SummariesNewestFirst(t *testing.T) {
	db := testutil.OpenTestDB(t, "ride_logs", "ride_summaries")
	ctx := context.Background()
	store := NewPgRideLog(db, "device-a")
	other := NewPgRideLog(db, "device-b")
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	lat, lng := 10.0, 20.0
	require.NoError(t, store.AppendLog(ctx, RideLogRow{Phase: PhaseRiding, Lat: &lat, Lng: &lng, Distance: 12.5, CreatedAt: t0}))

	older := uuid.NewString()
	newer := uuid.NewString()
	require.NoError(t, store.AppendSummary(ctx, RideSummaryRow{ID: older, RideStartAt: t0, RideEndAt: t0.Add(time.Minute), Distance: 100}))
	require.NoError(t, store.AppendSummary(ctx, RideSummaryRow{
		ID: newer, RideStartAt: t0.Add(time.Hour), RideEndAt: t0.Add(time.Hour + time.Minute), Distance: 200,
		StartLat: &lat, StartLng: &lng,
	}))
	require.NoError(t, other.AppendSummary(ctx, RideSummaryRow{ID: uuid.NewString(), RideStartAt: t0, RideEndAt: t0.Add(2 * time.Hour)}))

	rows, err := store.ListSummaries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, newer, rows[0].ID)
	assert.Equal(t, older, rows[1].ID)
	require.NotNil(t, rows[0].StartLat)
	assert.Equal(t, lat, *rows[0].StartLat)
	assert.Nil(t, rows[1].EndLat)
}
