// README: Server-side mirror of ride-log and ride-summary rows in PostgreSQL.
package tracking

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRideLog struct {
	db       *pgxpool.Pool
	deviceID string
}

func NewPgRideLog(db *pgxpool.Pool, deviceID string) *PgRideLog {
	return &PgRideLog{db: db, deviceID: deviceID}
}

func (s *PgRideLog) AppendLog(ctx context.Context, row RideLogRow) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO ride_logs (device_id, phase, lat, lng, speed, distance, duration, idle_time, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.deviceID, string(row.Phase), row.Lat, row.Lng, row.Speed,
		row.Distance, row.Duration, row.IdleTime, row.CreatedAt,
	)
	return err
}

func (s *PgRideLog) AppendSummary(ctx context.Context, row RideSummaryRow) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO ride_summaries (id, device_id, ride_start_at, ride_end_at, distance, start_lat, start_lng, end_lat, end_lng)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		row.ID, s.deviceID, row.RideStartAt, row.RideEndAt, row.Distance,
		row.StartLat, row.StartLng, row.EndLat, row.EndLng,
	)
	return err
}

func (s *PgRideLog) ListSummaries(ctx context.Context, limit int) ([]RideSummaryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
        SELECT id::text, ride_start_at, ride_end_at, distance, start_lat, start_lng, end_lat, end_lng
        FROM ride_summaries
        WHERE device_id = $1
        ORDER BY ride_end_at DESC
        LIMIT $2`, s.deviceID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RideSummaryRow
	for rows.Next() {
		var r RideSummaryRow
		if err := rows.Scan(&r.ID, &r.RideStartAt, &r.RideEndAt, &r.Distance, &r.StartLat, &r.StartLng, &r.EndLat, &r.EndLng); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
