// README: Ping store backed by PostgreSQL; admission is serialized per driver inside one transaction.
package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ridepulse/internal/types"
)

// AdmitFunc decides what to do with a new ping given the driver's latest stored row.
type AdmitFunc func(latest *Ping) Decision

// PingStore persists driver pings. Admit must run the read-decide-insert
// sequence atomically for a given driver.
type PingStore interface {
	Admit(ctx context.Context, p Ping, decide AdmitFunc) (Decision, error)
	RecentPings(ctx context.Context, since time.Time, limit int) ([]Ping, error)
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Admit(ctx context.Context, p Ping, decide AdmitFunc) (Decision, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Decision{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Concurrent pings from the same driver queue here until the holder commits.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(p.DriverID)); err != nil {
		return Decision{}, fmt.Errorf("lock driver %s: %w", p.DriverID, err)
	}

	latest, err := latestPing(ctx, tx, p.DriverID)
	if err != nil {
		return Decision{}, err
	}

	d := decide(latest)
	if d.Outcome != OutcomeAccepted {
		return d, nil
	}

	_, err = tx.Exec(ctx, `
        INSERT INTO driver_pings (driver_id, lat, lng, accuracy, tile_key, inserted_at)
        VALUES ($1, $2, $3, $4, $5, $6)`,
		string(p.DriverID), p.Lat, p.Lng, p.Accuracy, p.TileKey, p.InsertedAt,
	)
	if err != nil {
		return Decision{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Decision{}, err
	}
	return d, nil
}

func latestPing(ctx context.Context, tx pgx.Tx, driverID types.ID) (*Ping, error) {
	row := tx.QueryRow(ctx, `
        SELECT id, driver_id, lat, lng, accuracy, tile_key, inserted_at
        FROM driver_pings
        WHERE driver_id = $1
        ORDER BY inserted_at DESC
        LIMIT 1`, string(driverID),
	)
	var p Ping
	var id string
	err := row.Scan(&p.ID, &id, &p.Lat, &p.Lng, &p.Accuracy, &p.TileKey, &p.InsertedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.DriverID = types.ID(id)
	return &p, nil
}

func (s *Store) RecentPings(ctx context.Context, since time.Time, limit int) ([]Ping, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, driver_id, lat, lng, accuracy, tile_key, inserted_at
        FROM driver_pings
        WHERE inserted_at >= $1
        ORDER BY inserted_at DESC
        LIMIT $2`, since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Ping
	for rows.Next() {
		var p Ping
		var id string
		if err := rows.Scan(&p.ID, &id, &p.Lat, &p.Lng, &p.Accuracy, &p.TileKey, &p.InsertedAt); err != nil {
			return nil, err
		}
		p.DriverID = types.ID(id)
		out = append(out, p)
	}
	return out, rows.Err()
}
