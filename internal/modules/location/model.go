// README: Driver ping rows and the per-driver admission decision.
package location

import (
	"time"

	"ridepulse/internal/types"
)

// Ping is one persisted driver position sample.
type Ping struct {
	ID         int64
	DriverID   types.ID
	Lat        float64
	Lng        float64
	Accuracy   *float64
	TileKey    string
	InsertedAt time.Time
}

type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeDeduped
	OutcomeRateLimited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDeduped:
		return "deduped"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Decision is the result of comparing a new ping against the driver's latest stored row.
type Decision struct {
	Outcome    Outcome
	RetryAfter time.Duration
}

// Policy holds the ingest windows.
type Policy struct {
	DedupWindow time.Duration
	RateLimit   time.Duration
}

var DefaultPolicy = Policy{
	DedupWindow: 20 * time.Second,
	RateLimit:   2 * time.Second,
}

// Decide is the pure admission rule. latest is nil when the driver has no rows.
func Decide(latest *Ping, tileKey string, now time.Time, p Policy) Decision {
	if latest == nil {
		return Decision{Outcome: OutcomeAccepted}
	}
	age := now.Sub(latest.InsertedAt)
	if latest.TileKey == tileKey && age < p.DedupWindow {
		return Decision{Outcome: OutcomeDeduped}
	}
	if age < p.RateLimit {
		return Decision{Outcome: OutcomeRateLimited, RetryAfter: p.RateLimit - age}
	}
	return Decision{Outcome: OutcomeAccepted}
}
