// README: Ride-log persistence port and the in-memory implementation.
package tracking

import (
	"context"
	"sort"
	"sync"
)

// RideLog persists incremental ride-log rows and completed-ride summaries.
type RideLog interface {
	AppendLog(ctx context.Context, row RideLogRow) error
	AppendSummary(ctx context.Context, row RideSummaryRow) error
	ListSummaries(ctx context.Context, limit int) ([]RideSummaryRow, error)
}

type MemoryRideLog struct {
	mu        sync.Mutex
	logs      []RideLogRow
	summaries []RideSummaryRow
}

func NewMemoryRideLog() *MemoryRideLog {
	return &MemoryRideLog{}
}

func (m *MemoryRideLog) AppendLog(_ context.Context, row RideLogRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, row)
	return nil
}

func (m *MemoryRideLog) AppendSummary(_ context.Context, row RideSummaryRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summaries = append(m.summaries, row)
	return nil
}

// ListSummaries returns the most recent rides first.
func (m *MemoryRideLog) ListSummaries(_ context.Context, limit int) ([]RideSummaryRow, error) {
	m.mu.Lock()
	out := make([]RideSummaryRow, len(m.summaries))
	copy(out, m.summaries)
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].RideEndAt.After(out[j].RideEndAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryRideLog) Logs() []RideLogRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RideLogRow, len(m.logs))
	copy(out, m.logs)
	return out
}

// LogsByPhase returns rows recorded for one phase, in order.
func (m *MemoryRideLog) LogsByPhase(p Phase) []RideLogRow {
	var out []RideLogRow
	for _, r := range m.Logs() {
		if r.Phase == p {
			out = append(out, r)
		}
	}
	return out
}
