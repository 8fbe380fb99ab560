// README: In-memory ping store for tests and single-process runs.
package location

import (
	"context"
	"sort"
	"sync"
	"time"

	"ridepulse/internal/types"
)

type MemoryStore struct {
	mu     sync.Mutex
	nextID int64
	pings  []Ping
	latest map[types.ID]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[types.ID]int)}
}

func (m *MemoryStore) Admit(_ context.Context, p Ping, decide AdmitFunc) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Ping
	if i, ok := m.latest[p.DriverID]; ok {
		cp := m.pings[i]
		latest = &cp
	}
	d := decide(latest)
	if d.Outcome != OutcomeAccepted {
		return d, nil
	}
	m.nextID++
	p.ID = m.nextID
	m.pings = append(m.pings, p)
	m.latest[p.DriverID] = len(m.pings) - 1
	return d, nil
}

func (m *MemoryStore) RecentPings(_ context.Context, since time.Time, limit int) ([]Ping, error) {
	m.mu.Lock()
	out := make([]Ping, 0, len(m.pings))
	for _, p := range m.pings {
		if !p.InsertedAt.Before(since) {
			out = append(out, p)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].InsertedAt.After(out[j].InsertedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Insert appends a row without running admission. Used to seed fixtures.
func (m *MemoryStore) Insert(p Ping) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.pings = append(m.pings, p)
	if i, ok := m.latest[p.DriverID]; !ok || !m.pings[i].InsertedAt.After(p.InsertedAt) {
		m.latest[p.DriverID] = len(m.pings) - 1
	}
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pings)
}
