// Package monitor keeps the most recent controller ticks in memory and
// renders them on the debug handler.
package monitor

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/velocity.pilot/internal/nlp"
	"github.com/banshee-data/velocity.pilot/internal/pilot"
)

// DefaultCapacity is the number of ticks kept when New is given zero.
const DefaultCapacity = 600

// Monitor is a pilot.Observer holding a ring buffer of recent ticks.
type Monitor struct {
	mu        sync.Mutex
	ring      []pilot.TickRecord
	next      int
	full      bool
	total     uint64
	fallbacks uint64
	failures  uint64
}

var _ pilot.Observer = (*Monitor)(nil)

// New returns a Monitor keeping the last capacity ticks.
func New(capacity int) *Monitor {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Monitor{ring: make([]pilot.TickRecord, capacity)}
}

// ObserveTick stores rec, evicting the oldest tick when full.
func (m *Monitor) ObserveTick(rec pilot.TickRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ring[m.next] = rec
	m.next = (m.next + 1) % len(m.ring)
	if m.next == 0 {
		m.full = true
	}
	m.total++
	if rec.Fallback {
		m.fallbacks++
	}
	if rec.Status != nlp.Converged.String() && rec.Status != "" {
		m.failures++
	}
}

// Snapshot returns the buffered ticks, oldest first.
func (m *Monitor) Snapshot() []pilot.TickRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.full {
		return append([]pilot.TickRecord(nil), m.ring[:m.next]...)
	}
	out := make([]pilot.TickRecord, 0, len(m.ring))
	out = append(out, m.ring[m.next:]...)
	return append(out, m.ring[:m.next]...)
}

// Status summarises the buffered ticks.
type Status struct {
	Ticks     uint64 `json:"ticks"`
	Buffered  int    `json:"buffered"`
	Fallbacks uint64 `json:"fallbacks"`
	// Failures counts ticks whose solver status was anything but converged.
	Failures uint64 `json:"failures"`

	LastSession string    `json:"last_session,omitempty"`
	LastSeq     uint64    `json:"last_seq"`
	LastStatus  string    `json:"last_status,omitempty"`
	LastTime    time.Time `json:"last_time"`

	MeanAbsCTE  float64 `json:"mean_abs_cte"`
	MaxAbsCTE   float64 `json:"max_abs_cte"`
	MeanSolveMS float64 `json:"mean_solve_ms"`
	MaxSolveMS  float64 `json:"max_solve_ms"`
}

// Status returns a summary of what the monitor holds.
func (m *Monitor) Status() Status {
	ticks := m.Snapshot()

	m.mu.Lock()
	s := Status{Ticks: m.total, Buffered: len(ticks), Fallbacks: m.fallbacks, Failures: m.failures}
	m.mu.Unlock()
	if len(ticks) == 0 {
		return s
	}

	last := ticks[len(ticks)-1]
	s.LastSession, s.LastSeq, s.LastStatus, s.LastTime = last.Session, last.Seq, last.Status, last.Time

	cte := make([]float64, len(ticks))
	solve := make([]float64, len(ticks))
	for i, t := range ticks {
		cte[i] = abs(t.CTE)
		solve[i] = durationMS(t.SolveTime)
	}
	s.MeanAbsCTE = stat.Mean(cte, nil)
	s.MaxAbsCTE = floats.Max(cte)
	s.MeanSolveMS = stat.Mean(solve, nil)
	s.MaxSolveMS = floats.Max(solve)
	return s
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
