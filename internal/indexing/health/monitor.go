// Package health exposes liveness and readiness of the indexer: endpoint
// pool state, per-session progress and the Prometheus scrape surface.
package health

import (
	"sync"
	"time"

	"github.com/chainpulse/indexer/internal/core/domain"
	"github.com/chainpulse/indexer/internal/infra/rpc"
)

// defaultCacheTTL bounds how often a check recomputes. Probes and registry
// walks are cheap but health endpoints get hammered by orchestrators.
const defaultCacheTTL = 5 * time.Second

// PoolStatus reports endpoint health.
type PoolStatus interface {
	Status() map[string][]rpc.EndpointStatus
}

// SessionLister reports live sessions.
type SessionLister interface {
	Sessions() map[string]domain.SessionSnapshot
}

// SessionReport is one session's health view.
type SessionReport struct {
	UserID       string               `json:"user_id"`
	ChainID      string               `json:"chain_id"`
	Status       domain.SessionStatus `json:"status"`
	CurrentBlock uint64               `json:"current_block"`
	TargetBlock  uint64               `json:"target_block"`
	BlocksBehind uint64               `json:"blocks_behind"`
	FailedRanges int                  `json:"failed_ranges"`
}

// Report is the full health view.
type Report struct {
	Healthy   bool                            `json:"healthy"`
	Endpoints map[string][]rpc.EndpointStatus `json:"endpoints"`
	Sessions  []SessionReport                 `json:"sessions"`
	CheckedAt time.Time                       `json:"checked_at"`
}

// Monitor aggregates pool and session state into a cached report.
type Monitor struct {
	pool     PoolStatus
	sessions SessionLister
	ttl      time.Duration

	mu     sync.Mutex
	cached Report
	now    func() time.Time
}

// NewMonitor creates a monitor with the default cache TTL.
func NewMonitor(pool PoolStatus, sessions SessionLister) *Monitor {
	return &Monitor{
		pool:     pool,
		sessions: sessions,
		ttl:      defaultCacheTTL,
		now:      time.Now,
	}
}

// Check returns the current report, recomputing at most once per TTL.
func (m *Monitor) Check() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	if now := m.now(); now.Sub(m.cached.CheckedAt) >= m.ttl {
		m.cached = m.build(now)
	}
	return m.cached
}

func (m *Monitor) build(now time.Time) Report {
	r := Report{
		Healthy:   true,
		CheckedAt: now,
	}

	if m.pool != nil {
		r.Endpoints = m.pool.Status()
		// Unhealthy overall only when a chain has no healthy endpoint left.
		for _, eps := range r.Endpoints {
			anyHealthy := false
			for _, ep := range eps {
				if ep.Healthy {
					anyHealthy = true
					break
				}
			}
			if !anyHealthy && len(eps) > 0 {
				r.Healthy = false
			}
		}
	}

	if m.sessions != nil {
		for user, snap := range m.sessions.Sessions() {
			behind := uint64(0)
			if snap.TargetBlock > snap.CurrentBlock {
				behind = snap.TargetBlock - snap.CurrentBlock
			}
			r.Sessions = append(r.Sessions, SessionReport{
				UserID:       user,
				ChainID:      snap.ChainID,
				Status:       snap.Status,
				CurrentBlock: snap.CurrentBlock,
				TargetBlock:  snap.TargetBlock,
				BlocksBehind: behind,
				FailedRanges: len(snap.FailedRanges),
			})
			if snap.Status == domain.SessionFailed {
				r.Healthy = false
			}
		}
	}

	return r
}
