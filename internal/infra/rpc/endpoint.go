// Package rpc implements the per-chain RPC endpoint pool.
//
// This package contains:
//   - Endpoint: one upstream RPC URL with its health bookkeeping
//   - EndpointPool: round-robin selection skipping unhealthy endpoints,
//     with background health probing
package rpc

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// Endpoint is a single upstream RPC provider for one chain. Health state is
// advisory: it only influences endpoint selection, never correctness, so
// last-write-wins updates are acceptable.
type Endpoint struct {
	mu sync.RWMutex

	url     string
	chainID string
	client  *ethclient.Client

	healthy             bool
	consecutiveFailures int
	lastResponseTime    time.Duration
	lastCheckedAt       time.Time
}

// URL returns the endpoint URL.
func (e *Endpoint) URL() string {
	return e.url
}

// ChainID returns the chain this endpoint serves.
func (e *Endpoint) ChainID() string {
	return e.chainID
}

// Client returns the underlying ethclient connection.
func (e *Endpoint) Client() *ethclient.Client {
	return e.client
}

// Healthy reports whether the endpoint is currently marked healthy.
func (e *Endpoint) Healthy() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.healthy
}

// ConsecutiveFailures returns the current failure streak.
func (e *Endpoint) ConsecutiveFailures() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.consecutiveFailures
}

// LastResponseTime returns the most recent successful call latency.
func (e *Endpoint) LastResponseTime() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResponseTime
}

// EndpointStatus is a point-in-time snapshot for health reporting.
type EndpointStatus struct {
	URL                 string        `json:"url"`
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastResponseTime    time.Duration `json:"last_response_time"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
}

// Status returns a snapshot of the endpoint state.
func (e *Endpoint) Status() EndpointStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EndpointStatus{
		URL:                 e.url,
		Healthy:             e.healthy,
		ConsecutiveFailures: e.consecutiveFailures,
		LastResponseTime:    e.lastResponseTime,
		LastCheckedAt:       e.lastCheckedAt,
	}
}

// probe issues the cheap no-op RPC call used by background health checks.
func (e *Endpoint) probe(ctx context.Context, timeout time.Duration) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	_, err := e.client.BlockNumber(ctx)
	return time.Since(start), err
}
