package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chainpulse/indexer/internal/indexing/metrics"
)

const (
	// DefaultUnhealthyThreshold is the consecutive-failure count at which an
	// endpoint is marked unhealthy.
	DefaultUnhealthyThreshold = 5

	// DefaultProbeTimeout bounds the background health probe.
	DefaultProbeTimeout = 5 * time.Second
)

// PoolConfig holds endpoint pool settings.
type PoolConfig struct {
	UnhealthyThreshold int
	ProbeTimeout       time.Duration
}

// EndpointPool owns the per-chain endpoint lists and their health state.
// Endpoints are only ever transiently deprioritized, never removed.
type EndpointPool struct {
	mu        sync.Mutex
	endpoints map[string][]*Endpoint
	cursor    map[string]int

	threshold    int
	probeTimeout time.Duration
	log          *slog.Logger

	healthStop    chan struct{}
	healthRunning bool
}

// NewEndpointPool creates an empty pool.
func NewEndpointPool(cfg PoolConfig, log *slog.Logger) *EndpointPool {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = DefaultUnhealthyThreshold
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &EndpointPool{
		endpoints:    make(map[string][]*Endpoint),
		cursor:       make(map[string]int),
		threshold:    cfg.UnhealthyThreshold,
		probeTimeout: cfg.ProbeTimeout,
		log:          log,
	}
}

// InitializeChain registers the endpoint list for a chain. It is idempotent:
// a chain that already has endpoints is left untouched. All endpoints start
// healthy.
func (p *EndpointPool) InitializeChain(chainID string, urls []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints[chainID]) > 0 {
		return nil
	}
	if len(urls) == 0 {
		return fmt.Errorf("no endpoints configured for chain %s", chainID)
	}

	eps := make([]*Endpoint, 0, len(urls))
	for _, url := range urls {
		client, err := ethclient.Dial(url)
		if err != nil {
			return fmt.Errorf("dial endpoint %s: %w", url, err)
		}
		eps = append(eps, &Endpoint{
			url:     url,
			chainID: chainID,
			client:  client,
			healthy: true,
		})
		metrics.EndpointHealthy.WithLabelValues(chainID, url).Set(1)
	}

	p.endpoints[chainID] = eps
	p.cursor[chainID] = 0
	return nil
}

// HealthyEndpoint returns the next healthy endpoint for a chain, scanning
// from the round-robin cursor. If every endpoint is unhealthy it returns the
// first candidate anyway: all-unhealthy is itself diagnostic and callers
// still need to attempt work (fail-open).
func (p *EndpointPool) HealthyEndpoint(chainID string) (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eps := p.endpoints[chainID]
	if len(eps) == 0 {
		return nil, fmt.Errorf("chain %s is not initialized", chainID)
	}

	start := p.cursor[chainID]
	for i := 0; i < len(eps); i++ {
		idx := (start + i) % len(eps)
		ep := eps[idx]
		if ep.Healthy() {
			p.cursor[chainID] = (idx + 1) % len(eps)
			return ep, nil
		}
	}

	degraded := eps[start%len(eps)]
	p.cursor[chainID] = (start + 1) % len(eps)
	p.log.Warn("all endpoints unhealthy, operating in degraded mode",
		"chain", chainID, "endpoint", degraded.URL())
	return degraded, nil
}

// MarkUnhealthy increments an endpoint's failure streak and flips it
// unhealthy once the streak reaches the threshold.
func (p *EndpointPool) MarkUnhealthy(ep *Endpoint) {
	ep.mu.Lock()
	ep.consecutiveFailures++
	flipped := false
	if ep.consecutiveFailures >= p.threshold && ep.healthy {
		ep.healthy = false
		flipped = true
	}
	ep.lastCheckedAt = time.Now()
	ep.mu.Unlock()

	if flipped {
		metrics.EndpointHealthy.WithLabelValues(ep.chainID, ep.url).Set(0)
		p.log.Warn("endpoint marked unhealthy",
			"chain", ep.chainID, "endpoint", ep.url, "failures", p.threshold)
	}
}

// MarkHealthy resets an endpoint's failure streak and records timing.
func (p *EndpointPool) MarkHealthy(ep *Endpoint, responseTime time.Duration) {
	ep.mu.Lock()
	recovered := !ep.healthy
	ep.healthy = true
	ep.consecutiveFailures = 0
	ep.lastResponseTime = responseTime
	ep.lastCheckedAt = time.Now()
	ep.mu.Unlock()

	metrics.EndpointHealthy.WithLabelValues(ep.chainID, ep.url).Set(1)
	if recovered {
		p.log.Info("endpoint recovered", "chain", ep.chainID, "endpoint", ep.url)
	}
}

// StartHealthChecks starts the background probe loop. Probe outcomes feed
// the same MarkHealthy/MarkUnhealthy paths as fetch outcomes.
func (p *EndpointPool) StartHealthChecks(ctx context.Context, interval time.Duration) {
	p.mu.Lock()
	if p.healthRunning {
		p.mu.Unlock()
		return
	}
	p.healthRunning = true
	p.healthStop = make(chan struct{})
	stop := p.healthStop
	p.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				p.probeAll(ctx)
			}
		}
	}()
}

// StopHealthChecks stops the background probe loop.
func (p *EndpointPool) StopHealthChecks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.healthRunning {
		close(p.healthStop)
		p.healthRunning = false
	}
}

func (p *EndpointPool) probeAll(ctx context.Context) {
	for _, ep := range p.allEndpoints() {
		rt, err := ep.probe(ctx, p.probeTimeout)
		if err != nil {
			p.MarkUnhealthy(ep)
			p.log.Debug("health probe failed",
				"chain", ep.ChainID(), "endpoint", ep.URL(), "error", err)
			continue
		}
		p.MarkHealthy(ep, rt)
	}
}

func (p *EndpointPool) allEndpoints() []*Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	var all []*Endpoint
	for _, eps := range p.endpoints {
		all = append(all, eps...)
	}
	return all
}

// Status returns per-chain endpoint snapshots for health reporting.
func (p *EndpointPool) Status() map[string][]EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]EndpointStatus, len(p.endpoints))
	for chainID, eps := range p.endpoints {
		statuses := make([]EndpointStatus, 0, len(eps))
		for _, ep := range eps {
			statuses = append(statuses, ep.Status())
		}
		out[chainID] = statuses
	}
	return out
}

// Chains returns the IDs of all initialized chains.
func (p *EndpointPool) Chains() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	chains := make([]string, 0, len(p.endpoints))
	for chainID := range p.endpoints {
		chains = append(chains, chainID)
	}
	return chains
}
