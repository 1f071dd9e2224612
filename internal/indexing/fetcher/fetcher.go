// Package fetcher issues log-range and block-height queries against pool
// endpoints, wrapped in retry, per-endpoint circuit breaking and health
// feedback.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/chainpulse/indexer/internal/indexing/metrics"
	"github.com/chainpulse/indexer/internal/infra/resilience"
	"github.com/chainpulse/indexer/internal/infra/rpc"
)

// DefaultCallTimeout bounds a single data-fetch RPC call. Retry is layered
// on top of this per-attempt timeout.
const DefaultCallTimeout = 30 * time.Second

// Config holds fetcher settings.
type Config struct {
	CallTimeout    time.Duration
	Retry          resilience.RetryConfig
	BreakerTrips   int
	BreakerCooloff time.Duration
}

// Fetcher executes chain queries through the endpoint pool. Every attempt's
// outcome updates the chosen endpoint's health, so repeated failures rotate
// traffic away from a bad provider.
type Fetcher struct {
	pool  *rpc.EndpointPool
	retry *resilience.RetryPolicy

	callTimeout time.Duration
	log         *slog.Logger

	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker

	breakerTrips   int
	breakerCooloff time.Duration
}

// New creates a fetcher over the given pool.
func New(pool *rpc.EndpointPool, cfg Config, log *slog.Logger) *Fetcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.BreakerTrips <= 0 {
		cfg.BreakerTrips = 5
	}
	if cfg.BreakerCooloff <= 0 {
		cfg.BreakerCooloff = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		pool:           pool,
		retry:          resilience.NewRetryPolicy(cfg.Retry),
		callTimeout:    cfg.CallTimeout,
		log:            log,
		breakers:       make(map[string]*resilience.CircuitBreaker),
		breakerTrips:   cfg.BreakerTrips,
		breakerCooloff: cfg.BreakerCooloff,
	}
}

// BlockHeight returns the current chain head.
func (f *Fetcher) BlockHeight(ctx context.Context, chainID string) (uint64, error) {
	var height uint64
	err := f.execute(ctx, chainID, "eth_blockNumber", func(ctx context.Context, client *ethclient.Client) error {
		h, err := client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		height = h
		return nil
	})
	return height, err
}

// FetchLogs returns the contract's event logs over the inclusive block range.
func (f *Fetcher) FetchLogs(ctx context.Context, chainID string, address common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{address},
	}

	var logs []types.Log
	err := f.execute(ctx, chainID, "eth_getLogs", func(ctx context.Context, client *ethclient.Client) error {
		l, err := client.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = l
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch logs [%d, %d]: %w", fromBlock, toBlock, err)
	}
	return logs, nil
}

// CodeAt returns the contract code at an address for a specific block.
func (f *Fetcher) CodeAt(ctx context.Context, chainID string, address common.Address, block uint64) ([]byte, error) {
	var code []byte
	err := f.execute(ctx, chainID, "eth_getCode", func(ctx context.Context, client *ethclient.Client) error {
		c, err := client.CodeAt(ctx, address, new(big.Int).SetUint64(block))
		if err != nil {
			return err
		}
		code = c
		return nil
	})
	return code, err
}

// ReceiptBlock returns the block number a mined transaction landed in.
func (f *Fetcher) ReceiptBlock(ctx context.Context, chainID string, txHash common.Hash) (uint64, error) {
	var block uint64
	err := f.execute(ctx, chainID, "eth_getTransactionReceipt", func(ctx context.Context, client *ethclient.Client) error {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err != nil {
			return err
		}
		block = receipt.BlockNumber.Uint64()
		return nil
	})
	return block, err
}

// execute runs one logical query with retry. Each attempt acquires a
// (possibly different) endpoint from the pool so retries double as failover.
func (f *Fetcher) execute(ctx context.Context, chainID, method string, fn func(context.Context, *ethclient.Client) error) error {
	return f.retry.Execute(ctx, func(ctx context.Context) error {
		ep, err := f.pool.HealthyEndpoint(chainID)
		if err != nil {
			return err
		}

		start := time.Now()
		breaker := f.breaker(ep.URL())
		err = breaker.Execute(func() error {
			cctx, cancel := context.WithTimeout(ctx, f.callTimeout)
			defer cancel()
			return fn(cctx, ep.Client())
		})
		elapsed := time.Since(start)

		// A breaker rejection never reached the endpoint: it is not an RPC
		// call and must not feed health.
		rejected := errors.Is(err, resilience.ErrCircuitOpen)
		if !rejected {
			metrics.RPCCallsTotal.WithLabelValues(chainID, ep.URL(), method).Inc()
		}

		if err != nil {
			metrics.RPCErrorsTotal.WithLabelValues(chainID, ep.URL(), method).Inc()
			if !rejected {
				f.pool.MarkUnhealthy(ep)
			}
			f.log.Debug("rpc call failed",
				"chain", chainID, "endpoint", ep.URL(), "method", method, "error", err)
			return err
		}

		metrics.RPCLatency.WithLabelValues(chainID, ep.URL(), method).Observe(elapsed.Seconds())
		f.pool.MarkHealthy(ep, elapsed)
		return nil
	})
}

func (f *Fetcher) breaker(endpointURL string) *resilience.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, ok := f.breakers[endpointURL]
	if !ok {
		b = resilience.NewCircuitBreaker(f.breakerTrips, f.breakerCooloff)
		f.breakers[endpointURL] = b
	}
	return b
}
