// Package deployment locates the first block at which a contract address
// has non-empty code.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ErrContractNotFound is returned when the address has no code even at the
// current chain head. Fatal at session initialization.
var ErrContractNotFound = errors.New("contract not found: no code at chain head")

// youngChainCutoff is the head height below which bisecting is pointless;
// such chains return deployment block 0.
const youngChainCutoff = 100

// ChainReader is the slice of the fetcher the finder needs.
type ChainReader interface {
	BlockHeight(ctx context.Context, chainID string) (uint64, error)
	CodeAt(ctx context.Context, chainID string, address common.Address, block uint64) ([]byte, error)
}

// CreationLookup is the optional explorer fast path. Failures are
// non-fatal; the finder falls back to binary search.
type CreationLookup interface {
	CreationBlock(ctx context.Context, chainID string, address common.Address) (uint64, error)
}

type cacheKey struct {
	chainID string
	address common.Address
}

// Finder binary-searches for a contract's deployment block. Results are
// cached per (chainID, address) for the process lifetime.
type Finder struct {
	chain    ChainReader
	explorer CreationLookup
	log      *slog.Logger

	mu    sync.Mutex
	cache map[cacheKey]uint64
}

// NewFinder creates a finder. explorer may be nil.
func NewFinder(chain ChainReader, explorer CreationLookup, log *slog.Logger) *Finder {
	if log == nil {
		log = slog.Default()
	}
	return &Finder{
		chain:    chain,
		explorer: explorer,
		log:      log,
		cache:    make(map[cacheKey]uint64),
	}
}

// FindDeploymentBlock returns the minimal block with non-empty code at the
// address. The code-presence predicate is monotone: code absent at b means
// deployment > b, code present means deployment <= b.
func (f *Finder) FindDeploymentBlock(ctx context.Context, chainID string, address common.Address) (uint64, error) {
	key := cacheKey{chainID: chainID, address: address}

	f.mu.Lock()
	if block, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return block, nil
	}
	f.mu.Unlock()

	head, err := f.chain.BlockHeight(ctx, chainID)
	if err != nil {
		return 0, fmt.Errorf("get chain head: %w", err)
	}

	if head < youngChainCutoff {
		f.store(key, 0)
		return 0, nil
	}

	if f.explorer != nil {
		if block, err := f.explorer.CreationBlock(ctx, chainID, address); err == nil {
			f.store(key, block)
			return block, nil
		} else {
			f.log.Debug("explorer lookup failed, falling back to binary search",
				"chain", chainID, "address", address.Hex(), "error", err)
		}
	}

	code, err := f.chain.CodeAt(ctx, chainID, address, head)
	if err != nil {
		return 0, fmt.Errorf("probe code at head: %w", err)
	}
	if len(code) == 0 {
		return 0, ErrContractNotFound
	}

	block := f.bisect(ctx, chainID, address, head)
	f.store(key, block)
	return block, nil
}

// bisect converges to the minimal block with non-empty code. A probe error
// is treated as "code absent" so the search always progresses; under a
// transient failure this can bias the result later than the true deployment
// block, which is accepted.
func (f *Finder) bisect(ctx context.Context, chainID string, address common.Address, head uint64) uint64 {
	lo, hi := uint64(0), head
	for lo < hi {
		mid := lo + (hi-lo)/2
		code, err := f.chain.CodeAt(ctx, chainID, address, mid)
		if err != nil || len(code) == 0 {
			if err != nil {
				f.log.Debug("code probe failed, treating as absent",
					"chain", chainID, "block", mid, "error", err)
			}
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

func (f *Finder) store(key cacheKey, block uint64) {
	f.mu.Lock()
	f.cache[key] = block
	f.mu.Unlock()
}
