package deployment

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// fakeChain implements ChainReader with a synthetic code-presence function.
type fakeChain struct {
	head       uint64
	deployedAt uint64 // first block with code; head+1 means never deployed
	probeErrAt map[uint64]bool
	codeProbes int
	heightErr  error
}

func (c *fakeChain) BlockHeight(ctx context.Context, chainID string) (uint64, error) {
	if c.heightErr != nil {
		return 0, c.heightErr
	}
	return c.head, nil
}

func (c *fakeChain) CodeAt(ctx context.Context, chainID string, address common.Address, block uint64) ([]byte, error) {
	c.codeProbes++
	if c.probeErrAt[block] {
		return nil, errors.New("transient rpc error")
	}
	if block >= c.deployedAt {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

var testAddr = common.HexToAddress("0x00000000219ab540356cbb839cbe05303d7705fa")

func TestFindsMinimalDeploymentBlock(t *testing.T) {
	tests := []struct {
		name       string
		head       uint64
		deployedAt uint64
	}{
		{"deployed mid-chain", 1_000_000, 123_456},
		{"deployed at genesis", 1_000_000, 0},
		{"deployed at head", 1_000_000, 1_000_000},
		{"deployed just after cutoff", 200, 101},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := &fakeChain{head: tt.head, deployedAt: tt.deployedAt}
			finder := NewFinder(chain, nil, nil)

			got, err := finder.FindDeploymentBlock(context.Background(), "1", testAddr)
			if err != nil {
				t.Fatalf("FindDeploymentBlock failed: %v", err)
			}
			if got != tt.deployedAt {
				t.Errorf("expected deployment block %d, got %d", tt.deployedAt, got)
			}
		})
	}
}

func TestYoungChainReturnsZero(t *testing.T) {
	chain := &fakeChain{head: 99, deployedAt: 50}
	finder := NewFinder(chain, nil, nil)

	got, err := finder.FindDeploymentBlock(context.Background(), "1", testAddr)
	if err != nil {
		t.Fatalf("FindDeploymentBlock failed: %v", err)
	}
	if got != 0 {
		t.Errorf("expected 0 for young chain, got %d", got)
	}
	if chain.codeProbes != 0 {
		t.Errorf("expected no code probes below cutoff, got %d", chain.codeProbes)
	}
}

func TestNoCodeAtHeadIsFatal(t *testing.T) {
	chain := &fakeChain{head: 1_000_000, deployedAt: 1_000_001}
	finder := NewFinder(chain, nil, nil)

	_, err := finder.FindDeploymentBlock(context.Background(), "1", testAddr)
	if !errors.Is(err, ErrContractNotFound) {
		t.Errorf("expected ErrContractNotFound, got %v", err)
	}
}

func TestProbeErrorBiasesLater(t *testing.T) {
	// A transient error on a block that actually has code pushes the search
	// right, landing after the true deployment block. Documented behavior.
	chain := &fakeChain{
		head:       1024,
		deployedAt: 500,
		probeErrAt: map[uint64]bool{500: true},
	}
	finder := NewFinder(chain, nil, nil)

	got, err := finder.FindDeploymentBlock(context.Background(), "1", testAddr)
	if err != nil {
		t.Fatalf("FindDeploymentBlock failed: %v", err)
	}
	if got < 500 {
		t.Errorf("probe errors must never bias earlier: got %d", got)
	}
}

func TestResultIsCached(t *testing.T) {
	chain := &fakeChain{head: 1_000_000, deployedAt: 777}
	finder := NewFinder(chain, nil, nil)
	ctx := context.Background()

	first, err := finder.FindDeploymentBlock(ctx, "1", testAddr)
	if err != nil {
		t.Fatalf("first lookup failed: %v", err)
	}
	probes := chain.codeProbes

	second, err := finder.FindDeploymentBlock(ctx, "1", testAddr)
	if err != nil {
		t.Fatalf("second lookup failed: %v", err)
	}
	if second != first {
		t.Errorf("cached result mismatch: %d vs %d", second, first)
	}
	if chain.codeProbes != probes {
		t.Errorf("expected no additional probes on cache hit, got %d more", chain.codeProbes-probes)
	}
}

type fakeExplorer struct {
	block uint64
	err   error
	calls int
}

func (e *fakeExplorer) CreationBlock(ctx context.Context, chainID string, address common.Address) (uint64, error) {
	e.calls++
	return e.block, e.err
}

func TestExplorerFastPath(t *testing.T) {
	chain := &fakeChain{head: 1_000_000, deployedAt: 777}
	explorer := &fakeExplorer{block: 777}
	finder := NewFinder(chain, explorer, nil)

	got, err := finder.FindDeploymentBlock(context.Background(), "1", testAddr)
	if err != nil {
		t.Fatalf("FindDeploymentBlock failed: %v", err)
	}
	if got != 777 {
		t.Errorf("expected explorer result 777, got %d", got)
	}
	if chain.codeProbes != 0 {
		t.Errorf("expected no binary search when explorer answers, got %d probes", chain.codeProbes)
	}
}

func TestExplorerFailureFallsBackToBisect(t *testing.T) {
	chain := &fakeChain{head: 1_000_000, deployedAt: 777}
	explorer := &fakeExplorer{err: errors.New("explorer down")}
	finder := NewFinder(chain, explorer, nil)

	got, err := finder.FindDeploymentBlock(context.Background(), "1", testAddr)
	if err != nil {
		t.Fatalf("FindDeploymentBlock failed: %v", err)
	}
	if got != 777 {
		t.Errorf("expected bisect result 777, got %d", got)
	}
	if explorer.calls != 1 {
		t.Errorf("expected one explorer attempt, got %d", explorer.calls)
	}
}
