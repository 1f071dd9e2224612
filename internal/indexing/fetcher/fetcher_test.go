package fetcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chainpulse/indexer/internal/indexing/metrics"
	"github.com/chainpulse/indexer/internal/infra/resilience"
	"github.com/chainpulse/indexer/internal/infra/rpc"
)

// rpcHandler is a minimal JSON-RPC endpoint for ethclient calls.
type rpcHandler struct {
	failures int32 // remaining calls to fail
	calls    int32
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&h.calls, 1)
	if atomic.AddInt32(&h.failures, -1) >= 0 {
		http.Error(w, "upstream error", http.StatusInternalServerError)
		return
	}
	atomic.AddInt32(&h.failures, 1) // keep counter pinned at zero

	var req struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	var result any
	switch req.Method {
	case "eth_blockNumber":
		result = "0x112a880" // 18,000,000
	case "eth_getLogs":
		result = []map[string]any{
			{
				"address":          "0x00000000219ab540356cbb839cbe05303d7705fa",
				"topics":           []string{"0x649bbc62d0e31342afea4e5cd82d4049e7e1ee912fc0889aa790803be39038c5"},
				"data":             "0x",
				"blockNumber":      "0x112a880",
				"transactionHash":  "0x1111111111111111111111111111111111111111111111111111111111111111",
				"transactionIndex": "0x0",
				"blockHash":        "0x2222222222222222222222222222222222222222222222222222222222222222",
				"logIndex":         "0x0",
				"removed":          false,
			},
		}
	case "eth_getCode":
		result = "0x6080"
	default:
		result = "0x0"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  result,
	})
}

func newTestFetcher(t *testing.T, urls []string) (*Fetcher, *rpc.EndpointPool) {
	t.Helper()
	pool := rpc.NewEndpointPool(rpc.PoolConfig{}, slog.Default())
	if err := pool.InitializeChain("1", urls); err != nil {
		t.Fatalf("InitializeChain failed: %v", err)
	}
	f := New(pool, Config{
		CallTimeout: 2 * time.Second,
		Retry: resilience.RetryConfig{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			MaxJitter:  time.Millisecond,
		},
	}, slog.Default())
	return f, pool
}

func TestBlockHeight(t *testing.T) {
	h := &rpcHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	f, _ := newTestFetcher(t, []string{srv.URL})

	height, err := f.BlockHeight(context.Background(), "1")
	if err != nil {
		t.Fatalf("BlockHeight failed: %v", err)
	}
	if height != 18_000_000 {
		t.Errorf("expected height 18000000, got %d", height)
	}
}

func TestFetchLogs(t *testing.T) {
	h := &rpcHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	f, _ := newTestFetcher(t, []string{srv.URL})

	addr := common.HexToAddress("0x00000000219ab540356cbb839cbe05303d7705fa")
	logs, err := f.FetchLogs(context.Background(), "1", addr, 18_000_000, 18_000_100)
	if err != nil {
		t.Fatalf("FetchLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 log, got %d", len(logs))
	}
	if logs[0].Address != addr {
		t.Errorf("unexpected log address: %s", logs[0].Address)
	}
}

func TestCodeAt(t *testing.T) {
	h := &rpcHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	f, _ := newTestFetcher(t, []string{srv.URL})

	code, err := f.CodeAt(context.Background(), "1", common.Address{}, 18_000_000)
	if err != nil {
		t.Fatalf("CodeAt failed: %v", err)
	}
	if len(code) == 0 {
		t.Error("expected non-empty code")
	}
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	h := &rpcHandler{failures: 2}
	srv := httptest.NewServer(h)
	defer srv.Close()

	f, _ := newTestFetcher(t, []string{srv.URL})

	height, err := f.BlockHeight(context.Background(), "1")
	if err != nil {
		t.Fatalf("expected retry to recover, got %v", err)
	}
	if height != 18_000_000 {
		t.Errorf("expected height 18000000, got %d", height)
	}
	if atomic.LoadInt32(&h.calls) != 3 {
		t.Errorf("expected 3 upstream calls, got %d", h.calls)
	}
}

func TestExhaustedRetriesSurfaceError(t *testing.T) {
	h := &rpcHandler{failures: 100}
	srv := httptest.NewServer(h)
	defer srv.Close()

	f, _ := newTestFetcher(t, []string{srv.URL})

	if _, err := f.BlockHeight(context.Background(), "1"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestFailuresFeedEndpointHealth(t *testing.T) {
	h := &rpcHandler{failures: 1000}
	srv := httptest.NewServer(h)
	defer srv.Close()

	f, pool := newTestFetcher(t, []string{srv.URL})

	// Each fetch makes MaxRetries+1 = 3 attempts; two fetches cross the
	// pool's unhealthy threshold of 5.
	f.BlockHeight(context.Background(), "1")
	f.BlockHeight(context.Background(), "1")

	status := pool.Status()["1"]
	if len(status) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(status))
	}
	if status[0].Healthy {
		t.Error("expected endpoint to be marked unhealthy after repeated failures")
	}
}

func TestBreakerRejectionsNotCountedAsRPCCalls(t *testing.T) {
	h := &rpcHandler{failures: 1000}
	srv := httptest.NewServer(h)
	defer srv.Close()

	pool := rpc.NewEndpointPool(rpc.PoolConfig{}, slog.Default())
	if err := pool.InitializeChain("1", []string{srv.URL}); err != nil {
		t.Fatalf("InitializeChain failed: %v", err)
	}
	f := New(pool, Config{
		CallTimeout: 2 * time.Second,
		Retry: resilience.RetryConfig{
			MaxRetries: 2,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
			MaxJitter:  time.Millisecond,
		},
		BreakerTrips:   1,
		BreakerCooloff: time.Hour,
	}, slog.Default())

	// The first attempt fails and trips the breaker; the two retries are
	// rejected before reaching the endpoint.
	if _, err := f.BlockHeight(context.Background(), "1"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	if got := atomic.LoadInt32(&h.calls); got != 1 {
		t.Fatalf("expected 1 upstream call, got %d", got)
	}
	calls := testutil.ToFloat64(metrics.RPCCallsTotal.WithLabelValues("1", srv.URL, "eth_blockNumber"))
	if calls != 1 {
		t.Errorf("expected 1 counted RPC call, got %v", calls)
	}
	errs := testutil.ToFloat64(metrics.RPCErrorsTotal.WithLabelValues("1", srv.URL, "eth_blockNumber"))
	if errs != 3 {
		t.Errorf("expected 3 counted errors, got %v", errs)
	}
}

func TestFailoverToSecondEndpoint(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer bad.Close()

	good := &rpcHandler{}
	goodSrv := httptest.NewServer(good)
	defer goodSrv.Close()

	f, _ := newTestFetcher(t, []string{bad.URL, goodSrv.URL})

	// Round-robin starts at the bad endpoint; the retry attempt rotates to
	// the good one.
	height, err := f.BlockHeight(context.Background(), "1")
	if err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
	if height != 18_000_000 {
		t.Errorf("expected height from good endpoint, got %d", height)
	}
}
