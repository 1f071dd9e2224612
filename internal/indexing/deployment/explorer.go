package deployment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ExplorerConfig holds an etherscan-compatible API for one chain.
type ExplorerConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// ReceiptReader resolves a transaction hash to the block it landed in.
type ReceiptReader interface {
	ReceiptBlock(ctx context.Context, chainID string, txHash common.Hash) (uint64, error)
}

// ExplorerClient implements the best-effort creation-block fast path via an
// etherscan-compatible getcontractcreation endpoint. The explorer yields the
// creation transaction hash; its receipt yields the block.
type ExplorerClient struct {
	endpoints map[string]ExplorerConfig
	receipts  ReceiptReader
	http      *http.Client
}

// NewExplorerClient creates a client for the configured chains.
func NewExplorerClient(endpoints map[string]ExplorerConfig, receipts ReceiptReader) *ExplorerClient {
	return &ExplorerClient{
		endpoints: endpoints,
		receipts:  receipts,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

type creationResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  []struct {
		ContractAddress string `json:"contractAddress"`
		TxHash          string `json:"txHash"`
	} `json:"result"`
}

// CreationBlock returns the block of the contract's creation transaction.
func (c *ExplorerClient) CreationBlock(ctx context.Context, chainID string, address common.Address) (uint64, error) {
	cfg, ok := c.endpoints[chainID]
	if !ok || cfg.BaseURL == "" {
		return 0, fmt.Errorf("no explorer configured for chain %s", chainID)
	}

	q := url.Values{}
	q.Set("module", "contract")
	q.Set("action", "getcontractcreation")
	q.Set("contractaddresses", address.Hex())
	if cfg.APIKey != "" {
		q.Set("apikey", cfg.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("build explorer request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("explorer request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("explorer returned http %d", resp.StatusCode)
	}

	var body creationResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("parse explorer response: %w", err)
	}
	if body.Status != "1" || len(body.Result) == 0 {
		return 0, fmt.Errorf("explorer lookup failed: %s", body.Message)
	}

	txHash := common.HexToHash(body.Result[0].TxHash)
	block, err := c.receipts.ReceiptBlock(ctx, chainID, txHash)
	if err != nil {
		return 0, fmt.Errorf("resolve creation receipt: %w", err)
	}
	return block, nil
}
