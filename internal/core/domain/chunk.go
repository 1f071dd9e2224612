package domain

import "github.com/ethereum/go-ethereum/core/types"

// ChunkStatus represents the processing state of a chunk.
type ChunkStatus string

const (
	ChunkPending    ChunkStatus = "pending"
	ChunkProcessing ChunkStatus = "processing"
	ChunkCompleted  ChunkStatus = "completed"
	ChunkFailed     ChunkStatus = "failed"
)

// Chunk is a contiguous, size-bounded sub-range of blocks processed as one
// unit of indexing work. It is created pending, mutated once by the fetch
// step and immutable afterward.
type Chunk struct {
	Index      int
	StartBlock uint64
	EndBlock   uint64
	Status     ChunkStatus
	Logs       []types.Log
	Metrics    ChunkMetrics
	Err        error
}

// ChunkMetrics holds the per-chunk counters folded into the cumulative
// session metrics.
type ChunkMetrics struct {
	LogCount      uint64 `json:"log_count"`
	BlocksCovered uint64 `json:"blocks_covered"`
}

// Width returns the inclusive number of blocks in the chunk range.
func (c *Chunk) Width() uint64 {
	return c.EndBlock - c.StartBlock + 1
}

// CumulativeMetrics is the fold of every completed chunk's metrics in block
// order. Replaying completed chunks in order must reproduce it exactly.
type CumulativeMetrics struct {
	TotalLogs          uint64 `json:"total_logs"`
	TotalBlocksCovered uint64 `json:"total_blocks_covered"`
	ChunksProcessed    uint64 `json:"chunks_processed"`
}

// Fold accumulates one completed chunk into the running totals.
func (m *CumulativeMetrics) Fold(cm ChunkMetrics) {
	m.TotalLogs += cm.LogCount
	m.TotalBlocksCovered += cm.BlocksCovered
	m.ChunksProcessed++
}
