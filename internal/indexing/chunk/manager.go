package chunk

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainpulse/indexer/internal/core/domain"
	"github.com/chainpulse/indexer/internal/indexing/metrics"
)

// LogFetcher fetches contract logs for an inclusive block range.
type LogFetcher interface {
	FetchLogs(ctx context.Context, chainID string, address common.Address, fromBlock, toBlock uint64) ([]types.Log, error)
}

// Manager drives chunked range processing. Chunks are processed strictly in
// order: a chunk never starts before the previous one reached a terminal
// state. A failed chunk records a gap on the session and processing moves
// on; only context cancellation stops the run early.
type Manager struct {
	fetcher   LogFetcher
	validator *Validator
	size      uint64
	log       *slog.Logger
}

// NewManager creates a chunk manager. A size of zero selects DefaultSize.
func NewManager(fetcher LogFetcher, size uint64, log *slog.Logger) *Manager {
	if size == 0 {
		size = DefaultSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		fetcher:   fetcher,
		validator: NewValidator(log),
		size:      size,
		log:       log,
	}
}

// ProcessRange indexes [from, to] for the session's contract. onChunk, when
// non-nil, is invoked after every chunk reaches a terminal state with the
// chunk and the total chunk count; the session's cumulative metrics and
// current block are already updated at that point.
func (m *Manager) ProcessRange(ctx context.Context, sess *domain.Session, from, to uint64, onChunk func(c *domain.Chunk, total int)) error {
	chunks, err := Partition(from, to, m.size)
	if err != nil {
		return err
	}

	m.log.Info("processing block range",
		"user", sess.UserID,
		"chain", sess.ChainID,
		"from", from,
		"to", to,
		"chunks", len(chunks),
	)

	var lastCompleted *domain.Chunk
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}

		c := &chunks[i]
		c.Status = domain.ChunkProcessing

		logs, err := m.fetcher.FetchLogs(ctx, sess.ChainID, sess.ContractAddress, c.StartBlock, c.EndBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.Status = domain.ChunkFailed
			c.Err = err
			sess.FailedRanges = append(sess.FailedRanges, domain.BlockRange{From: c.StartBlock, To: c.EndBlock})
			metrics.ChunksProcessed.WithLabelValues(sess.ChainID, "failed").Inc()
			m.log.Error("chunk failed, recording gap and continuing",
				"user", sess.UserID,
				"chunk", c.Index,
				"from", c.StartBlock,
				"to", c.EndBlock,
				"error", err,
			)
		} else {
			c.Status = domain.ChunkCompleted
			c.Logs = logs
			c.Metrics = domain.ChunkMetrics{
				LogCount:      uint64(len(logs)),
				BlocksCovered: c.Width(),
			}

			m.validator.ValidateBoundary(lastCompleted, c)
			m.validator.VerifyTransactionContinuity(logs)
			lastCompleted = c

			sess.Metrics.Fold(c.Metrics)
			metrics.ChunksProcessed.WithLabelValues(sess.ChainID, "completed").Inc()
			metrics.LogsIndexed.WithLabelValues(sess.ChainID).Add(float64(len(logs)))
		}

		// CurrentBlock advances past failed chunks too; their ranges are
		// preserved in FailedRanges.
		sess.CurrentBlock = c.EndBlock
		metrics.SessionCurrentBlock.WithLabelValues(sess.UserID, sess.ChainID).Set(float64(c.EndBlock))

		if onChunk != nil {
			onChunk(c, len(chunks))
		}
	}

	return nil
}
