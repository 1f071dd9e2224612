// Package chunk partitions block ranges into fixed-size chunks, fetches
// them strictly in order and folds the results into cumulative metrics.
package chunk

import (
	"fmt"

	"github.com/chainpulse/indexer/internal/core/domain"
)

// DefaultSize is the default chunk width in blocks.
const DefaultSize = 200_000

// Partition splits [start, target] into contiguous inclusive chunks of at
// most size blocks. The ranges partition the interval exactly: no gaps, no
// overlaps.
func Partition(start, target, size uint64) ([]domain.Chunk, error) {
	if size == 0 {
		return nil, fmt.Errorf("chunk size must be greater than zero")
	}
	if target < start {
		return nil, fmt.Errorf("target block %d is before start block %d", target, start)
	}

	chunks := make([]domain.Chunk, 0, (target-start)/size+1)
	for from := start; from <= target; {
		to := target
		if remaining := target - from + 1; remaining > size {
			to = from + size - 1
		}
		chunks = append(chunks, domain.Chunk{
			Index:      len(chunks),
			StartBlock: from,
			EndBlock:   to,
			Status:     domain.ChunkPending,
		})
		if to == target {
			break
		}
		from = to + 1
	}

	return chunks, nil
}
