package chunk

import (
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainpulse/indexer/internal/core/domain"
)

// Validator performs horizontal consistency checks across adjacent chunks.
// Anomalies are recorded as warnings and never abort processing.
type Validator struct {
	log *slog.Logger
}

// NewValidator creates a validator.
func NewValidator(log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{log: log}
}

// ValidateBoundary reports whether curr starts exactly one block after prev
// ends. A previously failed chunk shows up here as a coverage gap.
func (v *Validator) ValidateBoundary(prev, curr *domain.Chunk) bool {
	if prev == nil {
		return true
	}
	if curr.StartBlock != prev.EndBlock+1 {
		v.log.Warn("chunk boundary gap detected",
			"prev_end", prev.EndBlock,
			"curr_start", curr.StartBlock,
			"missing", fmt.Sprintf("[%d, %d]", prev.EndBlock+1, curr.StartBlock-1))
		return false
	}
	return true
}

// VerifyTransactionContinuity flags duplicate log identities (transaction
// hash + log index) within a chunk's fetched logs. Duplicates are a symptom
// of a non-idempotent re-fetch or a chain reorg; they are warned about,
// never treated as a hard failure.
func (v *Validator) VerifyTransactionContinuity(logs []types.Log) int {
	type logID struct {
		tx    string
		index uint
	}

	seen := make(map[logID]bool, len(logs))
	duplicates := 0
	for _, l := range logs {
		id := logID{tx: l.TxHash.Hex(), index: l.Index}
		if seen[id] {
			duplicates++
			continue
		}
		seen[id] = true
	}

	if duplicates > 0 {
		v.log.Warn("duplicate logs in chunk", "count", duplicates)
	}
	return duplicates
}
