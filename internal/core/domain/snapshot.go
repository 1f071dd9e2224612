package domain

import "time"

// SessionSnapshot is the persisted form of a session, keyed by user ID.
// It carries exactly what a fresh process needs to resume indexing from
// currentBlock+1 instead of re-running the full backfill.
type SessionSnapshot struct {
	UserID          string            `json:"user_id" db:"user_id"`
	ContractAddress string            `json:"contract_address" db:"contract_address"`
	ChainID         string            `json:"chain_id" db:"chain_id"`
	Status          SessionStatus     `json:"status" db:"status"`
	Tier            string            `json:"tier" db:"tier"`
	DeploymentBlock uint64            `json:"deployment_block" db:"deployment_block"`
	StartBlock      uint64            `json:"start_block" db:"start_block"`
	CurrentBlock    uint64            `json:"current_block" db:"current_block"`
	TargetBlock     uint64            `json:"target_block" db:"target_block"`
	Metrics         CumulativeMetrics `json:"metrics"`
	FailedRanges    []BlockRange      `json:"failed_ranges,omitempty"`
	SavedAt         time.Time         `json:"saved_at" db:"saved_at"`
}
