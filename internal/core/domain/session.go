package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SessionStatus represents the lifecycle state of an indexing session.
type SessionStatus string

const (
	SessionPending     SessionStatus = "pending"
	SessionInitialized SessionStatus = "initialized"
	SessionRunning     SessionStatus = "running"
	SessionPaused      SessionStatus = "paused"
	SessionStopped     SessionStatus = "stopped"
	SessionFailed      SessionStatus = "failed"
)

// Session is the resumable unit of indexing work for one
// (user, contract, chain) tuple.
type Session struct {
	ID              string
	UserID          string
	ContractAddress common.Address
	ChainID         string
	Status          SessionStatus
	Tier            string

	DeploymentBlock uint64
	StartBlock      uint64
	CurrentBlock    uint64
	TargetBlock     uint64

	Metrics CumulativeMetrics

	// FailedRanges holds block ranges whose chunk fetch exhausted retries.
	// They are recorded for later retry and never block the session.
	FailedRanges []BlockRange

	CreatedAt   time.Time
	PausedAt    *time.Time
	CompletedAt *time.Time
}

// BlockRange is an inclusive block range.
type BlockRange struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// CanTransition reports whether a session status change is allowed.
func CanTransition(from, to SessionStatus) bool {
	allowed, ok := sessionTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:     {SessionInitialized, SessionFailed},
	SessionInitialized: {SessionRunning, SessionStopped, SessionFailed},
	SessionRunning:     {SessionPaused, SessionStopped, SessionFailed},
	SessionPaused:      {SessionRunning, SessionStopped, SessionFailed},
	// stopped and failed are terminal for the in-memory instance; a fresh
	// instance resumes from the persisted snapshot.
	SessionStopped: {},
	SessionFailed:  {},
}
