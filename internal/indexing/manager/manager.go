// Package manager orchestrates indexing sessions across users and chains:
// at most one live session per user, snapshot-backed resume and a graceful
// shutdown that persists every session's position.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/chainpulse/indexer/internal/core/domain"
	"github.com/chainpulse/indexer/internal/core/tier"
	"github.com/chainpulse/indexer/internal/indexing/notify"
	"github.com/chainpulse/indexer/internal/indexing/session"
	"github.com/chainpulse/indexer/internal/infra/storage"
)

var (
	// ErrShuttingDown is returned when a new session is requested after
	// shutdown began.
	ErrShuttingDown = errors.New("indexer is shutting down")

	// ErrSessionExists is returned when the user already has a live session.
	ErrSessionExists = errors.New("user already has an active session")

	// ErrSessionNotFound is returned for operations on unknown users.
	ErrSessionNotFound = errors.New("no session for user")
)

// Options carries the orchestrator's collaborators.
type Options struct {
	Store        storage.SnapshotStore
	Tiers        *tier.Resolver
	Chain        session.ChainClient
	Finder       session.DeploymentFinder
	Chunks       session.RangeProcessor
	Sink         notify.Sink
	PollInterval time.Duration
	Log          *slog.Logger

	// BlockSeconds overrides the built-in average block time per chain.
	// Chains absent from the map use the built-in value.
	BlockSeconds map[string]float64

	// OnShutdown, when set, runs after all sessions have stopped. Used to
	// halt endpoint health checking.
	OnShutdown func()
}

// IndexerManager is the session registry. All exported methods are safe for
// concurrent use.
type IndexerManager struct {
	mu       sync.Mutex
	sessions map[string]*session.StreamingIndexer
	// starting reserves a user's slot while their session initializes, so
	// concurrent StartIndexing calls for the same user cannot both pass
	// the duplicate check.
	starting  map[string]struct{}
	accepting bool

	opts Options
	log  *slog.Logger
}

// New creates a manager that accepts sessions.
func New(opts Options) *IndexerManager {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &IndexerManager{
		sessions:  make(map[string]*session.StreamingIndexer),
		starting:  make(map[string]struct{}),
		accepting: true,
		opts:      opts,
		log:       opts.Log,
	}
}

// StartIndexing creates (or resumes) the user's session and starts it. A
// stored snapshot for the same contract and chain resumes from its current
// block; a snapshot for a different contract is ignored and indexing starts
// fresh.
func (m *IndexerManager) StartIndexing(ctx context.Context, userID string, contract common.Address, chainID, tierName string) (*session.StreamingIndexer, error) {
	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if existing, ok := m.sessions[userID]; ok && !isTerminal(existing.Status()) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, userID)
	}
	if _, ok := m.starting[userID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, userID)
	}
	m.starting[userID] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.starting, userID)
		m.mu.Unlock()
	}()

	t, err := m.opts.Tiers.Resolve(tierName)
	if err != nil {
		return nil, err
	}

	sessOpts := session.Options{
		Chain:        m.opts.Chain,
		Finder:       m.opts.Finder,
		Chunks:       m.opts.Chunks,
		Sink:         m.opts.Sink,
		Persist:      m.persistFor(userID),
		PollInterval: m.opts.PollInterval,
		BlockSeconds: m.opts.BlockSeconds[chainID],
		Log:          m.opts.Log,
	}

	s := m.resumeOrCreate(ctx, userID, contract, chainID, t, sessOpts)

	if err := s.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize session for %s: %w", userID, err)
	}
	if err := s.Start(ctx); err != nil {
		return nil, fmt.Errorf("start session for %s: %w", userID, err)
	}

	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		s.Stop()
		return nil, ErrShuttingDown
	}
	m.sessions[userID] = s
	m.mu.Unlock()

	return s, nil
}

func (m *IndexerManager) resumeOrCreate(ctx context.Context, userID string, contract common.Address, chainID string, t tier.Tier, opts session.Options) *session.StreamingIndexer {
	snap, err := m.opts.Store.Get(ctx, userID)
	switch {
	case err == nil:
		if strings.EqualFold(snap.ContractAddress, contract.Hex()) && snap.ChainID == chainID {
			m.log.Info("resuming session from snapshot",
				"user", userID,
				"current_block", snap.CurrentBlock,
				"target_block", snap.TargetBlock,
			)
			return session.Restore(*snap, t, opts)
		}
		m.log.Info("stored snapshot is for a different contract, starting fresh",
			"user", userID,
			"stored_contract", snap.ContractAddress,
			"requested_contract", contract.Hex(),
		)
	case errors.Is(err, storage.ErrNotFound):
	default:
		m.log.Warn("snapshot lookup failed, starting fresh", "user", userID, "error", err)
	}
	return session.New(userID, contract, chainID, t, opts)
}

func (m *IndexerManager) persistFor(userID string) session.PersistFunc {
	return func(ctx context.Context, snap domain.SessionSnapshot) error {
		return m.opts.Store.Set(ctx, userID, &snap)
	}
}

// PauseIndexing pauses the user's session.
func (m *IndexerManager) PauseIndexing(userID string) error {
	s, err := m.session(userID)
	if err != nil {
		return err
	}
	return s.Pause()
}

// ResumeIndexing resumes the user's paused session.
func (m *IndexerManager) ResumeIndexing(userID string) error {
	s, err := m.session(userID)
	if err != nil {
		return err
	}
	return s.Resume()
}

// StopIndexing terminally stops the user's session and removes it from the
// registry. The snapshot remains in storage for a later resume.
func (m *IndexerManager) StopIndexing(userID string) error {
	s, err := m.session(userID)
	if err != nil {
		return err
	}
	if err := s.Stop(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, userID)
	m.mu.Unlock()
	return nil
}

func (m *IndexerManager) session(userID string) (*session.StreamingIndexer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, userID)
	}
	return s, nil
}

// Sessions returns a snapshot of every registered session keyed by user.
func (m *IndexerManager) Sessions() map[string]domain.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.SessionSnapshot, len(m.sessions))
	for user, s := range m.sessions {
		out[user] = s.Snapshot()
	}
	return out
}

// Shutdown stops accepting sessions, then pauses, persists and stops every
// live session. Failures are isolated per session so one bad session never
// blocks the rest; ctx bounds the total wait.
func (m *IndexerManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.accepting {
		m.mu.Unlock()
		return nil
	}
	m.accepting = false
	live := make(map[string]*session.StreamingIndexer, len(m.sessions))
	for user, s := range m.sessions {
		live[user] = s
	}
	m.mu.Unlock()

	m.log.Info("shutting down", "sessions", len(live))

	var firstErr error
	for user, s := range live {
		if err := m.shutdownSession(ctx, user, s); err != nil {
			m.log.Error("session shutdown failed", "user", user, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if m.opts.OnShutdown != nil {
		m.opts.OnShutdown()
	}
	m.log.Info("shutdown complete")
	return firstErr
}

func (m *IndexerManager) shutdownSession(ctx context.Context, user string, s *session.StreamingIndexer) error {
	// Pause first so no new chunk starts, then Stop persists the final
	// snapshot. Either may legitimately fail on an already-terminal session.
	if err := s.Pause(); err != nil && !isTerminal(s.Status()) {
		m.log.Debug("pause during shutdown", "user", user, "error", err)
	}
	if err := s.Stop(); err != nil {
		if isTerminal(s.Status()) {
			return nil
		}
		return fmt.Errorf("stop session: %w", err)
	}

	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session %s did not stop in time: %w", user, ctx.Err())
	}
}

func isTerminal(st domain.SessionStatus) bool {
	return st == domain.SessionStopped || st == domain.SessionFailed
}
