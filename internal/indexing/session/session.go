// Package session runs the indexing lifecycle for one (user, contract,
// chain) tuple: deployment discovery, tier-bounded backfill and optional
// continuous head polling.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/chainpulse/indexer/internal/core/domain"
	"github.com/chainpulse/indexer/internal/core/tier"
	"github.com/chainpulse/indexer/internal/indexing/metrics"
	"github.com/chainpulse/indexer/internal/indexing/notify"
)

// DefaultPollInterval is how often continuous sync checks the chain head.
const DefaultPollInterval = 30 * time.Second

// ChainClient reads the current chain height.
type ChainClient interface {
	BlockHeight(ctx context.Context, chainID string) (uint64, error)
}

// DeploymentFinder resolves a contract's deployment block.
type DeploymentFinder interface {
	FindDeploymentBlock(ctx context.Context, chainID string, address common.Address) (uint64, error)
}

// RangeProcessor indexes an inclusive block range in ordered chunks.
type RangeProcessor interface {
	ProcessRange(ctx context.Context, sess *domain.Session, from, to uint64, onChunk func(c *domain.Chunk, total int)) error
}

// PersistFunc saves a snapshot of the session. Called after every completed
// chunk and on pause/stop; errors are logged, never fatal.
type PersistFunc func(ctx context.Context, snap domain.SessionSnapshot) error

// StreamingIndexer owns one session's lifecycle. All state transitions go
// through the domain transition table; illegal transitions are rejected.
type StreamingIndexer struct {
	sess *domain.Session
	tier tier.Tier

	chain   ChainClient
	finder  DeploymentFinder
	chunks  RangeProcessor
	sink    notify.Sink
	persist PersistFunc
	log     *slog.Logger

	pollInterval time.Duration
	blockSeconds float64

	mu     sync.Mutex
	paused bool
	// pauseGate is non-nil while paused; closing it releases chunk
	// processing blocked at a chunk boundary.
	pauseGate chan struct{}
	ticker    *time.Ticker
	cancel    context.CancelFunc
	done      chan struct{}
}

// Options carries the collaborators a session needs.
type Options struct {
	Chain        ChainClient
	Finder       DeploymentFinder
	Chunks       RangeProcessor
	Sink         notify.Sink
	Persist      PersistFunc
	PollInterval time.Duration
	BlockSeconds float64
	Log          *slog.Logger
}

// New creates a pending session for the tuple.
func New(userID string, contract common.Address, chainID string, t tier.Tier, opts Options) *StreamingIndexer {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &StreamingIndexer{
		sess: &domain.Session{
			ID:              uuid.NewString(),
			UserID:          userID,
			ContractAddress: contract,
			ChainID:         chainID,
			Status:          domain.SessionPending,
			Tier:            t.Name,
			CreatedAt:       time.Now(),
		},
		tier:         t,
		chain:        opts.Chain,
		finder:       opts.Finder,
		chunks:       opts.Chunks,
		sink:         opts.Sink,
		persist:      opts.Persist,
		pollInterval: opts.PollInterval,
		blockSeconds: opts.BlockSeconds,
		log:          opts.Log.With("user", userID, "chain", chainID),
		done:         make(chan struct{}),
	}
}

// Restore rebuilds a session from a snapshot so indexing resumes from
// currentBlock+1 instead of re-running the backfill.
func Restore(snap domain.SessionSnapshot, t tier.Tier, opts Options) *StreamingIndexer {
	s := New(snap.UserID, common.HexToAddress(snap.ContractAddress), snap.ChainID, t, opts)
	s.sess.DeploymentBlock = snap.DeploymentBlock
	s.sess.StartBlock = snap.StartBlock
	s.sess.CurrentBlock = snap.CurrentBlock
	s.sess.TargetBlock = snap.TargetBlock
	s.sess.Metrics = snap.Metrics
	s.sess.FailedRanges = append([]domain.BlockRange(nil), snap.FailedRanges...)
	s.sess.Status = domain.SessionInitialized
	return s
}

// Initialize discovers the deployment block and computes the tier-bounded
// backfill window. A restored session skips rediscovery.
func (s *StreamingIndexer) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess.Status == domain.SessionInitialized {
		return nil
	}
	if !domain.CanTransition(s.sess.Status, domain.SessionInitialized) {
		return fmt.Errorf("cannot initialize session in status %s", s.sess.Status)
	}

	deployment, err := s.finder.FindDeploymentBlock(ctx, s.sess.ChainID, s.sess.ContractAddress)
	if err != nil {
		s.sess.Status = domain.SessionFailed
		return fmt.Errorf("find deployment block: %w", err)
	}

	head, err := s.chain.BlockHeight(ctx, s.sess.ChainID)
	if err != nil {
		s.sess.Status = domain.SessionFailed
		return fmt.Errorf("fetch chain head: %w", err)
	}

	start := deployment
	if s.tier.HistoricalDays >= 0 {
		window := domain.BlocksForDays(s.sess.ChainID, s.tier.HistoricalDays, s.blockSeconds)
		if head > window && head-window > deployment {
			start = head - window
		}
	}

	s.sess.DeploymentBlock = deployment
	s.sess.StartBlock = start
	s.sess.CurrentBlock = start
	s.sess.TargetBlock = head
	s.sess.Status = domain.SessionInitialized

	metrics.SessionTargetBlock.WithLabelValues(s.sess.UserID, s.sess.ChainID).Set(float64(head))
	s.log.Info("session initialized",
		"deployment_block", deployment,
		"start_block", start,
		"target_block", head,
		"tier", s.tier.Name,
	)
	return nil
}

// Start transitions to running and launches the backfill goroutine. It
// returns immediately; completion is observable through Done and Status.
func (s *StreamingIndexer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.CanTransition(s.sess.Status, domain.SessionRunning) {
		return fmt.Errorf("cannot start session in status %s", s.sess.Status)
	}
	s.sess.Status = domain.SessionRunning

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(runCtx)
	return nil
}

func (s *StreamingIndexer) run(ctx context.Context) {
	defer close(s.done)

	if err := s.backfill(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(err)
		return
	}

	if !s.tier.ContinuousSync {
		s.finish()
		return
	}

	s.mu.Lock()
	s.ticker = time.NewTicker(s.pollInterval)
	ticker := s.ticker
	s.mu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.isPaused() {
				continue
			}
			// Tick errors are logged and retried on the next tick.
			if err := s.tick(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("poll tick failed", "error", err)
			}
		}
	}
}

// backfill indexes [currentBlock or startBlock, targetBlock] in chunks. A
// restored session resumes from currentBlock+1.
func (s *StreamingIndexer) backfill(ctx context.Context) error {
	s.mu.Lock()
	from := s.sess.StartBlock
	if s.sess.CurrentBlock > s.sess.StartBlock {
		from = s.sess.CurrentBlock + 1
	}
	to := s.sess.TargetBlock
	work := s.workingCopyLocked()
	s.mu.Unlock()

	if from > to {
		s.log.Info("backfill already complete", "current_block", from-1)
		return nil
	}
	return s.chunks.ProcessRange(ctx, work, from, to, s.chunkCallback(ctx, work))
}

// tick indexes the delta between the last indexed block and the new head.
func (s *StreamingIndexer) tick(ctx context.Context) error {
	head, err := s.chain.BlockHeight(ctx, s.sess.ChainID)
	if err != nil {
		return fmt.Errorf("fetch chain head: %w", err)
	}

	s.mu.Lock()
	current := s.sess.CurrentBlock
	if head <= current {
		s.mu.Unlock()
		return nil
	}
	s.sess.TargetBlock = head
	work := s.workingCopyLocked()
	s.mu.Unlock()

	metrics.SessionTargetBlock.WithLabelValues(s.sess.UserID, s.sess.ChainID).Set(float64(head))
	return s.chunks.ProcessRange(ctx, work, current+1, head, s.chunkCallback(ctx, work))
}

// workingCopyLocked returns a detached copy of the session for the chunk
// processor to mutate. Progress is merged back under the lock after every
// chunk, so concurrent Snapshot/Status calls never observe torn state.
func (s *StreamingIndexer) workingCopyLocked() *domain.Session {
	work := *s.sess
	work.FailedRanges = append([]domain.BlockRange(nil), s.sess.FailedRanges...)
	return &work
}

// chunkCallback merges chunk progress back into the session, publishes a
// progress event and persists a snapshot. Both side effects are best-effort.
// It blocks while the session is paused, so a pause takes effect at the next
// chunk boundary; the in-flight chunk still completes.
func (s *StreamingIndexer) chunkCallback(ctx context.Context, work *domain.Session) func(c *domain.Chunk, total int) {
	return func(c *domain.Chunk, total int) {
		s.mu.Lock()
		s.sess.CurrentBlock = work.CurrentBlock
		s.sess.Metrics = work.Metrics
		s.sess.FailedRanges = append([]domain.BlockRange(nil), work.FailedRanges...)
		ev := notify.ProgressEvent{
			Type:         "progress",
			UserID:       s.sess.UserID,
			Chunk:        c.Index + 1,
			Total:        total,
			Percent:      progressPercent(s.sess),
			CurrentBlock: s.sess.CurrentBlock,
			TargetBlock:  s.sess.TargetBlock,
			Metrics:      s.sess.Metrics,
			Timestamp:    time.Now(),
		}
		snap := s.snapshotLocked()
		s.mu.Unlock()

		if s.sink != nil {
			s.sink.Publish(ev)
		}
		s.persistSnapshot(snap)
		s.waitWhilePaused(ctx)
	}
}

// waitWhilePaused blocks until the session is resumed or ctx is canceled.
func (s *StreamingIndexer) waitWhilePaused(ctx context.Context) {
	s.mu.Lock()
	gate := s.pauseGate
	s.mu.Unlock()
	if gate == nil {
		return
	}
	select {
	case <-gate:
	case <-ctx.Done():
	}
}

func progressPercent(sess *domain.Session) float64 {
	span := sess.TargetBlock - sess.StartBlock + 1
	if span == 0 {
		return 100
	}
	done := sess.CurrentBlock - sess.StartBlock + 1
	p := float64(done) / float64(span) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Pause stops head polling without tearing the session down. The in-flight
// chunk, if any, still completes.
func (s *StreamingIndexer) Pause() error {
	s.mu.Lock()
	if !domain.CanTransition(s.sess.Status, domain.SessionPaused) {
		s.mu.Unlock()
		return fmt.Errorf("cannot pause session in status %s", s.sess.Status)
	}
	s.sess.Status = domain.SessionPaused
	now := time.Now()
	s.sess.PausedAt = &now
	s.paused = true
	s.pauseGate = make(chan struct{})
	if s.ticker != nil {
		s.ticker.Stop()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(snap)
	s.log.Info("session paused")
	return nil
}

// Resume re-arms head polling after a pause.
func (s *StreamingIndexer) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !domain.CanTransition(s.sess.Status, domain.SessionRunning) {
		return fmt.Errorf("cannot resume session in status %s", s.sess.Status)
	}
	s.sess.Status = domain.SessionRunning
	s.sess.PausedAt = nil
	s.paused = false
	if s.pauseGate != nil {
		close(s.pauseGate)
		s.pauseGate = nil
	}
	if s.ticker != nil {
		s.ticker.Reset(s.pollInterval)
	}
	s.log.Info("session resumed")
	return nil
}

// Stop terminally shuts the session down, persisting a final snapshot.
func (s *StreamingIndexer) Stop() error {
	s.mu.Lock()
	if !domain.CanTransition(s.sess.Status, domain.SessionStopped) {
		s.mu.Unlock()
		return fmt.Errorf("cannot stop session in status %s", s.sess.Status)
	}
	s.sess.Status = domain.SessionStopped
	now := time.Now()
	s.sess.CompletedAt = &now
	if s.cancel != nil {
		s.cancel()
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(snap)
	s.log.Info("session stopped", "current_block", snap.CurrentBlock)
	return nil
}

func (s *StreamingIndexer) fail(err error) {
	s.mu.Lock()
	if !domain.CanTransition(s.sess.Status, domain.SessionFailed) {
		s.mu.Unlock()
		s.log.Warn("discarding failure on terminal session", "error", err)
		return
	}
	s.sess.Status = domain.SessionFailed
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(snap)
	s.log.Error("session failed", "error", err)
}

// finish marks a non-continuous session complete once the backfill is done.
func (s *StreamingIndexer) finish() {
	s.mu.Lock()
	if !domain.CanTransition(s.sess.Status, domain.SessionStopped) {
		s.mu.Unlock()
		return
	}
	s.sess.Status = domain.SessionStopped
	now := time.Now()
	s.sess.CompletedAt = &now
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.persistSnapshot(snap)
	s.log.Info("backfill complete", "blocks", snap.CurrentBlock-snap.StartBlock+1)
}

func (s *StreamingIndexer) persistSnapshot(snap domain.SessionSnapshot) {
	if s.persist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.persist(ctx, snap); err != nil {
		metrics.SnapshotSaves.WithLabelValues("error").Inc()
		s.log.Warn("persist snapshot failed", "error", err)
		return
	}
	metrics.SnapshotSaves.WithLabelValues("ok").Inc()
}

func (s *StreamingIndexer) snapshotLocked() domain.SessionSnapshot {
	return domain.SessionSnapshot{
		UserID:          s.sess.UserID,
		ContractAddress: s.sess.ContractAddress.Hex(),
		ChainID:         s.sess.ChainID,
		Status:          s.sess.Status,
		Tier:            s.sess.Tier,
		DeploymentBlock: s.sess.DeploymentBlock,
		StartBlock:      s.sess.StartBlock,
		CurrentBlock:    s.sess.CurrentBlock,
		TargetBlock:     s.sess.TargetBlock,
		Metrics:         s.sess.Metrics,
		FailedRanges:    append([]domain.BlockRange(nil), s.sess.FailedRanges...),
		SavedAt:         time.Now(),
	}
}

// Snapshot returns the current persisted form of the session.
func (s *StreamingIndexer) Snapshot() domain.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Status returns the session's lifecycle state.
func (s *StreamingIndexer) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Status
}

// UserID returns the owning user.
func (s *StreamingIndexer) UserID() string {
	return s.sess.UserID
}

// ContractAddress returns the indexed contract.
func (s *StreamingIndexer) ContractAddress() common.Address {
	return s.sess.ContractAddress
}

// Done is closed when the run goroutine has exited.
func (s *StreamingIndexer) Done() <-chan struct{} {
	return s.done
}

func (s *StreamingIndexer) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
