package chunk

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/chainpulse/indexer/internal/core/domain"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name   string
		start  uint64
		target uint64
		size   uint64
		want   []domain.BlockRange
	}{
		{
			name:   "exact multiple plus remainder",
			start:  1_000_000,
			target: 1_450_000,
			size:   200_000,
			want: []domain.BlockRange{
				{From: 1_000_000, To: 1_199_999},
				{From: 1_200_000, To: 1_399_999},
				{From: 1_400_000, To: 1_450_000},
			},
		},
		{
			name:   "single block",
			start:  42,
			target: 42,
			size:   200_000,
			want:   []domain.BlockRange{{From: 42, To: 42}},
		},
		{
			name:   "range smaller than chunk",
			start:  10,
			target: 500,
			size:   200_000,
			want:   []domain.BlockRange{{From: 10, To: 500}},
		},
		{
			name:   "exact multiple",
			start:  0,
			target: 399_999,
			size:   200_000,
			want: []domain.BlockRange{
				{From: 0, To: 199_999},
				{From: 200_000, To: 399_999},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks, err := Partition(tt.start, tt.target, tt.size)
			if err != nil {
				t.Fatalf("Partition: %v", err)
			}
			if len(chunks) != len(tt.want) {
				t.Fatalf("expected %d chunks, got %d", len(tt.want), len(chunks))
			}
			for i, w := range tt.want {
				c := chunks[i]
				if c.StartBlock != w.From || c.EndBlock != w.To {
					t.Errorf("chunk %d: expected [%d, %d], got [%d, %d]",
						i, w.From, w.To, c.StartBlock, c.EndBlock)
				}
				if c.Index != i {
					t.Errorf("chunk %d: index %d", i, c.Index)
				}
				if c.Status != domain.ChunkPending {
					t.Errorf("chunk %d: status %s", i, c.Status)
				}
			}
			// No gaps, no overlaps.
			for i := 1; i < len(chunks); i++ {
				if chunks[i].StartBlock != chunks[i-1].EndBlock+1 {
					t.Errorf("gap or overlap between chunk %d and %d", i-1, i)
				}
			}
			if chunks[0].StartBlock != tt.start || chunks[len(chunks)-1].EndBlock != tt.target {
				t.Error("chunks do not cover the full range")
			}
		})
	}
}

func TestPartitionRejectsInvertedRange(t *testing.T) {
	if _, err := Partition(100, 99, 200_000); err == nil {
		t.Fatal("expected error for target before start")
	}
	if _, err := Partition(0, 10, 0); err == nil {
		t.Fatal("expected error for zero chunk size")
	}
}

// fakeFetcher returns canned logs per range and can fail specific chunks.
type fakeFetcher struct {
	logsPerChunk int
	failRanges   map[uint64]error // keyed by fromBlock
	calls        []domain.BlockRange
}

func (f *fakeFetcher) FetchLogs(ctx context.Context, chainID string, address common.Address, fromBlock, toBlock uint64) ([]types.Log, error) {
	f.calls = append(f.calls, domain.BlockRange{From: fromBlock, To: toBlock})
	if err, ok := f.failRanges[fromBlock]; ok {
		return nil, err
	}
	logs := make([]types.Log, f.logsPerChunk)
	for i := range logs {
		logs[i] = types.Log{
			BlockNumber: fromBlock,
			TxHash:      common.BigToHash(common.Big1),
			Index:       uint(i),
		}
	}
	return logs, nil
}

func newTestSession() *domain.Session {
	return &domain.Session{
		UserID:          "user-1",
		ContractAddress: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		ChainID:         "1",
		Status:          domain.SessionRunning,
	}
}

func TestProcessRangeFoldsMetricsInOrder(t *testing.T) {
	f := &fakeFetcher{logsPerChunk: 3}
	m := NewManager(f, 200_000, nil)
	sess := newTestSession()

	var seen []int
	err := m.ProcessRange(context.Background(), sess, 1_000_000, 1_450_000, func(c *domain.Chunk, total int) {
		if total != 3 {
			t.Errorf("expected total 3, got %d", total)
		}
		seen = append(seen, c.Index)
	})
	if err != nil {
		t.Fatalf("ProcessRange: %v", err)
	}

	if len(seen) != 3 || seen[0] != 0 || seen[1] != 1 || seen[2] != 2 {
		t.Errorf("chunks not processed in order: %v", seen)
	}
	if sess.Metrics.ChunksProcessed != 3 {
		t.Errorf("expected 3 chunks processed, got %d", sess.Metrics.ChunksProcessed)
	}
	if sess.Metrics.TotalLogs != 9 {
		t.Errorf("expected 9 logs, got %d", sess.Metrics.TotalLogs)
	}
	if want := uint64(450_001); sess.Metrics.TotalBlocksCovered != want {
		t.Errorf("expected %d blocks covered, got %d", want, sess.Metrics.TotalBlocksCovered)
	}
	if sess.CurrentBlock != 1_450_000 {
		t.Errorf("expected current block 1450000, got %d", sess.CurrentBlock)
	}
}

func TestProcessRangeFailedChunkRecordsGapAndContinues(t *testing.T) {
	f := &fakeFetcher{
		logsPerChunk: 2,
		failRanges:   map[uint64]error{1_200_000: errors.New("rpc exhausted")},
	}
	m := NewManager(f, 200_000, nil)
	sess := newTestSession()

	if err := m.ProcessRange(context.Background(), sess, 1_000_000, 1_450_000, nil); err != nil {
		t.Fatalf("ProcessRange: %v", err)
	}

	if len(sess.FailedRanges) != 1 {
		t.Fatalf("expected 1 failed range, got %d", len(sess.FailedRanges))
	}
	gap := sess.FailedRanges[0]
	if gap.From != 1_200_000 || gap.To != 1_399_999 {
		t.Errorf("expected gap [1200000, 1399999], got [%d, %d]", gap.From, gap.To)
	}
	// The failed chunk does not fold, the two completed ones do.
	if sess.Metrics.ChunksProcessed != 2 {
		t.Errorf("expected 2 folded chunks, got %d", sess.Metrics.ChunksProcessed)
	}
	// CurrentBlock still advances past the failure.
	if sess.CurrentBlock != 1_450_000 {
		t.Errorf("expected current block 1450000, got %d", sess.CurrentBlock)
	}
	if len(f.calls) != 3 {
		t.Errorf("expected all 3 chunks attempted, got %d", len(f.calls))
	}
}

func TestProcessRangeStopsOnContextCancel(t *testing.T) {
	f := &fakeFetcher{logsPerChunk: 1}
	m := NewManager(f, 200_000, nil)
	sess := newTestSession()

	ctx, cancel := context.WithCancel(context.Background())
	err := m.ProcessRange(ctx, sess, 1_000_000, 1_450_000, func(c *domain.Chunk, total int) {
		if c.Index == 0 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(f.calls) != 1 {
		t.Errorf("expected processing to stop after first chunk, got %d fetches", len(f.calls))
	}
}

func TestValidateBoundary(t *testing.T) {
	v := NewValidator(nil)

	prev := &domain.Chunk{StartBlock: 0, EndBlock: 199_999}
	contiguous := &domain.Chunk{StartBlock: 200_000, EndBlock: 399_999}
	gapped := &domain.Chunk{StartBlock: 400_000, EndBlock: 599_999}

	if !v.ValidateBoundary(nil, contiguous) {
		t.Error("first chunk should always validate")
	}
	if !v.ValidateBoundary(prev, contiguous) {
		t.Error("contiguous boundary flagged as gap")
	}
	if v.ValidateBoundary(prev, gapped) {
		t.Error("gap not detected")
	}
}

func TestVerifyTransactionContinuity(t *testing.T) {
	v := NewValidator(nil)

	clean := []types.Log{
		{TxHash: common.BigToHash(common.Big1), Index: 0},
		{TxHash: common.BigToHash(common.Big1), Index: 1},
		{TxHash: common.BigToHash(common.Big2), Index: 0},
	}
	if got := v.VerifyTransactionContinuity(clean); got != 0 {
		t.Errorf("expected no duplicates, got %d", got)
	}

	dup := append(clean, types.Log{TxHash: common.BigToHash(common.Big1), Index: 0})
	if got := v.VerifyTransactionContinuity(dup); got != 1 {
		t.Errorf("expected 1 duplicate, got %d", got)
	}
}
