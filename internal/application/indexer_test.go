package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"evmindex/internal/domain"
)

type mockSource struct {
	latest   uint64
	blocks   map[uint64]*domain.CommittedBlock
	failures map[uint64]error
}

func (m *mockSource) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return m.latest, nil
}
func (m *mockSource) ChainID(ctx context.Context) (uint64, error) {
	return 7, nil
}
func (m *mockSource) CommittedBlock(ctx context.Context, number uint64) (*domain.CommittedBlock, error) {
	if err := m.failures[number]; err != nil {
		return nil, err
	}
	return m.blocks[number], nil
}

type mockState struct {
	archive *mockArchive
}

func (m *mockState) LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	last, ok := m.archive.lastBlock[chainID]
	return last, ok, nil
}

type mockIndexerObserver struct {
	latest  uint64
	batches [][2]uint64
	logs    int
}

func (m *mockIndexerObserver) OnLatestBlock(block uint64) { m.latest = block }
func (m *mockIndexerObserver) OnBatchProcessed(fromBlock, toBlock uint64, logCount int) {
	m.batches = append(m.batches, [2]uint64{fromBlock, toBlock})
	m.logs += logCount
}

func committedAt(number uint64, logs int) *domain.CommittedBlock {
	hash := common.Hash{0xb0, byte(number)}
	tx := common.Hash{byte(number), 0xff}
	receipt := domain.Receipt{TxHash: tx, BlockNumber: number, BlockHash: hash, Status: domain.StatusCommitted}
	for i := 0; i < logs; i++ {
		receipt.Logs = append(receipt.Logs, domain.LogEntry{BlockNumber: number, BlockHash: hash, TxHash: tx, LogIndex: uint64(i)})
	}
	return &domain.CommittedBlock{
		Block:        domain.Block{Number: number, Hash: hash, TxHashes: []common.Hash{tx}},
		Transactions: []domain.Transaction{{Hash: tx, BlockNumber: number, BlockHash: hash}},
		Receipts:     []domain.Receipt{receipt},
	}
}

func TestIndexer_RunArchivesUpToHead(t *testing.T) {
	source := &mockSource{latest: 4, blocks: map[uint64]*domain.CommittedBlock{}}
	for n := uint64(0); n <= 4; n++ {
		source.blocks[n] = committedAt(n, int(n%2))
	}
	repo := &mockArchive{}
	observer := &mockIndexerObserver{}
	indexer, err := NewIndexer(source, repo, &mockState{archive: repo}, observer, IndexerConfig{
		BatchSize:    2,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewIndexer failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := indexer.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	if len(repo.blocks) != 5 {
		t.Errorf("expected 5 blocks, got %d", len(repo.blocks))
	}
	if len(repo.transactions) != 5 || len(repo.receipts) != 5 {
		t.Errorf("expected 5 txs and receipts, got %d and %d", len(repo.transactions), len(repo.receipts))
	}
	if len(repo.logs) != 2 {
		t.Errorf("expected 2 logs, got %d", len(repo.logs))
	}
	if repo.lastBlock[7] != 4 {
		t.Errorf("expected last processed 4, got %d", repo.lastBlock[7])
	}
	want := [][2]uint64{{0, 1}, {2, 3}, {4, 4}}
	if len(observer.batches) != len(want) {
		t.Fatalf("expected batches %v, got %v", want, observer.batches)
	}
	for i := range want {
		if observer.batches[i] != want[i] {
			t.Errorf("batch %d: expected %v, got %v", i, want[i], observer.batches[i])
		}
	}
	if observer.latest != 4 || observer.logs != 2 {
		t.Errorf("unexpected observer state: latest %d logs %d", observer.latest, observer.logs)
	}
}

func TestIndexer_IndexRangeMissingBlock(t *testing.T) {
	source := &mockSource{latest: 1, blocks: map[uint64]*domain.CommittedBlock{0: committedAt(0, 0)}}
	repo := &mockArchive{}
	indexer, err := NewIndexer(source, repo, &mockState{archive: repo}, nil, IndexerConfig{})
	if err != nil {
		t.Fatalf("NewIndexer failed: %v", err)
	}

	_, err = indexer.IndexRange(context.Background(), 7, 0, 1)
	if !errors.Is(err, ErrBlockUnavailable) {
		t.Fatalf("expected ErrBlockUnavailable, got %v", err)
	}
	if len(repo.blocks) != 0 {
		t.Errorf("nothing should be stored for a partial range, got %d blocks", len(repo.blocks))
	}
	if _, ok := repo.lastBlock[7]; ok {
		t.Error("progress must not advance on a partial range")
	}
}

func TestIndexer_RunStopsOnEvictedReceipts(t *testing.T) {
	source := &mockSource{
		latest:   2,
		blocks:   map[uint64]*domain.CommittedBlock{0: committedAt(0, 1), 2: committedAt(2, 0)},
		failures: map[uint64]error{1: domain.ErrReceiptNotFound},
	}
	repo := &mockArchive{}
	indexer, err := NewIndexer(source, repo, &mockState{archive: repo}, nil, IndexerConfig{
		BatchSize:    3,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewIndexer failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := indexer.Run(ctx); !errors.Is(err, domain.ErrReceiptNotFound) {
		t.Fatalf("expected ErrReceiptNotFound, got %v", err)
	}
	if len(repo.blocks) != 0 || len(repo.receipts) != 0 || len(repo.logs) != 0 {
		t.Errorf("nothing of the batch should be stored, got %d blocks %d receipts %d logs",
			len(repo.blocks), len(repo.receipts), len(repo.logs))
	}
	if _, ok := repo.lastBlock[7]; ok {
		t.Error("progress must not advance past a block with evicted receipts")
	}
}
