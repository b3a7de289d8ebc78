package application

import (
	"context"
	"errors"
	"time"

	"evmindex/internal/domain"
)

// BlockSource reads committed blocks back from a node.
type BlockSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (uint64, error)
	CommittedBlock(ctx context.Context, number uint64) (*domain.CommittedBlock, error)
}

type StateRepository interface {
	LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error)
}

type IndexerObserver interface {
	OnLatestBlock(block uint64)
	OnBatchProcessed(fromBlock, toBlock uint64, logCount int)
}

type IndexerConfig struct {
	StartBlock   uint64
	PollInterval time.Duration
	BatchSize    uint64
}

// Indexer polls a node for committed blocks and writes them to the
// archive. It is the archiver's fallback when no export stream is
// configured.
type Indexer struct {
	source   BlockSource
	repo     ArchiveRepository
	state    StateRepository
	observer IndexerObserver
	cfg      IndexerConfig
}

var ErrBlockUnavailable = errors.New("block unavailable")

func NewIndexer(source BlockSource, repo ArchiveRepository, state StateRepository, observer IndexerObserver, cfg IndexerConfig) (*Indexer, error) {
	if source == nil || repo == nil || state == nil {
		return nil, errors.New("indexer dependencies must not be nil")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Indexer{source: source, repo: repo, state: state, observer: observer, cfg: cfg}, nil
}

func (i *Indexer) Run(ctx context.Context) error {
	chainID, err := i.source.ChainID(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		current := i.cfg.StartBlock
		if last, ok, err := i.state.LastProcessedBlock(ctx, chainID); err != nil {
			return err
		} else if ok {
			current = last + 1
		}

		latest, err := i.source.LatestBlockNumber(ctx)
		if err != nil {
			return err
		}
		if i.observer != nil {
			i.observer.OnLatestBlock(latest)
		}
		if current > latest {
			if err := i.wait(ctx); err != nil {
				return err
			}
			continue
		}

		toBlock := current + i.cfg.BatchSize - 1
		if toBlock > latest {
			toBlock = latest
		}
		logCount, err := i.IndexRange(ctx, chainID, current, toBlock)
		if errors.Is(err, ErrBlockUnavailable) {
			if err := i.wait(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		if i.observer != nil {
			i.observer.OnBatchProcessed(current, toBlock, logCount)
		}
	}
}

// IndexRange fetches blocks [from, to] and stores them with their
// transactions, receipts and logs, then advances the progress marker.
func (i *Indexer) IndexRange(ctx context.Context, chainID, from, to uint64) (int, error) {
	var (
		blocks   []domain.Block
		txs      []domain.Transaction
		receipts []domain.Receipt
		logs     []domain.LogEntry
	)
	for number := from; number <= to; number++ {
		committed, err := i.source.CommittedBlock(ctx, number)
		if err != nil {
			return 0, err
		}
		if committed == nil {
			return 0, ErrBlockUnavailable
		}
		blocks = append(blocks, committed.Block)
		txs = append(txs, committed.Transactions...)
		receipts = append(receipts, committed.Receipts...)
		logs = append(logs, committed.Logs()...)
	}

	if err := i.repo.StoreBlocks(ctx, chainID, blocks); err != nil {
		return 0, err
	}
	if len(txs) > 0 {
		if err := i.repo.StoreTransactions(ctx, chainID, txs); err != nil {
			return 0, err
		}
	}
	if len(receipts) > 0 {
		if err := i.repo.StoreReceipts(ctx, chainID, receipts); err != nil {
			return 0, err
		}
	}
	if len(logs) > 0 {
		if err := i.repo.StoreLogs(ctx, chainID, logs); err != nil {
			return 0, err
		}
	}
	if err := i.repo.SetLastProcessedBlock(ctx, chainID, to); err != nil {
		return 0, err
	}
	return len(logs), nil
}

func (i *Indexer) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(i.cfg.PollInterval):
		return nil
	}
}
