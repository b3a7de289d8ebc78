package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"evmindex/internal/domain"
)

type ExecutionSession interface {
	Apply(tx *domain.Transaction) (*domain.Receipt, error)
	Commit() (common.Hash, error)
}

type ExecutionEngine interface {
	Genesis(alloc map[common.Address]*big.Int) (common.Hash, error)
	HasState(root common.Hash) bool
	Begin(parent common.Hash, env domain.BlockEnv) (ExecutionSession, error)
}

type ChainStore interface {
	CommitBlock(ctx context.Context, committed *domain.CommittedBlock) error
	Head(ctx context.Context) (domain.Block, bool, error)
	BlockByNumber(ctx context.Context, number uint64) (domain.Block, error)
	BlockByHash(ctx context.Context, hash common.Hash) (domain.Block, error)
	Transaction(ctx context.Context, hash common.Hash) (domain.Transaction, error)
	HasTransaction(ctx context.Context, hash common.Hash) (bool, error)
	CanonicalByEvmHash(ctx context.Context, evmHash common.Hash) (common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (domain.Receipt, error)
}

type LogIndex interface {
	IndexLogs(ctx context.Context, block domain.Block, logs []domain.LogEntry) error
	QueryLogs(ctx context.Context, filter domain.LogFilter) ([]domain.LogEntry, error)
}

type ProducerObserver interface {
	OnBlockProduced(block domain.Block, dropped int, duration time.Duration)
}

type ProducerConfig struct {
	BlockInterval time.Duration
	BlockGasLimit uint64
	MaxBlockTxs   int
	EmptyBlocks   bool
}

// Producer is the single writer that turns mempool transactions into
// committed blocks.
type Producer struct {
	engine    ExecutionEngine
	store     ChainStore
	logs      LogIndex
	mempool   *Mempool
	sequencer *Sequencer
	fanout    *Fanout
	observer  ProducerObserver
	cfg       ProducerConfig

	mu   sync.RWMutex
	head domain.Block
}

// NewProducer wires the block pipeline. logs is an optional secondary log
// index and may be nil when the chain store answers log queries itself.
func NewProducer(engine ExecutionEngine, store ChainStore, logs LogIndex, mempool *Mempool, sequencer *Sequencer, fanout *Fanout, observer ProducerObserver, cfg ProducerConfig) (*Producer, error) {
	if engine == nil || store == nil || mempool == nil || sequencer == nil || fanout == nil {
		return nil, errors.New("producer dependencies must not be nil")
	}
	if cfg.BlockInterval <= 0 {
		cfg.BlockInterval = time.Second
	}
	if cfg.BlockGasLimit == 0 {
		cfg.BlockGasLimit = 30_000_000
	}
	return &Producer{
		engine:    engine,
		store:     store,
		logs:      logs,
		mempool:   mempool,
		sequencer: sequencer,
		fanout:    fanout,
		observer:  observer,
		cfg:       cfg,
	}, nil
}

// Init loads the committed head, creating the genesis block on first start.
func (p *Producer) Init(ctx context.Context, alloc map[common.Address]*big.Int) error {
	head, ok, err := p.store.Head(ctx)
	if err != nil {
		return err
	}
	if ok {
		if !p.engine.HasState(head.StateRoot) {
			return fmt.Errorf("state for head %d (%s) is missing", head.Number, head.StateRoot.Hex())
		}
		p.setHead(head)
		slog.Info("chain loaded", "head", head.Number, "hash", head.Hash.Hex())
		return nil
	}

	root, err := p.engine.Genesis(alloc)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	genesis := domain.Block{
		Number:    0,
		Timestamp: uint64(time.Now().Unix()),
		StateRoot: root,
		GasLimit:  p.cfg.BlockGasLimit,
	}
	genesis.Seal()
	if err := p.store.CommitBlock(ctx, &domain.CommittedBlock{Block: genesis}); err != nil {
		return fmt.Errorf("store genesis: %w", err)
	}
	p.setHead(genesis)
	slog.Info("genesis created", "hash", genesis.Hash.Hex(), "root", root.Hex(), "accounts", len(alloc))
	return nil
}

// Head returns the latest committed block.
func (p *Producer) Head() domain.Block {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

func (p *Producer) setHead(block domain.Block) {
	p.mu.Lock()
	p.head = block
	p.mu.Unlock()
}

func (p *Producer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.BlockInterval):
		}
		if _, err := p.ProduceBlock(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

// ProduceBlock executes pending transactions and commits them as the next
// block. It returns nil without error when there is nothing to commit.
// Any returned error is fatal to the chain.
func (p *Producer) ProduceBlock(ctx context.Context) (*domain.CommittedBlock, error) {
	parent := p.Head()
	txs := p.mempool.Drain(p.cfg.MaxBlockTxs, p.cfg.BlockGasLimit)
	if len(txs) == 0 && !p.cfg.EmptyBlocks {
		return nil, nil
	}
	defer p.sequencer.Settle(txs)

	start := time.Now()
	ctx, span := otel.Tracer("evmindex/producer").Start(ctx, "producer.produce_block")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("block.number", int64(parent.Number+1)),
		attribute.Int("block.candidates", len(txs)),
	)

	committed, dropped, err := p.execute(ctx, parent, txs)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := p.store.CommitBlock(ctx, committed); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("commit block %d: %w", committed.Block.Number, err)
	}
	if p.logs != nil {
		if err := p.logs.IndexLogs(ctx, committed.Block, committed.Logs()); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("index logs of block %d: %w", committed.Block.Number, err)
		}
	}
	p.setHead(committed.Block)
	p.fanout.Publish(committed)

	duration := time.Since(start)
	span.SetAttributes(attribute.Int("block.txs", len(committed.Transactions)), attribute.Int("block.dropped", dropped))
	if p.observer != nil {
		p.observer.OnBlockProduced(committed.Block, dropped, duration)
	}
	slog.Info("block committed",
		"number", committed.Block.Number,
		"hash", committed.Block.Hash.Hex(),
		"txs", len(committed.Transactions),
		"dropped", dropped,
		"gas_used", committed.Block.GasUsed,
		"duration", duration,
	)
	return committed, nil
}

func (p *Producer) execute(ctx context.Context, parent domain.Block, txs []*domain.Transaction) (*domain.CommittedBlock, int, error) {
	timestamp := uint64(time.Now().Unix())
	if timestamp <= parent.Timestamp {
		timestamp = parent.Timestamp + 1
	}
	env := domain.BlockEnv{
		Number:   parent.Number + 1,
		Time:     timestamp,
		GasLimit: p.cfg.BlockGasLimit,
		GetHash:  p.hashLookup(ctx),
	}
	session, err := p.engine.Begin(parent.StateRoot, env)
	if err != nil {
		return nil, 0, fmt.Errorf("open state %s: %w", parent.StateRoot.Hex(), err)
	}

	committed := &domain.CommittedBlock{}
	dropped := 0
	for _, tx := range txs {
		receipt, err := session.Apply(tx)
		if err != nil {
			dropped++
			slog.Warn("transaction dropped", "hash", tx.Hash.Hex(), "from", tx.From.Hex(), "nonce", tx.Nonce, "error", err)
			continue
		}
		included := *tx
		included.BlockNumber = env.Number
		included.TxIndex = receipt.TxIndex
		committed.Transactions = append(committed.Transactions, included)
		committed.Receipts = append(committed.Receipts, *receipt)
	}

	root, err := session.Commit()
	if err != nil {
		return nil, 0, err
	}

	block := domain.Block{
		Number:     env.Number,
		ParentHash: parent.Hash,
		Timestamp:  env.Time,
		StateRoot:  root,
		GasLimit:   env.GasLimit,
	}
	for _, tx := range committed.Transactions {
		block.TxHashes = append(block.TxHashes, tx.Hash)
	}
	if n := len(committed.Receipts); n > 0 {
		block.GasUsed = committed.Receipts[n-1].CumulativeGasUsed
	}
	block.Bloom = domain.BloomFor(committed.Logs())
	block.Seal()

	for i := range committed.Transactions {
		committed.Transactions[i].BlockHash = block.Hash
	}
	for i := range committed.Receipts {
		receipt := &committed.Receipts[i]
		receipt.BlockHash = block.Hash
		for j := range receipt.Logs {
			receipt.Logs[j].BlockHash = block.Hash
		}
	}
	committed.Block = block
	return committed, dropped, nil
}

func (p *Producer) hashLookup(ctx context.Context) func(uint64) common.Hash {
	return func(number uint64) common.Hash {
		block, err := p.store.BlockByNumber(ctx, number)
		if err != nil {
			return common.Hash{}
		}
		return block.Hash
	}
}
