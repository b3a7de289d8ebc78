package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"evmindex/internal/domain"
)

type StateReader interface {
	Nonce(root common.Hash, addr common.Address) (uint64, error)
	Balance(root common.Hash, addr common.Address) (*big.Int, error)
	Code(root common.Hash, addr common.Address) ([]byte, error)
	StorageAt(root common.Hash, addr common.Address, slot common.Hash) (common.Hash, error)
	Call(ctx context.Context, root common.Hash, env domain.BlockEnv, req domain.CallRequest) (*domain.CallResult, error)
	EstimateGas(ctx context.Context, root common.Hash, env domain.BlockEnv, req domain.CallRequest) (uint64, *domain.CallResult, error)
	Trace(ctx context.Context, parent common.Hash, env domain.BlockEnv, prefix []domain.Transaction, target domain.Transaction, opts domain.TraceOptions) (json.RawMessage, error)
}

type HeadReader interface {
	Head() domain.Block
}

type AccountResolver interface {
	AccountFor(ctx context.Context, addr common.Address) (common.Address, error)
}

// BlockSelector picks a committed block by number or hash. The zero value
// selects the latest block.
type BlockSelector struct {
	Number *uint64
	Hash   *common.Hash
}

func (s BlockSelector) Latest() bool {
	return s.Number == nil && s.Hash == nil
}

type QueryConfig struct {
	MaxLogResults int
}

// Query answers reads against the committed head. Nothing above the head
// snapshot taken at the start of a call is visible.
type Query struct {
	head     HeadReader
	store    ChainStore
	logs     LogIndex
	state    StateReader
	accounts AccountResolver
	cfg      QueryConfig
}

func NewQuery(head HeadReader, store ChainStore, logs LogIndex, state StateReader, accounts AccountResolver, cfg QueryConfig) (*Query, error) {
	if head == nil || store == nil || logs == nil || state == nil || accounts == nil {
		return nil, errors.New("query dependencies must not be nil")
	}
	if cfg.MaxLogResults <= 0 {
		cfg.MaxLogResults = 10000
	}
	return &Query{head: head, store: store, logs: logs, state: state, accounts: accounts, cfg: cfg}, nil
}

func (q *Query) Head() domain.Block {
	return q.head.Head()
}

// NonceAt returns the committed nonce of a native account at the head.
func (q *Query) NonceAt(_ context.Context, addr common.Address) (uint64, error) {
	return q.state.Nonce(q.head.Head().StateRoot, addr)
}

func (q *Query) Block(ctx context.Context, sel BlockSelector) (domain.Block, error) {
	head := q.head.Head()
	switch {
	case sel.Hash != nil:
		block, err := q.store.BlockByHash(ctx, *sel.Hash)
		if err != nil {
			return domain.Block{}, err
		}
		if block.Number > head.Number {
			return domain.Block{}, domain.ErrBlockNotFound
		}
		return block, nil
	case sel.Number != nil:
		if *sel.Number > head.Number {
			return domain.Block{}, domain.ErrBlockNotFound
		}
		if *sel.Number == head.Number {
			return head, nil
		}
		return q.store.BlockByNumber(ctx, *sel.Number)
	default:
		return head, nil
	}
}

// BlockTransactions returns the transactions of block in inclusion order.
func (q *Query) BlockTransactions(ctx context.Context, block domain.Block) ([]domain.Transaction, error) {
	txs := make([]domain.Transaction, 0, len(block.TxHashes))
	for _, hash := range block.TxHashes {
		tx, err := q.store.Transaction(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("transaction %s of block %d: %w", hash.Hex(), block.Number, err)
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// canonical maps hash to a canonical hash, accepting execution hashes too.
func (q *Query) canonical(ctx context.Context, hash common.Hash) (common.Hash, error) {
	ok, err := q.store.HasTransaction(ctx, hash)
	if err != nil {
		return common.Hash{}, err
	}
	if ok {
		return hash, nil
	}
	return q.store.CanonicalByEvmHash(ctx, hash)
}

func (q *Query) Transaction(ctx context.Context, hash common.Hash) (domain.Transaction, error) {
	canonical, err := q.canonical(ctx, hash)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, err := q.store.Transaction(ctx, canonical)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.BlockNumber > q.head.Head().Number {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return tx, nil
}

func (q *Query) TransactionByBlockAndIndex(ctx context.Context, sel BlockSelector, index uint64) (domain.Transaction, error) {
	block, err := q.Block(ctx, sel)
	if err != nil {
		return domain.Transaction{}, err
	}
	if index >= uint64(len(block.TxHashes)) {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return q.store.Transaction(ctx, block.TxHashes[index])
}

// Receipt returns the receipt of a canonical or execution hash. Evicted
// receipts return ErrReceiptNotFound.
func (q *Query) Receipt(ctx context.Context, hash common.Hash) (domain.Receipt, error) {
	canonical, err := q.canonical(ctx, hash)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return domain.Receipt{}, domain.ErrReceiptNotFound
	}
	if err != nil {
		return domain.Receipt{}, err
	}
	receipt, err := q.store.Receipt(ctx, canonical)
	if err != nil {
		return domain.Receipt{}, err
	}
	if receipt.BlockNumber > q.head.Head().Number {
		return domain.Receipt{}, domain.ErrReceiptNotFound
	}
	return receipt, nil
}

// CanonicalTxHash resolves a canonical hash by execution hash when one is
// given, otherwise by block position.
func (q *Query) CanonicalTxHash(ctx context.Context, number, index *uint64, evmHash *common.Hash) (common.Hash, error) {
	if evmHash != nil && *evmHash != (common.Hash{}) {
		canonical, err := q.store.CanonicalByEvmHash(ctx, *evmHash)
		if err != nil {
			return common.Hash{}, err
		}
		if _, err := q.Transaction(ctx, canonical); err != nil {
			return common.Hash{}, err
		}
		return canonical, nil
	}
	if number == nil || index == nil {
		return common.Hash{}, fmt.Errorf("%w: block number and index or evm hash required", domain.ErrTransactionNotFound)
	}
	tx, err := q.TransactionByBlockAndIndex(ctx, BlockSelector{Number: number}, *index)
	if err != nil {
		return common.Hash{}, err
	}
	return tx.Hash, nil
}

// StorageAt reads a storage slot at the head. Historical reads are not
// served and return empty bytes.
func (q *Query) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, sel BlockSelector) ([]byte, error) {
	if !sel.Latest() {
		slog.Debug("storage read at explicit block", "address", addr.Hex(), "error", domain.ErrStorageUnavailable)
		return []byte{}, nil
	}
	account, err := q.accounts.AccountFor(ctx, addr)
	if err != nil {
		return nil, err
	}
	value, err := q.state.StorageAt(q.head.Head().StateRoot, account, slot)
	if err != nil {
		return nil, err
	}
	return value.Bytes(), nil
}

func (q *Query) Code(ctx context.Context, addr common.Address, sel BlockSelector) ([]byte, error) {
	block, err := q.Block(ctx, sel)
	if err != nil {
		return nil, err
	}
	return q.state.Code(block.StateRoot, addr)
}

func (q *Query) Balance(ctx context.Context, addr common.Address, sel BlockSelector) (*big.Int, error) {
	block, err := q.Block(ctx, sel)
	if err != nil {
		return nil, err
	}
	account, err := q.accounts.AccountFor(ctx, addr)
	if err != nil {
		return nil, err
	}
	return q.state.Balance(block.StateRoot, account)
}

// TransactionCount returns the committed nonce of addr, resolving mapped
// external addresses to their native account.
func (q *Query) TransactionCount(ctx context.Context, addr common.Address, sel BlockSelector) (uint64, error) {
	block, err := q.Block(ctx, sel)
	if err != nil {
		return 0, err
	}
	account, err := q.accounts.AccountFor(ctx, addr)
	if err != nil {
		return 0, err
	}
	return q.state.Nonce(block.StateRoot, account)
}

func (q *Query) Call(ctx context.Context, req domain.CallRequest, sel BlockSelector) (*domain.CallResult, error) {
	block, err := q.Block(ctx, sel)
	if err != nil {
		return nil, err
	}
	if req.From, err = q.accounts.AccountFor(ctx, req.From); err != nil {
		return nil, err
	}
	return q.state.Call(ctx, block.StateRoot, q.envAt(ctx, block), req)
}

func (q *Query) EstimateGas(ctx context.Context, req domain.CallRequest, sel BlockSelector) (uint64, *domain.CallResult, error) {
	block, err := q.Block(ctx, sel)
	if err != nil {
		return 0, nil, err
	}
	if req.From, err = q.accounts.AccountFor(ctx, req.From); err != nil {
		return 0, nil, err
	}
	return q.state.EstimateGas(ctx, block.StateRoot, q.envAt(ctx, block), req)
}

// Trace replays the block containing hash up to the transaction and
// traces it.
func (q *Query) Trace(ctx context.Context, hash common.Hash, opts domain.TraceOptions) (json.RawMessage, error) {
	tx, err := q.Transaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	block, err := q.store.BlockByNumber(ctx, tx.BlockNumber)
	if err != nil {
		return nil, err
	}
	if block.Number == 0 {
		return nil, fmt.Errorf("%w: genesis has no transactions", domain.ErrTransactionNotFound)
	}
	parent, err := q.store.BlockByNumber(ctx, block.Number-1)
	if err != nil {
		return nil, err
	}
	prefix := make([]domain.Transaction, 0, tx.TxIndex)
	for _, h := range block.TxHashes[:tx.TxIndex] {
		ptx, err := q.store.Transaction(ctx, h)
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, ptx)
	}
	return q.state.Trace(ctx, parent.StateRoot, q.envAt(ctx, block), prefix, tx, opts)
}

// Logs returns logs matching filter up to the head, ordered by block, tx
// index and log index.
func (q *Query) Logs(ctx context.Context, filter domain.LogFilter) ([]domain.LogEntry, error) {
	head := q.head.Head().Number
	if filter.FromBlock != nil && *filter.FromBlock > head {
		return []domain.LogEntry{}, nil
	}
	if filter.ToBlock == nil || *filter.ToBlock > head {
		to := head
		filter.ToBlock = &to
	}
	filter.Limit = q.cfg.MaxLogResults
	logs, err := q.logs.QueryLogs(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(logs) > q.cfg.MaxLogResults {
		return nil, fmt.Errorf("%w: more than %d logs", domain.ErrTooManyResults, q.cfg.MaxLogResults)
	}
	if logs == nil {
		logs = []domain.LogEntry{}
	}
	return logs, nil
}

func (q *Query) envAt(ctx context.Context, block domain.Block) domain.BlockEnv {
	return domain.BlockEnv{
		Number:   block.Number,
		Time:     block.Timestamp,
		GasLimit: block.GasLimit,
		GetHash: func(number uint64) common.Hash {
			b, err := q.store.BlockByNumber(ctx, number)
			if err != nil {
				return common.Hash{}
			}
			return b.Hash
		},
	}
}
