package leveldb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	ldb "github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"evmindex/internal/domain"
)

var (
	prefixNativeIdentity   = []byte("idn:")
	prefixExternalIdentity = []byte("ide:")
	prefixReceipt          = []byte("rc:")
	prefixReceiptQueue     = []byte("rq:")
	prefixEvmHash          = []byte("ev:")
	prefixTransaction      = []byte("tx:")
	prefixBlockNumber      = []byte("bn:")
	prefixBlockHash        = []byte("bh:")
	prefixBlockBloom       = []byte("bf:")
	prefixBlockLogs        = []byte("lg:")

	keyHead         = []byte("hd")
	keyReceiptsHead = []byte("rm:head")
	keyReceiptsTail = []byte("rm:tail")
)

type Options struct {
	// Path is the leveldb directory. Empty opens an in-memory store.
	Path             string
	ReceiptsMax      uint64
	ReceiptCacheSize int
}

// Store keeps blocks, transactions, receipts, logs and identity mappings.
// Block commits are single atomic leveldb batches.
type Store struct {
	db       *ldb.DB
	codec    *Codec
	receipts *lru.Cache[common.Hash, domain.Receipt]
	max      uint64

	// writeMu serializes block commits and mapping inserts so that
	// check-then-write sequences observe a stable view.
	writeMu sync.Mutex
	// cacheMu keeps receipt cache fills from racing evictions.
	cacheMu sync.RWMutex
}

func Open(opts Options) (*Store, error) {
	var (
		db  *ldb.DB
		err error
	)
	if opts.Path == "" {
		db, err = ldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = ldb.OpenFile(opts.Path, &opt.Options{})
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb: %w", err)
	}
	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	size := opts.ReceiptCacheSize
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[common.Hash, domain.Receipt](size)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:       db,
		codec:    codec,
		receipts: cache,
		max:      opts.ReceiptsMax,
	}, nil
}

func (s *Store) Close() error {
	s.codec.Close()
	return s.db.Close()
}

func (s *Store) get(key []byte, value any) (bool, error) {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, ldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := s.codec.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) getRaw(key []byte) ([]byte, bool, error) {
	data, err := s.db.Get(key, nil)
	if errors.Is(err, ldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *Store) getUint(key []byte) (uint64, bool, error) {
	data, ok, err := s.getRaw(key)
	if err != nil || !ok {
		return 0, ok, err
	}
	if len(data) != 8 {
		return 0, false, fmt.Errorf("corrupt counter %q", key)
	}
	return binary.BigEndian.Uint64(data), true, nil
}

// Head returns the latest committed block.
func (s *Store) Head(ctx context.Context) (domain.Block, bool, error) {
	number, ok, err := s.getUint(keyHead)
	if err != nil || !ok {
		return domain.Block{}, false, err
	}
	block, err := s.BlockByNumber(ctx, number)
	if err != nil {
		return domain.Block{}, false, err
	}
	return block, true, nil
}

func (s *Store) BlockByNumber(_ context.Context, number uint64) (domain.Block, error) {
	var block domain.Block
	ok, err := s.get(key(prefixBlockNumber, encodeUint(number)), &block)
	if err != nil {
		return domain.Block{}, err
	}
	if !ok {
		return domain.Block{}, domain.ErrBlockNotFound
	}
	return block, nil
}

func (s *Store) BlockByHash(ctx context.Context, hash common.Hash) (domain.Block, error) {
	number, ok, err := s.getUint(key(prefixBlockHash, hash.Bytes()))
	if err != nil {
		return domain.Block{}, err
	}
	if !ok {
		return domain.Block{}, domain.ErrBlockNotFound
	}
	return s.BlockByNumber(ctx, number)
}

// Transaction returns an included transaction by canonical hash.
func (s *Store) Transaction(_ context.Context, hash common.Hash) (domain.Transaction, error) {
	var tx domain.Transaction
	ok, err := s.get(key(prefixTransaction, hash.Bytes()), &tx)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !ok {
		return domain.Transaction{}, domain.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *Store) HasTransaction(ctx context.Context, hash common.Hash) (bool, error) {
	_, err := s.Transaction(ctx, hash)
	if errors.Is(err, domain.ErrTransactionNotFound) {
		return false, nil
	}
	return err == nil, err
}

// CanonicalByEvmHash maps an execution hash to the canonical hash.
func (s *Store) CanonicalByEvmHash(_ context.Context, evmHash common.Hash) (common.Hash, error) {
	data, ok, err := s.getRaw(key(prefixEvmHash, evmHash.Bytes()))
	if err != nil {
		return common.Hash{}, err
	}
	if !ok {
		return common.Hash{}, domain.ErrTransactionNotFound
	}
	return common.BytesToHash(data), nil
}

// Receipt returns a receipt unless it was never stored or has been evicted.
func (s *Store) Receipt(_ context.Context, hash common.Hash) (domain.Receipt, error) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if receipt, ok := s.receipts.Get(hash); ok {
		return receipt, nil
	}
	var receipt domain.Receipt
	ok, err := s.get(key(prefixReceipt, hash.Bytes()), &receipt)
	if err != nil {
		return domain.Receipt{}, err
	}
	if !ok {
		return domain.Receipt{}, domain.ErrReceiptNotFound
	}
	s.receipts.Add(hash, receipt)
	return receipt, nil
}

// ReceiptCount returns how many receipts are currently retained.
func (s *Store) ReceiptCount() (uint64, error) {
	head, _, err := s.getUint(keyReceiptsHead)
	if err != nil {
		return 0, err
	}
	tail, _, err := s.getUint(keyReceiptsTail)
	if err != nil {
		return 0, err
	}
	return head - tail, nil
}

// CommitBlock persists a block with its transactions, receipts, logs and
// indices in one batch, evicting the oldest receipts past capacity, and
// moves the head pointer.
func (s *Store) CommitBlock(_ context.Context, committed *domain.CommittedBlock) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	block := committed.Block
	number := encodeUint(block.Number)
	batch := new(ldb.Batch)

	enc, err := s.codec.Marshal(block)
	if err != nil {
		return err
	}
	batch.Put(key(prefixBlockNumber, number), enc)
	batch.Put(key(prefixBlockHash, block.Hash.Bytes()), number)
	batch.Put(key(prefixBlockBloom, number), block.Bloom.Bytes())

	logs := committed.Logs()
	if len(logs) > 0 {
		enc, err := s.codec.Marshal(logs)
		if err != nil {
			return err
		}
		batch.Put(key(prefixBlockLogs, number), enc)
	}

	for _, tx := range committed.Transactions {
		enc, err := s.codec.Marshal(tx)
		if err != nil {
			return err
		}
		batch.Put(key(prefixTransaction, tx.Hash.Bytes()), enc)
		batch.Put(key(prefixEvmHash, tx.EvmHash.Bytes()), tx.Hash.Bytes())
	}

	evicted, err := s.appendReceipts(batch, committed.Receipts)
	if err != nil {
		return err
	}
	batch.Put(keyHead, number)

	s.cacheMu.Lock()
	err = s.db.Write(batch, &opt.WriteOptions{Sync: true})
	for _, hash := range evicted {
		s.receipts.Remove(hash)
	}
	s.cacheMu.Unlock()
	if err != nil {
		return fmt.Errorf("write block %d: %w", block.Number, err)
	}
	if len(evicted) > 0 {
		slog.Debug("receipts evicted", "block", block.Number, "count", len(evicted))
	}
	return nil
}

func (s *Store) appendReceipts(batch *ldb.Batch, receipts []domain.Receipt) ([]common.Hash, error) {
	if len(receipts) == 0 {
		return nil, nil
	}
	head, _, err := s.getUint(keyReceiptsHead)
	if err != nil {
		return nil, err
	}
	tail, _, err := s.getUint(keyReceiptsTail)
	if err != nil {
		return nil, err
	}

	start := head
	for _, receipt := range receipts {
		enc, err := s.codec.Marshal(receipt)
		if err != nil {
			return nil, err
		}
		batch.Put(key(prefixReceipt, receipt.TxHash.Bytes()), enc)
		batch.Put(key(prefixReceiptQueue, encodeUint(head)), receipt.TxHash.Bytes())
		head++
	}

	var evicted []common.Hash
	for s.max > 0 && head-tail > s.max {
		var hash common.Hash
		if tail >= start {
			hash = receipts[tail-start].TxHash
		} else {
			data, ok, err := s.getRaw(key(prefixReceiptQueue, encodeUint(tail)))
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("receipt queue entry %d missing", tail)
			}
			hash = common.BytesToHash(data)
		}
		batch.Delete(key(prefixReceipt, hash.Bytes()))
		batch.Delete(key(prefixReceiptQueue, encodeUint(tail)))
		evicted = append(evicted, hash)
		tail++
	}

	batch.Put(keyReceiptsHead, encodeUint(head))
	batch.Put(keyReceiptsTail, encodeUint(tail))
	return evicted, nil
}

func key(prefix []byte, suffix []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(suffix))
	out = append(out, prefix...)
	return append(out, suffix...)
}

func encodeUint(n uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return buf[:]
}
