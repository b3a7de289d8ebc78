package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"evmindex/internal/domain"
	"evmindex/internal/streaming"
)

type chainRecords struct {
	logs         []domain.LogEntry
	blocks       []domain.Block
	transactions []domain.Transaction
	receipts     []domain.Receipt
	maxBlock     uint64
	hasBlock     bool
}

// Batch accumulates decoded export messages until they are flushed to the
// archive and their offsets committed.
type Batch struct {
	chains    map[uint64]*chainRecords
	messages  []kafka.Message
	minOffset map[int]int64
	maxOffset map[int]int64
}

func NewBatch() *Batch {
	return &Batch{
		chains:    make(map[uint64]*chainRecords),
		minOffset: make(map[int]int64),
		maxOffset: make(map[int]int64),
	}
}

// Add maps msg into the batch. A malformed message returns an error and
// is not added.
func (b *Batch) Add(msg streaming.Message, kafkaMsg kafka.Message) error {
	records, ok := b.chains[msg.ChainID]
	if !ok {
		records = &chainRecords{}
	}
	switch msg.Type {
	case streaming.MessageTypeLog:
		entry, err := MapToLogEntry(msg)
		if err != nil {
			return err
		}
		records.logs = append(records.logs, entry)
	case streaming.MessageTypeBlock:
		block, err := MapToBlock(msg)
		if err != nil {
			return err
		}
		records.blocks = append(records.blocks, block)
		if !records.hasBlock || block.Number > records.maxBlock {
			records.maxBlock = block.Number
			records.hasBlock = true
		}
	case streaming.MessageTypeTransaction:
		tx, err := MapToTransaction(msg)
		if err != nil {
			return err
		}
		records.transactions = append(records.transactions, tx)
	case streaming.MessageTypeReceipt:
		receipt, err := MapToReceipt(msg)
		if err != nil {
			return err
		}
		records.receipts = append(records.receipts, receipt)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	b.chains[msg.ChainID] = records
	b.messages = append(b.messages, kafkaMsg)

	partition := kafkaMsg.Partition
	offset := kafkaMsg.Offset
	if min, ok := b.minOffset[partition]; !ok || offset < min {
		b.minOffset[partition] = offset
	}
	if max, ok := b.maxOffset[partition]; !ok || offset > max {
		b.maxOffset[partition] = offset
	}
	return nil
}

func (b *Batch) Len() int {
	return len(b.messages)
}

type Committer interface {
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Flush writes blocks, transactions, receipts and logs, advances each
// chain's progress marker, then commits the Kafka offsets.
func (b *Batch) Flush(ctx context.Context, repo ArchiveRepository, committer Committer) error {
	if b.Len() == 0 {
		return nil
	}

	start := time.Now()
	var counts struct{ logs, blocks, txs, receipts int }
	for chainID, records := range b.chains {
		if len(records.blocks) > 0 {
			if err := repo.StoreBlocks(ctx, chainID, records.blocks); err != nil {
				return fmt.Errorf("failed to store blocks: %w", err)
			}
		}
		if len(records.transactions) > 0 {
			if err := repo.StoreTransactions(ctx, chainID, records.transactions); err != nil {
				return fmt.Errorf("failed to store transactions: %w", err)
			}
		}
		if len(records.receipts) > 0 {
			if err := repo.StoreReceipts(ctx, chainID, records.receipts); err != nil {
				return fmt.Errorf("failed to store receipts: %w", err)
			}
		}
		if len(records.logs) > 0 {
			if err := repo.StoreLogs(ctx, chainID, records.logs); err != nil {
				return fmt.Errorf("failed to store logs: %w", err)
			}
		}
		if records.hasBlock {
			if err := repo.SetLastProcessedBlock(ctx, chainID, records.maxBlock); err != nil {
				return fmt.Errorf("failed to update state for chain %d: %w", chainID, err)
			}
		}
		counts.logs += len(records.logs)
		counts.blocks += len(records.blocks)
		counts.txs += len(records.transactions)
		counts.receipts += len(records.receipts)
	}

	if err := committer.CommitMessages(ctx, b.messages...); err != nil {
		return fmt.Errorf("failed to commit kafka messages: %w", err)
	}

	slog.Info("flushed batch",
		"count", b.Len(),
		"logs", counts.logs,
		"blocks", counts.blocks,
		"txs", counts.txs,
		"receipts", counts.receipts,
		"duration", time.Since(start),
	)

	b.Reset()
	return nil
}

// LastBlock returns the highest block seen for chainID in this batch.
func (b *Batch) LastBlock(chainID uint64) (uint64, bool) {
	records, ok := b.chains[chainID]
	if !ok || !records.hasBlock {
		return 0, false
	}
	return records.maxBlock, true
}

func (b *Batch) Reset() {
	clear(b.chains)
	b.messages = b.messages[:0]
	clear(b.minOffset)
	clear(b.maxOffset)
}
