package application

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"evmindex/internal/domain"
	"evmindex/internal/streaming"
)

// ArchiveRepository persists exported chain data, scoped by chain id.
type ArchiveRepository interface {
	StoreLogs(ctx context.Context, chainID uint64, logs []domain.LogEntry) error
	StoreBlocks(ctx context.Context, chainID uint64, blocks []domain.Block) error
	StoreTransactions(ctx context.Context, chainID uint64, transactions []domain.Transaction) error
	StoreReceipts(ctx context.Context, chainID uint64, receipts []domain.Receipt) error
	SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error
}

type LogQueryFilter struct {
	ChainID   *uint64
	Address   string
	TxHash    string
	Topic0    string
	FromBlock *uint64
	ToBlock   *uint64
	Limit     int
}

type TransactionQueryFilter struct {
	ChainID   *uint64
	Address   string
	TxHash    string
	FromBlock *uint64
	ToBlock   *uint64
	Limit     int
}

type BlockQueryFilter struct {
	ChainID   *uint64
	FromBlock *uint64
	ToBlock   *uint64
	Limit     int
}

// BlockMessages flattens a committed block into export records: the block
// first, then each transaction followed by its receipt and logs.
func BlockMessages(chainID uint64, committed *domain.CommittedBlock) []streaming.Message {
	block := committed.Block
	hashes := make([]string, 0, len(block.TxHashes))
	for _, hash := range block.TxHashes {
		hashes = append(hashes, hash.Hex())
	}
	msgs := []streaming.Message{{
		Type:        streaming.MessageTypeBlock,
		ChainID:     chainID,
		BlockNumber: block.Number,
		BlockHash:   block.Hash.Hex(),
		ParentHash:  block.ParentHash.Hex(),
		StateRoot:   block.StateRoot.Hex(),
		Timestamp:   block.Timestamp,
		GasLimit:    block.GasLimit,
		GasUsed:     block.GasUsed,
		TxCount:     uint64(len(hashes)),
		TxHashes:    hashes,
		LogsBloom:   hexutil.Encode(block.Bloom.Bytes()),
	}}

	for i, tx := range committed.Transactions {
		value := "0"
		if tx.Value != nil {
			value = tx.Value.String()
		}
		msgs = append(msgs, streaming.Message{
			Type:         streaming.MessageTypeTransaction,
			ChainID:      chainID,
			BlockNumber:  tx.BlockNumber,
			BlockHash:    tx.BlockHash.Hex(),
			TxHash:       tx.Hash.Hex(),
			EvmTxHash:    tx.EvmHash.Hex(),
			TxIndex:      tx.TxIndex,
			TxKind:       tx.Kind.String(),
			From:         tx.From.Hex(),
			ExternalFrom: optionalHex(tx.ExternalFrom),
			To:           optionalHex(tx.To),
			Nonce:        tx.Nonce,
			Value:        value,
			Gas:          tx.GasLimit,
			Input:        hexutil.Encode(tx.Data),
		})
		if i >= len(committed.Receipts) {
			continue
		}
		receipt := committed.Receipts[i]
		msgs = append(msgs, streaming.Message{
			Type:              streaming.MessageTypeReceipt,
			ChainID:           chainID,
			BlockNumber:       receipt.BlockNumber,
			BlockHash:         receipt.BlockHash.Hex(),
			TxHash:            receipt.TxHash.Hex(),
			EvmTxHash:         receipt.EvmTxHash.Hex(),
			TxIndex:           receipt.TxIndex,
			From:              receipt.From.Hex(),
			ExternalFrom:      optionalHex(receipt.ExternalFrom),
			To:                optionalHex(receipt.To),
			Status:            receipt.Status.String(),
			FailureReason:     receipt.FailureReason,
			CumulativeGasUsed: receipt.CumulativeGasUsed,
			ReceiptGasUsed:    receipt.GasUsed,
			ContractAddress:   optionalHex(receipt.ContractAddress),
		})
		for _, log := range receipt.Logs {
			topics := make([]string, 0, len(log.Topics))
			for _, topic := range log.Topics {
				topics = append(topics, topic.Hex())
			}
			msgs = append(msgs, streaming.Message{
				Type:        streaming.MessageTypeLog,
				ChainID:     chainID,
				BlockNumber: log.BlockNumber,
				BlockHash:   log.BlockHash.Hex(),
				TxHash:      log.TxHash.Hex(),
				TxIndex:     log.TxIndex,
				LogIndex:    log.LogIndex,
				Address:     log.Address.Hex(),
				Data:        hexutil.Encode(log.Data),
				Topics:      topics,
				Removed:     log.Removed,
			})
		}
	}
	return msgs
}

func optionalHex(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Hex()
}

func MapToLogEntry(msg streaming.Message) (domain.LogEntry, error) {
	data, err := decodeHex("data", msg.Data)
	if err != nil {
		return domain.LogEntry{}, err
	}
	address, err := decodeAddress("address", msg.Address)
	if err != nil {
		return domain.LogEntry{}, err
	}
	topics := make([]common.Hash, 0, len(msg.Topics))
	for _, topic := range msg.Topics {
		topics = append(topics, common.HexToHash(topic))
	}
	return domain.LogEntry{
		Address:     address,
		Topics:      topics,
		Data:        data,
		BlockNumber: msg.BlockNumber,
		BlockHash:   common.HexToHash(msg.BlockHash),
		TxHash:      common.HexToHash(msg.TxHash),
		TxIndex:     msg.TxIndex,
		LogIndex:    msg.LogIndex,
		Removed:     msg.Removed,
	}, nil
}

func MapToBlock(msg streaming.Message) (domain.Block, error) {
	var bloom types.Bloom
	if msg.LogsBloom != "" {
		raw, err := decodeHex("logs_bloom", msg.LogsBloom)
		if err != nil {
			return domain.Block{}, err
		}
		if len(raw) != types.BloomByteLength {
			return domain.Block{}, fmt.Errorf("logs_bloom has %d bytes", len(raw))
		}
		bloom = types.BytesToBloom(raw)
	}
	hashes := make([]common.Hash, 0, len(msg.TxHashes))
	for _, hash := range msg.TxHashes {
		hashes = append(hashes, common.HexToHash(hash))
	}
	if uint64(len(hashes)) != msg.TxCount {
		return domain.Block{}, fmt.Errorf("block %d lists %d of %d tx hashes", msg.BlockNumber, len(hashes), msg.TxCount)
	}
	return domain.Block{
		Number:     msg.BlockNumber,
		Hash:       common.HexToHash(msg.BlockHash),
		ParentHash: common.HexToHash(msg.ParentHash),
		Timestamp:  msg.Timestamp,
		StateRoot:  common.HexToHash(msg.StateRoot),
		GasLimit:   msg.GasLimit,
		GasUsed:    msg.GasUsed,
		Bloom:      bloom,
		TxHashes:   hashes,
	}, nil
}

func MapToTransaction(msg streaming.Message) (domain.Transaction, error) {
	from, err := decodeAddress("from", msg.From)
	if err != nil {
		return domain.Transaction{}, err
	}
	to, err := decodeOptionalAddress("to", msg.To)
	if err != nil {
		return domain.Transaction{}, err
	}
	external, err := decodeOptionalAddress("external_from", msg.ExternalFrom)
	if err != nil {
		return domain.Transaction{}, err
	}
	input, err := decodeHex("input", msg.Input)
	if err != nil {
		return domain.Transaction{}, err
	}
	value := new(big.Int)
	if msg.Value != "" {
		if _, ok := value.SetString(msg.Value, 10); !ok {
			return domain.Transaction{}, fmt.Errorf("invalid value %q", msg.Value)
		}
	}
	kind := domain.TxKindNative
	if msg.TxKind == domain.TxKindEthereum.String() {
		kind = domain.TxKindEthereum
	}
	return domain.Transaction{
		Kind:         kind,
		Hash:         common.HexToHash(msg.TxHash),
		EvmHash:      common.HexToHash(msg.EvmTxHash),
		From:         from,
		ExternalFrom: external,
		To:           to,
		Nonce:        msg.Nonce,
		Value:        value,
		GasLimit:     msg.Gas,
		Data:         input,
		BlockNumber:  msg.BlockNumber,
		BlockHash:    common.HexToHash(msg.BlockHash),
		TxIndex:      msg.TxIndex,
	}, nil
}

func MapToReceipt(msg streaming.Message) (domain.Receipt, error) {
	from, err := decodeAddress("from", msg.From)
	if err != nil {
		return domain.Receipt{}, err
	}
	to, err := decodeOptionalAddress("to", msg.To)
	if err != nil {
		return domain.Receipt{}, err
	}
	contract, err := decodeOptionalAddress("contract_address", msg.ContractAddress)
	if err != nil {
		return domain.Receipt{}, err
	}
	external, err := decodeOptionalAddress("external_from", msg.ExternalFrom)
	if err != nil {
		return domain.Receipt{}, err
	}
	status, err := parseStatus(msg.Status)
	if err != nil {
		return domain.Receipt{}, err
	}
	return domain.Receipt{
		TxHash:            common.HexToHash(msg.TxHash),
		EvmTxHash:         common.HexToHash(msg.EvmTxHash),
		Status:            status,
		FailureReason:     msg.FailureReason,
		GasUsed:           msg.ReceiptGasUsed,
		CumulativeGasUsed: msg.CumulativeGasUsed,
		ContractAddress:   contract,
		From:              from,
		ExternalFrom:      external,
		To:                to,
		BlockNumber:       msg.BlockNumber,
		BlockHash:         common.HexToHash(msg.BlockHash),
		TxIndex:           msg.TxIndex,
	}, nil
}

func parseStatus(value string) (domain.ExecutionStatus, error) {
	for _, status := range []domain.ExecutionStatus{domain.StatusCommitted, domain.StatusReverted, domain.StatusOutOfGas} {
		if status.String() == value {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown receipt status %q", value)
}

func decodeHex(field, value string) ([]byte, error) {
	if value == "" || value == "0x" {
		return nil, nil
	}
	out, err := hexutil.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", field, err)
	}
	return out, nil
}

func decodeAddress(field, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", field, value)
	}
	return common.HexToAddress(value), nil
}

func decodeOptionalAddress(field, value string) (*common.Address, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	addr, err := decodeAddress(field, value)
	if err != nil {
		return nil, err
	}
	return &addr, nil
}
