package httpapi

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"evmindex/internal/domain"
)

type logView struct {
	Address     string   `json:"address"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
	BlockNumber uint64   `json:"block_number"`
	BlockHash   string   `json:"block_hash"`
	TxHash      string   `json:"tx_hash"`
	TxIndex     uint64   `json:"tx_index"`
	LogIndex    uint64   `json:"log_index"`
	Removed     bool     `json:"removed"`
}

func newLogView(log domain.LogEntry) logView {
	topics := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		topics = append(topics, topic.Hex())
	}
	return logView{
		Address:     log.Address.Hex(),
		Topics:      topics,
		Data:        hexutil.Encode(log.Data),
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash.Hex(),
		TxHash:      log.TxHash.Hex(),
		TxIndex:     log.TxIndex,
		LogIndex:    log.LogIndex,
		Removed:     log.Removed,
	}
}

type transactionView struct {
	Hash         string  `json:"hash"`
	EvmHash      string  `json:"evm_hash"`
	Kind         string  `json:"kind"`
	From         string  `json:"from"`
	ExternalFrom *string `json:"external_from,omitempty"`
	To           *string `json:"to"`
	Nonce        uint64  `json:"nonce"`
	Value        string  `json:"value"`
	Gas          uint64  `json:"gas"`
	Input        string  `json:"input"`
	BlockNumber  uint64  `json:"block_number"`
	BlockHash    string  `json:"block_hash"`
	TxIndex      uint64  `json:"tx_index"`
}

func newTransactionView(tx domain.Transaction) transactionView {
	value := "0"
	if tx.Value != nil {
		value = tx.Value.String()
	}
	return transactionView{
		Hash:         tx.Hash.Hex(),
		EvmHash:      tx.EvmHash.Hex(),
		Kind:         tx.Kind.String(),
		From:         tx.From.Hex(),
		ExternalFrom: addressPtr(tx.ExternalFrom),
		To:           addressPtr(tx.To),
		Nonce:        tx.Nonce,
		Value:        value,
		Gas:          tx.GasLimit,
		Input:        hexutil.Encode(tx.Data),
		BlockNumber:  tx.BlockNumber,
		BlockHash:    tx.BlockHash.Hex(),
		TxIndex:      tx.TxIndex,
	}
}

type blockView struct {
	Number     uint64   `json:"number"`
	Hash       string   `json:"hash"`
	ParentHash string   `json:"parent_hash"`
	StateRoot  string   `json:"state_root"`
	Timestamp  uint64   `json:"timestamp"`
	GasLimit   uint64   `json:"gas_limit"`
	GasUsed    uint64   `json:"gas_used"`
	TxHashes   []string `json:"tx_hashes"`
}

func newBlockView(block domain.Block) blockView {
	hashes := make([]string, 0, len(block.TxHashes))
	for _, hash := range block.TxHashes {
		hashes = append(hashes, hash.Hex())
	}
	return blockView{
		Number:     block.Number,
		Hash:       block.Hash.Hex(),
		ParentHash: block.ParentHash.Hex(),
		StateRoot:  block.StateRoot.Hex(),
		Timestamp:  block.Timestamp,
		GasLimit:   block.GasLimit,
		GasUsed:    block.GasUsed,
		TxHashes:   hashes,
	}
}

func addressPtr(addr *common.Address) *string {
	if addr == nil {
		return nil
	}
	hex := addr.Hex()
	return &hex
}
