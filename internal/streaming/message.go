package streaming

import (
	"encoding/json"
	"errors"
)

type MessageType string

const (
	MessageTypeBlock       MessageType = "block"
	MessageTypeTransaction MessageType = "transaction"
	MessageTypeReceipt     MessageType = "receipt"
	MessageTypeLog         MessageType = "log"
)

// Message is the export record for one committed block, transaction,
// receipt or log. Hashes, addresses and byte fields are 0x-hex.
type Message struct {
	Type        MessageType `json:"type"`
	ChainID     uint64      `json:"chain_id"`
	TraceID     string      `json:"trace_id,omitempty"`
	BlockNumber uint64      `json:"block_number"`
	BlockHash   string      `json:"block_hash,omitempty"`

	ParentHash string   `json:"parent_hash,omitempty"`
	StateRoot  string   `json:"state_root,omitempty"`
	Timestamp  uint64   `json:"timestamp,omitempty"`
	GasLimit   uint64   `json:"gas_limit,omitempty"`
	GasUsed    uint64   `json:"gas_used,omitempty"`
	TxCount    uint64   `json:"tx_count,omitempty"`
	TxHashes   []string `json:"tx_hashes,omitempty"`
	LogsBloom  string   `json:"logs_bloom,omitempty"`

	TxHash       string `json:"tx_hash,omitempty"`
	EvmTxHash    string `json:"evm_tx_hash,omitempty"`
	TxIndex      uint64 `json:"tx_index,omitempty"`
	TxKind       string `json:"tx_kind,omitempty"`
	From         string `json:"from,omitempty"`
	ExternalFrom string `json:"external_from,omitempty"`
	To           string `json:"to,omitempty"`
	Nonce        uint64 `json:"nonce,omitempty"`
	Value        string `json:"value,omitempty"`
	Gas          uint64 `json:"gas,omitempty"`
	Input        string `json:"input,omitempty"`

	Status            string `json:"status,omitempty"`
	FailureReason     string `json:"failure_reason,omitempty"`
	CumulativeGasUsed uint64 `json:"cumulative_gas_used,omitempty"`
	ReceiptGasUsed    uint64 `json:"receipt_gas_used,omitempty"`
	ContractAddress   string `json:"contract_address,omitempty"`

	LogIndex uint64   `json:"log_index,omitempty"`
	Address  string   `json:"address,omitempty"`
	Data     string   `json:"data,omitempty"`
	Topics   []string `json:"topics,omitempty"`
	Removed  bool     `json:"removed,omitempty"`
}

func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, errors.New("message type is required")
	}
	if msg.ChainID == 0 {
		return nil, errors.New("chain_id is required")
	}
	return json.Marshal(msg)
}

func Decode(payload []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return Message{}, err
	}
	if msg.Type == "" {
		return Message{}, errors.New("message type is missing")
	}
	if msg.ChainID == 0 {
		return Message{}, errors.New("chain_id is missing")
	}
	return msg, nil
}
