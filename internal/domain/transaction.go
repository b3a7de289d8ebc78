package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TxKind identifies the envelope a transaction was submitted in.
type TxKind uint8

const (
	TxKindNative TxKind = iota + 1
	TxKindEthereum
)

func (k TxKind) String() string {
	switch k {
	case TxKindNative:
		return "native"
	case TxKindEthereum:
		return "ethereum"
	default:
		return "unknown"
	}
}

// Transaction is a decoded transaction normalized from either envelope.
// Position fields are zero until the transaction is included in a block.
type Transaction struct {
	Kind         TxKind
	Hash         common.Hash
	EvmHash      common.Hash
	From         common.Address
	ExternalFrom *common.Address
	To           *common.Address
	Nonce        uint64
	Value        *big.Int
	GasLimit     uint64
	Data         []byte
	Raw          []byte

	BlockNumber uint64
	BlockHash   common.Hash
	TxIndex     uint64
}

func (tx *Transaction) IsCreate() bool {
	return tx.To == nil
}

// CallRequest describes a read-only execution against committed state.
type CallRequest struct {
	From  common.Address
	To    *common.Address
	Gas   uint64
	Value *big.Int
	Data  []byte
}

// CallResult is the outcome of a read-only execution.
type CallResult struct {
	ReturnData []byte
	GasUsed    uint64
	Status     ExecutionStatus
	Reason     string
}

// TraceOptions mirrors the struct logger switches accepted by debug_traceTransaction.
type TraceOptions struct {
	DisableStorage bool
	DisableMemory  bool
	DisableStack   bool
}
