package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ExecutionStatus is the terminal state of an executed transaction.
type ExecutionStatus uint8

const (
	StatusCommitted ExecutionStatus = iota + 1
	StatusReverted
	StatusOutOfGas
)

func (s ExecutionStatus) String() string {
	switch s {
	case StatusCommitted:
		return "committed"
	case StatusReverted:
		return "reverted"
	case StatusOutOfGas:
		return "out_of_gas"
	default:
		return "unknown"
	}
}

func (s ExecutionStatus) Succeeded() bool {
	return s == StatusCommitted
}

// Receipt is the persisted outcome of one included transaction, keyed by
// its canonical hash.
type Receipt struct {
	TxHash            common.Hash
	EvmTxHash         common.Hash
	Status            ExecutionStatus
	FailureReason     string
	GasUsed           uint64
	CumulativeGasUsed uint64
	ContractAddress   *common.Address
	From              common.Address
	ExternalFrom      *common.Address
	To                *common.Address
	Logs              []LogEntry
	Bloom             types.Bloom
	BlockNumber       uint64
	BlockHash         common.Hash
	TxIndex           uint64
}

// StatusCode returns the EIP-658 status value.
func (r *Receipt) StatusCode() uint64 {
	if r.Status.Succeeded() {
		return types.ReceiptStatusSuccessful
	}
	return types.ReceiptStatusFailed
}
