package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Block is a committed, immutable block. TxHashes holds canonical
// transaction hashes in inclusion order.
type Block struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Timestamp  uint64
	StateRoot  common.Hash
	GasLimit   uint64
	GasUsed    uint64
	Bloom      types.Bloom
	TxHashes   []common.Hash
}

// Header renders the block as an Ethereum header. The transaction and
// receipt roots are digests over canonical hashes rather than tries.
func (b *Block) Header() *types.Header {
	return &types.Header{
		ParentHash:  b.ParentHash,
		UncleHash:   types.EmptyUncleHash,
		Root:        b.StateRoot,
		TxHash:      b.TxRoot(),
		ReceiptHash: b.TxRoot(),
		Bloom:       b.Bloom,
		Difficulty:  new(big.Int),
		Number:      new(big.Int).SetUint64(b.Number),
		GasLimit:    b.GasLimit,
		GasUsed:     b.GasUsed,
		Time:        b.Timestamp,
		BaseFee:     new(big.Int),
	}
}

func (b *Block) TxRoot() common.Hash {
	if len(b.TxHashes) == 0 {
		return types.EmptyTxsHash
	}
	buf := make([]byte, 0, len(b.TxHashes)*common.HashLength)
	for _, hash := range b.TxHashes {
		buf = append(buf, hash.Bytes()...)
	}
	return crypto.Keccak256Hash(buf)
}

// Seal computes and stores the block hash.
func (b *Block) Seal() common.Hash {
	b.Hash = b.Header().Hash()
	return b.Hash
}

// CommittedBlock is everything produced by one block commit, published to
// subscribers and exporters after the head moves.
type CommittedBlock struct {
	Block        Block
	Transactions []Transaction
	Receipts     []Receipt
}

func (c *CommittedBlock) Logs() []LogEntry {
	var logs []LogEntry
	for _, receipt := range c.Receipts {
		logs = append(logs, receipt.Logs...)
	}
	return logs
}

// BlockEnv is the context a block's transactions execute in. GetHash
// resolves ancestor hashes for the BLOCKHASH opcode.
type BlockEnv struct {
	Number   uint64
	Time     uint64
	GasLimit uint64
	GetHash  func(uint64) common.Hash
}
