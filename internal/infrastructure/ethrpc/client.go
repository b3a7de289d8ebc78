package ethrpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"evmindex/internal/domain"
)

// Client talks to an evmindex node over JSON-RPC.
type Client struct {
	rpc *rpc.Client
	eth *ethclient.Client
}

type Config struct {
	URL string
}

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("rpc url is required")
	}
	raw, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	return NewFromRPC(raw), nil
}

func NewFromRPC(raw *rpc.Client) *Client {
	return &Client{rpc: raw, eth: ethclient.NewClient(raw)}
}

func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return 0, err
	}
	return id.Uint64(), nil
}

// ErrNotFound is returned when the node knows no transaction for the
// requested position or hash.
var ErrNotFound = errors.New("not found")

// CanonicalTxHash resolves the canonical hash of a transaction. A non-zero
// evmHash takes precedence over the block position.
func (c *Client) CanonicalTxHash(ctx context.Context, blockNumber, txIndex uint64, evmHash common.Hash) (common.Hash, error) {
	var out *common.Hash
	var hashArg *common.Hash
	if evmHash != (common.Hash{}) {
		hashArg = &evmHash
	}
	err := c.rpc.CallContext(ctx, &out, "canonical_tx_hash", hexutil.Uint64(blockNumber), hexutil.Uint64(txIndex), hashArg)
	if err != nil {
		return common.Hash{}, err
	}
	if out == nil {
		return common.Hash{}, ErrNotFound
	}
	return *out, nil
}

// ResolveIdentity returns the native address mapped to external.
func (c *Client) ResolveIdentity(ctx context.Context, external common.Address) (common.Address, error) {
	var out *common.Address
	if err := c.rpc.CallContext(ctx, &out, "identity_resolve", external); err != nil {
		return common.Address{}, err
	}
	if out == nil {
		return common.Address{}, ErrNotFound
	}
	return *out, nil
}

type rpcBlock struct {
	Number       hexutil.Uint64 `json:"number"`
	Hash         common.Hash    `json:"hash"`
	ParentHash   common.Hash    `json:"parentHash"`
	StateRoot    common.Hash    `json:"stateRoot"`
	Timestamp    hexutil.Uint64 `json:"timestamp"`
	GasLimit     hexutil.Uint64 `json:"gasLimit"`
	GasUsed      hexutil.Uint64 `json:"gasUsed"`
	LogsBloom    types.Bloom    `json:"logsBloom"`
	Transactions []rpcTx        `json:"transactions"`
}

type rpcTx struct {
	Hash             common.Hash     `json:"hash"`
	EvmHash          common.Hash     `json:"evmHash"`
	Kind             string          `json:"kind"`
	From             common.Address  `json:"from"`
	ExternalFrom     *common.Address `json:"externalFrom"`
	To               *common.Address `json:"to"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	Value            *hexutil.Big    `json:"value"`
	Gas              hexutil.Uint64  `json:"gas"`
	Input            hexutil.Bytes   `json:"input"`
	TransactionIndex hexutil.Uint64  `json:"transactionIndex"`
}

type rpcLog struct {
	Address          common.Address `json:"address"`
	Topics           []common.Hash  `json:"topics"`
	Data             hexutil.Bytes  `json:"data"`
	TransactionIndex hexutil.Uint64 `json:"transactionIndex"`
	LogIndex         hexutil.Uint64 `json:"logIndex"`
}

type rpcReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	EvmTxHash         common.Hash     `json:"evmTxHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	From              common.Address  `json:"from"`
	ExternalFrom      *common.Address `json:"externalFrom"`
	To                *common.Address `json:"to"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []rpcLog        `json:"logs"`
	LogsBloom         types.Bloom     `json:"logsBloom"`
	Status            hexutil.Uint64  `json:"status"`
	FailureReason     string          `json:"failureReason"`
}

// CommittedBlock reads block number with its transactions and receipts.
// It returns nil when the node has no such block yet, and
// domain.ErrReceiptNotFound when the node already evicted one of its
// receipts.
func (c *Client) CommittedBlock(ctx context.Context, number uint64) (*domain.CommittedBlock, error) {
	var block *rpcBlock
	if err := c.rpc.CallContext(ctx, &block, "eth_getBlockByNumber", hexutil.Uint64(number), true); err != nil {
		return nil, fmt.Errorf("get block %d: %w", number, err)
	}
	if block == nil {
		return nil, nil
	}

	committed := &domain.CommittedBlock{
		Block: domain.Block{
			Number:     uint64(block.Number),
			Hash:       block.Hash,
			ParentHash: block.ParentHash,
			Timestamp:  uint64(block.Timestamp),
			StateRoot:  block.StateRoot,
			GasLimit:   uint64(block.GasLimit),
			GasUsed:    uint64(block.GasUsed),
			Bloom:      block.LogsBloom,
		},
		Transactions: make([]domain.Transaction, 0, len(block.Transactions)),
	}
	if len(block.Transactions) == 0 {
		return committed, nil
	}

	receipts := make([]*rpcReceipt, len(block.Transactions))
	batch := make([]rpc.BatchElem, len(block.Transactions))
	for i, tx := range block.Transactions {
		committed.Block.TxHashes = append(committed.Block.TxHashes, tx.Hash)
		committed.Transactions = append(committed.Transactions, convertTx(tx, committed.Block))
		batch[i] = rpc.BatchElem{
			Method: "eth_getTransactionReceipt",
			Args:   []interface{}{tx.Hash},
			Result: &receipts[i],
		}
	}
	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, fmt.Errorf("get receipts of block %d: %w", number, err)
	}
	for i, elem := range batch {
		if elem.Error != nil {
			return nil, fmt.Errorf("get receipt %s: %w", block.Transactions[i].Hash.Hex(), elem.Error)
		}
		if receipts[i] == nil {
			return nil, fmt.Errorf("block %d: receipt %s: %w", number, block.Transactions[i].Hash.Hex(), domain.ErrReceiptNotFound)
		}
		committed.Receipts = append(committed.Receipts, convertReceipt(receipts[i], committed.Block))
	}
	return committed, nil
}

func convertTx(tx rpcTx, block domain.Block) domain.Transaction {
	kind := domain.TxKindNative
	if tx.Kind == domain.TxKindEthereum.String() {
		kind = domain.TxKindEthereum
	}
	return domain.Transaction{
		Kind:         kind,
		Hash:         tx.Hash,
		EvmHash:      tx.EvmHash,
		From:         tx.From,
		ExternalFrom: tx.ExternalFrom,
		To:           tx.To,
		Nonce:        uint64(tx.Nonce),
		Value:        tx.Value.ToInt(),
		GasLimit:     uint64(tx.Gas),
		Data:         tx.Input,
		BlockNumber:  block.Number,
		BlockHash:    block.Hash,
		TxIndex:      uint64(tx.TransactionIndex),
	}
}

func convertReceipt(r *rpcReceipt, block domain.Block) domain.Receipt {
	status := domain.StatusCommitted
	if r.Status == hexutil.Uint64(types.ReceiptStatusFailed) {
		status = domain.StatusReverted
		if strings.Contains(r.FailureReason, domain.ErrOutOfGas.Error()) {
			status = domain.StatusOutOfGas
		}
	}
	logs := make([]domain.LogEntry, 0, len(r.Logs))
	for _, log := range r.Logs {
		logs = append(logs, domain.LogEntry{
			Address:     log.Address,
			Topics:      log.Topics,
			Data:        log.Data,
			BlockNumber: block.Number,
			BlockHash:   block.Hash,
			TxHash:      r.TransactionHash,
			TxIndex:     uint64(log.TransactionIndex),
			LogIndex:    uint64(log.LogIndex),
		})
	}
	return domain.Receipt{
		TxHash:            r.TransactionHash,
		EvmTxHash:         r.EvmTxHash,
		Status:            status,
		FailureReason:     r.FailureReason,
		GasUsed:           uint64(r.GasUsed),
		CumulativeGasUsed: uint64(r.CumulativeGasUsed),
		ContractAddress:   r.ContractAddress,
		From:              r.From,
		ExternalFrom:      r.ExternalFrom,
		To:                r.To,
		Logs:              logs,
		Bloom:             r.LogsBloom,
		BlockNumber:       block.Number,
		BlockHash:         block.Hash,
		TxIndex:           uint64(r.TransactionIndex),
	}
}
