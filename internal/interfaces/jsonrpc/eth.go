package jsonrpc

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"evmindex/internal/application"
	"evmindex/internal/domain"
)

// EthAPI implements the eth namespace over the committed head.
type EthAPI struct {
	chainID   *big.Int
	query     *application.Query
	submitter *application.Submitter
	sequencer *application.Sequencer
	resolver  *application.Resolver
}

func NewEthAPI(backend Backend) *EthAPI {
	return &EthAPI{
		chainID:   backend.ChainID,
		query:     backend.Query,
		submitter: backend.Submitter,
		sequencer: backend.Sequencer,
		resolver:  backend.Resolver,
	}
}

func (api *EthAPI) ChainId() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).Set(api.chainID))
}

func (api *EthAPI) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(api.query.Head().Number)
}

// GasPrice is always zero; fees are not charged.
func (api *EthAPI) GasPrice() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int))
}

func (api *EthAPI) MaxPriorityFeePerGas() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int))
}

// SendRawTransaction submits a signed Ethereum transaction and returns its
// canonical hash.
func (api *EthAPI) SendRawTransaction(ctx context.Context, input hexutil.Bytes) (common.Hash, error) {
	return api.submitter.Submit(ctx, application.EthereumEnvelope{Raw: input})
}

func (api *EthAPI) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*RPCReceipt, error) {
	receipt, err := api.query.Receipt(ctx, hash)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newRPCReceipt(receipt), nil
}

func (api *EthAPI) GetTransactionByHash(ctx context.Context, hash common.Hash) (*RPCTransaction, error) {
	tx, err := api.query.Transaction(ctx, hash)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newRPCTransaction(tx, api.chainID), nil
}

func (api *EthAPI) GetTransactionByBlockHashAndIndex(ctx context.Context, hash common.Hash, index hexutil.Uint) (*RPCTransaction, error) {
	return api.transactionAt(ctx, application.BlockSelector{Hash: &hash}, uint64(index))
}

func (api *EthAPI) GetTransactionByBlockNumberAndIndex(ctx context.Context, number rpc.BlockNumber, index hexutil.Uint) (*RPCTransaction, error) {
	return api.transactionAt(ctx, numberSelector(number), uint64(index))
}

func (api *EthAPI) transactionAt(ctx context.Context, sel application.BlockSelector, index uint64) (*RPCTransaction, error) {
	tx, err := api.query.TransactionByBlockAndIndex(ctx, sel, index)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return newRPCTransaction(tx, api.chainID), nil
}

// GetTransactionCount returns the committed nonce, or the next free nonce
// including queued transactions for the pending tag.
func (api *EthAPI) GetTransactionCount(ctx context.Context, address common.Address, blockNrOrHash rpc.BlockNumberOrHash) (*hexutil.Uint64, error) {
	if number, ok := blockNrOrHash.Number(); ok && number == rpc.PendingBlockNumber {
		account, err := api.resolver.AccountFor(ctx, address)
		if err != nil {
			return nil, err
		}
		nonce, err := api.sequencer.NextNonce(ctx, account)
		if err != nil {
			return nil, err
		}
		return (*hexutil.Uint64)(&nonce), nil
	}
	nonce, err := api.query.TransactionCount(ctx, address, selector(&blockNrOrHash))
	if err != nil {
		return nil, err
	}
	return (*hexutil.Uint64)(&nonce), nil
}

func (api *EthAPI) GetBlockByHash(ctx context.Context, hash common.Hash, fullTx bool) (map[string]interface{}, error) {
	return api.block(ctx, application.BlockSelector{Hash: &hash}, fullTx)
}

func (api *EthAPI) GetBlockByNumber(ctx context.Context, number rpc.BlockNumber, fullTx bool) (map[string]interface{}, error) {
	return api.block(ctx, numberSelector(number), fullTx)
}

func (api *EthAPI) block(ctx context.Context, sel application.BlockSelector, fullTx bool) (map[string]interface{}, error) {
	block, err := api.query.Block(ctx, sel)
	if notFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var txs []domain.Transaction
	if fullTx {
		if txs, err = api.query.BlockTransactions(ctx, block); err != nil {
			return nil, err
		}
	}
	return marshalBlock(block, txs, fullTx, api.chainID), nil
}

func (api *EthAPI) GetBlockTransactionCountByHash(ctx context.Context, hash common.Hash) *hexutil.Uint {
	return api.txCount(ctx, application.BlockSelector{Hash: &hash})
}

func (api *EthAPI) GetBlockTransactionCountByNumber(ctx context.Context, number rpc.BlockNumber) *hexutil.Uint {
	return api.txCount(ctx, numberSelector(number))
}

func (api *EthAPI) txCount(ctx context.Context, sel application.BlockSelector) *hexutil.Uint {
	block, err := api.query.Block(ctx, sel)
	if err != nil {
		return nil
	}
	n := hexutil.Uint(len(block.TxHashes))
	return &n
}

func (api *EthAPI) GetCode(ctx context.Context, address common.Address, blockNrOrHash rpc.BlockNumberOrHash) (hexutil.Bytes, error) {
	code, err := api.query.Code(ctx, address, selector(&blockNrOrHash))
	if err != nil {
		return nil, err
	}
	return code, nil
}

func (api *EthAPI) GetBalance(ctx context.Context, address common.Address, blockNrOrHash rpc.BlockNumberOrHash) (*hexutil.Big, error) {
	balance, err := api.query.Balance(ctx, address, selector(&blockNrOrHash))
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(balance), nil
}

// GetStorageAt reads a slot at the head. Any explicit historical block
// returns empty data.
func (api *EthAPI) GetStorageAt(ctx context.Context, address common.Address, hexKey string, blockNrOrHash rpc.BlockNumberOrHash) (hexutil.Bytes, error) {
	key, err := decodeStorageKey(hexKey)
	if err != nil {
		return nil, &invalidParamsError{message: err.Error()}
	}
	value, err := api.query.StorageAt(ctx, address, key, selector(&blockNrOrHash))
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Call executes args against committed state without creating a
// transaction.
func (api *EthAPI) Call(ctx context.Context, args TransactionArgs, blockNrOrHash *rpc.BlockNumberOrHash) (hexutil.Bytes, error) {
	req, err := args.request()
	if err != nil {
		return nil, &invalidParamsError{message: err.Error()}
	}
	result, err := api.query.Call(ctx, req, selector(blockNrOrHash))
	if err != nil {
		return nil, err
	}
	if err := callError(result); err != nil {
		return nil, err
	}
	return result.ReturnData, nil
}

func (api *EthAPI) EstimateGas(ctx context.Context, args TransactionArgs, blockNrOrHash *rpc.BlockNumberOrHash) (hexutil.Uint64, error) {
	req, err := args.request()
	if err != nil {
		return 0, &invalidParamsError{message: err.Error()}
	}
	gas, result, err := api.query.EstimateGas(ctx, req, selector(blockNrOrHash))
	if err != nil {
		return 0, err
	}
	if result != nil {
		if err := callError(result); err != nil {
			return 0, err
		}
	}
	return hexutil.Uint64(gas), nil
}

func (api *EthAPI) GetLogs(ctx context.Context, crit FilterArgs) ([]RPCLog, error) {
	filter, err := api.logFilter(ctx, crit)
	if err != nil {
		return nil, err
	}
	logs, err := api.query.Logs(ctx, filter)
	if err != nil {
		return nil, err
	}
	return newRPCLogs(logs), nil
}

// GetPastLogs is an alias of GetLogs kept for older web3 clients.
func (api *EthAPI) GetPastLogs(ctx context.Context, crit FilterArgs) ([]RPCLog, error) {
	return api.GetLogs(ctx, crit)
}

func (api *EthAPI) logFilter(ctx context.Context, crit FilterArgs) (domain.LogFilter, error) {
	head := api.query.Head().Number
	if crit.BlockHash == nil {
		filter := crit.logFilter(head)
		if filter.FromBlock != nil && filter.ToBlock != nil && *filter.FromBlock > *filter.ToBlock {
			return domain.LogFilter{}, &invalidParamsError{message: "invalid block range"}
		}
		return filter, nil
	}
	block, err := api.query.Block(ctx, application.BlockSelector{Hash: crit.BlockHash})
	if errors.Is(err, domain.ErrBlockNotFound) {
		return domain.LogFilter{}, errors.New("unknown block")
	}
	if err != nil {
		return domain.LogFilter{}, err
	}
	number := block.Number
	return domain.LogFilter{
		Addresses: crit.Addresses,
		Topics:    crit.Topics,
		FromBlock: &number,
		ToBlock:   &number,
	}, nil
}
