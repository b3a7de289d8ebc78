package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"evmindex/internal/application"
	"evmindex/internal/domain"
)

// RPCTransaction is a transaction as returned by eth_getTransactionBy*.
// Hash is the canonical hash; EvmHash is the hash of the executed
// message. From is always the native sender.
type RPCTransaction struct {
	BlockHash        *common.Hash    `json:"blockHash"`
	BlockNumber      *hexutil.Big    `json:"blockNumber"`
	From             common.Address  `json:"from"`
	Gas              hexutil.Uint64  `json:"gas"`
	GasPrice         *hexutil.Big    `json:"gasPrice"`
	Hash             common.Hash     `json:"hash"`
	EvmHash          common.Hash     `json:"evmHash"`
	Input            hexutil.Bytes   `json:"input"`
	Nonce            hexutil.Uint64  `json:"nonce"`
	To               *common.Address `json:"to"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`
	Value            *hexutil.Big    `json:"value"`
	Type             hexutil.Uint64  `json:"type"`
	ChainID          *hexutil.Big    `json:"chainId,omitempty"`
	Kind             string          `json:"kind"`
	ExternalFrom     *common.Address `json:"externalFrom,omitempty"`
	V                *hexutil.Big    `json:"v,omitempty"`
	R                *hexutil.Big    `json:"r,omitempty"`
	S                *hexutil.Big    `json:"s,omitempty"`
}

func newRPCTransaction(tx domain.Transaction, chainID *big.Int) *RPCTransaction {
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}
	index := hexutil.Uint64(tx.TxIndex)
	blockHash := tx.BlockHash
	out := &RPCTransaction{
		BlockHash:        &blockHash,
		BlockNumber:      (*hexutil.Big)(new(big.Int).SetUint64(tx.BlockNumber)),
		From:             tx.From,
		Gas:              hexutil.Uint64(tx.GasLimit),
		GasPrice:         (*hexutil.Big)(new(big.Int)),
		Hash:             tx.Hash,
		EvmHash:          tx.EvmHash,
		Input:            tx.Data,
		Nonce:            hexutil.Uint64(tx.Nonce),
		To:               tx.To,
		TransactionIndex: &index,
		Value:            (*hexutil.Big)(value),
		ChainID:          (*hexutil.Big)(chainID),
		Kind:             tx.Kind.String(),
		ExternalFrom:     tx.ExternalFrom,
	}
	if tx.Kind == domain.TxKindEthereum && len(tx.Raw) > 0 {
		var signed types.Transaction
		if err := signed.UnmarshalBinary(tx.Raw); err == nil {
			v, r, s := signed.RawSignatureValues()
			out.Type = hexutil.Uint64(signed.Type())
			out.V, out.R, out.S = (*hexutil.Big)(v), (*hexutil.Big)(r), (*hexutil.Big)(s)
		}
	}
	return out
}

// RPCLog mirrors the go-ethereum log encoding. LogIndex counts within the
// emitting transaction.
type RPCLog struct {
	Address          common.Address `json:"address"`
	Topics           []common.Hash  `json:"topics"`
	Data             hexutil.Bytes  `json:"data"`
	BlockNumber      hexutil.Uint64 `json:"blockNumber"`
	TransactionHash  common.Hash    `json:"transactionHash"`
	TransactionIndex hexutil.Uint64 `json:"transactionIndex"`
	BlockHash        common.Hash    `json:"blockHash"`
	LogIndex         hexutil.Uint64 `json:"logIndex"`
	Removed          bool           `json:"removed"`
}

func newRPCLog(log domain.LogEntry) RPCLog {
	topics := log.Topics
	if topics == nil {
		topics = []common.Hash{}
	}
	data := log.Data
	if data == nil {
		data = []byte{}
	}
	return RPCLog{
		Address:          log.Address,
		Topics:           topics,
		Data:             data,
		BlockNumber:      hexutil.Uint64(log.BlockNumber),
		TransactionHash:  log.TxHash,
		TransactionIndex: hexutil.Uint64(log.TxIndex),
		BlockHash:        log.BlockHash,
		LogIndex:         hexutil.Uint64(log.LogIndex),
		Removed:          log.Removed,
	}
}

func newRPCLogs(logs []domain.LogEntry) []RPCLog {
	out := make([]RPCLog, 0, len(logs))
	for _, log := range logs {
		out = append(out, newRPCLog(log))
	}
	return out
}

// RPCReceipt carries the standard receipt fields plus the failure reason
// of reverted or out-of-gas executions and the execution hash.
type RPCReceipt struct {
	TransactionHash   common.Hash     `json:"transactionHash"`
	EvmTxHash         common.Hash     `json:"evmTxHash"`
	TransactionIndex  hexutil.Uint64  `json:"transactionIndex"`
	BlockHash         common.Hash     `json:"blockHash"`
	BlockNumber       hexutil.Uint64  `json:"blockNumber"`
	From              common.Address  `json:"from"`
	ExternalFrom      *common.Address `json:"externalFrom,omitempty"`
	To                *common.Address `json:"to"`
	GasUsed           hexutil.Uint64  `json:"gasUsed"`
	CumulativeGasUsed hexutil.Uint64  `json:"cumulativeGasUsed"`
	EffectiveGasPrice *hexutil.Big    `json:"effectiveGasPrice"`
	ContractAddress   *common.Address `json:"contractAddress"`
	Logs              []RPCLog        `json:"logs"`
	LogsBloom         types.Bloom     `json:"logsBloom"`
	Status            hexutil.Uint64  `json:"status"`
	Type              hexutil.Uint64  `json:"type"`
	FailureReason     string          `json:"failureReason,omitempty"`
}

func newRPCReceipt(receipt domain.Receipt) *RPCReceipt {
	return &RPCReceipt{
		TransactionHash:   receipt.TxHash,
		EvmTxHash:         receipt.EvmTxHash,
		TransactionIndex:  hexutil.Uint64(receipt.TxIndex),
		BlockHash:         receipt.BlockHash,
		BlockNumber:       hexutil.Uint64(receipt.BlockNumber),
		From:              receipt.From,
		ExternalFrom:      receipt.ExternalFrom,
		To:                receipt.To,
		GasUsed:           hexutil.Uint64(receipt.GasUsed),
		CumulativeGasUsed: hexutil.Uint64(receipt.CumulativeGasUsed),
		EffectiveGasPrice: (*hexutil.Big)(new(big.Int)),
		ContractAddress:   receipt.ContractAddress,
		Logs:              newRPCLogs(receipt.Logs),
		LogsBloom:         receipt.Bloom,
		Status:            hexutil.Uint64(receipt.StatusCode()),
		FailureReason:     receipt.FailureReason,
	}
}

// marshalHeader renders the header fields of a block the way go-ethereum
// does, so clients recompute the same block hash.
func marshalHeader(block domain.Block) map[string]interface{} {
	head := block.Header()
	return map[string]interface{}{
		"number":           (*hexutil.Big)(head.Number),
		"hash":             block.Hash,
		"parentHash":       head.ParentHash,
		"nonce":            head.Nonce,
		"mixHash":          head.MixDigest,
		"sha3Uncles":       head.UncleHash,
		"logsBloom":        head.Bloom,
		"stateRoot":        head.Root,
		"miner":            head.Coinbase,
		"difficulty":       (*hexutil.Big)(head.Difficulty),
		"extraData":        hexutil.Bytes(head.Extra),
		"gasLimit":         hexutil.Uint64(head.GasLimit),
		"gasUsed":          hexutil.Uint64(head.GasUsed),
		"timestamp":        hexutil.Uint64(head.Time),
		"transactionsRoot": head.TxHash,
		"receiptsRoot":     head.ReceiptHash,
		"baseFeePerGas":    (*hexutil.Big)(head.BaseFee),
	}
}

func marshalBlock(block domain.Block, txs []domain.Transaction, fullTx bool, chainID *big.Int) map[string]interface{} {
	fields := marshalHeader(block)
	fields["uncles"] = []common.Hash{}
	fields["totalDifficulty"] = (*hexutil.Big)(new(big.Int))
	if fullTx {
		full := make([]*RPCTransaction, 0, len(txs))
		for _, tx := range txs {
			full = append(full, newRPCTransaction(tx, chainID))
		}
		fields["transactions"] = full
		return fields
	}
	hashes := block.TxHashes
	if hashes == nil {
		hashes = []common.Hash{}
	}
	fields["transactions"] = hashes
	return fields
}

// TransactionArgs are the call object of eth_call and eth_estimateGas.
type TransactionArgs struct {
	From     *common.Address `json:"from"`
	To       *common.Address `json:"to"`
	Gas      *hexutil.Uint64 `json:"gas"`
	GasPrice *hexutil.Big    `json:"gasPrice"`
	Value    *hexutil.Big    `json:"value"`

	// "data" and "input" are both accepted; "input" wins.
	Data  *hexutil.Bytes `json:"data"`
	Input *hexutil.Bytes `json:"input"`
}

func (args *TransactionArgs) data() []byte {
	if args.Input != nil {
		return *args.Input
	}
	if args.Data != nil {
		return *args.Data
	}
	return nil
}

func (args *TransactionArgs) request() (domain.CallRequest, error) {
	if args.Data != nil && args.Input != nil && !bytesEqual(*args.Data, *args.Input) {
		return domain.CallRequest{}, errors.New(`both "data" and "input" are set and not equal`)
	}
	req := domain.CallRequest{To: args.To, Data: args.data()}
	if args.From != nil {
		req.From = *args.From
	}
	if args.Gas != nil {
		req.Gas = uint64(*args.Gas)
	}
	if args.Value != nil {
		req.Value = args.Value.ToInt()
	}
	return req, nil
}

func bytesEqual(a, b []byte) bool {
	return string(a) == string(b)
}

// FilterArgs is the filter object of eth_getLogs and the logs
// subscription. Address is a single address or a list; each topic
// position is null, a hash, or a list of hashes.
type FilterArgs struct {
	BlockHash *common.Hash
	FromBlock *rpc.BlockNumber
	ToBlock   *rpc.BlockNumber
	Addresses []common.Address
	Topics    [][]common.Hash
}

func (args *FilterArgs) UnmarshalJSON(data []byte) error {
	type input struct {
		BlockHash *common.Hash     `json:"blockHash"`
		FromBlock *rpc.BlockNumber `json:"fromBlock"`
		ToBlock   *rpc.BlockNumber `json:"toBlock"`
		Addresses interface{}      `json:"address"`
		Topics    []interface{}    `json:"topics"`
	}
	var raw input
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.BlockHash != nil && (raw.FromBlock != nil || raw.ToBlock != nil) {
		return errors.New("cannot specify both blockHash and fromBlock/toBlock")
	}
	args.BlockHash = raw.BlockHash
	args.FromBlock = raw.FromBlock
	args.ToBlock = raw.ToBlock

	switch addr := raw.Addresses.(type) {
	case nil:
	case string:
		parsed, err := decodeAddress(addr)
		if err != nil {
			return err
		}
		args.Addresses = []common.Address{parsed}
	case []interface{}:
		for i, item := range addr {
			str, ok := item.(string)
			if !ok {
				return fmt.Errorf("invalid address at index %d", i)
			}
			parsed, err := decodeAddress(str)
			if err != nil {
				return fmt.Errorf("invalid address at index %d: %w", i, err)
			}
			args.Addresses = append(args.Addresses, parsed)
		}
	default:
		return errors.New("invalid addresses in query")
	}

	args.Topics = make([][]common.Hash, len(raw.Topics))
	for i, position := range raw.Topics {
		switch topic := position.(type) {
		case nil:
		case string:
			parsed, err := decodeTopic(topic)
			if err != nil {
				return err
			}
			args.Topics[i] = []common.Hash{parsed}
		case []interface{}:
			for _, item := range topic {
				if item == nil {
					args.Topics[i] = nil
					break
				}
				str, ok := item.(string)
				if !ok {
					return errors.New("invalid topic(s)")
				}
				parsed, err := decodeTopic(str)
				if err != nil {
					return err
				}
				args.Topics[i] = append(args.Topics[i], parsed)
			}
		default:
			return errors.New("invalid topic(s)")
		}
	}
	return nil
}

func decodeAddress(s string) (common.Address, error) {
	b, err := hexutil.Decode(s)
	if err == nil && len(b) != common.AddressLength {
		err = fmt.Errorf("hex has invalid length %d after decoding; expected %d for address", len(b), common.AddressLength)
	}
	return common.BytesToAddress(b), err
}

func decodeTopic(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err == nil && len(b) != common.HashLength {
		err = fmt.Errorf("hex has invalid length %d after decoding; expected %d for topic", len(b), common.HashLength)
	}
	return common.BytesToHash(b), err
}

// decodeStorageKey accepts a hex slot index of up to 32 bytes.
func decodeStorageKey(s string) (common.Hash, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hexutil.Decode("0x" + s)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid storage key: %w", err)
	}
	if len(b) > common.HashLength {
		return common.Hash{}, errors.New("storage key too long (want at most 32 bytes)")
	}
	return common.BytesToHash(b), nil
}

// selector maps a block tag or hash onto a committed block. Every tag
// other than earliest resolves to the head.
func selector(bnh *rpc.BlockNumberOrHash) application.BlockSelector {
	if bnh == nil {
		return application.BlockSelector{}
	}
	if hash, ok := bnh.Hash(); ok {
		return application.BlockSelector{Hash: &hash}
	}
	if number, ok := bnh.Number(); ok {
		return numberSelector(number)
	}
	return application.BlockSelector{}
}

func numberSelector(number rpc.BlockNumber) application.BlockSelector {
	if number == rpc.EarliestBlockNumber {
		zero := uint64(0)
		return application.BlockSelector{Number: &zero}
	}
	if number < 0 {
		return application.BlockSelector{}
	}
	n := uint64(number)
	return application.BlockSelector{Number: &n}
}

// logFilter resolves block tags against head. Bounds that are absent
// stay nil.
func (args FilterArgs) logFilter(head uint64) domain.LogFilter {
	filter := domain.LogFilter{Addresses: args.Addresses, Topics: args.Topics}
	resolve := func(number rpc.BlockNumber) *uint64 {
		switch {
		case number == rpc.EarliestBlockNumber:
			zero := uint64(0)
			return &zero
		case number < 0:
			h := head
			return &h
		default:
			n := uint64(number)
			return &n
		}
	}
	// A missing fromBlock leaves the range open so the whole history is
	// scanned.
	if args.FromBlock != nil {
		filter.FromBlock = resolve(*args.FromBlock)
	}
	if args.ToBlock != nil && *args.ToBlock >= 0 {
		filter.ToBlock = resolve(*args.ToBlock)
	}
	return filter
}
