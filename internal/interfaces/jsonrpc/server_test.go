package jsonrpc

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"evmindex/internal/application"
	"evmindex/internal/domain"
	"evmindex/internal/infrastructure/evm"
	"evmindex/internal/infrastructure/leveldb"
)

var testChainID = big.NewInt(4242)

// storeRuntime writes calldata word 0 to slot 0 and emits it as the LOG1
// topic; a zero argument reverts.
var storeRuntime = []byte{
	0x60, 0x00, 0x35, 0x80, 0x15, 0x60, 0x12, 0x57, 0x80, 0x60, 0x00, 0x55,
	0x60, 0x00, 0x60, 0x00, 0xa1, 0x00, 0x5b, 0x60, 0x00, 0x60, 0x00, 0xfd,
}

func deployCode(runtime []byte) []byte {
	n := len(runtime)
	prefix := []byte{0x61, byte(n >> 8), byte(n), 0x80, 0x61, 0x00, 0x0d, 0x60, 0x00, 0x39, 0x60, 0x00, 0xf3}
	return append(prefix, runtime...)
}

func word(v uint64) []byte {
	return common.BigToHash(new(big.Int).SetUint64(v)).Bytes()
}

type testNode struct {
	producer  *application.Producer
	server    *Server
	rpc       *rpc.Client
	eth       *ethclient.Client
	nativeKey ed25519.PrivateKey
	native    common.Address
	ethKey    *ecdsa.PrivateKey
	external  common.Address
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	ctx := context.Background()

	store, err := leveldb.Open(leveldb.Options{ReceiptsMax: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	engine, err := evm.NewEngine(evm.Options{ChainID: testChainID})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	resolver, err := application.NewResolver(store, testChainID)
	require.NoError(t, err)
	decoder, err := application.NewDecoder(testChainID, resolver)
	require.NoError(t, err)

	var query *application.Query
	sequencer, err := application.NewSequencer(application.NonceReaderFunc(func(ctx context.Context, addr common.Address) (uint64, error) {
		return query.NonceAt(ctx, addr)
	}), true)
	require.NoError(t, err)

	mempool := application.NewMempool(64)
	fanout := application.NewFanout(application.FanoutConfig{QueueSize: 16})
	producer, err := application.NewProducer(engine, store, nil, mempool, sequencer, fanout, nil, application.ProducerConfig{})
	require.NoError(t, err)
	query, err = application.NewQuery(producer, store, store, engine, resolver, application.QueryConfig{MaxLogResults: 100})
	require.NoError(t, err)
	submitter, err := application.NewSubmitter(decoder, sequencer, mempool, store, nil, 30_000_000)
	require.NoError(t, err)

	_, nativeKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	native := domain.NativeAddress(nativeKey.Public().(ed25519.PublicKey))
	ethKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, producer.Init(ctx, map[common.Address]*big.Int{native: big.NewInt(1e18)}))

	server, err := NewServer(Backend{
		ChainID:   testChainID,
		Query:     query,
		Submitter: submitter,
		Sequencer: sequencer,
		Resolver:  resolver,
		Fanout:    fanout,
	}, Config{Version: "test"})
	require.NoError(t, err)
	t.Cleanup(server.Stop)

	client := rpc.DialInProc(server.RPC())
	t.Cleanup(client.Close)

	return &testNode{
		producer:  producer,
		server:    server,
		rpc:       client,
		eth:       ethclient.NewClient(client),
		nativeKey: nativeKey,
		native:    native,
		ethKey:    ethKey,
		external:  crypto.PubkeyToAddress(ethKey.PublicKey),
	}
}

func (n *testNode) produce(t *testing.T) *domain.CommittedBlock {
	t.Helper()
	committed, err := n.producer.ProduceBlock(context.Background())
	require.NoError(t, err)
	require.NotNil(t, committed)
	return committed
}

func (n *testNode) addMapping(t *testing.T) {
	t.Helper()
	mapping, proof, err := application.SignMapping(n.nativeKey, n.ethKey, testChainID)
	require.NoError(t, err)
	var ok bool
	require.NoError(t, n.rpc.Call(&ok, "identity_addMapping", mapping.Native, mapping.External, MappingArgs{
		NativePublicKey:   proof.NativePublicKey,
		NativeSignature:   proof.NativeSignature,
		ExternalSignature: proof.ExternalSignature,
	}))
	require.True(t, ok)
}

func (n *testNode) sendNative(t *testing.T, nonce uint64, to *common.Address, gas uint64, data []byte) common.Hash {
	t.Helper()
	raw, err := application.SignNative(n.nativeKey, application.NativePayload{
		ChainID:  testChainID,
		Nonce:    nonce,
		To:       to,
		Value:    new(big.Int),
		GasLimit: gas,
		Data:     data,
	})
	require.NoError(t, err)
	var hash common.Hash
	require.NoError(t, n.rpc.Call(&hash, "native_sendTransaction", hexutil.Bytes(raw)))
	return hash
}

func (n *testNode) sendEthereum(t *testing.T, tx *types.Transaction) (common.Hash, *types.Transaction) {
	t.Helper()
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), n.ethKey)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	var hash common.Hash
	require.NoError(t, n.rpc.Call(&hash, "eth_sendRawTransaction", hexutil.Bytes(raw)))
	return hash, signed
}

func TestChainInfo(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	id, err := n.eth.ChainID(ctx)
	require.NoError(t, err)
	require.Equal(t, testChainID, id)

	number, err := n.eth.BlockNumber(ctx)
	require.NoError(t, err)
	require.Zero(t, number)

	var version string
	require.NoError(t, n.rpc.Call(&version, "net_version"))
	require.Equal(t, "4242", version)

	var client string
	require.NoError(t, n.rpc.Call(&client, "web3_clientVersion"))
	require.Equal(t, "evmindex/test", client)

	balance, err := n.eth.BalanceAt(ctx, n.native, nil)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(1e18), balance)
}

func TestEthereumTransactionLifecycle(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)

	_, _, err := n.sendEthereumErr(types.NewContractCreation(0, new(big.Int), 500_000, new(big.Int), deployCode(storeRuntime)))
	require.ErrorContains(t, err, domain.ErrUnmappedSigner.Error())

	n.addMapping(t)
	var resolved common.Address
	require.NoError(t, n.rpc.Call(&resolved, "identity_resolve", n.external))
	require.Equal(t, n.native, resolved)

	deployHash, signed := n.sendEthereum(t, types.NewContractCreation(0, new(big.Int), 500_000, new(big.Int), deployCode(storeRuntime)))
	require.NotEqual(t, signed.Hash(), deployHash)

	pending, err := n.eth.PendingNonceAt(ctx, n.external)
	require.NoError(t, err)
	require.Equal(t, uint64(1), pending)
	committedNonce, err := n.eth.NonceAt(ctx, n.external, nil)
	require.NoError(t, err)
	require.Zero(t, committedNonce)

	committed := n.produce(t)
	require.Len(t, committed.Transactions, 1)

	receipt, err := n.eth.TransactionReceipt(ctx, deployHash)
	require.NoError(t, err)
	require.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	require.Equal(t, deployHash, receipt.TxHash)
	contract := crypto.CreateAddress(n.native, 0)
	require.Equal(t, contract, receipt.ContractAddress)

	byEvmHash, err := n.eth.TransactionReceipt(ctx, signed.Hash())
	require.NoError(t, err)
	require.Equal(t, deployHash, byEvmHash.TxHash)

	var rawTx map[string]interface{}
	require.NoError(t, n.rpc.Call(&rawTx, "eth_getTransactionByHash", deployHash))
	require.Equal(t, deployHash.Hex(), rawTx["hash"])
	require.Equal(t, signed.Hash().Hex(), rawTx["evmHash"])
	require.Equal(t, strings.ToLower(n.native.Hex()), strings.ToLower(rawTx["from"].(string)))
	require.Equal(t, "ethereum", rawTx["kind"])

	code, err := n.eth.CodeAt(ctx, contract, nil)
	require.NoError(t, err)
	require.Equal(t, storeRuntime, code)

	nonce, err := n.eth.NonceAt(ctx, n.external, nil)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
}

func (n *testNode) sendEthereumErr(tx *types.Transaction) (common.Hash, *types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(testChainID), n.ethKey)
	if err != nil {
		return common.Hash{}, nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return common.Hash{}, nil, err
	}
	var hash common.Hash
	err = n.rpc.Call(&hash, "eth_sendRawTransaction", hexutil.Bytes(raw))
	return hash, signed, err
}

func TestCallEstimateAndRevert(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	contract := crypto.CreateAddress(n.native, 0)
	n.sendNative(t, 0, nil, 500_000, deployCode(storeRuntime))
	n.produce(t)

	out, err := n.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: word(7)}, nil)
	require.NoError(t, err)
	require.Empty(t, out)

	gas, err := n.eth.EstimateGas(ctx, ethereum.CallMsg{From: n.native, To: &contract, Data: word(5)})
	require.NoError(t, err)
	require.Greater(t, gas, uint64(21_000))

	_, err = n.eth.CallContract(ctx, ethereum.CallMsg{From: n.native, To: &contract, Gas: gas, Data: word(5)}, nil)
	require.NoError(t, err)
	_, err = n.eth.CallContract(ctx, ethereum.CallMsg{From: n.native, To: &contract, Gas: gas / 2, Data: word(5)}, nil)
	require.ErrorContains(t, err, "out of gas")

	_, err = n.eth.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: word(0)}, nil)
	require.Error(t, err)
	var rpcErr rpc.Error
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, 3, rpcErr.ErrorCode())
	require.Contains(t, err.Error(), "execution reverted")

	_, err = n.eth.EstimateGas(ctx, ethereum.CallMsg{To: &contract, Data: word(0)})
	require.Error(t, err)
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, 3, rpcErr.ErrorCode())
}

func TestRevertedTransactionReceipt(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	contract := crypto.CreateAddress(n.native, 0)
	n.sendNative(t, 0, nil, 500_000, deployCode(storeRuntime))
	n.produce(t)

	reverted := n.sendNative(t, 1, &contract, 100_000, word(0))
	starved := n.sendNative(t, 2, &contract, 21_500, word(9))
	n.produce(t)

	var receipt RPCReceipt
	require.NoError(t, n.rpc.Call(&receipt, "eth_getTransactionReceipt", reverted))
	require.Equal(t, hexutil.Uint64(0), receipt.Status)
	require.Equal(t, "execution reverted", receipt.FailureReason)

	require.NoError(t, n.rpc.Call(&receipt, "eth_getTransactionReceipt", starved))
	require.Equal(t, hexutil.Uint64(0), receipt.Status)
	require.Contains(t, receipt.FailureReason, "out of gas")

	_, err := n.eth.TransactionReceipt(ctx, common.HexToHash("0xdead"))
	require.ErrorIs(t, err, ethereum.NotFound)
}

func TestStorageReads(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	contract := crypto.CreateAddress(n.native, 0)
	n.sendNative(t, 0, nil, 500_000, deployCode(storeRuntime))
	n.produce(t)
	n.sendNative(t, 1, &contract, 100_000, word(77))
	n.produce(t)

	value, err := n.eth.StorageAt(ctx, contract, common.Hash{}, nil)
	require.NoError(t, err)
	require.Equal(t, word(77), value)

	historical, err := n.eth.StorageAt(ctx, contract, common.Hash{}, big.NewInt(1))
	require.NoError(t, err)
	require.Empty(t, historical)
}

func TestBlocksAndLogs(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t)
	contract := crypto.CreateAddress(n.native, 0)
	n.sendNative(t, 0, nil, 500_000, deployCode(storeRuntime))
	n.produce(t)

	first := n.sendNative(t, 1, &contract, 100_000, word(1111))
	second := n.sendNative(t, 2, &contract, 100_000, word(2222))
	committed := n.produce(t)

	header, err := n.eth.HeaderByNumber(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, committed.Block.Hash, header.Hash())
	require.Equal(t, uint64(2), header.Number.Uint64())

	byHash, err := n.eth.HeaderByHash(ctx, committed.Block.Hash)
	require.NoError(t, err)
	require.Equal(t, committed.Block.Hash, byHash.Hash())

	count, err := n.eth.TransactionCount(ctx, committed.Block.Hash)
	require.NoError(t, err)
	require.Equal(t, uint(2), count)

	var block map[string]interface{}
	require.NoError(t, n.rpc.Call(&block, "eth_getBlockByNumber", "latest", false))
	txs := block["transactions"].([]interface{})
	require.Equal(t, []interface{}{first.Hex(), second.Hex()}, txs)

	var missing map[string]interface{}
	require.NoError(t, n.rpc.Call(&missing, "eth_getBlockByNumber", hexutil.Uint64(99), false))
	require.Nil(t, missing)

	logs, err := n.eth.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(0),
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{common.BytesToHash(word(2222))}},
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, second, logs[0].TxHash)
	require.Equal(t, uint(1), logs[0].TxIndex)

	all, err := n.eth.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &committed.Block.Hash})
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, first, all[0].TxHash)

	_, err = n.eth.FilterLogs(ctx, ethereum.FilterQuery{FromBlock: big.NewInt(2), ToBlock: big.NewInt(1)})
	require.Error(t, err)
}

func TestPastLogsWithoutRangeScanHistory(t *testing.T) {
	n := newTestNode(t)
	contract := crypto.CreateAddress(n.native, 0)
	n.sendNative(t, 0, nil, 500_000, deployCode(storeRuntime))
	n.produce(t)
	first := n.sendNative(t, 1, &contract, 100_000, word(1111))
	n.produce(t)
	second := n.sendNative(t, 2, &contract, 100_000, word(2222))
	n.produce(t)

	for _, method := range []string{"eth_getLogs", "eth_getPastLogs"} {
		var logs []RPCLog
		require.NoError(t, n.rpc.Call(&logs, method, map[string]interface{}{"address": contract}))
		require.Len(t, logs, 2, method)
		require.Equal(t, first, logs[0].TransactionHash)
		require.Equal(t, hexutil.Uint64(2), logs[0].BlockNumber)
		require.Equal(t, second, logs[1].TransactionHash)
		require.Equal(t, hexutil.Uint64(3), logs[1].BlockNumber)
	}

	var upTo []RPCLog
	require.NoError(t, n.rpc.Call(&upTo, "eth_getLogs", map[string]interface{}{"address": contract, "toBlock": "0x2"}))
	require.Len(t, upTo, 1)
	require.Equal(t, first, upTo[0].TransactionHash)
}

func TestSharedNativePayloadKeepsHashesApart(t *testing.T) {
	n := newTestNode(t)
	_, otherKey, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := application.NativePayload{
		ChainID:  testChainID,
		To:       &common.Address{0x01},
		Value:    new(big.Int),
		GasLimit: 50_000,
	}
	var hashes []common.Hash
	for _, key := range []ed25519.PrivateKey{n.nativeKey, otherKey} {
		raw, err := application.SignNative(key, payload)
		require.NoError(t, err)
		var hash common.Hash
		require.NoError(t, n.rpc.Call(&hash, "native_sendTransaction", hexutil.Bytes(raw)))
		hashes = append(hashes, hash)
	}
	require.NotEqual(t, hashes[0], hashes[1])
	n.produce(t)

	var evmHashes []common.Hash
	for i, hash := range hashes {
		var byPosition common.Hash
		require.NoError(t, n.rpc.Call(&byPosition, "canonical_tx_hash", hexutil.Uint64(1), hexutil.Uint64(i), nil))
		require.Equal(t, hash, byPosition)

		var tx RPCTransaction
		require.NoError(t, n.rpc.Call(&tx, "eth_getTransactionByHash", hash))
		evmHashes = append(evmHashes, tx.EvmHash)

		var byEvmHash common.Hash
		require.NoError(t, n.rpc.Call(&byEvmHash, "canonical_tx_hash", nil, nil, tx.EvmHash))
		require.Equal(t, hash, byEvmHash)

		var receipt RPCReceipt
		require.NoError(t, n.rpc.Call(&receipt, "eth_getTransactionReceipt", tx.EvmHash))
		require.Equal(t, hash, receipt.TransactionHash)
	}
	require.NotEqual(t, evmHashes[0], evmHashes[1])
}

func TestCanonicalTxHash(t *testing.T) {
	n := newTestNode(t)
	n.addMapping(t)
	hash, signed := n.sendEthereum(t, types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       &common.Address{0x01},
		Gas:      50_000,
		GasPrice: new(big.Int),
		Value:    new(big.Int),
	}))
	n.produce(t)

	var byPosition, byEvmHash common.Hash
	require.NoError(t, n.rpc.Call(&byPosition, "canonical_tx_hash", hexutil.Uint64(1), hexutil.Uint64(0), nil))
	require.NoError(t, n.rpc.Call(&byEvmHash, "canonical_tx_hash", nil, nil, signed.Hash()))
	require.Equal(t, hash, byPosition)
	require.Equal(t, hash, byEvmHash)

	var unknown *common.Hash
	require.NoError(t, n.rpc.Call(&unknown, "canonical_tx_hash", hexutil.Uint64(1), hexutil.Uint64(5), nil))
	require.Nil(t, unknown)
}

func TestSubscriptions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n := newTestNode(t)
	contract := crypto.CreateAddress(n.native, 0)

	heads := make(chan *types.Header, 4)
	headSub, err := n.eth.SubscribeNewHead(ctx, heads)
	require.NoError(t, err)
	defer headSub.Unsubscribe()

	logs := make(chan types.Log, 4)
	logSub, err := n.eth.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{common.BytesToHash(word(42))}},
	}, logs)
	require.NoError(t, err)
	defer logSub.Unsubscribe()

	n.sendNative(t, 0, nil, 500_000, deployCode(storeRuntime))
	first := n.produce(t)
	n.sendNative(t, 1, &contract, 100_000, word(41))
	tx := n.sendNative(t, 2, &contract, 100_000, word(42))
	second := n.produce(t)

	for _, want := range []common.Hash{first.Block.Hash, second.Block.Hash} {
		select {
		case header := <-heads:
			require.Equal(t, want, header.Hash())
		case err := <-headSub.Err():
			t.Fatalf("head subscription failed: %v", err)
		case <-ctx.Done():
			t.Fatal("timed out waiting for head")
		}
	}

	select {
	case log := <-logs:
		require.Equal(t, tx, log.TxHash)
		require.Equal(t, second.Block.Hash, log.BlockHash)
	case err := <-logSub.Err():
		t.Fatalf("log subscription failed: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for log")
	}
}

func TestTraceTransaction(t *testing.T) {
	n := newTestNode(t)
	contract := crypto.CreateAddress(n.native, 0)
	n.sendNative(t, 0, nil, 500_000, deployCode(storeRuntime))
	n.produce(t)
	hash := n.sendNative(t, 1, &contract, 100_000, word(3))
	n.produce(t)

	var trace struct {
		Failed     bool `json:"failed"`
		StructLogs []struct {
			Op string `json:"op"`
		} `json:"structLogs"`
	}
	require.NoError(t, n.rpc.Call(&trace, "debug_traceTransaction", hash, nil))
	require.False(t, trace.Failed)
	require.NotEmpty(t, trace.StructLogs)

	var ignored interface{}
	tracer := "callTracer"
	err := n.rpc.Call(&ignored, "debug_traceTransaction", hash, TraceConfig{Tracer: &tracer})
	require.ErrorContains(t, err, "not supported")
}

func TestHTTPHandler(t *testing.T) {
	n := newTestNode(t)
	srv := httptest.NewServer(n.server.Handler())
	defer srv.Close()

	client, err := ethclient.Dial(srv.URL)
	require.NoError(t, err)
	defer client.Close()
	id, err := client.ChainID(context.Background())
	require.NoError(t, err)
	require.Equal(t, testChainID, id)

	req, err := http.NewRequest(http.MethodOptions, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
