package evm

import (
	"context"
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"evmindex/internal/domain"
)

var testSender = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

// storeRuntime writes calldata word 0 to slot 0 and emits it as LOG1
// topic; a zero argument reverts.
var storeRuntime = []byte{
	0x60, 0x00, 0x35, 0x80, 0x15, 0x60, 0x12, 0x57, 0x80, 0x60, 0x00, 0x55,
	0x60, 0x00, 0x60, 0x00, 0xa1, 0x00, 0x5b, 0x60, 0x00, 0x60, 0x00, 0xfd,
}

// pushRuntime appends calldata word 0 to the dynamic array at slot 1.
var pushRuntime = []byte{
	0x60, 0x01, 0x54, 0x80, 0x60, 0x01, 0x01, 0x60, 0x01, 0x55, 0x60, 0x01,
	0x60, 0x00, 0x52, 0x60, 0x20, 0x60, 0x00, 0x20, 0x01, 0x60, 0x00, 0x35,
	0x90, 0x55, 0x00,
}

// innerRuntime emits topic 0x0c.
var innerRuntime = []byte{0x60, 0x0c, 0x60, 0x00, 0x60, 0x00, 0xa1, 0x00}

// middleRuntime calls the address in calldata word 0, then emits 0x0b.
var middleRuntime = []byte{
	0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x60, 0x00,
	0x35, 0x5a, 0xf1, 0x50, 0x60, 0x0b, 0x60, 0x00, 0x60, 0x00, 0xa1, 0x00,
}

// outerRuntime calls word 0 forwarding word 1 as calldata, then emits 0x0a.
var outerRuntime = []byte{
	0x60, 0x20, 0x35, 0x60, 0x00, 0x52, 0x60, 0x00, 0x60, 0x00, 0x60, 0x20,
	0x60, 0x00, 0x60, 0x00, 0x60, 0x00, 0x35, 0x5a, 0xf1, 0x50, 0x60, 0x0a,
	0x60, 0x00, 0x60, 0x00, 0xa1, 0x00,
}

func initCode(runtime []byte) []byte {
	n := len(runtime)
	prefix := []byte{0x61, byte(n >> 8), byte(n), 0x80, 0x61, 0x00, 0x0d, 0x60, 0x00, 0x39, 0x60, 0x00, 0xf3}
	return append(prefix, runtime...)
}

func word(v uint64) []byte {
	return common.BigToHash(new(big.Int).SetUint64(v)).Bytes()
}

func addressWord(addr common.Address) []byte {
	return common.BytesToHash(addr.Bytes()).Bytes()
}

func nativeTx(nonce uint64, to *common.Address, gas uint64, data []byte) *domain.Transaction {
	evmHash := crypto.Keccak256Hash(testSender.Bytes(), word(nonce), data)
	return &domain.Transaction{
		Kind:     domain.TxKindNative,
		Hash:     domain.CanonicalHash(evmHash, testSender),
		EvmHash:  evmHash,
		From:     testSender,
		To:       to,
		Nonce:    nonce,
		Value:    new(big.Int),
		GasLimit: gas,
		Data:     data,
	}
}

type testChain struct {
	engine *Engine
	root   common.Hash
	number uint64
}

func newTestChain(t *testing.T) *testChain {
	t.Helper()
	engine, err := NewEngine(Options{ChainID: big.NewInt(1337), CallGasCap: 10_000_000})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	root, err := engine.Genesis(map[common.Address]*big.Int{testSender: big.NewInt(1e18)})
	require.NoError(t, err)
	return &testChain{engine: engine, root: root}
}

func (c *testChain) env() domain.BlockEnv {
	return domain.BlockEnv{Number: c.number + 1, Time: 1000 + c.number, GasLimit: 30_000_000}
}

// block applies txs in a fresh session and commits the result.
func (c *testChain) block(t *testing.T, txs ...*domain.Transaction) []*domain.Receipt {
	t.Helper()
	session, err := c.engine.NewSession(c.root, c.env())
	require.NoError(t, err)
	var receipts []*domain.Receipt
	for _, tx := range txs {
		receipt, err := session.Apply(tx)
		require.NoError(t, err)
		receipts = append(receipts, receipt)
	}
	root, err := session.Commit()
	require.NoError(t, err)
	c.root = root
	c.number++
	return receipts
}

func TestApplyConsumesNonceOnEveryOutcome(t *testing.T) {
	chain := newTestChain(t)
	contract := crypto.CreateAddress(testSender, 0)

	receipts := chain.block(t,
		nativeTx(0, nil, 500_000, initCode(storeRuntime)),
		nativeTx(1, &contract, 100_000, word(1111)),
		nativeTx(2, &contract, 100_000, word(0)),
		nativeTx(3, &contract, 20_000, word(5)),
		nativeTx(4, &contract, 100_000, word(2222)),
	)

	require.Equal(t, domain.StatusCommitted, receipts[0].Status)
	require.Equal(t, contract, *receipts[0].ContractAddress)
	require.Equal(t, domain.StatusCommitted, receipts[1].Status)
	require.Equal(t, domain.StatusReverted, receipts[2].Status)
	require.Equal(t, "execution reverted", receipts[2].FailureReason)
	require.Empty(t, receipts[2].Logs)
	require.Equal(t, domain.StatusOutOfGas, receipts[3].Status)
	require.Equal(t, uint64(20_000), receipts[3].GasUsed)
	require.Contains(t, receipts[3].FailureReason, "out of gas")
	require.Equal(t, domain.StatusCommitted, receipts[4].Status)

	var cumulative uint64
	for i, receipt := range receipts {
		cumulative += receipt.GasUsed
		require.Equal(t, cumulative, receipt.CumulativeGasUsed)
		require.Equal(t, uint64(i), receipt.TxIndex)
	}

	nonce, err := chain.engine.Nonce(chain.root, testSender)
	require.NoError(t, err)
	require.Equal(t, uint64(5), nonce)

	value, err := chain.engine.StorageAt(chain.root, contract, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, common.BytesToHash(word(2222)), value)
}

func TestApplyInsufficientFundsReverts(t *testing.T) {
	chain := newTestChain(t)
	to := common.HexToAddress("0xbeef")
	tx := nativeTx(0, &to, 21_000, nil)
	tx.Value = new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18))

	receipts := chain.block(t, tx)
	require.Equal(t, domain.StatusReverted, receipts[0].Status)
	require.Contains(t, receipts[0].FailureReason, "revert")
	require.Contains(t, receipts[0].FailureReason, "insufficient funds")

	nonce, err := chain.engine.Nonce(chain.root, testSender)
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce)
	balance, err := chain.engine.Balance(chain.root, to)
	require.NoError(t, err)
	require.Zero(t, balance.Sign())
}

func TestApplyRejectsNonceMismatchWithoutStateChange(t *testing.T) {
	chain := newTestChain(t)
	session, err := chain.engine.NewSession(chain.root, chain.env())
	require.NoError(t, err)

	to := common.HexToAddress("0xbeef")
	_, err = session.Apply(nativeTx(1, &to, 21_000, nil))
	require.ErrorIs(t, err, domain.ErrNonceTooHigh)

	receipt, err := session.Apply(nativeTx(0, &to, 21_000, nil))
	require.NoError(t, err)
	require.Equal(t, uint64(0), receipt.TxIndex)

	_, err = session.Apply(nativeTx(0, &to, 21_000, nil))
	require.ErrorIs(t, err, domain.ErrNonceTooLow)
}

func TestLogsFollowCompletionOrder(t *testing.T) {
	chain := newTestChain(t)
	inner := crypto.CreateAddress(testSender, 0)
	middle := crypto.CreateAddress(testSender, 1)
	outer := crypto.CreateAddress(testSender, 2)
	chain.block(t,
		nativeTx(0, nil, 200_000, initCode(innerRuntime)),
		nativeTx(1, nil, 200_000, initCode(middleRuntime)),
		nativeTx(2, nil, 200_000, initCode(outerRuntime)),
	)

	data := append(addressWord(middle), addressWord(inner)...)
	receipts := chain.block(t, nativeTx(3, &outer, 500_000, data))
	require.Equal(t, domain.StatusCommitted, receipts[0].Status)
	require.Len(t, receipts[0].Logs, 3)

	expected := []struct {
		emitter common.Address
		topic   uint64
	}{{inner, 0x0c}, {middle, 0x0b}, {outer, 0x0a}}
	for i, want := range expected {
		log := receipts[0].Logs[i]
		require.Equal(t, want.emitter, log.Address)
		require.Equal(t, common.BytesToHash(word(want.topic)), log.Topics[0])
		require.Equal(t, uint64(i), log.LogIndex)
		require.Equal(t, receipts[0].TxHash, log.TxHash)
	}
}

func TestStorageArrayElements(t *testing.T) {
	chain := newTestChain(t)
	contract := crypto.CreateAddress(testSender, 0)
	chain.block(t,
		nativeTx(0, nil, 200_000, initCode(pushRuntime)),
		nativeTx(1, &contract, 100_000, word(7)),
		nativeTx(2, &contract, 100_000, word(9)),
	)

	length, err := chain.engine.StorageAt(chain.root, contract, common.BigToHash(big.NewInt(1)))
	require.NoError(t, err)
	require.Equal(t, common.BigToHash(big.NewInt(2)), length)

	base := new(big.Int).SetBytes(crypto.Keccak256(word(1)))
	for i, want := range []uint64{7, 9} {
		slot := common.BigToHash(new(big.Int).Add(base, big.NewInt(int64(i))))
		value, err := chain.engine.StorageAt(chain.root, contract, slot)
		require.NoError(t, err)
		require.Equal(t, common.BytesToHash(word(want)), value)
	}
}

func TestEstimateGasForDeployment(t *testing.T) {
	chain := newTestChain(t)
	runtime := append(append([]byte{}, storeRuntime...), make([]byte, 400)...)
	req := domain.CallRequest{From: testSender, Data: initCode(runtime)}

	estimate, reverted, err := chain.engine.EstimateGas(context.Background(), chain.root, chain.env(), req)
	require.NoError(t, err)
	require.Nil(t, reverted)

	half := req
	half.Gas = estimate / 2
	result, err := chain.engine.Call(context.Background(), chain.root, chain.env(), half)
	if err == nil {
		require.Equal(t, domain.StatusOutOfGas, result.Status)
		require.Contains(t, result.Reason, "out of gas")
	} else {
		require.Contains(t, err.Error(), "gas")
	}

	full := req
	full.Gas = estimate
	result, err = chain.engine.Call(context.Background(), chain.root, chain.env(), full)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCommitted, result.Status)

	below := req
	below.Gas = estimate - 1
	result, err = chain.engine.Call(context.Background(), chain.root, chain.env(), below)
	require.NoError(t, err)
	require.False(t, result.Status.Succeeded())
}

func TestCallReportsRevertAndLeavesStateUntouched(t *testing.T) {
	chain := newTestChain(t)
	contract := crypto.CreateAddress(testSender, 0)
	chain.block(t, nativeTx(0, nil, 500_000, initCode(storeRuntime)))

	result, err := chain.engine.Call(context.Background(), chain.root, chain.env(), domain.CallRequest{To: &contract, Data: word(0)})
	require.NoError(t, err)
	require.Equal(t, domain.StatusReverted, result.Status)

	result, err = chain.engine.Call(context.Background(), chain.root, chain.env(), domain.CallRequest{To: &contract, Data: word(42)})
	require.NoError(t, err)
	require.Equal(t, domain.StatusCommitted, result.Status)

	value, err := chain.engine.StorageAt(chain.root, contract, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, common.Hash{}, value)

	_, reverted, err := chain.engine.EstimateGas(context.Background(), chain.root, chain.env(), domain.CallRequest{From: testSender, To: &contract, Data: word(0)})
	require.NoError(t, err)
	require.NotNil(t, reverted)
	require.Equal(t, domain.StatusReverted, reverted.Status)
}

func TestTraceReplaysPrefix(t *testing.T) {
	chain := newTestChain(t)
	contract := crypto.CreateAddress(testSender, 0)
	parent := chain.root
	deploy := nativeTx(0, nil, 500_000, initCode(storeRuntime))
	set := nativeTx(1, &contract, 100_000, word(77))
	chain.block(t, deploy, set)

	raw, err := chain.engine.Trace(context.Background(), parent, domain.BlockEnv{Number: 1, Time: 1000, GasLimit: 30_000_000},
		[]domain.Transaction{*deploy}, *set, domain.TraceOptions{DisableMemory: true})
	require.NoError(t, err)

	var result struct {
		Gas        uint64            `json:"gas"`
		Failed     bool              `json:"failed"`
		StructLogs []json.RawMessage `json:"structLogs"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.False(t, result.Failed)
	require.NotEmpty(t, result.StructLogs)
	require.NotZero(t, result.Gas)
}
