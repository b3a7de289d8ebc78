package ethrpc

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"evmindex/internal/domain"
)

type fakeEth struct {
	head     uint64
	blocks   map[uint64]map[string]interface{}
	receipts map[common.Hash]map[string]interface{}
}

func (f *fakeEth) ChainId() *hexutil.Big {
	return (*hexutil.Big)(big.NewInt(4242))
}

func (f *fakeEth) BlockNumber() hexutil.Uint64 {
	return hexutil.Uint64(f.head)
}

func (f *fakeEth) GetBlockByNumber(number hexutil.Uint64, full bool) map[string]interface{} {
	return f.blocks[uint64(number)]
}

func (f *fakeEth) GetTransactionReceipt(hash common.Hash) map[string]interface{} {
	return f.receipts[hash]
}

type fakeCanonical struct {
	byPosition map[[2]uint64]common.Hash
	byEvmHash  map[common.Hash]common.Hash
}

func (f *fakeCanonical) Tx_hash(number, index *hexutil.Uint64, evmHash *common.Hash) *common.Hash {
	if evmHash != nil {
		if hash, ok := f.byEvmHash[*evmHash]; ok {
			return &hash
		}
		return nil
	}
	if hash, ok := f.byPosition[[2]uint64{uint64(*number), uint64(*index)}]; ok {
		return &hash
	}
	return nil
}

type fakeIdentity struct {
	mappings map[common.Address]common.Address
}

func (f *fakeIdentity) Resolve(external common.Address) *common.Address {
	if native, ok := f.mappings[external]; ok {
		return &native
	}
	return nil
}

func newTestClient(t *testing.T, eth *fakeEth, canonical *fakeCanonical, identity *fakeIdentity) *Client {
	t.Helper()
	server := rpc.NewServer()
	require.NoError(t, server.RegisterName("eth", eth))
	require.NoError(t, server.RegisterName("canonical", canonical))
	require.NoError(t, server.RegisterName("identity", identity))
	t.Cleanup(server.Stop)
	client := NewFromRPC(rpc.DialInProc(server))
	t.Cleanup(client.Close)
	return client
}

func TestChainInfo(t *testing.T) {
	client := newTestClient(t, &fakeEth{head: 12}, &fakeCanonical{}, &fakeIdentity{})
	ctx := context.Background()

	id, err := client.ChainID(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4242), id)

	head, err := client.LatestBlockNumber(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(12), head)
}

func TestCanonicalTxHashAndIdentity(t *testing.T) {
	canonicalHash := common.HexToHash("0xc0")
	evmHash := common.HexToHash("0xe0")
	external := common.HexToAddress("0xee")
	native := common.HexToAddress("0xaa")
	client := newTestClient(t, &fakeEth{}, &fakeCanonical{
		byPosition: map[[2]uint64]common.Hash{{3, 1}: canonicalHash},
		byEvmHash:  map[common.Hash]common.Hash{evmHash: canonicalHash},
	}, &fakeIdentity{mappings: map[common.Address]common.Address{external: native}})
	ctx := context.Background()

	hash, err := client.CanonicalTxHash(ctx, 3, 1, common.Hash{})
	require.NoError(t, err)
	require.Equal(t, canonicalHash, hash)

	hash, err = client.CanonicalTxHash(ctx, 0, 0, evmHash)
	require.NoError(t, err)
	require.Equal(t, canonicalHash, hash)

	_, err = client.CanonicalTxHash(ctx, 3, 2, common.Hash{})
	require.ErrorIs(t, err, ErrNotFound)

	resolved, err := client.ResolveIdentity(ctx, external)
	require.NoError(t, err)
	require.Equal(t, native, resolved)

	_, err = client.ResolveIdentity(ctx, native)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCommittedBlock(t *testing.T) {
	blockHash := common.HexToHash("0xb1")
	okTx := common.HexToHash("0x01")
	oogTx := common.HexToHash("0x02")
	contract := common.HexToAddress("0xcc")
	sender := common.HexToAddress("0xaa")
	topic := common.HexToHash("0x7")

	eth := &fakeEth{
		head: 1,
		blocks: map[uint64]map[string]interface{}{
			1: {
				"number":     "0x1",
				"hash":       blockHash,
				"parentHash": common.HexToHash("0xb0"),
				"stateRoot":  common.HexToHash("0x5"),
				"timestamp":  "0x64",
				"gasLimit":   "0x1c9c380",
				"gasUsed":    "0x5208",
				"transactions": []map[string]interface{}{
					{"hash": okTx, "evmHash": common.HexToHash("0xe1"), "kind": "ethereum", "from": sender, "externalFrom": common.HexToAddress("0xee"), "to": contract, "nonce": "0x0", "value": "0x0", "gas": "0x186a0", "input": "0x01", "transactionIndex": "0x0"},
					{"hash": oogTx, "evmHash": common.HexToHash("0xe2"), "kind": "native", "from": sender, "to": contract, "nonce": "0x1", "value": "0x0", "gas": "0x5300", "input": "0x", "transactionIndex": "0x1"},
				},
			},
			2: nil,
		},
		receipts: map[common.Hash]map[string]interface{}{
			okTx: {
				"transactionHash": okTx, "evmTxHash": common.HexToHash("0xe1"), "transactionIndex": "0x0", "from": sender, "to": contract,
				"gasUsed": "0x5208", "cumulativeGasUsed": "0x5208", "status": "0x1",
				"logs": []map[string]interface{}{{"address": contract, "topics": []common.Hash{topic}, "data": "0x", "transactionIndex": "0x0", "logIndex": "0x0"}},
			},
			oogTx: {
				"transactionHash": oogTx, "evmTxHash": common.HexToHash("0xe2"), "transactionIndex": "0x1", "from": sender, "to": contract,
				"gasUsed": "0x5300", "cumulativeGasUsed": "0xa508", "status": "0x0", "failureReason": "out of gas", "logs": []interface{}{},
			},
		},
	}
	client := newTestClient(t, eth, &fakeCanonical{}, &fakeIdentity{})
	ctx := context.Background()

	committed, err := client.CommittedBlock(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, committed)
	require.Equal(t, blockHash, committed.Block.Hash)
	require.Equal(t, uint64(100), committed.Block.Timestamp)
	require.Equal(t, []common.Hash{okTx, oogTx}, committed.Block.TxHashes)

	require.Len(t, committed.Transactions, 2)
	require.Equal(t, domain.TxKindEthereum, committed.Transactions[0].Kind)
	require.NotNil(t, committed.Transactions[0].ExternalFrom)
	require.Equal(t, domain.TxKindNative, committed.Transactions[1].Kind)
	require.Equal(t, uint64(1), committed.Transactions[1].TxIndex)

	require.Len(t, committed.Receipts, 2)
	require.Equal(t, domain.StatusCommitted, committed.Receipts[0].Status)
	require.Equal(t, domain.StatusOutOfGas, committed.Receipts[1].Status)
	logs := committed.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, okTx, logs[0].TxHash)
	require.Equal(t, blockHash, logs[0].BlockHash)
	require.Equal(t, []common.Hash{topic}, logs[0].Topics)

	missing, err := client.CommittedBlock(ctx, 2)
	require.NoError(t, err)
	require.Nil(t, missing)

	delete(eth.receipts, oogTx)
	evicted, err := client.CommittedBlock(ctx, 1)
	require.ErrorIs(t, err, domain.ErrReceiptNotFound)
	require.ErrorContains(t, err, oogTx.Hex())
	require.Nil(t, evicted)
}
