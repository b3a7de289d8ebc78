package sqlite

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"evmindex/internal/application"
	"evmindex/internal/domain"
)

const testChain = uint64(4242)

var (
	emitterA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	emitterB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	topicX   = common.HexToHash("0x0a")
	topicY   = common.HexToHash("0x0b")
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	repo, err := NewRepository(":memory:", testChain)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func testLog(block, txIndex, logIndex uint64, emitter common.Address, topics ...common.Hash) domain.LogEntry {
	return domain.LogEntry{
		Address:     emitter,
		Topics:      topics,
		Data:        []byte{byte(block), byte(logIndex)},
		BlockNumber: block,
		BlockHash:   common.BigToHash(new(big.Int).SetUint64(block)),
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block*100 + txIndex)),
		TxIndex:     txIndex,
		LogIndex:    logIndex,
	}
}

func TestQueryLogsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.IndexLogs(ctx, domain.Block{Number: 2}, []domain.LogEntry{
		testLog(2, 1, 0, emitterA, topicX),
		testLog(2, 0, 1, emitterB, topicY, topicX),
		testLog(2, 0, 0, emitterA, topicY),
	}))
	require.NoError(t, repo.IndexLogs(ctx, domain.Block{Number: 3}, []domain.LogEntry{
		testLog(3, 0, 0, emitterA),
	}))
	// logs of another chain stay invisible to the node index
	require.NoError(t, repo.StoreLogs(ctx, 1, []domain.LogEntry{testLog(2, 5, 0, emitterA, topicX)}))

	all, err := repo.QueryLogs(ctx, domain.LogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		prev, cur := all[i-1], all[i]
		require.True(t, prev.BlockNumber < cur.BlockNumber ||
			(prev.BlockNumber == cur.BlockNumber && prev.TxIndex < cur.TxIndex) ||
			(prev.BlockNumber == cur.BlockNumber && prev.TxIndex == cur.TxIndex && prev.LogIndex < cur.LogIndex))
	}
	require.Equal(t, testLog(2, 0, 0, emitterA, topicY), all[0])

	byAddress, err := repo.QueryLogs(ctx, domain.LogFilter{Addresses: []common.Address{emitterB}})
	require.NoError(t, err)
	require.Len(t, byAddress, 1)
	require.Equal(t, []common.Hash{topicY, topicX}, byAddress[0].Topics)

	secondTopic, err := repo.QueryLogs(ctx, domain.LogFilter{Topics: [][]common.Hash{nil, {topicX}}})
	require.NoError(t, err)
	require.Len(t, secondTopic, 1)
	require.Equal(t, emitterB, secondTopic[0].Address)

	either, err := repo.QueryLogs(ctx, domain.LogFilter{Topics: [][]common.Hash{{topicX, topicY}}})
	require.NoError(t, err)
	require.Len(t, either, 3)

	from, to := uint64(3), uint64(3)
	ranged, err := repo.QueryLogs(ctx, domain.LogFilter{FromBlock: &from, ToBlock: &to})
	require.NoError(t, err)
	require.Len(t, ranged, 1)
	require.Empty(t, ranged[0].Topics)

	limited, err := repo.QueryLogs(ctx, domain.LogFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 3)
}

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	chain := uint64(9)
	external := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	to := common.HexToAddress("0x00000000000000000000000000000000000000cc")

	block := domain.Block{
		Number:    1,
		Hash:      common.HexToHash("0xb1"),
		StateRoot: common.HexToHash("0x5e"),
		Timestamp: 100,
		GasLimit:  30_000_000,
		GasUsed:   21_000,
		TxHashes:  []common.Hash{common.HexToHash("0xc1")},
	}
	tx := domain.Transaction{
		Kind:         domain.TxKindEthereum,
		Hash:         common.HexToHash("0xc1"),
		EvmHash:      common.HexToHash("0xe1"),
		From:         emitterA,
		ExternalFrom: &external,
		To:           &to,
		Nonce:        4,
		Value:        big.NewInt(12345),
		GasLimit:     21_000,
		Data:         []byte{0x01},
		BlockNumber:  1,
		BlockHash:    block.Hash,
	}
	receipt := domain.Receipt{
		TxHash:            tx.Hash,
		EvmTxHash:         tx.EvmHash,
		Status:            domain.StatusReverted,
		FailureReason:     "execution reverted",
		GasUsed:           21_000,
		CumulativeGasUsed: 21_000,
		BlockNumber:       1,
		BlockHash:         block.Hash,
	}

	require.NoError(t, repo.StoreBlocks(ctx, chain, []domain.Block{block}))
	require.NoError(t, repo.StoreTransactions(ctx, chain, []domain.Transaction{tx}))
	require.NoError(t, repo.StoreReceipts(ctx, chain, []domain.Receipt{receipt}))
	require.NoError(t, repo.StoreLogs(ctx, chain, []domain.LogEntry{testLog(1, 0, 0, emitterA, topicX)}))
	require.NoError(t, repo.SetLastProcessedBlock(ctx, chain, 1))

	blocks, err := repo.SearchBlocks(ctx, application.BlockQueryFilter{ChainID: &chain})
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, block, blocks[0])

	byExternal, err := repo.SearchTransactions(ctx, application.TransactionQueryFilter{ChainID: &chain, Address: external.Hex()})
	require.NoError(t, err)
	require.Len(t, byExternal, 1)
	require.Equal(t, tx, byExternal[0])

	byEvmHash, err := repo.SearchTransactions(ctx, application.TransactionQueryFilter{TxHash: tx.EvmHash.Hex()})
	require.NoError(t, err)
	require.Len(t, byEvmHash, 1)

	logs, err := repo.SearchLogs(ctx, application.LogQueryFilter{ChainID: &chain, Topic0: topicX.Hex()})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	min, max, ok, err := repo.BlockRange(ctx, &chain)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), min)
	require.Equal(t, uint64(1), max)

	last, ok, err := repo.LastProcessedBlock(ctx, chain)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), last)

	require.NoError(t, repo.ClearLastProcessedBlock(ctx, chain))
	_, ok, err = repo.LastProcessedBlock(ctx, chain)
	require.NoError(t, err)
	require.False(t, ok)
}
