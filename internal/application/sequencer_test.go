package application

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"evmindex/internal/domain"
)

type fixedNonces struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func (f *fixedNonces) NonceAt(_ context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[addr], nil
}

func (f *fixedNonces) set(addr common.Address, nonce uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[addr] = nonce
}

var sequencerSender = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func pendingTx(nonce uint64) *domain.Transaction {
	return &domain.Transaction{From: sequencerSender, Nonce: nonce, Hash: common.BigToHash(common.Big1), GasLimit: 21_000}
}

func TestSequencerSpeculativeNonces(t *testing.T) {
	ctx := context.Background()
	nonces := &fixedNonces{nonces: map[common.Address]uint64{sequencerSender: 4}}
	seq, err := NewSequencer(nonces, true)
	require.NoError(t, err)

	require.ErrorIs(t, seq.Reserve(ctx, pendingTx(3)), domain.ErrNonceTooLow)
	require.ErrorIs(t, seq.Reserve(ctx, pendingTx(5)), domain.ErrNonceTooHigh)
	require.NoError(t, seq.Reserve(ctx, pendingTx(4)))
	require.NoError(t, seq.Reserve(ctx, pendingTx(5)))
	require.ErrorIs(t, seq.Reserve(ctx, pendingTx(5)), domain.ErrNonceTooLow)
	require.Equal(t, 2, seq.Pending(sequencerSender))

	next, err := seq.NextNonce(ctx, sequencerSender)
	require.NoError(t, err)
	require.Equal(t, uint64(6), next)

	// chain state moves only when the block commits
	nonces.set(sequencerSender, 6)
	seq.Settle([]*domain.Transaction{pendingTx(4), pendingTx(5)})
	require.Equal(t, 0, seq.Pending(sequencerSender))
	require.ErrorIs(t, seq.Reserve(ctx, pendingTx(5)), domain.ErrNonceTooLow)
	require.NoError(t, seq.Reserve(ctx, pendingTx(6)))
}

func TestSequencerWithoutSpeculation(t *testing.T) {
	ctx := context.Background()
	nonces := &fixedNonces{nonces: map[common.Address]uint64{}}
	seq, err := NewSequencer(nonces, false)
	require.NoError(t, err)

	require.NoError(t, seq.Reserve(ctx, pendingTx(0)))
	require.ErrorIs(t, seq.Reserve(ctx, pendingTx(1)), domain.ErrNonceTooHigh)

	seq.Release(pendingTx(0))
	require.Equal(t, 0, seq.Pending(sequencerSender))
	require.NoError(t, seq.Reserve(ctx, pendingTx(0)))
}

func TestSequencerConcurrentReserveAdmitsOne(t *testing.T) {
	ctx := context.Background()
	nonces := &fixedNonces{nonces: map[common.Address]uint64{sequencerSender: 4}}
	seq, err := NewSequencer(nonces, true)
	require.NoError(t, err)

	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		tooLow   int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := seq.Reserve(ctx, pendingTx(4))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				admitted++
			case errors.Is(err, domain.ErrNonceTooLow):
				tooLow++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, admitted)
	require.Equal(t, workers-1, tooLow)
	require.Equal(t, 1, seq.Pending(sequencerSender))
	next, err := seq.NextNonce(ctx, sequencerSender)
	require.NoError(t, err)
	require.Equal(t, uint64(5), next)
}

func TestSequencerReserveDuringBlock(t *testing.T) {
	ctx := context.Background()
	nonces := &fixedNonces{nonces: map[common.Address]uint64{sequencerSender: 0}}
	seq, err := NewSequencer(nonces, true)
	require.NoError(t, err)
	mempool := NewMempool(8)

	submit := func(nonce uint64) error {
		tx := pendingTx(nonce)
		tx.Hash = common.BigToHash(new(big.Int).SetUint64(nonce + 1))
		if err := seq.Reserve(ctx, tx); err != nil {
			return err
		}
		return mempool.Add(tx)
	}

	require.NoError(t, submit(0))
	block := mempool.Drain(10, 30_000_000)
	require.Len(t, block, 1)

	// the block is executing: nonce 1 queues behind it
	require.NoError(t, submit(1))
	require.ErrorIs(t, submit(1), domain.ErrNonceTooLow)

	nonces.set(sequencerSender, 1)
	seq.Settle(block)
	require.Equal(t, 1, seq.Pending(sequencerSender))
	require.ErrorIs(t, submit(1), domain.ErrNonceTooLow)
	require.NoError(t, submit(2))

	block = mempool.Drain(10, 30_000_000)
	require.Len(t, block, 2)
	nonces.set(sequencerSender, 3)
	seq.Settle(block)
	require.Zero(t, seq.Pending(sequencerSender))
	next, err := seq.NextNonce(ctx, sequencerSender)
	require.NoError(t, err)
	require.Equal(t, uint64(3), next)
}

func TestSequencerDropsSettledLanes(t *testing.T) {
	ctx := context.Background()
	nonces := &fixedNonces{nonces: map[common.Address]uint64{}}
	seq, err := NewSequencer(nonces, true)
	require.NoError(t, err)

	var settled []*domain.Transaction
	for i := 0; i < 16; i++ {
		tx := &domain.Transaction{From: common.BigToAddress(big.NewInt(int64(i + 1))), GasLimit: 21_000}
		require.NoError(t, seq.Reserve(ctx, tx))
		settled = append(settled, tx)
	}
	require.ErrorIs(t, seq.Reserve(ctx, &domain.Transaction{From: sequencerSender, Nonce: 9}), domain.ErrNonceTooHigh)
	require.Len(t, seq.lanes, 16)

	seq.Settle(settled)
	require.Empty(t, seq.lanes)

	require.NoError(t, seq.Reserve(ctx, pendingTx(0)))
	seq.Release(pendingTx(0))
	require.Empty(t, seq.lanes)
}
