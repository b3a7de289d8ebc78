package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"evmindex/internal/domain"
)

type NonceReader interface {
	NonceAt(ctx context.Context, addr common.Address) (uint64, error)
}

// NonceReaderFunc adapts a function to NonceReader.
type NonceReaderFunc func(ctx context.Context, addr common.Address) (uint64, error)

func (f NonceReaderFunc) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return f(ctx, addr)
}

type lane struct {
	mu      sync.Mutex
	next    uint64
	pending int
	// retired lanes have left the map; holders must look the sender up again.
	retired bool
}

// Sequencer linearizes nonce reservation per sender. It never touches
// chain state: nonces move only when a block commits. A sender keeps a
// lane only while it has unsettled reservations.
type Sequencer struct {
	nonces      NonceReader
	speculative bool

	mu    sync.Mutex
	lanes map[common.Address]*lane
}

func NewSequencer(nonces NonceReader, speculative bool) (*Sequencer, error) {
	if nonces == nil {
		return nil, errors.New("nonce reader is required")
	}
	return &Sequencer{
		nonces:      nonces,
		speculative: speculative,
		lanes:       make(map[common.Address]*lane),
	}, nil
}

// acquire returns the sender's live lane with its lock held.
func (s *Sequencer) acquire(addr common.Address) *lane {
	for {
		s.mu.Lock()
		l, ok := s.lanes[addr]
		if !ok {
			l = &lane{}
			s.lanes[addr] = l
		}
		s.mu.Unlock()

		l.mu.Lock()
		if !l.retired {
			return l
		}
		l.mu.Unlock()
	}
}

// existing returns the sender's lane with its lock held, or nil when the
// sender has nothing pending.
func (s *Sequencer) existing(addr common.Address) *lane {
	s.mu.Lock()
	l, ok := s.lanes[addr]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	l.mu.Lock()
	if l.retired {
		l.mu.Unlock()
		return nil
	}
	return l
}

// releaseLocked drops one reservation and retires the lane once it is
// empty. The caller holds l.mu.
func (s *Sequencer) releaseLocked(addr common.Address, l *lane) {
	if l.pending > 0 {
		l.pending--
	}
	if l.pending > 0 {
		return
	}
	l.retired = true
	s.mu.Lock()
	if s.lanes[addr] == l {
		delete(s.lanes, addr)
	}
	s.mu.Unlock()
}

// Reserve admits tx if its nonce is the next one expected for the sender.
func (s *Sequencer) Reserve(ctx context.Context, tx *domain.Transaction) error {
	l := s.acquire(tx.From)
	defer l.mu.Unlock()

	var expected uint64
	if l.pending == 0 {
		committed, err := s.nonces.NonceAt(ctx, tx.From)
		if err != nil {
			s.releaseLocked(tx.From, l)
			return err
		}
		expected = committed
	} else {
		if !s.speculative {
			return fmt.Errorf("%w: sender %s has a pending transaction", domain.ErrNonceTooHigh, tx.From.Hex())
		}
		expected = l.next
	}
	switch {
	case tx.Nonce < expected:
		err := fmt.Errorf("%w: address %s, tx %d expected %d", domain.ErrNonceTooLow, tx.From.Hex(), tx.Nonce, expected)
		if l.pending == 0 {
			s.releaseLocked(tx.From, l)
		}
		return err
	case tx.Nonce > expected:
		err := fmt.Errorf("%w: address %s, tx %d expected %d", domain.ErrNonceTooHigh, tx.From.Hex(), tx.Nonce, expected)
		if l.pending == 0 {
			s.releaseLocked(tx.From, l)
		}
		return err
	}
	l.pending++
	l.next = tx.Nonce + 1
	return nil
}

// Release undoes a reservation for a transaction that never reached the
// mempool.
func (s *Sequencer) Release(tx *domain.Transaction) {
	l := s.existing(tx.From)
	if l == nil {
		return
	}
	defer l.mu.Unlock()
	if l.next == tx.Nonce+1 {
		l.next = tx.Nonce
	}
	s.releaseLocked(tx.From, l)
}

// Settle releases the lanes of transactions that left the mempool, whether
// they were included or dropped.
func (s *Sequencer) Settle(txs []*domain.Transaction) {
	for _, tx := range txs {
		l := s.existing(tx.From)
		if l == nil {
			continue
		}
		s.releaseLocked(tx.From, l)
		l.mu.Unlock()
	}
}

// Pending returns the number of reserved, unsettled transactions of addr.
func (s *Sequencer) Pending(addr common.Address) int {
	l := s.existing(addr)
	if l == nil {
		return 0
	}
	defer l.mu.Unlock()
	return l.pending
}

// NextNonce is the nonce the next transaction of addr must carry.
func (s *Sequencer) NextNonce(ctx context.Context, addr common.Address) (uint64, error) {
	if l := s.existing(addr); l != nil {
		next := l.next
		l.mu.Unlock()
		return next, nil
	}
	return s.nonces.NonceAt(ctx, addr)
}
