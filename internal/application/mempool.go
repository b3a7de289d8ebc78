package application

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/deque"

	"evmindex/internal/domain"
)

// Mempool is a bounded FIFO of reserved transactions awaiting inclusion.
type Mempool struct {
	mu       sync.Mutex
	queue    deque.Deque[*domain.Transaction]
	known    map[common.Hash]struct{}
	capacity int
}

func NewMempool(capacity int) *Mempool {
	if capacity <= 0 {
		capacity = 4096
	}
	return &Mempool{
		known:    make(map[common.Hash]struct{}),
		capacity: capacity,
	}
}

func (m *Mempool) Add(tx *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.known[tx.Hash]; ok {
		return domain.ErrAlreadyKnown
	}
	if m.queue.Len() >= m.capacity {
		return domain.ErrMempoolFull
	}
	m.queue.PushBack(tx)
	m.known[tx.Hash] = struct{}{}
	return nil
}

func (m *Mempool) Has(hash common.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.known[hash]
	return ok
}

func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Drain removes transactions in arrival order until maxTxs is reached or
// the next transaction's gas limit would exceed gasLimit.
func (m *Mempool) Drain(maxTxs int, gasLimit uint64) []*domain.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		out []*domain.Transaction
		gas uint64
	)
	for m.queue.Len() > 0 {
		if maxTxs > 0 && len(out) >= maxTxs {
			break
		}
		next := m.queue.Front()
		if gasLimit > 0 && gas+next.GasLimit > gasLimit {
			break
		}
		m.queue.PopFront()
		delete(m.known, next.Hash)
		gas += next.GasLimit
		out = append(out, next)
	}
	return out
}
