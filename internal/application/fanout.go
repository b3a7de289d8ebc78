package application

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"evmindex/internal/domain"
)

type SubscriptionKind uint8

const (
	SubscribeNewHeads SubscriptionKind = iota + 1
	SubscribeLogs
	SubscribeBlocks
)

func (k SubscriptionKind) String() string {
	switch k {
	case SubscribeNewHeads:
		return "newHeads"
	case SubscribeLogs:
		return "logs"
	case SubscribeBlocks:
		return "blocks"
	default:
		return "unknown"
	}
}

// Notification is one delivery to a subscriber. Which fields are set
// depends on the subscription kind.
type Notification struct {
	Header    *domain.Block
	Logs      []domain.LogEntry
	Committed *domain.CommittedBlock
}

type FanoutConfig struct {
	QueueSize       int
	CloseOnOverflow bool
}

// Fanout delivers committed blocks to subscribers through bounded
// per-subscriber queues. Publishing never blocks.
type Fanout struct {
	cfg FanoutConfig

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription

	dropped atomic.Uint64
}

func NewFanout(cfg FanoutConfig) *Fanout {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Fanout{cfg: cfg, subs: make(map[uint64]*Subscription)}
}

type Subscription struct {
	id         uint64
	kind       SubscriptionKind
	filter     domain.LogFilter
	ch         chan Notification
	fanout     *Fanout
	dropped    atomic.Uint64
	overflowed atomic.Bool
}

func (f *Fanout) Subscribe(kind SubscriptionKind, filter domain.LogFilter) *Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sub := &Subscription{
		id:     f.nextID,
		kind:   kind,
		filter: filter,
		ch:     make(chan Notification, f.cfg.QueueSize),
		fanout: f,
	}
	f.subs[sub.id] = sub
	return sub
}

// Publish queues committed for every subscriber. Full queues drop the
// notification, or close the subscription when CloseOnOverflow is set.
func (f *Fanout) Publish(committed *domain.CommittedBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var logs []domain.LogEntry
	for id, sub := range f.subs {
		var n Notification
		switch sub.kind {
		case SubscribeNewHeads:
			header := committed.Block
			n.Header = &header
		case SubscribeLogs:
			if logs == nil {
				logs = committed.Logs()
			}
			for _, log := range logs {
				if sub.filter.Matches(log) {
					n.Logs = append(n.Logs, log)
				}
			}
			if len(n.Logs) == 0 {
				continue
			}
		case SubscribeBlocks:
			n.Committed = committed
		}

		select {
		case sub.ch <- n:
		default:
			sub.dropped.Add(1)
			f.dropped.Add(1)
			if f.cfg.CloseOnOverflow {
				sub.overflowed.Store(true)
				delete(f.subs, id)
				close(sub.ch)
				slog.Warn("subscriber closed on overflow", "id", id, "kind", sub.kind.String())
			}
		}
	}
}

func (f *Fanout) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return
	}
	delete(f.subs, id)
	close(sub.ch)
}

// Subscribers returns the number of live subscriptions.
func (f *Fanout) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Dropped returns the total number of notifications dropped on overflow.
func (f *Fanout) Dropped() uint64 {
	return f.dropped.Load()
}

func (s *Subscription) ID() uint64 {
	return s.id
}

func (s *Subscription) Kind() SubscriptionKind {
	return s.kind
}

// C yields notifications in commit order. It is closed after Unsubscribe
// once queued notifications are drained, or on overflow.
func (s *Subscription) C() <-chan Notification {
	return s.ch
}

func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Overflowed reports whether the subscription was closed because its
// queue was full.
func (s *Subscription) Overflowed() bool {
	return s.overflowed.Load()
}

// Unsubscribe stops further deliveries. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.fanout.remove(s.id)
}
