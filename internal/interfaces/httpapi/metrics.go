package httpapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"evmindex/internal/domain"
)

// Metrics records node and archiver activity. Counters are exported in
// Prometheus format; Snapshot serves the JSON status endpoint.
type Metrics struct {
	mu              sync.RWMutex
	startTime       time.Time
	head            uint64
	latestBlock     uint64
	lastProcessed   uint64
	lastBatchFrom   uint64
	lastBatchTo     uint64
	lastBatchCount  int
	totalLogsStored uint64
	blocksProduced  uint64
	txsIncluded     uint64
	txsDropped      uint64
	txsSubmitted    uint64
	txsRejected     uint64
	kafkaMessages   uint64
	kafkaDecodeErrs uint64
	kafkaApplyErrs  uint64
	kafkaCommitErrs uint64
	kafkaFetchErrs  uint64
	kafkaLastTopic  string
	kafkaLastOffset int64
	kafkaLastLag    time.Duration
	kafkaMaxLag     time.Duration

	registry       *prometheus.Registry
	blockCounter   prometheus.Counter
	blockDuration  prometheus.Histogram
	headGauge      prometheus.Gauge
	includedTxs    prometheus.Counter
	droppedTxs     prometheus.Counter
	submittedTxs   *prometheus.CounterVec
	rejectedTxs    *prometheus.CounterVec
	kafkaCounter   *prometheus.CounterVec
	kafkaLag       prometheus.Gauge
	archivedLogs   prometheus.Counter
	processedGauge prometheus.Gauge
	latestGauge    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		blockCounter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evmindex_blocks_produced_total",
			Help: "Blocks committed by the producer.",
		}),
		blockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "evmindex_block_duration_seconds",
			Help:    "Time spent executing and committing one block.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		headGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evmindex_head_block",
			Help: "Number of the latest committed block.",
		}),
		includedTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evmindex_txs_included_total",
			Help: "Transactions included in committed blocks.",
		}),
		droppedTxs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evmindex_txs_dropped_total",
			Help: "Drained transactions dropped at execution time.",
		}),
		submittedTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evmindex_txs_submitted_total",
			Help: "Transactions admitted to the mempool.",
		}, []string{"kind"}),
		rejectedTxs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evmindex_txs_rejected_total",
			Help: "Transactions rejected at submission.",
		}, []string{"reason"}),
		kafkaCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evmindex_kafka_messages_total",
			Help: "Archiver kafka messages by outcome.",
		}, []string{"result"}),
		kafkaLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evmindex_kafka_lag_seconds",
			Help: "Age of the last consumed kafka message.",
		}),
		archivedLogs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evmindex_archived_logs_total",
			Help: "Logs written to the archive.",
		}),
		processedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evmindex_last_processed_block",
			Help: "Last block fully written to the archive.",
		}),
		latestGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evmindex_latest_block",
			Help: "Latest block reported by the node.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.blockCounter,
		m.blockDuration,
		m.headGauge,
		m.includedTxs,
		m.droppedTxs,
		m.submittedTxs,
		m.rejectedTxs,
		m.kafkaCounter,
		m.kafkaLag,
		m.archivedLogs,
		m.processedGauge,
		m.latestGauge,
	)
	return m
}

// Handler serves the Prometheus exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) OnBlockProduced(block domain.Block, dropped int, duration time.Duration) {
	m.mu.Lock()
	m.head = block.Number
	m.blocksProduced++
	m.txsIncluded += uint64(len(block.TxHashes))
	m.txsDropped += uint64(dropped)
	m.mu.Unlock()

	m.blockCounter.Inc()
	m.blockDuration.Observe(duration.Seconds())
	m.headGauge.Set(float64(block.Number))
	m.includedTxs.Add(float64(len(block.TxHashes)))
	m.droppedTxs.Add(float64(dropped))
}

func (m *Metrics) OnTransactionSubmitted(kind domain.TxKind) {
	m.mu.Lock()
	m.txsSubmitted++
	m.mu.Unlock()
	m.submittedTxs.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) OnTransactionRejected(err error) {
	m.mu.Lock()
	m.txsRejected++
	m.mu.Unlock()
	m.rejectedTxs.WithLabelValues(rejectReason(err)).Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrNonceTooLow):
		return "nonce_too_low"
	case errors.Is(err, domain.ErrNonceTooHigh):
		return "nonce_too_high"
	case errors.Is(err, domain.ErrUnmappedSigner):
		return "unmapped_signer"
	case errors.Is(err, domain.ErrAlreadyKnown):
		return "already_known"
	case errors.Is(err, domain.ErrMempoolFull):
		return "mempool_full"
	case errors.Is(err, domain.ErrInvalidTransaction):
		return "invalid"
	default:
		return "other"
	}
}

func (m *Metrics) OnLatestBlock(block uint64) {
	m.mu.Lock()
	m.latestBlock = block
	m.mu.Unlock()
	m.latestGauge.Set(float64(block))
}

func (m *Metrics) OnBatchProcessed(fromBlock, toBlock uint64, logCount int) {
	m.mu.Lock()
	m.lastProcessed = toBlock
	m.lastBatchFrom = fromBlock
	m.lastBatchTo = toBlock
	m.lastBatchCount = logCount
	m.totalLogsStored += uint64(logCount)
	m.mu.Unlock()

	m.processedGauge.Set(float64(toBlock))
	m.archivedLogs.Add(float64(logCount))
}

func (m *Metrics) SetLastProcessed(block uint64) {
	m.mu.Lock()
	m.lastProcessed = block
	m.mu.Unlock()
	m.processedGauge.Set(float64(block))
}

func (m *Metrics) IncKafkaDecodeErr() {
	m.mu.Lock()
	m.kafkaDecodeErrs++
	m.mu.Unlock()
	m.kafkaCounter.WithLabelValues("decode_error").Inc()
}

func (m *Metrics) IncKafkaApplyErr() {
	m.mu.Lock()
	m.kafkaApplyErrs++
	m.mu.Unlock()
	m.kafkaCounter.WithLabelValues("apply_error").Inc()
}

func (m *Metrics) IncKafkaCommitErr() {
	m.mu.Lock()
	m.kafkaCommitErrs++
	m.mu.Unlock()
	m.kafkaCounter.WithLabelValues("commit_error").Inc()
}

func (m *Metrics) IncKafkaFetchErr() {
	m.mu.Lock()
	m.kafkaFetchErrs++
	m.mu.Unlock()
	m.kafkaCounter.WithLabelValues("fetch_error").Inc()
}

func (m *Metrics) ObserveKafkaMessage(topic string, offset int64, ts time.Time) {
	m.mu.Lock()
	m.kafkaMessages++
	m.kafkaLastTopic = topic
	m.kafkaLastOffset = offset
	if !ts.IsZero() {
		lag := time.Since(ts)
		m.kafkaLastLag = lag
		if lag > m.kafkaMaxLag {
			m.kafkaMaxLag = lag
		}
		m.kafkaLag.Set(lag.Seconds())
	}
	m.mu.Unlock()
	m.kafkaCounter.WithLabelValues("received").Inc()
}

type Snapshot struct {
	StartTime       time.Time     `json:"start_time"`
	Head            uint64        `json:"head"`
	LatestBlock     uint64        `json:"latest_block"`
	LastProcessed   uint64        `json:"last_processed_block"`
	LastBatchFrom   uint64        `json:"last_batch_from"`
	LastBatchTo     uint64        `json:"last_batch_to"`
	LastBatchCount  int           `json:"last_batch_count"`
	TotalLogsStored uint64        `json:"total_logs_stored"`
	BlocksProduced  uint64        `json:"blocks_produced"`
	TxsIncluded     uint64        `json:"txs_included"`
	TxsDropped      uint64        `json:"txs_dropped"`
	TxsSubmitted    uint64        `json:"txs_submitted"`
	TxsRejected     uint64        `json:"txs_rejected"`
	KafkaMessages   uint64        `json:"kafka_messages"`
	KafkaDecodeErrs uint64        `json:"kafka_decode_errors"`
	KafkaApplyErrs  uint64        `json:"kafka_apply_errors"`
	KafkaCommitErrs uint64        `json:"kafka_commit_errors"`
	KafkaFetchErrs  uint64        `json:"kafka_fetch_errors"`
	KafkaLastTopic  string        `json:"kafka_last_topic,omitempty"`
	KafkaLastOffset int64         `json:"kafka_last_offset"`
	KafkaLastLag    time.Duration `json:"kafka_last_lag"`
	KafkaMaxLag     time.Duration `json:"kafka_max_lag"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		StartTime:       m.startTime,
		Head:            m.head,
		LatestBlock:     m.latestBlock,
		LastProcessed:   m.lastProcessed,
		LastBatchFrom:   m.lastBatchFrom,
		LastBatchTo:     m.lastBatchTo,
		LastBatchCount:  m.lastBatchCount,
		TotalLogsStored: m.totalLogsStored,
		BlocksProduced:  m.blocksProduced,
		TxsIncluded:     m.txsIncluded,
		TxsDropped:      m.txsDropped,
		TxsSubmitted:    m.txsSubmitted,
		TxsRejected:     m.txsRejected,
		KafkaMessages:   m.kafkaMessages,
		KafkaDecodeErrs: m.kafkaDecodeErrs,
		KafkaApplyErrs:  m.kafkaApplyErrs,
		KafkaCommitErrs: m.kafkaCommitErrs,
		KafkaFetchErrs:  m.kafkaFetchErrs,
		KafkaLastTopic:  m.kafkaLastTopic,
		KafkaLastOffset: m.kafkaLastOffset,
		KafkaLastLag:    m.kafkaLastLag,
		KafkaMaxLag:     m.kafkaMaxLag,
	}
}
