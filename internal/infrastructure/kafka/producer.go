package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"

	"evmindex/internal/application"
	"evmindex/internal/domain"
	"evmindex/internal/infrastructure/telemetry"
	"evmindex/internal/streaming"
)

const defaultTopicPrefix = "evmindex-chain"

// Producer publishes committed blocks to a per-chain topic.
type Producer struct {
	writer  *kafka.Writer
	prefix  string
	chainID uint64
}

type ProducerConfig struct {
	Brokers     []string
	TopicPrefix string
	ChainID     uint64
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("chain id is required")
	}
	if strings.TrimSpace(cfg.TopicPrefix) == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 500 * time.Millisecond,
	}
	return &Producer{writer: writer, prefix: cfg.TopicPrefix, chainID: cfg.ChainID}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishBlock writes the block, its transactions, receipts and logs in
// one WriteMessages call. Every record of a chain carries the same key,
// so the topic stays ordered by block.
func (p *Producer) PublishBlock(ctx context.Context, committed *domain.CommittedBlock) error {
	if committed == nil {
		return nil
	}
	_, span, traceID, headers := telemetry.StartPublishSpan(ctx, p.chainID, committed.Block.Number)
	defer span.End()
	span.SetAttributes(attribute.String("block.hash", committed.Block.Hash.Hex()))

	messages, err := p.encodeBlock(committed, traceID, headers)
	if err != nil {
		telemetry.Fail(span, err)
		return err
	}
	span.SetAttributes(attribute.Int("messages", len(messages)))

	err = p.writer.WriteMessages(ctx, messages...)
	telemetry.Fail(span, err)
	return err
}

func (p *Producer) encodeBlock(committed *domain.CommittedBlock, traceID string, headers []kafka.Header) ([]kafka.Message, error) {
	records := application.BlockMessages(p.chainID, committed)
	key := []byte(fmt.Sprintf("chain:%d", p.chainID))
	topic := p.Topic()
	messages := make([]kafka.Message, 0, len(records))
	for _, record := range records {
		record.TraceID = traceID
		payload, err := streaming.Encode(record)
		if err != nil {
			return nil, err
		}
		messages = append(messages, kafka.Message{
			Topic:   topic,
			Key:     key,
			Value:   payload,
			Headers: headers,
		})
	}
	return messages, nil
}

func (p *Producer) Topic() string {
	return TopicForChain(p.prefix, p.chainID)
}

func TopicForChain(prefix string, chainID uint64) string {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultTopicPrefix
	}
	return fmt.Sprintf("%s-%d", prefix, chainID)
}
