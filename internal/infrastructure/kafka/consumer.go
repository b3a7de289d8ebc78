package kafka

import (
	"errors"

	"github.com/segmentio/kafka-go"
)

type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	TopicPrefix string
	ChainID     uint64
}

// NewReader opens a consumer-group reader on a chain's export topic.
// Offsets are committed explicitly once a batch is archived.
func NewReader(cfg ConsumerConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka group id is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    TopicForChain(cfg.TopicPrefix, cfg.ChainID),
		MinBytes: 1,
		MaxBytes: 10e6,
	}), nil
}
