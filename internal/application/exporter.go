package application

import (
	"context"
	"errors"
	"log/slog"

	"evmindex/internal/domain"
)

type BlockPublisher interface {
	PublishBlock(ctx context.Context, committed *domain.CommittedBlock) error
}

// Exporter forwards committed blocks from a fanout subscription to an
// external publisher. It runs off the commit path, so a slow publisher
// only loses notifications and never stalls block production.
type Exporter struct {
	fanout    *Fanout
	publisher BlockPublisher
}

func NewExporter(fanout *Fanout, publisher BlockPublisher) (*Exporter, error) {
	if fanout == nil || publisher == nil {
		return nil, errors.New("exporter dependencies must not be nil")
	}
	return &Exporter{fanout: fanout, publisher: publisher}, nil
}

func (e *Exporter) Run(ctx context.Context) error {
	sub := e.fanout.Subscribe(SubscribeBlocks, domain.LogFilter{})
	defer sub.Unsubscribe()

	var reported uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub.C():
			if !ok {
				return errors.New("export subscription closed on overflow")
			}
			if err := e.publisher.PublishBlock(ctx, n.Committed); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("export block failed", "number", n.Committed.Block.Number, "error", err)
				continue
			}
			if dropped := sub.Dropped(); dropped > reported {
				slog.Warn("export lagging", "dropped", dropped-reported)
				reported = dropped
			}
		}
	}
}
