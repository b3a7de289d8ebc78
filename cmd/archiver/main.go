package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"evmindex/internal/application"
	"evmindex/internal/config"
	"evmindex/internal/infrastructure/ethrpc"
	"evmindex/internal/infrastructure/kafka"
	"evmindex/internal/infrastructure/logging"
	"evmindex/internal/infrastructure/storage"
	"evmindex/internal/infrastructure/telemetry"
	"evmindex/internal/interfaces/httpapi"
	"evmindex/internal/streaming"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadFromEnv("archiver")
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = "logs/archiver.log"
	}
	logCloser, err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		File:       logFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		slog.Error("logger init error", "err", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	archive, err := storage.OpenArchive(cfg)
	if err != nil {
		slog.Error("archive error", "err", err)
		os.Exit(1)
	}
	defer archive.Close()

	shutdownTracing, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		Service:     "evmindex-archiver",
		Version:     version,
		Endpoint:    cfg.OtelEndpoint,
		SampleRatio: cfg.OtelSampleRatio,
	})
	if err != nil {
		slog.Warn("tracing init error", "err", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(ctx); err != nil {
				slog.Warn("tracing shutdown error", "err", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	nodeClient, err := ethrpc.NewClient(ctx, ethrpc.Config{URL: cfg.NodeRPCURL})
	if err != nil {
		slog.Error("rpc error", "err", err)
		os.Exit(1)
	}
	defer nodeClient.Close()

	metrics := httpapi.NewMetrics()
	if last, ok, err := archive.LastProcessedBlock(ctx, cfg.ChainID); err == nil && ok {
		metrics.SetLastProcessed(last)
	}

	httpServer, err := httpapi.NewServer(cfg, archive, nodeClient, metrics, httpapi.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	})
	if err != nil {
		slog.Error("http server error", "err", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		return httpServer.ListenAndServe(ctx, cfg.HTTPAddr)
	})

	if len(cfg.KafkaBrokers) > 0 {
		reader, err := kafka.NewReader(kafka.ConsumerConfig{
			Brokers:     cfg.KafkaBrokers,
			GroupID:     cfg.KafkaGroupID,
			TopicPrefix: cfg.KafkaTopicPrefix,
			ChainID:     cfg.ChainID,
		})
		if err != nil {
			slog.Error("kafka error", "err", err)
			os.Exit(1)
		}
		g.Go(func() error {
			defer reader.Close()
			slog.Info("archive streaming started", "topic", reader.Config().Topic, "group", cfg.KafkaGroupID)
			consumeStream(ctx, reader, archive, metrics, cfg)
			return nil
		})
	} else {
		indexer, err := application.NewIndexer(nodeClient, archive, archive, metrics, application.IndexerConfig{
			PollInterval: cfg.PollInterval,
			BatchSize:    cfg.BatchSize,
		})
		if err != nil {
			slog.Error("indexer error", "err", err)
			os.Exit(1)
		}
		g.Go(func() error {
			slog.Info("archive polling started", "node", cfg.NodeRPCURL, "interval", cfg.PollInterval)
			return indexer.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("archiver stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("archiver stopped")
}

func consumeStream(ctx context.Context, reader *kafkago.Reader, repo application.ArchiveRepository, metrics *httpapi.Metrics, cfg config.Config) {
	batch := application.NewBatch()

	flushInterval := 500 * time.Millisecond
	if cfg.PollInterval > 0 && cfg.PollInterval < flushInterval {
		flushInterval = cfg.PollInterval
	}

	flush := func(ctx context.Context, reason string) {
		if batch.Len() == 0 {
			return
		}
		last, hasBlock := batch.LastBlock(cfg.ChainID)
		if err := batch.Flush(ctx, repo, reader); err != nil {
			slog.Error("batch flush error", "reason", reason, "err", err)
			metrics.IncKafkaApplyErr()
			return
		}
		if hasBlock {
			metrics.SetLastProcessed(last)
		}
	}

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, flushInterval)
		message, err := reader.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				flush(ctx, "interval")
				continue
			}
			if ctx.Err() != nil {
				return
			}
			metrics.IncKafkaFetchErr()
			slog.Error("kafka fetch error", "err", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		metrics.ObserveKafkaMessage(message.Topic, message.Offset, message.Time)

		decoded, err := streaming.Decode(message.Value)
		if err != nil {
			slog.Warn("message decode error", "err", err)
			metrics.IncKafkaDecodeErr()
			if err := reader.CommitMessages(ctx, message); err != nil {
				metrics.IncKafkaCommitErr()
			}
			continue
		}
		if decoded.ChainID != cfg.ChainID {
			slog.Warn("unexpected chain id on topic", "chain_id", decoded.ChainID)
		}

		_, span := telemetry.StartConsumerSpan(ctx, "archiver.process_message", message.Headers, decoded.TraceID)
		span.SetAttributes(telemetry.BlockAttributes(decoded.ChainID, decoded.BlockNumber)...)
		span.SetAttributes(attribute.String("message.type", string(decoded.Type)))
		if decoded.TxHash != "" {
			span.SetAttributes(attribute.String("tx.hash", decoded.TxHash))
		}

		if err := batch.Add(decoded, message); err != nil {
			slog.Warn("message mapping error", "type", decoded.Type, "err", err)
			metrics.IncKafkaDecodeErr()
			telemetry.Fail(span, err)
			span.End()
			if err := reader.CommitMessages(ctx, message); err != nil {
				metrics.IncKafkaCommitErr()
			}
			continue
		}
		span.End()

		if decoded.Type == streaming.MessageTypeLog {
			metrics.OnBatchProcessed(decoded.BlockNumber, decoded.BlockNumber, 1)
		}

		if batch.Len() >= int(cfg.BatchSize) {
			flush(ctx, "size")
		}
	}
}
