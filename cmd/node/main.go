package main

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"evmindex/internal/application"
	"evmindex/internal/config"
	"evmindex/internal/infrastructure/evm"
	"evmindex/internal/infrastructure/kafka"
	"evmindex/internal/infrastructure/leveldb"
	"evmindex/internal/infrastructure/logging"
	"evmindex/internal/infrastructure/storage"
	"evmindex/internal/infrastructure/telemetry"
	"evmindex/internal/interfaces/httpapi"
	"evmindex/internal/interfaces/jsonrpc"
)

var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cfg, err := config.LoadFromEnv("node")
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logFile := cfg.LogFile
	if logFile == "" && cfg.DataDir != "" {
		logFile = cfg.StatePath("logs/node.log")
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

	shutdownTracing, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		Service:     "evmindex-node",
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

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("node stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("node stopped")
}

func run(ctx context.Context, cfg config.Config) error {
	chainID := new(big.Int).SetUint64(cfg.ChainID)

	store, err := leveldb.Open(leveldb.Options{
		Path:             cfg.StatePath("chain"),
		ReceiptsMax:      cfg.ReceiptsMax,
		ReceiptCacheSize: cfg.ReceiptCacheSize,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := evm.NewEngine(evm.Options{
		ChainID:    chainID,
		StatePath:  cfg.StatePath("state"),
		CallGasCap: cfg.CallGasCap,
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	logIndex, err := storage.OpenLogIndex(cfg, store)
	if err != nil {
		return err
	}
	defer logIndex.Close()

	metrics := httpapi.NewMetrics()

	resolver, err := application.NewResolver(store, chainID)
	if err != nil {
		return err
	}
	decoder, err := application.NewDecoder(chainID, resolver)
	if err != nil {
		return err
	}

	// The sequencer reads committed nonces through the query, which needs
	// the producer as its head.
	var query *application.Query
	sequencer, err := application.NewSequencer(application.NonceReaderFunc(func(ctx context.Context, addr common.Address) (uint64, error) {
		return query.NonceAt(ctx, addr)
	}), cfg.SpeculativeNonces)
	if err != nil {
		return err
	}

	mempool := application.NewMempool(cfg.MempoolSize)
	fanout := application.NewFanout(application.FanoutConfig{
		QueueSize:       cfg.SubscriberQueueSize,
		CloseOnOverflow: cfg.SubscriberCloseOnOverflow,
	})

	producer, err := application.NewProducer(engine, store, logIndex, mempool, sequencer, fanout, metrics, application.ProducerConfig{
		BlockInterval: cfg.BlockInterval,
		BlockGasLimit: cfg.BlockGasLimit,
		MaxBlockTxs:   cfg.MaxBlockTxs,
		EmptyBlocks:   cfg.EmptyBlocks,
	})
	if err != nil {
		return err
	}
	if err := producer.Init(ctx, cfg.GenesisAlloc); err != nil {
		return err
	}

	query, err = application.NewQuery(producer, store, logIndex, engine, resolver, application.QueryConfig{
		MaxLogResults: cfg.MaxLogResults,
	})
	if err != nil {
		return err
	}
	submitter, err := application.NewSubmitter(decoder, sequencer, mempool, store, metrics, cfg.BlockGasLimit)
	if err != nil {
		return err
	}

	rpcServer, err := jsonrpc.NewServer(jsonrpc.Backend{
		ChainID:   chainID,
		Query:     query,
		Submitter: submitter,
		Sequencer: sequencer,
		Resolver:  resolver,
		Fanout:    fanout,
	}, jsonrpc.Config{CORSOrigins: cfg.CORSOrigins, Version: version})
	if err != nil {
		return err
	}

	opsServer, err := httpapi.NewServer(cfg, nil, httpapi.RPCStatusFunc(func(context.Context) (uint64, error) {
		return producer.Head().Number, nil
	}), metrics, httpapi.BuildInfo{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	})
	if err != nil {
		return err
	}

	var exporter *application.Exporter
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:     cfg.KafkaBrokers,
			TopicPrefix: cfg.KafkaTopicPrefix,
			ChainID:     cfg.ChainID,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		if exporter, err = application.NewExporter(fanout, publisher); err != nil {
			return err
		}
		slog.Info("kafka export enabled", "topic", publisher.Topic())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("block producer started", "head", producer.Head().Number, "interval", cfg.BlockInterval)
		return producer.Run(ctx)
	})
	g.Go(func() error {
		slog.Info("json-rpc server listening", "addr", cfg.RPCAddr)
		return rpcServer.ListenAndServe(ctx, cfg.RPCAddr)
	})
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.HTTPAddr)
		return opsServer.ListenAndServe(ctx, cfg.HTTPAddr)
	})

	if exporter != nil {
		g.Go(func() error {
			return exporter.Run(ctx)
		})
	}

	return g.Wait()
}
