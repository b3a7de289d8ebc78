package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"evmindex/internal/application"
	"evmindex/internal/config"
	"evmindex/internal/domain"
	"evmindex/internal/infrastructure/cache"
	"evmindex/internal/infrastructure/mysql"
	"evmindex/internal/infrastructure/sqlite"
)

// Archive is the read/write surface shared by the SQL backends.
type Archive interface {
	application.ArchiveRepository
	SearchLogs(ctx context.Context, filter application.LogQueryFilter) ([]domain.LogEntry, error)
	SearchTransactions(ctx context.Context, filter application.TransactionQueryFilter) ([]domain.Transaction, error)
	SearchBlocks(ctx context.Context, filter application.BlockQueryFilter) ([]domain.Block, error)
	BlockRange(ctx context.Context, chainID *uint64) (uint64, uint64, bool, error)
	LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error)
	ClearLastProcessedBlock(ctx context.Context, chainID uint64) error
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Archive = (*mysql.Repository)(nil)
	_ Archive = (*sqlite.Repository)(nil)
)

// LogIndex is the node's log index together with whatever it holds open.
type LogIndex struct {
	*cache.LogIndex
	closers []io.Closer
}

func (l *LogIndex) Close() error {
	var errs []error
	for _, closer := range l.closers {
		if err := closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenLogIndex selects the node's log index backend. The leveldb backend
// scans the chain store itself; the SQL backends keep a copy of every
// committed log. Either may sit behind a redis cache.
func OpenLogIndex(cfg config.Config, chain application.LogIndex) (*LogIndex, error) {
	var (
		base    application.LogIndex
		closers []io.Closer
	)
	switch cfg.LogIndexBackend {
	case "", "leveldb":
		if chain == nil {
			return nil, errors.New("chain store is required for the leveldb log index")
		}
		base = chain
	case "sqlite":
		repo, err := sqlite.NewRepository(cfg.SQLitePath, cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("open sqlite log index: %w", err)
		}
		base = repo
		closers = append(closers, repo)
	case "mysql":
		repo, err := mysql.NewRepository(cfg.DBDSN, cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("open mysql log index: %w", err)
		}
		base = repo
		closers = append(closers, repo)
	default:
		return nil, fmt.Errorf("unknown log index backend %q", cfg.LogIndexBackend)
	}

	cached, err := cache.NewLogIndex(base, cache.Config{Addr: cfg.RedisAddr, ChainID: cfg.ChainID})
	if err != nil {
		for _, closer := range closers {
			_ = closer.Close()
		}
		return nil, fmt.Errorf("connect log cache: %w", err)
	}
	closers = append(closers, cached)
	return &LogIndex{LogIndex: cached, closers: closers}, nil
}

// OpenArchive opens the archive sink used by the archiver and the HTTP
// query API.
func OpenArchive(cfg config.Config) (Archive, error) {
	switch cfg.ArchiveBackend {
	case "", "mysql":
		return mysql.NewRepository(cfg.DBDSN, cfg.ChainID)
	case "sqlite":
		return sqlite.NewRepository(cfg.SQLitePath, cfg.ChainID)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.ArchiveBackend)
	}
}
