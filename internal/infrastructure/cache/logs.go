package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"evmindex/internal/application"
	"evmindex/internal/domain"
)

const (
	logCacheVersionKey = "evmindex:logs:version"
	logCacheKeyPrefix  = "evmindex:logs:v"
	defaultCacheTTL    = time.Hour
)

type Config struct {
	Addr    string
	TTL     time.Duration
	ChainID uint64
}

// LogIndex fronts a log index with a redis cache. Cached results are
// keyed by a version counter that every indexed block bumps, so a query
// never sees a result older than the last indexed block.
type LogIndex struct {
	application.LogIndex
	cache   *redis.Client
	ttl     time.Duration
	chainID uint64
}

// NewLogIndex wraps base. An empty address disables caching.
func NewLogIndex(base application.LogIndex, cfg Config) (*LogIndex, error) {
	if base == nil {
		return nil, errors.New("base log index is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return &LogIndex{LogIndex: base, chainID: cfg.ChainID}, nil
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &LogIndex{LogIndex: base, cache: client, ttl: cfg.TTL, chainID: cfg.ChainID}, nil
}

func (c *LogIndex) IndexLogs(ctx context.Context, block domain.Block, logs []domain.LogEntry) error {
	if err := c.LogIndex.IndexLogs(ctx, block, logs); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

func (c *LogIndex) QueryLogs(ctx context.Context, filter domain.LogFilter) ([]domain.LogEntry, error) {
	if c.cache == nil {
		return c.LogIndex.QueryLogs(ctx, filter)
	}
	version, ok := c.version(ctx)
	if !ok {
		return c.LogIndex.QueryLogs(ctx, filter)
	}
	key := logCacheKey(c.chainID, version, filter)
	if cached, err := c.cache.Get(ctx, key).Result(); err == nil {
		var logs []domain.LogEntry
		if err := json.Unmarshal([]byte(cached), &logs); err == nil {
			return logs, nil
		}
	}

	logs, err := c.LogIndex.QueryLogs(ctx, filter)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(logs)
	if err != nil {
		return logs, nil
	}
	_ = c.cache.Set(ctx, key, payload, c.ttl).Err()
	return logs, nil
}

func (c *LogIndex) Close() error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Close()
}

func (c *LogIndex) version(ctx context.Context) (string, bool) {
	version, err := c.cache.Get(ctx, c.versionKey()).Result()
	if err == nil {
		return version, true
	}
	if errors.Is(err, redis.Nil) {
		return "0", true
	}
	return "", false
}

func (c *LogIndex) invalidate(ctx context.Context) {
	if c.cache == nil {
		return
	}
	_ = c.cache.Incr(ctx, c.versionKey()).Err()
}

func (c *LogIndex) versionKey() string {
	return logCacheVersionKey + ":" + strconv.FormatUint(c.chainID, 10)
}

func logCacheKey(chainID uint64, version string, filter domain.LogFilter) string {
	var b strings.Builder
	b.Grow(256)
	b.WriteString(logCacheKeyPrefix)
	b.WriteString(version)
	b.WriteString(":chain=")
	b.WriteString(strconv.FormatUint(chainID, 10))
	b.WriteString(":addr=")
	if len(filter.Addresses) == 0 {
		b.WriteString("any")
	}
	for i, addr := range filter.Addresses {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strings.ToLower(addr.Hex()))
	}
	for i, set := range filter.Topics {
		b.WriteString(":t")
		b.WriteString(strconv.Itoa(i))
		b.WriteByte('=')
		if len(set) == 0 {
			b.WriteString("any")
		}
		for j, topic := range set {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(topic.Hex())
		}
	}
	b.WriteString(":from=")
	if filter.FromBlock != nil {
		b.WriteString(strconv.FormatUint(*filter.FromBlock, 10))
	} else {
		b.WriteString("any")
	}
	b.WriteString(":to=")
	if filter.ToBlock != nil {
		b.WriteString(strconv.FormatUint(*filter.ToBlock, 10))
	} else {
		b.WriteString("any")
	}
	b.WriteString(":limit=")
	b.WriteString(strconv.Itoa(filter.Limit))
	return b.String()
}
