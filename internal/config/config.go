package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type Config struct {
	ChainID  uint64
	DataDir  string
	RPCAddr  string
	HTTPAddr string

	CORSOrigins []string

	ReceiptsMax       uint64
	ReceiptCacheSize  int
	BlockInterval     time.Duration
	BlockGasLimit     uint64
	MaxBlockTxs       int
	EmptyBlocks       bool
	CallGasCap        uint64
	MempoolSize       int
	SpeculativeNonces bool
	GenesisAlloc      map[common.Address]*big.Int

	SubscriberQueueSize       int
	SubscriberCloseOnOverflow bool
	MaxLogResults             int

	LogIndexBackend string
	SQLitePath      string
	DBDSN           string
	ArchiveBackend  string
	RedisAddr       string

	KafkaBrokers     []string
	KafkaTopicPrefix string
	KafkaGroupID     string
	BatchSize        uint64
	PollInterval     time.Duration
	NodeRPCURL       string

	OtelEndpoint    string
	OtelSampleRatio float64
	LogLevel        string
	LogFile         string
	LogMaxSizeMB    int
	LogMaxBackups   int
}

// StatePath is where the node keeps its leveldb state and chain stores.
func (c Config) StatePath(name string) string {
	if c.DataDir == "" {
		return ""
	}
	return filepath.Join(c.DataDir, name)
}

type EnvSource interface {
	Lookup(key string) (string, bool)
}

type EnvMap map[string]string

func (e EnvMap) Lookup(key string) (string, bool) {
	value, ok := e[key]
	return value, ok
}

func FromEnviron() EnvSource {
	env := make(EnvMap)
	for _, entry := range os.Environ() {
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}
	return env
}

func Load(source EnvSource) (Config, error) {
	if source == nil {
		return Config{}, errors.New("env source is required")
	}

	chainID, err := parseUintEnv(source, "CHAIN_ID", 0)
	if err != nil {
		return Config{}, err
	}
	if chainID == 0 {
		return Config{}, errors.New("CHAIN_ID is required")
	}

	receiptsMax, err := parseUintEnv(source, "RECEIPTS_MAX", 100_000)
	if err != nil {
		return Config{}, err
	}
	receiptCacheSize, err := parseUintEnv(source, "RECEIPT_CACHE_SIZE", 4096)
	if err != nil {
		return Config{}, err
	}
	blockInterval, err := parseDurationEnv(source, "BLOCK_INTERVAL", time.Second)
	if err != nil {
		return Config{}, err
	}
	blockGasLimit, err := parseUintEnv(source, "BLOCK_GAS_LIMIT", 30_000_000)
	if err != nil {
		return Config{}, err
	}
	maxBlockTxs, err := parseUintEnv(source, "MAX_BLOCK_TXS", 0)
	if err != nil {
		return Config{}, err
	}
	emptyBlocks, err := parseBoolEnv(source, "EMPTY_BLOCKS", false)
	if err != nil {
		return Config{}, err
	}
	callGasCap, err := parseUintEnv(source, "CALL_GAS_CAP", 50_000_000)
	if err != nil {
		return Config{}, err
	}
	mempoolSize, err := parseUintEnv(source, "MEMPOOL_SIZE", 4096)
	if err != nil {
		return Config{}, err
	}
	speculative, err := parseBoolEnv(source, "SPECULATIVE_NONCES", true)
	if err != nil {
		return Config{}, err
	}
	genesisAlloc, err := parseAlloc(source, "GENESIS_ALLOC")
	if err != nil {
		return Config{}, err
	}

	queueSize, err := parseUintEnv(source, "SUBSCRIBER_QUEUE_SIZE", 256)
	if err != nil {
		return Config{}, err
	}
	closeOnOverflow, err := parseBoolEnv(source, "SUBSCRIBER_CLOSE_ON_OVERFLOW", false)
	if err != nil {
		return Config{}, err
	}
	maxLogResults, err := parseUintEnv(source, "MAX_LOG_RESULTS", 10_000)
	if err != nil {
		return Config{}, err
	}

	logIndexBackend, err := parseChoice(source, "LOG_INDEX_BACKEND", "leveldb", "leveldb", "sqlite", "mysql")
	if err != nil {
		return Config{}, err
	}
	archiveBackend, err := parseChoice(source, "ARCHIVE_BACKEND", "mysql", "mysql", "sqlite")
	if err != nil {
		return Config{}, err
	}

	dataDir, _ := source.Lookup("DATA_DIR")
	dataDir = strings.TrimSpace(dataDir)

	sqlitePath, ok := source.Lookup("SQLITE_PATH")
	if !ok || strings.TrimSpace(sqlitePath) == "" {
		sqlitePath = "evmindex.db"
		if dataDir != "" {
			sqlitePath = filepath.Join(dataDir, sqlitePath)
		}
	}

	dbDSN, ok := source.Lookup("DB_DSN")
	if !ok || strings.TrimSpace(dbDSN) == "" {
		dbDSN = "root:@tcp(127.0.0.1:3306)/evmindex?parseTime=true&multiStatements=true"
	}

	rpcAddr := ":8545"
	if raw, ok := source.Lookup("RPC_ADDR"); ok && raw != "" {
		rpcAddr = raw
	}
	httpAddr := ":8080"
	if raw, ok := source.Lookup("HTTP_ADDR"); ok && raw != "" {
		httpAddr = raw
	}
	corsOrigins, err := parseList(source, "CORS_ORIGINS", "*")
	if err != nil {
		return Config{}, err
	}

	redisAddr, _ := source.Lookup("REDIS_ADDR")
	redisAddr = strings.TrimSpace(redisAddr)

	otelEndpoint, _ := source.Lookup("OTEL_EXPORTER_OTLP_ENDPOINT")
	otelEndpoint = strings.TrimSpace(otelEndpoint)
	otelSampleRatio, err := parseRatioEnv(source, "OTEL_TRACES_SAMPLER_ARG", 1)
	if err != nil {
		return Config{}, err
	}

	kafkaBrokers, err := parseOptionalList(source, "KAFKA_BROKERS")
	if err != nil {
		return Config{}, err
	}
	kafkaTopicPrefix, ok := source.Lookup("KAFKA_TOPIC_PREFIX")
	if !ok || kafkaTopicPrefix == "" {
		kafkaTopicPrefix = "evmindex-chain"
	}
	kafkaGroupID, ok := source.Lookup("KAFKA_GROUP_ID")
	if !ok || kafkaGroupID == "" {
		kafkaGroupID = "evmindex-archiver"
	}
	batchSize, err := parseUintEnv(source, "BATCH_SIZE", 1000)
	if err != nil {
		return Config{}, err
	}
	pollInterval, err := parseDurationEnv(source, "POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	nodeRPCURL, ok := source.Lookup("NODE_RPC_URL")
	if !ok || nodeRPCURL == "" {
		nodeRPCURL = "http://127.0.0.1:8545"
	}

	logLevel, _ := source.Lookup("LOG_LEVEL")
	logFile, _ := source.Lookup("LOG_FILE")
	logMaxSizeMB, err := parseUintEnv(source, "LOG_MAX_SIZE_MB", 100)
	if err != nil {
		return Config{}, err
	}
	logMaxBackups, err := parseUintEnv(source, "LOG_MAX_BACKUPS", 5)
	if err != nil {
		return Config{}, err
	}

	return Config{
		ChainID:                   chainID,
		DataDir:                   dataDir,
		RPCAddr:                   rpcAddr,
		HTTPAddr:                  httpAddr,
		CORSOrigins:               corsOrigins,
		ReceiptsMax:               receiptsMax,
		ReceiptCacheSize:          int(receiptCacheSize),
		BlockInterval:             blockInterval,
		BlockGasLimit:             blockGasLimit,
		MaxBlockTxs:               int(maxBlockTxs),
		EmptyBlocks:               emptyBlocks,
		CallGasCap:                callGasCap,
		MempoolSize:               int(mempoolSize),
		SpeculativeNonces:         speculative,
		GenesisAlloc:              genesisAlloc,
		SubscriberQueueSize:       int(queueSize),
		SubscriberCloseOnOverflow: closeOnOverflow,
		MaxLogResults:             int(maxLogResults),
		LogIndexBackend:           logIndexBackend,
		SQLitePath:                sqlitePath,
		DBDSN:                     dbDSN,
		ArchiveBackend:            archiveBackend,
		RedisAddr:                 redisAddr,
		KafkaBrokers:              kafkaBrokers,
		KafkaTopicPrefix:          kafkaTopicPrefix,
		KafkaGroupID:              kafkaGroupID,
		BatchSize:                 batchSize,
		PollInterval:              pollInterval,
		NodeRPCURL:                nodeRPCURL,
		OtelEndpoint:              otelEndpoint,
		OtelSampleRatio:           otelSampleRatio,
		LogLevel:                  logLevel,
		LogFile:                   logFile,
		LogMaxSizeMB:              int(logMaxSizeMB),
		LogMaxBackups:             int(logMaxBackups),
	}, nil
}

func parseUintEnv(source EnvSource, key string, defaultValue uint64) (uint64, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseRatioEnv(source EnvSource, key string, defaultValue float64) (float64, error) {
	value, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return 0, fmt.Errorf("invalid %s: must be between 0 and 1", key)
	}
	return parsed, nil
}

func parseBoolEnv(source EnvSource, key string, defaultValue bool) (bool, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func parseDurationEnv(source EnvSource, key string, defaultValue time.Duration) (time.Duration, error) {
	raw, ok := source.Lookup(key)
	if !ok || raw == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if duration <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return duration, nil
}

func parseChoice(source EnvSource, key, defaultValue string, choices ...string) (string, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	value := strings.ToLower(strings.TrimSpace(raw))
	for _, choice := range choices {
		if value == choice {
			return value, nil
		}
	}
	return "", fmt.Errorf("invalid %s %q: want one of %s", key, raw, strings.Join(choices, ", "))
}

func parseList(source EnvSource, key string, defaultValue string) ([]string, error) {
	raw, ok := source.Lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		raw = defaultValue
	}
	values := splitList(raw)
	if len(values) == 0 {
		return nil, fmt.Errorf("%s is required", key)
	}
	return values, nil
}

func parseOptionalList(source EnvSource, key string) ([]string, error) {
	raw, ok := source.Lookup(key)
	if !ok {
		return nil, nil
	}
	return splitList(raw), nil
}

func splitList(raw string) []string {
	var values []string
	for _, item := range strings.Split(raw, ",") {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		values = append(values, value)
	}
	return values
}

// parseAlloc reads "addr=wei,addr=wei" genesis balances.
func parseAlloc(source EnvSource, key string) (map[common.Address]*big.Int, error) {
	alloc := make(map[common.Address]*big.Int)
	raw, ok := source.Lookup(key)
	if !ok {
		return alloc, nil
	}
	for _, item := range splitList(raw) {
		addr, amount, found := strings.Cut(item, "=")
		addr = strings.TrimSpace(addr)
		if !found || !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid %s entry %q", key, item)
		}
		balance, ok := new(big.Int).SetString(strings.TrimSpace(amount), 0)
		if !ok || balance.Sign() < 0 {
			return nil, fmt.Errorf("invalid %s balance %q", key, amount)
		}
		alloc[common.HexToAddress(addr)] = balance
	}
	return alloc, nil
}
