package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	_ "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"evmindex/internal/application"
	"evmindex/internal/domain"
)

// Repository stores exported chain data in MySQL. It serves as the
// archiver's sink and, scoped to one chain, as the node's log index.
type Repository struct {
	db      *sql.DB
	chainID uint64
}

func NewRepository(dsn string, chainID uint64) (*Repository, error) {
	if dsn == "" {
		return nil, errors.New("db dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db, chainID: chainID}, nil
}

func createSchema(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS logs (
			chain_id BIGINT UNSIGNED NOT NULL,
			block_number BIGINT UNSIGNED NOT NULL,
			block_hash VARCHAR(66) NOT NULL,
			tx_hash VARCHAR(66) NOT NULL,
			tx_index BIGINT UNSIGNED NOT NULL,
			log_index BIGINT UNSIGNED NOT NULL,
			address VARCHAR(42) NOT NULL,
			topic0 VARCHAR(66) NOT NULL DEFAULT '',
			topic1 VARCHAR(66) NOT NULL DEFAULT '',
			topic2 VARCHAR(66) NOT NULL DEFAULT '',
			topic3 VARCHAR(66) NOT NULL DEFAULT '',
			topic_count TINYINT UNSIGNED NOT NULL,
			data MEDIUMTEXT NOT NULL,
			removed TINYINT(1) NOT NULL,
			PRIMARY KEY (chain_id, block_number, tx_index, log_index),
			KEY logs_address_idx (chain_id, address),
			KEY logs_topic0_idx (chain_id, topic0),
			KEY logs_tx_idx (chain_id, tx_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS blocks (
			chain_id BIGINT UNSIGNED NOT NULL,
			block_number BIGINT UNSIGNED NOT NULL,
			block_hash VARCHAR(66) NOT NULL,
			parent_hash VARCHAR(66) NOT NULL,
			state_root VARCHAR(66) NOT NULL,
			timestamp BIGINT UNSIGNED NOT NULL,
			gas_limit BIGINT UNSIGNED NOT NULL,
			gas_used BIGINT UNSIGNED NOT NULL,
			tx_hashes MEDIUMTEXT NOT NULL,
			logs_bloom VARCHAR(514) NOT NULL,
			PRIMARY KEY (chain_id, block_number),
			KEY blocks_hash_idx (chain_id, block_hash)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			chain_id BIGINT UNSIGNED NOT NULL,
			tx_hash VARCHAR(66) NOT NULL,
			evm_tx_hash VARCHAR(66) NOT NULL,
			block_number BIGINT UNSIGNED NOT NULL,
			block_hash VARCHAR(66) NOT NULL,
			tx_index BIGINT UNSIGNED NOT NULL,
			tx_kind VARCHAR(16) NOT NULL,
			from_addr VARCHAR(42) NOT NULL,
			external_from VARCHAR(42) NULL,
			to_addr VARCHAR(42) NULL,
			value DECIMAL(65,0) NOT NULL,
			nonce BIGINT UNSIGNED NOT NULL,
			gas BIGINT UNSIGNED NOT NULL,
			input MEDIUMTEXT NOT NULL,
			PRIMARY KEY (chain_id, tx_hash),
			KEY tx_evm_idx (chain_id, evm_tx_hash),
			KEY tx_block_idx (chain_id, block_number),
			KEY tx_from_idx (chain_id, from_addr),
			KEY tx_to_idx (chain_id, to_addr)
		)`,
		`CREATE TABLE IF NOT EXISTS receipts (
			chain_id BIGINT UNSIGNED NOT NULL,
			tx_hash VARCHAR(66) NOT NULL,
			evm_tx_hash VARCHAR(66) NOT NULL,
			block_number BIGINT UNSIGNED NOT NULL,
			block_hash VARCHAR(66) NOT NULL,
			tx_index BIGINT UNSIGNED NOT NULL,
			status VARCHAR(16) NOT NULL,
			failure_reason TEXT NOT NULL,
			cumulative_gas_used BIGINT UNSIGNED NOT NULL,
			gas_used BIGINT UNSIGNED NOT NULL,
			contract_address VARCHAR(42) NULL,
			PRIMARY KEY (chain_id, tx_hash),
			KEY receipts_block_idx (chain_id, block_number)
		)`,
		`CREATE TABLE IF NOT EXISTS state (
			state_key VARCHAR(64) NOT NULL,
			state_value VARCHAR(64) NOT NULL,
			PRIMARY KEY (state_key)
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

// IndexLogs stores the logs of a block committed by the node.
func (r *Repository) IndexLogs(ctx context.Context, block domain.Block, logs []domain.LogEntry) error {
	return r.StoreLogs(ctx, r.chainID, logs)
}

// QueryLogs answers a node log query from the indexed logs of this
// repository's chain. It returns at most filter.Limit+1 entries so the
// caller can detect an over-limit result.
func (r *Repository) QueryLogs(ctx context.Context, filter domain.LogFilter) ([]domain.LogEntry, error) {
	ctx, span := startDBSpan(ctx, "mysql.QueryLogs", attribute.Int64("chain.id", int64(r.chainID)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clauses, args, ok := logFilterClauses(r.chainID, filter)
	if !ok {
		return []domain.LogEntry{}, nil
	}
	query := selectLogs + " WHERE " + strings.Join(clauses, " AND ") + " ORDER BY block_number ASC, tx_index ASC, log_index ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit+1)
	}
	logs, err := r.queryLogs(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return logs, nil
}

func (r *Repository) StoreLogs(ctx context.Context, chainID uint64, logs []domain.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}
	ctx, span := startDBSpan(ctx, "mysql.StoreLogs", attribute.Int("log.count", len(logs)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := r.inTx(ctx, `INSERT IGNORE INTO logs (chain_id, block_number, block_hash, tx_hash, tx_index, log_index, address, topic0, topic1, topic2, topic3, topic_count, data, removed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, func(stmt *sql.Stmt) error {
		for _, log := range logs {
			if len(log.Topics) > 4 {
				return fmt.Errorf("log %s/%d has %d topics", log.TxHash.Hex(), log.LogIndex, len(log.Topics))
			}
			var topics [4]string
			for i, topic := range log.Topics {
				topics[i] = topic.Hex()
			}
			removed := 0
			if log.Removed {
				removed = 1
			}
			if _, err := stmt.ExecContext(ctx, chainID, log.BlockNumber, log.BlockHash.Hex(), log.TxHash.Hex(), log.TxIndex, log.LogIndex,
				addressHex(log.Address), topics[0], topics[1], topics[2], topics[3], len(log.Topics), hexutil.Encode(log.Data), removed); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Repository) StoreBlocks(ctx context.Context, chainID uint64, blocks []domain.Block) error {
	if len(blocks) == 0 {
		return nil
	}
	ctx, span := startDBSpan(ctx, "mysql.StoreBlocks", attribute.Int("block.count", len(blocks)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := r.inTx(ctx, `INSERT INTO blocks (chain_id, block_number, block_hash, parent_hash, state_root, timestamp, gas_limit, gas_used, tx_hashes, logs_bloom)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			block_hash = VALUES(block_hash),
			parent_hash = VALUES(parent_hash),
			state_root = VALUES(state_root),
			timestamp = VALUES(timestamp),
			gas_limit = VALUES(gas_limit),
			gas_used = VALUES(gas_used),
			tx_hashes = VALUES(tx_hashes),
			logs_bloom = VALUES(logs_bloom)`, func(stmt *sql.Stmt) error {
		for _, block := range blocks {
			hashes, err := json.Marshal(block.TxHashes)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, chainID, block.Number, block.Hash.Hex(), block.ParentHash.Hex(), block.StateRoot.Hex(),
				block.Timestamp, block.GasLimit, block.GasUsed, string(hashes), hexutil.Encode(block.Bloom.Bytes())); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Repository) StoreTransactions(ctx context.Context, chainID uint64, transactions []domain.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}
	ctx, span := startDBSpan(ctx, "mysql.StoreTransactions", attribute.Int("tx.count", len(transactions)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := r.inTx(ctx, `INSERT INTO transactions (chain_id, tx_hash, evm_tx_hash, block_number, block_hash, tx_index, tx_kind, from_addr, external_from, to_addr, value, nonce, gas, input)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			evm_tx_hash = VALUES(evm_tx_hash),
			block_number = VALUES(block_number),
			block_hash = VALUES(block_hash),
			tx_index = VALUES(tx_index),
			tx_kind = VALUES(tx_kind),
			from_addr = VALUES(from_addr),
			external_from = VALUES(external_from),
			to_addr = VALUES(to_addr),
			value = VALUES(value),
			nonce = VALUES(nonce),
			gas = VALUES(gas),
			input = VALUES(input)`, func(stmt *sql.Stmt) error {
		for _, entry := range transactions {
			value := "0"
			if entry.Value != nil {
				value = entry.Value.String()
			}
			if _, err := stmt.ExecContext(ctx, chainID, entry.Hash.Hex(), entry.EvmHash.Hex(), entry.BlockNumber, entry.BlockHash.Hex(), entry.TxIndex,
				entry.Kind.String(), addressHex(entry.From), optionalAddress(entry.ExternalFrom), optionalAddress(entry.To),
				value, entry.Nonce, entry.GasLimit, hexutil.Encode(entry.Data)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Repository) StoreReceipts(ctx context.Context, chainID uint64, receipts []domain.Receipt) error {
	if len(receipts) == 0 {
		return nil
	}
	ctx, span := startDBSpan(ctx, "mysql.StoreReceipts", attribute.Int("receipt.count", len(receipts)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := r.inTx(ctx, `INSERT INTO receipts (chain_id, tx_hash, evm_tx_hash, block_number, block_hash, tx_index, status, failure_reason, cumulative_gas_used, gas_used, contract_address)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			evm_tx_hash = VALUES(evm_tx_hash),
			block_number = VALUES(block_number),
			block_hash = VALUES(block_hash),
			tx_index = VALUES(tx_index),
			status = VALUES(status),
			failure_reason = VALUES(failure_reason),
			cumulative_gas_used = VALUES(cumulative_gas_used),
			gas_used = VALUES(gas_used),
			contract_address = VALUES(contract_address)`, func(stmt *sql.Stmt) error {
		for _, receipt := range receipts {
			if _, err := stmt.ExecContext(ctx, chainID, receipt.TxHash.Hex(), receipt.EvmTxHash.Hex(), receipt.BlockNumber, receipt.BlockHash.Hex(), receipt.TxIndex,
				receipt.Status.String(), receipt.FailureReason, receipt.CumulativeGasUsed, receipt.GasUsed, optionalAddress(receipt.ContractAddress)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// inTx runs fn with stmt prepared inside a transaction, committing when
// fn succeeds.
func (r *Repository) inTx(ctx context.Context, stmtSQL string, fn func(stmt *sql.Stmt) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	if err := fn(stmt); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (r *Repository) SearchLogs(ctx context.Context, filter application.LogQueryFilter) ([]domain.LogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	clauses := make([]string, 0, 6)
	args := make([]any, 0, 7)

	if filter.ChainID != nil {
		clauses = append(clauses, "chain_id = ?")
		args = append(args, *filter.ChainID)
	}
	if filter.Address != "" {
		clauses = append(clauses, "address = ?")
		args = append(args, strings.ToLower(filter.Address))
	}
	if filter.TxHash != "" {
		clauses = append(clauses, "tx_hash = ?")
		args = append(args, strings.ToLower(filter.TxHash))
	}
	if filter.Topic0 != "" {
		clauses = append(clauses, "topic0 = ?")
		args = append(args, strings.ToLower(filter.Topic0))
	}
	if filter.FromBlock != nil {
		clauses = append(clauses, "block_number >= ?")
		args = append(args, *filter.FromBlock)
	}
	if filter.ToBlock != nil {
		clauses = append(clauses, "block_number <= ?")
		args = append(args, *filter.ToBlock)
	}

	query := selectLogs
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY block_number ASC, tx_index ASC, log_index ASC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))
	return r.queryLogs(ctx, query, args...)
}

const selectLogs = `SELECT block_number, block_hash, tx_hash, tx_index, log_index, address, topic0, topic1, topic2, topic3, topic_count, data, removed FROM logs`

func (r *Repository) queryLogs(ctx context.Context, query string, args ...any) ([]domain.LogEntry, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []domain.LogEntry{}
	for rows.Next() {
		var (
			log                        domain.LogEntry
			blockHash, txHash, address string
			topics                     [4]string
			topicCount                 int
			data                       string
			removed                    int
		)
		if err := rows.Scan(&log.BlockNumber, &blockHash, &txHash, &log.TxIndex, &log.LogIndex, &address,
			&topics[0], &topics[1], &topics[2], &topics[3], &topicCount, &data, &removed); err != nil {
			return nil, err
		}
		log.BlockHash = common.HexToHash(blockHash)
		log.TxHash = common.HexToHash(txHash)
		log.Address = common.HexToAddress(address)
		for _, topic := range topics[:topicCount] {
			log.Topics = append(log.Topics, common.HexToHash(topic))
		}
		if log.Data, err = hexutil.Decode(data); err != nil {
			return nil, fmt.Errorf("log data: %w", err)
		}
		log.Removed = removed != 0
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *Repository) SearchTransactions(ctx context.Context, filter application.TransactionQueryFilter) ([]domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	clauses := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.ChainID != nil {
		clauses = append(clauses, "chain_id = ?")
		args = append(args, *filter.ChainID)
	}
	if filter.Address != "" {
		clauses = append(clauses, "(from_addr = ? OR to_addr = ? OR external_from = ?)")
		address := strings.ToLower(filter.Address)
		args = append(args, address, address, address)
	}
	if filter.TxHash != "" {
		clauses = append(clauses, "(tx_hash = ? OR evm_tx_hash = ?)")
		hash := strings.ToLower(filter.TxHash)
		args = append(args, hash, hash)
	}
	if filter.FromBlock != nil {
		clauses = append(clauses, "block_number >= ?")
		args = append(args, *filter.FromBlock)
	}
	if filter.ToBlock != nil {
		clauses = append(clauses, "block_number <= ?")
		args = append(args, *filter.ToBlock)
	}

	query := `SELECT tx_hash, evm_tx_hash, block_number, block_hash, tx_index, tx_kind, from_addr, external_from, to_addr, value, nonce, gas, input FROM transactions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY block_number ASC, tx_index ASC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []domain.Transaction{}
	for rows.Next() {
		var (
			tx                       domain.Transaction
			hash, evmHash, blockHash string
			kind, from, value, input string
			externalFrom, to         sql.NullString
		)
		if err := rows.Scan(&hash, &evmHash, &tx.BlockNumber, &blockHash, &tx.TxIndex, &kind, &from, &externalFrom, &to, &value, &tx.Nonce, &tx.GasLimit, &input); err != nil {
			return nil, err
		}
		tx.Hash = common.HexToHash(hash)
		tx.EvmHash = common.HexToHash(evmHash)
		tx.BlockHash = common.HexToHash(blockHash)
		tx.Kind = domain.TxKindNative
		if kind == domain.TxKindEthereum.String() {
			tx.Kind = domain.TxKindEthereum
		}
		tx.From = common.HexToAddress(from)
		tx.ExternalFrom = scanAddress(externalFrom)
		tx.To = scanAddress(to)
		var ok bool
		if tx.Value, ok = new(big.Int).SetString(value, 10); !ok {
			return nil, fmt.Errorf("transaction %s: invalid value %q", hash, value)
		}
		if tx.Data, err = hexutil.Decode(input); err != nil {
			return nil, fmt.Errorf("transaction %s input: %w", hash, err)
		}
		transactions = append(transactions, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transactions, nil
}

func (r *Repository) SearchBlocks(ctx context.Context, filter application.BlockQueryFilter) ([]domain.Block, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	clauses := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.ChainID != nil {
		clauses = append(clauses, "chain_id = ?")
		args = append(args, *filter.ChainID)
	}
	if filter.FromBlock != nil {
		clauses = append(clauses, "block_number >= ?")
		args = append(args, *filter.FromBlock)
	}
	if filter.ToBlock != nil {
		clauses = append(clauses, "block_number <= ?")
		args = append(args, *filter.ToBlock)
	}

	query := `SELECT block_number, block_hash, parent_hash, state_root, timestamp, gas_limit, gas_used, tx_hashes, logs_bloom FROM blocks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY block_number ASC LIMIT ?"
	args = append(args, normalizeLimit(filter.Limit))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blocks := []domain.Block{}
	for rows.Next() {
		var (
			block              domain.Block
			hash, parent, root string
			txHashes, bloom    string
		)
		if err := rows.Scan(&block.Number, &hash, &parent, &root, &block.Timestamp, &block.GasLimit, &block.GasUsed, &txHashes, &bloom); err != nil {
			return nil, err
		}
		block.Hash = common.HexToHash(hash)
		block.ParentHash = common.HexToHash(parent)
		block.StateRoot = common.HexToHash(root)
		if err := json.Unmarshal([]byte(txHashes), &block.TxHashes); err != nil {
			return nil, fmt.Errorf("block %d tx hashes: %w", block.Number, err)
		}
		raw, err := hexutil.Decode(bloom)
		if err != nil {
			return nil, fmt.Errorf("block %d bloom: %w", block.Number, err)
		}
		block.Bloom = types.BytesToBloom(raw)
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return blocks, nil
}

func (r *Repository) BlockRange(ctx context.Context, chainID *uint64) (uint64, uint64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var min sql.NullInt64
	var max sql.NullInt64
	query := `SELECT MIN(block_number), MAX(block_number) FROM blocks`
	args := []any{}
	if chainID != nil {
		query += " WHERE chain_id = ?"
		args = append(args, *chainID)
	}
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&min, &max); err != nil {
		return 0, 0, false, err
	}
	if !min.Valid || !max.Valid {
		return 0, 0, false, nil
	}
	return uint64(min.Int64), uint64(max.Int64), true, nil
}

func (r *Repository) LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var value string
	key := stateKey(chainID)
	if err := r.db.QueryRowContext(ctx, `SELECT state_value FROM state WHERE state_key = ?`, key).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var block uint64
	if _, err := fmt.Sscanf(value, "%d", &block); err != nil {
		return 0, false, err
	}
	return block, true, nil
}

func (r *Repository) SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error {
	ctx, span := startDBSpan(ctx, "mysql.SetLastProcessedBlock",
		attribute.Int64("chain.id", int64(chainID)),
		attribute.Int64("block.number", int64(block)),
	)
	defer span.End()
	key := stateKey(chainID)
	_, err := r.db.ExecContext(ctx, `INSERT INTO state (state_key, state_value) VALUES (?, ?)
		ON DUPLICATE KEY UPDATE state_value = VALUES(state_value)`, key, fmt.Sprintf("%d", block))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Repository) ClearLastProcessedBlock(ctx context.Context, chainID uint64) error {
	ctx, span := startDBSpan(ctx, "mysql.ClearLastProcessedBlock",
		attribute.Int64("chain.id", int64(chainID)),
	)
	defer span.End()
	key := stateKey(chainID)
	_, err := r.db.ExecContext(ctx, `DELETE FROM state WHERE state_key = ?`, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.db.PingContext(ctx)
}

func stateKey(chainID uint64) string {
	return fmt.Sprintf("last_block:%d", chainID)
}

// logFilterClauses translates a node log filter into WHERE clauses. ok is
// false when the filter can match nothing.
func logFilterClauses(chainID uint64, filter domain.LogFilter) ([]string, []any, bool) {
	clauses := []string{"chain_id = ?"}
	args := []any{chainID}

	if len(filter.Addresses) > 0 {
		clauses = append(clauses, "address IN ("+placeholders(len(filter.Addresses))+")")
		for _, addr := range filter.Addresses {
			args = append(args, addressHex(addr))
		}
	}
	for i, set := range filter.Topics {
		if len(set) == 0 {
			continue
		}
		if i > 3 {
			return nil, nil, false
		}
		clauses = append(clauses, fmt.Sprintf("topic%d IN (%s)", i, placeholders(len(set))))
		for _, topic := range set {
			args = append(args, topic.Hex())
		}
	}
	if filter.FromBlock != nil {
		clauses = append(clauses, "block_number >= ?")
		args = append(args, *filter.FromBlock)
	}
	if filter.ToBlock != nil {
		clauses = append(clauses, "block_number <= ?")
		args = append(args, *filter.ToBlock)
	}
	return clauses, args, true
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func addressHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func optionalAddress(addr *common.Address) any {
	if addr == nil {
		return nil
	}
	return addressHex(*addr)
}

func scanAddress(value sql.NullString) *common.Address {
	if !value.Valid || value.String == "" {
		return nil
	}
	addr := common.HexToAddress(value.String)
	return &addr
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func startDBSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "mysql"))
	return otel.Tracer("evmindex/mysql").Start(ctx, name, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}
