package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"evmindex/internal/application"
	"evmindex/internal/config"
	"evmindex/internal/domain"
)

// ArchiveStore is the read side of the archive plus the cursor the
// archiver resumes from.
type ArchiveStore interface {
	SearchLogs(ctx context.Context, filter application.LogQueryFilter) ([]domain.LogEntry, error)
	SearchTransactions(ctx context.Context, filter application.TransactionQueryFilter) ([]domain.Transaction, error)
	SearchBlocks(ctx context.Context, filter application.BlockQueryFilter) ([]domain.Block, error)
	BlockRange(ctx context.Context, chainID *uint64) (uint64, uint64, bool, error)
	LastProcessedBlock(ctx context.Context, chainID uint64) (uint64, bool, error)
	SetLastProcessedBlock(ctx context.Context, chainID uint64, block uint64) error
	ClearLastProcessedBlock(ctx context.Context, chainID uint64) error
	Ping(ctx context.Context) error
}

type RPCStatus interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
}

// RPCStatusFunc adapts a function to RPCStatus.
type RPCStatusFunc func(ctx context.Context) (uint64, error)

func (f RPCStatusFunc) LatestBlockNumber(ctx context.Context) (uint64, error) {
	return f(ctx)
}

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Server is the ops and archive query server. The node runs it without
// an archive and only the health, metrics and version routes are served.
type Server struct {
	cfg       config.Config
	archive   ArchiveStore
	rpc       RPCStatus
	metrics   *Metrics
	buildInfo BuildInfo
}

func NewServer(cfg config.Config, archive ArchiveStore, rpc RPCStatus, metrics *Metrics, buildInfo BuildInfo) (*Server, error) {
	if rpc == nil {
		return nil, errors.New("http server dependencies must not be nil")
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{cfg: cfg, archive: archive, rpc: rpc, metrics: metrics, buildInfo: buildInfo}, nil
}

func (s *Server) MetricsObserver() *Metrics {
	return s.metrics
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/version", s.handleVersion)
	if s.archive != nil {
		mux.HandleFunc("/logs", s.handleLogs)
		mux.HandleFunc("/transactions", s.handleTransactions)
		mux.HandleFunc("/blocks", s.handleBlocks)
		mux.HandleFunc("/reindex", s.handleReindex)
	}
	return mux
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if s.archive != nil {
		if err := s.archive.Ping(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "db not ready")
			return
		}
	}
	latest, err := s.rpc.LatestBlockNumber(ctx)
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "rpc not ready")
		return
	}
	s.metrics.OnLatestBlock(latest)
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready", "latest_block": latest})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"chain_id": s.cfg.ChainID,
		"metrics":  s.metrics.Snapshot(),
	})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.ChainID == nil {
		filter.ChainID = &s.cfg.ChainID
	}
	logs, err := s.archive.SearchLogs(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	out := make([]logView, 0, len(logs))
	for _, log := range logs {
		out = append(out, newLogView(log))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	filter, err := parseTransactionFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.ChainID == nil {
		filter.ChainID = &s.cfg.ChainID
	}
	transactions, err := s.archive.SearchTransactions(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	out := make([]transactionView, 0, len(transactions))
	for _, tx := range transactions {
		out = append(out, newTransactionView(tx))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleBlocks(w http.ResponseWriter, r *http.Request) {
	chainID, err := parseChainID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if chainID == nil {
		chainID = &s.cfg.ChainID
	}
	limit, err := parseLimit(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	from, to, err := parseBlockRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	minBlock, maxBlock, ok, err := s.archive.BlockRange(r.Context(), chainID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "block range failed")
		return
	}
	last, _, err := s.archive.LastProcessedBlock(r.Context(), *chainID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "state read failed")
		return
	}
	blocks, err := s.archive.SearchBlocks(r.Context(), application.BlockQueryFilter{
		ChainID:   chainID,
		FromBlock: from,
		ToBlock:   to,
		Limit:     limit,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "query failed")
		return
	}
	views := make([]blockView, 0, len(blocks))
	for _, block := range blocks {
		views = append(views, newBlockView(block))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"min_block":            minBlock,
		"max_block":            maxBlock,
		"has_blocks":           ok,
		"last_processed_block": last,
		"blocks":               views,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.buildInfo)
}

// handleReindex rewinds the archive cursor. The archiver picks the new
// cursor up as the lower bound for the blocks it accepts.
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	from, err := parseUintParam(r, "from_block")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if from == 0 {
		if err := s.archive.ClearLastProcessedBlock(r.Context(), s.cfg.ChainID); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to reset state")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"status": "ok",
		})
		return
	}

	target := from - 1
	if err := s.archive.SetLastProcessedBlock(r.Context(), s.cfg.ChainID, target); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update state")
		return
	}
	s.metrics.SetLastProcessed(target)
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"last_processed_block": target,
	})
}

func parseLogFilter(r *http.Request) (application.LogQueryFilter, error) {
	limit, err := parseLimit(r)
	if err != nil {
		return application.LogQueryFilter{}, err
	}
	from, to, err := parseBlockRange(r)
	if err != nil {
		return application.LogQueryFilter{}, err
	}
	chainID, err := parseChainID(r)
	if err != nil {
		return application.LogQueryFilter{}, err
	}
	query := r.URL.Query()
	address := query.Get("address")
	if address != "" && !common.IsHexAddress(address) {
		return application.LogQueryFilter{}, errors.New("invalid address")
	}
	return application.LogQueryFilter{
		ChainID:   chainID,
		Address:   strings.ToLower(address),
		TxHash:    strings.ToLower(query.Get("tx_hash")),
		Topic0:    strings.ToLower(query.Get("topic0")),
		FromBlock: from,
		ToBlock:   to,
		Limit:     limit,
	}, nil
}

func parseTransactionFilter(r *http.Request) (application.TransactionQueryFilter, error) {
	limit, err := parseLimit(r)
	if err != nil {
		return application.TransactionQueryFilter{}, err
	}
	from, to, err := parseBlockRange(r)
	if err != nil {
		return application.TransactionQueryFilter{}, err
	}
	chainID, err := parseChainID(r)
	if err != nil {
		return application.TransactionQueryFilter{}, err
	}
	query := r.URL.Query()
	address := query.Get("address")
	if address != "" && !common.IsHexAddress(address) {
		return application.TransactionQueryFilter{}, errors.New("invalid address")
	}
	return application.TransactionQueryFilter{
		ChainID:   chainID,
		Address:   strings.ToLower(address),
		TxHash:    strings.ToLower(query.Get("tx_hash")),
		FromBlock: from,
		ToBlock:   to,
		Limit:     limit,
	}, nil
}

func parseChainID(r *http.Request) (*uint64, error) {
	raw := r.URL.Query().Get("chain_id")
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, errors.New("invalid chain_id")
	}
	return &value, nil
}

func parseLimit(r *http.Request) (int, error) {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return 0, errors.New("invalid limit")
		}
		return value, nil
	}
	return 100, nil
}

func parseBlockRange(r *http.Request) (*uint64, *uint64, error) {
	fromRaw := r.URL.Query().Get("from_block")
	toRaw := r.URL.Query().Get("to_block")

	var from *uint64
	var to *uint64

	if fromRaw != "" {
		value, err := strconv.ParseUint(fromRaw, 10, 64)
		if err != nil {
			return nil, nil, errors.New("invalid from_block")
		}
		from = &value
	}
	if toRaw != "" {
		value, err := strconv.ParseUint(toRaw, 10, 64)
		if err != nil {
			return nil, nil, errors.New("invalid to_block")
		}
		to = &value
	}
	if from != nil && to != nil && *from > *to {
		return nil, nil, errors.New("from_block is after to_block")
	}
	return from, to, nil
}

func parseUintParam(r *http.Request, key string) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			return 0, fmt.Errorf("%s is required", key)
		}
		valueAny, ok := payload[key]
		if !ok {
			return 0, fmt.Errorf("%s is required", key)
		}
		switch v := valueAny.(type) {
		case float64:
			if v < 0 {
				return 0, fmt.Errorf("invalid %s", key)
			}
			return uint64(v), nil
		case string:
			value, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid %s", key)
			}
			return value, nil
		default:
			return 0, fmt.Errorf("invalid %s", key)
		}
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return value, nil
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
