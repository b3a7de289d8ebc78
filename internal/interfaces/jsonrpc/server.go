package jsonrpc

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/cors"

	"evmindex/internal/application"
)

const (
	EthNamespace       = "eth"
	NetNamespace       = "net"
	Web3Namespace      = "web3"
	DebugNamespace     = "debug"
	CanonicalNamespace = "canonical"
	NativeNamespace    = "native"
	IdentityNamespace  = "identity"
)

// Backend is everything the RPC services read from or submit to.
type Backend struct {
	ChainID   *big.Int
	Query     *application.Query
	Submitter *application.Submitter
	Sequencer *application.Sequencer
	Resolver  *application.Resolver
	Fanout    *application.Fanout
}

func (b Backend) validate() error {
	if b.ChainID == nil || b.Query == nil || b.Submitter == nil || b.Sequencer == nil || b.Resolver == nil || b.Fanout == nil {
		return errors.New("rpc backend dependencies must not be nil")
	}
	return nil
}

type Config struct {
	CORSOrigins []string
	Version     string
}

// Server serves the node's JSON-RPC services over HTTP and WebSocket on
// one listener.
type Server struct {
	rpc  *rpc.Server
	cfg  Config
	apis []rpc.API
}

func NewServer(backend Backend, cfg Config) (*Server, error) {
	if err := backend.validate(); err != nil {
		return nil, err
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	s := &Server{rpc: rpc.NewServer(), cfg: cfg, apis: APIs(backend, cfg.Version)}
	for _, api := range s.apis {
		if err := s.rpc.RegisterName(api.Namespace, api.Service); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// APIs lists the services by namespace. Subscriptions share the eth
// namespace with the request/response methods.
func APIs(backend Backend, version string) []rpc.API {
	return []rpc.API{
		{Namespace: EthNamespace, Service: NewEthAPI(backend)},
		{Namespace: EthNamespace, Service: NewFilterAPI(backend)},
		{Namespace: NetNamespace, Service: &NetAPI{networkID: backend.ChainID}},
		{Namespace: Web3Namespace, Service: &Web3API{version: version}},
		{Namespace: DebugNamespace, Service: &DebugAPI{query: backend.Query}},
		{Namespace: CanonicalNamespace, Service: &CanonicalAPI{query: backend.Query}},
		{Namespace: NativeNamespace, Service: &NativeAPI{submitter: backend.Submitter}},
		{Namespace: IdentityNamespace, Service: &IdentityAPI{resolver: backend.Resolver}},
	}
}

// RPC exposes the underlying server, mainly for in-process clients.
func (s *Server) RPC() *rpc.Server {
	return s.rpc
}

// Handler routes WebSocket upgrades to the websocket transport and
// everything else through CORS to the HTTP transport.
func (s *Server) Handler() http.Handler {
	ws := s.rpc.WebsocketHandler(s.cfg.CORSOrigins)
	httpHandler := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet},
		AllowedHeaders: []string{"*"},
		MaxAge:         600,
	}).Handler(s.rpc)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isWebsocket(r) {
			ws.ServeHTTP(w, r)
			return
		}
		httpHandler.ServeHTTP(w, r)
	})
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
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
		s.rpc.Stop()
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() {
	s.rpc.Stop()
}
