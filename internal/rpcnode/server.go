package rpcnode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
)

// Server answers a small Ethereum JSON-RPC subset from a StateSource, plus
// health and info endpoints for probing.
type Server struct {
	source StateSource
	router *mux.Router
	log    log.Logger

	mu        sync.Mutex
	httpSrv   *http.Server
	closeOnce sync.Once
}

// NewServer creates a server answering from source. Call Start to listen, or
// mount Router on a test listener.
func NewServer(source StateSource) *Server {
	s := &Server{
		source: source,
		router: mux.NewRouter(),
		log:    log.New("component", "rpcnode"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/", s.handleJSONRPC).Methods("POST")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/info", s.handleInfo).Methods("GET")
}

// Router returns the HTTP handler, for tests and custom listeners.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start listens on port and serves until Close or a listener failure.
func (s *Server) Start(port int) error {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: s.router}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.log.Info("json-rpc server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops the listener, letting in-flight requests finish. Safe to call
// more than once.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpSrv
		s.mu.Unlock()
		if srv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Warn("server shutdown", "err", err)
		}
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"client":       clientVersion,
		"chain_id":     s.source.ChainID().String(),
		"block_number": s.source.BlockNumber(),
		"gas_price":    s.source.GasPrice().String(),
	})
}
