// Package rpc exposes the ceremony daemon's trusted inbound surface
// (SPEC_FULL.md §6/§10.4): a JSON-RPC 2.0 + WebSocket listener for the two
// DirectCall variants (SignBitcoin, CheckSignBitcoin), grounded on the
// pack's internal/rpc package shape (Handler map, Request/Response/Error
// wire types, standard JSON-RPC error codes, CORS middleware, WSHub). The
// peer-to-peer CeremonyRoundCall surface is a separate length-prefixed TCP
// listener (peerlistener.go), not part of this HTTP server.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/musig2-ceremony/internal/config"
	"github.com/klingon-exchange/musig2-ceremony/internal/dispatcher"
	"github.com/klingon-exchange/musig2-ceremony/internal/storage"
	"github.com/klingon-exchange/musig2-ceremony/pkg/logging"
)

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Server is the JSON-RPC 2.0 + WebSocket server for the DirectCall surface.
type Server struct {
	dispatcher *dispatcher.Dispatcher
	cfg        *config.Config
	ledger     *storage.Storage
	log        *logging.Logger
	wsHub      *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewServer constructs a Server bound to d for command submission and cfg
// for roster/identity resolution. ledger may be nil (outcome_counts then
// reports an error rather than crashing the daemon). d may also be nil at
// construction time and supplied later via SetDispatcher: the dispatcher
// itself is constructed with an eventfanout.EventFanout that needs this
// Server as its ResponseSink, so the caller builds the Server first, passes
// it to eventfanout.New, builds the dispatcher, then closes the loop with
// SetDispatcher.
func NewServer(d *dispatcher.Dispatcher, cfg *config.Config, ledger *storage.Storage) *Server {
	s := &Server{
		dispatcher: d,
		cfg:        cfg,
		ledger:     ledger,
		log:        logging.GetDefault().Component("rpc"),
		wsHub:      NewWSHub(),
		handlers:   make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

// SetDispatcher wires the dispatcher in after construction, breaking the
// Server/EventFanout/Dispatcher construction cycle (see NewServer).
func (s *Server) SetDispatcher(d *dispatcher.Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

func (s *Server) registerHandlers() {
	s.handlers["sign_bitcoin"] = s.signBitcoin
	s.handlers["check_sign_bitcoin"] = s.checkSignBitcoin
	s.handlers["outcome_counts"] = s.outcomeCounts
}

// Start starts the RPC server listening on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:      corsMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", addr, "ws", "ws://"+addr+"/ws")
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// WSHub returns the WebSocket hub, for internal/rpc's ResponseSink.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}

	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{JSONRPC: "2.0", Result: result, ID: id}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
