// Package server exposes the memory service over MCP: a streamable HTTP
// JSON-RPC endpoint at /mcp plus health and manual-reflection endpoints.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/recall/internal/config"
	"github.com/nextlevelbuilder/recall/internal/conversations"
	"github.com/nextlevelbuilder/recall/internal/index"
	"github.com/nextlevelbuilder/recall/internal/objstore"
	"github.com/nextlevelbuilder/recall/internal/reflection"
	"github.com/nextlevelbuilder/recall/internal/reminders"
	"github.com/nextlevelbuilder/recall/internal/sandbox"
)

// Deps carries the wired components the tool surface dispatches to.
type Deps struct {
	Store         objstore.Store
	Index         *index.Service
	Conversations *conversations.Indexer
	Reminders     *reminders.Scheduler
	Sandbox       *sandbox.Runner
	Staging       *reflection.Staging

	// Reflect runs a full reflection pass. Nil disables POST /reflect.
	Reflect func(ctx context.Context) (*reflection.Result, error)
}

// Server is the HTTP front of the service.
type Server struct {
	cfg     config.ServerConfig
	version string
	deps    Deps

	mcp       *server.MCPServer
	streaming *server.StreamableHTTPServer

	mu      sync.Mutex
	limiter *rate.Limiter
}

func New(cfg config.ServerConfig, version string, deps Deps) *Server {
	s := &Server{
		cfg:     cfg,
		version: version,
		deps:    deps,
	}
	if cfg.RateLimitRPM > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPM)/60, cfg.RateLimitRPM)
	}

	s.mcp = server.NewMCPServer("recall", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	s.streaming = server.NewStreamableHTTPServer(s.mcp,
		server.WithEndpointPath("/mcp"),
		server.WithStateLess(true),
	)
	return s
}

// Handler builds the full route table with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/mcp", s.protect(s.streaming))
	mux.Handle("/reflect", s.protect(http.HandlerFunc(s.handleReflect)))
	return withCORS(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Reflect == nil {
		http.Error(w, "reflection not configured", http.StatusServiceUnavailable)
		return
	}

	slog.Info("reflect.manual_trigger")
	result, err := s.deps.Reflect(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("reflection failed: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// protect applies bearer auth and rate limiting.
func (s *Server) protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if reason := s.checkAuth(r); reason != "" {
			writeRPCError(w, http.StatusUnauthorized, -32001, reason)
			return
		}
		if !s.allow() {
			writeRPCError(w, http.StatusTooManyRequests, -32001, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UpdateRateLimit swaps the request limiter at runtime. Zero or negative
// disables limiting.
func (s *Server) UpdateRateLimit(rpm int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rpm <= 0 {
		s.limiter = nil
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(rpm)/60, rpm)
}

func (s *Server) allow() bool {
	s.mu.Lock()
	l := s.limiter
	s.mu.Unlock()
	return l == nil || l.Allow()
}

// checkAuth returns an empty string when the bearer token matches.
func (s *Server) checkAuth(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "missing Authorization header"
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "malformed Authorization header"
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
		return "invalid token"
	}
	return ""
}

func writeRPCError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
