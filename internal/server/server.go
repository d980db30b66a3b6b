package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kokoro/internal/ratelimit"
	"github.com/ashita-ai/kokoro/internal/service/turns"
	"github.com/ashita-ai/kokoro/internal/storage"
)

// Server is the kokoro HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Limiter and MCPServer are optional (nil = disabled).
type ServerConfig struct {
	// Required dependencies.
	Service   *turns.Service
	Store     storage.Store
	StoreName string
	Logger    *slog.Logger

	// Optional dependencies.
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Addr                string
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Service:             cfg.Service,
		Store:               cfg.Store,
		StoreName:           cfg.StoreName,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	rl := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	// Turn ingestion.
	mux.Handle("POST /v1/turns", rl(http.HandlerFunc(h.HandleTurn)))
	mux.Handle("POST /v1/turns/batch", rl(http.HandlerFunc(h.HandleTurnBatch)))

	// Conversation state and module lifecycle.
	mux.Handle("GET /v1/conversations/{id}", rl(http.HandlerFunc(h.HandleGetConversation)))
	mux.Handle("GET /v1/conversations/{id}/scores", rl(http.HandlerFunc(h.HandleListScores)))
	mux.Handle("POST /v1/conversations/{id}/modules/{module_id}/recommend", rl(http.HandlerFunc(h.HandleRecommendModule)))
	mux.Handle("POST /v1/conversations/{id}/modules/{module_id}/complete", rl(http.HandlerFunc(h.HandleCompleteModule)))
	mux.Handle("PUT /v1/conversations/{id}/reminders", rl(http.HandlerFunc(h.HandleReminderOptOut)))

	// Catalog and questionnaires.
	mux.Handle("GET /v1/modules", rl(http.HandlerFunc(h.HandleListModules)))
	mux.Handle("GET /v1/questionnaires/{id}", rl(http.HandlerFunc(h.HandleGetQuestionnaire)))
	mux.Handle("POST /v1/questionnaires/{id}/submit", rl(http.HandlerFunc(h.HandleSubmitQuestionnaire)))
	mux.Handle("GET /v1/scores/{id}", rl(http.HandlerFunc(h.HandleGetScore)))

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Health (no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
