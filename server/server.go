// Package server exposes the agent on the HTTP contract of the managed
// runtime: ACP over WebSocket on /ws and a health check on /ping.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	acp "github.com/coder/acp-go-sdk"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3coins/acp-agentcore-poc/agent"
	"github.com/3coins/acp-agentcore-poc/checkpoint"
	"github.com/3coins/acp-agentcore-poc/config"
	"github.com/3coins/acp-agentcore-poc/errors"
	"github.com/3coins/acp-agentcore-poc/llm"
	"github.com/3coins/acp-agentcore-poc/metrics"
	"github.com/3coins/acp-agentcore-poc/wsconn"
)

// SessionHeader carries the runtime's session id on every invocation.
const SessionHeader = "X-Amzn-Bedrock-AgentCore-Runtime-Session-Id"

const (
	pingInterval    = 30 * time.Second
	pongWait        = 90 * time.Second
	shutdownTimeout = 10 * time.Second
	// close frame reasons are limited to 123 bytes
	maxCloseReason = 123
	// largest single JSON-RPC message accepted from a client
	maxMessageSize = 10 << 20
)

// ModelFactory builds the model client for a connection.
type ModelFactory func(ctx context.Context, cfg *config.Config) (llm.Client, error)

type Options struct {
	Config *config.Config
	// Store is shared by every connection so sessions can be loaded from a
	// later connection. Defaults to an in-memory store.
	Store    checkpoint.Store
	Logger   *slog.Logger
	Registry *prometheus.Registry
	NewModel ModelFactory
}

type Server struct {
	cfg      *config.Config
	store    checkpoint.Store
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  metrics.Recorder
	newModel ModelFactory
	upgrader websocket.Upgrader
	started  time.Time

	lastUpdate atomic.Int64

	mu    sync.Mutex
	conns map[string]*wsconn.Conn
}

func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, errors.New("server requires a config")
	}
	s := &Server{
		cfg:      opts.Config,
		store:    opts.Store,
		log:      opts.Logger,
		registry: opts.Registry,
		newModel: opts.NewModel,
		upgrader: websocket.Upgrader{
			// the runtime terminates client connections; origins are not meaningful here
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
		conns:   make(map[string]*wsconn.Conn),
	}
	if s.store == nil {
		s.store = checkpoint.NewMemory()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	if s.newModel == nil {
		s.newModel = llm.New
	}
	s.metrics = metrics.NewPrometheusRecorder(s.registry)
	s.touch()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

// ListenAndServe serves until ctx is done, then shuts down gracefully and
// closes the open WebSocket connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "http server failed")
	case <-ctx.Done():
	}

	s.log.Info("shutting down", "active_connections", s.ActiveConnections())
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	// hijacked connections are not tracked by http.Server
	s.closeAll(websocket.CloseGoingAway, "server shutting down")
	if err != nil {
		return errors.Wrapf(err, "graceful shutdown failed")
	}
	return nil
}

func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	connID := uuid.NewString()
	log := s.log.With("conn", connID)
	if rs := r.Header.Get(SessionHeader); rs != "" {
		log = log.With("runtime_session", rs)
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		log.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := wsconn.New(ws,
		wsconn.WithKeepalive(pingInterval, pongWait),
		wsconn.WithReadLimit(maxMessageSize),
		wsconn.WithLogger(log),
	)
	log.Info("connection opened", "remote", r.RemoteAddr)

	ag, err := s.buildAgent(r.Context(), r, log)
	if err != nil {
		log.Error("failed to create agent", "error", err)
		_ = conn.CloseWithError(websocket.CloseInternalServerErr, closeReason("Failed to create agent: "+err.Error()))
		return
	}

	acpConn := acp.NewAgentSideConnection(ag, conn, conn)
	acpConn.SetLogger(log.With("component", "acp"))
	ag.SetConnection(acpConn)

	s.register(connID, conn)
	defer func() {
		s.unregister(connID)
		if err := ag.Close(); err != nil {
			log.Warn("failed to close agent", "error", err)
		}
		_ = conn.Close()
		log.Info("connection closed", "error", conn.Err())
	}()

	select {
	case <-acpConn.Done():
	case <-conn.Done():
	}
}

func (s *Server) buildAgent(ctx context.Context, r *http.Request, log *slog.Logger) (*agent.Agent, error) {
	cfg, err := s.cfg.ForConnection(r.URL.Query())
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureWorkspace(); err != nil {
		return nil, err
	}
	model, err := s.newModel(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create %s model client", cfg.Provider)
	}
	log.Info("agent configured", "workspace", cfg.WorkspaceDir, "mode", cfg.AgentMode, "model", cfg.ModelID, "provider", cfg.Provider)
	return agent.New(agent.Options{
		Config:  cfg,
		Model:   model,
		Store:   s.store,
		Metrics: s.metrics,
		Logger:  log,
	})
}

func (s *Server) register(id string, c *wsconn.Conn) {
	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	s.touch()
}

func (s *Server) unregister(id string) {
	s.mu.Lock()
	_, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if ok {
		s.metrics.ConnectionClosed()
		s.touch()
	}
}

func (s *Server) closeAll(code int, reason string) {
	s.mu.Lock()
	conns := make([]*wsconn.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithError(code, reason)
	}
}

func (s *Server) touch() { s.lastUpdate.Store(time.Now().Unix()) }

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "Healthy",
		"time_of_last_update": s.lastUpdate.Load(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	saved, err := s.store.List(r.Context())
	if err != nil {
		s.log.Warn("failed to list saved sessions", "error", err)
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             status,
		"active_connections": s.ActiveConnections(),
		"saved_sessions":     len(saved),
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"configuration": map[string]any{
			"workspace_dir": s.cfg.WorkspaceDir,
			"agent_mode":    s.cfg.AgentMode,
			"model_id":      s.cfg.ModelID,
			"region":        s.cfg.Region,
			"provider":      s.cfg.Provider,
		},
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":             agent.Name,
		"version":          agent.Version,
		"protocol":         "acp",
		"protocol_version": acp.ProtocolVersionNumber,
		"transport":        "websocket",
		"endpoints":        []string{"/ws", "/ping", "/health", "/info", "/metrics"},
		"modes":            []string{config.ModeAskBeforeEdits, config.ModeAuto},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// closeReason truncates s to fit a close frame without splitting a rune.
func closeReason(s string) string {
	if len(s) <= maxCloseReason {
		return s
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
