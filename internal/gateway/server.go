// Package gateway exposes Foreman's HTTP API: health, status, item and agent
// management, Prometheus metrics, and a WebSocket feed of live snapshots.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/foremanhq/foreman/internal/agents"
	"github.com/foremanhq/foreman/internal/costwatch"
	"github.com/foremanhq/foreman/internal/logging"
	"github.com/foremanhq/foreman/internal/queue"
	"github.com/foremanhq/foreman/internal/reports"
	"github.com/foremanhq/foreman/internal/store"
)

// Config holds gateway server configuration.
type Config struct {
	// Host is the network interface to bind to (e.g., "127.0.0.1" or "0.0.0.0").
	Host string `yaml:"host"`
	// Port is the TCP port number to listen on.
	Port int `yaml:"port"`
	// AuthToken, when set, is required as a bearer token on /api/v1/* requests.
	AuthToken string `yaml:"auth_token"`
	// PushInterval is how often WebSocket clients receive a snapshot.
	PushInterval time.Duration `yaml:"push_interval"`
}

// DefaultConfig returns default gateway settings.
func DefaultConfig() *Config {
	return &Config{
		Host:         "127.0.0.1",
		Port:         9290,
		PushInterval: 2 * time.Second,
	}
}

// SnapshotSource provides point-in-time system snapshots for the status,
// metrics, and WebSocket endpoints.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*reports.Snapshot, error)
}

// ItemQueue is the subset of the work queue the API exposes. The lifecycle
// methods let workers report progress and outcomes back to the daemon.
type ItemQueue interface {
	Enqueue(item *queue.WorkItem) (*queue.WorkItem, bool, error)
	Get(itemID string) (*queue.WorkItem, error)
	List(status queue.Status) ([]*queue.WorkItem, error)
	Start(itemID string) error
	Complete(itemID string) error
	Fail(itemID, reason string) error
	Pause(reason string)
	Resume()
}

// UsageRecorder persists cost reported alongside item outcomes.
type UsageRecorder interface {
	RecordUsage(event *store.UsageEvent) error
}

// CostSentinel is the watchdog surface the API exposes. Nil when the
// watchdog is disabled.
type CostSentinel interface {
	Status() *costwatch.Status
	ResetTrip()
}

// AgentRegistry is the subset of the agent registry the API exposes.
type AgentRegistry interface {
	Register(agent *agents.Agent) (*agents.Agent, error)
	Heartbeat(agentID string) error
	List() []*agents.Agent
}

// Server is the HTTP gateway. It is safe for concurrent use.
type Server struct {
	config   *Config
	source   SnapshotSource
	items    ItemQueue
	registry AgentRegistry
	usage    UsageRecorder
	costs    CostSentinel
	exporter *PrometheusExporter
	upgrader websocket.Upgrader
	server   *http.Server
	log      *slog.Logger

	mu      sync.RWMutex
	running bool
}

// NewServer creates a gateway server. The server is not started until Start
// is called. usage and costs may be nil.
func NewServer(config *Config, source SnapshotSource, items ItemQueue,
	registry AgentRegistry, usage UsageRecorder, costs CostSentinel) *Server {
	return &Server{
		config:   config,
		source:   source,
		items:    items,
		registry: registry,
		usage:    usage,
		costs:    costs,
		exporter: NewPrometheusExporter(source),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Allow requests with no origin (same-origin, CLI tools).
				if origin == "" {
					return true
				}
				// Allow localhost origins for development.
				return strings.HasPrefix(origin, "http://localhost") ||
					strings.HasPrefix(origin, "http://127.0.0.1") ||
					strings.HasPrefix(origin, "https://localhost") ||
					strings.HasPrefix(origin, "https://127.0.0.1")
			},
		},
		log: logging.WithComponent("gateway"),
	}
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.Handle("/api/v1/status", s.auth(http.HandlerFunc(s.handleStatus)))
	mux.Handle("/api/v1/items", s.auth(http.HandlerFunc(s.handleItems)))
	mux.Handle("/api/v1/items/", s.auth(http.HandlerFunc(s.handleItem)))
	mux.Handle("/api/v1/agents", s.auth(http.HandlerFunc(s.handleAgents)))
	mux.Handle("/api/v1/agents/heartbeat", s.auth(http.HandlerFunc(s.handleHeartbeat)))
	mux.Handle("/api/v1/queue/pause", s.auth(http.HandlerFunc(s.handlePause)))
	mux.Handle("/api/v1/queue/resume", s.auth(http.HandlerFunc(s.handleResume)))
	mux.Handle("/api/v1/costwatch", s.auth(http.HandlerFunc(s.handleCostwatch)))
	mux.Handle("/api/v1/costwatch/reset", s.auth(http.HandlerFunc(s.handleCostwatchReset)))

	return mux
}

// Start starts the gateway server and blocks until the context is cancelled
// or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info("Gateway starting", slog.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.running = false
	return s.server.Shutdown(ctx)
}

// auth wraps a handler with bearer token checking when a token is configured.
func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken != "" {
			header := r.Header.Get("Authorization")
			if header != "Bearer "+s.config.AuthToken {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "Failed to collect metrics", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = s.exporter.Write(w, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.source.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "Failed to collect status", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// enqueueRequest is the POST /api/v1/items payload.
type enqueueRequest struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Priority        string   `json:"priority"`
	RequiredSkills  []string `json:"required_skills"`
	EstimatedEffort float64  `json:"estimated_effort"`
	SourceKey       string   `json:"source_key"`
}

func (s *Server) handleItems(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var status queue.Status
		if v := r.URL.Query().Get("status"); v != "" {
			status = queue.Status(v)
		}
		list, err := s.items.List(status)
		if err != nil {
			http.Error(w, "Failed to list items", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": list})

	case http.MethodPost:
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Title == "" {
			http.Error(w, "Title is required", http.StatusBadRequest)
			return
		}
		priority, err := queue.ParsePriority(req.Priority)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		item, created, err := s.items.Enqueue(&queue.WorkItem{
			Title:           req.Title,
			Description:     req.Description,
			Priority:        priority,
			RequiredSkills:  req.RequiredSkills,
			EstimatedEffort: req.EstimatedEffort,
			SourceKey:       req.SourceKey,
		})
		if err != nil {
			http.Error(w, "Failed to enqueue item", http.StatusInternalServerError)
			return
		}
		status := http.StatusCreated
		if !created {
			status = http.StatusOK
		}
		writeJSON(w, status, map[string]any{"item": item, "created": created})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// outcomeRequest is the payload of worker progress reports. Cost fields are
// optional and feed the usage ledger the budget enforcer reads.
type outcomeRequest struct {
	AgentID string  `json:"agent_id"`
	Reason  string  `json:"reason"`
	CostUSD float64 `json:"cost_usd"`
	Tokens  int64   `json:"tokens"`
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/items/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "Item ID is required", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		item, err := s.items.Get(id)
		if err != nil {
			http.Error(w, "Item not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"item": item})

	case "start":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.items.Start(id); err != nil {
			s.itemError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "running"})

	case "complete":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req outcomeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if err := s.items.Complete(id); err != nil {
			s.itemError(w, err)
			return
		}
		s.recordUsage(id, &req)
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})

	case "fail":
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req outcomeRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Reason == "" {
			req.Reason = "reported failed"
		}
		if err := s.items.Fail(id, req.Reason); err != nil {
			s.itemError(w, err)
			return
		}
		s.recordUsage(id, &req)
		writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})

	default:
		http.Error(w, "Unknown item action", http.StatusNotFound)
	}
}

// itemError maps queue lifecycle errors onto HTTP statuses.
func (s *Server) itemError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		http.Error(w, "Item not found", http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusConflict)
	}
}

func (s *Server) recordUsage(itemID string, req *outcomeRequest) {
	if s.usage == nil || (req.CostUSD == 0 && req.Tokens == 0) {
		return
	}
	err := s.usage.RecordUsage(&store.UsageEvent{
		AgentID: req.AgentID,
		ItemID:  itemID,
		CostUSD: req.CostUSD,
		Tokens:  req.Tokens,
	})
	if err != nil {
		s.log.Error("Failed to record usage",
			slog.String("item_id", itemID),
			slog.Any("error", err),
		)
	}
}

func (s *Server) handleCostwatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.costs == nil {
		http.Error(w, "Cost watchdog disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.costs.Status())
}

func (s *Server) handleCostwatchReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.costs == nil {
		http.Error(w, "Cost watchdog disabled", http.StatusNotFound)
		return
	}
	s.costs.ResetTrip()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// registerRequest is the POST /api/v1/agents payload.
type registerRequest struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Skills   []string `json:"skills"`
	Capacity float64  `json:"capacity"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"agents": s.registry.List()})

	case http.MethodPost:
		var req registerRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if req.Name == "" {
			http.Error(w, "Name is required", http.StatusBadRequest)
			return
		}
		agent, err := s.registry.Register(&agents.Agent{
			ID:       req.ID,
			Name:     req.Name,
			Skills:   req.Skills,
			Capacity: req.Capacity,
		})
		if err != nil {
			http.Error(w, "Failed to register agent", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"agent": agent})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := s.registry.Heartbeat(req.AgentID); err != nil {
		http.Error(w, "Agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "Paused via API"
	}
	s.items.Pause(req.Reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.items.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// handleWebSocket upgrades the connection and pushes periodic snapshots until
// the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade error", slog.Any("error", err))
		return
	}
	defer conn.Close()

	s.log.Info("New WebSocket session", slog.String("remote", r.RemoteAddr))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					s.log.Warn("WebSocket error", slog.Any("error", err))
				}
				return
			}
		}
	}()

	interval := s.config.PushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			snap, err := s.source.Snapshot(r.Context())
			if err != nil {
				s.log.Warn("Snapshot failed for WebSocket push", slog.Any("error", err))
				continue
			}
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
