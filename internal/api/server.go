package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/twquant/autotrader/internal/engine"
	"github.com/twquant/autotrader/pkg/types"
)

// EngineView is the read surface served over HTTP.
type EngineView interface {
	Status() engine.Status
	Positions() []types.Position
}

// Commander executes operator command lines.
type Commander interface {
	Handle(ctx context.Context, line string) (string, error)
}

// EventStore serves the persisted event history.
type EventStore interface {
	VetoEventsOn(ctx context.Context, day time.Time) ([]types.VetoEvent, error)
	TradesOn(ctx context.Context, day time.Time) ([]types.Trade, error)
}

// Server exposes status, history, commands and the WebSocket feed.
type Server struct {
	cfg     types.ServerConfig
	router  *mux.Router
	http    *http.Server
	view    EngineView
	cmd     Commander
	history EventStore
	hub     *Hub
	logger  *zap.Logger
}

// NewServer wires the routes. hub may be nil to disable the feed.
func NewServer(cfg types.ServerConfig, view EngineView, cmd Commander, history EventStore, hub *Hub, logger *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		view:    view,
		cmd:     cmd,
		history: history,
		hub:     hub,
		logger:  logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/positions", s.handlePositions).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/vetoes", s.handleVetoes).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/trades", s.handleTrades).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/commands", s.handleCommand).Methods(http.MethodPost)
	if s.cfg.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}
	if s.hub != nil {
		s.router.HandleFunc("/ws", s.hub.handleWebSocket)
	}
}

// Handler returns the router wrapped with CORS, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	s.logger.Info("api listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.view.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	positions := s.view.Positions()
	if positions == nil {
		positions = []types.Position{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

// dayParam parses ?day=2006-01-02, defaulting to today.
func dayParam(r *http.Request) (time.Time, error) {
	q := r.URL.Query().Get("day")
	if q == "" {
		return time.Now(), nil
	}
	return time.Parse("2006-01-02", q)
}

func (s *Server) handleVetoes(w http.ResponseWriter, r *http.Request) {
	day, err := dayParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	events, err := s.history.VetoEventsOn(r.Context(), day)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []types.VetoEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	day, err := dayParam(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	trades, err := s.history.TradesOn(r.Context(), day)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if trades == nil {
		trades = []types.Trade{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

type commandRequest struct {
	Command string `json:"command"`
}

type commandResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid body: %w", err))
		return
	}
	reply, err := s.cmd.Handle(r.Context(), req.Command)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeJSON(w, http.StatusOK, commandResponse{Reply: reply})
}
