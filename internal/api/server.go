// Package api provides the HTTP and WebSocket surface for submitting
// backtest runs and observing their progress.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/kestrel-quant/backtester/internal/backtester"
	"github.com/kestrel-quant/backtester/internal/data"
	"github.com/kestrel-quant/backtester/internal/strategy"
	"github.com/kestrel-quant/backtester/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Server is the HTTP/WebSocket API server fronting the backtester kernel.
type Server struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	config     *types.ServerConfig
	router     *mux.Router
	httpServer *http.Server
	upgrader   websocket.Upgrader
	hub        *Hub
	provider   backtester.DataProvider
	runs       map[string]*Run

	runsStarted  prometheus.Counter
	runsFailed   prometheus.Counter
	runDurations prometheus.Histogram
}

// Run tracks one submitted backtest's lifecycle.
type Run struct {
	ID       string
	Config   *types.EngineConfig
	Status   string // "running", "completed", "failed", "cancelled"
	Started  time.Time
	Result   *types.BacktestResult
	Error    string
	cancel   context.CancelFunc
	mu       sync.RWMutex
	progress *types.BacktestProgress
}

// NewServer creates an API server. provider supplies historical bars
// for every submitted run's exchanges (internal/data.Store in production).
func NewServer(logger *zap.Logger, config *types.ServerConfig, provider *data.Store) *Server {
	s := &Server{
		logger:   logger,
		config:   config,
		router:   mux.NewRouter(),
		hub:      NewHub(logger),
		provider: provider,
		runs:     make(map[string]*Run),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtester_runs_started_total",
			Help: "Number of backtest runs submitted.",
		}),
		runsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "backtester_runs_failed_total",
			Help: "Number of backtest runs that errored.",
		}),
		runDurations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtester_run_duration_seconds",
			Help:    "Wall-clock duration of completed backtest runs.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if config.EnableMetrics {
		prometheus.MustRegister(s.runsStarted, s.runsFailed, s.runDurations)
	}

	s.setupRoutes()
	go s.hub.Run()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/run", s.handleRunBacktest).Methods("POST")
	s.router.HandleFunc("/api/v1/backtest/{id}", s.handleGetBacktest).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/trades", s.handleGetBacktestTrades).Methods("GET")
	s.router.HandleFunc("/api/v1/backtest/{id}/cancel", s.handleCancelBacktest).Methods("POST")
	if s.config.EnableMetrics {
		s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}
	s.router.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
}

// Router exposes the underlying mux for tests that want to drive
// requests through httptest.NewServer without binding a real port.
func (s *Server) Router() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)
}

// Start starts the HTTP server. Blocks until it exits.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	handler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.router)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting api server", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server, cancelling every in-flight run.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for _, run := range s.runs {
		if run.cancel != nil {
			run.cancel()
		}
	}
	s.mu.Unlock()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// handleRunBacktest submits a types.EngineConfig body, builds an
// Engine against it, and runs it to completion in the background.
func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	var cfg types.EngineConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if cfg.ID == "" {
		cfg.ID = "run_" + uuid.New().String()
	}

	engine := backtester.NewEngine(s.logger)
	ctx, cancel := context.WithCancel(context.Background())

	run := &Run{ID: cfg.ID, Config: &cfg, Status: "running", Started: time.Now(), cancel: cancel}

	s.mu.Lock()
	s.runs[cfg.ID] = run
	s.mu.Unlock()
	s.runsStarted.Inc()

	if err := s.prepareEngine(ctx, engine, &cfg); err != nil {
		cancel()
		engine.Close()
		run.mu.Lock()
		run.Status, run.Error = "failed", err.Error()
		run.mu.Unlock()
		s.runsFailed.Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	go s.streamProgress(run, engine)
	go s.executeRun(ctx, run, engine)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":      cfg.ID,
		"status":  "running",
		"started": run.Started.Unix(),
	})
}

// prepareEngine loads exchange data and registers every portfolio and
// strategy ahead of Build, mirroring cmd/backtester's wiring.
func (s *Server) prepareEngine(ctx context.Context, engine *backtester.Engine, cfg *types.EngineConfig) error {
	if err := engine.LoadFromProvider(ctx, cfg, s.provider); err != nil {
		return fmt.Errorf("load exchange data: %w", err)
	}

	portfolioIndex := make(map[string]int, len(cfg.Portfolios))
	for i, pc := range cfg.Portfolios {
		portfolioIndex[pc.ID] = i
	}

	registry := strategy.NewRegistry(s.logger)
	for _, sc := range cfg.Strategies {
		idx, ok := portfolioIndex[sc.PortfolioID]
		if !ok {
			return fmt.Errorf("strategy %s: unknown portfolio %s", sc.ID, sc.PortfolioID)
		}
		strat, err := registry.Create(sc, idx)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
		if err := engine.RegisterStrategy(strat, sc.PortfolioID); err != nil {
			return fmt.Errorf("strategy %s: %w", sc.ID, err)
		}
	}

	if err := engine.Build(cfg); err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	return nil
}

func (s *Server) executeRun(ctx context.Context, run *Run, engine *backtester.Engine) {
	defer engine.Close()
	result, err := engine.Run(ctx)

	run.mu.Lock()
	if err != nil {
		if ctx.Err() != nil {
			run.Status = "cancelled"
		} else {
			run.Status, run.Error = "failed", err.Error()
			s.runsFailed.Inc()
		}
	} else {
		run.Status, run.Result = "completed", result
		s.runDurations.Observe(result.Duration.Seconds())
	}
	status := run.Status
	run.mu.Unlock()

	s.hub.BroadcastComplete(run.ID, map[string]interface{}{"id": run.ID, "status": status})
}

func (s *Server) streamProgress(run *Run, engine *backtester.Engine) {
	for progress := range engine.ProgressChan() {
		run.mu.Lock()
		run.progress = progress
		run.mu.Unlock()
		s.hub.BroadcastProgress(run.ID, progress)
	}
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	response := map[string]interface{}{
		"id":      run.ID,
		"status":  run.Status,
		"started": run.Started.Unix(),
	}
	if run.Result != nil {
		response["result"] = run.Result
	}
	if run.progress != nil {
		response["progress"] = run.progress
	}
	if run.Error != "" {
		response["error"] = run.Error
	}
	json.NewEncoder(w).Encode(response)
}

// handleGetBacktestTrades returns the run id and the resolved portfolio
// id of a completed run (?portfolio=<id>, defaults to the first
// configured portfolio); trade records are not included.
func (s *Server) handleGetBacktestTrades(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	run.mu.RLock()
	status, cfg := run.Status, run.Config
	run.mu.RUnlock()
	if status != "completed" {
		http.Error(w, "backtest not complete", http.StatusBadRequest)
		return
	}

	portfolioID := r.URL.Query().Get("portfolio")
	if portfolioID == "" && len(cfg.Portfolios) > 0 {
		portfolioID = cfg.Portfolios[0].ID
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":          id,
		"portfolioId": portfolioID,
	})
}

func (s *Server) handleCancelBacktest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s.mu.RLock()
	run, ok := s.runs[id]
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "backtest not found", http.StatusNotFound)
		return
	}

	run.mu.Lock()
	if run.Status != "running" {
		run.mu.Unlock()
		http.Error(w, "backtest not running", http.StatusBadRequest)
		return
	}
	run.cancel()
	run.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]interface{}{"id": id, "status": "cancelling"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(fmt.Sprintf("%p", conn), s.hub, conn)
	s.hub.register <- client

	go client.WritePump()
	go client.ReadPump()
}
