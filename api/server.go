// Package api provides the HTTP server for AutoStock.
//
// It serves the embedded start page, starts report runs in the background,
// renders finished reports as HTML, and streams agent progress over a
// WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/seenimoa/autostock/internal/chat"
	"github.com/seenimoa/autostock/internal/config"
	"github.com/seenimoa/autostock/internal/report"
	"github.com/seenimoa/autostock/internal/store"
	"github.com/seenimoa/autostock/internal/workflow"
	"github.com/seenimoa/autostock/pkg/models"
	"github.com/seenimoa/autostock/pkg/utils"
	"github.com/seenimoa/autostock/web"
)

// Runner produces a report. *workflow.Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, tickers []string, opts ...workflow.RunOption) (*workflow.Result, error)
}

// Server is the HTTP server.
type Server struct {
	router  chi.Router
	cfg     *config.Config
	runner  Runner
	store   store.Store
	wsHub   *WSHub
	logger  *zap.Logger
	serveUI bool

	runCtx    context.Context // parent of background runs
	cancelRun context.CancelFunc
	runs      sync.WaitGroup

	mu     sync.Mutex
	closed bool // no new runs once set
}

// NewServer creates a configured server with all routes and middleware.
func NewServer(cfg *config.Config, runner Runner, st store.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		cfg:       cfg,
		runner:    runner,
		store:     st,
		wsHub:     NewWSHub(logger),
		logger:    logger,
		serveUI:   true,
		runCtx:    ctx,
		cancelRun: cancel,
	}
	srv.router = srv.buildRouter()
	return srv
}

// SetServeUI controls whether the embedded start page is served.
// Must be called before ListenAndServe.
func (s *Server) SetServeUI(enabled bool) {
	s.serveUI = enabled
	s.router = s.buildRouter()
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *WSHub {
	return s.wsHub
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully: in-flight requests finish and running reports are canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		s.wsHub.Run(hubCtx)
		close(hubDone)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		stopHub()
		<-hubDone
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := httpSrv.Shutdown(shutdownCtx)
	s.Close()
	stopHub()
	<-hubDone
	return err
}

// Close cancels running reports and waits for them to record their outcome.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancelRun()
	s.runs.Wait()
}

// reserveRun counts a new background run unless Close has started.
func (s *Server) reserveRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.runs.Add(1)
	return true
}

// buildRouter configures all routes and middleware.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// CORS
	origins := []string{"*"}
	if len(s.cfg.API.CORSOrigins) > 0 {
		origins = s.cfg.API.CORSOrigins
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", s.handleHealth)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Reports
		r.Post("/reports", s.handleCreateReport)
		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{id}", s.handleGetReport)

		// Configuration
		r.Get("/config", s.handleGetConfig)
		r.Get("/config/keys", s.handleGetConfigKeys)

		// WebSocket
		r.Get("/ws", s.handleWebSocket)
	})

	// Rendered reports
	r.Get("/reports/{id}", s.handleReportPage)
	r.Get("/reports/{id}/chart.svg", s.handleReportChart)
	r.Get("/reports/{id}/report.md", s.handleReportMarkdown)

	if s.serveUI {
		s.mountStatic(r, web.FS())
	}
	return r
}

// requestLogger logs each request through zap. WebSocket upgrades are
// logged when the connection is established.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// mountStatic serves the embedded start page and its assets.
func (s *Server) mountStatic(r chi.Router, staticFS fs.FS) {
	fileServer := http.FileServerFS(staticFS)
	r.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		fileServer.ServeHTTP(w, r)
	})
}

// ============================================================
// Request / Response types
// ============================================================

// APIResponse is the standard JSON envelope.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ReportRequest is the body for POST /api/v1/reports.
type ReportRequest struct {
	Symbols string `json:"symbols"` // comma-separated, e.g. "AAPL, MSFT"
}

// ReportAccepted is returned when a run starts.
type ReportAccepted struct {
	ID      string           `json:"id"`
	Symbols []string         `json:"symbols"`
	Status  models.RunStatus `json:"status"`
	URL     string           `json:"url"`
}

// ============================================================
// Handlers
// ============================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data: map[string]any{
			"status":     "ok",
			"time":       time.Now().UTC().Format(time.RFC3339),
			"ws_clients": s.wsHub.ClientCount(),
		},
	})
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	symbols := utils.ParseTickers(req.Symbols)
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols is required, e.g. \"AAPL, GOOGL\"")
		return
	}

	if !s.reserveRun() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	run := &models.Run{
		ID:        uuid.NewString(),
		Symbols:   symbols,
		Status:    models.RunPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Create(r.Context(), run); err != nil {
		s.runs.Done()
		s.logger.Error("create run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not start the run")
		return
	}

	accepted := ReportAccepted{
		ID:      run.ID,
		Symbols: symbols,
		Status:  run.Status,
		URL:     "/reports/" + run.ID,
	}
	go s.execute(run)

	writeJSON(w, http.StatusAccepted, APIResponse{Success: true, Data: accepted})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	runs, err := s.store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list runs")
		return
	}
	if runs == nil {
		runs = []*models.Run{}
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: runs})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: run})
}

func (s *Server) handleReportPage(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	chartURL := ""
	if run.HasChart() {
		chartURL = "/reports/" + run.ID + "/chart.svg"
	}
	elapsed := ""
	if run.FinishedAt != nil {
		elapsed = utils.Elapsed(run.CreatedAt, *run.FinishedAt)
	}
	page, err := report.GeneratePage(report.NewPageData(
		run.ID, utils.JoinTickers(run.Symbols), string(run.Status), run.Error,
		run.Report, chartURL, run.CreatedAt, elapsed))
	if err != nil {
		s.logger.Error("render report page", zap.String("run_id", run.ID), zap.Error(err))
		http.Error(w, "could not render report", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(page)) //nolint:errcheck
}

func (s *Server) handleReportChart(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if !run.HasChart() {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	http.ServeFile(w, r, run.ChartPath)
}

func (s *Server) handleReportMarkdown(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if run.Report == "" {
		http.NotFound(w, r)
		return
	}
	name := report.SafeFileName("financial_report_" + run.ID[:min(8, len(run.ID))])
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.Write([]byte(run.Report + "\n")) //nolint:errcheck
}

// lookupRun loads the run named by the {id} URL parameter, writing a 404 or
// 500 response when it cannot.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*models.Run, bool) {
	id := chi.URLParam(r, "id")
	run, err := s.store.Get(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found: "+id)
		return nil, false
	case err != nil:
		s.logger.Error("get run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load run")
		return nil, false
	}
	return run, true
}

// ============================================================
// Background runs
// ============================================================

// RunProgress is the payload of "message" WebSocket events.
type RunProgress struct {
	RunID string     `json:"run_id"`
	Event chat.Event `json:"event"`
}

// RunStatusUpdate is the payload of "status" WebSocket events.
type RunStatusUpdate struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

func (s *Server) execute(run *models.Run) {
	defer s.runs.Done()
	log := s.logger.With(zap.String("run_id", run.ID))

	run.Status = models.RunRunning
	s.save(run, log)

	res, err := s.runner.Run(s.runCtx, run.Symbols,
		workflow.WithRunID(run.ID),
		workflow.WithObserver(func(e chat.Event) {
			s.wsHub.Broadcast(WSMessage{Type: "message", RunID: run.ID, Data: RunProgress{RunID: run.ID, Event: e}})
		}))

	finished := time.Now().UTC()
	run.FinishedAt = &finished
	if err != nil {
		run.Status = models.RunFailed
		run.Error = err.Error()
		log.Warn("run failed", zap.Error(err))
	} else {
		run.Status = models.RunDone
	}
	if res != nil {
		run.Report = res.Report
		run.ChartPath = res.ChartPath
	}
	s.save(run, log)
}

// save persists the run and announces its status.
func (s *Server) save(run *models.Run, log *zap.Logger) {
	// The run context may already be canceled; the outcome is still recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Update(ctx, run); err != nil {
		log.Error("update run", zap.Error(err))
	}
	s.wsHub.Broadcast(WSMessage{
		Type:  "status",
		RunID: run.ID,
		Data:  RunStatusUpdate{RunID: run.ID, Status: run.Status, Error: run.Error},
	})
}

// ============================================================
// Helpers
// ============================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, APIResponse{
		Success: false,
		Error:   msg,
	})
}
