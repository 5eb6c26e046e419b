package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/config"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/executor"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/observer"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/planner"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/prompts"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
)

// maxBodyBytes limits request bodies
const maxBodyBytes = 2 << 20

// APIKeyHeader carries the shared secret
const APIKeyHeader = "x-api-key"

// Planner creates and approves runs
type Planner interface {
	Plan(ctx context.Context, req planner.Request) (*planner.Result, error)
	Approve(projectRoot, runID string) (*domain.TaskRun, error)
}

// Executor advances runs
type Executor interface {
	ExecuteNext(ctx context.Context, projectRoot, runID string) (*executor.Outcome, error)
	ResetTask(projectRoot, runID, taskID string) (*domain.TaskRun, error)
	SkipTask(projectRoot, runID, taskID string) (*domain.TaskRun, error)
}

// Options holds the collaborators of the server. Loop, Index and Observer
// are optional.
type Options struct {
	Config   *config.Config
	Planner  Planner
	Executor Executor
	Loop     executor.Loop
	Prompts  *prompts.Loader
	Index    *taskstore.Index
	Observer *observer.Observer
	APIKey   string
	Logger   *zap.Logger
}

// Server is the HTTP API server
type Server struct {
	cfg      *config.Config
	planner  Planner
	executor Executor
	loop     executor.Loop
	prompts  *prompts.Loader
	index    *taskstore.Index
	observer *observer.Observer
	apiKey   string
	addr     string
	logger   *zap.Logger
	mux      *http.ServeMux
	sseHub   *SSEHub
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewServer creates a new API server
func NewServer(opts Options, addr string) *Server {
	s := &Server{
		cfg:      opts.Config,
		planner:  opts.Planner,
		executor: opts.Executor,
		loop:     opts.Loop,
		prompts:  opts.Prompts,
		index:    opts.Index,
		observer: opts.Observer,
		apiKey:   opts.APIKey,
		addr:     addr,
		logger:   logging.OrNop(opts.Logger),
		mux:      http.NewServeMux(),
		sseHub:   NewSSEHub(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	if s.prompts == nil {
		s.prompts = prompts.NewLoader()
	}
	if s.observer == nil {
		s.observer = observer.New(30 * time.Minute)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/healthz", s.healthHandler())

	s.mux.HandleFunc("/api/task/plan", s.planHandler())
	s.mux.HandleFunc("/api/task/approve", s.approveHandler())
	s.mux.HandleFunc("/api/task/execute", s.executeHandler())
	s.mux.HandleFunc("/api/task/reset", s.resetHandler())
	s.mux.HandleFunc("/api/task/skip", s.skipHandler())
	s.mux.HandleFunc("/api/agent/{role}", s.agentHandler())

	s.mux.HandleFunc("/api/runs", s.listRunsHandler())
	s.mux.HandleFunc("/api/runs/{id}", s.getRunHandler())
	s.mux.HandleFunc("/api/runs/{id}/agent-runs", s.agentRunsHandler())
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/metrics", s.metricsHandler())

	s.mux.HandleFunc("/api/events", s.sseHandler())
	s.mux.HandleFunc("/api/ws", s.wsHandler())
}

// Handler returns the routed handler with authentication and body limits
func (s *Server) Handler() http.Handler {
	return s.withAuth(s.withBodyLimit(s.mux))
}

// RunHub runs the event hub until ctx is done
func (s *Server) RunHub(ctx context.Context) {
	s.sseHub.Run(ctx)
}

// Start serves HTTP until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.RunHub(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", zap.String("addr", s.addr), zap.Bool("auth", s.apiKey != ""))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	}
}

// Broadcast sends an event to all SSE and websocket clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get(APIKeyHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withBodyLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, ErrorResponse{OK: false, Error: message})
}
