package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/agent"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/executor"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/observer"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/planner"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/policy"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/sync"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/taskstore"
	"github.com/hochfrequenz/agent-task-orchestrator/internal/tools"
)

// ErrVerificationFailed is the error reported for an item whose changes were reverted
const ErrVerificationFailed = "Task verification failed; changes were reverted."

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	OK      bool     `json:"ok"`
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// PlanResponse is the API response for a new draft run
type PlanResponse struct {
	OK       bool             `json:"ok"`
	RunID    string           `json:"runId"`
	Status   domain.RunStatus `json:"status"`
	Tasks    int              `json:"tasks"`
	PlanPath string           `json:"planPath"`
	Compiled bool             `json:"compiled"`
	Usage    domain.Usage     `json:"usage"`
	Cost     domain.Cost      `json:"cost"`
}

// ApproveResponse is the API response for an approved run
type ApproveResponse struct {
	OK       bool   `json:"ok"`
	Approved bool   `json:"approved"`
	RunID    string `json:"runId"`
}

// ExecuteResponse is the API response for one execution step
type ExecuteResponse struct {
	OK           bool              `json:"ok"`
	RunID        string            `json:"runId"`
	TaskID       string            `json:"taskId,omitempty"`
	Status       domain.TaskStatus `json:"status,omitempty"`
	RunStatus    domain.RunStatus  `json:"runStatus"`
	Done         bool              `json:"done,omitempty"`
	ChangedFiles []string          `json:"changedFiles,omitempty"`
	Usage        domain.Usage      `json:"usage"`
	Cost         domain.Cost       `json:"cost"`
}

// RunResponse wraps a run after a manual state change
type RunResponse struct {
	OK  bool            `json:"ok"`
	Run *domain.TaskRun `json:"run"`
}

// RunDetailResponse is the API response for one run
type RunDetailResponse struct {
	Run       *domain.TaskRun `json:"run"`
	Plan      string          `json:"plan,omitempty"`
	Conflicts []sync.Conflict `json:"conflicts,omitempty"`
}

// AgentResponse is the API response for a direct agent call
type AgentResponse struct {
	OK           bool              `json:"ok"`
	Role         string            `json:"role"`
	Output       string            `json:"output"`
	RoundsUsed   int               `json:"roundsUsed"`
	ToolUsage    []tools.ToolUsage `json:"toolUsage"`
	ChangedFiles []string          `json:"changedFiles,omitempty"`
	Usage        domain.Usage      `json:"usage"`
	Cost         domain.Cost       `json:"cost"`
	AgentRunID   string            `json:"agentRunId"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Runs    int                  `json:"runs"`
	ByState map[string]int       `json:"byState"`
	Tasks   domain.StatusCounts  `json:"tasks"`
	Locked  int                  `json:"locked"`
	Stuck   []observer.StuckTask `json:"stuck"`
	Clients int                  `json:"clients"`
}

// MetricsResponse is the API response for execution metrics
type MetricsResponse struct {
	observer.Metrics
	Recent []string `json:"recent"`
}

type runRequest struct {
	RunID       string `json:"runId"`
	ProjectRoot string `json:"projectRoot,omitempty"`
}

type taskRequest struct {
	RunID       string `json:"runId"`
	TaskID      string `json:"taskId"`
	ProjectRoot string `json:"projectRoot,omitempty"`
}

type agentRequest struct {
	Message     string `json:"message"`
	ProjectRoot string `json:"projectRoot,omitempty"`
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, taskstore.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, taskstore.ErrLockConflict):
		return http.StatusConflict
	case errors.Is(err, executor.ErrNotExecutable),
		errors.Is(err, executor.ErrNotResettable),
		errors.Is(err, planner.ErrNotApprovable),
		errors.Is(err, planner.ErrEmptyTask),
		errors.Is(err, taskstore.ErrInvalidRunID),
		errors.Is(err, tools.ErrEmptyPath),
		errors.Is(err, tools.ErrAbsolutePath),
		errors.Is(err, tools.ErrNulByte),
		errors.Is(err, tools.ErrPathEscape),
		errors.Is(err, fs.ErrNotExist):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	writeError(w, code, err.Error())
}

// decode reads a JSON body. It writes the error response and returns false
// when the body is unusable.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"ok": true})
	}
}

func (s *Server) planHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req planner.Request
		if !decode(w, r, &req) {
			return
		}
		if req.TaskPath == "" {
			writeError(w, http.StatusBadRequest, "taskPath required")
			return
		}

		res, err := s.planner.Plan(r.Context(), req)
		if err != nil {
			s.fail(w, err)
			return
		}
		s.Broadcast(SSEEvent{Type: EventRunPlanned, Data: summaryOf(res.Run)})
		writeJSON(w, PlanResponse{
			OK:       true,
			RunID:    res.Run.RunID,
			Status:   res.Run.Status,
			Tasks:    len(res.Run.Tasks),
			PlanPath: res.PlanPath,
			Compiled: res.Compiled,
			Usage:    res.Usage,
			Cost:     res.Cost,
		})
	}
}

func (s *Server) approveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if !decode(w, r, &req) {
			return
		}
		if req.RunID == "" {
			writeError(w, http.StatusBadRequest, "runId required")
			return
		}

		run, err := s.planner.Approve(req.ProjectRoot, req.RunID)
		if err != nil {
			if errors.Is(err, taskstore.ErrRunNotFound) {
				writeError(w, http.StatusNotFound, "plan not found")
				return
			}
			s.fail(w, err)
			return
		}
		s.Broadcast(SSEEvent{Type: EventRunApproved, Data: summaryOf(run)})
		writeJSON(w, ApproveResponse{OK: true, Approved: true, RunID: run.RunID})
	}
}

func (s *Server) executeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runRequest
		if !decode(w, r, &req) {
			return
		}
		if req.RunID == "" {
			writeError(w, http.StatusBadRequest, "runId required")
			return
		}

		start := s.now()
		out, err := s.executor.ExecuteNext(r.Context(), req.ProjectRoot, req.RunID)
		if err != nil {
			switch {
			case errors.Is(err, taskstore.ErrRunNotFound):
				writeError(w, http.StatusNotFound, "plan not found")
			case errors.Is(err, executor.ErrNotExecutable):
				writeError(w, http.StatusBadRequest, err.Error())
			default:
				s.fail(w, err)
			}
			return
		}

		if out.Kind == executor.KindExecuted || out.Kind == executor.KindInterrupted {
			s.observer.RecordCompletion(out.RunID, out.TaskID, out.OK, s.now().Sub(start), out.Usage, out.Cost)
			s.Broadcast(SSEEvent{Type: EventTaskExecuted, Data: out})
		}

		switch {
		case out.Kind == executor.KindConflict:
			writeError(w, http.StatusConflict, out.Error)
		case out.Kind == executor.KindNoPending:
			writeJSON(w, ExecuteResponse{OK: true, RunID: out.RunID, RunStatus: out.RunStatus, Done: true})
		case out.OK:
			writeJSON(w, ExecuteResponse{
				OK:           true,
				RunID:        out.RunID,
				TaskID:       out.TaskID,
				Status:       out.Status,
				RunStatus:    out.RunStatus,
				ChangedFiles: out.ChangedFiles,
				Usage:        out.Usage,
				Cost:         out.Cost,
			})
		case out.Reverted:
			writeJSONStatus(w, http.StatusInternalServerError, ErrorResponse{
				OK:      false,
				Error:   ErrVerificationFailed,
				Details: out.Notes,
			})
		default:
			writeError(w, http.StatusInternalServerError, out.Error)
		}
	}
}

func (s *Server) resetHandler() http.HandlerFunc {
	return s.taskChangeHandler(func(projectRoot, runID, taskID string) (*domain.TaskRun, error) {
		return s.executor.ResetTask(projectRoot, runID, taskID)
	})
}

func (s *Server) skipHandler() http.HandlerFunc {
	return s.taskChangeHandler(func(projectRoot, runID, taskID string) (*domain.TaskRun, error) {
		return s.executor.SkipTask(projectRoot, runID, taskID)
	})
}

func (s *Server) taskChangeHandler(change func(projectRoot, runID, taskID string) (*domain.TaskRun, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req taskRequest
		if !decode(w, r, &req) {
			return
		}
		if req.RunID == "" || req.TaskID == "" {
			writeError(w, http.StatusBadRequest, "runId and taskId required")
			return
		}
		run, err := change(req.ProjectRoot, req.RunID, req.TaskID)
		if err != nil {
			s.fail(w, err)
			return
		}
		s.Broadcast(SSEEvent{Type: EventRunUpdated, Data: summaryOf(run)})
		writeJSON(w, RunResponse{OK: true, Run: run})
	}
}

// agentHandler runs one execute-mode loop for a role without a run record
func (s *Server) agentHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req agentRequest
		if !decode(w, r, &req) {
			return
		}
		if req.Message == "" {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		if s.loop == nil {
			writeError(w, http.StatusServiceUnavailable, "no model is configured")
			return
		}

		role := r.PathValue("role")
		roleCfg, err := s.cfg.Role(role)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		system, err := s.prompts.RoleSystemPrompt(role)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		root, err := s.projectRoot(req.ProjectRoot)
		if err != nil {
			s.fail(w, err)
			return
		}

		res, err := s.loop.Run(r.Context(), agent.Input{
			SystemPrompt: system,
			UserMessage:  req.Message,
			Policy:       policy.Build(root, roleCfg, domain.ModeExecute),
			Mode:         domain.ModeExecute,
			MaxRounds:    s.cfg.Agent.ExecuteMaxRounds,
			Model:        s.cfg.ModelFor(false),
			Role:         role,
		})
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, AgentResponse{
			OK:           true,
			Role:         role,
			Output:       res.Output,
			RoundsUsed:   res.RoundsUsed,
			ToolUsage:    res.ToolUsage,
			ChangedFiles: res.ChangedFiles,
			Usage:        res.Usage,
			Cost:         res.Cost,
			AgentRunID:   res.ID,
		})
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		q := r.URL.Query()
		opts := taskstore.ListOptions{
			ProjectRoot: q.Get("projectRoot"),
			Status:      domain.RunStatus(q.Get("status")),
		}
		if limit := q.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			opts.Limit = n
		}

		runs, err := s.listRuns(opts)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, runs)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		runID := r.PathValue("id")
		store, err := s.storeFor(r.URL.Query().Get("projectRoot"), runID)
		if err != nil {
			s.fail(w, err)
			return
		}
		run, err := store.Load(runID)
		if err != nil {
			s.fail(w, err)
			return
		}
		if run == nil {
			writeError(w, http.StatusNotFound, "plan not found")
			return
		}

		resp := RunDetailResponse{Run: run}
		if plan, err := store.ReadPlan(runID); err == nil {
			resp.Plan = plan
		}
		if conflicts, err := sync.New(store, s.index, s.logger).DetectConflicts(run); err == nil {
			resp.Conflicts = conflicts
		}
		writeJSON(w, resp)
	}
}

func (s *Server) agentRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.index == nil {
			writeJSON(w, []*domain.AgentRun{})
			return
		}
		runs, err := s.index.ListAgentRuns(r.PathValue("id"))
		if err != nil {
			s.fail(w, err)
			return
		}
		if runs == nil {
			runs = []*domain.AgentRun{}
		}
		writeJSON(w, runs)
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		runs, err := s.loadRuns(r.URL.Query().Get("projectRoot"))
		if err != nil {
			s.fail(w, err)
			return
		}

		resp := StatusResponse{
			Runs:    len(runs),
			ByState: make(map[string]int),
			Stuck:   s.observer.StuckTasks(runs, s.now()),
			Clients: s.sseHub.ClientCount(),
		}
		for _, run := range runs {
			resp.ByState[string(run.Status)]++
			if run.Lock != nil && !run.Lock.Stale(s.now()) {
				resp.Locked++
			}
			c := run.Counts()
			resp.Tasks.Total += c.Total
			resp.Tasks.Pending += c.Pending
			resp.Tasks.InProgress += c.InProgress
			resp.Tasks.Done += c.Done
			resp.Tasks.Failed += c.Failed
			resp.Tasks.Skipped += c.Skipped
		}
		if resp.Stuck == nil {
			resp.Stuck = []observer.StuckTask{}
		}
		writeJSON(w, resp)
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		recent := s.observer.GetRecentCompletions(time.Hour)
		if recent == nil {
			recent = []string{}
		}
		writeJSON(w, MetricsResponse{Metrics: s.observer.GetMetrics(), Recent: recent})
	}
}

// RunsChanged broadcasts the current state of runs whose files changed on
// disk. It matches the state watcher callback.
func (s *Server) RunsChanged(projectRoot string, runIDs []string) {
	store := taskstore.ForProject(s.cfg, projectRoot, s.logger)
	for _, id := range runIDs {
		run, err := store.Load(id)
		if err != nil {
			s.logger.Debug("loading changed run failed", zap.String("run_id", id), zap.Error(err))
			continue
		}
		if run == nil {
			s.Broadcast(SSEEvent{Type: EventRunUpdated, Data: map[string]string{"runId": id, "projectRoot": projectRoot, "status": "deleted"}})
			continue
		}
		s.Broadcast(SSEEvent{Type: EventRunUpdated, Data: summaryOf(run)})
	}
}

func (s *Server) projectRoot(override string) (string, error) {
	root, err := s.cfg.ResolveProjectRoot(override)
	if err != nil {
		return "", fmt.Errorf("resolving project root: %w", err)
	}
	return tools.ResolveRoot(root)
}

// storeFor opens the store of a run. Without an explicit project root the
// index is asked where the run lives.
func (s *Server) storeFor(projectRoot, runID string) (*taskstore.FileStore, error) {
	if projectRoot == "" && s.index != nil {
		if sum, err := s.index.GetRun(runID); err == nil {
			projectRoot = sum.ProjectRoot
		}
	}
	root, err := s.projectRoot(projectRoot)
	if err != nil {
		return nil, err
	}
	return taskstore.ForProject(s.cfg, root, s.logger), nil
}

// listRuns answers from the index when there is one and from the project
// store otherwise
func (s *Server) listRuns(opts taskstore.ListOptions) ([]*taskstore.RunSummary, error) {
	if s.index != nil {
		runs, err := s.index.ListRuns(opts)
		if runs == nil {
			runs = []*taskstore.RunSummary{}
		}
		return runs, err
	}
	runs, err := s.loadRuns(opts.ProjectRoot)
	if err != nil {
		return nil, err
	}
	out := []*taskstore.RunSummary{}
	for _, run := range runs {
		if opts.Status != "" && run.Status != opts.Status {
			continue
		}
		out = append(out, summaryOf(run))
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (s *Server) loadRuns(projectRoot string) ([]*domain.TaskRun, error) {
	root, err := s.projectRoot(projectRoot)
	if err != nil {
		return nil, err
	}
	return taskstore.ForProject(s.cfg, root, s.logger).List()
}

func summaryOf(run *domain.TaskRun) *taskstore.RunSummary {
	sum := &taskstore.RunSummary{
		RunID:       run.RunID,
		ProjectRoot: run.ProjectRoot,
		TaskPath:    run.TaskPath,
		Role:        run.Role,
		Status:      run.Status,
		Counts:      run.Counts(),
		CreatedAt:   run.CreatedAt,
		ApprovedAt:  run.ApprovedAt,
		UpdatedAt:   run.UpdatedAt,
	}
	if run.Lock != nil {
		sum.LockedBy = run.Lock.HeldBy
	}
	return sum
}
