package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/agent-task-orchestrator/internal/domain"
)

// Index is a SQLite mirror of run summaries plus the log of every
// dispatch-loop invocation. The JSON records stay authoritative.
type Index struct {
	db *sql.DB
}

// RunSummary is the indexed view of a run
type RunSummary struct {
	RunID       string              `json:"runId"`
	ProjectRoot string              `json:"projectRoot"`
	TaskPath    string              `json:"taskPath"`
	Role        string              `json:"role"`
	Status      domain.RunStatus    `json:"status"`
	Counts      domain.StatusCounts `json:"counts"`
	LockedBy    string              `json:"lockedBy,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	ApprovedAt  *time.Time          `json:"approvedAt,omitempty"`
	UpdatedAt   time.Time           `json:"updatedAt"`
}

// OpenIndex opens or creates the index database
func OpenIndex(dbPath string) (*Index, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("creating database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases shared and serialises writers
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Index{db: db}, nil
}

// Close closes the database connection
func (x *Index) Close() error {
	return x.db.Close()
}

// UpsertRun inserts or updates the summary of a run
func (x *Index) UpsertRun(run *domain.TaskRun) error {
	c := run.Counts()
	var lockedBy sql.NullString
	if run.Lock != nil {
		lockedBy = sql.NullString{String: run.Lock.HeldBy, Valid: true}
	}
	var approvedAt sql.NullTime
	if run.ApprovedAt != nil {
		approvedAt = sql.NullTime{Time: *run.ApprovedAt, Valid: true}
	}
	updated := run.UpdatedAt
	if updated.IsZero() {
		updated = run.CreatedAt
	}

	_, err := x.db.Exec(`
		INSERT INTO runs (id, project_root, task_path, role, status, total, pending, in_progress, done, failed, skipped, locked_by, created_at, approved_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_root = excluded.project_root,
			task_path = excluded.task_path,
			role = excluded.role,
			status = excluded.status,
			total = excluded.total,
			pending = excluded.pending,
			in_progress = excluded.in_progress,
			done = excluded.done,
			failed = excluded.failed,
			skipped = excluded.skipped,
			locked_by = excluded.locked_by,
			approved_at = excluded.approved_at,
			updated_at = excluded.updated_at
	`,
		run.RunID,
		run.ProjectRoot,
		run.TaskPath,
		run.Role,
		string(run.Status),
		c.Total, c.Pending, c.InProgress, c.Done, c.Failed, c.Skipped,
		lockedBy,
		run.CreatedAt.UTC(),
		approvedAt,
		updated.UTC(),
	)
	return err
}

// GetRun returns the summary of one run, or sql.ErrNoRows
func (x *Index) GetRun(runID string) (*RunSummary, error) {
	row := x.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	ProjectRoot string
	Status      domain.RunStatus
	Limit       int
}

// ListRuns returns run summaries, most recently updated first
func (x *Index) ListRuns(opts ListOptions) ([]*RunSummary, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []interface{}

	if opts.ProjectRoot != "" {
		query += " AND project_root = ?"
		args = append(args, opts.ProjectRoot)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY updated_at DESC, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run summary
func (x *Index) DeleteRun(runID string) error {
	_, err := x.db.Exec(`DELETE FROM runs WHERE id = ?`, runID)
	return err
}

// ListProjects returns the distinct project roots of indexed runs
func (x *Index) ListProjects() ([]string, error) {
	rows, err := x.db.Query(`SELECT DISTINCT project_root FROM runs ORDER BY project_root`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roots []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return roots, rows.Err()
}

// RecordAgentRun stores one dispatch-loop invocation with its tool calls
func (x *Index) RecordAgentRun(ctx context.Context, run *domain.AgentRun) error {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO agent_runs (id, run_id, task_id, role, mode, model, status, rounds, tokens_input, tokens_output, tokens_total, cost_usd, cost_eur, output, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ID,
		nullString(run.RunID),
		nullString(run.TaskID),
		run.Role,
		string(run.Mode),
		run.Model,
		string(run.Status),
		run.Rounds,
		run.Usage.InputTokens,
		run.Usage.OutputTokens,
		run.Usage.TotalTokens,
		run.Cost.USD,
		run.Cost.EUR,
		run.Output,
		run.Error,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting agent run: %w", err)
	}

	for _, tc := range run.ToolCalls {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_tool_calls (agent_run_id, seq, name, args, ok, summary, error)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, run.ID, tc.Seq, tc.Name, tc.Args, tc.OK, tc.Summary, tc.Error)
		if err != nil {
			return fmt.Errorf("inserting tool call %d: %w", tc.Seq, err)
		}
	}

	return tx.Commit()
}

// ListAgentRuns returns the agent runs recorded for a run, oldest first,
// with their tool calls.
func (x *Index) ListAgentRuns(runID string) ([]*domain.AgentRun, error) {
	rows, err := x.db.Query(`
		SELECT id, run_id, task_id, role, mode, model, status, rounds, tokens_input, tokens_output, tokens_total, cost_usd, cost_eur, output, error, started_at, finished_at
		FROM agent_runs WHERE run_id = ? ORDER BY started_at, id
	`, runID)
	if err != nil {
		return nil, err
	}

	var runs []*domain.AgentRun
	byID := make(map[string]*domain.AgentRun)
	for rows.Next() {
		var r domain.AgentRun
		var rid, tid, role, model, output, errText sql.NullString
		var mode, status string
		err := rows.Scan(&r.ID, &rid, &tid, &role, &mode, &model, &status, &r.Rounds,
			&r.Usage.InputTokens, &r.Usage.OutputTokens, &r.Usage.TotalTokens,
			&r.Cost.USD, &r.Cost.EUR, &output, &errText, &r.StartedAt, &r.FinishedAt)
		if err != nil {
			rows.Close()
			return nil, err
		}
		r.RunID, r.TaskID, r.Role, r.Model = rid.String, tid.String, role.String, model.String
		r.Output, r.Error = output.String, errText.String
		r.Mode = domain.Mode(mode)
		r.Status = domain.AgentRunStatus(status)
		runs = append(runs, &r)
		byID[r.ID] = &r
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if len(runs) == 0 {
		return runs, nil
	}

	calls, err := x.db.Query(`
		SELECT c.agent_run_id, c.seq, c.name, c.args, c.ok, c.summary, c.error
		FROM agent_tool_calls c JOIN agent_runs a ON a.id = c.agent_run_id
		WHERE a.run_id = ? ORDER BY c.agent_run_id, c.seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer calls.Close()

	for calls.Next() {
		var owner string
		var tc domain.AgentToolCall
		var args, summary, errText sql.NullString
		if err := calls.Scan(&owner, &tc.Seq, &tc.Name, &args, &tc.OK, &summary, &errText); err != nil {
			return nil, err
		}
		tc.Args, tc.Summary, tc.Error = args.String, summary.String, errText.String
		if r, ok := byID[owner]; ok {
			r.ToolCalls = append(r.ToolCalls, tc)
		}
	}
	return runs, calls.Err()
}

const runColumns = `id, project_root, task_path, role, status, total, pending, in_progress, done, failed, skipped, locked_by, created_at, approved_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunSummary, error) {
	var r RunSummary
	var role, lockedBy sql.NullString
	var status string
	var approvedAt sql.NullTime

	err := row.Scan(&r.RunID, &r.ProjectRoot, &r.TaskPath, &role, &status,
		&r.Counts.Total, &r.Counts.Pending, &r.Counts.InProgress, &r.Counts.Done, &r.Counts.Failed, &r.Counts.Skipped,
		&lockedBy, &r.CreatedAt, &approvedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}

	r.Role = role.String
	r.Status = domain.RunStatus(status)
	r.LockedBy = lockedBy.String
	if approvedAt.Valid {
		t := approvedAt.Time
		r.ApprovedAt = &t
	}
	return &r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
