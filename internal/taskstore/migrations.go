package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    project_root TEXT NOT NULL,
    task_path TEXT NOT NULL,
    role TEXT,
    status TEXT NOT NULL,
    total INTEGER DEFAULT 0,
    pending INTEGER DEFAULT 0,
    in_progress INTEGER DEFAULT 0,
    done INTEGER DEFAULT 0,
    failed INTEGER DEFAULT 0,
    skipped INTEGER DEFAULT 0,
    locked_by TEXT,
    created_at TIMESTAMP NOT NULL,
    approved_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_project_root ON runs(project_root);

CREATE TABLE IF NOT EXISTS agent_runs (
    id TEXT PRIMARY KEY,
    run_id TEXT,
    task_id TEXT,
    role TEXT,
    mode TEXT NOT NULL,
    model TEXT,
    status TEXT NOT NULL,
    rounds INTEGER NOT NULL DEFAULT 0,
    tokens_input INTEGER DEFAULT 0,
    tokens_output INTEGER DEFAULT 0,
    tokens_total INTEGER DEFAULT 0,
    cost_usd REAL DEFAULT 0,
    cost_eur REAL DEFAULT 0,
    output TEXT,
    error TEXT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_runs_run_id ON agent_runs(run_id);

CREATE TABLE IF NOT EXISTS agent_tool_calls (
    agent_run_id TEXT NOT NULL REFERENCES agent_runs(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    name TEXT NOT NULL,
    args TEXT,
    ok BOOLEAN NOT NULL,
    summary TEXT,
    error TEXT,
    PRIMARY KEY (agent_run_id, seq)
);
`
