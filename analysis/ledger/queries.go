package ledger

const (
	queryCreateRunsTable = `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		command TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		total INTEGER NOT NULL DEFAULT 0,
		success INTEGER NOT NULL DEFAULT 0,
		cached INTEGER NOT NULL DEFAULT 0,
		rejected INTEGER NOT NULL DEFAULT 0,
		empty INTEGER NOT NULL DEFAULT 0,
		format_error INTEGER NOT NULL DEFAULT 0,
		api_error INTEGER NOT NULL DEFAULT 0
	)`

	queryCreateOutcomesTable = `
	CREATE TABLE IF NOT EXISTS outcomes (
		run_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		path TEXT,
		error TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		tokens INTEGER NOT NULL DEFAULT 0,
		truncated INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	)`

	queryCreateIndexOutcomesRun = `CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id)`

	queryCreateIndexRunsStarted = `CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC)`

	queryInsertRun = `INSERT INTO runs (id, command, started_at) VALUES (?, ?, ?)`

	queryInsertOutcome = `
	INSERT INTO outcomes (run_id, conversation_id, kind, path, error, duration_ms, tokens, truncated)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	queryFinishRun = `
	UPDATE runs SET finished_at = ?, total = ?, success = ?, cached = ?, rejected = ?,
		empty = ?, format_error = ?, api_error = ?
	WHERE id = ?`

	querySelectRecentRuns = `
	SELECT id, command, started_at, finished_at, total, success, cached, rejected, empty, format_error, api_error
	FROM runs
	ORDER BY started_at DESC
	LIMIT ?`

	querySelectOutcomes = `
	SELECT conversation_id, kind, COALESCE(path, ''), COALESCE(error, ''), duration_ms, tokens, truncated
	FROM outcomes
	WHERE run_id = ?
	ORDER BY rowid`
)
