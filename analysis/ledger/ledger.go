// Package ledger records analysis runs and their per-conversation outcomes in SQLite.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/theimaginaryfoundation/chat-analyzer/analysis"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// DefaultFileName is the ledger file created inside the output directory.
const DefaultFileName = ".chat-analyzer.db"

const recordTimeout = 5 * time.Second

type Ledger struct {
	writeDB *sql.DB // single connection for writes
	readDB  *sql.DB
	path    string
	log     *zap.Logger
}

// Open opens (creating if needed) the ledger at path.
func Open(path string, log *zap.Logger) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger.Open: empty path")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ledger.Open: mkdir: %w", err)
	}

	writeDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger.Open: open write db: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite", path)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("ledger.Open: open read db: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)

	l := &Ledger{writeDB: writeDB, readDB: readDB, path: path, log: log}
	if err := l.initialize(); err != nil {
		l.Close()
		return nil, fmt.Errorf("ledger.Open: %w", err)
	}
	return l, nil
}

func (l *Ledger) initialize() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := l.writeDB.Exec(p); err != nil {
			return fmt.Errorf("set %s: %w", p, err)
		}
	}
	queries := []string{
		queryCreateRunsTable,
		queryCreateOutcomesTable,
		queryCreateIndexOutcomesRun,
		queryCreateIndexRunsStarted,
	}
	for _, q := range queries {
		if _, err := l.writeDB.Exec(q); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) Close() error {
	var errs []error
	if l.readDB != nil {
		errs = append(errs, l.readDB.Close())
	}
	if l.writeDB != nil {
		errs = append(errs, l.writeDB.Close())
	}
	return errors.Join(errs...)
}

// Run is an open ledger row. It implements analysis.Recorder.
type Run struct {
	ID      string
	Command string
	Started time.Time

	l *Ledger
}

// StartRun inserts a new run row with a fresh id.
func (l *Ledger) StartRun(ctx context.Context, command string, started time.Time) (*Run, error) {
	r := &Run{ID: uuid.NewString(), Command: command, Started: started, l: l}
	if _, err := l.writeDB.ExecContext(ctx, queryInsertRun, r.ID, command, started.UnixMilli()); err != nil {
		return nil, fmt.Errorf("StartRun: %w", err)
	}
	return r, nil
}

// Record stores one outcome. Failures are logged; the pipeline never stops for the ledger.
func (r *Run) Record(o analysis.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	var errText sql.NullString
	if o.Err != nil {
		errText = sql.NullString{String: o.Err.Error(), Valid: true}
	}
	var path sql.NullString
	if o.Path != "" {
		path = sql.NullString{String: o.Path, Valid: true}
	}
	_, err := r.l.writeDB.ExecContext(ctx, queryInsertOutcome,
		r.ID, o.ConversationID, string(o.Kind), path, errText,
		o.Duration.Milliseconds(), o.Tokens, boolInt(o.Truncated),
	)
	if err != nil {
		r.l.log.Warn("ledger: record outcome", zap.String("conversation_id", o.ConversationID), zap.Error(err))
	}
}

// Finish stores the final tally.
func (r *Run) Finish(ctx context.Context, tally analysis.Tally, finished time.Time) error {
	_, err := r.l.writeDB.ExecContext(ctx, queryFinishRun,
		finished.UnixMilli(),
		tally.Total(),
		tally[analysis.KindSuccess],
		tally[analysis.KindCached],
		tally[analysis.KindRejectedTooLarge],
		tally[analysis.KindEmpty],
		tally[analysis.KindFormatError],
		tally[analysis.KindAPIError],
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("Finish: %w", err)
	}
	return nil
}

type RunSummary struct {
	ID          string    `json:"id"`
	Command     string    `json:"command"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	Total       int       `json:"total"`
	Success     int       `json:"success"`
	Cached      int       `json:"cached"`
	Rejected    int       `json:"rejected"`
	Empty       int       `json:"empty"`
	FormatError int       `json:"format_error"`
	APIError    int       `json:"api_error"`
}

// Finished reports whether Finish was called for the run.
func (s RunSummary) Finished() bool { return !s.FinishedAt.IsZero() }

// RecentRuns returns up to limit runs, newest first.
func (l *Ledger) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := l.readDB.QueryContext(ctx, querySelectRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("RecentRuns: query: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			s        RunSummary
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&s.ID, &s.Command, &started, &finished,
			&s.Total, &s.Success, &s.Cached, &s.Rejected, &s.Empty, &s.FormatError, &s.APIError); err != nil {
			return nil, fmt.Errorf("RecentRuns: scan: %w", err)
		}
		s.StartedAt = time.UnixMilli(started).UTC()
		if finished.Valid {
			s.FinishedAt = time.UnixMilli(finished.Int64).UTC()
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("RecentRuns: %w", err)
	}
	return out, nil
}

type OutcomeRow struct {
	ConversationID string        `json:"conversation_id"`
	Kind           analysis.Kind `json:"kind"`
	Path           string        `json:"path,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"duration"`
	Tokens         int           `json:"tokens"`
	Truncated      bool          `json:"truncated,omitempty"`
}

// Outcomes returns the recorded outcomes of one run in insertion order.
func (l *Ledger) Outcomes(ctx context.Context, runID string) ([]OutcomeRow, error) {
	rows, err := l.readDB.QueryContext(ctx, querySelectOutcomes, runID)
	if err != nil {
		return nil, fmt.Errorf("Outcomes: query: %w", err)
	}
	defer rows.Close()

	var out []OutcomeRow
	for rows.Next() {
		var (
			o         OutcomeRow
			kind      string
			ms        int64
			truncated int
		)
		if err := rows.Scan(&o.ConversationID, &kind, &o.Path, &o.Error, &ms, &o.Tokens, &truncated); err != nil {
			return nil, fmt.Errorf("Outcomes: scan: %w", err)
		}
		o.Kind = analysis.Kind(kind)
		o.Duration = time.Duration(ms) * time.Millisecond
		o.Truncated = truncated != 0
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Outcomes: %w", err)
	}
	return out, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
