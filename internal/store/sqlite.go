// SQLite-backed Store implementation, the default production driver.
// The production durable store: jobs, rate_limits, and usage_tracking live
// in a single database file opened in WAL mode with a single writer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/plansmith/plansmith/engine/pkg/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	request_id             TEXT PRIMARY KEY,
	actor_id               TEXT NOT NULL,
	session_id             TEXT NOT NULL,
	status                 TEXT NOT NULL,
	model_used             TEXT NOT NULL DEFAULT '',
	result_content         TEXT NOT NULL DEFAULT '',
	error_message          TEXT NOT NULL DEFAULT '',
	created_at             INTEGER NOT NULL,
	completed_at           INTEGER,
	processing_duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobs_session ON jobs(session_id, created_at);

CREATE TABLE IF NOT EXISTS rate_limits (
	key           TEXT NOT NULL,
	kind          TEXT NOT NULL,
	window_start  INTEGER NOT NULL,
	request_count INTEGER NOT NULL,
	PRIMARY KEY (key, kind)
);

CREATE TABLE IF NOT EXISTS usage_tracking (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id              TEXT NOT NULL,
	session_id           TEXT NOT NULL,
	request_id           TEXT NOT NULL REFERENCES jobs(request_id),
	input_tokens         INTEGER NOT NULL,
	output_tokens        INTEGER NOT NULL,
	model_used           TEXT NOT NULL,
	input_cost_estimate  REAL NOT NULL,
	output_cost_estimate REAL NOT NULL,
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_session ON usage_tracking(session_id, created_at);
`

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode for better concurrency; busy timeout so the single writer
	// queues instead of failing under contention.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite works best with a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &SQLiteStore{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

// ── Job Store ───────────────────────────────────────────────

func (s *SQLiteStore) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	if job.Status == "" {
		job.Status = models.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (request_id, actor_id, session_id, status, model_used, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.RequestID, job.ActorID, job.SessionID, string(job.Status), job.ModelUsed, job.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, requestID string) (*models.GenerationJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, actor_id, session_id, status, model_used, result_content,
		        error_message, created_at, completed_at, processing_duration_ms
		 FROM jobs WHERE request_id = ?`, requestID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &ErrNotFound{Entity: "job", Key: requestID}
	}
	return j, err
}

func (s *SQLiteStore) TransitionJob(ctx context.Context, requestID string, status models.JobStatus, update models.JobUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE request_id = ?`, requestID).Scan(&current)
	if err == sql.ErrNoRows {
		return &ErrNotFound{Entity: "job", Key: requestID}
	}
	if err != nil {
		return fmt.Errorf("read job status: %w", err)
	}
	if !validTransition(models.JobStatus(current), status) {
		return &ErrInvalidTransition{RequestID: requestID, From: models.JobStatus(current), To: status}
	}

	var completedAt interface{}
	if status.Terminal() {
		completedAt = time.Now().UTC().Unix()
	}

	// The status guard in the WHERE clause keeps the transition safe even if
	// another writer slipped in between the read and the update.
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET
			status = ?,
			model_used = COALESCE(?, model_used),
			result_content = COALESCE(?, result_content),
			error_message = COALESCE(?, error_message),
			processing_duration_ms = COALESCE(?, processing_duration_ms),
			completed_at = COALESCE(?, completed_at)
		 WHERE request_id = ? AND status = ?`,
		string(status), update.ModelUsed, update.ResultContent, update.ErrorMessage,
		update.ProcessingDurationMs, completedAt, requestID, current)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrInvalidTransition{RequestID: requestID, From: models.JobStatus(current), To: status}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListJobsBySession(ctx context.Context, sessionID string, limit int) ([]models.GenerationJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, actor_id, session_id, status, model_used, result_content,
		        error_message, created_at, completed_at, processing_duration_ms
		 FROM jobs WHERE session_id = ? ORDER BY created_at DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTerminalJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.GenerationJob, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, actor_id, session_id, status, model_used, result_content,
		        error_message, created_at, completed_at, processing_duration_ms
		 FROM jobs WHERE status IN ('completed', 'failed') AND created_at < ?
		 ORDER BY created_at ASC LIMIT ?`, cutoff.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	var out []models.GenerationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, requestID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE request_id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "job", Key: requestID}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.GenerationJob, error) {
	var j models.GenerationJob
	var status string
	var createdAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&j.RequestID, &j.ActorID, &j.SessionID, &status, &j.ModelUsed,
		&j.ResultContent, &j.ErrorMessage, &createdAt, &completedAt, &j.ProcessingDurationMs)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Status = models.JobStatus(status)
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		j.CompletedAt = &t
	}
	return &j, nil
}

// ── Rate Limit Store ────────────────────────────────────────

// CheckAndIncrement runs the sliding-window check inside one transaction.
// With a single writer connection the read-compare-write is atomic per key,
// and the request_count guard on the UPDATE enforces the limit at the
// database level as well.
func (s *SQLiteStore) CheckAndIncrement(ctx context.Context, key string, kind models.ActorKind, limit int, window time.Duration) (Decision, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Decision{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	windowStart := now.Add(-window)

	var recStart int64
	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT window_start, request_count FROM rate_limits
		 WHERE key = ? AND kind = ? AND window_start >= ?`,
		key, string(kind), windowStart.Unix()).Scan(&recStart, &count)

	switch {
	case err == sql.ErrNoRows:
		// No record in the window: start a fresh one (replacing any aged-out
		// record for the same pair).
		_, err = tx.ExecContext(ctx,
			`INSERT INTO rate_limits (key, kind, window_start, request_count) VALUES (?, ?, ?, 1)
			 ON CONFLICT(key, kind) DO UPDATE SET window_start = excluded.window_start, request_count = 1`,
			key, string(kind), now.Unix())
		if err != nil {
			return Decision{}, fmt.Errorf("insert rate limit record: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Decision{}, fmt.Errorf("commit transaction: %w", err)
		}
		return Decision{Allowed: true, Remaining: limit - 1, ResetAt: now.Add(window)}, nil

	case err != nil:
		return Decision{}, fmt.Errorf("read rate limit record: %w", err)
	}

	resetAt := time.Unix(recStart, 0).UTC().Add(window)
	if count+1 > limit {
		// Deny without persisting the increment.
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE rate_limits SET request_count = request_count + 1
		 WHERE key = ? AND kind = ? AND window_start = ? AND request_count < ?`,
		key, string(kind), recStart, limit)
	if err != nil {
		return Decision{}, fmt.Errorf("increment rate limit record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Decision{Allowed: false, Remaining: 0, ResetAt: resetAt}, nil
	}
	if err := tx.Commit(); err != nil {
		return Decision{}, fmt.Errorf("commit transaction: %w", err)
	}
	return Decision{Allowed: true, Remaining: limit - (count + 1), ResetAt: resetAt}, nil
}

func (s *SQLiteStore) PurgeExpiredRateLimits(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_start < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge rate limit records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ── Usage Store ─────────────────────────────────────────────

func (s *SQLiteStore) CreateUsage(ctx context.Context, rec *models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_tracking (user_id, session_id, request_id, input_tokens,
		        output_tokens, model_used, input_cost_estimate, output_cost_estimate, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UserID, rec.SessionID, rec.RequestID, rec.InputTokens, rec.OutputTokens,
		rec.ModelUsed, rec.InputCostEstimate, rec.OutputCostEstimate, rec.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsageBySession(ctx context.Context, sessionID string, limit int) ([]models.UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, session_id, request_id, input_tokens, output_tokens,
		        model_used, input_cost_estimate, output_cost_estimate, created_at
		 FROM usage_tracking WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	defer rows.Close()

	var out []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var createdAt int64
		if err := rows.Scan(&r.UserID, &r.SessionID, &r.RequestID, &r.InputTokens,
			&r.OutputTokens, &r.ModelUsed, &r.InputCostEstimate, &r.OutputCostEstimate, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
