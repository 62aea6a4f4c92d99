package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ripforge/ripforge/internal/model"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	correlation_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	source_hint TEXT NOT NULL DEFAULT '',
	source_resolved TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	progress REAL NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	error_kind TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	output_path TEXT NOT NULL DEFAULT '',
	classification TEXT NOT NULL DEFAULT '',
	encoder_family TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	started_at TEXT,
	completed_at TEXT,
	last_progress_commit_at TEXT
);

CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL,
	applied_at TEXT DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);
`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// NewSQLiteStore opens (creating if absent) a SQLite-backed store at
// dbPath, in WAL mode, and applies the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	var version int
	err = db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			db.Close()
			return nil, fmt.Errorf("insert schema version: %w", err)
		}
	} else if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema version: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, job *model.Job) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = model.StatusPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (correlation_id, title, source_hint, source_resolved, status,
			progress, retry_count, error_kind, error, output_path, classification,
			encoder_family, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.CorrelationID, job.Title, job.SourceHint, job.SourceResolved, string(job.Status),
		job.Progress, job.RetryCount, string(job.ErrorKind), job.Error, job.OutputPath,
		string(job.Classification), string(job.EncoderFamily), formatTime(now), formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	job.ID = id
	return id, nil
}

// ClaimNext atomically selects the oldest PENDING job and marks it
// RUNNING. SQLite's single-writer model makes the select-then-update
// within one transaction race-free across goroutines sharing this *sql.DB.
func (s *SQLiteStore) ClaimNext(ctx context.Context) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim next: begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id FROM jobs WHERE status = ?
		ORDER BY created_at ASC, id ASC LIMIT 1`, string(model.StatusPending))

	var id int64
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("claim next: select: %w", err)
	}

	now := formatTime(time.Now().UTC())
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		string(model.StatusRunning), now, now, id); err != nil {
		return nil, fmt.Errorf("claim next: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim next: commit: %w", err)
	}

	return s.Get(ctx, id)
}

// UpdateProgress writes the new progress only if it clears the rate
// limit in spec.md §4.2: at least ProgressCommitDelta past the last
// committed value, the job is complete, or ProgressCommitInterval
// seconds have passed since the last commit.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id int64, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastProgress float64
	var lastCommitRaw sql.NullString
	// With no progress committed yet, the interval runs from the job's last
	// update (its claim, or its insert).
	row := s.db.QueryRowContext(ctx, `SELECT progress, COALESCE(last_progress_commit_at, updated_at) FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&lastProgress, &lastCommitRaw); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("update progress: select: %w", err)
	}

	now := time.Now().UTC()
	elapsed := ProgressCommitInterval + 1.0
	if lastCommitRaw.Valid {
		if t, err := parseTime(lastCommitRaw.String); err == nil {
			elapsed = now.Sub(t).Seconds()
		}
	}

	accepted := progress >= lastProgress+ProgressCommitDelta || progress >= 100 || elapsed >= ProgressCommitInterval
	if !accepted {
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ?, last_progress_commit_at = ? WHERE id = ?`,
		progress, formatTime(now), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Finish(ctx context.Context, id int64, status model.Status, errorKind model.ErrorKind, errMsg string, outputPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_kind = ?, error = ?, output_path = ?,
			updated_at = ?, completed_at = ? WHERE id = ?`,
		string(status), string(errorKind), errMsg, outputPath, now, now, id)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Requeue(ctx context.Context, id int64, maxRetryCount int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("requeue: begin tx: %w", err)
	}
	defer tx.Rollback()

	var status string
	var retryCount int
	row := tx.QueryRowContext(ctx, `SELECT status, retry_count FROM jobs WHERE id = ?`, id)
	if err := row.Scan(&status, &retryCount); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("requeue: select: %w", err)
	}

	if status != string(model.StatusFailed) || retryCount >= maxRetryCount {
		return false, nil
	}

	now := formatTime(time.Now().UTC())
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, retry_count = retry_count + 1, error = '', error_kind = '',
			progress = 0, updated_at = ? WHERE id = ?`,
		string(model.StatusPending), now, id); err != nil {
		return false, fmt.Errorf("requeue: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("requeue: commit: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, jobSelectColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) List(ctx context.Context, status model.Status, limit, offset int) ([]*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}

	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx, jobSelectColumns+`
			FROM jobs WHERE status = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
			string(status), limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, jobSelectColumns+`
			FROM jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: scan: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return st, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return st, fmt.Errorf("stats: scan: %w", err)
		}
		st.Total += count
		switch model.Status(status) {
		case model.StatusPending:
			st.Pending = count
		case model.StatusRunning:
			st.Running = count
		case model.StatusCompleted:
			st.Completed = count
		case model.StatusFailed:
			st.Failed = count
		case model.StatusCancelled:
			st.Cancelled = count
		}
	}
	return st, rows.Err()
}

// RecoverOrphans moves every RUNNING job back to PENDING with
// error_kind=interrupted. Called once at startup, before the worker or
// HTTP listener starts, to undo state a crash left behind.
func (s *SQLiteStore) RecoverOrphans(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_kind = ?, progress = 0, started_at = NULL, updated_at = ?
		WHERE status = ?`,
		string(model.StatusPending), string(model.ErrorKindInterrupted), now, string(model.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover orphans: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) ResetToPending(ctx context.Context, id int64, errorKind model.ErrorKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := formatTime(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error_kind = ?, progress = 0, updated_at = ? WHERE id = ?`,
		string(model.StatusPending), string(errorKind), now, id)
	if err != nil {
		return fmt.Errorf("reset to pending: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const jobSelectColumns = `SELECT id, correlation_id, title, source_hint, source_resolved, status,
	progress, retry_count, error_kind, error, output_path, classification, encoder_family,
	created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var status, errorKind, classification, encoderFamily string
	var createdAt, updatedAt string
	var startedAt, completedAt sql.NullString

	err := row.Scan(&job.ID, &job.CorrelationID, &job.Title, &job.SourceHint, &job.SourceResolved,
		&status, &job.Progress, &job.RetryCount, &errorKind, &job.Error, &job.OutputPath,
		&classification, &encoderFamily, &createdAt, &updatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	job.Status = model.Status(status)
	job.ErrorKind = model.ErrorKind(errorKind)
	job.Classification = model.Classification(classification)
	job.EncoderFamily = model.EncoderFamily(encoderFamily)

	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if startedAt.Valid {
		if job.StartedAt, err = parseTime(startedAt.String); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
	}
	if completedAt.Valid {
		if job.CompletedAt, err = parseTime(completedAt.String); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
	}

	return &job, nil
}

const timeLayout = time.RFC3339Nano

// storedTimeLayout keeps all nine fractional digits so that stored
// timestamps sort as text in time order (RFC3339Nano drops trailing zeros).
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
