// Package sqlite provides a single-file job record store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

//go:embed schema.sql
var schema string

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// JobStore implements download.Store on SQLite. Timestamps are stored as
// Unix nanoseconds so ordering by created_at is exact.
type JobStore struct {
	writer
	db *sql.DB
}

// New opens (creating if needed) the database at path and applies the schema.
func New(ctx context.Context, path string) (*JobStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database.sqlite_path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &JobStore{writer: writer{q: db}, db: db}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *JobStore) Close() error {
	return s.db.Close()
}

// Acquire pins a dedicated connection for one execution's writes.
func (s *JobStore) Acquire(ctx context.Context) (download.Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	return &session{writer: writer{q: conn}, conn: conn}, nil
}

// Create inserts a new job.
func (s *JobStore) Create(ctx context.Context, job download.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO download_jobs (id, source_url, status, progress, execution_handle, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.SourceURL, job.Status.String(), job.Progress,
		nullString(string(job.Handle)), job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano(),
	)
	if err != nil {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return download.ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, source_url, status, progress, filename, file_path, file_size, checksum,
	error_message, execution_handle, created_at, updated_at`

// Get retrieves a job by ID.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (download.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE id = ?`, id.String())
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return download.Job{}, download.ErrNotFound
	}
	if err != nil {
		return download.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns jobs newest first.
func (s *JobStore) List(ctx context.Context, limit, offset int) ([]download.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM download_jobs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListByStatus returns every job in status, newest first.
func (s *JobStore) ListByStatus(ctx context.Context, status download.Status) ([]download.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM download_jobs WHERE status = ? ORDER BY created_at DESC, id DESC`,
		status.String())
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

type writer struct {
	q execQuerier
}

// Transition applies t as one conditional UPDATE ... RETURNING.
func (w writer) Transition(ctx context.Context, id uuid.UUID, t download.Transition) (download.Job, error) {
	placeholders := make([]string, len(t.From))
	args := []any{t.To.String(), t.Progress}
	var filename, path, checksum *string
	var size *int64
	if t.Output != nil {
		filename, path, size = &t.Output.Filename, &t.Output.Path, &t.Output.Size
		checksum = nullString(t.Output.Checksum)
	}
	args = append(args, filename, path, size, checksum, nullString(t.Error), t.ClearHandle, t.At.UnixNano(), id.String())
	for i, s := range t.From {
		placeholders[i] = "?"
		args = append(args, s.String())
	}
	query := `UPDATE download_jobs
		SET status = ?,
			progress = COALESCE(?, progress),
			filename = COALESCE(?, filename),
			file_path = COALESCE(?, file_path),
			file_size = COALESCE(?, file_size),
			checksum = COALESCE(?, checksum),
			error_message = COALESCE(?, error_message),
			execution_handle = CASE WHEN ? THEN NULL ELSE execution_handle END,
			updated_at = ?
		WHERE id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)
		RETURNING ` + jobColumns

	job, err := scanJob(w.q.QueryRowContext(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return download.Job{}, fmt.Errorf("apply %s transition: %w", t.Event, err)
	}
	current, err := w.currentStatus(ctx, id)
	if err != nil {
		return download.Job{}, err
	}
	return download.Job{}, &download.StaleStatusError{ID: id, Current: current, Event: t.Event}
}

// AdvanceProgress raises progress while the job is running.
func (w writer) AdvanceProgress(ctx context.Context, id uuid.UUID, pct float64, at time.Time) (bool, error) {
	res, err := w.q.ExecContext(ctx,
		`UPDATE download_jobs SET progress = ?, updated_at = ?
		 WHERE id = ? AND status = 'in_progress' AND progress < ?`,
		pct, at.UnixNano(), id.String(), pct)
	if err != nil {
		return false, fmt.Errorf("advance progress: %w", err)
	}
	return w.affected(ctx, id, res)
}

// AttachHandle stores the execution handle of a live job.
func (w writer) AttachHandle(ctx context.Context, id uuid.UUID, handle download.Handle, at time.Time) (bool, error) {
	res, err := w.q.ExecContext(ctx,
		`UPDATE download_jobs SET execution_handle = ?, updated_at = ?
		 WHERE id = ? AND status IN ('queued', 'in_progress')`,
		string(handle), at.UnixNano(), id.String())
	if err != nil {
		return false, fmt.Errorf("attach handle: %w", err)
	}
	return w.affected(ctx, id, res)
}

func (w writer) affected(ctx context.Context, id uuid.UUID, res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	if _, err := w.currentStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (w writer) currentStatus(ctx context.Context, id uuid.UUID) (download.Status, error) {
	var raw string
	err := w.q.QueryRowContext(ctx, `SELECT status FROM download_jobs WHERE id = ?`, id.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, download.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read job status: %w", err)
	}
	return download.ParseStatus(raw)
}

type session struct {
	writer
	conn *sql.Conn
	once sync.Once
}

func (s *session) Release() {
	s.once.Do(func() {
		_ = s.conn.Close()
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func collectJobs(rows *sql.Rows) ([]download.Job, error) {
	defer rows.Close()
	jobs := make([]download.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row scanner) (download.Job, error) {
	var (
		job                                       download.Job
		id, status                                string
		filename, path, checksum, errText, handle sql.NullString
		size                                      sql.NullInt64
		created, updated                          int64
	)
	if err := row.Scan(&id, &job.SourceURL, &status, &job.Progress, &filename, &path, &size, &checksum,
		&errText, &handle, &created, &updated); err != nil {
		return download.Job{}, err
	}
	parsedID, err := uuid.Parse(id)
	if err != nil {
		return download.Job{}, fmt.Errorf("parse job id: %w", err)
	}
	parsedStatus, err := download.ParseStatus(status)
	if err != nil {
		return download.Job{}, err
	}
	job.ID = parsedID
	job.Status = parsedStatus
	if filename.Valid || path.Valid {
		job.Output = &download.Output{
			Filename: filename.String,
			Path:     path.String,
			Size:     size.Int64,
			Checksum: checksum.String,
		}
	}
	job.Error = errText.String
	job.Handle = download.Handle(handle.String)
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()
	return job, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
