// Package postgres provides the Postgres-backed job record store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/media-fetcher/internal/download"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

type pool interface {
	querier
	Ping(context.Context) error
	Close()
}

// JobStore persists jobs in the download_jobs table. Every mutation is a
// single conditional UPDATE keyed on the id and the expected status.
type JobStore struct {
	writer
	pool    pool
	acquire func(context.Context) (querier, func(), error)
}

// NewJobStore connects a pgxpool using cfg.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{
		writer: writer{q: p},
		pool:   p,
		acquire: func(ctx context.Context) (querier, func(), error) {
			conn, err := p.Acquire(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("acquire connection: %w", err)
			}
			return conn, conn.Release, nil
		},
	}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
// Sessions share the pool instead of pinning a connection.
func NewJobStoreWithPool(p pool) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{
		writer: writer{q: p},
		pool:   p,
		acquire: func(context.Context) (querier, func(), error) {
			return p, func() {}, nil
		},
	}, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *JobStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *JobStore) Close() error {
	s.pool.Close()
	return nil
}

// Acquire pins one connection for the writes of a single execution.
func (s *JobStore) Acquire(ctx context.Context) (download.Session, error) {
	q, release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &session{writer: writer{q: q}, release: release}, nil
}

const insertJobQuery = `
	INSERT INTO download_jobs (id, source_url, status, progress, execution_handle, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7);
`

// Create inserts a new job row.
func (s *JobStore) Create(ctx context.Context, job download.Job) error {
	_, err := s.pool.Exec(ctx, insertJobQuery,
		job.ID,
		job.SourceURL,
		job.Status.String(),
		job.Progress,
		nullString(string(job.Handle)),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return download.ErrAlreadyExists
		}
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, source_url, status, progress, filename, file_path, file_size, checksum,
	error_message, execution_handle, created_at, updated_at`

// Get loads a single job.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (download.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM download_jobs WHERE id = $1;`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return download.Job{}, download.ErrNotFound
		}
		return download.Job{}, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// List returns jobs ordered newest first.
func (s *JobStore) List(ctx context.Context, limit, offset int) ([]download.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM download_jobs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2;`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return collectJobs(rows)
}

// ListByStatus returns all jobs in status, newest first.
func (s *JobStore) ListByStatus(ctx context.Context, status download.Status) ([]download.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM download_jobs WHERE status = $1 ORDER BY created_at DESC, id DESC;`,
		status.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	return collectJobs(rows)
}

type writer struct {
	q querier
}

const transitionQuery = `
	UPDATE download_jobs
	SET status = $3,
		progress = COALESCE($4, progress),
		filename = COALESCE($5, filename),
		file_path = COALESCE($6, file_path),
		file_size = COALESCE($7, file_size),
		checksum = COALESCE($8, checksum),
		error_message = COALESCE($9, error_message),
		execution_handle = CASE WHEN $10::boolean THEN NULL ELSE execution_handle END,
		updated_at = $11
	WHERE id = $1 AND status = ANY($2)
	RETURNING ` + jobColumns + `;
`

// Transition applies t as one conditional update.
func (w writer) Transition(ctx context.Context, id uuid.UUID, t download.Transition) (download.Job, error) {
	from := make([]string, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, s.String())
	}
	var filename, path, checksum *string
	var size *int64
	if t.Output != nil {
		filename = &t.Output.Filename
		path = &t.Output.Path
		size = &t.Output.Size
		checksum = nullString(t.Output.Checksum)
	}
	row := w.q.QueryRow(ctx, transitionQuery,
		id,
		from,
		t.To.String(),
		t.Progress,
		filename,
		path,
		size,
		checksum,
		nullString(t.Error),
		t.ClearHandle,
		t.At,
	)
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return download.Job{}, fmt.Errorf("failed to apply %s transition: %w", t.Event, err)
	}
	current, err := w.currentStatus(ctx, id)
	if err != nil {
		return download.Job{}, err
	}
	return download.Job{}, &download.StaleStatusError{ID: id, Current: current, Event: t.Event}
}

const advanceProgressQuery = `
	UPDATE download_jobs
	SET progress = $2, updated_at = $3
	WHERE id = $1 AND status = 'in_progress' AND progress < $2;
`

// AdvanceProgress raises progress on a running job.
func (w writer) AdvanceProgress(ctx context.Context, id uuid.UUID, pct float64, at time.Time) (bool, error) {
	tag, err := w.q.Exec(ctx, advanceProgressQuery, id, pct, at)
	if err != nil {
		return false, fmt.Errorf("failed to advance progress: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := w.currentStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

const attachHandleQuery = `
	UPDATE download_jobs
	SET execution_handle = $2, updated_at = $3
	WHERE id = $1 AND status IN ('queued', 'in_progress');
`

// AttachHandle stores the execution handle of a live job.
func (w writer) AttachHandle(ctx context.Context, id uuid.UUID, handle download.Handle, at time.Time) (bool, error) {
	tag, err := w.q.Exec(ctx, attachHandleQuery, id, string(handle), at)
	if err != nil {
		return false, fmt.Errorf("failed to attach handle: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	if _, err := w.currentStatus(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (w writer) currentStatus(ctx context.Context, id uuid.UUID) (download.Status, error) {
	var raw string
	err := w.q.QueryRow(ctx, `SELECT status FROM download_jobs WHERE id = $1;`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, download.ErrNotFound
		}
		return 0, fmt.Errorf("failed to read job status: %w", err)
	}
	status, err := download.ParseStatus(raw)
	if err != nil {
		return 0, fmt.Errorf("failed to read job status: %w", err)
	}
	return status, nil
}

type session struct {
	writer
	release func()
	once    sync.Once
}

func (s *session) Release() {
	s.once.Do(s.release)
}

func collectJobs(rows pgx.Rows) ([]download.Job, error) {
	defer rows.Close()
	jobs := make([]download.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (download.Job, error) {
	var (
		job                               download.Job
		status                            string
		filename, path, checksum, errText *string
		handle                            *string
		size                              *int64
	)
	if err := row.Scan(
		&job.ID,
		&job.SourceURL,
		&status,
		&job.Progress,
		&filename,
		&path,
		&size,
		&checksum,
		&errText,
		&handle,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return download.Job{}, err
	}
	parsed, err := download.ParseStatus(status)
	if err != nil {
		return download.Job{}, err
	}
	job.Status = parsed
	if filename != nil || path != nil {
		job.Output = &download.Output{
			Filename: deref(filename),
			Path:     deref(path),
			Checksum: deref(checksum),
		}
		if size != nil {
			job.Output.Size = *size
		}
	}
	job.Error = deref(errText)
	job.Handle = download.Handle(deref(handle))
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func nullString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
