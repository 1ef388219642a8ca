// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitepulse/indexd/internal/indexing"
)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// NewPool builds a pgx pool from config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// JobStore persists job rows and transition audit rows in Postgres.
type JobStore struct {
	pool pgxPool
}

// NewJobStore constructs a JobStore from an existing pool.
func NewJobStore(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, site_id, url, provider, state, attempts, created_at, scheduled_at, started_at, completed_at, last_error, result`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job indexing.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	lastErr, result, err := marshalJobPayloads(job)
	if err != nil {
		return err
	}
	query := `
INSERT INTO jobs (` + jobColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`
	args := []any{
		job.ID, job.SiteID, job.URL, job.Provider, job.State, job.Attempts,
		job.CreatedAt, job.ScheduledAt, job.StartedAt, job.CompletedAt, lastErr, result,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob replaces the mutable columns of a job row.
func (s *JobStore) UpdateJob(ctx context.Context, job indexing.Job) error {
	lastErr, result, err := marshalJobPayloads(job)
	if err != nil {
		return err
	}
	query := `
UPDATE jobs SET
	state = $2,
	attempts = $3,
	scheduled_at = $4,
	started_at = $5,
	completed_at = $6,
	last_error = $7,
	result = $8
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query,
		job.ID, job.State, job.Attempts,
		job.ScheduledAt, job.StartedAt, job.CompletedAt, lastErr, result,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return indexing.ErrNotFound
	}
	return nil
}

// GetJob fetches a job row by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (indexing.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	return scanJob(s.pool.QueryRow(ctx, query, jobID))
}

// GetJobByKey fetches the newest job row for a dedup key.
func (s *JobStore) GetJobByKey(ctx context.Context, key indexing.DedupKey) (indexing.Job, error) {
	query := `
SELECT ` + jobColumns + ` FROM jobs
WHERE site_id = $1 AND url = $2 AND provider = $3
ORDER BY created_at DESC
LIMIT 1`
	return scanJob(s.pool.QueryRow(ctx, query, key.SiteID, key.URL, key.Provider))
}

// ListJobs returns job rows for a site, newest first, narrowed by filter.
func (s *JobStore) ListJobs(ctx context.Context, siteID string, filter indexing.JobFilter) ([]indexing.Job, error) {
	clauses := []string{"site_id = $1"}
	args := []any{siteID}
	if filter.Provider != "" {
		args = append(args, filter.Provider)
		clauses = append(clauses, fmt.Sprintf("provider = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		states := make([]string, 0, len(filter.States))
		for _, st := range filter.States {
			states = append(states, string(st))
		}
		args = append(args, states)
		clauses = append(clauses, fmt.Sprintf("state = ANY($%d)", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		jobColumns, strings.Join(clauses, " AND "), len(args))
	return s.queryJobs(ctx, query, args...)
}

// ListActiveJobs returns every non-terminal job row, oldest first. Used to
// rebuild dispatch queues after a restart.
func (s *JobStore) ListActiveJobs(ctx context.Context) ([]indexing.Job, error) {
	query := `
SELECT ` + jobColumns + ` FROM jobs
WHERE state IN ('PENDING', 'IN_PROGRESS', 'RETRY_SCHEDULED')
ORDER BY created_at ASC`
	return s.queryJobs(ctx, query)
}

// AppendTransition inserts one audit-trail row.
func (s *JobStore) AppendTransition(ctx context.Context, tr indexing.Transition) error {
	var errJSON []byte
	if tr.Err != nil {
		data, err := json.Marshal(tr.Err)
		if err != nil {
			return fmt.Errorf("marshal transition error: %w", err)
		}
		errJSON = data
	}
	query := `
INSERT INTO job_transitions (job_id, site_id, provider, from_state, to_state, at, error)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := s.pool.Exec(ctx, query, tr.JobID, tr.SiteID, tr.Provider, tr.From, tr.To, tr.At, errJSON); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// ListTransitions returns a job's audit-trail rows in chronological order.
func (s *JobStore) ListTransitions(ctx context.Context, jobID string) ([]indexing.Transition, error) {
	query := `
SELECT job_id, site_id, provider, from_state, to_state, at, error
FROM job_transitions
WHERE job_id = $1
ORDER BY at ASC`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var trs []indexing.Transition
	for rows.Next() {
		var tr indexing.Transition
		var errJSON []byte
		if err := rows.Scan(&tr.JobID, &tr.SiteID, &tr.Provider, &tr.From, &tr.To, &tr.At, &errJSON); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if len(errJSON) > 0 {
			var rec indexing.ErrorRecord
			if err := json.Unmarshal(errJSON, &rec); err != nil {
				return nil, fmt.Errorf("decode transition error: %w", err)
			}
			tr.Err = &rec
		}
		trs = append(trs, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return trs, nil
}

func (s *JobStore) queryJobs(ctx context.Context, query string, args ...any) ([]indexing.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []indexing.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (indexing.Job, error) {
	var job indexing.Job
	var lastErr, result []byte
	err := row.Scan(
		&job.ID, &job.SiteID, &job.URL, &job.Provider, &job.State, &job.Attempts,
		&job.CreatedAt, &job.ScheduledAt, &job.StartedAt, &job.CompletedAt, &lastErr, &result,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return indexing.Job{}, indexing.ErrNotFound
		}
		return indexing.Job{}, fmt.Errorf("scan job: %w", err)
	}
	if len(lastErr) > 0 {
		var rec indexing.ErrorRecord
		if err := json.Unmarshal(lastErr, &rec); err != nil {
			return indexing.Job{}, fmt.Errorf("decode last_error: %w", err)
		}
		job.LastError = &rec
	}
	if len(result) > 0 {
		var receipt indexing.SubmitReceipt
		if err := json.Unmarshal(result, &receipt); err != nil {
			return indexing.Job{}, fmt.Errorf("decode result: %w", err)
		}
		job.Result = &receipt
	}
	return job, nil
}

func marshalJobPayloads(job indexing.Job) (lastErr, result []byte, err error) {
	if job.LastError != nil {
		lastErr, err = json.Marshal(job.LastError)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal last_error: %w", err)
		}
	}
	if job.Result != nil {
		result, err = json.Marshal(job.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal result: %w", err)
		}
	}
	return lastErr, result, nil
}
