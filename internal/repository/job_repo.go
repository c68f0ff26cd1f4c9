package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vps-service/internal/queue"
)

const jobColumns = `
	id, queue, idempotency_key, payload, attempts, max_attempts, state, last_error,
	enqueued_at, started_at, next_run_at, finished_at`

// JobRepository persists queue jobs.
type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Insert adds a job. The partial unique index on idempotency_key turns a
// second active job for the same key into a no-op.
func (r *JobRepository) Insert(ctx context.Context, rec queue.Record) (bool, error) {
	query := `
		INSERT INTO jobs (` + jobColumns + `, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (idempotency_key) WHERE state IN ('queued', 'running', 'retrying') DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query,
		rec.ID, rec.Queue, rec.Key, []byte(rec.Payload), rec.Attempts, rec.MaxAttempts, rec.State, rec.LastError,
		rec.EnqueuedAt, rec.StartedAt, rec.NextRunAt, rec.FinishedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Update writes the state columns of a job
func (r *JobRepository) Update(ctx context.Context, rec queue.Record) error {
	query := `
		UPDATE jobs
		SET attempts = $2, max_attempts = $3, state = $4, last_error = $5,
			started_at = $6, next_run_at = $7, finished_at = $8, updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.pool.Exec(ctx, query,
		rec.ID, rec.Attempts, rec.MaxAttempts, rec.State, rec.LastError,
		rec.StartedAt, rec.NextRunAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActive retrieves unfinished jobs, oldest first
func (r *JobRepository) ListActive(ctx context.Context) ([]queue.Record, error) {
	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE state IN ('queued', 'running', 'retrying')
		ORDER BY enqueued_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var recs []queue.Record
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PurgeFinished deletes jobs that finished before the cutoff
func (r *JobRepository) PurgeFinished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (queue.Record, error) {
	var (
		rec     queue.Record
		payload []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Queue, &rec.Key, &payload, &rec.Attempts, &rec.MaxAttempts, &rec.State, &rec.LastError,
		&rec.EnqueuedAt, &rec.StartedAt, &rec.NextRunAt, &rec.FinishedAt,
	)
	if err != nil {
		return queue.Record{}, fmt.Errorf("scan job: %w", err)
	}
	rec.Payload = payload
	return rec, nil
}
