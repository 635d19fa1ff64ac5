package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/ledger-engine/internal/jobs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobStore persists job state on postgres so job history survives worker
// restarts.
type JobStore struct {
	pool *pgxpool.Pool
}

var _ jobs.JobStore = (*JobStore)(nil)

func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

func (s *JobStore) SaveJob(ctx context.Context, job *jobs.ProcessEventJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	doc, err := marshalDoc(job)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, status, created_at, doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, doc = EXCLUDED.doc`,
		job.JobID, job.Status, job.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *JobStore) GetJob(ctx context.Context, jobID string) (*jobs.ProcessEventJob, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx, `SELECT doc FROM jobs WHERE id = $1`, jobID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	var job jobs.ProcessEventJob
	if err := unmarshalDoc(doc, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *JobStore) ListJobs(ctx context.Context, status jobs.JobStatus) ([]*jobs.ProcessEventJob, error) {
	query := `SELECT doc FROM jobs WHERE 1=1`
	var args []interface{}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*jobs.ProcessEventJob
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		var job jobs.ProcessEventJob
		if err := unmarshalDoc(doc, &job); err != nil {
			return nil, err
		}
		out = append(out, &job)
	}
	return out, rows.Err()
}

func (s *JobStore) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    doc = jsonb_set(jsonb_set(doc, '{status}', to_jsonb($2::text)), '{error}', to_jsonb($3::text))
		WHERE id = $1`,
		jobID, status, errMsg)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job not found: %s", jobID)
	}
	return nil
}
