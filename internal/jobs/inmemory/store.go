package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/dvloznov/ledger-engine/internal/jobs"
)

// Store keeps job records in memory. Data is lost on restart; the postgres
// store covers persistence.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.ProcessEventJob
}

var _ jobs.JobStore = (*Store)(nil)

func NewStore() *Store {
	return &Store{jobs: make(map[string]*jobs.ProcessEventJob)}
}

func (s *Store) SaveJob(ctx context.Context, job *jobs.ProcessEventJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.JobID] = &cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.ProcessEventJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	cp := *job
	return &cp, nil
}

func (s *Store) ListJobs(ctx context.Context, status jobs.JobStatus) ([]*jobs.ProcessEventJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*jobs.ProcessEventJob
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		cp := *job
		result = append(result, &cp)
	}
	return result, nil
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	job.Status = status
	if errMsg != "" {
		job.Error = errMsg
	}
	return nil
}
