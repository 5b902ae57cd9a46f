package database

import (
	"sync"
	"time"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
)

// MemoryStore : JobStore kept entirely in memory. Used by tests and by
// standalone demo runs without a postgres instance.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]types.AnchorJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]types.AnchorJob)}
}

func (m *MemoryStore) InsertJob(job types.AnchorJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.JobID] = job
	return nil
}

func (m *MemoryStore) GetJob(jobID string) (types.AnchorJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	return job, ok, nil
}

func (m *MemoryStore) GetJobsByStatus(status types.JobStatus) ([]types.AnchorJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]types.AnchorJob, 0)
	for _, job := range m.jobs {
		if job.Status == status {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (m *MemoryStore) GetJobByTxID(txid string) (types.AnchorJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.AnchorTxID == txid || job.PaymentTxID == txid {
			return job, true, nil
		}
	}
	return types.AnchorJob{}, false, nil
}

func (m *MemoryStore) GetJobByContentRef(contentRef string) (types.AnchorJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ContentRef == contentRef && job.ContentRef != "" {
			return job, true, nil
		}
	}
	return types.AnchorJob{}, false, nil
}

func (m *MemoryStore) CompareAndSetStatus(jobID string, expected types.JobStatus, next types.JobStatus, fields JobUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.Status != expected {
		return false, nil
	}
	job.Status = next
	if fields.PaymentTxID != nil {
		job.PaymentTxID = *fields.PaymentTxID
	}
	if fields.AnchorTxID != nil {
		job.AnchorTxID = *fields.AnchorTxID
	}
	job.UpdatedAt = time.Now()
	m.jobs[jobID] = job
	return true, nil
}

func (m *MemoryStore) SetContentRef(jobID string, contentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	job.ContentRef = contentRef
	job.UpdatedAt = time.Now()
	m.jobs[jobID] = job
	return nil
}
