package database

import (
	"errors"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
)

// ErrJobNotFound : returned by mutating calls addressed to an unknown job id
var ErrJobNotFound = errors.New("job not found")

// JobUpdate : optional fields applied alongside a status transition
type JobUpdate struct {
	PaymentTxID *string
	AnchorTxID  *string
}

// JobStore : durable table of anchoring jobs. The store is the single source of
// truth for job state; every mutation is a compare-and-set against the job's
// current status so overlapping monitor cycles cannot double-advance a job.
type JobStore interface {
	InsertJob(job types.AnchorJob) error
	GetJob(jobID string) (types.AnchorJob, bool, error)
	GetJobsByStatus(status types.JobStatus) ([]types.AnchorJob, error)
	// GetJobByTxID matches either the payment txid or the anchor txid.
	GetJobByTxID(txid string) (types.AnchorJob, bool, error)
	GetJobByContentRef(contentRef string) (types.AnchorJob, bool, error)
	// CompareAndSetStatus advances jobID from expected to next, applying fields.
	// Returns false with nil error when another path already advanced the job.
	CompareAndSetStatus(jobID string, expected types.JobStatus, next types.JobStatus, fields JobUpdate) (bool, error)
	// SetContentRef attaches uploaded content to a job without touching status.
	SetContentRef(jobID string, contentRef string) error
}
