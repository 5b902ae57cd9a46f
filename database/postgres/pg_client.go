package postgres

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/database"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/util"
)

// Postgres : holds db connection info
type Postgres struct {
	DB     *sql.DB
	Logger log.Logger
}

var _ database.JobStore = (*Postgres)(nil)

// NewPG : creates new postgres connection and tests it
func NewPG(user string, password string, host string, port string, dbName string, logger log.Logger) (*Postgres, error) {
	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, dbName)
	return NewPGFromURI(connStr, logger)
}

func NewPGFromURI(connStr string, logger log.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", connStr)
	if util.LoggerError(logger, err) != nil {
		return nil, err
	}
	err = db.Ping()
	if util.LoggerError(logger, err) != nil {
		return nil, err
	}
	return &Postgres{
		DB:     db,
		Logger: logger,
	}, nil
}

const jobColumns = "job_id, deposit_address, wallet_namespace, fingerprint, content_ref, payment_txid, anchor_txid, status, created_at, updated_at"

func (pg *Postgres) scanJob(row interface {
	Scan(dest ...interface{}) error
}) (types.AnchorJob, error) {
	var job types.AnchorJob
	var contentRef, paymentTxID, anchorTxID sql.NullString
	err := row.Scan(&job.JobID, &job.DepositAddress, &job.WalletNamespace, &job.Fingerprint,
		&contentRef, &paymentTxID, &anchorTxID, &job.Status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return types.AnchorJob{}, err
	}
	job.ContentRef = contentRef.String
	job.PaymentTxID = paymentTxID.String
	job.AnchorTxID = anchorTxID.String
	return job, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// InsertJob : insert a newly issued job row
func (pg *Postgres) InsertJob(job types.AnchorJob) error {
	stmt := "INSERT INTO anchor_jobs (" + jobColumns + ") " +
		"VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);"
	_, err := pg.DB.Exec(stmt, job.JobID, job.DepositAddress, job.WalletNamespace, job.Fingerprint,
		nullable(job.ContentRef), nullable(job.PaymentTxID), nullable(job.AnchorTxID),
		string(job.Status), job.CreatedAt, job.UpdatedAt)
	return util.LoggerError(pg.Logger, err)
}

// GetJob : fetch a job by id
func (pg *Postgres) GetJob(jobID string) (types.AnchorJob, bool, error) {
	stmt := "SELECT " + jobColumns + " FROM anchor_jobs WHERE job_id = $1;"
	job, err := pg.scanJob(pg.DB.QueryRow(stmt, jobID))
	switch err {
	case sql.ErrNoRows:
		return types.AnchorJob{}, false, nil
	case nil:
		return job, true, nil
	default:
		util.LoggerError(pg.Logger, err)
		return types.AnchorJob{}, false, err
	}
}

// GetJobsByStatus : fetch the current polling batch for the monitor
func (pg *Postgres) GetJobsByStatus(status types.JobStatus) ([]types.AnchorJob, error) {
	stmt := "SELECT " + jobColumns + " FROM anchor_jobs WHERE status = $1 ORDER BY created_at;"
	rows, err := pg.DB.Query(stmt, string(status))
	if util.LoggerError(pg.Logger, err) != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := make([]types.AnchorJob, 0)
	for rows.Next() {
		job, err := pg.scanJob(rows)
		if util.LoggerError(pg.Logger, err) != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJobByTxID : find the job whose payment or anchor transaction matches
func (pg *Postgres) GetJobByTxID(txid string) (types.AnchorJob, bool, error) {
	stmt := "SELECT " + jobColumns + " FROM anchor_jobs WHERE anchor_txid = $1 OR payment_txid = $1;"
	job, err := pg.scanJob(pg.DB.QueryRow(stmt, txid))
	switch err {
	case sql.ErrNoRows:
		return types.AnchorJob{}, false, nil
	case nil:
		return job, true, nil
	default:
		util.LoggerError(pg.Logger, err)
		return types.AnchorJob{}, false, err
	}
}

// GetJobByContentRef : find the job holding a content store reference
func (pg *Postgres) GetJobByContentRef(contentRef string) (types.AnchorJob, bool, error) {
	stmt := "SELECT " + jobColumns + " FROM anchor_jobs WHERE content_ref = $1;"
	job, err := pg.scanJob(pg.DB.QueryRow(stmt, contentRef))
	switch err {
	case sql.ErrNoRows:
		return types.AnchorJob{}, false, nil
	case nil:
		return job, true, nil
	default:
		util.LoggerError(pg.Logger, err)
		return types.AnchorJob{}, false, err
	}
}

// CompareAndSetStatus : optimistic status transition. The WHERE clause on the
// expected status makes the update a no-op when another path won the race.
func (pg *Postgres) CompareAndSetStatus(jobID string, expected types.JobStatus, next types.JobStatus, fields database.JobUpdate) (bool, error) {
	stmt := "UPDATE anchor_jobs SET " +
		"status = $3, " +
		"payment_txid = COALESCE($4, payment_txid), " +
		"anchor_txid = COALESCE($5, anchor_txid), " +
		"updated_at = now() " +
		"WHERE job_id = $1 AND status = $2;"
	var paymentTxID, anchorTxID sql.NullString
	if fields.PaymentTxID != nil {
		paymentTxID = nullable(*fields.PaymentTxID)
	}
	if fields.AnchorTxID != nil {
		anchorTxID = nullable(*fields.AnchorTxID)
	}
	res, err := pg.DB.Exec(stmt, jobID, string(expected), string(next), paymentTxID, anchorTxID)
	if util.LoggerError(pg.Logger, err) != nil {
		return false, err
	}
	affect, err := res.RowsAffected()
	if util.LoggerError(pg.Logger, err) != nil {
		return false, err
	}
	return affect > 0, nil
}

// SetContentRef : attach an uploaded content reference to a job
func (pg *Postgres) SetContentRef(jobID string, contentRef string) error {
	stmt := "UPDATE anchor_jobs SET content_ref = $2, updated_at = now() WHERE job_id = $1;"
	res, err := pg.DB.Exec(stmt, jobID, contentRef)
	if util.LoggerError(pg.Logger, err) != nil {
		return err
	}
	affect, err := res.RowsAffected()
	if util.LoggerError(pg.Logger, err) != nil {
		return err
	}
	if affect == 0 {
		return database.ErrJobNotFound
	}
	return nil
}
