package postgres

var anchorJobsSchema = `
--
-- Name: anchor_jobs; Type: TABLE; Schema: public
--

CREATE TABLE IF NOT EXISTS anchor_jobs (
    job_id character varying(64) NOT NULL PRIMARY KEY,
    deposit_address character varying(128) NOT NULL UNIQUE,
    wallet_namespace character varying(128) NOT NULL,
    fingerprint character varying(160) NOT NULL,
    content_ref character varying(255),
    payment_txid character varying(64),
    anchor_txid character varying(64),
    status character varying(16) NOT NULL,
    created_at timestamp with time zone NOT NULL,
    updated_at timestamp with time zone NOT NULL
);
`

var anchorJobsIndexes = `
CREATE INDEX IF NOT EXISTS anchor_jobs_status_idx ON anchor_jobs (status);
CREATE INDEX IF NOT EXISTS anchor_jobs_anchor_txid_idx ON anchor_jobs (anchor_txid);
CREATE INDEX IF NOT EXISTS anchor_jobs_payment_txid_idx ON anchor_jobs (payment_txid);
CREATE INDEX IF NOT EXISTS anchor_jobs_content_ref_idx ON anchor_jobs (content_ref);
`

// CreateSchema : bootstrap the anchor_jobs table and its indexes
func (pg *Postgres) CreateSchema() error {
	if _, err := pg.DB.Exec(anchorJobsSchema); err != nil {
		return err
	}
	_, err := pg.DB.Exec(anchorJobsIndexes)
	return err
}
