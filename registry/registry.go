package registry

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/anchor"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/contentstore"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/database"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/notifier"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/threadsafe_ulid"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/util"
)

var (
	// ErrJobNotFound : no job matches the given id or reference
	ErrJobNotFound = errors.New("job not found")
	// ErrUnsupportedFileType : uploaded file extension is outside the allow-list
	ErrUnsupportedFileType = errors.New("unsupported file type")
	// ErrNotAnchored : lookup reference resolves to a transaction with no anchor output
	ErrNotAnchored = errors.New("transaction carries no anchor")
)

// allowedExtensions : file types accepted for content upload alongside a fingerprint
var allowedExtensions = []string{"txt", "pdf", "doc", "docx", "jpg", "jpeg", "png", "gif", "mp3", "wav", "aac", "ogg"}

// Ledger : ledger calls the registry needs to issue deposits and decode anchors
type Ledger interface {
	EnsureWallet(name string) error
	GetNewAddress(namespace string) (string, error)
	GetRawTransaction(txid string) (*btcjson.TxRawResult, error)
}

// Registry : front door of the anchoring service. Issues deposit addresses,
// answers status and lookup queries, and stages uploaded content. The monitor,
// not the registry, advances jobs.
type Registry struct {
	ledger   Ledger
	store    database.JobStore
	notifier *notifier.Notifier
	content  *contentstore.Store
	ulid     *threadsafe_ulid.ThreadSafeUlid
	config   types.AnchorConfig
	logger   log.Logger
}

func NewRegistry(ledgerClient Ledger, store database.JobStore, eventBus *notifier.Notifier,
	content *contentstore.Store, config types.AnchorConfig, logger log.Logger) *Registry {
	return &Registry{
		ledger:   ledgerClient,
		store:    store,
		notifier: eventBus,
		content:  content,
		ulid:     threadsafe_ulid.NewThreadSafeUlid(),
		config:   config,
		logger:   logger,
	}
}

// IssueDeposit : validate a fingerprint and mint a pending job with a dedicated
// deposit address. contentRef optionally links the job to an already-stored
// file. Nothing is persisted until every ledger call has succeeded, so a failed
// issuance leaves no record behind.
func (r *Registry) IssueDeposit(fingerprintHex string, contentRef string) (types.AnchorJob, error) {
	fingerprintHex = strings.ToLower(strings.TrimSpace(fingerprintHex))
	if _, err := util.DecodeFingerprint(fingerprintHex); err != nil {
		return types.AnchorJob{}, err
	}
	jobID, err := r.ulid.NewJobID()
	if util.LoggerError(r.logger, err) != nil {
		return types.AnchorJob{}, err
	}
	namespace := r.config.PlatformWallet
	if r.config.IsolateWallets {
		namespace = fmt.Sprintf("job-%s", strings.ToLower(jobID))
	}
	if err := r.ledger.EnsureWallet(namespace); util.LoggerError(r.logger, err) != nil {
		return types.AnchorJob{}, err
	}
	address, err := r.ledger.GetNewAddress(namespace)
	if util.LoggerError(r.logger, err) != nil {
		return types.AnchorJob{}, err
	}
	now := time.Now()
	job := types.AnchorJob{
		JobID:           jobID,
		DepositAddress:  address,
		WalletNamespace: namespace,
		Fingerprint:     fingerprintHex,
		ContentRef:      contentRef,
		Status:          types.JobStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.InsertJob(job); util.LoggerError(r.logger, err) != nil {
		return types.AnchorJob{}, err
	}
	r.logger.Info(fmt.Sprintf("Issued deposit address %s for job %s (namespace %s)", address, jobID, namespace))
	return job, nil
}

// GetJob : current state of a job
func (r *Registry) GetJob(jobID string) (types.AnchorJob, error) {
	job, found, err := r.store.GetJob(jobID)
	if util.LoggerError(r.logger, err) != nil {
		return types.AnchorJob{}, err
	}
	if !found {
		return types.AnchorJob{}, ErrJobNotFound
	}
	return job, nil
}

// Lookup : resolve a reference back to its anchored fingerprint. A 64-hex
// reference is tried as a txid first and falls back to decoding the
// transaction straight off the ledger when the store has no matching job;
// content store references are sha256 hex, so they share that shape and get a
// content-ref lookup when the txid path comes up empty. Anything else is
// treated as a content store reference outright.
func (r *Registry) Lookup(ctx context.Context, ref string) (types.LookupResult, error) {
	ref = strings.TrimSpace(ref)
	if util.IsTxID(ref) {
		return r.lookupTxID(ctx, strings.ToLower(ref))
	}
	return r.lookupContentRef(ctx, ref)
}

func (r *Registry) lookupContentRef(ctx context.Context, ref string) (types.LookupResult, error) {
	job, found, err := r.store.GetJobByContentRef(ref)
	if util.LoggerError(r.logger, err) != nil {
		return types.LookupResult{}, err
	}
	if !found {
		return types.LookupResult{}, ErrJobNotFound
	}
	return r.resultFromJob(ctx, job), nil
}

func (r *Registry) lookupTxID(ctx context.Context, txid string) (types.LookupResult, error) {
	job, found, err := r.store.GetJobByTxID(txid)
	if util.LoggerError(r.logger, err) != nil {
		return types.LookupResult{}, err
	}
	if found {
		return r.resultFromJob(ctx, job), nil
	}
	// Anchors placed by other parties are still readable straight off the chain.
	tx, err := r.ledger.GetRawTransaction(txid)
	if err != nil {
		return r.lookupContentRef(ctx, txid)
	}
	fingerprint, err := anchor.ExtractFingerprint(tx)
	if err != nil {
		return types.LookupResult{}, ErrNotAnchored
	}
	return types.LookupResult{
		Fingerprint: fingerprint,
		AnchorTxID:  txid,
	}, nil
}

func (r *Registry) resultFromJob(ctx context.Context, job types.AnchorJob) types.LookupResult {
	result := types.LookupResult{
		JobID:       job.JobID,
		Fingerprint: job.Fingerprint,
		ContentRef:  job.ContentRef,
		AnchorTxID:  job.AnchorTxID,
	}
	if r.content != nil && job.ContentRef != "" {
		url, err := r.content.URL(ctx, job.ContentRef)
		if util.LoggerError(r.logger, err) == nil {
			result.DownloadURL = url
		}
	}
	return result
}

// UploadContent : stage the original file behind a job's fingerprint in the
// content store. The anchor only ever carries the fingerprint; the file itself
// stays off-chain.
func (r *Registry) UploadContent(ctx context.Context, jobID string, filename string, data []byte) (string, error) {
	if r.content == nil {
		return "", errors.New("content store not configured")
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if !util.ArrayContains(allowedExtensions, ext) {
		return "", fmt.Errorf("%w: .%s", ErrUnsupportedFileType, ext)
	}
	job, found, err := r.store.GetJob(jobID)
	if util.LoggerError(r.logger, err) != nil {
		return "", err
	}
	if !found {
		return "", ErrJobNotFound
	}
	contentType := mime.TypeByExtension("." + ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	contentRef, err := r.content.Put(ctx, data, contentType)
	if util.LoggerError(r.logger, err) != nil {
		return "", err
	}
	if err := r.store.SetContentRef(job.JobID, contentRef); util.LoggerError(r.logger, err) != nil {
		return "", err
	}
	r.logger.Info(fmt.Sprintf("Stored content %s for job %s", contentRef, job.JobID))
	return contentRef, nil
}

// Subscribe : stream of events for one job; callers must run cancel when done
func (r *Registry) Subscribe(jobID string) (<-chan types.JobEvent, func()) {
	return r.notifier.Subscribe(jobID)
}
