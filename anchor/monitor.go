package anchor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/database"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/notifier"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
)

// Monitor : polls the ledger for deposit payments and drives confirmed jobs
// through the anchor broadcast. All status transitions go through the store's
// compare-and-set so concurrent cycles and API writers cannot double-spend a
// transition.
type Monitor struct {
	engine   *Engine
	store    database.JobStore
	notifier *notifier.Notifier
	config   types.AnchorConfig
	logger   log.Logger
	interval time.Duration

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	inflight map[string]bool
}

func NewMonitor(engine *Engine, store database.JobStore, eventBus *notifier.Notifier, config types.AnchorConfig, logger log.Logger) *Monitor {
	interval := time.Duration(config.MonitorInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		engine:   engine,
		store:    store,
		notifier: eventBus,
		config:   config,
		logger:   logger,
		interval: interval,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		inflight: make(map[string]bool),
	}
}

// Start : begin polling in the background until Stop
func (m *Monitor) Start() {
	go func() {
		defer close(m.done)
		for {
			select {
			case <-m.quit:
				return
			case <-time.After(m.interval):
				m.ProcessCycle()
			}
		}
	}()
}

// Stop : halt polling and wait for an in-progress cycle to finish
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
	})
	<-m.done
}

// ProcessCycle : one full poll pass. Pending jobs are checked for deposit
// payments; confirmed jobs (including those left behind by a crash) are
// anchored. Per-job errors are logged and never abort the cycle.
func (m *Monitor) ProcessCycle() {
	pending, err := m.store.GetJobsByStatus(types.JobStatusPending)
	if m.engine.LogError(err) == nil {
		for _, job := range pending {
			m.engine.LogError(m.processPending(job))
		}
	}
	confirmed, err := m.store.GetJobsByStatus(types.JobStatusConfirmed)
	if m.engine.LogError(err) == nil {
		for _, job := range confirmed {
			m.engine.LogError(m.processConfirmed(job))
		}
	}
}

// processPending : look for a sufficiently confirmed payment to the job's
// deposit address and move the job to confirmed
func (m *Monitor) processPending(job types.AnchorJob) error {
	utxos, err := m.engine.ledger.ListUnspent(job.WalletNamespace, m.config.MinConfs, []string{job.DepositAddress})
	if err != nil {
		return err
	}
	if len(utxos) == 0 {
		return nil
	}
	paymentTxID := utxos[0].TxID
	swapped, err := m.store.CompareAndSetStatus(job.JobID, types.JobStatusPending, types.JobStatusConfirmed,
		database.JobUpdate{PaymentTxID: &paymentTxID})
	if err != nil {
		return err
	}
	if !swapped {
		// another cycle got there first
		return nil
	}
	m.logger.Info(fmt.Sprintf("Job %s: payment %s confirmed at address %s", job.JobID, paymentTxID, job.DepositAddress))
	m.notifier.Publish(types.JobEvent{
		Type:        types.EventPaymentConfirmed,
		JobID:       job.JobID,
		PaymentTxID: paymentTxID,
	})
	job.Status = types.JobStatusConfirmed
	job.PaymentTxID = paymentTxID
	return m.processConfirmed(job)
}

// processConfirmed : anchor a confirmed job exactly once. A per-process claim
// keeps overlapping cycles off the same job; the reconciliation scan keeps a
// restarted process from rebroadcasting an anchor that already left.
func (m *Monitor) processConfirmed(job types.AnchorJob) error {
	if !m.claim(job.JobID) {
		return nil
	}
	defer m.release(job.JobID)

	current, found, err := m.store.GetJob(job.JobID)
	if err != nil {
		return err
	}
	if !found || current.Status != types.JobStatusConfirmed {
		return nil
	}
	job = current

	if txid, ok := m.engine.FindExistingAnchor(job); ok {
		m.logger.Info(fmt.Sprintf("Job %s: found existing anchor %s during reconciliation", job.JobID, txid))
		return m.finalize(job, txid)
	}

	txid, err := m.engine.BuildAnchor(job)
	if err != nil {
		if isTerminal(err) {
			m.fail(job, err)
			return nil
		}
		// transient, retried next cycle
		return err
	}
	return m.finalize(job, txid)
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrNoSpendableOutput) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrSignFailure) ||
		errors.Is(err, ErrBroadcastFailure)
}

func (m *Monitor) finalize(job types.AnchorJob, anchorTxID string) error {
	swapped, err := m.store.CompareAndSetStatus(job.JobID, types.JobStatusConfirmed, types.JobStatusAnchored,
		database.JobUpdate{AnchorTxID: &anchorTxID})
	if err != nil {
		return err
	}
	if swapped {
		m.engine.RemoveBroadcastRecord(job.JobID)
		m.notifier.Publish(types.JobEvent{
			Type:        types.EventAnchorCreated,
			JobID:       job.JobID,
			PaymentTxID: job.PaymentTxID,
			AnchorTxID:  anchorTxID,
		})
		m.logger.Info(fmt.Sprintf("Job %s: anchored by tx %s", job.JobID, anchorTxID))
	}
	return nil
}

func (m *Monitor) fail(job types.AnchorJob, cause error) {
	m.logger.Error(fmt.Sprintf("Job %s: anchoring failed permanently: %s", job.JobID, cause.Error()))
	swapped, err := m.store.CompareAndSetStatus(job.JobID, types.JobStatusConfirmed, types.JobStatusFailed, database.JobUpdate{})
	if m.engine.LogError(err) != nil || !swapped {
		return
	}
	m.notifier.Publish(types.JobEvent{
		Type:        types.EventAnchorFailed,
		JobID:       job.JobID,
		PaymentTxID: job.PaymentTxID,
		Error:       cause.Error(),
	})
}

func (m *Monitor) claim(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight[jobID] {
		return false
	}
	m.inflight[jobID] = true
	return true
}

func (m *Monitor) release(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, jobID)
}
