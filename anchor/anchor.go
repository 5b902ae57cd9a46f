package anchor

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/database"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/database/level"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/util"
)

// BROADCAST_ANCHOR_TXS_KEY : cache record of anchors already broadcast, consulted
// before any rebuild so a crash between broadcast and the store update cannot
// produce a duplicate anchor transaction
const BROADCAST_ANCHOR_TXS_KEY = "Anchor_Mon:BroadcastAnchorTxs"

// recentTxScanDepth : how many recent wallet transactions the reconciliation
// pass inspects when the cache has no record
const recentTxScanDepth = 25

var (
	// ErrNoSpendableOutput : the namespace wallet holds no spendable UTXO. Should
	// not happen after a payment was observed; treated as a consistency failure.
	ErrNoSpendableOutput = errors.New("no spendable output in wallet namespace")
	// ErrInsufficientFunds : the funding UTXO cannot cover the fixed anchoring fee
	ErrInsufficientFunds = errors.New("insufficient funds to cover anchoring fee")
	// ErrSignFailure : the namespace wallet could not fully sign the anchor transaction
	ErrSignFailure = errors.New("anchor transaction signing incomplete")
	// ErrBroadcastFailure : the node rejected the anchor transaction broadcast
	ErrBroadcastFailure = errors.New("anchor transaction broadcast rejected")
	// ErrNoAnchorOutput : the transaction carries no data output
	ErrNoAnchorOutput = errors.New("no anchor output found in transaction")
)

// Ledger : the subset of ledger node calls the anchor engine needs
type Ledger interface {
	ListUnspent(namespace string, minConf int64, addresses []string) ([]btcjson.ListUnspentResult, error)
	GetRawChangeAddress(namespace string) (string, error)
	CreateRawTransaction(inputs []btcjson.TransactionInput, outputs map[string]interface{}) (string, error)
	SignRawTransactionWithWallet(namespace string, rawTxHex string) (*types.SignRawTxResult, error)
	SendRawTransaction(signedHex string) (string, error)
	GetRawTransaction(txid string) (*btcjson.TxRawResult, error)
	ListTransactions(namespace string, count int, skip int) ([]btcjson.ListTransactionsResult, error)
}

// Engine : builds, signs and broadcasts anchor transactions for confirmed jobs
type Engine struct {
	ledger Ledger
	store  database.JobStore
	cache  *level.KVStore
	config types.AnchorConfig
	logger log.Logger
}

func NewEngine(ledgerClient Ledger, store database.JobStore, cache *level.KVStore, config types.AnchorConfig, logger log.Logger) *Engine {
	return &Engine{
		ledger: ledgerClient,
		store:  store,
		cache:  cache,
		config: config,
		logger: logger,
	}
}

func (e *Engine) LogError(err error) error {
	if err != nil {
		e.logger.Error(fmt.Sprintf("Error in %s: %s", util.GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// broadcastRecord : durable note that an anchor tx left this process
type broadcastRecord struct {
	JobID       string `json:"job_id"`
	AnchorTxID  string `json:"anchor_txid"`
	Fingerprint string `json:"fingerprint"`
}

// BuildAnchor : construct and broadcast the anchor transaction for a confirmed
// job. One input (the first spendable UTXO of the job's wallet namespace), two
// outputs: a zero-value OP_RETURN carrying the fingerprint and the change back
// to a fresh address in the same namespace. The fee is a configured constant.
// The first-UTXO selection is deliberate: the funding payment is expected to
// have been sized to fund exactly this anchor.
func (e *Engine) BuildAnchor(job types.AnchorJob) (string, error) {
	utxos, err := e.ledger.ListUnspent(job.WalletNamespace, e.config.MinConfs, nil)
	if e.LogError(err) != nil {
		return "", err
	}
	spendable := make([]btcjson.ListUnspentResult, 0, len(utxos))
	for _, utxo := range utxos {
		if utxo.Spendable {
			spendable = append(spendable, utxo)
		}
	}
	if len(spendable) == 0 {
		return "", ErrNoSpendableOutput
	}
	utxo := spendable[0]

	amount, err := btcutil.NewAmount(utxo.Amount)
	if e.LogError(err) != nil {
		return "", err
	}
	fee := btcutil.Amount(e.config.AnchorFeeSats)
	change := amount - fee
	if change <= 0 {
		return "", fmt.Errorf("%w: utxo %s:%d holds %s, fee is %s", ErrInsufficientFunds, utxo.TxID, utxo.Vout, amount, fee)
	}

	changeAddress, err := e.ledger.GetRawChangeAddress(job.WalletNamespace)
	if e.LogError(err) != nil {
		return "", err
	}
	e.logger.Info(fmt.Sprintf("Anchoring fingerprint %s for job %s: utxo %s:%d, change %s to %s",
		job.Fingerprint, job.JobID, utxo.TxID, utxo.Vout, change, changeAddress))

	inputs := []btcjson.TransactionInput{{Txid: utxo.TxID, Vout: utxo.Vout}}
	outputs := map[string]interface{}{
		"data":        job.Fingerprint,
		changeAddress: change.ToBTC(),
	}
	rawTx, err := e.ledger.CreateRawTransaction(inputs, outputs)
	if e.LogError(err) != nil {
		return "", err
	}

	signed, err := e.ledger.SignRawTransactionWithWallet(job.WalletNamespace, rawTx)
	if e.LogError(err) != nil {
		return "", fmt.Errorf("%w: %s", ErrSignFailure, err.Error())
	}
	if !signed.Complete {
		return "", fmt.Errorf("%w: %d input errors", ErrSignFailure, len(signed.Errors))
	}

	txid, err := e.ledger.SendRawTransaction(signed.Hex)
	if e.LogError(err) != nil {
		return "", fmt.Errorf("%w: %s", ErrBroadcastFailure, err.Error())
	}

	// From here the anchor is externally durable; remember it before the store
	// update so a crash cannot lead to a second broadcast.
	record, _ := json.Marshal(broadcastRecord{JobID: job.JobID, AnchorTxID: txid, Fingerprint: job.Fingerprint})
	e.LogError(e.cache.Add(BROADCAST_ANCHOR_TXS_KEY, string(record)))

	e.logger.Info(fmt.Sprintf("Anchor tx %s broadcast for job %s", txid, job.JobID))
	return txid, nil
}

// FindExistingAnchor : reconciliation scan run before any anchor build. Returns
// the txid of an anchor already live on the ledger for this job, checking first
// the broadcast records and then the namespace wallet's recent transactions.
// The wallet scan matches on fingerprint alone, so in shared-wallet mode two
// jobs carrying the same fingerprint resolve to the same anchor tx rather than
// broadcasting twice; the proof is identical either way. Per-job wallets
// (isolate_wallets) keep the scan scoped to the one job.
func (e *Engine) FindExistingAnchor(job types.AnchorJob) (string, bool) {
	records, err := e.cache.GetArray(BROADCAST_ANCHOR_TXS_KEY)
	if e.LogError(err) == nil {
		for _, s := range records {
			var record broadcastRecord
			if json.Unmarshal([]byte(s), &record) != nil {
				continue
			}
			if record.JobID != job.JobID {
				continue
			}
			if e.anchorLive(record.AnchorTxID, job.Fingerprint) {
				return record.AnchorTxID, true
			}
		}
	}
	txs, err := e.ledger.ListTransactions(job.WalletNamespace, recentTxScanDepth, 0)
	if e.LogError(err) != nil {
		return "", false
	}
	for _, tx := range txs {
		if tx.Category != "send" {
			continue
		}
		if e.anchorLive(tx.TxID, job.Fingerprint) {
			return tx.TxID, true
		}
	}
	return "", false
}

// RemoveBroadcastRecord : drop the reconciliation record once the store holds
// the anchor txid
func (e *Engine) RemoveBroadcastRecord(jobID string) {
	records, err := e.cache.GetArray(BROADCAST_ANCHOR_TXS_KEY)
	if e.LogError(err) != nil {
		return
	}
	for _, s := range records {
		var record broadcastRecord
		if json.Unmarshal([]byte(s), &record) != nil {
			continue
		}
		if record.JobID == jobID {
			e.LogError(e.cache.Del(BROADCAST_ANCHOR_TXS_KEY, s))
		}
	}
}

func (e *Engine) anchorLive(txid string, fingerprintHex string) bool {
	tx, err := e.ledger.GetRawTransaction(txid)
	if err != nil {
		return false
	}
	extracted, err := ExtractFingerprint(tx)
	if err != nil {
		return false
	}
	return strings.EqualFold(extracted, fingerprintHex)
}

// FingerprintScript : the provably-unspendable output script embedding a fingerprint
func FingerprintScript(fingerprintHex string) ([]byte, error) {
	fp, err := util.DecodeFingerprint(fingerprintHex)
	if err != nil {
		return nil, err
	}
	b := txscript.NewScriptBuilder()
	b.AddOp(txscript.OP_RETURN)
	b.AddData(fp)
	return b.Script()
}

// VerifyAnchor : whether a raw transaction carries the expected fingerprint in
// an OP_RETURN output
func VerifyAnchor(rawTxHex string, fingerprintHex string) bool {
	expected, err := FingerprintScript(fingerprintHex)
	if err != nil {
		return false
	}
	rawTx, err := hex.DecodeString(rawTxHex)
	if err != nil {
		return false
	}
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(rawTx)); err != nil {
		return false
	}
	for _, out := range msgTx.TxOut {
		if bytes.Equal(out.PkScript, expected) {
			return true
		}
	}
	return false
}

// ExtractFingerprint : pull the anchored fingerprint back out of a decoded
// transaction's data output
func ExtractFingerprint(tx *btcjson.TxRawResult) (string, error) {
	for _, vout := range tx.Vout {
		if !strings.HasPrefix(vout.ScriptPubKey.Asm, "OP_RETURN") {
			continue
		}
		script, err := hex.DecodeString(vout.ScriptPubKey.Hex)
		if err != nil {
			continue
		}
		pushes, err := txscript.PushedData(script)
		if err != nil || len(pushes) == 0 {
			continue
		}
		return hex.EncodeToString(pushes[0]), nil
	}
	return "", ErrNoAnchorOutput
}
