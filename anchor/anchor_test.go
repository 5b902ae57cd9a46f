package anchor

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/database"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/database/level"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
)

const (
	testFingerprint = "deadbeef"
	testPaymentTxID = "1111111111111111111111111111111111111111111111111111111111111111"
	testAnchorTxID  = "2222222222222222222222222222222222222222222222222222222222222222"
)

// fakeLedger : scriptable in-memory stand-in for a bitcoin node
type fakeLedger struct {
	mu            sync.Mutex
	utxos         []btcjson.ListUnspentResult
	addressUtxos  map[string][]btcjson.ListUnspentResult
	changeAddress string
	signComplete  bool
	signErr       error
	sendErr       error
	sendCount     int32
	rawTxs        map[string]*btcjson.TxRawResult
	recent        []btcjson.ListTransactionsResult
	lastOutputs   map[string]interface{}
	lastInputs    []btcjson.TransactionInput
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		addressUtxos:  make(map[string][]btcjson.ListUnspentResult),
		changeAddress: "bcrt1qchangeaddress",
		signComplete:  true,
		rawTxs:        make(map[string]*btcjson.TxRawResult),
	}
}

func (f *fakeLedger) ListUnspent(namespace string, minConf int64, addresses []string) ([]btcjson.ListUnspentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(addresses) == 0 {
		return f.utxos, nil
	}
	results := []btcjson.ListUnspentResult{}
	for _, addr := range addresses {
		results = append(results, f.addressUtxos[addr]...)
	}
	return results, nil
}

func (f *fakeLedger) GetRawChangeAddress(namespace string) (string, error) {
	return f.changeAddress, nil
}

func (f *fakeLedger) CreateRawTransaction(inputs []btcjson.TransactionInput, outputs map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastInputs = inputs
	f.lastOutputs = outputs
	return "00rawtx00", nil
}

func (f *fakeLedger) SignRawTransactionWithWallet(namespace string, rawTxHex string) (*types.SignRawTxResult, error) {
	if f.signErr != nil {
		return nil, f.signErr
	}
	return &types.SignRawTxResult{Hex: "00signedtx00", Complete: f.signComplete}, nil
}

func (f *fakeLedger) SendRawTransaction(signedHex string) (string, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	atomic.AddInt32(&f.sendCount, 1)
	return testAnchorTxID, nil
}

func (f *fakeLedger) GetRawTransaction(txid string) (*btcjson.TxRawResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.rawTxs[txid]; ok {
		return tx, nil
	}
	return nil, errors.New("No such mempool or blockchain transaction")
}

func (f *fakeLedger) ListTransactions(namespace string, count int, skip int) ([]btcjson.ListTransactionsResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recent, nil
}

// anchorRawTx : fabricate the node's decoded view of an anchor transaction
func anchorRawTx(txid string, fingerprintHex string) *btcjson.TxRawResult {
	script, _ := FingerprintScript(fingerprintHex)
	return &btcjson.TxRawResult{
		Txid: txid,
		Vout: []btcjson.Vout{
			{
				Value: 0,
				ScriptPubKey: btcjson.ScriptPubKeyResult{
					Asm: fmt.Sprintf("OP_RETURN %s", fingerprintHex),
					Hex: hex.EncodeToString(script),
				},
			},
			{
				Value: 0.0009,
				ScriptPubKey: btcjson.ScriptPubKeyResult{
					Asm: "0 somewitnessprogram",
				},
			},
		},
	}
}

func testEngine(ledger *fakeLedger) (*Engine, *database.MemoryStore) {
	store := database.NewMemoryStore()
	cache := level.NewKVStore(dbm.NewMemDB(), log.NewNopLogger())
	config := types.AnchorConfig{AnchorFeeSats: 10000, MinConfs: 1}
	return NewEngine(ledger, store, cache, config, log.NewNopLogger()), store
}

func testJob() types.AnchorJob {
	return types.AnchorJob{
		JobID:           "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		DepositAddress:  "bcrt1qdepositaddress",
		WalletNamespace: "platform",
		Fingerprint:     testFingerprint,
		PaymentTxID:     testPaymentTxID,
		Status:          types.JobStatusConfirmed,
	}
}

func TestBuildAnchorChangeMath(t *testing.T) {
	assert := assert.New(t)
	ledger := newFakeLedger()
	ledger.utxos = []btcjson.ListUnspentResult{
		{TxID: testPaymentTxID, Vout: 0, Amount: 0.001, Spendable: true, Confirmations: 1},
	}
	engine, _ := testEngine(ledger)

	txid, err := engine.BuildAnchor(testJob())
	assert.Nil(err, "anchor build should succeed")
	assert.Equal(testAnchorTxID, txid, "broadcast txid should be returned")

	assert.Equal(1, len(ledger.lastInputs), "anchor should spend exactly one input")
	assert.Equal(testPaymentTxID, ledger.lastInputs[0].Txid, "first spendable utxo should fund the anchor")
	assert.Equal(testFingerprint, ledger.lastOutputs["data"], "data output should carry the fingerprint hex")
	change, ok := ledger.lastOutputs[ledger.changeAddress].(float64)
	assert.True(ok, "change output should be a float amount")
	assert.InDelta(0.0009, change, 1e-9, "change should be deposit minus the 10000 sat fee")
}

func TestBuildAnchorSkipsUnspendable(t *testing.T) {
	assert := assert.New(t)
	ledger := newFakeLedger()
	ledger.utxos = []btcjson.ListUnspentResult{
		{TxID: "3333333333333333333333333333333333333333333333333333333333333333", Vout: 0, Amount: 5.0, Spendable: false},
		{TxID: testPaymentTxID, Vout: 1, Amount: 0.001, Spendable: true},
	}
	engine, _ := testEngine(ledger)

	_, err := engine.BuildAnchor(testJob())
	assert.Nil(err, "anchor build should succeed")
	assert.Equal(testPaymentTxID, ledger.lastInputs[0].Txid, "watch-only utxos should be skipped")
	assert.Equal(uint32(1), ledger.lastInputs[0].Vout, "vout of the selected utxo should carry over")
}

func TestBuildAnchorNoSpendableOutput(t *testing.T) {
	ledger := newFakeLedger()
	engine, _ := testEngine(ledger)

	_, err := engine.BuildAnchor(testJob())
	assert.True(t, errors.Is(err, ErrNoSpendableOutput), "empty wallet should report ErrNoSpendableOutput")
}

func TestBuildAnchorInsufficientFunds(t *testing.T) {
	ledger := newFakeLedger()
	ledger.utxos = []btcjson.ListUnspentResult{
		{TxID: testPaymentTxID, Vout: 0, Amount: 0.00005, Spendable: true},
	}
	engine, _ := testEngine(ledger)

	_, err := engine.BuildAnchor(testJob())
	assert.True(t, errors.Is(err, ErrInsufficientFunds), "deposit below the fee should report ErrInsufficientFunds")
}

func TestBuildAnchorSignIncomplete(t *testing.T) {
	ledger := newFakeLedger()
	ledger.utxos = []btcjson.ListUnspentResult{
		{TxID: testPaymentTxID, Vout: 0, Amount: 0.001, Spendable: true},
	}
	ledger.signComplete = false
	engine, _ := testEngine(ledger)

	_, err := engine.BuildAnchor(testJob())
	assert.True(t, errors.Is(err, ErrSignFailure), "incomplete signing should report ErrSignFailure")
	assert.Equal(t, int32(0), ledger.sendCount, "nothing should be broadcast after a signing failure")
}

func TestBuildAnchorBroadcastRejected(t *testing.T) {
	ledger := newFakeLedger()
	ledger.utxos = []btcjson.ListUnspentResult{
		{TxID: testPaymentTxID, Vout: 0, Amount: 0.001, Spendable: true},
	}
	ledger.sendErr = errors.New("min relay fee not met")
	engine, _ := testEngine(ledger)

	_, err := engine.BuildAnchor(testJob())
	assert.True(t, errors.Is(err, ErrBroadcastFailure), "node rejection should report ErrBroadcastFailure")
}

func TestBuildAnchorWritesBroadcastRecord(t *testing.T) {
	assert := assert.New(t)
	ledger := newFakeLedger()
	ledger.utxos = []btcjson.ListUnspentResult{
		{TxID: testPaymentTxID, Vout: 0, Amount: 0.001, Spendable: true},
	}
	engine, _ := testEngine(ledger)

	_, err := engine.BuildAnchor(testJob())
	assert.Nil(err, "anchor build should succeed")
	records, err := engine.cache.GetArray(BROADCAST_ANCHOR_TXS_KEY)
	assert.Nil(err, "cache read should succeed")
	assert.Equal(1, len(records), "one broadcast record expected")
}

func TestFindExistingAnchorFromCache(t *testing.T) {
	assert := assert.New(t)
	ledger := newFakeLedger()
	ledger.utxos = []btcjson.ListUnspentResult{
		{TxID: testPaymentTxID, Vout: 0, Amount: 0.001, Spendable: true},
	}
	engine, _ := testEngine(ledger)
	job := testJob()

	_, err := engine.BuildAnchor(job)
	assert.Nil(err, "anchor build should succeed")
	ledger.rawTxs[testAnchorTxID] = anchorRawTx(testAnchorTxID, testFingerprint)

	txid, found := engine.FindExistingAnchor(job)
	assert.True(found, "reconciliation should find the broadcast anchor")
	assert.Equal(testAnchorTxID, txid, "recovered txid should match the broadcast")
}

func TestFindExistingAnchorFromWalletHistory(t *testing.T) {
	assert := assert.New(t)
	ledger := newFakeLedger()
	engine, _ := testEngine(ledger)
	job := testJob()

	// no cache record, anchor only visible in the wallet's recent sends
	ledger.recent = []btcjson.ListTransactionsResult{
		{TxID: testPaymentTxID, Category: "receive"},
		{TxID: testAnchorTxID, Category: "send"},
	}
	ledger.rawTxs[testAnchorTxID] = anchorRawTx(testAnchorTxID, testFingerprint)

	txid, found := engine.FindExistingAnchor(job)
	assert.True(found, "wallet history scan should find the anchor")
	assert.Equal(testAnchorTxID, txid, "recovered txid should match")
}

func TestFindExistingAnchorSharedWalletSameFingerprint(t *testing.T) {
	assert := assert.New(t)
	ledger := newFakeLedger()
	engine, _ := testEngine(ledger)

	// one job's anchor is already in the shared wallet's history
	ledger.recent = []btcjson.ListTransactionsResult{{TxID: testAnchorTxID, Category: "send"}}
	ledger.rawTxs[testAnchorTxID] = anchorRawTx(testAnchorTxID, testFingerprint)

	// a second job carrying the same fingerprint adopts that anchor instead of
	// broadcasting its own
	other := testJob()
	other.JobID = "01BX5ZZKBKACTAV9WEVGEMMVS0"
	txid, found := engine.FindExistingAnchor(other)
	assert.True(found, "a shared-wallet anchor for the same fingerprint should be adopted")
	assert.Equal(testAnchorTxID, txid, "adopted txid should match the existing anchor")
}

func TestFindExistingAnchorIgnoresOtherFingerprints(t *testing.T) {
	ledger := newFakeLedger()
	engine, _ := testEngine(ledger)
	job := testJob()

	ledger.recent = []btcjson.ListTransactionsResult{{TxID: testAnchorTxID, Category: "send"}}
	ledger.rawTxs[testAnchorTxID] = anchorRawTx(testAnchorTxID, "cafebabe")

	_, found := engine.FindExistingAnchor(job)
	assert.False(t, found, "an anchor for a different fingerprint should not match")
}

func TestVerifyAnchor(t *testing.T) {
	assert := assert.New(t)
	script, err := FingerprintScript(testFingerprint)
	assert.Nil(err, "script build should succeed")

	msgTx := wire.NewMsgTx(wire.TxVersion)
	msgTx.AddTxOut(wire.NewTxOut(0, script))
	var buf bytes.Buffer
	assert.Nil(msgTx.Serialize(&buf), "serialization should succeed")
	rawHex := hex.EncodeToString(buf.Bytes())

	assert.True(VerifyAnchor(rawHex, testFingerprint), "transaction should verify against its own fingerprint")
	assert.False(VerifyAnchor(rawHex, "cafebabe"), "transaction should not verify against another fingerprint")
}

func TestExtractFingerprint(t *testing.T) {
	assert := assert.New(t)
	tx := anchorRawTx(testAnchorTxID, testFingerprint)
	fingerprint, err := ExtractFingerprint(tx)
	assert.Nil(err, "extraction should succeed")
	assert.Equal(testFingerprint, fingerprint, "extracted fingerprint should round-trip")

	plain := &btcjson.TxRawResult{Vout: []btcjson.Vout{{ScriptPubKey: btcjson.ScriptPubKeyResult{Asm: "0 witness"}}}}
	_, err = ExtractFingerprint(plain)
	assert.True(errors.Is(err, ErrNoAnchorOutput), "transaction without data output should report ErrNoAnchorOutput")
}
