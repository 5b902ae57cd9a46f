package types

import (
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

// JobStatus : lifecycle state of an anchoring job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusConfirmed JobStatus = "confirmed"
	JobStatusAnchored  JobStatus = "anchored"
	JobStatusFailed    JobStatus = "failed"
)

// AnchorJob : a single payment-triggered anchoring request, persisted in the job store
type AnchorJob struct {
	JobID           string    `json:"job_id"`
	DepositAddress  string    `json:"deposit_address"`
	WalletNamespace string    `json:"wallet_namespace"`
	Fingerprint     string    `json:"fingerprint"` // hex, 1-80 bytes decoded
	ContentRef      string    `json:"content_ref,omitempty"`
	PaymentTxID     string    `json:"payment_txid,omitempty"`
	AnchorTxID      string    `json:"anchor_txid,omitempty"`
	Status          JobStatus `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Event types published through the notifier
const (
	EventPaymentConfirmed = "payment_confirmed"
	EventAnchorCreated    = "anchor_created"
	EventAnchorFailed     = "anchor_failed"
)

// JobEvent : notification emitted when the monitor advances a job
type JobEvent struct {
	Type        string    `json:"type"`
	JobID       string    `json:"job_id"`
	PaymentTxID string    `json:"payment_txid,omitempty"`
	AnchorTxID  string    `json:"anchor_txid,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// SignRawTxError : per-input failure reported by signrawtransactionwithwallet
type SignRawTxError struct {
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	ScriptSig string `json:"scriptSig"`
	Sequence  uint32 `json:"sequence"`
	Error     string `json:"error"`
}

// SignRawTxResult : result of signrawtransactionwithwallet
type SignRawTxResult struct {
	Hex      string           `json:"hex"`
	Complete bool             `json:"complete"`
	Errors   []SignRawTxError `json:"errors,omitempty"`
}

// WalletInfo : subset of getwalletinfo used by the API surface
type WalletInfo struct {
	WalletName string  `json:"walletname"`
	Balance    float64 `json:"balance"`
	TxCount    int64   `json:"txcount"`
}

// BlockchainInfo : subset of getblockchaininfo used for startup checks
type BlockchainInfo struct {
	Chain         string `json:"chain"`
	Blocks        int64  `json:"blocks"`
	BestBlockHash string `json:"bestblockhash"`
}

// LookupResult : resolution of an anchor txid or content reference back to its data
type LookupResult struct {
	JobID       string `json:"job_id,omitempty"`
	Fingerprint string `json:"fingerprint"`
	ContentRef  string `json:"content_ref,omitempty"`
	AnchorTxID  string `json:"anchor_txid,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// AnchorConfig : process-wide config assembled by InitConfig and passed to every component
type AnchorConfig struct {
	HomePath        string
	APIPort         string
	BitcoinNetwork  string
	RPCHost         string
	RPCPort         string
	RPCUser         string
	RPCPass         string
	RPCTimeout      int // seconds, applied to every ledger call
	PlatformWallet  string
	IsolateWallets  bool  // one disposable wallet namespace per job
	AnchorFeeSats   int64 // fixed anchoring fee, policy not market-estimated
	MinConfs        int64
	MonitorInterval int // seconds between confirmation poll cycles
	PostgresURI     string
	RedisURI        string
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioBucket     string
	MinioUseSSL     bool
	LogLevel        string
	Logger          *log.Logger
}
