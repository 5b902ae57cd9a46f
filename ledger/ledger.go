package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/util"
)

// LedgerError : a failure reported by the ledger node, carrying its native RPC code
type LedgerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

// IsWalletNotLoaded : the node has no loaded wallet matching the namespace
func IsWalletNotLoaded(err error) bool {
	var lerr *LedgerError
	if errors.As(err, &lerr) {
		return lerr.Code == int(btcjson.ErrRPCWalletNotFound) || lerr.Code == int(btcjson.ErrRPCWalletNotSpecified)
	}
	return false
}

// IsInsufficientFunds : the wallet cannot fund the requested operation
func IsInsufficientFunds(err error) bool {
	var lerr *LedgerError
	if errors.As(err, &lerr) {
		return lerr.Code == int(btcjson.ErrRPCWalletInsufficientFunds)
	}
	return false
}

// Client : typed request/response wrapper around the ledger node's JSON-RPC surface.
// Stateless and safe for concurrent use; every wallet-scoped call takes an explicit
// namespace parameter, never inferred from ambient state. No retries here, retry
// policy belongs to callers.
type Client struct {
	url    string
	user   string
	pass   string
	http   *http.Client
	Logger log.Logger
	nextID uint64
}

// NewClient : build a ledger client from config. The timeout bounds every call,
// the node itself enforces none.
func NewClient(config types.AnchorConfig, logger log.Logger) *Client {
	timeout := time.Duration(config.RPCTimeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:    fmt.Sprintf("http://%s:%s", config.RPCHost, config.RPCPort),
		user:   config.RPCUser,
		pass:   config.RPCPass,
		http:   &http.Client{Timeout: timeout},
		Logger: logger,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage   `json:"result"`
	Error  *btcjson.RPCError `json:"error"`
}

// call : one JSON-RPC round trip. A non-empty namespace routes the request to the
// node's per-wallet endpoint, empty addresses the default wallet context.
func (c *Client) call(namespace string, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return util.LoggerError(c.Logger, err)
	}
	url := c.url
	if namespace != "" {
		url = c.url + "/wallet/" + namespace
	}
	httpReq, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return util.LoggerError(c.Logger, err)
	}
	httpReq.SetBasicAuth(c.user, c.pass)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return util.LoggerError(c.Logger, err)
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return util.LoggerError(c.Logger, fmt.Errorf("decoding %s response: %w", method, err))
	}
	if rpcResp.Error != nil {
		lerr := &LedgerError{Code: int(rpcResp.Error.Code), Message: rpcResp.Error.Message}
		c.Logger.Error(fmt.Sprintf("ledger %s failed: %s", method, lerr.Error()))
		return lerr
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return util.LoggerError(c.Logger, fmt.Errorf("unmarshaling %s result: %w", method, err))
		}
	}
	return nil
}

// GetBlockCount : current chain tip height
func (c *Client) GetBlockCount() (int64, error) {
	var count int64
	err := c.call("", "getblockcount", nil, &count)
	return count, err
}

// GetBlockHash : hash of the block at the given height
func (c *Client) GetBlockHash(height int64) (string, error) {
	var hash string
	err := c.call("", "getblockhash", []interface{}{height}, &hash)
	return hash, err
}

// GetBlock : verbose block by hash
func (c *Client) GetBlock(hash string) (*btcjson.GetBlockVerboseResult, error) {
	var block btcjson.GetBlockVerboseResult
	if err := c.call("", "getblock", []interface{}{hash}, &block); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetBlockChainInfo : chain name and sync state, used for startup checks
func (c *Client) GetBlockChainInfo() (*types.BlockchainInfo, error) {
	var info types.BlockchainInfo
	if err := c.call("", "getblockchaininfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ListUnspent : unspent outputs of the namespace wallet, optionally filtered to addresses
func (c *Client) ListUnspent(namespace string, minConf int64, addresses []string) ([]btcjson.ListUnspentResult, error) {
	params := []interface{}{minConf}
	if len(addresses) > 0 {
		params = append(params, 9999999, addresses)
	}
	var utxos []btcjson.ListUnspentResult
	if err := c.call(namespace, "listunspent", params, &utxos); err != nil {
		return nil, err
	}
	return utxos, nil
}

// GetNewAddress : derive a fresh receiving address in the namespace wallet
func (c *Client) GetNewAddress(namespace string) (string, error) {
	var addr string
	err := c.call(namespace, "getnewaddress", nil, &addr)
	return addr, err
}

// GetRawChangeAddress : derive a fresh change address in the namespace wallet
func (c *Client) GetRawChangeAddress(namespace string) (string, error) {
	var addr string
	err := c.call(namespace, "getrawchangeaddress", nil, &addr)
	return addr, err
}

// CreateRawTransaction : build an unsigned transaction. Outputs map addresses to
// BTC amounts; the "data" key embeds its hex value as an OP_RETURN output.
func (c *Client) CreateRawTransaction(inputs []btcjson.TransactionInput, outputs map[string]interface{}) (string, error) {
	var rawTx string
	err := c.call("", "createrawtransaction", []interface{}{inputs, outputs}, &rawTx)
	return rawTx, err
}

// SignRawTransactionWithWallet : sign with the namespace wallet's keys
func (c *Client) SignRawTransactionWithWallet(namespace string, rawTxHex string) (*types.SignRawTxResult, error) {
	var signed types.SignRawTxResult
	if err := c.call(namespace, "signrawtransactionwithwallet", []interface{}{rawTxHex}, &signed); err != nil {
		return nil, err
	}
	return &signed, nil
}

// SendRawTransaction : broadcast a signed transaction, returning its txid
func (c *Client) SendRawTransaction(signedHex string) (string, error) {
	var txid string
	err := c.call("", "sendrawtransaction", []interface{}{signedHex}, &txid)
	return txid, err
}

// GetTransaction : wallet-level view of a transaction, including confirmations
func (c *Client) GetTransaction(namespace string, txid string) (*btcjson.GetTransactionResult, error) {
	var tx btcjson.GetTransactionResult
	if err := c.call(namespace, "gettransaction", []interface{}{txid}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetRawTransaction : verbose decoded transaction, wallet-independent
func (c *Client) GetRawTransaction(txid string) (*btcjson.TxRawResult, error) {
	var tx btcjson.TxRawResult
	if err := c.call("", "getrawtransaction", []interface{}{txid, true}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// ListTransactions : recent wallet transactions, newest last
func (c *Client) ListTransactions(namespace string, count int, skip int) ([]btcjson.ListTransactionsResult, error) {
	var txs []btcjson.ListTransactionsResult
	if err := c.call(namespace, "listtransactions", []interface{}{"*", count, skip}, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// CreateWallet : create a named wallet on the node
func (c *Client) CreateWallet(name string) error {
	var result struct {
		Name    string `json:"name"`
		Warning string `json:"warning"`
	}
	if err := c.call("", "createwallet", []interface{}{name}, &result); err != nil {
		return err
	}
	if result.Warning != "" {
		c.Logger.Info(fmt.Sprintf("createwallet warning for %s: %s", name, result.Warning))
	}
	return nil
}

// LoadWallet : load an existing named wallet on the node
func (c *Client) LoadWallet(name string) error {
	return c.call("", "loadwallet", []interface{}{name}, nil)
}

// ListWallets : names of currently loaded wallets
func (c *Client) ListWallets() ([]string, error) {
	var wallets []string
	if err := c.call("", "listwallets", nil, &wallets); err != nil {
		return nil, err
	}
	return wallets, nil
}

// EnsureWallet : make sure the namespace wallet is loaded, creating it if the
// node has never seen it
func (c *Client) EnsureWallet(name string) error {
	wallets, err := c.ListWallets()
	if err != nil {
		return err
	}
	if util.ArrayContains(wallets, name) {
		return nil
	}
	err = c.LoadWallet(name)
	if err == nil {
		return nil
	}
	if IsWalletNotLoaded(err) {
		return c.CreateWallet(name)
	}
	return err
}

// GetWalletInfo : metadata for the namespace wallet
func (c *Client) GetWalletInfo(namespace string) (*types.WalletInfo, error) {
	var info types.WalletInfo
	if err := c.call(namespace, "getwalletinfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetReceivedByAddress : total amount received by an address in the namespace wallet
func (c *Client) GetReceivedByAddress(namespace string, address string) (float64, error) {
	var amount float64
	err := c.call(namespace, "getreceivedbyaddress", []interface{}{address}, &amount)
	return amount, err
}

// GetBalance : confirmed balance of the namespace wallet
func (c *Client) GetBalance(namespace string) (float64, error) {
	var balance float64
	err := c.call(namespace, "getbalance", nil, &balance)
	return balance, err
}

// SendToAddress : simple wallet-funded payment, used by the manual send endpoint
func (c *Client) SendToAddress(namespace string, address string, amount float64) (string, error) {
	var txid string
	err := c.call(namespace, "sendtoaddress", []interface{}{address, amount}, &txid)
	return txid, err
}

// GenerateToAddress : mine blocks paying the address, regtest bootstrap only
func (c *Client) GenerateToAddress(numBlocks int64, address string) ([]string, error) {
	var hashes []string
	if err := c.call("", "generatetoaddress", []interface{}{numBlocks, address}, &hashes); err != nil {
		return nil, err
	}
	return hashes, nil
}
