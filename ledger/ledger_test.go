package ledger

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/assert"
	"github.com/tendermint/tendermint/libs/log"
)

type recordedCall struct {
	Path   string
	Method string
	Params []interface{}
	User   string
	Pass   string
}

// fakeNode : httptest JSON-RPC endpoint that records requests and plays back
// canned results per method
type fakeNode struct {
	mu      sync.Mutex
	calls   []recordedCall
	results map[string]interface{}
	rpcErrs map[string]*btcjson.RPCError
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		results: make(map[string]interface{}),
		rpcErrs: make(map[string]*btcjson.RPCError),
	}
}

func (f *fakeNode) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, pass, _ := r.BasicAuth()
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{
		Path:   r.URL.Path,
		Method: req.Method,
		Params: req.Params,
		User:   user,
		Pass:   pass,
	})
	result := f.results[req.Method]
	rpcErr := f.rpcErrs[req.Method]
	f.mu.Unlock()

	resp := map[string]interface{}{"result": result, "error": rpcErr, "id": 1}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (f *fakeNode) lastCall() recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func testClient(serverURL string) *Client {
	return &Client{
		url:    serverURL,
		user:   "rpcuser",
		pass:   "rpcpass",
		http:   &http.Client{Timeout: 5 * time.Second},
		Logger: log.NewNopLogger(),
	}
}

func TestWalletNamespaceRouting(t *testing.T) {
	assert := assert.New(t)
	node := newFakeNode()
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()
	client := testClient(server.URL)

	node.results["getnewaddress"] = "bcrt1qsomeaddress"
	addr, err := client.GetNewAddress("job-abc")
	assert.Nil(err, "call should succeed")
	assert.Equal("bcrt1qsomeaddress", addr, "address should round-trip")

	call := node.lastCall()
	assert.Equal("/wallet/job-abc", call.Path, "wallet-scoped call should route to the wallet endpoint")
	assert.Equal("getnewaddress", call.Method, "method name should match the node rpc")
	assert.Equal("rpcuser", call.User, "basic auth user should be forwarded")
	assert.Equal("rpcpass", call.Pass, "basic auth password should be forwarded")

	node.results["getblockcount"] = 42
	count, err := client.GetBlockCount()
	assert.Nil(err, "call should succeed")
	assert.Equal(int64(42), count, "block count should round-trip")
	assert.Equal("/", node.lastCall().Path, "chain-level call should use the root endpoint")
}

func TestListUnspentParams(t *testing.T) {
	assert := assert.New(t)
	node := newFakeNode()
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()
	client := testClient(server.URL)

	node.results["listunspent"] = []btcjson.ListUnspentResult{{TxID: "ab", Amount: 0.5}}

	_, err := client.ListUnspent("platform", 1, nil)
	assert.Nil(err, "call should succeed")
	assert.Equal(1, len(node.lastCall().Params), "no address filter means minconf only")

	_, err = client.ListUnspent("platform", 1, []string{"bcrt1qdeposit"})
	assert.Nil(err, "call should succeed")
	params := node.lastCall().Params
	assert.Equal(3, len(params), "address filter adds maxconf and address list")
	addrs, ok := params[2].([]interface{})
	assert.True(ok, "third param should be the address list")
	assert.Equal("bcrt1qdeposit", addrs[0], "deposit address should be passed through")
}

func TestRPCErrorMapping(t *testing.T) {
	assert := assert.New(t)
	node := newFakeNode()
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()
	client := testClient(server.URL)

	node.rpcErrs["loadwallet"] = &btcjson.RPCError{Code: btcjson.ErrRPCWalletNotFound, Message: "Wallet not found"}
	err := client.LoadWallet("missing")
	assert.NotNil(err, "rpc error should surface")
	assert.True(IsWalletNotLoaded(err), "wallet-not-found code should map to IsWalletNotLoaded")
	assert.False(IsInsufficientFunds(err), "wallet-not-found is not an insufficient funds error")

	node.rpcErrs["sendtoaddress"] = &btcjson.RPCError{Code: btcjson.ErrRPCWalletInsufficientFunds, Message: "Insufficient funds"}
	_, err = client.SendToAddress("platform", "bcrt1qdest", 1.0)
	assert.True(IsInsufficientFunds(err), "insufficient funds code should map to IsInsufficientFunds")
}

func TestEnsureWallet(t *testing.T) {
	assert := assert.New(t)
	node := newFakeNode()
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()
	client := testClient(server.URL)

	// already loaded: no further calls needed
	node.results["listwallets"] = []string{"platform"}
	assert.Nil(client.EnsureWallet("platform"), "loaded wallet should be a no-op")
	assert.Equal("listwallets", node.lastCall().Method, "only listwallets should run")

	// unknown wallet: load fails with not-found, create follows
	node.results["listwallets"] = []string{}
	node.rpcErrs["loadwallet"] = &btcjson.RPCError{Code: btcjson.ErrRPCWalletNotFound, Message: "Wallet not found"}
	node.results["createwallet"] = map[string]interface{}{"name": "fresh", "warning": ""}
	assert.Nil(client.EnsureWallet("fresh"), "missing wallet should be created")
	assert.Equal("createwallet", node.lastCall().Method, "createwallet should be the final call")
}

func TestSignRawTransactionWithWallet(t *testing.T) {
	assert := assert.New(t)
	node := newFakeNode()
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()
	client := testClient(server.URL)

	node.results["signrawtransactionwithwallet"] = map[string]interface{}{"hex": "00aa", "complete": true}
	signed, err := client.SignRawTransactionWithWallet("platform", "00ff")
	assert.Nil(err, "call should succeed")
	assert.True(signed.Complete, "complete flag should round-trip")
	assert.Equal("00aa", signed.Hex, "signed hex should round-trip")
	assert.Equal("/wallet/platform", node.lastCall().Path, "signing must run in the wallet context")
}
