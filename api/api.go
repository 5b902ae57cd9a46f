package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/anchor"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/ledger"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/registry"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/util"
)

// maxUploadBytes : hard cap on content upload size
const maxUploadBytes = 32 << 20

// Server : HTTP surface of the registry. Ledger operations beyond the ones the
// registry itself needs (chain queries, wallet maintenance) go straight to the
// ledger client.
type Server struct {
	registry *registry.Registry
	ledger   *ledger.Client
	config   types.AnchorConfig
	logger   log.Logger
}

func NewServer(reg *registry.Registry, ledgerClient *ledger.Client, config types.AnchorConfig, logger log.Logger) *Server {
	return &Server{
		registry: reg,
		ledger:   ledgerClient,
		config:   config,
		logger:   logger,
	}
}

func (s *Server) LogError(err error) error {
	if err != nil {
		s.logger.Error(fmt.Sprintf("Error in %s: %s", util.GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// respondJSON makes the response with payload as json format
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if util.LogError(err) != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(response))
}

// RequestID : tag every response so client reports can be matched to log lines
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", uuid.New().String())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) HomeHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
	fmt.Fprintf(w, "This is the copyright registration API. POST a fingerprint to /deposit to begin.")
}

type depositRequest struct {
	Fingerprint string `json:"fingerprint"`
	ContentRef  string `json:"content_ref,omitempty"`
}

// DepositHandler : validate a fingerprint and issue a dedicated deposit address
func (s *Server) DepositHandler(w http.ResponseWriter, r *http.Request) {
	ip := util.GetClientIP(r)
	s.logger.Info(fmt.Sprintf("Deposit Client IP: %s", ip))
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	req := depositRequest{}
	if err := d.Decode(&req); s.LogError(err) != nil || len(req.Fingerprint) == 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body: missing fingerprint"})
		return
	}
	job, err := s.registry.IssueDeposit(req.Fingerprint, req.ContentRef)
	if err != nil {
		if errors.Is(err, util.ErrInvalidFingerprint) {
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
			return
		}
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not issue deposit address"})
		return
	}
	respondJSON(w, http.StatusCreated, job)
}

// JobHandler : current state of a job
func (s *Server) JobHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	job, err := s.registry.GetJob(vars["id"])
	if err != nil {
		if errors.Is(err, registry.ErrJobNotFound) {
			respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "job not found"})
			return
		}
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not retrieve job"})
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// UploadHandler : stage the original file behind a job's fingerprint
func (s *Server) UploadHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "missing file field"})
		return
	}
	defer file.Close()
	data, err := ioutil.ReadAll(file)
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "could not read upload"})
		return
	}
	contentRef, err := s.registry.UploadContent(r.Context(), vars["id"], header.Filename, data)
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrJobNotFound):
			respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "job not found"})
		case errors.Is(err, registry.ErrUnsupportedFileType):
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		default:
			respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not store content"})
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"job_id": vars["id"], "content_ref": contentRef})
}

// LookupHandler : resolve an anchor txid or content reference to its fingerprint
func (s *Server) LookupHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	result, err := s.registry.Lookup(r.Context(), vars["ref"])
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrJobNotFound):
			respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "no anchor found for reference"})
		case errors.Is(err, registry.ErrNotAnchored):
			respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "transaction carries no anchor"})
		default:
			respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "lookup failed"})
		}
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// EventsHandler : server-sent event stream of a job's progress. Closes when the
// client disconnects; a reconnecting client re-reads authoritative state from
// the job endpoint since missed events are not replayed.
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "streaming unsupported"})
		return
	}
	if _, err := s.registry.GetJob(vars["id"]); err != nil {
		respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "job not found"})
		return
	}
	events, cancel := s.registry.Subscribe(vars["id"])
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			payload, err := json.Marshal(event)
			if s.LogError(err) != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		}
	}
}

// BlockCountHandler : current chain height
func (s *Server) BlockCountHandler(w http.ResponseWriter, r *http.Request) {
	count, err := s.ledger.GetBlockCount()
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not query block count"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"blockcount": count})
}

// BlockHandler : block detail by height
func (s *Server) BlockHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	height, err := strconv.ParseInt(vars["height"], 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid block height"})
		return
	}
	hash, err := s.ledger.GetBlockHash(height)
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "block not found"})
		return
	}
	block, err := s.ledger.GetBlock(hash)
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not retrieve block"})
		return
	}
	respondJSON(w, http.StatusOK, block)
}

// OpReturnHandler : decode the anchored fingerprint out of a transaction
func (s *Server) OpReturnHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	txid := vars["txid"]
	if !util.IsTxID(txid) {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid txid"})
		return
	}
	tx, err := s.ledger.GetRawTransaction(txid)
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "transaction not found"})
		return
	}
	fingerprint, err := anchor.ExtractFingerprint(tx)
	if err != nil {
		respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "transaction carries no anchor"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"txid": txid, "fingerprint": fingerprint})
}

// RawTxHandler : decoded transaction detail
func (s *Server) RawTxHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	txid := vars["txid"]
	if !util.IsTxID(txid) {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid txid"})
		return
	}
	tx, err := s.ledger.GetRawTransaction(txid)
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusNotFound, map[string]interface{}{"error": "transaction not found"})
		return
	}
	respondJSON(w, http.StatusOK, tx)
}

// BalanceHandler : platform wallet balance, or the funds received by one address
func (s *Server) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if address, exists := vars["address"]; exists {
		received, err := s.ledger.GetReceivedByAddress(s.config.PlatformWallet, address)
		if s.LogError(err) != nil {
			respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not query address"})
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"address": address, "received": received})
		return
	}
	info, err := s.ledger.GetWalletInfo(s.config.PlatformWallet)
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not query wallet"})
		return
	}
	respondJSON(w, http.StatusOK, info)
}

type walletRequest struct {
	Name string `json:"name"`
}

// WalletCreateHandler : create or load a named wallet on the node
func (s *Server) WalletCreateHandler(w http.ResponseWriter, r *http.Request) {
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	req := walletRequest{}
	if err := d.Decode(&req); s.LogError(err) != nil || len(req.Name) == 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body: missing name"})
		return
	}
	if err := s.ledger.EnsureWallet(req.Name); s.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not create wallet"})
		return
	}
	respondJSON(w, http.StatusCreated, map[string]interface{}{"wallet": req.Name})
}

// WalletListHandler : wallets currently loaded on the node
func (s *Server) WalletListHandler(w http.ResponseWriter, r *http.Request) {
	wallets, err := s.ledger.ListWallets()
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not list wallets"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"wallets": wallets})
}

// TransactionsHandler : recent platform wallet transactions
func (s *Server) TransactionsHandler(w http.ResponseWriter, r *http.Request) {
	count := 10
	if c := r.URL.Query().Get("count"); c != "" {
		if parsed, err := strconv.Atoi(c); err == nil && parsed > 0 && parsed <= 100 {
			count = parsed
		}
	}
	txs, err := s.ledger.ListTransactions(s.config.PlatformWallet, count, 0)
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not list transactions"})
		return
	}
	respondJSON(w, http.StatusOK, txs)
}

type sendRequest struct {
	Address string  `json:"address"`
	Amount  float64 `json:"amount"`
}

// SendHandler : operator-initiated spend from the platform wallet
func (s *Server) SendHandler(w http.ResponseWriter, r *http.Request) {
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	req := sendRequest{}
	if err := d.Decode(&req); s.LogError(err) != nil || len(req.Address) == 0 || req.Amount <= 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body: address and positive amount required"})
		return
	}
	txid, err := s.ledger.SendToAddress(s.config.PlatformWallet, req.Address, req.Amount)
	if err != nil {
		if ledger.IsInsufficientFunds(err) {
			respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "insufficient funds"})
			return
		}
		s.LogError(err)
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "send failed"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"txid": txid})
}

// StatusHandler : node and service health summary
func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	info, err := s.ledger.GetBlockChainInfo()
	if s.LogError(err) != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": "could not query node"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version": "1.0.0",
		"time":    time.Now().UTC().Format("2006-01-02T15:04:05.999Z07:00"),
		"network": s.config.BitcoinNetwork,
		"chain":   info.Chain,
		"blocks":  info.Blocks,
	})
}
