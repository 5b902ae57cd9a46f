package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/database"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/notifier"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/registry"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
)

type fakeLedger struct{}

func (f *fakeLedger) EnsureWallet(name string) error { return nil }

func (f *fakeLedger) GetNewAddress(namespace string) (string, error) {
	return "bcrt1qdepositaddress", nil
}

func (f *fakeLedger) GetRawTransaction(txid string) (*btcjson.TxRawResult, error) {
	return nil, errors.New("No such mempool or blockchain transaction")
}

func testServer() (*Server, *database.MemoryStore) {
	store := database.NewMemoryStore()
	eventBus := notifier.NewNotifier(log.NewNopLogger())
	config := types.AnchorConfig{PlatformWallet: "platform"}
	reg := registry.NewRegistry(&fakeLedger{}, store, eventBus, nil, config, log.NewNopLogger())
	return NewServer(reg, nil, config, log.NewNopLogger()), store
}

func testRouter(s *Server) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestID)
	r.HandleFunc("/deposit", s.DepositHandler).Methods("POST")
	r.HandleFunc("/job/{id}", s.JobHandler).Methods("GET")
	r.HandleFunc("/lookup/{ref}", s.LookupHandler).Methods("GET")
	return r
}

func TestDepositHandler(t *testing.T) {
	assert := assert.New(t)
	server, _ := testServer()
	router := testRouter(server)

	body := bytes.NewBufferString(`{"fingerprint": "deadbeef"}`)
	req := httptest.NewRequest("POST", "/deposit", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(http.StatusCreated, rec.Code, "valid fingerprint should return 201")
	assert.NotEmpty(rec.Header().Get("X-Request-Id"), "responses should carry a request id")

	var job types.AnchorJob
	assert.Nil(json.Unmarshal(rec.Body.Bytes(), &job), "response should be a job document")
	assert.Equal("deadbeef", job.Fingerprint, "fingerprint should round-trip")
	assert.Equal("bcrt1qdepositaddress", job.DepositAddress, "deposit address should be returned")
	assert.Equal(types.JobStatusPending, job.Status, "new jobs start pending")
}

func TestDepositHandlerRejects(t *testing.T) {
	assert := assert.New(t)
	server, store := testServer()
	router := testRouter(server)

	cases := []string{
		`{}`,
		`{"fingerprint": ""}`,
		`{"fingerprint": "zzzz"}`,
		`{"fingerprint": "` + strings.Repeat("ab", 81) + `"}`,
		`not json`,
	}
	for _, body := range cases {
		req := httptest.NewRequest("POST", "/deposit", bytes.NewBufferString(body))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(http.StatusBadRequest, rec.Code, "body %q should return 400", body)
	}
	jobs, _ := store.GetJobsByStatus(types.JobStatusPending)
	assert.Equal(0, len(jobs), "rejected requests must leave no record")
}

func TestJobHandler(t *testing.T) {
	assert := assert.New(t)
	server, store := testServer()
	router := testRouter(server)

	job := types.AnchorJob{JobID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", Fingerprint: "deadbeef", Status: types.JobStatusPending}
	assert.Nil(store.InsertJob(job), "insert should succeed")

	req := httptest.NewRequest("GET", "/job/"+job.JobID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(http.StatusOK, rec.Code, "known job should return 200")

	req = httptest.NewRequest("GET", "/job/unknown", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(http.StatusNotFound, rec.Code, "unknown job should return 404")
}

func TestLookupHandlerNotFound(t *testing.T) {
	server, _ := testServer()
	router := testRouter(server)

	req := httptest.NewRequest("GET", "/lookup/"+strings.Repeat("ab", 32), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown reference should return 404")
}
