package main

import (
	"bufio"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/gorilla/mux"
	"github.com/manifoldco/promptui"
	tmos "github.com/tendermint/tendermint/libs/os"
	dbm "github.com/tendermint/tm-db"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/anchor"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/api"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/contentstore"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/database"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/database/level"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/database/postgres"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/ledger"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/notifier"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/registry"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
	"github.com/Kledenilson/blockchain-copyright-registration-platform/util"
)

var home string

// regtestSpendableHeight : coinbase outputs mature after 100 blocks, so a fresh
// regtest chain needs 101 before the platform wallet can spend anything
const regtestSpendableHeight = 101

func setup(config types.AnchorConfig) {
	if _, err := os.Stat(home); os.IsNotExist(err) {
		os.MkdirAll(home, os.ModePerm)
	}

	if _, err := os.Stat(home + "/core.conf"); os.IsNotExist(err) {
		configs := []string{}

		promptNetwork := promptui.Select{
			Label: "Select Bitcoin Network Type",
			Items: []string{"mainnet", "testnet", "regtest"},
		}
		_, networkResult, err := promptNetwork.Run()
		if err != nil {
			panic(err)
		}
		configs = append(configs, "network="+networkResult)

		promptHost := promptui.Prompt{
			Label:   "Bitcoin node RPC host",
			Default: "127.0.0.1",
		}
		hostResult, err := promptHost.Run()
		if err != nil {
			panic(err)
		}
		configs = append(configs, "rpc_host="+hostResult)

		promptUser := promptui.Prompt{
			Label: "Bitcoin node RPC user",
		}
		userResult, err := promptUser.Run()
		if err != nil {
			panic(err)
		}
		configs = append(configs, "rpc_user="+userResult)

		promptPass := promptui.Prompt{
			Label: "Bitcoin node RPC password",
			Mask:  '*',
		}
		passResult, err := promptPass.Run()
		if err != nil {
			panic(err)
		}
		configs = append(configs, "rpc_pass="+passResult)

		file, err := os.OpenFile(home+"/core.conf", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatalf("failed creating file: %s", err)
		}
		datawriter := bufio.NewWriter(file)
		for _, data := range configs {
			_, _ = datawriter.WriteString(data + "\n")
		}
		datawriter.Flush()
		file.Close()

		fmt.Printf("Registry setup complete. Run with ./registry-core -config %s\n", home+"/core.conf")
		os.Exit(0)
	}
}

func main() {
	figure.NewColorFigure("Copyright Registry", "colossal", "red", false).Print()
	homedirname, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	home = fmt.Sprintf("%s/.copyright-registry/core", homedirname)

	config := api.InitConfig(home)
	logger := *config.Logger

	setup(config)

	ledgerClient := ledger.NewClient(config, logger)
	if err := bootstrapLedger(ledgerClient, config); err != nil {
		panic(err)
	}

	var store database.JobStore
	if config.PostgresURI != "" {
		pg, err := postgres.NewPGFromURI(config.PostgresURI, logger)
		if err != nil {
			panic(err)
		}
		if err := pg.CreateSchema(); err != nil {
			panic(err)
		}
		store = pg
	} else {
		logger.Info("No postgres uri given, using in-memory job store")
		store = database.NewMemoryStore()
	}

	var cache *level.KVStore
	var levelDb dbm.DB
	if config.RedisURI != "" {
		cache, err = level.NewKVStoreWithRedis(config.RedisURI, logger)
		if err != nil {
			panic(err)
		}
	} else {
		levelDb, err = dbm.NewDB("anchor-cache", dbm.GoLevelDBBackend, home+"/data")
		if err != nil {
			panic(err)
		}
		cache = level.NewKVStore(levelDb, logger)
	}

	var content *contentstore.Store
	if config.MinioEndpoint != "" {
		content, err = contentstore.NewStore(config, logger)
		if err != nil {
			panic(err)
		}
	} else {
		logger.Info("No content store endpoint given, uploads disabled")
	}

	eventBus := notifier.NewNotifier(logger)
	go eventBus.Run()

	reg := registry.NewRegistry(ledgerClient, store, eventBus, content, config, logger)
	engine := anchor.NewEngine(ledgerClient, store, cache, config, logger)
	monitor := anchor.NewMonitor(engine, store, eventBus, config, logger)
	monitor.Start()

	apiStore, err := memstore.New(65536)
	if err != nil {
		panic(err)
	}
	depositStore, err := memstore.New(65536)
	if err != nil {
		panic(err)
	}
	apiQuota := throttled.RateQuota{MaxRate: throttled.PerSec(15), MaxBurst: 50}
	depositQuota := throttled.RateQuota{MaxRate: throttled.PerMin(3), MaxBurst: 5}
	apiLimiter, err := throttled.NewGCRARateLimiter(apiStore, apiQuota)
	if err != nil {
		panic(err)
	}
	depositLimiter, err := throttled.NewGCRARateLimiter(depositStore, depositQuota)
	if err != nil {
		panic(err)
	}
	apiRateLimiter := throttled.HTTPRateLimiter{
		RateLimiter: apiLimiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}
	depositRateLimiter := throttled.HTTPRateLimiter{
		RateLimiter: depositLimiter,
		VaryBy:      &throttled.VaryBy{RemoteAddr: true},
	}

	app := api.NewServer(reg, ledgerClient, config, logger)

	r := mux.NewRouter()
	r.Use(api.RequestID)
	r.Handle("/", apiRateLimiter.RateLimit(http.HandlerFunc(app.HomeHandler)))
	r.Handle("/status", apiRateLimiter.RateLimit(http.HandlerFunc(app.StatusHandler)))
	r.Handle("/deposit", depositRateLimiter.RateLimit(http.HandlerFunc(app.DepositHandler))).Methods("POST")
	r.Handle("/job/{id}", apiRateLimiter.RateLimit(http.HandlerFunc(app.JobHandler))).Methods("GET")
	r.Handle("/job/{id}/content", depositRateLimiter.RateLimit(http.HandlerFunc(app.UploadHandler))).Methods("POST")
	r.Handle("/job/{id}/events", apiRateLimiter.RateLimit(http.HandlerFunc(app.EventsHandler))).Methods("GET")
	r.Handle("/lookup/{ref}", apiRateLimiter.RateLimit(http.HandlerFunc(app.LookupHandler))).Methods("GET")
	r.Handle("/chain/blockcount", apiRateLimiter.RateLimit(http.HandlerFunc(app.BlockCountHandler))).Methods("GET")
	r.Handle("/chain/block/{height}", apiRateLimiter.RateLimit(http.HandlerFunc(app.BlockHandler))).Methods("GET")
	r.Handle("/chain/tx/{txid}", apiRateLimiter.RateLimit(http.HandlerFunc(app.RawTxHandler))).Methods("GET")
	r.Handle("/chain/opreturn/{txid}", apiRateLimiter.RateLimit(http.HandlerFunc(app.OpReturnHandler))).Methods("GET")
	r.Handle("/wallet/balance", apiRateLimiter.RateLimit(http.HandlerFunc(app.BalanceHandler))).Methods("GET")
	r.Handle("/wallet/balance/{address}", apiRateLimiter.RateLimit(http.HandlerFunc(app.BalanceHandler))).Methods("GET")
	r.Handle("/wallet/transactions", apiRateLimiter.RateLimit(http.HandlerFunc(app.TransactionsHandler))).Methods("GET")
	r.Handle("/wallet/send", depositRateLimiter.RateLimit(http.HandlerFunc(app.SendHandler))).Methods("POST")
	r.Handle("/wallets", apiRateLimiter.RateLimit(http.HandlerFunc(app.WalletListHandler))).Methods("GET")
	r.Handle("/wallets", depositRateLimiter.RateLimit(http.HandlerFunc(app.WalletCreateHandler))).Methods("POST")

	server := &http.Server{
		Handler:      r,
		Addr:         ":" + config.APIPort,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	// Wait forever, shutdown gracefully upon signal
	tmos.TrapSignal(logger, func() {
		logger.Info("Shutting down registry...")
		monitor.Stop()
		eventBus.Stop()
		server.Close()
		if levelDb != nil {
			levelDb.Close()
		}
	})

	util.LogError(server.ListenAndServe())
}

// bootstrapLedger : make sure the platform wallet exists, and on a fresh
// regtest chain mine enough blocks to have spendable funds for demos
func bootstrapLedger(client *ledger.Client, config types.AnchorConfig) error {
	if err := client.EnsureWallet(config.PlatformWallet); err != nil {
		return err
	}
	if config.BitcoinNetwork != "regtest" {
		return nil
	}
	info, err := client.GetBlockChainInfo()
	if err != nil {
		return err
	}
	if info.Chain != "regtest" || info.Blocks >= regtestSpendableHeight {
		return nil
	}
	address, err := client.GetNewAddress(config.PlatformWallet)
	if err != nil {
		return err
	}
	_, err = client.GenerateToAddress(regtestSpendableHeight-info.Blocks, address)
	return err
}
