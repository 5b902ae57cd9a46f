package api

import (
	"os"
	"strings"

	"github.com/jacohend/flag"
	"github.com/spf13/viper"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/Kledenilson/blockchain-copyright-registration-platform/types"
)

// InitConfig : receives ENV variables and flags and initializes app config struct
func InitConfig(home string) types.AnchorConfig {
	initEnv("REG")

	var bitcoinNetwork, apiPort, logLevel string
	var rpcHost, rpcPort, rpcUser, rpcPass string
	var platformWallet, postgresURI, redisURI string
	var minioEndpoint, minioAccessKey, minioSecretKey, minioBucket string
	var rpcTimeout, monitorInterval int
	var anchorFeeSats, minConfs int64
	var isolateWallets, minioUseSSL bool

	flag.String(flag.DefaultConfigFlagname, "", "path to config file")
	flag.StringVar(&bitcoinNetwork, "network", "regtest", "bitcoin network")
	flag.StringVar(&apiPort, "api_port", "8080", "registry api port")
	flag.StringVar(&rpcHost, "rpc_host", "127.0.0.1", "bitcoin node rpc host")
	flag.StringVar(&rpcPort, "rpc_port", "18443", "bitcoin node rpc port")
	flag.StringVar(&rpcUser, "rpc_user", "", "bitcoin node rpc user")
	flag.StringVar(&rpcPass, "rpc_pass", "", "bitcoin node rpc password")
	flag.IntVar(&rpcTimeout, "rpc_timeout", 30, "seconds before a ledger call is abandoned")
	flag.StringVar(&platformWallet, "platform_wallet", "platform", "shared wallet namespace for deposits")
	flag.BoolVar(&isolateWallets, "isolate_wallets", false, "give each job its own wallet namespace")
	flag.Int64Var(&anchorFeeSats, "anchor_fee_sats", 10000, "fixed anchoring fee in satoshis")
	flag.Int64Var(&minConfs, "min_confs", 1, "confirmations required before a deposit counts as paid")
	flag.IntVar(&monitorInterval, "monitor_interval", 30, "seconds between confirmation poll cycles")
	flag.StringVar(&postgresURI, "postgres_uri", "", "postgres connection uri for the job store")
	flag.StringVar(&redisURI, "redis_uri", "", "redis uri for the broadcast cache, leveldb when empty")
	flag.StringVar(&minioEndpoint, "minio_endpoint", "", "content store endpoint, uploads disabled when empty")
	flag.StringVar(&minioAccessKey, "minio_access_key", "", "content store access key")
	flag.StringVar(&minioSecretKey, "minio_secret_key", "", "content store secret key")
	flag.StringVar(&minioBucket, "minio_bucket", "registry-content", "content store bucket")
	flag.BoolVar(&minioUseSSL, "minio_use_ssl", false, "use tls for the content store")
	flag.StringVar(&logLevel, "log_level", "info", "log level")
	flag.Parse()

	allowLevel, _ := log.AllowLevel(strings.ToLower(logLevel))
	tmLogger := log.NewFilter(log.NewTMLogger(log.NewSyncWriter(os.Stdout)), allowLevel)

	return types.AnchorConfig{
		HomePath:        home,
		APIPort:         apiPort,
		BitcoinNetwork:  bitcoinNetwork,
		RPCHost:         rpcHost,
		RPCPort:         rpcPort,
		RPCUser:         rpcUser,
		RPCPass:         rpcPass,
		RPCTimeout:      rpcTimeout,
		PlatformWallet:  platformWallet,
		IsolateWallets:  isolateWallets,
		AnchorFeeSats:   anchorFeeSats,
		MinConfs:        minConfs,
		MonitorInterval: monitorInterval,
		PostgresURI:     postgresURI,
		RedisURI:        redisURI,
		MinioEndpoint:   minioEndpoint,
		MinioAccessKey:  minioAccessKey,
		MinioSecretKey:  minioSecretKey,
		MinioBucket:     minioBucket,
		MinioUseSSL:     minioUseSSL,
		LogLevel:        logLevel,
		Logger:          &tmLogger,
	}
}

// initEnv sets to use ENV variables if set.
func initEnv(prefix string) {
	copyEnvVars(prefix)

	// env variables with REG prefix (eg. REG_RPC_HOST)
	viper.SetEnvPrefix(prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// This copies all variables like REGROOT to REG_ROOT,
// so we can support both formats for the user
func copyEnvVars(prefix string) {
	prefix = strings.ToUpper(prefix)
	ps := prefix + "_"
	for _, e := range os.Environ() {
		kv := strings.SplitN(e, "=", 2)
		if len(kv) == 2 {
			k, v := kv[0], kv[1]
			if strings.HasPrefix(k, prefix) && !strings.HasPrefix(k, ps) {
				k2 := strings.Replace(k, prefix, ps, 1)
				os.Setenv(k2, v)
			}
		}
	}
}
