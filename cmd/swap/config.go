package main

import (
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/viper"

	"github.com/TEENet-io/swap-go/btcledger"
	"github.com/TEENet-io/swap-go/coordinator"
	"github.com/TEENet-io/swap-go/evmledger"
	"github.com/TEENet-io/swap-go/secret"
)

// Keep the configuration's fields as "text" as possible.
// Its easier to load it from env vars or a config file.
type ServerConfig struct {
	// swap protocol
	HashAlgorithm  string // blake2b-256 | sha-256
	TimelockAMs    uint64
	TimelockBMs    uint64
	SafetyMarginMs uint64
	Confirmations  struct{ A, B uint64 }
	PartialFills   bool

	// retry policy
	MaxRetries            uint64
	RetryInitialBackoffMs uint64
	RetryMaxBackoffMs     uint64

	// housekeeping
	OrderRetentionMs uint64
	PollIntervalMs   uint64

	// state side
	DbFilePath string

	// btc side (ledger A)
	BtcRpcServer    string
	BtcRpcPort      string
	BtcRpcUsername  string
	BtcRpcPwd       string
	BtcChainConfig  *chaincfg.Params
	BtcPrivKey      string
	BtcFeeSats      int64
	BtcExplorerBase string

	// evm side (ledger B)
	EthRpcUrl       string
	EthContractAddr string
	EthPrivKey      string
	EthChainID      int64
	EthExplorerBase string

	// http side
	HttpIp   string
	HttpPort string
}

// LoadServerConfig reads configuration variables via viper and returns
// a ServerConfig.
func LoadServerConfig() (*ServerConfig, error) {
	// Parse the BTC chain config (e.g., "regtest", "testnet", or "mainnet").
	var btcParams *chaincfg.Params
	switch viper.GetString("BTC_CHAIN_CONFIG") {
	case "testnet":
		btcParams = &chaincfg.TestNet3Params
	case "mainnet":
		btcParams = &chaincfg.MainNetParams
	case "regtest":
		btcParams = &chaincfg.RegressionNetParams
	default:
		// default to regtest
		btcParams = &chaincfg.RegressionNetParams
	}

	sc := &ServerConfig{
		HashAlgorithm:  viper.GetString("HASH_ALGORITHM"),
		TimelockAMs:    viper.GetUint64("TIMELOCK_A_MS"),
		TimelockBMs:    viper.GetUint64("TIMELOCK_B_MS"),
		SafetyMarginMs: viper.GetUint64("SAFETY_MARGIN_MS"),
		PartialFills:   viper.GetBool("PARTIAL_FILLS_ALLOWED"),

		MaxRetries:            viper.GetUint64("MAX_RETRIES"),
		RetryInitialBackoffMs: viper.GetUint64("RETRY_INITIAL_BACKOFF_MS"),
		RetryMaxBackoffMs:     viper.GetUint64("RETRY_MAX_BACKOFF_MS"),

		OrderRetentionMs: viper.GetUint64("ORDER_RETENTION_MS"),
		PollIntervalMs:   viper.GetUint64("POLL_INTERVAL_MS"),

		DbFilePath: viper.GetString("DB_FILE_PATH"),

		BtcRpcServer:    viper.GetString("BTC_RPC_SERVER"),
		BtcRpcPort:      viper.GetString("BTC_RPC_PORT"),
		BtcRpcUsername:  viper.GetString("BTC_RPC_USERNAME"),
		BtcRpcPwd:       viper.GetString("BTC_RPC_PWD"),
		BtcChainConfig:  btcParams,
		BtcPrivKey:      viper.GetString("BTC_PRIV_KEY"),
		BtcFeeSats:      viper.GetInt64("BTC_FEE_SATS"),
		BtcExplorerBase: viper.GetString("BTC_EXPLORER_BASE"),

		EthRpcUrl:       viper.GetString("ETH_RPC_URL"),
		EthContractAddr: viper.GetString("ETH_CONTRACT_ADDR"),
		EthPrivKey:      viper.GetString("ETH_PRIV_KEY"),
		EthChainID:      viper.GetInt64("ETH_CHAIN_ID"),
		EthExplorerBase: viper.GetString("ETH_EXPLORER_BASE"),

		HttpIp:   viper.GetString("HTTP_IP"),
		HttpPort: viper.GetString("HTTP_PORT"),
	}
	sc.Confirmations.A = viper.GetUint64("CONFIRMATIONS_A")
	sc.Confirmations.B = viper.GetUint64("CONFIRMATIONS_B")

	if sc.DbFilePath == "" {
		return nil, fmt.Errorf("DB_FILE_PATH is required")
	}
	if sc.EthRpcUrl == "" || sc.EthContractAddr == "" {
		return nil, fmt.Errorf("ETH_RPC_URL and ETH_CONTRACT_ADDR are required")
	}

	return sc, nil
}

func (sc *ServerConfig) CoordinatorConfig() (*coordinator.Config, error) {
	algo := secret.Algo(sc.HashAlgorithm)
	if sc.HashAlgorithm == "" {
		algo = secret.AlgoSHA256
	}
	// the btc leg can only verify sha-256 on-chain
	if err := btcledger.CheckAlgo(algo); err != nil {
		return nil, err
	}

	cfg := coordinator.DefaultConfig(algo)
	cfg.LedgerNameA = "btc"
	cfg.LedgerNameB = "evm"
	if sc.TimelockAMs > 0 {
		cfg.TimelockAMs = sc.TimelockAMs
	}
	if sc.TimelockBMs > 0 {
		cfg.TimelockBMs = sc.TimelockBMs
	}
	if sc.SafetyMarginMs > 0 {
		cfg.SafetyMarginMs = sc.SafetyMarginMs
	}
	if sc.Confirmations.A > 0 {
		cfg.ConfirmationsA = sc.Confirmations.A
	}
	if sc.Confirmations.B > 0 {
		cfg.ConfirmationsB = sc.Confirmations.B
	}
	cfg.PartialFills = sc.PartialFills
	if sc.MaxRetries > 0 {
		cfg.MaxRetries = sc.MaxRetries
	}
	if sc.RetryInitialBackoffMs > 0 {
		cfg.RetryInitialBackoff = time.Duration(sc.RetryInitialBackoffMs) * time.Millisecond
	}
	if sc.RetryMaxBackoffMs > 0 {
		cfg.RetryMaxBackoff = time.Duration(sc.RetryMaxBackoffMs) * time.Millisecond
	}
	if sc.OrderRetentionMs > 0 {
		cfg.OrderRetention = time.Duration(sc.OrderRetentionMs) * time.Millisecond
	}
	if sc.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(sc.PollIntervalMs) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (sc *ServerConfig) BtcConfig() *btcledger.Config {
	return &btcledger.Config{
		RpcServer:       sc.BtcRpcServer,
		RpcPort:         sc.BtcRpcPort,
		RpcUsername:     sc.BtcRpcUsername,
		RpcPwd:          sc.BtcRpcPwd,
		ChainParams:     sc.BtcChainConfig,
		PrivateKey:      sc.BtcPrivKey,
		Confirmations:   sc.Confirmations.A,
		FeeSats:         sc.BtcFeeSats,
		ExplorerBaseURL: sc.BtcExplorerBase,
	}
}

func (sc *ServerConfig) EvmConfig() *evmledger.Config {
	return &evmledger.Config{
		URL:              sc.EthRpcUrl,
		ContractAddress:  sc.EthContractAddr,
		PrivateKey:       sc.EthPrivKey,
		ChainID:          sc.EthChainID,
		Confirmations:    sc.Confirmations.B,
		InclusionTimeout: 5 * time.Minute,
		ExplorerBaseURL:  sc.EthExplorerBase,
	}
}
