package btcledger

import (
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	// minimum confirm threshold to consider a funding UTXO spendable
	MIN_UTXO_CONFIRM = 1
	MAX_CONFIRM      = 9999999
)

type Config struct {
	// rpc server info
	RpcServer   string
	RpcPort     string
	RpcUsername string
	RpcPwd      string

	// regtest, testnet, mainnet
	ChainParams *chaincfg.Params

	// hex private key of the local wallet (legacy P2PKH)
	PrivateKey string

	// minimum confirmations before a tx counts as included
	Confirmations uint64

	// flat mining fee per tx in satoshi
	FeeSats int64

	// block to start spend scans from; 0 scans from the escrow's
	// funding height
	StartBlock int64

	// eg. https://mempool.space
	ExplorerBaseURL string
}
