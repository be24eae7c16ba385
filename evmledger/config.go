package evmledger

import "time"

type Config struct {
	URL             string // json rpc url
	ContractAddress string // deployed escrow contract
	PrivateKey      string // hex private key of the local wallet
	ChainID         int64

	// minimum confirmations before a tx counts as included
	Confirmations uint64

	// how long to await inclusion before classifying the write as a
	// confirmation timeout
	InclusionTimeout time.Duration

	// block to start event scans from; 0 scans from genesis
	StartBlock uint64

	// eg. https://sepolia.etherscan.io
	ExplorerBaseURL string
}
