package evmledger

import (
	"math/big"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ABI of the deployed HTLC escrow contract. Kept inline; the adapter
// binds it generically instead of carrying generated bindings.
const EscrowABI = `[
	{"type":"function","name":"open","stateMutability":"payable","inputs":[
		{"name":"secretHash","type":"bytes32"},
		{"name":"redeemer","type":"address"},
		{"name":"timelockMs","type":"uint64"},
		{"name":"partialFills","type":"bool"},
		{"name":"nonce","type":"bytes32"}],
		"outputs":[{"name":"id","type":"bytes32"}]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"preimage","type":"bytes"},
		{"name":"amount","type":"uint256"},
		{"name":"nonce","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
		{"name":"id","type":"bytes32"},
		{"name":"nonce","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"escrows","stateMutability":"view","inputs":[
		{"name":"id","type":"bytes32"}],
		"outputs":[
		{"name":"initiator","type":"address"},
		{"name":"redeemer","type":"address"},
		{"name":"secretHash","type":"bytes32"},
		{"name":"deposited","type":"uint256"},
		{"name":"remaining","type":"uint256"},
		{"name":"claimedTotal","type":"uint256"},
		{"name":"timelockMs","type":"uint64"},
		{"name":"partialFills","type":"bool"},
		{"name":"status","type":"uint8"}]},
	{"type":"event","name":"EscrowOpened","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"secretHash","type":"bytes32","indexed":false},
		{"name":"initiator","type":"address","indexed":false},
		{"name":"redeemer","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false},
		{"name":"timelockMs","type":"uint64","indexed":false},
		{"name":"partialFills","type":"bool","indexed":false}]},
	{"type":"event","name":"EscrowClaimed","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"preimage","type":"bytes","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"EscrowRefunded","inputs":[
		{"name":"id","type":"bytes32","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]}
]`

var (
	// Events
	EscrowOpenedSignatureHash   = crypto.Keccak256Hash([]byte("EscrowOpened(bytes32,bytes32,address,address,uint256,uint64,bool)"))
	EscrowClaimedSignatureHash  = crypto.Keccak256Hash([]byte("EscrowClaimed(bytes32,bytes,uint256)"))
	EscrowRefundedSignatureHash = crypto.Keccak256Hash([]byte("EscrowRefunded(bytes32,uint256)"))
)

// escrowView mirrors the contract's escrows() return tuple.
type escrowView struct {
	Initiator    ethcommon.Address
	Redeemer     ethcommon.Address
	SecretHash   [32]byte
	Deposited    *big.Int
	Remaining    *big.Int
	ClaimedTotal *big.Int
	TimelockMs   uint64
	PartialFills bool
	Status       uint8
}

// on-chain status codes
const (
	chainStatusOpen uint8 = iota
	chainStatusFullyClaimed
	chainStatusRefunded
)
