// Package ledger defines the uniform adapter contract the coordinator
// drives both chains through. Adapters are stateless across calls
// except for their node connection; all durable protocol state lives
// in the order record store.
package ledger

import (
	"context"

	"github.com/TEENet-io/swap-go/escrow"
	"github.com/TEENet-io/swap-go/secret"
)

// DepositParams opens a new escrow. Nonce is a coordinator-generated
// idempotency key: adapters deduplicate by it where the chain supports
// it, otherwise by querying state before acting.
type DepositParams struct {
	Initiator    string
	Redeemer     string
	SecretHash   secret.Hash
	Amount       uint64
	TimelockMs   uint64
	PartialFills bool
	Nonce        [32]byte
}

type DepositResult struct {
	EscrowID     string
	TxID         string
	IncludedAtMs uint64
}

type ClaimParams struct {
	EscrowID string
	Preimage []byte
	Amount   uint64
	Nonce    [32]byte
}

// ClaimResult.RevealedPreimage is parsed from the transaction's
// emitted event, not echoed from the submitted params.
type ClaimResult struct {
	TxID             string
	IncludedAtMs     uint64
	RevealedPreimage []byte
}

type RefundParams struct {
	EscrowID string
	Nonce    [32]byte
}

type RefundResult struct {
	TxID         string
	IncludedAtMs uint64
	Amount       uint64
}

type EventKind string

const (
	EventDeposited EventKind = "deposited"
	EventClaimed   EventKind = "claimed"
	EventRefunded  EventKind = "refunded"
)

// Event is one escrow lifecycle record observed on-chain. Claim events
// carry the revealed preimage; anyone watching the ledger may extract
// and use it on the other side.
type Event struct {
	Kind             EventKind
	EscrowID         string
	TxID             string
	Amount           uint64
	AtMs             uint64
	Confirmations    uint64
	RevealedPreimage []byte // claims only
	SecretHash       secret.Hash
	Initiator        string
	Redeemer         string
	TimelockMs       uint64
}

// Snapshot is the observed current escrow state plus its full event
// history.
type Snapshot struct {
	EscrowID     string
	Remaining    uint64
	ClaimedTotal uint64
	Deposited    uint64
	TimelockMs   uint64
	Status       escrow.Status
	Events       []Event
}

type TxVerification struct {
	Found       bool
	Confirmed   bool
	BlockNumber uint64
	Reverted    bool
}

// Adapter is the ledger capability. Write operations sign, broadcast
// and await inclusion with the adapter's configured confirmations;
// reads never mutate.
//
// Now returns that ledger's own clock in milliseconds and is the only
// time source valid for timelock decisions on that ledger. Values are
// monotone non-decreasing within a session; a backward jump from the
// node is reported as a transient error.
type Adapter interface {
	Deposit(ctx context.Context, params *DepositParams) (*DepositResult, error)
	Claim(ctx context.Context, params *ClaimParams) (*ClaimResult, error)
	Refund(ctx context.Context, params *RefundParams) (*RefundResult, error)
	Observe(ctx context.Context, escrowID string) (*Snapshot, error)
	Now(ctx context.Context) (uint64, error)

	Address() string
	Balance(ctx context.Context) (uint64, error)
	VerifyTx(ctx context.Context, txID string) (*TxVerification, error)
	ExplorerURL(txID string) string
}
