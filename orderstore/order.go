// Package orderstore holds the durable order record: the only state
// shared across coordinator steps and the source of truth for crash
// recovery. In-memory views elsewhere are caches rebuilt from this
// store plus the ledgers.
package orderstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/secret"
)

// SchemaVersion is prefixed to every persisted record. A store opened
// against records written by a newer version refuses to load them.
const SchemaVersion = 1

type Status string

const (
	StatusCreated       Status = "created"
	StatusALocked       Status = "a_locked"
	StatusBothLocked    Status = "both_locked"
	StatusBClaimed      Status = "b_claimed"
	StatusAClaimed      Status = "a_claimed"
	StatusCompleted     Status = "completed"
	StatusRefundPending Status = "refund_pending"
	StatusRefunded      Status = "refunded"
	StatusFailed        Status = "failed"
	StatusExpired       Status = "expired"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed, StatusExpired:
		return true
	}
	return false
}

var (
	ErrOrderInvalid      = errors.New("order is invalid")
	ErrNewerSchema       = errors.New("record written by a newer schema version")
	ErrNotCreated        = errors.New("insert requires status == created")
	ErrIllegalTransition = errors.New("illegal order status transition")
)

// Leg is one side of the swap: everything the coordinator knows about
// the escrow on that ledger.
type Leg struct {
	Ledger     string `json:"ledger"`
	Initiator  string `json:"initiator"`
	Redeemer   string `json:"redeemer"`
	Token      string `json:"token"`
	Amount     uint64 `json:"amount"`
	TimelockMs uint64 `json:"timelock_ms"`

	EscrowID     string   `json:"escrow_id,omitempty"`
	DepositTx    string   `json:"deposit_tx,omitempty"`
	ClaimTxs     []string `json:"claim_txs,omitempty"`
	RefundTx     string   `json:"refund_tx,omitempty"`
	ClaimedTotal uint64   `json:"claimed_total"`
}

// Order binds the two escrows of a swap to one preimage. The secret is
// held until it has been revealed on-chain; Redact wipes it afterwards.
type Order struct {
	Version    int           `json:"v"`
	ID         [32]byte      `json:"-"`
	Secret     secret.Secret `json:"-"`
	SecretHash secret.Hash   `json:"-"`
	Algo       secret.Algo   `json:"algo"`

	PartialFills bool `json:"partial_fills"`

	SideA Leg `json:"side_a"`
	SideB Leg `json:"side_b"`

	CreatedAtMs uint64 `json:"created_at_ms"`
	ExpiresAtMs uint64 `json:"expires_at_ms"`

	Status     Status `json:"status"`
	FailReason string `json:"fail_reason,omitempty"`

	// set once the preimage has been observed in an on-chain claim
	SecretRevealed bool `json:"secret_revealed"`

	// a frozen record is kept for human review and never mutated again
	Frozen bool `json:"frozen"`
}

// jsonOrder is the canonical wire form. Field order is fixed so that
// serialize -> deserialize -> serialize is byte-identical.
type jsonOrder struct {
	Version        int    `json:"v"`
	ID             string `json:"order_id"`
	Secret         string `json:"secret"`
	SecretHash     string `json:"secret_hash"`
	Algo           string `json:"algo"`
	PartialFills   bool   `json:"partial_fills"`
	SideA          Leg    `json:"side_a"`
	SideB          Leg    `json:"side_b"`
	CreatedAtMs    uint64 `json:"created_at_ms"`
	ExpiresAtMs    uint64 `json:"expires_at_ms"`
	Status         string `json:"status"`
	FailReason     string `json:"fail_reason"`
	SecretRevealed bool   `json:"secret_revealed"`
	Frozen         bool   `json:"frozen"`
}

func (o *Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(&jsonOrder{
		Version:        o.Version,
		ID:             common.Bytes32ToHexStr(o.ID),
		Secret:         common.Bytes32ToHexStr([32]byte(o.Secret)),
		SecretHash:     common.Bytes32ToHexStr([32]byte(o.SecretHash)),
		Algo:           string(o.Algo),
		PartialFills:   o.PartialFills,
		SideA:          o.SideA,
		SideB:          o.SideB,
		CreatedAtMs:    o.CreatedAtMs,
		ExpiresAtMs:    o.ExpiresAtMs,
		Status:         string(o.Status),
		FailReason:     o.FailReason,
		SecretRevealed: o.SecretRevealed,
		Frozen:         o.Frozen,
	})
}

func (o *Order) UnmarshalJSON(data []byte) error {
	var j jsonOrder
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	if j.Version > SchemaVersion {
		return fmt.Errorf("%w: record v%d, coordinator v%d", ErrNewerSchema, j.Version, SchemaVersion)
	}

	o.Version = j.Version
	o.ID = common.HexStrToBytes32(j.ID)
	o.Secret = secret.Secret(common.HexStrToBytes32(j.Secret))
	o.SecretHash = secret.Hash(common.HexStrToBytes32(j.SecretHash))
	o.Algo = secret.Algo(j.Algo)
	o.PartialFills = j.PartialFills
	o.SideA = j.SideA
	o.SideB = j.SideB
	o.CreatedAtMs = j.CreatedAtMs
	o.ExpiresAtMs = j.ExpiresAtMs
	o.Status = Status(j.Status)
	o.FailReason = j.FailReason
	o.SecretRevealed = j.SecretRevealed
	o.Frozen = j.Frozen

	return nil
}

// Redact wipes the held secret. Called once the preimage is public
// on-chain; the revealed copy lives in the receipt, not here.
func (o *Order) Redact() {
	o.Secret = secret.Secret{}
	o.SecretRevealed = true
}

func (o *Order) IDHex() string {
	return common.Bytes32ToHexStr(o.ID)
}

func (o *Order) Clone() *Order {
	clone := *o
	clone.SideA.ClaimTxs = append([]string(nil), o.SideA.ClaimTxs...)
	clone.SideB.ClaimTxs = append([]string(nil), o.SideB.ClaimTxs...)
	return &clone
}

// CanTransition encodes the status DAG. Nothing leaves a terminal
// state; created -> failed is the only pre-deposit abort.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	switch from {
	case StatusCreated:
		return to == StatusALocked || to == StatusFailed || to == StatusExpired
	case StatusALocked:
		return to == StatusBothLocked || to == StatusRefundPending || to == StatusFailed || to == StatusExpired
	case StatusBothLocked:
		return to == StatusBClaimed || to == StatusRefundPending || to == StatusFailed || to == StatusExpired
	case StatusBClaimed:
		return to == StatusAClaimed || to == StatusCompleted || to == StatusRefundPending || to == StatusFailed
	case StatusAClaimed:
		return to == StatusCompleted || to == StatusFailed
	case StatusRefundPending:
		return to == StatusRefunded || to == StatusFailed
	}
	return false
}

func (o *Order) String() string {
	return fmt.Sprintf("Order { ID: %s, Hash: %s, Status: %s, A: %s/%d on %s, B: %s/%d on %s }",
		common.Shorten(o.IDHex(), 6), o.SecretHash.Hex(), o.Status,
		o.SideA.EscrowID, o.SideA.Amount, o.SideA.Ledger,
		o.SideB.EscrowID, o.SideB.Amount, o.SideB.Ledger,
	)
}
