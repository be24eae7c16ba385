// Package escrow is the pure HTLC escrow state machine shared by the
// in-memory simulator and by the coordinator's shadow of on-chain
// state. It performs no I/O; time is always the owning ledger's clock,
// passed in by the caller.
package escrow

import (
	"fmt"

	"github.com/TEENet-io/swap-go/secret"
)

type Status string

const (
	StatusOpen         Status = "open"
	StatusFullyClaimed Status = "fully_claimed"
	StatusRefunded     Status = "refunded"
)

// RejectCode identifies why a transition was refused. The codes cross
// the ledger adapter boundary verbatim so the coordinator can map
// on-chain reverts back onto state machine semantics.
type RejectCode string

const (
	RejectBadSecret         RejectCode = "bad_secret"
	RejectUnauthorized      RejectCode = "unauthorized"
	RejectAmountOutOfRange  RejectCode = "amount_out_of_range"
	RejectPartialNotAllowed RejectCode = "partial_not_allowed"
	RejectExpired           RejectCode = "expired"
	RejectTooEarly          RejectCode = "too_early"
	RejectNothingToRefund   RejectCode = "nothing_to_refund"
	RejectTerminal          RejectCode = "terminal"
	RejectZeroAmount        RejectCode = "zero_amount"
	RejectTimelockInPast    RejectCode = "timelock_in_past"
)

// Reject is the error type for every refused transition.
type Reject struct {
	Code RejectCode
}

func (r *Reject) Error() string {
	return fmt.Sprintf("escrow reject: %s", r.Code)
}

func reject(code RejectCode) *Reject {
	return &Reject{Code: code}
}

// ClaimEntry is one row of the append-only partial-fill log. The two
// derived totals (ClaimedTotal, Remaining) are reconstructible from it.
type ClaimEntry struct {
	TxID   string
	Amount uint64
	AtMs   uint64
}

// Escrow holds one side's lock. Amounts are in the smallest
// indivisible unit of the owning ledger.
type Escrow struct {
	Initiator    string
	Redeemer     string
	SecretHash   secret.Hash
	Deposited    uint64
	Remaining    uint64
	ClaimedTotal uint64
	TimelockMs   uint64
	PartialFills bool
	Status       Status

	Claims []ClaimEntry

	gen *secret.Generator
}

// Open is the deposit constructor, the only way an escrow comes into
// existence. ledgerNow is the depositing ledger's own clock.
func Open(
	gen *secret.Generator,
	initiator, redeemer string,
	hash secret.Hash,
	amount uint64,
	timelockMs uint64,
	partialFills bool,
	ledgerNow uint64,
) (*Escrow, error) {
	if amount == 0 {
		return nil, reject(RejectZeroAmount)
	}
	if timelockMs <= ledgerNow {
		return nil, reject(RejectTimelockInPast)
	}

	return &Escrow{
		Initiator:    initiator,
		Redeemer:     redeemer,
		SecretHash:   hash,
		Deposited:    amount,
		Remaining:    amount,
		ClaimedTotal: 0,
		TimelockMs:   timelockMs,
		PartialFills: partialFills,
		Status:       StatusOpen,
		gen:          gen,
	}, nil
}

// Claim releases requested amount to the redeemer against the
// preimage. Claims are blocked once the refund window opens
// (ledgerNow > timelock).
func (e *Escrow) Claim(preimage []byte, requested uint64, caller string, ledgerNow uint64, txID string) error {
	// a fully claimed escrow has nothing remaining, so the amount check
	// below rejects any further claim on it
	if e.Status == StatusRefunded {
		return reject(RejectTerminal)
	}
	if !e.gen.Verify(preimage, e.SecretHash) {
		return reject(RejectBadSecret)
	}
	if caller != e.Redeemer {
		return reject(RejectUnauthorized)
	}
	if requested == 0 || requested > e.Remaining {
		return reject(RejectAmountOutOfRange)
	}
	if !e.PartialFills && requested < e.Remaining {
		return reject(RejectPartialNotAllowed)
	}
	if ledgerNow > e.TimelockMs {
		return reject(RejectExpired)
	}

	e.Remaining -= requested
	e.ClaimedTotal += requested
	e.Claims = append(e.Claims, ClaimEntry{TxID: txID, Amount: requested, AtMs: ledgerNow})
	if e.Remaining == 0 {
		e.Status = StatusFullyClaimed
	}

	return nil
}

// Refund returns the remaining balance to the initiator once the
// timelock has elapsed. ledgerNow == timelock exactly is still too
// early.
func (e *Escrow) Refund(caller string, ledgerNow uint64) (uint64, error) {
	// a fully claimed escrow falls through to NothingToRefund below
	if e.Status == StatusRefunded {
		return 0, reject(RejectTerminal)
	}
	if ledgerNow <= e.TimelockMs {
		return 0, reject(RejectTooEarly)
	}
	if caller != e.Initiator {
		return 0, reject(RejectUnauthorized)
	}
	if e.Remaining == 0 {
		return 0, reject(RejectNothingToRefund)
	}

	refunded := e.Remaining
	e.Remaining = 0
	e.Status = StatusRefunded

	return refunded, nil
}

// CheckInvariant verifies claimed + remaining == deposited and the
// status/total consistency rules. Callers treat a violation as a fatal
// state machine bug, never something to retry.
func (e *Escrow) CheckInvariant() error {
	var sum uint64
	for _, c := range e.Claims {
		sum += c.Amount
	}
	if sum != e.ClaimedTotal {
		return fmt.Errorf("claim log sum %d != claimed total %d", sum, e.ClaimedTotal)
	}
	if e.Status == StatusRefunded {
		if e.Remaining != 0 {
			return fmt.Errorf("refunded escrow with remaining %d", e.Remaining)
		}
		return nil
	}
	if e.ClaimedTotal+e.Remaining != e.Deposited {
		return fmt.Errorf("claimed %d + remaining %d != deposited %d", e.ClaimedTotal, e.Remaining, e.Deposited)
	}
	if (e.Status == StatusFullyClaimed) != (e.Remaining == 0 && e.ClaimedTotal == e.Deposited) {
		return fmt.Errorf("status %s inconsistent with remaining %d / claimed %d", e.Status, e.Remaining, e.ClaimedTotal)
	}
	return nil
}

// ReplayClaims rebuilds the derived totals from the claim log, as done
// when reconciling an in-memory shadow from ledger events on restart.
func (e *Escrow) ReplayClaims() {
	var sum uint64
	for _, c := range e.Claims {
		sum += c.Amount
	}
	e.ClaimedTotal = sum
	if e.Status != StatusRefunded {
		e.Remaining = e.Deposited - sum
		if e.Remaining == 0 {
			e.Status = StatusFullyClaimed
		} else {
			e.Status = StatusOpen
		}
	}
}

func (e *Escrow) Clone() *Escrow {
	clone := *e
	clone.Claims = append([]ClaimEntry(nil), e.Claims...)
	return &clone
}

func (e *Escrow) String() string {
	return fmt.Sprintf(
		"Escrow { Initiator: %s, Redeemer: %s, Hash: %s, Deposited: %d, Remaining: %d, ClaimedTotal: %d, Timelock: %d, Partial: %v, Status: %s, Claims: %d }",
		e.Initiator, e.Redeemer, e.SecretHash.Hex(), e.Deposited, e.Remaining, e.ClaimedTotal, e.TimelockMs, e.PartialFills, e.Status, len(e.Claims),
	)
}
