// Package verifier re-checks a stored order against both ledgers: for
// every phase the record claims happened, is the transaction found,
// confirmed, and did it have the expected effect on escrow state.
// Pure reads, intended for audit and the "am I really done?" surface.
package verifier

import (
	"context"
	"errors"

	"github.com/TEENet-io/swap-go/escrow"
	"github.com/TEENet-io/swap-go/ledger"
	"github.com/TEENet-io/swap-go/orderstore"
)

var ErrOrderNotFound = errors.New("order not found")

// PhaseCheck is the verdict for one expected transaction.
type PhaseCheck struct {
	Phase     string `json:"phase"`
	Side      string `json:"side"`
	TxID      string `json:"tx_id"`
	Found     bool   `json:"found"`
	Confirmed bool   `json:"confirmed"`
	Reverted  bool   `json:"reverted"`
	EffectOK  bool   `json:"effect_ok"`
	Detail    string `json:"detail,omitempty"`
}

type Report struct {
	OrderID string       `json:"order_id"`
	Status  string       `json:"status"`
	Phases  []PhaseCheck `json:"phases"`
	AllOK   bool         `json:"all_ok"`
}

type Verifier struct {
	store    *orderstore.Store
	adapterA ledger.Adapter
	adapterB ledger.Adapter
}

func New(store *orderstore.Store, adapterA, adapterB ledger.Adapter) *Verifier {
	return &Verifier{store: store, adapterA: adapterA, adapterB: adapterB}
}

func (v *Verifier) Verify(ctx context.Context, orderID [32]byte) (*Report, error) {
	o, ok, err := v.store.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOrderNotFound
	}

	report := &Report{
		OrderID: o.IDHex(),
		Status:  string(o.Status),
	}

	v.checkLeg(ctx, report, "a", v.adapterA, &o.SideA)
	v.checkLeg(ctx, report, "b", v.adapterB, &o.SideB)

	report.AllOK = true
	for _, p := range report.Phases {
		if !p.Found || !p.Confirmed || p.Reverted || !p.EffectOK {
			report.AllOK = false
			break
		}
	}

	return report, nil
}

func (v *Verifier) checkLeg(ctx context.Context, report *Report, side string, adapter ledger.Adapter, leg *orderstore.Leg) {
	var snap *ledger.Snapshot
	if leg.EscrowID != "" {
		snap, _ = adapter.Observe(ctx, leg.EscrowID)
	}

	if leg.DepositTx != "" {
		check := v.checkTx(ctx, adapter, "deposit", side, leg.DepositTx)
		if snap == nil {
			check.EffectOK = false
			check.Detail = "escrow not observable"
		} else if snap.Deposited != leg.Amount {
			check.EffectOK = false
			check.Detail = "deposited amount mismatch"
		}
		report.Phases = append(report.Phases, check)
	}

	var claimedOnChain uint64
	if snap != nil {
		claimedOnChain = snap.ClaimedTotal
	}
	for _, tx := range leg.ClaimTxs {
		check := v.checkTx(ctx, adapter, "claim", side, tx)
		if snap == nil || !v.claimEventExists(snap, tx) {
			check.EffectOK = false
			check.Detail = "claim event not found on ledger"
		}
		report.Phases = append(report.Phases, check)
	}
	if len(leg.ClaimTxs) > 0 && claimedOnChain != leg.ClaimedTotal {
		report.Phases = append(report.Phases, PhaseCheck{
			Phase:    "claim_total",
			Side:     side,
			EffectOK: false,
			Found:    true,
			Detail:   "recorded claimed total diverges from ledger",
		})
	}

	if leg.RefundTx != "" {
		check := v.checkTx(ctx, adapter, "refund", side, leg.RefundTx)
		if snap == nil || snap.Status != escrow.StatusRefunded {
			check.EffectOK = false
			check.Detail = "escrow not refunded on ledger"
		}
		report.Phases = append(report.Phases, check)
	}
}

func (v *Verifier) checkTx(ctx context.Context, adapter ledger.Adapter, phase, side, txID string) PhaseCheck {
	check := PhaseCheck{Phase: phase, Side: side, TxID: txID, EffectOK: true}

	res, err := adapter.VerifyTx(ctx, txID)
	if err != nil {
		check.Detail = err.Error()
		return check
	}

	check.Found = res.Found
	check.Confirmed = res.Confirmed
	check.Reverted = res.Reverted

	return check
}

func (v *Verifier) claimEventExists(snap *ledger.Snapshot, txID string) bool {
	for _, ev := range snap.Events {
		if ev.Kind == ledger.EventClaimed && ev.TxID == txID {
			return true
		}
	}
	return false
}
