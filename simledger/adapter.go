package simledger

import (
	"context"
	"fmt"

	"github.com/TEENet-io/swap-go/ledger"
)

// Adapter binds one wallet address on a simulated chain to the uniform
// ledger contract. Claim/refund nonce dedup happens at the ledger
// level, exactly as a chain-side nonce rule would.
type Adapter struct {
	l    *Ledger
	addr string
}

var _ ledger.Adapter = (*Adapter)(nil)

func NewAdapter(l *Ledger, addr string) *Adapter {
	return &Adapter{l: l, addr: addr}
}

func (a *Adapter) Deposit(_ context.Context, params *ledger.DepositParams) (*ledger.DepositResult, error) {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()

	p := *params
	if p.Initiator == "" {
		p.Initiator = a.addr
	}
	return a.l.depositLocked(&p)
}

func (a *Adapter) Claim(_ context.Context, params *ledger.ClaimParams) (*ledger.ClaimResult, error) {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()

	if txID, ok := a.l.byNonce[params.Nonce]; ok {
		return a.claimResultFor(params.EscrowID, txID)
	}
	if err := a.l.popInjectedFailure(); err != nil {
		return nil, err
	}

	txID, err := a.l.claimLocked(params.EscrowID, params.Preimage, params.Amount, a.addr)
	if err != nil {
		return nil, err
	}
	a.l.byNonce[params.Nonce] = txID

	return a.claimResultFor(params.EscrowID, txID)
}

// claimResultFor reads the revealed preimage back from the emitted
// event rather than echoing the submitted bytes.
func (a *Adapter) claimResultFor(escrowID, txID string) (*ledger.ClaimResult, error) {
	h, ok := a.l.escrows[escrowID]
	if !ok {
		return nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	for _, ev := range h.events {
		if ev.TxID == txID && ev.Kind == ledger.EventClaimed {
			return &ledger.ClaimResult{
				TxID:             txID,
				IncludedAtMs:     ev.AtMs,
				RevealedPreimage: append([]byte(nil), ev.RevealedPreimage...),
			}, nil
		}
	}
	return nil, ledger.Classified(ledger.ClassTxNotFound, fmt.Errorf("claim tx %s not found", txID))
}

func (a *Adapter) Refund(_ context.Context, params *ledger.RefundParams) (*ledger.RefundResult, error) {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()

	if txID, ok := a.l.byNonce[params.Nonce]; ok {
		return a.refundResultFor(params.EscrowID, txID)
	}
	if err := a.l.popInjectedFailure(); err != nil {
		return nil, err
	}

	txID, err := a.l.refundLocked(params.EscrowID, a.addr)
	if err != nil {
		return nil, err
	}
	a.l.byNonce[params.Nonce] = txID

	return a.refundResultFor(params.EscrowID, txID)
}

func (a *Adapter) refundResultFor(escrowID, txID string) (*ledger.RefundResult, error) {
	h, ok := a.l.escrows[escrowID]
	if !ok {
		return nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	for _, ev := range h.events {
		if ev.TxID == txID && ev.Kind == ledger.EventRefunded {
			return &ledger.RefundResult{TxID: txID, IncludedAtMs: ev.AtMs, Amount: ev.Amount}, nil
		}
	}
	return nil, ledger.Classified(ledger.ClassTxNotFound, fmt.Errorf("refund tx %s not found", txID))
}

func (a *Adapter) Observe(_ context.Context, escrowID string) (*ledger.Snapshot, error) {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()
	return a.l.snapshotLocked(escrowID)
}

func (a *Adapter) Now(_ context.Context) (uint64, error) {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()
	return a.l.readClock()
}

func (a *Adapter) Address() string {
	return a.addr
}

func (a *Adapter) Balance(_ context.Context) (uint64, error) {
	return a.l.BalanceOf(a.addr), nil
}

func (a *Adapter) VerifyTx(_ context.Context, txID string) (*ledger.TxVerification, error) {
	a.l.mu.Lock()
	defer a.l.mu.Unlock()

	tx, ok := a.l.txs[txID]
	if !ok {
		return &ledger.TxVerification{Found: false}, nil
	}
	return &ledger.TxVerification{
		Found:       true,
		Confirmed:   true,
		BlockNumber: tx.includedAtHeight,
		Reverted:    tx.reverted,
	}, nil
}

func (a *Adapter) ExplorerURL(txID string) string {
	return fmt.Sprintf("sim://%s/tx/%s", a.l.name, txID)
}
