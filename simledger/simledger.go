// Package simledger is a deterministic in-memory ledger implementing
// the adapter contract. It hosts real escrow state machines, a manual
// clock and block-height based confirmations, and supports fault
// injection (classified failures, reorgs, backward clock jumps). The
// coordinator cannot distinguish it from a chain-backed adapter; it is
// used only by tests.
package simledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/escrow"
	"github.com/TEENet-io/swap-go/ledger"
	"github.com/TEENet-io/swap-go/secret"
)

type hostedEscrow struct {
	machine *escrow.Escrow
	events  []ledger.Event
}

type simTx struct {
	includedAtHeight uint64
	reverted         bool
}

// Ledger is one simulated chain. Multiple adapters (one per wallet)
// may share it.
type Ledger struct {
	mu sync.Mutex

	name   string
	clock  *ManualClock
	gen    *secret.Generator
	height uint64

	escrows  map[string]*hostedEscrow
	txs      map[string]*simTx
	balances map[string]uint64
	byNonce  map[[32]byte]string // nonce -> txID, write dedup

	lastNow  uint64
	failNext []ledger.Class

	autoMine bool
}

func New(name string, clock *ManualClock, gen *secret.Generator) *Ledger {
	return &Ledger{
		name:     name,
		clock:    clock,
		gen:      gen,
		height:   1,
		escrows:  make(map[string]*hostedEscrow),
		txs:      make(map[string]*simTx),
		balances: make(map[string]uint64),
		byNonce:  make(map[[32]byte]string),
		autoMine: true,
	}
}

func (l *Ledger) Clock() *ManualClock {
	return l.clock
}

func (l *Ledger) Fund(addr string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] += amount
}

func (l *Ledger) BalanceOf(addr string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[addr]
}

// Mine appends n empty blocks, growing every inclusion's confirmation
// count.
func (l *Ledger) Mine(n uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.height += n
}

// SetAutoMine controls whether each write is immediately included in a
// fresh block. With autoMine off, writes stay at the current height
// until Mine is called (confirmations stay at 1).
func (l *Ledger) SetAutoMine(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.autoMine = on
}

// FailNextWrite makes the next write operation fail with the given
// classification before touching any state.
func (l *Ledger) FailNextWrite(class ledger.Class) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = append(l.failNext, class)
}

// Reorg drops a claim transaction as a chain reorganization would:
// the event disappears and the escrow's accounting is rolled back.
func (l *Ledger) Reorg(txID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.txs[txID]; !ok {
		return fmt.Errorf("simledger: no such tx %s", txID)
	}
	delete(l.txs, txID)

	for _, h := range l.escrows {
		kept := h.events[:0]
		for _, ev := range h.events {
			if ev.TxID == txID && ev.Kind == ledger.EventClaimed {
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == len(h.events) {
			continue
		}
		h.events = kept

		// roll the machine's claim log back and rebuild totals
		claims := h.machine.Claims[:0]
		for _, c := range h.machine.Claims {
			if c.TxID == txID {
				continue
			}
			claims = append(claims, c)
		}
		h.machine.Claims = claims
		h.machine.ReplayClaims()
	}

	return nil
}

// CounterpartyClaim performs a claim signed by an arbitrary caller,
// standing in for the remote party racing us on this chain.
func (l *Ledger) CounterpartyClaim(escrowID string, preimage []byte, amount uint64, caller string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.claimLocked(escrowID, preimage, amount, caller)
}

// CounterpartyRefund performs a refund as an arbitrary initiator.
func (l *Ledger) CounterpartyRefund(escrowID string, caller string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refundLocked(escrowID, caller)
}

func (l *Ledger) confirmations(tx *simTx) uint64 {
	return l.height - tx.includedAtHeight + 1
}

func (l *Ledger) include(atMs uint64) (string, uint64) {
	if l.autoMine {
		l.height++
	}
	txID := common.Bytes32ToHexStr(common.RandBytes32())
	l.txs[txID] = &simTx{includedAtHeight: l.height}
	return txID, atMs
}

func (l *Ledger) popInjectedFailure() error {
	if len(l.failNext) == 0 {
		return nil
	}
	class := l.failNext[0]
	l.failNext = l.failNext[1:]
	return ledger.Classified(class, errors.New("injected failure"))
}

func (l *Ledger) readClock() (uint64, error) {
	now := l.clock.NowMs()
	if now < l.lastNow {
		return 0, ledger.Transient(fmt.Errorf("ledger clock went backwards: %d < %d", now, l.lastNow))
	}
	l.lastNow = now
	return now, nil
}

func (l *Ledger) depositLocked(params *ledger.DepositParams) (*ledger.DepositResult, error) {
	if err := l.popInjectedFailure(); err != nil {
		return nil, err
	}
	if txID, ok := l.byNonce[params.Nonce]; ok {
		// duplicate submission, return the original inclusion
		for id, h := range l.escrows {
			for _, ev := range h.events {
				if ev.TxID == txID && ev.Kind == ledger.EventDeposited {
					return &ledger.DepositResult{EscrowID: id, TxID: txID, IncludedAtMs: ev.AtMs}, nil
				}
			}
		}
	}

	now, err := l.readClock()
	if err != nil {
		return nil, err
	}

	if l.balances[params.Initiator] < params.Amount {
		return nil, ledger.Classified(ledger.ClassInsufficientFunds,
			fmt.Errorf("balance %d < deposit %d", l.balances[params.Initiator], params.Amount))
	}

	machine, err := escrow.Open(
		l.gen,
		params.Initiator,
		params.Redeemer,
		params.SecretHash,
		params.Amount,
		params.TimelockMs,
		params.PartialFills,
		now,
	)
	if err != nil {
		var rej *escrow.Reject
		if errors.As(err, &rej) {
			return nil, ledger.ContractReject(rej.Code, err)
		}
		return nil, ledger.Transient(err)
	}

	l.balances[params.Initiator] -= params.Amount

	escrowID := common.Bytes32ToHexStr(common.RandBytes32())
	txID, atMs := l.include(now)
	l.byNonce[params.Nonce] = txID

	l.escrows[escrowID] = &hostedEscrow{
		machine: machine,
		events: []ledger.Event{{
			Kind:       ledger.EventDeposited,
			EscrowID:   escrowID,
			TxID:       txID,
			Amount:     params.Amount,
			AtMs:       atMs,
			SecretHash: params.SecretHash,
			Initiator:  params.Initiator,
			Redeemer:   params.Redeemer,
			TimelockMs: params.TimelockMs,
		}},
	}

	return &ledger.DepositResult{EscrowID: escrowID, TxID: txID, IncludedAtMs: atMs}, nil
}

func (l *Ledger) claimLocked(escrowID string, preimage []byte, amount uint64, caller string) (string, error) {
	h, ok := l.escrows[escrowID]
	if !ok {
		return "", ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}

	now, err := l.readClock()
	if err != nil {
		return "", err
	}

	txID := common.Bytes32ToHexStr(common.RandBytes32())
	if err := h.machine.Claim(preimage, amount, caller, now, txID); err != nil {
		var rej *escrow.Reject
		if errors.As(err, &rej) {
			return "", ledger.ContractReject(rej.Code, err)
		}
		return "", ledger.Transient(err)
	}

	if l.autoMine {
		l.height++
	}
	l.txs[txID] = &simTx{includedAtHeight: l.height}
	l.balances[caller] += amount

	h.events = append(h.events, ledger.Event{
		Kind:             ledger.EventClaimed,
		EscrowID:         escrowID,
		TxID:             txID,
		Amount:           amount,
		AtMs:             now,
		RevealedPreimage: append([]byte(nil), preimage...),
	})

	return txID, nil
}

func (l *Ledger) refundLocked(escrowID string, caller string) (string, error) {
	h, ok := l.escrows[escrowID]
	if !ok {
		return "", ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}

	now, err := l.readClock()
	if err != nil {
		return "", err
	}

	amount, err := h.machine.Refund(caller, now)
	if err != nil {
		var rej *escrow.Reject
		if errors.As(err, &rej) {
			return "", ledger.ContractReject(rej.Code, err)
		}
		return "", ledger.Transient(err)
	}

	txID, atMs := l.include(now)
	l.balances[caller] += amount

	h.events = append(h.events, ledger.Event{
		Kind:     ledger.EventRefunded,
		EscrowID: escrowID,
		TxID:     txID,
		Amount:   amount,
		AtMs:     atMs,
	})

	return txID, nil
}

func (l *Ledger) snapshotLocked(escrowID string) (*ledger.Snapshot, error) {
	h, ok := l.escrows[escrowID]
	if !ok {
		return nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}

	events := make([]ledger.Event, len(h.events))
	copy(events, h.events)
	for i := range events {
		if tx, ok := l.txs[events[i].TxID]; ok {
			events[i].Confirmations = l.confirmations(tx)
		}
	}

	m := h.machine
	return &ledger.Snapshot{
		EscrowID:     escrowID,
		Remaining:    m.Remaining,
		ClaimedTotal: m.ClaimedTotal,
		Deposited:    m.Deposited,
		TimelockMs:   m.TimelockMs,
		Status:       m.Status,
		Events:       events,
	}, nil
}
