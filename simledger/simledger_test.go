package simledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/swap-go/escrow"
	"github.com/TEENet-io/swap-go/ledger"
	"github.com/TEENet-io/swap-go/secret"
)

func newTestChain(t *testing.T) (*Ledger, *Adapter, *secret.Generator) {
	gen, err := secret.NewGenerator(secret.AlgoBlake2b256)
	require.NoError(t, err)

	l := New("testchain", NewManualClock(1_000), gen)
	adapter := NewAdapter(l, "wallet-1")
	l.Fund("wallet-1", 1_000_000)

	return l, adapter, gen
}

func deposit(t *testing.T, adapter *Adapter, gen *secret.Generator, amount uint64, partial bool) (*ledger.DepositResult, secret.Secret) {
	s := gen.Generate()
	res, err := adapter.Deposit(context.Background(), &ledger.DepositParams{
		Redeemer:     "wallet-2",
		SecretHash:   gen.HashOf(s),
		Amount:       amount,
		TimelockMs:   100_000,
		PartialFills: partial,
		Nonce:        [32]byte(gen.Generate()),
	})
	require.NoError(t, err)
	return res, s
}

func TestDepositAndObserve(t *testing.T) {
	l, adapter, gen := newTestChain(t)

	res, _ := deposit(t, adapter, gen, 10_000, false)
	assert.NotEmpty(t, res.EscrowID)
	assert.NotEmpty(t, res.TxID)

	snap, err := adapter.Observe(context.Background(), res.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), snap.Remaining)
	assert.Equal(t, uint64(0), snap.ClaimedTotal)
	assert.Equal(t, escrow.StatusOpen, snap.Status)
	require.Len(t, snap.Events, 1)
	assert.Equal(t, ledger.EventDeposited, snap.Events[0].Kind)
	assert.Equal(t, uint64(1), snap.Events[0].Confirmations)

	l.Mine(5)
	snap, err = adapter.Observe(context.Background(), res.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), snap.Events[0].Confirmations)

	// deposit debits the initiator
	assert.Equal(t, uint64(990_000), l.BalanceOf("wallet-1"))
}

func TestDepositInsufficientFunds(t *testing.T) {
	_, adapter, gen := newTestChain(t)
	s := gen.Generate()

	_, err := adapter.Deposit(context.Background(), &ledger.DepositParams{
		Redeemer:   "wallet-2",
		SecretHash: gen.HashOf(s),
		Amount:     2_000_000,
		TimelockMs: 100_000,
		Nonce:      [32]byte(gen.Generate()),
	})
	assert.Equal(t, ledger.ClassInsufficientFunds, ledger.ClassOf(err))
}

func TestDepositNonceDedup(t *testing.T) {
	l, adapter, gen := newTestChain(t)
	s := gen.Generate()
	nonce := [32]byte(gen.Generate())

	params := &ledger.DepositParams{
		Redeemer:   "wallet-2",
		SecretHash: gen.HashOf(s),
		Amount:     10_000,
		TimelockMs: 100_000,
		Nonce:      nonce,
	}

	first, err := adapter.Deposit(context.Background(), params)
	require.NoError(t, err)
	second, err := adapter.Deposit(context.Background(), params)
	require.NoError(t, err)

	assert.Equal(t, first.EscrowID, second.EscrowID)
	assert.Equal(t, first.TxID, second.TxID)
	// only one debit happened
	assert.Equal(t, uint64(990_000), l.BalanceOf("wallet-1"))
}

func TestCounterpartyClaimRevealsPreimage(t *testing.T) {
	l, adapter, gen := newTestChain(t)
	res, s := deposit(t, adapter, gen, 10_000, false)

	txID, err := l.CounterpartyClaim(res.EscrowID, s[:], 10_000, "wallet-2")
	require.NoError(t, err)

	snap, err := adapter.Observe(context.Background(), res.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusFullyClaimed, snap.Status)

	var claim *ledger.Event
	for i := range snap.Events {
		if snap.Events[i].Kind == ledger.EventClaimed {
			claim = &snap.Events[i]
		}
	}
	require.NotNil(t, claim)
	assert.Equal(t, txID, claim.TxID)
	assert.Equal(t, s[:], claim.RevealedPreimage)
	assert.Equal(t, uint64(10_000), l.BalanceOf("wallet-2"))
}

func TestClaimRejectMapsToContractReject(t *testing.T) {
	l, adapter, gen := newTestChain(t)
	res, _ := deposit(t, adapter, gen, 10_000, false)

	wrong := gen.Generate()
	_, err := l.CounterpartyClaim(res.EscrowID, wrong[:], 10_000, "wallet-2")
	assert.Equal(t, ledger.ClassContractReject, ledger.ClassOf(err))
	assert.Equal(t, escrow.RejectBadSecret, ledger.RejectCode(err))
}

func TestUnknownEscrowRejected(t *testing.T) {
	_, adapter, _ := newTestChain(t)

	_, err := adapter.Observe(context.Background(), "0x0000000000000000000000000000000000000000000000000000000000000001")
	assert.Equal(t, ledger.ClassContractReject, ledger.ClassOf(err))
}

func TestRefundAfterTimelock(t *testing.T) {
	l, adapter, gen := newTestChain(t)
	res, _ := deposit(t, adapter, gen, 10_000, false)

	_, err := adapter.Refund(context.Background(), &ledger.RefundParams{
		EscrowID: res.EscrowID,
		Nonce:    [32]byte(gen.Generate()),
	})
	assert.Equal(t, escrow.RejectTooEarly, ledger.RejectCode(err))

	l.Clock().Set(100_001)
	ref, err := adapter.Refund(context.Background(), &ledger.RefundParams{
		EscrowID: res.EscrowID,
		Nonce:    [32]byte(gen.Generate()),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), ref.Amount)
	assert.Equal(t, uint64(1_000_000), l.BalanceOf("wallet-1"))
}

func TestReorgRollsBackClaim(t *testing.T) {
	l, adapter, gen := newTestChain(t)
	res, s := deposit(t, adapter, gen, 10_000, true)

	txID, err := l.CounterpartyClaim(res.EscrowID, s[:], 4_000, "wallet-2")
	require.NoError(t, err)

	require.NoError(t, l.Reorg(txID))

	snap, err := adapter.Observe(context.Background(), res.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), snap.Remaining)
	assert.Equal(t, uint64(0), snap.ClaimedTotal)
	assert.Equal(t, escrow.StatusOpen, snap.Status)
	for _, ev := range snap.Events {
		assert.NotEqual(t, ledger.EventClaimed, ev.Kind)
	}
}

func TestBackwardClockJumpIsTransient(t *testing.T) {
	l, adapter, _ := newTestChain(t)

	_, err := adapter.Now(context.Background())
	require.NoError(t, err)

	l.Clock().InjectBackwardJump(500)
	_, err = adapter.Now(context.Background())
	assert.True(t, ledger.IsTransient(err))

	// next reading recovers
	_, err = adapter.Now(context.Background())
	assert.NoError(t, err)
}

func TestFailNextWrite(t *testing.T) {
	l, adapter, gen := newTestChain(t)
	l.FailNextWrite(ledger.ClassTransient)

	s := gen.Generate()
	_, err := adapter.Deposit(context.Background(), &ledger.DepositParams{
		Redeemer:   "wallet-2",
		SecretHash: gen.HashOf(s),
		Amount:     10_000,
		TimelockMs: 100_000,
		Nonce:      [32]byte(gen.Generate()),
	})
	assert.True(t, ledger.IsTransient(err))
}
