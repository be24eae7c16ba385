package verifier

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/ledger"
	"github.com/TEENet-io/swap-go/orderstore"
	"github.com/TEENet-io/swap-go/secret"
	"github.com/TEENet-io/swap-go/simledger"
)

type fixture struct {
	v       *Verifier
	store   *orderstore.Store
	ledgerA *simledger.Ledger
	ledgerB *simledger.Ledger
	gen     *secret.Generator
	order   *orderstore.Order
}

// builds a completed swap directly on the simulated chains and a
// matching order record
func newFixture(t *testing.T) (*fixture, func()) {
	gen, err := secret.NewGenerator(secret.AlgoSHA256)
	require.NoError(t, err)

	lA := simledger.New("chain-a", simledger.NewManualClock(1_000), gen)
	lB := simledger.New("chain-b", simledger.NewManualClock(1_000), gen)
	aA := simledger.NewAdapter(lA, "wallet-a")
	aB := simledger.NewAdapter(lB, "wallet-b")
	lA.Fund("wallet-a", 1_000_000)
	lB.Fund("wallet-b", 100_000)

	st, err := orderstore.NewStore("sqlite3", ":memory:")
	require.NoError(t, err)

	s := gen.Generate()
	hash := gen.HashOf(s)

	depA, err := aA.Deposit(context.Background(), &ledger.DepositParams{
		Redeemer: "wallet-a", SecretHash: hash, Amount: 500_000,
		TimelockMs: 1_000_000, Nonce: common.RandBytes32(),
	})
	require.NoError(t, err)
	depB, err := aB.Deposit(context.Background(), &ledger.DepositParams{
		Redeemer: "cp", SecretHash: hash, Amount: 5_000,
		TimelockMs: 500_000, Nonce: common.RandBytes32(),
	})
	require.NoError(t, err)

	claimB, err := lB.CounterpartyClaim(depB.EscrowID, s[:], 5_000, "cp")
	require.NoError(t, err)
	claimA, err := lA.CounterpartyClaim(depA.EscrowID, s[:], 500_000, "wallet-a")
	require.NoError(t, err)

	o := &orderstore.Order{
		ID:         common.RandBytes32(),
		Secret:     s,
		SecretHash: hash,
		Algo:       secret.AlgoSHA256,
		SideA: orderstore.Leg{
			Ledger: "chain-a", Initiator: "wallet-a", Redeemer: "wallet-a",
			Amount: 500_000, TimelockMs: 1_000_000,
			EscrowID: depA.EscrowID, DepositTx: depA.TxID,
			ClaimTxs: []string{claimA}, ClaimedTotal: 500_000,
		},
		SideB: orderstore.Leg{
			Ledger: "chain-b", Initiator: "wallet-b", Redeemer: "cp",
			Amount: 5_000, TimelockMs: 500_000,
			EscrowID: depB.EscrowID, DepositTx: depB.TxID,
			ClaimTxs: []string{claimB}, ClaimedTotal: 5_000,
		},
		CreatedAtMs: 1_000,
		Status:      orderstore.StatusCreated,
	}
	require.NoError(t, st.InsertOrder(o))

	f := &fixture{
		v:     New(st, aA, aB),
		store: st, ledgerA: lA, ledgerB: lB, gen: gen, order: o,
	}
	return f, func() { st.Close() }
}

func TestVerifyCompletedSwap(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	report, err := f.v.Verify(context.Background(), f.order.ID)
	require.NoError(t, err)

	assert.True(t, report.AllOK)
	// deposit + claim per side
	assert.Len(t, report.Phases, 4)
	for _, p := range report.Phases {
		assert.True(t, p.Found, "%s/%s", p.Phase, p.Side)
		assert.True(t, p.Confirmed)
		assert.True(t, p.EffectOK)
		assert.False(t, p.Reverted)
	}
}

func TestVerifyDetectsStaleClaimRecord(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	// record references a claim tx that never made it on-chain
	data, _, err := f.store.GetOrder(f.order.ID)
	require.NoError(t, err)
	data.SideA.ClaimTxs = []string{"0xdeadbeef"}
	require.NoError(t, f.store.UpdateOrder(data))

	report, err := f.v.Verify(context.Background(), f.order.ID)
	require.NoError(t, err)
	assert.False(t, report.AllOK)

	var found bool
	for _, p := range report.Phases {
		if p.Phase == "claim" && p.Side == "a" {
			found = true
			assert.False(t, p.Found)
			assert.False(t, p.EffectOK)
		}
	}
	assert.True(t, found)
}

func TestVerifyUnknownOrder(t *testing.T) {
	f, cleanup := newFixture(t)
	defer cleanup()

	_, err := f.v.Verify(context.Background(), common.RandBytes32())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
