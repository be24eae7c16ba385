package coordinator

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/swap-go/ledger"
	"github.com/TEENet-io/swap-go/orderstore"
	"github.com/TEENet-io/swap-go/secret"
	"github.com/TEENet-io/swap-go/simledger"
	"github.com/TEENet-io/swap-go/stream"
)

const (
	t0          = uint64(1_000_000)
	walletA     = "wallet-a"
	walletB     = "wallet-b"
	cpWallet    = "counterparty"
	waitTimeout = 5 * time.Second
)

type testEnv struct {
	coord    *Coordinator
	store    *orderstore.Store
	bus      *stream.Bus
	ledgerA  *simledger.Ledger
	ledgerB  *simledger.Ledger
	adapterA *simledger.Adapter
	adapterB *simledger.Adapter
	gen      *secret.Generator
}

func testConfig() *Config {
	cfg := DefaultConfig(secret.AlgoSHA256)
	cfg.LedgerNameA = "simchain-a"
	cfg.LedgerNameB = "simchain-b"
	cfg.ConfirmationsB = 1
	cfg.PollInterval = 2 * time.Millisecond
	cfg.RetryInitialBackoff = time.Millisecond
	cfg.RetryMaxBackoff = 5 * time.Millisecond
	return cfg
}

func newTestEnv(t *testing.T, cfg *Config) (*testEnv, func()) {
	gen, err := secret.NewGenerator(cfg.HashAlgo)
	require.NoError(t, err)

	lA := simledger.New("simchain-a", simledger.NewManualClock(t0), gen)
	lB := simledger.New("simchain-b", simledger.NewManualClock(t0), gen)
	aA := simledger.NewAdapter(lA, walletA)
	aB := simledger.NewAdapter(lB, walletB)
	lA.Fund(walletA, 10_000_000)
	lB.Fund(walletB, 1_000_000)

	st, err := orderstore.NewStore("sqlite3", ":memory:")
	require.NoError(t, err)

	bus := stream.NewBus(time.Hour)

	coord, err := New(cfg, st, bus, aA, aB)
	require.NoError(t, err)

	env := &testEnv{
		coord: coord, store: st, bus: bus,
		ledgerA: lA, ledgerB: lB,
		adapterA: aA, adapterB: aB,
		gen: gen,
	}
	return env, func() {
		bus.Stop()
		st.Close()
	}
}

func (env *testEnv) createOrder(t *testing.T) *orderstore.Order {
	o, err := env.coord.CreateOrder(context.Background(), &OrderParams{
		AmountA:   1_000_000,
		AmountB:   10_000,
		TokenA:    "unit-a",
		TokenB:    "unit-b",
		RedeemerB: cpWallet,
	})
	require.NoError(t, err)
	return o
}

func (env *testEnv) waitForStatus(t *testing.T, id [32]byte, want ...orderstore.Status) *orderstore.Order {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		o, ok, err := env.store.GetOrder(id)
		require.NoError(t, err)
		if ok {
			for _, w := range want {
				if o.Status == w {
					return o
				}
			}
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %v, have %s", want, o.Status)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// Happy path: counterparty claims B revealing the preimage, the
// coordinator claims A, order completes with both tx trails.
func TestHappyPath(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	o := env.createOrder(t)
	s := o.Secret

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.coord.Launch(ctx, o.ID)

	locked := env.waitForStatus(t, o.ID, orderstore.StatusBothLocked)
	require.NotEmpty(t, locked.SideA.EscrowID)
	require.NotEmpty(t, locked.SideB.EscrowID)

	_, err := env.ledgerB.CounterpartyClaim(locked.SideB.EscrowID, s[:], 10_000, cpWallet)
	require.NoError(t, err)

	done := env.waitForStatus(t, o.ID, orderstore.StatusCompleted)
	assert.Equal(t, uint64(1_000_000), done.SideA.ClaimedTotal)
	assert.Equal(t, uint64(10_000), done.SideB.ClaimedTotal)
	assert.Len(t, done.SideA.ClaimTxs, 1)
	assert.Len(t, done.SideB.ClaimTxs, 1)
	assert.True(t, done.SecretRevealed)
	assert.Equal(t, secret.Secret{}, done.Secret, "held secret must be redacted after reveal")

	snapA, err := env.adapterA.Observe(ctx, done.SideA.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snapA.Remaining)
	snapB, err := env.adapterB.Observe(ctx, done.SideB.EscrowID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snapB.Remaining)

	r, ok := env.bus.GetReceipt(o.IDHex())
	require.True(t, ok)
	assert.Equal(t, "completed", r.Status)
	assert.NotEmpty(t, r.SideA.DepositTx)
	assert.NotEmpty(t, r.SideB.DepositTx)
	assert.NotEmpty(t, r.RevealedPreimage)

	env.coord.Wait()
}

// Counterparty absent: the wait budget expires on ledger B's clock and
// both our deposits are refunded after their timelocks.
func TestCounterpartyAbsentRefund(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	o := env.createOrder(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.coord.Launch(ctx, o.ID)

	env.waitForStatus(t, o.ID, orderstore.StatusBothLocked)

	// close the counterparty window on B's clock
	env.ledgerB.Clock().Set(t0 + 1_800_000 - 300_000)
	env.waitForStatus(t, o.ID, orderstore.StatusRefundPending)

	// no refund lands until each timelock passes on its own ledger
	env.ledgerA.Clock().Set(t0 + 3_600_001)
	env.ledgerB.Clock().Set(t0 + 1_800_001)

	done := env.waitForStatus(t, o.ID, orderstore.StatusRefunded)
	assert.NotEmpty(t, done.SideA.RefundTx)
	assert.NotEmpty(t, done.SideB.RefundTx)
	assert.Empty(t, done.SideA.ClaimTxs, "no claim on A after the counterparty window")

	// both wallets whole again
	assert.Equal(t, uint64(10_000_000), env.ledgerA.BalanceOf(walletA))
	assert.Equal(t, uint64(1_000_000), env.ledgerB.BalanceOf(walletB))

	env.coord.Wait()
}

// Partial fills: two counterparty claims, proportional claims on A,
// exact totals at the end.
func TestPartialFills(t *testing.T) {
	cfg := testConfig()
	cfg.PartialFills = true
	env, cleanup := newTestEnv(t, cfg)
	defer cleanup()

	o := env.createOrder(t)
	s := o.Secret

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.coord.Launch(ctx, o.ID)

	locked := env.waitForStatus(t, o.ID, orderstore.StatusBothLocked)

	_, err := env.ledgerB.CounterpartyClaim(locked.SideB.EscrowID, s[:], 4_000, cpWallet)
	require.NoError(t, err)

	// coordinator mirrors the first fill proportionally
	mid := env.waitForStatus(t, o.ID, orderstore.StatusBClaimed)
	env.waitForClaimedA(t, o.ID, 400_000)
	_ = mid

	_, err = env.ledgerB.CounterpartyClaim(locked.SideB.EscrowID, s[:], 6_000, cpWallet)
	require.NoError(t, err)

	done := env.waitForStatus(t, o.ID, orderstore.StatusCompleted)
	assert.Equal(t, uint64(10_000), done.SideB.ClaimedTotal)
	assert.Equal(t, uint64(1_000_000), done.SideA.ClaimedTotal)
	assert.Len(t, done.SideB.ClaimTxs, 2)
	assert.Len(t, done.SideA.ClaimTxs, 2)

	env.coord.Wait()
}

func (env *testEnv) waitForClaimedA(t *testing.T, id [32]byte, want uint64) {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		o, _, err := env.store.GetOrder(id)
		require.NoError(t, err)
		if o.SideA.ClaimedTotal == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for claimed A %d, have %d", want, o.SideA.ClaimedTotal)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

// Wrong secret: the chain rejects the bogus claim, nothing is
// revealed, the order times out into refund.
func TestWrongSecretTimesOutToRefund(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	o := env.createOrder(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.coord.Launch(ctx, o.ID)

	locked := env.waitForStatus(t, o.ID, orderstore.StatusBothLocked)

	bogus := env.gen.Generate()
	_, err := env.ledgerB.CounterpartyClaim(locked.SideB.EscrowID, bogus[:], 10_000, cpWallet)
	require.Error(t, err)

	env.ledgerB.Clock().Set(t0 + 1_800_000)
	env.waitForStatus(t, o.ID, orderstore.StatusRefundPending)

	env.ledgerA.Clock().Set(t0 + 3_600_001)
	env.ledgerB.Clock().Set(t0 + 1_800_001)
	done := env.waitForStatus(t, o.ID, orderstore.StatusRefunded)
	assert.Empty(t, done.SideA.ClaimTxs)

	env.coord.Wait()
}

// Reorg: a claim observed below the confirmation threshold vanishes in
// a reorg; the coordinator must not have claimed A in the interim.
func TestReorgBeforeConfirmation(t *testing.T) {
	cfg := testConfig()
	cfg.ConfirmationsB = 3
	env, cleanup := newTestEnv(t, cfg)
	defer cleanup()

	o := env.createOrder(t)
	s := o.Secret

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.coord.Launch(ctx, o.ID)

	locked := env.waitForStatus(t, o.ID, orderstore.StatusBothLocked)

	env.ledgerB.SetAutoMine(false)
	claimTx, err := env.ledgerB.CounterpartyClaim(locked.SideB.EscrowID, s[:], 10_000, cpWallet)
	require.NoError(t, err)

	// one confirmation only; give the poller time to (not) act
	time.Sleep(50 * time.Millisecond)
	cur, _, err := env.store.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Empty(t, cur.SideA.ClaimTxs, "claimed A on an unconfirmed event")
	assert.Empty(t, cur.SideB.ClaimTxs)

	require.NoError(t, env.ledgerB.Reorg(claimTx))

	env.ledgerB.Clock().Set(t0 + 1_800_000)
	env.waitForStatus(t, o.ID, orderstore.StatusRefundPending)

	env.ledgerA.Clock().Set(t0 + 3_600_001)
	env.ledgerB.Clock().Set(t0 + 1_800_001)
	done := env.waitForStatus(t, o.ID, orderstore.StatusRefunded)
	assert.Empty(t, done.SideA.ClaimTxs)

	env.coord.Wait()
}

// Crash between persisting A_LOCKED and depositing on B: the restarted
// coordinator re-verifies escrow A on-chain and deposits B exactly
// once, with no duplicate deposit on A.
func TestCrashRecoveryBetweenDeposits(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	o := env.createOrder(t)
	s := o.Secret

	// run only the first deposit, then "crash"
	require.NoError(t, env.coord.depositA(context.Background(), mustGet(t, env, o.ID)))
	aLocked := env.waitForStatus(t, o.ID, orderstore.StatusALocked)
	balAfterA := env.ledgerA.BalanceOf(walletA)

	// restart: a fresh coordinator against the same store and chains
	coord2, err := New(testConfig(), env.store, env.bus, env.adapterA, env.adapterB)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, coord2.Resume(ctx))

	locked := env.waitForStatus(t, o.ID, orderstore.StatusBothLocked)
	assert.Equal(t, aLocked.SideA.EscrowID, locked.SideA.EscrowID, "escrow A must not be re-created")
	assert.Equal(t, balAfterA, env.ledgerA.BalanceOf(walletA), "no duplicate deposit on A")

	_, err = env.ledgerB.CounterpartyClaim(locked.SideB.EscrowID, s[:], 10_000, cpWallet)
	require.NoError(t, err)

	env.waitForStatus(t, o.ID, orderstore.StatusCompleted)
	coord2.Wait()
}

func mustGet(t *testing.T, env *testEnv, id [32]byte) *orderstore.Order {
	o, ok, err := env.store.GetOrder(id)
	require.NoError(t, err)
	require.True(t, ok)
	return o
}

// Re-driving a terminal order is a no-op.
func TestDriveIsIdempotentOnTerminalOrders(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	o := env.createOrder(t)
	s := o.Secret

	ctx := context.Background()
	env.coord.Launch(ctx, o.ID)
	locked := env.waitForStatus(t, o.ID, orderstore.StatusBothLocked)
	_, err := env.ledgerB.CounterpartyClaim(locked.SideB.EscrowID, s[:], 10_000, cpWallet)
	require.NoError(t, err)
	env.waitForStatus(t, o.ID, orderstore.StatusCompleted)
	env.coord.Wait()

	balA := env.ledgerA.BalanceOf(walletA)
	require.NoError(t, env.coord.Drive(ctx, o.ID))
	assert.Equal(t, balA, env.ledgerA.BalanceOf(walletA))
}

func TestCancelBeforeFirstDeposit(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	o := env.createOrder(t)
	require.NoError(t, env.coord.Cancel(o.ID))

	got := mustGet(t, env, o.ID)
	assert.Equal(t, orderstore.StatusFailed, got.Status)

	// cancelling twice (or late) is refused
	assert.ErrorIs(t, env.coord.Cancel(o.ID), ErrCancelTooLate)
}

func TestCancelTooLateAfterDeposit(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	o := env.createOrder(t)
	require.NoError(t, env.coord.depositA(context.Background(), mustGet(t, env, o.ID)))

	assert.ErrorIs(t, env.coord.Cancel(o.ID), ErrCancelTooLate)
}

func TestCreateOrderRejectsBadParams(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	_, err := env.coord.CreateOrder(context.Background(), &OrderParams{
		AmountA: 0, AmountB: 10, RedeemerB: cpWallet,
	})
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = env.coord.CreateOrder(context.Background(), &OrderParams{
		AmountA: 10, AmountB: 10,
	})
	assert.ErrorIs(t, err, ErrMissingAddress)

	// side A balance too small
	_, err = env.coord.CreateOrder(context.Background(), &OrderParams{
		AmountA: 100_000_000, AmountB: 10, RedeemerB: cpWallet,
	})
	assert.Equal(t, ledger.ClassInsufficientFunds, ledger.ClassOf(err))
}

func TestConfigValidation(t *testing.T) {
	cfg := testConfig()
	cfg.TimelockAMs = 1_800_000
	cfg.TimelockBMs = 1_700_000
	cfg.SafetyMarginMs = 300_000
	assert.ErrorIs(t, cfg.Validate(), ErrTimelockOrdering)

	cfg = testConfig()
	cfg.HashAlgo = secret.Algo("md5")
	assert.ErrorIs(t, cfg.Validate(), secret.ErrUnknownAlgo)

	// timelock_b + margin == timelock_a is still legal
	cfg = testConfig()
	cfg.TimelockAMs = 2_100_000
	cfg.TimelockBMs = 1_800_000
	cfg.SafetyMarginMs = 300_000
	assert.NoError(t, cfg.Validate())
}

// Transient faults on deposit are retried and the order still
// completes.
func TestTransientDepositRetries(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	env.ledgerA.FailNextWrite(ledger.ClassTransient)
	env.ledgerA.FailNextWrite(ledger.ClassTransient)

	o := env.createOrder(t)
	s := o.Secret

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.coord.Launch(ctx, o.ID)

	locked := env.waitForStatus(t, o.ID, orderstore.StatusBothLocked)
	_, err := env.ledgerB.CounterpartyClaim(locked.SideB.EscrowID, s[:], 10_000, cpWallet)
	require.NoError(t, err)

	env.waitForStatus(t, o.ID, orderstore.StatusCompleted)
	env.coord.Wait()
}

// A non-transient fault fails the order.
func TestInsufficientFundsMidwayFailsOrder(t *testing.T) {
	env, cleanup := newTestEnv(t, testConfig())
	defer cleanup()

	o := env.createOrder(t)

	// drain wallet B after the preflight check
	env.ledgerB.FailNextWrite(ledger.ClassInsufficientFunds)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.coord.Launch(ctx, o.ID)

	done := env.waitForStatus(t, o.ID, orderstore.StatusFailed)
	assert.NotEmpty(t, done.FailReason)

	env.coord.Wait()
}
