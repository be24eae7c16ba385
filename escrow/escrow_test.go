package escrow

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/swap-go/secret"
)

const (
	initiator = "addr-initiator"
	redeemer  = "addr-redeemer"
)

func newTestEscrow(t *testing.T, amount uint64, partial bool) (*Escrow, secret.Secret, *secret.Generator) {
	gen, err := secret.NewGenerator(secret.AlgoSHA256)
	require.NoError(t, err)

	s := gen.Generate()
	e, err := Open(gen, initiator, redeemer, gen.HashOf(s), amount, 10_000, partial, 1_000)
	require.NoError(t, err)

	return e, s, gen
}

func rejectCode(t *testing.T, err error) RejectCode {
	t.Helper()
	var rej *Reject
	require.ErrorAs(t, err, &rej)
	return rej.Code
}

func TestOpenRejects(t *testing.T) {
	gen, _ := secret.NewGenerator(secret.AlgoSHA256)
	s := gen.Generate()
	h := gen.HashOf(s)

	_, err := Open(gen, initiator, redeemer, h, 0, 10_000, false, 1_000)
	assert.Equal(t, RejectZeroAmount, rejectCode(t, err))

	_, err = Open(gen, initiator, redeemer, h, 100, 1_000, false, 1_000)
	assert.Equal(t, RejectTimelockInPast, rejectCode(t, err))

	_, err = Open(gen, initiator, redeemer, h, 100, 999, false, 1_000)
	assert.Equal(t, RejectTimelockInPast, rejectCode(t, err))
}

func TestClaimFull(t *testing.T) {
	e, s, _ := newTestEscrow(t, 1_000_000, false)

	err := e.Claim(s[:], 1_000_000, redeemer, 2_000, "tx1")
	assert.NoError(t, err)
	assert.Equal(t, StatusFullyClaimed, e.Status)
	assert.Equal(t, uint64(0), e.Remaining)
	assert.Equal(t, uint64(1_000_000), e.ClaimedTotal)
	assert.NoError(t, e.CheckInvariant())

	// nothing remains, so one more unit is out of range
	err = e.Claim(s[:], 1, redeemer, 2_100, "tx2")
	assert.Equal(t, RejectAmountOutOfRange, rejectCode(t, err))
}

func TestClaimRejects(t *testing.T) {
	e, s, gen := newTestEscrow(t, 10_000, false)

	bad := gen.Generate()
	err := e.Claim(bad[:], 10_000, redeemer, 2_000, "tx")
	assert.Equal(t, RejectBadSecret, rejectCode(t, err))

	err = e.Claim(s[:], 10_000, "someone-else", 2_000, "tx")
	assert.Equal(t, RejectUnauthorized, rejectCode(t, err))

	err = e.Claim(s[:], 0, redeemer, 2_000, "tx")
	assert.Equal(t, RejectAmountOutOfRange, rejectCode(t, err))

	err = e.Claim(s[:], 10_001, redeemer, 2_000, "tx")
	assert.Equal(t, RejectAmountOutOfRange, rejectCode(t, err))

	err = e.Claim(s[:], 9_999, redeemer, 2_000, "tx")
	assert.Equal(t, RejectPartialNotAllowed, rejectCode(t, err))

	// claims are blocked after the refund window opens
	err = e.Claim(s[:], 10_000, redeemer, 10_001, "tx")
	assert.Equal(t, RejectExpired, rejectCode(t, err))

	// claim at exactly the timelock still succeeds
	err = e.Claim(s[:], 10_000, redeemer, 10_000, "tx")
	assert.NoError(t, err)
}

func TestPartialFills(t *testing.T) {
	e, s, _ := newTestEscrow(t, 10_000, true)

	err := e.Claim(s[:], 4_000, redeemer, 2_000, "tx1")
	assert.NoError(t, err)
	assert.Equal(t, StatusOpen, e.Status)
	assert.Equal(t, uint64(6_000), e.Remaining)

	err = e.Claim(s[:], 6_000, redeemer, 2_500, "tx2")
	assert.NoError(t, err)
	assert.Equal(t, StatusFullyClaimed, e.Status)
	assert.Equal(t, uint64(0), e.Remaining)
	assert.Equal(t, uint64(10_000), e.ClaimedTotal)
	assert.Len(t, e.Claims, 2)
	assert.NoError(t, e.CheckInvariant())

	// one more unit is out of range
	err = e.Claim(s[:], 1, redeemer, 2_600, "tx3")
	assert.Equal(t, RejectAmountOutOfRange, rejectCode(t, err))
}

func TestRefund(t *testing.T) {
	e, _, _ := newTestEscrow(t, 5_000, false)

	// at ledgerNow == timelock exactly, refund is too early
	_, err := e.Refund(initiator, 10_000)
	assert.Equal(t, RejectTooEarly, rejectCode(t, err))

	_, err = e.Refund(redeemer, 10_001)
	assert.Equal(t, RejectUnauthorized, rejectCode(t, err))

	refunded, err := e.Refund(initiator, 10_001)
	assert.NoError(t, err)
	assert.Equal(t, uint64(5_000), refunded)
	assert.Equal(t, StatusRefunded, e.Status)
	assert.Equal(t, uint64(0), e.Remaining)

	_, err = e.Refund(initiator, 10_002)
	assert.Equal(t, RejectTerminal, rejectCode(t, err))
}

func TestRefundAfterPartialClaims(t *testing.T) {
	e, s, _ := newTestEscrow(t, 10_000, true)

	require.NoError(t, e.Claim(s[:], 4_000, redeemer, 2_000, "tx1"))

	refunded, err := e.Refund(initiator, 10_001)
	assert.NoError(t, err)
	assert.Equal(t, uint64(6_000), refunded)
	assert.Equal(t, uint64(4_000), e.ClaimedTotal)
	assert.NoError(t, e.CheckInvariant())
}

func TestRefundNothingLeft(t *testing.T) {
	e, s, _ := newTestEscrow(t, 10_000, false)
	require.NoError(t, e.Claim(s[:], 10_000, redeemer, 2_000, "tx1"))

	_, err := e.Refund(initiator, 10_001)
	assert.Equal(t, RejectNothingToRefund, rejectCode(t, err))
}

func TestReplayClaims(t *testing.T) {
	e, s, _ := newTestEscrow(t, 10_000, true)
	require.NoError(t, e.Claim(s[:], 3_000, redeemer, 2_000, "tx1"))
	require.NoError(t, e.Claim(s[:], 2_000, redeemer, 2_100, "tx2"))

	// wipe derived totals, rebuild from the log
	e.ClaimedTotal = 0
	e.Remaining = 0
	e.ReplayClaims()
	assert.Equal(t, uint64(5_000), e.ClaimedTotal)
	assert.Equal(t, uint64(5_000), e.Remaining)
	assert.Equal(t, StatusOpen, e.Status)
	assert.NoError(t, e.CheckInvariant())
}

// Random transition sequences preserve the accounting invariant.
func TestInvariantUnderRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 200; i++ {
		deposited := uint64(rng.Intn(100_000) + 1)
		e, s, gen := newTestEscrow(t, deposited, true)

		for step := 0; step < 20 && e.Status == StatusOpen; step++ {
			now := uint64(1_000 + rng.Intn(11_000))
			switch rng.Intn(4) {
			case 0:
				amt := uint64(rng.Intn(int(deposited)) + 1)
				_ = e.Claim(s[:], amt, redeemer, now, "tx")
			case 1:
				bad := gen.Generate()
				_ = e.Claim(bad[:], 1, redeemer, now, "tx")
			case 2:
				_, _ = e.Refund(initiator, now)
			case 3:
				_, _ = e.Refund(redeemer, now)
			}
			require.NoError(t, e.CheckInvariant(), "seq %d step %d: %s", i, step, e)
		}
	}
}
