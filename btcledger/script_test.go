package btcledger

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TEENet-io/swap-go/secret"
)

func testScriptParts(t *testing.T) (secret.Hash, secret.Secret, []byte, []byte) {
	gen, err := secret.NewGenerator(secret.AlgoSHA256)
	require.NoError(t, err)
	s := gen.Generate()

	redeemerKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	initiatorKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	redeemerPKH := btcutil.Hash160(redeemerKey.PubKey().SerializeCompressed())
	initiatorPKH := btcutil.Hash160(initiatorKey.PubKey().SerializeCompressed())

	return gen.HashOf(s), s, redeemerPKH, initiatorPKH
}

func TestRedeemScriptRoundTrip(t *testing.T) {
	hash, _, redeemerPKH, initiatorPKH := testScriptParts(t)
	const lockTime = int64(1_900_000_000)

	script, err := BuildRedeemScript(hash, redeemerPKH, initiatorPKH, lockTime)
	require.NoError(t, err)

	parsed, err := ParseRedeemScript(script)
	require.NoError(t, err)
	assert.Equal(t, hash, parsed.SecretHash)
	assert.Equal(t, redeemerPKH, parsed.RedeemerPKH)
	assert.Equal(t, initiatorPKH, parsed.InitiatorPKH)
	assert.Equal(t, lockTime, parsed.LockTimeSec)
}

func TestParseRejectsForeignScripts(t *testing.T) {
	// a plain p2pkh script is not an escrow
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	p2pkh, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	_, err = ParseRedeemScript(p2pkh)
	assert.ErrorIs(t, err, ErrNotHTLCScript)

	_, err = ParseRedeemScript([]byte{txscript.OP_TRUE})
	assert.ErrorIs(t, err, ErrNotHTLCScript)
}

func TestScriptAddress(t *testing.T) {
	hash, _, redeemerPKH, initiatorPKH := testScriptParts(t)
	script, err := BuildRedeemScript(hash, redeemerPKH, initiatorPKH, 1_900_000_000)
	require.NoError(t, err)

	addr, err := ScriptAddress(script, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	assert.True(t, addr.IsForNet(&chaincfg.RegressionNetParams))
}

func TestClaimSigScriptCarriesPreimage(t *testing.T) {
	hash, s, redeemerPKH, initiatorPKH := testScriptParts(t)
	script, err := BuildRedeemScript(hash, redeemerPKH, initiatorPKH, 1_900_000_000)
	require.NoError(t, err)

	sig := make([]byte, 71)
	pub := make([]byte, 33)
	sigScript, err := ClaimSigScript(sig, pub, s[:], script)
	require.NoError(t, err)

	revealed, err := ExtractPreimage(sigScript)
	require.NoError(t, err)
	assert.Equal(t, s[:], revealed)
	assert.True(t, SpendsHashlockBranch(sigScript))
}

func TestRefundSigScriptHasNoPreimage(t *testing.T) {
	hash, _, redeemerPKH, initiatorPKH := testScriptParts(t)
	script, err := BuildRedeemScript(hash, redeemerPKH, initiatorPKH, 1_900_000_000)
	require.NoError(t, err)

	sig := make([]byte, 71)
	pub := make([]byte, 33)
	sigScript, err := RefundSigScript(sig, pub, script)
	require.NoError(t, err)

	_, err = ExtractPreimage(sigScript)
	assert.ErrorIs(t, err, ErrNoPreimage)
	assert.False(t, SpendsHashlockBranch(sigScript))
}

func TestEscrowIDRoundTrip(t *testing.T) {
	hash, _, redeemerPKH, initiatorPKH := testScriptParts(t)
	script, err := BuildRedeemScript(hash, redeemerPKH, initiatorPKH, 1_900_000_000)
	require.NoError(t, err)

	const txid = "aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899"
	id := encodeEscrowID(txid, 0, script)

	gotHash, gotVout, gotScript, err := decodeEscrowID(id)
	require.NoError(t, err)
	assert.Equal(t, txid, gotHash.String())
	assert.Equal(t, uint32(0), gotVout)
	assert.Equal(t, script, gotScript)
}

func TestDecodeEscrowIDRejectsGarbage(t *testing.T) {
	// unknown / fabricated escrow ids never pass validation
	for _, id := range []string{
		"",
		"0x0000000000000000000000000000000000000000000000000000000000000001",
		"nothex:0:aa",
		"aabbccddeeff00112233445566778899aabbccddeeff00112233445566778899:0:51",
	} {
		_, _, _, err := decodeEscrowID(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestCheckAlgo(t *testing.T) {
	assert.NoError(t, CheckAlgo(secret.AlgoSHA256))
	assert.ErrorIs(t, CheckAlgo(secret.AlgoBlake2b256), ErrWrongAlgoForBTC)
}
