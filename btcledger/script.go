// HTLC script assembly for the UTXO side. The escrow is a P2SH output
// whose redeem script has a hashlock branch for the redeemer and a
// CLTV branch for the initiator:
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY OP_DUP OP_HASH160 <redeemer_pkh>
//	OP_ELSE
//	    <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP OP_DUP OP_HASH160 <initiator_pkh>
//	OP_ENDIF
//	OP_EQUALVERIFY OP_CHECKSIG
//
// OP_SHA256 is the only hash opcode that matches a supported order
// algorithm, so an order with a btc leg is constrained to sha-256.
package btcledger

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/swap-go/secret"
)

var (
	ErrNotHTLCScript   = errors.New("script is not a swap redeem script")
	ErrNoPreimage      = errors.New("spending input carries no preimage")
	ErrPartialOnUTXO   = errors.New("partial fills are not expressible on a utxo ledger")
	ErrWrongAlgoForBTC = errors.New("btc leg requires the sha-256 hash algorithm")
)

// BuildRedeemScript assembles the escrow redeem script. The locktime
// is in unix seconds, the chain's native unit.
func BuildRedeemScript(hash secret.Hash, redeemerPKH, initiatorPKH []byte, lockTimeSec int64) ([]byte, error) {
	b := txscript.NewScriptBuilder()

	b.AddOp(txscript.OP_IF)
	b.AddOp(txscript.OP_SHA256)
	b.AddData(hash[:])
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(redeemerPKH)
	b.AddOp(txscript.OP_ELSE)
	b.AddInt64(lockTimeSec)
	b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	b.AddOp(txscript.OP_DROP)
	b.AddOp(txscript.OP_DUP)
	b.AddOp(txscript.OP_HASH160)
	b.AddData(initiatorPKH)
	b.AddOp(txscript.OP_ENDIF)
	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIG)

	return b.Script()
}

// ScriptAddress wraps the redeem script into its P2SH address.
func ScriptAddress(redeemScript []byte, params *chaincfg.Params) (*btcutil.AddressScriptHash, error) {
	return btcutil.NewAddressScriptHash(redeemScript, params)
}

// ClaimSigScript spends the hashlock branch. The preimage sits in the
// input script, which is how a watcher on this chain recovers the
// secret.
func ClaimSigScript(sig, pubKey, preimage, redeemScript []byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddData(sig)
	b.AddData(pubKey)
	b.AddData(preimage)
	b.AddOp(txscript.OP_TRUE)
	b.AddData(redeemScript)
	return b.Script()
}

// RefundSigScript spends the timeout branch.
func RefundSigScript(sig, pubKey, redeemScript []byte) ([]byte, error) {
	b := txscript.NewScriptBuilder()
	b.AddData(sig)
	b.AddData(pubKey)
	b.AddOp(txscript.OP_FALSE)
	b.AddData(redeemScript)
	return b.Script()
}

// parsedRedeemScript is the decoded form of a swap redeem script.
type parsedRedeemScript struct {
	SecretHash   secret.Hash
	RedeemerPKH  []byte
	InitiatorPKH []byte
	LockTimeSec  int64
}

// ParseRedeemScript validates the script template and extracts its
// parameters. Anything that deviates from the exact template is
// rejected; no foreign escrow shapes are carried forward.
func ParseRedeemScript(script []byte) (*parsedRedeemScript, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	var (
		ops    []byte
		pushes [][]byte
		nums   []int64
	)
	for tokenizer.Next() {
		op := tokenizer.Opcode()
		data := tokenizer.Data()
		switch {
		case data != nil:
			pushes = append(pushes, data)
			ops = append(ops, 0) // placeholder for a push slot
		case op >= txscript.OP_1 && op <= txscript.OP_16:
			nums = append(nums, int64(op-txscript.OP_1+1))
			ops = append(ops, 1)
		default:
			ops = append(ops, op)
		}
	}
	if tokenizer.Err() != nil {
		return nil, tokenizer.Err()
	}

	// pushes: secret hash, redeemer pkh, locktime, initiator pkh
	// (locktime rides in a push for any realistic timestamp)
	wantOps := []byte{
		txscript.OP_IF, txscript.OP_SHA256, 0, txscript.OP_EQUALVERIFY,
		txscript.OP_DUP, txscript.OP_HASH160, 0,
		txscript.OP_ELSE, 0, txscript.OP_CHECKLOCKTIMEVERIFY, txscript.OP_DROP,
		txscript.OP_DUP, txscript.OP_HASH160, 0,
		txscript.OP_ENDIF, txscript.OP_EQUALVERIFY, txscript.OP_CHECKSIG,
	}
	if !bytes.Equal(ops, wantOps) {
		return nil, ErrNotHTLCScript
	}
	if len(pushes) != 4 || len(pushes[0]) != 32 || len(pushes[1]) != 20 || len(pushes[3]) != 20 {
		return nil, ErrNotHTLCScript
	}

	lockTime, err := decodeScriptNum(pushes[2])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotHTLCScript, err)
	}

	parsed := &parsedRedeemScript{
		RedeemerPKH:  pushes[1],
		InitiatorPKH: pushes[3],
		LockTimeSec:  lockTime,
	}
	copy(parsed.SecretHash[:], pushes[0])

	return parsed, nil
}

// decodeScriptNum reads a minimally-encoded little-endian script
// integer.
func decodeScriptNum(b []byte) (int64, error) {
	if len(b) == 0 || len(b) > 8 {
		return 0, fmt.Errorf("bad script number length %d", len(b))
	}
	var v int64
	for i, by := range b {
		v |= int64(by) << (8 * i)
	}
	// sign bit of the last byte
	if b[len(b)-1]&0x80 != 0 {
		v &= ^(int64(0x80) << (8 * (len(b) - 1)))
		v = -v
	}
	return v, nil
}

// ExtractPreimage pulls the 32-byte preimage out of a claim input
// script. Refund spends have no preimage and return ErrNoPreimage.
func ExtractPreimage(sigScript []byte) ([]byte, error) {
	pushes, err := txscript.PushedData(sigScript)
	if err != nil {
		return nil, err
	}
	// claim shape: sig, pubkey, preimage, (OP_TRUE), redeem script
	for _, push := range pushes {
		if len(push) == 32 {
			return push, nil
		}
	}
	return nil, ErrNoPreimage
}

// SpendsHashlockBranch reports whether the input script selected the
// claim branch (OP_TRUE selector before the redeem script).
func SpendsHashlockBranch(sigScript []byte) bool {
	_, err := ExtractPreimage(sigScript)
	return err == nil
}

// HTLCOutput builds the P2SH TxOut locking amount satoshi into the
// escrow.
func HTLCOutput(redeemScript []byte, amount int64, params *chaincfg.Params) (*wire.TxOut, error) {
	addr, err := ScriptAddress(redeemScript, params)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, err
	}
	return wire.NewTxOut(amount, pkScript), nil
}
