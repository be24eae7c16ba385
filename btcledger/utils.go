package btcledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/TEENet-io/swap-go/escrow"
	"github.com/TEENet-io/swap-go/ledger"
)

func (b *Btcledger) pkhOf(addr string) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, b.cfg.ChainParams)
	if err != nil {
		return nil, ledger.Classified(ledger.ClassInvalidSignature,
			fmt.Errorf("bad address %q: %w", addr, err))
	}
	pkh, ok := decoded.(*btcutil.AddressPubKeyHash)
	if !ok {
		return nil, ledger.Classified(ledger.ClassInvalidSignature,
			fmt.Errorf("address %q is not p2pkh", addr))
	}
	return pkh.Hash160()[:], nil
}

func (b *Btcledger) listOwnUnspent() ([]btcjson.ListUnspentResult, error) {
	utxos, err := b.client.ListUnspentMinMaxAddresses(
		MIN_UTXO_CONFIRM, MAX_CONFIRM, []btcutil.Address{b.address})
	if err != nil {
		return nil, classifyBtc(err)
	}
	return utxos, nil
}

// selectUTXOs gathers spendable outputs until the target is covered.
func (b *Btcledger) selectUTXOs(target int64) ([]btcjson.ListUnspentResult, int64, error) {
	utxos, err := b.listOwnUnspent()
	if err != nil {
		return nil, 0, err
	}

	var (
		picked []btcjson.ListUnspentResult
		total  int64
	)
	for _, u := range utxos {
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, 0, err
		}
		picked = append(picked, u)
		total += int64(amount)
		if total >= target {
			return picked, total, nil
		}
	}

	return nil, 0, ledger.Classified(ledger.ClassInsufficientFunds,
		fmt.Errorf("spendable %d sat < required %d sat", total, target))
}

// signOwnInputs signs every input as a spend of our own p2pkh outputs.
func (b *Btcledger) signOwnInputs(tx *wire.MsgTx) error {
	pkScript, err := txscript.PayToAddrScript(b.address)
	if err != nil {
		return err
	}
	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(tx, i, pkScript, txscript.SigHashAll, b.privKey, true)
		if err != nil {
			return ledger.Classified(ledger.ClassInvalidSignature, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}
	return nil
}

// awaitConfirmations polls until the tx has the configured
// confirmations, classifying a cancelled wait as confirmation timeout.
func (b *Btcledger) awaitConfirmations(ctx context.Context, txHash *chainhash.Hash) (uint64, error) {
	for {
		verbose, err := b.client.GetRawTransactionVerbose(txHash)
		if err == nil && verbose.Confirmations >= b.cfg.Confirmations {
			return uint64(verbose.Blocktime) * 1000, nil
		}
		if err != nil && !isNotFound(err) {
			return 0, classifyBtc(err)
		}

		select {
		case <-ctx.Done():
			return 0, ledger.Classified(ledger.ClassConfirmationTimeout, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}

func (b *Btcledger) outputValue(txHash *chainhash.Hash, vout uint32) (int64, error) {
	verbose, err := b.client.GetRawTransactionVerbose(txHash)
	if err != nil {
		return 0, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	if int(vout) >= len(verbose.Vout) {
		return 0, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	amount, err := btcutil.NewAmount(verbose.Vout[vout].Value)
	if err != nil {
		return 0, err
	}
	return int64(amount), nil
}

type spendInfo struct {
	txID          string
	atMs          uint64
	confirmations uint64
	preimage      []byte // nil for the refund branch
}

// findSpend scans blocks from the funding height for the transaction
// spending the escrow outpoint. Returns nil when the output is still
// unspent.
func (b *Btcledger) findSpend(ctx context.Context, fundingHash *chainhash.Hash, vout uint32) (*spendInfo, error) {
	// fast path: still unspent
	if out, err := b.client.GetTxOut(fundingHash, vout, true); err == nil && out != nil {
		return nil, nil
	}

	funding, err := b.client.GetRawTransactionVerbose(fundingHash)
	if err != nil {
		return nil, classifyBtc(err)
	}
	if funding.BlockHash == "" {
		// funding not yet mined; nothing can have spent it
		return nil, nil
	}
	fundingBlockHash, err := chainhash.NewHashFromStr(funding.BlockHash)
	if err != nil {
		return nil, err
	}
	fundingBlock, err := b.client.GetBlockVerbose(fundingBlockHash)
	if err != nil {
		return nil, classifyBtc(err)
	}

	tip, err := b.client.GetBlockCount()
	if err != nil {
		return nil, classifyBtc(err)
	}

	startHeight := fundingBlock.Height
	if b.cfg.StartBlock > startHeight {
		startHeight = b.cfg.StartBlock
	}

	outpoint := wire.NewOutPoint(fundingHash, vout)
	for height := startHeight; height <= tip; height++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		blockHash, err := b.client.GetBlockHash(height)
		if err != nil {
			return nil, classifyBtc(err)
		}
		block, err := b.client.GetBlock(blockHash)
		if err != nil {
			return nil, classifyBtc(err)
		}

		for _, tx := range block.Transactions {
			for _, txIn := range tx.TxIn {
				if txIn.PreviousOutPoint != *outpoint {
					continue
				}

				info := &spendInfo{
					txID:          tx.TxHash().String(),
					atMs:          uint64(block.Header.Timestamp.Unix()) * 1000,
					confirmations: uint64(tip-height) + 1,
				}
				if preimage, err := ExtractPreimage(txIn.SignatureScript); err == nil {
					info.preimage = preimage
				}
				return info, nil
			}
		}
	}

	// spent according to gettxout but not found in blocks: it is in
	// the mempool, wait for inclusion
	return nil, nil
}

func isNotFound(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no information available") ||
		strings.Contains(msg, "not found")
}

// classifyBtc maps raw node failures into the adapter error taxonomy.
func classifyBtc(err error) error {
	if err == nil {
		return nil
	}

	var lerr *ledger.Error
	if errors.As(err, &lerr) {
		return err
	}

	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "non-final"), strings.Contains(msg, "locktime requirement not satisfied"):
		return ledger.ContractReject(escrow.RejectTooEarly, err)
	case strings.Contains(msg, "insufficient"):
		return ledger.Classified(ledger.ClassInsufficientFunds, err)
	case strings.Contains(msg, "mandatory-script-verify-flag-failed"),
		strings.Contains(msg, "signature"):
		return ledger.Classified(ledger.ClassInvalidSignature, err)
	case strings.Contains(msg, "txn-mempool-conflict"),
		strings.Contains(msg, "already in block chain"),
		strings.Contains(msg, "missing inputs"),
		strings.Contains(msg, "bad-txns-inputs-missingorspent"):
		return ledger.Classified(ledger.ClassNonceConflict, err)
	case isNotFound(err):
		return ledger.Classified(ledger.ClassTxNotFound, err)
	default:
		return ledger.Transient(err)
	}
}
