// Package btcledger adapts a bitcoin-style UTXO chain to the uniform
// ledger contract. The escrow is a P2SH HTLC output; a claim spend
// carries the preimage in its input script, where Observe recovers it
// by scanning blocks from the funding height, the same way the bridge
// monitors deposits.
package btcledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/escrow"
	"github.com/TEENet-io/swap-go/ledger"
	"github.com/TEENet-io/swap-go/secret"
)

const dustLimit = 546

type Btcledger struct {
	cfg     *Config
	client  *rpcclient.Client
	privKey *btcec.PrivateKey
	pubKey  []byte
	pkh     []byte
	address btcutil.Address

	mu      sync.Mutex
	lastNow uint64
}

var _ ledger.Adapter = (*Btcledger)(nil)

// CheckAlgo rejects order hash algorithms the script layer cannot
// verify on-chain.
func CheckAlgo(algo secret.Algo) error {
	if algo != secret.AlgoSHA256 {
		return ErrWrongAlgoForBTC
	}
	return nil
}

func New(cfg *Config) (*Btcledger, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         cfg.RpcServer + ":" + cfg.RpcPort,
		User:         cfg.RpcUsername,
		Pass:         cfg.RpcPwd,
		HTTPPostMode: true, // original bitcoin only supports HTTP POST mode
		DisableTLS:   true, // original bitcoin does not support TLS
	}, nil)
	if err != nil {
		return nil, err
	}

	privKey, _ := btcec.PrivKeyFromBytes(common.HexStrToByteSlice(cfg.PrivateKey))
	if privKey == nil {
		return nil, errors.New("invalid private key")
	}
	pubKey := privKey.PubKey().SerializeCompressed()
	pkh := btcutil.Hash160(pubKey)

	address, err := btcutil.NewAddressPubKeyHash(pkh, cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	return &Btcledger{
		cfg:     cfg,
		client:  client,
		privKey: privKey,
		pubKey:  pubKey,
		pkh:     pkh,
		address: address,
	}, nil
}

func (b *Btcledger) Close() {
	b.client.Shutdown()
}

// escrow id layout: funding txid, HTLC vout, redeem script hex. The
// id is opaque to the coordinator but self-contained for the adapter:
// no local state is needed to spend or observe the escrow later.
func encodeEscrowID(txid string, vout uint32, redeemScript []byte) string {
	return fmt.Sprintf("%s:%d:%s", txid, vout, common.ByteSliceToPureHexStr(redeemScript))
}

func decodeEscrowID(id string) (*chainhash.Hash, uint32, []byte, error) {
	parts := strings.Split(id, ":")
	if len(parts) != 3 {
		return nil, 0, nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	hash, err := chainhash.NewHashFromStr(parts[0])
	if err != nil {
		return nil, 0, nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	vout, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return nil, 0, nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	script := common.HexStrToByteSlice(parts[2])
	if _, err := ParseRedeemScript(script); err != nil {
		return nil, 0, nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	return hash, uint32(vout), script, nil
}

func (b *Btcledger) Deposit(ctx context.Context, params *ledger.DepositParams) (*ledger.DepositResult, error) {
	if params.PartialFills {
		return nil, ledger.ContractReject(escrow.RejectPartialNotAllowed, ErrPartialOnUTXO)
	}
	if params.Amount == 0 {
		return nil, ledger.ContractReject(escrow.RejectZeroAmount, errors.New("zero deposit"))
	}

	redeemerPKH, err := b.pkhOf(params.Redeemer)
	if err != nil {
		return nil, err
	}
	initiatorPKH := b.pkh
	if params.Initiator != "" && params.Initiator != b.address.EncodeAddress() {
		if initiatorPKH, err = b.pkhOf(params.Initiator); err != nil {
			return nil, err
		}
	}

	// CLTV compares unix seconds
	redeemScript, err := BuildRedeemScript(params.SecretHash, redeemerPKH, initiatorPKH, int64(params.TimelockMs/1000))
	if err != nil {
		return nil, err
	}

	htlcOut, err := HTLCOutput(redeemScript, int64(params.Amount), b.cfg.ChainParams)
	if err != nil {
		return nil, err
	}

	utxos, total, err := b.selectUTXOs(int64(params.Amount) + b.cfg.FeeSats)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range utxos {
		hash, _ := chainhash.NewHashFromStr(u.TxID)
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
	}
	tx.AddTxOut(htlcOut)

	change := total - int64(params.Amount) - b.cfg.FeeSats
	if change > dustLimit {
		changeScript, err := txscript.PayToAddrScript(b.address)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(change, changeScript))
	}

	if err := b.signOwnInputs(tx); err != nil {
		return nil, err
	}

	txHash, err := b.client.SendRawTransaction(tx, false)
	if err != nil {
		return nil, classifyBtc(err)
	}

	logger.WithFields(logger.Fields{
		"tx":     common.Shorten(txHash.String(), 6),
		"amount": params.Amount,
	}).Info("htlc deposit broadcast")

	includedAt, err := b.awaitConfirmations(ctx, txHash)
	if err != nil {
		return nil, err
	}

	return &ledger.DepositResult{
		EscrowID:     encodeEscrowID(txHash.String(), 0, redeemScript),
		TxID:         txHash.String(),
		IncludedAtMs: includedAt,
	}, nil
}

func (b *Btcledger) Claim(ctx context.Context, params *ledger.ClaimParams) (*ledger.ClaimResult, error) {
	fundingHash, vout, redeemScript, err := decodeEscrowID(params.EscrowID)
	if err != nil {
		return nil, err
	}

	value, err := b.outputValue(fundingHash, vout)
	if err != nil {
		return nil, err
	}
	// one output, one spend: only a full claim is expressible
	if int64(params.Amount) != value {
		return nil, ledger.ContractReject(escrow.RejectPartialNotAllowed, ErrPartialOnUTXO)
	}

	// already spent by an earlier attempt: recover that result instead
	// of double-spending
	if spend, err := b.findSpend(ctx, fundingHash, vout); err == nil && spend != nil {
		if spend.preimage == nil {
			return nil, ledger.ContractReject(escrow.RejectTerminal, errors.New("escrow was refunded"))
		}
		return &ledger.ClaimResult{
			TxID:             spend.txID,
			IncludedAtMs:     spend.atMs,
			RevealedPreimage: spend.preimage,
		}, nil
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(fundingHash, vout), nil, nil))

	payScript, err := txscript.PayToAddrScript(b.address)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(value-b.cfg.FeeSats, payScript))

	sig, err := txscript.RawTxInSignature(tx, 0, redeemScript, txscript.SigHashAll, b.privKey)
	if err != nil {
		return nil, err
	}
	sigScript, err := ClaimSigScript(sig, b.pubKey, params.Preimage, redeemScript)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = sigScript

	txHash, err := b.client.SendRawTransaction(tx, false)
	if err != nil {
		return nil, classifyBtc(err)
	}

	includedAt, err := b.awaitConfirmations(ctx, txHash)
	if err != nil {
		return nil, err
	}

	// read the preimage back from the broadcast transaction rather
	// than echoing the submitted bytes
	minedTx, err := b.client.GetRawTransaction(txHash)
	if err != nil {
		return nil, classifyBtc(err)
	}
	revealed, err := ExtractPreimage(minedTx.MsgTx().TxIn[0].SignatureScript)
	if err != nil {
		return nil, err
	}

	return &ledger.ClaimResult{
		TxID:             txHash.String(),
		IncludedAtMs:     includedAt,
		RevealedPreimage: revealed,
	}, nil
}

func (b *Btcledger) Refund(ctx context.Context, params *ledger.RefundParams) (*ledger.RefundResult, error) {
	fundingHash, vout, redeemScript, err := decodeEscrowID(params.EscrowID)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseRedeemScript(redeemScript)
	if err != nil {
		return nil, err
	}

	value, err := b.outputValue(fundingHash, vout)
	if err != nil {
		return nil, err
	}

	if spend, serr := b.findSpend(ctx, fundingHash, vout); serr == nil && spend != nil {
		if spend.preimage != nil {
			return nil, ledger.ContractReject(escrow.RejectTerminal, errors.New("escrow was claimed"))
		}
		return &ledger.RefundResult{TxID: spend.txID, IncludedAtMs: spend.atMs, Amount: uint64(value)}, nil
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = uint32(parsed.LockTimeSec)
	txIn := wire.NewTxIn(wire.NewOutPoint(fundingHash, vout), nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum - 1 // enable CLTV
	tx.AddTxIn(txIn)

	payScript, err := txscript.PayToAddrScript(b.address)
	if err != nil {
		return nil, err
	}
	tx.AddTxOut(wire.NewTxOut(value-b.cfg.FeeSats, payScript))

	sig, err := txscript.RawTxInSignature(tx, 0, redeemScript, txscript.SigHashAll, b.privKey)
	if err != nil {
		return nil, err
	}
	sigScript, err := RefundSigScript(sig, b.pubKey, redeemScript)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].SignatureScript = sigScript

	txHash, err := b.client.SendRawTransaction(tx, false)
	if err != nil {
		return nil, classifyBtc(err)
	}

	includedAt, err := b.awaitConfirmations(ctx, txHash)
	if err != nil {
		return nil, err
	}

	return &ledger.RefundResult{
		TxID:         txHash.String(),
		IncludedAtMs: includedAt,
		Amount:       uint64(value),
	}, nil
}

func (b *Btcledger) Observe(ctx context.Context, escrowID string) (*ledger.Snapshot, error) {
	fundingHash, vout, redeemScript, err := decodeEscrowID(escrowID)
	if err != nil {
		return nil, err
	}
	parsed, err := ParseRedeemScript(redeemScript)
	if err != nil {
		return nil, err
	}

	funding, err := b.client.GetRawTransactionVerbose(fundingHash)
	if err != nil {
		return nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	if int(vout) >= len(funding.Vout) {
		return nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}
	amount, err := btcutil.NewAmount(funding.Vout[vout].Value)
	if err != nil {
		return nil, err
	}

	snap := &ledger.Snapshot{
		EscrowID:     escrowID,
		Deposited:    uint64(amount),
		Remaining:    uint64(amount),
		ClaimedTotal: 0,
		TimelockMs:   uint64(parsed.LockTimeSec) * 1000,
		Status:       escrow.StatusOpen,
		Events: []ledger.Event{{
			Kind:          ledger.EventDeposited,
			EscrowID:      escrowID,
			TxID:          fundingHash.String(),
			Amount:        uint64(amount),
			AtMs:          uint64(funding.Blocktime) * 1000,
			Confirmations: funding.Confirmations,
			SecretHash:    parsed.SecretHash,
			TimelockMs:    uint64(parsed.LockTimeSec) * 1000,
		}},
	}

	spend, err := b.findSpend(ctx, fundingHash, vout)
	if err != nil {
		return nil, err
	}
	if spend == nil {
		return snap, nil
	}

	if spend.preimage != nil {
		snap.Status = escrow.StatusFullyClaimed
		snap.Remaining = 0
		snap.ClaimedTotal = uint64(amount)
		snap.Events = append(snap.Events, ledger.Event{
			Kind:             ledger.EventClaimed,
			EscrowID:         escrowID,
			TxID:             spend.txID,
			Amount:           uint64(amount),
			AtMs:             spend.atMs,
			Confirmations:    spend.confirmations,
			RevealedPreimage: spend.preimage,
		})
	} else {
		snap.Status = escrow.StatusRefunded
		snap.Remaining = 0
		snap.Events = append(snap.Events, ledger.Event{
			Kind:          ledger.EventRefunded,
			EscrowID:      escrowID,
			TxID:          spend.txID,
			Amount:        uint64(amount),
			AtMs:          spend.atMs,
			Confirmations: spend.confirmations,
		})
	}

	return snap, nil
}

// Now is the chain's median-time-past in milliseconds, the same clock
// CLTV compares against.
func (b *Btcledger) Now(_ context.Context) (uint64, error) {
	info, err := b.client.GetBlockChainInfo()
	if err != nil {
		return 0, classifyBtc(err)
	}
	now := uint64(info.MedianTime) * 1000

	b.mu.Lock()
	defer b.mu.Unlock()
	if now < b.lastNow {
		return 0, ledger.Transient(fmt.Errorf("chain time went backwards: %d < %d", now, b.lastNow))
	}
	b.lastNow = now

	return now, nil
}

func (b *Btcledger) Address() string {
	return b.address.EncodeAddress()
}

func (b *Btcledger) Balance(_ context.Context) (uint64, error) {
	utxos, err := b.listOwnUnspent()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, u := range utxos {
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return 0, err
		}
		total += int64(amount)
	}
	return uint64(total), nil
}

func (b *Btcledger) VerifyTx(_ context.Context, txID string) (*ledger.TxVerification, error) {
	hash, err := chainhash.NewHashFromStr(txID)
	if err != nil {
		return &ledger.TxVerification{Found: false}, nil
	}

	verbose, err := b.client.GetRawTransactionVerbose(hash)
	if err != nil {
		return &ledger.TxVerification{Found: false}, nil
	}

	var blockNumber uint64
	if verbose.BlockHash != "" {
		blockHash, err := chainhash.NewHashFromStr(verbose.BlockHash)
		if err == nil {
			if header, err := b.client.GetBlockVerbose(blockHash); err == nil {
				blockNumber = uint64(header.Height)
			}
		}
	}

	return &ledger.TxVerification{
		Found:       true,
		Confirmed:   verbose.Confirmations >= b.cfg.Confirmations,
		BlockNumber: blockNumber,
	}, nil
}

func (b *Btcledger) ExplorerURL(txID string) string {
	return fmt.Sprintf("%s/tx/%s", b.cfg.ExplorerBaseURL, txID)
}
