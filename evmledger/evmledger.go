// Package evmledger adapts an account-based chain carrying the HTLC
// escrow contract to the uniform ledger contract. Writes go through a
// generically bound contract; observed state is rebuilt from the
// contract's events, never from what we submitted.
package evmledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/escrow"
	"github.com/TEENet-io/swap-go/ledger"
)

type ethereumClient interface {
	ethereum.ChainReader
	ethereum.ChainStateReader
	ethereum.ContractCaller
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.LogFilterer
	ethereum.TransactionReader
	ethereum.TransactionSender

	bind.DeployBackend
	bind.ContractBackend
}

type Evmledger struct {
	cfg       *Config
	ethClient ethereumClient
	parsedABI abi.ABI
	contract  *bind.BoundContract
	address   ethcommon.Address
	auth      *bind.TransactOpts

	mu      sync.Mutex
	lastNow uint64
}

var _ ledger.Adapter = (*Evmledger)(nil)

func New(cfg *Config) (*Evmledger, error) {
	ethClient, err := ethclient.Dial(cfg.URL)
	if err != nil {
		return nil, err
	}
	return NewWithClient(cfg, ethClient)
}

// NewWithClient wires an existing backend, which is how tests plug the
// simulated chain in.
func NewWithClient(cfg *Config, ethClient ethereumClient) (*Evmledger, error) {
	parsedABI, err := abi.JSON(strings.NewReader(EscrowABI))
	if err != nil {
		return nil, err
	}

	sk, err := crypto.HexToECDSA(common.Trim0xPrefix(cfg.PrivateKey))
	if err != nil {
		return nil, err
	}
	auth, err := bind.NewKeyedTransactorWithChainID(sk, big.NewInt(cfg.ChainID))
	if err != nil {
		return nil, err
	}

	contractAddr := ethcommon.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(contractAddr, parsedABI, ethClient, ethClient, ethClient)

	return &Evmledger{
		cfg:       cfg,
		ethClient: ethClient,
		parsedABI: parsedABI,
		contract:  contract,
		address:   auth.From,
		auth:      auth,
	}, nil
}

func (e *Evmledger) Deposit(ctx context.Context, params *ledger.DepositParams) (*ledger.DepositResult, error) {
	opts := *e.auth
	opts.Context = ctx
	opts.Value = new(big.Int).SetUint64(params.Amount)

	tx, err := e.contract.Transact(&opts, "open",
		[32]byte(params.SecretHash),
		ethcommon.HexToAddress(params.Redeemer),
		params.TimelockMs,
		params.PartialFills,
		params.Nonce,
	)
	if err != nil {
		return nil, classify(err)
	}

	receipt, err := e.awaitInclusion(ctx, tx)
	if err != nil {
		return nil, err
	}

	// the escrow id comes from the emitted event, not from the call
	for _, vlog := range receipt.Logs {
		if len(vlog.Topics) > 0 && vlog.Topics[0] == EscrowOpenedSignatureHash {
			includedAt, err := e.blockTimeMs(ctx, vlog.BlockHash)
			if err != nil {
				return nil, err
			}
			return &ledger.DepositResult{
				EscrowID:     vlog.Topics[1].Hex(),
				TxID:         tx.Hash().Hex(),
				IncludedAtMs: includedAt,
			}, nil
		}
	}

	return nil, ledger.ContractReject(escrow.RejectTerminal,
		fmt.Errorf("deposit tx %s emitted no EscrowOpened event", tx.Hash().Hex()))
}

func (e *Evmledger) Claim(ctx context.Context, params *ledger.ClaimParams) (*ledger.ClaimResult, error) {
	opts := *e.auth
	opts.Context = ctx

	tx, err := e.contract.Transact(&opts, "claim",
		common.HexStrToBytes32(params.EscrowID),
		params.Preimage,
		new(big.Int).SetUint64(params.Amount),
		params.Nonce,
	)
	if err != nil {
		return nil, classify(err)
	}

	receipt, err := e.awaitInclusion(ctx, tx)
	if err != nil {
		return nil, err
	}

	// parse the revealed preimage from the event; the submitted bytes
	// are not taken on trust
	for _, vlog := range receipt.Logs {
		if len(vlog.Topics) == 0 || vlog.Topics[0] != EscrowClaimedSignatureHash {
			continue
		}
		var ev struct {
			Preimage []byte
			Amount   *big.Int
		}
		if err := e.parsedABI.UnpackIntoInterface(&ev, "EscrowClaimed", vlog.Data); err != nil {
			return nil, classify(err)
		}
		includedAt, err := e.blockTimeMs(ctx, vlog.BlockHash)
		if err != nil {
			return nil, err
		}
		return &ledger.ClaimResult{
			TxID:             tx.Hash().Hex(),
			IncludedAtMs:     includedAt,
			RevealedPreimage: ev.Preimage,
		}, nil
	}

	return nil, ledger.ContractReject(escrow.RejectTerminal,
		fmt.Errorf("claim tx %s emitted no EscrowClaimed event", tx.Hash().Hex()))
}

func (e *Evmledger) Refund(ctx context.Context, params *ledger.RefundParams) (*ledger.RefundResult, error) {
	opts := *e.auth
	opts.Context = ctx

	tx, err := e.contract.Transact(&opts, "refund",
		common.HexStrToBytes32(params.EscrowID),
		params.Nonce,
	)
	if err != nil {
		return nil, classify(err)
	}

	receipt, err := e.awaitInclusion(ctx, tx)
	if err != nil {
		return nil, err
	}

	for _, vlog := range receipt.Logs {
		if len(vlog.Topics) == 0 || vlog.Topics[0] != EscrowRefundedSignatureHash {
			continue
		}
		var ev struct {
			Amount *big.Int
		}
		if err := e.parsedABI.UnpackIntoInterface(&ev, "EscrowRefunded", vlog.Data); err != nil {
			return nil, classify(err)
		}
		includedAt, err := e.blockTimeMs(ctx, vlog.BlockHash)
		if err != nil {
			return nil, err
		}
		return &ledger.RefundResult{
			TxID:         tx.Hash().Hex(),
			IncludedAtMs: includedAt,
			Amount:       ev.Amount.Uint64(),
		}, nil
	}

	return nil, ledger.ContractReject(escrow.RejectTerminal,
		fmt.Errorf("refund tx %s emitted no EscrowRefunded event", tx.Hash().Hex()))
}

func (e *Evmledger) Observe(ctx context.Context, escrowID string) (*ledger.Snapshot, error) {
	id := common.HexStrToBytes32(escrowID)

	var view escrowView
	out := []interface{}{&view}
	if err := e.contract.Call(&bind.CallOpts{Context: ctx}, &out, "escrows", id); err != nil {
		return nil, classify(err)
	}
	if view.Deposited == nil || view.Deposited.Sign() == 0 {
		return nil, ledger.Classified(ledger.ClassContractReject, ledger.ErrUnknownEscrow)
	}

	events, err := e.fetchEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	return &ledger.Snapshot{
		EscrowID:     escrowID,
		Remaining:    view.Remaining.Uint64(),
		ClaimedTotal: view.ClaimedTotal.Uint64(),
		Deposited:    view.Deposited.Uint64(),
		TimelockMs:   view.TimelockMs,
		Status:       chainStatus(view.Status),
		Events:       events,
	}, nil
}

func chainStatus(s uint8) escrow.Status {
	switch s {
	case chainStatusFullyClaimed:
		return escrow.StatusFullyClaimed
	case chainStatusRefunded:
		return escrow.StatusRefunded
	default:
		return escrow.StatusOpen
	}
}

func (e *Evmledger) fetchEvents(ctx context.Context, id [32]byte) ([]ledger.Event, error) {
	head, err := e.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}

	logs, err := e.ethClient.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(e.cfg.StartBlock),
		Addresses: []ethcommon.Address{ethcommon.HexToAddress(e.cfg.ContractAddress)},
		Topics: [][]ethcommon.Hash{
			{EscrowOpenedSignatureHash, EscrowClaimedSignatureHash, EscrowRefundedSignatureHash},
			{ethcommon.Hash(id)},
		},
	})
	if err != nil {
		return nil, classify(err)
	}

	events := make([]ledger.Event, 0, len(logs))
	for _, vlog := range logs {
		atMs, err := e.blockTimeMs(ctx, vlog.BlockHash)
		if err != nil {
			return nil, err
		}

		ev := ledger.Event{
			EscrowID:      vlog.Topics[1].Hex(),
			TxID:          vlog.TxHash.Hex(),
			AtMs:          atMs,
			Confirmations: head.Number.Uint64() - vlog.BlockNumber + 1,
		}

		switch vlog.Topics[0] {
		case EscrowOpenedSignatureHash:
			var opened struct {
				SecretHash   [32]byte
				Initiator    ethcommon.Address
				Redeemer     ethcommon.Address
				Amount       *big.Int
				TimelockMs   uint64
				PartialFills bool
			}
			if err := e.parsedABI.UnpackIntoInterface(&opened, "EscrowOpened", vlog.Data); err != nil {
				return nil, classify(err)
			}
			ev.Kind = ledger.EventDeposited
			ev.SecretHash = opened.SecretHash
			ev.Initiator = opened.Initiator.Hex()
			ev.Redeemer = opened.Redeemer.Hex()
			ev.Amount = opened.Amount.Uint64()
			ev.TimelockMs = opened.TimelockMs
		case EscrowClaimedSignatureHash:
			var claimed struct {
				Preimage []byte
				Amount   *big.Int
			}
			if err := e.parsedABI.UnpackIntoInterface(&claimed, "EscrowClaimed", vlog.Data); err != nil {
				return nil, classify(err)
			}
			ev.Kind = ledger.EventClaimed
			ev.RevealedPreimage = claimed.Preimage
			ev.Amount = claimed.Amount.Uint64()
		case EscrowRefundedSignatureHash:
			var refunded struct {
				Amount *big.Int
			}
			if err := e.parsedABI.UnpackIntoInterface(&refunded, "EscrowRefunded", vlog.Data); err != nil {
				return nil, classify(err)
			}
			ev.Kind = ledger.EventRefunded
			ev.Amount = refunded.Amount.Uint64()
		default:
			return nil, fmt.Errorf("unknown event: %+v", vlog.Topics[0])
		}

		events = append(events, ev)
	}

	return events, nil
}

// Now is the chain's latest block timestamp in milliseconds, monotone
// within this session.
func (e *Evmledger) Now(ctx context.Context) (uint64, error) {
	head, err := e.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, classify(err)
	}
	now := head.Time * 1000

	e.mu.Lock()
	defer e.mu.Unlock()
	if now < e.lastNow {
		return 0, ledger.Transient(fmt.Errorf("chain time went backwards: %d < %d", now, e.lastNow))
	}
	e.lastNow = now

	return now, nil
}

func (e *Evmledger) Address() string {
	return e.address.Hex()
}

func (e *Evmledger) Balance(ctx context.Context) (uint64, error) {
	bal, err := e.ethClient.BalanceAt(ctx, e.address, nil)
	if err != nil {
		return 0, classify(err)
	}
	return bal.Uint64(), nil
}

func (e *Evmledger) VerifyTx(ctx context.Context, txID string) (*ledger.TxVerification, error) {
	receipt, err := e.ethClient.TransactionReceipt(ctx, ethcommon.HexToHash(txID))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not found") {
			return &ledger.TxVerification{Found: false}, nil
		}
		return nil, classify(err)
	}

	head, err := e.ethClient.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	confirmations := head.Number.Uint64() - receipt.BlockNumber.Uint64() + 1

	return &ledger.TxVerification{
		Found:       true,
		Confirmed:   confirmations >= e.cfg.Confirmations,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Reverted:    receipt.Status != types.ReceiptStatusSuccessful,
	}, nil
}

func (e *Evmledger) ExplorerURL(txID string) string {
	return fmt.Sprintf("%s/tx/%s", e.cfg.ExplorerBaseURL, txID)
}

// awaitInclusion waits for the receipt and the configured number of
// confirmations, bounded by the inclusion timeout.
func (e *Evmledger) awaitInclusion(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx := ctx
	if e.cfg.InclusionTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.InclusionTimeout)
		defer cancel()
	}

	receipt, err := bind.WaitMined(waitCtx, e.ethClient, tx)
	if err != nil {
		if waitCtx.Err() != nil && ctx.Err() == nil {
			// tx may still be in the mempool; the caller must not
			// replace it
			return nil, ledger.Classified(ledger.ClassConfirmationTimeout, err)
		}
		return nil, classify(err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		// re-execute the call to surface the revert reason
		reason := e.revertReason(ctx, tx, receipt.BlockNumber)
		return nil, classify(fmt.Errorf("execution reverted: %s", reason))
	}

	for e.cfg.Confirmations > 1 {
		head, err := e.ethClient.HeaderByNumber(waitCtx, nil)
		if err != nil {
			return nil, classify(err)
		}
		if head.Number.Uint64()-receipt.BlockNumber.Uint64()+1 >= e.cfg.Confirmations {
			break
		}
		select {
		case <-waitCtx.Done():
			return nil, ledger.Classified(ledger.ClassConfirmationTimeout, waitCtx.Err())
		case <-time.After(time.Second):
		}
	}

	return receipt, nil
}

func (e *Evmledger) blockTimeMs(ctx context.Context, blockHash ethcommon.Hash) (uint64, error) {
	header, err := e.ethClient.HeaderByHash(ctx, blockHash)
	if err != nil {
		return 0, classify(err)
	}
	return header.Time * 1000, nil
}

func (e *Evmledger) revertReason(ctx context.Context, tx *types.Transaction, blockNum *big.Int) string {
	msg := ethereum.CallMsg{
		From:  e.address,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	res, err := e.ethClient.CallContract(ctx, msg, blockNum)
	if err != nil {
		return err.Error()
	}
	return ethcommon.Bytes2Hex(res)
}
