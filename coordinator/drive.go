package coordinator

import (
	"context"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/escrow"
	"github.com/TEENet-io/swap-go/ledger"
	"github.com/TEENet-io/swap-go/orderstore"
	"github.com/TEENet-io/swap-go/stream"
)

// Drive runs one order to a terminal status (or until ctx cancels).
// It is safe to call again after a crash at any point: each phase
// re-derives its position from the record, the step checkpoints and
// the ledgers.
func (c *Coordinator) Drive(ctx context.Context, orderID [32]byte) error {
	unlock := c.lockOrder(orderID)
	defer unlock()

	o, ok, err := c.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOrderNotFound
	}
	if o.Frozen {
		return ErrOrderFrozen
	}

	log := logger.WithFields(logger.Fields{"order": common.Shorten(o.IDHex(), 6)})

	for !o.Status.Terminal() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var stepErr error
		switch o.Status {
		case orderstore.StatusCreated:
			stepErr = c.depositA(ctx, o)
		case orderstore.StatusALocked:
			stepErr = c.depositB(ctx, o)
		case orderstore.StatusBothLocked, orderstore.StatusBClaimed:
			stepErr = c.awaitAndClaim(ctx, o)
		case orderstore.StatusAClaimed:
			stepErr = c.complete(o)
		case orderstore.StatusRefundPending:
			stepErr = c.refund(ctx, o)
		default:
			return fmt.Errorf("unhandled order status %s", o.Status)
		}

		if stepErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.failOrder(o, stepErr)
		}
	}

	log.WithFields(logger.Fields{"status": o.Status}).Info("order reached terminal status")
	return nil
}

// depositA locks our side. The step nonce is checkpointed before the
// ledger write: a crash between checkpoint and persist resubmits with
// the same nonce and the adapter deduplicates.
func (c *Coordinator) depositA(ctx context.Context, o *orderstore.Order) error {
	return c.depositLeg(ctx, o, c.adapterA, &o.SideA, stepDepositA,
		orderstore.StatusALocked, stream.KindDepositedA)
}

func (c *Coordinator) depositB(ctx context.Context, o *orderstore.Order) error {
	// recovery: the record says A locked, make sure the escrow really
	// exists before locking the second side
	if o.SideA.EscrowID != "" {
		_, err := c.observeWithRetry(ctx, c.adapterA, o.SideA.EscrowID)
		if err != nil {
			if ledger.ClassOf(err) == ledger.ClassContractReject {
				// the recorded deposit never landed; redo side A
				logger.WithFields(logger.Fields{
					"order": common.Shorten(o.IDHex(), 6),
				}).Warn("recorded escrow A not found on ledger, re-depositing")
				o.SideA.EscrowID = ""
				o.SideA.DepositTx = ""
				return c.depositLeg(ctx, o, c.adapterA, &o.SideA, stepDepositA,
					orderstore.StatusALocked, stream.KindDepositedA)
			}
			return err
		}
	}

	return c.depositLeg(ctx, o, c.adapterB, &o.SideB, stepDepositB,
		orderstore.StatusBothLocked, stream.KindDepositedB)
}

func (c *Coordinator) depositLeg(
	ctx context.Context,
	o *orderstore.Order,
	adapter ledger.Adapter,
	leg *orderstore.Leg,
	step string,
	next orderstore.Status,
	kind stream.Kind,
) error {
	nonce, existed, err := c.store.EnsureStep(o.ID, step, common.NowMs())
	if err != nil {
		return err
	}

	if existed && leg.EscrowID != "" {
		// deposit landed and was persisted; only the status move is
		// outstanding
		if o.Status != next {
			o.Status = next
			return c.store.UpdateOrder(o)
		}
		return nil
	}

	var res *ledger.DepositResult
	err = c.retryTransient(ctx, func() error {
		var derr error
		res, derr = adapter.Deposit(ctx, &ledger.DepositParams{
			Initiator:    leg.Initiator,
			Redeemer:     leg.Redeemer,
			SecretHash:   o.SecretHash,
			Amount:       leg.Amount,
			TimelockMs:   leg.TimelockMs,
			PartialFills: o.PartialFills,
			Nonce:        nonce,
		})
		return derr
	})
	if err != nil {
		return err
	}

	leg.EscrowID = res.EscrowID
	leg.DepositTx = res.TxID
	o.Status = next
	if err := c.store.UpdateOrder(o); err != nil {
		return err
	}
	if err := c.store.CompleteStep(o.ID, step, common.NowMs()); err != nil {
		return err
	}

	c.emit(o, kind, map[string]interface{}{
		"escrow_id": res.EscrowID,
		"tx":        res.TxID,
		"amount":    leg.Amount,
	})

	return nil
}

// awaitAndClaim watches escrow B for the counterparty's claim, then
// claims side A with the revealed preimage. Returns with the order in
// StatusAClaimed, or StatusRefundPending when the wait budget runs
// out.
func (c *Coordinator) awaitAndClaim(ctx context.Context, o *orderstore.Order) error {
	log := logger.WithFields(logger.Fields{"order": common.Shorten(o.IDHex(), 6)})

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		snapB, err := c.observeWithRetry(ctx, c.adapterB, o.SideB.EscrowID)
		if err != nil {
			return err
		}

		for _, ev := range c.newConfirmedClaims(o, snapB) {
			if !c.gen.Verify(ev.RevealedPreimage, o.SecretHash) {
				// an on-chain claim whose preimage does not hash to our
				// commitment means the two escrows were not bound to the
				// same hash; protocol bug or malicious ledger
				return c.freezeOrder(o, fmt.Errorf("%w: claim tx %s", ErrSecretMismatch, ev.TxID))
			}

			preimage := ev.RevealedPreimage

			first := len(o.SideB.ClaimTxs) == 0
			o.SideB.ClaimTxs = append(o.SideB.ClaimTxs, ev.TxID)
			o.SideB.ClaimedTotal += ev.Amount
			if o.Status == orderstore.StatusBothLocked {
				o.Status = orderstore.StatusBClaimed
			}
			// the preimage is public now; drop our held copy, the chain
			// is the source of truth from here on
			if first {
				o.Redact()
			}
			if err := c.store.UpdateOrder(o); err != nil {
				return err
			}

			c.emit(o, stream.KindCounterpartyClaimed, map[string]interface{}{
				"tx":     ev.TxID,
				"amount": ev.Amount,
			})
			log.WithFields(logger.Fields{"tx": common.Shorten(ev.TxID, 6)}).
				Info("counterparty claim observed, preimage revealed")

			if err := c.claimA(ctx, o, preimage, ev); err != nil {
				return err
			}
		}

		if o.Status == orderstore.StatusRefundPending {
			return nil
		}
		if o.SideA.ClaimedTotal == o.SideA.Amount {
			o.Status = orderstore.StatusAClaimed
			return c.store.UpdateOrder(o)
		}

		// remaining wait budget comes from ledger B's own clock
		nowB, err := c.nowWithRetry(ctx, c.adapterB)
		if err != nil {
			return err
		}
		if nowB+c.cfg.SafetyMarginMs >= o.SideB.TimelockMs {
			log.Warn("counterparty window closed, moving to refund")
			o.Status = orderstore.StatusRefundPending
			if err := c.store.UpdateOrder(o); err != nil {
				return err
			}
			return nil
		}

		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// newConfirmedClaims filters snapshot events down to claims that meet
// the confirmation threshold and were not processed before. Acting
// only on confirmed events is what makes a reorged claim harmless.
func (c *Coordinator) newConfirmedClaims(o *orderstore.Order, snap *ledger.Snapshot) []ledger.Event {
	seen := make(map[string]bool, len(o.SideB.ClaimTxs))
	for _, tx := range o.SideB.ClaimTxs {
		seen[tx] = true
	}

	var out []ledger.Event
	for _, ev := range snap.Events {
		if ev.Kind != ledger.EventClaimed || seen[ev.TxID] {
			continue
		}
		if ev.Confirmations < c.cfg.ConfirmationsB {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// claimA spends our side with the revealed preimage, proportionally to
// the counterparty's fill. The step is keyed by the triggering B-claim
// tx so a replay after crash reuses the same nonce.
func (c *Coordinator) claimA(ctx context.Context, o *orderstore.Order, preimage []byte, bClaim ledger.Event) error {
	var share uint64
	if o.PartialFills {
		share = bClaim.Amount * o.SideA.Amount / o.SideB.Amount
		if o.SideB.ClaimedTotal == o.SideB.Amount {
			// final fill absorbs integer rounding dust
			share = o.SideA.Amount - o.SideA.ClaimedTotal
		}
	} else {
		share = o.SideA.Amount
	}
	if share == 0 {
		return nil
	}

	step := "claim_a:" + bClaim.TxID
	nonce, _, err := c.store.EnsureStep(o.ID, step, common.NowMs())
	if err != nil {
		return err
	}

	var res *ledger.ClaimResult
	err = c.retryTransient(ctx, func() error {
		var cerr error
		res, cerr = c.adapterA.Claim(ctx, &ledger.ClaimParams{
			EscrowID: o.SideA.EscrowID,
			Preimage: preimage,
			Amount:   share,
			Nonce:    nonce,
		})
		return cerr
	})
	if err != nil {
		switch ledger.RejectCode(err) {
		case escrow.RejectBadSecret:
			// the preimage verified against our stored hash yet the
			// ledger-A escrow rejects it: the sides were constructed
			// with different hashes
			return c.freezeOrder(o, fmt.Errorf("side A rejected a verified preimage: %v", err))
		case escrow.RejectExpired:
			// our own claim window closed while retrying; recover the
			// deposit instead
			o.Status = orderstore.StatusRefundPending
			return c.store.UpdateOrder(o)
		}
		return err
	}

	o.SideA.ClaimTxs = append(o.SideA.ClaimTxs, res.TxID)
	o.SideA.ClaimedTotal += share
	if err := c.store.UpdateOrder(o); err != nil {
		return err
	}
	if err := c.store.CompleteStep(o.ID, step, common.NowMs()); err != nil {
		return err
	}

	c.emit(o, stream.KindClaimedA, map[string]interface{}{
		"tx":     res.TxID,
		"amount": share,
	})

	return nil
}

func (c *Coordinator) complete(o *orderstore.Order) error {
	o.Status = orderstore.StatusCompleted
	if err := c.store.UpdateOrder(o); err != nil {
		return err
	}

	c.emit(o, stream.KindCompleted, map[string]interface{}{
		"amount_in":  o.SideB.ClaimedTotal,
		"amount_out": o.SideA.ClaimedTotal,
	})
	c.finishReceipt(o)

	return nil
}

// refund recovers whichever of our deposits is still outstanding.
// Funds are at stake and the timelock has already passed, so transient
// failures retry without bound.
func (c *Coordinator) refund(ctx context.Context, o *orderstore.Order) error {
	if err := c.refundLeg(ctx, o, c.adapterA, &o.SideA, stepRefundA, stream.KindRefundedA); err != nil {
		return err
	}
	// side B is only ours to refund when our wallet funded it
	if o.SideB.Initiator == c.adapterB.Address() {
		if err := c.refundLeg(ctx, o, c.adapterB, &o.SideB, stepRefundB, stream.KindRefundedB); err != nil {
			return err
		}
	}

	o.Status = orderstore.StatusRefunded
	if err := c.store.UpdateOrder(o); err != nil {
		return err
	}
	c.finishReceipt(o)

	return nil
}

func (c *Coordinator) refundLeg(
	ctx context.Context,
	o *orderstore.Order,
	adapter ledger.Adapter,
	leg *orderstore.Leg,
	step string,
	kind stream.Kind,
) error {
	if leg.RefundTx != "" || leg.ClaimedTotal == leg.Amount {
		return nil
	}

	// wait until this ledger's own clock passes the timelock
	for {
		now, err := c.nowWithRetry(ctx, adapter)
		if err != nil {
			return err
		}
		if now > leg.TimelockMs {
			break
		}
		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}

	nonce, _, err := c.store.EnsureStep(o.ID, step, common.NowMs())
	if err != nil {
		return err
	}

	for {
		res, err := adapter.Refund(ctx, &ledger.RefundParams{
			EscrowID: leg.EscrowID,
			Nonce:    nonce,
		})
		if err == nil {
			leg.RefundTx = res.TxID
			if err := c.store.UpdateOrder(o); err != nil {
				return err
			}
			if err := c.store.CompleteStep(o.ID, step, common.NowMs()); err != nil {
				return err
			}
			c.emit(o, kind, map[string]interface{}{"tx": res.TxID, "amount": res.Amount})
			return nil
		}

		switch {
		case ledger.RejectCode(err) == escrow.RejectTerminal,
			ledger.RejectCode(err) == escrow.RejectNothingToRefund:
			// claimed or refunded from elsewhere meanwhile; nothing left
			return nil
		case ledger.RejectCode(err) == escrow.RejectTooEarly:
			// ledger clock not past the timelock yet, keep waiting
		case ledger.IsTransient(err):
		default:
			return err
		}

		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}
}

// failOrder maps a step failure onto the order record.
func (c *Coordinator) failOrder(o *orderstore.Order, cause error) error {
	if o.Status.Terminal() {
		return cause
	}

	o.Status = orderstore.StatusFailed
	o.FailReason = cause.Error()
	if err := c.store.UpdateOrder(o); err != nil {
		return err
	}

	c.emit(o, stream.KindFailed, map[string]interface{}{"reason": o.FailReason})
	c.finishReceipt(o)

	logger.WithFields(logger.Fields{
		"order": common.Shorten(o.IDHex(), 6),
	}).Errorf("order failed: %v", cause)

	return nil
}

// freezeOrder marks a fatal inconsistency: the record is failed AND
// frozen for human review, and is never retried or pruned.
func (c *Coordinator) freezeOrder(o *orderstore.Order, cause error) error {
	o.Frozen = true
	return c.failOrder(o, cause)
}

func (c *Coordinator) finishReceipt(o *orderstore.Order) {
	if c.bus == nil {
		return
	}

	r := &stream.Receipt{
		OrderID:      o.IDHex(),
		Status:       string(o.Status),
		CreatedAtMs:  o.CreatedAtMs,
		FinishedAtMs: common.NowMs(),
		FailReason:   o.FailReason,
		SideA: stream.LegReceipt{
			Ledger:    o.SideA.Ledger,
			EscrowID:  o.SideA.EscrowID,
			DepositTx: o.SideA.DepositTx,
			ClaimTxs:  o.SideA.ClaimTxs,
			RefundTx:  o.SideA.RefundTx,
			AmountIn:  o.SideA.Amount,
			AmountOut: o.SideA.ClaimedTotal,
		},
		SideB: stream.LegReceipt{
			Ledger:    o.SideB.Ledger,
			EscrowID:  o.SideB.EscrowID,
			DepositTx: o.SideB.DepositTx,
			ClaimTxs:  o.SideB.ClaimTxs,
			RefundTx:  o.SideB.RefundTx,
			AmountIn:  o.SideB.Amount,
			AmountOut: o.SideB.ClaimedTotal,
		},
	}

	for _, tx := range o.SideA.ClaimTxs {
		r.SideA.ExplorerURLs = append(r.SideA.ExplorerURLs, c.adapterA.ExplorerURL(tx))
	}
	for _, tx := range o.SideB.ClaimTxs {
		r.SideB.ExplorerURLs = append(r.SideB.ExplorerURLs, c.adapterB.ExplorerURL(tx))
	}

	if o.SecretRevealed {
		// recover the public preimage from side B's first claim event
		if snap, err := c.adapterB.Observe(context.Background(), o.SideB.EscrowID); err == nil {
			for _, ev := range snap.Events {
				if ev.Kind == ledger.EventClaimed && len(ev.RevealedPreimage) > 0 {
					r.RevealedPreimage = common.Prepend0xPrefix(common.ByteSliceToPureHexStr(ev.RevealedPreimage))
					break
				}
			}
		}
	}

	c.bus.SetReceipt(r)
}

func (c *Coordinator) observeWithRetry(ctx context.Context, adapter ledger.Adapter, escrowID string) (*ledger.Snapshot, error) {
	var snap *ledger.Snapshot
	err := c.retryTransient(ctx, func() error {
		var oerr error
		snap, oerr = adapter.Observe(ctx, escrowID)
		return oerr
	})
	return snap, err
}

func (c *Coordinator) nowWithRetry(ctx context.Context, adapter ledger.Adapter) (uint64, error) {
	var now uint64
	err := c.retryTransient(ctx, func() error {
		var nerr error
		now, nerr = adapter.Now(ctx)
		return nerr
	})
	return now, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
