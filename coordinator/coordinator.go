// Package coordinator drives the two-escrow atomic swap protocol:
// create order, lock both sides, await the counterparty's claim on
// side B, claim side A with the revealed preimage, or refund after the
// timelock. One goroutine per order; every step is checkpointed to the
// order record store before and after its ledger write so a restarted
// coordinator resumes without double-submitting.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v4"
	logger "github.com/sirupsen/logrus"

	"github.com/TEENet-io/swap-go/common"
	"github.com/TEENet-io/swap-go/ledger"
	"github.com/TEENet-io/swap-go/orderstore"
	"github.com/TEENet-io/swap-go/secret"
	"github.com/TEENet-io/swap-go/stream"
)

var (
	ErrOrderNotFound    = errors.New("order not found")
	ErrCancelTooLate    = errors.New("cannot cancel once the first deposit step started")
	ErrOrderFrozen      = errors.New("order record is frozen for review")
	ErrSecretMismatch   = errors.New("revealed preimage does not match order hash")
	ErrRetriesExhausted = errors.New("transient retries exhausted")
)

const (
	stepDepositA = "deposit_a"
	stepDepositB = "deposit_b"
	stepRefundA  = "refund_a"
	stepRefundB  = "refund_b"
)

// OrderParams is the operator's swap request; addresses default to the
// adapters' wallets, the counterparty's redeem address on side B comes
// from the quote.
type OrderParams struct {
	AmountA uint64
	AmountB uint64
	TokenA  string
	TokenB  string

	InitiatorA string // defaults to adapter A's wallet
	RedeemerA  string // defaults to adapter A's wallet (we claim A)
	InitiatorB string // defaults to adapter B's wallet
	RedeemerB  string // counterparty, required
}

type Coordinator struct {
	cfg   *Config
	gen   *secret.Generator
	store *orderstore.Store
	bus   *stream.Bus

	adapterA ledger.Adapter
	adapterB ledger.Adapter

	// serializes the critical section (store write + ledger call)
	// within one order; cross-order parallelism is unconstrained
	orderLocks sync.Map

	wg sync.WaitGroup
}

func New(
	cfg *Config,
	store *orderstore.Store,
	bus *stream.Bus,
	adapterA, adapterB ledger.Adapter,
) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gen, err := secret.NewGenerator(cfg.HashAlgo)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:      cfg,
		gen:      gen,
		store:    store,
		bus:      bus,
		adapterA: adapterA,
		adapterB: adapterB,
	}, nil
}

func (c *Coordinator) lockOrder(id [32]byte) func() {
	muIface, _ := c.orderLocks.LoadOrStore(id, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateOrder fixes the secret and both timelocks before any deposit
// and persists the CREATED record. The hash is threaded identically
// through both escrows from here on.
func (c *Coordinator) CreateOrder(ctx context.Context, params *OrderParams) (*orderstore.Order, error) {
	if params.AmountA == 0 || params.AmountB == 0 {
		return nil, ErrZeroAmount
	}
	if params.RedeemerB == "" {
		return nil, ErrMissingAddress
	}

	initiatorA := params.InitiatorA
	if initiatorA == "" {
		initiatorA = c.adapterA.Address()
	}
	redeemerA := params.RedeemerA
	if redeemerA == "" {
		redeemerA = c.adapterA.Address()
	}
	initiatorB := params.InitiatorB
	if initiatorB == "" {
		initiatorB = c.adapterB.Address()
	}

	// preflight: both deposits must be fundable before anything locks
	if balA, err := c.adapterA.Balance(ctx); err == nil && balA < params.AmountA {
		return nil, ledger.Classified(ledger.ClassInsufficientFunds,
			fmt.Errorf("side A balance %d < %d", balA, params.AmountA))
	}
	if balB, err := c.adapterB.Balance(ctx); err == nil && balB < params.AmountB {
		return nil, ledger.Classified(ledger.ClassInsufficientFunds,
			fmt.Errorf("side B balance %d < %d", balB, params.AmountB))
	}

	// timelocks are anchored to each ledger's own clock
	nowA, err := c.adapterA.Now(ctx)
	if err != nil {
		return nil, err
	}
	nowB, err := c.adapterB.Now(ctx)
	if err != nil {
		return nil, err
	}

	s := c.gen.Generate()

	o := &orderstore.Order{
		Version:      orderstore.SchemaVersion,
		ID:           common.RandBytes32(),
		Secret:       s,
		SecretHash:   c.gen.HashOf(s),
		Algo:         c.gen.Algo(),
		PartialFills: c.cfg.PartialFills,
		SideA: orderstore.Leg{
			Ledger:     c.cfg.LedgerNameA,
			Initiator:  initiatorA,
			Redeemer:   redeemerA,
			Token:      params.TokenA,
			Amount:     params.AmountA,
			TimelockMs: nowA + c.cfg.TimelockAMs,
		},
		SideB: orderstore.Leg{
			Ledger:     c.cfg.LedgerNameB,
			Initiator:  initiatorB,
			Redeemer:   params.RedeemerB,
			Token:      params.TokenB,
			Amount:     params.AmountB,
			TimelockMs: nowB + c.cfg.TimelockBMs,
		},
		CreatedAtMs: common.NowMs(),
		ExpiresAtMs: common.NowMs() + c.cfg.TimelockAMs,
		Status:      orderstore.StatusCreated,
	}

	if err := c.store.InsertOrder(o); err != nil {
		return nil, err
	}

	c.emit(o, stream.KindCreated, map[string]interface{}{
		"secret_hash": o.SecretHash.Hex(),
		"amount_a":    o.SideA.Amount,
		"amount_b":    o.SideB.Amount,
	})

	logger.WithFields(logger.Fields{
		"order": common.Shorten(o.IDHex(), 6),
		"hash":  o.SecretHash.Hex(),
	}).Info("order created")

	return o, nil
}

// Launch drives an order in its own goroutine.
func (c *Coordinator) Launch(ctx context.Context, orderID [32]byte) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Drive(ctx, orderID); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithFields(logger.Fields{
				"order": common.Shorten(common.Bytes32ToHexStr(orderID), 6),
			}).Errorf("order task stopped: %v", err)
		}
	}()
}

// Resume scans for non-terminal orders and relaunches each, the crash
// recovery entry point. Running it right after every step is a no-op
// by construction (step nonces + ledger observation).
func (c *Coordinator) Resume(ctx context.Context) error {
	orders, err := c.store.GetNonTerminal()
	if err != nil {
		return err
	}

	for _, o := range orders {
		logger.WithFields(logger.Fields{
			"order":  common.Shorten(o.IDHex(), 6),
			"status": o.Status,
		}).Info("resuming order")
		c.Launch(ctx, o.ID)
	}

	return nil
}

// Wait blocks until every launched order task has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Cancel aborts an order, allowed only before the first deposit step
// has been checkpointed. Past that point the only escape is refund
// after the timelock.
func (c *Coordinator) Cancel(orderID [32]byte) error {
	unlock := c.lockOrder(orderID)
	defer unlock()

	o, ok, err := c.store.GetOrder(orderID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status != orderstore.StatusCreated {
		return ErrCancelTooLate
	}

	if _, existed, err := c.store.EnsureStep(orderID, stepDepositA, common.NowMs()); err != nil {
		return err
	} else if existed {
		return ErrCancelTooLate
	}

	o.Status = orderstore.StatusFailed
	o.FailReason = "cancelled by operator"
	if err := c.store.UpdateOrder(o); err != nil {
		return err
	}

	c.emit(o, stream.KindFailed, map[string]interface{}{"reason": o.FailReason})
	c.finishReceipt(o)

	return nil
}

// ForceRefund is the operator-forced escape hatch: move the order onto
// the refund path and drive it there. Refunds still only land once the
// ledgers' own clocks pass the timelocks.
func (c *Coordinator) ForceRefund(ctx context.Context, orderID [32]byte) error {
	err := func() error {
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
		if o.Status == orderstore.StatusRefundPending {
			return nil
		}
		if !orderstore.CanTransition(o.Status, orderstore.StatusRefundPending) {
			return fmt.Errorf("cannot refund an order in status %s", o.Status)
		}

		o.Status = orderstore.StatusRefundPending
		return c.store.UpdateOrder(o)
	}()
	if err != nil {
		return err
	}

	return c.Drive(ctx, orderID)
}

// PruneTerminal garbage-collects terminal orders past the retention
// window. Frozen records stay.
func (c *Coordinator) PruneTerminal() (int64, error) {
	return c.store.PruneTerminal(common.NowMs(), uint64(c.cfg.OrderRetention.Milliseconds()))
}

func (c *Coordinator) emit(o *orderstore.Order, kind stream.Kind, payload map[string]interface{}) {
	if c.bus != nil {
		c.bus.Emit(o.IDHex(), kind, common.NowMs(), payload)
	}
}

// retryTransient runs op with exponential backoff as long as failures
// classify as transient; any other error aborts immediately.
func (c *Coordinator) retryTransient(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInitialBackoff
	bo.MaxInterval = c.cfg.RetryMaxBackoff

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if ledger.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
	if err != nil && ledger.IsTransient(err) {
		return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
	}
	return err
}
