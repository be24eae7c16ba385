// Package stream publishes typed progress events to external
// observers and assembles the terminal receipt. Delivery is
// at-least-once; consumers deduplicate by (order_id, seq).
package stream

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	logger "github.com/sirupsen/logrus"
)

type Kind string

const (
	KindCreated             Kind = "created"
	KindDepositedA          Kind = "deposited_a"
	KindDepositedB          Kind = "deposited_b"
	KindCounterpartyClaimed Kind = "counterparty_claimed"
	KindClaimedA            Kind = "claimed_a"
	KindClaimedB            Kind = "claimed_b"
	KindRefundedA           Kind = "refunded_a"
	KindRefundedB           Kind = "refunded_b"
	KindCompleted           Kind = "completed"
	KindFailed              Kind = "failed"
	KindExpired             Kind = "expired"
)

type Event struct {
	OrderID string                 `json:"order_id"`
	Seq     uint64                 `json:"seq"`
	TsMs    uint64                 `json:"ts"`
	Kind    Kind                   `json:"kind"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// LegReceipt lists every transaction of one side.
type LegReceipt struct {
	Ledger       string   `json:"ledger"`
	EscrowID     string   `json:"escrow_id"`
	DepositTx    string   `json:"deposit_tx"`
	ClaimTxs     []string `json:"claim_txs,omitempty"`
	RefundTx     string   `json:"refund_tx,omitempty"`
	AmountIn     uint64   `json:"amount_in"`
	AmountOut    uint64   `json:"amount_out"`
	ExplorerURLs []string `json:"explorer_urls,omitempty"`
}

// Receipt is emitted once per order on reaching a terminal status. The
// revealed preimage is public by then.
type Receipt struct {
	OrderID          string     `json:"order_id"`
	Status           string     `json:"status"`
	SideA            LegReceipt `json:"side_a"`
	SideB            LegReceipt `json:"side_b"`
	CreatedAtMs      uint64     `json:"created_at_ms"`
	FinishedAtMs     uint64     `json:"finished_at_ms"`
	RevealedPreimage string     `json:"revealed_preimage,omitempty"`
	FailReason       string     `json:"fail_reason,omitempty"`
}

type subscriber struct {
	orderID string
	ch      chan Event
}

// Bus fans events out to per-order subscribers and keeps the full
// per-order history until the retention window expires.
type Bus struct {
	mu   sync.Mutex
	seqs map[string]uint64
	subs []*subscriber

	history  *ttlcache.Cache[string, []Event]
	receipts *ttlcache.Cache[string, *Receipt]
}

func NewBus(retention time.Duration) *Bus {
	history := ttlcache.New(
		ttlcache.WithTTL[string, []Event](retention),
	)
	receipts := ttlcache.New(
		ttlcache.WithTTL[string, *Receipt](retention),
	)
	go history.Start()
	go receipts.Start()

	return &Bus{
		seqs:     make(map[string]uint64),
		history:  history,
		receipts: receipts,
	}
}

func (b *Bus) Stop() {
	b.history.Stop()
	b.receipts.Stop()
}

// Emit assigns the next sequence number for the order and delivers the
// event to history and subscribers. A slow subscriber never blocks the
// coordinator; the event stays fetchable from history.
func (b *Bus) Emit(orderID string, kind Kind, tsMs uint64, payload map[string]interface{}) Event {
	b.mu.Lock()

	b.seqs[orderID]++
	ev := Event{
		OrderID: orderID,
		Seq:     b.seqs[orderID],
		TsMs:    tsMs,
		Kind:    kind,
		Payload: payload,
	}

	var events []Event
	if item := b.history.Get(orderID); item != nil {
		events = item.Value()
	}
	b.history.Set(orderID, append(events, ev), ttlcache.DefaultTTL)

	subs := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.orderID == "" || sub.orderID == orderID {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			logger.WithFields(logger.Fields{
				"order": orderID,
				"seq":   ev.Seq,
			}).Warn("subscriber lagging, event dropped from channel (still in history)")
		}
	}

	return ev
}

// Subscribe returns a channel of events for one order, or every order
// when orderID is empty. Cancel releases the channel.
func (b *Bus) Subscribe(orderID string, buffer int) (<-chan Event, func()) {
	sub := &subscriber{orderID: orderID, ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s == sub {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}

	return sub.ch, cancel
}

// EventsSince replays history rows with seq > after. At-least-once
// consumers use this to fill channel gaps.
func (b *Bus) EventsSince(orderID string, after uint64) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	item := b.history.Get(orderID)
	if item == nil {
		return nil
	}

	var out []Event
	for _, ev := range item.Value() {
		if ev.Seq > after {
			out = append(out, ev)
		}
	}
	return out
}

func (b *Bus) SetReceipt(r *Receipt) {
	b.receipts.Set(r.OrderID, r, ttlcache.DefaultTTL)
}

func (b *Bus) GetReceipt(orderID string) (*Receipt, bool) {
	item := b.receipts.Get(orderID)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}
