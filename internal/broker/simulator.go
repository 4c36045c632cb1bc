package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/domain"
)

// Compile-time interface checks.
var (
	_ Client      = (*SimulatorBroker)(nil)
	_ PushSource  = (*SimulatorBroker)(nil)
	_ QuoteSource = (*SimulatorBroker)(nil)
)

// DefaultSimPrice is used for instruments without a configured price.
const DefaultSimPrice = 100.0

// SimulatorBroker implements Client for paper trading and tests. Orders fill
// immediately at the limit price or the instrument's configured price, and
// fills are pushed to any active Stream for the account.
type SimulatorBroker struct {
	mu        sync.Mutex
	snapshots map[string]domain.Snapshot
	positions map[string]map[string]domain.Position // account -> instrument
	prices    map[string]float64
	streams   map[string]map[int]func(Event)
	nextSub   int

	// Test hooks.
	failures map[string]error
	rejects  map[string]string
	latency  map[string]time.Duration
	orders   []PlacedOrder
}

// PlacedOrder records an order the simulator accepted.
type PlacedOrder struct {
	AccountID string
	OrderID   string
	Order     Order
}

// NewSimulatorBroker creates a SimulatorBroker with no accounts.
func NewSimulatorBroker() *SimulatorBroker {
	return &SimulatorBroker{
		snapshots: make(map[string]domain.Snapshot),
		positions: make(map[string]map[string]domain.Position),
		prices:    make(map[string]float64),
		streams:   make(map[string]map[int]func(Event)),
		failures:  make(map[string]error),
		rejects:   make(map[string]string),
		latency:   make(map[string]time.Duration),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Seed sets an account's starting snapshot and positions.
func (b *SimulatorBroker) Seed(accountID string, snap domain.Snapshot, positions ...domain.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[accountID] = snap
	held := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		p.AccountID = accountID
		held[p.InstrumentID] = p.Clone()
	}
	b.positions[accountID] = held
}

// SetPrice sets the fill price for market orders on an instrument.
func (b *SimulatorBroker) SetPrice(instrumentID string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[instrumentID] = price
}

// FailWith makes every call for the account return err until cleared with
// a nil err.
func (b *SimulatorBroker) FailWith(accountID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, accountID)
		return
	}
	b.failures[accountID] = err
}

// RejectWith makes PlaceOrder for the account return a RejectedError.
func (b *SimulatorBroker) RejectWith(accountID, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[accountID] = reason
}

// SetLatency delays every call for the account by d, honoring ctx.
func (b *SimulatorBroker) SetLatency(accountID string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latency[accountID] = d
}

// Orders returns the orders accepted so far, in placement order.
func (b *SimulatorBroker) Orders() []PlacedOrder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PlacedOrder(nil), b.orders...)
}

func (b *SimulatorBroker) preflight(ctx context.Context, accountID string) error {
	b.mu.Lock()
	delay := b.latency[accountID]
	err := b.failures[accountID]
	b.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// PlaceOrder fills the order in full and notifies streams.
func (b *SimulatorBroker) PlaceOrder(ctx context.Context, account domain.AccountMeta, order Order) (string, error) {
	if err := b.preflight(ctx, account.ID); err != nil {
		return "", err
	}
	if order.Side != domain.SideBuy && order.Side != domain.SideSell {
		return "", &domain.RejectedError{Reason: fmt.Sprintf("unsupported side %q", order.Side)}
	}

	b.mu.Lock()
	if reason, ok := b.rejects[account.ID]; ok {
		b.mu.Unlock()
		return "", &domain.RejectedError{Reason: reason}
	}

	price := order.LimitPrice
	if order.Class != domain.OrderClassLimit || price <= 0 {
		price = b.prices[order.InstrumentID]
		if price <= 0 {
			price = DefaultSimPrice
		}
	}

	orderID := uuid.NewString()
	now := time.Now()
	fill := domain.Fill{
		AccountID:    account.ID,
		InstrumentID: order.InstrumentID,
		TradeID:      uuid.NewString(),
		OrderID:      orderID,
		Side:         order.Side,
		Quantity:     order.Quantity,
		Price:        price,
		TradeClass:   order.TradeClass,
		Time:         now,
	}

	held := b.positions[account.ID]
	if held == nil {
		held = make(map[string]domain.Position)
		b.positions[account.ID] = held
	}
	next := domain.ApplyFill(held[order.InstrumentID], fill)
	after := next.Quantity
	fill.PositionQty = &after
	if next.Open() {
		held[order.InstrumentID] = next
	} else {
		delete(held, order.InstrumentID)
	}

	snap := b.snapshots[account.ID]
	snap.AvailableFunds -= float64(fill.Signed()) * price
	b.snapshots[account.ID] = snap
	funds := snap.AvailableFunds

	b.orders = append(b.orders, PlacedOrder{AccountID: account.ID, OrderID: orderID, Order: order})
	subs := make([]func(Event), 0, len(b.streams[account.ID]))
	for _, fn := range b.streams[account.ID] {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	evt := Event{
		AccountID: account.ID,
		Fill:      &fill,
		Delta:     &domain.SnapshotDelta{AvailableFunds: domain.Float(funds)},
		Time:      now,
	}
	for _, fn := range subs {
		fn(evt)
	}
	return orderID, nil
}

// FetchSnapshot returns the simulated snapshot.
func (b *SimulatorBroker) FetchSnapshot(ctx context.Context, account domain.AccountMeta) (domain.Snapshot, error) {
	if err := b.preflight(ctx, account.ID); err != nil {
		return domain.Snapshot{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := b.snapshots[account.ID]
	snap.UnrealizedPnL = 0
	for _, p := range b.positions[account.ID] {
		mark := b.prices[p.InstrumentID]
		if mark <= 0 {
			mark = DefaultSimPrice
		}
		snap.UnrealizedPnL += float64(p.Quantity) * (mark - p.AvgPrice)
	}
	return snap, nil
}

// FetchPositions returns the simulated positions sorted by instrument.
func (b *SimulatorBroker) FetchPositions(ctx context.Context, account domain.AccountMeta) ([]domain.Position, error) {
	if err := b.preflight(ctx, account.ID); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	held := b.positions[account.ID]
	out := make([]domain.Position, 0, len(held))
	for _, p := range held {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out, nil
}

// Stream registers fn for the account's fills and blocks until ctx is done.
func (b *SimulatorBroker) Stream(ctx context.Context, account domain.AccountMeta, fn func(Event)) error {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	if b.streams[account.ID] == nil {
		b.streams[account.ID] = make(map[int]func(Event))
	}
	b.streams[account.ID][id] = fn
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.streams[account.ID], id)
	b.mu.Unlock()
	return ctx.Err()
}

// LatestQuotes returns configured prices, or DefaultSimPrice when unset.
func (b *SimulatorBroker) LatestQuotes(_ context.Context, instruments []string) ([]Quote, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	out := make([]Quote, 0, len(instruments))
	for _, id := range instruments {
		price := b.prices[id]
		if price <= 0 {
			price = DefaultSimPrice
		}
		out = append(out, Quote{InstrumentID: id, Price: price, Time: now})
	}
	return out, nil
}
