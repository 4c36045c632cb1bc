// Package broker defines the interfaces tradedesk uses to reach external
// brokerages and provides the Alpaca and simulator implementations.
package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tradedesk/internal/domain"
)

// Order is a single-account order as sent to a broker. Side is always buy or
// sell; exit intents are resolved before an Order is built.
type Order struct {
	InstrumentID  string
	Side          domain.Side
	Class         domain.OrderClass
	TradeClass    domain.TradeClass
	Quantity      int64
	LimitPrice    float64
	ClientOrderID string
	Tag           string
}

// Client abstracts the per-account broker calls.
type Client interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// PlaceOrder submits an order for the account and returns the broker's
	// order id. A *domain.RejectedError means the broker refused the order.
	PlaceOrder(ctx context.Context, account domain.AccountMeta, order Order) (string, error)

	// FetchSnapshot returns the account's current financial snapshot.
	FetchSnapshot(ctx context.Context, account domain.AccountMeta) (domain.Snapshot, error)

	// FetchPositions returns the account's open positions.
	FetchPositions(ctx context.Context, account domain.AccountMeta) ([]domain.Position, error)
}

// Event is one push notification from a broker.
type Event struct {
	AccountID string
	Fill      *domain.Fill
	Delta     *domain.SnapshotDelta
	Time      time.Time
}

// PushSource is implemented by brokers that stream account events.
type PushSource interface {
	// Stream delivers events for the account to fn until ctx is done or the
	// stream fails.
	Stream(ctx context.Context, account domain.AccountMeta, fn func(Event)) error
}

// Quote is the latest traded price of an instrument.
type Quote struct {
	InstrumentID string    `json:"instrument_id"`
	Price        float64   `json:"price"`
	Time         time.Time `json:"time"`
}

// QuoteSource returns latest prices for a set of instruments.
type QuoteSource interface {
	LatestQuotes(ctx context.Context, instruments []string) ([]Quote, error)
}

// Registry maps broker names to clients.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates a Registry holding the given clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds or replaces a client under its Name.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Resolve returns the client for the given broker name.
func (r *Registry) Resolve(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("no broker registered as %q", name)
	}
	return c, nil
}

// For returns the client serving the account.
func (r *Registry) For(account domain.AccountMeta) (Client, error) {
	return r.Resolve(account.Broker)
}

// Names returns registered broker names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
