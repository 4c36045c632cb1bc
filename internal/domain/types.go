// Package domain defines the core types shared across tradedesk: accounts,
// positions, order intents, execution requests and results, and the state
// updates that flow into the reconciler.
package domain

import (
	"time"
)

// ---------------------------------------------------------------------------
// Enums
// ---------------------------------------------------------------------------

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
	// SideExit closes whatever the account holds; the concrete side is
	// resolved per account at execution time.
	SideExit Side = "exit"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	switch s {
	case SideBuy, SideSell, SideExit:
		return true
	}
	return false
}

// Opposite returns the side that closes a position opened with s.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	}
	return s
}

// OrderClass is the pricing style of an order.
type OrderClass string

const (
	OrderClassMarket OrderClass = "market"
	OrderClassLimit  OrderClass = "limit"
)

// Valid reports whether c is a known order class.
func (c OrderClass) Valid() bool {
	return c == OrderClassMarket || c == OrderClassLimit
}

// TradeClass is the holding classification of an order.
type TradeClass string

const (
	TradeClassIntraday TradeClass = "intraday"
	TradeClassDelivery TradeClass = "delivery"
	TradeClassMargin   TradeClass = "margin"
)

// Valid reports whether c is a known trade class. The empty class is
// accepted and treated as delivery by brokers.
func (c TradeClass) Valid() bool {
	switch c {
	case "", TradeClassIntraday, TradeClassDelivery, TradeClassMargin:
		return true
	}
	return false
}

// Origin tags where a StateUpdate was observed.
type Origin string

const (
	OriginPoll Origin = "poll"
	OriginPush Origin = "push"
)

// EntryStatus is the per-account outcome of a dispatched order.
type EntryStatus string

const (
	StatusSubmitted EntryStatus = "submitted"
	StatusRejected  EntryStatus = "rejected"
	StatusError     EntryStatus = "error"
)

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// Snapshot holds the financial fields of an account.
type Snapshot struct {
	AvailableFunds  float64 `json:"available_funds"`
	MarginUsed      float64 `json:"margin_used"`
	MarginAvailable float64 `json:"margin_available"`
	RealizedPnL     float64 `json:"realized_pnl"`
	UnrealizedPnL   float64 `json:"unrealized_pnl"`
}

// TotalPnL returns realized plus unrealized P&L.
func (s Snapshot) TotalPnL() float64 {
	return s.RealizedPnL + s.UnrealizedPnL
}

// SnapshotDelta carries a partial snapshot. Nil fields are left untouched
// when the delta is applied.
type SnapshotDelta struct {
	AvailableFunds  *float64 `json:"available_funds,omitempty"`
	MarginUsed      *float64 `json:"margin_used,omitempty"`
	MarginAvailable *float64 `json:"margin_available,omitempty"`
	RealizedPnL     *float64 `json:"realized_pnl,omitempty"`
	UnrealizedPnL   *float64 `json:"unrealized_pnl,omitempty"`
}

// Empty reports whether the delta carries no fields.
func (d SnapshotDelta) Empty() bool {
	return d.AvailableFunds == nil && d.MarginUsed == nil && d.MarginAvailable == nil &&
		d.RealizedPnL == nil && d.UnrealizedPnL == nil
}

// ApplyTo overwrites the fields of s that are present in d.
func (d SnapshotDelta) ApplyTo(s *Snapshot) {
	if d.AvailableFunds != nil {
		s.AvailableFunds = *d.AvailableFunds
	}
	if d.MarginUsed != nil {
		s.MarginUsed = *d.MarginUsed
	}
	if d.MarginAvailable != nil {
		s.MarginAvailable = *d.MarginAvailable
	}
	if d.RealizedPnL != nil {
		s.RealizedPnL = *d.RealizedPnL
	}
	if d.UnrealizedPnL != nil {
		s.UnrealizedPnL = *d.UnrealizedPnL
	}
}

// Float returns a pointer to v, for building deltas.
func Float(v float64) *float64 { return &v }

// AccountMeta is the static part of an account as loaded from the
// repository.
type AccountMeta struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Broker        string `json:"broker"`
	CredentialRef string `json:"credential_ref"`
	Active        bool   `json:"is_active"`
}

// Account is the reconciled view of one brokerage account.
type Account struct {
	AccountMeta
	Snapshot
	Sequence  uint64    `json:"sequence"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ---------------------------------------------------------------------------
// Positions
// ---------------------------------------------------------------------------

// Position is an account's holding in one instrument. Quantity is signed:
// positive is long, negative is short.
type Position struct {
	AccountID    string     `json:"account_id"`
	InstrumentID string     `json:"instrument_id"`
	Quantity     int64      `json:"quantity"`
	AvgPrice     float64    `json:"avg_price"`
	TradeClass   TradeClass `json:"trade_class,omitempty"`
	TradeIDs     []string   `json:"trade_ids,omitempty"`
}

// Open reports whether the position holds a non-zero quantity.
func (p Position) Open() bool { return p.Quantity != 0 }

// Side returns buy for long positions and sell for short ones.
func (p Position) Side() Side {
	if p.Quantity < 0 {
		return SideSell
	}
	return SideBuy
}

// Size returns the absolute quantity.
func (p Position) Size() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// HasTrade reports whether tradeID already contributes to the position.
func (p Position) HasTrade(tradeID string) bool {
	for _, id := range p.TradeIDs {
		if id == tradeID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of p.
func (p Position) Clone() Position {
	p.TradeIDs = append([]string(nil), p.TradeIDs...)
	return p
}

// Fill is one execution reported by a broker.
type Fill struct {
	AccountID    string     `json:"account_id"`
	InstrumentID string     `json:"instrument_id"`
	TradeID      string     `json:"trade_id"`
	OrderID      string     `json:"order_id,omitempty"`
	Side         Side       `json:"side"`
	Quantity     int64      `json:"quantity"`
	Price        float64    `json:"price"`
	TradeClass   TradeClass `json:"trade_class,omitempty"`
	Time         time.Time  `json:"time"`
	// PositionQty, when the broker reports it, is the signed position in
	// the instrument right after this fill.
	PositionQty *int64 `json:"position_qty,omitempty"`
}

// Signed returns the fill quantity with the sign of its side.
func (f Fill) Signed() int64 {
	if f.Side == SideSell {
		return -f.Quantity
	}
	return f.Quantity
}

// ApplyFill folds f into p and returns the new position. Increasing fills
// move the average price; reducing fills keep it; a fill that flips the
// position resets the average to the fill price. A fill already recorded in
// TradeIDs is ignored.
//
// When f carries PositionQty the position is moved to that quantity rather
// than by the fill quantity, so a fill already reflected in p (because a
// refresh saw it before its push arrived) is recorded without being
// counted twice.
func ApplyFill(p Position, f Fill) Position {
	if f.TradeID != "" && p.HasTrade(f.TradeID) {
		return p
	}
	p = p.Clone()
	p.AccountID = f.AccountID
	p.InstrumentID = f.InstrumentID
	if f.TradeClass != "" {
		p.TradeClass = f.TradeClass
	}

	delta := f.Signed()
	if f.PositionQty != nil {
		delta = *f.PositionQty - p.Quantity
	}
	if delta != 0 {
		next := p.Quantity + delta
		switch {
		case p.Quantity == 0 || sameSign(p.Quantity, delta):
			total := abs(p.Quantity) + abs(delta)
			p.AvgPrice = (p.AvgPrice*float64(abs(p.Quantity)) + f.Price*float64(abs(delta))) / float64(total)
		case next != 0 && !sameSign(next, p.Quantity):
			p.AvgPrice = f.Price
		}
		if next == 0 {
			p.AvgPrice = 0
		}
		p.Quantity = next
	}
	if f.TradeID != "" {
		p.TradeIDs = append(p.TradeIDs, f.TradeID)
	}
	return p
}

func sameSign(a, b int64) bool { return (a > 0) == (b > 0) }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ---------------------------------------------------------------------------
// Orders and execution
// ---------------------------------------------------------------------------

// OrderIntent is one trading instruction, independent of target accounts.
type OrderIntent struct {
	InstrumentID string     `json:"instrument_id"`
	Side         Side       `json:"side"`
	OrderClass   OrderClass `json:"order_class"`
	TradeClass   TradeClass `json:"trade_class,omitempty"`
	LimitPrice   float64    `json:"limit_price,omitempty"`
	Tag          string     `json:"tag,omitempty"`
}

// Target is one (account, quantity) pair of an ExecutionRequest. Side and
// TradeClass, when set, override the intent for this account.
type Target struct {
	AccountID  string     `json:"account_id"`
	Quantity   int64      `json:"quantity"`
	Side       Side       `json:"side,omitempty"`
	TradeClass TradeClass `json:"trade_class,omitempty"`
}

// Unresolved is a requested account that cannot be dispatched at all. It is
// reported in the result without contacting the broker.
type Unresolved struct {
	AccountID string `json:"account_id"`
	Reason    error  `json:"-"`
	// Index is the entry's position in the result. Targets fill the
	// remaining positions in order. An index out of range or already taken
	// places the entry after the targets.
	Index int `json:"-"`
}

// ExecutionRequest is an intent plus the accounts it targets.
type ExecutionRequest struct {
	ID         string       `json:"id,omitempty"`
	Intent     OrderIntent  `json:"intent"`
	Targets    []Target     `json:"targets"`
	Unresolved []Unresolved `json:"-"`
	// Exit marks a request built from held positions. Each target is
	// re-checked against the live position at dispatch time.
	Exit bool `json:"exit,omitempty"`
}

// AccountCount returns the number of accounts the request reports on.
func (r ExecutionRequest) AccountCount() int {
	return len(r.Targets) + len(r.Unresolved)
}

// ExecutionEntry is the outcome for one account.
type ExecutionEntry struct {
	AccountID     string      `json:"account_id"`
	Side          Side        `json:"side,omitempty"`
	Quantity      int64       `json:"quantity"`
	Status        EntryStatus `json:"status"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// ExecutionResult aggregates every account's outcome for one request.
type ExecutionResult struct {
	RequestID  string           `json:"request_id"`
	Intent     OrderIntent      `json:"intent"`
	Entries    []ExecutionEntry `json:"entries"`
	Submitted  int              `json:"submitted"`
	Rejected   int              `json:"rejected"`
	Errors     int              `json:"errors"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Tally recomputes the aggregate counts from Entries.
func (r *ExecutionResult) Tally() {
	r.Submitted, r.Rejected, r.Errors = 0, 0, 0
	for _, e := range r.Entries {
		switch e.Status {
		case StatusSubmitted:
			r.Submitted++
		case StatusRejected:
			r.Rejected++
		default:
			r.Errors++
		}
	}
}

// ---------------------------------------------------------------------------
// State updates
// ---------------------------------------------------------------------------

// StateUpdate is one observation of an account's state. Exactly one of
// Snapshot or Delta is normally set; either may be nil when the update only
// carries positions or fills.
type StateUpdate struct {
	AccountID string         `json:"account_id"`
	Sequence  uint64         `json:"sequence"`
	Origin    Origin         `json:"origin"`
	Snapshot  *Snapshot      `json:"snapshot,omitempty"`
	Delta     *SnapshotDelta `json:"delta,omitempty"`
	// ReplacePositions replaces the held positions with Positions.
	ReplacePositions bool       `json:"replace_positions,omitempty"`
	Positions        []Position `json:"positions,omitempty"`
	Fills            []Fill     `json:"fills,omitempty"`
	ObservedAt       time.Time  `json:"observed_at"`
}

// Full reports whether the update carries a full snapshot.
func (u StateUpdate) Full() bool { return u.Snapshot != nil }
