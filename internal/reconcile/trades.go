package reconcile

import (
	"sync"

	"tradedesk/internal/domain"
)

const defaultTradeCapacity = 10000

// TradeBook keeps the most recent fills accepted by the reconciler, across
// all accounts. Once full, the oldest fills are dropped.
type TradeBook struct {
	mu    sync.RWMutex
	cap   int
	fills []domain.Fill // oldest first
	byID  map[string]int
	start int // index of fills[0] in the overall append order
}

// NewTradeBook creates a book holding up to capacity fills. A non-positive
// capacity uses the default.
func NewTradeBook(capacity int) *TradeBook {
	if capacity <= 0 {
		capacity = defaultTradeCapacity
	}
	return &TradeBook{cap: capacity, byID: make(map[string]int)}
}

// OnChange is a Listener recording every applied fill.
func (b *TradeBook) OnChange(c Change) {
	for _, f := range c.Fills {
		b.Add(f)
	}
}

// Add records a fill. Fills without a trade id or with one already in the
// book are ignored.
func (b *TradeBook) Add(f domain.Fill) bool {
	if f.TradeID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byID[f.TradeID]; ok {
		return false
	}
	if len(b.fills) == b.cap {
		delete(b.byID, b.fills[0].TradeID)
		b.fills = b.fills[1:]
		b.start++
	}
	b.byID[f.TradeID] = b.start + len(b.fills)
	b.fills = append(b.fills, f)
	return true
}

// Get returns the fill with the trade id.
func (b *TradeBook) Get(tradeID string) (domain.Fill, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.byID[tradeID]
	if !ok {
		return domain.Fill{}, false
	}
	return b.fills[i-b.start], true
}

// List returns fills newest first, optionally narrowed to one account and
// one instrument. A non-positive limit returns every match.
func (b *TradeBook) List(accountID, instrumentID string, limit int) []domain.Fill {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]domain.Fill, 0)
	for i := len(b.fills) - 1; i >= 0; i-- {
		f := b.fills[i]
		if accountID != "" && f.AccountID != accountID {
			continue
		}
		if instrumentID != "" && f.InstrumentID != instrumentID {
			continue
		}
		out = append(out, f)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Len returns the number of fills held.
func (b *TradeBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.fills)
}
