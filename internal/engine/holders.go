package engine

import (
	"sort"
	"sync"

	"tradedesk/internal/domain"
	"tradedesk/internal/reconcile"
)

// HolderIndex maps instrument -> account -> open position. It is derived
// from reconciler state and holds only non-zero positions.
type HolderIndex struct {
	mu           sync.RWMutex
	byInstrument map[string]map[string]domain.Position
	byAccount    map[string]map[string]struct{}
}

// NewHolderIndex creates an empty index.
func NewHolderIndex() *HolderIndex {
	return &HolderIndex{
		byInstrument: make(map[string]map[string]domain.Position),
		byAccount:    make(map[string]map[string]struct{}),
	}
}

// OnChange is a reconcile.Listener keeping the index current.
func (h *HolderIndex) OnChange(c reconcile.Change) {
	if c.PositionsChanged {
		h.Replace(c.Account.ID, c.Positions)
	}
}

// Replace sets the account's full set of open positions.
func (h *HolderIndex) Replace(accountID string, positions []domain.Position) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for inst := range h.byAccount[accountID] {
		if m := h.byInstrument[inst]; m != nil {
			delete(m, accountID)
			if len(m) == 0 {
				delete(h.byInstrument, inst)
			}
		}
	}
	held := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		if !p.Open() {
			continue
		}
		p = p.Clone()
		p.AccountID = accountID
		m := h.byInstrument[p.InstrumentID]
		if m == nil {
			m = make(map[string]domain.Position)
			h.byInstrument[p.InstrumentID] = m
		}
		m[accountID] = p
		held[p.InstrumentID] = struct{}{}
	}
	if len(held) == 0 {
		delete(h.byAccount, accountID)
		return
	}
	h.byAccount[accountID] = held
}

// Position returns the account's open position in the instrument.
func (h *HolderIndex) Position(accountID, instrumentID string) (domain.Position, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.byInstrument[instrumentID][accountID]
	if !ok {
		return domain.Position{}, false
	}
	return p.Clone(), true
}

// Holders returns every open position in the instrument sorted by account.
func (h *HolderIndex) Holders(instrumentID string) []domain.Position {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := h.byInstrument[instrumentID]
	out := make([]domain.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Instruments returns every instrument somebody holds, sorted.
func (h *HolderIndex) Instruments() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byInstrument))
	for inst := range h.byInstrument {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// BuildExitRequest snapshots the current holders of the instrument and
// turns each into an opposing-side target: long positions sell their
// quantity, short positions buy it back. With a non-empty accountFilter
// only those accounts are considered, in filter order, and accounts in the
// filter holding nothing are reported as unresolved with
// ErrNoOpenPosition. Without a filter, an instrument nobody holds is a
// ValidationError.
func (h *HolderIndex) BuildExitRequest(instrumentID string, accountFilter []string) (domain.ExecutionRequest, error) {
	ve := &domain.ValidationError{}
	if instrumentID == "" {
		ve.Add("instrument id is required")
		return domain.ExecutionRequest{}, ve
	}

	req := domain.ExecutionRequest{
		Intent: domain.OrderIntent{
			InstrumentID: instrumentID,
			Side:         domain.SideExit,
			OrderClass:   domain.OrderClassMarket,
			Tag:          "EXIT",
		},
		Exit: true,
	}

	holders := h.Holders(instrumentID)
	if len(accountFilter) == 0 {
		if len(holders) == 0 {
			ve.Add("no open positions for instrument " + instrumentID)
			return domain.ExecutionRequest{}, ve
		}
		for _, p := range holders {
			req.Targets = append(req.Targets, exitTarget(p))
		}
		return req, nil
	}

	byAccount := make(map[string]domain.Position, len(holders))
	for _, p := range holders {
		byAccount[p.AccountID] = p
	}
	seen := make(map[string]bool, len(accountFilter))
	for _, id := range accountFilter {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := byAccount[id]; ok {
			req.Targets = append(req.Targets, exitTarget(p))
			continue
		}
		req.Unresolved = append(req.Unresolved, domain.Unresolved{
			AccountID: id,
			Reason:    domain.ErrNoOpenPosition,
			Index:     len(req.Targets) + len(req.Unresolved),
		})
	}
	return req, nil
}

func exitTarget(p domain.Position) domain.Target {
	return domain.Target{
		AccountID:  p.AccountID,
		Quantity:   p.Size(),
		Side:       p.Side().Opposite(),
		TradeClass: p.TradeClass,
	}
}
