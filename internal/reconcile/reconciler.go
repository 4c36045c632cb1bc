// Package reconcile merges periodic bulk refreshes and broker push events
// into one authoritative, sequence-ordered state per account.
package reconcile

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"tradedesk/internal/domain"
)

// Change describes one accepted update. All slices are copies owned by the
// receiver.
type Change struct {
	Account domain.Account
	Origin  domain.Origin
	// PositionsChanged is set when the update replaced positions or
	// applied at least one new fill; Positions then holds the full open set.
	PositionsChanged bool
	Positions        []domain.Position
	Fills            []domain.Fill
}

// Listener is called for every accepted update, in sequence order per
// account, while that account's entry is locked. Listeners must not block
// and must not call back into the Reconciler for the same account.
type Listener func(Change)

type entry struct {
	mu        sync.Mutex
	account   domain.Account
	positions map[string]domain.Position
}

// Reconciler holds the per-account state. The top-level map is guarded by
// an RWMutex; each entry has its own mutex so that applies to different
// accounts proceed in parallel and applies to one account are serialized.
type Reconciler struct {
	mu      sync.RWMutex
	entries map[string]*entry

	lmu       sync.RWMutex
	listeners []Listener

	log *slog.Logger
	now func() time.Time
}

// New creates an empty Reconciler.
func New(log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		entries: make(map[string]*entry),
		log:     log,
		now:     time.Now,
	}
}

// OnChange registers a listener for accepted updates.
func (r *Reconciler) OnChange(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Reconciler) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func (r *Reconciler) getOrCreate(id string) *entry {
	if e := r.lookup(id); e != nil {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e
	}
	e := &entry{
		account:   domain.Account{AccountMeta: domain.AccountMeta{ID: id}},
		positions: make(map[string]domain.Position),
	}
	r.entries[id] = e
	return e
}

// Track registers or refreshes account metadata. Snapshot state and
// sequence are left untouched.
func (r *Reconciler) Track(meta domain.AccountMeta) {
	e := r.getOrCreate(meta.ID)
	e.mu.Lock()
	e.account.AccountMeta = meta
	e.mu.Unlock()
}

// Restore loads a previously persisted account. The snapshot is taken only
// if nothing has been applied yet, and the sequence stays at zero so any
// live observation supersedes it.
func (r *Reconciler) Restore(acct domain.Account) {
	e := r.getOrCreate(acct.ID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.account.AccountMeta = acct.AccountMeta
	if e.account.Sequence == 0 {
		e.account.Snapshot = acct.Snapshot
		e.account.UpdatedAt = acct.UpdatedAt
	}
}

// SetActive flips the account's active flag.
func (r *Reconciler) SetActive(id string, active bool) error {
	e := r.lookup(id)
	if e == nil {
		return domain.ErrUnknownAccount
	}
	e.mu.Lock()
	e.account.Active = active
	e.mu.Unlock()
	return nil
}

// Apply merges one update. It returns false when the update's sequence is
// not newer than the account's current sequence; such updates are dropped
// without touching state. Untracked accounts get an entry on their first
// accepted update, with no broker binding and inactive.
func (r *Reconciler) Apply(u domain.StateUpdate) bool {
	if u.AccountID == "" || u.Sequence == 0 {
		return false
	}
	e := r.getOrCreate(u.AccountID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if u.Sequence <= e.account.Sequence {
		r.log.Debug("StaleUpdateIgnored",
			"account", u.AccountID,
			"sequence", u.Sequence,
			"current", e.account.Sequence,
			"origin", u.Origin,
		)
		return false
	}

	switch {
	case u.Snapshot != nil:
		e.account.Snapshot = *u.Snapshot
	case u.Delta != nil:
		u.Delta.ApplyTo(&e.account.Snapshot)
	}

	changed := false
	if u.ReplacePositions {
		e.positions = make(map[string]domain.Position, len(u.Positions))
		for _, p := range u.Positions {
			if !p.Open() {
				continue
			}
			p = p.Clone()
			p.AccountID = u.AccountID
			e.positions[p.InstrumentID] = p
		}
		changed = true
	}

	var applied []domain.Fill
	for _, f := range u.Fills {
		f.AccountID = u.AccountID
		cur := e.positions[f.InstrumentID]
		if f.TradeID != "" && cur.HasTrade(f.TradeID) {
			continue
		}
		next := domain.ApplyFill(cur, f)
		if next.Open() {
			e.positions[f.InstrumentID] = next
		} else {
			delete(e.positions, f.InstrumentID)
		}
		applied = append(applied, f)
		changed = true
	}

	e.account.Sequence = u.Sequence
	if !u.ObservedAt.IsZero() {
		e.account.UpdatedAt = u.ObservedAt
	} else {
		e.account.UpdatedAt = r.now()
	}

	change := Change{
		Account:          e.account,
		Origin:           u.Origin,
		PositionsChanged: changed,
		Fills:            applied,
	}
	if changed {
		change.Positions = sortedPositions(e.positions)
	}

	r.lmu.RLock()
	listeners := r.listeners
	r.lmu.RUnlock()
	for _, l := range listeners {
		l(change)
	}
	return true
}

// Account returns a copy of the account's current state.
func (r *Reconciler) Account(id string) (domain.Account, bool) {
	e := r.lookup(id)
	if e == nil {
		return domain.Account{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account, true
}

// Accounts returns copies of all accounts sorted by id.
func (r *Reconciler) Accounts() []domain.Account {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Account, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.account)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Active returns metadata of every active account sorted by id.
func (r *Reconciler) Active() []domain.AccountMeta {
	var out []domain.AccountMeta
	for _, a := range r.Accounts() {
		if a.Active {
			out = append(out, a.AccountMeta)
		}
	}
	return out
}

// Positions returns copies of the account's open positions sorted by
// instrument.
func (r *Reconciler) Positions(id string) []domain.Position {
	e := r.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return sortedPositions(e.positions)
}

func sortedPositions(m map[string]domain.Position) []domain.Position {
	out := make([]domain.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}
