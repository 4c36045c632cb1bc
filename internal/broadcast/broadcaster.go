// Package broadcast fans accepted state changes out to observers, each with
// an independent bounded queue.
package broadcast

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradedesk/internal/domain"
	"tradedesk/internal/reconcile"
)

// MessageType tags a notification.
type MessageType string

const (
	TypeAccountUpdate MessageType = "account_update"
	TypePriceUpdate   MessageType = "price_update"
	TypeTradeUpdate   MessageType = "trade_update"
	// TypeBehind tells an observer that messages were dropped and it should
	// request a snapshot.
	TypeBehind MessageType = "behind"
)

// Message is one notification.
type Message struct {
	Type      MessageType `json:"type"`
	SubjectID string      `json:"subject_id,omitempty"`
	Sequence  uint64      `json:"sequence,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// AccountPayload is the payload of an account_update.
type AccountPayload struct {
	Account   domain.Account    `json:"account"`
	Positions []domain.Position `json:"positions,omitempty"`
}

// BehindPayload is the payload of a behind control message.
type BehindPayload struct {
	Dropped int64 `json:"dropped"`
}

// AccountMessage builds an account_update for the account.
func AccountMessage(acct domain.Account, positions []domain.Position) Message {
	return Message{
		Type:      TypeAccountUpdate,
		SubjectID: acct.ID,
		Sequence:  acct.Sequence,
		Timestamp: acct.UpdatedAt,
		Payload:   AccountPayload{Account: acct, Positions: positions},
	}
}

// Broadcaster holds the live subscriptions.
type Broadcaster struct {
	mu        sync.RWMutex
	subs      map[string]*Subscription
	queueSize int
	log       *slog.Logger
}

// New creates a Broadcaster whose subscribers buffer up to queueSize
// messages.
func New(queueSize int, log *slog.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		subs:      make(map[string]*Subscription),
		queueSize: queueSize,
		log:       log.With("component", "broadcast"),
	}
}

// Subscribe registers a new observer interested in subjects (empty means
// all).
func (b *Broadcaster) Subscribe(subjects []string) *Subscription {
	sub := newSubscription(uuid.NewString(), b.queueSize, subjects)
	b.mu.Lock()
	b.subs[sub.ID] = sub
	n := len(b.subs)
	b.mu.Unlock()
	b.log.Info("subscriber added", "sub", sub.ID, "subscribers", n)
	return sub
}

// Unsubscribe removes and closes the subscription.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	delete(b.subs, sub.ID)
	n := len(b.subs)
	b.mu.Unlock()
	sub.close()
	if ok {
		b.log.Info("subscriber removed", "sub", sub.ID, "subscribers", n, "dropped", sub.Dropped())
	}
}

// Count returns the number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish offers msg to every subscriber and returns how many queued it.
func (b *Broadcaster) Publish(msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	n := 0
	for _, s := range subs {
		if s.Offer(msg) {
			n++
		}
	}
	return n
}

// OnChange is a reconcile.Listener publishing account_update for the
// account and, when the change applied fills, one trade_update carrying
// them.
func (b *Broadcaster) OnChange(c reconcile.Change) {
	b.Publish(AccountMessage(c.Account, c.Positions))
	if len(c.Fills) == 0 {
		return
	}
	b.Publish(Message{
		Type:      TypeTradeUpdate,
		SubjectID: c.Account.ID,
		Sequence:  c.Account.Sequence,
		Timestamp: c.Account.UpdatedAt,
		Payload:   c.Fills,
	})
}

// Snapshot returns the current account_update for each account in accounts
// that sub is interested in, sorted by account id.
func Snapshot(sub *Subscription, accounts []domain.Account, positions func(id string) []domain.Position) []Message {
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	var out []Message
	for _, a := range accounts {
		if !sub.Interested(a.ID) {
			continue
		}
		var pos []domain.Position
		if positions != nil {
			pos = positions(a.ID)
		}
		out = append(out, AccountMessage(a, pos))
	}
	return out
}
