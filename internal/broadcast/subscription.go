package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Next once the subscription is closed.
var ErrClosed = errors.New("broadcast: subscription closed")

// Wildcard, used as a subject, subscribes to every subject.
const Wildcard = "*"

type subjectKey struct {
	typ     MessageType
	subject string
}

// Subscription is one observer's bounded queue. When the queue is full the
// oldest pending message is dropped and the subscriber is marked behind;
// the next call to Next then yields a behind control message.
type Subscription struct {
	ID string

	mu       sync.Mutex
	wildcard bool
	interest map[string]bool
	last     map[subjectKey]uint64 // highest enqueued
	sent     map[subjectKey]uint64 // highest written to the observer

	queue   chan Message
	done    chan struct{}
	closeMu sync.Once

	behind  atomic.Bool
	dropped atomic.Int64
}

func newSubscription(id string, capacity int, subjects []string) *Subscription {
	if capacity <= 0 {
		capacity = 1
	}
	s := &Subscription{
		ID:    id,
		last:  make(map[subjectKey]uint64),
		sent:  make(map[subjectKey]uint64),
		queue: make(chan Message, capacity),
		done:  make(chan struct{}),
	}
	s.SetInterest(subjects)
	return s
}

// SetInterest replaces the interest set. Empty subjects, or any subject
// equal to Wildcard, means every subject.
func (s *Subscription) SetInterest(subjects []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wildcard = len(subjects) == 0
	s.interest = make(map[string]bool, len(subjects))
	for _, subj := range subjects {
		if subj == Wildcard {
			s.wildcard = true
		}
		s.interest[subj] = true
	}
}

// Interested reports whether the subject is in the interest set.
func (s *Subscription) Interested(subject string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interested(subject)
}

func (s *Subscription) interested(subject string) bool {
	return s.wildcard || s.interest[subject]
}

// Subjects returns the explicit interest set, or nil for wildcard.
func (s *Subscription) Subjects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wildcard {
		return nil
	}
	out := make([]string, 0, len(s.interest))
	for subj := range s.interest {
		out = append(out, subj)
	}
	return out
}

// Offer enqueues msg if the subscriber is interested and msg is newer than
// the last message enqueued for the same type and subject. It never blocks.
func (s *Subscription) Offer(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return false
	default:
	}
	if !s.interested(msg.SubjectID) {
		return false
	}
	key := subjectKey{msg.Type, msg.SubjectID}
	if msg.Sequence > 0 {
		if msg.Sequence <= s.last[key] {
			return false
		}
		s.last[key] = msg.Sequence
	}

	for {
		select {
		case s.queue <- msg:
			return true
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
			s.behind.Store(true)
		default:
		}
	}
}

// Admit is called by the transport right before msg is written to the
// observer, for queued and snapshot messages alike. It reports false for a
// sequenced message at or below the last one written for the same type and
// subject, and records msg otherwise. Admitting a snapshot also raises the
// enqueue filter, so older updates still in flight are never offered.
func (s *Subscription) Admit(msg Message) bool {
	if msg.Sequence == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subjectKey{msg.Type, msg.SubjectID}
	if msg.Sequence <= s.sent[key] {
		return false
	}
	s.sent[key] = msg.Sequence
	if msg.Sequence > s.last[key] {
		s.last[key] = msg.Sequence
	}
	return true
}

// Next returns the next message, blocking until one is available, ctx is
// done, or the subscription is closed.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	if s.behind.CompareAndSwap(true, false) {
		return Message{Type: TypeBehind, Timestamp: time.Now(), Payload: BehindPayload{Dropped: s.dropped.Load()}}, nil
	}
	select {
	case msg := <-s.queue:
		return msg, nil
	default:
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-s.done:
		return Message{}, ErrClosed
	case msg := <-s.queue:
		return msg, nil
	}
}

// Dropped returns how many messages were dropped for this subscriber.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Pending returns the number of queued messages.
func (s *Subscription) Pending() int {
	return len(s.queue)
}

func (s *Subscription) close() {
	s.closeMu.Do(func() { close(s.done) })
}
