package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/domain"
	"tradedesk/internal/reconcile"
)

func acctMsg(id string, seq uint64) Message {
	return AccountMessage(domain.Account{AccountMeta: domain.AccountMeta{ID: id}, Sequence: seq}, nil)
}

func next(t *testing.T, sub *Subscription) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := sub.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestPublishRespectsInterest(t *testing.T) {
	b := New(8, nil)
	all := b.Subscribe(nil)
	onlyA := b.Subscribe([]string{"A"})
	star := b.Subscribe([]string{Wildcard})

	assert.Equal(t, 2, b.Publish(acctMsg("B", 1)))
	assert.Equal(t, 3, b.Publish(acctMsg("A", 1)))

	assert.Equal(t, 2, all.Pending())
	assert.Equal(t, 1, onlyA.Pending())
	assert.Equal(t, 2, star.Pending())
	assert.Equal(t, "A", next(t, onlyA).SubjectID)
}

func TestNoSequenceRegression(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe(nil)

	b.Publish(acctMsg("A", 5))
	b.Publish(acctMsg("A", 3))
	b.Publish(acctMsg("A", 5))
	b.Publish(acctMsg("B", 1))
	b.Publish(acctMsg("A", 6))

	var got []uint64
	for sub.Pending() > 0 {
		m := next(t, sub)
		if m.SubjectID == "A" {
			got = append(got, m.Sequence)
		}
	}
	assert.Equal(t, []uint64{5, 6}, got)
}

func TestSlowSubscriberDropsOldestAndIsBehind(t *testing.T) {
	b := New(3, nil)
	slow := b.Subscribe(nil)
	fast := b.Subscribe(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	var fastGot []uint64
	wg.Add(1)
	go func() {
		defer wg.Done()
		for len(fastGot) < 10 {
			m, err := fast.Next(ctx)
			if err != nil {
				return
			}
			fastGot = append(fastGot, m.Sequence)
		}
	}()

	for s := uint64(1); s <= 10; s++ {
		b.Publish(acctMsg("A", s))
		// Give the fast consumer room so it never overflows.
		require.Eventually(t, func() bool { return fast.Pending() == 0 }, time.Second, time.Millisecond)
	}
	wg.Wait()
	assert.Len(t, fastGot, 10)
	assert.Zero(t, fast.Dropped())

	assert.Equal(t, int64(7), slow.Dropped())
	m := next(t, slow)
	assert.Equal(t, TypeBehind, m.Type)
	assert.Equal(t, BehindPayload{Dropped: 7}, m.Payload)

	var slowGot []uint64
	for slow.Pending() > 0 {
		slowGot = append(slowGot, next(t, slow).Sequence)
	}
	assert.Equal(t, []uint64{8, 9, 10}, slowGot)
}

func TestUnsubscribeClosesNext(t *testing.T) {
	b := New(2, nil)
	sub := b.Subscribe(nil)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.Count())

	_, err := sub.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, sub.Offer(acctMsg("A", 1)))
}

func TestNextHonorsContext(t *testing.T) {
	b := New(2, nil)
	sub := b.Subscribe(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOnChangePublishesAccountAndTrades(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe([]string{"A"})

	rec := reconcile.New(nil)
	rec.OnChange(b.OnChange)
	require.True(t, rec.Apply(domain.StateUpdate{
		AccountID: "A",
		Sequence:  1,
		Origin:    domain.OriginPush,
		Fills: []domain.Fill{
			{InstrumentID: "X", TradeID: "t1", Side: domain.SideBuy, Quantity: 2, Price: 3},
			{InstrumentID: "Y", TradeID: "t2", Side: domain.SideSell, Quantity: 1, Price: 4},
		},
	}))

	m := next(t, sub)
	assert.Equal(t, TypeAccountUpdate, m.Type)
	payload := m.Payload.(AccountPayload)
	assert.Len(t, payload.Positions, 2)

	m = next(t, sub)
	assert.Equal(t, TypeTradeUpdate, m.Type)
	assert.Len(t, m.Payload.([]domain.Fill), 2)
}

func TestSnapshotFiltersInterest(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe([]string{"B", "C"})
	accounts := []domain.Account{
		{AccountMeta: domain.AccountMeta{ID: "C"}, Sequence: 2},
		{AccountMeta: domain.AccountMeta{ID: "A"}, Sequence: 1},
		{AccountMeta: domain.AccountMeta{ID: "B"}, Sequence: 4},
	}
	msgs := Snapshot(sub, accounts, nil)
	require.Len(t, msgs, 2)
	assert.Equal(t, "B", msgs[0].SubjectID)
	assert.Equal(t, "C", msgs[1].SubjectID)
}

func TestSetInterest(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe([]string{"A"})
	assert.Equal(t, []string{"A"}, sub.Subjects())
	sub.SetInterest(nil)
	assert.Nil(t, sub.Subjects())
	assert.True(t, sub.Interested("anything"))
}

func TestAdmitAfterSnapshot(t *testing.T) {
	b := New(8, nil)
	sub := b.Subscribe(nil)

	// Older updates queued before the snapshot was taken.
	b.Publish(acctMsg("A", 2))
	b.Publish(acctMsg("A", 3))

	snap := Snapshot(sub, []domain.Account{{AccountMeta: domain.AccountMeta{ID: "A"}, Sequence: 5}}, nil)
	require.Len(t, snap, 1)
	assert.True(t, sub.Admit(snap[0]))

	assert.False(t, sub.Admit(next(t, sub)), "seq 2 written after snapshot 5")
	assert.False(t, sub.Admit(next(t, sub)), "seq 3 written after snapshot 5")

	// The publish of the snapshotted state itself is not enqueued again.
	assert.Zero(t, b.Publish(acctMsg("A", 5)))
	assert.Equal(t, 1, b.Publish(acctMsg("A", 6)))
	assert.True(t, sub.Admit(next(t, sub)))

	// Unsequenced messages always pass.
	assert.True(t, sub.Admit(Message{Type: TypeBehind}))
	assert.True(t, sub.Admit(Message{Type: TypeBehind}))
}
