package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradedesk/internal/domain"
)

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "tradedesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAccount(id string, funds float64) domain.Account {
	return domain.Account{
		AccountMeta: domain.AccountMeta{
			ID:            id,
			Name:          "Account " + id,
			Broker:        "simulator",
			CredentialRef: "main",
			Active:        true,
		},
		Snapshot: domain.Snapshot{
			AvailableFunds:  funds,
			MarginUsed:      250,
			MarginAvailable: funds - 250,
			RealizedPnL:     12.5,
			UnrealizedPnL:   -3.25,
		},
		Sequence:  7,
		UpdatedAt: time.Date(2026, 3, 2, 15, 30, 0, 0, time.UTC),
	}
}

func TestSQLiteAccounts(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.SaveAccount(ctx, sampleAccount("B", 2000)))
	require.NoError(t, s.SaveAccount(ctx, sampleAccount("A", 1000)))

	accts, err := s.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, "A", accts[0].ID)
	assert.Equal(t, "B", accts[1].ID)

	want := sampleAccount("A", 1000)
	got := accts[0]
	assert.Equal(t, want.AccountMeta, got.AccountMeta)
	assert.Equal(t, want.Snapshot, got.Snapshot)
	assert.Equal(t, want.Sequence, got.Sequence)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))

	// Replace.
	upd := sampleAccount("A", 500)
	upd.Active = false
	require.NoError(t, s.SaveAccount(ctx, upd))
	accts, err = s.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, 500.0, accts[0].AvailableFunds)
	assert.False(t, accts[0].Active)
}

func TestSQLiteAudit(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		res := domain.ExecutionResult{
			RequestID: id,
			Intent:    domain.OrderIntent{InstrumentID: "AAPL", Side: domain.SideBuy, Tag: "t"},
			Entries: []domain.ExecutionEntry{
				{AccountID: "A", Side: domain.SideBuy, Quantity: 10, Status: domain.StatusSubmitted, BrokerOrderID: "o1"},
				{AccountID: "B", Side: domain.SideBuy, Quantity: 10, Status: domain.StatusError, Error: "boom"},
			},
			StartedAt:  base.Add(time.Duration(i) * time.Minute),
			FinishedAt: base.Add(time.Duration(i)*time.Minute + time.Second),
		}
		res.Tally()
		require.NoError(t, AuditLog{Repo: s}.SaveExecution(ctx, res))
	}

	entries, err := s.ListAuditEntries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "r3", entries[0].RequestID)
	assert.Equal(t, "r2", entries[1].RequestID)

	e := entries[0]
	assert.Equal(t, "AAPL", e.InstrumentID)
	assert.Equal(t, domain.SideBuy, e.Side)
	assert.Equal(t, 1, e.Submitted)
	assert.Equal(t, 1, e.Errors)
	require.Len(t, e.Entries, 2)
	assert.Equal(t, "boom", e.Entries[1].Error)

	all, err := s.ListAuditEntries(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

type failingRepo struct {
	Repository
	saved []string
}

func (f *failingRepo) SaveAccount(_ context.Context, a domain.Account) error {
	if a.ID == "bad" {
		return errors.New("disk full")
	}
	f.saved = append(f.saved, a.ID)
	return nil
}

func TestAccountWriterContinuesPastFailures(t *testing.T) {
	repo := &failingRepo{}
	err := AccountWriter{Repo: repo}.RecordSnapshots(context.Background(), []domain.Account{
		sampleAccount("A", 1), sampleAccount("bad", 1), sampleAccount("C", 1),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account bad")
	assert.Equal(t, []string{"A", "C"}, repo.saved)
}

func TestParquetArchiveHistory(t *testing.T) {
	dir := t.TempDir()
	a := NewParquetArchive(dir, time.UTC)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	first := sampleAccount("A", 1000)
	first.UpdatedAt = day.Add(10 * time.Hour)
	other := sampleAccount("B", 50)
	other.UpdatedAt = day.Add(10 * time.Hour)
	require.NoError(t, a.RecordSnapshots(ctx, []domain.Account{first, other}))

	second := sampleAccount("A", 900)
	second.Sequence = 8
	second.UpdatedAt = day.Add(11 * time.Hour)
	nextDay := sampleAccount("A", 800)
	nextDay.UpdatedAt = day.Add(30 * time.Hour)
	require.NoError(t, a.RecordSnapshots(ctx, []domain.Account{second, nextDay}))

	// Re-recording the same observation does not duplicate it.
	require.NoError(t, a.RecordSnapshots(ctx, []domain.Account{second}))

	hist, err := a.History(ctx, "A", day.Add(12*time.Hour))
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, 1000.0, hist[0].AvailableFunds)
	assert.Equal(t, 900.0, hist[1].AvailableFunds)
	assert.Equal(t, uint64(8), hist[1].Sequence)
	assert.True(t, hist[1].UpdatedAt.Equal(second.UpdatedAt))

	hist, err = a.History(ctx, "A", day.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 800.0, hist[0].AvailableFunds)

	hist, err = a.History(ctx, "A", day.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.Empty(t, hist)

	assert.FileExists(t, filepath.Join(dir, "snapshots", "2026-03-02.parquet"))
}

func TestPostgresModelConversions(t *testing.T) {
	acct := sampleAccount("A", 1000)
	got := accountModel(acct).toDomain()
	assert.Equal(t, acct.AccountMeta, got.AccountMeta)
	assert.Equal(t, acct.Snapshot, got.Snapshot)
	assert.Equal(t, acct.Sequence, got.Sequence)

	empty := accountModel(domain.Account{AccountMeta: domain.AccountMeta{ID: "X"}})
	assert.Nil(t, empty.UpdatedAt)

	entry := AuditEntry{
		RequestID: "r1",
		Side:      domain.SideSell,
		Entries:   []domain.ExecutionEntry{{AccountID: "A", Status: domain.StatusRejected, Error: "no funds"}},
	}
	m, err := auditModel(entry)
	require.NoError(t, err)
	back, err := m.toDomain()
	require.NoError(t, err)
	assert.Equal(t, entry.Entries, back.Entries)
	assert.Equal(t, domain.SideSell, back.Side)
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "x")
	assert.Error(t, err)

	repo, err := Open("sqlite", filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	require.NoError(t, repo.Close())
}
