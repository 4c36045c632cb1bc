package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"tradedesk/internal/domain"
)

// ParquetArchive keeps a per-day history of polled account snapshots as
// Parquet files on disk.
type ParquetArchive struct {
	DataDir string
	Loc     *time.Location

	mu sync.Mutex // serializes read-merge-write of a day file
}

// NewParquetArchive creates an archive rooted at dataDir. Days are cut in
// loc (UTC when nil).
func NewParquetArchive(dataDir string, loc *time.Location) *ParquetArchive {
	if loc == nil {
		loc = time.UTC
	}
	return &ParquetArchive{DataDir: dataDir, Loc: loc}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// SnapshotRecord is the Parquet schema for one observed account snapshot.
type SnapshotRecord struct {
	AccountID       string  `parquet:"account_id"`
	Timestamp       int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
	Sequence        int64   `parquet:"sequence"`
	AvailableFunds  float64 `parquet:"available_funds"`
	MarginUsed      float64 `parquet:"margin_used"`
	MarginAvailable float64 `parquet:"margin_available"`
	RealizedPnL     float64 `parquet:"realized_pnl"`
	UnrealizedPnL   float64 `parquet:"unrealized_pnl"`
}

// RecordSnapshots appends the accounts to the file for the day each was
// observed on.
func (a *ParquetArchive) RecordSnapshots(_ context.Context, accounts []domain.Account) error {
	if len(accounts) == 0 {
		return nil
	}

	groups := make(map[string][]SnapshotRecord)
	for _, acct := range accounts {
		ts := acct.UpdatedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		date := ts.In(a.Loc).Format("2006-01-02")
		groups[date] = append(groups[date], SnapshotRecord{
			AccountID:       acct.ID,
			Timestamp:       ts.UnixMilli(),
			Sequence:        int64(acct.Sequence),
			AvailableFunds:  acct.AvailableFunds,
			MarginUsed:      acct.MarginUsed,
			MarginAvailable: acct.MarginAvailable,
			RealizedPnL:     acct.RealizedPnL,
			UnrealizedPnL:   acct.UnrealizedPnL,
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for date, records := range groups {
		path := a.snapshotPath(date)
		existing, err := readParquetFile[SnapshotRecord](path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		merged := mergeSnapshotRecords(existing, records)
		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing snapshots for %s: %w", date, err)
		}
	}
	return nil
}

// History returns the account's archived snapshots for the day, oldest
// first. A day with no file yields no error and no records.
func (a *ParquetArchive) History(_ context.Context, accountID string, day time.Time) ([]domain.Account, error) {
	path := a.snapshotPath(day.In(a.Loc).Format("2006-01-02"))
	a.mu.Lock()
	records, err := readParquetFile[SnapshotRecord](path)
	a.mu.Unlock()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var out []domain.Account
	for _, r := range records {
		if r.AccountID != accountID {
			continue
		}
		out = append(out, domain.Account{
			AccountMeta: domain.AccountMeta{ID: r.AccountID},
			Snapshot: domain.Snapshot{
				AvailableFunds:  r.AvailableFunds,
				MarginUsed:      r.MarginUsed,
				MarginAvailable: r.MarginAvailable,
				RealizedPnL:     r.RealizedPnL,
				UnrealizedPnL:   r.UnrealizedPnL,
			},
			Sequence:  uint64(r.Sequence),
			UpdatedAt: time.UnixMilli(r.Timestamp),
		})
	}
	return out, nil
}

// snapshotPath returns the file for a day.
// Layout: <dataDir>/snapshots/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) snapshotPath(date string) string {
	return filepath.Join(a.DataDir, "snapshots", date+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeSnapshotRecords deduplicates by (account, timestamp), preferring
// incoming records, and sorts by timestamp then account.
func mergeSnapshotRecords(existing, incoming []SnapshotRecord) []SnapshotRecord {
	type key struct {
		account string
		ts      int64
	}
	seen := make(map[key]SnapshotRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.AccountID, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.AccountID, r.Timestamp}] = r
	}

	merged := make([]SnapshotRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].AccountID < merged[j].AccountID
	})
	return merged
}
