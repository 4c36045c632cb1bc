// Package store persists account state and the execution audit log, and
// archives daily snapshot history.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradedesk/internal/domain"
)

// Repository persists account metadata with the last known snapshot, and
// the audit log of dispatched requests.
type Repository interface {
	// LoadAccounts returns every stored account sorted by id.
	LoadAccounts(ctx context.Context) ([]domain.Account, error)

	// SaveAccount inserts or replaces an account.
	SaveAccount(ctx context.Context, acct domain.Account) error

	// SaveAuditEntry appends an audit entry. Saving the same request id
	// twice replaces the earlier entry.
	SaveAuditEntry(ctx context.Context, entry AuditEntry) error

	// ListAuditEntries returns the most recent entries, newest first, up to
	// limit (all when limit <= 0).
	ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error)

	Close() error
}

// AuditEntry is the stored form of one ExecutionResult.
type AuditEntry struct {
	RequestID    string                  `json:"request_id"`
	InstrumentID string                  `json:"instrument_id"`
	Side         domain.Side             `json:"side"`
	Tag          string                  `json:"tag,omitempty"`
	Submitted    int                     `json:"submitted"`
	Rejected     int                     `json:"rejected"`
	Errors       int                     `json:"errors"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   time.Time               `json:"finished_at"`
	Entries      []domain.ExecutionEntry `json:"entries"`
}

// NewAuditEntry flattens a result into an AuditEntry.
func NewAuditEntry(res domain.ExecutionResult) AuditEntry {
	return AuditEntry{
		RequestID:    res.RequestID,
		InstrumentID: res.Intent.InstrumentID,
		Side:         res.Intent.Side,
		Tag:          res.Intent.Tag,
		Submitted:    res.Submitted,
		Rejected:     res.Rejected,
		Errors:       res.Errors,
		StartedAt:    res.StartedAt,
		FinishedAt:   res.FinishedAt,
		Entries:      append([]domain.ExecutionEntry(nil), res.Entries...),
	}
}

// AuditLog records execution results into a Repository.
type AuditLog struct {
	Repo Repository
}

// SaveExecution stores res as an audit entry.
func (a AuditLog) SaveExecution(ctx context.Context, res domain.ExecutionResult) error {
	return a.Repo.SaveAuditEntry(ctx, NewAuditEntry(res))
}

// AccountWriter saves every polled account back to a Repository so the
// last known state survives a restart.
type AccountWriter struct {
	Repo Repository
}

// RecordSnapshots saves each account, continuing past failures.
func (w AccountWriter) RecordSnapshots(ctx context.Context, accounts []domain.Account) error {
	var errs []error
	for _, a := range accounts {
		if err := w.Repo.SaveAccount(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", a.ID, err))
		}
	}
	return errors.Join(errs...)
}

// SnapshotRecorder is the shape of anything that consumes poll results.
type SnapshotRecorder interface {
	RecordSnapshots(ctx context.Context, accounts []domain.Account) error
}

// Recorders fans poll results out to several recorders.
type Recorders []SnapshotRecorder

// RecordSnapshots calls every recorder and joins their errors.
func (rs Recorders) RecordSnapshots(ctx context.Context, accounts []domain.Account) error {
	var errs []error
	for _, r := range rs {
		if err := r.RecordSnapshots(ctx, accounts); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open returns the Repository for driver ("sqlite" or "postgres").
func Open(driver, dsn string) (Repository, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
