package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradedesk/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ Repository = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	broker           TEXT NOT NULL DEFAULT '',
	credential_ref   TEXT NOT NULL DEFAULT '',
	active           INTEGER NOT NULL DEFAULT 0,
	available_funds  REAL NOT NULL DEFAULT 0,
	margin_used      REAL NOT NULL DEFAULT 0,
	margin_available REAL NOT NULL DEFAULT 0,
	realized_pnl     REAL NOT NULL DEFAULT 0,
	unrealized_pnl   REAL NOT NULL DEFAULT 0,
	sequence         INTEGER NOT NULL DEFAULT 0,
	updated_at       INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS audit_entries (
	request_id    TEXT PRIMARY KEY,
	instrument_id TEXT NOT NULL,
	side          TEXT NOT NULL,
	tag           TEXT NOT NULL DEFAULT '',
	submitted     INTEGER NOT NULL,
	rejected      INTEGER NOT NULL,
	errors        INTEGER NOT NULL,
	started_at    INTEGER NOT NULL,
	finished_at   INTEGER NOT NULL,
	entries       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_entries_started ON audit_entries (started_at);
`

// SQLiteStore implements Repository backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates
// the tables if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; modernc serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

// LoadAccounts returns every stored account sorted by id.
func (s *SQLiteStore) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, broker, credential_ref, active,
		       available_funds, margin_used, margin_available, realized_pnl, unrealized_pnl,
		       sequence, updated_at
		FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var (
			a       domain.Account
			active  int
			updated int64
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Broker, &a.CredentialRef, &active,
			&a.AvailableFunds, &a.MarginUsed, &a.MarginAvailable, &a.RealizedPnL, &a.UnrealizedPnL,
			&a.Sequence, &updated); err != nil {
			return nil, fmt.Errorf("scanning account: %w", err)
		}
		a.Active = active != 0
		if updated > 0 {
			a.UpdatedAt = time.UnixMilli(updated)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAccount inserts or replaces an account.
func (s *SQLiteStore) SaveAccount(ctx context.Context, a domain.Account) error {
	var updated int64
	if !a.UpdatedAt.IsZero() {
		updated = a.UpdatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO accounts
		  (id, name, broker, credential_ref, active,
		   available_funds, margin_used, margin_available, realized_pnl, unrealized_pnl,
		   sequence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Broker, a.CredentialRef, boolInt(a.Active),
		a.AvailableFunds, a.MarginUsed, a.MarginAvailable, a.RealizedPnL, a.UnrealizedPnL,
		int64(a.Sequence), updated,
	)
	if err != nil {
		return fmt.Errorf("saving account %s: %w", a.ID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

// SaveAuditEntry inserts or replaces an audit entry.
func (s *SQLiteStore) SaveAuditEntry(ctx context.Context, e AuditEntry) error {
	entries, err := json.Marshal(e.Entries)
	if err != nil {
		return fmt.Errorf("encoding entries: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO audit_entries
		  (request_id, instrument_id, side, tag, submitted, rejected, errors,
		   started_at, finished_at, entries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.InstrumentID, string(e.Side), e.Tag, e.Submitted, e.Rejected, e.Errors,
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(), string(entries),
	)
	if err != nil {
		return fmt.Errorf("saving audit entry %s: %w", e.RequestID, err)
	}
	return nil
}

// ListAuditEntries returns the most recent entries, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, instrument_id, side, tag, submitted, rejected, errors,
		       started_at, finished_at, entries
		FROM audit_entries ORDER BY started_at DESC, request_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                 AuditEntry
			side, entries     string
			started, finished int64
		)
		if err := rows.Scan(&e.RequestID, &e.InstrumentID, &side, &e.Tag,
			&e.Submitted, &e.Rejected, &e.Errors, &started, &finished, &entries); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Side = domain.Side(side)
		e.StartedAt = time.UnixMilli(started)
		e.FinishedAt = time.UnixMilli(finished)
		if err := json.Unmarshal([]byte(entries), &e.Entries); err != nil {
			return nil, fmt.Errorf("decoding entries for %s: %w", e.RequestID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
