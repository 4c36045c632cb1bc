package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"tradedesk/internal/domain"
)

// Compile-time interface checks.
var _ Repository = (*PostgresStore)(nil)

// AccountModel is the accounts table.
type AccountModel struct {
	ID              string     `gorm:"column:id;primaryKey;type:text"`
	Name            string     `gorm:"column:name;type:text;not null;default:''"`
	Broker          string     `gorm:"column:broker;type:text;not null;default:''"`
	CredentialRef   string     `gorm:"column:credential_ref;type:text;not null;default:''"`
	Active          bool       `gorm:"column:active;not null;default:false"`
	AvailableFunds  float64    `gorm:"column:available_funds;type:numeric;not null;default:0"`
	MarginUsed      float64    `gorm:"column:margin_used;type:numeric;not null;default:0"`
	MarginAvailable float64    `gorm:"column:margin_available;type:numeric;not null;default:0"`
	RealizedPnL     float64    `gorm:"column:realized_pnl;type:numeric;not null;default:0"`
	UnrealizedPnL   float64    `gorm:"column:unrealized_pnl;type:numeric;not null;default:0"`
	Sequence        int64      `gorm:"column:sequence;not null;default:0"`
	UpdatedAt       *time.Time `gorm:"column:updated_at;type:timestamptz"`
}

// TableName implements gorm's tabler.
func (AccountModel) TableName() string { return "accounts" }

// AuditModel is the audit_entries table. Entries are kept as a JSON
// document.
type AuditModel struct {
	RequestID    string    `gorm:"column:request_id;primaryKey;type:text"`
	InstrumentID string    `gorm:"column:instrument_id;type:text;not null"`
	Side         string    `gorm:"column:side;type:text;not null"`
	Tag          string    `gorm:"column:tag;type:text;not null;default:''"`
	Submitted    int       `gorm:"column:submitted;not null"`
	Rejected     int       `gorm:"column:rejected;not null"`
	Errors       int       `gorm:"column:errors;not null"`
	StartedAt    time.Time `gorm:"column:started_at;type:timestamptz;not null;index"`
	FinishedAt   time.Time `gorm:"column:finished_at;type:timestamptz;not null"`
	Entries      string    `gorm:"column:entries;type:jsonb;not null"`
}

// TableName implements gorm's tabler.
func (AuditModel) TableName() string { return "audit_entries" }

// PostgresStore implements Repository on PostgreSQL through gorm.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects to dsn and migrates the tables.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := db.AutoMigrate(&AccountModel{}, &AuditModel{}); err != nil {
		return nil, fmt.Errorf("migrating: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// LoadAccounts returns every stored account sorted by id.
func (s *PostgresStore) LoadAccounts(ctx context.Context) ([]domain.Account, error) {
	var rows []AccountModel
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	out := make([]domain.Account, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// SaveAccount upserts an account.
func (s *PostgresStore) SaveAccount(ctx context.Context, a domain.Account) error {
	m := accountModel(a)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving account %s: %w", a.ID, err)
	}
	return nil
}

// SaveAuditEntry upserts an audit entry.
func (s *PostgresStore) SaveAuditEntry(ctx context.Context, e AuditEntry) error {
	m, err := auditModel(e)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving audit entry %s: %w", e.RequestID, err)
	}
	return nil
}

// ListAuditEntries returns the most recent entries, newest first.
func (s *PostgresStore) ListAuditEntries(ctx context.Context, limit int) ([]AuditEntry, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC").Order("request_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []AuditModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	out := make([]AuditEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Model conversions
// ---------------------------------------------------------------------------

func accountModel(a domain.Account) AccountModel {
	m := AccountModel{
		ID:              a.ID,
		Name:            a.Name,
		Broker:          a.Broker,
		CredentialRef:   a.CredentialRef,
		Active:          a.Active,
		AvailableFunds:  a.AvailableFunds,
		MarginUsed:      a.MarginUsed,
		MarginAvailable: a.MarginAvailable,
		RealizedPnL:     a.RealizedPnL,
		UnrealizedPnL:   a.UnrealizedPnL,
		Sequence:        int64(a.Sequence),
	}
	if !a.UpdatedAt.IsZero() {
		t := a.UpdatedAt
		m.UpdatedAt = &t
	}
	return m
}

func (m AccountModel) toDomain() domain.Account {
	a := domain.Account{
		AccountMeta: domain.AccountMeta{
			ID:            m.ID,
			Name:          m.Name,
			Broker:        m.Broker,
			CredentialRef: m.CredentialRef,
			Active:        m.Active,
		},
		Snapshot: domain.Snapshot{
			AvailableFunds:  m.AvailableFunds,
			MarginUsed:      m.MarginUsed,
			MarginAvailable: m.MarginAvailable,
			RealizedPnL:     m.RealizedPnL,
			UnrealizedPnL:   m.UnrealizedPnL,
		},
		Sequence: uint64(m.Sequence),
	}
	if m.UpdatedAt != nil {
		a.UpdatedAt = *m.UpdatedAt
	}
	return a
}

func auditModel(e AuditEntry) (AuditModel, error) {
	entries, err := json.Marshal(e.Entries)
	if err != nil {
		return AuditModel{}, fmt.Errorf("encoding entries: %w", err)
	}
	return AuditModel{
		RequestID:    e.RequestID,
		InstrumentID: e.InstrumentID,
		Side:         string(e.Side),
		Tag:          e.Tag,
		Submitted:    e.Submitted,
		Rejected:     e.Rejected,
		Errors:       e.Errors,
		StartedAt:    e.StartedAt,
		FinishedAt:   e.FinishedAt,
		Entries:      string(entries),
	}, nil
}

func (m AuditModel) toDomain() (AuditEntry, error) {
	e := AuditEntry{
		RequestID:    m.RequestID,
		InstrumentID: m.InstrumentID,
		Side:         domain.Side(m.Side),
		Tag:          m.Tag,
		Submitted:    m.Submitted,
		Rejected:     m.Rejected,
		Errors:       m.Errors,
		StartedAt:    m.StartedAt,
		FinishedAt:   m.FinishedAt,
	}
	if err := json.Unmarshal([]byte(m.Entries), &e.Entries); err != nil {
		return AuditEntry{}, fmt.Errorf("decoding entries for %s: %w", m.RequestID, err)
	}
	return e, nil
}
