package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
)

// ErrAccountExists is returned when creating an account id already tracked.
var ErrAccountExists = errors.New("account already exists")

// AccountSaver persists account metadata and state.
type AccountSaver interface {
	SaveAccount(ctx context.Context, a domain.Account) error
}

// AccountManager runs the account lifecycle: creation and activation. It
// keeps the reconciler, the repository and the push streams in step.
// Deactivated accounts keep their reconciled state and history.
type AccountManager struct {
	rec     *Reconciler
	brokers *broker.Registry
	repo    AccountSaver
	push    *PushFeed
	poller  *Poller
	log     *slog.Logger
}

// NewAccountManager creates an AccountManager. repo, push and poller may be
// nil.
func NewAccountManager(rec *Reconciler, brokers *broker.Registry, repo AccountSaver, push *PushFeed, poller *Poller, log *slog.Logger) *AccountManager {
	if log == nil {
		log = slog.Default()
	}
	return &AccountManager{
		rec:     rec,
		brokers: brokers,
		repo:    repo,
		push:    push,
		poller:  poller,
		log:     log.With("component", "accounts"),
	}
}

// Create validates and tracks a new account, persists it and, when active,
// starts its push stream and fetches its first state.
func (m *AccountManager) Create(ctx context.Context, meta domain.AccountMeta) (domain.Account, error) {
	ve := &domain.ValidationError{}
	if meta.ID == "" {
		ve.Add("account id is required")
	}
	if meta.Broker == "" {
		ve.Add("broker is required")
	} else if _, err := m.brokers.Resolve(meta.Broker); err != nil {
		ve.Add(fmt.Sprintf("unknown broker %q", meta.Broker))
	}
	if err := ve.Err(); err != nil {
		return domain.Account{}, err
	}
	if _, ok := m.rec.Account(meta.ID); ok {
		return domain.Account{}, fmt.Errorf("%s: %w", meta.ID, ErrAccountExists)
	}

	m.rec.Track(meta)
	acct, _ := m.rec.Account(meta.ID)
	if err := m.save(ctx, acct); err != nil {
		return acct, err
	}
	m.log.Info("account created", "account", meta.ID, "broker", meta.Broker, "active", meta.Active)

	if meta.Active {
		m.start(ctx, meta)
		acct, _ = m.rec.Account(meta.ID)
	}
	return acct, nil
}

// SetActive activates or deactivates an account. An inactive account is
// skipped by dispatch and refresh and loses its push stream; its state is
// retained.
func (m *AccountManager) SetActive(ctx context.Context, id string, active bool) (domain.Account, error) {
	if err := m.rec.SetActive(id, active); err != nil {
		return domain.Account{}, err
	}
	acct, _ := m.rec.Account(id)
	if err := m.save(ctx, acct); err != nil {
		return acct, err
	}
	m.log.Info("account activation changed", "account", id, "active", active)

	if active {
		m.start(ctx, acct.AccountMeta)
		acct, _ = m.rec.Account(id)
	} else if m.push != nil {
		m.push.Ensure(acct.AccountMeta)
	}
	return acct, nil
}

func (m *AccountManager) start(ctx context.Context, meta domain.AccountMeta) {
	if m.push != nil {
		m.push.Ensure(meta)
	}
	if m.poller != nil {
		report := m.poller.RefreshNow(ctx, []string{meta.ID})
		if msg, failed := report.Errors[meta.ID]; failed {
			m.log.Warn("initial refresh failed", "account", meta.ID, "error", msg)
		}
	}
}

func (m *AccountManager) save(ctx context.Context, acct domain.Account) error {
	if m.repo == nil {
		return nil
	}
	if err := m.repo.SaveAccount(ctx, acct); err != nil {
		return fmt.Errorf("saving account %s: %w", acct.ID, err)
	}
	return nil
}
