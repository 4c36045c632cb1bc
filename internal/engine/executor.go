package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"tradedesk/internal/broker"
	"tradedesk/internal/domain"
	"tradedesk/internal/scatter"
)

// AccountSource resolves account state at execution time.
type AccountSource interface {
	Account(id string) (domain.Account, bool)
}

// PositionSource resolves the live position at execution time.
type PositionSource interface {
	Position(accountID, instrumentID string) (domain.Position, bool)
}

// Executor places one account's share of a request. It never retries a
// placement: a timed-out call may or may not have reached the broker, so
// it is reported as such and left to the operator.
type Executor struct {
	accounts  AccountSource
	positions PositionSource
	brokers   *broker.Registry
	log       *slog.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(accounts AccountSource, positions PositionSource, brokers *broker.Registry, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		accounts:  accounts,
		positions: positions,
		brokers:   brokers,
		log:       log.With("component", "executor"),
	}
}

// Execute places the order for one target and always returns an entry for
// it with the outcome recorded. The error is non-nil only when the placement
// was cut short by ctx, so the caller can tell a per-account timeout from
// its own deadline.
func (e *Executor) Execute(ctx context.Context, requestID string, intent domain.OrderIntent, t domain.Target, exit bool) (domain.ExecutionEntry, error) {
	entry := domain.ExecutionEntry{
		AccountID: t.AccountID,
		Side:      t.Side,
		Quantity:  t.Quantity,
	}
	if entry.Side == "" {
		entry.Side = intent.Side
	}
	fail := func(err error) (domain.ExecutionEntry, error) {
		entry.Status, entry.Error = classify(err)
		return entry, nil
	}

	acct, ok := e.accounts.Account(t.AccountID)
	if !ok {
		return fail(domain.ErrUnknownAccount)
	}
	if !acct.Active {
		return fail(domain.ErrAccountInactive)
	}

	if exit || entry.Side == domain.SideExit {
		side, qty, err := e.resolveExit(t, intent.InstrumentID, entry.Side)
		if err != nil {
			return fail(err)
		}
		entry.Side, entry.Quantity = side, qty
	}

	client, err := e.brokers.For(acct.AccountMeta)
	if err != nil {
		return fail(err)
	}

	tradeClass := intent.TradeClass
	if t.TradeClass != "" {
		tradeClass = t.TradeClass
	}
	order := broker.Order{
		InstrumentID:  intent.InstrumentID,
		Side:          entry.Side,
		Class:         intent.OrderClass,
		TradeClass:    tradeClass,
		Quantity:      entry.Quantity,
		LimitPrice:    intent.LimitPrice,
		ClientOrderID: clientOrderID(requestID, t.AccountID),
		Tag:           intent.Tag,
	}

	id, err := client.PlaceOrder(ctx, acct.AccountMeta, order)
	if err != nil {
		e.log.Warn("order failed",
			"request", requestID,
			"account", t.AccountID,
			"instrument", intent.InstrumentID,
			"side", entry.Side,
			"qty", entry.Quantity,
			"error", err,
		)
		if ctx.Err() != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
			entry.Status, entry.Error = classify(err)
			return entry, err
		}
		return fail(err)
	}

	e.log.Info("order submitted",
		"request", requestID,
		"account", t.AccountID,
		"instrument", intent.InstrumentID,
		"side", entry.Side,
		"qty", entry.Quantity,
		"broker_order", id,
	)
	entry.Status = domain.StatusSubmitted
	entry.BrokerOrderID = id
	return entry, nil
}

// resolveExit re-reads the live position. A position that closed or flipped
// since the request was built has nothing left to exit; one that shrank is
// exited at its current size.
func (e *Executor) resolveExit(t domain.Target, instrumentID string, side domain.Side) (domain.Side, int64, error) {
	pos, ok := e.positions.Position(t.AccountID, instrumentID)
	if !ok || !pos.Open() {
		return "", 0, domain.ErrNoOpenPosition
	}
	closing := pos.Side().Opposite()
	if side != domain.SideExit && side != "" && side != closing {
		return "", 0, domain.ErrNoOpenPosition
	}
	qty := t.Quantity
	if qty <= 0 || qty > pos.Size() {
		qty = pos.Size()
	}
	return closing, qty, nil
}

// clientOrderID is stable per (request, account) so a broker that dedupes
// on it would reject an accidental resubmission.
func clientOrderID(requestID, accountID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(requestID+"/"+accountID)).String()
}

func classify(err error) (domain.EntryStatus, string) {
	var rej *domain.RejectedError
	switch {
	case errors.As(err, &rej):
		return domain.StatusRejected, rej.Reason
	case errors.Is(err, scatter.ErrDeadlineExceeded):
		return domain.StatusError, domain.ErrDeadlineExceeded.Error()
	case errors.Is(err, scatter.ErrTaskTimeout), errors.Is(err, context.DeadlineExceeded):
		return domain.StatusError, domain.ErrPlacementTimeout.Error()
	default:
		return domain.StatusError, err.Error()
	}
}
