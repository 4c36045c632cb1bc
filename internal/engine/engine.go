// Package engine turns order intents into per-account placements: it
// validates requests, fans them out across accounts, builds exit requests
// from live holdings and records every outcome.
package engine

import (
	"context"
	"log/slog"

	"tradedesk/internal/domain"
)

// AuditLog persists execution results.
type AuditLog interface {
	SaveExecution(ctx context.Context, res domain.ExecutionResult) error
}

// Engine is the order entry point used by the HTTP API and the CLI.
type Engine struct {
	dispatcher *Dispatcher
	holders    *HolderIndex
	audit      AuditLog
	log        *slog.Logger
}

// NewEngine creates an Engine. audit may be nil.
func NewEngine(dispatcher *Dispatcher, holders *HolderIndex, audit AuditLog, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		dispatcher: dispatcher,
		holders:    holders,
		audit:      audit,
		log:        log.With("component", "engine"),
	}
}

// Submit dispatches a caller-built request.
func (e *Engine) Submit(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error) {
	res, err := e.dispatcher.Execute(ctx, req)
	if err != nil {
		return res, err
	}
	e.record(ctx, res)
	return res, nil
}

// ExitByInstrument closes positions in the instrument, either across every
// holder or only the listed accounts.
func (e *Engine) ExitByInstrument(ctx context.Context, instrumentID string, accountIDs []string) (domain.ExecutionResult, error) {
	req, err := e.holders.BuildExitRequest(instrumentID, accountIDs)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	e.log.Info("exit requested",
		"instrument", instrumentID,
		"holders", len(req.Targets),
		"unresolved", len(req.Unresolved),
	)
	return e.Submit(ctx, req)
}

// ExitTrade closes what remains of one fill: an opposing market order for
// the fill's quantity, capped at the live position. An account whose
// position has since closed or flipped is reported with ErrNoOpenPosition.
func (e *Engine) ExitTrade(ctx context.Context, fill domain.Fill) (domain.ExecutionResult, error) {
	ve := &domain.ValidationError{}
	if fill.AccountID == "" || fill.InstrumentID == "" {
		ve.Add("trade has no account or instrument")
	}
	if fill.Quantity <= 0 {
		ve.Add("trade has no quantity")
	}
	if fill.Side != domain.SideBuy && fill.Side != domain.SideSell {
		ve.Add("trade side must be buy or sell")
	}
	if err := ve.Err(); err != nil {
		return domain.ExecutionResult{}, err
	}

	req := domain.ExecutionRequest{
		Intent: domain.OrderIntent{
			InstrumentID: fill.InstrumentID,
			Side:         domain.SideExit,
			OrderClass:   domain.OrderClassMarket,
			Tag:          "EXIT_" + fill.TradeID,
		},
		Targets: []domain.Target{{
			AccountID:  fill.AccountID,
			Quantity:   fill.Quantity,
			Side:       fill.Side.Opposite(),
			TradeClass: fill.TradeClass,
		}},
		Exit: true,
	}
	e.log.Info("trade exit requested", "trade", fill.TradeID, "account", fill.AccountID, "instrument", fill.InstrumentID)
	return e.Submit(ctx, req)
}

// Holders exposes the index for read-only queries.
func (e *Engine) Holders(instrumentID string) []domain.Position {
	return e.holders.Holders(instrumentID)
}

// record is best effort: a failed write is logged, the result still stands.
func (e *Engine) record(ctx context.Context, res domain.ExecutionResult) {
	if e.audit == nil {
		return
	}
	if err := e.audit.SaveExecution(context.WithoutCancel(ctx), res); err != nil {
		e.log.Error("saving execution", "request", res.RequestID, "error", err)
	}
}
