package engine

import (
	"fmt"

	"tradedesk/internal/domain"
)

// Validate checks a request before anything is dispatched and returns a
// *domain.ValidationError listing every problem found.
func Validate(req domain.ExecutionRequest, risk *RiskManager) error {
	ve := &domain.ValidationError{}
	in := req.Intent

	if in.InstrumentID == "" {
		ve.Add("instrument id is required")
	}
	if !in.Side.Valid() {
		ve.Add(fmt.Sprintf("invalid side %q", in.Side))
	}
	if !in.OrderClass.Valid() {
		ve.Add(fmt.Sprintf("invalid order class %q", in.OrderClass))
	}
	if !in.TradeClass.Valid() {
		ve.Add(fmt.Sprintf("invalid trade class %q", in.TradeClass))
	}
	if in.OrderClass == domain.OrderClassLimit && in.LimitPrice <= 0 {
		ve.Add("limit order requires a positive price")
	}

	if req.AccountCount() == 0 {
		ve.Add("at least one target account is required")
	}

	seen := make(map[string]bool, req.AccountCount())
	dup := func(id string) {
		if seen[id] {
			ve.Add(fmt.Sprintf("duplicate account %s", id))
		}
		seen[id] = true
	}
	for _, t := range req.Targets {
		if t.AccountID == "" {
			ve.Add("target with empty account id")
			continue
		}
		dup(t.AccountID)
		if t.Quantity <= 0 {
			ve.Add(fmt.Sprintf("account %s: quantity must be positive, got %d", t.AccountID, t.Quantity))
		}
		if t.Side != "" && t.Side != domain.SideBuy && t.Side != domain.SideSell {
			ve.Add(fmt.Sprintf("account %s: invalid side %q", t.AccountID, t.Side))
		}
		if !t.TradeClass.Valid() {
			ve.Add(fmt.Sprintf("account %s: invalid trade class %q", t.AccountID, t.TradeClass))
		}
		// Exits only reduce exposure, so the per-account limits apply to
		// opening orders alone.
		if req.Exit {
			continue
		}
		if err := risk.CheckTarget(in, t); err != nil {
			ve.Add(err.Error())
		}
	}
	for _, u := range req.Unresolved {
		dup(u.AccountID)
	}

	return ve.Err()
}
