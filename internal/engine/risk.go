package engine

import (
	"fmt"

	"tradedesk/internal/domain"
)

// RiskManager enforces per-account pre-trade limits. A zero limit is not
// enforced.
type RiskManager struct {
	maxQuantity int64
	maxNotional float64
}

// NewRiskManager creates a RiskManager.
//
//   - maxQuantity: largest quantity a single account may be sent.
//   - maxNotional: largest price * quantity for a single account; only
//     checked when the intent carries a price (limit orders).
func NewRiskManager(maxQuantity int64, maxNotional float64) *RiskManager {
	return &RiskManager{
		maxQuantity: maxQuantity,
		maxNotional: maxNotional,
	}
}

// CheckTarget returns a problem description when the target breaks a limit.
func (rm *RiskManager) CheckTarget(intent domain.OrderIntent, t domain.Target) error {
	if rm == nil {
		return nil
	}
	if rm.maxQuantity > 0 && t.Quantity > rm.maxQuantity {
		return fmt.Errorf("account %s: quantity %d exceeds limit %d", t.AccountID, t.Quantity, rm.maxQuantity)
	}
	if rm.maxNotional > 0 && intent.LimitPrice > 0 {
		notional := intent.LimitPrice * float64(t.Quantity)
		if notional > rm.maxNotional {
			return fmt.Errorf("account %s: notional %.2f exceeds limit %.2f", t.AccountID, notional, rm.maxNotional)
		}
	}
	return nil
}
