// Package httpapi provides the HTTP REST API of the tradedesk server: order
// submission, exits, account management and state, trades, statistics and
// the audit log.
package httpapi

import (
	"strings"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/reconcile"
	"tradedesk/internal/store"
)

// SubmitRequest is the body of POST /api/orders. Enum values are matched
// case-insensitively.
type SubmitRequest struct {
	ID                  string            `json:"id,omitempty"`
	InstrumentID        string            `json:"instrument_id"`
	Side                domain.Side       `json:"side"`
	OrderClass          domain.OrderClass `json:"order_class"`
	TradeClassification domain.TradeClass `json:"trade_classification,omitempty"`
	Price               float64           `json:"price,omitempty"`
	Tag                 string            `json:"tag,omitempty"`
	Accounts            []AccountQuantity `json:"accounts"`
}

// AccountQuantity is one account of a SubmitRequest.
type AccountQuantity struct {
	AccountID string `json:"account_id"`
	Quantity  int64  `json:"quantity"`
}

// ExecutionRequest converts the body into a dispatchable request.
func (r SubmitRequest) ExecutionRequest() domain.ExecutionRequest {
	req := domain.ExecutionRequest{
		ID: r.ID,
		Intent: domain.OrderIntent{
			InstrumentID: r.InstrumentID,
			Side:         domain.Side(strings.ToLower(string(r.Side))),
			OrderClass:   domain.OrderClass(strings.ToLower(string(r.OrderClass))),
			TradeClass:   domain.TradeClass(strings.ToLower(string(r.TradeClassification))),
			LimitPrice:   r.Price,
			Tag:          r.Tag,
		},
		Targets: make([]domain.Target, 0, len(r.Accounts)),
	}
	for _, a := range r.Accounts {
		req.Targets = append(req.Targets, domain.Target{AccountID: a.AccountID, Quantity: a.Quantity})
	}
	return req
}

// ExitRequest is the body of POST /api/instruments/{id}/exit. No account
// ids means every current holder.
type ExitRequest struct {
	AccountIDs []string `json:"account_ids,omitempty"`
}

// CreateAccountRequest is the body of POST /api/accounts.
type CreateAccountRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Broker        string `json:"broker"`
	CredentialRef string `json:"credential_ref,omitempty"`
	Active        bool   `json:"is_active"`
}

// AccountMeta converts the body into account metadata.
func (r CreateAccountRequest) AccountMeta() domain.AccountMeta {
	return domain.AccountMeta{
		ID:            r.ID,
		Name:          r.Name,
		Broker:        strings.ToLower(r.Broker),
		CredentialRef: r.CredentialRef,
		Active:        r.Active,
	}
}

// ActivateRequest is the body of POST /api/accounts/{id}/active.
type ActivateRequest struct {
	Active *bool `json:"active"`
}

// TradesResponse lists recent fills, newest first.
type TradesResponse struct {
	Trades []domain.Fill `json:"trades"`
}

// RefreshRequest is the body of POST /api/refresh. No account ids means
// every active account.
type RefreshRequest struct {
	AccountIDs []string `json:"account_ids,omitempty"`
}

// RefreshResponse reports a forced refresh.
type RefreshResponse = reconcile.RefreshReport

// AccountJSON is an account with its open positions.
type AccountJSON struct {
	domain.Account
	TotalPnL  float64           `json:"total_pnl"`
	Positions []domain.Position `json:"positions"`
}

// AccountsResponse lists every known account.
type AccountsResponse struct {
	Accounts []AccountJSON `json:"accounts"`
}

// PositionsResponse lists one account's positions.
type PositionsResponse struct {
	AccountID string            `json:"account_id"`
	Positions []domain.Position `json:"positions"`
}

// HistoryResponse lists the archived snapshots of one account for a day.
type HistoryResponse struct {
	AccountID string           `json:"account_id"`
	Date      string           `json:"date"`
	Snapshots []domain.Account `json:"snapshots"`
}

// HoldersResponse lists the accounts holding an instrument.
type HoldersResponse struct {
	InstrumentID string            `json:"instrument_id"`
	Holders      []domain.Position `json:"holders"`
}

// StatsResponse aggregates the reconciled state of all accounts.
type StatsResponse struct {
	TotalAccounts        int     `json:"total_accounts"`
	ActiveAccounts       int     `json:"active_accounts"`
	TotalFunds           float64 `json:"total_funds"`
	TotalPnL             float64 `json:"total_pnl"`
	TotalMarginUsed      float64 `json:"total_margin_used"`
	TotalMarginAvailable float64 `json:"total_margin_available"`
	// MarginUtilization is used / (used + available) in percent.
	MarginUtilization float64 `json:"margin_utilization"`
	OpenPositions     int     `json:"open_positions"`
}

// AuditResponse lists recorded executions, newest first.
type AuditResponse struct {
	Entries []store.AuditEntry `json:"entries"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status   string    `json:"status"`
	Accounts int       `json:"accounts"`
	Time     time.Time `json:"time"`
}
