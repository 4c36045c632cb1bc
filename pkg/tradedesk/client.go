// Package tradedesk is a Go SDK for the tradedesk-server HTTP API.
package tradedesk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/httpapi"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tradedesk: %d %s", e.StatusCode, e.Message)
}

// Client provides a Go SDK for interacting with the tradedesk-server API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new tradedesk API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// SubmitOrder dispatches an intent to the given targets. Per-account
// failures are reported in the result, not as an error.
func (c *Client) SubmitOrder(ctx context.Context, req httpapi.SubmitRequest) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	err := c.do(ctx, http.MethodPost, "/api/orders", req, &res)
	return res, err
}

// Exit closes positions in an instrument, across every holder when
// accountIDs is empty.
func (c *Client) Exit(ctx context.Context, instrumentID string, accountIDs []string) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	path := "/api/instruments/" + url.PathEscape(instrumentID) + "/exit"
	err := c.do(ctx, http.MethodPost, path, httpapi.ExitRequest{AccountIDs: accountIDs}, &res)
	return res, err
}

// Holders lists the open positions in an instrument.
func (c *Client) Holders(ctx context.Context, instrumentID string) ([]domain.Position, error) {
	var resp httpapi.HoldersResponse
	path := "/api/instruments/" + url.PathEscape(instrumentID) + "/holders"
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Holders, nil
}

// Accounts lists every account with its positions.
func (c *Client) Accounts(ctx context.Context) ([]httpapi.AccountJSON, error) {
	var resp httpapi.AccountsResponse
	if err := c.do(ctx, http.MethodGet, "/api/accounts", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Accounts, nil
}

// Account retrieves one account.
func (c *Client) Account(ctx context.Context, id string) (httpapi.AccountJSON, error) {
	var resp httpapi.AccountJSON
	err := c.do(ctx, http.MethodGet, "/api/accounts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateAccount registers a new account with the server.
func (c *Client) CreateAccount(ctx context.Context, req httpapi.CreateAccountRequest) (httpapi.AccountJSON, error) {
	var resp httpapi.AccountJSON
	err := c.do(ctx, http.MethodPost, "/api/accounts", req, &resp)
	return resp, err
}

// SetActive activates or deactivates an account.
func (c *Client) SetActive(ctx context.Context, id string, active bool) (httpapi.AccountJSON, error) {
	var resp httpapi.AccountJSON
	path := "/api/accounts/" + url.PathEscape(id) + "/active"
	err := c.do(ctx, http.MethodPost, path, httpapi.ActivateRequest{Active: &active}, &resp)
	return resp, err
}

// Trades lists recent fills, newest first. Empty filters match everything.
func (c *Client) Trades(ctx context.Context, accountID, instrumentID string, limit int) ([]domain.Fill, error) {
	q := url.Values{}
	if accountID != "" {
		q.Set("account", accountID)
	}
	if instrumentID != "" {
		q.Set("instrument", instrumentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/trades"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp httpapi.TradesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Trades, nil
}

// ExitTrade closes what remains of one fill.
func (c *Client) ExitTrade(ctx context.Context, tradeID string) (domain.ExecutionResult, error) {
	var res domain.ExecutionResult
	err := c.do(ctx, http.MethodPost, "/api/trades/"+url.PathEscape(tradeID)+"/exit", nil, &res)
	return res, err
}

// History retrieves archived snapshots of an account for a day.
func (c *Client) History(ctx context.Context, id string, day time.Time) ([]domain.Account, error) {
	var resp httpapi.HistoryResponse
	path := "/api/accounts/" + url.PathEscape(id) + "/history?date=" + day.Format("2006-01-02")
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// Stats retrieves the aggregate account statistics.
func (c *Client) Stats(ctx context.Context) (httpapi.StatsResponse, error) {
	var resp httpapi.StatsResponse
	err := c.do(ctx, http.MethodGet, "/api/stats", nil, &resp)
	return resp, err
}

// Refresh forces a poll of the given accounts, or all active ones.
func (c *Client) Refresh(ctx context.Context, accountIDs []string) (httpapi.RefreshResponse, error) {
	var resp httpapi.RefreshResponse
	err := c.do(ctx, http.MethodPost, "/api/refresh", httpapi.RefreshRequest{AccountIDs: accountIDs}, &resp)
	return resp, err
}

// Audit lists the most recent executions.
func (c *Client) Audit(ctx context.Context, limit int) (httpapi.AuditResponse, error) {
	var resp httpapi.AuditResponse
	err := c.do(ctx, http.MethodGet, "/api/audit?limit="+strconv.Itoa(limit), nil, &resp)
	return resp, err
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (httpapi.HealthResponse, error) {
	var resp httpapi.HealthResponse
	err := c.do(ctx, http.MethodGet, "/api/health", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s: %w", method, path, err)
	}
	return nil
}
