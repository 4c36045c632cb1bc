package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"tradedesk/internal/domain"
	"tradedesk/internal/util"
)

// Compile-time interface checks.
var (
	_ Client      = (*AlpacaBroker)(nil)
	_ PushSource  = (*AlpacaBroker)(nil)
	_ QuoteSource = (*AlpacaQuotes)(nil)
)

// Credential is one API key pair, referenced by accounts through their
// CredentialRef.
type Credential struct {
	APIKey    string
	APISecret string
}

// AlpacaBroker implements Client against the Alpaca trading API. Each
// account authenticates with its own key pair; clients are created on
// first use and cached per credential reference.
type AlpacaBroker struct {
	baseURL     string
	credentials map[string]Credential

	mu      sync.Mutex
	clients map[string]*alpaca.Client
}

// NewAlpacaBroker creates an AlpacaBroker for the given endpoint and
// credential set.
func NewAlpacaBroker(baseURL string, credentials map[string]Credential) *AlpacaBroker {
	return &AlpacaBroker{
		baseURL:     baseURL,
		credentials: credentials,
		clients:     make(map[string]*alpaca.Client),
	}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

func (b *AlpacaBroker) client(account domain.AccountMeta) (*alpaca.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[account.CredentialRef]; ok {
		return c, nil
	}
	cred, ok := b.credentials[account.CredentialRef]
	if !ok {
		return nil, fmt.Errorf("no credentials for ref %q (account %s): %w", account.CredentialRef, account.ID, util.ErrPermanent)
	}
	c := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cred.APIKey,
		APISecret: cred.APISecret,
		BaseURL:   b.baseURL,
	})
	b.clients[account.CredentialRef] = c
	return c, nil
}

// PlaceOrder submits the order via POST /v2/orders. The SDK call is not
// context-aware, so it runs in its own goroutine and ctx only bounds how
// long the caller waits.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, account domain.AccountMeta, order Order) (string, error) {
	c, err := b.client(account)
	if err != nil {
		return "", err
	}

	qty := decimal.NewFromInt(order.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.InstrumentID,
		Qty:           &qty,
		Side:          alpacaSide(order.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ClientOrderID,
	}
	if order.Class == domain.OrderClassLimit {
		price := decimal.NewFromFloat(order.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &price
	}

	type placed struct {
		id  string
		err error
	}
	ch := make(chan placed, 1)
	go func() {
		o, err := c.PlaceOrder(req)
		if err != nil {
			ch <- placed{err: classifyAlpacaError(err)}
			return
		}
		ch <- placed{id: o.ID}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case p := <-ch:
		return p.id, p.err
	}
}

// FetchSnapshot reads GET /v2/account and GET /v2/positions.
func (b *AlpacaBroker) FetchSnapshot(_ context.Context, account domain.AccountMeta) (domain.Snapshot, error) {
	c, err := b.client(account)
	if err != nil {
		return domain.Snapshot{}, err
	}
	acct, err := c.GetAccount()
	if err != nil {
		return domain.Snapshot{}, readError("fetching account", account.ID, err)
	}
	positions, err := c.GetPositions()
	if err != nil {
		return domain.Snapshot{}, readError("fetching positions for", account.ID, err)
	}

	unrealized := decimal.Zero
	for _, p := range positions {
		if p.UnrealizedPL != nil {
			unrealized = unrealized.Add(*p.UnrealizedPL)
		}
	}
	dayChange := acct.Equity.Sub(acct.LastEquity)

	return domain.Snapshot{
		AvailableFunds:  acct.Cash.InexactFloat64(),
		MarginUsed:      acct.InitialMargin.InexactFloat64(),
		MarginAvailable: acct.BuyingPower.InexactFloat64(),
		RealizedPnL:     dayChange.Sub(unrealized).InexactFloat64(),
		UnrealizedPnL:   unrealized.InexactFloat64(),
	}, nil
}

// FetchPositions reads GET /v2/positions.
func (b *AlpacaBroker) FetchPositions(_ context.Context, account domain.AccountMeta) ([]domain.Position, error) {
	c, err := b.client(account)
	if err != nil {
		return nil, err
	}
	positions, err := c.GetPositions()
	if err != nil {
		return nil, readError("fetching positions for", account.ID, err)
	}

	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		qty := p.Qty.IntPart()
		if strings.EqualFold(p.Side, "short") && qty > 0 {
			qty = -qty
		}
		if qty == 0 {
			continue
		}
		out = append(out, domain.Position{
			AccountID:    account.ID,
			InstrumentID: p.Symbol,
			Quantity:     qty,
			AvgPrice:     p.AvgEntryPrice.InexactFloat64(),
			TradeClass:   domain.TradeClassDelivery,
		})
	}
	return out, nil
}

// Stream forwards fill and partial_fill trade updates for the account until
// ctx is done.
func (b *AlpacaBroker) Stream(ctx context.Context, account domain.AccountMeta, fn func(Event)) error {
	c, err := b.client(account)
	if err != nil {
		return err
	}
	return c.StreamTradeUpdates(ctx, func(tu alpaca.TradeUpdate) {
		if tu.Event != "fill" && tu.Event != "partial_fill" {
			return
		}
		if tu.Qty == nil || tu.Price == nil {
			return
		}
		fn(Event{AccountID: account.ID, Fill: alpacaFill(account.ID, tu), Time: tu.At})
	}, alpaca.StreamTradeUpdatesRequest{})
}

// alpacaFill converts a fill trade update. position_qty is the account's
// position after the fill and is carried so the fill is applied
// idempotently against refreshed positions.
func alpacaFill(accountID string, tu alpaca.TradeUpdate) *domain.Fill {
	side := domain.SideBuy
	if tu.Order.Side == alpaca.Sell {
		side = domain.SideSell
	}
	tradeID := tu.ExecutionID
	if tradeID == "" {
		tradeID = fmt.Sprintf("%s:%d", tu.Order.ID, tu.At.UnixNano())
	}
	f := &domain.Fill{
		AccountID:    accountID,
		InstrumentID: tu.Order.Symbol,
		TradeID:      tradeID,
		OrderID:      tu.Order.ID,
		Side:         side,
		Quantity:     tu.Qty.IntPart(),
		Price:        tu.Price.InexactFloat64(),
		Time:         tu.At,
	}
	if tu.PositionQty != nil {
		q := tu.PositionQty.IntPart()
		f.PositionQty = &q
	}
	return f
}

func alpacaSide(s domain.Side) alpaca.Side {
	if s == domain.SideSell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

// readError wraps a failed read. Authentication and not-found answers will
// not change on retry and are marked permanent.
func readError(what, accountID string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return fmt.Errorf("%s %s: %w: %w", what, accountID, util.ErrPermanent, err)
		}
	}
	return fmt.Errorf("%s %s: %w", what, accountID, err)
}

// classifyAlpacaError turns client-side refusals into RejectedError so they
// are reported as rejected rather than error.
func classifyAlpacaError(err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusForbidden, http.StatusUnprocessableEntity:
			return &domain.RejectedError{Reason: apiErr.Message}
		}
	}
	return fmt.Errorf("placing order: %w", err)
}

// AlpacaQuotes implements QuoteSource with the Alpaca market data API.
type AlpacaQuotes struct {
	client *marketdata.Client
}

// NewAlpacaQuotes creates a quote source. dataURL may be empty to use the
// SDK default.
func NewAlpacaQuotes(apiKey, apiSecret, dataURL string) *AlpacaQuotes {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaQuotes{client: marketdata.NewClient(opts)}
}

// LatestQuotes returns the latest trade price per instrument.
func (q *AlpacaQuotes) LatestQuotes(_ context.Context, instruments []string) ([]Quote, error) {
	if len(instruments) == 0 {
		return nil, nil
	}
	trades, err := q.client.GetLatestTrades(instruments, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, fmt.Errorf("fetching latest trades: %w", err)
	}
	out := make([]Quote, 0, len(trades))
	for _, sym := range instruments {
		t, ok := trades[sym]
		if !ok {
			continue
		}
		out = append(out, Quote{InstrumentID: sym, Price: t.Price, Time: t.Timestamp})
	}
	return out, nil
}
