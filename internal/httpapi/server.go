package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"tradedesk/internal/domain"
	"tradedesk/internal/reconcile"
	"tradedesk/internal/store"
)

const (
	maxBodyBytes      = 1 << 20
	defaultAuditLimit = 50
	defaultTradeLimit = 100
)

// OrderService submits requests and builds exits.
type OrderService interface {
	Submit(ctx context.Context, req domain.ExecutionRequest) (domain.ExecutionResult, error)
	ExitByInstrument(ctx context.Context, instrumentID string, accountIDs []string) (domain.ExecutionResult, error)
	ExitTrade(ctx context.Context, fill domain.Fill) (domain.ExecutionResult, error)
	Holders(instrumentID string) []domain.Position
}

// StateView is read access to the reconciled account state.
type StateView interface {
	Account(id string) (domain.Account, bool)
	Accounts() []domain.Account
	Positions(id string) []domain.Position
}

// Refresher forces a poll of some or all accounts.
type Refresher interface {
	RefreshNow(ctx context.Context, ids []string) reconcile.RefreshReport
}

// HistorySource returns archived snapshots of one account for a day.
type HistorySource interface {
	History(ctx context.Context, accountID string, day time.Time) ([]domain.Account, error)
}

// AccountAdmin creates accounts and switches them on and off.
type AccountAdmin interface {
	Create(ctx context.Context, meta domain.AccountMeta) (domain.Account, error)
	SetActive(ctx context.Context, id string, active bool) (domain.Account, error)
}

// TradeSource lists recent fills.
type TradeSource interface {
	List(accountID, instrumentID string, limit int) []domain.Fill
	Get(tradeID string) (domain.Fill, bool)
}

// AuditSource lists recorded executions.
type AuditSource interface {
	ListAuditEntries(ctx context.Context, limit int) ([]store.AuditEntry, error)
}

// Deps are the collaborators of a Server. Orders and State are required;
// routes backed by a nil optional dependency answer 503.
type Deps struct {
	Orders    OrderService
	State     StateView
	Refresher Refresher
	History   HistorySource
	Audit     AuditSource
	Accounts  AccountAdmin
	Trades    TradeSource
	// Stream is mounted at /ws when set.
	Stream http.Handler
	// Loc interprets history dates; UTC when nil.
	Loc *time.Location
}

// Server serves the tradedesk HTTP API.
type Server struct {
	deps Deps
	log  *slog.Logger
}

// NewServer creates a new API server.
func NewServer(deps Deps, log *slog.Logger) *Server {
	if deps.Loc == nil {
		deps.Loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Server{deps: deps, log: log.With("component", "httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handleSubmit)
	mux.HandleFunc("POST /api/instruments/{id}/exit", s.handleExit)
	mux.HandleFunc("GET /api/instruments/{id}/holders", s.handleHolders)
	mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	mux.HandleFunc("POST /api/accounts", s.handleCreateAccount)
	mux.HandleFunc("POST /api/accounts/{id}/active", s.handleSetActive)
	mux.HandleFunc("GET /api/accounts/{id}", s.handleAccount)
	mux.HandleFunc("GET /api/accounts/{id}/positions", s.handlePositions)
	mux.HandleFunc("GET /api/accounts/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/trades/{id}", s.handleTrade)
	mux.HandleFunc("POST /api/trades/{id}/exit", s.handleExitTrade)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("POST /api/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.deps.Stream != nil {
		mux.Handle("GET /ws", s.deps.Stream)
	}
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// writeResult answers a dispatched request. Per-account failures are part
// of a 200 body; only request-level validation maps to 400.
func (s *Server) writeResult(w http.ResponseWriter, res domain.ExecutionResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, res)
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("dispatch failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	res, err := s.deps.Orders.Submit(r.Context(), body.ExecutionRequest())
	s.writeResult(w, res, err)
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	var body ExitRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	res, err := s.deps.Orders.ExitByInstrument(r.Context(), r.PathValue("id"), body.AccountIDs)
	s.writeResult(w, res, err)
}

func (s *Server) handleExitTrade(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trades == nil {
		writeError(w, http.StatusServiceUnavailable, "trade log not configured")
		return
	}
	fill, ok := s.deps.Trades.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown trade")
		return
	}
	res, err := s.deps.Orders.ExitTrade(r.Context(), fill)
	s.writeResult(w, res, err)
}

func (s *Server) handleHolders(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	holders := s.deps.Orders.Holders(id)
	if holders == nil {
		holders = []domain.Position{}
	}
	writeJSON(w, HoldersResponse{InstrumentID: id, Holders: holders})
}

func (s *Server) accountJSON(a domain.Account) AccountJSON {
	positions := s.deps.State.Positions(a.ID)
	if positions == nil {
		positions = []domain.Position{}
	}
	return AccountJSON{Account: a, TotalPnL: a.TotalPnL(), Positions: positions}
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	accounts := s.deps.State.Accounts()
	resp := AccountsResponse{Accounts: make([]AccountJSON, 0, len(accounts))}
	for _, a := range accounts {
		resp.Accounts = append(resp.Accounts, s.accountJSON(a))
	}
	writeJSON(w, resp)
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	if s.deps.Accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "account management not configured")
		return
	}
	var body CreateAccountRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	a, err := s.deps.Accounts.Create(r.Context(), body.AccountMeta())
	if err != nil {
		s.writeAccountError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(s.accountJSON(a))
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	if s.deps.Accounts == nil {
		writeError(w, http.StatusServiceUnavailable, "account management not configured")
		return
	}
	var body ActivateRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if body.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	a, err := s.deps.Accounts.SetActive(r.Context(), r.PathValue("id"), *body.Active)
	if err != nil {
		s.writeAccountError(w, err)
		return
	}
	writeJSON(w, s.accountJSON(a))
}

func (s *Server) writeAccountError(w http.ResponseWriter, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reconcile.ErrAccountExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error("account update failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	a, ok := s.deps.State.Account(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrUnknownAccount.Error())
		return
	}
	writeJSON(w, s.accountJSON(a))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.State.Account(id); !ok {
		writeError(w, http.StatusNotFound, domain.ErrUnknownAccount.Error())
		return
	}
	positions := s.deps.State.Positions(id)
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, PositionsResponse{AccountID: id, Positions: positions})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history archive not configured")
		return
	}
	id := r.PathValue("id")
	if _, ok := s.deps.State.Account(id); !ok {
		writeError(w, http.StatusNotFound, domain.ErrUnknownAccount.Error())
		return
	}

	day := time.Now().In(s.deps.Loc)
	if v := r.URL.Query().Get("date"); v != "" {
		t, err := time.ParseInLocation("2006-01-02", v, s.deps.Loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
			return
		}
		day = t
	}

	snaps, err := s.deps.History.History(r.Context(), id, day)
	if err != nil {
		s.log.Error("reading history", "account", id, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if snaps == nil {
		snaps = []domain.Account{}
	}
	writeJSON(w, HistoryResponse{AccountID: id, Date: day.Format("2006-01-02"), Snapshots: snaps})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trades == nil {
		writeError(w, http.StatusServiceUnavailable, "trade log not configured")
		return
	}
	q := r.URL.Query()
	limit := defaultTradeLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	writeJSON(w, TradesResponse{Trades: s.deps.Trades.List(q.Get("account"), q.Get("instrument"), limit)})
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	if s.deps.Trades == nil {
		writeError(w, http.StatusServiceUnavailable, "trade log not configured")
		return
	}
	fill, ok := s.deps.Trades.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown trade")
		return
	}
	writeJSON(w, fill)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.stats())
}

func (s *Server) stats() StatsResponse {
	var st StatsResponse
	for _, a := range s.deps.State.Accounts() {
		st.TotalAccounts++
		if a.Active {
			st.ActiveAccounts++
		}
		st.TotalFunds += a.AvailableFunds
		st.TotalPnL += a.TotalPnL()
		st.TotalMarginUsed += a.MarginUsed
		st.TotalMarginAvailable += a.MarginAvailable
		for _, p := range s.deps.State.Positions(a.ID) {
			if p.Open() {
				st.OpenPositions++
			}
		}
	}
	if total := st.TotalMarginUsed + st.TotalMarginAvailable; total > 0 {
		st.MarginUtilization = st.TotalMarginUsed / total * 100
	}
	return st
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.deps.Refresher == nil {
		writeError(w, http.StatusServiceUnavailable, "refresh not configured")
		return
	}
	var body RefreshRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	report := s.deps.Refresher.RefreshNow(r.Context(), body.AccountIDs)
	s.log.Info("refresh requested", "accounts", len(body.AccountIDs), "updated", report.Updated, "errors", len(report.Errors))
	writeJSON(w, report)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log not configured")
		return
	}
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := s.deps.Audit.ListAuditEntries(r.Context(), limit)
	if err != nil {
		s.log.Error("listing audit entries", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	writeJSON(w, AuditResponse{Entries: entries})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, HealthResponse{
		Status:   "ok",
		Accounts: len(s.deps.State.Accounts()),
		Time:     time.Now().UTC(),
	})
}
