package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperspot/pkg/app/core/account"
	"github.com/uhyunpark/hyperspot/pkg/app/core/engine"
	"github.com/uhyunpark/hyperspot/pkg/app/core/errs"
	"github.com/uhyunpark/hyperspot/pkg/app/core/market"
	"github.com/uhyunpark/hyperspot/pkg/app/core/model"
	"github.com/uhyunpark/hyperspot/pkg/app/core/wallet"
	"github.com/uhyunpark/hyperspot/pkg/metrics"
	"github.com/uhyunpark/hyperspot/pkg/util"
)

const (
	// Identity headers set by the auth gateway in front of the API.
	headerAccount = "X-Account-ID"
	headerRole    = "X-Account-Role"
	roleAdmin     = "admin"

	maxBodyBytes = 1 << 20
)

type ctxKey int

const accountKey ctxKey = iota

// Services are the components the API serves.
type Services struct {
	Engine   *engine.Engine
	Wallet   *wallet.Service
	Accounts *account.Directory
	Markets  *market.Registry
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Clock    util.Clock
	Logger   *zap.SugaredLogger
}

type Config struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// Server handles REST API requests
type Server struct {
	svc    Services
	cfg    Config
	router *mux.Router
	http   *http.Server
	log    *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(svc Services, cfg Config) *Server {
	if svc.Clock == nil {
		svc.Clock = util.RealClock{}
	}
	if svc.Logger == nil {
		svc.Logger = zap.NewNop().Sugar()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		router: mux.NewRouter(),
		log:    svc.Logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.observe)

	// API v1 routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Market endpoints
	api.HandleFunc("/markets", s.handleGetMarkets).Methods("GET")
	api.HandleFunc("/markets/{symbol}/depth", s.handleGetDepth).Methods("GET")
	api.HandleFunc("/markets/{symbol}/trades", s.handleGetTrades).Methods("GET")
	api.HandleFunc("/markets/{symbol}/ticker", s.handleGetTicker).Methods("GET")

	// Admin endpoints
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAccount, s.requireAdmin)
	admin.HandleFunc("/accounts/{id}", s.handleGetAccount).Methods("GET")
	admin.HandleFunc("/accounts/{id}/credit", s.handleCredit).Methods("POST")
	admin.HandleFunc("/accounts/{id}/debit", s.handleDebit).Methods("POST")
	admin.HandleFunc("/accounts/{id}/freeze", s.handleFreeze(true)).Methods("POST")
	admin.HandleFunc("/accounts/{id}/unfreeze", s.handleFreeze(false)).Methods("POST")
	admin.HandleFunc("/accounts/{id}/kyc", s.handleKYC).Methods("POST")
	admin.HandleFunc("/markets/{symbol}/pause", s.handleMarketStatus(market.Paused)).Methods("POST")
	admin.HandleFunc("/markets/{symbol}/resume", s.handleMarketStatus(market.Active)).Methods("POST")
	admin.HandleFunc("/transfers/pending", s.handlePendingTransfers).Methods("GET")
	admin.HandleFunc("/transfers/{id}/approve", s.handleApprove).Methods("POST")
	admin.HandleFunc("/transfers/{id}/reject", s.handleReject).Methods("POST")

	// Account endpoints
	acct := api.NewRoute().Subrouter()
	acct.Use(s.requireAccount)
	acct.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	acct.HandleFunc("/orders/open", s.handleOpenOrders).Methods("GET")
	acct.HandleFunc("/orders/history", s.handleOrderHistory).Methods("GET")
	acct.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods("DELETE")
	acct.HandleFunc("/trades", s.handleAccountTrades).Methods("GET")
	acct.HandleFunc("/balances", s.handleBalances).Methods("GET")
	acct.HandleFunc("/wallet/deposits", s.handleDeposit).Methods("POST")
	acct.HandleFunc("/wallet/withdrawals", s.handleWithdraw).Methods("POST")
	acct.HandleFunc("/wallet/transfers", s.handleTransfers).Methods("GET")

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.svc.Gatherer != nil {
		s.router.Handle("/metrics", metrics.Handler(s.svc.Gatherer)).Methods("GET")
	}
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", headerAccount, headerRole},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.http = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}
	s.log.Infow("api_starting", "addr", s.cfg.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ==============================
// Middleware
// ==============================

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.svc.Metrics.ObserveHTTP(route, r.Method, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) requireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerAccount))
		if id == "" {
			respondError(w, http.StatusUnauthorized, "unauthorized", "missing "+headerAccount+" header")
			return
		}
		if err := model.ValidateAccountID(id); err != nil {
			respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountKey, id)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(headerRole) != roleAdmin {
			respondError(w, http.StatusForbidden, string(errs.Forbidden), "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func accountFrom(r *http.Request) string {
	id, _ := r.Context().Value(accountKey).(string)
	return id
}

// ==============================
// Market Handlers
// ==============================

func (s *Server) handleGetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := s.svc.Markets.ListMarkets()
	response := make([]MarketInfo, len(markets))
	for i, m := range markets {
		response[i] = toMarketInfo(m)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleGetDepth(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	depth, err := s.svc.Engine.Depth(mux.Vars(r)["symbol"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toSnapshot(depth, s.svc.Clock.Now()))
}

func (s *Server) handleGetTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	trades, err := s.svc.Engine.RecentTrades(r.Context(), mux.Vars(r)["symbol"], limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTradeInfos(trades))
}

func (s *Server) handleGetTicker(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Engine.Ticker(r.Context(), mux.Vars(r)["symbol"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTickerInfo(t))
}

// ==============================
// Account Handlers
// ==============================

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var body SubmitOrderRequest
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := engine.ParseSubmitRequest(accountFrom(r), body.Market, body.Side, body.Type, body.Price, body.Quantity)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Engine.Submit(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, SubmitOrderResponse{
		Order:  toOrderInfo(res.Order),
		Trades: toTradeInfos(res.Trades),
	})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.Engine.Cancel(r.Context(), accountFrom(r), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderInfo(o))
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.svc.Engine.OpenOrders(r.Context(), accountFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderInfos(orders))
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	orders, err := s.svc.Engine.OrderHistory(r.Context(), accountFrom(r), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toOrderInfos(orders))
}

func (s *Server) handleAccountTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	acct := accountFrom(r)
	trades, err := s.svc.Engine.AccountTrades(r.Context(), acct, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toAccountTrades(acct, trades))
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	rows, err := s.svc.Engine.Balances(accountFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	response := make([]BalanceInfo, len(rows))
	for i, b := range rows {
		response[i] = toBalanceInfo(b)
	}
	respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var body AmountRequest
	if !decodeBody(w, r, &body) {
		return
	}
	t, err := s.svc.Wallet.RequestDeposit(r.Context(), accountFrom(r), body.Asset, body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toTransferInfo(t))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var body AmountRequest
	if !decodeBody(w, r, &body) {
		return
	}
	t, err := s.svc.Wallet.RequestWithdraw(r.Context(), accountFrom(r), body.Asset, body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, toTransferInfo(t))
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	ts, err := s.svc.Wallet.Transfers(r.Context(), accountFrom(r), s.svc.Engine.Limit(limit, s.svc.Engine.Config().HistoryLimit))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTransferInfos(ts))
}

// ==============================
// Admin Handlers
// ==============================

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Accounts.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toAccountInfo(a))
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	var body AmountRequest
	if !decodeBody(w, r, &body) {
		return
	}
	b, err := s.svc.Wallet.Credit(r.Context(), mux.Vars(r)["id"], body.Asset, body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Infow("admin_credit", "admin", accountFrom(r), "account", b.AccountID, "asset", b.Asset, "amount", body.Amount)
	respondJSON(w, http.StatusOK, toBalanceInfo(b))
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	var body AmountRequest
	if !decodeBody(w, r, &body) {
		return
	}
	b, err := s.svc.Wallet.Debit(r.Context(), mux.Vars(r)["id"], body.Asset, body.Amount)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Infow("admin_debit", "admin", accountFrom(r), "account", b.AccountID, "asset", b.Asset, "amount", body.Amount)
	respondJSON(w, http.StatusOK, toBalanceInfo(b))
}

func (s *Server) handleFreeze(frozen bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := s.svc.Accounts.SetFrozen(r.Context(), mux.Vars(r)["id"], frozen)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, toAccountInfo(a))
	}
}

func (s *Server) handleKYC(w http.ResponseWriter, r *http.Request) {
	var body KYCRequest
	if !decodeBody(w, r, &body) {
		return
	}
	status, err := model.ParseKYCStatus(body.Status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.svc.Accounts.SetKYCStatus(r.Context(), mux.Vars(r)["id"], status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toAccountInfo(a))
}

// handleMarketStatus pauses or resumes submissions. Cancels keep working
// on a paused market.
func (s *Server) handleMarketStatus(status market.MarketStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		symbol := mux.Vars(r)["symbol"]
		if err := s.svc.Markets.UpdateMarketStatus(symbol, status); err != nil {
			s.fail(w, r, err)
			return
		}
		m, err := s.svc.Markets.GetMarket(symbol)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.log.Infow("market_status_changed", "admin", accountFrom(r), "market", m.Symbol, "status", m.Status.String())
		respondJSON(w, http.StatusOK, toMarketInfo(m))
	}
}

func (s *Server) handlePendingTransfers(w http.ResponseWriter, r *http.Request) {
	ts, err := s.svc.Wallet.Pending(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTransferInfos(ts))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.Wallet.Approve(r.Context(), mux.Vars(r)["id"], accountFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTransferInfo(t))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body RejectRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	t, err := s.svc.Wallet.Reject(r.Context(), mux.Vars(r)["id"], accountFrom(r), body.Notes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, toTransferInfo(t))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

// statusFor maps error codes to HTTP statuses. Unclassified errors are 500.
func statusFor(code errs.Code) int {
	switch code {
	case errs.InvalidRequest, errs.InvalidMarket:
		return http.StatusBadRequest
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.AlreadyTerminal:
		return http.StatusConflict
	case errs.InsufficientFunds, errs.NoLiquidity:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.log.Errorw("request_failed", "method", r.Method, "path", r.URL.Path, "code", code, "error", err)
		if code == errs.Internal {
			respondError(w, status, string(code), "internal error")
			return
		}
	}
	respondError(w, status, string(code), err.Error())
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondError(w, http.StatusBadRequest, string(errs.InvalidRequest), "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, string(errs.InvalidRequest), "failed to read body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		respondError(w, http.StatusBadRequest, string(errs.InvalidRequest), "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	respondJSON(w, status, ErrorResponse{
		Error:   error,
		Message: message,
	})
}
