package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"climate-exchange/internal/catalog"
	"climate-exchange/internal/db"
	"climate-exchange/internal/engine"
	"climate-exchange/internal/metrics"
	"climate-exchange/internal/model"
	"climate-exchange/internal/ws"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

var chains = map[string]bool{"polygon": true, "ethereum": true, "base": true}

const (
	defaultChain   = "polygon"
	maxDisplayName = 64
	maxBookDepth   = 100
)

// Store is the slice of the data layer the handlers use directly.
type Store interface {
	CreateUser(ctx context.Context, email, displayName, hash string, role model.Role) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	UpdateProfile(ctx context.Context, id, displayName string) (*model.User, error)

	CreateWallet(ctx context.Context, userID string) error
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
	DepositWallet(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error)
	ConnectWallet(ctx context.Context, userID, address, chain string) (*model.Wallet, error)
	DisconnectWallet(ctx context.Context, userID string) (*model.Wallet, error)

	CreateMarket(ctx context.Context, m model.Market) (*model.Market, error)
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context, f model.MarketFilter) ([]model.Market, error)

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	UserOrders(ctx context.Context, marketID, userID string) ([]model.Order, error)
	LoadFills(ctx context.Context, userID string) ([]model.Fill, error)
	MarketFills(ctx context.Context, marketID string, limit int) ([]model.Fill, error)
}

type Options struct {
	Secret       string
	TokenTTL     time.Duration
	SignupCredit decimal.Decimal
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

type Server struct {
	store    Store
	manager  *engine.Manager
	hub      *ws.Hub
	secret   []byte
	tokenTTL time.Duration
	credit   decimal.Decimal
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewServer(store Store, mgr *engine.Manager, hub *ws.Hub, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &Server{
		store:    store,
		manager:  mgr,
		hub:      hub,
		secret:   []byte(opts.Secret),
		tokenTTL: ttl,
		credit:   opts.SignupCredit,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "api"),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(corsMiddleware)

	// Health
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	// Auth (public)
	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	// Markets (public)
	r.Get("/api/markets", s.listMarkets)
	r.Get("/api/markets/{id}", s.getMarket)
	r.Get("/api/markets/{id}/book", s.getBook)
	r.Get("/api/markets/{id}/trades", s.getTrades)

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Profile & wallet
		r.Get("/api/profile", s.getProfile)
		r.Put("/api/profile", s.updateProfile)
		r.Get("/api/wallet", s.getWallet)
		r.Post("/api/wallet/connect", s.connectWallet)
		r.Delete("/api/wallet/connect", s.disconnectWallet)

		// Orders
		r.Post("/api/markets/{id}/orders", s.placeOrder)
		r.Get("/api/markets/{id}/orders", s.listOrders)
		r.Delete("/api/orders/{id}", s.cancelOrder)

		// Trades & positions
		r.Post("/api/markets/{id}/trades", s.placeTrade)
		r.Get("/api/fills", s.listFills)
		r.Get("/api/positions", s.listPositions)
		r.Get("/api/portfolio", s.getPortfolio)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/markets", s.createMarket)
			r.Post("/api/admin/markets/{id}/close", s.closeMarket)
			r.Post("/api/admin/deposit", s.adminDeposit)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"display_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !strings.Contains(req.Email, "@") || len(req.Password) < 6 {
		jsonErr(w, http.StatusBadRequest, "email and password (min 6 chars) required")
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name, _, _ = strings.Cut(req.Email, "@")
	}
	if !validDisplayName(name) {
		jsonErr(w, http.StatusBadRequest, "display_name must be 1-64 characters")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.fail(w, err)
		return
	}
	ctx := r.Context()
	user, err := s.store.CreateUser(ctx, req.Email, name, string(hash), model.RoleUser)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			jsonErr(w, http.StatusConflict, "email already registered")
			return
		}
		s.fail(w, err)
		return
	}
	if err := s.store.CreateWallet(ctx, user.ID); err != nil {
		s.fail(w, err)
		return
	}
	if s.credit.IsPositive() {
		if _, err := s.store.DepositWallet(ctx, user.ID, s.credit); err != nil {
			s.fail(w, err)
			return
		}
	}
	s.logger.Info("user_registered", "user_id", user.ID)

	token, err := s.makeToken(user.ID, user.Role)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil || user == nil {
		jsonErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.makeToken(user.ID, user.Role)
	if err != nil {
		s.fail(w, err)
		return
	}
	json200(w, map[string]any{"user": user, "token": token})
}

// ── Profile & Wallet ─────────────────────────────────

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	user, err := s.store.GetUser(r.Context(), uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	if user == nil {
		jsonErr(w, http.StatusNotFound, "user not found")
		return
	}
	wallet, err := s.store.GetWallet(r.Context(), uid)
	if err != nil {
		s.fail(w, err)
		return
	}
	json200(w, map[string]any{"user": user, "wallet": wallet})
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DisplayName string `json:"display_name"`
	}
	if !decode(w, r, &req) {
		return
	}
	name := strings.TrimSpace(req.DisplayName)
	if !validDisplayName(name) {
		jsonErr(w, http.StatusBadRequest, "display_name must be 1-64 characters")
		return
	}
	user, err := s.store.UpdateProfile(r.Context(), userID(r), name)
	if err != nil {
		s.fail(w, err)
		return
	}
	if user == nil {
		jsonErr(w, http.StatusNotFound, "user not found")
		return
	}
	json200(w, user)
}

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if wallet == nil {
		jsonErr(w, http.StatusNotFound, "wallet not found")
		return
	}
	json200(w, wallet)
}

func (s *Server) connectWallet(w http.ResponseWriter, r *http.Request) {
	var req model.ConnectWalletReq
	if !decode(w, r, &req) {
		return
	}
	if !addressRe.MatchString(req.Address) {
		jsonErr(w, http.StatusBadRequest, "address must be 0x followed by 40 hex characters")
		return
	}
	chain := strings.ToLower(strings.TrimSpace(req.Chain))
	if chain == "" {
		chain = defaultChain
	}
	if !chains[chain] {
		jsonErr(w, http.StatusBadRequest, "unsupported chain "+chain)
		return
	}
	wallet, err := s.store.ConnectWallet(r.Context(), userID(r), req.Address, chain)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			jsonErr(w, http.StatusConflict, "address already connected to another account")
			return
		}
		s.fail(w, err)
		return
	}
	if wallet == nil {
		jsonErr(w, http.StatusNotFound, "wallet not found")
		return
	}
	json200(w, wallet)
}

func (s *Server) disconnectWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.DisconnectWallet(r.Context(), userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if wallet == nil {
		jsonErr(w, http.StatusNotFound, "wallet not found")
		return
	}
	json200(w, wallet)
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.MarketFilter{
		Status:   model.MarketStatus(strings.ToUpper(q.Get("status"))),
		Category: model.MarketCategory(q.Get("category")),
	}
	switch f.Status {
	case "", model.MarketOpen, model.MarketClosed, model.MarketResolved:
	default:
		jsonErr(w, http.StatusBadRequest, "unknown status "+string(f.Status))
		return
	}
	if f.Category != "" && !f.Category.Valid() {
		jsonErr(w, http.StatusBadRequest, "unknown category "+string(f.Category))
		return
	}
	markets, err := s.store.ListMarkets(r.Context(), f)
	if err != nil {
		s.fail(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	json200(w, markets)
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	mkt, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if mkt == nil {
		jsonErr(w, http.StatusNotFound, "market not found")
		return
	}
	json200(w, mkt)
}

func (s *Server) getBook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	outcome := model.OutcomeYes
	if v := q.Get("outcome"); v != "" {
		outcome = model.Outcome(strings.ToUpper(v))
	}
	depth := 0
	if v := q.Get("depth"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxBookDepth {
			jsonErr(w, http.StatusBadRequest, "depth must be 1-100")
			return
		}
		depth = n
	}
	snap, err := s.manager.Book(r.Context(), chi.URLParam(r, "id"), outcome, depth)
	if err != nil {
		s.fail(w, err)
		return
	}
	json200(w, snap)
}

func (s *Server) getTrades(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit := 50
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 200 {
		limit = n
	}
	trades, err := s.store.MarketFills(r.Context(), id, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if trades == nil {
		trades = []model.Fill{}
	}
	json200(w, trades)
}

// ── Orders ───────────────────────────────────────────

// engineFor returns the running engine of a market, or writes the reason
// there is none.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request, marketID string) *engine.MarketEngine {
	if eng := s.manager.GetEngine(marketID); eng != nil {
		return eng
	}
	mkt, err := s.store.GetMarket(r.Context(), marketID)
	switch {
	case err != nil:
		s.fail(w, err)
	case mkt == nil:
		jsonErr(w, http.StatusNotFound, "market not found")
	default:
		jsonErr(w, http.StatusConflict, "market not open")
	}
	return nil
}

func (s *Server) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req model.PlaceOrderReq
	if !decode(w, r, &req) {
		return
	}
	eng := s.engineFor(w, r, chi.URLParam(r, "id"))
	if eng == nil {
		return
	}
	order, err := eng.PlaceOrder(r.Context(), userID(r), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	uid := userID(r)

	// Get order to find market
	order, err := s.store.GetOrder(r.Context(), orderID)
	if err != nil {
		s.fail(w, err)
		return
	}
	if order == nil {
		jsonErr(w, http.StatusNotFound, "order not found")
		return
	}
	if order.UserID != uid {
		jsonErr(w, http.StatusForbidden, "not your order")
		return
	}

	eng := s.engineFor(w, r, order.MarketID)
	if eng == nil {
		return
	}
	if err := eng.CancelOrder(r.Context(), orderID, uid); err != nil {
		s.fail(w, err)
		return
	}
	json200(w, map[string]string{"status": "canceled"})
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.store.UserOrders(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	json200(w, orders)
}

// ── Trades & Positions ───────────────────────────────

func (s *Server) placeTrade(w http.ResponseWriter, r *http.Request) {
	var req model.PlaceTradeReq
	if !decode(w, r, &req) {
		return
	}
	eng := s.engineFor(w, r, chi.URLParam(r, "id"))
	if eng == nil {
		return
	}
	res, err := eng.PlaceTrade(r.Context(), userID(r), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) listFills(w http.ResponseWriter, r *http.Request) {
	fills, err := s.store.LoadFills(r.Context(), userID(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	if fills == nil {
		fills = []model.Fill{}
	}
	json200(w, fills)
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request) {
	mark, ok := markSource(w, r)
	if !ok {
		return
	}
	positions, err := s.manager.Positions(r.Context(), userID(r), mark)
	if err != nil {
		s.fail(w, err)
		return
	}
	json200(w, positions)
}

func (s *Server) getPortfolio(w http.ResponseWriter, r *http.Request) {
	mark, ok := markSource(w, r)
	if !ok {
		return
	}
	p, err := s.manager.Portfolio(r.Context(), userID(r), mark)
	if err != nil {
		s.fail(w, err)
		return
	}
	json200(w, p)
}

func markSource(w http.ResponseWriter, r *http.Request) (model.MarkSource, bool) {
	switch v := model.MarkSource(strings.ToLower(r.URL.Query().Get("mark"))); v {
	case "", model.MarkLast:
		return model.MarkLast, true
	case model.MarkMid:
		return model.MarkMid, true
	default:
		jsonErr(w, http.StatusBadRequest, "mark must be last or mid")
		return "", false
	}
}

// ── Admin ────────────────────────────────────────────

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req catalog.Entry
	if !decode(w, r, &req) {
		return
	}
	m, err := req.Market()
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	mkt, err := s.store.CreateMarket(r.Context(), m)
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			jsonErr(w, http.StatusConflict, "slug already exists")
			return
		}
		s.fail(w, err)
		return
	}

	// Start engine for this market
	if err := s.manager.StartEngine(r.Context(), mkt.ID); err != nil {
		s.logger.Error("engine_start_failed", "market_id", mkt.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, mkt)
}

func (s *Server) closeMarket(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.CloseMarket(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	mkt, err := s.store.GetMarket(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	json200(w, mkt)
}

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string          `json:"user_id"`
		Amount decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || !req.Amount.IsPositive() {
		jsonErr(w, http.StatusBadRequest, "user_id and amount > 0 required")
		return
	}
	wallet, err := s.store.DepositWallet(r.Context(), req.UserID, req.Amount)
	if err != nil {
		s.fail(w, err)
		return
	}
	if wallet == nil {
		jsonErr(w, http.StatusNotFound, "wallet not found")
		return
	}
	s.logger.Info("deposit", "user_id", req.UserID, "amount", req.Amount, "by", userID(r))
	json200(w, wallet)
}

// ── Helpers ──────────────────────────────────────────

// fail maps domain errors onto status codes. Anything unrecognised is logged
// and reported as a bare 500; that includes ErrInvalidOrder and ErrInvalidFill,
// which only come from corrupt stored rows.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		jsonErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNotOwner):
		jsonErr(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrMarketNotFound),
		errors.Is(err, engine.ErrOrderNotFound),
		errors.Is(err, db.ErrNoWallet):
		jsonErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrMarketClosed),
		errors.Is(err, engine.ErrNotCancelable),
		errors.Is(err, engine.ErrEngineStopped),
		errors.Is(err, db.ErrDuplicate):
		jsonErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, db.ErrInsufficientFunds):
		jsonErr(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		jsonErr(w, http.StatusGatewayTimeout, "request timed out")
	default:
		s.logger.Error("request_failed", "error", err)
		s.metrics.RecordError("api", "internal")
		jsonErr(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func validDisplayName(name string) bool {
	n := utf8.RuneCountInString(name)
	return n >= 1 && n <= maxDisplayName
}

func json200(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
