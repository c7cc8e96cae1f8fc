package db

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"climate-exchange/internal/model"
)

// MemStore keeps everything in process memory. It backs the server when no
// database is configured, and the tests.
type MemStore struct {
	mu      sync.RWMutex
	users   map[string]*model.User
	emails  map[string]string // email -> user id
	wallets map[string]*model.Wallet
	markets map[string]*model.Market
	orders  map[string]*model.Order
	fills   []model.Fill

	// insertion order, for stable listings
	marketIDs []string
	orderIDs  []string

	now func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:   make(map[string]*model.User),
		emails:  make(map[string]string),
		wallets: make(map[string]*model.Wallet),
		markets: make(map[string]*model.Market),
		orders:  make(map[string]*model.Order),
		now:     time.Now,
	}
}

// SetClock replaces the clock used for timestamps.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemStore) Close() error { return nil }

// ── Users ────────────────────────────────────────────

func (s *MemStore) CreateUser(_ context.Context, email, displayName, hash string, role model.Role) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := s.emails[key]; ok {
		return nil, fmt.Errorf("user %s: %w", email, ErrDuplicate)
	}
	u := &model.User{
		ID:           uuid.New().String(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    s.now(),
	}
	s.users[u.ID] = u
	s.emails[key] = u.ID
	cp := *u
	return &cp, nil
}

func (s *MemStore) GetUserByEmail(_ context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *MemStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (s *MemStore) UpdateProfile(_ context.Context, id, displayName string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	u.DisplayName = displayName
	cp := *u
	return &cp, nil
}

// ── Wallets ──────────────────────────────────────────

func (s *MemStore) CreateWallet(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wallets[userID]; ok {
		return fmt.Errorf("wallet %s: %w", userID, ErrDuplicate)
	}
	s.wallets[userID] = &model.Wallet{UserID: userID, Balance: decimal.Zero}
	return nil
}

func (s *MemStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.walletCopy(userID), nil
}

func (s *MemStore) DepositWallet(_ context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, nil
	}
	w.Balance = w.Balance.Add(amount)
	return s.walletCopy(userID), nil
}

func (s *MemStore) ConnectWallet(_ context.Context, userID, address, chain string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, nil
	}
	addr := strings.ToLower(address)
	for id, other := range s.wallets {
		if id != userID && other.Address != nil && *other.Address == addr {
			return nil, fmt.Errorf("address %s: %w", address, ErrDuplicate)
		}
	}
	now := s.now()
	w.Address, w.Chain, w.ConnectedAt = &addr, &chain, &now
	return s.walletCopy(userID), nil
}

func (s *MemStore) DisconnectWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[userID]
	if !ok {
		return nil, nil
	}
	w.Address, w.Chain, w.ConnectedAt = nil, nil, nil
	return s.walletCopy(userID), nil
}

func (s *MemStore) walletCopy(userID string) *model.Wallet {
	w, ok := s.wallets[userID]
	if !ok {
		return nil
	}
	cp := *w
	if w.Address != nil {
		a, c, t := *w.Address, *w.Chain, *w.ConnectedAt
		cp.Address, cp.Chain, cp.ConnectedAt = &a, &c, &t
	}
	return &cp
}

// ── Markets ──────────────────────────────────────────

func (s *MemStore) CreateMarket(_ context.Context, m model.Market) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.markets {
		if other.Slug == m.Slug {
			return nil, fmt.Errorf("market %s: %w", m.Slug, ErrDuplicate)
		}
	}
	m = withMarketDefaults(m)
	m.ID = uuid.New().String()
	m.Status = model.MarketOpen
	m.Volume = decimal.Zero
	m.CreatedAt = s.now()
	s.markets[m.ID] = &m
	s.marketIDs = append(s.marketIDs, m.ID)
	cp := m
	return &cp, nil
}

func (s *MemStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) GetMarketBySlug(_ context.Context, slug string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.markets {
		if m.Slug == slug {
			cp := *m
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemStore) ListMarkets(_ context.Context, f model.MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Market
	for i := len(s.marketIDs) - 1; i >= 0; i-- {
		m := s.markets[s.marketIDs[i]]
		if f.Status != "" && m.Status != f.Status {
			continue
		}
		if f.Category != "" && m.Category != f.Category {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *MemStore) SetMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.markets[id]; ok {
		m.Status = status
	}
	return nil
}

// ── Orders ───────────────────────────────────────────

func (s *MemStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrDuplicate)
	}
	o.CreatedAt = s.now()
	cp := *o
	s.orders[o.ID] = &cp
	s.orderIDs = append(s.orderIDs, o.ID)
	return nil
}

func (s *MemStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *MemStore) CancelOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.orders[id]; ok {
		o.Status = model.StatusCanceled
	}
	return nil
}

func (s *MemStore) LoadOrders(_ context.Context, marketID string) ([]model.Order, error) {
	return s.selectOrders(func(o *model.Order) bool {
		return o.MarketID == marketID && o.Status == model.StatusOpen
	}, false), nil
}

func (s *MemStore) UserOrders(_ context.Context, marketID, userID string) ([]model.Order, error) {
	return s.selectOrders(func(o *model.Order) bool {
		return o.MarketID == marketID && o.UserID == userID
	}, true), nil
}

func (s *MemStore) selectOrders(keep func(*model.Order) bool, newestFirst bool) []model.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Order
	for _, id := range s.orderIDs {
		if o := s.orders[id]; keep(o) {
			out = append(out, *o)
		}
	}
	if newestFirst {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}

// ── Fills ────────────────────────────────────────────

func (s *MemStore) RecordFill(_ context.Context, f *model.Fill) (*model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wallets[f.UserID]
	if !ok {
		return nil, ErrNoWallet
	}
	m, ok := s.markets[f.MarketID]
	if !ok {
		return nil, fmt.Errorf("market %s vanished", f.MarketID)
	}
	if w.Balance.LessThan(f.Amount) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, f.Amount, w.Balance)
	}
	w.Balance = w.Balance.Sub(f.Amount)
	f.CreatedAt = s.now()
	s.fills = append(s.fills, *f)
	m.YesPrice = yesPriceAfter(f)
	m.Volume = m.Volume.Add(f.Amount)
	cp := *m
	return &cp, nil
}

func (s *MemStore) LoadFills(_ context.Context, userID string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Fill
	for _, f := range s.fills {
		if f.UserID == userID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *MemStore) MarketFills(_ context.Context, marketID string, limit int) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Fill
	for i := len(s.fills) - 1; i >= 0 && len(out) < limit; i-- {
		if s.fills[i].MarketID == marketID {
			out = append(out, s.fills[i])
		}
	}
	return out, nil
}

// withMarketDefaults fills in the tick size and opening price a new market
// gets when none is given.
func withMarketDefaults(m model.Market) model.Market {
	if !m.TickSize.IsPositive() {
		m.TickSize = decimal.RequireFromString("0.01")
	}
	if !m.YesPrice.IsPositive() {
		m.YesPrice = decimal.RequireFromString("0.5")
	}
	return m
}
