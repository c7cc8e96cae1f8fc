package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type MarketStatus string

const (
	MarketOpen     MarketStatus = "OPEN"
	MarketClosed   MarketStatus = "CLOSED"
	MarketResolved MarketStatus = "RESOLVED"
)

type MarketCategory string

const (
	CategoryTemperature    MarketCategory = "temperature"
	CategorySeaLevel       MarketCategory = "sea-level"
	CategoryEmissions      MarketCategory = "emissions"
	CategoryExtremeWeather MarketCategory = "extreme-weather"
	CategoryPolicy         MarketCategory = "policy"
	CategoryEnergy         MarketCategory = "energy"
)

func (c MarketCategory) Valid() bool {
	switch c {
	case CategoryTemperature, CategorySeaLevel, CategoryEmissions,
		CategoryExtremeWeather, CategoryPolicy, CategoryEnergy:
		return true
	}
	return false
}

type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

func (s OrderSide) Valid() bool { return s == SideBuy || s == SideSell }

// Outcome is the outcome token a trade or order is for.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

func (o Outcome) Valid() bool { return o == OutcomeYes || o == OutcomeNo }

type OrderStatus string

const (
	StatusOpen     OrderStatus = "OPEN"
	StatusCanceled OrderStatus = "CANCELED"
)

// MarkSource selects the price positions are valued at.
type MarkSource string

const (
	MarkLast MarkSource = "last"
	MarkMid  MarkSource = "mid"
)

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wallet is the in-app balance plus an optional linked external address.
type Wallet struct {
	UserID      string          `json:"user_id"`
	Balance     decimal.Decimal `json:"balance"`
	Address     *string         `json:"address"`
	Chain       *string         `json:"chain"`
	ConnectedAt *time.Time      `json:"connected_at,omitempty"`
}

func (w Wallet) Connected() bool { return w.Address != nil }

type Market struct {
	ID               string          `json:"id"`
	Slug             string          `json:"slug"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Category         MarketCategory  `json:"category"`
	Status           MarketStatus    `json:"status"`
	TickSize         decimal.Decimal `json:"tick_size"`
	YesPrice         decimal.Decimal `json:"yes_price"`
	Volume           decimal.Decimal `json:"volume"`
	ResolutionSource string          `json:"resolution_source"`
	ClosesAt         *time.Time      `json:"closes_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PriceOf returns the current price of an outcome token. NO is priced as
// the complement of YES.
func (m Market) PriceOf(o Outcome) decimal.Decimal {
	if o == OutcomeNo {
		return decimal.NewFromInt(1).Sub(m.YesPrice)
	}
	return m.YesPrice
}

type MarketFilter struct {
	Status   MarketStatus
	Category MarketCategory
}

type Order struct {
	ID        string          `json:"id"`
	MarketID  string          `json:"market_id"`
	UserID    string          `json:"user_id"`
	Outcome   Outcome         `json:"outcome"`
	Side      OrderSide       `json:"side"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	Status    OrderStatus     `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Fill is a completed (simulated) trade. Immutable once recorded.
type Fill struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	MarketID  string          `json:"market_id"`
	Outcome   Outcome         `json:"outcome"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"created_at"`
}

// Shares is the number of outcome tokens the fill bought.
func (f Fill) Shares() decimal.Decimal { return f.Amount.Div(f.Price) }

type Position struct {
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	Outcome       Outcome         `json:"outcome"`
	Amount        decimal.Decimal `json:"amount"`
	Shares        decimal.Decimal `json:"shares"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Fills         int             `json:"fills"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type Portfolio struct {
	Positions     []Position      `json:"positions"`
	Invested      decimal.Decimal `json:"invested"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Cash          decimal.Decimal `json:"cash"`
}

// ── API Types ────────────────────────────────────────

type PlaceOrderReq struct {
	Outcome Outcome         `json:"outcome"`
	Side    OrderSide       `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
}

type PlaceTradeReq struct {
	Outcome Outcome          `json:"outcome"`
	Amount  decimal.Decimal  `json:"amount"`
	Price   *decimal.Decimal `json:"price"`
}

type PlaceTradeResult struct {
	Fill     Fill     `json:"fill"`
	Position Position `json:"position"`
	Market   Market   `json:"market"`
}

type ConnectWalletReq struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
}

type PriceLevel struct {
	Price          decimal.Decimal `json:"price"`
	Size           decimal.Decimal `json:"size"`
	Total          decimal.Decimal `json:"total"`
	CumulativeSize decimal.Decimal `json:"cumulative_size"`
	Orders         int             `json:"orders"`
}

type BookSnapshot struct {
	MarketID string       `json:"market_id,omitempty"`
	Outcome  Outcome      `json:"outcome,omitempty"`
	Bids     []PriceLevel `json:"bids"`
	Asks     []PriceLevel `json:"asks"`
}
