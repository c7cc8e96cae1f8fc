package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"climate-exchange/internal/model"
)

var (
	ErrInsufficientFunds = errors.New("insufficient balance")
	ErrDuplicate         = errors.New("already exists")
	ErrNoWallet          = errors.New("wallet not found")
)

// Store is the postgres-backed repository.
type Store struct{ DB *sql.DB }

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ── Users ────────────────────────────────────────────

const userCols = `id, email, display_name, password_hash, role, created_at`

// Emails are unique and matched case-insensitively, as in MemStore.
const userByEmailQuery = `SELECT ` + userCols + ` FROM users WHERE lower(email)=lower($1)`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	u := &model.User{}
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, email, displayName, hash string, role model.Role) (*model.User, error) {
	u, err := scanUser(s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, display_name, password_hash, role) VALUES ($1,$2,$3,$4)
		 RETURNING `+userCols, email, displayName, hash, role,
	))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("user %s: %w", email, ErrDuplicate)
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return scanUser(s.DB.QueryRowContext(ctx, userByEmailQuery, email))
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return scanUser(s.DB.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id=$1`, id))
}

func (s *Store) UpdateProfile(ctx context.Context, id, displayName string) (*model.User, error) {
	return scanUser(s.DB.QueryRowContext(ctx,
		`UPDATE users SET display_name=$1 WHERE id=$2 RETURNING `+userCols, displayName, id))
}

// ── Wallets ──────────────────────────────────────────

const walletCols = `user_id, balance, address, chain, connected_at`

func scanWallet(row interface{ Scan(...any) error }) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := row.Scan(&w.UserID, &w.Balance, &w.Address, &w.Chain, &w.ConnectedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *Store) CreateWallet(ctx context.Context, userID string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO wallets (user_id) VALUES ($1)`, userID)
	return err
}

func (s *Store) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return scanWallet(s.DB.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE user_id=$1`, userID))
}

func (s *Store) DepositWallet(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	return scanWallet(s.DB.QueryRowContext(ctx,
		`UPDATE wallets SET balance = balance + $1 WHERE user_id=$2 RETURNING `+walletCols, amount, userID))
}

func (s *Store) ConnectWallet(ctx context.Context, userID, address, chain string) (*model.Wallet, error) {
	w, err := scanWallet(s.DB.QueryRowContext(ctx,
		`UPDATE wallets SET address=$1, chain=$2, connected_at=now() WHERE user_id=$3 RETURNING `+walletCols,
		strings.ToLower(address), chain, userID))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("address %s: %w", address, ErrDuplicate)
	}
	return w, err
}

func (s *Store) DisconnectWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return scanWallet(s.DB.QueryRowContext(ctx,
		`UPDATE wallets SET address=NULL, chain=NULL, connected_at=NULL WHERE user_id=$1 RETURNING `+walletCols, userID))
}

// ── Markets ──────────────────────────────────────────

const marketCols = `id,slug,title,description,category,status,tick_size,yes_price,volume,resolution_source,closes_at,created_at`

func scanMarket(row interface{ Scan(...any) error }) (*model.Market, error) {
	m := &model.Market{}
	err := row.Scan(&m.ID, &m.Slug, &m.Title, &m.Description, &m.Category, &m.Status,
		&m.TickSize, &m.YesPrice, &m.Volume, &m.ResolutionSource, &m.ClosesAt, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) CreateMarket(ctx context.Context, m model.Market) (*model.Market, error) {
	m = withMarketDefaults(m)
	out, err := scanMarket(s.DB.QueryRowContext(ctx,
		`INSERT INTO markets (slug,title,description,category,tick_size,yes_price,resolution_source,closes_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 RETURNING `+marketCols,
		m.Slug, m.Title, m.Description, m.Category, m.TickSize, m.YesPrice, m.ResolutionSource, m.ClosesAt,
	))
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("market %s: %w", m.Slug, ErrDuplicate)
	}
	return out, err
}

func (s *Store) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return scanMarket(s.DB.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE id=$1`, id))
}

func (s *Store) GetMarketBySlug(ctx context.Context, slug string) (*model.Market, error) {
	return scanMarket(s.DB.QueryRowContext(ctx, `SELECT `+marketCols+` FROM markets WHERE slug=$1`, slug))
}

func (s *Store) ListMarkets(ctx context.Context, f model.MarketFilter) ([]model.Market, error) {
	q := `SELECT ` + marketCols + ` FROM markets`
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, f.Category)
		where = append(where, fmt.Sprintf("category=$%d", len(args)))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *Store) SetMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE markets SET status=$1 WHERE id=$2`, status, id)
	return err
}

// ── Orders ───────────────────────────────────────────

const orderCols = `id,market_id,user_id,outcome,side,price,size,status,created_at`

func (s *Store) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.DB.QueryRowContext(ctx,
		`INSERT INTO orders (id,market_id,user_id,outcome,side,price,size,status)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at`,
		o.ID, o.MarketID, o.UserID, o.Outcome, o.Side, o.Price, o.Size, o.Status,
	).Scan(&o.CreatedAt)
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o := &model.Order{}
	err := s.DB.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.MarketID, &o.UserID, &o.Outcome, &o.Side, &o.Price, &o.Size, &o.Status, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func (s *Store) CancelOrder(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE orders SET status='CANCELED', updated_at=now() WHERE id=$1`, id)
	return err
}

// LoadOrders returns the open orders of a market, oldest first.
func (s *Store) LoadOrders(ctx context.Context, marketID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE market_id=$1 AND status='OPEN' ORDER BY created_at`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) UserOrders(ctx context.Context, marketID, userID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+orderCols+` FROM orders WHERE market_id=$1 AND user_id=$2 ORDER BY created_at DESC LIMIT 100`,
		marketID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrders(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		var o model.Order
		if err := rows.Scan(&o.ID, &o.MarketID, &o.UserID, &o.Outcome, &o.Side, &o.Price, &o.Size, &o.Status, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ── Fills ────────────────────────────────────────────

const fillCols = `id,user_id,market_id,outcome,amount,price,created_at`

// RecordFill debits the buyer, appends the fill and moves the market price
// in one transaction. It returns the updated market.
func (s *Store) RecordFill(ctx context.Context, f *model.Fill) (*model.Market, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var balance decimal.Decimal
	err = tx.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id=$1 FOR UPDATE`, f.UserID).Scan(&balance)
	if err == sql.ErrNoRows {
		return nil, ErrNoWallet
	}
	if err != nil {
		return nil, err
	}
	if balance.LessThan(f.Amount) {
		return nil, fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, f.Amount, balance)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET balance = balance - $1 WHERE user_id=$2`, f.Amount, f.UserID); err != nil {
		return nil, err
	}

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO fills (id,user_id,market_id,outcome,amount,price) VALUES ($1,$2,$3,$4,$5,$6) RETURNING created_at`,
		f.ID, f.UserID, f.MarketID, f.Outcome, f.Amount, f.Price,
	).Scan(&f.CreatedAt); err != nil {
		return nil, err
	}

	m, err := scanMarket(tx.QueryRowContext(ctx,
		`UPDATE markets SET yes_price=$1, volume = volume + $2 WHERE id=$3 RETURNING `+marketCols,
		yesPriceAfter(f), f.Amount, f.MarketID))
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("market %s vanished", f.MarketID)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadFills returns every fill of a user, oldest first.
func (s *Store) LoadFills(ctx context.Context, userID string) ([]model.Fill, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+fillCols+` FROM fills WHERE user_id=$1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

// MarketFills returns the latest fills of a market, newest first.
func (s *Store) MarketFills(ctx context.Context, marketID string, limit int) ([]model.Fill, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+fillCols+` FROM fills WHERE market_id=$1 ORDER BY created_at DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFills(rows)
}

func scanFills(rows *sql.Rows) ([]model.Fill, error) {
	var out []model.Fill
	for rows.Next() {
		var f model.Fill
		if err := rows.Scan(&f.ID, &f.UserID, &f.MarketID, &f.Outcome, &f.Amount, &f.Price, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// yesPriceAfter is the YES price implied by a fill: the traded price for YES,
// its complement for NO.
func yesPriceAfter(f *model.Fill) decimal.Decimal {
	if f.Outcome == model.OutcomeNo {
		return decimal.NewFromInt(1).Sub(f.Price)
	}
	return f.Price
}
