package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"climate-exchange/internal/model"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedUser(t *testing.T, s *MemStore, email string, balance string) *model.User {
	t.Helper()
	ctx := context.Background()
	u, err := s.CreateUser(ctx, email, "trader", "hash", model.RoleUser)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateWallet(ctx, u.ID); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	if _, err := s.DepositWallet(ctx, u.ID, dec(balance)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return u
}

func TestMemStoreUsers(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	u := seedUser(t, s, "Ada@Example.com", "0")

	if _, err := s.CreateUser(ctx, "ada@example.com", "other", "h", model.RoleUser); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for same email in other case, got %v", err)
	}
	got, err := s.GetUserByEmail(ctx, "ADA@example.com")
	if err != nil || got == nil || got.ID != u.ID {
		t.Fatalf("lookup by email failed: %+v, %v", got, err)
	}
	missing, err := s.GetUser(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for unknown user, got %+v, %v", missing, err)
	}
	updated, _ := s.UpdateProfile(ctx, u.ID, "Ada L.")
	if updated.DisplayName != "Ada L." {
		t.Fatalf("expected new display name, got %q", updated.DisplayName)
	}
}

func TestMemStoreWalletConnect(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	a := seedUser(t, s, "a@example.com", "10")
	b := seedUser(t, s, "b@example.com", "10")
	addr := "0xAbCdEf0123456789abcdef0123456789ABCDEF01"

	w, err := s.ConnectWallet(ctx, a.ID, addr, "polygon")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !w.Connected() || *w.Address != "0xabcdef0123456789abcdef0123456789abcdef01" || *w.Chain != "polygon" {
		t.Fatalf("unexpected wallet %+v", w)
	}
	if _, err := s.ConnectWallet(ctx, b.ID, addr, "polygon"); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for a taken address, got %v", err)
	}

	// copies must not alias store state
	*w.Address = "tampered"
	again, _ := s.GetWallet(ctx, a.ID)
	if *again.Address == "tampered" {
		t.Fatal("GetWallet returned aliased state")
	}

	w, _ = s.DisconnectWallet(ctx, a.ID)
	if w.Connected() {
		t.Fatal("wallet still connected")
	}
	if !w.Balance.Equal(dec("10")) {
		t.Fatalf("disconnect changed balance: %s", w.Balance)
	}
}

func TestMemStoreMarkets(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	first, err := s.CreateMarket(ctx, model.Market{Slug: "co2-450ppm", Title: "CO2 above 450ppm?", Category: model.CategoryEmissions})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !first.TickSize.Equal(dec("0.01")) || !first.YesPrice.Equal(dec("0.5")) || first.Status != model.MarketOpen {
		t.Fatalf("defaults not applied: %+v", first)
	}
	if _, err := s.CreateMarket(ctx, model.Market{Slug: "co2-450ppm", Title: "dup"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	second, _ := s.CreateMarket(ctx, model.Market{Slug: "sea-level-10cm", Title: "Sea level +10cm?", Category: model.CategorySeaLevel})

	all, _ := s.ListMarkets(ctx, model.MarketFilter{})
	if len(all) != 2 || all[0].ID != second.ID {
		t.Fatalf("expected newest market first, got %+v", all)
	}
	if err := s.SetMarketStatus(ctx, first.ID, model.MarketClosed); err != nil {
		t.Fatalf("set status: %v", err)
	}
	open, _ := s.ListMarkets(ctx, model.MarketFilter{Status: model.MarketOpen})
	if len(open) != 1 || open[0].ID != second.ID {
		t.Fatalf("status filter failed: %+v", open)
	}
	emissions, _ := s.ListMarkets(ctx, model.MarketFilter{Category: model.CategoryEmissions})
	if len(emissions) != 1 || emissions[0].ID != first.ID {
		t.Fatalf("category filter failed: %+v", emissions)
	}
	bySlug, _ := s.GetMarketBySlug(ctx, "sea-level-10cm")
	if bySlug == nil || bySlug.ID != second.ID {
		t.Fatalf("lookup by slug failed: %+v", bySlug)
	}
}

func TestMemStoreOrders(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	u := seedUser(t, s, "a@example.com", "0")
	m, _ := s.CreateMarket(ctx, model.Market{Slug: "m", Title: "m"})

	for _, id := range []string{"o1", "o2", "o3"} {
		o := &model.Order{ID: id, MarketID: m.ID, UserID: u.ID, Outcome: model.OutcomeYes,
			Side: model.SideBuy, Price: dec("0.5"), Size: dec("1"), Status: model.StatusOpen}
		if err := s.InsertOrder(ctx, o); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if o.CreatedAt.IsZero() {
			t.Fatal("insert did not stamp created_at")
		}
	}
	if err := s.CancelOrder(ctx, "o2"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	open, _ := s.LoadOrders(ctx, m.ID)
	if len(open) != 2 || open[0].ID != "o1" || open[1].ID != "o3" {
		t.Fatalf("expected open orders o1, o3 oldest first, got %+v", open)
	}
	mine, _ := s.UserOrders(ctx, m.ID, u.ID)
	if len(mine) != 3 || mine[0].ID != "o3" || mine[1].Status != model.StatusCanceled {
		t.Fatalf("unexpected user orders %+v", mine)
	}
}

func TestMemStoreRecordFill(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	u := seedUser(t, s, "a@example.com", "100")
	m, _ := s.CreateMarket(ctx, model.Market{Slug: "m", Title: "m"})

	f := &model.Fill{ID: "f1", UserID: u.ID, MarketID: m.ID, Outcome: model.OutcomeNo, Amount: dec("30"), Price: dec("0.25")}
	updated, err := s.RecordFill(ctx, f)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !updated.YesPrice.Equal(dec("0.75")) || !updated.Volume.Equal(dec("30")) {
		t.Fatalf("unexpected market %+v", updated)
	}
	if !f.CreatedAt.Equal(now) {
		t.Fatalf("fill not stamped: %v", f.CreatedAt)
	}
	w, _ := s.GetWallet(ctx, u.ID)
	if !w.Balance.Equal(dec("70")) {
		t.Fatalf("expected balance 70, got %s", w.Balance)
	}

	_, err = s.RecordFill(ctx, &model.Fill{ID: "f2", UserID: u.ID, MarketID: m.ID, Outcome: model.OutcomeYes, Amount: dec("70.01"), Price: dec("0.5")})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := s.RecordFill(ctx, &model.Fill{ID: "f3", UserID: "ghost", MarketID: m.ID, Amount: dec("1"), Price: dec("0.5")}); !errors.Is(err, ErrNoWallet) {
		t.Fatalf("expected ErrNoWallet, got %v", err)
	}

	fills, _ := s.LoadFills(ctx, u.ID)
	if len(fills) != 1 || fills[0].ID != "f1" {
		t.Fatalf("unexpected fills %+v", fills)
	}
	recent, _ := s.MarketFills(ctx, m.ID, 10)
	if len(recent) != 1 {
		t.Fatalf("expected 1 market fill, got %d", len(recent))
	}
}
