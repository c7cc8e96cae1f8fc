package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"climate-exchange/internal/db"
	"climate-exchange/internal/model"
)

type published struct {
	marketID string
	msgType  string
	data     any
}

type recorder struct {
	mu   sync.Mutex
	msgs []published
}

func (r *recorder) publish(marketID, msgType string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, published{marketID, msgType, data})
}

func (r *recorder) count(msgType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.msgs {
		if m.msgType == msgType {
			n++
		}
	}
	return n
}

type fixture struct {
	store  *db.MemStore
	mgr    *Manager
	rec    *recorder
	market *model.Market
	alice  string
	bob    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil, nil)
}

// newFixtureWith runs the manager over wrap(store) when wrap is set, and with
// the given book cache.
func newFixtureWith(t *testing.T, wrap func(*db.MemStore) Store, cache BookCache) *fixture {
	t.Helper()
	ctx := context.Background()
	st := db.NewMemStore()
	mkt, err := st.CreateMarket(ctx, model.Market{
		Slug:     "arctic-ice-free-2030",
		Title:    "Ice-free Arctic summer by 2030?",
		Category: model.CategoryTemperature,
		TickSize: d("0.01"),
		YesPrice: d("0.4"),
	})
	if err != nil {
		t.Fatalf("create market: %v", err)
	}
	f := &fixture{store: st, rec: &recorder{}, market: mkt}
	for _, name := range []string{"alice", "bob"} {
		u, err := st.CreateUser(ctx, name+"@example.com", name, "x", model.RoleUser)
		if err != nil {
			t.Fatalf("create user: %v", err)
		}
		if err := st.CreateWallet(ctx, u.ID); err != nil {
			t.Fatalf("create wallet: %v", err)
		}
		if _, err := st.DepositWallet(ctx, u.ID, d("1000")); err != nil {
			t.Fatalf("deposit: %v", err)
		}
		if name == "alice" {
			f.alice = u.ID
		} else {
			f.bob = u.ID
		}
	}
	var store Store = st
	if wrap != nil {
		store = wrap(st)
	}
	f.mgr = NewManager(store, Options{
		Publish: f.rec.publish,
		Cache:   cache,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := f.mgr.Boot(ctx); err != nil {
		t.Fatalf("boot: %v", err)
	}
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) engine(t *testing.T) *MarketEngine {
	t.Helper()
	eng := f.mgr.GetEngine(f.market.ID)
	if eng == nil {
		t.Fatal("expected a running engine")
	}
	return eng
}

func TestPlaceOrderUpdatesBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng := f.engine(t)

	for _, req := range []model.PlaceOrderReq{
		{Outcome: model.OutcomeYes, Side: model.SideBuy, Price: d("0.45"), Size: d("100")},
		{Outcome: model.OutcomeYes, Side: model.SideBuy, Price: d("0.45"), Size: d("50")},
		{Outcome: model.OutcomeYes, Side: model.SideSell, Price: d("0.55"), Size: d("20")},
		{Outcome: model.OutcomeNo, Side: model.SideBuy, Price: d("0.30"), Size: d("10")},
	} {
		o, err := eng.PlaceOrder(ctx, f.alice, req)
		if err != nil {
			t.Fatalf("place order: %v", err)
		}
		if o.ID == "" || o.Status != model.StatusOpen {
			t.Fatalf("unexpected order %+v", o)
		}
	}

	snap, err := f.mgr.Book(ctx, f.market.ID, model.OutcomeYes, 0)
	if err != nil {
		t.Fatalf("book: %v", err)
	}
	if len(snap.Bids) != 1 || !snap.Bids[0].Size.Equal(d("150")) {
		t.Fatalf("unexpected bids %+v", snap.Bids)
	}
	if len(snap.Asks) != 1 || !snap.Asks[0].Price.Equal(d("0.55")) {
		t.Fatalf("unexpected asks %+v", snap.Asks)
	}
	no, _ := f.mgr.Book(ctx, f.market.ID, model.OutcomeNo, 0)
	if len(no.Bids) != 1 || len(no.Asks) != 0 {
		t.Fatalf("NO book mixed with YES orders: %+v", no)
	}
	if n := f.rec.count("book_snapshot"); n != 4 {
		t.Fatalf("expected 4 book snapshots published, got %d", n)
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	cases := map[string]model.PlaceOrderReq{
		"off tick":    {Outcome: model.OutcomeYes, Side: model.SideBuy, Price: d("0.455"), Size: d("1")},
		"price >= 1":  {Outcome: model.OutcomeYes, Side: model.SideBuy, Price: d("1"), Size: d("1")},
		"zero size":   {Outcome: model.OutcomeYes, Side: model.SideSell, Price: d("0.5"), Size: d("0")},
		"bad outcome": {Outcome: model.Outcome("MAYBE"), Side: model.SideBuy, Price: d("0.5"), Size: d("1")},
		"bad side":    {Outcome: model.OutcomeYes, Side: model.OrderSide("HOLD"), Price: d("0.5"), Size: d("1")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := eng.PlaceOrder(context.Background(), f.alice, req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng := f.engine(t)

	o, err := eng.PlaceOrder(ctx, f.alice, model.PlaceOrderReq{
		Outcome: model.OutcomeYes, Side: model.SideBuy, Price: d("0.45"), Size: d("10"),
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if err := eng.CancelOrder(ctx, o.ID, f.bob); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := eng.CancelOrder(ctx, "missing", f.alice); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if err := eng.CancelOrder(ctx, o.ID, f.alice); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := eng.CancelOrder(ctx, o.ID, f.alice); !errors.Is(err, ErrNotCancelable) {
		t.Fatalf("expected ErrNotCancelable, got %v", err)
	}

	snap, _ := f.mgr.Book(ctx, f.market.ID, model.OutcomeYes, 0)
	if len(snap.Bids) != 0 {
		t.Fatalf("canceled order still on book: %+v", snap.Bids)
	}
}

func TestPlaceTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng := f.engine(t)

	res, err := eng.PlaceTrade(ctx, f.alice, model.PlaceTradeReq{Outcome: model.OutcomeYes, Amount: d("40")})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if !res.Fill.Price.Equal(d("0.4")) {
		t.Fatalf("expected trade at market YES price 0.4, got %s", res.Fill.Price)
	}
	if !res.Position.Shares.Equal(d("100")) {
		t.Fatalf("expected 100 shares, got %s", res.Position.Shares)
	}

	price := d("0.8")
	res, err = eng.PlaceTrade(ctx, f.alice, model.PlaceTradeReq{Outcome: model.OutcomeYes, Amount: d("40"), Price: &price})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if !res.Position.Shares.Equal(d("150")) || !res.Position.Amount.Equal(d("80")) || res.Position.Fills != 2 {
		t.Fatalf("unexpected position %+v", res.Position)
	}
	if !res.Market.YesPrice.Equal(d("0.8")) || !res.Market.Volume.Equal(d("80")) {
		t.Fatalf("unexpected market after trade %+v", res.Market)
	}

	w, _ := f.store.GetWallet(ctx, f.alice)
	if !w.Balance.Equal(d("920")) {
		t.Fatalf("expected balance 920, got %s", w.Balance)
	}
	if f.rec.count("trade") != 2 || f.rec.count("market") != 2 {
		t.Fatalf("expected trade and market pushes, got %+v", f.rec.msgs)
	}

	pf, err := f.mgr.Portfolio(ctx, f.alice, model.MarkLast)
	if err != nil {
		t.Fatalf("portfolio: %v", err)
	}
	if len(pf.Positions) != 1 || !pf.Cash.Equal(d("920")) || !pf.Invested.Equal(d("80")) {
		t.Fatalf("unexpected portfolio %+v", pf)
	}
	// 150 shares marked at 0.8
	if !pf.UnrealizedPnL.Equal(d("40")) {
		t.Fatalf("expected pnl 40, got %s", pf.UnrealizedPnL)
	}
}

func TestPlaceTradeNoUsesComplement(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine(t).PlaceTrade(context.Background(), f.bob, model.PlaceTradeReq{Outcome: model.OutcomeNo, Amount: d("60")})
	if err != nil {
		t.Fatalf("trade: %v", err)
	}
	if !res.Fill.Price.Equal(d("0.6")) {
		t.Fatalf("expected NO priced at 1-0.4, got %s", res.Fill.Price)
	}
	if !res.Market.YesPrice.Equal(d("0.4")) {
		t.Fatalf("NO trade at 0.6 implies YES 0.4, got %s", res.Market.YesPrice)
	}
}

func TestPlaceTradeInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.engine(t).PlaceTrade(ctx, f.alice, model.PlaceTradeReq{Outcome: model.OutcomeYes, Amount: d("1000.01")})
	if !errors.Is(err, db.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	fills, _ := f.store.LoadFills(ctx, f.alice)
	if len(fills) != 0 {
		t.Fatalf("rejected trade left %d fills", len(fills))
	}
}

func TestPlaceTradeValidation(t *testing.T) {
	f := newFixture(t)
	eng := f.engine(t)
	high := d("1.2")
	for name, req := range map[string]model.PlaceTradeReq{
		"zero amount": {Outcome: model.OutcomeYes, Amount: d("0")},
		"price >= 1":  {Outcome: model.OutcomeYes, Amount: d("1"), Price: &high},
		"bad outcome": {Outcome: model.Outcome(""), Amount: d("1")},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := eng.PlaceTrade(context.Background(), f.alice, req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestPositionsMarkToMid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng := f.engine(t)

	price := d("0.45")
	if _, err := eng.PlaceTrade(ctx, f.alice, model.PlaceTradeReq{Outcome: model.OutcomeYes, Amount: d("45"), Price: &price}); err != nil {
		t.Fatalf("trade: %v", err)
	}
	last, err := f.mgr.Positions(ctx, f.alice, model.MarkLast)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(last) != 1 || !last[0].MarkPrice.Equal(d("0.45")) {
		t.Fatalf("unexpected positions %+v", last)
	}

	// one-sided book: mid falls back to the last trade
	if _, err := eng.PlaceOrder(ctx, f.bob, model.PlaceOrderReq{Outcome: model.OutcomeYes, Side: model.SideBuy, Price: d("0.50"), Size: d("5")}); err != nil {
		t.Fatalf("place: %v", err)
	}
	mid, _ := f.mgr.Positions(ctx, f.alice, model.MarkMid)
	if !mid[0].MarkPrice.Equal(d("0.45")) {
		t.Fatalf("expected last-trade mark with one-sided book, got %s", mid[0].MarkPrice)
	}

	if _, err := eng.PlaceOrder(ctx, f.bob, model.PlaceOrderReq{Outcome: model.OutcomeYes, Side: model.SideSell, Price: d("0.60"), Size: d("5")}); err != nil {
		t.Fatalf("place: %v", err)
	}
	mid, err = f.mgr.Positions(ctx, f.alice, model.MarkMid)
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if !mid[0].MarkPrice.Equal(d("0.55")) {
		t.Fatalf("expected mid mark 0.55, got %s", mid[0].MarkPrice)
	}
	// 100 shares at 0.55 against 45 invested
	if !mid[0].UnrealizedPnL.Equal(d("10")) {
		t.Fatalf("expected pnl 10, got %s", mid[0].UnrealizedPnL)
	}
}

func TestCloseMarket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng := f.engine(t)

	if err := f.mgr.CloseMarket(ctx, f.market.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.mgr.GetEngine(f.market.ID) != nil {
		t.Fatal("engine still registered after close")
	}
	mkt, _ := f.store.GetMarket(ctx, f.market.ID)
	if mkt.Status != model.MarketClosed {
		t.Fatalf("expected CLOSED, got %s", mkt.Status)
	}
	_, err := eng.PlaceOrder(ctx, f.alice, model.PlaceOrderReq{Outcome: model.OutcomeYes, Side: model.SideBuy, Price: d("0.5"), Size: d("1")})
	if !errors.Is(err, ErrEngineStopped) {
		t.Fatalf("expected ErrEngineStopped, got %v", err)
	}
	if err := f.mgr.CloseMarket(ctx, f.market.ID); !errors.Is(err, ErrMarketClosed) {
		t.Fatalf("expected ErrMarketClosed on second close, got %v", err)
	}
	if err := f.mgr.StartEngine(ctx, f.market.ID); !errors.Is(err, ErrMarketClosed) {
		t.Fatalf("expected ErrMarketClosed, got %v", err)
	}
	if err := f.mgr.CloseMarket(ctx, "missing"); !errors.Is(err, ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestCloseMarketCancelsRestingOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	eng := f.engine(t)

	var ids []string
	for _, req := range []model.PlaceOrderReq{
		{Outcome: model.OutcomeYes, Side: model.SideBuy, Price: d("0.45"), Size: d("10")},
		{Outcome: model.OutcomeNo, Side: model.SideSell, Price: d("0.70"), Size: d("5")},
	} {
		o, err := eng.PlaceOrder(ctx, f.alice, req)
		if err != nil {
			t.Fatalf("place order: %v", err)
		}
		ids = append(ids, o.ID)
	}
	before := f.rec.count("book_snapshot")

	if err := f.mgr.CloseMarket(ctx, f.market.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	for _, id := range ids {
		o, _ := f.store.GetOrder(ctx, id)
		if o.Status != model.StatusCanceled {
			t.Fatalf("order %s left %s after close", id, o.Status)
		}
	}
	for _, outcome := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
		snap, err := f.mgr.Book(ctx, f.market.ID, outcome, 0)
		if err != nil {
			t.Fatalf("book: %v", err)
		}
		if len(snap.Bids) != 0 || len(snap.Asks) != 0 {
			t.Fatalf("%s book not empty after close: %+v", outcome, snap)
		}
	}
	if n := f.rec.count("book_snapshot") - before; n != 2 {
		t.Fatalf("expected both emptied books published, got %d", n)
	}
}

// A trade that reached the market goroutine is reported even when the caller
// gives up while it is being recorded.
func TestPlaceTradeOutlivesCanceledContext(t *testing.T) {
	gs := &gatedStore{}
	f := newFixtureWith(t, gs.wrap, nil)
	eng := f.engine(t)
	g := gs.armFill()

	ctx, cancel := context.WithCancel(context.Background())
	type reply struct {
		res *model.PlaceTradeResult
		err error
	}
	done := make(chan reply, 1)
	go func() {
		r, err := eng.PlaceTrade(ctx, f.alice, model.PlaceTradeReq{Outcome: model.OutcomeYes, Amount: d("10")})
		done <- reply{r, err}
	}()

	<-g.reached
	cancel()
	close(g.release)
	r := <-done
	if r.err != nil {
		t.Fatalf("expected the recorded trade, got %v", r.err)
	}
	fills, _ := f.store.LoadFills(context.Background(), f.alice)
	if len(fills) != 1 || fills[0].ID != r.res.Fill.ID {
		t.Fatalf("unexpected fills %+v", fills)
	}
}

func TestBookUnknownMarket(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.Book(context.Background(), "missing", model.OutcomeYes, 0); !errors.Is(err, ErrMarketNotFound) {
		t.Fatalf("expected ErrMarketNotFound, got %v", err)
	}
	if _, err := f.mgr.Book(context.Background(), f.market.ID, model.Outcome("yes"), 0); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
