package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"climate-exchange/internal/metrics"
	"climate-exchange/internal/model"
)

// PublishFunc broadcasts a WS message for a market.
type PublishFunc func(marketID, msgType string, data any)

// Store is the data layer the engine reads and writes through.
type Store interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	ListMarkets(ctx context.Context, f model.MarketFilter) ([]model.Market, error)
	SetMarketStatus(ctx context.Context, id string, status model.MarketStatus) error
	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	CancelOrder(ctx context.Context, id string) error
	LoadOrders(ctx context.Context, marketID string) ([]model.Order, error)
	RecordFill(ctx context.Context, f *model.Fill) (*model.Market, error)
	LoadFills(ctx context.Context, userID string) ([]model.Fill, error)
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)
}

// BookCache holds full (undepthed) book snapshots. Only the market goroutine
// calls Set; readers fill a miss with SetIfAbsent so a snapshot built before a
// concurrent write can never replace the one that write produced.
type BookCache interface {
	Get(ctx context.Context, marketID string, outcome model.Outcome) (*model.BookSnapshot, error)
	Set(ctx context.Context, snap model.BookSnapshot) error
	SetIfAbsent(ctx context.Context, snap model.BookSnapshot) error
	Invalidate(ctx context.Context, marketID string) error
}

type Options struct {
	Publish PublishFunc
	Cache   BookCache // optional
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Depth   int // default levels per side in Book
}

// ── Manager ──────────────────────────────────────────

type Manager struct {
	engines map[string]*MarketEngine
	mu      sync.RWMutex
	store   Store
	publish PublishFunc
	cache   BookCache
	metrics *metrics.Metrics
	logger  *slog.Logger
	depth   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(store Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	depth := opts.Depth
	if depth <= 0 {
		depth = 20
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		engines: make(map[string]*MarketEngine),
		store:   store,
		publish: opts.Publish,
		cache:   opts.Cache,
		metrics: opts.Metrics,
		logger:  logger.With("component", "engine"),
		depth:   depth,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Boot starts an engine for every open market.
func (m *Manager) Boot(ctx context.Context) error {
	markets, err := m.store.ListMarkets(ctx, model.MarketFilter{Status: model.MarketOpen})
	if err != nil {
		return err
	}
	for _, mkt := range markets {
		if err := m.StartEngine(ctx, mkt.ID); err != nil {
			return fmt.Errorf("boot %s: %w", mkt.ID, err)
		}
	}
	m.logger.Info("engines_booted", "markets", len(markets))
	return nil
}

func (m *Manager) StartEngine(ctx context.Context, marketID string) error {
	mkt, err := m.store.GetMarket(ctx, marketID)
	if err != nil {
		return err
	}
	if mkt == nil {
		return ErrMarketNotFound
	}
	if mkt.Status != model.MarketOpen {
		return ErrMarketClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.engines[marketID]; ok {
		return nil
	}
	eng := &MarketEngine{
		marketID: marketID,
		mgr:      m,
		cmdCh:    make(chan command, 64),
		done:     make(chan struct{}),
		logger:   m.logger.With("market_id", marketID),
	}
	m.engines[marketID] = eng
	m.wg.Add(1)
	// the engine outlives the request that started it
	go func() {
		defer m.wg.Done()
		eng.run(m.ctx)
	}()
	return nil
}

func (m *Manager) GetEngine(marketID string) *MarketEngine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.engines[marketID]
}

// CloseMarket stops trading on a market and shuts its engine down.
func (m *Manager) CloseMarket(ctx context.Context, marketID string) error {
	eng := m.GetEngine(marketID)
	if eng == nil {
		mkt, err := m.store.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		if mkt == nil {
			return ErrMarketNotFound
		}
		return ErrMarketClosed
	}
	if err := eng.close(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.engines, marketID)
	m.mu.Unlock()
	return nil
}

// Close stops every engine and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Book returns the aggregated book of one outcome of a market, best levels
// first, limited to depth levels per side (<= 0 uses the default).
func (m *Manager) Book(ctx context.Context, marketID string, outcome model.Outcome, depth int) (model.BookSnapshot, error) {
	if !outcome.Valid() {
		return model.BookSnapshot{}, fmt.Errorf("%w: outcome %q", ErrInvalidRequest, outcome)
	}
	mkt, err := m.store.GetMarket(ctx, marketID)
	if err != nil {
		return model.BookSnapshot{}, err
	}
	if mkt == nil {
		return model.BookSnapshot{}, ErrMarketNotFound
	}
	if depth <= 0 {
		depth = m.depth
	}

	if m.cache != nil {
		snap, err := m.cache.Get(ctx, marketID, outcome)
		if err != nil {
			m.logger.Warn("book_cache_get_failed", "market_id", marketID, "error", err)
			m.metrics.RecordError("book_cache", "get")
		}
		m.metrics.RecordCacheLookup(snap != nil)
		if snap != nil {
			return trimBook(*snap, depth), nil
		}
	}

	snap, err := m.buildBook(ctx, mkt, outcome)
	if err != nil {
		return model.BookSnapshot{}, err
	}
	if m.cache != nil {
		if err := m.cache.SetIfAbsent(ctx, snap); err != nil {
			m.logger.Warn("book_cache_set_failed", "market_id", mkt.ID, "error", err)
			m.metrics.RecordError("book_cache", "set")
		}
	}
	return trimBook(snap, depth), nil
}

// Positions replays a user's fills into positions, marked at the last trade
// or, with MarkMid, at the book midpoint where both sides are quoted.
func (m *Manager) Positions(ctx context.Context, userID string, mark model.MarkSource) ([]model.Position, error) {
	fills, err := m.store.LoadFills(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := ReplayFills(fills)
	if err != nil {
		m.metrics.RecordError("engine", "replay")
		return nil, err
	}
	if mark != model.MarkMid {
		return positions, nil
	}

	mids := make(map[string]*decimal.Decimal)
	for i, p := range positions {
		key := p.MarketID + ":" + string(p.Outcome)
		mid, seen := mids[key]
		if !seen {
			snap, err := m.Book(ctx, p.MarketID, p.Outcome, 1)
			if err != nil {
				return nil, fmt.Errorf("mark %s: %w", key, err)
			}
			if v, ok := Midpoint(snap.Bids, snap.Asks); ok {
				mid = &v
			}
			mids[key] = mid
		}
		if mid != nil {
			positions[i] = Revalue(p, *mid)
		}
	}
	return positions, nil
}

// Portfolio is Positions plus totals and the wallet balance.
func (m *Manager) Portfolio(ctx context.Context, userID string, mark model.MarkSource) (model.Portfolio, error) {
	positions, err := m.Positions(ctx, userID, mark)
	if err != nil {
		return model.Portfolio{}, err
	}
	cash := decimal.Zero
	w, err := m.store.GetWallet(ctx, userID)
	if err != nil {
		return model.Portfolio{}, err
	}
	if w != nil {
		cash = w.Balance
	}
	return BuildPortfolio(positions, cash), nil
}

// buildBook aggregates the open orders of one outcome.
func (m *Manager) buildBook(ctx context.Context, mkt *model.Market, outcome model.Outcome) (model.BookSnapshot, error) {
	start := time.Now()
	orders, err := m.store.LoadOrders(ctx, mkt.ID)
	if err != nil {
		return model.BookSnapshot{}, err
	}
	var side []model.Order
	for _, o := range orders {
		if o.Outcome == outcome {
			side = append(side, o)
		}
	}
	bids, asks, err := AggregateBook(side, WithTickSize(mkt.TickSize))
	if err != nil {
		m.metrics.RecordError("engine", "aggregate")
		return model.BookSnapshot{}, err
	}
	m.metrics.RecordAggregation(time.Since(start))
	return model.BookSnapshot{MarketID: mkt.ID, Outcome: outcome, Bids: bids, Asks: asks}, nil
}

// refreshBook rebuilds a book after a write and overwrites the cached copy.
// Called only from the market goroutine.
func (m *Manager) refreshBook(ctx context.Context, mkt *model.Market, outcome model.Outcome) (model.BookSnapshot, error) {
	snap, err := m.buildBook(ctx, mkt, outcome)
	if err != nil {
		return model.BookSnapshot{}, err
	}
	if m.cache != nil {
		if err := m.cache.Set(ctx, snap); err != nil {
			m.logger.Warn("book_cache_set_failed", "market_id", mkt.ID, "error", err)
			m.metrics.RecordError("book_cache", "set")
		}
	}
	return snap, nil
}

func trimBook(snap model.BookSnapshot, depth int) model.BookSnapshot {
	if depth > 0 && len(snap.Bids) > depth {
		snap.Bids = snap.Bids[:depth]
	}
	if depth > 0 && len(snap.Asks) > depth {
		snap.Asks = snap.Asks[:depth]
	}
	return snap
}

// ── MarketEngine ─────────────────────────────────────

// MarketEngine serializes every write to one market through a single
// goroutine.
type MarketEngine struct {
	marketID string
	mgr      *Manager
	cmdCh    chan command
	done     chan struct{}
	logger   *slog.Logger
}

func (e *MarketEngine) run(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
			if _, stop := cmd.(closeCmd); stop {
				return
			}
		}
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *MarketEngine) }

type result[T any] struct {
	val T
	err error
}

type placeCmd struct {
	ctx    context.Context
	req    model.PlaceOrderReq
	userID string
	ch     chan<- result[*model.Order]
}

type cancelCmd struct {
	ctx     context.Context
	orderID string
	userID  string
	ch      chan<- result[struct{}]
}

type tradeCmd struct {
	ctx    context.Context
	req    model.PlaceTradeReq
	userID string
	ch     chan<- result[*model.PlaceTradeResult]
}

type closeCmd struct {
	ctx context.Context
	ch  chan<- result[struct{}]
}

func (c placeCmd) exec(e *MarketEngine) {
	o, err := e.processOrder(c.ctx, c.userID, c.req)
	c.ch <- result[*model.Order]{o, err}
}

func (c cancelCmd) exec(e *MarketEngine) {
	c.ch <- result[struct{}]{err: e.cancelOrder(c.ctx, c.orderID, c.userID)}
}

func (c tradeCmd) exec(e *MarketEngine) {
	r, err := e.processTrade(c.ctx, c.userID, c.req)
	c.ch <- result[*model.PlaceTradeResult]{r, err}
}

func (c closeCmd) exec(e *MarketEngine) {
	c.ch <- result[struct{}]{err: e.closeMarket(c.ctx)}
}

// submit hands cmd to the market goroutine and waits for its reply. Once the
// command is queued it runs to completion, so the caller waits for the real
// outcome even if ctx is canceled meanwhile.
func submit[T any](ctx context.Context, e *MarketEngine, cmd command, ch <-chan result[T]) (T, error) {
	var zero T
	select {
	case e.cmdCh <- cmd:
	case <-e.done:
		return zero, ErrEngineStopped
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.val, r.err
	case <-e.done:
		// the command may have completed just before shutdown
		select {
		case r := <-ch:
			return r.val, r.err
		default:
			return zero, ErrEngineStopped
		}
	}
}

// PlaceOrder rests a limit order on the book.
func (e *MarketEngine) PlaceOrder(ctx context.Context, userID string, req model.PlaceOrderReq) (*model.Order, error) {
	ch := make(chan result[*model.Order], 1)
	return submit[*model.Order](ctx, e, placeCmd{ctx: ctx, req: req, userID: userID, ch: ch}, ch)
}

func (e *MarketEngine) CancelOrder(ctx context.Context, orderID, userID string) error {
	ch := make(chan result[struct{}], 1)
	_, err := submit[struct{}](ctx, e, cancelCmd{ctx: ctx, orderID: orderID, userID: userID, ch: ch}, ch)
	return err
}

// PlaceTrade records a mock market trade at the requested or current price.
// ctx only bounds the wait for a queue slot; an accepted trade is always
// reported.
func (e *MarketEngine) PlaceTrade(ctx context.Context, userID string, req model.PlaceTradeReq) (*model.PlaceTradeResult, error) {
	ch := make(chan result[*model.PlaceTradeResult], 1)
	return submit[*model.PlaceTradeResult](ctx, e, tradeCmd{ctx: ctx, req: req, userID: userID, ch: ch}, ch)
}

func (e *MarketEngine) close(ctx context.Context) error {
	ch := make(chan result[struct{}], 1)
	_, err := submit[struct{}](ctx, e, closeCmd{ctx: ctx, ch: ch}, ch)
	return err
}

// ── Process Order ────────────────────────────────────

func (e *MarketEngine) openMarket(ctx context.Context) (*model.Market, error) {
	mkt, err := e.mgr.store.GetMarket(ctx, e.marketID)
	if err != nil {
		return nil, err
	}
	if mkt == nil {
		return nil, ErrMarketNotFound
	}
	if mkt.Status != model.MarketOpen {
		return nil, ErrMarketClosed
	}
	return mkt, nil
}

func (e *MarketEngine) processOrder(ctx context.Context, userID string, req model.PlaceOrderReq) (*model.Order, error) {
	mkt, err := e.openMarket(ctx)
	if err != nil {
		return nil, err
	}
	if err := validateOrderReq(req, mkt.TickSize); err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:       uuid.New().String(),
		MarketID: e.marketID,
		UserID:   userID,
		Outcome:  req.Outcome,
		Side:     req.Side,
		Price:    req.Price,
		Size:     req.Size,
		Status:   model.StatusOpen,
	}
	if err := e.mgr.store.InsertOrder(ctx, order); err != nil {
		e.mgr.metrics.RecordError("engine", "insert_order")
		return nil, fmt.Errorf("insert order: %w", err)
	}
	e.mgr.metrics.RecordOrderPlaced(string(order.Side), string(order.Outcome))
	e.logger.Info("order_placed", "order_id", order.ID, "side", order.Side,
		"outcome", order.Outcome, "price", order.Price, "size", order.Size)

	e.publishBook(ctx, mkt, order.Outcome)
	return order, nil
}

func validateOrderReq(req model.PlaceOrderReq, tick decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	switch {
	case !req.Outcome.Valid():
		return fmt.Errorf("%w: outcome must be YES or NO", ErrInvalidRequest)
	case !req.Side.Valid():
		return fmt.Errorf("%w: side must be BUY or SELL", ErrInvalidRequest)
	case !req.Price.IsPositive() || !req.Price.LessThan(one):
		return fmt.Errorf("%w: price must be between 0 and 1", ErrInvalidRequest)
	case tick.IsPositive() && !req.Price.Mod(tick).IsZero():
		return fmt.Errorf("%w: price must be a multiple of tick %s", ErrInvalidRequest, tick)
	case !req.Size.IsPositive():
		return fmt.Errorf("%w: size must be > 0", ErrInvalidRequest)
	}
	return nil
}

// ── Cancel ───────────────────────────────────────────

func (e *MarketEngine) cancelOrder(ctx context.Context, orderID, userID string) error {
	o, err := e.mgr.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o == nil || o.MarketID != e.marketID {
		return ErrOrderNotFound
	}
	if o.UserID != userID {
		return ErrNotOwner
	}
	if o.Status != model.StatusOpen {
		return ErrNotCancelable
	}
	if err := e.mgr.store.CancelOrder(ctx, orderID); err != nil {
		return err
	}
	e.mgr.metrics.RecordOrderCanceled()
	e.logger.Info("order_canceled", "order_id", orderID)

	mkt, err := e.mgr.store.GetMarket(ctx, e.marketID)
	if err == nil && mkt != nil {
		e.publishBook(ctx, mkt, o.Outcome)
	}
	return nil
}

// ── Trades ───────────────────────────────────────────

func (e *MarketEngine) processTrade(ctx context.Context, userID string, req model.PlaceTradeReq) (*model.PlaceTradeResult, error) {
	mkt, err := e.openMarket(ctx)
	if err != nil {
		return nil, err
	}
	if !req.Outcome.Valid() {
		return nil, fmt.Errorf("%w: outcome must be YES or NO", ErrInvalidRequest)
	}
	price := mkt.PriceOf(req.Outcome)
	if req.Price != nil {
		price = *req.Price
	}
	// stored columns carry 8 decimal places
	amount := req.Amount.Round(8)
	price = price.Round(8)
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrInvalidRequest)
	}
	if !price.IsPositive() || !price.LessThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("%w: price must be between 0 and 1", ErrInvalidRequest)
	}

	// current position first, so a bad history fails before anything is written
	fills, err := e.mgr.store.LoadFills(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := ReplayFills(fills)
	if err != nil {
		return nil, err
	}
	var current *model.Position
	for i := range positions {
		if positions[i].MarketID == e.marketID && positions[i].Outcome == req.Outcome {
			current = &positions[i]
			break
		}
	}

	fill := model.Fill{
		ID:       uuid.New().String(),
		UserID:   userID,
		MarketID: e.marketID,
		Outcome:  req.Outcome,
		Amount:   amount,
		Price:    price,
	}
	updated, err := e.mgr.store.RecordFill(ctx, &fill)
	if err != nil {
		return nil, err
	}
	pos, err := ApplyFill(current, fill)
	if err != nil {
		return nil, err
	}

	e.mgr.metrics.RecordFill(string(fill.Outcome), fill.Amount.InexactFloat64())
	e.logger.Info("trade_recorded", "fill_id", fill.ID, "outcome", fill.Outcome,
		"amount", fill.Amount, "price", fill.Price)

	if e.mgr.publish != nil {
		e.mgr.publish(e.marketID, "trade", map[string]any{
			"fill_id": fill.ID, "outcome": fill.Outcome, "amount": fill.Amount,
			"price": fill.Price, "created_at": fill.CreatedAt,
		})
		e.mgr.publish(e.marketID, "market", updated)
	}
	return &model.PlaceTradeResult{Fill: fill, Position: pos, Market: *updated}, nil
}

// ── Close ────────────────────────────────────────────

// closeMarket cancels every resting order, marks the market closed and
// publishes the emptied books.
func (e *MarketEngine) closeMarket(ctx context.Context) error {
	orders, err := e.mgr.store.LoadOrders(ctx, e.marketID)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := e.mgr.store.CancelOrder(ctx, o.ID); err != nil {
			return err
		}
		e.mgr.metrics.RecordOrderCanceled()
		e.logger.Info("order_canceled", "order_id", o.ID, "reason", "market_closed")
	}
	if err := e.mgr.store.SetMarketStatus(ctx, e.marketID, model.MarketClosed); err != nil {
		return err
	}
	e.logger.Info("market_closed", "canceled_orders", len(orders))

	mkt, err := e.mgr.store.GetMarket(ctx, e.marketID)
	if err != nil || mkt == nil {
		return nil
	}
	e.publishBook(ctx, mkt, model.OutcomeYes)
	e.publishBook(ctx, mkt, model.OutcomeNo)
	if e.mgr.publish != nil {
		e.mgr.publish(e.marketID, "market", mkt)
	}
	return nil
}

func (e *MarketEngine) publishBook(ctx context.Context, mkt *model.Market, outcome model.Outcome) {
	snap, err := e.mgr.refreshBook(ctx, mkt, outcome)
	if err != nil {
		e.logger.Error("book_refresh_failed", "outcome", outcome, "error", err)
		if e.mgr.cache != nil {
			_ = e.mgr.cache.Invalidate(ctx, mkt.ID)
		}
		return
	}
	if e.mgr.publish != nil {
		e.mgr.publish(e.marketID, "book_snapshot", trimBook(snap, e.mgr.depth))
	}
}
