package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"climate-exchange/internal/model"
)

// BookOption tunes AggregateBook.
type BookOption func(*bookOptions)

type bookOptions struct {
	tick  decimal.Decimal
	depth int
}

// WithTickSize snaps prices to the tick before grouping: bids down, asks up.
// A zero or negative tick leaves prices untouched.
func WithTickSize(tick decimal.Decimal) BookOption {
	return func(o *bookOptions) { o.tick = tick }
}

// WithDepth keeps only the best n levels per side. n <= 0 keeps all.
func WithDepth(n int) BookOption {
	return func(o *bookOptions) { o.depth = n }
}

// AggregateBook groups open orders into price levels. Bids come back best
// (highest) first, asks best (lowest) first. Orders at the same decimal price
// merge regardless of scale, so 0.75 and 0.750 land on one level.
//
// The book is not checked for crossing.
func AggregateBook(orders []model.Order, opts ...BookOption) (bids, asks []model.PriceLevel, err error) {
	var o bookOptions
	for _, opt := range opts {
		opt(&o)
	}

	bidLevels := make(map[string]*model.PriceLevel)
	askLevels := make(map[string]*model.PriceLevel)
	var bidPrices, askPrices []decimal.Decimal

	for i := range orders {
		ord := &orders[i]
		if err := validateOrder(ord); err != nil {
			return nil, nil, err
		}
		if ord.Side == model.SideBuy {
			addToLevel(bidLevels, &bidPrices, o.snap(ord.Price, false), ord.Size)
		} else {
			addToLevel(askLevels, &askPrices, o.snap(ord.Price, true), ord.Size)
		}
	}

	sort.Slice(bidPrices, func(i, j int) bool { return bidPrices[i].GreaterThan(bidPrices[j]) })
	sort.Slice(askPrices, func(i, j int) bool { return askPrices[i].LessThan(askPrices[j]) })

	return collectLevels(bidLevels, bidPrices, o.depth), collectLevels(askLevels, askPrices, o.depth), nil
}

// BestBid returns the top bid price, if any.
func BestBid(bids []model.PriceLevel) (decimal.Decimal, bool) {
	if len(bids) == 0 {
		return decimal.Zero, false
	}
	return bids[0].Price, true
}

// BestAsk returns the top ask price, if any.
func BestAsk(asks []model.PriceLevel) (decimal.Decimal, bool) {
	if len(asks) == 0 {
		return decimal.Zero, false
	}
	return asks[0].Price, true
}

// Midpoint is the mean of best bid and best ask. It needs both sides.
func Midpoint(bids, asks []model.PriceLevel) (decimal.Decimal, bool) {
	bid, okBid := BestBid(bids)
	ask, okAsk := BestAsk(asks)
	if !okBid || !okAsk {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// ── Internals ────────────────────────────────────────

func validateOrder(o *model.Order) error {
	switch {
	case !o.Side.Valid():
		return fmt.Errorf("%w %s: side %q", ErrInvalidOrder, o.ID, o.Side)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w %s: price must be > 0, got %s", ErrInvalidOrder, o.ID, o.Price)
	case !o.Size.IsPositive():
		return fmt.Errorf("%w %s: size must be > 0, got %s", ErrInvalidOrder, o.ID, o.Size)
	}
	return nil
}

func (o bookOptions) snap(price decimal.Decimal, up bool) decimal.Decimal {
	if !o.tick.IsPositive() {
		return price
	}
	steps := price.Div(o.tick)
	if up {
		steps = steps.Ceil()
	} else {
		steps = steps.Floor()
	}
	snapped := steps.Mul(o.tick)
	if !snapped.IsPositive() {
		// a bid below one tick still belongs on the book
		return o.tick
	}
	return snapped
}

func addToLevel(m map[string]*model.PriceLevel, prices *[]decimal.Decimal, price, size decimal.Decimal) {
	key := price.String()
	level, ok := m[key]
	if !ok {
		level = &model.PriceLevel{Price: price}
		m[key] = level
		*prices = append(*prices, price)
	}
	level.Size = level.Size.Add(size)
	level.Orders++
}

func collectLevels(m map[string]*model.PriceLevel, prices []decimal.Decimal, depth int) []model.PriceLevel {
	n := len(prices)
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]model.PriceLevel, 0, n)
	cum := decimal.Zero
	for _, p := range prices[:n] {
		level := *m[p.String()]
		cum = cum.Add(level.Size)
		level.Total = level.Price.Mul(level.Size)
		level.CumulativeSize = cum
		out = append(out, level)
	}
	return out
}
