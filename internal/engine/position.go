package engine

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"climate-exchange/internal/model"
)

// ApplyFill folds one fill into a position and returns the result. A nil
// position opens a new one. pos is never modified, so on error the caller
// still holds the previous state.
//
// The fill price becomes the mark price.
func ApplyFill(pos *model.Position, f model.Fill) (model.Position, error) {
	if !f.Amount.IsPositive() {
		return model.Position{}, fmt.Errorf("%w: amount must be > 0, got %s", ErrInvalidFill, f.Amount)
	}
	if !f.Price.IsPositive() {
		return model.Position{}, fmt.Errorf("%w: price must be > 0, got %s", ErrInvalidFill, f.Price)
	}

	var next model.Position
	if pos == nil {
		next = model.Position{
			UserID:        f.UserID,
			MarketID:      f.MarketID,
			Outcome:       f.Outcome,
			Amount:        f.Amount,
			Shares:        f.Shares(),
			AvgEntryPrice: f.Price,
		}
	} else {
		if pos.UserID != f.UserID || pos.MarketID != f.MarketID || pos.Outcome != f.Outcome {
			return model.Position{}, fmt.Errorf("%w: position %s/%s/%s, fill %s/%s/%s", ErrPositionMismatch,
				pos.UserID, pos.MarketID, pos.Outcome, f.UserID, f.MarketID, f.Outcome)
		}
		next = *pos
		next.Shares = pos.Shares.Add(f.Shares())
		next.Amount = pos.Amount.Add(f.Amount)
		next.AvgEntryPrice = next.Amount.Div(next.Shares)
	}
	next.Fills++
	next.UpdatedAt = f.CreatedAt
	return Revalue(next, f.Price), nil
}

// Revalue marks a position at the given price.
func Revalue(p model.Position, mark decimal.Decimal) model.Position {
	p.MarkPrice = mark
	p.CurrentValue = p.Shares.Mul(mark)
	p.UnrealizedPnL = p.CurrentValue.Sub(p.Amount)
	return p
}

type positionKey struct {
	user    string
	market  string
	outcome model.Outcome
}

// ReplayFills rebuilds every position touched by fills. Fills are applied
// oldest first so each position ends marked at its latest trade; positions
// are returned in order of first appearance.
func ReplayFills(fills []model.Fill) ([]model.Position, error) {
	sorted := make([]model.Fill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	index := make(map[positionKey]int)
	var out []model.Position
	for _, f := range sorted {
		k := positionKey{f.UserID, f.MarketID, f.Outcome}
		i, ok := index[k]
		if !ok {
			p, err := ApplyFill(nil, f)
			if err != nil {
				return nil, fmt.Errorf("fill %s: %w", f.ID, err)
			}
			index[k] = len(out)
			out = append(out, p)
			continue
		}
		p, err := ApplyFill(&out[i], f)
		if err != nil {
			return nil, fmt.Errorf("fill %s: %w", f.ID, err)
		}
		out[i] = p
	}
	if out == nil {
		out = []model.Position{}
	}
	return out, nil
}

// BuildPortfolio totals a set of positions alongside the wallet cash.
func BuildPortfolio(positions []model.Position, cash decimal.Decimal) model.Portfolio {
	pf := model.Portfolio{Positions: positions, Cash: cash}
	for _, p := range positions {
		pf.Invested = pf.Invested.Add(p.Amount)
		pf.CurrentValue = pf.CurrentValue.Add(p.CurrentValue)
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(p.UnrealizedPnL)
	}
	return pf
}
