package engine

import "errors"

// Aggregation errors. These are local validation failures; nothing is
// applied when one is returned.
var (
	ErrInvalidOrder     = errors.New("invalid order")
	ErrInvalidFill      = errors.New("invalid fill")
	ErrPositionMismatch = errors.New("position mismatch")
)

// Market engine errors.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrMarketNotFound = errors.New("market not found")
	ErrMarketClosed   = errors.New("market not open")
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotOwner       = errors.New("not your order")
	ErrNotCancelable  = errors.New("order not cancelable")
	ErrEngineStopped  = errors.New("engine stopped")
)
