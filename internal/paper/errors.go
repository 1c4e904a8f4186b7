package paper

import (
	"errors"
	"fmt"
)

// Rejection causes. Match with errors.Is.
var (
	ErrInsufficientMargin = errors.New("insufficient virtual balance for margin")
	ErrNoBalance          = errors.New("virtual balance exhausted")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrInvalidSide        = errors.New("side must be BUY or SELL")
	ErrInvalidPrice       = errors.New("price must be positive")
	ErrNoPrice            = errors.New("no price available for instrument")
	ErrTradeNotOpen       = errors.New("trade not found or already closed")
	ErrNegativeBalance    = errors.New("balance cannot be negative")
)

// RejectError describes a refused paper operation.
type RejectError struct {
	Op     string // open, average, stoploss, target, balance
	Symbol string
	Err    error
}

func (e *RejectError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("paper %s rejected: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("paper %s %s rejected: %v", e.Op, e.Symbol, e.Err)
}

func (e *RejectError) Unwrap() error { return e.Err }

func reject(op, symbol string, err error) error {
	return &RejectError{Op: op, Symbol: symbol, Err: err}
}
