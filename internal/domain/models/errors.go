package models

import "errors"

// Boundary validation errors. These mark malformed input that is counted and
// skipped, never allowed to corrupt window state.
var (
	ErrNilTrade     = errors.New("trade is nil")
	ErrEmptySymbol  = errors.New("trade symbol is empty")
	ErrBadEventTime = errors.New("trade event time must be positive")
	ErrBadPrice     = errors.New("trade price must be finite and positive")
	ErrBadQuantity  = errors.New("trade quantity must be finite and positive")
)
