package model

import (
	"time"

	"github.com/google/uuid"
)

// DefaultFeeFactor is the simulated transaction cost applied to both legs.
const DefaultFeeFactor = 0.001

// Operation is one entry-to-exit round trip tracked by a strategy engine.
// Requested prices are the raw signal prices; EntryPrice and ExitPrice are
// the fee-adjusted fills used for P/L.
type Operation struct {
	ID                  string    `json:"id"`
	InstanceID          string    `json:"instance_id"`
	Symbol              string    `json:"symbol"`
	EntryPriceRequested float64   `json:"entry_price_requested"`
	EntryPrice          float64   `json:"entry_price"`
	EntryTime           time.Time `json:"entry_time"`
	EntryReason         string    `json:"entry_reason"`
	ExitPriceRequested  float64   `json:"exit_price_requested,omitempty"`
	ExitPrice           float64   `json:"exit_price,omitempty"`
	ExitTime            time.Time `json:"exit_time,omitempty"`
	ExitReason          string    `json:"exit_reason,omitempty"`
}

// OpenOperation creates an open operation filled at price × (1 + fee).
func OpenOperation(instanceID, symbol string, price, fee float64, at time.Time, reason string) *Operation {
	return &Operation{
		ID:                  uuid.NewString(),
		InstanceID:          instanceID,
		Symbol:              symbol,
		EntryPriceRequested: price,
		EntryPrice:          price * (1 + fee),
		EntryTime:           at,
		EntryReason:         reason,
	}
}

// Close fills the exit leg at price × (1 − fee).
func (o *Operation) Close(price, fee float64, at time.Time, reason string) {
	o.ExitPriceRequested = price
	o.ExitPrice = price * (1 - fee)
	o.ExitTime = at
	o.ExitReason = reason
}

// IsOpen reports whether the exit leg is still unset.
func (o *Operation) IsOpen() bool {
	return o.ExitPrice == 0
}

// Return is the multiplicative result exit/entry. 1 for open operations.
func (o *Operation) Return() float64 {
	if o.IsOpen() || o.EntryPrice == 0 {
		return 1
	}
	return o.ExitPrice / o.EntryPrice
}

// PL is the fractional profit or loss of a closed operation.
func (o *Operation) PL() float64 {
	return o.Return() - 1
}
