package order

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Request is a swap submission as received from a client.
type Request struct {
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	AmountIn decimal.Decimal `json:"amountIn"`
}

// Validate rejects empty tokens and non-positive amounts.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.TokenIn) == "":
		return &ValidationError{Field: "tokenIn", Reason: "is required"}
	case strings.TrimSpace(r.TokenOut) == "":
		return &ValidationError{Field: "tokenOut", Reason: "is required"}
	case !r.AmountIn.IsPositive():
		return &ValidationError{Field: "amountIn", Reason: "must be positive"}
	}
	return nil
}

// Job is the unit of work queued for one order. Trade parameters are copied
// in so an attempt never needs to read them back from the store.
type Job struct {
	OrderID  string          `json:"orderId"`
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	AmountIn decimal.Decimal `json:"amountIn"`
}

// Validate rejects malformed payloads before they are queued.
func (j Job) Validate() error {
	if strings.TrimSpace(j.OrderID) == "" {
		return &ValidationError{Field: "orderId", Reason: "is required"}
	}
	return Request{TokenIn: j.TokenIn, TokenOut: j.TokenOut, AmountIn: j.AmountIn}.Validate()
}
