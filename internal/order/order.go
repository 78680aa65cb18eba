package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status tracks the lifecycle of a swap order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRouting   Status = "ROUTING"
	StatusBuilding  Status = "BUILDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	default:
		return false
	}
}

// Lower returns the lowercase name used on live events.
func (s Status) Lower() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRouting:
		return "routing"
	case StatusBuilding:
		return "building"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return ""
	}
}

// allowed maps a target status to the statuses it may be entered from.
var allowed = map[Status][]Status{
	StatusRouting:   {StatusPending, StatusFailed},
	StatusBuilding:  {StatusRouting},
	StatusSubmitted: {StatusBuilding},
	StatusConfirmed: {StatusSubmitted},
	StatusFailed:    {StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusFailed},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Order is the persisted record of one swap request.
type Order struct {
	ID             string
	TokenIn        string
	TokenOut       string
	AmountIn       decimal.Decimal
	Status         Status
	SelectedVenue  string
	TxHash         string
	ExecutionPrice decimal.NullDecimal
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// New validates the request and builds a PENDING order with a fresh id.
func New(req Request) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Order{
		ID:        uuid.NewString(),
		TokenIn:   req.TokenIn,
		TokenOut:  req.TokenOut,
		AmountIn:  req.AmountIn,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Patch carries the transition-specific fields.
type Patch struct {
	SelectedVenue  string
	TxHash         string
	ExecutionPrice decimal.Decimal
	FailureReason  string
}

// Apply moves the order to the given status and updates the fields owned by
// that transition. The order is left untouched when the edge is not allowed.
func (o *Order) Apply(to Status, p Patch) error {
	if !CanTransition(o.Status, to) {
		return &TransitionError{OrderID: o.ID, From: o.Status, To: to}
	}

	switch to {
	case StatusRouting:
		o.SelectedVenue = ""
		o.TxHash = ""
		o.ExecutionPrice = decimal.NullDecimal{}
		o.FailureReason = ""
	case StatusBuilding:
		o.SelectedVenue = p.SelectedVenue
	case StatusConfirmed:
		if p.SelectedVenue != "" {
			o.SelectedVenue = p.SelectedVenue
		}
		o.TxHash = p.TxHash
		o.ExecutionPrice = decimal.NewNullDecimal(p.ExecutionPrice)
		o.FailureReason = ""
	case StatusFailed:
		o.FailureReason = p.FailureReason
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Job returns the queue payload for this order.
func (o *Order) Job() Job {
	return Job{
		OrderID:  o.ID,
		TokenIn:  o.TokenIn,
		TokenOut: o.TokenOut,
		AmountIn: o.AmountIn,
	}
}
