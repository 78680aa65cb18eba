package order

// EventTypeCurrentState tags the snapshot sent to an observer on attach.
const EventTypeCurrentState = "CURRENT_STATE"

// Event is published on an order's topic at every transition.
type Event struct {
	Type          string   `json:"type,omitempty"`
	OrderID       string   `json:"orderId"`
	Status        string   `json:"status"`
	Seq           int64    `json:"seq"`
	SelectedVenue string   `json:"selectedVenue,omitempty"`
	Price         *float64 `json:"price,omitempty"`
	TxHash        string   `json:"txHash,omitempty"`
	ExecutedPrice *float64 `json:"executedPrice,omitempty"`
	FailureReason string   `json:"failureReason,omitempty"`
	Attempt       int      `json:"attempt,omitempty"`
	WillRetry     bool     `json:"willRetry,omitempty"`
}

// Terminal reports whether no further events follow this one.
func (e Event) Terminal() bool {
	switch e.Status {
	case StatusConfirmed.Lower(), string(StatusConfirmed):
		return true
	case StatusFailed.Lower(), string(StatusFailed):
		return !e.WillRetry
	default:
		return false
	}
}

// Snapshot renders the persisted record as a CURRENT_STATE event.
func Snapshot(o *Order) Event {
	ev := Event{
		Type:          EventTypeCurrentState,
		OrderID:       o.ID,
		Status:        o.Status.Lower(),
		SelectedVenue: o.SelectedVenue,
		TxHash:        o.TxHash,
		FailureReason: o.FailureReason,
	}
	if o.ExecutionPrice.Valid {
		p := o.ExecutionPrice.Decimal.InexactFloat64()
		ev.ExecutedPrice = &p
	}
	return ev
}

// Float is a helper for the optional numeric event fields.
func Float(v float64) *float64 {
	return &v
}
