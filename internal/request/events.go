package request

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"

	"linkpay/internal/common/money"
)

// NATS subjects for payment-link events.
const (
	SubjectRequestCreated  = "paylink.request.created"
	SubjectRequestUpdated  = "paylink.request.updated"
	SubjectRequestCanceled = "paylink.request.canceled"
	SubjectRequestDeleted  = "paylink.request.deleted"
)

// EventType identifies the type of payment-link event.
type EventType string

const (
	EventRequestCreated  EventType = "paylink.request.created"
	EventRequestUpdated  EventType = "paylink.request.updated"
	EventRequestCanceled EventType = "paylink.request.canceled"
	EventRequestDeleted  EventType = "paylink.request.deleted"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType EventType, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// RequestEvent is the payload for request lifecycle events.
type RequestEvent struct {
	RequestID   string         `json:"request_id"`
	Token       string         `json:"token"`
	Kind        Kind           `json:"kind"`
	Status      Status         `json:"status"`
	Currency    money.Currency `json:"currency"`
	Amount      *money.Money   `json:"amount,omitempty"`
	VATRate     float64        `json:"vat_rate"`
	UsageLimit  *int           `json:"usage_limit,omitempty"`
	Uses        int            `json:"uses"`
	OwnerUserID string         `json:"owner_user_id"`
}

func newRequestEvent(r *PaymentRequest) *RequestEvent {
	return &RequestEvent{
		RequestID:   r.ID,
		Token:       r.Token,
		Kind:        r.Kind,
		Status:      r.Status,
		Currency:    r.Currency,
		Amount:      r.Amount,
		VATRate:     r.VATRate,
		UsageLimit:  r.UsageLimit,
		Uses:        r.Uses,
		OwnerUserID: r.OwnerUserID,
	}
}
