package settlement

import (
	"linkpay/internal/common/money"
	"linkpay/internal/request"
)

// NATS subjects for settlement events.
const (
	SubjectPaymentCaptured = "paylink.payment.captured"
	SubjectDocumentIssued  = "paylink.document.issued"
)

// Event types for settlement events.
const (
	EventPaymentCaptured request.EventType = "paylink.payment.captured"
	EventDocumentIssued  request.EventType = "paylink.document.issued"
)

// PaymentCapturedEvent is published after a payment becomes durable.
type PaymentCapturedEvent struct {
	PaymentID     string         `json:"payment_id"`
	RequestID     string         `json:"request_id"`
	TransactionID string         `json:"transaction_id"`
	Provider      string         `json:"provider,omitempty"`
	Amount        money.Money    `json:"amount"`
	GiftAmount    *money.Money   `json:"gift_amount,omitempty"`
	VATRate       float64        `json:"vat_rate"`
	Currency      money.Currency `json:"currency"`
	OwnerUserID   string         `json:"owner_user_id"`
}

// DocumentIssuedEvent is published after the external issuer returns a doc.
type DocumentIssuedEvent struct {
	PaymentID string `json:"payment_id"`
	DocType   string `json:"doc_type"`
	DocID     string `json:"doc_id"`
	DocURL    string `json:"doc_url,omitempty"`
}
