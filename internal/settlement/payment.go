// Package settlement turns external payment notifications into durable,
// validated, idempotent capture records.
package settlement

import (
	"time"

	"linkpay/internal/common/money"
)

// PaymentStatus is the state of a captured payment. Payments are written once
// in captured state; only document fields change afterwards.
type PaymentStatus string

const (
	PaymentCaptured PaymentStatus = "captured"
)

// DocStatus tracks best-effort document issuance for a payment.
type DocStatus string

const (
	DocPending DocStatus = "pending"
	DocIssued  DocStatus = "issued"
	DocFailed  DocStatus = "failed"
)

// DocumentInfo is the linkage to an externally issued tax document.
type DocumentInfo struct {
	Provider string     `json:"provider,omitempty"`
	Type     string     `json:"type,omitempty"`
	Status   DocStatus  `json:"status,omitempty"`
	ID       string     `json:"id,omitempty"`
	URL      string     `json:"url,omitempty"`
	IssuedAt *time.Time `json:"issued_at,omitempty"`
}

// Payment is one settled external transaction. The pair
// (Provider, TransactionID) is the idempotency key; Provider may be empty
// when the checkout does not scope its transaction ids.
type Payment struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Provider      string `json:"provider,omitempty"`

	RequestID   string `json:"request_id"`
	OwnerUserID string `json:"owner_user_id"`
	EventID     string `json:"event_id,omitempty"`

	Amount   money.Money    `json:"amount"` // gross paid
	Currency money.Currency `json:"currency"`

	// Gift accounting; zero-valued for fixed payments.
	GiftAmount       *money.Money `json:"gift_amount,omitempty"` // net contribution
	PlatformFeeBase  *money.Money `json:"platform_fee_base,omitempty"`
	PlatformFeeVAT   *money.Money `json:"platform_fee_vat,omitempty"`
	PlatformFeeTotal *money.Money `json:"platform_fee_total,omitempty"`

	// AppliedVATRate is the rate at capture time; never retro-changed.
	AppliedVATRate float64 `json:"applied_vat_rate"`

	Status PaymentStatus `json:"status"`

	PayerName  string `json:"payer_name,omitempty"`
	PayerEmail string `json:"payer_email,omitempty"`
	PayerPhone string `json:"payer_phone,omitempty"`

	Doc    DocumentInfo `json:"doc"`
	FeeDoc DocumentInfo `json:"fee_doc"`

	CreatedAt time.Time `json:"created_at"`
}

// IdempotencyKey returns the provider-scoped transaction identity.
func (p *Payment) IdempotencyKey() (provider, transactionID string) {
	return p.Provider, p.TransactionID
}
