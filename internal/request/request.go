// Package request owns payable-link entities: their money configuration,
// lifecycle state and usage accounting.
package request

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"linkpay/internal/common/money"
)

// Kind distinguishes fixed mandatory payments from voluntary gifts.
type Kind string

const (
	KindPayment Kind = "payment"
	KindGift    Kind = "gift"
)

// Status represents the lifecycle state of a payment request.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaid     Status = "paid"
	StatusExpired  Status = "expired"
	StatusCanceled Status = "canceled"
)

// MinChargeMinor is the floor for any fixed amount (1.00 in major units).
const MinChargeMinor int64 = 100

// tokenBytes of entropy per public token; base64url encodes to 24 characters.
const tokenBytes = 18

// PaymentRequest is a payable link shared with payers.
type PaymentRequest struct {
	ID    string `json:"id"`
	Token string `json:"token"`
	Kind  Kind   `json:"kind"`
	Title string `json:"title"`

	Currency money.Currency `json:"currency"`
	// Amount is the gross amount. Nil for an open-amount gift. For gifts it is
	// the intended gift base; the payer total follows from the fee mode.
	Amount *money.Money `json:"amount,omitempty"`
	// MinAmount bounds a payer-entered amount on open gifts.
	MinAmount *money.Money `json:"min_amount,omitempty"`
	VATRate   float64      `json:"vat_rate"` // percent, 0-100
	// VATAmount is derived from Amount and VATRate and kept in sync on every
	// money edit. Nil whenever Amount is nil.
	VATAmount *money.Money `json:"vat_amount,omitempty"`

	// Fee configuration, gifts only.
	Fee              money.FeeConfig `json:"fee"`
	ShowFeeBreakdown bool            `json:"show_fee_breakdown"`

	Status     Status     `json:"status"`
	UsageLimit *int       `json:"usage_limit,omitempty"` // >= 1 when set
	Uses       int        `json:"uses"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`

	OwnerUserID string `json:"owner_user_id"`
	CreatedBy   string `json:"created_by"`
	// VATExempt snapshots the owner's tax treatment; exempt owners get
	// receipts instead of tax invoices at settlement time.
	VATExempt bool `json:"vat_exempt"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewToken returns an opaque URL-safe token for the public pay link.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewPaymentRequest creates a validated payment request in active state.
func NewPaymentRequest(kind Kind, title string, currency money.Currency, ownerUserID, createdBy string) (*PaymentRequest, error) {
	if kind != KindPayment && kind != KindGift {
		return nil, fmt.Errorf("unknown request kind %q", kind)
	}
	if currency == "" {
		return nil, errors.New("currency is required")
	}
	if ownerUserID == "" {
		return nil, errors.New("owner_user_id is required")
	}

	token, err := NewToken()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &PaymentRequest{
		ID:          ulid.Make().String(),
		Token:       token,
		Kind:        kind,
		Title:       title,
		Currency:    currency,
		Status:      StatusActive,
		OwnerUserID: ownerUserID,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Validate enforces the money and lifecycle invariants.
func (r *PaymentRequest) Validate() error {
	if r.VATRate < 0 || r.VATRate > 100 {
		return fmt.Errorf("vat rate %v out of range", r.VATRate)
	}
	if r.Fee.Percent < 0 || r.Fee.Percent > 100 {
		return fmt.Errorf("fee percent %v out of range", r.Fee.Percent)
	}
	if r.Fee.FixedMinor < 0 {
		return errors.New("fixed fee must not be negative")
	}

	switch r.Kind {
	case KindPayment:
		if r.Amount == nil {
			return errors.New("payment requests require an amount")
		}
	case KindGift:
		if r.Fee.Mode != money.FeeIncluded && r.Fee.Mode != money.FeeAddOn {
			return fmt.Errorf("unknown fee mode %q", r.Fee.Mode)
		}
	}

	if r.Amount != nil {
		if r.Amount.Currency != r.Currency {
			return fmt.Errorf("amount currency %s does not match request currency %s", r.Amount.Currency, r.Currency)
		}
		if r.Amount.AmountMinor < MinChargeMinor {
			return fmt.Errorf("amount %s is below the %s minimum",
				r.Amount, money.New(MinChargeMinor, r.Currency))
		}
	}
	if r.MinAmount != nil && !r.MinAmount.IsPositive() {
		return errors.New("min amount must be positive")
	}

	if r.UsageLimit != nil {
		if *r.UsageLimit < 1 {
			return errors.New("usage limit must be at least 1")
		}
		if r.Uses > *r.UsageLimit {
			return errors.New("uses exceeds usage limit")
		}
	}
	if r.Uses < 0 {
		return errors.New("uses must not be negative")
	}
	return nil
}

// SyncVAT re-derives VATAmount from the current Amount and VATRate.
func (r *PaymentRequest) SyncVAT() {
	if r.Amount == nil {
		r.VATAmount = nil
		return
	}
	vat, _ := money.VATFromGross(*r.Amount, r.VATRate)
	r.VATAmount = &vat
}

// SetGross sets the gross amount and re-derives the VAT portion.
func (r *PaymentRequest) SetGross(gross money.Money) {
	r.Amount = &gross
	r.SyncVAT()
}

// SetNet derives the gross amount from a net amount at the current VAT rate.
func (r *PaymentRequest) SetNet(net money.Money) {
	gross := money.GrossFromNet(net, r.VATRate)
	r.SetGross(gross)
}

// IsExpiredAt reports whether the request's deadline has passed. Expiry is
// evaluated lazily; the stored status is not authoritative once ExpiresAt is
// in the past.
func (r *PaymentRequest) IsExpiredAt(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}

// EffectiveStatus is the status after lazy expiry evaluation.
func (r *PaymentRequest) EffectiveStatus(now time.Time) Status {
	if (r.Status == StatusActive || r.Status == StatusDraft) && r.IsExpiredAt(now) {
		return StatusExpired
	}
	return r.Status
}

// IsPayableAt reports whether a settlement may proceed against this request,
// with the reason it may not.
func (r *PaymentRequest) IsPayableAt(now time.Time) (bool, string) {
	if r.Status != StatusActive {
		return false, fmt.Sprintf("request is %s", r.Status)
	}
	if r.IsExpiredAt(now) {
		return false, "request has expired"
	}
	if r.UsageLimit != nil && r.Uses >= *r.UsageLimit {
		return false, "usage limit reached"
	}
	return true, ""
}

// Activate transitions a draft request to active.
func (r *PaymentRequest) Activate() error {
	if r.Status != StatusDraft {
		return fmt.Errorf("cannot activate a %s request", r.Status)
	}
	r.Status = StatusActive
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Cancel administratively closes the request. Settlements never cancel.
func (r *PaymentRequest) Cancel() error {
	if r.Status == StatusPaid || r.Status == StatusCanceled {
		return fmt.Errorf("cannot cancel a %s request", r.Status)
	}
	r.Status = StatusCanceled
	r.UpdatedAt = time.Now().UTC()
	return nil
}
