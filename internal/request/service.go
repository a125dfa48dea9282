package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"linkpay/internal/common/money"
)

// ErrUsageLimitBelowUses is returned when an edit would set the usage limit
// under the number of settlements already captured.
var ErrUsageLimitBelowUses = errors.New("usage limit below current uses")

// Store persists payment requests.
type Store interface {
	Create(ctx context.Context, r *PaymentRequest) error
	GetByToken(ctx context.Context, token string) (*PaymentRequest, error)
	GetByID(ctx context.Context, id string) (*PaymentRequest, error)
	ListByOwner(ctx context.Context, ownerUserID string, limit, offset int) ([]*PaymentRequest, error)
	Update(ctx context.Context, r *PaymentRequest) error
	Delete(ctx context.Context, id string) error
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *Envelope) error
}

// CheckoutProvider builds the external checkout redirect URL for a request.
type CheckoutProvider interface {
	PaymentURL(ctx context.Context, r *PaymentRequest) (string, error)
}

// Service orchestrates payment-request operations.
type Service struct {
	store     Store
	publisher Publisher
	checkout  CheckoutProvider
	logger    *slog.Logger
}

// NewService creates a new request service.
func NewService(store Store, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// SetCheckoutProvider sets the external checkout provider.
func (s *Service) SetCheckoutProvider(p CheckoutProvider) { s.checkout = p }

// CreateParams are the inputs for creating a payment request.
type CreateParams struct {
	Kind             Kind
	Title            string
	Currency         money.Currency
	Amount           *money.Money // gross; wins over Net when both set
	Net              *money.Money // net; gross derived at the VAT rate
	MinAmount        *money.Money
	VATRate          float64
	Fee              money.FeeConfig
	ShowFeeBreakdown bool
	UsageLimit       *int
	ExpiresAt        *time.Time
	OwnerUserID      string
	CreatedBy        string
	VATExempt        bool
	Draft            bool
}

// CreateResult is returned from request creation.
type CreateResult struct {
	Request     *PaymentRequest `json:"request"`
	CheckoutURL string          `json:"checkout_url,omitempty"`
}

// Create builds, validates and persists a new payment request and returns its
// public token.
func (s *Service) Create(ctx context.Context, p CreateParams) (*CreateResult, error) {
	r, err := NewPaymentRequest(p.Kind, p.Title, p.Currency, p.OwnerUserID, p.CreatedBy)
	if err != nil {
		return nil, err
	}

	r.VATRate = p.VATRate
	r.MinAmount = p.MinAmount
	r.ShowFeeBreakdown = p.ShowFeeBreakdown
	r.UsageLimit = p.UsageLimit
	r.ExpiresAt = p.ExpiresAt
	r.VATExempt = p.VATExempt
	if p.Draft {
		r.Status = StatusDraft
	}
	if p.Kind == KindGift {
		r.Fee = p.Fee
	}

	switch {
	case p.Amount != nil:
		r.SetGross(*p.Amount)
	case p.Net != nil:
		r.SetNet(*p.Net)
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}

	result := &CreateResult{Request: r}
	if s.checkout != nil && r.Status == StatusActive {
		url, err := s.checkout.PaymentURL(ctx, r)
		if err != nil {
			// The hosted pay page still works without the external link.
			s.logger.Warn("checkout link creation failed",
				"request_id", r.ID,
				"error", err,
			)
		} else {
			result.CheckoutURL = url
		}
	}

	s.publish(ctx, SubjectRequestCreated, EventRequestCreated, r)

	s.logger.Info("payment request created",
		"request_id", r.ID,
		"kind", r.Kind,
		"currency", r.Currency,
		"status", r.Status,
	)

	return result, nil
}

// PublicView is the payer-safe projection of a payment request.
type PublicView struct {
	Token            string           `json:"token"`
	Kind             Kind             `json:"kind"`
	Title            string           `json:"title"`
	Currency         money.Currency   `json:"currency"`
	Amount           *money.Money     `json:"amount,omitempty"`
	MinAmount        *money.Money     `json:"min_amount,omitempty"`
	VATRate          float64          `json:"vat_rate"`
	VATAmount        *money.Money     `json:"vat_amount,omitempty"`
	Status           Status           `json:"status"`
	Payable          bool             `json:"payable"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
	FeeBreakdown     *money.GiftQuote `json:"fee_breakdown,omitempty"`
	ShowFeeBreakdown bool             `json:"show_fee_breakdown"`
}

// GetPublic returns the public projection for a token, with expiry evaluated
// lazily against the current clock.
func (s *Service) GetPublic(ctx context.Context, token string) (*PublicView, error) {
	r, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	payable, _ := r.IsPayableAt(now)

	view := &PublicView{
		Token:            r.Token,
		Kind:             r.Kind,
		Title:            r.Title,
		Currency:         r.Currency,
		Amount:           r.Amount,
		MinAmount:        r.MinAmount,
		VATRate:          r.VATRate,
		VATAmount:        r.VATAmount,
		Status:           r.EffectiveStatus(now),
		Payable:          payable,
		ExpiresAt:        r.ExpiresAt,
		ShowFeeBreakdown: r.ShowFeeBreakdown,
	}

	if r.Kind == KindGift && r.ShowFeeBreakdown && r.Amount != nil {
		quote := money.QuoteGiftFee(*r.Amount, r.Fee, r.VATRate)
		view.FeeBreakdown = &quote
	}

	return view, nil
}

// GetByToken returns the full entity for owner-side reads.
func (s *Service) GetByToken(ctx context.Context, token string) (*PaymentRequest, error) {
	return s.store.GetByToken(ctx, token)
}

// ListByOwner lists an owner's requests.
func (s *Service) ListByOwner(ctx context.Context, ownerUserID string, limit, offset int) ([]*PaymentRequest, error) {
	return s.store.ListByOwner(ctx, ownerUserID, limit, offset)
}

// EditParams are the partial inputs accepted by Edit. Nil fields are left
// untouched.
type EditParams struct {
	Title            *string
	Amount           *money.Money // gross; VAT re-derived
	Net              *money.Money // net; gross and VAT re-derived
	MinAmount        *money.Money
	VATRate          *float64
	FeeMode          *money.FeeMode
	FeeFixedMinor    *int64
	FeePercent       *float64
	ShowFeeBreakdown *bool
	UsageLimit       *int
	ExpiresAt        *time.Time
}

// Edit applies a partial update, keeping gross/net/VAT in sync:
// a supplied net derives the gross, a supplied gross derives the VAT, and a
// VAT-rate change alone re-derives the VAT from the stored gross.
func (s *Service) Edit(ctx context.Context, token string, p EditParams) (*PaymentRequest, error) {
	r, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.MinAmount != nil {
		r.MinAmount = p.MinAmount
	}
	if p.FeeMode != nil {
		r.Fee.Mode = *p.FeeMode
	}
	if p.FeeFixedMinor != nil {
		r.Fee.FixedMinor = *p.FeeFixedMinor
	}
	if p.FeePercent != nil {
		r.Fee.Percent = *p.FeePercent
	}
	if p.ShowFeeBreakdown != nil {
		r.ShowFeeBreakdown = *p.ShowFeeBreakdown
	}
	if p.ExpiresAt != nil {
		r.ExpiresAt = p.ExpiresAt
	}

	if p.UsageLimit != nil {
		if *p.UsageLimit < r.Uses {
			return nil, fmt.Errorf("%w: limit %d, uses %d", ErrUsageLimitBelowUses, *p.UsageLimit, r.Uses)
		}
		r.UsageLimit = p.UsageLimit
	}

	rateChanged := false
	if p.VATRate != nil && *p.VATRate != r.VATRate {
		r.VATRate = *p.VATRate
		rateChanged = true
	}

	switch {
	case p.Net != nil:
		r.SetNet(*p.Net)
	case p.Amount != nil:
		r.SetGross(*p.Amount)
	case rateChanged:
		r.SyncVAT()
	}

	if err := r.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}

	s.publish(ctx, SubjectRequestUpdated, EventRequestUpdated, r)

	s.logger.Info("payment request updated", "request_id", r.ID)
	return r, nil
}

// Activate publishes a draft request.
func (s *Service) Activate(ctx context.Context, token string) (*PaymentRequest, error) {
	r, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := r.Activate(); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}

	s.publish(ctx, SubjectRequestUpdated, EventRequestUpdated, r)

	s.logger.Info("payment request activated", "request_id", r.ID)
	return r, nil
}

// Cancel administratively closes a request.
func (s *Service) Cancel(ctx context.Context, token string) (*PaymentRequest, error) {
	r, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if err := r.Cancel(); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}

	s.publish(ctx, SubjectRequestCanceled, EventRequestCanceled, r)

	s.logger.Info("payment request canceled", "request_id", r.ID)
	return r, nil
}

// Delete removes a request entirely. Captured payments keep their request
// reference for audit; this is a flagged administrative operation, not a
// soft delete.
func (s *Service) Delete(ctx context.Context, token string) error {
	r, err := s.store.GetByToken(ctx, token)
	if err != nil {
		return err
	}
	if err := s.store.Delete(ctx, r.ID); err != nil {
		return err
	}

	s.publish(ctx, SubjectRequestDeleted, EventRequestDeleted, r)

	s.logger.Info("payment request deleted", "request_id", r.ID)
	return nil
}

func (s *Service) publish(ctx context.Context, subject string, eventType EventType, r *PaymentRequest) {
	if s.publisher == nil {
		return
	}
	env, err := NewEnvelope(eventType, r.ID, newRequestEvent(r))
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, subject, env); err != nil {
		s.logger.Warn("event publish failed",
			"subject", subject,
			"request_id", r.ID,
			"error", err,
		)
	}
}
