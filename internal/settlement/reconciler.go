package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"linkpay/internal/common/database"
	"linkpay/internal/common/money"
	"linkpay/internal/request"
)

// DocType selects which document the external issuer produces.
type DocType string

const (
	DocReceipt        DocType = "receipt"
	DocInvoiceReceipt DocType = "invoice_receipt"
	DocFeeInvoice     DocType = "fee_invoice"
)

// RequestStore is the slice of the request store the reconciler needs.
type RequestStore interface {
	GetByToken(ctx context.Context, token string) (*request.PaymentRequest, error)
	ClaimUse(ctx context.Context, id string, now time.Time) (bool, error)
}

// PaymentStore persists captured payments and their document linkage.
type PaymentStore interface {
	Create(ctx context.Context, p *Payment) error
	GetByTransaction(ctx context.Context, provider, transactionID string) (*Payment, error)
	SetDocument(ctx context.Context, paymentID string, doc DocumentInfo) error
	SetFeeDocument(ctx context.Context, paymentID string, doc DocumentInfo) error
}

// IssueRequest is the input to the external document issuer.
type IssueRequest struct {
	Type          DocType
	Amount        money.Money
	VATRate       float64
	Description   string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
}

// IssuedDocument is the issuer's reply.
type IssuedDocument struct {
	Provider string
	ID       string
	URL      string
}

// DocumentIssuer creates and emails tax documents. Calls are best-effort: a
// failure never affects the captured payment.
type DocumentIssuer interface {
	Issue(ctx context.Context, req IssueRequest) (*IssuedDocument, error)
	Email(ctx context.Context, docID, address string) error
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *request.Envelope) error
}

// Config holds reconciler configuration.
type Config struct {
	// MinGiftMinor is the floor for a net gift contribution (1.00 by default).
	MinGiftMinor int64 `envconfig:"SETTLE_MIN_GIFT_MINOR" default:"100"`
}

// Notification is the external checkout's "payment succeeded" callback,
// delivered at least once.
type Notification struct {
	Token         string
	TransactionID string
	Provider      string
	PaidAmount    money.Money
	// GiftAmount is the payer-declared net contribution on open gifts.
	GiftAmount *money.Money
	EventID    string
	PayerName  string
	PayerEmail string
	PayerPhone string
}

// Result is a settlement outcome. Deduped marks an idempotent replay; Warning
// carries non-fatal degradations (lost usage race, document issuance failure).
type Result struct {
	Payment *Payment `json:"payment"`
	Deduped bool     `json:"deduped"`
	Warning string   `json:"warning,omitempty"`
}

func (r *Result) warn(msg string) {
	if r.Warning != "" {
		r.Warning += "; "
	}
	r.Warning += msg
}

// Reconciler validates external payment notifications against their payment
// request and records each real-world transaction exactly once.
type Reconciler struct {
	requests  RequestStore
	payments  PaymentStore
	issuer    DocumentIssuer
	publisher Publisher
	cfg       Config
	logger    *slog.Logger
}

// NewReconciler creates a new settlement reconciler.
func NewReconciler(requests RequestStore, payments PaymentStore, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.MinGiftMinor <= 0 {
		cfg.MinGiftMinor = 100
	}
	return &Reconciler{
		requests: requests,
		payments: payments,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetIssuer sets the external document issuer.
func (r *Reconciler) SetIssuer(i DocumentIssuer) { r.issuer = i }

// SetPublisher sets the event publisher.
func (r *Reconciler) SetPublisher(p Publisher) { r.publisher = p }

// Settle processes one payment notification. Validation failures return
// typed errors and perform no writes; once the payment record is durable the
// call always reports success, degradations surfacing only as warnings.
// errMissingInput marks a notification missing its identifying fields.
var errMissingInput = errors.New("token and transaction_id are required")

func (r *Reconciler) Settle(ctx context.Context, n Notification) (*Result, error) {
	if n.Token == "" || n.TransactionID == "" {
		return nil, errMissingInput
	}

	// Replays return the prior result with no further side effects.
	if existing, err := r.payments.GetByTransaction(ctx, n.Provider, n.TransactionID); err == nil {
		r.logger.Info("settlement replay detected",
			"transaction_id", n.TransactionID,
			"provider", n.Provider,
			"payment_id", existing.ID,
		)
		return &Result{Payment: existing, Deduped: true}, nil
	} else if !database.IsNotFound(err) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	req, err := r.requests.GetByToken(ctx, n.Token)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(string(n.PaidAmount.Currency), string(req.Currency)) {
		return nil, conflict(ReasonCurrencyMismatch,
			fmt.Sprintf("currency %s does not match request currency %s", n.PaidAmount.Currency, req.Currency))
	}
	paid := money.New(n.PaidAmount.AmountMinor, req.Currency)

	now := time.Now().UTC()
	if ok, why := req.IsPayableAt(now); !ok {
		return nil, conflict(availabilityReason(req, now), why)
	}

	p := &Payment{
		ID:             ulid.Make().String(),
		TransactionID:  n.TransactionID,
		Provider:       n.Provider,
		RequestID:      req.ID,
		OwnerUserID:    req.OwnerUserID,
		EventID:        n.EventID,
		Amount:         paid,
		Currency:       req.Currency,
		AppliedVATRate: req.VATRate,
		Status:         PaymentCaptured,
		PayerName:      n.PayerName,
		PayerEmail:     n.PayerEmail,
		PayerPhone:     n.PayerPhone,
		CreatedAt:      now,
	}

	switch req.Kind {
	case request.KindPayment:
		if req.Amount == nil {
			return nil, fmt.Errorf("request %s has no configured amount", req.ID)
		}
		if !money.WithinTolerance(paid, *req.Amount, money.Tolerance) {
			return nil, amountConflict(ReasonAmountMismatch,
				"paid amount does not match the requested amount", *req.Amount, paid)
		}

	case request.KindGift:
		gift, quote, gerr := r.reconcileGift(req, n, paid)
		if gerr != nil {
			return nil, gerr
		}
		p.GiftAmount = &gift
		p.PlatformFeeBase = &quote.FeeBase
		p.PlatformFeeVAT = &quote.FeeVAT
		p.PlatformFeeTotal = &quote.FeeTotal

	default:
		return nil, fmt.Errorf("request %s has unknown kind %q", req.ID, req.Kind)
	}

	// The financial record must be durable before any external call: a crash
	// after this point never loses a captured payment.
	if err := r.payments.Create(ctx, p); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			existing, gerr := r.payments.GetByTransaction(ctx, n.Provider, n.TransactionID)
			if gerr != nil {
				return nil, fmt.Errorf("re-reading deduped payment: %w", gerr)
			}
			r.logger.Info("settlement raced a concurrent delivery",
				"transaction_id", n.TransactionID,
				"payment_id", existing.ID,
			)
			return &Result{Payment: existing, Deduped: true}, nil
		}
		return nil, err
	}

	result := &Result{Payment: p}

	r.issueDocuments(ctx, req, p, result)

	applied, err := r.requests.ClaimUse(ctx, req.ID, now)
	switch {
	case err != nil:
		r.logger.Error("usage claim failed after capture",
			"request_id", req.ID,
			"payment_id", p.ID,
			"error", err,
		)
		result.warn("usage accounting degraded")
	case !applied:
		// Another settlement consumed the last slot or the request expired
		// mid-flight. The money is captured; report success with a warning.
		r.logger.Warn("usage claim did not apply",
			"request_id", req.ID,
			"payment_id", p.ID,
		)
		result.warn("usage slot not advanced")
	}

	r.publishCaptured(ctx, p)

	r.logger.Info("payment settled",
		"payment_id", p.ID,
		"request_id", req.ID,
		"transaction_id", n.TransactionID,
		"amount", p.Amount.AmountMinor,
		"currency", p.Currency,
	)

	return result, nil
}

// reconcileGift determines the net contribution and verifies the paid total
// against the fee policy.
func (r *Reconciler) reconcileGift(req *request.PaymentRequest, n Notification, paid money.Money) (money.Money, money.GiftQuote, error) {
	var gift money.Money
	switch {
	case n.GiftAmount != nil && n.GiftAmount.AmountMinor >= r.cfg.MinGiftMinor:
		gift = money.New(n.GiftAmount.AmountMinor, req.Currency)
	case req.Amount != nil:
		gift = *req.Amount
	case req.Fee.Mode == money.FeeAddOn:
		gift = money.ReverseGiftNet(paid, req.Fee, req.VATRate)
	default:
		gift = paid
	}

	floor := money.New(r.cfg.MinGiftMinor, req.Currency)
	if req.MinAmount != nil && floor.LessThan(*req.MinAmount) {
		floor = *req.MinAmount
	}
	if gift.LessThan(floor) {
		return money.Money{}, money.GiftQuote{}, amountConflict(ReasonGiftBelowFloor,
			"gift amount is below the minimum", floor, gift)
	}

	quote := money.QuoteGiftFee(gift, req.Fee, req.VATRate)
	if !money.WithinTolerance(quote.PayerTotal, paid, money.Tolerance) {
		return money.Money{}, money.GiftQuote{}, amountConflict(ReasonAmountMismatch,
			"paid amount does not match the fee policy", quote.PayerTotal, paid)
	}
	return gift, quote, nil
}

// issueDocuments invokes the external issuer after capture. Every failure is
// logged and reduced to a warning; the settlement already succeeded.
func (r *Reconciler) issueDocuments(ctx context.Context, req *request.PaymentRequest, p *Payment, result *Result) {
	if r.issuer == nil {
		return
	}

	docType := DocInvoiceReceipt
	if req.VATExempt {
		docType = DocReceipt
	}

	// For add_on gifts the owner's document covers the contribution; the
	// platform fee is invoiced separately below.
	amount := p.Amount
	if req.Kind == request.KindGift && req.Fee.Mode == money.FeeAddOn && p.GiftAmount != nil {
		amount = *p.GiftAmount
	}

	doc := r.issueOne(ctx, p, IssueRequest{
		Type:          docType,
		Amount:        amount,
		VATRate:       p.AppliedVATRate,
		Description:   req.Title,
		CustomerName:  p.PayerName,
		CustomerEmail: p.PayerEmail,
		CustomerPhone: p.PayerPhone,
	}, result)
	p.Doc = doc
	if err := r.payments.SetDocument(ctx, p.ID, doc); err != nil {
		r.logger.Error("persisting document linkage failed", "payment_id", p.ID, "error", err)
	}

	if req.Kind == request.KindGift && req.Fee.Mode == money.FeeAddOn &&
		p.PlatformFeeTotal != nil && p.PlatformFeeTotal.IsPositive() {
		feeDoc := r.issueOne(ctx, p, IssueRequest{
			Type:          DocFeeInvoice,
			Amount:        *p.PlatformFeeTotal,
			VATRate:       p.AppliedVATRate,
			Description:   "Platform fee",
			CustomerName:  p.PayerName,
			CustomerEmail: p.PayerEmail,
			CustomerPhone: p.PayerPhone,
		}, result)
		p.FeeDoc = feeDoc
		if err := r.payments.SetFeeDocument(ctx, p.ID, feeDoc); err != nil {
			r.logger.Error("persisting fee document linkage failed", "payment_id", p.ID, "error", err)
		}
	}
}

func (r *Reconciler) issueOne(ctx context.Context, p *Payment, req IssueRequest, result *Result) DocumentInfo {
	issued, err := r.issuer.Issue(ctx, req)
	if err != nil {
		r.logger.Error("document issuance failed",
			"payment_id", p.ID,
			"doc_type", req.Type,
			"error", err,
		)
		result.warn("document issuance degraded")
		return DocumentInfo{Type: string(req.Type), Status: DocFailed}
	}

	now := time.Now().UTC()
	doc := DocumentInfo{
		Provider: issued.Provider,
		Type:     string(req.Type),
		Status:   DocIssued,
		ID:       issued.ID,
		URL:      issued.URL,
		IssuedAt: &now,
	}

	if p.PayerEmail != "" {
		if err := r.issuer.Email(ctx, issued.ID, p.PayerEmail); err != nil {
			// Mail delivery is never load-bearing.
			r.logger.Warn("document email failed",
				"payment_id", p.ID,
				"doc_id", issued.ID,
				"error", err,
			)
		}
	}

	r.publishDocument(ctx, p, doc)
	return doc
}

func availabilityReason(req *request.PaymentRequest, now time.Time) ConflictReason {
	switch {
	case req.IsExpiredAt(now):
		return ReasonExpired
	case req.Status == request.StatusActive && req.UsageLimit != nil && req.Uses >= *req.UsageLimit:
		return ReasonUsageExhausted
	default:
		return ReasonNotPayable
	}
}

func (r *Reconciler) publishCaptured(ctx context.Context, p *Payment) {
	if r.publisher == nil {
		return
	}
	env, err := request.NewEnvelope(EventPaymentCaptured, p.ID, &PaymentCapturedEvent{
		PaymentID:     p.ID,
		RequestID:     p.RequestID,
		TransactionID: p.TransactionID,
		Provider:      p.Provider,
		Amount:        p.Amount,
		GiftAmount:    p.GiftAmount,
		VATRate:       p.AppliedVATRate,
		Currency:      p.Currency,
		OwnerUserID:   p.OwnerUserID,
	})
	if err != nil {
		return
	}
	if err := r.publisher.Publish(ctx, SubjectPaymentCaptured, env); err != nil {
		r.logger.Warn("event publish failed", "subject", SubjectPaymentCaptured, "error", err)
	}
}

func (r *Reconciler) publishDocument(ctx context.Context, p *Payment, doc DocumentInfo) {
	if r.publisher == nil {
		return
	}
	env, err := request.NewEnvelope(EventDocumentIssued, p.ID, &DocumentIssuedEvent{
		PaymentID: p.ID,
		DocType:   doc.Type,
		DocID:     doc.ID,
		DocURL:    doc.URL,
	})
	if err != nil {
		return
	}
	if err := r.publisher.Publish(ctx, SubjectDocumentIssued, env); err != nil {
		r.logger.Warn("event publish failed", "subject", SubjectDocumentIssued, "error", err)
	}
}
