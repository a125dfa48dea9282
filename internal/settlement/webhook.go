package settlement

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"linkpay/internal/common/api"
	"linkpay/internal/common/database"
	"linkpay/internal/common/money"
)

// WebhookPayload is the external checkout's settlement callback body.
// Amounts arrive in major units, the way checkout providers report them.
type WebhookPayload struct {
	TransactionID string  `json:"transaction_id" validate:"required"`
	Provider      string  `json:"provider,omitempty"`
	PaidAmount    float64 `json:"paid_amount" validate:"required,gt=0"`
	Currency      string  `json:"currency" validate:"required,len=3"`
	GiftAmount    float64 `json:"gift_amount,omitempty" validate:"omitempty,gt=0"`
	EventID       string  `json:"event_id,omitempty"`
	PayerName     string  `json:"payer_name,omitempty"`
	PayerEmail    string  `json:"payer_email,omitempty" validate:"omitempty,email"`
	PayerPhone    string  `json:"payer_phone,omitempty"`
}

// WebhookResponse acknowledges a settled (or replayed) notification.
type WebhookResponse struct {
	PaymentID string `json:"payment_id"`
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Deduped   bool   `json:"deduped"`
	Warning   string `json:"warning,omitempty"`
	DocURL    string `json:"doc_url,omitempty"`
}

// WebhookHandler receives settlement callbacks for a tokenized pay link.
// Deliveries are at-least-once; replays are acknowledged with 200 and the
// prior result.
type WebhookHandler struct {
	reconciler *Reconciler
	logger     *slog.Logger
}

// NewWebhookHandler creates a new settlement webhook handler.
func NewWebhookHandler(reconciler *Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		logger:     logger,
	}
}

// ServeHTTP handles POST /pay/{token}/settle.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := chi.URLParam(r, "token")
	if token == "" {
		api.BadRequest(w, "token required")
		return
	}

	var payload WebhookPayload
	if err := api.DecodeAndValidate(r, &payload); err != nil {
		api.ValidationError(w, err)
		return
	}

	h.logger.Info("received settlement notification",
		"token", token,
		"transaction_id", payload.TransactionID,
		"provider", payload.Provider,
		"paid_amount", payload.PaidAmount,
	)

	currency := money.Currency(payload.Currency)
	n := Notification{
		Token:         token,
		TransactionID: payload.TransactionID,
		Provider:      payload.Provider,
		PaidAmount:    money.NewFromMajor(payload.PaidAmount, currency),
		EventID:       payload.EventID,
		PayerName:     payload.PayerName,
		PayerEmail:    payload.PayerEmail,
		PayerPhone:    payload.PayerPhone,
	}
	if payload.GiftAmount > 0 {
		gift := money.NewFromMajor(payload.GiftAmount, currency)
		n.GiftAmount = &gift
	}

	result, err := h.reconciler.Settle(r.Context(), n)
	if err != nil {
		h.writeError(w, token, payload.TransactionID, err)
		return
	}

	api.WriteData(w, http.StatusOK, WebhookResponse{
		PaymentID: result.Payment.ID,
		RequestID: result.Payment.RequestID,
		Status:    string(result.Payment.Status),
		Deduped:   result.Deduped,
		Warning:   result.Warning,
		DocURL:    result.Payment.Doc.URL,
	})
}

func (h *WebhookHandler) writeError(w http.ResponseWriter, token, transactionID string, err error) {
	if ce, ok := AsConflict(err); ok {
		h.logger.Warn("settlement rejected",
			"token", token,
			"transaction_id", transactionID,
			"reason", ce.Reason,
			"detail", ce.Detail,
		)
		details := map[string]string{"reason": string(ce.Reason)}
		if ce.Expected != nil {
			details["expected"] = ce.Expected.String()
		}
		if ce.Received != nil {
			details["received"] = ce.Received.String()
		}
		api.WriteErrorWithDetails(w, http.StatusConflict, api.ErrCodeConflict, ce.Error(), details)
		return
	}

	if database.IsNotFound(err) {
		api.NotFound(w, "payment request not found")
		return
	}

	if errors.Is(err, errMissingInput) {
		api.BadRequest(w, err.Error())
		return
	}

	h.logger.Error("settlement failed",
		"token", token,
		"transaction_id", transactionID,
		"error", err,
	)
	api.InternalError(w, "settlement failed")
}
