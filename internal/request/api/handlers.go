// Package api exposes the payment-request HTTP surface: owner CRUD under
// /requests and the payer-facing view under /pay.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"linkpay/internal/common/api"
	"linkpay/internal/common/database"
	"linkpay/internal/common/middleware"
	"linkpay/internal/common/money"
	"linkpay/internal/request"
)

// Handler handles payment request HTTP requests
type Handler struct {
	service *request.Service
}

// NewHandler creates a new request handler
func NewHandler(service *request.Service) *Handler {
	return &Handler{service: service}
}

// OwnerRoutes returns the authenticated owner routes
func (h *Handler) OwnerRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{token}", h.Get)
	r.Patch("/{token}", h.Edit)
	r.Post("/{token}/activate", h.Activate)
	r.Post("/{token}/cancel", h.Cancel)
	r.Delete("/{token}", h.Delete)

	return r
}

// PublicRoutes returns the unauthenticated payer routes
func (h *Handler) PublicRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{token}", h.GetPublic)
	return r
}

// CreateRequest is the API request for creating a payment request. Amounts
// are major units.
type CreateRequest struct {
	Kind             string   `json:"kind" validate:"required,oneof=payment gift"`
	Title            string   `json:"title" validate:"required,max=255"`
	Currency         string   `json:"currency" validate:"required,len=3"`
	Amount           *float64 `json:"amount" validate:"omitempty,gt=0"`
	NetAmount        *float64 `json:"net_amount" validate:"omitempty,gt=0"`
	MinAmount        *float64 `json:"min_amount" validate:"omitempty,gt=0"`
	VATRate          float64  `json:"vat_rate" validate:"gte=0,lte=100"`
	FeeMode          string   `json:"fee_mode" validate:"omitempty,oneof=included add_on"`
	FeeFixed         float64  `json:"fee_fixed" validate:"gte=0"`
	FeePercent       float64  `json:"fee_percent" validate:"gte=0,lte=100"`
	ShowFeeBreakdown bool     `json:"show_fee_breakdown"`
	UsageLimit       *int     `json:"usage_limit" validate:"omitempty,gt=0"`
	ExpiresAt        *string  `json:"expires_at"`
	VATExempt        bool     `json:"vat_exempt"`
	Draft            bool     `json:"draft"`
}

// Create handles POST /requests
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerUserID(r.Context())
	if owner == "" {
		api.Unauthorized(w, "authentication required")
		return
	}

	var req CreateRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	currency := money.Currency(req.Currency)
	params := request.CreateParams{
		Kind:             request.Kind(req.Kind),
		Title:            req.Title,
		Currency:         currency,
		VATRate:          req.VATRate,
		ShowFeeBreakdown: req.ShowFeeBreakdown,
		UsageLimit:       req.UsageLimit,
		OwnerUserID:      owner,
		CreatedBy:        owner,
		VATExempt:        req.VATExempt,
		Draft:            req.Draft,
	}
	if req.FeeMode != "" {
		params.Fee = money.FeeConfig{
			Mode:       money.FeeMode(req.FeeMode),
			FixedMinor: money.NewFromMajor(req.FeeFixed, currency).AmountMinor,
			Percent:    req.FeePercent,
		}
	}
	if req.Amount != nil {
		m := money.NewFromMajor(*req.Amount, currency)
		params.Amount = &m
	}
	if req.NetAmount != nil {
		m := money.NewFromMajor(*req.NetAmount, currency)
		params.Net = &m
	}
	if req.MinAmount != nil {
		m := money.NewFromMajor(*req.MinAmount, currency)
		params.MinAmount = &m
	}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			api.BadRequest(w, "expires_at must be RFC3339")
			return
		}
		params.ExpiresAt = &t
	}

	result, err := h.service.Create(r.Context(), params)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusCreated, result)
}

// List handles GET /requests
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerUserID(r.Context())
	if owner == "" {
		api.Unauthorized(w, "authentication required")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	requests, err := h.service.ListByOwner(r.Context(), owner, limit, offset)
	if err != nil {
		api.InternalError(w, "failed to list requests")
		return
	}

	api.WriteData(w, http.StatusOK, requests)
}

// Get handles GET /requests/{token}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	req, ok := h.ownedRequest(w, r)
	if !ok {
		return
	}
	api.WriteData(w, http.StatusOK, req)
}

// GetPublic handles GET /pay/{token}
func (h *Handler) GetPublic(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	view, err := h.service.GetPublic(r.Context(), token)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment request not found")
			return
		}
		api.InternalError(w, "failed to load request")
		return
	}

	api.WriteData(w, http.StatusOK, view)
}

// EditRequest is the API request for partially updating a request
type EditRequest struct {
	Title            *string  `json:"title" validate:"omitempty,max=255"`
	Amount           *float64 `json:"amount" validate:"omitempty,gt=0"`
	NetAmount        *float64 `json:"net_amount" validate:"omitempty,gt=0"`
	MinAmount        *float64 `json:"min_amount" validate:"omitempty,gt=0"`
	VATRate          *float64 `json:"vat_rate" validate:"omitempty,gte=0,lte=100"`
	FeeMode          *string  `json:"fee_mode" validate:"omitempty,oneof=included add_on"`
	FeeFixed         *float64 `json:"fee_fixed" validate:"omitempty,gte=0"`
	FeePercent       *float64 `json:"fee_percent" validate:"omitempty,gte=0,lte=100"`
	ShowFeeBreakdown *bool    `json:"show_fee_breakdown"`
	UsageLimit       *int     `json:"usage_limit" validate:"omitempty,gt=0"`
	ExpiresAt        *string  `json:"expires_at"`
}

// Edit handles PATCH /requests/{token}
func (h *Handler) Edit(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.ownedRequest(w, r)
	if !ok {
		return
	}

	var req EditRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	params := request.EditParams{
		Title:            req.Title,
		VATRate:          req.VATRate,
		ShowFeeBreakdown: req.ShowFeeBreakdown,
		UsageLimit:       req.UsageLimit,
	}
	if req.Amount != nil {
		m := money.NewFromMajor(*req.Amount, existing.Currency)
		params.Amount = &m
	}
	if req.NetAmount != nil {
		m := money.NewFromMajor(*req.NetAmount, existing.Currency)
		params.Net = &m
	}
	if req.MinAmount != nil {
		m := money.NewFromMajor(*req.MinAmount, existing.Currency)
		params.MinAmount = &m
	}
	if req.FeeMode != nil {
		mode := money.FeeMode(*req.FeeMode)
		params.FeeMode = &mode
	}
	if req.FeeFixed != nil {
		minor := money.NewFromMajor(*req.FeeFixed, existing.Currency).AmountMinor
		params.FeeFixedMinor = &minor
	}
	if req.FeePercent != nil {
		params.FeePercent = req.FeePercent
	}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			api.BadRequest(w, "expires_at must be RFC3339")
			return
		}
		params.ExpiresAt = &t
	}

	updated, err := h.service.Edit(r.Context(), existing.Token, params)
	if err != nil {
		if errors.Is(err, request.ErrUsageLimitBelowUses) {
			api.Conflict(w, err.Error())
			return
		}
		api.BadRequest(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusOK, updated)
}

// Activate handles POST /requests/{token}/activate
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.ownedRequest(w, r)
	if !ok {
		return
	}

	activated, err := h.service.Activate(r.Context(), existing.Token)
	if err != nil {
		api.Conflict(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusOK, activated)
}

// Cancel handles POST /requests/{token}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.ownedRequest(w, r)
	if !ok {
		return
	}

	canceled, err := h.service.Cancel(r.Context(), existing.Token)
	if err != nil {
		api.Conflict(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusOK, canceled)
}

// Delete handles DELETE /requests/{token}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.ownedRequest(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), existing.Token); err != nil {
		api.InternalError(w, "failed to delete request")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ownedRequest loads the request for {token} and enforces ownership. A
// request owned by someone else reads as not found.
func (h *Handler) ownedRequest(w http.ResponseWriter, r *http.Request) (*request.PaymentRequest, bool) {
	owner := middleware.GetOwnerUserID(r.Context())
	if owner == "" {
		api.Unauthorized(w, "authentication required")
		return nil, false
	}

	token := chi.URLParam(r, "token")
	req, err := h.service.GetByToken(r.Context(), token)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment request not found")
			return nil, false
		}
		api.InternalError(w, "failed to load request")
		return nil, false
	}
	if req.OwnerUserID != owner {
		api.NotFound(w, "payment request not found")
		return nil, false
	}

	return req, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
