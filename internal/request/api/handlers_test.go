package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"linkpay/internal/common/database"
	"linkpay/internal/common/middleware"
	"linkpay/internal/common/money"
	"linkpay/internal/request"
)

type memStore struct {
	byToken map[string]*request.PaymentRequest
}

func (m *memStore) Create(_ context.Context, r *request.PaymentRequest) error {
	m.byToken[r.Token] = r
	return nil
}

func (m *memStore) GetByToken(_ context.Context, token string) (*request.PaymentRequest, error) {
	r, ok := m.byToken[token]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) GetByID(_ context.Context, id string) (*request.PaymentRequest, error) {
	for _, r := range m.byToken {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (m *memStore) ListByOwner(_ context.Context, owner string, _, _ int) ([]*request.PaymentRequest, error) {
	var out []*request.PaymentRequest
	for _, r := range m.byToken {
		if r.OwnerUserID == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, r *request.PaymentRequest) error {
	m.byToken[r.Token] = r
	return nil
}

func (m *memStore) Delete(_ context.Context, id string) error {
	for tok, r := range m.byToken {
		if r.ID == id {
			delete(m.byToken, tok)
			return nil
		}
	}
	return database.ErrNotFound
}

func newTestServer(t *testing.T) (*httptest.Server, *memStore) {
	t.Helper()
	store := &memStore{byToken: make(map[string]*request.PaymentRequest)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := request.NewService(store, nil, logger)
	handler := NewHandler(svc)

	auth := middleware.APIKeyAuth(func(_ context.Context, key string) (string, error) {
		if key == "key-1" {
			return "owner-1", nil
		}
		return "", context.Canceled
	})

	r := chi.NewRouter()
	r.Route("/requests", func(r chi.Router) {
		r.Use(auth)
		r.Mount("/", handler.OwnerRoutes())
	})
	r.Mount("/pay", handler.PublicRoutes())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url, body string, authed bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer key-1")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestCreateRequest(t *testing.T) {
	srv, store := newTestServer(t)

	body := `{"kind":"payment","title":"Invoice 42","currency":"ILS","amount":117.00,"vat_rate":17}`
	resp := doJSON(t, http.MethodPost, srv.URL+"/requests", body, true)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	var envelope struct {
		Data request.CreateResult `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	created := envelope.Data.Request
	if created.Amount.AmountMinor != 11700 {
		t.Errorf("amount = %d, want 11700", created.Amount.AmountMinor)
	}
	if created.VATAmount.AmountMinor != 1700 {
		t.Errorf("vat = %d, want 1700", created.VATAmount.AmountMinor)
	}
	if _, ok := store.byToken[created.Token]; !ok {
		t.Error("request not persisted")
	}

	t.Run("missing auth", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/requests", body, false)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("validation failure", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/requests",
			`{"kind":"invoice","title":"x","currency":"ILS"}`, true)
		if resp.StatusCode != http.StatusUnprocessableEntity {
			t.Errorf("status = %d, want 422", resp.StatusCode)
		}
	})
}

func TestPublicView(t *testing.T) {
	srv, store := newTestServer(t)

	r, _ := request.NewPaymentRequest(request.KindPayment, "Public", money.ILS, "owner-1", "owner-1")
	r.VATRate = 17
	r.SetGross(money.New(11700, money.ILS))
	store.byToken[r.Token] = r

	resp := doJSON(t, http.MethodGet, srv.URL+"/pay/"+r.Token, "", false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var envelope struct {
		Data request.PublicView `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !envelope.Data.Payable {
		t.Error("expected payable")
	}
	if envelope.Data.Token != r.Token {
		t.Errorf("token = %s, want %s", envelope.Data.Token, r.Token)
	}

	t.Run("unknown token", func(t *testing.T) {
		resp := doJSON(t, http.MethodGet, srv.URL+"/pay/nosuchtoken", "", false)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})
}

func TestOwnershipIsolation(t *testing.T) {
	srv, store := newTestServer(t)

	// A request owned by someone else reads as 404 for owner-1.
	other, _ := request.NewPaymentRequest(request.KindPayment, "Other", money.ILS, "owner-2", "owner-2")
	other.SetGross(money.New(10000, money.ILS))
	store.byToken[other.Token] = other

	resp := doJSON(t, http.MethodGet, srv.URL+"/requests/"+other.Token, "", true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPatch, srv.URL+"/requests/"+other.Token, `{"title":"pwn"}`, true)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("patch status = %d, want 404", resp.StatusCode)
	}
}

func TestEditConflicts(t *testing.T) {
	srv, store := newTestServer(t)

	r, _ := request.NewPaymentRequest(request.KindPayment, "Limited", money.ILS, "owner-1", "owner-1")
	r.SetGross(money.New(10000, money.ILS))
	limit := 5
	r.UsageLimit = &limit
	r.Uses = 3
	store.byToken[r.Token] = r

	resp := doJSON(t, http.MethodPatch, srv.URL+"/requests/"+r.Token, `{"usage_limit":2}`, true)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}
