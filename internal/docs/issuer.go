// Package docs integrates the external tax-document provider. Documents are
// issued best-effort after a payment is captured; the settlement layer owns
// the degraded path when this provider is down.
package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"linkpay/internal/settlement"
)

const providerName = "greeninvoice"

// Config holds document provider settings
type Config struct {
	BaseURL   string        `envconfig:"DOCS_BASE_URL" default:"https://api.greeninvoice.co.il/api/v1"`
	APIKey    string        `envconfig:"DOCS_API_KEY"`
	APISecret string        `envconfig:"DOCS_API_SECRET"`
	Timeout   time.Duration `envconfig:"DOCS_TIMEOUT" default:"15s"`
	TokenTTL  time.Duration `envconfig:"DOCS_TOKEN_TTL" default:"50m"`
}

// Enabled reports whether credentials are configured
func (c Config) Enabled() bool {
	return c.APIKey != "" && c.APISecret != ""
}

// HTTPIssuer issues documents through the provider's REST API. It implements
// settlement.DocumentIssuer.
type HTTPIssuer struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewHTTPIssuer creates a document issuer client
func NewHTTPIssuer(cfg Config, logger *slog.Logger) *HTTPIssuer {
	return &HTTPIssuer{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// docTypeCode maps document types to the provider's numeric type codes.
func docTypeCode(t settlement.DocType) int {
	switch t {
	case settlement.DocReceipt:
		return 400
	case settlement.DocInvoiceReceipt:
		return 320
	case settlement.DocFeeInvoice:
		return 305
	default:
		return 400
	}
}

type issuePayload struct {
	Type        int    `json:"type"`
	Description string `json:"description"`
	Lang        string `json:"lang"`
	Currency    string `json:"currency"`
	VATType     int    `json:"vatType"`
	Client      struct {
		Name   string   `json:"name"`
		Emails []string `json:"emails,omitempty"`
		Phone  string   `json:"phone,omitempty"`
	} `json:"client"`
	Income []struct {
		Description string  `json:"description"`
		Quantity    int     `json:"quantity"`
		Price       float64 `json:"price"`
		VATType     int     `json:"vatType"`
	} `json:"income"`
}

type issueResponse struct {
	ID     string `json:"id"`
	Number string `json:"number"`
	URL    struct {
		Origin string `json:"origin"`
	} `json:"url"`
}

// Issue creates a document for the given amount and returns its id and URL.
func (h *HTTPIssuer) Issue(ctx context.Context, req settlement.IssueRequest) (*settlement.IssuedDocument, error) {
	payload := issuePayload{
		Type:        docTypeCode(req.Type),
		Description: req.Description,
		Lang:        "he",
		Currency:    string(req.Amount.Currency),
	}
	payload.Client.Name = req.CustomerName
	if payload.Client.Name == "" {
		payload.Client.Name = "Customer"
	}
	if req.CustomerEmail != "" {
		payload.Client.Emails = []string{req.CustomerEmail}
	}
	payload.Client.Phone = req.CustomerPhone

	// The amount already includes VAT; the provider derives the split from
	// the vatType flag on the line.
	line := struct {
		Description string  `json:"description"`
		Quantity    int     `json:"quantity"`
		Price       float64 `json:"price"`
		VATType     int     `json:"vatType"`
	}{
		Description: req.Description,
		Quantity:    1,
		Price:       req.Amount.ToMajor(),
	}
	if req.VATRate > 0 {
		line.VATType = 1 // price includes VAT
	}
	payload.Income = append(payload.Income, line)

	var resp issueResponse
	if err := h.do(ctx, http.MethodPost, "/documents", payload, &resp); err != nil {
		return nil, fmt.Errorf("issuing %s document: %w", req.Type, err)
	}

	h.logger.Info("document issued",
		"provider", providerName,
		"type", req.Type,
		"doc_id", resp.ID,
		"amount", req.Amount.String(),
	)

	return &settlement.IssuedDocument{
		Provider: providerName,
		ID:       resp.ID,
		URL:      resp.URL.Origin,
	}, nil
}

// Email asks the provider to send an issued document to the given address.
func (h *HTTPIssuer) Email(ctx context.Context, docID, address string) error {
	payload := map[string]interface{}{
		"id":     docID,
		"emails": []string{address},
	}
	if err := h.do(ctx, http.MethodPost, "/documents/"+docID+"/distribute", payload, nil); err != nil {
		return fmt.Errorf("emailing document %s: %w", docID, err)
	}
	return nil
}

// do performs an authenticated API call, refreshing the bearer token once on
// a 401.
func (h *HTTPIssuer) do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := h.authToken(ctx)
	if err != nil {
		return err
	}

	status, err := h.send(ctx, method, path, token, body, out)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		h.InvalidateToken()
		token, err = h.authToken(ctx)
		if err != nil {
			return err
		}
		status, err = h.send(ctx, method, path, token, body, out)
		if err != nil {
			return err
		}
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("provider returned status %d", status)
	}
	return nil
}

func (h *HTTPIssuer) send(ctx context.Context, method, path, token string, body, out interface{}) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, fmt.Errorf("encoding request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, h.cfg.BaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("calling provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// authToken returns a cached bearer token, fetching a fresh one when the
// cache is empty or expired.
func (h *HTTPIssuer) authToken(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.token != "" && time.Now().Before(h.tokenExpiry) {
		return h.token, nil
	}

	var buf bytes.Buffer
	creds := map[string]string{"id": h.cfg.APIKey, "secret": h.cfg.APISecret}
	if err := json.NewEncoder(&buf).Encode(creds); err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.BaseURL+"/account/token", &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching auth token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("auth token request returned status %d", resp.StatusCode)
	}

	var tokenResp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", fmt.Errorf("decoding auth token: %w", err)
	}
	if tokenResp.Token == "" {
		return "", fmt.Errorf("auth token response missing token")
	}

	h.token = tokenResp.Token
	h.tokenExpiry = time.Now().Add(h.cfg.TokenTTL)
	return h.token, nil
}

// InvalidateToken drops the cached auth token so the next call fetches a
// fresh one.
func (h *HTTPIssuer) InvalidateToken() {
	h.mu.Lock()
	h.token = ""
	h.tokenExpiry = time.Time{}
	h.mu.Unlock()
}

var _ settlement.DocumentIssuer = (*HTTPIssuer)(nil)
