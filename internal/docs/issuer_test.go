package docs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"linkpay/internal/common/money"
	"linkpay/internal/settlement"
)

type providerStub struct {
	tokenCalls  atomic.Int64
	issueCalls  atomic.Int64
	rejectToken atomic.Bool
}

func (p *providerStub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/account/token", func(w http.ResponseWriter, r *http.Request) {
		n := p.tokenCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"token": fmt.Sprintf("tok-%d", n)})
	})
	mux.HandleFunc("/documents", func(w http.ResponseWriter, r *http.Request) {
		if p.rejectToken.Load() && r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		p.issueCalls.Add(1)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":  "doc-9",
			"url": map[string]string{"origin": "https://docs/doc-9"},
		})
	})
	mux.HandleFunc("/documents/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func newTestIssuer(t *testing.T, ttl time.Duration) (*HTTPIssuer, *providerStub) {
	t.Helper()
	stub := &providerStub{}
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	issuer := NewHTTPIssuer(Config{
		BaseURL:   srv.URL,
		APIKey:    "key",
		APISecret: "secret",
		Timeout:   5 * time.Second,
		TokenTTL:  ttl,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return issuer, stub
}

func issueReq() settlement.IssueRequest {
	return settlement.IssueRequest{
		Type:          settlement.DocReceipt,
		Amount:        money.New(11700, money.ILS),
		VATRate:       17,
		Description:   "Test",
		CustomerName:  "Dana",
		CustomerEmail: "dana@example.com",
	}
}

func TestIssue(t *testing.T) {
	issuer, stub := newTestIssuer(t, time.Hour)

	doc, err := issuer.Issue(context.Background(), issueReq())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if doc.ID != "doc-9" {
		t.Errorf("doc id = %s, want doc-9", doc.ID)
	}
	if doc.URL != "https://docs/doc-9" {
		t.Errorf("doc url = %s", doc.URL)
	}
	if doc.Provider == "" {
		t.Error("expected a provider name")
	}
	if got := stub.tokenCalls.Load(); got != 1 {
		t.Errorf("token calls = %d, want 1", got)
	}
}

func TestTokenCache(t *testing.T) {
	t.Run("token reused across calls", func(t *testing.T) {
		issuer, stub := newTestIssuer(t, time.Hour)

		for i := 0; i < 3; i++ {
			if _, err := issuer.Issue(context.Background(), issueReq()); err != nil {
				t.Fatalf("Issue %d: %v", i, err)
			}
		}
		if got := stub.tokenCalls.Load(); got != 1 {
			t.Errorf("token calls = %d, want 1 (cached)", got)
		}
	})

	t.Run("expired token refetched", func(t *testing.T) {
		issuer, stub := newTestIssuer(t, time.Nanosecond)

		issuer.Issue(context.Background(), issueReq())
		issuer.Issue(context.Background(), issueReq())
		if got := stub.tokenCalls.Load(); got != 2 {
			t.Errorf("token calls = %d, want 2", got)
		}
	})

	t.Run("rejected token invalidated and retried once", func(t *testing.T) {
		issuer, stub := newTestIssuer(t, time.Hour)
		stub.rejectToken.Store(true)

		doc, err := issuer.Issue(context.Background(), issueReq())
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if doc.ID != "doc-9" {
			t.Errorf("doc id = %s, want doc-9", doc.ID)
		}
		// tok-1 was rejected, tok-2 succeeded.
		if got := stub.tokenCalls.Load(); got != 2 {
			t.Errorf("token calls = %d, want 2", got)
		}
	})

	t.Run("explicit invalidation", func(t *testing.T) {
		issuer, stub := newTestIssuer(t, time.Hour)

		issuer.Issue(context.Background(), issueReq())
		issuer.InvalidateToken()
		issuer.Issue(context.Background(), issueReq())
		if got := stub.tokenCalls.Load(); got != 2 {
			t.Errorf("token calls = %d, want 2", got)
		}
	})
}

func TestEmail(t *testing.T) {
	issuer, _ := newTestIssuer(t, time.Hour)
	if err := issuer.Email(context.Background(), "doc-9", "dana@example.com"); err != nil {
		t.Fatalf("Email: %v", err)
	}
}
