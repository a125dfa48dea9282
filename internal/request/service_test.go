package request

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"linkpay/internal/common/database"
	"linkpay/internal/common/money"
)

type fakeStore struct {
	byToken map[string]*PaymentRequest
	updated *PaymentRequest
	deleted string
}

func newFakeStore() *fakeStore {
	return &fakeStore{byToken: make(map[string]*PaymentRequest)}
}

func (f *fakeStore) Create(_ context.Context, r *PaymentRequest) error {
	f.byToken[r.Token] = r
	return nil
}

func (f *fakeStore) GetByToken(_ context.Context, token string) (*PaymentRequest, error) {
	r, ok := f.byToken[token]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeStore) GetByID(_ context.Context, id string) (*PaymentRequest, error) {
	for _, r := range f.byToken {
		if r.ID == id {
			cp := *r
			return &cp, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) ListByOwner(_ context.Context, owner string, _, _ int) ([]*PaymentRequest, error) {
	var out []*PaymentRequest
	for _, r := range f.byToken {
		if r.OwnerUserID == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) Update(_ context.Context, r *PaymentRequest) error {
	f.byToken[r.Token] = r
	f.updated = r
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	for tok, r := range f.byToken {
		if r.ID == id {
			delete(f.byToken, tok)
			f.deleted = id
			return nil
		}
	}
	return database.ErrNotFound
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServiceCreate(t *testing.T) {
	t.Run("payment from gross", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, discardLogger())

		amount := money.New(11700, money.ILS)
		result, err := svc.Create(context.Background(), CreateParams{
			Kind:        KindPayment,
			Title:       "Invoice 42",
			Currency:    money.ILS,
			Amount:      &amount,
			VATRate:     17,
			OwnerUserID: "owner-1",
			CreatedBy:   "owner-1",
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		r := result.Request
		if r.VATAmount == nil || r.VATAmount.AmountMinor != 1700 {
			t.Errorf("vat = %v, want 17.00", r.VATAmount)
		}
		if r.Status != StatusActive {
			t.Errorf("status = %s, want active", r.Status)
		}
	})

	t.Run("payment from net", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, discardLogger())

		net := money.New(10000, money.ILS)
		result, err := svc.Create(context.Background(), CreateParams{
			Kind:        KindPayment,
			Title:       "Invoice 43",
			Currency:    money.ILS,
			Net:         &net,
			VATRate:     17,
			OwnerUserID: "owner-1",
			CreatedBy:   "owner-1",
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if result.Request.Amount.AmountMinor != 11700 {
			t.Errorf("gross = %d, want 11700", result.Request.Amount.AmountMinor)
		}
	})

	t.Run("invalid request rejected", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, discardLogger())

		_, err := svc.Create(context.Background(), CreateParams{
			Kind:        KindPayment,
			Title:       "No amount",
			Currency:    money.ILS,
			OwnerUserID: "owner-1",
			CreatedBy:   "owner-1",
		})
		if err == nil {
			t.Fatal("expected error for payment without amount")
		}
		if len(store.byToken) != 0 {
			t.Error("invalid request must not be persisted")
		}
	})

	t.Run("draft", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, discardLogger())

		amount := money.New(10000, money.ILS)
		result, err := svc.Create(context.Background(), CreateParams{
			Kind:        KindPayment,
			Title:       "Draft",
			Currency:    money.ILS,
			Amount:      &amount,
			OwnerUserID: "owner-1",
			CreatedBy:   "owner-1",
			Draft:       true,
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if result.Request.Status != StatusDraft {
			t.Errorf("status = %s, want draft", result.Request.Status)
		}
	})
}

func seedRequest(t *testing.T, store *fakeStore, mutate func(*PaymentRequest)) *PaymentRequest {
	t.Helper()
	r := newTestRequest(t, KindPayment)
	r.VATRate = 17
	r.SetGross(money.New(11700, money.ILS))
	if mutate != nil {
		mutate(r)
	}
	store.byToken[r.Token] = r
	return r
}

func TestServiceEdit(t *testing.T) {
	t.Run("net change derives gross", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, discardLogger())
		r := seedRequest(t, store, nil)

		net := money.New(20000, money.ILS)
		updated, err := svc.Edit(context.Background(), r.Token, EditParams{Net: &net})
		if err != nil {
			t.Fatalf("Edit: %v", err)
		}
		if updated.Amount.AmountMinor != 23400 {
			t.Errorf("gross = %d, want 23400", updated.Amount.AmountMinor)
		}
		if updated.VATAmount.AmountMinor != 3400 {
			t.Errorf("vat = %d, want 3400", updated.VATAmount.AmountMinor)
		}
	})

	t.Run("net wins over gross when both sent", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, discardLogger())
		r := seedRequest(t, store, nil)

		net := money.New(10000, money.ILS)
		gross := money.New(50000, money.ILS)
		updated, err := svc.Edit(context.Background(), r.Token, EditParams{Net: &net, Amount: &gross})
		if err != nil {
			t.Fatalf("Edit: %v", err)
		}
		if updated.Amount.AmountMinor != 11700 {
			t.Errorf("gross = %d, want 11700 (derived from net)", updated.Amount.AmountMinor)
		}
	})

	t.Run("rate change alone re-derives vat", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, discardLogger())
		r := seedRequest(t, store, nil)

		rate := 18.0
		updated, err := svc.Edit(context.Background(), r.Token, EditParams{VATRate: &rate})
		if err != nil {
			t.Fatalf("Edit: %v", err)
		}
		if updated.Amount.AmountMinor != 11700 {
			t.Errorf("gross changed to %d, want 11700 untouched", updated.Amount.AmountMinor)
		}
		if updated.VATAmount.AmountMinor != 1785 {
			t.Errorf("vat = %d, want 1785", updated.VATAmount.AmountMinor)
		}
	})

	t.Run("usage limit below uses rejected", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, discardLogger())
		r := seedRequest(t, store, func(r *PaymentRequest) {
			limit := 5
			r.UsageLimit = &limit
			r.Uses = 3
		})

		two := 2
		_, err := svc.Edit(context.Background(), r.Token, EditParams{UsageLimit: &two})
		if !errors.Is(err, ErrUsageLimitBelowUses) {
			t.Fatalf("err = %v, want ErrUsageLimitBelowUses", err)
		}

		three := 3
		if _, err := svc.Edit(context.Background(), r.Token, EditParams{UsageLimit: &three}); err != nil {
			t.Errorf("limit equal to uses should be allowed: %v", err)
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		store := newFakeStore()
		svc := NewService(store, nil, discardLogger())
		title := "x"
		_, err := svc.Edit(context.Background(), "missing", EditParams{Title: &title})
		if !database.IsNotFound(err) {
			t.Fatalf("err = %v, want not found", err)
		}
	})
}

func TestServicePublicView(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, discardLogger())

	r := newTestRequest(t, KindGift)
	r.VATRate = 17
	r.ShowFeeBreakdown = true
	r.SetGross(money.New(10000, money.ILS))
	store.byToken[r.Token] = r

	view, err := svc.GetPublic(context.Background(), r.Token)
	if err != nil {
		t.Fatalf("GetPublic: %v", err)
	}
	if !view.Payable {
		t.Error("expected payable view")
	}
	if view.FeeBreakdown == nil {
		t.Fatal("expected fee breakdown")
	}
	if view.FeeBreakdown.PayerTotal.AmountMinor != 10585 {
		t.Errorf("payer total = %d, want 10585", view.FeeBreakdown.PayerTotal.AmountMinor)
	}
}

func TestServiceCancelAndDelete(t *testing.T) {
	store := newFakeStore()
	svc := NewService(store, nil, discardLogger())
	r := seedRequest(t, store, nil)

	canceled, err := svc.Cancel(context.Background(), r.Token)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if canceled.Status != StatusCanceled {
		t.Errorf("status = %s, want canceled", canceled.Status)
	}

	if err := svc.Delete(context.Background(), r.Token); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if store.deleted != r.ID {
		t.Errorf("deleted id = %s, want %s", store.deleted, r.ID)
	}
}
