package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"linkpay/internal/common/database"
	"linkpay/internal/common/money"
)

// PostgresStore persists captured payments.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const paymentColumns = `
	id, transaction_id, provider, request_id, owner_user_id, event_id,
	amount_minor, currency, gift_amount_minor,
	platform_fee_base_minor, platform_fee_vat_minor, platform_fee_total_minor,
	applied_vat_rate, status, payer_name, payer_email, payer_phone,
	doc_provider, doc_type, doc_status, doc_id, doc_url, doc_issued_at,
	fee_doc_provider, fee_doc_type, fee_doc_status, fee_doc_id, fee_doc_url, fee_doc_issued_at,
	created_at`

// Create inserts a captured payment. The unique index on
// (provider, transaction_id) is the idempotency guarantee: a duplicate insert
// returns database.ErrAlreadyExists and must be treated as already processed.
func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30
		)
	`

	_, err := s.db.Exec(ctx, query,
		p.ID, p.TransactionID, p.Provider, p.RequestID, p.OwnerUserID, nullStr(p.EventID),
		p.Amount.AmountMinor, p.Currency, minorOrNil(p.GiftAmount),
		minorOrNil(p.PlatformFeeBase), minorOrNil(p.PlatformFeeVAT), minorOrNil(p.PlatformFeeTotal),
		p.AppliedVATRate, p.Status, nullStr(p.PayerName), nullStr(p.PayerEmail), nullStr(p.PayerPhone),
		nullStr(p.Doc.Provider), nullStr(p.Doc.Type), nullStr(string(p.Doc.Status)),
		nullStr(p.Doc.ID), nullStr(p.Doc.URL), p.Doc.IssuedAt,
		nullStr(p.FeeDoc.Provider), nullStr(p.FeeDoc.Type), nullStr(string(p.FeeDoc.Status)),
		nullStr(p.FeeDoc.ID), nullStr(p.FeeDoc.URL), p.FeeDoc.IssuedAt,
		p.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("creating payment: %w", err)
	}
	return nil
}

// GetByTransaction looks up a payment by its idempotency key. Provider is
// stored as the empty string when the checkout does not scope transaction ids.
func (s *PostgresStore) GetByTransaction(ctx context.Context, provider, transactionID string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE transaction_id = $1 AND provider = $2`

	return scanPayment(s.db.QueryRow(ctx, query, transactionID, provider))
}

// GetByID retrieves a payment by internal id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(s.db.QueryRow(ctx, query, id))
}

// ListByRequest lists payments captured against a request, newest first.
func (s *PostgresStore) ListByRequest(ctx context.Context, requestID string, limit, offset int) ([]*Payment, error) {
	query := `SELECT ` + paymentColumns + `
		FROM payments
		WHERE request_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.Query(ctx, query, requestID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing payments: %w", err)
	}
	defer rows.Close()

	var payments []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// SetDocument records the outcome of the primary document issuance.
func (s *PostgresStore) SetDocument(ctx context.Context, paymentID string, doc DocumentInfo) error {
	query := `
		UPDATE payments SET
			doc_provider = $2, doc_type = $3, doc_status = $4,
			doc_id = $5, doc_url = $6, doc_issued_at = $7
		WHERE id = $1
	`
	return s.setDoc(ctx, query, paymentID, doc)
}

// SetFeeDocument records the outcome of the separate fee-invoice issuance.
func (s *PostgresStore) SetFeeDocument(ctx context.Context, paymentID string, doc DocumentInfo) error {
	query := `
		UPDATE payments SET
			fee_doc_provider = $2, fee_doc_type = $3, fee_doc_status = $4,
			fee_doc_id = $5, fee_doc_url = $6, fee_doc_issued_at = $7
		WHERE id = $1
	`
	return s.setDoc(ctx, query, paymentID, doc)
}

func (s *PostgresStore) setDoc(ctx context.Context, query, paymentID string, doc DocumentInfo) error {
	tag, err := s.db.Exec(ctx, query, paymentID,
		nullStr(doc.Provider), nullStr(doc.Type), nullStr(string(doc.Status)),
		nullStr(doc.ID), nullStr(doc.URL), doc.IssuedAt,
	)
	if err != nil {
		return fmt.Errorf("updating payment document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var eventID, payerName, payerEmail, payerPhone *string
	var giftAmount, feeBase, feeVAT, feeTotal *int64
	var docProvider, docType, docStatus, docID, docURL *string
	var feeDocProvider, feeDocType, feeDocStatus, feeDocID, feeDocURL *string

	err := row.Scan(
		&p.ID, &p.TransactionID, &p.Provider, &p.RequestID, &p.OwnerUserID, &eventID,
		&p.Amount.AmountMinor, &p.Currency, &giftAmount,
		&feeBase, &feeVAT, &feeTotal,
		&p.AppliedVATRate, &p.Status, &payerName, &payerEmail, &payerPhone,
		&docProvider, &docType, &docStatus, &docID, &docURL, &p.Doc.IssuedAt,
		&feeDocProvider, &feeDocType, &feeDocStatus, &feeDocID, &feeDocURL, &p.FeeDoc.IssuedAt,
		&p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment: %w", err)
	}

	p.Amount.Currency = p.Currency
	p.EventID = deref(eventID)
	p.PayerName = deref(payerName)
	p.PayerEmail = deref(payerEmail)
	p.PayerPhone = deref(payerPhone)
	p.GiftAmount = moneyOrNil(giftAmount, p.Currency)
	p.PlatformFeeBase = moneyOrNil(feeBase, p.Currency)
	p.PlatformFeeVAT = moneyOrNil(feeVAT, p.Currency)
	p.PlatformFeeTotal = moneyOrNil(feeTotal, p.Currency)

	p.Doc.Provider = deref(docProvider)
	p.Doc.Type = deref(docType)
	p.Doc.Status = DocStatus(deref(docStatus))
	p.Doc.ID = deref(docID)
	p.Doc.URL = deref(docURL)
	p.FeeDoc.Provider = deref(feeDocProvider)
	p.FeeDoc.Type = deref(feeDocType)
	p.FeeDoc.Status = DocStatus(deref(feeDocStatus))
	p.FeeDoc.ID = deref(feeDocID)
	p.FeeDoc.URL = deref(feeDocURL)

	return &p, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func minorOrNil(m *money.Money) *int64 {
	if m == nil {
		return nil
	}
	return &m.AmountMinor
}

func moneyOrNil(minor *int64, currency money.Currency) *money.Money {
	if minor == nil {
		return nil
	}
	m := money.New(*minor, currency)
	return &m
}
