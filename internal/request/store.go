package request

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"linkpay/internal/common/database"
	"linkpay/internal/common/money"
)

// PostgresStore persists payment requests.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const requestColumns = `
	id, token, kind, title, currency, amount_minor, min_amount_minor,
	vat_rate, vat_amount_minor, fee_mode, fee_fixed_minor, fee_percent,
	show_fee_breakdown, status, usage_limit, uses, expires_at,
	owner_user_id, created_by, vat_exempt, created_at, updated_at`

// Create inserts a new payment request.
func (s *PostgresStore) Create(ctx context.Context, r *PaymentRequest) error {
	query := `
		INSERT INTO payment_requests (` + requestColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
	`

	_, err := s.db.Exec(ctx, query,
		r.ID, r.Token, r.Kind, r.Title, r.Currency,
		minorOrNil(r.Amount), minorOrNil(r.MinAmount),
		r.VATRate, minorOrNil(r.VATAmount),
		r.Fee.Mode, r.Fee.FixedMinor, r.Fee.Percent,
		r.ShowFeeBreakdown, r.Status, r.UsageLimit, r.Uses, r.ExpiresAt,
		r.OwnerUserID, r.CreatedBy, r.VATExempt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("request token collision: %w", database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating payment request: %w", err)
	}
	return nil
}

// GetByToken retrieves a payment request by its public token.
func (s *PostgresStore) GetByToken(ctx context.Context, token string) (*PaymentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM payment_requests WHERE token = $1`
	return scanRequest(s.db.QueryRow(ctx, query, token))
}

// GetByID retrieves a payment request by internal id.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*PaymentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM payment_requests WHERE id = $1`
	return scanRequest(s.db.QueryRow(ctx, query, id))
}

// ListByOwner lists an owner's requests, newest first.
func (s *PostgresStore) ListByOwner(ctx context.Context, ownerUserID string, limit, offset int) ([]*PaymentRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM payment_requests
		WHERE owner_user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.Query(ctx, query, ownerUserID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing payment requests: %w", err)
	}
	defer rows.Close()

	var requests []*PaymentRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// Update rewrites the mutable fields of a payment request. Usage accounting
// goes through ClaimUse, never through Update.
func (s *PostgresStore) Update(ctx context.Context, r *PaymentRequest) error {
	query := `
		UPDATE payment_requests SET
			title = $2, amount_minor = $3, min_amount_minor = $4,
			vat_rate = $5, vat_amount_minor = $6,
			fee_mode = $7, fee_fixed_minor = $8, fee_percent = $9,
			show_fee_breakdown = $10, status = $11, usage_limit = $12,
			expires_at = $13, updated_at = $14
		WHERE id = $1
	`

	r.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx, query,
		r.ID, r.Title, minorOrNil(r.Amount), minorOrNil(r.MinAmount),
		r.VATRate, minorOrNil(r.VATAmount),
		r.Fee.Mode, r.Fee.FixedMinor, r.Fee.Percent,
		r.ShowFeeBreakdown, r.Status, r.UsageLimit,
		r.ExpiresAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating payment request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// ClaimUse consumes one usage slot in a single conditional update: the
// increment applies only while the request is still active, unexpired and
// under its limit, and the same statement flips the status to paid when the
// limit is reached. Returns false when the precondition no longer holds.
func (s *PostgresStore) ClaimUse(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE payment_requests SET
			uses = uses + 1,
			status = CASE
				WHEN usage_limit IS NOT NULL AND uses + 1 >= usage_limit THEN 'paid'
				ELSE status
			END,
			updated_at = $2
		WHERE id = $1
		  AND status = 'active'
		  AND (usage_limit IS NULL OR uses < usage_limit)
		  AND (expires_at IS NULL OR expires_at > $2)
	`

	tag, err := s.db.Exec(ctx, query, id, now.UTC())
	if err != nil {
		return false, fmt.Errorf("claiming use: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Delete removes a payment request. Administrative only; captured payments
// keep their request_id for audit.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM payment_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting payment request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func scanRequest(row pgx.Row) (*PaymentRequest, error) {
	var r PaymentRequest
	var amount, minAmount, vatAmount *int64

	err := row.Scan(
		&r.ID, &r.Token, &r.Kind, &r.Title, &r.Currency,
		&amount, &minAmount, &r.VATRate, &vatAmount,
		&r.Fee.Mode, &r.Fee.FixedMinor, &r.Fee.Percent,
		&r.ShowFeeBreakdown, &r.Status, &r.UsageLimit, &r.Uses, &r.ExpiresAt,
		&r.OwnerUserID, &r.CreatedBy, &r.VATExempt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning payment request: %w", err)
	}

	r.Amount = moneyOrNil(amount, r.Currency)
	r.MinAmount = moneyOrNil(minAmount, r.Currency)
	r.VATAmount = moneyOrNil(vatAmount, r.Currency)
	return &r, nil
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
