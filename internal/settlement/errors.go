package settlement

import (
	"errors"
	"fmt"

	"linkpay/internal/common/money"
)

// ConflictReason classifies why a settlement was refused. Refusals perform no
// writes and map to HTTP 409 at the boundary.
type ConflictReason string

const (
	ReasonNotPayable       ConflictReason = "not_payable"
	ReasonExpired          ConflictReason = "expired"
	ReasonUsageExhausted   ConflictReason = "usage_exhausted"
	ReasonCurrencyMismatch ConflictReason = "currency_mismatch"
	ReasonAmountMismatch   ConflictReason = "amount_mismatch"
	ReasonGiftBelowFloor   ConflictReason = "gift_below_floor"
)

// ConflictError is a settlement refusal with the figures needed to explain it
// to the caller.
type ConflictError struct {
	Reason   ConflictReason
	Detail   string
	Expected *money.Money
	Received *money.Money
}

func (e *ConflictError) Error() string {
	if e.Expected != nil && e.Received != nil {
		return fmt.Sprintf("%s: expected %s, received %s", e.Detail, e.Expected, e.Received)
	}
	return e.Detail
}

func conflict(reason ConflictReason, detail string) *ConflictError {
	return &ConflictError{Reason: reason, Detail: detail}
}

func amountConflict(reason ConflictReason, detail string, expected, received money.Money) *ConflictError {
	return &ConflictError{Reason: reason, Detail: detail, Expected: &expected, Received: &received}
}

// AsConflict extracts a ConflictError from an error chain.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
