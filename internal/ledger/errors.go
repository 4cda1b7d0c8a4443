package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Sentinel errors for the ledger core. Callers branch with errors.Is; the
// API layer owns the mapping to HTTP status codes.
var (
	// ErrValidation marks a malformed or non-positive request rejected
	// before touching the ledger.
	ErrValidation = errors.New("validation failed")

	// ErrAccountNotFound is returned by lookups for unknown users.
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive is returned for mutations on deactivated accounts.
	ErrAccountInactive = errors.New("account is deactivated")

	// ErrInsufficientFunds is returned when the source balance cannot cover
	// the requested amount. The check runs inside the atomic commit loop,
	// so it reflects the balance at commit time, not request entry.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict is returned after the bounded retry budget for optimistic
	// version conflicts is exhausted. The caller should resubmit.
	ErrConflict = errors.New("account version conflict")

	// ErrDuplicateReference is returned by the reference reservation when a
	// payment reference has already settled an entry. The reconciler
	// resolves it to the original settlement, so callers never see it.
	ErrDuplicateReference = errors.New("payment reference already claimed")

	// ErrPaymentNotConfirmed is returned when the gateway does not report a
	// successful charge for a reference. Safe to retry once the user
	// completes payment.
	ErrPaymentNotConfirmed = errors.New("payment not confirmed by gateway")

	// ErrEntryNotFound is returned by entry lookups and payout transitions.
	ErrEntryNotFound = errors.New("ledger entry not found")
)

// InsufficientFundsError carries the balance that failed the precondition so
// the API can surface it. errors.Is(err, ErrInsufficientFunds) holds.
type InsufficientFundsError struct {
	Source    string // "wallet" or "trading"
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s balance %s, requested %s", e.Source, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// ValidationError carries the rejected field and reason.
// errors.Is(err, ErrValidation) holds.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }
