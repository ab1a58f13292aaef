package service

import (
	"context"
	"errors"

	"github.com/Muhadev/lendsqr-wallet-service-sub001/internal/repo"
)

// Validation and business-rule errors. Deterministic given current
// state: reported to the caller immediately, never auto-retried.
var (
	ErrInvalidAmount            = errors.New("amount is outside the allowed bounds")
	ErrInvalidAccountNumber     = errors.New("account number is malformed")
	ErrSelfTransfer             = errors.New("cannot transfer to own account")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountNotActive         = errors.New("account is not active")
	ErrAccountNotFound          = errors.New("account not found")
	ErrRecipientNotFound        = errors.New("recipient account not found")
	ErrTransactionNotFound      = errors.New("transaction not found")
	ErrTransactionNotReversible = errors.New("transaction cannot be reversed")
)

// Transient errors. A retried attempt is safe: no partial state
// survives a rolled-back attempt and references are reserved inside
// the same storage transaction as the rows that consume them.
var (
	ErrReferenceExhausted     = errors.New("could not generate a unique transaction reference")
	ErrAccountNumberExhausted = errors.New("could not generate a unique account number")
)

// IsRetryable reports whether the caller may safely re-run the whole
// operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrReferenceExhausted) ||
		errors.Is(err, ErrAccountNumberExhausted) ||
		errors.Is(err, repo.ErrStaleAccount) ||
		errors.Is(err, context.DeadlineExceeded)
}
