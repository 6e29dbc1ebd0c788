package trading

import (
	"errors"
	"fmt"

	"key-trade-ledger-go/internal/account"
	"key-trade-ledger-go/internal/pricing"
	"key-trade-ledger-go/internal/store"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrAccountLocked          = account.ErrAccountLocked
	ErrPriceUnavailable       = pricing.ErrPriceUnavailable
	ErrPersistenceConflict    = errors.New("persistence conflict")
	ErrDuplicateTransactionId = errors.New("duplicate transaction id")
)

type InputError struct {
	Field   string
	Message string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

type SecurityCheckError struct {
	Reason string
	Score  int
}

func (e *SecurityCheckError) Error() string {
	return fmt.Sprintf("security check failed: %s (risk score %d)", e.Reason, e.Score)
}

type InsufficientFundsError struct {
	Asset     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s %s required, %s available",
		e.Required.String(), e.Asset, e.Available.String())
}

func (e *InsufficientFundsError) Unwrap() error { return store.ErrInsufficientFunds }

type InsufficientKeysError struct {
	Required  int64
	Available int64
}

func (e *InsufficientKeysError) Error() string {
	return fmt.Sprintf("insufficient keys: %d required, %d held", e.Required, e.Available)
}

func (e *InsufficientKeysError) Unwrap() error { return store.ErrInsufficientKeys }

// Reason maps an error to a stable machine-readable code for callers that
// render their own messages. A nil error maps to "".
func Reason(err error) string {
	if err == nil {
		return ""
	}

	var inputErr *InputError
	var securityErr *SecurityCheckError
	switch {
	case errors.As(err, &inputErr):
		return "input_error"
	case errors.As(err, &securityErr):
		return "security_check_failed"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrAccountLocked):
		return "account_locked"
	case errors.Is(err, store.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, store.ErrInsufficientKeys):
		return "insufficient_keys"
	case errors.Is(err, ErrPriceUnavailable):
		return "price_unavailable"
	case errors.Is(err, ErrPersistenceConflict):
		return "persistence_conflict"
	case errors.Is(err, ErrDuplicateTransactionId):
		return "duplicate_transaction_id"
	case errors.Is(err, store.ErrTransactionNotFound):
		return "transaction_not_found"
	case errors.Is(err, store.ErrTerminalTransaction):
		return "transaction_terminal"
	default:
		return "internal_error"
	}
}
