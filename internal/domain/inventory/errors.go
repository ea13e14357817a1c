package inventory

import (
	"fmt"

	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrValidation is the sentinel matched by every ValidationError
var ErrValidation = shared.NewDomainError("VALIDATION_FAILED", "Validation failed")

// ValidationError reports malformed input. It is always raised before any
// line is acquired.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Code returns the machine readable error code
func (e *ValidationError) Code() string { return ErrValidation.Code }

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation || target == shared.ErrInvalidInput
}

// InsufficientStockError is returned when the available quantity of a line
// cannot satisfy a reservation or transfer.
type InsufficientStockError struct {
	Key       LineKey
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock on %s: available %s, requested %s",
		e.Key, e.Available.StringFixed(QuantityScale), e.Requested.StringFixed(QuantityScale))
}

func (e *InsufficientStockError) Code() string { return shared.ErrInsufficientStock.Code }

func (e *InsufficientStockError) Is(target error) bool {
	return target == shared.ErrInsufficientStock
}

// NegativeStockDeniedError is returned when the negative stock policy
// decides DENY. The fields are what callers use to build user messages.
type NegativeStockDeniedError struct {
	ProductID        int64
	Limit            decimal.Decimal
	ResultingBalance decimal.Decimal
	Requested        decimal.Decimal
}

func (e *NegativeStockDeniedError) Error() string {
	return fmt.Sprintf("product %d: resulting balance %s would fall below limit %s (requested %s)",
		e.ProductID,
		e.ResultingBalance.StringFixed(QuantityScale),
		e.Limit.StringFixed(QuantityScale),
		e.Requested.StringFixed(QuantityScale))
}

func (e *NegativeStockDeniedError) Code() string { return shared.ErrNegativeStockDenied.Code }

func (e *NegativeStockDeniedError) Is(target error) bool {
	return target == shared.ErrNegativeStockDenied
}

// ConsistencyError signals a violated internal invariant. It is a contract
// violation, never a business condition, and is never corrected silently.
type ConsistencyError struct {
	Key    LineKey
	Detail string
}

func NewConsistencyError(key LineKey, format string, args ...any) *ConsistencyError {
	return &ConsistencyError{Key: key, Detail: fmt.Sprintf(format, args...)}
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("consistency violation on %s: %s", e.Key, e.Detail)
}

func (e *ConsistencyError) Code() string { return shared.ErrConsistency.Code }

func (e *ConsistencyError) Is(target error) bool {
	return target == shared.ErrConsistency
}

// ConcurrencyTimeoutError is returned when the caller's deadline expires
// while waiting to acquire a line. Nothing has been applied when it is
// raised before acquisition succeeds.
type ConcurrencyTimeoutError struct {
	Key   LineKey
	Cause error
}

func (e *ConcurrencyTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring %s: %v", e.Key, e.Cause)
}

func (e *ConcurrencyTimeoutError) Unwrap() error { return e.Cause }

func (e *ConcurrencyTimeoutError) Code() string { return shared.ErrConcurrencyTimeout.Code }

func (e *ConcurrencyTimeoutError) Is(target error) bool {
	return target == shared.ErrConcurrencyTimeout
}

// DuplicateRequestError is returned when a request carries an idempotency
// key that already produced a movement on the same line.
type DuplicateRequestError struct {
	IdempotencyKey string
	MovementID     uuid.UUID
}

func (e *DuplicateRequestError) Error() string {
	return fmt.Sprintf("request %q already applied as movement %s", e.IdempotencyKey, e.MovementID)
}

func (e *DuplicateRequestError) Code() string { return shared.ErrDuplicateRequest.Code }

func (e *DuplicateRequestError) Is(target error) bool {
	return target == shared.ErrDuplicateRequest
}

// StateError is returned when an entity is asked to make a transition its
// current state does not allow.
type StateError struct {
	Entity string
	ID     uuid.UUID
	State  string
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Action, e.Entity, e.ID, e.State)
}

func (e *StateError) Code() string { return shared.ErrInvalidState.Code }

// A StateError is a validation failure from the caller's point of view.
func (e *StateError) Is(target error) bool {
	return target == shared.ErrInvalidState || target == ErrValidation
}

var (
	_ shared.Coded = (*ValidationError)(nil)
	_ shared.Coded = (*InsufficientStockError)(nil)
	_ shared.Coded = (*NegativeStockDeniedError)(nil)
	_ shared.Coded = (*ConsistencyError)(nil)
	_ shared.Coded = (*ConcurrencyTimeoutError)(nil)
	_ shared.Coded = (*DuplicateRequestError)(nil)
	_ shared.Coded = (*StateError)(nil)
)
