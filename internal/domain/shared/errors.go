package shared

import "errors"

// DomainError is a sentinel carrying a stable machine readable code.
// Typed errors in the domain packages match one of these through their Is
// method and report the same code.
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *DomainError) Error() string {
	return e.Message
}

// Is matches any DomainError with the same code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && e.Code == t.Code
}

func NewDomainError(code, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// Coded is implemented by every typed stock error.
type Coded interface {
	error
	Code() string
}

// ErrorCode returns the code of the first Coded error in err's chain, or
// "INTERNAL" when there is none.
func ErrorCode(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	var d *DomainError
	if errors.As(err, &d) {
		return d.Code
	}
	return "INTERNAL"
}

// Stock error sentinels
var (
	ErrNotFound            = NewDomainError("NOT_FOUND", "Resource not found")
	ErrInvalidInput        = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrInvalidState        = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
	ErrInsufficientStock   = NewDomainError("INSUFFICIENT_STOCK", "Insufficient stock available")
	ErrNegativeStockDenied = NewDomainError("NEGATIVE_STOCK_DENIED", "Resulting balance is below the negative stock limit")
	ErrConsistency         = NewDomainError("CONSISTENCY_VIOLATION", "Internal consistency invariant violated")
	ErrConcurrencyTimeout  = NewDomainError("CONCURRENCY_TIMEOUT", "Timed out waiting for exclusive access")
	ErrDuplicateRequest    = NewDomainError("DUPLICATE_REQUEST", "Request was already applied")
)
