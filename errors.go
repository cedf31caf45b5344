package allowance

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure scenarios.
var (
	// General errors
	ErrNotFound      = errors.New("allowance: not found")
	ErrAlreadyExists = errors.New("allowance: already exists")
	ErrInvalidInput  = errors.New("allowance: invalid input")
	ErrUnauthorized  = errors.New("allowance: unauthorized")

	// Entitlement errors
	ErrUserNotFound       = errors.New("allowance: user not found")
	ErrInvalidEntitlement = errors.New("allowance: invalid entitlement")

	// Quota errors
	ErrInvalidTokens     = errors.New("allowance: tokens must be positive")
	ErrPlanNotConfigured = errors.New("allowance: plan has no daily quota")

	// System errors. Any of these blocks the metered action.
	ErrSystem          = errors.New("allowance: system error")
	ErrStoreNotReady   = errors.New("allowance: store not ready")
	ErrStoreClosed     = errors.New("allowance: store is closed")
	ErrMigrationFailed = errors.New("allowance: migration failed")
)

// ValidationError represents a validation failure with details.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("allowance: validation failed for %s: %s", e.Field, e.Message)
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// MultiError represents multiple errors that occurred.
type MultiError struct {
	Errors []error
}

func (e MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "allowance: no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("allowance: %d errors occurred", len(e.Errors))
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e MultiError) Unwrap() []error {
	return e.Errors
}

// Add adds an error to the multi-error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// HasErrors returns true if there are any errors.
func (e MultiError) HasErrors() bool {
	return len(e.Errors) > 0
}

// Err returns nil when empty, the single error when there is one, and the
// MultiError otherwise.
func (e MultiError) Err() error {
	switch len(e.Errors) {
	case 0:
		return nil
	case 1:
		return e.Errors[0]
	}
	return e
}

// systemError marks err as a storage or configuration failure.
func systemError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSystem, op, err)
}

// IsNotFound returns true if the error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUserNotFound)
}

// IsValidationError returns true if the error was caused by bad caller input.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidTokens) ||
		errors.Is(err, ErrInvalidEntitlement)
}

// IsSystemError returns true if the error came from storage or configuration
// rather than the caller. The action must not proceed.
func IsSystemError(err error) bool {
	return errors.Is(err, ErrSystem) ||
		errors.Is(err, ErrStoreNotReady) ||
		errors.Is(err, ErrStoreClosed) ||
		errors.Is(err, ErrMigrationFailed) ||
		errors.Is(err, ErrPlanNotConfigured)
}

// IsRetryable returns true if the error is temporary and the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreNotReady) ||
		(errors.Is(err, ErrSystem) && !errors.Is(err, ErrPlanNotConfigured))
}
