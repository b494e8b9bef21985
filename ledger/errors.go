/*
errors.go - Error types for the fee ledger

ERROR CATEGORIES:
  1. Validation errors - bad or missing input, nothing written
  2. Not-found errors - missing record, student, payment or period
  3. Conflict errors - duplicate reference, lost optimistic race
  4. Everything else - store failures, surfaced after rollback

USAGE:
  if ledger.IsNotFound(err) { ... 404 ... }
  if errors.Is(err, ledger.ErrDuplicateReference) { ... 409 ... }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	// ErrInvalidAmount is returned for zero, negative or non-numeric amounts.
	ErrInvalidAmount = errors.New("amount must be a positive number")

	// ErrNegativePaidAmount is returned when a correction would drive a
	// record's paid amount below zero.
	ErrNegativePaidAmount = errors.New("paid amount cannot become negative")

	ErrRecordNotFound  = errors.New("fee record not found")
	ErrStudentNotFound = errors.New("student not found")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPeriodNotFound  = errors.New("academic period not found")

	// ErrDuplicateRecord is returned by stores when the
	// (school, student, term, session) key already exists.
	ErrDuplicateRecord = errors.New("fee record already exists")

	// ErrDuplicateReference is returned when a payment reference was already
	// recorded for the school. Replayed gateway callbacks land here.
	ErrDuplicateReference = errors.New("payment reference already recorded")

	// ErrConcurrentModification is returned when the optimistic version check
	// on a FeeRecord fails.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// RecordNotFoundError is returned when a payment targets a period the
// student has no record for yet.
type RecordNotFoundError struct {
	StudentID StudentID
	Period    Period
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("no fee record for student %s in %s: create a fee record first",
		e.StudentID, e.Period)
}

func (e *RecordNotFoundError) Unwrap() error {
	return ErrRecordNotFound
}

// NegativePaidError carries the numbers behind ErrNegativePaidAmount.
type NegativePaidError struct {
	RecordID RecordID
	Paid     decimal.Decimal
	Delta    decimal.Decimal
}

func (e *NegativePaidError) Error() string {
	return fmt.Sprintf("paid amount cannot become negative: record %s has %s paid, change %s",
		e.RecordID, e.Paid.StringFixed(2), e.Delta.StringFixed(2))
}

func (e *NegativePaidError) Unwrap() error {
	return ErrNegativePaidAmount
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrNegativePaidAmount)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrStudentNotFound) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrPeriodNotFound)
}

// IsConflict returns true for duplicate writes and lost races.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrDuplicateRecord) ||
		errors.Is(err, ErrConcurrentModification)
}

// MoneyScale is the number of decimal places an amount may carry.
const MoneyScale = 2

// checkScale rejects amounts with more than MoneyScale decimal places so
// stored figures always render exactly.
func checkScale(field string, d decimal.Decimal) error {
	if d.Equal(d.Truncate(MoneyScale)) {
		return nil
	}
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("%s cannot have more than %d decimal places", field, MoneyScale),
	}
}
