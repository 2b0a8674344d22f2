// ABOUTME: Error taxonomy shared by the registry, executor, tokens and print jobs
// ABOUTME: Sentinels are matched with errors.Is; ValidationError carries per-field detail

package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation means the caller sent bad or missing input
	ErrValidation = errors.New("validation failed")

	// ErrNotFound means the service, token or job does not exist
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the caller is authenticated but may not touch the resource
	ErrForbidden = errors.New("forbidden")

	// ErrUnauthorized means the credential is missing or invalid
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConflict means the lifecycle transition is not allowed
	ErrConflict = errors.New("conflict")

	// ErrEngine means the calculation engine reported a fault
	ErrEngine = errors.New("engine error")

	// ErrUpstream means the store or blob storage could not be reached
	ErrUpstream = errors.New("upstream unavailable")
)

// FieldViolation describes one invalid input.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects every violation found in one request.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrValidation) true for every *ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Add records a violation.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Violations = append(e.Violations, FieldViolation{Field: field, Message: fmt.Sprintf(format, args...)})
}

// OrNil returns e if it holds any violation, nil otherwise.
func (e *ValidationError) OrNil() error {
	if len(e.Violations) == 0 {
		return nil
	}
	return e
}

// Fields returns the names of the offending fields in order.
func (e *ValidationError) Fields() []string {
	fields := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		fields[i] = v.Field
	}
	return fields
}

// Upstream marks err as an infrastructure failure while keeping it in the chain.
func Upstream(err error) error {
	if err == nil || errors.Is(err, ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstream, err)
}

// Kind returns the taxonomy sentinel err belongs to, or nil for unclassified errors.
func Kind(err error) error {
	for _, sentinel := range []error{
		ErrValidation, ErrNotFound, ErrForbidden, ErrUnauthorized,
		ErrConflict, ErrEngine, ErrUpstream,
	} {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}
