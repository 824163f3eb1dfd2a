package relay

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every *ValidationError via errors.Is.
var ErrValidation = errors.New("validation failed")

// ValidationError reports a push or pull rejected because of its input.
// Callers should surface it as a 4xx and never retry it.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
