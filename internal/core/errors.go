package core

import "errors"

// Error kinds surfaced by the status/config boundary. Callers wrap them with
// fmt.Errorf("%w: ...") and match with errors.Is.
var (
	ErrValidation  = errors.New("validation")
	ErrUnavailable = errors.New("unavailable")
	ErrInternal    = errors.New("internal")
)

// ErrRecordTerminal is returned when closing a record that already finished.
var ErrRecordTerminal = errors.New("task record already terminal")

// ErrRecordNotFound is returned when closing a record the history no longer holds.
var ErrRecordNotFound = errors.New("task record not found")

// Kind maps err onto one of the boundary error kinds.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
