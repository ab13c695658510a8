package types

import "errors"

var (
	// ErrUnavailable marks a failed read or write against a collaborator (chain, marketplace, store).
	// The value it would have produced is unknown, never zero.
	ErrUnavailable = errors.New("collaborator unavailable")

	// ErrInvalidInput marks inputs that cannot produce a valid plan.
	ErrInvalidInput = errors.New("invalid input")

	// ErrOperationAbandoned marks an operation that exhausted its retry budget.
	ErrOperationAbandoned = errors.New("operation abandoned")

	// ErrConfig marks configuration or wiring problems found at startup.
	ErrConfig = errors.New("invalid configuration")
)

// IsTransient reports whether err is worth retrying on a later cycle.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrUnavailable)
}
