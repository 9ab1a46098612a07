package faces

import (
	"errors"
	"fmt"

	"facegate.org/internal/health"
)

var (
	ErrCapabilityUnavailable = errors.New("faces: capability unavailable")
	ErrInvalidInput          = errors.New("faces: invalid input")
)

// CapabilityError is returned when the current health state does not permit
// an operation and queuing does not apply.
type CapabilityError struct {
	Operation     health.Capability
	OverallStatus string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("operation %q unavailable (system %s)", e.Operation, e.OverallStatus)
}

func (e *CapabilityError) Unwrap() error { return ErrCapabilityUnavailable }
