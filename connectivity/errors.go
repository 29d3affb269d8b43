package connectivity

import (
	"errors"
	"fmt"
)

// ErrServiceNotFound is returned when Call targets a service with no route
// and no local handler.
type ErrServiceNotFound struct {
	Service string
}

func (e *ErrServiceNotFound) Error() string {
	return fmt.Sprintf("connectivity: service not routable: %s", e.Service)
}

// ErrServiceDisabled is returned for services routed with strategy "noop".
type ErrServiceDisabled struct {
	Service string
}

func (e *ErrServiceDisabled) Error() string {
	return fmt.Sprintf("connectivity: service disabled: %s", e.Service)
}

// ErrNoFactory is returned during Reload when a route's strategy has no
// registered TransportFactory.
type ErrNoFactory struct {
	Service  string
	Strategy string
}

func (e *ErrNoFactory) Error() string {
	return fmt.Sprintf("connectivity: no transport factory for strategy %q (service %s)", e.Strategy, e.Service)
}

// ErrFactoryFailed wraps a TransportFactory error.
type ErrFactoryFailed struct {
	Service  string
	Strategy string
	Endpoint string
	Cause    error
}

func (e *ErrFactoryFailed) Error() string {
	return fmt.Sprintf("connectivity: factory %q failed for service %s (endpoint %s): %v",
		e.Strategy, e.Service, e.Endpoint, e.Cause)
}

func (e *ErrFactoryFailed) Unwrap() error { return e.Cause }

// ErrCircuitOpen is returned when the circuit breaker for a service is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// IsUnroutable reports whether err means the service cannot be reached
// at all (no route, no handler, or disabled), as opposed to a failed call.
func IsUnroutable(err error) bool {
	var nf *ErrServiceNotFound
	var dis *ErrServiceDisabled
	return errors.As(err, &nf) || errors.As(err, &dis)
}
