package resilience

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrCircuitOpen is returned when the breaker for a service refuses a call.
var ErrCircuitOpen = errors.New("service unavailable: circuit breaker is open")

// HTTPStatusError is a non-2xx response from a downstream service.
type HTTPStatusError struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("http status %d", e.StatusCode)
}

// NetworkError wraps transport-level failures (dial, reset, per-attempt timeout).
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DatabaseError tags failures raised by the storage layer.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database error during %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// ExternalServiceError tags a downstream that answered but not usefully
// (unparseable body, unexpected payload).
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ResourceError tags local exhaustion (memory, file descriptors, pool capacity).
type ResourceError struct {
	Resource string
	Err      error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("resource %s exhausted: %v", e.Resource, e.Err)
}

func (e *ResourceError) Unwrap() error { return e.Err }

// CallError is the terminal failure of Client.Do.
type CallError struct {
	Service    string
	Class      Classification
	Attempts   int
	Duration   time.Duration
	StatusCode int
	Body       []byte
	Err        error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s call failed after %d attempt(s) [%s]: %v", e.Service, e.Attempts, e.Class.Category, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }
