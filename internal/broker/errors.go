package broker

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the broker port. Callers classify failures with
// errors.Is and never inspect venue-specific payloads.
var (
	// ErrTransient marks network blips and reconnect races; the caller
	// skips the current tick and retries on the next one.
	ErrTransient = errors.New("transient broker error")
	// ErrAuth marks bad credentials; the executor stops and the user's
	// credentials are flagged inactive.
	ErrAuth = errors.New("broker authentication failed")
	// ErrOrderRejected marks a venue-side order rejection.
	ErrOrderRejected = errors.New("order rejected by venue")
	// ErrOrderNotFound marks an unknown order id. Cancel treats it as
	// success to stay idempotent.
	ErrOrderNotFound = errors.New("order not found")
	// ErrVenueNotImplemented is returned by stub adapters on connect.
	ErrVenueNotImplemented = errors.New("venue adapter not implemented")
	// ErrNotConnected is returned when a session call precedes Connect.
	ErrNotConnected = errors.New("broker session not connected")
)

// APIError is a venue HTTP/RPC level failure with enough detail to decide
// whether retrying is worthwhile.
type APIError struct {
	Status  int
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue api error (status=%d code=%d): %s", e.Status, e.Code, e.Message)
}

// Unwrap maps the API error onto the sentinel taxonomy.
func (e *APIError) Unwrap() error {
	if e.Status == 401 || e.Status == 403 {
		return ErrAuth
	}
	if e.Status == 429 || e.Status >= 500 {
		return ErrTransient
	}
	return nil
}

// transientPatterns covers failures that surface as plain errors from the
// HTTP and WebSocket layers rather than as APIError values.
var transientPatterns = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"connection closed",
	"not authenticated",
	"temporary failure",
	"rate limit",
	"eof",
	"network",
	"dns",
	"tcp",
}

// IsTransient reports whether an error is worth retrying on the next tick.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrOrderRejected) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
