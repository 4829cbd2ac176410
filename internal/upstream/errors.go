// Package upstream implements the SambaNova cloud HTTP client: the shared
// tuned transport, the completion and model-list calls, and upstream error
// categorization.
package upstream

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
)

// StatusError is an upstream HTTP failure carrying the original status
// code so callers can map it to the right gateway response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

// NewStatusError builds a StatusError, truncating oversized bodies.
func NewStatusError(code int, body string) *StatusError {
	const maxMessage = 512
	if len(body) > maxMessage {
		body = body[:maxMessage] + "..."
	}
	return &StatusError{StatusCode: code, Message: body}
}

// IsAuthRejection reports whether err is the upstream telling us the
// credential is no longer accepted.
func IsAuthRejection(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

// IsRateLimited reports whether err is an upstream 429.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests
}

// IsCircuitOpen reports whether err came from the open circuit breaker
// rather than an actual upstream response.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// GatewayStatus maps an upstream error to the status the gateway should
// answer with: 401 passes through, 429 passes through, everything else is
// a bad gateway.
func GatewayStatus(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusUnauthorized, http.StatusTooManyRequests:
			return se.StatusCode
		case http.StatusGatewayTimeout:
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	}
	if IsCircuitOpen(err) {
		return http.StatusBadGateway
	}
	return http.StatusBadGateway
}
