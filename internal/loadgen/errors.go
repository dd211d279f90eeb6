package loadgen

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// RequestError wraps a failed completion call with enough context to decide
// whether it is worth retrying.
type RequestError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("completion request failed (HTTP %d): %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("completion request failed: %v", e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an error is transient: connection-level
// failures, timeouts, and 5xx (plus 408/429) responses. Anything else is a
// hard failure and retrying would only repeat it.
func IsRetryable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		if re.StatusCode >= 500 && re.StatusCode < 600 {
			return true
		}
		if re.StatusCode == http.StatusRequestTimeout || re.StatusCode == http.StatusTooManyRequests {
			return true
		}
		if re.StatusCode > 0 {
			return false
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}
