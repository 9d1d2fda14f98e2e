package bus

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrServiceUnavailable means no provider of the required type is
	// registered. The LLM bus raises it; other buses embed it in typed
	// responses.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrShuttingDown means a mutating operation was refused because
	// runtime shutdown is in progress.
	ErrShuttingDown = errors.New("shutdown in progress")

	// ErrTimeout is the fast-fail classification for provider timeouts.
	// It is surfaced without further retries to prevent storm
	// amplification from nested retry layers.
	ErrTimeout = errors.New("llm call timed out")
)

// AllProvidersFailedError is the terminal failure of a failover chain:
// every priority group was exhausted without a successful call.
type AllProvidersFailedError struct {
	LastErr error
	Tried   int
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("all %d llm providers failed, last error: %v", e.Tried, e.LastErr)
}

func (e *AllProvidersFailedError) Unwrap() error { return e.LastErr }

// isTimeoutError classifies timeout cascades that must fast-fail the
// caller instead of walking the rest of the failover chain.
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
