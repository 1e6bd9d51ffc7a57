package tunnel

import (
	"errors"
	"fmt"
)

// networkError marks failures the worker recovers from by tearing down the
// session and reconnecting with backoff: an unreachable upstream, a closed
// device stream, a watchdog-detected stall. Anything else that escapes a
// session is treated as unexpected and logged at error level before the
// reconnect.
type networkError struct {
	msg   string
	cause error
}

func (e *networkError) Error() string { return e.msg }

func (e *networkError) Unwrap() error { return e.cause }

func networkErrorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	return &networkError{msg: err.Error(), cause: errors.Unwrap(err)}
}

// IsNetworkError reports whether err is a recoverable network condition rather
// than an unexpected failure.
func IsNetworkError(err error) bool {
	var ne *networkError
	return errors.As(err, &ne)
}
