package panel

import (
	"context"
	"errors"
	"fmt"
)

// Panel errors.
var (
	ErrClientNotFound      = errors.New("client not found on panel")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrUnauthorized        = errors.New("panel rejected credentials")
)

// TransientError marks a failure that may succeed on retry (timeouts, refused
// connections, 5xx responses).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("panel %s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying with the same input cannot fix
// (duplicate identifier, validation errors, unknown client).
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("panel %s: permanent: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err was classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err was classified as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// classifyTransport wraps a transport-level error. Timeouts, refused and reset
// connections are transient. A cancelled caller context is not retried.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return &PermanentError{Op: op, Err: err}
	}
	return &TransientError{Op: op, Err: err}
}

// classifyStatus maps an HTTP status to an error class.
func classifyStatus(op string, status int, body string) error {
	err := fmt.Errorf("http %d: %s", status, truncate(body, 200))
	switch {
	case status == 401 || status == 403:
		return &PermanentError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnauthorized, err)}
	case status == 404:
		return &PermanentError{Op: op, Err: fmt.Errorf("%w: %v", ErrClientNotFound, err)}
	case status == 408 || status == 429 || status >= 500:
		return &TransientError{Op: op, Err: err}
	}
	return &PermanentError{Op: op, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
