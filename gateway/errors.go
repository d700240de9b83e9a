package gateway

import (
	"errors"
	"fmt"
)

// NetworkError indicates the request never produced a response: no
// connectivity, DNS failure, timeout or cancellation.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError indicates a non-2xx response. Message carries the server's
// human-readable error text when it sent one.
type HTTPError struct {
	Op      string
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Message)
}

// DecodeError indicates the response body did not have the expected shape.
type DecodeError struct {
	Op  string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Op, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsNetwork checks if an error is a NetworkError.
func IsNetwork(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// IsDecode checks if an error is a DecodeError.
func IsDecode(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsHTTPStatus checks if an error is an HTTPError with the given status.
// A status of 0 matches any HTTPError.
func IsHTTPStatus(err error, status int) bool {
	var he *HTTPError
	if !errors.As(err, &he) {
		return false
	}
	return status == 0 || he.Status == status
}

// IsTransient reports whether retrying the same request may succeed.
func IsTransient(err error) bool {
	if IsNetwork(err) {
		return true
	}
	var he *HTTPError
	return errors.As(err, &he) && he.Status >= 500
}

// ServerMessage returns the server-supplied error text, if any.
func ServerMessage(err error) string {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Message
	}
	return ""
}
