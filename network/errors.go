package network

import (
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"
)

var (
	// ErrSessionNotFound is reported by QueryOffset when the service answers
	// 404 for a session URI.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionTerminated is reported by QueryOffset when the service answers
	// 410: the session expired or was cancelled.
	ErrSessionTerminated = errors.New("upload session terminated")

	// ErrSessionCompleted is reported by QueryOffset when the session was
	// already finalized into an object.
	ErrSessionCompleted = errors.New("upload session already completed")
)

// TransportError is a connection-level failure: no HTTP response was
// received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError is an HTTP response the caller cannot continue from: an
// unexpected status code, a missing header or an error object embedded in the
// response body.
type ProtocolError struct {
	Op         string
	StatusCode int
	Message    string
	// APIError is set when the response body carried a JSON error object.
	APIError *googleapi.Error
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if e.APIError != nil && e.APIError.Message != "" {
		msg = e.APIError.Message
	}
	if msg == "" {
		return fmt.Sprintf("%s: unexpected HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, msg)
}

func (e *ProtocolError) Unwrap() error {
	if e.APIError == nil {
		return nil
	}
	return e.APIError
}

func newProtocolError(op string, resp *Response) *ProtocolError {
	return &ProtocolError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Message:    truncate(string(resp.Body), 512),
		APIError:   resp.Err,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
