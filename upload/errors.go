package upload

import (
	"context"
	"errors"
	"net/http"

	"github.com/bitrise-io/go-resumable-upload/network"
)

var (
	// ErrRetryLimitExceeded is returned when consecutive retries ran out. The
	// session stays cached, so a later upload with the same configuration
	// resumes it.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrReplayUnavailable is returned when the service asks for bytes that
	// were already released from the replay buffer.
	ErrReplayUnavailable = errors.New("bytes needed for resumption are no longer buffered")

	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("upload is closed")

	// ErrAborted is returned by Write and Close after Abort.
	ErrAborted = errors.New("upload aborted")
)

var (
	errInterrupted = errors.New("stream interrupted by response")
	errAttemptDone = errors.New("attempt finished")
)

// restartError asks the orchestrator to drop the session and open a new one.
type restartError struct {
	reason string
}

func (e *restartError) Error() string {
	return "restart required: " + e.reason
}

// IsRetryable reports whether err leaves the upload resumable: running a new
// upload with the same configuration and session store may succeed.
// Configuration errors and definitive rejections by the service are not
// retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return false
	}

	switch {
	case errors.Is(err, ErrRetryLimitExceeded),
		errors.Is(err, ErrReplayUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, ErrAborted), errors.Is(err, ErrClosed):
		return false
	}

	var transportErr *network.TransportError
	if errors.As(err, &transportErr) {
		return true
	}

	var protocolErr *network.ProtocolError
	if errors.As(err, &protocolErr) {
		return isServerError(protocolErr.StatusCode) ||
			protocolErr.StatusCode == http.StatusTooManyRequests ||
			protocolErr.StatusCode == http.StatusRequestTimeout
	}
	return false
}

func isServerError(status int) bool {
	return status >= 500 && status <= 599
}
