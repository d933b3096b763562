package upload

import (
	"time"

	"github.com/bitrise-io/go-resumable-upload/network"
	storage "google.golang.org/api/storage/v1"
)

// State is a phase of the upload state machine.
type State int32

const (
	StateIdle State = iota
	StateNegotiating
	StateStreaming
	StateAwaitingResponse
	StateRetrying
	StateRestarting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateAwaitingResponse:
		return "awaiting-response"
	case StateRetrying:
		return "retrying"
	case StateRestarting:
		return "restarting"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// EventType identifies an Event.
type EventType int

const (
	// EventProgress is emitted for every chunk processed, including chunks
	// sent again after a retry, with the caller bytes processed so far.
	EventProgress EventType = iota
	// EventResponse carries a data request reply that was not retried: the
	// final response of a successful upload or the reply that failed it.
	EventResponse
	// EventMetadata carries the created object.
	EventMetadata
	// EventRetry is emitted before a retry, after the backoff was chosen.
	EventRetry
	// EventRestart is emitted when the session was dropped for a new one.
	EventRestart
	// EventError carries the terminal error. It is emitted at most once.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventProgress:
		return "progress"
	case EventResponse:
		return "response"
	case EventMetadata:
		return "metadata"
	case EventRetry:
		return "retry"
	case EventRestart:
		return "restart"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is delivered to observers from the upload's control goroutine.
type Event struct {
	Type EventType

	// BytesWritten and ContentLength are set on progress events.
	// ContentLength is UnknownLength for open-ended uploads.
	BytesWritten  int64
	ContentLength int64

	// Response is set on response events and on retries caused by a status.
	Response *network.Response
	Metadata *storage.Object

	// Attempt and Delay are set on retry events.
	Attempt int
	Delay   time.Duration

	// Reason describes why a retry or restart happened.
	Reason string
	Err    error
}

// Observer receives upload events. Observe is called synchronously and must
// not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) {
	f(e)
}
