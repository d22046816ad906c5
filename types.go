package eventsource

import (
	"fmt"
	"net/http"
	"time"
)

// ============================================================================
// Ready states
// ============================================================================

// ReadyState mirrors the EventSource connection states.
type ReadyState int

const (
	// Connecting means the source is establishing a connection or waiting
	// out a retry delay before the next attempt.
	Connecting ReadyState = 0
	// Open means a conforming stream is connected and events may arrive.
	Open ReadyState = 1
	// Closed means Close was called. A closed source never reconnects.
	Closed ReadyState = 2
)

func (s ReadyState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("ReadyState(%d)", int(s))
}

// ============================================================================
// Wire records
// ============================================================================

// Event is a single decoded event record from the stream.
type Event struct {
	// Type is the record's event type, "message" when the stream did not
	// name one.
	Type string
	// Data is the record payload. Multiple data lines in one record are
	// joined with newlines.
	Data string
	// LastEventID is the most recent id the server assigned, carried
	// forward onto records that have no id field of their own.
	LastEventID string
}

// ConnectionStatus describes the response that started one attempt.
type ConnectionStatus struct {
	Status     int
	StatusText string
	Headers    http.Header
}

// ============================================================================
// Errors
// ============================================================================

// ResponseError reports a response that is not a usable event stream:
// a non-200 status or a content type other than text/event-stream.
// The source schedules a reconnect after reporting it.
type ResponseError struct {
	Status      ConnectionStatus
	ContentType string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("eventsource: unusable response: HTTP %d %s (content type %q)",
		e.Status.Status, e.Status.StatusText, e.ContentType)
}

// StallError reports a connection that delivered no bytes for longer than
// the heartbeat timeout. The source aborts the attempt and reconnects.
type StallError struct {
	// Elapsed is the time since the attempt started.
	Elapsed time.Duration
	// Bytes is the number of body bytes received during the attempt.
	Bytes int64
}

func (e *StallError) Error() string {
	return fmt.Sprintf("eventsource: no activity after %s (%d bytes received)", e.Elapsed, e.Bytes)
}
