// Package eventsource implements an always-reconnecting client for
// Server-Sent Events (text/event-stream).
//
// A source connects as soon as it is created and keeps reconnecting with
// exponential backoff until Close is called. The last seen event id is
// replayed to the server on every reconnect, both as the Last-Event-ID
// header and as the reserved lastEventId query parameter, and a heartbeat
// watchdog forces a reconnect when a connection goes silent.
//
// Example:
//
//	es, err := eventsource.New("https://example.com/stream",
//		eventsource.WithHeader("Authorization", "Bearer "+token),
//	)
//	if err != nil {
//		return err
//	}
//	defer es.Close()
//
//	es.AddEventListener("message", func(e eventsource.Event) {
//		fmt.Println(e.Data)
//	})
package eventsource

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultRetry is the initial reconnect delay.
	DefaultRetry = 1000 * time.Millisecond
	// DefaultHeartbeatTimeout is the inactivity window after which a
	// connection counts as stalled.
	DefaultHeartbeatTimeout = 45 * time.Second
)

// EventSource is a single long-lived SSE connection with automatic
// reconnection. All methods are safe for concurrent use, and safe to call
// from inside listeners.
type EventSource struct {
	url             *url.URL
	headers         http.Header
	withCredentials bool
	transport       Transport
	dispatcher      *dispatcher
	logger          zerolog.Logger

	mu               sync.Mutex
	state            connState
	lastEventID      string
	initialRetry     time.Duration
	currentRetry     time.Duration
	heartbeatTimeout time.Duration
	lastActivity     time.Time
	bytesReceived    int64
	attempt          uint64
	attemptID        string
	attemptStart     time.Time
	handle           TransportHandle
	parser           *parser
	retrySlot        timerSlot
	watchdogSlot     timerSlot

	listenerErr func(error)
}

// Option configures an EventSource.
type Option func(*EventSource)

// WithTransport replaces the bundled HTTP transport.
func WithTransport(t Transport) Option {
	return func(es *EventSource) { es.transport = t }
}

// WithHTTPClient streams through the given client. The client must not
// have a Timeout set.
func WithHTTPClient(client *http.Client) Option {
	return func(es *EventSource) { es.transport = &HTTPTransport{Client: client} }
}

// WithHeader adds a header to every attempt.
func WithHeader(name, value string) Option {
	return func(es *EventSource) { es.headers.Add(name, value) }
}

// WithHeaders adds all given headers to every attempt.
func WithHeaders(h http.Header) Option {
	return func(es *EventSource) {
		for name, values := range h {
			for _, v := range values {
				es.headers.Add(name, v)
			}
		}
	}
}

// WithCredentials asks the transport to attach ambient credentials.
func WithCredentials(enabled bool) Option {
	return func(es *EventSource) { es.withCredentials = enabled }
}

// WithRetry sets the initial reconnect delay. Values are clamped to
// [1s, 5h], like server-assigned retry intervals.
func WithRetry(d time.Duration) Option {
	return func(es *EventSource) {
		es.initialRetry = clampInterval(d)
		es.currentRetry = es.initialRetry
	}
}

// WithHeartbeatTimeout sets the inactivity window of the stall watchdog.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(es *EventSource) { es.heartbeatTimeout = d }
}

// WithLastEventID seeds the resume point, as if an id had already been
// received on this connection.
func WithLastEventID(id string) Option {
	return func(es *EventSource) { es.lastEventID = id }
}

// WithLogger attaches a logger for connection diagnostics.
func WithLogger(l zerolog.Logger) Option {
	return func(es *EventSource) { es.logger = l }
}

// WithListenerErrorHandler replaces the hook that receives recovered
// listener panics. The hook runs on its own goroutine, decoupled from the
// delivery call stack.
func WithListenerErrorHandler(fn func(error)) Option {
	return func(es *EventSource) { es.listenerErr = fn }
}

// New creates a source and starts connecting immediately. It fails only on
// an unusable URL; every network or protocol problem after construction is
// reported through error listeners and retried.
func New(rawURL string, opts ...Option) (*EventSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("eventsource: parse url: %w", err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("eventsource: url %q has no scheme", rawURL)
	}

	es := &EventSource{
		url:              u,
		headers:          make(http.Header),
		transport:        &HTTPTransport{},
		logger:           zerolog.Nop(),
		initialRetry:     DefaultRetry,
		currentRetry:     DefaultRetry,
		heartbeatTimeout: DefaultHeartbeatTimeout,
	}
	for _, opt := range opts {
		opt(es)
	}
	es.dispatcher = newDispatcher(es.reportListenerError)

	es.mu.Lock()
	es.state = stateIdle
	es.armTimerLocked(&es.retrySlot, 0, es.connectLocked)
	es.mu.Unlock()

	return es, nil
}

func (es *EventSource) reportListenerError(err error) {
	es.logger.Error().Err(err).Msg("listener failed")
	if es.listenerErr != nil {
		es.listenerErr(err)
	}
}

// ============================================================================
// Public surface
// ============================================================================

// URL returns the base request target.
func (es *EventSource) URL() string { return es.url.String() }

// WithCredentialsEnabled reports whether attempts carry ambient credentials.
func (es *EventSource) WithCredentialsEnabled() bool { return es.withCredentials }

// ReadyState returns the connection state. Waiting out a retry delay counts
// as Connecting.
func (es *EventSource) ReadyState() ReadyState {
	es.mu.Lock()
	defer es.mu.Unlock()
	switch es.state {
	case stateOpen:
		return Open
	case stateClosed:
		return Closed
	default:
		return Connecting
	}
}

// LastEventID returns the current resume point.
func (es *EventSource) LastEventID() string {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.lastEventID
}

// Close shuts the source down permanently: the active transport and both
// timers are cancelled and no further notifications are delivered. Close is
// idempotent and may be called from inside a listener; records behind the
// closing one in the same batch are suppressed.
func (es *EventSource) Close() {
	es.mu.Lock()
	if es.state == stateClosed {
		es.mu.Unlock()
		return
	}
	es.state = stateClosed
	handle := es.handle
	es.handle = nil
	es.cancelTimerLocked(&es.retrySlot)
	es.cancelTimerLocked(&es.watchdogSlot)
	es.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	es.logger.Debug().Msg("closed")
}

// ============================================================================
// Subscription
// ============================================================================

// AddEventListener registers a listener for one event type ("message" or a
// server-assigned custom type). The returned function removes it.
func (es *EventSource) AddEventListener(eventType string, fn Listener) (remove func()) {
	return es.dispatcher.addListener(eventType, fn)
}

// AddOpenListener registers a listener for successful connections.
func (es *EventSource) AddOpenListener(fn OpenListener) (remove func()) {
	return es.dispatcher.addOpenListener(fn)
}

// AddErrorListener registers a listener for connection failures.
func (es *EventSource) AddErrorListener(fn ErrorListener) (remove func()) {
	return es.dispatcher.addErrorListener(fn)
}

// SetOnOpen sets the single-slot open handler, invoked before registered
// open listeners. nil clears it.
func (es *EventSource) SetOnOpen(fn OpenListener) { es.dispatcher.setPrimaryOpen(fn) }

// SetOnMessage sets the single-slot handler for "message" records, invoked
// before registered listeners. nil clears it.
func (es *EventSource) SetOnMessage(fn Listener) { es.dispatcher.setPrimaryMessage(fn) }

// SetOnError sets the single-slot error handler, invoked before registered
// error listeners. nil clears it.
func (es *EventSource) SetOnError(fn ErrorListener) { es.dispatcher.setPrimaryError(fn) }
