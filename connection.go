package eventsource

import (
	"errors"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrStreamEnded reports a stream that finished without a transport fault:
// the server closed the response. The source reconnects after the current
// retry interval.
var ErrStreamEnded = errors.New("eventsource: stream ended")

// Retry intervals and heartbeat overrides from the wire are clamped into
// this range.
const (
	minInterval = 1000 * time.Millisecond
	maxInterval = 18_000_000 * time.Millisecond
)

// Backoff doubles the retry interval per failed attempt, up to this many
// times the initial value.
const maxBackoffFactor = 16

func clampInterval(d time.Duration) time.Duration {
	if d < minInterval {
		return minInterval
	}
	if d > maxInterval {
		return maxInterval
	}
	return d
}

// internal lifecycle states; Idle is "waiting for the retry timer".
type connState int

const (
	stateIdle connState = iota
	stateConnecting
	stateOpen
	stateClosed
)

// ============================================================================
// Timer slots
// ============================================================================

// timerSlot is a rearmable one-shot timer. Arming or cancelling bumps the
// generation, so a run that already left time.AfterFunc's queue turns into
// a no-op instead of firing twice.
type timerSlot struct {
	timer *time.Timer
	gen   uint64
}

// armTimerLocked schedules fn on the slot. fn runs with es.mu held and may
// return a follow-up to run after the lock is released (notifications must
// never be delivered under the lock). Caller holds es.mu.
func (es *EventSource) armTimerLocked(s *timerSlot, d time.Duration, fn func() func()) {
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() {
		es.mu.Lock()
		if s.gen != gen || es.state == stateClosed {
			es.mu.Unlock()
			return
		}
		after := fn()
		es.mu.Unlock()
		if after != nil {
			after()
		}
	})
}

// cancelTimerLocked stops the slot and invalidates any run already in
// flight. Caller holds es.mu.
func (es *EventSource) cancelTimerLocked(s *timerSlot) {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ============================================================================
// Attempt lifecycle
// ============================================================================

// connectLocked starts one attempt: fresh parse state, fresh watchdog, and
// a transport open against the resume URL. Caller holds es.mu; the returned
// follow-up performs the open outside the lock.
func (es *EventSource) connectLocked() func() {
	es.attempt++
	attempt := es.attempt
	es.attemptID = uuid.NewString()
	es.attemptStart = time.Now()
	es.state = stateConnecting
	es.bytesReceived = 0
	es.lastActivity = time.Time{}

	p := newParser(es.lastEventID)
	p.onEvent = func(e Event) { es.deliver(attempt, e) }
	p.onRetry = func(ms int64) { es.applyRetryField(attempt, ms) }
	p.onHeartbeat = func(ms int64) { es.applyHeartbeatField(attempt, ms) }
	es.parser = p

	es.armTimerLocked(&es.watchdogSlot, es.heartbeatTimeout, es.watchdogFired)

	req := TransportRequest{
		URL:             es.requestURL(),
		Headers:         es.requestHeaders(),
		WithCredentials: es.withCredentials,
	}
	cb := TransportCallbacks{
		OnStart:  func(status ConnectionStatus, contentType string) { es.onStart(attempt, status, contentType) },
		OnChunk:  func(text string) { es.onChunk(attempt, text) },
		OnFinish: func(err error) { es.onFinish(attempt, err) },
	}

	es.logger.Debug().
		Str("attempt", es.attemptID).
		Str("url", req.URL).
		Msg("connecting")

	return func() {
		h := es.transport.Open(req, cb)
		es.mu.Lock()
		// A transport may run callbacks synchronously from Open. If the
		// attempt already failed or finished, state has left the live
		// range and the handle must be cancelled, not stored.
		live := es.state == stateConnecting || es.state == stateOpen
		if es.attempt == attempt && live {
			es.handle = h
			es.mu.Unlock()
			return
		}
		es.mu.Unlock()
		h.Cancel()
	}
}

// requestURL derives the attempt target: the base URL with the reserved
// lastEventId query parameter rewritten to the current resume point.
// Inline schemes have no query semantics and are left untouched.
func (es *EventSource) requestURL() string {
	if es.lastEventID == "" || es.url.Scheme == "data" || es.url.Scheme == "blob" {
		return es.url.String()
	}
	u := *es.url
	u.RawQuery = rewriteQuery(u.RawQuery, es.lastEventID)
	return u.String()
}

// rewriteQuery replaces every lastEventId parameter with id while keeping
// all other parameters in their original order.
func rewriteQuery(raw, id string) string {
	pair := "lastEventId=" + url.QueryEscape(id)
	if raw == "" {
		return pair
	}
	parts := strings.Split(raw, "&")
	kept := make([]string, 0, len(parts)+1)
	for _, part := range parts {
		name := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			name = part[:i]
		}
		if name == "lastEventId" {
			continue
		}
		kept = append(kept, part)
	}
	kept = append(kept, pair)
	return strings.Join(kept, "&")
}

func (es *EventSource) requestHeaders() http.Header {
	h := make(http.Header, len(es.headers)+1)
	for name, values := range es.headers {
		h[name] = append([]string(nil), values...)
	}
	if es.lastEventID != "" {
		h.Set("Last-Event-ID", es.lastEventID)
	}
	return h
}

// ============================================================================
// Transport signals
// ============================================================================

func isEventStream(contentType string) bool {
	mediatype, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediatype == "text/event-stream"
}

func (es *EventSource) onStart(attempt uint64, status ConnectionStatus, contentType string) {
	es.mu.Lock()
	if attempt != es.attempt || es.state != stateConnecting {
		es.mu.Unlock()
		return
	}

	if status.Status == http.StatusOK && isEventStream(contentType) {
		es.state = stateOpen
		es.currentRetry = es.initialRetry
		es.lastActivity = time.Now()
		es.logger.Info().
			Str("attempt", es.attemptID).
			Int("status", status.Status).
			Msg("stream open")
		es.mu.Unlock()
		es.dispatcher.dispatchOpen(status)
		return
	}

	// Non-conforming response: abort this attempt and fall through to the
	// retry path. The cancel-induced finish arrives in stateIdle and is
	// ignored.
	handle := es.handle
	es.handle = nil
	delay := es.scheduleRetryLocked()
	es.logger.Warn().
		Str("attempt", es.attemptID).
		Int("status", status.Status).
		Str("content_type", contentType).
		Dur("retry_in", delay).
		Msg("unusable response")
	es.mu.Unlock()

	if handle != nil {
		handle.Cancel()
	}
	es.dispatcher.dispatchError(&ResponseError{Status: status, ContentType: contentType})
}

func (es *EventSource) onChunk(attempt uint64, text string) {
	es.mu.Lock()
	if attempt != es.attempt || es.state != stateOpen {
		es.mu.Unlock()
		return
	}
	es.lastActivity = time.Now()
	es.bytesReceived += int64(len(text))
	p := es.parser
	es.mu.Unlock()

	// The parser is only ever touched from this attempt's transport
	// goroutine; records and control fields come back through the hooks.
	p.feed(text)
}

func (es *EventSource) onFinish(attempt uint64, err error) {
	es.mu.Lock()
	if attempt != es.attempt || (es.state != stateOpen && es.state != stateConnecting) {
		es.mu.Unlock()
		return
	}
	es.handle = nil
	delay := es.scheduleRetryLocked()
	es.logger.Info().
		Str("attempt", es.attemptID).
		Int64("bytes", es.bytesReceived).
		Dur("retry_in", delay).
		Err(err).
		Msg("stream finished")
	es.mu.Unlock()

	if err == nil {
		err = ErrStreamEnded
	}
	es.dispatcher.dispatchError(err)
}

// deliver hands one record to the sink. The closed check runs per record:
// a listener that closes the source mid-batch suppresses everything behind
// it. The record's id becomes the resume point before listeners run.
func (es *EventSource) deliver(attempt uint64, e Event) {
	es.mu.Lock()
	if attempt != es.attempt || es.state != stateOpen {
		es.mu.Unlock()
		return
	}
	es.lastEventID = e.LastEventID
	es.mu.Unlock()

	es.dispatcher.dispatchEvent(e)
}

// ============================================================================
// Control fields
// ============================================================================

// applyRetryField resets both the initial and the current retry interval;
// the next doubling starts over from the server-assigned value.
func (es *EventSource) applyRetryField(attempt uint64, ms int64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if attempt != es.attempt || es.state == stateClosed {
		return
	}
	d := clampInterval(time.Duration(ms) * time.Millisecond)
	es.initialRetry = d
	es.currentRetry = d
	es.logger.Debug().Dur("retry", d).Msg("retry interval set by server")
}

// applyHeartbeatField rearms the watchdog immediately with the new
// interval, measured from now.
func (es *EventSource) applyHeartbeatField(attempt uint64, ms int64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if attempt != es.attempt || es.state == stateClosed {
		return
	}
	es.heartbeatTimeout = clampInterval(time.Duration(ms) * time.Millisecond)
	es.armTimerLocked(&es.watchdogSlot, es.heartbeatTimeout, es.watchdogFired)
	es.logger.Debug().Dur("heartbeat_timeout", es.heartbeatTimeout).Msg("heartbeat timeout set by server")
}

// ============================================================================
// Retry & watchdog
// ============================================================================

// scheduleRetryLocked moves the connection onto the retry path: watchdog
// off, retry timer armed for the current interval, interval doubled for the
// failure after this one. Caller holds es.mu and reports the error itself.
func (es *EventSource) scheduleRetryLocked() time.Duration {
	es.cancelTimerLocked(&es.watchdogSlot)
	es.handle = nil
	es.state = stateIdle

	delay := es.currentRetry
	next := 2 * es.currentRetry
	if limit := maxBackoffFactor * es.initialRetry; next > limit {
		next = limit
	}
	es.currentRetry = clampInterval(next)

	es.armTimerLocked(&es.retrySlot, delay, es.connectLocked)
	return delay
}

// watchdogFired runs with es.mu held whenever the inactivity timer expires
// while an attempt is live. No bytes since arming means the connection is
// silently stalled: abort it and synthesize the failure that drives the
// retry path. Otherwise the window rolls forward from the last activity
// and the activity flag clears.
func (es *EventSource) watchdogFired() func() {
	if es.state != stateConnecting && es.state != stateOpen {
		return nil
	}

	if es.lastActivity.IsZero() {
		if es.handle == nil {
			// transport not established yet; check again next window
			es.armTimerLocked(&es.watchdogSlot, es.heartbeatTimeout, es.watchdogFired)
			return nil
		}
		handle := es.handle
		stall := &StallError{
			Elapsed: time.Since(es.attemptStart),
			Bytes:   es.bytesReceived,
		}
		delay := es.scheduleRetryLocked()
		es.logger.Warn().
			Str("attempt", es.attemptID).
			Int64("bytes", stall.Bytes).
			Dur("retry_in", delay).
			Msg("connection stalled")
		return func() {
			handle.Cancel()
			es.dispatcher.dispatchError(stall)
		}
	}

	remaining := es.heartbeatTimeout - time.Since(es.lastActivity)
	if remaining < 0 {
		remaining = 0
	}
	es.lastActivity = time.Time{}
	es.armTimerLocked(&es.watchdogSlot, remaining, es.watchdogFired)
	return nil
}
