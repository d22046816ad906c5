package eventsource

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeAttempt is one scripted transport attempt. The test plays the server
// by calling the callbacks directly, so deliveries happen synchronously on
// the test goroutine.
type fakeAttempt struct {
	req TransportRequest
	cb  TransportCallbacks

	mu        sync.Mutex
	cancelled bool
}

func (a *fakeAttempt) Cancel() {
	a.mu.Lock()
	a.cancelled = true
	a.mu.Unlock()
}

func (a *fakeAttempt) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

func (a *fakeAttempt) start200() {
	a.cb.OnStart(ConnectionStatus{Status: 200, StatusText: "OK", Headers: http.Header{}}, "text/event-stream")
}

type fakeTransport struct {
	opened chan *fakeAttempt
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opened: make(chan *fakeAttempt, 16)}
}

func (t *fakeTransport) Open(req TransportRequest, cb TransportCallbacks) TransportHandle {
	a := &fakeAttempt{req: req, cb: cb}
	t.opened <- a
	return a
}

func nextAttempt(t *testing.T, tr *fakeTransport, within time.Duration) *fakeAttempt {
	t.Helper()
	select {
	case a := <-tr.opened:
		return a
	case <-time.After(within):
		t.Fatal("no transport attempt within deadline")
		return nil
	}
}

func noAttempt(t *testing.T, tr *fakeTransport, within time.Duration) {
	t.Helper()
	select {
	case <-tr.opened:
		t.Fatal("unexpected transport attempt")
	case <-time.After(within):
	}
}

// errorCollector records dispatched errors; deliveries from the fake
// transport land synchronously, watchdog errors come from timer goroutines.
type errorCollector struct {
	mu   sync.Mutex
	errs []error
	ch   chan error
}

func collectErrors(es *EventSource) *errorCollector {
	c := &errorCollector{ch: make(chan error, 16)}
	es.AddErrorListener(func(err error) {
		c.mu.Lock()
		c.errs = append(c.errs, err)
		c.mu.Unlock()
		c.ch <- err
	})
	return c
}

func (c *errorCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.errs)
}

func (c *errorCollector) wait(t *testing.T, within time.Duration) error {
	t.Helper()
	select {
	case err := <-c.ch:
		return err
	case <-time.After(within):
		t.Fatal("no error dispatched within deadline")
		return nil
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestConnectsImmediately(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()

	a := nextAttempt(t, tr, time.Second)
	if a.req.URL != "http://example.test/stream" {
		t.Fatalf("got %q", a.req.URL)
	}
	if got := es.ReadyState(); got != Connecting {
		t.Fatalf("ready state %v, want %v", got, Connecting)
	}

	var opened ConnectionStatus
	es.SetOnOpen(func(s ConnectionStatus) { opened = s })
	a.start200()

	if opened.Status != 200 {
		t.Fatalf("open notification not delivered: %+v", opened)
	}
	if got := es.ReadyState(); got != Open {
		t.Fatalf("ready state %v, want %v", got, Open)
	}
}

func TestEventsDeliveredInOrder(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()

	var got []Event
	es.AddEventListener("message", func(e Event) { got = append(got, e) })
	es.AddEventListener("tick", func(e Event) { got = append(got, e) })

	a := nextAttempt(t, tr, time.Second)
	a.start200()
	a.cb.OnChunk("id: 1\ndata: first\n\nevent: tick\ndata: second\n\ndata: thi")
	a.cb.OnChunk("rd\n\n")

	want := []Event{
		{Type: "message", Data: "first", LastEventID: "1"},
		{Type: "tick", Data: "second", LastEventID: "1"},
		{Type: "message", Data: "third", LastEventID: "1"},
	}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
	if id := es.LastEventID(); id != "1" {
		t.Fatalf("last event id %q, want %q", id, "1")
	}
}

func TestChunksBeforeOpenAreIgnored(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()

	var got []Event
	es.AddEventListener("message", func(e Event) { got = append(got, e) })

	a := nextAttempt(t, tr, time.Second)
	a.cb.OnChunk("data: too early\n\n")
	if len(got) != 0 {
		t.Fatalf("got %+v, want none", got)
	}
}

// ============================================================================
// Failure and retry
// ============================================================================

func TestNonConformingResponseRetries(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()
	errs := collectErrors(es)

	a1 := nextAttempt(t, tr, time.Second)
	a1.cb.OnStart(ConnectionStatus{Status: 404, StatusText: "Not Found", Headers: http.Header{}}, "text/html")

	var respErr *ResponseError
	if !errors.As(errs.wait(t, time.Second), &respErr) {
		t.Fatal("want *ResponseError")
	}
	if respErr.Status.Status != 404 || respErr.ContentType != "text/html" {
		t.Fatalf("got %+v", respErr)
	}
	if !a1.isCancelled() {
		t.Fatal("attempt not aborted")
	}
	if got := es.ReadyState(); got != Connecting {
		t.Fatalf("ready state %v, want %v", got, Connecting)
	}

	// the cancel-induced finish must not produce a second notification
	a1.cb.OnFinish(nil)
	if n := errs.count(); n != 1 {
		t.Fatalf("got %d errors, want 1", n)
	}

	// reconnect after the initial retry interval
	nextAttempt(t, tr, 3*time.Second)
}

func TestWrongContentTypeRetries(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()
	errs := collectErrors(es)

	a1 := nextAttempt(t, tr, time.Second)
	a1.cb.OnStart(ConnectionStatus{Status: 200, StatusText: "OK", Headers: http.Header{}}, "application/json")

	var respErr *ResponseError
	if !errors.As(errs.wait(t, time.Second), &respErr) {
		t.Fatal("want *ResponseError")
	}
	if es.ReadyState() != Connecting {
		t.Fatal("should be reconnecting")
	}
}

func TestStreamEndSchedulesReconnectWithResumePoint(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream?a=1&lastEventId=stale&b=2", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()
	errs := collectErrors(es)

	a1 := nextAttempt(t, tr, time.Second)
	if a1.req.URL != "http://example.test/stream?a=1&lastEventId=stale&b=2" {
		t.Fatalf("first attempt rewrote the URL: %q", a1.req.URL)
	}
	a1.start200()
	a1.cb.OnChunk("id: 42\ndata: x\n\n")
	a1.cb.OnFinish(nil)

	if err := errs.wait(t, time.Second); !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("got %v, want ErrStreamEnded", err)
	}

	a2 := nextAttempt(t, tr, 3*time.Second)
	if a2.req.URL != "http://example.test/stream?a=1&b=2&lastEventId=42" {
		t.Fatalf("resume URL: %q", a2.req.URL)
	}
	if got := a2.req.Headers.Get("Last-Event-ID"); got != "42" {
		t.Fatalf("Last-Event-ID header %q, want %q", got, "42")
	}
}

func TestRetryFieldDelaysAndDoublesAfterward(t *testing.T) {
	if testing.Short() {
		t.Skip("timing test")
	}

	tr := newFakeTransport()
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()

	a1 := nextAttempt(t, tr, time.Second)
	a1.start200()
	a1.cb.OnChunk("retry: 1200\n")
	t0 := time.Now()
	a1.cb.OnFinish(nil)

	// the assigned interval applies to this reconnect unchanged
	noAttempt(t, tr, time.Second)
	a2 := nextAttempt(t, tr, 2*time.Second)
	if gap := time.Since(t0); gap < 1100*time.Millisecond {
		t.Fatalf("reconnected after %v, want >= 1.2s", gap)
	}

	// doubling applies to the following failure only
	t1 := time.Now()
	a2.cb.OnFinish(errors.New("boom"))
	noAttempt(t, tr, 2*time.Second)
	nextAttempt(t, tr, 2*time.Second)
	if gap := time.Since(t1); gap < 2300*time.Millisecond {
		t.Fatalf("reconnected after %v, want >= 2.4s", gap)
	}
}

func TestIntervalClamping(t *testing.T) {
	if got := clampInterval(5 * time.Millisecond); got != minInterval {
		t.Fatalf("got %v, want %v", got, minInterval)
	}
	if got := clampInterval(999_999_999 * time.Millisecond); got != maxInterval {
		t.Fatalf("got %v, want %v", got, maxInterval)
	}
	if got := clampInterval(5 * time.Second); got != 5*time.Second {
		t.Fatalf("got %v, want %v", got, 5*time.Second)
	}
}

func TestRewriteQuery(t *testing.T) {
	cases := []struct {
		raw, id, want string
	}{
		{"", "7", "lastEventId=7"},
		{"a=1&b=2", "7", "a=1&b=2&lastEventId=7"},
		{"lastEventId=old", "7", "lastEventId=7"},
		{"a=1&lastEventId=old&b=2", "7", "a=1&b=2&lastEventId=7"},
		{"lastEventId=1&lastEventId=2", "7", "lastEventId=7"},
		{"a=1", "x y", "a=1&lastEventId=x+y"},
	}
	for _, tc := range cases {
		if got := rewriteQuery(tc.raw, tc.id); got != tc.want {
			t.Errorf("rewriteQuery(%q, %q) = %q, want %q", tc.raw, tc.id, got, tc.want)
		}
	}
}

// syncStartTransport reports the response from inside Open, before the
// handle is returned to the connection.
type syncStartTransport struct {
	opened      chan *fakeAttempt
	status      int
	contentType string
}

func (t *syncStartTransport) Open(req TransportRequest, cb TransportCallbacks) TransportHandle {
	a := &fakeAttempt{req: req, cb: cb}
	cb.OnStart(ConnectionStatus{Status: t.status, StatusText: http.StatusText(t.status), Headers: http.Header{}}, t.contentType)
	t.opened <- a
	return a
}

func waitSyncAttempt(t *testing.T, tr *syncStartTransport) *fakeAttempt {
	t.Helper()
	select {
	case a := <-tr.opened:
		return a
	case <-time.After(time.Second):
		t.Fatal("no transport attempt within deadline")
		return nil
	}
}

func TestSynchronousRejectionCancelsAttempt(t *testing.T) {
	tr := &syncStartTransport{opened: make(chan *fakeAttempt, 16), status: 404, contentType: "text/html"}
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()
	errs := collectErrors(es)

	a1 := waitSyncAttempt(t, tr)

	var respErr *ResponseError
	if !errors.As(errs.wait(t, time.Second), &respErr) {
		t.Fatal("want *ResponseError")
	}

	// the rejection lands before Open returns the handle; the connection
	// must still shut the stream down instead of letting it run beside
	// the next attempt
	deadline := time.Now().Add(time.Second)
	for !a1.isCancelled() {
		if time.Now().After(deadline) {
			t.Fatal("synchronously rejected attempt never cancelled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case a2 := <-tr.opened:
		if a2 == a1 {
			t.Fatal("no fresh attempt after rejection")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect after rejection")
	}
}

func TestSynchronousOpenKeepsStream(t *testing.T) {
	tr := &syncStartTransport{opened: make(chan *fakeAttempt, 16), status: 200, contentType: "text/event-stream"}
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()

	var got []Event
	es.AddEventListener("message", func(e Event) { got = append(got, e) })

	a1 := waitSyncAttempt(t, tr)
	time.Sleep(50 * time.Millisecond)
	if a1.isCancelled() {
		t.Fatal("healthy attempt cancelled after synchronous open")
	}
	if es.ReadyState() != Open {
		t.Fatal("should be open")
	}

	a1.cb.OnChunk("data: x\n\n")
	if len(got) != 1 || got[0].Data != "x" {
		t.Fatalf("got %+v, want one record", got)
	}

	es.Close()
	if !a1.isCancelled() {
		t.Fatal("stream not cancelled on close")
	}
}

// ============================================================================
// Heartbeat watchdog
// ============================================================================

func TestStalledConnectionIsAborted(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream",
		WithTransport(tr),
		WithHeartbeatTimeout(80*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()
	errs := collectErrors(es)

	a1 := nextAttempt(t, tr, time.Second)
	a1.start200()

	var stall *StallError
	if !errors.As(errs.wait(t, time.Second), &stall) {
		t.Fatal("want *StallError")
	}
	if !a1.isCancelled() {
		t.Fatal("stalled attempt not aborted")
	}
	if es.ReadyState() != Connecting {
		t.Fatal("should be reconnecting")
	}

	// exactly one stall-triggered retry per silent window
	time.Sleep(200 * time.Millisecond)
	if n := errs.count(); n != 1 {
		t.Fatalf("got %d errors, want 1", n)
	}
}

func TestSteadyActivityNeverStalls(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream",
		WithTransport(tr),
		WithHeartbeatTimeout(150*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()
	errs := collectErrors(es)

	a1 := nextAttempt(t, tr, time.Second)
	a1.start200()

	// bytes arrive steadily but no record is ever completed
	for i := 0; i < 10; i++ {
		time.Sleep(50 * time.Millisecond)
		a1.cb.OnChunk(": keep-alive\n")
	}

	if n := errs.count(); n != 0 {
		t.Fatalf("got %d errors, want none", n)
	}
	if a1.isCancelled() {
		t.Fatal("healthy attempt was aborted")
	}
	if es.ReadyState() != Open {
		t.Fatal("should still be open")
	}
}

func TestServerHeartbeatOverrideRearmsWatchdog(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream",
		WithTransport(tr),
		WithHeartbeatTimeout(100*time.Millisecond),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer es.Close()
	errs := collectErrors(es)

	a1 := nextAttempt(t, tr, time.Second)
	a1.start200()
	// widen the window to the clamp floor; the old 100ms window would
	// have fired during the silence below
	a1.cb.OnChunk("heartbeatTimeout: 1000\n")

	time.Sleep(400 * time.Millisecond)
	if n := errs.count(); n != 0 {
		t.Fatalf("got %d errors, want none", n)
	}
	if a1.isCancelled() {
		t.Fatal("attempt aborted despite widened window")
	}
}

// ============================================================================
// Close
// ============================================================================

func TestCloseDuringBatchSuppressesRemainder(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}
	errs := collectErrors(es)

	var got []string
	es.AddEventListener("message", func(e Event) {
		got = append(got, e.Data)
		es.Close()
	})

	a1 := nextAttempt(t, tr, time.Second)
	a1.start200()
	a1.cb.OnChunk("data: 1\n\ndata: 2\n\ndata: 3\n\n")

	if len(got) != 1 || got[0] != "1" {
		t.Fatalf("got %q, want only %q", got, "1")
	}
	if es.ReadyState() != Closed {
		t.Fatal("should be closed")
	}
	if !a1.isCancelled() {
		t.Fatal("transport not cancelled on close")
	}

	// no notifications after close
	a1.cb.OnFinish(nil)
	noAttempt(t, tr, 200*time.Millisecond)
	if n := errs.count(); n != 0 {
		t.Fatalf("got %d errors after close, want none", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}

	a1 := nextAttempt(t, tr, time.Second)
	a1.start200()
	es.Close()
	es.Close()

	if es.ReadyState() != Closed {
		t.Fatal("should be closed")
	}
	noAttempt(t, tr, 200*time.Millisecond)
}

func TestCloseWhileWaitingCancelsRetry(t *testing.T) {
	tr := newFakeTransport()
	es, err := New("http://example.test/stream", WithTransport(tr))
	if err != nil {
		t.Fatal(err)
	}

	a1 := nextAttempt(t, tr, time.Second)
	a1.start200()
	a1.cb.OnFinish(errors.New("gone"))
	es.Close()

	noAttempt(t, tr, 1500*time.Millisecond)
}
