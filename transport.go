package eventsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ============================================================================
// Transport contract
// ============================================================================

// TransportRequest describes one streaming attempt.
type TransportRequest struct {
	// URL is the fully derived request target, including any resume
	// parameter the connection appended.
	URL string
	// Headers are added to the request. The transport still owns the
	// Accept and Cache-Control headers.
	Headers http.Header
	// WithCredentials asks the transport to attach ambient credentials
	// (for the bundled HTTP transport, the cookies of its client's Jar).
	WithCredentials bool
}

// TransportCallbacks receive one attempt's lifecycle signals.
//
// OnStart fires at most once, before any OnChunk. OnChunk fires zero or
// more times with decoded text; a multi-byte sequence split across network
// reads is never delivered until complete. OnFinish fires exactly once,
// terminally; cancellation finishes with a nil error.
type TransportCallbacks struct {
	OnStart  func(status ConnectionStatus, contentType string)
	OnChunk  func(text string)
	OnFinish func(err error)
}

// TransportHandle cancels an in-flight attempt. Cancel is safe to call
// repeatedly and after the attempt has already finished.
type TransportHandle interface {
	Cancel()
}

// Transport opens streaming requests on behalf of a connection.
type Transport interface {
	Open(req TransportRequest, cb TransportCallbacks) TransportHandle
}

// ============================================================================
// HTTP transport
// ============================================================================

// Streaming responses stay open indefinitely, so the shared client carries
// no overall timeout.
var defaultStreamingClient = &http.Client{}

// HTTPTransport streams responses over net/http.
type HTTPTransport struct {
	// Client issues the requests. Defaults to a shared client without a
	// timeout. Do not use a client with a non-zero Timeout: it would kill
	// healthy long-lived streams.
	Client *http.Client
}

func (t *HTTPTransport) Open(req TransportRequest, cb TransportCallbacks) TransportHandle {
	ctx, cancel := context.WithCancel(context.Background())
	go t.run(ctx, req, cb)
	return &httpHandle{cancel: cancel}
}

type httpHandle struct {
	cancel context.CancelFunc
}

func (h *httpHandle) Cancel() { h.cancel() }

func (t *HTTPTransport) run(ctx context.Context, req TransportRequest, cb TransportCallbacks) {
	client := t.Client
	if client == nil {
		client = defaultStreamingClient
	}
	if !req.WithCredentials && client.Jar != nil {
		// cookies ride along only when credentials are requested
		c := *client
		c.Jar = nil
		client = &c
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		cb.OnFinish(fmt.Errorf("create request: %w", err))
		return
	}
	hreq.Header.Set("Accept", "text/event-stream")
	hreq.Header.Set("Cache-Control", "no-cache")
	for name, values := range req.Headers {
		for _, v := range values {
			hreq.Header.Add(name, v)
		}
	}

	resp, err := client.Do(hreq)
	if err != nil {
		cb.OnFinish(finishError(ctx, fmt.Errorf("connect: %w", err)))
		return
	}
	defer resp.Body.Close()

	cb.OnStart(ConnectionStatus{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Headers:    resp.Header,
	}, resp.Header.Get("Content-Type"))

	buf := make([]byte, 16*1024)
	var carry []byte
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			complete, rest := splitCompleteRunes(chunk)
			carry = append([]byte(nil), rest...)
			if len(complete) > 0 {
				cb.OnChunk(string(complete))
			}
		}
		if err != nil {
			// Bytes still held back as a partial rune can never
			// complete now; they are dropped.
			if errors.Is(err, io.EOF) {
				cb.OnFinish(nil)
				return
			}
			cb.OnFinish(finishError(ctx, fmt.Errorf("read: %w", err)))
			return
		}
	}
}

// finishError maps a cancellation-induced failure to the "no error" finish
// that distinguishes deliberate aborts from real faults.
func finishError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// statusText returns the reason phrase without the leading status code.
func statusText(resp *http.Response) string {
	return strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
}

// splitCompleteRunes cuts b before a trailing incomplete UTF-8 sequence.
// Invalid bytes that can never form a rune pass through unchanged.
func splitCompleteRunes(b []byte) (complete, rest []byte) {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return b, nil
			}
			return b[:i], b[i:]
		}
	}
	return b, nil
}
