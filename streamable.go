package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"time"
)

// Header names of the Streamable HTTP transport.
const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerLastEventID     = "Last-Event-Id"
)

// StreamableClientTransport speaks the Streamable HTTP transport: one URL,
// where every outbound message is a POST whose response may be empty
// (202), a single inline JSON message, or an inline SSE stream carrying
// the response plus any number of server notifications. After the
// initialized notification the transport additionally opens a GET SSE
// channel for server-initiated traffic; servers that do not support one
// answer 405 and nothing is lost.
//
// The server may assign an opaque session id on the first response; the
// transport echoes it on every subsequent request and DELETEs it on
// Close.
type StreamableClientTransport struct {
	state transportState

	url       string
	client    *http.Client
	headers   map[string]string
	onEventID func(string)

	mu              sync.Mutex
	sessionID       string
	protocolVersion string
	lastEventID     string

	streamCtx context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// StreamableClientOption configures a StreamableClientTransport.
type StreamableClientOption func(*StreamableClientTransport)

// WithStreamableHTTPClient substitutes the http.Client used for every
// request.
func WithStreamableHTTPClient(c *http.Client) StreamableClientOption {
	return func(t *StreamableClientTransport) {
		if c != nil {
			t.client = c
		}
	}
}

// WithStreamableHeaders adds headers to every request.
func WithStreamableHeaders(headers map[string]string) StreamableClientOption {
	return func(t *StreamableClientTransport) {
		t.headers = headers
	}
}

// WithEventIDCallback registers a checkpoint callback invoked with the id
// of every SSE event received, so the caller can persist a resumption
// token. See Resume.
func WithEventIDCallback(fn func(id string)) StreamableClientOption {
	return func(t *StreamableClientTransport) {
		t.onEventID = fn
	}
}

// NewStreamableClientTransport creates a transport for the MCP endpoint
// at url.
func NewStreamableClientTransport(url string, opts ...StreamableClientOption) *StreamableClientTransport {
	t := &StreamableClientTransport{url: url, client: http.DefaultClient}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// SessionID returns the server-assigned session id, empty until the
// server assigns one.
func (t *StreamableClientTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// LastEventID returns the most recent SSE event id seen on any stream,
// usable as a resumption token.
func (t *StreamableClientTransport) LastEventID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventID
}

// setProtocolVersion records the negotiated version; every subsequent
// request carries it in Mcp-Protocol-Version. Called by the client role
// after the handshake.
func (t *StreamableClientTransport) setProtocolVersion(v string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protocolVersion = v
}

// Start records the handler. No connection is established — Streamable
// HTTP has no persistent channel until traffic flows.
func (t *StreamableClientTransport) Start(ctx context.Context, h TransportHandler) error {
	if err := t.state.begin(h); err != nil {
		return err
	}
	t.streamCtx, t.cancel = context.WithCancel(context.Background())
	return nil
}

// Send POSTs one message and dispatches whatever comes back: nothing, one
// inline JSON message, or an inline SSE stream.
//
// Only construction failures surface here. A request's POST stays open
// until the server produces the response, so a request's round-trip runs
// in its own goroutine: the engine's per-request deadline, not the HTTP
// exchange, bounds how long the caller waits. Notifications and responses
// are POSTed before Send returns, so they reach the server in call order.
// Transport failures after handoff reach the handler's OnError, and an
// affected request fails at once with a synthesized error response.
func (t *StreamableClientTransport) Send(ctx context.Context, msg *Message) error {
	if err := t.state.sendable(); err != nil {
		return err
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(t.streamCtx, http.MethodPost, t.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("mcp: post: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.applyHeaders(req)

	if msg.IsRequest() {
		go t.post(req, msg)
		return nil
	}
	t.post(req, msg)
	return nil
}

// post performs one POST exchange and dispatches the result.
func (t *StreamableClientTransport) post(req *http.Request, msg *Message) {
	h := t.state.handler()

	fail := func(err error) {
		if t.state.sendable() != nil {
			return // closing; late failures are expected
		}
		h.error(err)
		// A request whose exchange died will never see its response;
		// surface the failure as a synthesized error response so the
		// caller fails now instead of at its deadline.
		if msg.IsRequest() {
			code := CodeInternalError
			var fe *FramingError
			if errors.As(err, &fe) {
				code = CodeParseError
			}
			h.message(NewErrorResponse(*msg.ID, code, err.Error()))
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		fail(fmt.Errorf("mcp: post: %w", err))
		return
	}
	t.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		resp.Body.Close()
		// The initialized notification completes the handshake; from here
		// on the server may want to talk first, so offer it a channel.
		if msg.IsNotification() && msg.Method == NotificationInitialized {
			if err := t.connectGetStream(""); err != nil {
				h.error(err)
			}
		}

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		switch mediaType {
		case "application/json":
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				fail(fmt.Errorf("mcp: post: read response: %w", err))
				return
			}
			if len(body) == 0 {
				return // accepted with an empty body
			}
			reply, err := DecodeMessage(body)
			if err != nil {
				fail(&FramingError{Line: truncateLine(body), Err: err})
				return
			}
			h.message(reply)
		case "text/event-stream":
			// The stream carries the response to this request and
			// possibly more notifications besides.
			t.readStream(resp.Body, h)
		default:
			resp.Body.Close()
			fail(fmt.Errorf("mcp: post: unexpected content type %q", resp.Header.Get("Content-Type")))
		}

	default:
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		fail(fmt.Errorf("mcp: post: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body)))
	}
}

// Resume reopens the server's SSE channel from a checkpoint. No message
// is POSTed: the server replays everything after lastEventID, and
// responses land on the requests that originally asked for them. Event
// ids observed during the replay flow through the WithEventIDCallback
// checkpoint like live ones.
func (t *StreamableClientTransport) Resume(ctx context.Context, lastEventID string) error {
	if err := t.state.sendable(); err != nil {
		return err
	}
	return t.connectGetStream(lastEventID)
}

// connectGetStream opens the GET SSE channel. A 405 means the server
// declines server-initiated traffic; that is not an error.
func (t *StreamableClientTransport) connectGetStream(lastEventID string) error {
	h := t.state.handler()

	req, err := http.NewRequestWithContext(t.streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		return fmt.Errorf("mcp: get stream: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set(headerLastEventID, lastEventID)
	}
	t.applyHeaders(req)

	resp, err := t.client.Do(req)
	if err != nil {
		if t.state.sendable() != nil {
			return nil // closing; the failed GET is expected
		}
		return fmt.Errorf("mcp: get stream: %w", err)
	}
	t.captureSession(resp)

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		resp.Body.Close()
		return nil
	case resp.StatusCode == http.StatusOK:
		mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mediaType != "text/event-stream" {
			resp.Body.Close()
			return nil // server declined with a non-stream body
		}
		go t.readStream(resp.Body, h)
		return nil
	default:
		resp.Body.Close()
		return fmt.Errorf("mcp: get stream: unexpected status %d", resp.StatusCode)
	}
}

// readStream dispatches one SSE body — inline POST upgrade or GET channel
// — until it ends. Decode failures are fatal for the stream but not the
// transport: other requests may still round-trip over plain POSTs.
func (t *StreamableClientTransport) readStream(body io.ReadCloser, h TransportHandler) {
	defer body.Close()

	err := scanSSE(body, func(ev sseEvent) error {
		if ev.id != "" {
			t.mu.Lock()
			t.lastEventID = ev.id
			t.mu.Unlock()
			if t.onEventID != nil {
				t.onEventID(ev.id)
			}
		}
		switch ev.name {
		case "error":
			h.error(fmt.Errorf("mcp: stream server error: %s", ev.data))
			return nil
		case "message", "":
			msg, err := DecodeMessage([]byte(ev.data))
			if err != nil {
				return &FramingError{Line: truncateLine([]byte(ev.data)), Err: err}
			}
			h.message(msg)
		}
		return nil
	})

	if err != nil && t.state.sendable() == nil {
		h.error(err)
	}
}

// Close terminates the session: cancels open streams and issues a DELETE
// carrying the session id, if the server assigned one. 405 on the DELETE
// is tolerated; either way the session id is forgotten.
func (t *StreamableClientTransport) Close() error {
	if _, ok := t.state.end(); !ok {
		return t.state.closeErr()
	}
	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	sessionID := t.sessionID
	t.sessionID = ""
	t.mu.Unlock()

	var err error
	if sessionID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, t.url, nil)
		if reqErr == nil {
			req.Header.Set(headerSessionID, sessionID)
			t.applyHeaders(req)
			if resp, doErr := t.client.Do(req); doErr == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			} else {
				err = doErr
			}
		}
	}

	t.closeOnce.Do(func() {
		t.state.handler().close()
	})
	return err
}

// captureSession remembers the session id from any response carrying one.
func (t *StreamableClientTransport) captureSession(resp *http.Response) {
	if id := resp.Header.Get(headerSessionID); id != "" {
		t.mu.Lock()
		t.sessionID = id
		t.mu.Unlock()
	}
}

func (t *StreamableClientTransport) applyHeaders(req *http.Request) {
	t.mu.Lock()
	sessionID, version := t.sessionID, t.protocolVersion
	t.mu.Unlock()
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	if version != "" {
		req.Header.Set(headerProtocolVersion, version)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}
