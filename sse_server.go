package mcp

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// sseOutgoingBuffer bounds queued outbound messages per SSE session while
// the write loop catches up.
const sseOutgoingBuffer = 64

// SSEHandler serves the legacy SSE transport: a GET establishes the
// long-lived event stream and receives the endpoint event naming the POST
// target; each POST to that target delivers one inbound message for the
// session named in its query string.
//
// The connect callback receives each new session's transport and
// typically hands it to Server.Connect.
type SSEHandler struct {
	connect func(*SSEServerTransport)

	mu       sync.Mutex
	sessions map[string]*SSEServerTransport
}

// NewSSEHandler creates a handler dispatching new sessions to connect.
func NewSSEHandler(connect func(*SSEServerTransport)) *SSEHandler {
	return &SSEHandler{
		connect:  connect,
		sessions: make(map[string]*SSEServerTransport),
	}
}

func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.serveStream(w, r)
	case http.MethodPost:
		h.serveMessage(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *SSEHandler) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	t := &SSEServerTransport{
		sessionID: uuid.NewString(),
		outgoing:  make(chan *Message, sseOutgoingBuffer),
		done:      make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[t.sessionID] = t
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, t.sessionID)
		h.mu.Unlock()
	}()

	// The session must be wired up before the endpoint event is written:
	// the client POSTs the moment it learns the endpoint.
	h.connect(t)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	endpoint := fmt.Sprintf("%s?sessionid=%s", r.URL.Path, t.sessionID)
	if err := writeSSEEvent(w, sseEvent{name: "endpoint", data: endpoint}); err != nil {
		t.Close()
		return
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case msg := <-t.outgoing:
			data, err := EncodeMessage(msg)
			if err != nil {
				continue
			}
			if err := writeSSEEvent(w, sseEvent{name: "message", data: string(data)}); err != nil {
				t.Close()
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				t.Close()
				return
			}
			flusher.Flush()
		case <-t.done:
			return
		case <-r.Context().Done():
			t.Close()
			return
		}
	}
}

func (h *SSEHandler) serveMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionid")
	h.mu.Lock()
	t := h.sessions[sessionID]
	h.mu.Unlock()
	if t == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	msg, err := DecodeMessage(body)
	if err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	t.state.handler().message(msg)
	w.WriteHeader(http.StatusAccepted)
}

// SSEServerTransport is the server end of one SSE session: outbound
// messages flow down the GET stream, inbound ones arrive via POSTs
// dispatched by the SSEHandler.
type SSEServerTransport struct {
	state transportState

	sessionID string
	outgoing  chan *Message
	done      chan struct{}

	closeOnce sync.Once
}

// SessionID returns the identifier the handler minted for this session.
func (t *SSEServerTransport) SessionID() string { return t.sessionID }

// Start records the handler. The stream itself belongs to the SSEHandler.
func (t *SSEServerTransport) Start(ctx context.Context, h TransportHandler) error {
	return t.state.begin(h)
}

// Send queues one message for the event stream.
func (t *SSEServerTransport) Send(ctx context.Context, msg *Message) error {
	if err := t.state.sendable(); err != nil {
		return err
	}
	select {
	case t.outgoing <- msg:
		return nil
	case <-t.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the session and its stream. Idempotent.
func (t *SSEServerTransport) Close() error {
	if _, ok := t.state.end(); !ok {
		return t.state.closeErr()
	}
	t.closeOnce.Do(func() {
		close(t.done)
		t.state.handler().close()
	})
	return nil
}
