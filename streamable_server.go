package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// maxEventHistory bounds the per-session replay window for SSE
// resumption. Events older than this are gone; a client resuming from
// before the window picks up at its start.
const maxEventHistory = 1024

// StreamableHTTPHandler serves the Streamable HTTP transport: POSTs carry
// client messages (responses inline as JSON), an optional GET opens the
// server-initiated SSE channel with Last-Event-Id resumption, and DELETE
// terminates the session.
//
// getServer chooses the *Server for each new session, so one handler can
// route by path or header; returning nil rejects the request.
type StreamableHTTPHandler struct {
	getServer func(*http.Request) *Server

	mu       sync.Mutex
	sessions map[string]*StreamableServerTransport
}

// NewStreamableHTTPHandler creates a handler backed by getServer.
func NewStreamableHTTPHandler(getServer func(*http.Request) *Server) *StreamableHTTPHandler {
	return &StreamableHTTPHandler{
		getServer: getServer,
		sessions:  make(map[string]*StreamableServerTransport),
	}
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.servePost(w, r)
	case http.MethodGet:
		h.serveGet(w, r)
	case http.MethodDelete:
		h.serveDelete(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *StreamableHTTPHandler) servePost(w http.ResponseWriter, r *http.Request) {
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

	t, status := h.resolveSession(r, msg)
	if t == nil {
		http.Error(w, "unknown session", status)
		return
	}
	w.Header().Set(headerSessionID, t.sessionID)

	if !msg.IsRequest() {
		t.deliver(msg)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// Requests hold the POST open until the session produces the
	// response, which then travels back inline as JSON.
	ch := t.expectResponse(*msg.ID)
	t.deliver(msg)

	select {
	case resp, ok := <-ch:
		if !ok {
			// The request was cancelled; no response will come.
			w.WriteHeader(http.StatusNoContent)
			return
		}
		data, err := EncodeMessage(resp)
		if err != nil {
			http.Error(w, "encode response", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	case <-t.done:
		w.WriteHeader(http.StatusNotFound)
	case <-r.Context().Done():
		t.abandonResponse(*msg.ID)
	}
}

// resolveSession finds the session addressed by the request, minting a
// new one for an initialize request without a session header.
func (h *StreamableHTTPHandler) resolveSession(r *http.Request, msg *Message) (*StreamableServerTransport, int) {
	if sid := r.Header.Get(headerSessionID); sid != "" {
		h.mu.Lock()
		t := h.sessions[sid]
		h.mu.Unlock()
		if t == nil {
			return nil, http.StatusNotFound
		}
		return t, 0
	}

	if !msg.IsRequest() || msg.Method != MethodInitialize {
		return nil, http.StatusBadRequest
	}
	server := h.getServer(r)
	if server == nil {
		return nil, http.StatusNotFound
	}

	t := newStreamableServerTransport(uuid.NewString())
	// The session outlives this request; its lifetime belongs to the
	// transport, not the POST that created it.
	if _, err := server.Connect(context.Background(), t); err != nil {
		return nil, http.StatusInternalServerError
	}
	h.mu.Lock()
	h.sessions[t.sessionID] = t
	h.mu.Unlock()
	t.onTerminate = func() {
		h.mu.Lock()
		delete(h.sessions, t.sessionID)
		h.mu.Unlock()
	}
	return t, 0
}

func (h *StreamableHTTPHandler) serveGet(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		http.Error(w, "text/event-stream required", http.StatusMethodNotAllowed)
		return
	}
	sid := r.Header.Get(headerSessionID)
	h.mu.Lock()
	t := h.sessions[sid]
	h.mu.Unlock()
	if t == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(headerSessionID, t.sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	cursor := t.cursorAfter(r.Header.Get(headerLastEventID))

	// Two jobs share the stream's fate: the writer replays history and
	// follows live events; the watcher breaks the writer's wait when the
	// client hangs up.
	g, ctx := errgroup.WithContext(r.Context())
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		return t.streamEvents(ctx, cursor, w, flusher)
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-done:
		}
		t.wakeStreams()
		return nil
	})
	_ = g.Wait()
}

func (h *StreamableHTTPHandler) serveDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(headerSessionID)
	h.mu.Lock()
	t := h.sessions[sid]
	h.mu.Unlock()
	if t == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	t.Close()
	w.WriteHeader(http.StatusNoContent)
}

// Close terminates every live session.
func (h *StreamableHTTPHandler) Close() {
	h.mu.Lock()
	sessions := make([]*StreamableServerTransport, 0, len(h.sessions))
	for _, t := range h.sessions {
		sessions = append(sessions, t)
	}
	h.mu.Unlock()
	for _, t := range sessions {
		t.Close()
	}
}

// storedEvent is one server-initiated message in the replay window.
type storedEvent struct {
	id  int
	msg *Message
}

// StreamableServerTransport is the server end of one Streamable HTTP
// session. Responses route back to the POST that carried their request;
// everything else — server-initiated requests and notifications — lands
// in the event history and flows down whichever GET stream is attached,
// with monotonically increasing event ids for resumption.
type StreamableServerTransport struct {
	state transportState

	sessionID   string
	onTerminate func()

	mu          sync.Mutex
	cond        *sync.Cond
	responses   map[RequestID]chan *Message
	history     []storedEvent
	nextEventID int
	terminated  bool

	done      chan struct{}
	closeOnce sync.Once
}

func newStreamableServerTransport(sessionID string) *StreamableServerTransport {
	t := &StreamableServerTransport{
		sessionID:   sessionID,
		responses:   make(map[RequestID]chan *Message),
		nextEventID: 1,
		done:        make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// SessionID returns the identifier minted for this session.
func (t *StreamableServerTransport) SessionID() string { return t.sessionID }

// Start records the handler; the HTTP handler owns the actual I/O.
func (t *StreamableServerTransport) Start(ctx context.Context, h TransportHandler) error {
	return t.state.begin(h)
}

// Send routes a response to its waiting POST, or appends a
// server-initiated message to the event history for the GET stream.
func (t *StreamableServerTransport) Send(ctx context.Context, msg *Message) error {
	if err := t.state.sendable(); err != nil {
		return err
	}
	if msg.IsResponse() {
		t.mu.Lock()
		ch, ok := t.responses[*msg.ID]
		if ok {
			delete(t.responses, *msg.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- msg
			return nil
		}
		// No POST waiting — the client resumed or hung up; replay it via
		// the event stream instead.
	}

	t.mu.Lock()
	ev := storedEvent{id: t.nextEventID, msg: msg}
	t.nextEventID++
	t.history = append(t.history, ev)
	if len(t.history) > maxEventHistory {
		t.history = t.history[len(t.history)-maxEventHistory:]
	}
	t.mu.Unlock()
	t.cond.Broadcast()
	return nil
}

// deliver hands one inbound message to the engine. Cancellation
// notifications additionally release the POST waiting on the cancelled
// request, which then answers 204.
func (t *StreamableServerTransport) deliver(msg *Message) {
	if msg.IsNotification() && msg.Method == NotificationCancelled {
		var params CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err == nil {
			t.abandonResponse(params.RequestID)
		}
	}
	t.state.handler().message(msg)
}

// expectResponse registers a waiter for the response to request id.
func (t *StreamableServerTransport) expectResponse(id RequestID) <-chan *Message {
	ch := make(chan *Message, 1)
	t.mu.Lock()
	t.responses[id] = ch
	t.mu.Unlock()
	return ch
}

// abandonResponse releases the waiter for id, if any, without a response.
func (t *StreamableServerTransport) abandonResponse(id RequestID) {
	t.mu.Lock()
	ch, ok := t.responses[id]
	if ok {
		delete(t.responses, id)
	}
	t.mu.Unlock()
	if ok {
		close(ch)
	}
}

// cursorAfter maps a Last-Event-Id value to the first event id to send.
func (t *StreamableServerTransport) cursorAfter(lastEventID string) int {
	if lastEventID == "" {
		return t.firstLiveEventID()
	}
	n, err := strconv.Atoi(lastEventID)
	if err != nil {
		return t.firstLiveEventID()
	}
	return n + 1
}

func (t *StreamableServerTransport) firstLiveEventID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextEventID
}

// streamEvents writes history from cursor onward, then follows live
// events until the stream context ends or the session terminates.
func (t *StreamableServerTransport) streamEvents(ctx context.Context, cursor int, w io.Writer, flusher http.Flusher) error {
	for {
		t.mu.Lock()
		for !t.terminated && ctx.Err() == nil && !t.hasEventLocked(cursor) {
			t.cond.Wait()
		}
		if t.terminated || ctx.Err() != nil {
			t.mu.Unlock()
			return ctx.Err()
		}
		events := t.eventsFromLocked(cursor)
		t.mu.Unlock()

		for _, ev := range events {
			data, err := EncodeMessage(ev.msg)
			if err != nil {
				continue
			}
			frame := sseEvent{id: strconv.Itoa(ev.id), name: "message", data: string(data)}
			if err := writeSSEEvent(w, frame); err != nil {
				return err
			}
			cursor = ev.id + 1
		}
		flusher.Flush()
	}
}

func (t *StreamableServerTransport) hasEventLocked(cursor int) bool {
	return len(t.history) > 0 && t.history[len(t.history)-1].id >= cursor
}

func (t *StreamableServerTransport) eventsFromLocked(cursor int) []storedEvent {
	for i, ev := range t.history {
		if ev.id >= cursor {
			out := make([]storedEvent, len(t.history)-i)
			copy(out, t.history[i:])
			return out
		}
	}
	return nil
}

// wakeStreams pokes any blocked stream writers so they can re-check their
// context.
func (t *StreamableServerTransport) wakeStreams() {
	t.cond.Broadcast()
}

// Close terminates the session: releases POST waiters, ends GET streams,
// and fires OnClose. Idempotent.
func (t *StreamableServerTransport) Close() error {
	if _, ok := t.state.end(); !ok {
		return t.state.closeErr()
	}
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.terminated = true
		waiters := t.responses
		t.responses = make(map[RequestID]chan *Message)
		t.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}
		close(t.done)
		t.cond.Broadcast()
		if t.onTerminate != nil {
			t.onTerminate()
		}
		t.state.handler().close()
	})
	return nil
}
