package mcp

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsSubprotocol is the WebSocket subprotocol both peers must negotiate.
const wsSubprotocol = "mcp"

// wsWriteTimeout bounds a single frame write.
const wsWriteTimeout = 10 * time.Second

// wsCore is the shared read/write machinery of the client and server
// WebSocket transports: one JSON-RPC message per text frame, full duplex.
//
// The WebSocket framing is structured, so unlike stdio any protocol
// violation — a binary frame, an undecodable text frame — is fatal:
// OnError fires and the connection comes down.
type wsCore struct {
	state transportState

	conn *websocket.Conn
	wmu  sync.Mutex // gorilla allows one concurrent writer

	closeOnce sync.Once
}

func (t *wsCore) start(h TransportHandler) error {
	if err := t.state.begin(h); err != nil {
		return err
	}
	go t.readLoop()
	return nil
}

func (t *wsCore) readLoop() {
	h := t.state.handler()
	for {
		typ, data, err := t.conn.ReadMessage()
		if err != nil {
			// A clean close frame or a locally-initiated close ends the
			// stream silently; a remote abort is an error.
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				t.state.sendable() == nil {
				h.error(fmt.Errorf("mcp: websocket read: %w", err))
			}
			t.teardown()
			return
		}
		if typ != websocket.TextMessage {
			h.error(fmt.Errorf("mcp: websocket: unexpected frame type %d", typ))
			t.teardown()
			return
		}
		msg, err := DecodeMessage(data)
		if err != nil {
			h.error(&FramingError{Line: truncateLine(data), Err: err})
			t.teardown()
			return
		}
		h.message(msg)
	}
}

func (t *wsCore) send(ctx context.Context, msg *Message) error {
	if err := t.state.sendable(); err != nil {
		return err
	}
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("mcp: websocket write: %w", err)
	}
	return nil
}

func (t *wsCore) close() error {
	if _, ok := t.state.end(); !ok {
		return t.state.closeErr()
	}
	t.wmu.Lock()
	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.wmu.Unlock()
	err := t.conn.Close()
	t.teardown()
	return err
}

// teardown delivers OnClose exactly once, from whichever side noticed the
// end first.
func (t *wsCore) teardown() {
	t.state.end()
	_ = t.conn.Close()
	t.closeOnce.Do(func() {
		t.state.handler().close()
	})
}

// WebSocketClientTransport dials an MCP server over a single full-duplex
// WebSocket channel.
type WebSocketClientTransport struct {
	wsCore

	url     string
	dialer  *websocket.Dialer
	headers http.Header
}

// WebSocketClientOption configures a WebSocketClientTransport.
type WebSocketClientOption func(*WebSocketClientTransport)

// WithWebSocketDialer substitutes the dialer; its Subprotocols are
// overridden with "mcp".
func WithWebSocketDialer(d *websocket.Dialer) WebSocketClientOption {
	return func(t *WebSocketClientTransport) {
		if d != nil {
			t.dialer = d
		}
	}
}

// WithWebSocketHeaders adds headers to the handshake request.
func WithWebSocketHeaders(h http.Header) WebSocketClientOption {
	return func(t *WebSocketClientTransport) {
		t.headers = h
	}
}

// NewWebSocketClientTransport creates a transport for the ws:// or wss://
// endpoint at url.
func NewWebSocketClientTransport(url string, opts ...WebSocketClientOption) *WebSocketClientTransport {
	t := &WebSocketClientTransport{url: url}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Start dials the endpoint and begins the frame reader.
func (t *WebSocketClientTransport) Start(ctx context.Context, h TransportHandler) error {
	src := t.dialer
	if src == nil {
		src = websocket.DefaultDialer
	}
	dialer := *src
	dialer.Subprotocols = []string{wsSubprotocol}

	conn, resp, err := dialer.DialContext(ctx, t.url, t.headers)
	if err != nil {
		return fmt.Errorf("mcp: websocket dial: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.conn = conn
	if err := t.start(h); err != nil {
		conn.Close()
		return err
	}
	return nil
}

// Send writes one message as a text frame.
func (t *WebSocketClientTransport) Send(ctx context.Context, msg *Message) error {
	return t.send(ctx, msg)
}

// Close sends a close frame and tears the channel down. Idempotent.
func (t *WebSocketClientTransport) Close() error {
	return t.close()
}

// WebSocketServerTransport is the server end of one accepted WebSocket
// connection, produced by WebSocketHandler.
type WebSocketServerTransport struct {
	wsCore
}

// Send writes one message as a text frame.
func (t *WebSocketServerTransport) Send(ctx context.Context, msg *Message) error {
	return t.send(ctx, msg)
}

// Close sends a close frame and tears the channel down. Idempotent.
func (t *WebSocketServerTransport) Close() error {
	return t.close()
}

// Start begins the frame reader. The connection itself was established by
// the HTTP upgrade.
func (t *WebSocketServerTransport) Start(ctx context.Context, h TransportHandler) error {
	return t.start(h)
}

// WebSocketHandler upgrades HTTP requests to MCP-over-WebSocket and hands
// each accepted connection to the connect callback, which typically calls
// Server.Connect with it.
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	connect  func(*WebSocketServerTransport)
}

// NewWebSocketHandler creates a handler. CheckOrigin on the upgrader is
// permissive; wrap the handler with origin checks if the endpoint is
// exposed beyond localhost.
func NewWebSocketHandler(connect func(*WebSocketServerTransport)) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{wsSubprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		connect: connect,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the error response
	}
	t := &WebSocketServerTransport{}
	t.conn = conn
	h.connect(t)
}
