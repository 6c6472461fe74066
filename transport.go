package mcp

import (
	"context"
	"sync"
)

// A Transport delivers JSON-RPC messages between two peers over some
// concrete I/O mechanism. Implementations in this package cover stdio,
// Server-Sent Events, Streamable HTTP, and WebSocket.
//
// Lifecycle: created → started (once) → open ↔ closed (once). Start may be
// called at most once per instance; Send is valid only between Start and
// Close; Close is idempotent in effect but fails with ErrNotStarted if the
// transport was never started.
//
// Transport is an interface to let sessions run over in-memory pipes in
// tests and over consumer-provided mechanisms.
type Transport interface {
	// Start establishes the I/O and begins a background reader that
	// delivers inbound traffic through h. It fails with ErrAlreadyStarted
	// if re-entered. The context bounds establishment only, not the
	// lifetime of the connection.
	Start(ctx context.Context, h TransportHandler) error

	// Send writes one message. The write is atomic with respect to other
	// Send calls on the same transport: message bodies never interleave
	// on the wire. Fails with ErrNotStarted before Start.
	Send(ctx context.Context, msg *Message) error

	// Close tears down the I/O, stops the reader, and invokes OnClose
	// exactly once. Subsequent calls are no-ops.
	Close() error
}

// TransportHandler receives inbound traffic from a started transport.
// OnMessage is invoked for every decoded message in receipt order.
// OnError reports recoverable and fatal transport-level failures; a fatal
// failure is followed by OnClose. OnClose fires exactly once, after the
// reader has drained everything it had already decoded. Any field may be
// nil.
type TransportHandler struct {
	OnMessage func(*Message)
	OnError   func(error)
	OnClose   func()
}

func (h TransportHandler) message(m *Message) {
	if h.OnMessage != nil {
		h.OnMessage(m)
	}
}

func (h TransportHandler) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h TransportHandler) close() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

// transportState implements the shared lifecycle contract: at-most-once
// Start, Send only between Start and Close, exactly-once OnClose.
// Embedded by every transport in this package.
type transportState struct {
	mu      sync.Mutex
	started bool
	closed  bool
	h       TransportHandler
}

// begin transitions created → started, storing the handler.
func (s *transportState) begin(h TransportHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.h = h
	return nil
}

// sendable reports whether Send is currently legal.
func (s *transportState) sendable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	if s.closed {
		return ErrConnectionClosed
	}
	return nil
}

// end transitions open → closed. Returns false if already closed or never
// started; the caller tears down I/O and fires OnClose only on true.
func (s *transportState) end() (TransportHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.closed {
		return TransportHandler{}, false
	}
	s.closed = true
	return s.h, true
}

// handler returns the registered handler, or the zero handler before Start.
func (s *transportState) handler() TransportHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}

// closeErr is Close's result for a never-started transport.
func (s *transportState) closeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return ErrNotStarted
	}
	return nil
}
