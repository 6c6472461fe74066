// Package transporttest provides an in-memory transport pair and a
// reusable conformance suite for mcp.Transport implementations.
//
// The pipe pair backs engine and role tests without any real I/O; the
// conformance suite pins the lifecycle contract every transport must
// honor: at-most-once Start, Send only between Start and Close, and
// OnClose exactly once.
package transporttest

import (
	"context"
	"sync"

	"github.com/dmora/mcp"
)

// pipeBuffer bounds in-flight messages per direction.
const pipeBuffer = 64

// Pipe is one end of an in-memory transport pair. Messages Send on one
// end are re-encoded, re-decoded, and delivered to the other end's
// handler, so marshaling bugs surface in tests exactly as they would on a
// real wire.
type Pipe struct {
	peer *Pipe

	inbox chan *mcp.Message
	done  chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	handler mcp.TransportHandler

	closeOnce sync.Once
}

// NewPipe returns two connected transports. Closing either end closes
// both, like a dropped connection.
func NewPipe() (*Pipe, *Pipe) {
	a := &Pipe{inbox: make(chan *mcp.Message, pipeBuffer), done: make(chan struct{})}
	b := &Pipe{inbox: make(chan *mcp.Message, pipeBuffer), done: make(chan struct{})}
	a.peer = b
	b.peer = a
	return a, b
}

// Start begins delivering inbound messages to h.
func (p *Pipe) Start(ctx context.Context, h mcp.TransportHandler) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return mcp.ErrAlreadyStarted
	}
	p.started = true
	p.handler = h
	p.mu.Unlock()

	go func() {
		for {
			select {
			case msg := <-p.inbox:
				if h.OnMessage != nil {
					h.OnMessage(msg)
				}
			case <-p.done:
				// Drain what was already delivered before the close.
				for {
					select {
					case msg := <-p.inbox:
						if h.OnMessage != nil {
							h.OnMessage(msg)
						}
					default:
						if h.OnClose != nil {
							h.OnClose()
						}
						return
					}
				}
			}
		}
	}()
	return nil
}

// Send re-encodes msg through the wire format and delivers it to the
// peer.
func (p *Pipe) Send(ctx context.Context, msg *mcp.Message) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return mcp.ErrNotStarted
	}
	if p.closed {
		p.mu.Unlock()
		return mcp.ErrConnectionClosed
	}
	p.mu.Unlock()

	data, err := mcp.EncodeMessage(msg)
	if err != nil {
		return err
	}
	decoded, err := mcp.DecodeMessage(data)
	if err != nil {
		return err
	}

	select {
	case p.peer.inbox <- decoded:
		return nil
	case <-p.peer.done:
		return mcp.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes both ends. Idempotent.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return mcp.ErrNotStarted
	}
	p.mu.Unlock()

	p.shutdown()
	p.peer.shutdown()
	return nil
}

func (p *Pipe) shutdown() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		started := p.started
		p.mu.Unlock()
		close(p.done)
		if !started {
			// Never started: nothing is pumping the inbox, so the close
			// callback has to fire here.
			p.mu.Lock()
			h := p.handler
			p.mu.Unlock()
			if h.OnClose != nil {
				h.OnClose()
			}
		}
	})
}
