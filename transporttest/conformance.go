package transporttest

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmora/mcp"
)

// Factory produces a freshly connected transport pair for one conformance
// subtest. Cleanup registered on t runs after the subtest.
type Factory func(t *testing.T) (a, b mcp.Transport)

// Run exercises the Transport lifecycle contract against every pair the
// factory produces.
func Run(t *testing.T, factory Factory) {
	t.Run("SendBeforeStart", func(t *testing.T) {
		a, _ := factory(t)
		msg, _ := mcp.NewNotification("notifications/initialized", nil)
		if err := a.Send(context.Background(), msg); !errors.Is(err, mcp.ErrNotStarted) {
			t.Fatalf("Send before Start = %v, want ErrNotStarted", err)
		}
	})

	t.Run("CloseBeforeStart", func(t *testing.T) {
		a, _ := factory(t)
		if err := a.Close(); !errors.Is(err, mcp.ErrNotStarted) {
			t.Fatalf("Close before Start = %v, want ErrNotStarted", err)
		}
	})

	t.Run("DoubleStart", func(t *testing.T) {
		a, _ := factory(t)
		ctx := context.Background()
		if err := a.Start(ctx, mcp.TransportHandler{}); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer a.Close()
		if err := a.Start(ctx, mcp.TransportHandler{}); !errors.Is(err, mcp.ErrAlreadyStarted) {
			t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		a, b := factory(t)
		ctx := context.Background()

		fromA := make(chan *mcp.Message, 1)
		fromB := make(chan *mcp.Message, 1)
		start(t, a, mcp.TransportHandler{OnMessage: func(m *mcp.Message) { fromB <- m }})
		start(t, b, mcp.TransportHandler{OnMessage: func(m *mcp.Message) { fromA <- m }})
		defer a.Close()
		defer b.Close()

		ping, _ := mcp.NewRequest(mcp.IntID(1), "ping", nil)
		if err := a.Send(ctx, ping); err != nil {
			t.Fatalf("a.Send: %v", err)
		}
		got := recv(t, fromA)
		if !got.IsRequest() || got.Method != "ping" {
			t.Fatalf("b received %+v, want ping request", got)
		}

		pong, _ := mcp.NewResponse(mcp.IntID(1), struct{}{})
		if err := b.Send(ctx, pong); err != nil {
			t.Fatalf("b.Send: %v", err)
		}
		got = recv(t, fromB)
		if !got.IsResponse() {
			t.Fatalf("a received %+v, want response", got)
		}
	})

	t.Run("CloseIdempotentAndOnCloseOnce", func(t *testing.T) {
		a, _ := factory(t)
		var closes atomic.Int32
		start(t, a, mcp.TransportHandler{OnClose: func() { closes.Add(1) }})

		if err := a.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		_ = a.Close() // second close must not panic or re-fire

		deadline := time.After(2 * time.Second)
		for closes.Load() == 0 {
			select {
			case <-deadline:
				t.Fatal("OnClose never fired")
			default:
				time.Sleep(time.Millisecond)
			}
		}
		time.Sleep(50 * time.Millisecond)
		if n := closes.Load(); n != 1 {
			t.Fatalf("OnClose fired %d times, want 1", n)
		}
	})
}

func start(t *testing.T, tr mcp.Transport, h mcp.TransportHandler) {
	t.Helper()
	if err := tr.Start(context.Background(), h); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func recv(t *testing.T, ch <-chan *mcp.Message) *mcp.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}
