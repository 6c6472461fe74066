package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

const testTimeout = 5 * time.Second

// fakeTransport simulates the remote side of a connection. The test reads
// what the Conn sends from sent, and injects inbound traffic with deliver.
type fakeTransport struct {
	mu      sync.Mutex
	started bool
	closed  bool
	h       TransportHandler

	sent chan *Message
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan *Message, 16)}
}

func (f *fakeTransport) Start(ctx context.Context, h TransportHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return ErrAlreadyStarted
	}
	f.started = true
	f.h = h
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg *Message) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	// Round-trip through the wire format so tests see what a peer would.
	data, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	decoded, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	f.sent <- decoded
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	h := f.h
	f.mu.Unlock()
	h.close()
	return nil
}

// deliver injects an inbound message as if the peer had sent it.
func (f *fakeTransport) deliver(t *testing.T, msg *Message) {
	t.Helper()
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	if h.OnMessage == nil {
		t.Fatal("transport not started")
	}
	h.OnMessage(msg)
}

// readSent reads the next message the Conn wrote, with a timeout.
func (f *fakeTransport) readSent(t *testing.T) *Message {
	t.Helper()
	select {
	case msg := <-f.sent:
		return msg
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for message from Conn")
		return nil
	}
}

// expectSilence asserts no message is written within d.
func (f *fakeTransport) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case msg := <-f.sent:
		t.Fatalf("unexpected message sent: %+v", msg)
	case <-time.After(d):
	}
}

func newTestConn(t *testing.T, opts ...Option) (*Conn, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := newConn(ft, resolveOptions(opts...))
	if err := c.start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, ft
}

func respond(t *testing.T, ft *fakeTransport, id RequestID, result any) {
	t.Helper()
	msg, err := NewResponse(id, result)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	ft.deliver(t, msg)
}

func TestCallResponse(t *testing.T) {
	c, ft := newTestConn(t)

	type echo struct {
		Value string `json:"value"`
	}
	errCh := make(chan error, 1)
	var got echo
	go func() {
		errCh <- c.Call(context.Background(), "test/echo", map[string]string{"value": "hi"}, &got)
	}()

	req := ft.readSent(t)
	if !req.IsRequest() || req.Method != "test/echo" {
		t.Fatalf("sent %+v, want test/echo request", req)
	}
	respond(t, ft, *req.ID, echo{Value: "hi"})

	if err := <-errCh; err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got.Value != "hi" {
		t.Fatalf("result = %q, want %q", got.Value, "hi")
	}
}

func TestCallErrorResponse(t *testing.T) {
	c, ft := newTestConn(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), "test/fail", nil, nil)
	}()

	req := ft.readSent(t)
	ft.deliver(t, &Message{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
		Error:   &JSONRPCError{Code: -32001, Message: "nope"},
	})

	err := <-errCh
	var rpcErr *JSONRPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call error = %v, want *JSONRPCError", err)
	}
	if rpcErr.Code != -32001 || rpcErr.Message != "nope" {
		t.Fatalf("got code=%d msg=%q", rpcErr.Code, rpcErr.Message)
	}
}

func TestCallTimeoutSendsCourtesyCancellation(t *testing.T) {
	c, ft := newTestConn(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), "test/slow", nil, nil, WithTimeout(50*time.Millisecond))
	}()

	req := ft.readSent(t)

	if err := <-errCh; !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("Call error = %v, want ErrRequestTimeout", err)
	}

	cancel := ft.readSent(t)
	if cancel.Method != NotificationCancelled {
		t.Fatalf("sent %q after timeout, want %q", cancel.Method, NotificationCancelled)
	}
	var params CancelledParams
	if err := json.Unmarshal(cancel.Params, &params); err != nil {
		t.Fatalf("unmarshal cancel params: %v", err)
	}
	if params.RequestID != *req.ID || params.Reason != "timeout" {
		t.Fatalf("cancelled id=%v reason=%q, want id=%v reason=timeout", params.RequestID, params.Reason, *req.ID)
	}

	// Late response for the expired request must be dropped silently.
	respond(t, ft, *req.ID, struct{}{})
	ft.expectSilence(t, 100*time.Millisecond)
}

func TestCallContextCancelled(t *testing.T) {
	c, ft := newTestConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(ctx, "test/slow", nil, nil)
	}()

	req := ft.readSent(t)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Call error = %v, want context.Canceled", err)
	}

	notif := ft.readSent(t)
	if notif.Method != NotificationCancelled {
		t.Fatalf("sent %q, want %q", notif.Method, NotificationCancelled)
	}
	var params CancelledParams
	if err := json.Unmarshal(notif.Params, &params); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if params.RequestID != *req.ID || params.Reason != "cancelled" {
		t.Fatalf("got id=%v reason=%q", params.RequestID, params.Reason)
	}
}

func TestUnknownResponseDropped(t *testing.T) {
	c, ft := newTestConn(t)

	respond(t, ft, IntID(999), struct{}{})

	// The engine must survive; a fresh call still round-trips.
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), "ping", nil, nil)
	}()
	req := ft.readSent(t)
	respond(t, ft, *req.ID, struct{}{})
	if err := <-errCh; err != nil {
		t.Fatalf("Call after stray response: %v", err)
	}
}

func TestProgressRelay(t *testing.T) {
	c, ft := newTestConn(t)

	type update struct {
		progress, total float64
	}
	updates := make(chan update, 4)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), "test/long", nil, nil,
			WithProgress(func(p ProgressParams) {
				updates <- update{p.Progress, p.Total}
			}))
	}()

	req := ft.readSent(t)
	token := extractProgressToken(req.Params)
	if !token.IsValid() {
		t.Fatalf("request params carry no progress token: %s", req.Params)
	}

	for _, p := range []float64{50, 100} {
		notif, err := NewNotification(NotificationProgress, &ProgressParams{
			ProgressToken: token,
			Progress:      p,
			Total:         100,
		})
		if err != nil {
			t.Fatalf("marshal progress: %v", err)
		}
		ft.deliver(t, notif)
	}

	for _, want := range []update{{50, 100}, {100, 100}} {
		select {
		case got := <-updates:
			if got != want {
				t.Fatalf("progress = %+v, want %+v", got, want)
			}
		case <-time.After(testTimeout):
			t.Fatal("timeout waiting for progress callback")
		}
	}

	respond(t, ft, *req.ID, struct{}{})
	if err := <-errCh; err != nil {
		t.Fatalf("Call: %v", err)
	}
}

func TestProgressResetsTimeout(t *testing.T) {
	c, ft := newTestConn(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), "test/long", nil, nil,
			WithTimeout(150*time.Millisecond),
			WithProgressReset(),
			WithProgress(func(ProgressParams) {}))
	}()

	req := ft.readSent(t)
	token := extractProgressToken(req.Params)

	// Keep the request alive past several deadlines with progress.
	for i := 0; i < 4; i++ {
		time.Sleep(80 * time.Millisecond)
		notif, _ := NewNotification(NotificationProgress, &ProgressParams{ProgressToken: token, Progress: float64(i)})
		ft.deliver(t, notif)
	}
	respond(t, ft, *req.ID, struct{}{})

	if err := <-errCh; err != nil {
		t.Fatalf("Call timed out despite progress: %v", err)
	}
}

func TestInboundRequestDispatch(t *testing.T) {
	c, ft := newTestConn(t)

	c.OnRequest("test/add", func(ctx context.Context, req *IncomingRequest) (any, error) {
		var params struct {
			A, B int
		}
		if err := req.UnmarshalParams(&params); err != nil {
			return nil, err
		}
		return map[string]int{"sum": params.A + params.B}, nil
	})

	req, _ := NewRequest(IntID(7), "test/add", map[string]int{"A": 2, "B": 3})
	ft.deliver(t, req)

	resp := ft.readSent(t)
	if !resp.IsResponse() || *resp.ID != IntID(7) {
		t.Fatalf("sent %+v, want response to id 7", resp)
	}
	var result struct {
		Sum int `json:"sum"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Sum != 5 {
		t.Fatalf("sum = %d, want 5", result.Sum)
	}
}

func TestInboundMethodNotFound(t *testing.T) {
	_, ft := newTestConn(t)

	req, _ := NewRequest(IntID(1), "no/such/method", nil)
	ft.deliver(t, req)

	resp := ft.readSent(t)
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("sent %+v, want MethodNotFound error", resp)
	}
}

func TestInboundHandlerErrors(t *testing.T) {
	c, ft := newTestConn(t)

	c.OnRequest("test/typed", func(context.Context, *IncomingRequest) (any, error) {
		return nil, &JSONRPCError{Code: -32042, Message: "typed failure"}
	})
	c.OnRequest("test/plain", func(context.Context, *IncomingRequest) (any, error) {
		return nil, errors.New("boom")
	})

	req, _ := NewRequest(IntID(1), "test/typed", nil)
	ft.deliver(t, req)
	resp := ft.readSent(t)
	if resp.Error == nil || resp.Error.Code != -32042 || resp.Error.Message != "typed failure" {
		t.Fatalf("typed error reply = %+v", resp.Error)
	}

	req, _ = NewRequest(IntID(2), "test/plain", nil)
	ft.deliver(t, req)
	resp = ft.readSent(t)
	if resp.Error == nil || resp.Error.Code != CodeInternalError {
		t.Fatalf("plain error reply = %+v, want InternalError", resp.Error)
	}
}

func TestInboundCancellationSuppressesReply(t *testing.T) {
	c, ft := newTestConn(t)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	c.OnRequest("test/slow", func(ctx context.Context, req *IncomingRequest) (any, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})

	req, _ := NewRequest(IntID(42), "test/slow", nil)
	ft.deliver(t, req)
	<-started

	notif, _ := NewNotification(NotificationCancelled, &CancelledParams{RequestID: IntID(42), Reason: "user"})
	ft.deliver(t, notif)

	select {
	case <-cancelled:
	case <-time.After(testTimeout):
		t.Fatal("handler context never cancelled")
	}

	// A cancelled request gets no reply at all.
	ft.expectSilence(t, 150*time.Millisecond)
}

func TestUnknownCancellationDropped(t *testing.T) {
	_, ft := newTestConn(t)

	notif, _ := NewNotification(NotificationCancelled, &CancelledParams{RequestID: IntID(777), Reason: "late"})
	ft.deliver(t, notif)
	ft.expectSilence(t, 100*time.Millisecond)
}

func TestClosePendingRequestsFail(t *testing.T) {
	c, ft := newTestConn(t)

	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Call(context.Background(), "test/slow", nil, nil)
	}()
	ft.readSent(t)

	c.Close()

	if err := <-errCh; !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Call error = %v, want ErrConnectionClosed", err)
	}
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatal("Done never closed")
	}
}

func TestOutgoingGateBlocksBeforeSend(t *testing.T) {
	c, ft := newTestConn(t)

	c.setOutgoingGate(func(method string, isNotification bool) error {
		if method == MethodListTools {
			return &CapabilityError{Method: method, Capability: "server.tools"}
		}
		return nil
	})

	err := c.Call(context.Background(), MethodListTools, nil, nil)
	var capErr *CapabilityError
	if !errors.As(err, &capErr) {
		t.Fatalf("Call error = %v, want *CapabilityError", err)
	}
	// The gate rejected locally: no bytes reached the transport.
	ft.expectSilence(t, 100*time.Millisecond)
}

func TestDefaultPingHandler(t *testing.T) {
	_, ft := newTestConn(t)

	req, _ := NewRequest(IntID(5), MethodPing, nil)
	ft.deliver(t, req)

	resp := ft.readSent(t)
	if resp.Error != nil || !resp.IsResponse() {
		t.Fatalf("ping reply = %+v, want empty result", resp)
	}
}

func TestOnCloseCallbacksAdditive(t *testing.T) {
	c, _ := newTestConn(t)

	calls := make(chan int, 2)
	c.OnClose(func() { calls <- 1 })
	c.OnClose(func() { calls <- 2 })

	c.Close()

	for want := 1; want <= 2; want++ {
		select {
		case got := <-calls:
			if got != want {
				t.Fatalf("close callback order = %d, want %d", got, want)
			}
		case <-time.After(testTimeout):
			t.Fatal("close callback never ran")
		}
	}
}
