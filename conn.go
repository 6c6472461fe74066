package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmora/mcp/internal/errfmt"
)

// Conn is a peer-symmetric JSON-RPC 2.0 engine bound to one Transport.
//
// Conn owns the transport exclusively: it starts it, dispatches its inbound
// traffic, and closes it. There is no client or server at this layer — the
// Client and ServerSession facades differ only in the handler set they
// install and the capability gate they configure.
//
// The synchronization model uses sync.Mutex + map[RequestID]*pendingRequest
// for pending calls. Inbound requests run in their own goroutines so a slow
// handler never blocks response dispatch. On close, every pending call
// fails with ErrConnectionClosed and every in-flight inbound handler is
// cancelled.
type Conn struct {
	transport Transport
	opts      connOptions
	logger    *slog.Logger

	nextID atomic.Int64

	mu                   sync.Mutex
	pending              map[RequestID]*pendingRequest
	progress             map[ProgressToken]*pendingRequest
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
	inflight             map[RequestID]*inboundTask
	closed               bool
	closeFns             []func()
	errorFns             []func(error)

	// outgoingGate enforces capability negotiation before any bytes leave
	// the process. Set by the role facade; nil means ungated.
	outgoingGate func(method string, isNotification bool) error

	// incomingGate rejects inbound requests that are illegal in the
	// current session phase (e.g. anything but initialize/ping before the
	// handshake completes). Returns the JSON-RPC error code to reply with.
	incomingGate func(method string) (int, error)

	baseCtx   context.Context
	cancelAll context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// RequestHandler answers one inbound request. Returning a *JSONRPCError
// (via errors.As) propagates its code, message, and data verbatim; any
// other error is reported to the peer as InternalError. The context is
// cancelled when the peer sends a matching notifications/cancelled or the
// connection closes.
type RequestHandler func(ctx context.Context, req *IncomingRequest) (any, error)

// NotificationHandler consumes one inbound notification. It runs in its
// own goroutine, except the notifications/initialized handler, which runs
// on the dispatch path; errors have nowhere to go, so handlers log their
// own.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// IncomingRequest carries one inbound request to its handler.
type IncomingRequest struct {
	ID     RequestID
	Method string
	Params json.RawMessage

	// Token is the progress token from params._meta, invalid when the
	// caller did not ask for progress.
	Token ProgressToken

	conn *Conn
}

// UnmarshalParams decodes the request params into v.
func (r *IncomingRequest) UnmarshalParams(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return &JSONRPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid %s params: %v", r.Method, err)}
	}
	return nil
}

// NotifyProgress reports incremental progress to the request's caller.
// It is a no-op when the caller did not attach a progress token.
func (r *IncomingRequest) NotifyProgress(ctx context.Context, progress, total float64) error {
	if !r.Token.IsValid() {
		return nil
	}
	return r.conn.notify(ctx, NotificationProgress, &ProgressParams{
		ProgressToken: r.Token,
		Progress:      progress,
		Total:         total,
	})
}

// pendingRequest tracks one in-flight outbound request.
type pendingRequest struct {
	id              RequestID
	ch              chan completion // buffered 1; completed exactly once
	timer           *time.Timer
	timeout         time.Duration
	resetOnProgress bool
	token           ProgressToken // valid when progress was requested
	onProgress      func(ProgressParams)
}

type completion struct {
	msg *Message
	err error
}

// inboundTask tracks one in-flight inbound handler goroutine.
type inboundTask struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool // set before cancel when the peer cancelled; suppresses the reply
}

func newConn(t Transport, opts connOptions) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		transport:            t,
		opts:                 opts,
		logger:               opts.logger,
		pending:              make(map[RequestID]*pendingRequest),
		progress:             make(map[ProgressToken]*pendingRequest),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		inflight:             make(map[RequestID]*inboundTask),
		baseCtx:              ctx,
		cancelAll:            cancel,
		done:                 make(chan struct{}),
	}
	// ping costs nothing and requires no capability, so the engine always
	// answers it.
	c.requestHandlers[MethodPing] = func(context.Context, *IncomingRequest) (any, error) {
		return struct{}{}, nil
	}
	return c
}

// start starts the transport and begins dispatching its traffic.
func (c *Conn) start(ctx context.Context) error {
	return c.transport.Start(ctx, TransportHandler{
		OnMessage: c.dispatch,
		OnError:   c.reportError,
		OnClose:   func() { c.shutdown() },
	})
}

// OnRequest installs (or replaces) the handler for an inbound method.
func (c *Conn) OnRequest(method string, h RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandlers[method] = h
}

// OnNotification installs (or replaces) the handler for an inbound
// notification method.
func (c *Conn) OnNotification(method string, h NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationHandlers[method] = h
}

// OnClose registers fn to run when the connection closes. Registrations
// are additive; they run in registration order, once.
func (c *Conn) OnClose(fn func()) {
	c.mu.Lock()
	closed := c.closed
	if !closed {
		c.closeFns = append(c.closeFns, fn)
	}
	c.mu.Unlock()
	if closed {
		fn()
	}
}

// OnError registers an observer for asynchronous errors: transport
// failures, handler panics, undeliverable messages. Additive.
func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorFns = append(c.errorFns, fn)
}

// Done returns a channel closed when the connection has shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close tears down the transport and fails all pending requests.
// Safe to call multiple times.
func (c *Conn) Close() error {
	err := c.transport.Close()
	c.shutdown() // transports invoke OnClose themselves; this covers ones that error first
	return err
}

// Call sends a request and blocks until the response arrives, the timeout
// elapses, ctx is cancelled, or the connection closes. A non-nil result is
// filled from the response. Timeouts and caller cancellation both emit a
// best-effort notifications/cancelled to the peer.
func (c *Conn) Call(ctx context.Context, method string, params, result any, opts ...RequestOption) error {
	ro := resolveRequestOptions(c.opts.timeout, opts...)

	if err := c.checkOutgoing(method, false); err != nil {
		return err
	}

	raw, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("mcp: marshal %s params: %w", method, err)
	}

	id := IntID(c.nextID.Add(1))
	p := &pendingRequest{
		id:              id,
		ch:              make(chan completion, 1),
		timeout:         ro.timeout,
		resetOnProgress: ro.resetOnProgress,
		onProgress:      ro.onProgress,
	}

	if ro.onProgress != nil {
		p.token = ro.token
		if !p.token.IsValid() {
			p.token = IntID(id.num)
		}
		raw, err = injectProgressToken(raw, p.token)
		if err != nil {
			return fmt.Errorf("mcp: attach progress token to %s: %w", method, err)
		}
	}

	if err := c.register(p); err != nil {
		return err
	}

	// The pending record and its deadline must be in place before the
	// first byte is written: the response can arrive before Send returns,
	// and some transports only deliver it after the peer has fully
	// processed the request.
	p.timer = time.AfterFunc(p.timeout, func() { c.expire(p) })

	msg := &Message{JSONRPC: JSONRPCVersion, ID: &id, Method: method, Params: raw}
	if err := c.transport.Send(ctx, msg); err != nil {
		c.unregister(p)
		return fmt.Errorf("mcp: send %s: %w", method, err)
	}

	select {
	case done := <-p.ch:
		return c.finishCall(done, method, result)
	case <-ctx.Done():
		if c.unregister(p) {
			c.cancelPeer(id, "cancelled")
		}
		// The response may have raced the cancellation — prefer it.
		select {
		case done := <-p.ch:
			return c.finishCall(done, method, result)
		default:
			return ctx.Err()
		}
	}
}

func (c *Conn) finishCall(done completion, method string, result any) error {
	if done.err != nil {
		return done.err
	}
	resp := done.msg
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("mcp: unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// Notify sends a notification: no id, no correlation, no timeout. The
// capability gate applies before any bytes are written.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := c.checkOutgoing(method, true); err != nil {
		return err
	}
	return c.notify(ctx, method, params)
}

// notify skips the gate; internal senders (courtesy cancellations,
// progress relays) are always allowed.
func (c *Conn) notify(ctx context.Context, method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, msg); err != nil {
		return fmt.Errorf("mcp: send %s: %w", method, err)
	}
	return nil
}

func (c *Conn) checkOutgoing(method string, isNotification bool) error {
	if !c.opts.capabilityChecks {
		return nil
	}
	c.mu.Lock()
	gate := c.outgoingGate
	c.mu.Unlock()
	if gate == nil {
		return nil
	}
	return gate(method, isNotification)
}

// setOutgoingGate installs the role's capability policy.
func (c *Conn) setOutgoingGate(gate func(method string, isNotification bool) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outgoingGate = gate
}

// setIncomingGate installs the role's inbound-phase policy.
func (c *Conn) setIncomingGate(gate func(method string) (int, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incomingGate = gate
}

// register inserts a pending record, failing if the connection is closed.
func (c *Conn) register(p *pendingRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	c.pending[p.id] = p
	if p.token.IsValid() {
		c.progress[p.token] = p
	}
	return nil
}

// unregister removes a pending record. Returns false if it was already
// completed or removed.
func (c *Conn) unregister(p *pendingRequest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[p.id]; !ok {
		return false
	}
	delete(c.pending, p.id)
	if p.token.IsValid() {
		delete(c.progress, p.token)
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	return true
}

// expire fires when a request's deadline elapses without a response.
func (c *Conn) expire(p *pendingRequest) {
	if !c.unregister(p) {
		return // completed just in time
	}
	p.ch <- completion{err: fmt.Errorf("%w: %s after %v", ErrRequestTimeout, p.id, p.timeout)}
	c.cancelPeer(p.id, "timeout")
}

// cancelPeer sends a courtesy notifications/cancelled. Best-effort: the
// peer may already be gone, and the caller's failure mode is already
// decided.
func (c *Conn) cancelPeer(id RequestID, reason string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.notify(ctx, NotificationCancelled, &CancelledParams{RequestID: id, Reason: reason})
	}()
}

// --- Inbound dispatch ---

// dispatch routes one inbound message. Responses complete synchronously in
// receipt order; requests and notifications run in their own goroutines,
// except notifications/initialized (see dispatchNotification).
func (c *Conn) dispatch(msg *Message) {
	switch {
	case msg.IsResponse():
		c.dispatchResponse(msg)
	case msg.IsRequest():
		c.dispatchRequest(msg)
	case msg.IsNotification():
		c.dispatchNotification(msg)
	}
}

func (c *Conn) dispatchResponse(msg *Message) {
	c.mu.Lock()
	p, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
		if p.token.IsValid() {
			delete(c.progress, p.token)
		}
	}
	c.mu.Unlock()

	if !ok {
		// Already completed (timeout, cancellation) or never ours — drop.
		c.logger.Debug("mcp: dropping response for unknown request", "id", msg.ID.String())
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- completion{msg: msg}
}

func (c *Conn) dispatchRequest(msg *Message) {
	id := *msg.ID
	method := msg.Method

	c.mu.Lock()
	gate := c.incomingGate
	h, ok := c.requestHandlers[method]
	c.mu.Unlock()

	if gate != nil {
		if code, err := gate(method); err != nil {
			c.reply(NewErrorResponse(id, code, err.Error()))
			return
		}
	}
	if !ok {
		c.reply(NewErrorResponse(id, CodeMethodNotFound, "method not found: "+errfmt.SanitizeMethod(method)))
		return
	}

	ctx, cancel := context.WithCancel(c.baseCtx)
	task := &inboundTask{cancel: cancel}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.inflight[id] = task
	c.mu.Unlock()

	req := &IncomingRequest{
		ID:     id,
		Method: method,
		Params: msg.Params,
		Token:  extractProgressToken(msg.Params),
		conn:   c,
	}

	// Handlers run in their own goroutine so a slow one cannot block
	// response dispatch for concurrent requests.
	go func() {
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.inflight, id)
			c.mu.Unlock()
		}()

		result, err := safeInvoke(h, ctx, req)

		// The peer cancelled this request: it no longer wants a response,
		// and sending one would race a reused id.
		if task.cancelled.Load() {
			return
		}

		if err != nil {
			var rpcErr *JSONRPCError
			if errors.As(err, &rpcErr) {
				c.reply(&Message{JSONRPC: JSONRPCVersion, ID: &id, Error: rpcErr})
				return
			}
			c.reportError(fmt.Errorf("mcp: %s handler: %w", method, err))
			c.reply(NewErrorResponse(id, CodeInternalError, errfmt.Truncate(err.Error())))
			return
		}

		resp, err := NewResponse(id, result)
		if err != nil {
			c.reply(NewErrorResponse(id, CodeInternalError, "marshal result: "+errfmt.Truncate(err.Error())))
			return
		}
		c.reply(resp)
	}()
}

func (c *Conn) dispatchNotification(msg *Message) {
	switch msg.Method {
	case NotificationProgress:
		c.handleProgress(msg.Params)
		return
	case NotificationCancelled:
		c.handleCancelled(msg.Params)
		return
	}

	c.mu.Lock()
	h, ok := c.notificationHandlers[msg.Method]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("mcp: dropping unhandled notification", "method", errfmt.SanitizeMethod(msg.Method))
		return
	}
	params := msg.Params
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				c.reportError(fmt.Errorf("mcp: %s handler panic: %v", msg.Method, r))
			}
		}()
		h(c.baseCtx, params)
	}
	// notifications/initialized ends the handshake phase. Its handler runs
	// on the dispatch path so the phase change is visible to the incoming
	// gate before the next inbound request is dispatched.
	if msg.Method == NotificationInitialized {
		run()
		return
	}
	go run()
}

// handleProgress relays a progress notification to the matching caller's
// callback and optionally rearms the request's timeout. A missing token is
// not an error — the request may have just completed.
func (c *Conn) handleProgress(params json.RawMessage) {
	var pp ProgressParams
	if err := json.Unmarshal(params, &pp); err != nil {
		c.reportError(fmt.Errorf("mcp: unmarshal progress params: %w", err))
		return
	}
	c.mu.Lock()
	p, ok := c.progress[pp.ProgressToken]
	c.mu.Unlock()
	if !ok {
		return
	}
	if p.resetOnProgress && p.timer != nil {
		p.timer.Reset(p.timeout)
	}
	if p.onProgress != nil {
		p.onProgress(pp)
	}
}

// handleCancelled stops the in-flight handler for a request the peer sent
// us and no longer wants answered. Unknown ids are dropped silently: the
// handler most likely finished while the cancellation was in transit.
func (c *Conn) handleCancelled(params json.RawMessage) {
	var cp CancelledParams
	if err := json.Unmarshal(params, &cp); err != nil {
		c.reportError(fmt.Errorf("mcp: unmarshal cancelled params: %w", err))
		return
	}
	c.mu.Lock()
	task, ok := c.inflight[cp.RequestID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("mcp: cancellation for unknown request", "id", cp.RequestID.String(), "reason", errfmt.Truncate(cp.Reason))
		return
	}
	task.cancelled.Store(true)
	task.cancel()
}

// reply writes a response. Best-effort: these run after handler
// completion, and the connection may already be closing — the peer times
// out if it never hears back.
func (c *Conn) reply(msg *Message) {
	ctx, cancel := context.WithTimeout(c.baseCtx, 30*time.Second)
	defer cancel()
	if err := c.transport.Send(ctx, msg); err != nil && !errors.Is(err, ErrConnectionClosed) {
		c.reportError(fmt.Errorf("mcp: send response: %w", err))
	}
}

func (c *Conn) reportError(err error) {
	if err == nil {
		return
	}
	c.logger.Debug("mcp: connection error", "err", err)
	c.mu.Lock()
	observers := make([]func(error), len(c.errorFns))
	copy(observers, c.errorFns)
	c.mu.Unlock()
	for _, fn := range observers {
		fn(err)
	}
}

// shutdown fails all pending requests, cancels in-flight handlers, and
// runs close callbacks. Idempotent.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		drained := make([]*pendingRequest, 0, len(c.pending))
		for id, p := range c.pending {
			delete(c.pending, id)
			drained = append(drained, p)
		}
		for tok := range c.progress {
			delete(c.progress, tok)
		}
		closeFns := c.closeFns
		c.closeFns = nil
		c.mu.Unlock()

		for _, p := range drained {
			if p.timer != nil {
				p.timer.Stop()
			}
			p.ch <- completion{err: ErrConnectionClosed}
		}
		c.cancelAll()
		for _, fn := range closeFns {
			fn()
		}
		close(c.done)
	})
}

// unmarshalNotification decodes notification params into v, reporting
// decode failures through the connection's error observers. Returns false
// when the notification should be dropped.
func unmarshalNotification(c *Conn, method string, raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		c.reportError(fmt.Errorf("mcp: unmarshal %s params: %w", method, err))
		return false
	}
	return true
}

// safeInvoke calls h with panic recovery; a handler panic becomes an
// InternalError reply instead of tearing down the process.
func safeInvoke(h RequestHandler, ctx context.Context, req *IncomingRequest) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, req)
}
