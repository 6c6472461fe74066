package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// SamplingHandler answers a server's sampling/createMessage request by
// running an LLM completion on the client's side.
type SamplingHandler func(ctx context.Context, params *CreateMessageParams) (*CreateMessageResult, error)

// ElicitationHandler answers a server's elicitation/create request by
// collecting structured input from the user.
type ElicitationHandler func(ctx context.Context, params *ElicitParams) (*ElicitResult, error)

// LoggingMessageHandler consumes notifications/message log records emitted
// by the server.
type LoggingMessageHandler func(params *LoggingMessageParams)

// ResourceUpdatedHandler consumes notifications/resources/updated for
// resources the client subscribed to.
type ResourceUpdatedHandler func(params *ResourceUpdatedParams)

// Client is the application-side peer: it connects a transport, performs
// the initialization handshake, and exposes typed wrappers over the
// server's capabilities. One Client drives one connection.
type Client struct {
	info Implementation
	opts connOptions
	conn *Conn

	mu        sync.Mutex
	roots     []Root          // insertion order, for roots/list
	rootIndex map[string]int  // uri → position in roots

	samplingHandler    SamplingHandler
	elicitationHandler ElicitationHandler
	loggingHandler     LoggingMessageHandler
	resourceUpdated    ResourceUpdatedHandler

	initialized atomic.Bool

	// Handshake results, written once during Connect, read thereafter.
	serverCaps      ServerCapabilities
	serverInfo      Implementation
	instructions    string
	protocolVersion string
}

// NewClient creates a client identifying itself as info. Handlers for
// server-initiated requests (sampling, elicitation) must be installed
// before Connect: the corresponding capabilities are declared during the
// handshake and cannot be added afterwards.
func NewClient(info Implementation, opts ...Option) *Client {
	return &Client{
		info:      info,
		opts:      resolveOptions(opts...),
		rootIndex: make(map[string]int),
	}
}

// SetSamplingHandler installs the sampling/createMessage handler and
// declares the sampling capability. Must be called before Connect.
func (c *Client) SetSamplingHandler(h SamplingHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samplingHandler = h
}

// SetElicitationHandler installs the elicitation/create handler and
// declares the elicitation capability. Must be called before Connect.
func (c *Client) SetElicitationHandler(h ElicitationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elicitationHandler = h
}

// SetLoggingMessageHandler installs the consumer for server log records.
func (c *Client) SetLoggingMessageHandler(h LoggingMessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loggingHandler = h
}

// SetResourceUpdatedHandler installs the consumer for resource update
// notifications.
func (c *Client) SetResourceUpdatedHandler(h ResourceUpdatedHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resourceUpdated = h
}

// capabilities derives the declared capability set from the installed
// handlers. Roots are always supported — the registry exists whether or
// not it has entries.
func (c *Client) capabilities() ClientCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	caps := ClientCapabilities{
		Roots: &RootsCapability{ListChanged: true},
	}
	if c.samplingHandler != nil {
		caps.Sampling = &SamplingCapability{}
	}
	if c.elicitationHandler != nil {
		caps.Elicitation = &ElicitationCapability{}
	}
	return caps
}

// Connect starts the transport, performs the initialize handshake, and
// sends notifications/initialized. On version mismatch or handshake
// failure the transport is closed and a HandshakeError returned.
func (c *Client) Connect(ctx context.Context, t Transport) error {
	if c.conn != nil {
		return fmt.Errorf("mcp: client already connected")
	}
	conn := newConn(t, c.opts)
	c.conn = conn
	c.installHandlers(conn)

	if err := conn.start(ctx); err != nil {
		return fmt.Errorf("mcp: connect: %w", err)
	}

	params := &InitializeParams{
		ProtocolVersion: LatestProtocolVersion,
		Capabilities:    c.capabilities(),
		ClientInfo:      c.info,
	}
	var result InitializeResult
	if err := conn.Call(ctx, MethodInitialize, params, &result); err != nil {
		conn.Close()
		return &HandshakeError{Err: err}
	}
	if !protocolVersionSupported(result.ProtocolVersion) {
		conn.Close()
		return &HandshakeError{ProtocolVersion: result.ProtocolVersion}
	}

	c.mu.Lock()
	c.serverCaps = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.instructions = result.Instructions
	c.protocolVersion = result.ProtocolVersion
	c.mu.Unlock()

	// Outbound methods are gated from here on: requests against what the
	// server declared, notifications against what we declared.
	clientCaps := c.capabilities()
	conn.setOutgoingGate(func(method string, isNotification bool) error {
		if isNotification {
			return checkClientCapability(&clientCaps, method)
		}
		c.mu.Lock()
		caps := c.serverCaps
		c.mu.Unlock()
		return checkServerCapability(&caps, method)
	})

	// The negotiated version rides along on every subsequent HTTP request.
	if vt, ok := t.(protocolVersionSetter); ok {
		vt.setProtocolVersion(result.ProtocolVersion)
	}

	if err := conn.Notify(ctx, NotificationInitialized, nil); err != nil {
		conn.Close()
		return &HandshakeError{Err: err}
	}
	c.initialized.Store(true)
	return nil
}

// protocolVersionSetter is implemented by transports that carry the
// negotiated protocol version out-of-band (Streamable HTTP's
// Mcp-Protocol-Version header).
type protocolVersionSetter interface {
	setProtocolVersion(v string)
}

func (c *Client) installHandlers(conn *Conn) {
	conn.OnRequest(MethodListRoots, func(ctx context.Context, req *IncomingRequest) (any, error) {
		return c.listRoots(), nil
	})
	conn.OnRequest(MethodCreateMessage, func(ctx context.Context, req *IncomingRequest) (any, error) {
		c.mu.Lock()
		h := c.samplingHandler
		c.mu.Unlock()
		if h == nil {
			return nil, &JSONRPCError{Code: CodeMethodNotFound, Message: "sampling not supported"}
		}
		var params CreateMessageParams
		if err := req.UnmarshalParams(&params); err != nil {
			return nil, err
		}
		return h(ctx, &params)
	})
	conn.OnRequest(MethodElicit, func(ctx context.Context, req *IncomingRequest) (any, error) {
		c.mu.Lock()
		h := c.elicitationHandler
		c.mu.Unlock()
		if h == nil {
			return nil, &JSONRPCError{Code: CodeMethodNotFound, Message: "elicitation not supported"}
		}
		var params ElicitParams
		if err := req.UnmarshalParams(&params); err != nil {
			return nil, err
		}
		return h(ctx, &params)
	})
	conn.OnNotification(NotificationLoggingMessage, func(ctx context.Context, raw json.RawMessage) {
		c.mu.Lock()
		h := c.loggingHandler
		c.mu.Unlock()
		if h == nil {
			return
		}
		var params LoggingMessageParams
		if unmarshalNotification(conn, NotificationLoggingMessage, raw, &params) {
			h(&params)
		}
	})
	conn.OnNotification(NotificationResourceUpdated, func(ctx context.Context, raw json.RawMessage) {
		c.mu.Lock()
		h := c.resourceUpdated
		c.mu.Unlock()
		if h == nil {
			return
		}
		var params ResourceUpdatedParams
		if unmarshalNotification(conn, NotificationResourceUpdated, raw, &params) {
			h(&params)
		}
	})
}

// ready guards typed wrappers against use before the handshake completes.
func (c *Client) ready() error {
	if c.conn == nil || !c.initialized.Load() {
		return ErrNotConnected
	}
	return nil
}

// Close tears down the connection. Safe before Connect.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Wait blocks until the connection has shut down.
func (c *Client) Wait() {
	if c.conn != nil {
		<-c.conn.Done()
	}
}

// OnClose registers fn to run when the connection closes. Additive.
func (c *Client) OnClose(fn func()) {
	if c.conn != nil {
		c.conn.OnClose(fn)
	}
}

// ServerInfo returns the peer's identity from the handshake.
func (c *Client) ServerInfo() Implementation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// ServerCapabilities returns the capability set the server declared.
func (c *Client) ServerCapabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// Instructions returns the server's usage instructions, if it sent any.
func (c *Client) Instructions() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instructions
}

// --- Typed wrappers ---

// Ping checks that the peer is alive.
func (c *Client) Ping(ctx context.Context, opts ...RequestOption) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.conn.Call(ctx, MethodPing, nil, nil, opts...)
}

// ListTools enumerates the server's tools.
func (c *Client) ListTools(ctx context.Context, opts ...RequestOption) (*ListToolsResult, error) {
	return typedCall[ListToolsResult](ctx, c, MethodListTools, nil, opts...)
}

// CallTool invokes a tool by name with raw JSON arguments.
func (c *Client) CallTool(ctx context.Context, params *CallToolParams, opts ...RequestOption) (*CallToolResult, error) {
	return typedCall[CallToolResult](ctx, c, MethodCallTool, params, opts...)
}

// ListPrompts enumerates the server's prompt templates.
func (c *Client) ListPrompts(ctx context.Context, opts ...RequestOption) (*ListPromptsResult, error) {
	return typedCall[ListPromptsResult](ctx, c, MethodListPrompts, nil, opts...)
}

// GetPrompt renders one prompt template.
func (c *Client) GetPrompt(ctx context.Context, params *GetPromptParams, opts ...RequestOption) (*GetPromptResult, error) {
	return typedCall[GetPromptResult](ctx, c, MethodGetPrompt, params, opts...)
}

// ListResources enumerates the server's resources.
func (c *Client) ListResources(ctx context.Context, opts ...RequestOption) (*ListResourcesResult, error) {
	return typedCall[ListResourcesResult](ctx, c, MethodListResources, nil, opts...)
}

// ListResourceTemplates enumerates the server's resource templates.
func (c *Client) ListResourceTemplates(ctx context.Context, opts ...RequestOption) (*ListResourceTemplatesResult, error) {
	return typedCall[ListResourceTemplatesResult](ctx, c, MethodListResourceTemplates, nil, opts...)
}

// ReadResource reads one resource by URI.
func (c *Client) ReadResource(ctx context.Context, params *ReadResourceParams, opts ...RequestOption) (*ReadResourceResult, error) {
	return typedCall[ReadResourceResult](ctx, c, MethodReadResource, params, opts...)
}

// SubscribeResource asks the server for update notifications on a URI.
// Requires server.resources.subscribe.
func (c *Client) SubscribeResource(ctx context.Context, uri string, opts ...RequestOption) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.conn.Call(ctx, MethodSubscribeResource, &SubscribeResourceParams{URI: uri}, nil, opts...)
}

// UnsubscribeResource cancels a resource subscription.
func (c *Client) UnsubscribeResource(ctx context.Context, uri string, opts ...RequestOption) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.conn.Call(ctx, MethodUnsubscribeResource, &UnsubscribeResourceParams{URI: uri}, nil, opts...)
}

// Complete requests argument completion for a prompt or resource
// reference.
func (c *Client) Complete(ctx context.Context, params *CompleteParams, opts ...RequestOption) (*CompleteResult, error) {
	return typedCall[CompleteResult](ctx, c, MethodComplete, params, opts...)
}

// SetLoggingLevel sets the minimum severity the server will send via
// notifications/message.
func (c *Client) SetLoggingLevel(ctx context.Context, level LoggingLevel, opts ...RequestOption) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.conn.Call(ctx, MethodSetLoggingLevel, &SetLoggingLevelParams{Level: level}, nil, opts...)
}

// typedCall wraps conn.Call with the ready check and a typed result.
func typedCall[T any](ctx context.Context, c *Client, method string, params any, opts ...RequestOption) (*T, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var result T
	if err := c.conn.Call(ctx, method, params, &result, opts...); err != nil {
		return nil, err
	}
	return &result, nil
}

// --- Roots registry ---

// AddRoot adds one root to the registry. Replacing a known URI keeps its
// position; new URIs append in insertion order. The change is not
// announced — call RootsListChanged when the batch is complete.
func (c *Client) AddRoot(root Root) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i, ok := c.rootIndex[root.URI]; ok {
		c.roots[i] = root
		return
	}
	c.rootIndex[root.URI] = len(c.roots)
	c.roots = append(c.roots, root)
}

// AddRoots adds several roots at once.
func (c *Client) AddRoots(roots ...Root) {
	for _, r := range roots {
		c.AddRoot(r)
	}
}

// RemoveRoot removes a root by URI. Returns false if it was not present.
func (c *Client) RemoveRoot(uri string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.rootIndex[uri]
	if !ok {
		return false
	}
	c.roots = append(c.roots[:i], c.roots[i+1:]...)
	delete(c.rootIndex, uri)
	for j := i; j < len(c.roots); j++ {
		c.rootIndex[c.roots[j].URI] = j
	}
	return true
}

// RemoveRoots removes several roots by URI, reporting how many were
// present.
func (c *Client) RemoveRoots(uris ...string) int {
	removed := 0
	for _, uri := range uris {
		if c.RemoveRoot(uri) {
			removed++
		}
	}
	return removed
}

func (c *Client) listRoots() *ListRootsResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Root, len(c.roots))
	copy(out, c.roots)
	return &ListRootsResult{Roots: out}
}

// RootsListChanged announces that the roots registry changed. Requires the
// declared client.roots.listChanged capability.
func (c *Client) RootsListChanged(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.conn.Notify(ctx, NotificationRootsListChanged, nil)
}
