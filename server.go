package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub"
)

// CodeResourceNotFound is the application-defined error code for
// resources/read against an unknown URI.
const CodeResourceNotFound = -32002

// subChannelBuffer is the per-topic buffer of the resource-update fanout.
// A subscriber that falls this far behind starts dropping updates rather
// than blocking publishers.
const subChannelBuffer = 16

// ToolHandler executes one tools/call invocation. The IncomingRequest
// gives access to the caller's progress token via req.NotifyProgress.
type ToolHandler func(ctx context.Context, req *IncomingRequest, params *CallToolParams) (*CallToolResult, error)

// PromptHandler renders one prompts/get invocation.
type PromptHandler func(ctx context.Context, params *GetPromptParams) (*GetPromptResult, error)

// ResourceReader serves one resources/read invocation.
type ResourceReader func(ctx context.Context, params *ReadResourceParams) (*ReadResourceResult, error)

// CompletionHandler serves completion/complete for prompt and resource
// references.
type CompletionHandler func(ctx context.Context, params *CompleteParams) (*CompleteResult, error)

type serverTool struct {
	tool    Tool
	handler ToolHandler
}

type serverPrompt struct {
	prompt  Prompt
	handler PromptHandler
}

type serverResource struct {
	resource Resource
	reader   ResourceReader
}

// Server holds the shared tool, prompt, and resource registries and the
// server-wide identity. It is a session factory: each accepted transport
// produces one ServerSession over the shared registries, so registry
// changes are visible to every live session and announced to them via
// list_changed notifications.
type Server struct {
	info Implementation
	opts connOptions

	mu           sync.Mutex
	instructions string
	capsOverride *ServerCapabilities
	tools        featureSet[serverTool]
	prompts      featureSet[serverPrompt]
	resources    featureSet[serverResource]
	templates    []ResourceTemplate
	completion   CompletionHandler
	sessions     map[*ServerSession]struct{}

	// updates fans resource-change events out to sessions with active
	// resources/subscribe subscriptions; topics are resource URIs.
	updates *pubsub.PubSub
}

// NewServer creates a server identifying itself as info. Registries start
// empty; Connect may be called any number of times, concurrently.
func NewServer(info Implementation, opts ...Option) *Server {
	return &Server{
		info:      info,
		opts:      resolveOptions(opts...),
		tools:     newFeatureSet(func(t serverTool) string { return t.tool.Name }),
		prompts:   newFeatureSet(func(p serverPrompt) string { return p.prompt.Name }),
		resources: newFeatureSet(func(r serverResource) string { return r.resource.URI }),
		sessions:  make(map[*ServerSession]struct{}),
		updates:   pubsub.New(subChannelBuffer),
	}
}

// SetInstructions sets the usage instructions included in every
// initialize result. Takes effect for sessions connected afterwards.
func (s *Server) SetInstructions(instructions string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructions = instructions
}

// SetCapabilities overrides the derived capability set. Mostly useful for
// withholding features from the handshake; a nil value restores
// derivation.
func (s *Server) SetCapabilities(caps *ServerCapabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capsOverride = caps
}

// SetCompletionHandler installs the completion/complete handler and
// declares the completions capability for sessions connected afterwards.
func (s *Server) SetCompletionHandler(h CompletionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completion = h
}

// capabilities derives the declared capability set. Tool, prompt, and
// resource support follows from the registries existing; completions only
// from an installed handler.
func (s *Server) capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.capsOverride != nil {
		return *s.capsOverride
	}
	caps := ServerCapabilities{
		Tools:     &ToolsCapability{ListChanged: true},
		Prompts:   &PromptsCapability{ListChanged: true},
		Resources: &ResourcesCapability{Subscribe: true, ListChanged: true},
		Logging:   &LoggingCapability{},
	}
	if s.completion != nil {
		caps.Completions = &CompletionsCapability{}
	}
	return caps
}

// AddTool registers a tool; replacing a known name keeps its listing
// position. Live sessions are told via notifications/tools/list_changed.
func (s *Server) AddTool(tool Tool, h ToolHandler) {
	s.mu.Lock()
	s.tools.put(serverTool{tool: tool, handler: h})
	s.mu.Unlock()
	s.broadcast(NotificationToolListChanged)
}

// RemoveTool removes a tool by name, reporting whether it was present.
func (s *Server) RemoveTool(name string) bool {
	s.mu.Lock()
	ok := s.tools.remove(name)
	s.mu.Unlock()
	if ok {
		s.broadcast(NotificationToolListChanged)
	}
	return ok
}

// AddPrompt registers a prompt template.
func (s *Server) AddPrompt(prompt Prompt, h PromptHandler) {
	s.mu.Lock()
	s.prompts.put(serverPrompt{prompt: prompt, handler: h})
	s.mu.Unlock()
	s.broadcast(NotificationPromptListChanged)
}

// RemovePrompt removes a prompt by name, reporting whether it was present.
func (s *Server) RemovePrompt(name string) bool {
	s.mu.Lock()
	ok := s.prompts.remove(name)
	s.mu.Unlock()
	if ok {
		s.broadcast(NotificationPromptListChanged)
	}
	return ok
}

// AddResource registers a readable resource.
func (s *Server) AddResource(resource Resource, reader ResourceReader) {
	s.mu.Lock()
	s.resources.put(serverResource{resource: resource, reader: reader})
	s.mu.Unlock()
	s.broadcast(NotificationResourceListChanged)
}

// RemoveResource removes a resource by URI, reporting whether it was
// present.
func (s *Server) RemoveResource(uri string) bool {
	s.mu.Lock()
	ok := s.resources.remove(uri)
	s.mu.Unlock()
	if ok {
		s.broadcast(NotificationResourceListChanged)
	}
	return ok
}

// AddResourceTemplate registers a resource template for
// resources/templates/list.
func (s *Server) AddResourceTemplate(t ResourceTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates = append(s.templates, t)
}

// ResourceUpdated publishes a change to a resource. Every session holding
// a resources/subscribe subscription for the URI receives
// notifications/resources/updated.
func (s *Server) ResourceUpdated(uri string) {
	s.updates.TryPub(ResourceUpdatedParams{URI: uri}, uri)
}

// broadcast sends a notification to every initialized session.
// Best-effort: a session that cannot be reached is already on its way
// down.
func (s *Server) broadcast(method string) {
	for _, sess := range s.snapshotSessions() {
		if !sess.initialized.Load() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = sess.conn.Notify(ctx, method, nil)
		cancel()
	}
}

func (s *Server) snapshotSessions() []*ServerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ServerSession, 0, len(s.sessions))
	for sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// Connect binds one transport to a new session over the shared
// registries. The returned session is live immediately; the handshake
// happens when the client sends initialize.
func (s *Server) Connect(ctx context.Context, t Transport) (*ServerSession, error) {
	sess := &ServerSession{
		server: s,
		subs:   make(map[string]chan any),
	}
	conn := newConn(t, s.opts)
	sess.conn = conn
	sess.install(conn)

	conn.setIncomingGate(func(method string) (int, error) {
		if sess.initialized.Load() {
			return 0, nil
		}
		switch method {
		case MethodInitialize, MethodPing:
			return 0, nil
		}
		return CodeInvalidRequest, fmt.Errorf("method %q before initialization", method)
	})

	if err := conn.start(ctx); err != nil {
		return nil, fmt.Errorf("mcp: connect: %w", err)
	}

	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	conn.OnClose(func() {
		sess.unsubscribeAll()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
	})
	return sess, nil
}

// Close shuts down the resource-update fanout. Live sessions are closed
// individually by their owners.
func (s *Server) Close() {
	s.updates.Shutdown()
}

// ServerSession is one engine instance bound to one transport, with the
// capabilities negotiated on it and, transport permitting, an opaque
// session id. All server→client operations live here.
type ServerSession struct {
	server *Server
	conn   *Conn

	initialized atomic.Bool

	mu              sync.Mutex
	clientCaps      ClientCapabilities
	clientInfo      Implementation
	protocolVersion string
	logLevel        LoggingLevel
	subs            map[string]chan any
	initFns         []func()
	rootsChangedFns []func()
}

func (ss *ServerSession) install(conn *Conn) {
	conn.OnRequest(MethodInitialize, ss.handleInitialize)
	conn.OnRequest(MethodListTools, ss.handleListTools)
	conn.OnRequest(MethodCallTool, ss.handleCallTool)
	conn.OnRequest(MethodListPrompts, ss.handleListPrompts)
	conn.OnRequest(MethodGetPrompt, ss.handleGetPrompt)
	conn.OnRequest(MethodListResources, ss.handleListResources)
	conn.OnRequest(MethodReadResource, ss.handleReadResource)
	conn.OnRequest(MethodListResourceTemplates, ss.handleListResourceTemplates)
	conn.OnRequest(MethodSubscribeResource, ss.handleSubscribe)
	conn.OnRequest(MethodUnsubscribeResource, ss.handleUnsubscribe)
	conn.OnRequest(MethodComplete, ss.handleComplete)
	conn.OnRequest(MethodSetLoggingLevel, ss.handleSetLevel)

	conn.OnNotification(NotificationInitialized, func(context.Context, json.RawMessage) {
		ss.initialized.Store(true)
		ss.mu.Lock()
		fns := make([]func(), len(ss.initFns))
		copy(fns, ss.initFns)
		ss.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
	conn.OnNotification(NotificationRootsListChanged, func(context.Context, json.RawMessage) {
		ss.mu.Lock()
		fns := make([]func(), len(ss.rootsChangedFns))
		copy(fns, ss.rootsChangedFns)
		ss.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

func (ss *ServerSession) handleInitialize(ctx context.Context, req *IncomingRequest) (any, error) {
	var params InitializeParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}

	// Speak the client's version if we know it; otherwise answer with the
	// latest and let the client decide whether to proceed.
	version := params.ProtocolVersion
	if !protocolVersionSupported(version) {
		version = LatestProtocolVersion
	}

	ss.mu.Lock()
	ss.clientCaps = params.Capabilities
	ss.clientInfo = params.ClientInfo
	ss.protocolVersion = version
	ss.mu.Unlock()

	serverCaps := ss.server.capabilities()
	ss.conn.setOutgoingGate(func(method string, isNotification bool) error {
		if isNotification {
			return checkServerCapability(&serverCaps, method)
		}
		ss.mu.Lock()
		caps := ss.clientCaps
		ss.mu.Unlock()
		return checkClientCapability(&caps, method)
	})

	ss.server.mu.Lock()
	instructions := ss.server.instructions
	ss.server.mu.Unlock()

	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities:    serverCaps,
		ServerInfo:      ss.server.info,
		Instructions:    instructions,
	}, nil
}

func (ss *ServerSession) handleListTools(ctx context.Context, req *IncomingRequest) (any, error) {
	items := ss.server.snapshotTools()
	tools := make([]Tool, len(items))
	for i, t := range items {
		tools[i] = t.tool
	}
	return &ListToolsResult{Tools: tools}, nil
}

func (ss *ServerSession) handleCallTool(ctx context.Context, req *IncomingRequest) (any, error) {
	var params CallToolParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	ss.server.mu.Lock()
	t, ok := ss.server.tools.get(params.Name)
	ss.server.mu.Unlock()
	if !ok {
		return nil, &JSONRPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown tool %q", params.Name)}
	}
	return t.handler(ctx, req, &params)
}

func (ss *ServerSession) handleListPrompts(ctx context.Context, req *IncomingRequest) (any, error) {
	ss.server.mu.Lock()
	items := ss.server.prompts.values()
	ss.server.mu.Unlock()
	prompts := make([]Prompt, len(items))
	for i, p := range items {
		prompts[i] = p.prompt
	}
	return &ListPromptsResult{Prompts: prompts}, nil
}

func (ss *ServerSession) handleGetPrompt(ctx context.Context, req *IncomingRequest) (any, error) {
	var params GetPromptParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	ss.server.mu.Lock()
	p, ok := ss.server.prompts.get(params.Name)
	ss.server.mu.Unlock()
	if !ok {
		return nil, &JSONRPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown prompt %q", params.Name)}
	}
	return p.handler(ctx, &params)
}

func (ss *ServerSession) handleListResources(ctx context.Context, req *IncomingRequest) (any, error) {
	ss.server.mu.Lock()
	items := ss.server.resources.values()
	ss.server.mu.Unlock()
	resources := make([]Resource, len(items))
	for i, r := range items {
		resources[i] = r.resource
	}
	return &ListResourcesResult{Resources: resources}, nil
}

func (ss *ServerSession) handleReadResource(ctx context.Context, req *IncomingRequest) (any, error) {
	var params ReadResourceParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	ss.server.mu.Lock()
	r, ok := ss.server.resources.get(params.URI)
	ss.server.mu.Unlock()
	if !ok {
		return nil, &JSONRPCError{Code: CodeResourceNotFound, Message: fmt.Sprintf("resource %q not found", params.URI)}
	}
	return r.reader(ctx, &params)
}

func (ss *ServerSession) handleListResourceTemplates(ctx context.Context, req *IncomingRequest) (any, error) {
	ss.server.mu.Lock()
	templates := make([]ResourceTemplate, len(ss.server.templates))
	copy(templates, ss.server.templates)
	ss.server.mu.Unlock()
	return &ListResourceTemplatesResult{ResourceTemplates: templates}, nil
}

func (ss *ServerSession) handleSubscribe(ctx context.Context, req *IncomingRequest) (any, error) {
	var params SubscribeResourceParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	ss.subscribe(params.URI)
	return struct{}{}, nil
}

func (ss *ServerSession) handleUnsubscribe(ctx context.Context, req *IncomingRequest) (any, error) {
	var params UnsubscribeResourceParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	ss.unsubscribe(params.URI)
	return struct{}{}, nil
}

func (ss *ServerSession) handleComplete(ctx context.Context, req *IncomingRequest) (any, error) {
	ss.server.mu.Lock()
	h := ss.server.completion
	ss.server.mu.Unlock()
	if h == nil {
		return nil, &JSONRPCError{Code: CodeMethodNotFound, Message: "completion not supported"}
	}
	var params CompleteParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	return h(ctx, &params)
}

func (ss *ServerSession) handleSetLevel(ctx context.Context, req *IncomingRequest) (any, error) {
	var params SetLoggingLevelParams
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, err
	}
	if _, ok := loggingSeverity[params.Level]; !ok {
		return nil, &JSONRPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown logging level %q", params.Level)}
	}
	ss.mu.Lock()
	ss.logLevel = params.Level
	ss.mu.Unlock()
	return struct{}{}, nil
}

// subscribe wires this session into the server's update fanout for uri.
// One forwarding goroutine per subscription; it exits when the topic
// channel is closed by unsubscribe or session close.
func (ss *ServerSession) subscribe(uri string) {
	ss.mu.Lock()
	if _, ok := ss.subs[uri]; ok {
		ss.mu.Unlock()
		return
	}
	ch := ss.server.updates.Sub(uri)
	ss.subs[uri] = ch
	ss.mu.Unlock()

	go func() {
		for ev := range ch {
			params, ok := ev.(ResourceUpdatedParams)
			if !ok {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = ss.conn.Notify(ctx, NotificationResourceUpdated, &params)
			cancel()
		}
	}()
}

func (ss *ServerSession) unsubscribe(uri string) {
	ss.mu.Lock()
	ch, ok := ss.subs[uri]
	if ok {
		delete(ss.subs, uri)
	}
	ss.mu.Unlock()
	if ok {
		ss.server.updates.Unsub(ch, uri)
	}
}

func (ss *ServerSession) unsubscribeAll() {
	ss.mu.Lock()
	subs := ss.subs
	ss.subs = make(map[string]chan any)
	ss.mu.Unlock()
	for uri, ch := range subs {
		ss.server.updates.Unsub(ch, uri)
	}
}

// OnInitialized registers fn to run when the client confirms the
// handshake with notifications/initialized. Additive. fn runs on the
// dispatch path and must not block.
func (ss *ServerSession) OnInitialized(fn func()) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.initFns = append(ss.initFns, fn)
}

// OnRootsListChanged registers fn to run when the client announces a
// change to its roots registry. Additive.
func (ss *ServerSession) OnRootsListChanged(fn func()) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.rootsChangedFns = append(ss.rootsChangedFns, fn)
}

// OnClose registers fn to run when the session's connection closes.
func (ss *ServerSession) OnClose(fn func()) {
	ss.conn.OnClose(fn)
}

// ClientInfo returns the peer's identity from the handshake.
func (ss *ServerSession) ClientInfo() Implementation {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.clientInfo
}

// ClientCapabilities returns the capability set the client declared.
func (ss *ServerSession) ClientCapabilities() ClientCapabilities {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.clientCaps
}

// Close tears down the session's transport.
func (ss *ServerSession) Close() error {
	return ss.conn.Close()
}

// Wait blocks until the session's connection has shut down.
func (ss *ServerSession) Wait() {
	<-ss.conn.Done()
}

// --- Server→client operations ---

// Ping checks that the client is alive.
func (ss *ServerSession) Ping(ctx context.Context, opts ...RequestOption) error {
	return ss.conn.Call(ctx, MethodPing, nil, nil, opts...)
}

// CreateMessage asks the client to run an LLM completion. Requires the
// client.sampling capability.
func (ss *ServerSession) CreateMessage(ctx context.Context, params *CreateMessageParams, opts ...RequestOption) (*CreateMessageResult, error) {
	var result CreateMessageResult
	if err := ss.conn.Call(ctx, MethodCreateMessage, params, &result, opts...); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListRoots asks the client for its current roots. Requires the
// client.roots capability.
func (ss *ServerSession) ListRoots(ctx context.Context, opts ...RequestOption) (*ListRootsResult, error) {
	var result ListRootsResult
	if err := ss.conn.Call(ctx, MethodListRoots, nil, &result, opts...); err != nil {
		return nil, err
	}
	return &result, nil
}

// Elicit asks the client to collect structured input from the user.
// Requires the client.elicitation capability.
func (ss *ServerSession) Elicit(ctx context.Context, params *ElicitParams, opts ...RequestOption) (*ElicitResult, error) {
	var result ElicitResult
	if err := ss.conn.Call(ctx, MethodElicit, params, &result, opts...); err != nil {
		return nil, err
	}
	return &result, nil
}

// LoggingMessage emits one notifications/message record, honoring the
// minimum level the client chose with logging/setLevel. Data is marshaled
// as the record payload.
func (ss *ServerSession) LoggingMessage(ctx context.Context, level LoggingLevel, logger string, data any) error {
	ss.mu.Lock()
	threshold := ss.logLevel
	ss.mu.Unlock()
	if threshold != "" && loggingSeverity[level] < loggingSeverity[threshold] {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("mcp: marshal log data: %w", err)
	}
	return ss.conn.Notify(ctx, NotificationLoggingMessage, &LoggingMessageParams{
		Level:  level,
		Logger: logger,
		Data:   raw,
	})
}

// ResourceUpdated tells this session's client that a subscribed resource
// changed.
func (ss *ServerSession) ResourceUpdated(ctx context.Context, uri string) error {
	return ss.conn.Notify(ctx, NotificationResourceUpdated, &ResourceUpdatedParams{URI: uri})
}

// ResourceListChanged announces a change to the resource registry.
func (ss *ServerSession) ResourceListChanged(ctx context.Context) error {
	return ss.conn.Notify(ctx, NotificationResourceListChanged, nil)
}

// ToolListChanged announces a change to the tool registry.
func (ss *ServerSession) ToolListChanged(ctx context.Context) error {
	return ss.conn.Notify(ctx, NotificationToolListChanged, nil)
}

// PromptListChanged announces a change to the prompt registry.
func (ss *ServerSession) PromptListChanged(ctx context.Context) error {
	return ss.conn.Notify(ctx, NotificationPromptListChanged, nil)
}

func (s *Server) snapshotTools() []serverTool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tools.values()
}

// featureSet is an insertion-order-preserving registry keyed by a derived
// string (tool name, prompt name, resource URI). Replacing a known key
// keeps its listing position.
type featureSet[V any] struct {
	keyOf func(V) string
	index map[string]int
	items []V
}

func newFeatureSet[V any](keyOf func(V) string) featureSet[V] {
	return featureSet[V]{keyOf: keyOf, index: make(map[string]int)}
}

func (f *featureSet[V]) put(v V) {
	key := f.keyOf(v)
	if i, ok := f.index[key]; ok {
		f.items[i] = v
		return
	}
	f.index[key] = len(f.items)
	f.items = append(f.items, v)
}

func (f *featureSet[V]) get(key string) (V, bool) {
	i, ok := f.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	return f.items[i], true
}

func (f *featureSet[V]) remove(key string) bool {
	i, ok := f.index[key]
	if !ok {
		return false
	}
	f.items = append(f.items[:i], f.items[i+1:]...)
	delete(f.index, key)
	for j := i; j < len(f.items); j++ {
		f.index[f.keyOf(f.items[j])] = j
	}
	return true
}

func (f *featureSet[V]) values() []V {
	out := make([]V, len(f.items))
	copy(out, f.items)
	return out
}
