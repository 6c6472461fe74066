package mcp

import "encoding/json"

// Implementation identifies a client or server program to its peer.
type Implementation struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// --- Capabilities ---

// ClientCapabilities declares which server-initiated operations the client
// supports. A nil sub-capability means the feature is absent.
type ClientCapabilities struct {
	Roots        *RootsCapability           `json:"roots,omitempty"`
	Sampling     *SamplingCapability        `json:"sampling,omitempty"`
	Elicitation  *ElicitationCapability     `json:"elicitation,omitempty"`
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

// ServerCapabilities declares which client-initiated operations the server
// supports. A nil sub-capability means the feature is absent.
type ServerCapabilities struct {
	Tools        *ToolsCapability           `json:"tools,omitempty"`
	Prompts      *PromptsCapability         `json:"prompts,omitempty"`
	Resources    *ResourcesCapability       `json:"resources,omitempty"`
	Logging      *LoggingCapability         `json:"logging,omitempty"`
	Completions  *CompletionsCapability     `json:"completions,omitempty"`
	Experimental map[string]json.RawMessage `json:"experimental,omitempty"`
}

type RootsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type SamplingCapability struct{}

type ElicitationCapability struct{}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

type LoggingCapability struct{}

type CompletionsCapability struct{}

// --- Initialize ---

// InitializeParams is the client's opening request of the handshake.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Implementation     `json:"clientInfo"`
}

// InitializeResult is the server's answer, fixing the protocol version and
// capability set for the rest of the session.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Implementation     `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// --- Content ---

// Content is one content element in tool results, prompt messages, and
// sampling exchanges. Type is the discriminator ("text", "image", "audio",
// "resource"); unrecognized types round-trip with their tag and whichever
// of the fields below were present, so new content kinds degrade
// gracefully. Fields this struct does not declare are dropped.
type Content struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"` // base64 payload for image/audio
	MimeType string            `json:"mimeType,omitempty"`
	Resource *ResourceContents `json:"resource,omitempty"`
}

// TextContent builds a text content element.
func TextContent(text string) Content {
	return Content{Type: "text", Text: text}
}

// --- Tools ---

// Tool describes one invokable tool. InputSchema is the JSON Schema for
// the tool's arguments, carried verbatim; this package does not validate
// against it.
type Tool struct {
	Name         string          `json:"name"`
	Title        string          `json:"title,omitempty"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"inputSchema"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
}

type ListToolsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type CallToolResult struct {
	Content           []Content       `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// --- Prompts ---

// Prompt describes one prompt template.
type Prompt struct {
	Name        string           `json:"name"`
	Title       string           `json:"title,omitempty"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type ListPromptsParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type ListPromptsResult struct {
	Prompts    []Prompt `json:"prompts"`
	NextCursor string   `json:"nextCursor,omitempty"`
}

type GetPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

type PromptMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

// --- Resources ---

// Resource describes one readable resource, addressed by URI.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceTemplate describes a family of resources via an RFC 6570 URI
// template.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ResourceContents is the payload of one read resource: Text for textual
// data, Blob (base64) for binary.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type ListResourcesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type ListResourcesResult struct {
	Resources  []Resource `json:"resources"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

type ListResourceTemplatesParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
	NextCursor        string             `json:"nextCursor,omitempty"`
}

type ReadResourceParams struct {
	URI string `json:"uri"`
}

type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

type SubscribeResourceParams struct {
	URI string `json:"uri"`
}

type UnsubscribeResourceParams struct {
	URI string `json:"uri"`
}

type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// --- Roots ---

// Root is one filesystem or URI-space root exposed by the client.
type Root struct {
	URI  string `json:"uri"`
	Name string `json:"name,omitempty"`
}

type ListRootsResult struct {
	Roots []Root `json:"roots"`
}

// --- Sampling ---

type SamplingMessage struct {
	Role    string  `json:"role"`
	Content Content `json:"content"`
}

type ModelPreferences struct {
	Hints                []ModelHint `json:"hints,omitempty"`
	CostPriority         float64     `json:"costPriority,omitempty"`
	SpeedPriority        float64     `json:"speedPriority,omitempty"`
	IntelligencePriority float64     `json:"intelligencePriority,omitempty"`
}

type ModelHint struct {
	Name string `json:"name,omitempty"`
}

type CreateMessageParams struct {
	Messages         []SamplingMessage `json:"messages"`
	ModelPreferences *ModelPreferences `json:"modelPreferences,omitempty"`
	SystemPrompt     string            `json:"systemPrompt,omitempty"`
	IncludeContext   string            `json:"includeContext,omitempty"`
	Temperature      float64           `json:"temperature,omitempty"`
	MaxTokens        int               `json:"maxTokens"`
	StopSequences    []string          `json:"stopSequences,omitempty"`
	Metadata         json.RawMessage   `json:"metadata,omitempty"`
}

type CreateMessageResult struct {
	Role       string  `json:"role"`
	Content    Content `json:"content"`
	Model      string  `json:"model"`
	StopReason string  `json:"stopReason,omitempty"`
}

// --- Elicitation ---

type ElicitParams struct {
	Message         string          `json:"message"`
	RequestedSchema json.RawMessage `json:"requestedSchema,omitempty"`
}

type ElicitResult struct {
	Action  string          `json:"action"` // "accept", "decline", or "cancel"
	Content json.RawMessage `json:"content,omitempty"`
}

// --- Completion ---

// CompletionRef identifies what is being completed: Type is "ref/prompt"
// (Name set) or "ref/resource" (URI set).
type CompletionRef struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
	URI  string `json:"uri,omitempty"`
}

type CompletionArgument struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type CompleteParams struct {
	Ref      CompletionRef      `json:"ref"`
	Argument CompletionArgument `json:"argument"`
}

type CompleteResult struct {
	Completion CompletionValues `json:"completion"`
}

type CompletionValues struct {
	Values  []string `json:"values"`
	Total   int      `json:"total,omitempty"`
	HasMore bool     `json:"hasMore,omitempty"`
}

// --- Logging ---

// LoggingLevel is an RFC 5424 severity, "debug" through "emergency".
type LoggingLevel string

const (
	LoggingDebug     LoggingLevel = "debug"
	LoggingInfo      LoggingLevel = "info"
	LoggingNotice    LoggingLevel = "notice"
	LoggingWarning   LoggingLevel = "warning"
	LoggingError     LoggingLevel = "error"
	LoggingCritical  LoggingLevel = "critical"
	LoggingAlert     LoggingLevel = "alert"
	LoggingEmergency LoggingLevel = "emergency"
)

// loggingSeverity orders levels for threshold comparison. Unknown levels
// rank lowest so they are dropped by any explicit threshold.
var loggingSeverity = map[LoggingLevel]int{
	LoggingDebug: 1, LoggingInfo: 2, LoggingNotice: 3, LoggingWarning: 4,
	LoggingError: 5, LoggingCritical: 6, LoggingAlert: 7, LoggingEmergency: 8,
}

type SetLoggingLevelParams struct {
	Level LoggingLevel `json:"level"`
}

type LoggingMessageParams struct {
	Level  LoggingLevel    `json:"level"`
	Logger string          `json:"logger,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// --- Progress and cancellation ---

type ProgressParams struct {
	ProgressToken ProgressToken `json:"progressToken"`
	Progress      float64       `json:"progress"`
	Total         float64       `json:"total,omitempty"`
	Message       string        `json:"message,omitempty"`
}

type CancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason,omitempty"`
}

// requestMeta is the _meta object of request params. Only the progress
// token is interpreted; everything else passes through untouched.
type requestMeta struct {
	ProgressToken ProgressToken `json:"progressToken"`
}

// paramsWithMeta peeks at the _meta field of raw request params.
type paramsWithMeta struct {
	Meta requestMeta `json:"_meta"`
}

// injectProgressToken returns params with _meta.progressToken set,
// preserving all other fields. A nil params becomes {"_meta":{...}}.
func injectProgressToken(params json.RawMessage, token ProgressToken) (json.RawMessage, error) {
	obj := make(map[string]json.RawMessage)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, err
		}
	}
	meta := make(map[string]json.RawMessage)
	if raw, ok := obj["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, err
		}
	}
	tok, err := json.Marshal(token)
	if err != nil {
		return nil, err
	}
	meta["progressToken"] = tok
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = rawMeta
	return json.Marshal(obj)
}

// extractProgressToken reads _meta.progressToken from raw request params.
// Returns an invalid token when absent or unreadable.
func extractProgressToken(params json.RawMessage) ProgressToken {
	if len(params) == 0 {
		return ProgressToken{}
	}
	var p paramsWithMeta
	if err := json.Unmarshal(params, &p); err != nil {
		return ProgressToken{}
	}
	return p.Meta.ProgressToken
}
