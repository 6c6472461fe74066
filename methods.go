package mcp

// JSON-RPC 2.0 method constants for the Model Context Protocol.
const (
	MethodInitialize            = "initialize"
	MethodPing                  = "ping"
	MethodListTools             = "tools/list"
	MethodCallTool              = "tools/call"
	MethodListPrompts           = "prompts/list"
	MethodGetPrompt             = "prompts/get"
	MethodListResources         = "resources/list"
	MethodReadResource          = "resources/read"
	MethodListResourceTemplates = "resources/templates/list"
	MethodSubscribeResource     = "resources/subscribe"
	MethodUnsubscribeResource   = "resources/unsubscribe"
	MethodComplete              = "completion/complete"
	MethodSetLoggingLevel       = "logging/setLevel"
	MethodCreateMessage         = "sampling/createMessage"
	MethodListRoots             = "roots/list"
	MethodElicit                = "elicitation/create"

	NotificationInitialized         = "notifications/initialized"
	NotificationCancelled           = "notifications/cancelled"
	NotificationProgress            = "notifications/progress"
	NotificationLoggingMessage      = "notifications/message"
	NotificationToolListChanged     = "notifications/tools/list_changed"
	NotificationPromptListChanged   = "notifications/prompts/list_changed"
	NotificationResourceListChanged = "notifications/resources/list_changed"
	NotificationResourceUpdated     = "notifications/resources/updated"
	NotificationRootsListChanged    = "notifications/roots/list_changed"
)

// Protocol version negotiation.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists the revisions this implementation accepts,
// newest first. The client rejects an initialize result whose version is not
// in this exact set.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

func protocolVersionSupported(v string) bool {
	for _, s := range SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

// Capability gating. Requests are gated on the capabilities the peer
// declared at initialize time; notifications are gated on the sender's own
// declared capabilities (a server may only announce tools/list_changed if
// it declared the tools capability; a client may only announce
// roots/list_changed if it declared roots.listChanged). Handshake and
// housekeeping methods are never gated.

// serverCapabilityChecks gates client→server requests and server→client
// notifications against the server's declared capabilities. The string is
// the dotted capability path reported in CapabilityError.
var serverCapabilityChecks = map[string]struct {
	path string
	ok   func(*ServerCapabilities) bool
}{
	MethodListPrompts:           {"server.prompts", func(c *ServerCapabilities) bool { return c.Prompts != nil }},
	MethodGetPrompt:             {"server.prompts", func(c *ServerCapabilities) bool { return c.Prompts != nil }},
	MethodComplete:              {"server.prompts", func(c *ServerCapabilities) bool { return c.Prompts != nil }},
	MethodListResources:         {"server.resources", func(c *ServerCapabilities) bool { return c.Resources != nil }},
	MethodListResourceTemplates: {"server.resources", func(c *ServerCapabilities) bool { return c.Resources != nil }},
	MethodReadResource:          {"server.resources", func(c *ServerCapabilities) bool { return c.Resources != nil }},
	MethodSubscribeResource:     {"server.resources.subscribe", func(c *ServerCapabilities) bool { return c.Resources != nil && c.Resources.Subscribe }},
	MethodUnsubscribeResource:   {"server.resources.subscribe", func(c *ServerCapabilities) bool { return c.Resources != nil && c.Resources.Subscribe }},
	MethodListTools:             {"server.tools", func(c *ServerCapabilities) bool { return c.Tools != nil }},
	MethodCallTool:              {"server.tools", func(c *ServerCapabilities) bool { return c.Tools != nil }},
	MethodSetLoggingLevel:       {"server.logging", func(c *ServerCapabilities) bool { return c.Logging != nil }},

	NotificationToolListChanged:     {"server.tools", func(c *ServerCapabilities) bool { return c.Tools != nil }},
	NotificationPromptListChanged:   {"server.prompts", func(c *ServerCapabilities) bool { return c.Prompts != nil }},
	NotificationResourceListChanged: {"server.resources", func(c *ServerCapabilities) bool { return c.Resources != nil }},
	NotificationResourceUpdated:     {"server.resources", func(c *ServerCapabilities) bool { return c.Resources != nil }},
}

// clientCapabilityChecks gates server→client requests and client→server
// notifications against the client's declared capabilities.
var clientCapabilityChecks = map[string]struct {
	path string
	ok   func(*ClientCapabilities) bool
}{
	MethodCreateMessage: {"client.sampling", func(c *ClientCapabilities) bool { return c.Sampling != nil }},
	MethodListRoots:     {"client.roots", func(c *ClientCapabilities) bool { return c.Roots != nil }},
	MethodElicit:        {"client.elicitation", func(c *ClientCapabilities) bool { return c.Elicitation != nil }},

	NotificationRootsListChanged: {"client.roots.listChanged", func(c *ClientCapabilities) bool { return c.Roots != nil && c.Roots.ListChanged }},
}

// checkServerCapability returns a CapabilityError if method requires a
// server capability that caps does not declare. A nil caps declares
// nothing, so every gated method fails; ungated methods always pass.
func checkServerCapability(caps *ServerCapabilities, method string) error {
	gate, gated := serverCapabilityChecks[method]
	if !gated {
		return nil
	}
	if caps == nil || !gate.ok(caps) {
		return &CapabilityError{Method: method, Capability: gate.path}
	}
	return nil
}

// checkClientCapability is the client-side counterpart of
// checkServerCapability.
func checkClientCapability(caps *ClientCapabilities, method string) error {
	gate, gated := clientCapabilityChecks[method]
	if !gated {
		return nil
	}
	if caps == nil || !gate.ok(caps) {
		return &CapabilityError{Method: method, Capability: gate.path}
	}
	return nil
}
