// Package mcp implements the Model Context Protocol: a JSON-RPC 2.0
// bidirectional messaging protocol that AI applications use to discover and
// invoke capabilities (tools, prompts, resources, sampling, elicitation)
// exposed by external programs.
//
// The package embeds both protocol roles on top of pluggable transports:
//
//   - [Client] — the application side: connects, negotiates capabilities,
//     and invokes server features through typed wrappers
//   - [Server] — holds tool/prompt/resource registries and produces one
//     [ServerSession] per accepted transport
//   - [Transport] — a concrete delivery mechanism for JSON-RPC messages:
//     stdio ([IOTransport], [CommandTransport]), Server-Sent Events
//     ([SSEClientTransport], [SSEHandler]), Streamable HTTP
//     ([StreamableClientTransport], [StreamableHTTPHandler]), and
//     WebSocket ([WebSocketClientTransport], [WebSocketHandler])
//
// Both roles share one peer-symmetric JSON-RPC engine that handles request
// correlation, progress streaming, cancellation propagation, timeouts, and
// capability gating. Only the installed handler set differs between them.
//
// Quick start, client side:
//
//	client := mcp.NewClient(mcp.Implementation{Name: "my-app", Version: "1.0.0"})
//	if err := client.Connect(ctx, mcp.NewCommandTransport(exec.Command("my-server"))); err != nil { ... }
//	defer client.Close()
//	tools, err := client.ListTools(ctx)
//
// Quick start, server side:
//
//	server := mcp.NewServer(mcp.Implementation{Name: "my-server", Version: "1.0.0"})
//	server.AddTool(mcp.Tool{Name: "get_weather", InputSchema: schema}, handleWeather)
//	session, err := server.Connect(ctx, mcp.NewIOTransport(os.Stdin, os.Stdout))
//	if err != nil { ... }
//	session.Wait()
package mcp
