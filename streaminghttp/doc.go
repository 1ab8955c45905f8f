// Package streaminghttp implements the MCP streamable HTTP transport. It
// mounts as a standard net/http handler: clients POST JSON-RPC messages to
// the endpoint and receive either plain JSON or an SSE-framed response
// stream, and GET an SSE stream for server-originated notifications.
//
// Responsibilities
//   - Session establishment (initialize -> Mcp-Session-Id) and validation
//   - Authentication (pluggable auth.Authenticator: API key or JWT)
//   - SSE framing with event IDs and Last-Event-ID resumption
//   - Progress notification interleaving for in-flight tool calls
//
// # Session lifecycle over HTTP
//
// A POST without a session header must carry an initialize request; the
// response announces the new session ID in the Mcp-Session-Id header. All
// later requests echo that header. When a client reconnects and initializes
// again, the older session is superseded: requests against it receive 409
// Conflict with a distinguished message so the client knows to reconnect
// rather than retry.
//
// # Scaling
//
// Horizontal scale relies on a shared sessions.Host (Redis streams in
// production). Any node can serve any request; per-session ordering comes
// from the host's stream semantics, not sticky routing.
//
// Example (mount in net/http):
//
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
