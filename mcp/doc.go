// Package mcp contains protocol data types and constants shared across
// transports and the service layer. It mirrors the wire representation
// specified by the Model Context Protocol while keeping the surface
// Go-friendly (exported structs with json tags, string constants for method
// names and enumerations).
//
// The package is intentionally free of transport logic: the streaming HTTP
// transport imports these types but implements its own framing,
// authentication and session handling. Likewise the service layer
// (mcpservice) constructs responses using these concrete types and hands
// them to the engine for JSON-RPC serialization.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod). Using the constants avoids typographical mistakes
// and ensures a single point of truth if the protocol evolves.
//
// # Pagination
//
// List operations use cursor-based pagination. PaginatedRequest and
// PaginatedResult are embedded in request / result envelopes to keep the
// core list types clean while offering forward-compatible metadata via
// BaseMetadata.
//
// # Compatibility
//
// The LatestProtocolVersion constant reflects the most recent protocol date
// the gateway targets. Transports negotiate versions at runtime; application
// code can compare a session's negotiated version with this constant to gate
// optional behaviors.
package mcp
