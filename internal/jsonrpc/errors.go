package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code. The constants below are the
// protocol-reserved codes this server emits; application errors travel as
// tool results, not as protocol errors.
type ErrorCode int

const (
	ErrorCodeParseError     ErrorCode = -32700 // body is not valid JSON
	ErrorCodeInvalidRequest ErrorCode = -32600 // not a well-formed request object
	ErrorCodeMethodNotFound ErrorCode = -32601
	ErrorCodeInvalidParams  ErrorCode = -32602
	ErrorCodeInternalError  ErrorCode = -32603
)
