package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code.
type ErrorCode int

const (
	// ErrorCodeParseError indicates invalid JSON was received.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest indicates the JSON sent is not a valid Request object.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound indicates the method does not exist.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams indicates invalid method parameters.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError indicates an internal error.
	ErrorCodeInternalError ErrorCode = -32603
)

// Host channel broker errors, in the implementation-defined server range.
const (
	ErrorCodeProviderNotFound  ErrorCode = -32001
	ErrorCodeInvalidHandle     ErrorCode = -32002
	ErrorCodeResourceExhausted ErrorCode = -32003
	ErrorCodeBufferTooLarge    ErrorCode = -32004
	ErrorCodeDisconnected      ErrorCode = -32005
	ErrorCodeProviderError     ErrorCode = -32010
)
