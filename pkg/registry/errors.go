package registry

import "fmt"

// RPC error codes. Standard JSON-RPC codes plus the server-defined range.
const (
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeMethodNotFound    = -32601
	CodeInvalidParams     = -32602
	CodeInternalError     = -32603
	CodeRateLimitExceeded = -32001
	CodeCircuitOpen       = -32002
	CodeUnauthorized      = -32003
	CodeValidationError   = -32004
	CodeHandlerError      = -32005
)

// Error is the wire error object: {code, message, data?}.
type Error struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an Error with an arbitrary code.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// HandlerError builds a classified handler failure; kind lands in data.kind
// so clients can switch on it without parsing the message.
func HandlerError(kind, message string) *Error {
	return &Error{
		Code:    CodeHandlerError,
		Message: message,
		Data:    map[string]any{"kind": kind},
	}
}

// ValidationError builds a business-validation failure.
func ValidationError(message string) *Error {
	return &Error{Code: CodeValidationError, Message: message}
}

// InvalidParams builds a schema-validation failure.
func InvalidParams(message string) *Error {
	return &Error{Code: CodeInvalidParams, Message: message}
}
