package jrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version this package speaks.
const Version = "2.0"

// Error codes reserved by the JSON-RPC 2.0 specification.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Implementation-defined server errors. JSON-RPC reserves -32000..-32099
// for these.
const (
	CodeServerBusy        = -32000
	CodeTimeout           = -32001
	CodeSubscriptionLimit = -32002
)

// Error is the error object carried in an error response. Handlers may
// return an *Error to control the code/message/data seen by the client;
// any other error is reported as an internal error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// NewError creates an error object with the given code and message.
func NewError(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("jsonrpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Unwrap exposes an error stored in Data, if any.
func (e *Error) Unwrap() error {
	if err, ok := e.Data.(error); ok {
		return err
	}
	return nil
}

func errParse() *Error          { return &Error{Code: CodeParseError, Message: "Parse error"} }
func errMethodNotFound() *Error { return &Error{Code: CodeMethodNotFound, Message: "Method not found"} }
func errServerBusy() *Error     { return &Error{Code: CodeServerBusy, Message: "Server is busy"} }
func errTimeout() *Error        { return &Error{Code: CodeTimeout, Message: "Request timed out"} }

func errInvalidRequest(detail string) *Error {
	e := &Error{Code: CodeInvalidRequest, Message: "Invalid Request"}
	if detail != "" {
		e.Data = detail
	}
	return e
}

func errInvalidParams(data interface{}) *Error {
	return &Error{Code: CodeInvalidParams, Message: "Invalid params", Data: data}
}

func errInternal(detail string) *Error {
	e := &Error{Code: CodeInternalError, Message: "Internal error"}
	if detail != "" {
		e.Data = detail
	}
	return e
}

// Request is a single inbound call or notification. ID is nil when the id
// member was absent, which marks a notification; a literal "id": null is
// kept as the raw token and echoed back verbatim.
type Request struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  json.RawMessage  `json:"params,omitempty"`
	ID      *json.RawMessage `json:"id,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must never be answered.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response answers exactly one request. Exactly one of Result and Error is
// present on the wire; Result is emitted even when the handler returned nil.
type Response struct {
	JSONRPC string           `json:"jsonrpc"`
	Result  interface{}      `json:"result"`
	Error   *Error           `json:"error,omitempty"`
	ID      *json.RawMessage `json:"id"`
}

// MarshalJSON enforces the result-xor-error shape.
func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			JSONRPC string           `json:"jsonrpc"`
			Error   *Error           `json:"error"`
			ID      *json.RawMessage `json:"id"`
		}{Version, r.Error, r.ID})
	}
	return json.Marshal(struct {
		JSONRPC string           `json:"jsonrpc"`
		Result  interface{}      `json:"result"`
		ID      *json.RawMessage `json:"id"`
	}{Version, r.Result, r.ID})
}

func newResponse(id *json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: Version, Result: result, ID: id}
}

func newErrorResponse(id *json.RawMessage, err *Error) *Response {
	return &Response{JSONRPC: Version, Error: err, ID: id}
}

// Notification is an outbound frame with no id, used for subscription
// pushes. It is never answered by the peer.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}
