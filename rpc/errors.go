package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned when a call is attempted before the handshake completed or after the bridge closed.
	ErrNotReady = errors.New("bridge not ready")

	// ErrHandshakeTimeout is returned when the worker does not answer initialize in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")

	// ErrCallTimeout is returned when no response arrives before the call deadline.
	ErrCallTimeout = errors.New("call timed out")

	// ErrProcessTerminated is returned to every outstanding call when the worker exits or its output stream closes.
	ErrProcessTerminated = errors.New("worker process terminated")
)

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// RemoteError is an error object returned by the worker.
// Raw holds the error value exactly as received; Code and Message are filled in when it is a standard error object.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" && e.Code == 0 {
		return fmt.Sprintf("remote error: %s", e.Raw)
	}
	if len(e.Data) > 0 {
		return fmt.Sprintf("remote error %d: %s (data: %s)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// MarshalJSON returns the error exactly as the worker sent it.
func (e *RemoteError) MarshalJSON() ([]byte, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	type plain RemoteError
	return json.Marshal((*plain)(e))
}

func decodeRemoteError(raw json.RawMessage) *RemoteError {
	e := &RemoteError{Raw: append(json.RawMessage(nil), raw...)}
	var obj struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		e.Code = obj.Code
		e.Message = obj.Message
		if string(obj.Data) != "null" {
			e.Data = obj.Data
		}
	}
	return e
}
