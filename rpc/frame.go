package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const jsonRPCVersion = "2.0"

// FrameKind tags the variant held by a Frame.
type FrameKind int

const (
	FrameMalformed FrameKind = iota
	FrameResponse
	FrameNotification
)

func (k FrameKind) String() string {
	switch k {
	case FrameResponse:
		return "response"
	case FrameNotification:
		return "notification"
	default:
		return "malformed"
	}
}

// Outcome is the payload of a response: exactly one of Result and Err is set.
type Outcome struct {
	Result json.RawMessage
	Err    *RemoteError
}

// Notification is a message from the worker that no call is waiting for.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	// ID is set when the worker sent a request rather than a notification. The bridge never answers those.
	ID json.RawMessage `json:"id,omitempty"`
}

// Frame is one decoded line of worker output.
type Frame struct {
	Kind FrameKind

	// ID and Outcome are set for FrameResponse.
	ID      int64
	Outcome Outcome

	// Notification is set for FrameNotification.
	Notification Notification

	// Reason explains a FrameMalformed.
	Reason string
}

// DecodeFrame classifies one line of worker output. It never fails; anything unusable is FrameMalformed.
func DecodeFrame(line []byte) Frame {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return malformed("not a JSON object: %s", err)
	}

	idRaw, hasID := fields["id"]
	if hasID && isNull(idRaw) {
		hasID = false
	}
	result, hasResult := fields["result"]
	errRaw, hasErr := fields["error"]

	var method string
	if raw, ok := fields["method"]; ok {
		if err := json.Unmarshal(raw, &method); err != nil {
			return malformed("method is not a string")
		}
	}

	switch {
	case hasResult || hasErr:
		if hasResult && hasErr {
			return malformed("response has both result and error")
		}
		if !hasID {
			return malformed("response without id")
		}
		var id int64
		if err := json.Unmarshal(idRaw, &id); err != nil {
			return malformed("response id %s is not an integer", idRaw)
		}
		f := Frame{Kind: FrameResponse, ID: id}
		if hasErr {
			f.Outcome.Err = decodeRemoteError(errRaw)
		} else {
			f.Outcome.Result = append(json.RawMessage(nil), result...)
		}
		return f
	case method != "":
		n := Notification{Method: method}
		if params, ok := fields["params"]; ok && !isNull(params) {
			n.Params = append(json.RawMessage(nil), params...)
		}
		if hasID {
			n.ID = append(json.RawMessage(nil), idRaw...)
		}
		return Frame{Kind: FrameNotification, Notification: n}
	default:
		return malformed("neither a response nor a notification")
	}
}

func malformed(format string, args ...any) Frame {
	return Frame{Kind: FrameMalformed, Reason: fmt.Sprintf(format, args...)}
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

type requestFrame struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type notificationFrame struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// encodeRequest returns a newline-terminated request line.
func encodeRequest(id int64, method string, params any) ([]byte, error) {
	return encodeLine(requestFrame{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params})
}

// encodeNotification returns a newline-terminated notification line.
func encodeNotification(method string, params any) ([]byte, error) {
	return encodeLine(notificationFrame{JSONRPC: jsonRPCVersion, Method: method, Params: params})
}

func encodeLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}
	// json.Marshal escapes control characters, so b never contains a raw newline
	return append(b, '\n'), nil
}
