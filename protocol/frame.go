package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FrameKind classifies a decoded JSON-RPC frame.
type FrameKind int

const (
	FrameInvalid FrameKind = iota
	FrameRequest
	FrameNotification
	FrameResponse
)

// Frame is the union of every JSON-RPC 2.0 message shape. Transports decode
// one frame at a time and classify it before dispatch.
type Frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// DecodeFrame parses and classifies a single JSON-RPC frame. A parse failure
// yields a -32700 error; an envelope violation yields -32600.
func DecodeFrame(data []byte) (*Frame, FrameKind, *Error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, FrameInvalid, NewParseError(err.Error())
	}
	kind, err := f.Classify()
	if err != nil {
		return &f, FrameInvalid, err
	}
	return &f, kind, nil
}

// Classify enforces the JSON-RPC 2.0 envelope rules and returns the frame kind.
func (f *Frame) Classify() (FrameKind, *Error) {
	if f.JSONRPC != JSONRPCVersion {
		return FrameInvalid, NewInvalidRequest(fmt.Sprintf("jsonrpc must be %q", JSONRPCVersion))
	}
	hasID := len(f.ID) > 0 && !bytes.Equal(f.ID, []byte("null"))
	if hasID && !validID(f.ID) {
		return FrameInvalid, NewInvalidRequest("id must be a string or an integer")
	}

	switch {
	case f.Method != "" && hasID:
		if f.Result != nil || f.Error != nil {
			return FrameInvalid, NewInvalidRequest("request must not carry result or error")
		}
		return FrameRequest, nil
	case f.Method != "":
		return FrameNotification, nil
	case hasID && (f.Result != nil || f.Error != nil):
		if f.Result != nil && f.Error != nil {
			return FrameInvalid, NewInvalidRequest("response must carry result or error, not both")
		}
		return FrameResponse, nil
	default:
		return FrameInvalid, NewInvalidRequest("frame is neither request, notification, nor response")
	}
}

// Request converts a request or notification frame into a Request.
func (f *Frame) Request() *Request {
	return &Request{
		JSONRPC: f.JSONRPC,
		ID:      f.ID,
		Method:  f.Method,
		Params:  f.Params,
	}
}

// Response converts a response frame into a Response.
func (f *Frame) Response() *Response {
	resp := &Response{
		JSONRPC: f.JSONRPC,
		ID:      f.ID,
		Error:   f.Error,
	}
	if f.Result != nil {
		resp.Result = f.Result
	}
	return resp
}

// validID reports whether raw is a JSON string or integer.
func validID(raw json.RawMessage) bool {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return false
	}
	_, err := n.Int64()
	return err == nil
}
