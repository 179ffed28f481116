// Package ipc handles inter-process communication between the daemon and clients.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/austinkregel/local-media/nowplayingd/internal/media"
)

// CommandType represents the type of command
type CommandType string

const (
	CmdPing        CommandType = "ping"
	CmdSessions    CommandType = "sessions"
	CmdMetadata    CommandType = "metadata"
	CmdCommand     CommandType = "command"
	CmdSubscribe   CommandType = "subscribe"
	CmdUnsubscribe CommandType = "unsubscribe"
)

// Push message types sent to subscribed clients
const (
	PushSessions = "sessions"
	PushMetadata = "metadata"
	PushPlayback = "playback"
)

// ErrNotFoundMessage is the error string sent when an application has no session
const ErrNotFoundMessage = "notFound"

// PushMessage represents a server-initiated message (no request needed)
type PushMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request represents a client request
type Request struct {
	Cmd  CommandType     `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Response represents a server response
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// AppRequest is the data for a metadata command
type AppRequest struct {
	App media.AppID `json:"app"`
}

// CommandRequest is the data for a command command
type CommandRequest struct {
	App    media.AppID `json:"app"`
	Action string      `json:"action"`
}

// MetadataPush tells subscribers that new metadata can be fetched for App
type MetadataPush struct {
	App media.AppID `json:"app"`
}

// PingResponse is returned by ping
type PingResponse struct {
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
	Clients  int    `json:"clients"`
}

// envelope decodes either a Response or a PushMessage
type envelope struct {
	Type    string          `json:"type,omitempty"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *envelope) isPush() bool {
	return e.Type != ""
}

// EncodeRequest encodes a request to JSON
func EncodeRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

// DecodeRequest decodes a request from JSON
func DecodeRequest(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}

// EncodeResponse encodes a response to JSON
func EncodeResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

// DecodeResponse decodes a response from JSON
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

// NewRequest creates a request with optional data
func NewRequest(cmd CommandType, data interface{}) (*Request, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Request{Cmd: cmd, Data: raw}, nil
}

// NewSuccessResponse creates a successful response
func NewSuccessResponse(data interface{}) (*Response, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	return &Response{
		Success: true,
		Data:    raw,
	}, nil
}

// NewErrorResponse creates an error response
func NewErrorResponse(err string) *Response {
	return &Response{
		Success: false,
		Error:   err,
	}
}

// NewPushMessage creates a push message for streaming data
func NewPushMessage(msgType string, data interface{}) ([]byte, error) {
	raw, err := marshalData(data)
	if err != nil {
		return nil, err
	}
	msg := PushMessage{
		Type: msgType,
		Data: raw,
	}
	return json.Marshal(msg)
}

func marshalData(data interface{}) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}
