package types

import (
	"encoding/json"
	"errors"
)

const (
	WireStatusSuccess = "success"
	WireStatusError   = "error"

	CommandAuthenticate = "authenticate"
	CommandPing         = "ping"
	EventAuthenticated  = "authenticated"
	EventPong           = "pong"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrInvalidBody is returned together with the parsed frame so the error can carry the request id.
	ErrInvalidBody = errors.New("frame body is not an object")
)

// Frame is one inbound websocket message: [command, requestId, body]. Frames without a request id
// ([command, body]) are allowed for authenticate and ping.
type Frame struct {
	Command   string
	RequestId json.RawMessage
	Body      map[string]interface{}
	// Raw holds the second element of two-element frames, used as the ping payload.
	Raw json.RawMessage
}

// ParseFrame decodes a raw websocket message.
func ParseFrame(data []byte) (*Frame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return nil, ErrMalformedFrame
	}
	if len(parts) == 0 || len(parts) > 3 {
		return nil, ErrMalformedFrame
	}
	f := &Frame{}
	if err := json.Unmarshal(parts[0], &f.Command); err != nil || f.Command == "" {
		return nil, ErrMalformedFrame
	}
	var body json.RawMessage
	switch len(parts) {
	case 2:
		f.Raw = parts[1]
		body = parts[1]
	case 3:
		f.RequestId = parts[1]
		body = parts[2]
	}
	f.Body = map[string]interface{}{}
	switch {
	case len(body) == 0 || string(body) == "null":
	case body[0] == '{':
		if err := json.Unmarshal(body, &f.Body); err != nil {
			return nil, ErrMalformedFrame
		}
	case len(parts) == 2 && f.Command == CommandPing:
		// the ping payload is echoed as is
	default:
		return f, ErrInvalidBody
	}
	return f, nil
}

// Response builds [status, requestId, payload]; the request id is omitted when the frame had none.
func (f *Frame) Response(status string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	msg := []interface{}{status}
	if f != nil && len(f.RequestId) > 0 {
		msg = append(msg, f.RequestId)
	}
	msg = append(msg, payload)
	return json.Marshal(msg)
}

// EventMessage builds a broadcast [eventName, payload].
func EventMessage(name string, payload interface{}) ([]byte, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return json.Marshal([]interface{}{name, payload})
}
