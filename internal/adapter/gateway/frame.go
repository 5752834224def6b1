package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeHello FrameType = "hello"
	FrameTypeEvent FrameType = "event"
)

// Frame is the envelope sent to stream clients.
type Frame struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// helloPayload confirms the subscription once the client is registered.
type helloPayload struct {
	Client string `json:"client"`
	Filter string `json:"filter,omitempty"`
}
