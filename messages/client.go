package messages

import (
	"strconv"

	"github.com/bytedance/sonic"
)

// Inbound message types
const (
	TypeQuery      = "query"
	TypeDisconnect = "disconnect"
)

// ClientMessage represents a frame received from a client.
// Image and Point are empty when absent.
type ClientMessage struct {
	Type  string `json:"type"`            // "query", "disconnect"
	Msg   string `json:"msg,omitempty"`   // query text
	Image string `json:"image,omitempty"` // Base64-encoded image
	Point string `json:"point,omitempty"` // Referent point, "x,y"
}

// HasMarker reports whether the query carries both an image and a point to mark on it
func (m *ClientMessage) HasMarker() bool {
	return m.Image != "" && m.Point != ""
}

// rawClientMessage accepts any JSON value in every field
type rawClientMessage struct {
	Type  any `json:"type"`
	Msg   any `json:"msg"`
	Image any `json:"image"`
	Point any `json:"point"`
}

// ParseClientMessage decodes a raw text frame. Only a frame that is not a
// JSON object is an error. A non-string type decodes as empty, msg is
// stringified, a non-string image counts as absent and a non-string point
// keeps its JSON text so that it fails point parsing.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var raw rawClientMessage
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	msg := &ClientMessage{}
	msg.Type, _ = raw.Type.(string)
	msg.Msg = stringify(raw.Msg)
	msg.Image, _ = raw.Image.(string)
	msg.Point = stringify(raw.Point)
	return msg, nil
}

// stringify renders a decoded JSON value as text. null is empty.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		text, err := sonic.MarshalString(val)
		if err != nil {
			return ""
		}
		return text
	}
}

// NewQueryMessage builds a query frame, used by clients and tests
func NewQueryMessage(text, image, point string) *ClientMessage {
	return &ClientMessage{
		Type:  TypeQuery,
		Msg:   text,
		Image: image,
		Point: point,
	}
}

// NewDisconnectMessage builds a disconnect frame
func NewDisconnectMessage() *ClientMessage {
	return &ClientMessage{Type: TypeDisconnect}
}
