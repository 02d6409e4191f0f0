package messages

import "github.com/bytedance/sonic"

// Outbound message types
const (
	TypeResponse = "response"
)

// ServerMessage represents a message sent back to a client.
// The relay only ever sends responses.
type ServerMessage struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// NewResponseMessage creates a response message
func NewResponseMessage(text string) *ServerMessage {
	return &ServerMessage{
		Type: TypeResponse,
		Msg:  text,
	}
}

// Encode serializes any frame for the wire
func Encode(msg any) ([]byte, error) {
	return sonic.Marshal(msg)
}

// ParseServerMessage decodes a frame produced by the relay
func ParseServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
