// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoinRoom    = "join_room"
	TypeSendMessage = "send_message"
	TypePing        = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated = "session_created"
	TypeChatHistory    = "chat_history"
	TypeNewMessage     = "new_message"
	TypeErrorMessage   = "error_message"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared structs
// ---------------------------------------------------------------------------

// ChatMessage is an accepted chat message as it appears on the wire.
type ChatMessage struct {
	ID          int64  `json:"id"`
	Text        string `json:"text"`
	AuthorID    int64  `json:"authorId"`
	AuthorName  string `json:"authorName"`
	AuthorEmail string `json:"authorEmail"`
	Timestamp   string `json:"timestamp"`
	Room        string `json:"room"`
}

// SendPayload is the normalized send_message payload. Clients may send either
// a bare string (the text) or an object with text and an optional room.
type SendPayload struct {
	Room string `json:"room,omitempty"`
	Text string `json:"text"`
}

// UnmarshalJSON accepts both payload shapes.
func (p *SendPayload) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = SendPayload{}
		return nil
	}

	if data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return fmt.Errorf("protocol: invalid send_message text: %w", err)
		}
		*p = SendPayload{Text: text}
		return nil
	}

	var obj struct {
		Room string `json:"room"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("protocol: invalid send_message payload: %w", err)
	}
	*p = SendPayload{Room: obj.Room, Text: obj.Text}
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinRoomMsg asks to join a room; any previous room is left.
type JoinRoomMsg struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// SendMessageMsg submits a chat message to the current room.
type SendMessageMsg struct {
	Type    string      `json:"type"`
	Payload SendPayload `json:"payload"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the connection is registered.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Guest     bool   `json:"guest"`
	Name      string `json:"name,omitempty"`
}

// ChatHistoryMsg carries a room's recent messages, oldest first.
type ChatHistoryMsg struct {
	Type     string        `json:"type"`
	Room     string        `json:"room"`
	Messages []ChatMessage `json:"messages"`
}

// NewMessageMsg is broadcast to every member of a room.
type NewMessageMsg struct {
	Type    string      `json:"type"`
	Message ChatMessage `json:"message"`
}

// ErrorMessageMsg reports a rejected action to its sender only.
type ErrorMessageMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. Numbers are
// kept as json.Number so 64-bit ids survive the round trip.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
