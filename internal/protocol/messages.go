// Package protocol defines the WebSocket frames exchanged between the client
// and the gateway. All frames are JSON objects with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSetInterests = "set_interests"
	TypeFindMatch    = "find_match"
	TypeCancelMatch  = "cancel_match"
	TypeEstimate     = "estimate"
	TypeMessage      = "message"
	TypeEndChat      = "end_chat"
	TypeDrawTopic    = "draw_topic"
	TypePing         = "ping"
)

// Server -> Client message types. TypeEstimate and TypeMessage are shared
// with the client direction.
const (
	TypeConnected       = "connected"
	TypeInterestsSaved  = "interests_saved"
	TypeMatchingStarted = "matching_started"
	TypeMatchFound      = "match_found"
	TypeMatchTimeout    = "match_timeout"
	TypeChatEnded       = "chat_ended"
	TypeTopic           = "topic"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
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

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SetInterestsMsg saves the user's interest selection to their profile.
type SetInterestsMsg struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests"`
}

// FindMatchMsg enters the waiting room. With Saved set the profile's saved
// interests are used and Interests is ignored.
type FindMatchMsg struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests"`
	Saved     bool     `json:"saved"`
}

// CancelMatchMsg leaves the waiting room, or ends the current chat.
type CancelMatchMsg struct {
	Type string `json:"type"`
}

// EstimateMsg asks how many online users share an interest. An empty
// selection estimates against the saved interests.
type EstimateMsg struct {
	Type      string   `json:"type"`
	Interests []string `json:"interests"`
}

// ChatMsg is a text message sent by the client within a chat session.
type ChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// EndChatMsg is sent by the client to end a chat session.
type EndChatMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// DrawTopicMsg asks for a new conversation starter for the session.
type DrawTopicMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is the first frame on a new connection.
type ConnectedMsg struct {
	UserID string `json:"user_id"`
}

// InterestsSavedMsg confirms the normalized saved selection.
type InterestsSavedMsg struct {
	Interests []string `json:"interests"`
}

// EstimateResultMsg carries a potential match count.
type EstimateResultMsg struct {
	Count int `json:"count"`
}

// MatchingStartedMsg confirms the client is in the waiting room.
type MatchingStartedMsg struct {
	Interests []string `json:"interests"`
}

// MatchFoundMsg is sent to both participants when a session is created.
type MatchFoundMsg struct {
	ChatID          string    `json:"chat_id"`
	PartnerID       string    `json:"partner_id"`
	SharedInterests []string  `json:"shared_interests"`
	ExpiresAt       time.Time `json:"expires_at"`
	Topic           string    `json:"topic,omitempty"`
}

// MatchTimeoutMsg is sent when a search was abandoned server-side.
type MatchTimeoutMsg struct{}

// ServerChatMsg is a message from the session log, relayed to both
// participants including its author.
type ServerChatMsg struct {
	ChatID string `json:"chat_id"`
	ID     string `json:"id"`
	From   string `json:"from"`
	Text   string `json:"text"`
	Ts     int64  `json:"ts"`
}

// ChatEndedMsg is sent to both participants when the session ends.
type ChatEndedMsg struct {
	ChatID string `json:"chat_id"`
	Reason string `json:"reason"`
}

// TopicMsg carries a conversation starter for the session.
type TopicMsg struct {
	ChatID string `json:"chat_id"`
	Topic  string `json:"topic"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

func decode[T any](raw []byte) (any, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)

	switch env.Type {
	case TypeSetInterests:
		msg, err = decode[SetInterestsMsg](env.Raw)
	case TypeFindMatch:
		msg, err = decode[FindMatchMsg](env.Raw)
	case TypeCancelMatch:
		msg, err = decode[CancelMatchMsg](env.Raw)
	case TypeEstimate:
		msg, err = decode[EstimateMsg](env.Raw)
	case TypeMessage:
		msg, err = decode[ChatMsg](env.Raw)
	case TypeEndChat:
		msg, err = decode[EndChatMsg](env.Raw)
	case TypeDrawTopic:
		msg, err = decode[DrawTopicMsg](env.Raw)
	case TypePing:
		msg, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded frame for a server message. The
// payload's fields are placed next to the "type" key.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	m := map[string]json.RawMessage{}
	if string(raw) != "null" {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
		}
	}

	typ, _ := json.Marshal(msgType)
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that always encode.
func MustServerMessage(msgType string, payload any) []byte {
	out, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return out
}
