package chat

// Event types published on chat.<session_id>.
const (
	EventMessage = "message"
	EventEnded   = "ended"
	EventTopic   = "topic"
)

// Event is the payload fanned out to both participants of a session.
type Event struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	Message   *Message `json:"message,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Topic     string   `json:"topic,omitempty"`
}
