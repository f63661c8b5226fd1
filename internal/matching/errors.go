package matching

import (
	"errors"

	"github.com/convo/chat-app/internal/chat"
	"github.com/convo/chat-app/internal/interest"
	"github.com/convo/chat-app/internal/profile"
	"github.com/convo/chat-app/internal/topic"
)

var (
	ErrInterestCount    = errors.New("matching: exactly 3 interests are required")
	ErrUnsavedInterests = errors.New("matching: interests changed since last save")
	ErrAlreadyMatched   = errors.New("matching: already in an active chat")
	ErrInvalidRequest   = errors.New("matching: invalid request")
	ErrUnavailable      = errors.New("matching: service unavailable")
)

// Error codes carried in replies and client-facing error frames.
const (
	CodeInterestCount    = "interest_count"
	CodeUnknownInterest  = "unknown_interest"
	CodeUnsavedInterests = "unsaved_interests"
	CodeAlreadyMatched   = "already_matched"
	CodeNotFound         = "not_found"
	CodeNotParticipant   = "not_participant"
	CodeSessionClosed    = "session_closed"
	CodeInvalidMessage   = "invalid_message"
	CodeInvalidRequest   = "invalid_request"
	CodeNoTopic          = "no_topic"
	CodeUnavailable      = "unavailable"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrInterestCount, CodeInterestCount},
	{interest.ErrTooManyInterests, CodeInterestCount},
	{interest.ErrUnknownInterest, CodeUnknownInterest},
	{ErrUnsavedInterests, CodeUnsavedInterests},
	{ErrAlreadyMatched, CodeAlreadyMatched},
	{ErrInvalidRequest, CodeInvalidRequest},
	{profile.ErrNotFound, CodeNotFound},
	{chat.ErrNotFound, CodeNotFound},
	{chat.ErrNotParticipant, CodeNotParticipant},
	{chat.ErrSessionClosed, CodeSessionClosed},
	{chat.ErrEmptyMessage, CodeInvalidMessage},
	{chat.ErrInvalidMessage, CodeInvalidMessage},
	{topic.ErrNoTopic, CodeNoTopic},
}

// ErrorCode classifies err. Anything not recognised as a validation error is
// treated as transient.
func ErrorCode(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnavailable
}

// errorFromCode maps a reply code back to its sentinel so callers on the far
// side of NATS can still use errors.Is.
func errorFromCode(code string) error {
	switch code {
	case CodeInterestCount:
		return ErrInterestCount
	case CodeUnknownInterest:
		return interest.ErrUnknownInterest
	case CodeUnsavedInterests:
		return ErrUnsavedInterests
	case CodeAlreadyMatched:
		return ErrAlreadyMatched
	case CodeNotFound:
		return profile.ErrNotFound
	case CodeInvalidRequest:
		return ErrInvalidRequest
	}
	return ErrUnavailable
}
