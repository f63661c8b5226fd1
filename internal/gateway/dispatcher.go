package gateway

import (
	"go.uber.org/zap"

	"github.com/convo/chat-app/internal/protocol"
)

// Peer is one connected client as seen by the gateway. *ws.Connection
// satisfies it.
type Peer interface {
	User() string
	WriteMessage(data []byte) error
	Touch()
}

// MessageHandler is the callback signature for handling a parsed client
// message. The msg parameter is the concrete struct returned by
// protocol.ParseClientMessage (e.g., protocol.FindMatchMsg).
type MessageHandler func(p Peer, msg any)

// Dispatcher routes incoming frames to registered handlers based on the
// message type. It answers ping itself and sends structured error frames for
// malformed or unsupported messages.
type Dispatcher struct {
	handlers map[string]MessageHandler
	logger   *zap.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string]MessageHandler),
		logger:   logger,
	}
}

// Register associates a MessageHandler with a message type, replacing any
// previous handler for it.
func (d *Dispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data, answers ping, and routes everything else to the
// registered handler.
func (d *Dispatcher) Dispatch(p Peer, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("parse error", zap.String("user_id", p.User()), zap.Error(err))
		sendError(p, "parse_error", "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		p.Touch()
		send(p, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("unsupported message type", zap.String("type", msgType), zap.String("user_id", p.User()))
		sendError(p, "unsupported_type", "unsupported message type")
		return
	}

	handler(p, msg)
}

func send(p Peer, msgType string, payload any) {
	_ = p.WriteMessage(protocol.MustServerMessage(msgType, payload))
}

func sendError(p Peer, code, message string) {
	send(p, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
