package ws

import (
	log "github.com/sirupsen/logrus"

	"github.com/pitchtalk/chat-server/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client message.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinRoomMsg, protocol.SendMessageMsg).
type MessageHandler func(conn *Connection, msg interface{})

// Reasons sent in error_message for frames that never reach a handler.
const (
	ReasonMalformed   = "Invalid message format"
	ReasonUnsupported = "Unsupported message type"
)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. It handles the built-in ping/pong keepalive
// internally and answers malformed or unsupported messages with an
// error_message to the sender.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed message, handles ping internally, and routes all other types to
// the registered handler.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	logger := log.WithFields(log.Fields{"component": "ws", "session": conn.ID})

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		logger.WithError(err).Debug("dispatch parse error")
		if msgType != "" && isUnknownType(msgType) {
			d.sendError(conn, ReasonUnsupported)
			return
		}
		d.sendError(conn, ReasonMalformed)
		return
	}

	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		logger.WithField("type", msgType).Debug("unsupported message type")
		d.sendError(conn, ReasonUnsupported)
		return
	}

	handler(conn, msg)
}

func isUnknownType(msgType string) bool {
	switch msgType {
	case protocol.TypeJoinRoom, protocol.TypeSendMessage, protocol.TypePing:
		return false
	}
	return true
}

// sendError sends an error_message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, reason string) {
	data, err := protocol.NewServerMessage(protocol.TypeErrorMessage, protocol.ErrorMessageMsg{
		Reason: reason,
	})
	if err != nil {
		log.WithField("session", conn.ID).WithError(err).Error("ws: failed to build error message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.WithField("session", conn.ID).WithError(err).Debug("ws: failed to send error message")
	}
}

// sendPong responds to a client ping with a pong message.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.WithField("session", conn.ID).WithError(err).Error("ws: failed to build pong message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.WithField("session", conn.ID).WithError(err).Debug("ws: failed to send pong message")
	}
}
