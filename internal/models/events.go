package models

import "encoding/json"

// Push event names.
const (
	EventChatMessage  = "chat-message"
	EventAdminMessage = "admin-message"
	EventBotMessage   = "bot-message"
	EventEscalate     = "escalate-to-admin"
	EventRoomAssigned = "room-assigned"
	EventRoomArchived = "room-archived"
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventError        = "error"
)

// Envelope is one frame on the push connection.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeEnvelope marshals payload under event.
func EncodeEnvelope(event string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// RoomRef carries a room id for join/leave/assign frames.
type RoomRef struct {
	RoomID string `json:"room_id"`
}

// VisitorSend is the payload of an inbound chat-message frame. An empty Room
// asks the server to open a new conversation.
type VisitorSend struct {
	Room        string       `json:"room"`
	Message     string       `json:"message"`
	Participant *Participant `json:"participant,omitempty"`
}

// ErrorPayload reports a rejected inbound frame.
type ErrorPayload struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// MessageEvent returns the push event name used for a message of origin o.
func MessageEvent(o Origin) string {
	switch o {
	case OriginAgent:
		return EventAdminMessage
	case OriginBot:
		return EventBotMessage
	default:
		return EventChatMessage
	}
}
