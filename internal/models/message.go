package models

import (
	"strings"

	"github.com/google/uuid"
)

// Origin identifies who authored a message.
type Origin string

const (
	OriginVisitor Origin = "visitor"
	OriginBot     Origin = "bot"
	OriginAgent   Origin = "agent"
)

// Valid reports whether o is one of the known origins.
func (o Origin) Valid() bool {
	switch o {
	case OriginVisitor, OriginBot, OriginAgent:
		return true
	}
	return false
}

// TempIDPrefix namespaces client-generated ids. Server ids are ULIDs and
// never start with it.
const TempIDPrefix = "tmp-"

// NewTempID returns a time-ordered temporary message id.
func NewTempID() string {
	return TempIDPrefix + uuid.Must(uuid.NewV7()).String()
}

// IsTempID reports whether id was generated by NewTempID.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Message represents a chat message in a room.
type Message struct {
	ID        string            `json:"id"` // ULID, or tmp-<uuid> before acknowledgment
	RoomID    string            `json:"room_id"`
	Body      string            `json:"body"`
	Localized map[string]string `json:"localized,omitempty"` // locale -> body
	Origin    Origin            `json:"origin"`
	CreatedAt int64             `json:"ts"` // Unix ms
	IsRead    bool              `json:"is_read"`
	Failed    bool              `json:"failed,omitempty"` // client-side only
}

// IsTemporary reports whether the message is still awaiting server acknowledgment.
func (m Message) IsTemporary() bool {
	return IsTempID(m.ID)
}

// BodyFor returns the body for locale, falling back to Body.
func (m Message) BodyFor(locale string) string {
	if locale != "" {
		if b, ok := m.Localized[locale]; ok && b != "" {
			return b
		}
		// "es-MX" falls back to "es"
		if i := strings.IndexAny(locale, "-_"); i > 0 {
			if b, ok := m.Localized[locale[:i]]; ok && b != "" {
				return b
			}
		}
	}
	return m.Body
}

// CountsAsUnread reports whether the message contributes to a room's unread count.
func (m Message) CountsAsUnread() bool {
	return !m.IsRead && m.Origin != OriginAgent
}
