package models

import (
	"time"
)

// RoomState is the lifecycle state of a conversation.
type RoomState string

const (
	RoomBot       RoomState = "bot"
	RoomEscalated RoomState = "escalated"
	RoomActive    RoomState = "active"
	RoomArchived  RoomState = "archived"
)

// Valid reports whether s is a known state.
func (s RoomState) Valid() bool {
	switch s {
	case RoomBot, RoomEscalated, RoomActive, RoomArchived:
		return true
	}
	return false
}

// Participant is the visitor side of a room. Both fields are optional.
type Participant struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Room represents one visitor conversation.
type Room struct {
	ID           string      `json:"id"`
	Participant  Participant `json:"participant"`
	State        RoomState   `json:"state"`
	UnreadCount  int         `json:"unread_count"`
	MessageCount int64       `json:"message_count"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActiveAt time.Time   `json:"last_active_at"`
}

// EscalatedRoom is a pending entry in the agent queue.
type EscalatedRoom struct {
	RoomID       string      `json:"room_id"`
	Participant  Participant `json:"participant"`
	FirstMessage string      `json:"first_message"`
	EscalatedAt  int64       `json:"escalated_at"` // Unix ms
}

// ArchivedSession is the terminal snapshot of a room.
type ArchivedSession struct {
	RoomID      string      `json:"room_id"`
	Participant Participant `json:"participant"`
	LastMessage Message     `json:"last_message"`
	ClosedAt    int64       `json:"closed_at"` // Unix ms
}
