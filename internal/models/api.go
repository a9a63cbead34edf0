package models

// OperatorHeader attributes operator actions to an agent.
const OperatorHeader = "X-Livechat-Operator"

// HistoryPage is the response to a history fetch.
type HistoryPage struct {
	RoomID   string    `json:"room_id"`
	Messages []Message `json:"messages"`
	Page     int       `json:"page"`
	Limit    int       `json:"limit"`
	HasMore  bool      `json:"has_more"`
}

// SessionList lists rooms.
type SessionList struct {
	Sessions []Room `json:"sessions"`
	Total    int    `json:"total"`
}

// ArchivedList lists archived snapshots, newest first.
type ArchivedList struct {
	Sessions []ArchivedSession `json:"sessions"`
	Total    int               `json:"total"`
}

// EscalationList lists pending escalations, oldest first.
type EscalationList struct {
	Escalations []EscalatedRoom `json:"escalations"`
	Total       int             `json:"total"`
}

// DeleteRequest is the body of a bulk delete.
type DeleteRequest struct {
	IDs []string `json:"ids"`
}

// ReadReceipt acknowledges a mark-read.
type ReadReceipt struct {
	RoomID string `json:"room_id"`
	Marked int    `json:"marked"`
}
