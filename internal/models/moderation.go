package models

// ManualMessageState tracks an operator-initiated send.
type ManualMessageState struct {
	Pending   bool   `json:"pending"`
	Succeeded bool   `json:"succeeded"`
	Error     string `json:"error,omitempty"`
}

// DeleteResult reports which ids a bulk delete actually removed.
type DeleteResult struct {
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

// Partial reports whether some but not all ids were deleted.
func (r DeleteResult) Partial() bool {
	return len(r.Deleted) > 0 && len(r.Failed) > 0
}

// SortOrder is the order of a history page.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// HistoryQuery selects one page of a room's history. Page 1 holds the newest
// messages when Order is SortDesc and the oldest when it is SortAsc.
type HistoryQuery struct {
	Page  int       `json:"page"`
	Limit int       `json:"limit"`
	Order SortOrder `json:"sort"`
}

// Normalize fills defaults and clamps the limit.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 200 {
		q.Limit = 200
	}
	if q.Order != SortAsc {
		q.Order = SortDesc
	}
	return q
}

// ManualRequest is an operator-originated send.
type ManualRequest struct {
	RoomID  string `json:"room_id"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}
