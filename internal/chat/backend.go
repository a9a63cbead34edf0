package chat

import (
	"context"

	"github.com/eldtechnologies/livechat/internal/models"
)

// Backend is the REST collaborator behind the session store.
type Backend interface {
	// History fetches one page of a room's messages.
	History(ctx context.Context, roomID string, q models.HistoryQuery) ([]models.Message, error)

	// MarkRead marks a room's visitor and bot messages read server-side.
	MarkRead(ctx context.Context, roomID string) error

	// SendManual posts an operator message and returns the stored copy.
	SendManual(ctx context.Context, req models.ManualRequest) (*models.Message, error)

	// DeleteMessages deletes messages by id. A non-nil result may accompany
	// an error when only part of the batch was processed.
	DeleteMessages(ctx context.Context, ids []string) (*models.DeleteResult, error)
}
