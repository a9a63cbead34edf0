package store

import (
	"context"

	"github.com/eldtechnologies/livechat/internal/models"
)

// DataStore is the room directory: room lifecycle, the escalation queue, and
// archived snapshots. Both PostgresStore and SQLiteStore implement it.
// Lookups return nil, nil when nothing matches.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Rooms
	CreateRoom(ctx context.Context, p models.Participant) (*models.Room, error)
	GetRoom(ctx context.Context, id string) (*models.Room, error)
	ListRooms(ctx context.Context, states ...models.RoomState) ([]models.Room, error)
	UpdateParticipant(ctx context.Context, id string, p models.Participant) error
	IncrementMessageCount(ctx context.Context, id string) error

	// TransitionRoom moves a room to `to` only if its current state is one of
	// from. It reports whether the row changed.
	TransitionRoom(ctx context.Context, id string, from []models.RoomState, to models.RoomState) (bool, error)

	// Escalations
	EscalateRoom(ctx context.Context, e models.EscalatedRoom) (bool, error)
	ListEscalated(ctx context.Context) ([]models.EscalatedRoom, error)

	// Archive
	ArchiveRoom(ctx context.Context, snap models.ArchivedSession) (bool, error)
	ListArchived(ctx context.Context, limit int) ([]models.ArchivedSession, error)
}

// openStates are the states a room can be archived from.
var openStates = []models.RoomState{models.RoomBot, models.RoomEscalated, models.RoomActive}
