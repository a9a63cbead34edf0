package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/livechat/internal/metrics"
	"github.com/eldtechnologies/livechat/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

// RunMigrations applies every embedded migration not yet recorded in
// schema_migrations, in file name order.
func RunMigrations(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		var applied bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE name = $1)`, name).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		sqlText, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}

		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, string(sqlText)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, name); err != nil {
			tx.Rollback(ctx)
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func observeDB(start time.Time) {
	metrics.DBLatency.Observe(time.Since(start).Seconds())
}

const roomColumns = `id, participant_name, participant_email, state, message_count, created_at, last_active_at`

func scanRoom(row pgx.Row) (*models.Room, error) {
	room := &models.Room{}
	var state string
	err := row.Scan(
		&room.ID,
		&room.Participant.Name,
		&room.Participant.Email,
		&state,
		&room.MessageCount,
		&room.CreatedAt,
		&room.LastActiveAt,
	)
	if err != nil {
		return nil, err
	}
	room.State = models.RoomState(state)
	return room, nil
}

// CreateRoom creates a room in the bot state.
func (s *PostgresStore) CreateRoom(ctx context.Context, p models.Participant) (*models.Room, error) {
	defer observeDB(time.Now())

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	return scanRoom(s.pool.QueryRow(ctx, `
		INSERT INTO rooms (id, participant_name, participant_email)
		VALUES ($1, $2, $3)
		RETURNING `+roomColumns, id.String(), p.Name, p.Email))
}

// GetRoom retrieves a room by ID.
func (s *PostgresStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	defer observeDB(time.Now())

	room, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// ListRooms returns rooms in any of states, most recently active first. No
// states means every room.
func (s *PostgresStore) ListRooms(ctx context.Context, states ...models.RoomState) ([]models.Room, error) {
	defer observeDB(time.Now())

	filter := make([]string, len(states))
	for i, st := range states {
		filter[i] = string(st)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		WHERE cardinality($1::text[]) = 0 OR state = ANY($1)
		ORDER BY last_active_at DESC, id DESC
	`, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// UpdateParticipant fills in visitor details.
func (s *PostgresStore) UpdateParticipant(ctx context.Context, id string, p models.Participant) error {
	defer observeDB(time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE rooms SET participant_name = $2, participant_email = $3 WHERE id = $1
	`, id, p.Name, p.Email)
	return err
}

// IncrementMessageCount increments the message count and updates activity.
func (s *PostgresStore) IncrementMessageCount(ctx context.Context, id string) error {
	defer observeDB(time.Now())

	_, err := s.pool.Exec(ctx, `
		UPDATE rooms
		SET message_count = message_count + 1, last_active_at = NOW()
		WHERE id = $1
	`, id)
	return err
}

// TransitionRoom conditionally moves a room to a new state.
func (s *PostgresStore) TransitionRoom(ctx context.Context, id string, from []models.RoomState, to models.RoomState) (bool, error) {
	defer observeDB(time.Now())
	return transitionPg(ctx, s.pool, id, from, to)
}

// pgExecer is satisfied by both the pool and a transaction.
type pgExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func transitionPg(ctx context.Context, db pgExecer, id string, from []models.RoomState, to models.RoomState) (bool, error) {
	states := make([]string, len(from))
	for i, st := range from {
		states[i] = string(st)
	}
	tag, err := db.Exec(ctx, `
		UPDATE rooms SET state = $2, last_active_at = NOW()
		WHERE id = $1 AND state = ANY($3)
	`, id, string(to), states)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// EscalateRoom moves a bot room to escalated and records the queue entry.
// It reports false if the room was not in the bot state.
func (s *PostgresStore) EscalateRoom(ctx context.Context, e models.EscalatedRoom) (bool, error) {
	defer observeDB(time.Now())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	ok, err := transitionPg(ctx, tx, e.RoomID, []models.RoomState{models.RoomBot}, models.RoomEscalated)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO escalations (room_id, first_message, escalated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id) DO UPDATE SET first_message = EXCLUDED.first_message, escalated_at = EXCLUDED.escalated_at
	`, e.RoomID, e.FirstMessage, e.EscalatedAt); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ListEscalated returns rooms waiting for an agent, oldest first.
func (s *PostgresStore) ListEscalated(ctx context.Context) ([]models.EscalatedRoom, error) {
	defer observeDB(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT e.room_id, r.participant_name, r.participant_email, e.first_message, e.escalated_at
		FROM escalations e
		JOIN rooms r ON r.id = e.room_id
		WHERE r.state = 'escalated'
		ORDER BY e.escalated_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.EscalatedRoom{}
	for rows.Next() {
		var e models.EscalatedRoom
		if err := rows.Scan(&e.RoomID, &e.Participant.Name, &e.Participant.Email, &e.FirstMessage, &e.EscalatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ArchiveRoom closes an open room and stores its snapshot. It reports false
// if the room was already archived.
func (s *PostgresStore) ArchiveRoom(ctx context.Context, snap models.ArchivedSession) (bool, error) {
	defer observeDB(time.Now())

	last, err := json.Marshal(snap.LastMessage)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	ok, err := transitionPg(ctx, tx, snap.RoomID, openStates, models.RoomArchived)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO archived_sessions (room_id, last_message, closed_at)
		VALUES ($1, $2, $3)
	`, snap.RoomID, last, snap.ClosedAt); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// ListArchived returns archived snapshots, most recently closed first.
func (s *PostgresStore) ListArchived(ctx context.Context, limit int) ([]models.ArchivedSession, error) {
	defer observeDB(time.Now())

	rows, err := s.pool.Query(ctx, `
		SELECT a.room_id, r.participant_name, r.participant_email, a.last_message, a.closed_at
		FROM archived_sessions a
		JOIN rooms r ON r.id = a.room_id
		ORDER BY a.closed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ArchivedSession{}
	for rows.Next() {
		var (
			snap models.ArchivedSession
			last []byte
		)
		if err := rows.Scan(&snap.RoomID, &snap.Participant.Name, &snap.Participant.Email, &last, &snap.ClosedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(last, &snap.LastMessage); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
