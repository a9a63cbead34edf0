package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/livechat/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/livechat.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/livechat.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// Conditional transitions rely on serialized writers.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		participant_name TEXT NOT NULL DEFAULT '',
		participant_email TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'bot' CHECK (state IN ('bot', 'escalated', 'active', 'archived')),
		message_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		last_active_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS escalations (
		room_id TEXT PRIMARY KEY REFERENCES rooms(id) ON DELETE CASCADE,
		first_message TEXT NOT NULL DEFAULT '',
		escalated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS archived_sessions (
		room_id TEXT PRIMARY KEY REFERENCES rooms(id) ON DELETE CASCADE,
		last_message TEXT NOT NULL,
		closed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_state ON rooms(state);
	CREATE INDEX IF NOT EXISTS idx_rooms_last_active ON rooms(last_active_at);
	CREATE INDEX IF NOT EXISTS idx_escalations_at ON escalations(escalated_at);
	CREATE INDEX IF NOT EXISTS idx_archived_closed ON archived_sessions(closed_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRoom(row rowScanner) (*models.Room, error) {
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
func (s *SQLiteStore) CreateRoom(ctx context.Context, p models.Participant) (*models.Room, error) {
	defer observeDB(time.Now())

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rooms (id, participant_name, participant_email, state, message_count, created_at, last_active_at)
		VALUES (?, ?, ?, 'bot', 0, ?, ?)
	`, id.String(), p.Name, p.Email, now, now)
	if err != nil {
		return nil, err
	}

	return s.GetRoom(ctx, id.String())
}

// GetRoom retrieves a room by ID.
func (s *SQLiteStore) GetRoom(ctx context.Context, id string) (*models.Room, error) {
	room, err := scanSQLiteRoom(s.db.QueryRowContext(ctx, `
		SELECT `+roomColumns+` FROM rooms WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// inClause returns "(?, ?, ...)" and its args for states.
func inClause(states []models.RoomState) (string, []any) {
	marks := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		marks[i] = "?"
		args[i] = string(st)
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

// ListRooms returns rooms in any of states, most recently active first. No
// states means every room.
func (s *SQLiteStore) ListRooms(ctx context.Context, states ...models.RoomState) ([]models.Room, error) {
	defer observeDB(time.Now())

	query := `SELECT ` + roomColumns + ` FROM rooms`
	var args []any
	if len(states) > 0 {
		var in string
		in, args = inClause(states)
		query += ` WHERE state IN ` + in
	}
	query += ` ORDER BY last_active_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []models.Room{}
	for rows.Next() {
		room, err := scanSQLiteRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

// UpdateParticipant fills in visitor details.
func (s *SQLiteStore) UpdateParticipant(ctx context.Context, id string, p models.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET participant_name = ?, participant_email = ? WHERE id = ?
	`, p.Name, p.Email, id)
	return err
}

// IncrementMessageCount increments the message count and updates activity.
func (s *SQLiteStore) IncrementMessageCount(ctx context.Context, id string) error {
	defer observeDB(time.Now())

	_, err := s.db.ExecContext(ctx, `
		UPDATE rooms
		SET message_count = message_count + 1, last_active_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	return err
}

// sqlExecer is satisfied by both *sql.DB and *sql.Tx.
type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func transitionSQLite(ctx context.Context, db sqlExecer, id string, from []models.RoomState, to models.RoomState) (bool, error) {
	in, args := inClause(from)
	args = append([]any{string(to), time.Now().UTC(), id}, args...)

	res, err := db.ExecContext(ctx, `
		UPDATE rooms SET state = ?, last_active_at = ?
		WHERE id = ? AND state IN `+in, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// TransitionRoom conditionally moves a room to a new state.
func (s *SQLiteStore) TransitionRoom(ctx context.Context, id string, from []models.RoomState, to models.RoomState) (bool, error) {
	defer observeDB(time.Now())
	return transitionSQLite(ctx, s.db, id, from, to)
}

// EscalateRoom moves a bot room to escalated and records the queue entry.
// It reports false if the room was not in the bot state.
func (s *SQLiteStore) EscalateRoom(ctx context.Context, e models.EscalatedRoom) (bool, error) {
	defer observeDB(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := transitionSQLite(ctx, tx, e.RoomID, []models.RoomState{models.RoomBot}, models.RoomEscalated)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO escalations (room_id, first_message, escalated_at)
		VALUES (?, ?, ?)
	`, e.RoomID, e.FirstMessage, e.EscalatedAt); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ListEscalated returns rooms waiting for an agent, oldest first.
func (s *SQLiteStore) ListEscalated(ctx context.Context) ([]models.EscalatedRoom, error) {
	rows, err := s.db.QueryContext(ctx, `
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
func (s *SQLiteStore) ArchiveRoom(ctx context.Context, snap models.ArchivedSession) (bool, error) {
	defer observeDB(time.Now())

	last, err := json.Marshal(snap.LastMessage)
	if err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ok, err := transitionSQLite(ctx, tx, snap.RoomID, openStates, models.RoomArchived)
	if err != nil || !ok {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archived_sessions (room_id, last_message, closed_at)
		VALUES (?, ?, ?)
	`, snap.RoomID, string(last), snap.ClosedAt); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ListArchived returns archived snapshots, most recently closed first.
func (s *SQLiteStore) ListArchived(ctx context.Context, limit int) ([]models.ArchivedSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.room_id, r.participant_name, r.participant_email, a.last_message, a.closed_at
		FROM archived_sessions a
		JOIN rooms r ON r.id = a.room_id
		ORDER BY a.closed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.ArchivedSession{}
	for rows.Next() {
		var (
			snap models.ArchivedSession
			last string
		)
		if err := rows.Scan(&snap.RoomID, &snap.Participant.Name, &snap.Participant.Email, &last, &snap.ClosedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(last), &snap.LastMessage); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// compile-time interface checks
var (
	_ DataStore = (*SQLiteStore)(nil)
	_ DataStore = (*PostgresStore)(nil)
)
