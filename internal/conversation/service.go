// Package conversation implements the server side of a chat room: visitor
// messages, bot triage, escalation, operator replies, moderation and reads.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/bot"
	"github.com/eldtechnologies/livechat/internal/metrics"
	"github.com/eldtechnologies/livechat/internal/models"
	"github.com/eldtechnologies/livechat/internal/store"
)

// MaxBodyLength is the longest message body accepted, in bytes.
const MaxBodyLength = 4096

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomArchived    = errors.New("room is archived")
	ErrEmptyMessage    = errors.New("message is required")
	ErrMessageTooLong  = fmt.Errorf("message too long (max %d bytes)", MaxBodyLength)
	ErrMessageNotFound = errors.New("message not found")
	ErrNoIDs           = errors.New("ids are required")
)

// MessageLog stores message bodies. RedisStore implements it.
type MessageLog interface {
	AddMessage(ctx context.Context, msg *models.Message) error
	GetRoomMessages(ctx context.Context, roomID string, q models.HistoryQuery) ([]models.Message, bool, error)
	LastMessage(ctx context.Context, roomID string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string) (*models.Message, error)
	MarkRead(ctx context.Context, roomID string) (int, error)
}

// Publisher fans events out to push clients. The hub implements it.
type Publisher interface {
	Publish(roomID, event string, payload interface{})
	PublishAdmins(event string, payload interface{})
}

// Service coordinates the room directory, the message log and the push hub.
type Service struct {
	rooms  store.DataStore
	log    MessageLog
	pub    Publisher
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	lastTS int64
}

// New creates a service.
func New(rooms store.DataStore, log MessageLog, pub Publisher, logger zerolog.Logger) *Service {
	return &Service{rooms: rooms, log: log, pub: pub, logger: logger, now: time.Now}
}

// stamp returns a strictly increasing unix-ms timestamp so that replies
// always sort after the message they answer.
func (s *Service) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixMilli()
	if ts <= s.lastTS {
		ts = s.lastTS + 1
	}
	s.lastTS = ts
	return ts
}

func validateBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyMessage
	}
	if len(body) > MaxBodyLength {
		return "", ErrMessageTooLong
	}
	return body, nil
}

// openRoom loads a room that can still receive messages.
func (s *Service) openRoom(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}
	if room.State == models.RoomArchived {
		return nil, ErrRoomArchived
	}
	return room, nil
}

// post stores a message, bumps the room counters and fans it out.
func (s *Service) post(ctx context.Context, msg *models.Message) error {
	msg.CreatedAt = s.stamp()
	if err := s.log.AddMessage(ctx, msg); err != nil {
		return err
	}
	if err := s.rooms.IncrementMessageCount(ctx, msg.RoomID); err != nil {
		s.logger.Warn().Err(err).Str("room_id", msg.RoomID).Msg("failed to bump message count")
	}
	metrics.MessagesPosted.WithLabelValues(string(msg.Origin)).Inc()
	s.pub.Publish(msg.RoomID, models.MessageEvent(msg.Origin), msg)
	return nil
}

// OpenRoom creates a conversation for a new visitor.
func (s *Service) OpenRoom(ctx context.Context, p models.Participant) (string, error) {
	room, err := s.rooms.CreateRoom(ctx, sanitizeParticipant(p))
	if err != nil {
		return "", err
	}
	s.logger.Info().Str("room_id", room.ID).Msg("room opened")
	return room.ID, nil
}

// VisitorMessage stores a visitor message. In a bot room the bot answers,
// and escalates the room when the visitor asks for a person.
func (s *Service) VisitorMessage(ctx context.Context, roomID, body string, p *models.Participant) (*models.Message, error) {
	body, err := validateBody(body)
	if err != nil {
		return nil, err
	}
	room, err := s.openRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	if p != nil {
		clean := sanitizeParticipant(*p)
		if clean != (models.Participant{}) && clean != room.Participant {
			if err := s.rooms.UpdateParticipant(ctx, roomID, clean); err != nil {
				return nil, err
			}
			room.Participant = clean
		}
	}

	msg := &models.Message{RoomID: roomID, Body: body, Origin: models.OriginVisitor}
	if err := s.post(ctx, msg); err != nil {
		return nil, err
	}

	if room.State == models.RoomBot {
		s.triage(ctx, room, msg)
	}
	return msg, nil
}

func (s *Service) triage(ctx context.Context, room *models.Room, visitor *models.Message) {
	reply := bot.Triage(visitor.Body, room.MessageCount == 0)

	answer := &models.Message{
		RoomID:    room.ID,
		Body:      reply.Body,
		Localized: reply.Localized,
		Origin:    models.OriginBot,
	}
	if err := s.post(ctx, answer); err != nil {
		s.logger.Error().Err(err).Str("room_id", room.ID).Msg("failed to store bot reply")
		return
	}

	if reply.Escalate {
		if _, err := s.Escalate(ctx, room.ID); err != nil {
			s.logger.Error().Err(err).Str("room_id", room.ID).Msg("failed to escalate")
		}
	}
}

// Escalate queues a bot room for a human agent. It reports false if the room
// was not in the bot state.
func (s *Service) Escalate(ctx context.Context, roomID string) (bool, error) {
	room, err := s.openRoom(ctx, roomID)
	if err != nil {
		return false, err
	}

	entry := models.EscalatedRoom{
		RoomID:      roomID,
		Participant: room.Participant,
		EscalatedAt: s.stamp(),
	}
	first, _, err := s.log.GetRoomMessages(ctx, roomID, models.HistoryQuery{Page: 1, Limit: 1, Order: models.SortAsc})
	if err != nil {
		return false, err
	}
	if len(first) > 0 {
		entry.FirstMessage = first[0].Body
	}

	ok, err := s.rooms.EscalateRoom(ctx, entry)
	if err != nil || !ok {
		return false, err
	}
	metrics.Escalations.Inc()
	s.pub.PublishAdmins(models.EventEscalate, entry)
	s.logger.Info().Str("room_id", roomID).Msg("room escalated")
	return true, nil
}

// ManualMessage stores an operator reply. The first reply claims the room;
// Close archives it with the reply as its last message.
func (s *Service) ManualMessage(ctx context.Context, req models.ManualRequest, operator string) (*models.Message, error) {
	body, err := validateBody(req.Message)
	if err != nil {
		return nil, err
	}
	room, err := s.openRoom(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}

	if room.State != models.RoomActive {
		ok, err := s.rooms.TransitionRoom(ctx, room.ID,
			[]models.RoomState{models.RoomBot, models.RoomEscalated}, models.RoomActive)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Lost a race with an archive or with another agent's claim.
			current, err := s.rooms.GetRoom(ctx, room.ID)
			if err != nil {
				return nil, err
			}
			if current == nil || current.State != models.RoomActive {
				return nil, ErrRoomArchived
			}
		}
	}

	msg := &models.Message{RoomID: room.ID, Body: body, Origin: models.OriginAgent}
	if err := s.post(ctx, msg); err != nil {
		return nil, err
	}
	s.logger.Info().Str("room_id", room.ID).Str("operator", operator).Bool("close", req.Close).Msg("manual reply")

	if req.Close {
		if err := s.archive(ctx, room, *msg); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

func (s *Service) archive(ctx context.Context, room *models.Room, last models.Message) error {
	snap := models.ArchivedSession{
		RoomID:      room.ID,
		Participant: room.Participant,
		LastMessage: last,
		ClosedAt:    s.stamp(),
	}
	ok, err := s.rooms.ArchiveRoom(ctx, snap)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRoomArchived
	}
	metrics.RoomsArchived.Inc()
	s.pub.Publish(room.ID, models.EventRoomArchived, snap)
	s.logger.Info().Str("room_id", room.ID).Msg("room archived")
	return nil
}

// Archive closes a room using its newest message as the snapshot.
func (s *Service) Archive(ctx context.Context, roomID string) error {
	room, err := s.openRoom(ctx, roomID)
	if err != nil {
		return err
	}
	var last models.Message
	m, err := s.log.LastMessage(ctx, roomID)
	if err != nil {
		return err
	}
	if m != nil {
		last = *m
	}
	return s.archive(ctx, room, last)
}

// History returns one page of a room's messages.
func (s *Service) History(ctx context.Context, roomID string, q models.HistoryQuery) (*models.HistoryPage, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, ErrRoomNotFound
	}

	q = q.Normalize()
	msgs, more, err := s.log.GetRoomMessages(ctx, roomID, q)
	if err != nil {
		return nil, err
	}
	return &models.HistoryPage{RoomID: roomID, Messages: msgs, Page: q.Page, Limit: q.Limit, HasMore: more}, nil
}

// MarkRead marks a room's visitor and bot messages read.
func (s *Service) MarkRead(ctx context.Context, roomID string) (int, error) {
	room, err := s.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return 0, err
	}
	if room == nil {
		return 0, ErrRoomNotFound
	}
	return s.log.MarkRead(ctx, roomID)
}

// DeleteMessage removes one message.
func (s *Service) DeleteMessage(ctx context.Context, id string) error {
	m, err := s.log.DeleteMessage(ctx, id)
	if err != nil {
		metrics.MessagesDeleted.WithLabelValues("failed").Inc()
		return err
	}
	if m == nil {
		metrics.MessagesDeleted.WithLabelValues("failed").Inc()
		return ErrMessageNotFound
	}
	metrics.MessagesDeleted.WithLabelValues("deleted").Inc()
	return nil
}

// DeleteMessages removes each id independently and reports which succeeded.
func (s *Service) DeleteMessages(ctx context.Context, ids []string) (*models.DeleteResult, error) {
	if len(ids) == 0 {
		return nil, ErrNoIDs
	}
	res := &models.DeleteResult{Deleted: []string{}, Failed: []string{}}
	for _, id := range ids {
		if err := s.DeleteMessage(ctx, id); err != nil {
			if !errors.Is(err, ErrMessageNotFound) {
				s.logger.Warn().Err(err).Str("message_id", id).Msg("delete failed")
			}
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Deleted = append(res.Deleted, id)
	}
	return res, nil
}

// Sessions lists every room that is not archived.
func (s *Service) Sessions(ctx context.Context) ([]models.Room, error) {
	return s.rooms.ListRooms(ctx, models.RoomBot, models.RoomEscalated, models.RoomActive)
}

// ActiveSessions lists rooms an agent has claimed.
func (s *Service) ActiveSessions(ctx context.Context) ([]models.Room, error) {
	return s.rooms.ListRooms(ctx, models.RoomActive)
}

// Archived lists the most recent archived snapshots.
func (s *Service) Archived(ctx context.Context, limit int) ([]models.ArchivedSession, error) {
	return s.rooms.ListArchived(ctx, limit)
}

// Escalations lists rooms waiting for an agent, oldest first.
func (s *Service) Escalations(ctx context.Context) ([]models.EscalatedRoom, error) {
	return s.rooms.ListEscalated(ctx)
}
