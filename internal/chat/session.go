// Package chat keeps the operator's view of live conversations consistent.
// History pages and pushed events are merged per room into one ordered,
// de-duplicated list, and the escalation and moderation workflows run over
// that state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/livechat/internal/models"
)

var (
	ErrRoomArchived      = errors.New("room is archived")
	ErrUnknownRoom       = errors.New("unknown room")
	ErrUnknownMessage    = errors.New("unknown message")
	ErrSendInFlight      = errors.New("a manual send is already in flight")
	ErrEmptyBody         = errors.New("message body is empty")
	ErrInvalidTransition = errors.New("invalid room transition")
	ErrRoomAssigned      = errors.New("visitor already has a room")
)

// Options tunes a Store.
type Options struct {
	// MatchWindow is how far apart a temporary message and its server copy
	// may be stamped and still be treated as the same send.
	MatchWindow time.Duration

	// HistoryRetries is the number of attempts LoadHistory makes.
	HistoryRetries int
	RetryDelay     time.Duration

	Anomalies AnomalyReporter
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MatchWindow <= 0 {
		o.MatchWindow = 5 * time.Second
	}
	if o.HistoryRetries < 1 {
		o.HistoryRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 200 * time.Millisecond
	}
	if o.Anomalies == nil {
		o.Anomalies = discardAnomalies{}
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type roomEntry struct {
	room models.Room
	log  *roomLog
}

// Store is the single source of truth for the console. All state is private;
// the exported methods are the only way to read or change it.
type Store struct {
	backend Backend
	opts    Options

	mu           sync.Mutex
	version      uint64
	rooms        map[string]*roomEntry
	queue        escalationQueue
	archived     []models.ArchivedSession
	current      string
	selection    *selectionSet
	manual       models.ManualMessageState
	pendingReads map[string]struct{}
	online       bool
	anomalies    uint64
	sel          *selector
}

// NewStore creates an empty store backed by backend.
func NewStore(backend Backend, opts Options) *Store {
	return &Store{
		backend:      backend,
		opts:         opts.withDefaults(),
		rooms:        make(map[string]*roomEntry),
		selection:    newSelectionSet(),
		pendingReads: make(map[string]struct{}),
		sel:          newSelector(),
	}
}

func (s *Store) nowMillis() int64 {
	return s.opts.Now().UnixMilli()
}

func (s *Store) changed(e *roomEntry) {
	if e != nil {
		e.room.LastActiveAt = s.opts.Now()
	}
	s.version++
}

// ensure returns the room, creating it in the bot state if it is new.
func (s *Store) ensure(roomID string) *roomEntry {
	e, ok := s.rooms[roomID]
	if !ok {
		now := s.opts.Now()
		e = &roomEntry{
			room: models.Room{ID: roomID, State: models.RoomBot, CreatedAt: now, LastActiveAt: now},
			log:  newRoomLog(),
		}
		s.rooms[roomID] = e
	}
	return e
}

func (s *Store) report(a Anomaly) {
	s.anomalies++
	s.opts.Anomalies.Report(a)
}

// locate finds the room holding message id.
func (s *Store) locate(id string) *roomEntry {
	for _, e := range s.rooms {
		if _, ok := e.log.index[id]; ok {
			return e
		}
	}
	return nil
}

// LoadHistory fetches a page of a room's history and merges it in. Reads are
// retried; the result is merged even if the room is no longer current.
func (s *Store) LoadHistory(ctx context.Context, roomID string, q models.HistoryQuery) error {
	q = q.Normalize()

	var (
		batch []models.Message
		err   error
	)
	for attempt := 1; attempt <= s.opts.HistoryRetries; attempt++ {
		batch, err = s.backend.History(ctx, roomID, q)
		if err == nil || ctx.Err() != nil {
			break
		}
		s.opts.Logger.Warn().Err(err).Str("room_id", roomID).Int("attempt", attempt).Msg("history fetch failed")
		if attempt < s.opts.HistoryRetries {
			select {
			case <-ctx.Done():
			case <-time.After(s.opts.RetryDelay * time.Duration(attempt)):
			}
		}
	}
	if err != nil {
		return fmt.Errorf("load history for room %s: %w", roomID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.ensure(roomID)
	valid := make([]models.Message, 0, len(batch))
	for _, m := range batch {
		if m.RoomID == "" {
			m.RoomID = roomID
		}
		if m.RoomID != roomID {
			s.report(Anomaly{Kind: AnomalyForeignMessage, RoomID: roomID, MessageID: m.ID, Detail: "history page for another room"})
			continue
		}
		if m.ID == "" || !m.Origin.Valid() {
			s.report(Anomaly{Kind: AnomalyMalformed, RoomID: roomID, MessageID: m.ID, Detail: "history message without id or origin"})
			continue
		}
		m.Failed = false
		valid = append(valid, m)
	}
	if e.log.splice(valid, s.opts.MatchWindow) {
		s.version++
	}
	return nil
}

// ReceivePush merges one pushed message. Pushes for archived rooms are
// dropped and reported. It returns true if the room's list changed.
func (s *Store) ReceivePush(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.RoomID == "" || m.ID == "" || !m.Origin.Valid() {
		s.report(Anomaly{Kind: AnomalyMalformed, RoomID: m.RoomID, MessageID: m.ID, Detail: "push without room, id or origin"})
		return false
	}
	if e, ok := s.rooms[m.RoomID]; ok && e.room.State == models.RoomArchived {
		s.report(Anomaly{Kind: AnomalyArchivedPush, RoomID: m.RoomID, MessageID: m.ID, Detail: "late message for archived room"})
		return false
	}

	e := s.ensure(m.RoomID)
	m.Failed = false
	changed := e.log.upsert(m, s.opts.MatchWindow)
	if m.Origin == models.OriginAgent && s.claimLocked(e) {
		// Another operator answered the room.
		changed = true
	}
	if changed {
		s.changed(e)
	}
	return changed
}

// claimLocked moves a room an agent has answered to active. A bot room goes
// through escalated on the way.
func (s *Store) claimLocked(e *roomEntry) bool {
	switch e.room.State {
	case models.RoomBot:
		e.room.State = models.RoomEscalated
		fallthrough
	case models.RoomEscalated:
		e.room.State = models.RoomActive
		s.queue.remove(e.room.ID)
		return true
	}
	return false
}

// SetRoom switches the currently viewed room and clears the selection.
func (s *Store) SetRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = roomID
	s.selection.clear()
	s.version++
}

// MarkRead marks the room's visitor and bot messages read, locally first.
// The local change stands even if the REST call fails; the receipt is then
// kept for FlushReadReceipts.
func (s *Store) MarkRead(ctx context.Context, roomID string) error {
	s.mu.Lock()
	if e, ok := s.rooms[roomID]; ok && e.log.markRead() {
		s.version++
	}
	s.mu.Unlock()

	if err := s.backend.MarkRead(ctx, roomID); err != nil {
		s.mu.Lock()
		s.pendingReads[roomID] = struct{}{}
		s.mu.Unlock()
		s.opts.Logger.Warn().Err(err).Str("room_id", roomID).Msg("read receipt failed")
		return fmt.Errorf("mark room %s read: %w", roomID, err)
	}

	s.mu.Lock()
	delete(s.pendingReads, roomID)
	s.mu.Unlock()
	return nil
}

// FlushReadReceipts re-sends receipts that failed earlier. Receipts are
// idempotent, so re-sending after a reconnect is safe.
func (s *Store) FlushReadReceipts(ctx context.Context) error {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.pendingReads))
	for id := range s.pendingReads {
		rooms = append(rooms, id)
	}
	s.mu.Unlock()
	sort.Strings(rooms)

	var errs []error
	for _, id := range rooms {
		if err := s.backend.MarkRead(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("mark room %s read: %w", id, err))
			continue
		}
		s.mu.Lock()
		delete(s.pendingReads, id)
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// SendManual appends a temporary agent message, posts it, and swaps in the
// server copy on success. On failure the temporary message stays, flagged
// failed, and ManualState carries the error. With closeRoom the room is
// archived once the server confirms.
func (s *Store) SendManual(ctx context.Context, roomID, body string, closeRoom bool) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, ErrEmptyBody
	}

	s.mu.Lock()
	tmp, err := s.stageLocked(roomID, body)
	s.mu.Unlock()
	if err != nil {
		return models.Message{}, err
	}
	return s.deliver(ctx, tmp, closeRoom)
}

// ResendManual retries a failed send. The failed entry is replaced by a new
// temporary message.
func (s *Store) ResendManual(ctx context.Context, tempID string, closeRoom bool) (models.Message, error) {
	s.mu.Lock()
	e := s.locate(tempID)
	if e == nil {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, tempID)
	}
	old, _ := e.log.get(tempID)
	if !old.IsTemporary() || !old.Failed {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("%w: %s is not a failed send", ErrUnknownMessage, tempID)
	}
	if s.manual.Pending {
		s.mu.Unlock()
		return models.Message{}, ErrSendInFlight
	}
	if e.room.State == models.RoomArchived {
		s.mu.Unlock()
		return models.Message{}, fmt.Errorf("send to room %s: %w", e.room.ID, ErrRoomArchived)
	}
	e.log.remove([]string{tempID})
	tmp, err := s.stageLocked(old.RoomID, old.Body)
	s.mu.Unlock()
	if err != nil {
		return models.Message{}, err
	}
	return s.deliver(ctx, tmp, closeRoom)
}

func (s *Store) stageLocked(roomID, body string) (models.Message, error) {
	if s.manual.Pending {
		return models.Message{}, ErrSendInFlight
	}
	e := s.ensure(roomID)
	if e.room.State == models.RoomArchived {
		return models.Message{}, fmt.Errorf("send to room %s: %w", roomID, ErrRoomArchived)
	}
	tmp := models.Message{
		ID:        models.NewTempID(),
		RoomID:    roomID,
		Body:      body,
		Origin:    models.OriginAgent,
		CreatedAt: s.nowMillis(),
		IsRead:    true,
	}
	e.log.upsert(tmp, s.opts.MatchWindow)
	s.manual = models.ManualMessageState{Pending: true}
	s.changed(e)
	return tmp, nil
}

func (s *Store) deliver(ctx context.Context, tmp models.Message, closeRoom bool) (models.Message, error) {
	confirmed, err := s.backend.SendManual(ctx, models.ManualRequest{
		RoomID:  tmp.RoomID,
		Message: tmp.Body,
		Close:   closeRoom,
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.ensure(tmp.RoomID)
	if err != nil || confirmed == nil {
		if err == nil {
			err = errors.New("empty response")
		}
		e.log.markFailed(tmp.ID)
		s.manual = models.ManualMessageState{Error: err.Error()}
		s.changed(e)
		tmp.Failed = true
		return tmp, fmt.Errorf("send to room %s: %w", tmp.RoomID, err)
	}

	msg := *confirmed
	if msg.RoomID == "" {
		msg.RoomID = tmp.RoomID
	}
	if msg.Origin == "" {
		msg.Origin = models.OriginAgent
	}
	e.log.resolve(tmp.ID, msg, s.opts.MatchWindow)
	s.manual = models.ManualMessageState{Succeeded: true}

	if e.room.State != models.RoomArchived {
		s.claimLocked(e)
		if closeRoom {
			s.archiveLocked(e, &msg, 0)
		}
	}
	s.changed(e)
	return msg, nil
}

// Escalate moves a bot room to escalated and queues it for an agent. It is
// idempotent: a room already escalated keeps its single queue entry.
func (s *Store) Escalate(entry models.EscalatedRoom) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.RoomID == "" {
		s.report(Anomaly{Kind: AnomalyMalformed, Detail: "escalation without room"})
		return false
	}
	if e, ok := s.rooms[entry.RoomID]; ok && e.room.State == models.RoomArchived {
		s.report(Anomaly{Kind: AnomalyArchivedEscalation, RoomID: entry.RoomID, Detail: "late escalation for archived room"})
		return false
	}

	e := s.ensure(entry.RoomID)
	if entry.Participant != (models.Participant{}) {
		e.room.Participant = entry.Participant
	} else {
		entry.Participant = e.room.Participant
	}
	if entry.EscalatedAt == 0 {
		entry.EscalatedAt = s.nowMillis()
	}

	switch e.room.State {
	case models.RoomBot:
		if err := transition(&e.room, models.RoomEscalated); err != nil {
			return false
		}
	case models.RoomEscalated:
		if s.queue.contains(entry.RoomID) {
			return false
		}
	default:
		return false
	}
	s.queue.push(entry)
	s.changed(e)
	return true
}

// Claim records an agent explicitly taking an escalated room.
func (s *Store) Claim(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	if e.room.State == models.RoomActive {
		return nil
	}
	if err := transition(&e.room, models.RoomActive); err != nil {
		return err
	}
	s.queue.remove(roomID)
	s.changed(e)
	return nil
}

// Archive closes a room and records its snapshot.
func (s *Store) Archive(roomID string) (models.ArchivedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[roomID]
	if !ok {
		return models.ArchivedSession{}, fmt.Errorf("%w: %s", ErrUnknownRoom, roomID)
	}
	if e.room.State == models.RoomArchived {
		return models.ArchivedSession{}, fmt.Errorf("archive room %s: %w", roomID, ErrRoomArchived)
	}
	snap := s.archiveLocked(e, nil, 0)
	s.changed(e)
	return snap, nil
}

// ApplyArchived applies an archive performed elsewhere. It returns false if
// the room was already archived here.
func (s *Store) ApplyArchived(snap models.ArchivedSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.RoomID == "" {
		s.report(Anomaly{Kind: AnomalyMalformed, Detail: "archive without room"})
		return false
	}
	e := s.ensure(snap.RoomID)
	if e.room.State == models.RoomArchived {
		return false
	}
	if snap.Participant != (models.Participant{}) {
		e.room.Participant = snap.Participant
	}
	var last *models.Message
	if snap.LastMessage.ID != "" {
		m := snap.LastMessage
		if m.RoomID == "" {
			m.RoomID = snap.RoomID
		}
		e.log.upsert(m, s.opts.MatchWindow)
		last = &m
	}
	s.archiveLocked(e, last, snap.ClosedAt)
	s.changed(e)
	return true
}

func (s *Store) archiveLocked(e *roomEntry, last *models.Message, closedAt int64) models.ArchivedSession {
	e.room.State = models.RoomArchived
	s.queue.remove(e.room.ID)

	snap := models.ArchivedSession{
		RoomID:      e.room.ID,
		Participant: e.room.Participant,
		ClosedAt:    closedAt,
	}
	if last != nil {
		snap.LastMessage = *last
	} else if m, ok := e.log.last(); ok {
		snap.LastMessage = m
	}
	if snap.ClosedAt == 0 {
		snap.ClosedAt = s.nowMillis()
	}
	s.archived = append(s.archived, snap)
	return snap
}

// DeleteMessages removes messages permanently. Temporary messages are
// dropped locally; the rest go to the backend and only ids it confirms are
// removed, each on its own.
func (s *Store) DeleteMessages(ctx context.Context, ids []string) (models.DeleteResult, error) {
	var result models.DeleteResult

	seen := make(map[string]struct{}, len(ids))
	var remote []string

	s.mu.Lock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if !models.IsTempID(id) {
			remote = append(remote, id)
			continue
		}
		if e := s.locate(id); e != nil {
			e.log.remove([]string{id})
			s.selection.drop(id)
			s.changed(e)
			result.Deleted = append(result.Deleted, id)
		} else {
			result.Failed = append(result.Failed, id)
		}
	}
	s.mu.Unlock()

	if len(remote) == 0 {
		return result, nil
	}

	res, err := s.backend.DeleteMessages(ctx, remote)
	if res == nil {
		result.Failed = append(result.Failed, remote...)
		if err == nil {
			err = errors.New("empty response")
		}
		return result, fmt.Errorf("delete messages: %w", err)
	}

	confirmed := make(map[string]struct{}, len(res.Deleted))
	s.mu.Lock()
	for _, id := range res.Deleted {
		if _, asked := seen[id]; !asked {
			continue
		}
		confirmed[id] = struct{}{}
		if e := s.locate(id); e != nil {
			e.log.bury(id)
			s.changed(e)
		}
		s.selection.drop(id)
		result.Deleted = append(result.Deleted, id)
	}
	s.mu.Unlock()

	for _, id := range remote {
		if _, ok := confirmed[id]; !ok {
			result.Failed = append(result.Failed, id)
		}
	}
	if err != nil {
		return result, fmt.Errorf("delete messages: %w", err)
	}
	return result, nil
}

// ToggleSelection flips a message of the current room in or out of the
// moderation selection and reports whether it is now selected.
func (s *Store) ToggleSelection(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.rooms[s.current]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if _, ok := e.log.index[id]; !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	on := s.selection.toggle(id)
	s.version++
	return on, nil
}

// Selected returns the selected message ids in selection order.
func (s *Store) Selected() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection.list()
}

// ClearSelection empties the moderation selection.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection.len() > 0 {
		s.selection.clear()
		s.version++
	}
}

// DeleteSelected bulk-deletes the selection. The selection is cleared only if
// every id was deleted; rejected ids stay selected.
func (s *Store) DeleteSelected(ctx context.Context) (models.DeleteResult, error) {
	s.mu.Lock()
	ids := s.selection.list()
	room := s.current
	s.mu.Unlock()

	if len(ids) == 0 {
		return models.DeleteResult{}, nil
	}

	res, err := s.DeleteMessages(ctx, ids)

	s.mu.Lock()
	if s.current == room && err == nil && len(res.Failed) == 0 {
		s.selection.clear()
		s.version++
	}
	s.mu.Unlock()
	return res, err
}

// OpenRoom seeds or refreshes a room from a directory listing. State only
// moves forward.
func (s *Store) OpenRoom(room models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room.ID == "" {
		return
	}
	_, existed := s.rooms[room.ID]
	e := s.ensure(room.ID)
	if room.Participant != (models.Participant{}) {
		e.room.Participant = room.Participant
	}
	if room.MessageCount > e.room.MessageCount {
		e.room.MessageCount = room.MessageCount
	}
	if !room.CreatedAt.IsZero() && !existed {
		e.room.CreatedAt = room.CreatedAt
	}
	if room.State.Valid() && room.State != e.room.State {
		if !existed || reachable(e.room.State, room.State) {
			if room.State == models.RoomArchived {
				s.archiveLocked(e, nil, 0)
			} else {
				e.room.State = room.State
				if room.State == models.RoomActive {
					s.queue.remove(room.ID)
				}
			}
		}
	}
	s.version++
}

// reachable reports whether to can be reached from from by legal moves.
func reachable(from, to models.RoomState) bool {
	for _, next := range transitions[from] {
		if next == to || reachable(next, to) {
			return true
		}
	}
	return false
}

// SetOnline records the push connection status for the offline indicator.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online != online {
		s.online = online
		s.version++
	}
}

// Online reports whether the push connection is up.
func (s *Store) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Messages returns the room's messages oldest first. The slice is shared and
// stays identical across calls until that room changes; callers must not
// modify it.
func (s *Store) Messages(roomID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var log *roomLog
	if e, ok := s.rooms[roomID]; ok {
		log = e.log
	}
	return s.sel.selectRoom(s.version, roomID, log)
}

// Room returns a room with its derived unread count.
func (s *Store) Room(roomID string) (models.Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, false
	}
	return s.roomView(e), true
}

func (s *Store) roomView(e *roomEntry) models.Room {
	r := e.room
	r.UnreadCount = e.log.unread()
	if n := int64(e.log.len()); n > r.MessageCount {
		r.MessageCount = n
	}
	return r
}

// Rooms returns all rooms, most recently active first.
func (s *Store) Rooms() []models.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Room, 0, len(s.rooms))
	for _, e := range s.rooms {
		out = append(out, s.roomView(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActiveAt.Equal(out[j].LastActiveAt) {
			return out[i].LastActiveAt.After(out[j].LastActiveAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EscalationQueue returns pending escalations, oldest first.
func (s *Store) EscalationQueue() []models.EscalatedRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.list()
}

// Archived returns archived snapshots in the order they were recorded.
func (s *Store) Archived() []models.ArchivedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ArchivedSession, len(s.archived))
	copy(out, s.archived)
	return out
}

// ManualState returns the state of the last operator send.
func (s *Store) ManualState() models.ManualMessageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.manual
}

// Current returns the currently viewed room id.
func (s *Store) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Anomalies returns how many events were discarded.
func (s *Store) Anomalies() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.anomalies
}

// Version increases on every state change.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}
