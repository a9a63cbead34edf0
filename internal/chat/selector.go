package chat

import (
	"slices"

	"github.com/eldtechnologies/livechat/internal/models"
)

// emptyMessages is handed out for every room without messages so that an
// absent room never looks like a change.
var emptyMessages = []models.Message{}

type selection struct {
	version uint64 // store version the entry was last validated at
	rev     uint64 // room log revision the snapshot was built from
	msgs    []models.Message
}

// selector memoizes per-room snapshots keyed by (store version, room id).
// A snapshot is rebuilt only when its own room's log revision moves, so a
// write to one room never changes the slice returned for another.
type selector struct {
	cache map[string]selection
}

func newSelector() *selector {
	return &selector{cache: make(map[string]selection)}
}

func (s *selector) selectRoom(version uint64, roomID string, log *roomLog) []models.Message {
	if log == nil {
		delete(s.cache, roomID)
		return emptyMessages
	}

	c, ok := s.cache[roomID]
	if ok && c.version == version {
		return c.msgs
	}
	if ok && c.rev == log.rev {
		c.version = version
		s.cache[roomID] = c
		return c.msgs
	}

	msgs := emptyMessages
	if log.len() > 0 {
		msgs = slices.Clone(log.msgs)
	}
	s.cache[roomID] = selection{version: version, rev: log.rev, msgs: msgs}
	return msgs
}
