package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/eldtechnologies/livechat/internal/metrics"
	"github.com/eldtechnologies/livechat/internal/models"
)

const defaultRetention = 30 * 24 * time.Hour

// RedisStore is the message log. Each message is a JSON string under
// message:<id>; each room keeps a sorted set of ids scored by created-at.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore connects to redisURL.
func NewRedisStore(ctx context.Context, redisURL string, retention time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisStoreFromClient(client, retention), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = defaultRetention
	}
	return &RedisStore{client: client, retention: retention}
}

// Client exposes the underlying client for rate limiting.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// roomMessagesKey returns the key for a room's message sorted set.
func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("room:%s:messages", roomID)
}

// messageKey returns the key holding one message.
func messageKey(id string) string {
	return fmt.Sprintf("message:%s", id)
}

func observe(start time.Time) {
	metrics.RedisLatency.Observe(time.Since(start).Seconds())
}

// AddMessage stores a message, assigning an id and timestamp if unset.
func (s *RedisStore) AddMessage(ctx context.Context, msg *models.Message) error {
	defer observe(time.Now())

	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	msg.Failed = false

	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	key := roomMessagesKey(msg.RoomID)
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, messageKey(msg.ID), data, s.retention)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.CreatedAt), Member: msg.ID})
	pipe.Expire(ctx, key, s.retention)
	_, err = pipe.Exec(ctx)
	return err
}

// GetMessage returns a message by id.
func (s *RedisStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	defer observe(time.Now())

	data, err := s.client.Get(ctx, messageKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetRoomMessages returns one page of a room's messages in the query order
// and whether more pages exist.
func (s *RedisStore) GetRoomMessages(ctx context.Context, roomID string, q models.HistoryQuery) ([]models.Message, bool, error) {
	defer observe(time.Now())

	q = q.Normalize()
	key := roomMessagesKey(roomID)

	total, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, false, err
	}

	start := int64((q.Page - 1) * q.Limit)
	stop := start + int64(q.Limit) - 1
	if start >= total {
		return []models.Message{}, false, nil
	}

	var ids []string
	if q.Order == models.SortAsc {
		ids, err = s.client.ZRange(ctx, key, start, stop).Result()
	} else {
		ids, err = s.client.ZRevRange(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, false, err
	}

	messages, err := s.loadMessages(ctx, key, ids)
	if err != nil {
		return nil, false, err
	}
	return messages, stop+1 < total, nil
}

// loadMessages fetches ids in order. Ids whose message expired are pruned
// from the room set.
func (s *RedisStore) loadMessages(ctx context.Context, roomKey string, ids []string) ([]models.Message, error) {
	if len(ids) == 0 {
		return []models.Message{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = messageKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(str), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, roomKey, stale...)
	}
	return messages, nil
}

// LastMessage returns the newest message of a room.
func (s *RedisStore) LastMessage(ctx context.Context, roomID string) (*models.Message, error) {
	msgs, _, err := s.GetRoomMessages(ctx, roomID, models.HistoryQuery{Page: 1, Limit: 1, Order: models.SortDesc})
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// CountMessages returns the number of messages held for a room.
func (s *RedisStore) CountMessages(ctx context.Context, roomID string) (int64, error) {
	return s.client.ZCard(ctx, roomMessagesKey(roomID)).Result()
}

// DeleteMessage removes a message and returns it, or nil if it was not found.
func (s *RedisStore) DeleteMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil || msg == nil {
		return nil, err
	}

	defer observe(time.Now())
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, messageKey(id))
	pipe.ZRem(ctx, roomMessagesKey(msg.RoomID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	if del.Val() == 0 {
		// Deleted concurrently.
		return nil, nil
	}
	return msg, nil
}

// MarkRead flags every unread visitor and bot message in a room as read and
// returns how many changed. Remaining TTLs are kept.
func (s *RedisStore) MarkRead(ctx context.Context, roomID string) (int, error) {
	key := roomMessagesKey(roomID)
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	msgs, err := s.loadMessages(ctx, key, ids)
	if err != nil {
		return 0, err
	}

	defer observe(time.Now())
	pipe := s.client.Pipeline()
	marked := 0
	for _, m := range msgs {
		if !m.CountsAsUnread() {
			continue
		}
		m.IsRead = true
		data, err := json.Marshal(m)
		if err != nil {
			return 0, err
		}
		pipe.Set(ctx, messageKey(m.ID), data, redis.KeepTTL)
		marked++
	}
	if marked == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return marked, nil
}

// rateLimitKey returns the key for a fixed-window counter.
func rateLimitKey(bucket string, window time.Duration) string {
	slot := time.Now().UnixNano() / int64(window)
	return fmt.Sprintf("ratelimit:%s:%d", bucket, slot)
}

// HitRateLimit counts one request against bucket and reports whether it is
// still within limit for the current window.
func (s *RedisStore) HitRateLimit(ctx context.Context, bucket string, limit int, window time.Duration) (bool, error) {
	key := rateLimitKey(bucket, window)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}
