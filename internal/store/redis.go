package store

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	"github.com/HMasataka/chathub/pkg/domain"
	apperrors "github.com/HMasataka/chathub/pkg/errors"
)

// RedisMessageStore keeps messages in a per-room sorted set scored by
// sequence and reactions in a per-message hash keyed by user.
type RedisMessageStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ domain.MessageStore = (*RedisMessageStore)(nil)

type redisReaction struct {
	Emoji string `json:"emoji"`
	At    int64  `json:"at"`
}

// NewRedisMessageStore connects to redisURL. A zero ttl keeps messages
// forever.
func NewRedisMessageStore(ctx context.Context, redisURL string, ttl time.Duration) (*RedisMessageStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisMessageStore{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (s *RedisMessageStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisMessageStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func roomMessagesKey(roomID string) string {
	return fmt.Sprintf("chathub:room:%s:messages", roomID)
}

func messageKey(messageID string) string {
	return fmt.Sprintf("chathub:message:%s", messageID)
}

func reactionsKey(messageID string) string {
	return fmt.Sprintf("chathub:message:%s:reactions", messageID)
}

func (s *RedisMessageStore) Append(ctx context.Context, msg domain.NewMessage) (*domain.Message, error) {
	stored := &domain.Message{
		ID:        ulid.Make().String(),
		RoomID:    msg.RoomID,
		SenderID:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: time.Now().UTC(),
		Sequence:  msg.Sequence,
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, messageKey(stored.ID), data, s.ttl)
		pipe.ZAdd(ctx, roomMessagesKey(stored.RoomID), redis.Z{
			Score:  float64(stored.Sequence),
			Member: stored.ID,
		})
		if s.ttl > 0 {
			pipe.Expire(ctx, roomMessagesKey(stored.RoomID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	return stored, nil
}

func (s *RedisMessageStore) ListRecent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	ids, err := s.client.ZRevRange(ctx, roomMessagesKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if len(ids) == 0 {
		return []domain.Message{}, nil
	}
	slices.Reverse(ids)

	pipe := s.client.Pipeline()
	bodies := make([]*redis.StringCmd, len(ids))
	reactions := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		bodies[i] = pipe.Get(ctx, messageKey(id))
		reactions[i] = pipe.HGetAll(ctx, reactionsKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	messages := make([]domain.Message, 0, len(ids))
	for i := range ids {
		data, err := bodies[i].Bytes()
		if err != nil {
			// expired body; the index entry outlived it
			continue
		}

		var m domain.Message
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		m.Reactions = decodeReactions(reactions[i].Val())
		messages = append(messages, m)
	}

	return messages, nil
}

func decodeReactions(raw map[string]string) []domain.Reaction {
	type entry struct {
		domain.Reaction
		at int64
	}

	entries := make([]entry, 0, len(raw))
	for userID, v := range raw {
		var r redisReaction
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		entries = append(entries, entry{Reaction: domain.Reaction{UserID: userID, Emoji: r.Emoji}, at: r.At})
	}

	slices.SortFunc(entries, func(a, b entry) int {
		if c := cmp.Compare(a.at, b.at); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})

	out := make([]domain.Reaction, len(entries))
	for i, e := range entries {
		out[i] = e.Reaction
	}
	return out
}

func (s *RedisMessageStore) React(ctx context.Context, messageID, userID, emoji string) error {
	if err := s.messageExists(ctx, messageID); err != nil {
		return err
	}

	data, err := json.Marshal(redisReaction{Emoji: emoji, At: time.Now().UnixNano()})
	if err != nil {
		return err
	}

	if err := s.client.HSet(ctx, reactionsKey(messageID), userID, data).Err(); err != nil {
		return fmt.Errorf("react: %w", err)
	}
	if s.ttl > 0 {
		s.client.Expire(ctx, reactionsKey(messageID), s.ttl)
	}
	return nil
}

func (s *RedisMessageStore) Unreact(ctx context.Context, messageID, userID, emoji string) error {
	if err := s.messageExists(ctx, messageID); err != nil {
		return err
	}

	raw, err := s.client.HGet(ctx, reactionsKey(messageID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("unreact: %w", err)
	}

	var r redisReaction
	if err := json.Unmarshal([]byte(raw), &r); err == nil && r.Emoji != emoji {
		return nil
	}

	if err := s.client.HDel(ctx, reactionsKey(messageID), userID).Err(); err != nil {
		return fmt.Errorf("unreact: %w", err)
	}
	return nil
}

func (s *RedisMessageStore) messageExists(ctx context.Context, messageID string) error {
	n, err := s.client.Exists(ctx, messageKey(messageID)).Result()
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}
	if n == 0 {
		return apperrors.ErrMessageNotFound.WithDetails(messageID)
	}
	return nil
}
