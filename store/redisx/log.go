// Package redisx implements the conversation log on Redis for
// deployments where multiple mediator instances share one message
// stream. Messages live in a per-user sorted set scored by sequence
// number; sequences come from a per-user INCR counter.
package redisx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scttfrdmn/chatmesh/chatmesh-go/chatmesh"
	"github.com/scttfrdmn/chatmesh/chatmesh-go/store"
)

const defaultKeyPrefix = "chatmesh:log"

// Log is a Redis-backed store.ConversationLog.
type Log struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

var _ store.ConversationLog = (*Log)(nil)

// LogOption configures a Log.
type LogOption func(*Log)

// WithKeyPrefix overrides the default key prefix.
func WithKeyPrefix(prefix string) LogOption {
	return func(l *Log) {
		if prefix != "" {
			l.keyPrefix = prefix
		}
	}
}

// WithTTL expires idle user streams after d. Zero means no expiry.
func WithTTL(d time.Duration) LogOption {
	return func(l *Log) {
		l.ttl = d
	}
}

// NewLog connects to redisURL and returns a Log.
func NewLog(redisURL string, opts ...LogOption) (*Log, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	l := &Log{
		client:    redis.NewClient(ropts),
		keyPrefix: defaultKeyPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Log) messagesKey(userID int64) string {
	return fmt.Sprintf("%s:%d:messages", l.keyPrefix, userID)
}

func (l *Log) seqKey(userID int64) string {
	return fmt.Sprintf("%s:%d:seq", l.keyPrefix, userID)
}

func (l *Log) idKey() string {
	return l.keyPrefix + ":next_id"
}

// Append persists one message, assigning ID and SequenceNumber.
func (l *Log) Append(ctx context.Context, msg *chatmesh.ConversationMessage) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	id, err := l.client.Incr(ctx, l.idKey()).Result()
	if err != nil {
		return fmt.Errorf("assign message id: %w", err)
	}
	seq, err := l.client.Incr(ctx, l.seqKey(msg.UserID)).Result()
	if err != nil {
		return fmt.Errorf("assign sequence: %w", err)
	}
	msg.ID = id
	msg.SequenceNumber = seq

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}

	key := l.messagesKey(msg.UserID)
	if err := l.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(seq),
		Member: string(payload),
	}).Err(); err != nil {
		return fmt.Errorf("store message: %w", err)
	}

	if l.ttl > 0 {
		if err := l.client.Expire(ctx, key, l.ttl).Err(); err != nil {
			return fmt.Errorf("set TTL: %w", err)
		}
	}
	return nil
}

// ReadRecent returns up to limit of the user's most recent messages in
// chronological order.
func (l *Log) ReadRecent(ctx context.Context, userID int64, limit int) ([]chatmesh.ConversationMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	values, err := l.client.ZRevRange(ctx, l.messagesKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent messages: %w", err)
	}

	// ZREVRANGE yields newest first; reverse into chronological order,
	// skipping malformed members.
	out := make([]chatmesh.ConversationMessage, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		var msg chatmesh.ConversationMessage
		if err := json.Unmarshal([]byte(values[i]), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ReadByIDs returns the named messages in chronological order. The
// stream is scanned newest-first and stops once all IDs are found.
func (l *Log) ReadByIDs(ctx context.Context, userID int64, ids []int64) ([]chatmesh.ConversationMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}

	values, err := l.client.ZRevRange(ctx, l.messagesKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}

	var found []chatmesh.ConversationMessage
	for _, value := range values {
		var msg chatmesh.ConversationMessage
		if err := json.Unmarshal([]byte(value), &msg); err != nil {
			continue
		}
		if wanted[msg.ID] {
			found = append(found, msg)
			delete(wanted, msg.ID)
			if len(wanted) == 0 {
				break
			}
		}
	}

	// Reverse into chronological order.
	for i, j := 0, len(found)-1; i < j; i, j = i+1, j-1 {
		found[i], found[j] = found[j], found[i]
	}
	return found, nil
}

// Count returns the number of messages stored for one user.
func (l *Log) Count(ctx context.Context, userID int64) (int64, error) {
	n, err := l.client.ZCard(ctx, l.messagesKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Clear removes one user's stream and sequence counter.
func (l *Log) Clear(ctx context.Context, userID int64) error {
	if err := l.client.Del(ctx, l.messagesKey(userID), l.seqKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear stream: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (l *Log) Close() error {
	return l.client.Close()
}
