// Package cache provides a best-effort redis acceleration layer. Every
// failure is logged and treated as a miss or no-op; the cache never decides
// the outcome of a chat request.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loomchat/loomchat/pkg/db"
)

const (
	// cacheTemperature is the fixed sampling temperature baked into
	// deterministic response keys.
	cacheTemperature = "0.7"

	responseTTL = time.Hour
	recordTTL   = 24 * time.Hour
	listTTL     = 5 * time.Minute
)

// kv is the minimal key-value surface the cache needs. redis implements it
// in production; tests substitute a map-backed fake.
type kv interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

type redisKV struct {
	rdb *redis.Client
}

func (r redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r redisKV) Del(ctx context.Context, keys ...string) error {
	return r.rdb.Del(ctx, keys...).Err()
}

// NewRedisClient connects to redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, dbNum int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       dbNum,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect redis %s: %w", addr, err)
	}
	return rdb, nil
}

// Cache accelerates deterministic responses and recently used
// conversation/message records.
type Cache struct {
	store  kv
	logger *slog.Logger
}

// New creates a Cache over a connected redis client.
func New(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{store: redisKV{rdb: rdb}, logger: logger}
}

func newWithKV(store kv, logger *slog.Logger) *Cache {
	return &Cache{store: store, logger: logger}
}

// responseKey is the exact message text plus the fixed temperature,
// hashed for key hygiene.
func responseKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "chat:resp:" + hex.EncodeToString(sum[:]) + ":t" + cacheTemperature
}

func messageKey(id string) string      { return "chat:msg:" + id }
func conversationKey(id string) string { return "chat:conv:" + id }
func listKey(userID string) string     { return "chat:convs:" + userID }

// GetResponse looks up a cached deterministic response.
func (c *Cache) GetResponse(ctx context.Context, text string) (string, bool) {
	val, ok, err := c.store.Get(ctx, responseKey(text))
	if err != nil {
		c.logger.Warn("Cache read failed", "key_kind", "response", "error", err)
		return "", false
	}
	return val, ok
}

// SetResponse stores a deterministic response.
func (c *Cache) SetResponse(ctx context.Context, text, response string) {
	if err := c.store.Set(ctx, responseKey(text), response, responseTTL); err != nil {
		c.logger.Warn("Cache write failed", "key_kind", "response", "error", err)
	}
}

// GetMessage looks up a cached message record.
func (c *Cache) GetMessage(ctx context.Context, id string) (*db.Message, bool) {
	val, ok, err := c.store.Get(ctx, messageKey(id))
	if err != nil {
		c.logger.Warn("Cache read failed", "key_kind", "message", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var msg db.Message
	if err := json.Unmarshal([]byte(val), &msg); err != nil {
		c.logger.Warn("Cache entry corrupt", "key_kind", "message", "error", err)
		return nil, false
	}
	return &msg, true
}

// SetMessage stores a message record.
func (c *Cache) SetMessage(ctx context.Context, msg *db.Message) {
	if msg == nil || msg.ID == "" {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Warn("Cache marshal failed", "key_kind", "message", "error", err)
		return
	}
	if err := c.store.Set(ctx, messageKey(msg.ID), string(data), recordTTL); err != nil {
		c.logger.Warn("Cache write failed", "key_kind", "message", "error", err)
	}
}

// GetConversation looks up a cached conversation record.
func (c *Cache) GetConversation(ctx context.Context, id string) (*db.Conversation, bool) {
	val, ok, err := c.store.Get(ctx, conversationKey(id))
	if err != nil {
		c.logger.Warn("Cache read failed", "key_kind", "conversation", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var conv db.Conversation
	if err := json.Unmarshal([]byte(val), &conv); err != nil {
		c.logger.Warn("Cache entry corrupt", "key_kind", "conversation", "error", err)
		return nil, false
	}
	return &conv, true
}

// SetConversation stores a conversation record.
func (c *Cache) SetConversation(ctx context.Context, conv *db.Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}
	data, err := json.Marshal(conv)
	if err != nil {
		c.logger.Warn("Cache marshal failed", "key_kind", "conversation", "error", err)
		return
	}
	if err := c.store.Set(ctx, conversationKey(conv.ID), string(data), recordTTL); err != nil {
		c.logger.Warn("Cache write failed", "key_kind", "conversation", "error", err)
	}
}

// GetConversationList looks up a user's cached conversation list.
func (c *Cache) GetConversationList(ctx context.Context, userID string) ([]db.Conversation, bool) {
	val, ok, err := c.store.Get(ctx, listKey(userID))
	if err != nil {
		c.logger.Warn("Cache read failed", "key_kind", "conversation_list", "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var convs []db.Conversation
	if err := json.Unmarshal([]byte(val), &convs); err != nil {
		c.logger.Warn("Cache entry corrupt", "key_kind", "conversation_list", "error", err)
		return nil, false
	}
	return convs, true
}

// SetConversationList stores a user's conversation list.
func (c *Cache) SetConversationList(ctx context.Context, userID string, convs []db.Conversation) {
	data, err := json.Marshal(convs)
	if err != nil {
		c.logger.Warn("Cache marshal failed", "key_kind", "conversation_list", "error", err)
		return
	}
	if err := c.store.Set(ctx, listKey(userID), string(data), listTTL); err != nil {
		c.logger.Warn("Cache write failed", "key_kind", "conversation_list", "error", err)
	}
}

// InvalidateConversationList drops a user's cached conversation list after
// a write that would make it stale.
func (c *Cache) InvalidateConversationList(ctx context.Context, userID string) {
	if err := c.store.Del(ctx, listKey(userID)); err != nil {
		c.logger.Warn("Cache delete failed", "key_kind", "conversation_list", "error", err)
	}
}
