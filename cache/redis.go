package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/messagerie/server/types"
	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client *redis.Client
	size   int
	ttl    time.Duration
}

func NewRedisCache(url string, size int, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{client: client, size: size, ttl: ttl}, nil
}

func (c *RedisCache) Push(ctx context.Context, roomCode string, msg *types.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := pageKey(roomCode)
	pipe := c.client.Pipeline()
	pipe.LPush(ctx, key, string(data))
	pipe.LTrim(ctx, key, 0, int64(c.size-1))
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache push: %w: %v", types.ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Page1(ctx context.Context, roomCode string) ([]*types.Message, error) {
	entries, err := c.client.LRange(ctx, pageKey(roomCode), 0, int64(c.size-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache read: %w: %v", types.ErrUnavailable, err)
	}
	if len(entries) == 0 {
		return nil, ErrMiss
	}
	msgs := make([]*types.Message, 0, len(entries))
	for _, entry := range entries {
		msg := types.Message{}
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			// a corrupt entry poisons the page, better to miss and rebuild
			return nil, ErrMiss
		}
		msgs = append(msgs, &msg)
	}
	return msgs, nil
}

func (c *RedisCache) Prime(ctx context.Context, roomCode string, msgs []*types.Message) error {
	key := pageKey(roomCode)
	if len(msgs) > c.size {
		msgs = msgs[:c.size]
	}
	entries := make([]interface{}, 0, len(msgs))
	for _, msg := range msgs {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		entries = append(entries, string(data))
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, key)
	if len(entries) > 0 {
		// msgs arrive newest first, RPush keeps that order
		pipe.RPush(ctx, key, entries...)
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache prime: %w: %v", types.ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, roomCode string) error {
	if err := c.client.Del(ctx, pageKey(roomCode)).Err(); err != nil {
		return fmt.Errorf("cache invalidate: %w: %v", types.ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
