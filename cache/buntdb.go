package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/messagerie/server/types"
	"github.com/tidwall/buntdb"
)

// BuntCache is the embedded fallback backend for deployments without a redis.
// The whole page-1 buffer of a room is stored as one JSON value with a TTL.
type BuntCache struct {
	db   *buntdb.DB
	size int
	ttl  time.Duration
}

func NewBuntCache(path string, size int, ttl time.Duration) (*BuntCache, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, err
	}
	return &BuntCache{db: db, size: size, ttl: ttl}, nil
}

func (c *BuntCache) setPage(key string, msgs []*types.Message) error {
	if len(msgs) > c.size {
		msgs = msgs[:c.size]
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(data), &buntdb.SetOptions{Expires: true, TTL: c.ttl})
		return err
	})
}

func (c *BuntCache) Push(_ context.Context, roomCode string, msg *types.Message) error {
	key := pageKey(roomCode)
	page := make([]*types.Message, 0, c.size)
	err := c.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), &page)
	})
	if err != nil && !errors.Is(err, buntdb.ErrNotFound) {
		return err
	}
	page = append([]*types.Message{msg}, page...)
	return c.setPage(key, page)
}

func (c *BuntCache) Page1(_ context.Context, roomCode string) ([]*types.Message, error) {
	var msgs []*types.Message
	err := c.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(pageKey(roomCode))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(val), &msgs)
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrMiss
	}
	return msgs, nil
}

func (c *BuntCache) Prime(_ context.Context, roomCode string, msgs []*types.Message) error {
	return c.setPage(pageKey(roomCode), msgs)
}

func (c *BuntCache) Invalidate(_ context.Context, roomCode string) error {
	err := c.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(pageKey(roomCode))
		return err
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil
	}
	return err
}

func (c *BuntCache) Close() error {
	return c.db.Close()
}
