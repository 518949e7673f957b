package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/messagerie/server/config"
	"github.com/messagerie/server/types"
)

// ErrMiss is returned by Page1 when the room has no cached page. Callers fall
// back to durable storage.
var ErrMiss = errors.New("cache miss")

// Cache is the bounded per-room recent-message buffer. It is a pure
// optimization layer: never authoritative, always re-derivable from the
// message store. Writes that mutate an already-cached message invalidate the
// room instead of patching the entry.
type Cache interface {
	// Push prepends the message, trims to the configured capacity and resets
	// the TTL.
	Push(ctx context.Context, roomCode string, msg *types.Message) error
	// Page1 returns the cached page, newest first, or ErrMiss.
	Page1(ctx context.Context, roomCode string) ([]*types.Message, error)
	// Prime replaces the cached page wholesale, used to repopulate on miss.
	Prime(ctx context.Context, roomCode string, msgs []*types.Message) error
	Invalidate(ctx context.Context, roomCode string) error
	Close() error
}

// New selects the configured backend. Redis wins over buntdb, no
// configuration means no cache (the pipeline treats every read as a miss).
func New(cfg *config.Config) (Cache, error) {
	size := cfg.HistoryConfig.CacheSize
	if size <= 0 {
		size = config.DefaultCacheSize
	}
	ttl := cfg.HistoryConfig.CacheTTL
	if ttl <= 0 {
		ttl = config.DefaultCacheTTL
	}
	switch cfg.CacheConfig.Type {
	case "redis":
		return NewRedisCache(cfg.CacheConfig.URL, size, ttl)
	case "buntdb":
		return NewBuntCache(cfg.CacheConfig.Path, size, ttl)
	case "":
		return nil, nil
	}
	return nil, fmt.Errorf("invalid cache configuration type %q", cfg.CacheConfig.Type)
}

func pageKey(roomCode string) string {
	return fmt.Sprintf("recent_messages:%s", types.NormalizeRoomCode(roomCode))
}
