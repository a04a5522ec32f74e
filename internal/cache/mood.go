// Package cache keeps the most recent mood tag per user as the reply-generation hint.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/solace/backend/internal/config"
	"github.com/zhouzirui/solace/backend/internal/model/mood"
	"github.com/zhouzirui/solace/backend/internal/pkg/logger"
)

const (
	defaultMoodTTL = 24 * time.Hour
	moodKeyPrefix  = "solace:mood:"
)

// RedisMoodCache 在 Redis 中按用户保存最近心情，过期后视为未知。
type RedisMoodCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMoodCache(rdb *redis.Client, ttl time.Duration) *RedisMoodCache {
	if ttl <= 0 {
		ttl = defaultMoodTTL
	}
	return &RedisMoodCache{rdb: rdb, ttl: ttl}
}

func (c *RedisMoodCache) Remember(ctx context.Context, userID string, tag mood.Tag) error {
	if err := c.rdb.Set(ctx, moodKeyPrefix+userID, string(tag), c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache mood: %w", err)
	}
	return nil
}

func (c *RedisMoodCache) Latest(ctx context.Context, userID string) (mood.Tag, bool, error) {
	raw, err := c.rdb.Get(ctx, moodKeyPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read cached mood: %w", err)
	}
	tag, ok := mood.Parse(raw)
	if !ok {
		return "", false, nil
	}
	return tag, true, nil
}

func (c *RedisMoodCache) Close() error {
	return c.rdb.Close()
}

type moodEntry struct {
	tag     mood.Tag
	expires time.Time
}

// MemoryMoodCache is the in-process fallback used when Redis is not configured.
type MemoryMoodCache struct {
	mu      sync.RWMutex
	entries map[string]moodEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryMoodCache(ttl time.Duration) *MemoryMoodCache {
	if ttl <= 0 {
		ttl = defaultMoodTTL
	}
	return &MemoryMoodCache{
		entries: make(map[string]moodEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryMoodCache) Remember(_ context.Context, userID string, tag mood.Tag) error {
	c.mu.Lock()
	c.entries[userID] = moodEntry{tag: tag, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryMoodCache) Latest(_ context.Context, userID string) (mood.Tag, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || !c.now().Before(entry.expires) {
		return "", false, nil
	}
	return entry.tag, true, nil
}

func (c *MemoryMoodCache) Close() error { return nil }

// MoodCache is what Open returns: a hint store that owns its connection.
type MoodCache interface {
	Remember(ctx context.Context, userID string, tag mood.Tag) error
	Latest(ctx context.Context, userID string) (mood.Tag, bool, error)
	Close() error
}

// Open 连接 Redis；未配置地址或 ping 失败时退回内存实现。
func Open(ctx context.Context, cfg config.CacheConfig, log *logger.Logger) MoodCache {
	log = logger.OrNop(log).Named("cache")
	if cfg.RedisAddr == "" {
		log.Info("redis not configured, using in-memory mood cache")
		return NewMemoryMoodCache(cfg.MoodTTL)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		log.Warn("redis ping failed, using in-memory mood cache", "addr", cfg.RedisAddr, "error", err)
		return NewMemoryMoodCache(cfg.MoodTTL)
	}
	log.Info("mood cache connected", "addr", cfg.RedisAddr)
	return NewRedisMoodCache(rdb, cfg.MoodTTL)
}
