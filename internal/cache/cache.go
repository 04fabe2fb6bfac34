// Package cache provides Redis caching for per-video annotation lists.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/config"
	"github.com/videocoach/annotation-engine/internal/models"
)

const (
	// Cache key prefix for per-video annotation lists
	videoAnnotationsKeyPrefix = "video:annotations:"

	// Default TTL for cached items
	defaultTTL = 5 * time.Minute
)

// Cache defines the interface for annotation list caching.
type Cache interface {
	// GetAnnotations retrieves a video's cached annotation list. The bool
	// reports whether the list was present.
	GetAnnotations(ctx context.Context, videoID string) ([]models.Annotation, bool, error)

	// SetAnnotations stores a video's annotation list.
	SetAnnotations(ctx context.Context, videoID string, annotations []models.Annotation) error

	// Invalidate removes a video's cached annotation list.
	Invalidate(ctx context.Context, videoID string) error

	// Close closes the cache connection.
	Close() error
}

// NewRedisClient connects a Redis client shared by the cache and the
// broadcast publisher.
func NewRedisClient(cfg *config.Config, logger *zap.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis")
	return client, nil
}

// RedisCache implements Cache using Redis.
type RedisCache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache on an existing client.
func NewRedisCache(client *redis.Client, logger *zap.Logger) Cache {
	return &RedisCache{
		client: client,
		logger: logger,
		ttl:    defaultTTL,
	}
}

// GetAnnotations retrieves a video's cached annotation list.
func (c *RedisCache) GetAnnotations(ctx context.Context, videoID string) ([]models.Annotation, bool, error) {
	key := videoAnnotationsKeyPrefix + videoID

	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil // Cache miss
	}
	if err != nil {
		c.logger.Warn("Failed to get from cache", zap.String("key", key), zap.Error(err))
		return nil, false, nil // Treat errors as cache miss
	}

	var annotations []models.Annotation
	if err := json.Unmarshal(data, &annotations); err != nil {
		c.logger.Warn("Failed to unmarshal cached annotations", zap.Error(err))
		return nil, false, nil
	}

	c.logger.Debug("Cache hit", zap.String("key", key))
	return annotations, true, nil
}

// SetAnnotations stores a video's annotation list.
func (c *RedisCache) SetAnnotations(ctx context.Context, videoID string, annotations []models.Annotation) error {
	key := videoAnnotationsKeyPrefix + videoID

	data, err := json.Marshal(annotations)
	if err != nil {
		c.logger.Warn("Failed to marshal annotations for cache", zap.Error(err))
		return err
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("Failed to set cache", zap.String("key", key), zap.Error(err))
		return err
	}

	c.logger.Debug("Cached annotations", zap.String("key", key), zap.Int("count", len(annotations)))
	return nil
}

// Invalidate removes a video's cached annotation list.
func (c *RedisCache) Invalidate(ctx context.Context, videoID string) error {
	key := videoAnnotationsKeyPrefix + videoID

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("Failed to invalidate cache", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	c.logger.Info("Closing Redis connection")
	return c.client.Close()
}
