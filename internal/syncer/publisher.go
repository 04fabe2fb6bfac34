package syncer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/models"
)

// Publisher pushes accepted annotations onto the real-time channel scoped
// to a video.
type Publisher interface {
	Publish(ctx context.Context, videoID string, a models.Annotation) error
}

// ChannelFor returns the pub/sub channel name for a video.
func ChannelFor(videoID string) string {
	return fmt.Sprintf("video:%s:annotations", videoID)
}

// RedisPublisher implements Publisher over redis pub/sub.
type RedisPublisher struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisPublisher creates a publisher on an existing redis client.
func NewRedisPublisher(client *redis.Client, logger *zap.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		logger: logger,
	}
}

// Publish broadcasts an accepted annotation to the video's channel.
// Broadcast is best-effort; a failed publish is logged, not retried.
func (p *RedisPublisher) Publish(ctx context.Context, videoID string, a models.Annotation) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode annotation: %w", err)
	}

	if err := p.client.Publish(ctx, ChannelFor(videoID), data).Err(); err != nil {
		p.logger.Warn("Failed to publish annotation",
			zap.String("video_id", videoID),
			zap.String("annotation_id", a.ID),
			zap.Error(err),
		)
		return err
	}

	p.logger.Debug("Published annotation",
		zap.String("video_id", videoID),
		zap.String("annotation_id", a.ID),
	)
	return nil
}
