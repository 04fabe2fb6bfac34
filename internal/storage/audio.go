// Package storage provides MinIO object storage for voice-over audio.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/config"
	"github.com/videocoach/annotation-engine/internal/models"
)

// extensions maps supported audio formats to object name extensions.
var extensions = map[string]string{
	"audio/mp3": ".mp3",
	"audio/wav": ".wav",
	"audio/m4a": ".m4a",
}

// AudioStore defines the interface for voice-over blob storage.
type AudioStore interface {
	// Put stores an audio clip under the video's prefix and returns the
	// object URL recorded in the annotation payload.
	Put(ctx context.Context, videoID, annotationID string, clip *models.AudioClip) (string, error)
}

// MinioStore implements AudioStore using MinIO.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *zap.Logger
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(cfg *config.Config, logger *zap.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created audio bucket", zap.String("bucket", cfg.MinioBucket))
	}

	logger.Info("Connected to MinIO", zap.String("endpoint", cfg.MinioEndpoint))

	return &MinioStore{
		client: client,
		bucket: cfg.MinioBucket,
		logger: logger,
	}, nil
}

// Put stores an audio clip. The clip's format and size are checked before
// any bytes leave the process.
func (s *MinioStore) Put(ctx context.Context, videoID, annotationID string, clip *models.AudioClip) (string, error) {
	ext, ok := extensions[clip.Format]
	if !ok {
		return "", fmt.Errorf("unsupported audio format %q", clip.Format)
	}
	if len(clip.Data) == 0 {
		return "", fmt.Errorf("empty audio clip")
	}
	if int64(len(clip.Data)) > models.MaxAudioSizeBytes {
		return "", fmt.Errorf("audio clip exceeds %d bytes", models.MaxAudioSizeBytes)
	}

	objectName := fmt.Sprintf("voiceovers/%s/%s%s", videoID, annotationID, ext)

	_, err := s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(clip.Data), int64(len(clip.Data)),
		minio.PutObjectOptions{ContentType: clip.Format},
	)
	if err != nil {
		s.logger.Error("Failed to upload audio clip",
			zap.String("object", objectName),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to upload audio clip: %w", err)
	}

	s.logger.Info("Uploaded audio clip",
		zap.String("object", objectName),
		zap.Int("size_bytes", len(clip.Data)),
	)
	return fmt.Sprintf("%s/%s", s.bucket, objectName), nil
}
