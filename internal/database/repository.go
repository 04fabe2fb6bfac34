// Package database provides PostgreSQL persistence for videos and their
// append-only annotation lists.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/config"
	"github.com/videocoach/annotation-engine/internal/models"
)

var (
	// ErrVideoNotFound is returned when the referenced video does not exist.
	ErrVideoNotFound = errors.New("video not found")

	// ErrLimitExceeded is returned when a video's annotation list is full.
	ErrLimitExceeded = errors.New("annotation limit exceeded")

	// ErrDuplicateID is returned when an annotation identity was already
	// appended, typically a replay of a write that landed earlier.
	ErrDuplicateID = errors.New("duplicate annotation id")
)

// Repository defines the interface for video and annotation persistence.
type Repository interface {
	// CreateVideo registers a video so annotations can be appended to it.
	CreateVideo(ctx context.Context, video *models.Video) error

	// GetVideo retrieves a video with its annotations in acceptance order.
	GetVideo(ctx context.Context, id string) (*models.Video, error)

	// ListAnnotations retrieves a video's annotations in acceptance order,
	// optionally filtered by type.
	ListAnnotations(ctx context.Context, videoID string, typeFilter models.AnnotationType) ([]models.Annotation, error)

	// AppendAnnotation appends an annotation to a video's list, enforcing
	// the per-video cardinality cap and identity uniqueness.
	AppendAnnotation(ctx context.Context, a *models.Annotation) (*models.AcceptanceRecord, error)

	// Close closes the database connection.
	Close()
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(cfg *config.Config, logger *zap.Logger) (Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &PostgresRepository{
		pool:   pool,
		logger: logger,
	}

	if err := repo.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Connected to PostgreSQL database")
	return repo, nil
}

// migrate creates the necessary database tables if they don't exist.
func (r *PostgresRepository) migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS videos (
			id VARCHAR(128) PRIMARY KEY,
			duration DOUBLE PRECISION NOT NULL,
			max_annotations INTEGER NOT NULL DEFAULT 500,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS annotations (
			id UUID PRIMARY KEY,
			video_id VARCHAR(128) NOT NULL REFERENCES videos(id),
			user_id VARCHAR(128) NOT NULL,
			seq BIGSERIAL,
			type VARCHAR(16) NOT NULL,
			video_timestamp DOUBLE PRECISION NOT NULL,
			payload JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_annotations_video_seq ON annotations(video_id, seq);
	`

	_, err := r.pool.Exec(ctx, query)
	return err
}

// CreateVideo registers a video.
func (r *PostgresRepository) CreateVideo(ctx context.Context, video *models.Video) error {
	if video.MaxAnnotations <= 0 {
		video.MaxAnnotations = models.DefaultMaxAnnotations
	}

	query := `
		INSERT INTO videos (id, duration, max_annotations)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query, video.ID, video.Duration, video.MaxAnnotations)
	if err != nil {
		r.logger.Error("Failed to create video", zap.String("video_id", video.ID), zap.Error(err))
		return fmt.Errorf("failed to create video: %w", err)
	}

	r.logger.Info("Created video", zap.String("video_id", video.ID))
	return nil
}

// GetVideo retrieves a video with its annotations.
func (r *PostgresRepository) GetVideo(ctx context.Context, id string) (*models.Video, error) {
	query := `
		SELECT id, duration, max_annotations
		FROM videos
		WHERE id = $1
	`

	var video models.Video
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&video.ID,
		&video.Duration,
		&video.MaxAnnotations,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get video", zap.String("video_id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	// The engine's local view preserves append order, so the embedded
	// list stays in acceptance order.
	annotations, err := r.listAnnotations(ctx, id, "", "seq")
	if err != nil {
		return nil, err
	}
	video.Annotations = annotations

	return &video, nil
}

// ListAnnotations retrieves a video's annotations ordered by anchor
// timestamp, optionally filtered by type. Annotations sharing an anchor
// keep their acceptance order.
func (r *PostgresRepository) ListAnnotations(ctx context.Context, videoID string, typeFilter models.AnnotationType) ([]models.Annotation, error) {
	return r.listAnnotations(ctx, videoID, typeFilter, "video_timestamp, seq")
}

func (r *PostgresRepository) listAnnotations(ctx context.Context, videoID string, typeFilter models.AnnotationType, orderBy string) ([]models.Annotation, error) {
	query := `
		SELECT id, video_id, user_id, type, video_timestamp, payload, created_at
		FROM annotations
		WHERE video_id = $1
	`
	args := []any{videoID}

	if typeFilter != "" {
		query += ` AND type = $2`
		args = append(args, string(typeFilter))
	}
	query += ` ORDER BY ` + orderBy

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to get annotations", zap.String("video_id", videoID), zap.Error(err))
		return nil, fmt.Errorf("failed to get annotations: %w", err)
	}
	defer rows.Close()

	var annotations []models.Annotation
	for rows.Next() {
		var annotation models.Annotation
		var payload []byte
		err := rows.Scan(
			&annotation.ID,
			&annotation.VideoID,
			&annotation.UserID,
			&annotation.Type,
			&annotation.Timestamp,
			&payload,
			&annotation.CreatedAt,
		)
		if err != nil {
			r.logger.Error("Failed to scan annotation row", zap.Error(err))
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		if err := unmarshalPayload(&annotation, payload); err != nil {
			r.logger.Error("Failed to decode annotation payload", zap.String("id", annotation.ID), zap.Error(err))
			return nil, fmt.Errorf("failed to decode annotation payload: %w", err)
		}
		annotation.SyncStatus = models.SyncStatusAccepted
		annotations = append(annotations, annotation)
	}

	if annotations == nil {
		annotations = []models.Annotation{}
	}

	return annotations, nil
}

// AppendAnnotation appends an annotation inside a transaction so the
// cardinality check and the insert see a consistent count.
func (r *PostgresRepository) AppendAnnotation(ctx context.Context, a *models.Annotation) (*models.AcceptanceRecord, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var maxAnnotations int
	err = tx.QueryRow(ctx, `SELECT max_annotations FROM videos WHERE id = $1 FOR UPDATE`, a.VideoID).
		Scan(&maxAnnotations)
	if err == pgx.ErrNoRows {
		return nil, ErrVideoNotFound
	}
	if err != nil {
		r.logger.Error("Failed to lock video row", zap.String("video_id", a.VideoID), zap.Error(err))
		return nil, fmt.Errorf("failed to lock video: %w", err)
	}

	var count int
	err = tx.QueryRow(ctx, `SELECT COUNT(*) FROM annotations WHERE video_id = $1`, a.VideoID).
		Scan(&count)
	if err != nil {
		return nil, fmt.Errorf("failed to count annotations: %w", err)
	}
	if count >= maxAnnotations {
		return nil, ErrLimitExceeded
	}

	payload, err := marshalPayload(a)
	if err != nil {
		return nil, fmt.Errorf("failed to encode annotation payload: %w", err)
	}

	record := models.AcceptanceRecord{
		ID:         a.ID,
		AcceptedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO annotations (id, video_id, user_id, type, video_timestamp, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`

	err = tx.QueryRow(ctx, query,
		a.ID,
		a.VideoID,
		a.UserID,
		string(a.Type),
		a.Timestamp,
		payload,
		record.AcceptedAt,
	).Scan(&record.Seq)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateID
		}
		r.logger.Error("Failed to append annotation", zap.String("id", a.ID), zap.Error(err))
		return nil, fmt.Errorf("failed to append annotation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit annotation: %w", err)
	}

	r.logger.Info("Appended annotation",
		zap.String("id", a.ID),
		zap.String("video_id", a.VideoID),
		zap.Int64("seq", record.Seq),
	)
	return &record, nil
}

// Close closes the database connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
	r.logger.Info("Closed database connection")
}

// marshalPayload serializes the variant payload for the jsonb column.
func marshalPayload(a *models.Annotation) ([]byte, error) {
	switch a.Type {
	case models.AnnotationTypeDrawing:
		return json.Marshal(a.Drawing)
	case models.AnnotationTypeVoiceOver:
		return json.Marshal(a.VoiceOver)
	}
	return nil, fmt.Errorf("unknown annotation type %q", a.Type)
}

// unmarshalPayload restores the variant payload from the jsonb column.
func unmarshalPayload(a *models.Annotation, payload []byte) error {
	switch a.Type {
	case models.AnnotationTypeDrawing:
		a.Drawing = &models.DrawingPayload{}
		return json.Unmarshal(payload, a.Drawing)
	case models.AnnotationTypeVoiceOver:
		a.VoiceOver = &models.VoiceOverPayload{}
		return json.Unmarshal(payload, a.VoiceOver)
	}
	return fmt.Errorf("unknown annotation type %q", a.Type)
}
