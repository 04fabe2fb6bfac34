// Package handler provides the HTTP handlers for video annotation operations.
package handler

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/cache"
	"github.com/videocoach/annotation-engine/internal/database"
	"github.com/videocoach/annotation-engine/internal/models"
	"github.com/videocoach/annotation-engine/internal/storage"
	"github.com/videocoach/annotation-engine/internal/syncer"
	"github.com/videocoach/annotation-engine/internal/validate"
)

// Handler provides HTTP handlers for video annotation operations.
type Handler struct {
	repo           database.Repository
	cache          cache.Cache
	audio          storage.AudioStore
	publisher      syncer.Publisher
	hub            *syncer.Hub
	maxAnnotations int
	logger         *zap.Logger
}

// NewHandler creates a new annotation handler. The hub and audio store may
// be nil when the corresponding endpoints are not served.
func NewHandler(repo database.Repository, cache cache.Cache, audio storage.AudioStore, publisher syncer.Publisher, hub *syncer.Hub, maxAnnotations int, logger *zap.Logger) *Handler {
	if maxAnnotations <= 0 {
		maxAnnotations = models.DefaultMaxAnnotations
	}
	return &Handler{
		repo:           repo,
		cache:          cache,
		audio:          audio,
		publisher:      publisher,
		hub:            hub,
		maxAnnotations: maxAnnotations,
		logger:         logger,
	}
}

// RegisterRoutes registers the handler routes on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/videos", h.CreateVideo)
	rg.GET("/videos/:id", h.GetVideo)
	rg.GET("/videos/:id/annotations", h.ListAnnotations)
	rg.POST("/videos/:id/annotations", h.AppendAnnotation)
	rg.POST("/videos/:id/voiceovers", h.UploadVoiceOver)
	rg.GET("/videos/:id/subscribe", h.Subscribe)
}

// CreateVideoRequest registers a video for annotation.
type CreateVideoRequest struct {
	ID             string  `json:"id" binding:"required"`
	Duration       float64 `json:"duration" binding:"required,gt=0"`
	MaxAnnotations int     `json:"max_annotations"`
}

// CreateVideo registers a video so annotations can be appended to it.
func (h *Handler) CreateVideo(c *gin.Context) {
	var req CreateVideoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid create video request", zap.Error(err))
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	if req.MaxAnnotations <= 0 {
		req.MaxAnnotations = h.maxAnnotations
	}

	video := &models.Video{
		ID:             req.ID,
		Duration:       req.Duration,
		MaxAnnotations: req.MaxAnnotations,
	}

	ctx := context.Background()
	if err := h.repo.CreateVideo(ctx, video); err != nil {
		h.logger.Error("Failed to create video", zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "failed to create video",
		})
		return
	}

	c.JSON(http.StatusCreated, models.VideoResponse{Data: *video})
}

// GetVideo retrieves a video with its annotations in acceptance order.
func (h *Handler) GetVideo(c *gin.Context) {
	id := c.Param("id")
	ctx := context.Background()

	video, err := h.repo.GetVideo(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrVideoNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error:   "not_found",
				Message: "video not found",
			})
			return
		}
		h.logger.Error("Failed to get video", zap.String("video_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "failed to retrieve video",
		})
		return
	}

	c.JSON(http.StatusOK, models.VideoResponse{Data: *video})
}

// ListAnnotations retrieves a video's annotations, optionally filtered by
// type via the "type" query parameter.
func (h *Handler) ListAnnotations(c *gin.Context) {
	videoID := c.Param("id")
	typeFilter := models.AnnotationType(c.Query("type"))

	if typeFilter != "" && typeFilter != models.AnnotationTypeDrawing && typeFilter != models.AnnotationTypeVoiceOver {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: "unknown annotation type",
			Field:   "type",
		})
		return
	}

	ctx := context.Background()

	// The cache holds the unfiltered list only.
	if typeFilter == "" {
		annotations, found, err := h.cache.GetAnnotations(ctx, videoID)
		if err == nil && found {
			h.logger.Debug("Returning cached annotations", zap.String("video_id", videoID))
			c.JSON(http.StatusOK, models.AnnotationsResponse{Data: annotations})
			return
		}
	}

	annotations, err := h.repo.ListAnnotations(ctx, videoID, typeFilter)
	if err != nil {
		h.logger.Error("Failed to get annotations", zap.String("video_id", videoID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "failed to retrieve annotations",
		})
		return
	}

	if typeFilter == "" {
		_ = h.cache.SetAnnotations(ctx, videoID, annotations)
	}

	c.JSON(http.StatusOK, models.AnnotationsResponse{Data: annotations})
}

// AppendAnnotation validates and appends an annotation to a video's list.
func (h *Handler) AppendAnnotation(c *gin.Context) {
	videoID := c.Param("id")

	var annotation models.Annotation
	if err := c.ShouldBindJSON(&annotation); err != nil {
		h.logger.Warn("Invalid append request", zap.Error(err))
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}
	annotation.VideoID = videoID

	ctx := context.Background()

	video, err := h.repo.GetVideo(ctx, videoID)
	if err != nil {
		if errors.Is(err, database.ErrVideoNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{
				Error:   "not_found",
				Message: "video not found",
			})
			return
		}
		h.logger.Error("Failed to get video", zap.String("video_id", videoID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "failed to retrieve video",
		})
		return
	}

	if verr := validate.Annotation(&annotation, video.Duration); verr != nil {
		c.JSON(http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   "validation_failed",
			Message: verr.Reason,
			Field:   verr.Field,
		})
		return
	}

	record, err := h.repo.AppendAnnotation(ctx, &annotation)
	if err != nil {
		switch {
		case errors.Is(err, database.ErrLimitExceeded):
			c.JSON(http.StatusConflict, models.ErrorResponse{
				Error:   "limit_exceeded",
				Message: "annotation limit reached for this video",
			})
		case errors.Is(err, database.ErrDuplicateID):
			c.JSON(http.StatusConflict, models.ErrorResponse{
				Error:   "duplicate_id",
				Message: "annotation id already appended",
			})
		default:
			h.logger.Error("Failed to append annotation", zap.String("video_id", videoID), zap.Error(err))
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{
				Error:   "internal_error",
				Message: "failed to append annotation",
			})
		}
		return
	}

	_ = h.cache.Invalidate(ctx, videoID)

	if h.publisher != nil {
		annotation.SyncStatus = models.SyncStatusAccepted
		if err := h.publisher.Publish(ctx, videoID, annotation); err != nil {
			h.logger.Warn("Broadcast failed", zap.String("annotation_id", annotation.ID), zap.Error(err))
		}
	}

	c.JSON(http.StatusCreated, models.AcceptanceResponse{Data: *record})
}

// UploadVoiceOver stores a voice-over audio blob and returns its URL. The
// annotation referencing it is appended separately.
func (h *Handler) UploadVoiceOver(c *gin.Context) {
	videoID := c.Param("id")

	if h.audio == nil {
		c.JSON(http.StatusNotImplemented, models.ErrorResponse{
			Error:   "not_supported",
			Message: "audio storage is not configured",
		})
		return
	}

	file, header, err := c.Request.FormFile("audio")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: "missing audio file",
			Field:   "audio",
		})
		return
	}
	defer file.Close()

	format := header.Header.Get("Content-Type")
	if !models.IsSupportedAudioFormat(format) {
		c.JSON(http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   "validation_failed",
			Message: "unsupported audio format",
			Field:   "format",
		})
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, models.MaxAudioSizeBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Message: "failed to read audio file",
			Field:   "audio",
		})
		return
	}
	if int64(len(data)) > models.MaxAudioSizeBytes {
		c.JSON(http.StatusUnprocessableEntity, models.ErrorResponse{
			Error:   "validation_failed",
			Message: "audio file too large",
			Field:   "size_bytes",
		})
		return
	}

	annotationID := c.PostForm("annotation_id")
	if annotationID == "" {
		annotationID = uuid.NewString()
	}

	ctx := context.Background()
	url, err := h.audio.Put(ctx, videoID, annotationID, &models.AudioClip{
		Data:   data,
		Format: format,
	})
	if err != nil {
		h.logger.Error("Failed to store audio clip", zap.String("video_id", videoID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "internal_error",
			Message: "failed to store audio clip",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": gin.H{"audio_url": url, "annotation_id": annotationID}})
}

// Subscribe upgrades the request to a websocket feed of the video's
// accepted annotations.
func (h *Handler) Subscribe(c *gin.Context) {
	if h.hub == nil {
		c.JSON(http.StatusNotImplemented, models.ErrorResponse{
			Error:   "not_supported",
			Message: "real-time sync is not configured",
		})
		return
	}
	h.hub.HandleSubscribe(c.Writer, c.Request, c.Param("id"))
}
