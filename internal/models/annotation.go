// Package models contains the data models for the annotation engine.
package models

import (
	"time"
)

// AnnotationType discriminates the two annotation variants.
type AnnotationType string

const (
	AnnotationTypeDrawing   AnnotationType = "drawing"
	AnnotationTypeVoiceOver AnnotationType = "voice-over"
)

// SyncStatus tracks an annotation's progress through persistence.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusAccepted SyncStatus = "accepted"
	SyncStatusRejected SyncStatus = "rejected"
)

// DrawingTool identifies the shape tool used for a drawing annotation.
type DrawingTool string

const (
	ToolFreehand  DrawingTool = "freehand"
	ToolLine      DrawingTool = "line"
	ToolArrow     DrawingTool = "arrow"
	ToolRectangle DrawingTool = "rectangle"
	ToolCircle    DrawingTool = "circle"
)

// Structural limits shared by capture, validation and the server.
const (
	// MaxDrawingPoints bounds the point buffer of a single drawing.
	MaxDrawingPoints = 10000

	// MaxCoordinate is the largest normalized coordinate value accepted.
	MaxCoordinate = 10000.0

	MinStrokeWidth = 0.5
	MaxStrokeWidth = 50.0

	// MaxVoiceOverDuration caps a single voice-over recording.
	MaxVoiceOverDuration = 300 * time.Second

	// MaxAudioSizeBytes caps a voice-over audio blob (50 MiB).
	MaxAudioSizeBytes = 52_428_800

	// DefaultMaxAnnotations is the per-video annotation list cardinality cap.
	DefaultMaxAnnotations = 500
)

// SupportedAudioFormats is the allow-list of voice-over encodings.
var SupportedAudioFormats = []string{"audio/mp3", "audio/wav", "audio/m4a"}

// IsSupportedAudioFormat reports whether format is in the allow-list.
func IsSupportedAudioFormat(format string) bool {
	for _, f := range SupportedAudioFormats {
		if f == format {
			return true
		}
	}
	return false
}

// IsValidTool reports whether tool is one of the fixed drawing tools.
func IsValidTool(tool DrawingTool) bool {
	switch tool {
	case ToolFreehand, ToolLine, ToolArrow, ToolRectangle, ToolCircle:
		return true
	}
	return false
}

// DrawingPoint is a single normalized pointer sample. Coordinates and
// pressure are clamped at capture time; TimeOffsetMs is relative to the
// capture session start.
type DrawingPoint struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Pressure     float64 `json:"pressure"`
	TimeOffsetMs int64   `json:"time_offset_ms"`
}

// DrawingPayload holds the drawing-specific annotation data. Style fields
// are fixed for the whole drawing session.
type DrawingPayload struct {
	Tool        DrawingTool    `json:"tool"`
	Points      []DrawingPoint `json:"points"`
	Color       string         `json:"color"`
	StrokeWidth float64        `json:"stroke_width"`
	Filled      bool           `json:"filled"`
	Opacity     float64        `json:"opacity"`
}

// VoiceOverPayload holds the voice-over-specific annotation data.
type VoiceOverPayload struct {
	AudioURL  string  `json:"audio_url"`
	Duration  float64 `json:"duration"`
	SizeBytes int64   `json:"size_bytes"`
	Format    string  `json:"format"`
}

// Annotation is an annotation anchored to a video playback position.
// Exactly one of Drawing or VoiceOver is set, matching Type. ID is the
// client-generated identity used for deduplication across retries and
// broadcasts.
type Annotation struct {
	ID         string            `json:"id"`
	VideoID    string            `json:"video_id"`
	UserID     string            `json:"user_id"`
	Type       AnnotationType    `json:"type"`
	Timestamp  float64           `json:"timestamp"`
	Drawing    *DrawingPayload   `json:"drawing,omitempty"`
	VoiceOver  *VoiceOverPayload `json:"voice_over,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	SyncStatus SyncStatus        `json:"sync_status"`
}

// AudioClip is a captured audio recording that has not yet been uploaded.
type AudioClip struct {
	Data     []byte
	Format   string
	Duration time.Duration
}

// Video is the annotated entity. Annotations are append-only and returned
// in insertion order.
type Video struct {
	ID             string       `json:"id"`
	Duration       float64      `json:"duration"`
	MaxAnnotations int          `json:"max_annotations"`
	Annotations    []Annotation `json:"annotations"`
}

// AcceptanceRecord is the server's acknowledgement of a persisted annotation.
type AcceptanceRecord struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"seq"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// AnnotationResponse wraps a single annotation in the API response.
type AnnotationResponse struct {
	Data Annotation `json:"data"`
}

// AnnotationsResponse wraps multiple annotations in the API response.
type AnnotationsResponse struct {
	Data []Annotation `json:"data"`
}

// VideoResponse wraps a video in the API response.
type VideoResponse struct {
	Data Video `json:"data"`
}

// AcceptanceResponse wraps an acceptance record in the API response.
type AcceptanceResponse struct {
	Data AcceptanceRecord `json:"data"`
}

// ErrorResponse represents an error response from the API. Field carries
// the offending field name for validation failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
}
