// Package validate checks structural invariants on candidate annotations
// before they are persisted. All checks are pure; failures are returned as
// structured, field-attributed reasons rather than raw errors so callers
// can surface them for correction.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/videocoach/annotation-engine/internal/models"
)

// ValidationError names the first field that failed validation and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

var hexColorRe = regexp.MustCompile(`^#[0-9A-F]{6}([0-9A-F]{2})?$`)

// NormalizeHexColor upper-cases a hex color and expands the short #RGB form
// to #RRGGBB. The second return value reports whether the input is a valid
// hex color at all.
func NormalizeHexColor(color string) (string, bool) {
	if !strings.HasPrefix(color, "#") {
		return "", false
	}
	color = strings.ToUpper(color)
	if len(color) == 4 {
		var b strings.Builder
		b.WriteByte('#')
		for _, c := range color[1:] {
			b.WriteRune(c)
			b.WriteRune(c)
		}
		color = b.String()
	}
	if !hexColorRe.MatchString(color) {
		return "", false
	}
	return color, true
}

// Annotation validates a candidate annotation against the video's known
// duration. It returns nil when the candidate is structurally valid.
func Annotation(a *models.Annotation, videoDuration float64) *ValidationError {
	if a.ID == "" {
		return &ValidationError{Field: "id", Reason: "client-generated identity is required"}
	}
	if a.Timestamp < 0 {
		return &ValidationError{Field: "timestamp", Reason: "anchor timestamp cannot be negative"}
	}
	if videoDuration > 0 && a.Timestamp > videoDuration {
		return &ValidationError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("anchor timestamp %.2f exceeds video duration %.2f", a.Timestamp, videoDuration),
		}
	}

	switch a.Type {
	case models.AnnotationTypeDrawing:
		if a.Drawing == nil {
			return &ValidationError{Field: "drawing", Reason: "drawing payload is required"}
		}
		if a.VoiceOver != nil {
			return &ValidationError{Field: "voice_over", Reason: "drawing annotation cannot carry a voice-over payload"}
		}
		return drawing(a.Drawing)
	case models.AnnotationTypeVoiceOver:
		if a.VoiceOver == nil {
			return &ValidationError{Field: "voice_over", Reason: "voice-over payload is required"}
		}
		if a.Drawing != nil {
			return &ValidationError{Field: "drawing", Reason: "voice-over annotation cannot carry a drawing payload"}
		}
		return voiceOver(a.VoiceOver)
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown annotation type %q", a.Type)}
	}
}

func drawing(d *models.DrawingPayload) *ValidationError {
	if !models.IsValidTool(d.Tool) {
		return &ValidationError{Field: "drawing.tool", Reason: fmt.Sprintf("unknown tool %q", d.Tool)}
	}
	if len(d.Points) == 0 {
		return &ValidationError{Field: "drawing.points", Reason: "points sequence cannot be empty"}
	}
	if len(d.Points) > models.MaxDrawingPoints {
		return &ValidationError{
			Field:  "drawing.points",
			Reason: fmt.Sprintf("point count %d exceeds cap %d", len(d.Points), models.MaxDrawingPoints),
		}
	}

	// Vector shapes are defined by exactly two points: endpoints for
	// line/arrow, opposite corners for rectangle/circle.
	switch d.Tool {
	case models.ToolLine, models.ToolArrow, models.ToolRectangle, models.ToolCircle:
		if len(d.Points) != 2 {
			return &ValidationError{
				Field:  "drawing.points",
				Reason: fmt.Sprintf("%s must have exactly 2 points", d.Tool),
			}
		}
	}

	// Defense in depth: points are clamped at capture time, so anything
	// out of range here came from an untrusted path.
	for i, p := range d.Points {
		if p.X < 0 || p.X > models.MaxCoordinate || p.Y < 0 || p.Y > models.MaxCoordinate {
			return &ValidationError{
				Field:  fmt.Sprintf("drawing.points[%d]", i),
				Reason: fmt.Sprintf("coordinates must be within [0, %.0f]", models.MaxCoordinate),
			}
		}
		if p.Pressure < 0 || p.Pressure > 1 {
			return &ValidationError{
				Field:  fmt.Sprintf("drawing.points[%d].pressure", i),
				Reason: "pressure must be within [0, 1]",
			}
		}
	}

	if _, ok := NormalizeHexColor(d.Color); !ok {
		return &ValidationError{Field: "drawing.color", Reason: fmt.Sprintf("invalid hex color %q", d.Color)}
	}
	if d.StrokeWidth < models.MinStrokeWidth || d.StrokeWidth > models.MaxStrokeWidth {
		return &ValidationError{
			Field:  "drawing.stroke_width",
			Reason: fmt.Sprintf("stroke width must be within [%.1f, %.1f]", models.MinStrokeWidth, models.MaxStrokeWidth),
		}
	}
	if d.Opacity < 0 || d.Opacity > 1 {
		return &ValidationError{Field: "drawing.opacity", Reason: "opacity must be within [0, 1]"}
	}

	return nil
}

func voiceOver(v *models.VoiceOverPayload) *ValidationError {
	if !models.IsSupportedAudioFormat(v.Format) {
		return &ValidationError{
			Field:  "voice_over.format",
			Reason: fmt.Sprintf("unsupported format %q, must be one of %v", v.Format, models.SupportedAudioFormats),
		}
	}
	maxDuration := models.MaxVoiceOverDuration.Seconds()
	if v.Duration <= 0 || v.Duration > maxDuration {
		return &ValidationError{
			Field:  "voice_over.duration",
			Reason: fmt.Sprintf("duration must be within (0, %.0f] seconds", maxDuration),
		}
	}
	if v.SizeBytes <= 0 || v.SizeBytes > models.MaxAudioSizeBytes {
		return &ValidationError{
			Field:  "voice_over.size_bytes",
			Reason: fmt.Sprintf("size must be within (0, %d] bytes", int64(models.MaxAudioSizeBytes)),
		}
	}
	return nil
}
