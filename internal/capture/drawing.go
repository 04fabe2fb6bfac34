package capture

import (
	"time"

	"github.com/videocoach/annotation-engine/internal/geometry"
	"github.com/videocoach/annotation-engine/internal/models"
)

// Style is the drawing style supplied at session start and fixed for the
// whole session.
type Style struct {
	Color       string
	StrokeWidth float64
	Filled      bool
	Opacity     float64
}

// DrawingSession accumulates a normalized point stream into a candidate
// drawing annotation. The point buffer is bounded: once the cap is
// reached further points are silently dropped rather than erroring, so
// capture never throws mid-gesture and a usable (if incomplete) gesture
// is preserved.
type DrawingSession struct {
	tool      models.DrawingTool
	style     Style
	bounds    geometry.CanvasBounds
	startedAt time.Time
	points    []models.DrawingPoint
	truncated bool
}

// newDrawingSession seeds the session with one normalized point.
func newDrawingSession(tool models.DrawingTool, style Style, bounds geometry.CanvasBounds, first geometry.RawSample) *DrawingSession {
	s := &DrawingSession{
		tool:      tool,
		style:     style,
		bounds:    bounds,
		startedAt: first.At,
	}
	s.Append(first)
	return s
}

// Append normalizes and buffers a sample. O(1), never fails; points past
// the cap are dropped.
func (s *DrawingSession) Append(sample geometry.RawSample) {
	if len(s.points) >= models.MaxDrawingPoints {
		s.truncated = true
		return
	}
	s.points = append(s.points, geometry.Normalize(sample, s.bounds, s.startedAt))
}

// PointCount returns the number of buffered points.
func (s *DrawingSession) PointCount() int {
	return len(s.points)
}

// Truncated reports whether any points were dropped at the cap.
func (s *DrawingSession) Truncated() bool {
	return s.truncated
}

// Finish returns the candidate drawing payload and clears the session
// state. It fails with ErrEmptySession if no points were accumulated.
func (s *DrawingSession) Finish() (*models.DrawingPayload, error) {
	if len(s.points) == 0 {
		return nil, ErrEmptySession
	}

	payload := &models.DrawingPayload{
		Tool:        s.tool,
		Points:      s.points,
		Color:       s.style.Color,
		StrokeWidth: s.style.StrokeWidth,
		Filled:      s.style.Filled,
		Opacity:     s.style.Opacity,
	}
	s.points = nil
	return payload, nil
}
