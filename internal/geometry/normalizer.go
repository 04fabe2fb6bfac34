// Package geometry converts raw pointer samples into bounded,
// device-independent drawing points.
package geometry

import (
	"time"

	"github.com/videocoach/annotation-engine/internal/models"
)

// RawSample is a pointer/touch event as delivered by an input device.
type RawSample struct {
	X        float64
	Y        float64
	Pressure float64
	At       time.Time
}

// CanvasBounds is the visible drawing area at capture time.
type CanvasBounds struct {
	Width  float64
	Height float64
}

// Normalize converts a raw sample into a DrawingPoint. Coordinates are
// clamped to the canvas, pressure to [0,1], and the timestamp is made
// relative to the session start. It never fails; out-of-bounds input is
// clamped, not rejected.
func Normalize(s RawSample, bounds CanvasBounds, sessionStart time.Time) models.DrawingPoint {
	offset := s.At.Sub(sessionStart).Milliseconds()
	if offset < 0 {
		offset = 0
	}

	return models.DrawingPoint{
		X:            clamp(s.X, 0, bounds.Width),
		Y:            clamp(s.Y, 0, bounds.Height),
		Pressure:     clamp(s.Pressure, 0, 1),
		TimeOffsetMs: offset,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
