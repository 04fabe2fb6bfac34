package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/models"
)

// AudioRecorder is the platform audio capture stream. Start opens the
// stream at a fixed sample rate; Stop closes it and returns the final
// buffer. Implementations are provided by the platform binding.
type AudioRecorder interface {
	Start(ctx context.Context) error
	Stop() (*models.AudioClip, error)
}

// PermissionProvider answers whether microphone capture is allowed.
// Requesting permission is the platform layer's concern.
type PermissionProvider interface {
	HasMicrophonePermission(ctx context.Context) bool
}

// VoiceOverSession manages one audio capture lifecycle. Recording is
// auto-stopped by a timer once the duration ceiling is reached, bounding
// resource use without a blocking wait.
type VoiceOverSession struct {
	recorder    AudioRecorder
	maxDuration time.Duration
	startedAt   time.Time
	timer       *time.Timer
	logger      *zap.Logger

	mu      sync.Mutex
	stopped bool
	clip    *models.AudioClip
	stopErr error
}

// beginVoiceOver checks permission, opens the capture stream and arms the
// auto-stop timer.
func beginVoiceOver(ctx context.Context, recorder AudioRecorder, perms PermissionProvider, maxDuration time.Duration, logger *zap.Logger) (*VoiceOverSession, error) {
	if !perms.HasMicrophonePermission(ctx) {
		return nil, ErrPermissionDenied
	}

	if err := recorder.Start(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s := &VoiceOverSession{
		recorder:    recorder,
		maxDuration: maxDuration,
		startedAt:   time.Now(),
		logger:      logger,
	}
	s.timer = time.AfterFunc(maxDuration, s.autoStop)
	return s, nil
}

// stopStream stops the recorder exactly once and caches the final buffer.
// Finish and the auto-stop timer may race; the mutex serializes them so
// the final buffer is read only after the stream has stopped.
func (s *VoiceOverSession) stopStream() (*models.AudioClip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return s.clip, s.stopErr
	}
	s.stopped = true

	clip, err := s.recorder.Stop()
	if clip != nil && clip.Duration > s.maxDuration {
		clip.Duration = s.maxDuration
	}
	s.clip, s.stopErr = clip, err
	return clip, err
}

func (s *VoiceOverSession) autoStop() {
	s.logger.Info("Voice-over auto-stopped at duration ceiling",
		zap.Duration("max_duration", s.maxDuration),
	)
	s.stopStream()
}

// Finish stops the stream and assembles the candidate voice-over payload
// together with the captured clip. It fails with ErrEmptyRecording if no
// audio was captured.
func (s *VoiceOverSession) Finish() (*models.VoiceOverPayload, *models.AudioClip, error) {
	s.timer.Stop()

	clip, err := s.stopStream()
	if err != nil {
		return nil, nil, err
	}
	if clip == nil || clip.Duration <= 0 || len(clip.Data) == 0 {
		return nil, nil, ErrEmptyRecording
	}

	payload := &models.VoiceOverPayload{
		Duration:  clip.Duration.Seconds(),
		SizeBytes: int64(len(clip.Data)),
		Format:    clip.Format,
	}
	return payload, clip, nil
}

// Cancel stops the stream and discards whatever was captured.
func (s *VoiceOverSession) Cancel() {
	s.timer.Stop()
	_, _ = s.stopStream()
}
