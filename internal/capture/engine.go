package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/geometry"
	"github.com/videocoach/annotation-engine/internal/models"
	"github.com/videocoach/annotation-engine/internal/offline"
	"github.com/videocoach/annotation-engine/internal/storeclient"
	"github.com/videocoach/annotation-engine/internal/syncer"
	"github.com/videocoach/annotation-engine/internal/validate"
)

// VideoService is the persistence boundary consumed by the engine,
// satisfied by storeclient.Client.
type VideoService interface {
	GetVideo(ctx context.Context, videoID string) (*models.Video, error)
	AppendAnnotation(ctx context.Context, videoID string, a *models.Annotation) (*models.AcceptanceRecord, error)
}

// AudioUploader stores a captured voice-over clip and returns the audio
// resource URL.
type AudioUploader interface {
	Upload(ctx context.Context, videoID, annotationID string, clip *models.AudioClip) (string, error)
}

// Config wires an Engine for one video-viewing context.
type Config struct {
	VideoID string
	UserID  string
	Canvas  geometry.CanvasBounds

	Store        VideoService
	Uploader     AudioUploader
	Publisher    syncer.Publisher
	Recorder     AudioRecorder
	Permissions  PermissionProvider
	Connectivity offline.ConnectivitySignal
	Logger       *zap.Logger

	// MaxVoiceOverDuration defaults to models.MaxVoiceOverDuration.
	MaxVoiceOverDuration time.Duration
}

// Engine is the capture engine for a single video-viewing context: one
// capture session at a time, an optimistic local annotation view, an
// offline queue with ordered replay, and broadcast of accepted
// annotations.
type Engine struct {
	cfg     Config
	machine *StateMachine
	logger  *zap.Logger

	mu      sync.Mutex
	drawing *DrawingSession
	voice   *VoiceOverSession
	anchor  float64
	lastErr error

	videoDuration float64

	queue      *offline.Queue
	reconciler *offline.Reconciler
	view       *syncer.LocalView

	clipMu       sync.Mutex
	pendingClips map[string]*models.AudioClip
}

// New creates an Engine. Store and Logger are required; Recorder,
// Permissions and Uploader are only needed for voice-over capture.
func New(cfg Config) (*Engine, error) {
	if cfg.VideoID == "" {
		return nil, errors.New("capture: VideoID is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("capture: Store is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("capture: Logger is required")
	}
	if cfg.MaxVoiceOverDuration <= 0 {
		cfg.MaxVoiceOverDuration = models.MaxVoiceOverDuration
	}

	e := &Engine{
		cfg:          cfg,
		machine:      NewStateMachine(),
		logger:       cfg.Logger.With(zap.String("video_id", cfg.VideoID)),
		queue:        offline.NewQueue(cfg.Logger),
		view:         syncer.NewLocalView(),
		pendingClips: make(map[string]*models.AudioClip),
	}

	if cfg.Connectivity != nil {
		e.reconciler = offline.NewReconciler(
			e.queue,
			replayPersister{engine: e},
			cfg.Connectivity,
			e.onReplayAccepted,
			e.onReplayRejected,
			cfg.Logger,
		)
	}

	return e, nil
}

// Start loads the video's duration and existing annotations into the
// local view and begins listening for connectivity changes. A
// connectivity failure here is not fatal: the engine proceeds with an
// unknown duration (the upper anchor bound is then enforced server-side)
// and syncs once online.
func (e *Engine) Start(ctx context.Context) error {
	video, err := e.cfg.Store.GetVideo(ctx, e.cfg.VideoID)
	if err != nil {
		if storeclient.IsConnectivity(err) {
			e.logger.Warn("Starting without video metadata, store unreachable", zap.Error(err))
		} else {
			return err
		}
	} else {
		e.mu.Lock()
		e.videoDuration = video.Duration
		e.mu.Unlock()
		for _, a := range video.Annotations {
			a.SyncStatus = models.SyncStatusAccepted
			e.view.Merge(a)
		}
	}

	if e.reconciler != nil {
		e.reconciler.Start(ctx)
	}
	return nil
}

// State returns the observable capture state for UI reflection.
func (e *Engine) State() State {
	return e.machine.Current()
}

// LastError returns the most recent capture or persistence error.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Annotations returns the local annotation view in append order,
// including optimistic entries still pending sync.
func (e *Engine) Annotations() []models.Annotation {
	return e.view.Snapshot()
}

// QueuedCount returns the number of writes awaiting replay.
func (e *Engine) QueuedCount() int {
	return e.queue.Len(e.cfg.VideoID)
}

// HandleRemote merges an annotation received from the real-time channel.
// An identity already present locally (for instance one this session
// created) is ignored. It returns true when the annotation was added.
func (e *Engine) HandleRemote(a models.Annotation) bool {
	a.SyncStatus = models.SyncStatusAccepted
	added := e.view.Merge(a)
	if added {
		e.logger.Debug("Merged remote annotation", zap.String("annotation_id", a.ID))
	}
	return added
}

// BeginDrawing starts a drawing session at the given anchor timestamp,
// seeded with the first pointer sample. Fails with ErrInvalidState unless
// the engine is Idle.
func (e *Engine) BeginDrawing(tool models.DrawingTool, style Style, anchor float64, first geometry.RawSample) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.machine.Fire(EventBeginDrawing); err != nil {
		return err
	}

	e.drawing = newDrawingSession(tool, style, e.cfg.Canvas, first)
	e.anchor = anchor
	e.logger.Info("Drawing session started",
		zap.String("tool", string(tool)),
		zap.Float64("anchor", anchor),
	)
	return nil
}

// AppendPoint adds a pointer sample to the active drawing session. It is
// a no-op outside the Drawing state and never fails; it runs on the
// input-event path.
func (e *Engine) AppendPoint(sample geometry.RawSample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.machine.Current() != StateDrawing || e.drawing == nil {
		return
	}
	e.drawing.Append(sample)
}

// FinishDrawing completes the drawing session, validates the candidate
// and persists it (or queues it when offline). The candidate annotation
// is returned even on validation failure so the caller can surface it.
func (e *Engine) FinishDrawing(ctx context.Context) (*models.Annotation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.machine.Fire(EventFinishCapture); err != nil {
		return nil, err
	}
	if e.drawing == nil {
		e.fail(ErrEmptySession)
		return nil, ErrEmptySession
	}

	payload, err := e.drawing.Finish()
	e.drawing = nil
	if err != nil {
		e.fail(err)
		return nil, err
	}

	candidate := e.newCandidate(models.AnnotationTypeDrawing)
	candidate.Drawing = payload

	return e.process(ctx, candidate)
}

// BeginVoiceOver starts an audio capture session at the given anchor
// timestamp. Fails with ErrInvalidState unless Idle, ErrPermissionDenied
// without microphone permission, or ErrDeviceUnavailable if the stream
// cannot be opened.
func (e *Engine) BeginVoiceOver(ctx context.Context, anchor float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.machine.Fire(EventBeginRecording); err != nil {
		return err
	}

	if e.cfg.Recorder == nil || e.cfg.Permissions == nil {
		e.machine.Reset()
		return fmt.Errorf("%w: no audio recorder configured", ErrDeviceUnavailable)
	}

	session, err := beginVoiceOver(ctx, e.cfg.Recorder, e.cfg.Permissions, e.cfg.MaxVoiceOverDuration, e.logger)
	if err != nil {
		e.machine.Reset()
		e.lastErr = err
		return err
	}

	e.voice = session
	e.anchor = anchor
	e.logger.Info("Voice-over session started", zap.Float64("anchor", anchor))
	return nil
}

// FinishVoiceOver stops the recording, validates the candidate and
// persists it (or queues it when offline).
func (e *Engine) FinishVoiceOver(ctx context.Context) (*models.Annotation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.machine.Fire(EventFinishCapture); err != nil {
		return nil, err
	}
	if e.voice == nil {
		e.fail(ErrEmptyRecording)
		return nil, ErrEmptyRecording
	}

	payload, clip, err := e.voice.Finish()
	e.voice = nil
	if err != nil {
		e.fail(err)
		return nil, err
	}

	candidate := e.newCandidate(models.AnnotationTypeVoiceOver)
	candidate.VoiceOver = payload

	e.clipMu.Lock()
	e.pendingClips[candidate.ID] = clip
	e.clipMu.Unlock()

	return e.process(ctx, candidate)
}

// Cancel interrupts any in-flight capture and returns the engine to Idle,
// discarding the candidate. No partial write is ever persisted. It also
// serves as the memory-pressure handler.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.voice != nil {
		e.voice.Cancel()
		e.voice = nil
	}
	e.drawing = nil

	if prior := e.machine.Reset(); prior != StateIdle {
		e.logger.Info("Capture cancelled", zap.String("interrupted_state", prior.String()))
	}
	e.lastErr = nil
}

// ClearError acknowledges the last error and returns to Idle.
func (e *Engine) ClearError() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.machine.Fire(EventClear); err != nil {
		return err
	}
	e.lastErr = nil
	return nil
}

// Reconcile forces a replay attempt of this video's queued writes.
func (e *Engine) Reconcile(ctx context.Context) error {
	return e.queue.Replay(ctx, e.cfg.VideoID, replayPersister{engine: e}, e.onReplayAccepted, e.onReplayRejected)
}

// newCandidate builds the common annotation envelope. The identity is
// generated here, before any network round trip, so it is stable across
// retries.
func (e *Engine) newCandidate(t models.AnnotationType) *models.Annotation {
	return &models.Annotation{
		ID:         uuid.NewString(),
		VideoID:    e.cfg.VideoID,
		UserID:     e.cfg.UserID,
		Type:       t,
		Timestamp:  e.anchor,
		CreatedAt:  time.Now().UTC(),
		SyncStatus: models.SyncStatusPending,
	}
}

// process validates a finished candidate and drives it through
// persistence. Called with e.mu held, in the Processing state.
func (e *Engine) process(ctx context.Context, candidate *models.Annotation) (*models.Annotation, error) {
	if verr := validate.Annotation(candidate, e.videoDuration); verr != nil {
		candidate.SyncStatus = models.SyncStatusRejected
		e.discardClip(candidate.ID)
		e.fail(verr)
		e.logger.Warn("Candidate rejected",
			zap.String("annotation_id", candidate.ID),
			zap.String("field", verr.Field),
			zap.String("reason", verr.Reason),
		)
		return candidate, verr
	}

	// Optimistic local append: the annotation appears immediately with a
	// pending status until reconciled.
	e.view.Merge(*candidate)

	rec, err := e.persist(ctx, candidate)
	switch {
	case err == nil:
		e.accept(ctx, *candidate, rec)
		_ = e.machine.Fire(EventPersisted)
		return candidate, nil

	case errors.Is(err, storeclient.ErrAlreadyExists):
		// A previous attempt for this identity landed.
		e.accept(ctx, *candidate, nil)
		_ = e.machine.Fire(EventPersisted)
		return candidate, nil

	case storeclient.IsConnectivity(err):
		e.queue.Enqueue(*candidate)
		// A successful enqueue completes the capture; the reconciler
		// owns the write from here.
		_ = e.machine.Fire(EventPersisted)
		return candidate, nil

	default:
		candidate.SyncStatus = models.SyncStatusRejected
		e.view.Remove(candidate.ID)
		e.discardClip(candidate.ID)
		e.fail(err)
		e.logger.Error("Persistence failed terminally",
			zap.String("annotation_id", candidate.ID),
			zap.Error(err),
		)
		return candidate, err
	}
}

// persist uploads a pending voice-over clip if needed, then appends the
// annotation through the store client.
func (e *Engine) persist(ctx context.Context, a *models.Annotation) (*models.AcceptanceRecord, error) {
	if a.Type == models.AnnotationTypeVoiceOver && a.VoiceOver.AudioURL == "" {
		e.clipMu.Lock()
		clip := e.pendingClips[a.ID]
		e.clipMu.Unlock()

		if clip == nil {
			return nil, errors.New("voice-over clip missing for upload")
		}
		if e.cfg.Uploader == nil {
			return nil, errors.New("no audio uploader configured")
		}

		url, err := e.cfg.Uploader.Upload(ctx, a.VideoID, a.ID, clip)
		if err != nil {
			return nil, err
		}
		a.VoiceOver.AudioURL = url
	}

	return e.cfg.Store.AppendAnnotation(ctx, a.VideoID, a)
}

// accept marks an annotation accepted locally, forgets its clip and
// broadcasts it to other sessions.
func (e *Engine) accept(ctx context.Context, a models.Annotation, rec *models.AcceptanceRecord) {
	a.SyncStatus = models.SyncStatusAccepted
	e.view.SetStatus(a.ID, models.SyncStatusAccepted)
	e.discardClip(a.ID)

	if rec != nil {
		e.logger.Info("Annotation accepted",
			zap.String("annotation_id", a.ID),
			zap.Int64("seq", rec.Seq),
		)
	}

	if e.cfg.Publisher != nil {
		if err := e.cfg.Publisher.Publish(ctx, a.VideoID, a); err != nil {
			e.logger.Warn("Broadcast failed", zap.String("annotation_id", a.ID), zap.Error(err))
		}
	}
}

// onReplayAccepted is invoked by the reconciler for each queued write the
// store accepted.
func (e *Engine) onReplayAccepted(a models.Annotation, rec *models.AcceptanceRecord) {
	e.accept(context.Background(), a, rec)
}

// onReplayRejected is invoked by the reconciler when a queued write fails
// terminally: the optimistic entry moves to rejected and the failure is
// surfaced through LastError.
func (e *Engine) onReplayRejected(a models.Annotation, err error) {
	e.view.SetStatus(a.ID, models.SyncStatusRejected)
	e.discardClip(a.ID)

	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	e.logger.Error("Queued annotation rejected on replay",
		zap.String("annotation_id", a.ID),
		zap.Error(err),
	)
}

func (e *Engine) discardClip(id string) {
	e.clipMu.Lock()
	delete(e.pendingClips, id)
	e.clipMu.Unlock()
}

// fail records the error and moves Processing to Error. Called with e.mu
// held.
func (e *Engine) fail(err error) {
	e.lastErr = err
	_ = e.machine.Fire(EventFailed)
}

// replayPersister adapts the engine's persist path (clip upload + store
// append) to the offline queue's Persister interface.
type replayPersister struct {
	engine *Engine
}

func (p replayPersister) AppendAnnotation(ctx context.Context, videoID string, a *models.Annotation) (*models.AcceptanceRecord, error) {
	return p.engine.persist(ctx, a)
}
