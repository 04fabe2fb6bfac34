package capture

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/geometry"
	"github.com/videocoach/annotation-engine/internal/models"
	"github.com/videocoach/annotation-engine/internal/storeclient"
)

// MockStore implements VideoService for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetVideo(ctx context.Context, videoID string) (*models.Video, error) {
	args := m.Called(ctx, videoID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Video), args.Error(1)
}

func (m *MockStore) AppendAnnotation(ctx context.Context, videoID string, a *models.Annotation) (*models.AcceptanceRecord, error) {
	args := m.Called(ctx, videoID, a)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AcceptanceRecord), args.Error(1)
}

// recordingPublisher captures broadcasts.
type recordingPublisher struct {
	mu        sync.Mutex
	published []models.Annotation
}

func (p *recordingPublisher) Publish(ctx context.Context, videoID string, a models.Annotation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, a)
	return nil
}

func (p *recordingPublisher) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	for i, a := range p.published {
		out[i] = a.ID
	}
	return out
}

func newTestEngine(t *testing.T, store *MockStore, pub *recordingPublisher) *Engine {
	t.Helper()
	cfg := Config{
		VideoID: "video-1",
		UserID:  "coach-7",
		Canvas:  geometry.CanvasBounds{Width: 1920, Height: 1080},
		Store:   store,
		Logger:  zap.NewNop(),
	}
	if pub != nil {
		cfg.Publisher = pub
	}
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func startedEngine(t *testing.T, store *MockStore, pub *recordingPublisher) *Engine {
	t.Helper()
	store.On("GetVideo", mock.Anything, "video-1").Return(
		&models.Video{ID: "video-1", Duration: 120, MaxAnnotations: 500}, nil,
	).Once()

	e := newTestEngine(t, store, pub)
	require.NoError(t, e.Start(context.Background()))
	return e
}

func beginStroke(t *testing.T, e *Engine) {
	t.Helper()
	start := time.Now()
	require.NoError(t, e.BeginDrawing(
		models.ToolFreehand,
		Style{Color: "#FF0000", StrokeWidth: 3, Opacity: 1},
		10,
		geometry.RawSample{X: 5, Y: 5, Pressure: 0.5, At: start},
	))
	e.AppendPoint(geometry.RawSample{X: 6, Y: 6, Pressure: 0.5, At: start.Add(16 * time.Millisecond)})
}

func connectivityErr() error {
	return fmt.Errorf("%w: dial tcp refused", storeclient.ErrConnectivity)
}

func TestEngine_DrawingPersistAndBroadcast(t *testing.T) {
	store := new(MockStore)
	pub := &recordingPublisher{}
	e := startedEngine(t, store, pub)

	store.On("AppendAnnotation", mock.Anything, "video-1", mock.Anything).Return(
		&models.AcceptanceRecord{ID: "any", Seq: 1, AcceptedAt: time.Now()}, nil,
	).Once()

	beginStroke(t, e)
	assert.Equal(t, StateDrawing, e.State())

	a, err := e.FinishDrawing(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, models.SyncStatusAccepted, e.Annotations()[0].SyncStatus)
	assert.Equal(t, []string{a.ID}, pub.ids())
	assert.NotEmpty(t, a.ID)

	store.AssertExpectations(t)
}

func TestEngine_MutualExclusionLeavesDrawingUntouched(t *testing.T) {
	store := new(MockStore)
	e := startedEngine(t, store, nil)

	beginStroke(t, e)
	pointsBefore := e.drawing.PointCount()

	err := e.BeginVoiceOver(context.Background(), 20)
	assert.ErrorIs(t, err, ErrInvalidState)

	// The drawing session is untouched and still accumulating.
	assert.Equal(t, StateDrawing, e.State())
	assert.Equal(t, pointsBefore, e.drawing.PointCount())
	e.AppendPoint(geometry.RawSample{X: 7, Y: 7, Pressure: 0.5, At: time.Now()})
	assert.Equal(t, pointsBefore+1, e.drawing.PointCount())
}

func TestEngine_FinishWithoutBegin(t *testing.T) {
	store := new(MockStore)
	e := startedEngine(t, store, nil)

	_, err := e.FinishDrawing(context.Background())
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateIdle, e.State())
}

func TestEngine_ConnectivityFailureQueuesOptimistically(t *testing.T) {
	store := new(MockStore)
	pub := &recordingPublisher{}
	e := startedEngine(t, store, pub)

	store.On("AppendAnnotation", mock.Anything, "video-1", mock.Anything).Return(nil, connectivityErr()).Once()

	beginStroke(t, e)
	a, err := e.FinishDrawing(context.Background())
	require.NoError(t, err, "a successful enqueue is not an error")

	// The capture completed; the annotation is visible locally as
	// pending and queued for replay. Nothing was broadcast yet.
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, 1, e.QueuedCount())
	annotations := e.Annotations()
	require.Len(t, annotations, 1)
	assert.Equal(t, a.ID, annotations[0].ID)
	assert.Equal(t, models.SyncStatusPending, annotations[0].SyncStatus)
	assert.Empty(t, pub.ids())

	// Connectivity returns: replay persists and broadcasts.
	store.On("AppendAnnotation", mock.Anything, "video-1", mock.Anything).Return(
		&models.AcceptanceRecord{ID: a.ID, Seq: 1}, nil,
	).Once()

	require.NoError(t, e.Reconcile(context.Background()))
	assert.Equal(t, 0, e.QueuedCount())
	assert.Equal(t, models.SyncStatusAccepted, e.Annotations()[0].SyncStatus)
	assert.Equal(t, []string{a.ID}, pub.ids())

	store.AssertExpectations(t)
}

func TestEngine_ReplayTerminalFailureMarksRejected(t *testing.T) {
	store := new(MockStore)
	pub := &recordingPublisher{}
	e := startedEngine(t, store, pub)

	store.On("AppendAnnotation", mock.Anything, "video-1", mock.Anything).Return(nil, connectivityErr()).Once()

	beginStroke(t, e)
	a, err := e.FinishDrawing(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, e.QueuedCount())

	// The video filled up while this entry sat in the queue: replay fails
	// terminally, and the optimistic entry must not stay pending.
	store.On("AppendAnnotation", mock.Anything, "video-1", mock.Anything).Return(nil, storeclient.ErrLimitExceeded).Once()

	require.NoError(t, e.Reconcile(context.Background()))
	assert.Equal(t, 0, e.QueuedCount())

	annotations := e.Annotations()
	require.Len(t, annotations, 1)
	assert.Equal(t, a.ID, annotations[0].ID)
	assert.Equal(t, models.SyncStatusRejected, annotations[0].SyncStatus)
	assert.ErrorIs(t, e.LastError(), storeclient.ErrLimitExceeded)
	assert.Empty(t, pub.ids())

	store.AssertExpectations(t)
}

func TestEngine_ValidationFailureRejects(t *testing.T) {
	store := new(MockStore)
	e := startedEngine(t, store, nil)

	// Anchor beyond the video duration fails validation; nothing is
	// persisted or queued.
	start := time.Now()
	require.NoError(t, e.BeginDrawing(
		models.ToolFreehand,
		Style{Color: "#FF0000", StrokeWidth: 3, Opacity: 1},
		500,
		geometry.RawSample{X: 1, Y: 1, Pressure: 1, At: start},
	))

	a, err := e.FinishDrawing(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateError, e.State())
	assert.Equal(t, models.SyncStatusRejected, a.SyncStatus)
	assert.Equal(t, 0, e.QueuedCount())
	assert.Empty(t, e.Annotations())
	assert.Error(t, e.LastError())
	store.AssertNotCalled(t, "AppendAnnotation")

	require.NoError(t, e.ClearError())
	assert.Equal(t, StateIdle, e.State())
	assert.Nil(t, e.LastError())
}

func TestEngine_TerminalFailureSurfaces(t *testing.T) {
	store := new(MockStore)
	e := startedEngine(t, store, nil)

	store.On("AppendAnnotation", mock.Anything, "video-1", mock.Anything).Return(nil, storeclient.ErrLimitExceeded).Once()

	beginStroke(t, e)
	_, err := e.FinishDrawing(context.Background())
	assert.ErrorIs(t, err, storeclient.ErrLimitExceeded)
	assert.Equal(t, StateError, e.State())
	assert.Equal(t, 0, e.QueuedCount(), "terminal failures are never queued")
	assert.Empty(t, e.Annotations(), "optimistic entry is rolled back")
}

func TestEngine_CancelDiscardsCandidate(t *testing.T) {
	store := new(MockStore)
	e := startedEngine(t, store, nil)

	beginStroke(t, e)
	e.Cancel()

	assert.Equal(t, StateIdle, e.State())
	assert.Empty(t, e.Annotations())
	store.AssertNotCalled(t, "AppendAnnotation")

	// The engine is immediately usable again.
	beginStroke(t, e)
	assert.Equal(t, StateDrawing, e.State())
}

func TestEngine_EmptySession(t *testing.T) {
	store := new(MockStore)
	e := startedEngine(t, store, nil)

	// Force a drawing state with a session that has been drained.
	beginStroke(t, e)
	e.drawing.points = nil

	_, err := e.FinishDrawing(context.Background())
	assert.ErrorIs(t, err, ErrEmptySession)
	assert.Equal(t, StateError, e.State())
}

func TestEngine_HandleRemoteDeduplicates(t *testing.T) {
	store := new(MockStore)
	pub := &recordingPublisher{}
	e := startedEngine(t, store, pub)

	store.On("AppendAnnotation", mock.Anything, "video-1", mock.Anything).Return(
		&models.AcceptanceRecord{Seq: 1}, nil,
	).Once()

	beginStroke(t, e)
	a, err := e.FinishDrawing(context.Background())
	require.NoError(t, err)

	// Session 2's broadcast of the annotation this session created is
	// ignored; a genuinely new identity is appended.
	assert.False(t, e.HandleRemote(*a))
	assert.Equal(t, 1, len(e.Annotations()))

	remote := *a
	remote.ID = "remote-xyz"
	assert.True(t, e.HandleRemote(remote))
	assert.Equal(t, 2, len(e.Annotations()))
}

func TestEngine_ReplayOfExistingIdentityIsNoOp(t *testing.T) {
	store := new(MockStore)
	pub := &recordingPublisher{}
	e := startedEngine(t, store, pub)

	store.On("AppendAnnotation", mock.Anything, "video-1", mock.Anything).Return(nil, connectivityErr()).Once()

	beginStroke(t, e)
	_, err := e.FinishDrawing(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, e.QueuedCount())

	// The earlier attempt actually landed server-side: replay drops the
	// entry without re-sending and without a duplicate broadcast.
	store.On("AppendAnnotation", mock.Anything, "video-1", mock.Anything).Return(nil, storeclient.ErrAlreadyExists).Once()

	require.NoError(t, e.Reconcile(context.Background()))
	assert.Equal(t, 0, e.QueuedCount())
	assert.Len(t, e.Annotations(), 1)
	store.AssertExpectations(t)
}

func TestEngine_VoiceOverEndToEnd(t *testing.T) {
	store := new(MockStore)
	pub := &recordingPublisher{}

	rec := newFakeRecorder()
	rec.fixedDuration = 12 * time.Second

	uploader := &fakeUploader{url: "http://storage.local/voiceovers/video-1/clip.m4a"}

	store.On("GetVideo", mock.Anything, "video-1").Return(
		&models.Video{ID: "video-1", Duration: 120}, nil,
	).Once()

	e, err := New(Config{
		VideoID:     "video-1",
		UserID:      "coach-7",
		Canvas:      geometry.CanvasBounds{Width: 100, Height: 100},
		Store:       store,
		Uploader:    uploader,
		Publisher:   pub,
		Recorder:    rec,
		Permissions: fakePermissions{granted: true},
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	store.On("AppendAnnotation", mock.Anything, "video-1", mock.MatchedBy(func(a *models.Annotation) bool {
		return a.Type == models.AnnotationTypeVoiceOver && a.VoiceOver.AudioURL == uploader.url
	})).Return(&models.AcceptanceRecord{Seq: 1}, nil).Once()

	require.NoError(t, e.BeginVoiceOver(context.Background(), 30))
	assert.Equal(t, StateRecording, e.State())

	a, err := e.FinishVoiceOver(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateIdle, e.State())
	assert.Equal(t, 12.0, a.VoiceOver.Duration)
	assert.Equal(t, []string{a.ID}, pub.ids())

	store.AssertExpectations(t)
}

func TestEngine_VoiceOverPermissionDeniedReturnsToIdle(t *testing.T) {
	store := new(MockStore)

	store.On("GetVideo", mock.Anything, "video-1").Return(
		&models.Video{ID: "video-1", Duration: 120}, nil,
	).Once()

	e, err := New(Config{
		VideoID:     "video-1",
		Canvas:      geometry.CanvasBounds{Width: 100, Height: 100},
		Store:       store,
		Recorder:    newFakeRecorder(),
		Permissions: fakePermissions{granted: false},
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	err = e.BeginVoiceOver(context.Background(), 10)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, StateIdle, e.State())
}

// fakeUploader satisfies AudioUploader.
type fakeUploader struct {
	url string
	err error
}

func (u *fakeUploader) Upload(ctx context.Context, videoID, annotationID string, clip *models.AudioClip) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return u.url, nil
}
