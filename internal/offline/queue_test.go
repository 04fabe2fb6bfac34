package offline

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/models"
	"github.com/videocoach/annotation-engine/internal/storeclient"
)

// scriptedPersister answers each append from a per-identity script and
// records the order of attempts.
type scriptedPersister struct {
	mu       sync.Mutex
	results  map[string][]error
	attempts []string
}

func newScriptedPersister() *scriptedPersister {
	return &scriptedPersister{results: make(map[string][]error)}
}

func (p *scriptedPersister) script(id string, errs ...error) {
	p.results[id] = errs
}

func (p *scriptedPersister) AppendAnnotation(ctx context.Context, videoID string, a *models.Annotation) (*models.AcceptanceRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts = append(p.attempts, a.ID)
	script := p.results[a.ID]
	if len(script) == 0 {
		return &models.AcceptanceRecord{ID: a.ID, Seq: int64(len(p.attempts))}, nil
	}
	err := script[0]
	p.results[a.ID] = script[1:]
	if err != nil {
		return nil, err
	}
	return &models.AcceptanceRecord{ID: a.ID, Seq: int64(len(p.attempts))}, nil
}

func queued(id string) models.Annotation {
	return models.Annotation{
		ID:      id,
		VideoID: "video-1",
		Type:    models.AnnotationTypeDrawing,
		Drawing: &models.DrawingPayload{
			Tool:        models.ToolFreehand,
			Points:      []models.DrawingPoint{{X: 1, Y: 1, Pressure: 1}},
			Color:       "#FFFFFF",
			StrokeWidth: 2,
			Opacity:     1,
		},
	}
}

func connErr() error {
	return fmt.Errorf("%w: dial tcp refused", storeclient.ErrConnectivity)
}

func TestReplay_PreservesFIFOOrder(t *testing.T) {
	q := NewQueue(zap.NewNop())
	p := newScriptedPersister()

	q.Enqueue(queued("A"))
	q.Enqueue(queued("B"))
	q.Enqueue(queued("C"))

	err := q.Replay(context.Background(), "video-1", p, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, p.attempts)
	assert.Equal(t, 0, q.Len("video-1"))
}

func TestReplay_HaltsOnConnectivityFailure(t *testing.T) {
	q := NewQueue(zap.NewNop())
	p := newScriptedPersister()
	p.script("A", connErr())

	q.Enqueue(queued("A"))
	q.Enqueue(queued("B"))
	q.Enqueue(queued("C"))

	err := q.Replay(context.Background(), "video-1", p, nil, nil)
	assert.True(t, storeclient.IsConnectivity(err))

	// B and C were never attempted while A is unpersisted.
	assert.Equal(t, []string{"A"}, p.attempts)
	assert.Equal(t, 3, q.Len("video-1"))

	// Next connectivity event: A now succeeds, the rest follow in order.
	err = q.Replay(context.Background(), "video-1", p, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, []string{"A", "A", "B", "C"}, p.attempts)
	assert.Equal(t, 0, q.Len("video-1"))
}

func TestReplay_AlreadyExistsIsIdempotentNoOp(t *testing.T) {
	q := NewQueue(zap.NewNop())
	p := newScriptedPersister()
	p.script("A", storeclient.ErrAlreadyExists)

	q.Enqueue(queued("A"))
	q.Enqueue(queued("B"))

	var accepted []string
	err := q.Replay(context.Background(), "video-1", p, func(a models.Annotation, _ *models.AcceptanceRecord) {
		accepted = append(accepted, a.ID)
	}, nil)
	assert.NoError(t, err)

	// A was dropped without a duplicate being created; only B reported
	// as newly accepted.
	assert.Equal(t, 0, q.Len("video-1"))
	assert.Equal(t, []string{"B"}, accepted)
}

func TestReplay_TerminalFailureDropsEntry(t *testing.T) {
	q := NewQueue(zap.NewNop())
	p := newScriptedPersister()
	p.script("A", storeclient.ErrLimitExceeded)

	q.Enqueue(queued("A"))
	q.Enqueue(queued("B"))

	var rejected []string
	var rejectErr error
	err := q.Replay(context.Background(), "video-1", p, nil, func(a models.Annotation, err error) {
		rejected = append(rejected, a.ID)
		rejectErr = err
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, p.attempts)
	assert.Equal(t, 0, q.Len("video-1"))

	// The dropped entry is reported so the caller can mark it rejected.
	assert.Equal(t, []string{"A"}, rejected)
	assert.ErrorIs(t, rejectErr, storeclient.ErrLimitExceeded)
}

// racingPersister simulates a second replayer resolving the head entry
// between this replayer's head read and its append attempt.
type racingPersister struct {
	q        *Queue
	attempts []string
}

func (p *racingPersister) AppendAnnotation(ctx context.Context, videoID string, a *models.Annotation) (*models.AcceptanceRecord, error) {
	p.attempts = append(p.attempts, a.ID)
	if a.ID == "A" {
		// The other replayer persisted A and removed it already; this
		// attempt comes back as a duplicate.
		p.q.dropHead(videoID, "A")
		return nil, storeclient.ErrAlreadyExists
	}
	return &models.AcceptanceRecord{ID: a.ID}, nil
}

func TestReplay_StaleDropKeepsUnpersistedEntry(t *testing.T) {
	q := NewQueue(zap.NewNop())
	p := &racingPersister{q: q}

	q.Enqueue(queued("A"))
	q.Enqueue(queued("B"))

	err := q.Replay(context.Background(), "video-1", p, nil, nil)
	assert.NoError(t, err)

	// The stale duplicate-drop for A must not remove B; B is still
	// attempted and the queue drains fully.
	assert.Equal(t, []string{"A", "B"}, p.attempts)
	assert.Equal(t, 0, q.Len("video-1"))
}

func TestQueue_PerVideoIsolation(t *testing.T) {
	q := NewQueue(zap.NewNop())

	a := queued("A")
	b := queued("B")
	b.VideoID = "video-2"

	q.Enqueue(a)
	q.Enqueue(b)

	assert.Equal(t, 1, q.Len("video-1"))
	assert.Equal(t, 1, q.Len("video-2"))
	assert.ElementsMatch(t, []string{"video-1", "video-2"}, q.VideoIDs())
}

// fakeSignal drives the reconciler in tests.
type fakeSignal struct {
	mu       sync.Mutex
	online   bool
	callback func(bool)
}

func (s *fakeSignal) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *fakeSignal) OnChange(cb func(bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

func (s *fakeSignal) setOnline(online bool) {
	s.mu.Lock()
	s.online = online
	cb := s.callback
	s.mu.Unlock()
	if cb != nil {
		cb(online)
	}
}

func TestReconciler_ReplaysOnConnectivityReturn(t *testing.T) {
	q := NewQueue(zap.NewNop())
	p := newScriptedPersister()
	signal := &fakeSignal{}

	q.Enqueue(queued("A"))

	var mu sync.Mutex
	var accepted []string
	done := make(chan struct{})

	r := NewReconciler(q, p, signal, func(a models.Annotation, _ *models.AcceptanceRecord) {
		mu.Lock()
		accepted = append(accepted, a.ID)
		mu.Unlock()
		close(done)
	}, nil, zap.NewNop())

	r.Start(context.Background())
	assert.Equal(t, 1, q.Len("video-1"), "offline start leaves the queue untouched")

	signal.setOnline(true)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A"}, accepted)
	assert.Equal(t, 0, q.Len("video-1"))
}
