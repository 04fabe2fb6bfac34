package offline

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/models"
)

// ConnectivitySignal is the platform's network reachability source.
type ConnectivitySignal interface {
	IsOnline() bool
	OnChange(func(online bool))
}

// Reconciler replays queued offline writes when connectivity returns.
// Replay is sequential within a video to preserve ordering; different
// videos replay independently.
type Reconciler struct {
	queue      *Queue
	persister  Persister
	signal     ConnectivitySignal
	onAccepted func(models.Annotation, *models.AcceptanceRecord)
	onRejected func(models.Annotation, error)
	logger     *zap.Logger

	mu      sync.Mutex
	running map[string]bool
}

// NewReconciler wires a queue to a connectivity signal. onAccepted is
// invoked for each annotation the store accepts during replay, onRejected
// for each one dropped on a terminal failure.
func NewReconciler(queue *Queue, persister Persister, signal ConnectivitySignal, onAccepted func(models.Annotation, *models.AcceptanceRecord), onRejected func(models.Annotation, error), logger *zap.Logger) *Reconciler {
	return &Reconciler{
		queue:      queue,
		persister:  persister,
		signal:     signal,
		onAccepted: onAccepted,
		onRejected: onRejected,
		logger:     logger,
		running:    make(map[string]bool),
	}
}

// Start subscribes to connectivity changes. If the client is already
// online, any backlog is replayed immediately.
func (r *Reconciler) Start(ctx context.Context) {
	r.signal.OnChange(func(online bool) {
		if !online {
			return
		}
		r.ReplayAll(ctx)
	})

	if r.signal.IsOnline() {
		r.ReplayAll(ctx)
	}
}

// ReplayAll kicks off replay for every video with queued entries. Each
// video's queue is drained by a single goroutine; a video already being
// replayed is skipped.
func (r *Reconciler) ReplayAll(ctx context.Context) {
	for _, videoID := range r.queue.VideoIDs() {
		r.mu.Lock()
		if r.running[videoID] {
			r.mu.Unlock()
			continue
		}
		r.running[videoID] = true
		r.mu.Unlock()

		go func(id string) {
			defer func() {
				r.mu.Lock()
				delete(r.running, id)
				r.mu.Unlock()
			}()

			if err := r.queue.Replay(ctx, id, r.persister, r.onAccepted, r.onRejected); err != nil {
				r.logger.Warn("Replay incomplete, waiting for next connectivity event",
					zap.String("video_id", id),
					zap.Error(err),
				)
			}
		}(videoID)
	}
}
