// Package offline buffers validated annotations whose persistence failed
// for connectivity reasons and replays them, in order, once connectivity
// returns.
package offline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/videocoach/annotation-engine/internal/models"
	"github.com/videocoach/annotation-engine/internal/storeclient"
)

// Entry is a queued candidate annotation.
type Entry struct {
	Annotation models.Annotation
	EnqueuedAt time.Time
}

// Persister is the write half of the store client.
type Persister interface {
	AppendAnnotation(ctx context.Context, videoID string, a *models.Annotation) (*models.AcceptanceRecord, error)
}

// Queue holds per-video FIFO queues of pending writes. Entries are removed
// only after confirmed persistence (or confirmed prior persistence of the
// same identity).
type Queue struct {
	mu       sync.Mutex
	perVideo map[string][]Entry
	logger   *zap.Logger
}

// NewQueue creates an empty offline queue.
func NewQueue(logger *zap.Logger) *Queue {
	return &Queue{
		perVideo: make(map[string][]Entry),
		logger:   logger,
	}
}

// Enqueue appends a validated candidate to its video's queue.
func (q *Queue) Enqueue(a models.Annotation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.perVideo[a.VideoID] = append(q.perVideo[a.VideoID], Entry{
		Annotation: a,
		EnqueuedAt: time.Now().UTC(),
	})

	q.logger.Info("Queued annotation for offline replay",
		zap.String("video_id", a.VideoID),
		zap.String("annotation_id", a.ID),
		zap.Int("queue_len", len(q.perVideo[a.VideoID])),
	)
}

// Len returns the number of queued entries for a video.
func (q *Queue) Len(videoID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.perVideo[videoID])
}

// VideoIDs returns the videos that currently have queued entries.
func (q *Queue) VideoIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.perVideo))
	for id, entries := range q.perVideo {
		if len(entries) > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// head returns the oldest entry for a video without removing it.
func (q *Queue) head(videoID string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.perVideo[videoID]
	if len(entries) == 0 {
		return Entry{}, false
	}
	return entries[0], true
}

// dropHead removes the oldest entry for a video, but only if it still
// carries the expected identity. Two replayers can read the same head;
// whichever resolves it first removes it, and the other's stale drop
// becomes a no-op instead of silently discarding the next entry.
func (q *Queue) dropHead(videoID, expectedID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := q.perVideo[videoID]
	if len(entries) == 0 || entries[0].Annotation.ID != expectedID {
		return
	}
	q.perVideo[videoID] = entries[1:]
	if len(q.perVideo[videoID]) == 0 {
		delete(q.perVideo, videoID)
	}
}

// Replay persists a video's queued entries in enqueue order, one at a time.
// An entry is removed before the next is attempted. A connectivity failure
// halts replay of this video's queue so later entries never overtake
// earlier ones; replay resumes on the next connectivity event. An identity
// the store already knows is dropped without re-sending, making replay
// idempotent under at-least-once delivery. onAccepted, if non-nil, is
// invoked for every entry the store newly accepted; onRejected, if
// non-nil, for every entry dropped on a terminal failure.
func (q *Queue) Replay(ctx context.Context, videoID string, p Persister, onAccepted func(models.Annotation, *models.AcceptanceRecord), onRejected func(models.Annotation, error)) error {
	for {
		entry, ok := q.head(videoID)
		if !ok {
			return nil
		}

		rec, err := p.AppendAnnotation(ctx, videoID, &entry.Annotation)
		switch {
		case err == nil:
			q.dropHead(videoID, entry.Annotation.ID)
			q.logger.Info("Replayed queued annotation",
				zap.String("video_id", videoID),
				zap.String("annotation_id", entry.Annotation.ID),
			)
			if onAccepted != nil {
				onAccepted(entry.Annotation, rec)
			}

		case errors.Is(err, storeclient.ErrAlreadyExists):
			// Persisted by a previous partial attempt.
			q.dropHead(videoID, entry.Annotation.ID)
			q.logger.Info("Dropped already-persisted annotation",
				zap.String("video_id", videoID),
				zap.String("annotation_id", entry.Annotation.ID),
			)

		case storeclient.IsConnectivity(err):
			q.logger.Warn("Replay halted, store unreachable",
				zap.String("video_id", videoID),
				zap.String("annotation_id", entry.Annotation.ID),
				zap.Error(err),
			)
			return err

		default:
			// Terminal failure for this entry. Drop it so the rest of
			// the queue is not wedged behind an unpersistable write.
			q.dropHead(videoID, entry.Annotation.ID)
			q.logger.Error("Dropped unpersistable queued annotation",
				zap.String("video_id", videoID),
				zap.String("annotation_id", entry.Annotation.ID),
				zap.Error(err),
			)
			if onRejected != nil {
				onRejected(entry.Annotation, err)
			}
		}
	}
}
