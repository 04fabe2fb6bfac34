// Package syncer propagates accepted annotations between sessions viewing
// the same video and merges incoming annotations into a session's local
// view.
package syncer

import (
	"sync"

	"github.com/videocoach/annotation-engine/internal/models"
)

// LocalView is a session's copy of a video's annotation list. Annotations
// merge keyed by client-generated identity: an incoming identity already
// present is ignored, otherwise it is appended. Accepted annotations are
// never mutated, only their sync status advances.
type LocalView struct {
	mu    sync.RWMutex
	order []string
	byID  map[string]models.Annotation
}

// NewLocalView creates an empty local view.
func NewLocalView() *LocalView {
	return &LocalView{
		byID: make(map[string]models.Annotation),
	}
}

// Merge adds an annotation unless its identity is already present. It
// returns true when the annotation was appended.
func (v *LocalView) Merge(a models.Annotation) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.byID[a.ID]; exists {
		return false
	}
	v.byID[a.ID] = a
	v.order = append(v.order, a.ID)
	return true
}

// Has reports whether an identity is present in the view.
func (v *LocalView) Has(id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.byID[id]
	return ok
}

// Len returns the number of annotations in the view.
func (v *LocalView) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.order)
}

// SetStatus updates the sync status of an annotation, if present.
func (v *LocalView) SetStatus(id string, status models.SyncStatus) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if a, ok := v.byID[id]; ok {
		a.SyncStatus = status
		v.byID[id] = a
	}
}

// Remove deletes an annotation from the view, if present. Used when a
// candidate is discarded before acceptance.
func (v *LocalView) Remove(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, ok := v.byID[id]; !ok {
		return
	}
	delete(v.byID, id)
	for i, existing := range v.order {
		if existing == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
}

// Snapshot returns the annotations in append order.
func (v *LocalView) Snapshot() []models.Annotation {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]models.Annotation, 0, len(v.order))
	for _, id := range v.order {
		out = append(out, v.byID[id])
	}
	return out
}
