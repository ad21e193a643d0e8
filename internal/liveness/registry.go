// Package liveness records which runs the local worker is actively driving.
// It is authoritative for this process only.
package liveness

import (
	"sort"
	"sync"
	"time"
)

type Registry struct {
	mu   sync.Mutex
	runs map[string]time.Time
	now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{runs: map[string]time.Time{}, now: time.Now}
}

// Register marks runID live. It returns false when the run is already live,
// which callers use to avoid driving the same run twice.
func (r *Registry) Register(runID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string]time.Time{}
	}
	if _, ok := r.runs[runID]; ok {
		return false
	}
	r.runs[runID] = r.clock()
	return true
}

func (r *Registry) Unregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

func (r *Registry) IsLive(runID string) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[runID]
	return ok
}

// Since returns when runID was registered.
func (r *Registry) Since(runID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.runs[runID]
	return ts, ok
}

// Live returns the registered run ids, sorted.
func (r *Registry) Live() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.runs))
	for id := range r.runs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}
