package registry

import (
	"sort"
	"sync"
	"time"
)

// DefaultCap 超过这个数量时整张表被清空
const DefaultCap = 999

// Entry 描述一个活跃会话。条目只用于观测，不拥有会话资源，
// 被清空的条目对应的会话照常运行并自行关闭。
type Entry struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Stage     string    `json:"stage"`
	Client    string    `json:"client"`
	StartedAt time.Time `json:"started_at"`
}

// Registry is a bounded set of live session descriptors, safe for
// concurrent use.
type Registry struct {
	mu      sync.Mutex
	cap     int
	entries map[string]Entry
	evicted uint64
}

func New(capacity int) *Registry {
	if capacity <= 0 {
		capacity = DefaultCap
	}
	return &Registry{cap: capacity, entries: make(map[string]Entry)}
}

// Add inserts e. When the registry is already at capacity every existing
// entry is dropped first; the number dropped is returned.
func (r *Registry) Add(e Entry) (evicted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.ID]; !ok && len(r.entries) >= r.cap {
		evicted = len(r.entries)
		r.evicted += uint64(evicted)
		clear(r.entries)
	}
	r.entries[e.ID] = e
	return evicted
}

// Remove drops id; unknown ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Evicted counts entries dropped by capacity clears so far.
func (r *Registry) Evicted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.evicted
}

// Snapshot returns the entries ordered by start time, oldest first.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
