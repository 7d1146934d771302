package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry is an in-process OriginRegistry, for single-process setups
// and tests. TTLs expire entries without renewal.
type MemoryRegistry struct {
	mu       sync.Mutex
	entries  map[string]OriginEntry
	timers   map[string]*time.Timer
	watchers map[chan []OriginEntry]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		entries:  make(map[string]OriginEntry),
		timers:   make(map[string]*time.Timer),
		watchers: make(map[chan []OriginEntry]struct{}),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, entry OriginEntry, ttl int64) error {
	entry, err := normalizeEntry(entry)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if t, ok := r.timers[entry.Origin]; ok {
		t.Stop()
		delete(r.timers, entry.Origin)
	}
	r.entries[entry.Origin] = entry
	if ttl > 0 {
		origin := entry.Origin
		r.timers[origin] = time.AfterFunc(time.Duration(ttl)*time.Second, func() {
			r.remove(origin)
		})
	}
	r.notifyLocked()
	r.mu.Unlock()
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, origin string) error {
	origin, err := normalizeOrigin(origin)
	if err != nil {
		return err
	}
	r.remove(origin)
	return nil
}

func (r *MemoryRegistry) remove(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[origin]; ok {
		t.Stop()
		delete(r.timers, origin)
	}
	if _, ok := r.entries[origin]; !ok {
		return
	}
	delete(r.entries, origin)
	r.notifyLocked()
}

func (r *MemoryRegistry) Discover(ctx context.Context) ([]OriginEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), nil
}

// Watch emits the full list after every change. A slow watcher only sees the
// latest list.
func (r *MemoryRegistry) Watch(ctx context.Context) <-chan []OriginEntry {
	ch := make(chan []OriginEntry, 1)
	r.mu.Lock()
	r.watchers[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, ch)
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

func (r *MemoryRegistry) snapshotLocked() []OriginEntry {
	entries := make([]OriginEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Origin < entries[j].Origin })
	return entries
}

func (r *MemoryRegistry) notifyLocked() {
	entries := r.snapshotLocked()
	for ch := range r.watchers {
		// Replace a pending, unread list with the newer one
		select {
		case <-ch:
		default:
		}
		ch <- entries
	}
}
