package transport

import "sync"

// Listeners is a goroutine-safe set of event listeners, shared by the
// transport implementations.
type Listeners struct {
	mu   sync.RWMutex
	list []EventListener
}

// Add registers l once; adding the same listener twice is a no-op, as with
// addEventListener.
func (s *Listeners) Add(l EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.list {
		if existing == l {
			return
		}
	}
	s.list = append(s.list, l)
}

// Remove unregisters l. Unknown listeners are ignored.
func (s *Listeners) Remove(l EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.list {
		if existing == l {
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (s *Listeners) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}

// Dispatch delivers ev to a snapshot of the listeners, so a listener may
// remove itself while being called.
func (s *Listeners) Dispatch(ev *MessageEvent) {
	s.mu.RLock()
	snapshot := make([]EventListener, len(s.list))
	copy(snapshot, s.list)
	s.mu.RUnlock()

	for _, l := range snapshot {
		l.HandleMessage(ev)
	}
}
