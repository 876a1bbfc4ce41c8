package intake

import (
	"sync"
	"time"
)

// DefaultWindow is how long a ride id suppresses repeat alerts.
const DefaultWindow = 30 * time.Second

// Deduper remembers ride ids for a trailing window. Eviction is keyed to the
// event that inserted the id, not to any ride, so it outlives ride timers.
type Deduper struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]*time.Timer
}

func NewDeduper(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduper{window: window, seen: make(map[string]*time.Timer)}
}

// Mark records id and reports whether it was new. A new id is evicted
// automatically once the window elapses.
func (d *Deduper) Mark(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	var t *time.Timer
	t = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.seen[id] == t {
			delete(d.seen, id)
		}
	})
	d.seen[id] = t
	return true
}

// Stop cancels every pending eviction.
func (d *Deduper) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.seen {
		t.Stop()
		delete(d.seen, id)
	}
}
