package tracker

import (
	"context"
	"sync"

	"github.com/example/ride-coordinator/internal/geo"
	"github.com/example/ride-coordinator/internal/models"
)

// FeedProvider is a Provider fed by Push, used for the device bridge and tests.
// It applies the movement filter itself, the way a device provider would.
type FeedProvider struct {
	mu     sync.Mutex
	subs   map[chan Reading]Options
	last   map[chan Reading]*models.Position
	buffer int
}

func NewFeedProvider() *FeedProvider {
	return &FeedProvider{subs: make(map[chan Reading]Options), last: make(map[chan Reading]*models.Position), buffer: 16}
}

func (f *FeedProvider) Watch(ctx context.Context, opts Options) (<-chan Reading, error) {
	ch := make(chan Reading, f.buffer)
	f.mu.Lock()
	f.subs[ch] = opts
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		delete(f.last, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch, nil
}

// Push delivers s to every watcher whose movement filter it passes. Readers
// that are not keeping up lose the sample rather than block the feed.
func (f *FeedProvider) Push(s models.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, opts := range f.subs {
		if prev := f.last[ch]; prev != nil && opts.MinMoveMeters > 0 && geo.Haversine(*prev, s.Position) < opts.MinMoveMeters {
			continue
		}
		select {
		case ch <- Reading{Sample: s}:
			p := s.Position
			f.last[ch] = &p
		default:
		}
	}
}

// Fail delivers a provider error to every watcher.
func (f *FeedProvider) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- Reading{Err: err}:
		default:
		}
	}
}

// Watchers reports the number of live subscriptions.
func (f *FeedProvider) Watchers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
