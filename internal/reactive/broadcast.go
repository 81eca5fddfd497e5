package reactive

import (
	"sync"
	"sync/atomic"
)

// DefaultFeedBuffer is the per-subscriber queue length used when a caller
// passes a non-positive buffer size.
const DefaultFeedBuffer = 64

// Broadcaster fans every published item out to all matching feeds.
//
// Unlike Store it carries events, not values: nothing is coalesced and
// nothing is replayed to late subscribers. Publishing never blocks; a feed
// whose queue is full drops the item and counts it.
type Broadcaster[T any] struct {
	mu     sync.RWMutex
	feeds  map[uint64]*Feed[T]
	nextID uint64
	closed bool
}

// NewBroadcaster creates an empty Broadcaster.
func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{feeds: make(map[uint64]*Feed[T])}
}

// Feed is one subscriber's view of a Broadcaster.
type Feed[T any] struct {
	filter  func(T) bool
	ch      chan T
	once    sync.Once
	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
	detach  func()
}

// C returns the receive side of the feed. It is closed by Close or when the
// broadcaster closes.
func (f *Feed[T]) C() <-chan T {
	return f.ch
}

// Dropped returns how many items were discarded because the feed was full.
func (f *Feed[T]) Dropped() uint64 {
	return f.dropped.Load()
}

// Close detaches the feed and closes C. Safe to call more than once.
func (f *Feed[T]) Close() {
	if f.detach != nil {
		f.detach()
	}
	f.shutdown()
}

func (f *Feed[T]) shutdown() {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		close(f.ch)
		f.mu.Unlock()
	})
}

// trySend never blocks. It reports false when the item was dropped.
func (f *Feed[T]) trySend(item T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}
	select {
	case f.ch <- item:
		return true
	default:
		f.dropped.Add(1)
		return false
	}
}

// Subscribe registers a feed receiving every published item for which
// filter returns true. A nil filter matches everything.
func (b *Broadcaster[T]) Subscribe(filter func(T) bool, buffer int) *Feed[T] {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	feed := &Feed[T]{filter: filter, ch: make(chan T, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		feed.shutdown()
		return feed
	}
	b.nextID++
	id := b.nextID
	feed.detach = func() { b.unsubscribe(id) }
	b.feeds[id] = feed
	return feed
}

func (b *Broadcaster[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	delete(b.feeds, id)
	b.mu.Unlock()
}

// Publish offers item to every matching feed and returns how many accepted it.
func (b *Broadcaster[T]) Publish(item T) int {
	// Snapshot under the lock, send after releasing it.
	b.mu.RLock()
	feeds := make([]*Feed[T], 0, len(b.feeds))
	for _, f := range b.feeds {
		feeds = append(feeds, f)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, f := range feeds {
		if f.filter != nil && !f.filter(item) {
			continue
		}
		if f.trySend(item) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of live feeds.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.feeds)
}

// Close ends every feed. Later subscriptions are returned already closed.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	feeds := b.feeds
	b.feeds = make(map[uint64]*Feed[T])
	b.mu.Unlock()

	for _, f := range feeds {
		f.shutdown()
	}
}
