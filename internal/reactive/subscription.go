package reactive

import "sync"

// Subscription is a coalescing change stream.
//
// Each subscription keeps a mailbox holding at most one undelivered value per
// key. Writers replace the mailbox entry and never wait for the reader, so a
// slow consumer only ever misses intermediate values, never the latest one.
// A value equal to the last one delivered for the same key is skipped.
type Subscription[K comparable, V comparable] struct {
	key *K

	mu      sync.Mutex
	pending map[K]V
	order   []K
	done    bool

	wake   chan struct{}
	out    chan Change[K, V]
	stop   chan struct{}
	once   sync.Once
	detach func()
}

func newSubscription[K comparable, V comparable](key *K) *Subscription[K, V] {
	return &Subscription[K, V]{
		key:     key,
		pending: make(map[K]V),
		wake:    make(chan struct{}, 1),
		out:     make(chan Change[K, V]),
		stop:    make(chan struct{}),
	}
}

// C returns the receive side of the stream. It is closed when the
// subscription or its store is closed.
func (s *Subscription[K, V]) C() <-chan Change[K, V] {
	return s.out
}

// Close detaches the subscription from its store and closes C. Safe to call
// more than once.
func (s *Subscription[K, V]) Close() {
	if s.detach != nil {
		s.detach()
	}
	s.shutdown()
}

func (s *Subscription[K, V]) matches(key K) bool {
	return s.key == nil || *s.key == key
}

func (s *Subscription[K, V]) offer(key K, v V) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if _, queued := s.pending[key]; !queued {
		s.order = append(s.order, key)
	}
	s.pending[key] = v
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription[K, V]) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
		close(s.stop)
	})
}

// peek returns the oldest queued change without removing it.
func (s *Subscription[K, V]) peek() (Change[K, V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.order) == 0 {
		return Change[K, V]{}, false
	}
	key := s.order[0]
	return Change[K, V]{Key: key, Value: s.pending[key]}, true
}

// settle removes change from the mailbox unless a newer value for the same
// key replaced it in the meantime.
func (s *Subscription[K, V]) settle(change Change[K, V]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.pending[change.Key]; !ok || v != change.Value {
		return
	}
	delete(s.pending, change.Key)
	for i, k := range s.order {
		if k == change.Key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *Subscription[K, V]) pump() {
	defer close(s.out)

	delivered := make(map[K]V)
	for {
		select {
		case <-s.wake:
		default:
		}

		change, ok := s.peek()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.stop:
				return
			}
		}

		if last, seen := delivered[change.Key]; seen && last == change.Value {
			s.settle(change)
			continue
		}

		// A newer value arriving while the reader is slow wakes the pump so
		// it offers the latest value instead.
		select {
		case s.out <- change:
			delivered[change.Key] = change.Value
			s.settle(change)
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}
