package reactive

import (
	"sort"
	"sync"
)

// Change is one value transition for a key.
type Change[K comparable, V comparable] struct {
	Key   K
	Value V
}

// Store is a keyed map of reactive values.
//
// Writes go through Set or Update and notify subscribers only when the value
// actually changes. Reads return copies. Every Store owns its own mutex, so
// unrelated stores never contend.
type Store[K comparable, V comparable] struct {
	mu     sync.RWMutex
	values map[K]V
	zero   V
	subs   map[uint64]*Subscription[K, V]
	nextID uint64
	closed bool
}

// New creates a Store whose unseen keys read as zero.
func New[K comparable, V comparable](zero V) *Store[K, V] {
	return &Store[K, V]{
		values: make(map[K]V),
		zero:   zero,
		subs:   make(map[uint64]*Subscription[K, V]),
	}
}

// Get returns the value for key, or the store's zero value if the key has
// never been set.
func (s *Store[K, V]) Get(key K) V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.values[key]; ok {
		return v
	}
	return s.zero
}

// Lookup returns the value for key and whether it has ever been set.
func (s *Store[K, V]) Lookup(key K) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	return v, ok
}

// Set stores v under key and reports whether the stored value changed.
// Setting a never-seen key always counts as a change.
func (s *Store[K, V]) Set(key K, v V) bool {
	_, changed := s.Update(key, func(V, bool) V { return v })
	return changed
}

// Update applies fn to the current value under the store lock. fn receives
// the current value and whether the key exists, and must not call back into
// the store.
func (s *Store[K, V]) Update(key K, fn func(current V, exists bool) V) (V, bool) {
	s.mu.Lock()
	current, exists := s.values[key]
	if !exists {
		current = s.zero
	}
	next := fn(current, exists)
	if s.closed || (exists && next == current) {
		s.mu.Unlock()
		return current, false
	}
	s.values[key] = next

	subs := make([]*Subscription[K, V], 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.matches(key) {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.offer(key, next)
	}
	return next, true
}

// Snapshot returns a copy of every key that has been set.
func (s *Store[K, V]) Snapshot() map[K]V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[K]V, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Len returns the number of keys that have been set.
func (s *Store[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Count returns how many stored values satisfy pred.
func (s *Store[K, V]) Count(pred func(V) bool) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, v := range s.values {
		if pred(v) {
			n++
		}
	}
	return n
}

// Subscribe returns a change stream for a single key. If the key already has
// a value it is delivered first.
func (s *Store[K, V]) Subscribe(key K) *Subscription[K, V] {
	return s.subscribe(&key)
}

// SubscribeAll returns a change stream for every key. Keys that already have
// values are delivered first.
func (s *Store[K, V]) SubscribeAll() *Subscription[K, V] {
	return s.subscribe(nil)
}

func (s *Store[K, V]) subscribe(key *K) *Subscription[K, V] {
	sub := newSubscription[K, V](key)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.shutdown()
		go sub.pump()
		return sub
	}
	s.nextID++
	id := s.nextID
	sub.detach = func() { s.unsubscribe(id) }
	s.subs[id] = sub

	// Seed under the lock so no concurrent Update can slip between the
	// snapshot and registration.
	if key != nil {
		if v, ok := s.values[*key]; ok {
			sub.offer(*key, v)
		}
	} else {
		for _, k := range sortedKeys(s.values) {
			sub.offer(k, s.values[k])
		}
	}
	s.mu.Unlock()

	go sub.pump()
	return sub
}

func (s *Store[K, V]) unsubscribe(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// Subscribers returns the number of live subscriptions.
func (s *Store[K, V]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close ends every subscription. Later writes are ignored and later
// subscriptions are returned already closed. Values remain readable.
func (s *Store[K, V]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]*Subscription[K, V])
	s.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
}

// sortedKeys gives seeding a stable order when keys are ordered types and
// falls back to map order otherwise.
func sortedKeys[K comparable, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	if len(keys) > 1 {
		if _, ok := any(keys[0]).(string); ok {
			sort.Slice(keys, func(i, j int) bool {
				return any(keys[i]).(string) < any(keys[j]).(string)
			})
		}
	}
	return keys
}
