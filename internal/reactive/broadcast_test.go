package reactive

import (
	"sync"
	"testing"
	"time"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("feed closed unexpectedly")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for item")
	}
	var zero T
	return zero
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster[int]()
	defer b.Close()

	all := b.Subscribe(nil, 4)
	even := b.Subscribe(func(n int) bool { return n%2 == 0 }, 4)

	for _, n := range []int{1, 2, 3, 4} {
		b.Publish(n)
	}

	for _, want := range []int{1, 2, 3, 4} {
		if got := recv(t, all.C()); got != want {
			t.Errorf("all feed got %d, want %d", got, want)
		}
	}
	for _, want := range []int{2, 4} {
		if got := recv(t, even.C()); got != want {
			t.Errorf("even feed got %d, want %d", got, want)
		}
	}
}

func TestBroadcaster_OverlappingFeedsBothReceive(t *testing.T) {
	b := NewBroadcaster[string]()
	defer b.Close()

	a := b.Subscribe(func(s string) bool { return s == "alarm" }, 1)
	c := b.Subscribe(func(s string) bool { return s == "alarm" || s == "config" }, 1)

	if n := b.Publish("alarm"); n != 2 {
		t.Errorf("Publish() delivered to %d feeds, want 2", n)
	}
	recv(t, a.C())
	recv(t, c.C())
}

func TestBroadcaster_FullFeedDropsWithoutBlocking(t *testing.T) {
	b := NewBroadcaster[int]()
	defer b.Close()

	feed := b.Subscribe(nil, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full feed")
	}

	if got := recv(t, feed.C()); got != 0 {
		t.Errorf("first item = %d, want 0", got)
	}
	if feed.Dropped() != 99 {
		t.Errorf("Dropped() = %d, want 99", feed.Dropped())
	}
}

func TestBroadcaster_FeedClose(t *testing.T) {
	b := NewBroadcaster[int]()
	defer b.Close()

	feed := b.Subscribe(nil, 1)
	feed.Close()
	feed.Close()

	if b.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d after Close, want 0", b.Subscribers())
	}
	if _, ok := <-feed.C(); ok {
		t.Error("feed channel still open after Close")
	}
	if n := b.Publish(1); n != 0 {
		t.Errorf("Publish() after feed Close delivered to %d", n)
	}
}

func TestBroadcaster_CloseEndsFeeds(t *testing.T) {
	b := NewBroadcaster[int]()
	feed := b.Subscribe(nil, 1)

	b.Close()
	b.Close()

	if _, ok := <-feed.C(); ok {
		t.Error("feed channel still open after broadcaster Close")
	}

	late := b.Subscribe(nil, 1)
	if _, ok := <-late.C(); ok {
		t.Error("late feed should be closed")
	}
	late.Close()
}

func TestBroadcaster_ConcurrentPublishAndClose(t *testing.T) {
	b := NewBroadcaster[int]()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feed := b.Subscribe(nil, 8)
			for j := 0; j < 50; j++ {
				b.Publish(j)
			}
			feed.Close()
		}()
	}
	wg.Wait()
	b.Close()
}
