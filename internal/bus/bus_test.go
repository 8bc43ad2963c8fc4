package bus

import (
	"sync/atomic"
	"testing"
)

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	b := New()
	var a, c atomic.Int32
	b.Subscribe("a", func(Event) { a.Add(1) })
	b.Subscribe("c", func(Event) { c.Add(1) })
	b.Subscribe("boom", func(Event) { panic("handler bug") })

	b.Broadcast(Event{Name: "x"})
	if a.Load() != 1 || c.Load() != 1 {
		t.Fatalf("a=%d c=%d, want 1 each", a.Load(), c.Load())
	}

	b.Unsubscribe("a")
	b.Broadcast(Event{Name: "y"})
	if a.Load() != 1 || c.Load() != 2 {
		t.Errorf("after unsubscribe a=%d c=%d", a.Load(), c.Load())
	}
}
