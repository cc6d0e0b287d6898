package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestPriorityCache_EvictsLowestPriority(t *testing.T) {
	clk := newFakeClock()
	c := NewPriorityCache(3, 0, WithClock(clk.Now))

	c.Put("a", "A", 0.9)
	clk.Advance(time.Second)
	c.Put("b", "B", 0.8)
	clk.Advance(time.Second)
	c.Put("c", "C", 0.95)
	clk.Advance(time.Second)
	c.Put("d", "D", 0.85)

	if got := c.Len(); got != 3 {
		t.Fatalf("Len: got %d, want 3", got)
	}
	if _, ok := c.Peek("b"); ok {
		t.Error("expected b (lowest priority) to be evicted")
	}
	for _, id := range []string{"a", "c", "d"} {
		if _, ok := c.Peek(id); !ok {
			t.Errorf("expected %s to survive", id)
		}
	}
	if got := c.Metrics().Evictions; got != 1 {
		t.Errorf("Evictions: got %d, want 1", got)
	}
}

func TestPriorityCache_TieBrokenByLastTouched(t *testing.T) {
	clk := newFakeClock()
	c := NewPriorityCache(2, 0, WithClock(clk.Now))

	c.Put("a", "A", 0.9)
	clk.Advance(time.Second)
	c.Put("b", "B", 0.9)
	clk.Advance(time.Second)

	// Touching a makes b the least recently touched.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit on a")
	}
	clk.Advance(time.Second)
	c.Put("c", "C", 0.9)

	if _, ok := c.Peek("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := c.Peek("a"); !ok {
		t.Error("expected a to survive")
	}
}

func TestPriorityCache_TieBrokenByInsertionOrder(t *testing.T) {
	clk := newFakeClock()
	c := NewPriorityCache(2, 0, WithClock(clk.Now))

	c.Put("first", 1, 0.9)
	c.Put("second", 2, 0.9)
	c.Put("third", 3, 0.9)

	if _, ok := c.Peek("first"); ok {
		t.Error("expected first to be evicted")
	}
	if _, ok := c.Peek("second"); !ok {
		t.Error("expected second to survive")
	}
}

func TestPriorityCache_ReplaceDoesNotEvict(t *testing.T) {
	c := NewPriorityCache(2, 0)
	c.Put("a", "A", 0.9)
	c.Put("b", "B", 0.9)
	c.Put("a", "A2", 0.1)

	if got := c.Len(); got != 2 {
		t.Fatalf("Len: got %d, want 2", got)
	}
	if got := c.Metrics().Evictions; got != 0 {
		t.Errorf("Evictions: got %d, want 0", got)
	}
	if v, _ := c.Peek("a"); v != "A2" {
		t.Errorf("content: got %v, want A2", v)
	}

	// a now has the lowest priority and goes first.
	c.Put("c", "C", 0.9)
	if _, ok := c.Peek("a"); ok {
		t.Error("expected replaced a to be evicted")
	}
}

func TestPriorityCache_TTLFromInsertion(t *testing.T) {
	clk := newFakeClock()
	c := NewPriorityCache(4, time.Hour, WithClock(clk.Now))

	c.Put("a", "A", 0.9)
	clk.Advance(30 * time.Minute)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit before TTL")
	}
	// Touching does not extend the TTL.
	clk.Advance(30 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss at TTL")
	}
	if got := c.Len(); got != 0 {
		t.Errorf("expired entry not dropped: Len=%d", got)
	}
	m := c.Metrics()
	if m.Hits != 1 || m.Misses != 1 {
		t.Errorf("metrics: got hits=%d misses=%d, want 1/1", m.Hits, m.Misses)
	}
}

func TestPriorityCache_HitRatio(t *testing.T) {
	c := NewPriorityCache(4, 0)
	if got := c.Metrics().HitRatio; got != 0 {
		t.Fatalf("empty HitRatio: got %v, want 0", got)
	}

	c.Put("a", "A", 0.9)
	c.Get("a")
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	m := c.Metrics()
	if m.HitRatio != 0.75 {
		t.Errorf("HitRatio: got %v, want 0.75", m.HitRatio)
	}
	if m.Size != 1 {
		t.Errorf("Size: got %d, want 1", m.Size)
	}
}

func TestPriorityCache_PeekDoesNotCount(t *testing.T) {
	c := NewPriorityCache(4, 0)
	c.Put("a", "A", 0.9)
	c.Peek("a")
	c.Peek("b")
	if m := c.Metrics(); m.Hits != 0 || m.Misses != 0 {
		t.Errorf("Peek changed counters: %+v", m)
	}
}

func TestPriorityCache_RemoveAndClear(t *testing.T) {
	c := NewPriorityCache(4, 0)
	c.Put("a", "A", 0.9)
	c.Put("b", "B", 0.9)
	c.Get("a")

	c.Remove("a", "unknown")
	if _, ok := c.Peek("a"); ok {
		t.Error("expected a removed")
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len after Remove: got %d, want 1", got)
	}

	c.Clear()
	m := c.Metrics()
	if m.Size != 0 || m.Hits != 0 || m.Misses != 0 || m.Evictions != 0 {
		t.Errorf("Clear did not reset: %+v", m)
	}
}

func TestPriorityCache_NeverExceedsCapacity(t *testing.T) {
	c := NewPriorityCache(16, 0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("g%d-%d", g, i)
				c.Put(id, i, float64(i%10)/10)
				c.Get(id)
				if n := c.Len(); n > 16 {
					t.Errorf("Len %d exceeds capacity", n)
					return
				}
			}
		}(g)
	}
	wg.Wait()

	m := c.Metrics()
	if m.Size != 16 {
		t.Errorf("Size: got %d, want 16", m.Size)
	}
	if m.Evictions != 8*200-16 {
		t.Errorf("Evictions: got %d, want %d", m.Evictions, 8*200-16)
	}
}
