package agenttask

import "testing"

func TestReportCachePutGet(t *testing.T) {
	c := NewReportCache(4)
	c.Put("task-1", ReportCacheEntry{ReportMarkdown: "r1"})

	got, ok := c.Get("task-1")
	if !ok {
		t.Fatal("expected entry to be found")
	}
	if got.ReportMarkdown != "r1" {
		t.Errorf("unexpected entry: %+v", got)
	}
}

func TestReportCacheGetMissing(t *testing.T) {
	c := NewReportCache(4)
	if _, ok := c.Get("missing"); ok {
		t.Error("expected miss for an unknown key")
	}
}

func TestReportCacheEvictsOldestInsertedOnOverflow(t *testing.T) {
	c := NewReportCache(2)
	c.Put("a", ReportCacheEntry{ReportMarkdown: "a"})
	c.Put("b", ReportCacheEntry{ReportMarkdown: "b"})
	c.Put("c", ReportCacheEntry{ReportMarkdown: "c"})

	if _, ok := c.Get("a"); ok {
		t.Error("expected the oldest-inserted entry to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected b to survive the overflow")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected c to survive the overflow")
	}
	if c.Len() != 2 {
		t.Errorf("expected Len() = 2, got %d", c.Len())
	}
}

func TestReportCacheGetDoesNotAffectEvictionOrder(t *testing.T) {
	c := NewReportCache(2)
	c.Put("a", ReportCacheEntry{ReportMarkdown: "a"})
	c.Put("b", ReportCacheEntry{ReportMarkdown: "b"})

	// Repeatedly reading "a" must not protect it from FIFO eviction —
	// this is the behavior that rules out an LRU-style cache.
	for i := 0; i < 5; i++ {
		c.Get("a")
	}
	c.Put("c", ReportCacheEntry{ReportMarkdown: "c"})

	if _, ok := c.Get("a"); ok {
		t.Error("expected 'a' to be evicted despite being recently read (FIFO, not LRU)")
	}
}

func TestReportCacheUpdateIsIdempotentAndKeepsPosition(t *testing.T) {
	c := NewReportCache(2)
	c.Put("a", ReportCacheEntry{ReportMarkdown: "v1"})
	c.Put("b", ReportCacheEntry{ReportMarkdown: "b"})

	// Updating "a" must not move it to the back of the FIFO order.
	c.Put("a", ReportCacheEntry{ReportMarkdown: "v2"})
	c.Put("c", ReportCacheEntry{ReportMarkdown: "c"})

	if _, ok := c.Get("a"); ok {
		t.Error("expected 'a' to still be evicted first despite the update")
	}
	got, ok := c.Get("b")
	if !ok || got.ReportMarkdown != "b" {
		t.Error("expected 'b' to survive")
	}
}

func TestNewReportCacheDefaultsNonPositiveCapacity(t *testing.T) {
	c := NewReportCache(0)
	for i := 0; i < 200; i++ {
		c.Put(string(rune('a')+rune(i)), ReportCacheEntry{ReportMarkdown: "x"})
	}
	if c.Len() == 0 {
		t.Error("expected a non-positive capacity to fall back to a usable default")
	}
}
