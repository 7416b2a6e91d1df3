package storage

import (
	"sync"
	"testing"
	"time"
)

// countingStore records how many merge operations reach the durable tier.
type countingStore struct {
	mu         sync.Mutex
	putCalls   int
	mergeCalls int
	entries    map[string]CacheEntry
	hints      map[string]PendingWrite
}

func newCountingStore() *countingStore {
	return &countingStore{
		entries: make(map[string]CacheEntry),
		hints:   make(map[string]PendingWrite),
	}
}

func (s *countingStore) GetEntry(key string) (CacheEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

func (s *countingStore) PutEntries(entries map[string]CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	for k, e := range entries {
		s.entries[k] = e
	}
	return nil
}

func (s *countingStore) ClearEntries() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]CacheEntry)
	return nil
}

func (s *countingStore) MergePendingWrites(hints map[string]PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeCalls++
	for k, h := range hints {
		if _, ok := s.hints[k]; !ok {
			s.hints[k] = h
		}
	}
	return nil
}

func (s *countingStore) PendingWrites(limit int) ([]PendingWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingWrite, 0, len(s.hints))
	for _, h := range s.hints {
		out = append(out, h)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *countingStore) ClearPendingWrites() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hints = make(map[string]PendingWrite)
	return nil
}

func (s *countingStore) Sync() error  { return nil }
func (s *countingStore) Close() error { return nil }

func (s *countingStore) counts() (put, merge int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putCalls, s.mergeCalls
}

// Many adds inside one interval collapse into a single durable write per
// namespace.
func TestCoalescerCollapsesAddsIntoOneFlush(t *testing.T) {
	store := newCountingStore()
	w := NewWriteCoalescer(store, time.Hour, 10000)
	w.Start()
	defer w.Stop()

	for i := 0; i < 160; i++ {
		w.AddEntry(testKey(i), CacheEntry{Value: float64(i), InsertedAt: time.Now(), Kind: KindPoint})
	}
	if w.PendingSize() != 160 {
		t.Fatalf("Expected 160 pending, got %d", w.PendingSize())
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	put, _ := store.counts()
	if put != 1 {
		t.Errorf("160 adds should reach the store as 1 write, got %d", put)
	}
	if w.PendingSize() != 0 {
		t.Errorf("Pending queue should be empty after flush, got %d", w.PendingSize())
	}
	if len(store.entries) != 160 {
		t.Errorf("Store should hold all 160 entries, got %d", len(store.entries))
	}
}

func TestCoalescerDedupesHintsByKey(t *testing.T) {
	store := newCountingStore()
	w := NewWriteCoalescer(store, time.Hour, 10000)
	w.Start()
	defer w.Stop()

	for i := 0; i < 5; i++ {
		w.AddHint("acct=13000|from=|to=Jan 2025|sub=|book=|dept=|class=|loc=|cur=")
	}
	if w.PendingSize() != 1 {
		t.Errorf("Repeated hints for one key should collapse, got %d pending", w.PendingSize())
	}

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(store.hints) != 1 {
		t.Errorf("Expected 1 journal row, got %d", len(store.hints))
	}
}

// A full queue clears and logs instead of blocking or growing without bound.
func TestCoalescerCapFailsFast(t *testing.T) {
	store := newCountingStore()
	w := NewWriteCoalescer(store, time.Hour, 100)
	w.Start()
	defer w.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 250; i++ {
			w.AddEntry(testKey(i), CacheEntry{Value: 1, Kind: KindPoint})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Adds past the cap must never block")
	}

	if size := w.PendingSize(); size > 100 {
		t.Errorf("Queue exceeded its cap: %d", size)
	}
}

func TestCoalescerStopPerformsFinalFlush(t *testing.T) {
	store := newCountingStore()
	w := NewWriteCoalescer(store, time.Hour, 10000)
	w.Start()

	w.AddEntry("k1", CacheEntry{Value: 9, Kind: KindPoint})
	w.Stop()

	if _, ok := store.entries["k1"]; !ok {
		t.Error("Stop should flush remaining entries")
	}
}

func TestCoalescerClearDiscardsPending(t *testing.T) {
	store := newCountingStore()
	w := NewWriteCoalescer(store, time.Hour, 10000)
	w.Start()
	defer w.Stop()

	w.AddEntry("k1", CacheEntry{Value: 9, Kind: KindPoint})
	w.AddHint("k1")
	w.Clear()

	if err := w.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	put, merge := store.counts()
	if put != 0 || merge != 0 {
		t.Errorf("Cleared queue should produce no durable writes, got %d/%d", put, merge)
	}
}

func testKey(i int) string {
	return "acct=13000|from=|to=Jan 2025|key=" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}
