package storage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// WriteCoalescer debounces durable writes so the hot path never touches the
// disk. Adds only mutate in-memory maps; a single scheduled flush per tick
// performs one read-merge-write against the store for everything that
// accumulated. There are no retries and no waiting on the caller's side: a
// full queue fails fast, logs, and clears instead of growing or spinning.
type WriteCoalescer struct {
	store      Store
	interval   time.Duration
	maxPending int

	mu      sync.Mutex
	entries map[string]CacheEntry
	hints   map[string]PendingWrite

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// For manual flush requests
	flushCh chan chan error

	flushes atomic.Int64
	dropped atomic.Int64
}

// NewWriteCoalescer creates a coalescer flushing to store every interval.
// maxPending caps the combined size of the two pending maps.
func NewWriteCoalescer(store Store, interval time.Duration, maxPending int) *WriteCoalescer {
	if interval <= 0 {
		interval = time.Second
	}
	if maxPending <= 0 {
		maxPending = 1000
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WriteCoalescer{
		store:      store,
		interval:   interval,
		maxPending: maxPending,
		entries:    make(map[string]CacheEntry),
		hints:      make(map[string]PendingWrite),
		ctx:        ctx,
		cancel:     cancel,
		flushCh:    make(chan chan error),
	}
}

// Start begins the background flush loop.
func (w *WriteCoalescer) Start() {
	w.wg.Add(1)
	go w.run()
	slog.Info("write coalescer started",
		slog.Duration("interval", w.interval),
		slog.Int("max_pending", w.maxPending))
}

// Stop performs a final flush and stops the loop.
func (w *WriteCoalescer) Stop() {
	slog.Info("stopping write coalescer")
	w.cancel()
	w.wg.Wait()
	slog.Info("write coalescer stopped")
}

// Flush triggers an immediate flush and waits for completion.
func (w *WriteCoalescer) Flush() error {
	resultCh := make(chan error, 1)
	select {
	case w.flushCh <- resultCh:
		return <-resultCh
	case <-w.ctx.Done():
		return w.ctx.Err()
	}
}

// AddEntry queues a cache entry for durable persistence. Never performs I/O.
func (w *WriteCoalescer) AddEntry(key string, entry CacheEntry) {
	w.mu.Lock()
	w.entries[key] = entry
	w.enforceCapLocked()
	w.mu.Unlock()
}

// AddHint queues a requested-key journal row. Never performs I/O.
func (w *WriteCoalescer) AddHint(key string) {
	w.mu.Lock()
	if _, ok := w.hints[key]; !ok {
		w.hints[key] = PendingWrite{
			Key:         key,
			ID:          NewULID(),
			RequestedAt: time.Now().UTC(),
		}
	}
	w.enforceCapLocked()
	w.mu.Unlock()
}

// enforceCapLocked fails fast when the pending maps exceed the cap: the
// queue is cleared and the loss is logged. This replaces unbounded growth,
// not honest persistence; journal rows are hints, and cache entries lost
// here remain served from the memory tier.
func (w *WriteCoalescer) enforceCapLocked() {
	total := len(w.entries) + len(w.hints)
	if total <= w.maxPending {
		return
	}
	slog.Error("pending write queue over capacity, clearing",
		slog.Int("pending", total),
		slog.Int("max_pending", w.maxPending))
	w.dropped.Add(int64(total))
	w.entries = make(map[string]CacheEntry)
	w.hints = make(map[string]PendingWrite)
}

// PendingSize returns the combined size of the pending maps.
func (w *WriteCoalescer) PendingSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries) + len(w.hints)
}

// Flushes returns how many durable merge operations have completed.
func (w *WriteCoalescer) Flushes() int64 {
	return w.flushes.Load()
}

// Clear discards all pending writes without persisting them.
func (w *WriteCoalescer) Clear() {
	w.mu.Lock()
	w.entries = make(map[string]CacheEntry)
	w.hints = make(map[string]PendingWrite)
	w.mu.Unlock()
}

// run is the main loop for the coalescer.
func (w *WriteCoalescer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			// Perform final flush before stopping
			if err := w.flush(); err != nil {
				slog.Error("final write flush failed", slog.Any("error", err))
			}
			return

		case <-ticker.C:
			if err := w.flush(); err != nil {
				slog.Error("write flush failed", slog.Any("error", err))
			}

		case resultCh := <-w.flushCh:
			// Manual flush request (blocking - caller waits)
			resultCh <- w.flush()
		}
	}
}

// flush swaps out the pending maps and performs one read-merge-write per
// namespace. Failed batches are dropped after logging; the next adds start a
// fresh batch.
func (w *WriteCoalescer) flush() error {
	w.mu.Lock()
	entries := w.entries
	hints := w.hints
	if len(entries) == 0 && len(hints) == 0 {
		w.mu.Unlock()
		return nil
	}
	w.entries = make(map[string]CacheEntry)
	w.hints = make(map[string]PendingWrite)
	w.mu.Unlock()

	start := time.Now()

	if err := w.store.PutEntries(entries); err != nil {
		return err
	}
	if err := w.store.MergePendingWrites(hints); err != nil {
		return err
	}

	w.flushes.Add(1)
	slog.Debug("write flush completed",
		slog.Int("entries", len(entries)),
		slog.Int("hints", len(hints)),
		slog.Duration("duration", time.Since(start)))

	return nil
}
