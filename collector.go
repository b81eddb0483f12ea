package segmentz

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector buffers flushed segment documents for batch export.
// Safe for concurrent use by multiple goroutines.
//
//nolint:govet // Field alignment optimized for readability over memory efficiency
type Collector struct {
	docs         []Document
	docsCh       chan Document
	stopCh       chan struct{}
	done         chan struct{}
	droppedCount atomic.Int64
	name         string
	mu           sync.Mutex
	closeOnce    sync.Once
	closed       atomic.Bool // Track if collector is closed.
	syncMode     atomic.Bool // Bypass channel for synchronous collection.
}

// NewCollector creates a new collector with the specified name and buffer size.
func NewCollector(name string, bufferSize int) *Collector {
	c := &Collector{
		name:   name,
		docs:   make([]Document, 0, 8), // Start with small capacity.
		docsCh: make(chan Document, bufferSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.start()
	return c
}

// Name returns the name the collector was created with.
func (c *Collector) Name() string {
	return c.name
}

// start runs the collector's main loop, receiving documents from the channel.
func (c *Collector) start() {
	defer close(c.done)

	for {
		select {
		case <-c.stopCh:
			// Drain remaining documents before shutdown.
			for {
				select {
				case doc := <-c.docsCh:
					c.buffer(doc)
				default:
					return // Clean shutdown.
				}
			}
		case doc := <-c.docsCh:
			c.buffer(doc)
		}
	}
}

// Close shuts down the collector, draining queued documents.
// Safe to call multiple times.
func (c *Collector) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.stopCh)
		select {
		case <-c.done:
		case <-time.After(100 * time.Millisecond):
		}
	})
}

// Collect attempts to buffer a document with backpressure protection.
// If the internal channel is full, the document is dropped and the drop counter is incremented.
// In sync mode, documents are collected directly for deterministic testing.
func (c *Collector) Collect(doc *Document) {
	if doc == nil || c.closed.Load() {
		c.droppedCount.Add(1)
		return
	}

	if c.syncMode.Load() {
		c.buffer(*doc)
		return
	}

	select {
	case c.docsCh <- *doc:
		// Successfully queued.
	default:
		// Channel full - drop document to prevent blocking.
		c.droppedCount.Add(1)
	}
}

// buffer appends a document to the internal buffer.
func (c *Collector) buffer(doc Document) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.docs) >= cap(c.docs) {
		currentCap := cap(c.docs)
		var newCap int
		if currentCap < 1024 {
			// Double capacity for small buffers.
			newCap = currentCap * 2
		} else {
			// Grow by 50% for large buffers to avoid excessive memory usage.
			newCap = currentCap + currentCap/2
		}
		if newCap < 32 {
			newCap = 32
		}
		grown := make([]Document, len(c.docs), newCap)
		copy(grown, c.docs)
		c.docs = grown
	}
	c.docs = append(c.docs, doc)
}

// Export returns all buffered documents and clears the internal buffer.
// Documents are snapshots, so the returned slice is safe to modify.
func (c *Collector) Export() []Document {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.docs) == 0 {
		return nil
	}

	result := make([]Document, len(c.docs))
	copy(result, c.docs)

	// Only shrink if buffer is very oversized to avoid allocation churn.
	if cap(c.docs) > 256 && len(c.docs) < cap(c.docs)/8 {
		newCap := cap(c.docs) / 4
		if newCap < 32 {
			newCap = 32
		}
		c.docs = make([]Document, 0, newCap)
	} else {
		c.docs = c.docs[:0]
	}

	return result
}

// Count returns the current number of buffered documents.
func (c *Collector) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// DroppedCount returns the total number of documents dropped due to backpressure or shutdown.
func (c *Collector) DroppedCount() int64 {
	return c.droppedCount.Load()
}

// SetSyncMode enables synchronous collection for testing.
// When enabled, documents are collected directly without using the channel.
func (c *Collector) SetSyncMode(sync bool) {
	c.syncMode.Store(sync)
}

// Reset clears all buffered documents and resets the drop counter.
// Does not affect the running goroutine - use Close() for that.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.docs = c.docs[:0]
	c.droppedCount.Store(0)
}
