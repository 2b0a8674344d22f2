// ABOUTME: In-process LRU cache of loaded workbook handles, bounded by count and bytes
// ABOUTME: Entries expire after an idle TTL; oversized handles are rejected outright

package cache

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/airrange-io/spreadapi-gateway/internal/engine"
)

// Workbook cache defaults
const (
	DefaultWorkbookIdleTTL    = 10 * time.Minute
	DefaultWorkbookMaxEntries = 100
	DefaultWorkbookMaxBytes   = 1 << 30
	DefaultWorkbookEntryBytes = 200 << 20
)

var (
	// ErrEntryTooLarge is returned by Put when a handle exceeds the per-entry ceiling
	ErrEntryTooLarge = errors.New("workbook exceeds cache entry limit")

	// ErrHandleClosed is returned by Evaluate on a handle that was evicted
	ErrHandleClosed = errors.New("workbook handle closed")
)

// WorkbookOptions bounds a WorkbookCache. Zero values use the defaults.
type WorkbookOptions struct {
	MaxEntries    int
	MaxBytes      int64
	MaxEntryBytes int64
	IdleTTL       time.Duration

	// CleanupInterval is how often idle entries are swept; defaults to a minute.
	CleanupInterval time.Duration

	// Now replaces the clock, for tests.
	Now func() time.Time

	Logger *slog.Logger
}

// Handle wraps a cached workbook. Evaluations of one handle are serialized
// because engine workbooks are not safe for concurrent use.
type Handle struct {
	ServiceID string
	Version   string
	LoadedAt  time.Time

	mu     sync.Mutex
	wb     engine.Workbook
	closed bool
}

// NewHandle wraps a freshly opened workbook.
func NewHandle(serviceID, version string, wb engine.Workbook, loadedAt time.Time) *Handle {
	return &Handle{ServiceID: serviceID, Version: version, wb: wb, LoadedAt: loadedAt}
}

// Evaluate runs one evaluation while holding the handle's lock.
func (h *Handle) Evaluate(ctx context.Context, ev engine.Evaluation) (map[string]any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHandleClosed
	}
	return h.wb.Evaluate(ctx, ev)
}

// Size returns the workbook's reported size.
func (h *Handle) Size() int64 {
	return h.wb.Size()
}

// close waits for any running evaluation before releasing the workbook.
func (h *Handle) close(logger *slog.Logger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	if err := h.wb.Close(); err != nil {
		logger.Warn("closing workbook failed", "service_id", h.ServiceID, "error", err)
	}
}

type workbookEntry struct {
	handle   *Handle
	size     int64
	lastUsed time.Time
	element  *list.Element
}

// WorkbookCache maps service ids to loaded workbook handles. The least
// recently used entry is evicted once the entry count or total bytes exceed
// their limits.
type WorkbookCache struct {
	mu      sync.Mutex
	entries map[string]*workbookEntry
	order   *list.List // service ids, least recently used at front
	bytes   int64
	opts    WorkbookOptions
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

// NewWorkbookCache creates a cache and starts its idle sweeper.
func NewWorkbookCache(opts WorkbookOptions) *WorkbookCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultWorkbookMaxEntries
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultWorkbookMaxBytes
	}
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = DefaultWorkbookEntryBytes
	}
	// An entry larger than the whole budget would evict itself on insert.
	if opts.MaxEntryBytes > opts.MaxBytes {
		opts.MaxEntryBytes = opts.MaxBytes
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultWorkbookIdleTTL
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &WorkbookCache{
		entries: make(map[string]*workbookEntry),
		order:   list.New(),
		opts:    opts,
		logger:  opts.Logger.With("component", "workbook_cache"),
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Get returns a live handle and marks it most recently used.
func (c *WorkbookCache) Get(serviceID string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[serviceID]
	if !ok {
		return nil, false
	}
	now := c.opts.Now()
	if now.Sub(entry.lastUsed) >= c.opts.IdleTTL {
		c.removeLocked(serviceID, entry)
		return nil, false
	}
	entry.lastUsed = now
	c.order.MoveToBack(entry.element)
	return entry.handle, true
}

// Contains reports whether a live handle is cached without touching recency.
func (c *WorkbookCache) Contains(serviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[serviceID]
	return ok && c.opts.Now().Sub(entry.lastUsed) < c.opts.IdleTTL
}

// Put inserts or replaces the handle for a service. A handle above the
// per-entry limit is rejected with ErrEntryTooLarge and nothing is evicted.
func (c *WorkbookCache) Put(h *Handle) error {
	size := h.Size()
	if size > c.opts.MaxEntryBytes {
		return ErrEntryTooLarge
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, exists := c.entries[h.ServiceID]; exists {
		c.removeLocked(h.ServiceID, old)
	}

	elem := c.order.PushBack(h.ServiceID)
	c.entries[h.ServiceID] = &workbookEntry{
		handle:   h,
		size:     size,
		lastUsed: c.opts.Now(),
		element:  elem,
	}
	c.bytes += size

	for len(c.entries) > c.opts.MaxEntries || c.bytes > c.opts.MaxBytes {
		if !c.evictOldest() {
			break
		}
	}
	return nil
}

// Invalidate drops the handle for a service, if any.
func (c *WorkbookCache) Invalidate(serviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[serviceID]; ok {
		c.removeLocked(serviceID, entry)
		c.logger.Debug("workbook invalidated", "service_id", serviceID)
	}
}

// Len returns the number of cached handles.
func (c *WorkbookCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Bytes returns the total size of cached handles.
func (c *WorkbookCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// evictOldest removes the least recently used entry. Must be called with mu held.
func (c *WorkbookCache) evictOldest() bool {
	front := c.order.Front()
	if front == nil {
		return false
	}
	serviceID, _ := front.Value.(string)
	c.removeLocked(serviceID, c.entries[serviceID])
	c.logger.Debug("workbook evicted", "service_id", serviceID)
	return true
}

// removeLocked unlinks an entry and releases its handle once no evaluation
// holds it. Must be called with mu held.
func (c *WorkbookCache) removeLocked(serviceID string, entry *workbookEntry) {
	c.order.Remove(entry.element)
	delete(c.entries, serviceID)
	c.bytes -= entry.size
	go entry.handle.close(c.logger)
}

// cleanup runs in a background goroutine, periodically removing idle entries.
func (c *WorkbookCache) cleanup() {
	ticker := time.NewTicker(c.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.RemoveIdle()
		case <-c.done:
			return
		}
	}
}

// RemoveIdle drops every entry idle for longer than the TTL.
func (c *WorkbookCache) RemoveIdle() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	removed := 0
	for serviceID, entry := range c.entries {
		if now.Sub(entry.lastUsed) >= c.opts.IdleTTL {
			c.removeLocked(serviceID, entry)
			removed++
		}
	}
	return removed
}

// Close stops the sweeper and releases every handle. It is safe to call multiple times.
func (c *WorkbookCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	close(c.done)
	c.closed = true
	for serviceID, entry := range c.entries {
		c.removeLocked(serviceID, entry)
	}
}
