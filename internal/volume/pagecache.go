package volume

import (
	"container/list"
	"sync"

	"github.com/brinkwell/uds/pkg/ioblock"
)

// Page is a pinned, cached 4 KiB block.
type Page struct {
	BlockNum int64
	Data     []byte
}

type pageEntry struct {
	blockNum int64
	data     []byte
	pinCount int
	loading  bool
	err      error
	lruElem  *list.Element
}

// PageCache is a fixed-capacity cache of device blocks, shared read-only
// across zones (spec.md §4.3): per-page pin counts, at most one
// outstanding read per page, and approximate LRU eviction of unpinned
// pages. Pinning a page blocks it from eviction until Unpin is called an
// equal number of times.
type PageCache struct {
	mu       sync.Mutex
	cond     *sync.Cond
	dev      ioblock.Device
	capacity int
	entries  map[int64]*pageEntry
	lru      *list.List // front = most recently unpinned
}

// NewPageCache constructs a cache over dev holding at most capacity
// pages at once (pinned pages count against capacity but are never
// chosen for eviction).
func NewPageCache(dev ioblock.Device, capacity int) *PageCache {
	c := &PageCache{
		dev:      dev,
		capacity: capacity,
		entries:  make(map[int64]*pageEntry),
		lru:      list.New(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Pin returns the page at blockNum, reading it from the device if not
// already cached. Concurrent Pin calls for the same uncached block
// block behind a single in-flight read; the caller must call Unpin
// exactly once per successful Pin.
func (c *PageCache) Pin(blockNum int64) (*Page, error) {
	c.mu.Lock()
	for {
		e, ok := c.entries[blockNum]
		if ok {
			if e.loading {
				c.cond.Wait()
				continue
			}
			if e.err != nil {
				err := e.err
				c.mu.Unlock()
				return nil, err
			}
			if e.lruElem != nil {
				c.lru.Remove(e.lruElem)
				e.lruElem = nil
			}
			e.pinCount++
			c.mu.Unlock()
			return &Page{BlockNum: blockNum, Data: e.data}, nil
		}
		break
	}

	e := &pageEntry{blockNum: blockNum, loading: true}
	c.entries[blockNum] = e
	c.mu.Unlock()

	data, readErr := c.dev.ReadBlock(blockNum)

	c.mu.Lock()
	e.loading = false
	if readErr != nil {
		e.err = readErr
		delete(c.entries, blockNum)
		c.cond.Broadcast()
		c.mu.Unlock()
		return nil, readErr
	}
	e.data = data
	e.pinCount = 1
	c.cond.Broadcast()
	c.evictLocked()
	c.mu.Unlock()

	return &Page{BlockNum: blockNum, Data: data}, nil
}

// Unpin releases one pin on blockNum. Once a page's pin count reaches
// zero it becomes eligible for LRU eviction.
func (c *PageCache) Unpin(blockNum int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[blockNum]
	if !ok {
		return
	}
	e.pinCount--
	if e.pinCount <= 0 {
		e.pinCount = 0
		e.lruElem = c.lru.PushFront(e)
		c.evictLocked()
	}
}

// Invalidate drops blockNum from the cache (used after the chapter
// writer overwrites a physical page, so stale data is never served). It
// is a no-op if the page is absent, pinned, or still loading.
func (c *PageCache) Invalidate(blockNum int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[blockNum]
	if !ok || e.pinCount > 0 || e.loading {
		return
	}
	if e.lruElem != nil {
		c.lru.Remove(e.lruElem)
	}
	delete(c.entries, blockNum)
}

// evictLocked drops unpinned entries, oldest first, until the cache is
// back within capacity. Must be called with c.mu held.
func (c *PageCache) evictLocked() {
	for len(c.entries) > c.capacity && c.lru.Len() > 0 {
		back := c.lru.Back()
		e := back.Value.(*pageEntry)
		c.lru.Remove(back)
		delete(c.entries, e.blockNum)
	}
}

// Len returns the current number of cached pages (pinned + unpinned).
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
