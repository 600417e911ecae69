package blockcache

import (
	"container/list"
	"context"
	"sync"

	"github.com/justapithecus/placer/internal/eventloop"
	"github.com/justapithecus/placer/internal/logging"
	"github.com/justapithecus/placer/internal/object"
	"github.com/justapithecus/placer/placer"
)

var cacheLog = logging.GetLogger("blockcache")

// Cache is the process-wide block cache shared by all stream readers.
//
// It coalesces concurrent loads of the same block onto one fetch by keying
// resident blocks on (object, position). Accounting uses the approximate
// uncompressed block size from the footer index. When the budget is
// exceeded, least-recently-requested blocks whose fetch already settled are
// freed first; their Freed future tells readers their prefetched data is
// gone.
type Cache struct {
	maxBytes int64

	mu     sync.Mutex
	blocks map[cacheKey]*DataBlock
	lru    *list.List
	elems  map[cacheKey]*list.Element
	bytes  int64
}

// NewCache creates a cache with the given byte budget.
func NewCache(maxBytes int64) *Cache {
	return &Cache{
		maxBytes: maxBytes,
		blocks:   make(map[cacheKey]*DataBlock),
		lru:      list.New(),
		elems:    make(map[cacheKey]*list.Element),
	}
}

// GetBlock returns the resident block for the given index, pinned for the
// caller, starting a fetch through the reader if the block is not resident.
//
// The second return is true when the block was already resident (its fetch
// may still be in flight). Every returned block must be balanced with one
// Unpin.
func (c *Cache) GetBlock(reader *object.Reader, index placer.BlockIndex) (*DataBlock, bool) {
	key := cacheKey{objectID: reader.Metadata().ObjectID, position: index.Position}

	c.mu.Lock()
	if block, ok := c.blocks[key]; ok {
		block.pin()
		c.lru.MoveToFront(c.elems[key])
		c.mu.Unlock()
		return block, true
	}

	block := newDataBlock(key, index)
	block.pin()
	c.blocks[key] = block
	c.elems[key] = c.lru.PushFront(key)
	c.bytes += block.size()
	victims := c.collectVictimsLocked()
	c.mu.Unlock()

	block.Freed().Subscribe(nil, func(struct{}, error) {
		c.drop(key, block)
	})

	for _, v := range victims {
		v.freeNow()
	}

	reader.Retain()
	eventloop.Go(func() ([]*placer.RecordBatch, error) {
		return reader.ReadBlock(context.Background(), index)
	}).Subscribe(nil, func(batches []*placer.RecordBatch, err error) {
		reader.Release()
		if err != nil {
			cacheLog.Warnf("block load failed: object=%d position=%d: %v",
				key.objectID, key.position, err)
			c.drop(key, block)
			block.fail(err)
			return
		}
		block.complete(batches)
	})

	return block, false
}

// Bytes returns the current accounted size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

// drop removes a block from the index and accounting. The block stays usable
// for holders that already have it pinned; it just stops being discoverable.
func (c *Cache) drop(key cacheKey, block *DataBlock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blocks[key] != block {
		return
	}
	delete(c.blocks, key)
	if elem, ok := c.elems[key]; ok {
		c.lru.Remove(elem)
		delete(c.elems, key)
	}
	c.bytes -= block.size()
}

// collectVictimsLocked picks least-recently-requested settled blocks until
// the budget is met. The newest block is never picked, so a single oversized
// block still makes progress.
func (c *Cache) collectVictimsLocked() []*DataBlock {
	var victims []*DataBlock
	pending := int64(0)
	for elem := c.lru.Back(); elem != nil && c.bytes-pending > c.maxBytes; {
		prev := elem.Prev()
		if elem == c.lru.Front() {
			break
		}
		key := elem.Value.(cacheKey)
		block := c.blocks[key]
		if block != nil && block.evictable() {
			victims = append(victims, block)
			pending += block.size()
		}
		elem = prev
	}
	return victims
}
