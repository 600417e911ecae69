// Package blockcache implements the shared block cache and the per-stream
// reader that serves sequential reads through it.
//
// The cache holds prefetched, not-yet-read block data. A block is pinned by
// every reader that may still consume it and freed as soon as it has been
// read and fully unpinned, or evicted under memory pressure before being
// read. Eviction of unread data is surfaced to readers through a free
// future so they can shrink their readahead.
package blockcache

import (
	"sync"

	"github.com/justapithecus/placer/internal/eventloop"
	"github.com/justapithecus/placer/placer"
)

// cacheKey identifies one block within one object.
type cacheKey struct {
	objectID int64
	position int64
}

// DataBlock holds the loaded record batches of one object block.
//
// A block is created unloaded; the cache settles Loaded once the fetch
// completes. Pins keep the block resident: it is freed when it has been
// marked read and the pin count reaches zero, or earlier by cache eviction.
type DataBlock struct {
	key   cacheKey
	index placer.BlockIndex

	loaded *eventloop.Future[struct{}]
	freed  *eventloop.Future[struct{}]

	mu      sync.Mutex
	batches []*placer.RecordBatch
	pins    int
	read    bool
	dead    bool
	settled bool
	loadErr error
}

func newDataBlock(key cacheKey, index placer.BlockIndex) *DataBlock {
	return &DataBlock{
		key:    key,
		index:  index,
		loaded: eventloop.NewFuture[struct{}](),
		freed:  eventloop.NewFuture[struct{}](),
	}
}

// Index returns the block's index entry.
func (b *DataBlock) Index() placer.BlockIndex { return b.index }

// Loaded settles once the block's data fetch completes, successfully or not.
func (b *DataBlock) Loaded() *eventloop.Future[struct{}] { return b.loaded }

// Freed settles once the block's data has been dropped, whether by normal
// release or by cache eviction.
func (b *DataBlock) Freed() *eventloop.Future[struct{}] { return b.freed }

// complete installs the fetched batches and settles Loaded.
// The block takes over the caller's reference on every batch.
func (b *DataBlock) complete(batches []*placer.RecordBatch) {
	b.mu.Lock()
	if b.dead {
		b.settled = true
		b.mu.Unlock()
		for _, batch := range batches {
			batch.Release()
		}
		b.loaded.Complete(struct{}{})
		return
	}
	b.batches = batches
	b.settled = true
	b.mu.Unlock()
	b.loaded.Complete(struct{}{})
}

// fail settles Loaded with the fetch error.
func (b *DataBlock) fail(err error) {
	b.mu.Lock()
	b.settled = true
	b.loadErr = err
	b.mu.Unlock()
	b.loaded.Fail(err)
}

// Unusable reports whether the block can no longer serve reads, either
// because its fetch failed or because its data was freed.
func (b *DataBlock) Unusable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dead || b.loadErr != nil
}

// evictable reports whether the block's fetch has settled, so eviction does
// not race an in-flight load's accounting.
func (b *DataBlock) evictable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settled && !b.dead
}

// Batches returns the loaded batches overlapping [startOffset, endOffset),
// retaining one reference per returned batch for the caller.
//
// endOffset == -1 means no upper bound. It must only be called after Loaded
// settled successfully. The second return is false if the block's data was
// already freed, typically by eviction; the caller must refetch through a
// fresh block.
func (b *DataBlock) Batches(startOffset, endOffset int64) ([]*placer.RecordBatch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dead {
		return nil, false
	}

	var out []*placer.RecordBatch
	for _, batch := range b.batches {
		if batch.LastOffset() <= startOffset {
			continue
		}
		if endOffset != -1 && batch.BaseOffset >= endOffset {
			break
		}
		batch.Retain()
		out = append(out, batch)
	}
	return out, true
}

// pin adds one pin. Pinning a dead block is allowed; the pin is inert.
func (b *DataBlock) pin() {
	b.mu.Lock()
	b.pins++
	b.mu.Unlock()
}

// Unpin removes one pin, freeing the block if it was already read.
func (b *DataBlock) Unpin() {
	b.mu.Lock()
	b.pins--
	free := b.read && b.pins <= 0 && !b.dead
	b.mu.Unlock()
	if free {
		b.freeNow()
	}
}

// MarkRead records that the block's data has been consumed, freeing it once
// the last pin drops.
func (b *DataBlock) MarkRead() {
	b.mu.Lock()
	b.read = true
	free := b.pins <= 0 && !b.dead
	b.mu.Unlock()
	if free {
		b.freeNow()
	}
}

// freeNow drops the batches and settles Freed.
func (b *DataBlock) freeNow() {
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return
	}
	b.dead = true
	batches := b.batches
	b.batches = nil
	b.mu.Unlock()

	for _, batch := range batches {
		batch.Release()
	}
	b.freed.Complete(struct{}{})
}

// size returns the block's resident payload footprint.
func (b *DataBlock) size() int64 {
	return int64(b.index.SizeBytes)
}
