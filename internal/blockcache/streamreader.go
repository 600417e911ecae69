package blockcache

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/justapithecus/placer/internal/eventloop"
	"github.com/justapithecus/placer/internal/logging"
	"github.com/justapithecus/placer/internal/object"
	"github.com/justapithecus/placer/placer"
)

var (
	readerLog = logging.GetLogger("streamreader")

	// retryWarn keeps a storm of compaction-induced retries from flooding
	// the log.
	retryWarn = logging.NewSuppressor(readerLog, 30*time.Second)

	// evictWarn rate-limits the warning for prefetched data evicted unread.
	evictWarn = logging.NewSuppressor(readerLog, 30*time.Second)
)

const (
	// getObjectStep is how many objects one window extension fetches.
	getObjectStep = 4

	// defaultReadaheadSize is the initial readahead span in bytes.
	defaultReadaheadSize = 512 * 1024

	// maxReadaheadSize caps the doubling readahead span.
	maxReadaheadSize = 32 * 1024 * 1024

	// readaheadResetCooldown is the minimum quiet period after a prefetched
	// block was evicted before readahead resumes.
	readaheadResetCooldown = time.Minute

	// readRetries is how many times a read is retried after a retryable
	// failure rebuilds the block window.
	readRetries = 1
)

// windowBlock is one block in a reader's forward-looking window.
type windowBlock struct {
	meta   placer.ObjectMetadata
	index  placer.BlockIndex
	reader *object.Reader

	data *DataBlock
}

// StreamReader serves sequential reads of one stream.
//
// All state is confined to the reader's event loop: every entry point posts
// to the loop, and blocking work settles futures whose callbacks are posted
// back. The reader keeps a contiguous window of upcoming block indexes,
// materializes their data through the shared cache, and prefetches ahead of
// the consumer with a readahead span that doubles while the consumer keeps
// catching the prefetch frontier and collapses when the cache evicts
// prefetched data before it is read.
type StreamReader struct {
	id       uuid.UUID
	streamID int64
	loop     *eventloop.Loop
	cache    *Cache
	storage  placer.Storage
	manager  placer.ObjectManager
	now      func() time.Time

	nextReadOffset int64
	blocks         []*windowBlock
	readers        map[int64]*object.Reader
	loadMore       *eventloop.Future[struct{}]

	readahead  readaheadState
	lastAccess time.Time
	closed     bool
}

// readaheadState tracks the prefetch span and its backoff.
type readaheadState struct {
	size         int64
	mark         int64
	nextOffset   int64
	inflight     *eventloop.Future[int64]
	requireReset bool
	resetAt      time.Time
}

// NewStreamReader creates a reader positioned at startOffset.
func NewStreamReader(streamID, startOffset int64, loop *eventloop.Loop, cache *Cache, storage placer.Storage, manager placer.ObjectManager) *StreamReader {
	r := &StreamReader{
		id:             uuid.New(),
		streamID:       streamID,
		loop:           loop,
		cache:          cache,
		storage:        storage,
		manager:        manager,
		now:            time.Now,
		nextReadOffset: startOffset,
		readers:        make(map[int64]*object.Reader),
	}
	r.readahead.size = defaultReadaheadSize
	r.readahead.mark = startOffset
	r.readahead.nextOffset = startOffset
	r.lastAccess = r.now()
	return r
}

// NextReadOffset returns the offset the next read must start at.
// It must be called on the reader's loop.
func (r *StreamReader) NextReadOffset() int64 { return r.nextReadOffset }

// LastAccess returns the time of the last read.
// It must be called on the reader's loop.
func (r *StreamReader) LastAccess() time.Time { return r.lastAccess }

// Read serves one sequential read of about maxBytes of batch payload
// starting exactly at the reader's next read offset: batches are taken while
// budget remains, so the last one may carry the total past maxBytes.
// endOffset == -1 means no upper bound. The future settles on the reader's
// loop.
func (r *StreamReader) Read(ctx context.Context, startOffset, endOffset int64, maxBytes int32) *eventloop.Future[*placer.ReadResult] {
	fut := eventloop.NewFuture[*placer.ReadResult]()
	r.loop.Submit(func() {
		if r.closed {
			fut.Fail(placer.ErrClosed)
			return
		}
		if startOffset != r.nextReadOffset {
			fut.Fail(fmt.Errorf("read at %d, reader positioned at %d", startOffset, r.nextReadOffset))
			return
		}
		r.lastAccess = r.now()
		r.read(ctx, fut, endOffset, maxBytes, readRetries)
	})
	return fut
}

// read runs one attempt and retries once, after a window rebuild, on
// failures a rebuild can cure.
func (r *StreamReader) read(ctx context.Context, fut *eventloop.Future[*placer.ReadResult], endOffset int64, maxBytes int32, retries int) {
	r.readOnce(ctx, endOffset, maxBytes).Subscribe(r.loop, func(result *placer.ReadResult, err error) {
		if err == nil {
			fut.Complete(result)
			return
		}
		if retries > 0 && placer.IsRetryable(err) {
			retryWarn.Warn("reader %s stream %d read at %d failed, rebuilding window: %v",
				r.id, r.streamID, r.nextReadOffset, err)
			r.resetBlocks()
			r.read(ctx, fut, endOffset, maxBytes, retries-1)
			return
		}
		fut.Fail(err)
	})
}

// readOnce performs one full read attempt: collect covering blocks, wait for
// their data, cut batches and advance, topping up with further passes while
// budget remains. Block sizes in the index are approximate, so one pass can
// deliver fewer payload bytes than the budget asked for.
func (r *StreamReader) readOnce(ctx context.Context, endOffset int64, maxBytes int32) *eventloop.Future[*placer.ReadResult] {
	fut := eventloop.NewFuture[*placer.ReadResult]()
	acc := &placer.ReadResult{CacheAccess: placer.BlockCacheHit}
	r.readPass(ctx, fut, acc, endOffset, int64(maxBytes))
	return fut
}

// readPass runs one collect/load/cut pass, appending its batches to acc, and
// recurses while the budget is unmet and the range has more to give.
func (r *StreamReader) readPass(ctx context.Context, fut *eventloop.Future[*placer.ReadResult], acc *placer.ReadResult, endOffset, budget int64) {
	r.collectBlocks(ctx, r.nextReadOffset, endOffset, int32(budget), true).Subscribe(r.loop, func(blocks []*windowBlock, err error) {
		if err != nil {
			r.settlePass(fut, acc, err)
			return
		}
		if len(blocks) == 0 {
			fut.Complete(acc)
			return
		}

		for _, b := range blocks {
			if r.ensureData(b) {
				acc.CacheAccess = placer.BlockCacheMiss
			}
		}
		r.awaitLoaded(blocks).Subscribe(r.loop, func(_ struct{}, err error) {
			if err != nil {
				r.settlePass(fut, acc, err)
				return
			}
			taken, err := r.cutBatches(blocks, endOffset, budget)
			if err != nil {
				r.settlePass(fut, acc, err)
				return
			}
			consumed := int64(0)
			for _, batch := range taken {
				consumed += int64(batch.Size())
			}
			acc.Batches = append(acc.Batches, taken...)
			r.afterRead(acc)
			if len(taken) > 0 && consumed < budget && (endOffset == -1 || r.nextReadOffset < endOffset) {
				r.readPass(ctx, fut, acc, endOffset, budget-consumed)
				return
			}
			fut.Complete(acc)
		})
	})
}

// settlePass resolves a pass that hit an error: batches delivered by earlier
// passes have already advanced the read position, so they stand and the
// error only fails an empty read. The next read surfaces it again.
func (r *StreamReader) settlePass(fut *eventloop.Future[*placer.ReadResult], acc *placer.ReadResult, err error) {
	if len(acc.Batches) > 0 {
		fut.Complete(acc)
		return
	}
	fut.Fail(err)
}

// cutBatches takes batches from the loaded blocks, honoring the byte budget
// at batch granularity: the first batch always fits. On failure nothing is
// retained.
func (r *StreamReader) cutBatches(blocks []*windowBlock, endOffset, budget int64) ([]*placer.RecordBatch, error) {
	var taken []*placer.RecordBatch
	release := func() {
		for _, batch := range taken {
			batch.Release()
		}
	}

	next := r.nextReadOffset
	for _, b := range blocks {
		if budget <= 0 && len(taken) > 0 {
			break
		}
		if next < b.index.StartOffset || next >= b.index.EndOffset {
			release()
			err := fmt.Errorf("%w: read cursor %d outside block [%d,%d)",
				placer.ErrInvalidObject, next, b.index.StartOffset, b.index.EndOffset)
			readerLog.Errorf("stream %d: %v", r.streamID, err)
			return nil, err
		}
		batches, alive := b.data.Batches(next, endOffset)
		if !alive {
			release()
			return nil, fmt.Errorf("%w: block [%d,%d) freed mid-read",
				placer.ErrBlockNotContinuous, b.index.StartOffset, b.index.EndOffset)
		}
		for _, batch := range batches {
			if budget <= 0 && len(taken) > 0 {
				batch.Release()
				continue
			}
			taken = append(taken, batch)
			budget -= int64(batch.Size())
			next = batch.LastOffset()
		}
	}
	return taken, nil
}

// afterRead advances the read position, retires fully consumed window head
// blocks, and keeps the prefetcher running.
func (r *StreamReader) afterRead(result *placer.ReadResult) {
	if n := len(result.Batches); n > 0 {
		r.nextReadOffset = result.Batches[n-1].LastOffset()
	}

	retired := 0
	for _, b := range r.blocks {
		if b.index.EndOffset > r.nextReadOffset {
			break
		}
		if b.data != nil {
			b.data.MarkRead()
			b.data.Unpin()
			b.data = nil
		}
		b.reader.Release()
		retired++
	}
	if retired > 0 {
		r.blocks = append(r.blocks[:0], r.blocks[retired:]...)
		r.sweepReaders()
	}

	r.tryReadahead()
}

// sweepReaders drops the base reference of object readers no window block
// uses anymore.
func (r *StreamReader) sweepReaders() {
	inUse := make(map[int64]bool, len(r.blocks))
	for _, b := range r.blocks {
		inUse[b.meta.ObjectID] = true
	}
	for objectID, reader := range r.readers {
		if !inUse[objectID] {
			reader.Release()
			delete(r.readers, objectID)
		}
	}
}

// collectBlocks returns window blocks covering offsets forward from
// startOffset until the byte budget or endOffset is met, extending the
// window as needed. With extend false it only returns what the window
// already has.
func (r *StreamReader) collectBlocks(ctx context.Context, startOffset, endOffset int64, maxBytes int32, extend bool) *eventloop.Future[[]*windowBlock] {
	fut := eventloop.NewFuture[[]*windowBlock]()
	r.collectBlocks0(ctx, fut, startOffset, endOffset, maxBytes, extend)
	return fut
}

func (r *StreamReader) collectBlocks0(ctx context.Context, fut *eventloop.Future[[]*windowBlock], startOffset, endOffset int64, maxBytes int32, extend bool) {
	if r.closed {
		fut.Fail(placer.ErrClosed)
		return
	}

	var (
		collected []*windowBlock
		budget    = int64(maxBytes)
		covered   = startOffset
	)
	for _, b := range r.blocks {
		if b.index.EndOffset <= startOffset {
			continue
		}
		collected = append(collected, b)
		covered = b.index.EndOffset
		// A partially consumed head block does not count against the
		// budget; only blocks read from their start do.
		if b.index.StartOffset >= startOffset {
			budget -= int64(b.index.SizeBytes)
		}
		if budget <= 0 || (endOffset != -1 && covered >= endOffset) {
			fut.Complete(collected)
			return
		}
	}

	if !extend {
		fut.Complete(collected)
		return
	}

	// The window does not reach far enough. Extend it and re-collect; an
	// extension that discovers nothing means the stream end is reached.
	before := r.windowEnd()
	r.extendWindow(ctx).Subscribe(r.loop, func(_ struct{}, err error) {
		if err != nil {
			fut.Fail(err)
			return
		}
		if r.windowEnd() == before {
			r.collectBlocks0(ctx, fut, startOffset, endOffset, maxBytes, false)
			return
		}
		r.collectBlocks0(ctx, fut, startOffset, endOffset, maxBytes, true)
	})
}

// windowEnd returns the exclusive end offset of the window, or the next read
// offset when the window is empty.
func (r *StreamReader) windowEnd() int64 {
	if len(r.blocks) == 0 {
		return r.nextReadOffset
	}
	return r.blocks[len(r.blocks)-1].index.EndOffset
}

// candidateBlock is one discovered block index, produced off-loop.
type candidateBlock struct {
	meta  placer.ObjectMetadata
	index placer.BlockIndex
}

// extendWindow fetches the next objects' block indexes and appends them to
// the window. Concurrent callers share one in-flight extension; the shared
// future is cleared before it settles so subscribers observing completion
// can immediately start another extension.
func (r *StreamReader) extendWindow(ctx context.Context) *eventloop.Future[struct{}] {
	if r.loadMore != nil {
		return r.loadMore
	}

	fut := eventloop.NewFuture[struct{}]()
	r.loadMore = fut

	from := r.windowEnd()
	streamID := r.streamID
	discover := eventloop.Go(func() ([]candidateBlock, error) {
		return discoverBlocks(ctx, r.storage, r.manager, streamID, from)
	})
	discover.Subscribe(r.loop, func(candidates []candidateBlock, err error) {
		r.loadMore = nil
		if err != nil {
			fut.Fail(err)
			return
		}
		if err := r.appendBlocks(candidates); err != nil {
			fut.Fail(err)
			return
		}
		fut.Complete(struct{}{})
	})
	return fut
}

// discoverBlocks resolves the next objects carrying the stream and reads
// their footers for block indexes. It runs off-loop and touches no reader
// state.
func discoverBlocks(ctx context.Context, storage placer.Storage, manager placer.ObjectManager, streamID, from int64) ([]candidateBlock, error) {
	metas, err := manager.GetObjects(ctx, streamID, from, -1, getObjectStep)
	if err != nil {
		return nil, fmt.Errorf("resolving objects for stream %d from %d: %w", streamID, from, err)
	}

	var candidates []candidateBlock
	cursor := from
	for _, meta := range metas {
		reader := object.NewReader(storage, meta)
		indexes, err := reader.Find(ctx, streamID, cursor, -1, math.MaxInt32)
		reader.Release()
		if err != nil {
			if placer.IsRetryable(err) && !manager.IsObjectExist(meta.ObjectID) {
				return nil, fmt.Errorf("object %d: %w", meta.ObjectID, placer.ErrObjectNotExist)
			}
			return nil, err
		}
		for _, idx := range indexes {
			candidates = append(candidates, candidateBlock{meta: meta, index: idx})
			cursor = idx.EndOffset
		}
	}
	return candidates, nil
}

// appendBlocks validates contiguity and grows the window.
func (r *StreamReader) appendBlocks(candidates []candidateBlock) error {
	expected := r.windowEnd()
	for _, c := range candidates {
		if c.index.StartOffset > expected {
			return fmt.Errorf("%w: want %d, block starts at %d",
				placer.ErrBlockNotContinuous, expected, c.index.StartOffset)
		}
		if c.index.EndOffset <= expected {
			continue
		}
		reader := r.readers[c.meta.ObjectID]
		if reader == nil {
			reader = object.NewReader(r.storage, c.meta)
			r.readers[c.meta.ObjectID] = reader
		}
		reader.Retain()
		r.blocks = append(r.blocks, &windowBlock{meta: c.meta, index: c.index, reader: reader})
		expected = c.index.EndOffset
	}
	return nil
}

// ensureData makes sure the block has live data loading or loaded,
// refetching through the cache when a previous instance failed or was
// evicted. It reports whether this call started a fresh fetch: data already
// resident or loading, including loads the prefetcher started earlier,
// counts as served by the cache.
func (r *StreamReader) ensureData(b *windowBlock) bool {
	if b.data != nil && !b.data.Unusable() {
		return false
	}
	if b.data != nil {
		b.data.Unpin()
	}
	data, hit := r.cache.GetBlock(b.reader, b.index)
	b.data = data

	// An eviction of data the consumer never read means the prefetcher is
	// outrunning the cache; collapse it. Identity is compared because the
	// window block may have moved on to a fresh instance by the time the
	// free lands.
	data.Freed().Subscribe(r.loop, func(struct{}, error) {
		if r.closed || b.data != data {
			return
		}
		if b.index.EndOffset > r.nextReadOffset {
			r.collapseReadahead()
		}
	})
	return !hit
}

// awaitLoaded settles once every block's data fetch has settled, with the
// first fetch error if any failed.
func (r *StreamReader) awaitLoaded(blocks []*windowBlock) *eventloop.Future[struct{}] {
	fut := eventloop.NewFuture[struct{}]()
	pending := len(blocks)
	if pending == 0 {
		fut.Complete(struct{}{})
		return fut
	}
	var firstErr error
	for _, b := range blocks {
		b.data.Loaded().Subscribe(r.loop, func(_ struct{}, err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
			pending--
			if pending == 0 {
				if firstErr != nil {
					fut.Fail(firstErr)
					return
				}
				fut.Complete(struct{}{})
			}
		})
	}
	return fut
}

// resetBlocks discards the whole window so the next attempt rebuilds it
// from fresh object metadata.
func (r *StreamReader) resetBlocks() {
	for _, b := range r.blocks {
		if b.data != nil {
			b.data.MarkRead()
			b.data.Unpin()
			b.data = nil
		}
		b.reader.Release()
	}
	r.blocks = r.blocks[:0]
	r.sweepReaders()
	r.readahead.nextOffset = r.nextReadOffset
	r.readahead.mark = r.nextReadOffset
}

// tryReadahead starts a prefetch when the consumer has caught up with the
// readahead mark. The span doubles, up to the cap, only when the consumer
// has reached the prefetch frontier; between mark and frontier the span
// stays as is. It collapses to the initial size when prefetched data is
// evicted unread, after which readahead stays quiet for a cooldown.
func (r *StreamReader) tryReadahead() {
	ra := &r.readahead
	if ra.inflight != nil || r.closed {
		return
	}
	if ra.requireReset {
		if r.now().Sub(ra.resetAt) < readaheadResetCooldown {
			return
		}
		ra.requireReset = false
	}
	if r.nextReadOffset < ra.mark {
		return
	}

	grow := r.nextReadOffset >= ra.nextOffset
	start := max(ra.nextOffset, r.nextReadOffset)
	span := ra.size
	fut := r.prefetch(start, span)
	ra.inflight = fut
	fut.Subscribe(r.loop, func(end int64, err error) {
		ra.inflight = nil
		if err != nil {
			readerLog.Warnf("stream %d readahead from %d failed: %v", r.streamID, start, err)
			return
		}
		if end <= start {
			return
		}
		ra.mark = start
		ra.nextOffset = end
		if grow {
			ra.size = min(ra.size*2, maxReadaheadSize)
		}
	})
}

// collapseReadahead shrinks the prefetch span back to its initial size and
// pauses prefetching for the cooldown.
func (r *StreamReader) collapseReadahead() {
	ra := &r.readahead
	if ra.requireReset {
		return
	}
	ra.size = defaultReadaheadSize
	ra.requireReset = true
	ra.resetAt = r.now()
	evictWarn.Warn("stream %d: unread block evicted, readahead collapsed at %d", r.streamID, r.nextReadOffset)
}

// prefetch extends the window past start and starts data loads covering
// roughly span bytes. The future settles with the exclusive end offset of
// the prefetched range once every started load has settled.
func (r *StreamReader) prefetch(start, span int64) *eventloop.Future[int64] {
	fut := eventloop.NewFuture[int64]()
	maxBytes := int32(min(span, math.MaxInt32))
	r.collectBlocks(context.Background(), start, -1, maxBytes, true).Subscribe(r.loop, func(blocks []*windowBlock, err error) {
		if err != nil {
			fut.Fail(err)
			return
		}
		if len(blocks) == 0 {
			fut.Complete(start)
			return
		}
		for _, b := range blocks {
			r.ensureData(b)
		}
		end := blocks[len(blocks)-1].index.EndOffset
		r.awaitLoaded(blocks).Subscribe(r.loop, func(_ struct{}, err error) {
			if err != nil {
				fut.Fail(err)
				return
			}
			fut.Complete(end)
		})
	})
	return fut
}

// Close retires the reader. In-flight operations observe the closed state
// when they next run on the loop. The future settles after the reader's
// window has been released.
func (r *StreamReader) Close() *eventloop.Future[struct{}] {
	fut := eventloop.NewFuture[struct{}]()
	r.loop.Submit(func() {
		if r.closed {
			fut.Complete(struct{}{})
			return
		}
		r.closed = true
		r.resetBlocks()
		fut.Complete(struct{}{})
	})
	return fut
}
