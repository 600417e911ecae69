package object

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/justapithecus/placer/placer"
)

// Reader serves block lookups and block reads against one stored object.
//
// The footer index is fetched lazily on first use and cached for the reader's
// lifetime. Readers are reference-counted because a stream read window and an
// in-flight block load may hold the same reader concurrently.
type Reader struct {
	refs    int32
	storage placer.Storage
	meta    placer.ObjectMetadata

	mu     sync.Mutex
	footer *footer
}

// NewReader creates a reader holding one reference.
func NewReader(storage placer.Storage, meta placer.ObjectMetadata) *Reader {
	return &Reader{refs: 1, storage: storage, meta: meta}
}

// Metadata returns the metadata the reader was created with.
func (r *Reader) Metadata() placer.ObjectMetadata {
	return r.meta
}

// Retain increments the reference count.
func (r *Reader) Retain() {
	atomic.AddInt32(&r.refs, 1)
}

// Release decrements the reference count and drops the cached footer at zero.
func (r *Reader) Release() {
	if atomic.AddInt32(&r.refs, -1) == 0 {
		r.mu.Lock()
		r.footer = nil
		r.mu.Unlock()
	}
}

// loadFooter fetches and caches the footer with two range reads: the fixed
// trailer first, then the JSON body it locates.
func (r *Reader) loadFooter(ctx context.Context) (*footer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.footer != nil {
		return r.footer, nil
	}

	if r.meta.SizeBytes < trailerSize {
		return nil, fmt.Errorf("%w: object %d shorter than trailer", placer.ErrInvalidObject, r.meta.ObjectID)
	}
	trailer, err := r.storage.ReadRange(ctx, r.meta.Key, r.meta.SizeBytes-trailerSize, trailerSize)
	if err != nil {
		return nil, err
	}
	if len(trailer) != trailerSize {
		return nil, fmt.Errorf("%w: short trailer read on object %d", placer.ErrInvalidObject, r.meta.ObjectID)
	}
	footerLen := int64(binary.BigEndian.Uint32(trailer[0:4]))
	magic := binary.BigEndian.Uint32(trailer[4:8])
	if magic != objectMagic {
		return nil, fmt.Errorf("%w: bad magic %#x on object %d", placer.ErrInvalidObject, magic, r.meta.ObjectID)
	}
	if footerLen <= 0 || footerLen > r.meta.SizeBytes-trailerSize {
		return nil, fmt.Errorf("%w: footer length %d out of range on object %d", placer.ErrInvalidObject, footerLen, r.meta.ObjectID)
	}

	body, err := r.storage.ReadRange(ctx, r.meta.Key, r.meta.SizeBytes-trailerSize-footerLen, footerLen)
	if err != nil {
		return nil, err
	}
	f, err := decodeFooter(body)
	if err != nil {
		return nil, err
	}
	if f.ObjectID != r.meta.ObjectID {
		return nil, fmt.Errorf("%w: footer claims object %d, expected %d", placer.ErrInvalidObject, f.ObjectID, r.meta.ObjectID)
	}
	r.footer = f
	return f, nil
}

// Find returns the stream's block indexes covering offsets forward from
// startOffset, in offset order.
//
// endOffset == -1 means no upper bound. maxBytes caps the summed approximate
// block sizes; at least one covering block is always returned so progress is
// possible even when a single block exceeds the budget.
func (r *Reader) Find(ctx context.Context, streamID, startOffset, endOffset int64, maxBytes int32) ([]placer.BlockIndex, error) {
	f, err := r.loadFooter(ctx)
	if err != nil {
		return nil, err
	}

	var (
		indexes []placer.BlockIndex
		budget  = maxBytes
	)
	for _, b := range f.Blocks {
		if b.StreamID != streamID || b.Index.EndOffset <= startOffset {
			continue
		}
		if endOffset != -1 && b.Index.StartOffset >= endOffset {
			break
		}
		if len(indexes) > 0 && budget <= 0 {
			break
		}
		indexes = append(indexes, b.Index)
		budget -= b.Index.SizeBytes
	}
	return indexes, nil
}

// ReadBlock fetches, decompresses, and parses one block.
// Each returned batch holds one reference owned by the caller.
func (r *Reader) ReadBlock(ctx context.Context, idx placer.BlockIndex) ([]*placer.RecordBatch, error) {
	frame, err := r.storage.ReadRange(ctx, r.meta.Key, idx.Position, int64(idx.Length))
	if err != nil {
		return nil, err
	}
	if len(frame) != int(idx.Length) {
		return nil, fmt.Errorf("%w: short block read at %d on object %d", placer.ErrInvalidObject, idx.Position, r.meta.ObjectID)
	}
	raw, err := decompressBlock(frame)
	if err != nil {
		return nil, err
	}
	return parseRecordFrames(raw)
}
