package placer

import (
	"sync/atomic"
)

// RecordBatch is a contiguous, indivisible run of records with a shared
// payload, reference-counted because the block cache and in-flight reads may
// hold it concurrently.
//
// A batch covers the offset range [BaseOffset, LastOffset()). Batches are
// created with one reference; every Retain must be matched by exactly one
// Release.
type RecordBatch struct {
	refs int32

	// StreamID identifies the stream the batch belongs to.
	StreamID int64

	// BaseOffset is the logical offset of the first record.
	BaseOffset int64

	// Count is the number of records in the batch.
	Count int32

	// Payload is the encoded record data.
	Payload []byte
}

// NewRecordBatch creates a batch holding one reference.
func NewRecordBatch(streamID, baseOffset int64, count int32, payload []byte) *RecordBatch {
	return &RecordBatch{
		refs:       1,
		StreamID:   streamID,
		BaseOffset: baseOffset,
		Count:      count,
		Payload:    payload,
	}
}

// LastOffset returns the offset immediately after the batch's final record.
func (b *RecordBatch) LastOffset() int64 {
	return b.BaseOffset + int64(b.Count)
}

// Size returns the batch's payload footprint in bytes.
func (b *RecordBatch) Size() int {
	return len(b.Payload)
}

// Retain increments the reference count.
func (b *RecordBatch) Retain() {
	atomic.AddInt32(&b.refs, 1)
}

// Release decrements the reference count and drops the payload at zero.
func (b *RecordBatch) Release() {
	if atomic.AddInt32(&b.refs, -1) == 0 {
		b.Payload = nil
	}
}

// Refs returns the current reference count.
func (b *RecordBatch) Refs() int32 {
	return atomic.LoadInt32(&b.refs)
}
