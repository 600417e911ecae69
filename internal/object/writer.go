package object

import (
	"bytes"
	"context"
	"fmt"

	"github.com/justapithecus/placer/placer"
)

// Writer assembles one immutable object from record batches.
//
// Batches append into an open block; FinishBlock seals the open block and
// starts a new one. A block holds batches of a single stream in contiguous
// offset order, so Append seals the open block itself whenever the incoming
// batch belongs to a different stream or does not abut the previous batch.
type Writer struct {
	storage  placer.Storage
	objectID int64

	buf    []byte
	blocks []footerBlock

	open       bool
	raw        []byte
	curStream  int64
	curStart   int64
	curEnd     int64
	curSizeSum int32
	finished   bool
}

// NewWriter creates a writer for the object with the given ID.
func NewWriter(storage placer.Storage, objectID int64) *Writer {
	return &Writer{storage: storage, objectID: objectID}
}

// Append adds a record batch to the object.
//
// The batch's payload is copied into the writer's buffers; the caller keeps
// its reference.
func (w *Writer) Append(batch *placer.RecordBatch) error {
	if w.finished {
		return fmt.Errorf("append after finish on object %d", w.objectID)
	}
	if w.open && (batch.StreamID != w.curStream || batch.BaseOffset != w.curEnd) {
		w.FinishBlock()
	}
	if !w.open {
		w.open = true
		w.curStream = batch.StreamID
		w.curStart = batch.BaseOffset
		w.curEnd = batch.BaseOffset
		w.curSizeSum = 0
		w.raw = w.raw[:0]
	}
	w.raw = appendRecordFrame(w.raw, batch)
	w.curEnd = batch.LastOffset()
	w.curSizeSum += int32(batch.Size())
	return nil
}

// FinishBlock seals the open block, if any.
//
// Sealing compresses the accumulated record frames and records the block's
// index entry. Appending after FinishBlock starts a fresh block.
func (w *Writer) FinishBlock() {
	if !w.open {
		return
	}
	frame := compressBlock(w.raw)
	w.blocks = append(w.blocks, footerBlock{
		StreamID: w.curStream,
		Index: placer.BlockIndex{
			StartOffset: w.curStart,
			EndOffset:   w.curEnd,
			SizeBytes:   w.curSizeSum,
			Position:    int64(len(w.buf)),
			Length:      int32(len(frame)),
		},
	})
	w.buf = append(w.buf, frame...)
	w.open = false
}

// Finish seals any open block, writes the object to storage, and returns its
// metadata. The writer must not be reused afterwards.
func (w *Writer) Finish(ctx context.Context) (placer.ObjectMetadata, error) {
	if w.finished {
		return placer.ObjectMetadata{}, fmt.Errorf("double finish on object %d", w.objectID)
	}
	w.FinishBlock()
	w.finished = true

	tail, err := encodeFooter(&footer{
		Version:  formatVersion,
		ObjectID: w.objectID,
		Blocks:   w.blocks,
	})
	if err != nil {
		return placer.ObjectMetadata{}, err
	}
	body := append(w.buf, tail...)

	meta := placer.ObjectMetadata{
		ObjectID:  w.objectID,
		Key:       ObjectKey(w.objectID),
		SizeBytes: int64(len(body)),
	}
	if err := w.storage.Put(ctx, meta.Key, bytes.NewReader(body)); err != nil {
		return placer.ObjectMetadata{}, fmt.Errorf("writing object %d: %w", w.objectID, err)
	}
	return meta, nil
}
