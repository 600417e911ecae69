package object

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/justapithecus/placer/placer"
)

// buildObject writes one object carrying the given batches, cutting a block
// wherever cut reports true for the batch index.
func buildObject(t *testing.T, storage placer.Storage, objectID int64, batches []*placer.RecordBatch, cut func(i int) bool) placer.ObjectMetadata {
	t.Helper()
	w := NewWriter(storage, objectID)
	for i, b := range batches {
		if err := w.Append(b); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if cut != nil && cut(i) {
			w.FinishBlock()
		}
	}
	meta, err := w.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return meta
}

func makeBatches(streamID, baseOffset int64, count int, perBatch int32) []*placer.RecordBatch {
	var batches []*placer.RecordBatch
	off := baseOffset
	for i := 0; i < count; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, 32)
		batches = append(batches, placer.NewRecordBatch(streamID, off, perBatch, payload))
		off += int64(perBatch)
	}
	return batches
}

func TestWriterReaderRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := placer.NewMemory()

	batches := makeBatches(1, 0, 4, 25)
	meta := buildObject(t, storage, 1, batches, func(i int) bool { return i == 1 })

	r := NewReader(storage, meta)
	defer r.Release()

	indexes, err := r.Find(ctx, 1, 0, -1, 1<<20)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(indexes) != 2 {
		t.Fatalf("got %d blocks, want 2", len(indexes))
	}
	if indexes[0].StartOffset != 0 || indexes[0].EndOffset != 50 {
		t.Fatalf("block 0 covers [%d, %d), want [0, 50)", indexes[0].StartOffset, indexes[0].EndOffset)
	}
	if indexes[1].StartOffset != 50 || indexes[1].EndOffset != 100 {
		t.Fatalf("block 1 covers [%d, %d), want [50, 100)", indexes[1].StartOffset, indexes[1].EndOffset)
	}

	got, err := r.ReadBlock(ctx, indexes[0])
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d batches, want 2", len(got))
	}
	for i, b := range got {
		want := batches[i]
		if b.StreamID != want.StreamID || b.BaseOffset != want.BaseOffset || b.Count != want.Count {
			t.Fatalf("batch %d header mismatch: got (%d, %d, %d)", i, b.StreamID, b.BaseOffset, b.Count)
		}
		if !bytes.Equal(b.Payload, want.Payload) {
			t.Fatalf("batch %d payload mismatch", i)
		}
	}
}

func TestWriterSplitsBlockOnStreamChange(t *testing.T) {
	storage := placer.NewMemory()
	w := NewWriter(storage, 9)

	if err := w.Append(placer.NewRecordBatch(1, 0, 10, []byte("s1"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Append(placer.NewRecordBatch(2, 0, 10, []byte("s2"))); err != nil {
		t.Fatalf("Append: %v", err)
	}
	meta, err := w.Finish(context.Background())
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r := NewReader(storage, meta)
	defer r.Release()

	for _, streamID := range []int64{1, 2} {
		indexes, err := r.Find(context.Background(), streamID, 0, -1, 1<<20)
		if err != nil {
			t.Fatalf("Find stream %d: %v", streamID, err)
		}
		if len(indexes) != 1 {
			t.Fatalf("stream %d: got %d blocks, want 1", streamID, len(indexes))
		}
	}
}

func TestFindRespectsRangeAndBudget(t *testing.T) {
	ctx := context.Background()
	storage := placer.NewMemory()

	batches := makeBatches(1, 0, 8, 25)
	meta := buildObject(t, storage, 2, batches, func(i int) bool { return i%2 == 1 })

	r := NewReader(storage, meta)
	defer r.Release()

	// Offset filter: blocks fully before the start are skipped.
	indexes, err := r.Find(ctx, 1, 60, -1, 1<<20)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(indexes) != 3 || indexes[0].StartOffset != 50 {
		t.Fatalf("got %d blocks starting at %d, want 3 starting at 50", len(indexes), indexes[0].StartOffset)
	}

	// End bound: blocks at or past endOffset are not returned.
	indexes, err = r.Find(ctx, 1, 0, 100, 1<<20)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(indexes) != 2 {
		t.Fatalf("got %d blocks, want 2", len(indexes))
	}

	// Budget: a tiny budget still returns one block so reads progress.
	indexes, err = r.Find(ctx, 1, 0, -1, 1)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(indexes) != 1 {
		t.Fatalf("got %d blocks, want 1", len(indexes))
	}

	// Wrong stream: nothing.
	indexes, err = r.Find(ctx, 99, 0, -1, 1<<20)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(indexes) != 0 {
		t.Fatalf("got %d blocks for unknown stream, want 0", len(indexes))
	}
}

func TestReaderRejectsCorruptTrailer(t *testing.T) {
	ctx := context.Background()
	storage := placer.NewMemory()

	meta := buildObject(t, storage, 3, makeBatches(1, 0, 2, 10), nil)

	// Flip the magic in a copied object.
	rc, err := storage.Get(ctx, meta.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	raw, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	binary.BigEndian.PutUint32(raw[len(raw)-4:], 0xdeadbeef)

	badMeta := placer.ObjectMetadata{ObjectID: 4, Key: ObjectKey(4), SizeBytes: int64(len(raw))}
	if err := storage.Put(ctx, badMeta.Key, bytes.NewReader(raw)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r := NewReader(storage, badMeta)
	defer r.Release()
	if _, err := r.Find(ctx, 1, 0, -1, 1<<20); !errors.Is(err, placer.ErrInvalidObject) {
		t.Fatalf("got %v, want ErrInvalidObject", err)
	}
}

func TestReaderRejectsObjectIDMismatch(t *testing.T) {
	ctx := context.Background()
	storage := placer.NewMemory()

	meta := buildObject(t, storage, 5, makeBatches(1, 0, 2, 10), nil)

	// Same bytes, claimed under a different object ID.
	lied := meta
	lied.ObjectID = 6

	r := NewReader(storage, lied)
	defer r.Release()
	if _, err := r.Find(ctx, 1, 0, -1, 1<<20); !errors.Is(err, placer.ErrInvalidObject) {
		t.Fatalf("got %v, want ErrInvalidObject", err)
	}
}

func TestReaderShortObject(t *testing.T) {
	ctx := context.Background()
	storage := placer.NewMemory()
	if err := storage.Put(ctx, ObjectKey(7), bytes.NewReader([]byte{1, 2})); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r := NewReader(storage, placer.ObjectMetadata{ObjectID: 7, Key: ObjectKey(7), SizeBytes: 2})
	defer r.Release()
	if _, err := r.Find(ctx, 1, 0, -1, 1<<20); !errors.Is(err, placer.ErrInvalidObject) {
		t.Fatalf("got %v, want ErrInvalidObject", err)
	}
}

func TestReadBlockMissingObject(t *testing.T) {
	ctx := context.Background()
	storage := placer.NewMemory()

	meta := buildObject(t, storage, 8, makeBatches(1, 0, 2, 10), nil)
	r := NewReader(storage, meta)
	defer r.Release()

	indexes, err := r.Find(ctx, 1, 0, -1, 1<<20)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	// Compaction deletes the object between Find and ReadBlock.
	if err := storage.Delete(ctx, meta.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := r.ReadBlock(ctx, indexes[0]); !errors.Is(err, placer.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestManagerObjectLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewManager()

	id1, id2 := m.NextObjectID(), m.NextObjectID()
	m.AddObject(placer.ObjectMetadata{ObjectID: id1, Key: ObjectKey(id1)}, 1, 0, 100)
	m.AddObject(placer.ObjectMetadata{ObjectID: id2, Key: ObjectKey(id2)}, 1, 100, 250)

	metas, err := m.GetObjects(ctx, 1, 0, -1, 10)
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if len(metas) != 2 || metas[0].ObjectID != id1 || metas[1].ObjectID != id2 {
		t.Fatalf("got %v, want [%d %d] in order", metas, id1, id2)
	}

	// Forward from mid-stream skips fully covered objects.
	metas, err = m.GetObjects(ctx, 1, 100, -1, 10)
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if len(metas) != 1 || metas[0].ObjectID != id2 {
		t.Fatalf("got %v, want [%d]", metas, id2)
	}

	// Limit bounds the result.
	metas, err = m.GetObjects(ctx, 1, 0, -1, 1)
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if len(metas) != 1 {
		t.Fatalf("got %d metas, want 1", len(metas))
	}

	// End bound excludes objects past it.
	metas, err = m.GetObjects(ctx, 1, 0, 100, 10)
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if len(metas) != 1 || metas[0].ObjectID != id1 {
		t.Fatalf("got %v, want [%d]", metas, id1)
	}

	if !m.IsObjectExist(id1) {
		t.Fatal("object 1 should exist")
	}
	m.DeleteObject(id1)
	if m.IsObjectExist(id1) {
		t.Fatal("object 1 should be gone")
	}
	metas, err = m.GetObjects(ctx, 1, 0, -1, 10)
	if err != nil {
		t.Fatalf("GetObjects: %v", err)
	}
	if len(metas) != 1 || metas[0].ObjectID != id2 {
		t.Fatalf("after delete got %v, want [%d]", metas, id2)
	}
}
