// Package object implements placer's object wire format and the per-object
// reader and writer.
//
// An object is a sequence of framed data blocks followed by a footer index
// and a fixed trailer:
//
//	[block frame]...[block frame][footer][footer length u32][magic u32]
//
// A block frame is the zstd-compressed concatenation of record frames:
//
//	[stream id i64][base offset i64][count i32][payload length i32][payload]
//
// The footer is JSON (see footer) describing the offset range and position of
// every block, so a reader can locate blocks with two range reads regardless
// of object size.
package object

import (
	"encoding/binary"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/zstd"

	"github.com/justapithecus/placer/placer"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// formatVersion identifies the object layout.
	formatVersion = 1

	// objectMagic terminates every object.
	objectMagic = uint32(0x504c4352) // "PLCR"

	// trailerSize is the fixed number of bytes after the footer.
	trailerSize = 8

	// recordHeaderSize is the per-record-frame header length.
	recordHeaderSize = 8 + 8 + 4 + 4
)

// ObjectKey returns the storage key for the given object ID.
func ObjectKey(objectID int64) string {
	return fmt.Sprintf("objects/%016x", objectID)
}

// footer is the JSON-encoded index at the tail of every object.
type footer struct {
	Version  int           `json:"version"`
	ObjectID int64         `json:"object_id"`
	Blocks   []footerBlock `json:"blocks"`
}

// footerBlock pairs a block index with the stream it belongs to.
type footerBlock struct {
	StreamID int64             `json:"stream_id"`
	Index    placer.BlockIndex `json:"index"`
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// compressBlock frames a raw block payload for storage.
func compressBlock(raw []byte) []byte {
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2))
}

// decompressBlock recovers the raw payload of a framed block.
func decompressBlock(frame []byte) ([]byte, error) {
	raw, err := zstdDecoder.DecodeAll(frame, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing block: %v", placer.ErrInvalidObject, err)
	}
	return raw, nil
}

// appendRecordFrame appends one record frame to buf and returns the result.
func appendRecordFrame(buf []byte, batch *placer.RecordBatch) []byte {
	var hdr [recordHeaderSize]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(batch.StreamID))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(batch.BaseOffset))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(batch.Count))
	binary.BigEndian.PutUint32(hdr[20:24], uint32(len(batch.Payload)))
	buf = append(buf, hdr[:]...)
	return append(buf, batch.Payload...)
}

// parseRecordFrames decodes a raw block payload into record batches.
// Each returned batch holds one reference owned by the caller.
func parseRecordFrames(raw []byte) ([]*placer.RecordBatch, error) {
	var batches []*placer.RecordBatch
	for len(raw) > 0 {
		if len(raw) < recordHeaderSize {
			return nil, fmt.Errorf("%w: truncated record frame header", placer.ErrInvalidObject)
		}
		streamID := int64(binary.BigEndian.Uint64(raw[0:8]))
		baseOffset := int64(binary.BigEndian.Uint64(raw[8:16]))
		count := int32(binary.BigEndian.Uint32(raw[16:20]))
		payloadLen := int(binary.BigEndian.Uint32(raw[20:24]))
		raw = raw[recordHeaderSize:]
		if payloadLen > len(raw) {
			return nil, fmt.Errorf("%w: truncated record frame payload", placer.ErrInvalidObject)
		}
		payload := make([]byte, payloadLen)
		copy(payload, raw[:payloadLen])
		raw = raw[payloadLen:]
		batches = append(batches, placer.NewRecordBatch(streamID, baseOffset, count, payload))
	}
	return batches, nil
}

// encodeFooter serializes the footer plus trailer.
func encodeFooter(f *footer) ([]byte, error) {
	body, err := jsonCodec.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encoding footer: %w", err)
	}
	var trailer [trailerSize]byte
	binary.BigEndian.PutUint32(trailer[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(trailer[4:8], objectMagic)
	return append(body, trailer[:]...), nil
}

// decodeFooter parses the footer from its JSON body.
func decodeFooter(body []byte) (*footer, error) {
	var f footer
	if err := jsonCodec.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("%w: decoding footer: %v", placer.ErrInvalidObject, err)
	}
	if f.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", placer.ErrInvalidObject, f.Version)
	}
	return &f, nil
}
