package object

import (
	"context"
	"sort"
	"sync"

	"github.com/justapithecus/placer/placer"
)

// Manager is an in-memory ObjectManager for tests, examples, and
// single-process deployments.
//
// It tracks which offset range of which stream each registered object
// carries. DeleteObject models compaction: readers holding stale metadata
// observe the object as gone and rebuild from fresh lookups.
type Manager struct {
	mu      sync.RWMutex
	nextID  int64
	objects map[int64]placer.ObjectMetadata
	streams map[int64][]streamSpan
}

// streamSpan records the slice of one stream an object carries.
type streamSpan struct {
	objectID    int64
	startOffset int64
	endOffset   int64
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		objects: make(map[int64]placer.ObjectMetadata),
		streams: make(map[int64][]streamSpan),
	}
}

// NextObjectID allocates a fresh object ID.
func (m *Manager) NextObjectID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID
}

// AddObject registers an object as carrying [startOffset, endOffset) of the
// given stream. An object spanning several streams is registered once per
// stream.
func (m *Manager) AddObject(meta placer.ObjectMetadata, streamID, startOffset, endOffset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[meta.ObjectID] = meta
	spans := append(m.streams[streamID], streamSpan{
		objectID:    meta.ObjectID,
		startOffset: startOffset,
		endOffset:   endOffset,
	})
	sort.Slice(spans, func(i, j int) bool {
		return spans[i].startOffset < spans[j].startOffset
	})
	m.streams[streamID] = spans
}

// DeleteObject unregisters an object, typically after compaction replaced it.
func (m *Manager) DeleteObject(objectID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, objectID)
	for streamID, spans := range m.streams {
		kept := spans[:0]
		for _, s := range spans {
			if s.objectID != objectID {
				kept = append(kept, s)
			}
		}
		m.streams[streamID] = kept
	}
}

// GetObjects implements placer.ObjectManager.
func (m *Manager) GetObjects(_ context.Context, streamID, startOffset, endOffset int64, limit int) ([]placer.ObjectMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var metas []placer.ObjectMetadata
	for _, s := range m.streams[streamID] {
		if s.endOffset <= startOffset {
			continue
		}
		if endOffset != -1 && s.startOffset >= endOffset {
			break
		}
		if limit > 0 && len(metas) >= limit {
			break
		}
		metas = append(metas, m.objects[s.objectID])
	}
	return metas, nil
}

// IsObjectExist implements placer.ObjectManager.
func (m *Manager) IsObjectExist(objectID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[objectID]
	return ok
}
