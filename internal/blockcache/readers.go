package blockcache

import (
	"context"
	"sync"
	"time"

	"github.com/justapithecus/placer/internal/eventloop"
	"github.com/justapithecus/placer/placer"
)

// readerKey addresses a pooled reader by the offset it will read next, so a
// sequential consumer keeps landing on the same warmed-up reader.
type readerKey struct {
	streamID int64
	offset   int64
}

type readerEntry struct {
	reader   *StreamReader
	lastUsed time.Time
}

// Readers pools stream readers across event loops.
//
// A read checks out the reader positioned at its start offset, or creates
// one, and checks it back in under its new position when the read settles.
// A reader checked out by one read is invisible to concurrent reads of the
// same position, so every reader only ever runs one read at a time. Idle
// readers are closed by a background janitor after the expiry.
type Readers struct {
	cache   *Cache
	storage placer.Storage
	manager placer.ObjectManager
	loops   []*eventloop.Loop
	expiry  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	readers map[readerKey]*readerEntry
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewReaders creates a reader pool over the given loops.
func NewReaders(cache *Cache, storage placer.Storage, manager placer.ObjectManager, loops []*eventloop.Loop, expiry time.Duration) *Readers {
	s := &Readers{
		cache:   cache,
		storage: storage,
		manager: manager,
		loops:   loops,
		expiry:  expiry,
		now:     time.Now,
		readers: make(map[readerKey]*readerEntry),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

// Read serves one read of the stream starting at startOffset.
func (s *Readers) Read(ctx context.Context, streamID, startOffset, endOffset int64, maxBytes int32) *eventloop.Future[*placer.ReadResult] {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return eventloop.Failed[*placer.ReadResult](placer.ErrClosed)
	}
	key := readerKey{streamID: streamID, offset: startOffset}
	var reader *StreamReader
	if entry, ok := s.readers[key]; ok {
		delete(s.readers, key)
		reader = entry.reader
	} else {
		reader = NewStreamReader(streamID, startOffset, s.loopFor(streamID), s.cache, s.storage, s.manager)
	}
	s.mu.Unlock()

	fut := reader.Read(ctx, startOffset, endOffset, maxBytes)
	fut.Subscribe(reader.loop, func(_ *placer.ReadResult, err error) {
		if err != nil {
			reader.Close()
			return
		}
		s.checkin(streamID, reader)
	})
	return fut
}

// checkin returns a reader to the pool under its new position. It runs on
// the reader's loop, where NextReadOffset is safe to read.
func (s *Readers) checkin(streamID int64, reader *StreamReader) {
	key := readerKey{streamID: streamID, offset: reader.NextReadOffset()}

	s.mu.Lock()
	if s.closed || s.readers[key] != nil {
		s.mu.Unlock()
		reader.Close()
		return
	}
	s.readers[key] = &readerEntry{reader: reader, lastUsed: s.now()}
	s.mu.Unlock()
}

// loopFor spreads streams across loops so one hot stream cannot starve the
// others' callbacks.
func (s *Readers) loopFor(streamID int64) *eventloop.Loop {
	idx := int(uint64(streamID) % uint64(len(s.loops)))
	return s.loops[idx]
}

// janitor closes pooled readers that have sat idle past the expiry.
func (s *Readers) janitor() {
	defer s.wg.Done()
	interval := s.expiry / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.expireIdle()
		}
	}
}

func (s *Readers) expireIdle() {
	cutoff := s.now().Add(-s.expiry)

	s.mu.Lock()
	var expired []*StreamReader
	for key, entry := range s.readers {
		if entry.lastUsed.Before(cutoff) {
			expired = append(expired, entry.reader)
			delete(s.readers, key)
		}
	}
	s.mu.Unlock()

	for _, reader := range expired {
		reader.Close()
	}
}

// Close closes every pooled reader and stops the janitor. It waits for the
// readers to release their windows.
func (s *Readers) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var pooled []*StreamReader
	for key, entry := range s.readers {
		pooled = append(pooled, entry.reader)
		delete(s.readers, key)
	}
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	var closes []*eventloop.Future[struct{}]
	for _, reader := range pooled {
		closes = append(closes, reader.Close())
	}
	for _, fut := range closes {
		<-fut.Done()
	}
}
