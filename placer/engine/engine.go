// Package engine wires storage, object metadata, the shared block cache,
// and the reader pool into placer's read engine.
package engine

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/justapithecus/placer/internal/blockcache"
	"github.com/justapithecus/placer/internal/eventloop"
	"github.com/justapithecus/placer/internal/logging"
	"github.com/justapithecus/placer/placer"
)

var log = logging.GetLogger("engine")

// Config controls engine sizing. The zero value picks sensible defaults.
type Config struct {
	// CacheBytes is the block cache budget. Default 128 MiB.
	CacheBytes int64

	// EventLoops is the number of reader event loops.
	// Default is the number of usable CPUs.
	EventLoops int

	// ReaderExpiry is how long an idle pooled reader survives.
	// Default one minute.
	ReaderExpiry time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheBytes <= 0 {
		c.CacheBytes = 128 * 1024 * 1024
	}
	if c.EventLoops <= 0 {
		c.EventLoops = runtime.GOMAXPROCS(0)
	}
	if c.ReaderExpiry <= 0 {
		c.ReaderExpiry = time.Minute
	}
	return c
}

// Engine is placer's read engine.
//
// Reads of one stream are sequential per consumer: each read starts where
// the previous one for that consumer ended, and the engine routes it to the
// pooled reader warmed up at that position. Different streams and different
// positions read concurrently.
type Engine struct {
	cache   *blockcache.Cache
	loops   []*eventloop.Loop
	readers *blockcache.Readers

	mu     sync.Mutex
	closed bool
}

// New creates an engine over the given storage and object metadata source.
func New(storage placer.Storage, manager placer.ObjectManager, cfg Config) *Engine {
	cfg = cfg.withDefaults()

	loops := make([]*eventloop.Loop, cfg.EventLoops)
	for i := range loops {
		loops[i] = eventloop.New(fmt.Sprintf("reader-%d", i))
	}
	cache := blockcache.NewCache(cfg.CacheBytes)

	log.Infof("engine starting: cache=%d bytes, loops=%d, reader expiry=%s",
		cfg.CacheBytes, cfg.EventLoops, cfg.ReaderExpiry)
	return &Engine{
		cache:   cache,
		loops:   loops,
		readers: blockcache.NewReaders(cache, storage, manager, loops, cfg.ReaderExpiry),
	}
}

// Read returns about maxBytes of record batch payload from the stream,
// starting exactly at startOffset; the last batch may carry the total past
// maxBytes. endOffset == -1 means no upper bound.
//
// The caller owns the result and must call Release on it. Read blocks until
// the read settles or ctx is done; an abandoned read's batches are released
// internally.
func (e *Engine) Read(ctx context.Context, streamID, startOffset, endOffset int64, maxBytes int32) (*placer.ReadResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, placer.ErrClosed
	}
	e.mu.Unlock()

	fut := e.readers.Read(ctx, streamID, startOffset, endOffset, maxBytes)
	select {
	case <-fut.Done():
		return fut.Result()
	case <-ctx.Done():
		go func() {
			<-fut.Done()
			if result, err := fut.Result(); err == nil && result != nil {
				result.Release()
			}
		}()
		return nil, ctx.Err()
	}
}

// CacheBytes returns the cache's current accounted size.
func (e *Engine) CacheBytes() int64 {
	return e.cache.Bytes()
}

// Close shuts the engine down: pooled readers release their windows, then
// the event loops drain and stop. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.readers.Close()
	for _, loop := range e.loops {
		loop.Close()
	}
	log.Info("engine closed")
	return nil
}
