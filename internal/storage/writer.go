package storage

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// WriterConfig tunes the asynchronous writer
type WriterConfig struct {
	Shards         int           // worker goroutines; writes to one key always use the same shard
	QueueSize      int           // buffered operations per shard
	EnqueueTimeout time.Duration // how long a full shard may block the caller before the write is dropped
	OpTimeout      time.Duration // deadline handed to each backend call
	Logger         *log.Logger
}

// DefaultWriterConfig returns the stock writer settings
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Shards:         4,
		QueueSize:      1024,
		EnqueueTimeout: 250 * time.Millisecond,
		OpTimeout:      5 * time.Second,
	}
}

// WriterStats counts writer outcomes since start
type WriterStats struct {
	Applied int64
	Failed  int64
	Dropped int64
}

type writeOp struct {
	key   Key
	doc   []byte
	del   bool
	flush chan struct{}
}

// Writer applies puts and deletes to a Backend off the caller's goroutine.
// Operations on the same key are applied in enqueue order. Backend failures
// are logged and counted, never returned to the caller.
type Writer struct {
	backend Backend
	cfg     WriterConfig
	log     *log.Logger
	shards  []chan writeOp

	mu     sync.RWMutex
	closed bool

	wg         sync.WaitGroup
	stopCtx    context.Context
	stop       context.CancelFunc
	applied    atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64
	closedOnce sync.Once
}

// NewWriter starts the shard workers
func NewWriter(backend Backend, cfg WriterConfig) *Writer {
	def := DefaultWriterConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = def.EnqueueTimeout
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	w := &Writer{
		backend: backend,
		cfg:     cfg,
		log:     logger,
		shards:  make([]chan writeOp, cfg.Shards),
	}
	w.stopCtx, w.stop = context.WithCancel(context.Background())
	for i := range w.shards {
		w.shards[i] = make(chan writeOp, cfg.QueueSize)
		w.wg.Add(1)
		go w.run(w.shards[i])
	}
	return w
}

// Put schedules doc to be stored under key. doc must not be modified after
// the call.
func (w *Writer) Put(key Key, doc []byte) {
	w.enqueue(writeOp{key: key, doc: doc})
}

// Delete schedules key for removal
func (w *Writer) Delete(key Key) {
	w.enqueue(writeOp{key: key, del: true})
}

func (w *Writer) shardFor(key Key) chan writeOp {
	return w.shards[xxhash.Sum64String(key.String())%uint64(len(w.shards))]
}

func (w *Writer) enqueue(op writeOp) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		w.log.Printf("Dropped write for %s: writer closed", op.key)
		return
	}

	ch := w.shardFor(op.key)
	select {
	case ch <- op:
		return
	default:
	}

	timer := time.NewTimer(w.cfg.EnqueueTimeout)
	defer timer.Stop()
	select {
	case ch <- op:
	case <-timer.C:
		w.dropped.Add(1)
		w.log.Printf("Dropped write for %s: queue full after %s", op.key, w.cfg.EnqueueTimeout)
	}
}

func (w *Writer) run(ch chan writeOp) {
	defer w.wg.Done()
	for op := range ch {
		if op.flush != nil {
			close(op.flush)
			continue
		}
		if w.stopCtx.Err() != nil {
			w.dropped.Add(1)
			continue
		}
		w.apply(op)
	}
}

func (w *Writer) apply(op writeOp) {
	ctx, cancel := context.WithTimeout(w.stopCtx, w.cfg.OpTimeout)
	defer cancel()

	var err error
	if op.del {
		err = w.backend.Delete(ctx, op.key)
	} else {
		err = w.backend.Put(ctx, op.key, op.doc)
	}
	if err != nil {
		w.failed.Add(1)
		w.log.Printf("Failed to persist %s: %v", op.key, err)
		return
	}
	w.applied.Add(1)
}

// Flush waits until every operation enqueued before the call has been applied
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	marks := make([]chan struct{}, len(w.shards))
	for i, ch := range w.shards {
		marks[i] = make(chan struct{})
		select {
		case ch <- writeOp{flush: marks[i]}:
		case <-ctx.Done():
			w.mu.RUnlock()
			return ctx.Err()
		}
	}
	w.mu.RUnlock()

	for _, m := range marks {
		select {
		case <-m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting writes and drains the queues until ctx expires.
// Whatever is still queued at the deadline is dropped and reported.
func (w *Writer) Close(ctx context.Context) error {
	w.closedOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for _, ch := range w.shards {
			close(ch)
		}
		w.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.stop()
		return nil
	case <-ctx.Done():
		before := w.dropped.Load()
		w.stop()
		<-done
		lost := w.dropped.Load() - before
		w.log.Printf("Writer drain deadline reached, %d writes lost", lost)
		return fmt.Errorf("failed to drain writer: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the writer counters
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Applied: w.applied.Load(),
		Failed:  w.failed.Load(),
		Dropped: w.dropped.Load(),
	}
}
