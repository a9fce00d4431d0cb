// Package export decouples span production from network submission: spans
// are appended to a bounded in-memory buffer and a background worker ships
// them in batches to the collector.
package export

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/costlens/costlens/span"
)

// ErrStopped is returned when an operation races with shutdown.
var ErrStopped = errors.New("exporter is stopped")

// Submitter ships one batch of finalized spans.
type Submitter interface {
	Submit(ctx context.Context, spans []*span.Span) error
}

// Options tunes the exporter. Zero values take the defaults below.
type Options struct {
	// FlushInterval is the max age of buffered spans before a flush.
	FlushInterval time.Duration
	// MaxBatchSize is the max number of spans per submission.
	MaxBatchSize int
	// MaxBufferSpans is the drop-oldest ceiling for the buffer.
	MaxBufferSpans int
	// MaxRetries bounds submission retries within one flush attempt.
	MaxRetries uint64
	// SubmitTimeout bounds a single submission attempt.
	SubmitTimeout time.Duration
	Logger        *slog.Logger
}

const (
	defaultFlushInterval  = 5 * time.Second
	defaultMaxBatchSize   = 64
	defaultMaxBufferSpans = 2048
	defaultMaxRetries     = 4
	defaultSubmitTimeout  = 10 * time.Second
)

func (o *Options) applyDefaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = defaultMaxBatchSize
	}
	if o.MaxBufferSpans <= 0 {
		o.MaxBufferSpans = defaultMaxBufferSpans
	}
	if o.MaxBufferSpans < o.MaxBatchSize {
		o.MaxBufferSpans = o.MaxBatchSize
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = defaultSubmitTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type flushRequest struct {
	done chan error
}

// Exporter buffers spans and flushes them on whichever of the interval or
// batch-size trigger fires first. Only the append runs under the buffer
// lock; network submission happens outside it so a slow collector never
// blocks the hot path.
type Exporter struct {
	submitter Submitter
	opts      Options
	logger    *slog.Logger

	mu  sync.Mutex
	buf []*span.Span

	kick    chan struct{}
	flushCh chan flushRequest

	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	doneOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	acceptedTotal     atomic.Int64
	droppedTotal      atomic.Int64
	submitFailedTotal atomic.Int64
	bufferHighWater   atomic.Int64
	lastDropUnixNano  atomic.Int64
}

// New builds an exporter; call Start to run its background worker.
func New(submitter Submitter, opts Options) *Exporter {
	opts.applyDefaults()
	return &Exporter{
		submitter: submitter,
		opts:      opts,
		logger:    opts.Logger,
		kick:      make(chan struct{}, 1),
		flushCh:   make(chan flushRequest),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the flush worker. Calling Start more than once is a no-op.
func (e *Exporter) Start(ctx context.Context) {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.markDone()

		ticker := time.NewTicker(e.opts.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.drainFinal()
				return
			case <-e.quit:
				e.drainFinal()
				return
			case <-ticker.C:
				e.flushAll(ctx)
			case <-e.kick:
				e.flushAll(ctx)
			case request := <-e.flushCh:
				request.done <- e.flushAll(ctx)
			}
		}
	}()
}

// Enqueue appends one finalized span to the buffer. Past the buffer
// ceiling the oldest spans are dropped with a counted loss; Enqueue never
// blocks on network I/O.
func (e *Exporter) Enqueue(s *span.Span) bool {
	if s == nil || e.stopped.Load() {
		return false
	}

	e.mu.Lock()
	e.buf = append(e.buf, s)
	overflow := len(e.buf) - e.opts.MaxBufferSpans
	if overflow > 0 {
		e.buf = append(e.buf[:0], e.buf[overflow:]...)
	}
	depth := len(e.buf)
	e.mu.Unlock()

	e.acceptedTotal.Add(1)
	e.observeDepth(depth)
	if overflow > 0 {
		e.droppedTotal.Add(int64(overflow))
		e.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
		e.logger.Warn("span buffer full, dropped oldest spans", "dropped", overflow, "ceiling", e.opts.MaxBufferSpans)
	}

	if depth >= e.opts.MaxBatchSize {
		select {
		case e.kick <- struct{}{}:
		default:
		}
	}
	return overflow == 0
}

// Flush synchronously drains the buffer, waiting for the in-flight
// submission to finish. Host applications call this before process exit so
// the tail of a short-lived run is not lost.
func (e *Exporter) Flush(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if !e.started.Load() || e.stopped.Load() {
		// No worker to delegate to; flush inline.
		return e.flushAll(ctx)
	}

	request := flushRequest{done: make(chan error, 1)}
	select {
	case e.flushCh <- request:
	case <-e.quit:
		return e.flushAll(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-request.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops the worker after a final drain. Spans enqueued after
// Shutdown begins are rejected.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.quit)
		if !e.started.Load() {
			// No worker; drain inline so buffered spans still ship.
			_ = e.flushAll(ctx)
			e.markDone()
		}
	})

	select {
	case <-e.done:
		e.wg.Wait()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exporter) markDone() {
	e.doneOnce.Do(func() {
		close(e.done)
	})
}

func (e *Exporter) drainFinal() {
	// Use a fresh context so the final drain is not rejected because the
	// worker context was already cancelled.
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.SubmitTimeout)
	defer cancel()
	if err := e.flushAll(ctx); err != nil {
		e.logger.Warn("final span drain incomplete", "error", err)
	}
}

// flushAll drains the buffer batch by batch. A failed batch is requeued at
// the front and draining stops until the next trigger, so transient
// collector outages delay spans instead of dropping them.
func (e *Exporter) flushAll(ctx context.Context) error {
	for {
		batch := e.takeBatch()
		if len(batch) == 0 {
			return nil
		}

		if err := e.submitWithRetry(ctx, batch); err != nil {
			e.requeueFront(batch)
			e.submitFailedTotal.Add(int64(len(batch)))
			e.logger.Warn("span batch submission failed, requeued",
				"batch_size", len(batch),
				"error", err,
			)
			return err
		}
	}
}

func (e *Exporter) takeBatch() []*span.Span {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.buf) == 0 {
		return nil
	}
	n := len(e.buf)
	if n > e.opts.MaxBatchSize {
		n = e.opts.MaxBatchSize
	}
	batch := make([]*span.Span, n)
	copy(batch, e.buf[:n])
	e.buf = append(e.buf[:0], e.buf[n:]...)
	return batch
}

func (e *Exporter) requeueFront(batch []*span.Span) {
	e.mu.Lock()
	e.buf = append(batch, e.buf...)
	overflow := len(e.buf) - e.opts.MaxBufferSpans
	if overflow > 0 {
		e.buf = append(e.buf[:0], e.buf[overflow:]...)
	}
	e.mu.Unlock()

	if overflow > 0 {
		e.droppedTotal.Add(int64(overflow))
		e.lastDropUnixNano.Store(time.Now().UTC().UnixNano())
		e.logger.Warn("span buffer full during requeue, dropped oldest spans", "dropped", overflow)
	}
}

func (e *Exporter) submitWithRetry(ctx context.Context, batch []*span.Span) error {
	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.SubmitTimeout)
		defer cancel()

		err := e.submitter.Submit(attemptCtx, batch)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), e.opts.MaxRetries),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

func (e *Exporter) observeDepth(depth int) {
	value := int64(depth)
	for {
		current := e.bufferHighWater.Load()
		if value <= current {
			return
		}
		if e.bufferHighWater.CompareAndSwap(current, value) {
			return
		}
	}
}
