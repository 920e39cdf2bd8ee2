package tracewriter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/hostlease/internal/clock"
	"pkt.systems/hostlease/internal/loggingutil"
	"pkt.systems/hostlease/internal/obs"
	"pkt.systems/pslog"
)

// FlushInterval is the fixed cadence for the background
// flush timer.
const FlushInterval = 1000 * time.Millisecond

// ErrDisposed identifies use of a writer after Dispose. Neither Trace nor
// Flush returns it: Trace calls after Dispose are accepted best-effort, and
// a Flush after Dispose hands any buffered records to the sink like any
// other flush.
var ErrDisposed = errors.New("tracewriter: writer disposed")

// Writer is the producer- and lifecycle-facing surface of
// BufferedTraceWriter.
type Writer interface {
	Trace(event Event) error
	Flush(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// BufferedTraceWriter accepts Events from any number of producers, filters
// them by level and system-trace policy, buffers the resulting Records,
// and flushes batches to a Sink every FlushInterval (and on Dispose).
type BufferedTraceWriter struct {
	level                Level
	systemTracesEnabled  bool
	sink                 Sink
	clock                clock.Clock
	logger               pslog.Logger
	metrics              *obs.WriterMetrics

	mu     sync.Mutex
	buffer []Record

	flushMu sync.Mutex // serializes sink invocations across the timer and Dispose paths

	disposed  chan struct{}
	disposeWg sync.WaitGroup
	once      sync.Once
}

// Option customises a BufferedTraceWriter at construction.
type Option func(*BufferedTraceWriter)

// WithClock overrides the clock used for timestamps and the flush timer.
func WithClock(c clock.Clock) Option {
	return func(w *BufferedTraceWriter) { w.clock = c }
}

// WithMetrics attaches an obs.WriterMetrics recorder.
func WithMetrics(m *obs.WriterMetrics) Option {
	return func(w *BufferedTraceWriter) { w.metrics = m }
}

// New constructs a BufferedTraceWriter and starts its flush timer.
// systemTracesEnabled=false discards events marked "isSystemTrace"; Factory
// always passes true.
func New(level Level, systemTracesEnabled bool, sink Sink, logger pslog.Logger, opts ...Option) *BufferedTraceWriter {
	w := &BufferedTraceWriter{
		level:               level,
		systemTracesEnabled: systemTracesEnabled,
		sink:                sink,
		clock:               clock.Real{},
		logger:              loggingutil.WithSubsystem(logger, loggingutil.SubsystemWriter),
		disposed:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.disposeWg.Add(1)
	go w.runFlushTimer(w.clock.After(FlushInterval))
	return w
}

// Trace filters and appends event's rendered lines to the buffer.
func (w *BufferedTraceWriter) Trace(event Event) error {
	if event.Message == "" && event.Exception == nil {
		return errors.New("tracewriter: event must have a message or exception")
	}
	if !w.systemTracesEnabled && event.isSystemTrace() {
		w.metrics.RecordDropped(context.Background(), "system_trace")
		return nil
	}
	if w.level > event.Level {
		w.metrics.RecordDropped(context.Background(), "level")
		return nil
	}

	now := w.clock.Now().UTC()
	lines := []string{event.Message}
	if event.Exception != nil {
		if rendered := event.Exception.render(); rendered != "" {
			lines = append(lines, rendered)
		}
	}

	w.mu.Lock()
	for _, line := range lines {
		w.buffer = append(w.buffer, Record{
			Timestamp:  now,
			Level:      event.Level,
			Message:    strings.TrimSpace(line),
			Properties: event.Properties,
		})
	}
	w.mu.Unlock()
	return nil
}

// Flush swaps the buffer for a fresh one and writes the snapshot to the
// sink. It is a no-op when the buffer is empty. Flushes against the same
// writer are serialized so no record is ever flushed twice.
func (w *BufferedTraceWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	batch := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	batchID := xid.New().String()
	err := w.sink.FlushBatch(ctx, batch)
	w.metrics.RecordFlush(ctx, len(batch), err)
	if err != nil {
		// Out-of-band: sink failures never propagate into the producer
		// path and never crash the host. The batch is lost (best-effort).
		w.logger.Warn("tracewriter.flush.sink_failed",
			"batch_id", batchID,
			"batch_size", len(batch),
			"error", err,
		)
		return nil
	}
	w.logger.Debug("tracewriter.flush.ok", "batch_id", batchID, "batch_size", len(batch))
	return nil
}

// Dispose stops the flush timer and performs a final synchronous flush.
// Idempotent.
func (w *BufferedTraceWriter) Dispose(ctx context.Context) error {
	var closeErr error
	w.once.Do(func() {
		close(w.disposed)
		w.disposeWg.Wait()
		closeErr = w.Flush(ctx)
		if err := w.sink.Close(); err != nil {
			closeErr = errors.Join(closeErr, fmt.Errorf("tracewriter: close sink: %w", err))
		}
	})
	return closeErr
}

func (w *BufferedTraceWriter) runFlushTimer(timer <-chan time.Time) {
	defer w.disposeWg.Done()
	for {
		select {
		case <-timer:
			timer = w.clock.After(FlushInterval)
			_ = w.Flush(context.Background())
		case <-w.disposed:
			return
		}
	}
}
