package tracewriter

import (
	"context"
	"errors"
)

// Sink is a concrete destination for a batch of Records. Implementations
// must be safe to call sequentially from BufferedTraceWriter's flush loop;
// they do not need to be safe for concurrent FlushBatch calls against the
// same instance unless they are shared across writers (CompositeSink is).
type Sink interface {
	FlushBatch(ctx context.Context, records []Record) error
	// Close releases any resources the sink holds open across flushes.
	Close() error
}

// NullSink accepts and discards every batch. It backs
// TraceWriterFactory's non-standalone FileLoggingNever path.
type NullSink struct{}

// FlushBatch discards records and always succeeds.
func (NullSink) FlushBatch(context.Context, []Record) error { return nil }

// Close is a no-op for NullSink.
func (NullSink) Close() error { return nil }

// CompositeSink fans a batch out to an ordered list of sinks. A failure in
// one sink does not stop the others from being attempted; all failures are
// joined into the returned error.
type CompositeSink struct {
	sinks []Sink
}

// NewCompositeSink wraps the given sinks, in the order they should be tried.
func NewCompositeSink(sinks ...Sink) *CompositeSink {
	return &CompositeSink{sinks: sinks}
}

// FlushBatch attempts every sink regardless of earlier failures.
func (c *CompositeSink) FlushBatch(ctx context.Context, records []Record) error {
	var errs []error
	for _, s := range c.sinks {
		if s == nil {
			continue
		}
		if err := s.FlushBatch(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every wrapped sink, joining any errors encountered.
func (c *CompositeSink) Close() error {
	var errs []error
	for _, s := range c.sinks {
		if s == nil {
			continue
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
