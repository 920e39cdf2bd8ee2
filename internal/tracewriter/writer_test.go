package tracewriter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/hostlease/internal/clock"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Record
	err     error
}

func (s *recordingSink) FlushBatch(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	batch := make([]Record, len(records))
	copy(batch, records)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) snapshot() [][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Record, len(s.batches))
	copy(out, s.batches)
	return out
}

func TestBufferedTraceWriterFlushCadence(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{}
	w := New(LevelVerbose, true, sink, nil, WithClock(mc))
	defer w.Dispose(context.Background())

	for i := 0; i < 3; i++ {
		if err := w.Trace(Event{Level: LevelInfo, Message: "m"}); err != nil {
			t.Fatalf("trace: %v", err)
		}
	}

	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("expected no flush before the timer fires, got %d batches", len(got))
	}

	mc.Advance(FlushInterval)
	waitForBatches(t, sink, 1)
	batches := sink.snapshot()
	if len(batches[0]) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(batches[0]))
	}

	if err := w.Trace(Event{Level: LevelInfo, Message: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Trace(Event{Level: LevelInfo, Message: "b"}); err != nil {
		t.Fatal(err)
	}
	mc.Advance(FlushInterval)
	waitForBatches(t, sink, 2)
	batches = sink.snapshot()
	if len(batches[1]) != 2 {
		t.Fatalf("expected second batch of 2, got %d", len(batches[1]))
	}
}

func TestBufferedTraceWriterLevelFiltering(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{}
	w := New(LevelInfo, true, sink, nil, WithClock(mc))
	defer w.Dispose(context.Background())

	if err := w.Trace(Event{Level: LevelVerbose, Message: "verbose"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Trace(Event{Level: LevelError, Message: "boom"}); err != nil {
		t.Fatal(err)
	}

	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	batches := sink.snapshot()
	if len(batches) != 1 || len(batches[0]) != 1 {
		t.Fatalf("expected exactly one record, got %+v", batches)
	}
	if batches[0][0].Level != LevelError {
		t.Fatalf("expected the surviving record to be the Error event, got %v", batches[0][0].Level)
	}
}

func TestBufferedTraceWriterSystemTraceFiltering(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{}
	w := New(LevelVerbose, false, sink, nil, WithClock(mc))
	defer w.Dispose(context.Background())

	if err := w.Trace(Event{Level: LevelInfo, Message: "system", Properties: map[string]any{"isSystemTrace": true}}); err != nil {
		t.Fatal(err)
	}
	if err := w.Trace(Event{Level: LevelInfo, Message: "user"}); err != nil {
		t.Fatal(err)
	}

	if err := w.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	batches := sink.snapshot()
	if len(batches) != 1 || len(batches[0]) != 1 || batches[0][0].Message != "user" {
		t.Fatalf("expected only the non-system record, got %+v", batches)
	}
}

func TestBufferedTraceWriterExceptionRendering(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{}
	w := New(LevelVerbose, true, sink, nil, WithClock(mc))
	defer w.Dispose(context.Background())

	exc := &Exception{
		Kind:    ExceptionFunctionInvocation,
		Message: "outer wrapper",
		Cause: &Exception{
			Kind:    ExceptionOther,
			Message: "innermost failure",
		},
	}
	if err := w.Trace(Event{Level: LevelError, Message: "function failed", Exception: exc}); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	batches := sink.snapshot()
	if len(batches) != 1 || len(batches[0]) != 2 {
		t.Fatalf("expected message line + innermost-cause line, got %+v", batches)
	}
	if batches[0][1].Message != "innermost failure" {
		t.Fatalf("expected innermost cause message only, got %q", batches[0][1].Message)
	}
}

func TestBufferedTraceWriterDisposeIsIdempotent(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{}
	w := New(LevelVerbose, true, sink, nil, WithClock(mc))

	if err := w.Trace(Event{Level: LevelInfo, Message: "final"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Dispose(context.Background()); err != nil {
		t.Fatalf("dispose: %v", err)
	}
	if err := w.Dispose(context.Background()); err != nil {
		t.Fatalf("second dispose should be a no-op, got: %v", err)
	}
	if got := sink.snapshot(); len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("expected the final flush to have delivered the pending record, got %+v", got)
	}
}

func TestBufferedTraceWriterSinkFailureDoesNotPropagate(t *testing.T) {
	mc := clock.NewManual(time.Unix(0, 0))
	sink := &recordingSink{err: errors.New("db unreachable")}
	w := New(LevelVerbose, true, sink, nil, WithClock(mc))
	defer w.Dispose(context.Background())

	if err := w.Trace(Event{Level: LevelInfo, Message: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("sink failures must not propagate out of Flush, got: %v", err)
	}
}

func waitForBatches(t *testing.T, sink *recordingSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sink.snapshot()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d batches, got %d", n, len(sink.snapshot()))
}
