package tracewriter

import (
	"context"
	"errors"
	"testing"
)

type failingSink struct {
	err    error
	closed bool
}

func (f *failingSink) FlushBatch(context.Context, []Record) error { return f.err }
func (f *failingSink) Close() error                               { f.closed = true; return nil }

func TestCompositeSinkTriesEverySinkDespiteFailure(t *testing.T) {
	good := &recordingSink{}
	bad := &failingSink{err: errors.New("sink down")}
	composite := NewCompositeSink(bad, good)

	records := []Record{{Message: "hello"}}
	err := composite.FlushBatch(context.Background(), records)
	if err == nil {
		t.Fatal("expected the failing sink's error to surface")
	}
	if len(good.snapshot()) != 1 {
		t.Fatal("expected the healthy sink to still receive the batch")
	}
}

func TestCompositeSinkCloseClosesAll(t *testing.T) {
	a := &failingSink{}
	b := &failingSink{}
	composite := NewCompositeSink(a, b)
	if err := composite.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("expected both sinks to be closed")
	}
}

func TestNullSinkDiscards(t *testing.T) {
	var s NullSink
	if err := s.FlushBatch(context.Background(), []Record{{Message: "x"}}); err != nil {
		t.Fatalf("null sink must never fail: %v", err)
	}
}
