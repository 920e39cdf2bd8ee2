// Package tracewriter buffers trace events from many producers and flushes
// them in batches to a pluggable Sink (SQL table, per-function log file, or
// a fan-out of both).
package tracewriter

import (
	"fmt"
	"strings"
	"time"
)

// Level orders trace severities from least to most severe.
type Level int

const (
	LevelVerbose Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

// String renders the level the way it appears in log lines and SQL rows.
func (l Level) String() string {
	switch l {
	case LevelVerbose:
		return "Verbose"
	case LevelInfo:
		return "Info"
	case LevelWarning:
		return "Warning"
	case LevelError:
		return "Error"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// ExceptionKind distinguishes the exception shapes a producer may attach to
// an Event, which controls how Trace renders them into lines.
type ExceptionKind string

const (
	// ExceptionFunctionInvocation marks a user function's own exception: the
	// innermost cause's message is kept and the rest of the chain is dropped
	// to avoid drowning the log in framework frames.
	ExceptionFunctionInvocation ExceptionKind = "FunctionInvocationException"
	// ExceptionAggregate marks a composed exception with the same
	// innermost-cause-only treatment.
	ExceptionAggregate ExceptionKind = "AggregateException"
	// ExceptionOther is rendered as a full stack + message block.
	ExceptionOther ExceptionKind = "Other"
)

// Exception is a structured error attached to a producer's Event.
type Exception struct {
	Kind    ExceptionKind
	Message string
	Stack   string
	Cause   *Exception
}

// Innermost walks the cause chain and returns the deepest exception.
func (e *Exception) Innermost() *Exception {
	cur := e
	for cur != nil && cur.Cause != nil {
		cur = cur.Cause
	}
	return cur
}

// render produces the extra trace line appended for an exception, per
// spec: innermost-cause-only for FunctionInvocationException/AggregateException,
// full stack+message otherwise.
func (e *Exception) render() string {
	if e == nil {
		return ""
	}
	if e.Kind == ExceptionFunctionInvocation || e.Kind == ExceptionAggregate {
		inner := e.Innermost()
		return strings.TrimSpace(inner.Message)
	}
	var b strings.Builder
	if e.Stack != "" {
		b.WriteString(strings.TrimSpace(e.Stack))
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimSpace(e.Message))
	return strings.TrimSpace(b.String())
}

// Event is what a producer hands to Trace. Properties carries small,
// producer-supplied metadata; "isSystemTrace" is the one key the writer
// itself interprets.
type Event struct {
	Level      Level
	Message    string
	Exception  *Exception
	Properties map[string]any
}

func (e Event) isSystemTrace() bool {
	if e.Properties == nil {
		return false
	}
	v, ok := e.Properties["isSystemTrace"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// Record is an immutable, timestamped trace line ready for a Sink. One Event
// may produce more than one Record (message line plus an exception line).
type Record struct {
	Timestamp  time.Time
	Level      Level
	Message    string
	Properties map[string]any
	// FunctionName is written to SqlSink's functionName column, as NULL
	// when empty. BufferedTraceWriter does not set it, so every record it
	// produces has an empty FunctionName, including records from writers
	// the Factory builds for a named function.
	FunctionName string
}
