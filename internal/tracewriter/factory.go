package tracewriter

import (
	"fmt"

	"pkt.systems/hostlease/internal/clock"
	"pkt.systems/hostlease/internal/obs"
	"pkt.systems/pslog"
)

// FileLoggingMode mirrors the host's file-logging configuration knob.
type FileLoggingMode int

const (
	FileLoggingAlways FileLoggingMode = iota
	FileLoggingDebugOnly
	FileLoggingNever
)

// ConnectionStringResolver resolves a named ambient connection string.
// Implementations should not reach for process-global state; the factory
// takes one as an explicit constructor dependency instead.
type ConnectionStringResolver interface {
	Resolve(name string) (string, error)
}

// HostConfig is the subset of the host's script configuration the factory
// needs to pick a sink combination.
type HostConfig struct {
	FileLoggingMode FileLoggingMode
	RootLogPath     string
	MinLevel        Level
	Standalone      bool
	SiteName        string
	InstanceID      string
	RetentionDays   int

	ConnectionStrings ConnectionStringResolver
}

// Factory chooses a Writer's sink configuration for a given function.
type Factory struct {
	logger  pslog.Logger
	metrics *obs.WriterMetrics
	clock   clock.Clock
}

// FactoryOption customises a Factory at construction.
type FactoryOption func(*Factory)

// WithFactoryClock overrides the clock handed to every Writer the factory builds.
func WithFactoryClock(c clock.Clock) FactoryOption {
	return func(f *Factory) { f.clock = c }
}

// WithFactoryMetrics attaches an obs.WriterMetrics recorder to every Writer
// the factory builds.
func WithFactoryMetrics(m *obs.WriterMetrics) FactoryOption {
	return func(f *Factory) { f.metrics = m }
}

// NewFactory constructs a Factory.
func NewFactory(logger pslog.Logger, opts ...FactoryOption) *Factory {
	f := &Factory{logger: logger, clock: clock.Real{}}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Build constructs a Writer for functionName:
//  1. standalone mode -> CompositeSink(Sql, File)
//  2. FileLoggingMode != Never -> FileSink
//  3. otherwise -> NullSink
//
// On any construction failure in the standalone branch, already-constructed
// sinks are closed before the error propagates.
func (f *Factory) Build(functionName string, cfg HostConfig) (Writer, error) {
	if cfg.Standalone {
		return f.buildStandalone(functionName, cfg)
	}
	if cfg.FileLoggingMode != FileLoggingNever {
		file, err := NewFileSink(FileSinkConfig{
			RootLogPath:   cfg.RootLogPath,
			FunctionName:  functionName,
			MinLevel:      cfg.MinLevel,
			RetentionDays: cfg.RetentionDays,
		}, f.logger)
		if err != nil {
			return nil, fmt.Errorf("tracewriter: build file sink: %w", err)
		}
		return f.newWriter(cfg, file), nil
	}
	return f.newWriter(cfg, NullSink{}), nil
}

func (f *Factory) buildStandalone(functionName string, cfg HostConfig) (Writer, error) {
	if cfg.ConnectionStrings == nil {
		return nil, fmt.Errorf("tracewriter: standalone mode requires a connection string resolver")
	}
	connStr, err := cfg.ConnectionStrings.Resolve("SqlTracer")
	if err != nil {
		return nil, fmt.Errorf("tracewriter: resolve SqlTracer connection string: %w", err)
	}
	sql, err := NewSqlSink(SqlSinkConfig{
		ConnectionString: connStr,
		ServerName:       cfg.SiteName,
		AppName:          cfg.InstanceID,
	}, f.logger)
	if err != nil {
		return nil, fmt.Errorf("tracewriter: build sql sink: %w", err)
	}
	file, err := NewFileSink(FileSinkConfig{
		RootLogPath:   cfg.RootLogPath,
		FunctionName:  functionName,
		MinLevel:      cfg.MinLevel,
		RetentionDays: cfg.RetentionDays,
	}, f.logger)
	if err != nil {
		_ = sql.Close()
		return nil, fmt.Errorf("tracewriter: build file sink: %w", err)
	}
	return f.newWriter(cfg, NewCompositeSink(sql, file)), nil
}

func (f *Factory) newWriter(cfg HostConfig, sink Sink) Writer {
	return New(cfg.MinLevel, true, sink, f.logger, WithClock(f.clock), WithMetrics(f.metrics))
}
