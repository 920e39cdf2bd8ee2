package obs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/pslog"
)

// Config controls which exporters Setup wires up.
type Config struct {
	ServiceName   string
	MetricsListen string // empty disables the Prometheus scrape endpoint
	OTLPEndpoint  string // empty disables OTLP trace export
}

// Bundle owns everything Setup created; Shutdown tears it all down.
type Bundle struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	Tracer         trace.Tracer

	metricsServer *http.Server
	metricsLn     net.Listener
	logger        pslog.Logger
}

type errorHandler struct{ logger pslog.Logger }

func (h errorHandler) Handle(err error) {
	if err == nil || h.logger == nil {
		return
	}
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		h.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	h.logger.Warn("telemetry.exporter.error", "error", err)
}

// Setup constructs the meter/tracer providers, registers runtime metrics,
// and optionally starts a Prometheus scrape listener and an OTLP trace
// exporter. There is no pprof server and no incoming-request propagation:
// this module has no HTTP surface to instrument.
func Setup(ctx context.Context, cfg Config, logger pslog.Logger) (*Bundle, error) {
	otel.SetErrorHandler(errorHandler{logger: logger})

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("obs: build resource: %w", err)
	}

	promExporter, err := otelprometheus.New()
	if err != nil {
		return nil, fmt.Errorf("obs: prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	if err := otelruntime.Start(otelruntime.WithMinimumReadMemStatsInterval(15 * time.Second)); err != nil && logger != nil {
		logger.Warn("telemetry.runtime_metrics.start_failed", "error", err)
	}

	b := &Bundle{MeterProvider: meterProvider, logger: logger}

	if cfg.OTLPEndpoint != "" {
		traceExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
		if err != nil {
			return nil, fmt.Errorf("obs: otlp trace exporter: %w", err)
		}
		tracerProvider := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExporter),
		)
		otel.SetTracerProvider(tracerProvider)
		b.TracerProvider = tracerProvider
	}
	b.Tracer = otel.Tracer("pkt.systems/hostlease")

	if cfg.MetricsListen != "" {
		ln, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			return nil, fmt.Errorf("obs: metrics listener: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Handler: mux}
		b.metricsServer = srv
		b.metricsLn = ln
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && logger != nil {
				logger.Warn("telemetry.metrics_server.exited", "error", err)
			}
		}()
	}

	return b, nil
}

// Shutdown tears down every exporter/server the bundle started.
func (b *Bundle) Shutdown(ctx context.Context) error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.TracerProvider != nil {
		if err := b.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	if b.MeterProvider != nil {
		if err := b.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter shutdown: %w", err))
		}
	}
	if b.metricsServer != nil {
		if err := b.metricsServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}
	if b.metricsLn != nil {
		_ = b.metricsLn.Close()
	}
	return errors.Join(errs...)
}
