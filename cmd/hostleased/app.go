package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/hostlease/internal/clock"
	"pkt.systems/hostlease/internal/leaseprovider"
	"pkt.systems/hostlease/internal/leasemgr"
	"pkt.systems/hostlease/internal/loggingutil"
	"pkt.systems/hostlease/internal/obs"
	"pkt.systems/hostlease/internal/tracewriter"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("HOSTLEASED_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "hostleased")

	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			loggingutil.WithSubsystem(baseLogger, loggingutil.SubsystemCLIRoot).Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "hostleased",
		Short:         "hostleased races a single host lock lease and records its own diagnostics through a buffered trace pipeline",
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := loggingutil.WithSubsystem(logger, loggingutil.SubsystemCLIRoot)
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = loggingutil.WithSubsystem(logger, loggingutil.SubsystemCLIRoot)
			}

			var cfg Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			if cfg.InstanceID == "" {
				cfg.InstanceID = uuid.NewString()
			}

			cliLogger.Info("starting hostleased", "host_id", cfg.HostID, "instance_id", cfg.InstanceID, "provider", cfg.Provider)

			bundle, err := obs.Setup(ctx, obs.Config{
				ServiceName:   "hostleased",
				MetricsListen: cfg.MetricsListen,
				OTLPEndpoint:  cfg.OTLPEndpoint,
			}, logger)
			if err != nil {
				return fmt.Errorf("setup telemetry: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = bundle.Shutdown(shutdownCtx)
			}()

			provider, err := buildProvider(cfg)
			if err != nil {
				return fmt.Errorf("build lease provider: %w", err)
			}

			writerMetrics := obs.NewWriterMetrics(logger)
			factory := tracewriter.NewFactory(logger, tracewriter.WithFactoryMetrics(writerMetrics))
			policy, err := loadSinkPolicy(cfg.SinkPolicyPath)
			if err != nil {
				return fmt.Errorf("load sink policy: %w", err)
			}
			writer, err := factory.Build("leasemgr", policy.resolve("leasemgr", cfg.hostConfig()))
			if err != nil {
				return fmt.Errorf("build trace writer: %w", err)
			}

			leaseMetrics := obs.NewLeaseMetrics(logger)
			manager, err := leasemgr.New(leasemgr.Config{
				Provider:        provider,
				AccountName:     cfg.AccountName,
				HostID:          cfg.HostID,
				InstanceID:      cfg.InstanceID,
				LeaseTimeout:    cfg.LeaseTimeout,
				RenewalInterval: cfg.RenewalInterval,
				RetryInterval:   cfg.RetryInterval,
				TraceWriter:     writer,
				Clock:           clock.Real{},
				Metrics:         leaseMetrics,
				Logger:          logger,
			})
			if err != nil {
				return fmt.Errorf("start lease manager: %w", err)
			}

			unsubscribe := manager.OnLeaseChanged(func() {
				if id, ok := manager.LeaseID(); ok {
					cliLogger.Info("lease changed", "held", true, "lease_id", id)
				} else {
					cliLogger.Info("lease changed", "held", false)
				}
			})
			defer unsubscribe()

			<-ctx.Done()
			cliLogger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := manager.Dispose(shutdownCtx); err != nil {
				cliLogger.Warn("lease manager dispose failed", "error", err)
			}
			if err := writer.Dispose(shutdownCtx); err != nil {
				cliLogger.Warn("trace writer dispose failed", "error", err)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("account-name", "", "storage account name the lease provider identifies itself under")
	flags.String("host-id", "hostleased", "logical lease name competing instances race for")
	flags.String("instance-id", "", "this process's identity among competitors (defaults to a generated uuid)")
	flags.Duration("lease-timeout", 30*time.Second, "lease timeout, must fall within [15s, 60s]")
	flags.Duration("renewal-interval", 0, "renewal cadence while holding the lease (defaults to lease-timeout minus 3s)")
	flags.Duration("retry-interval", 0, "retry cadence while seeking the lease (defaults to 5s)")
	flags.String("provider", "memory", "lease provider backend: memory, azureblob, s3")

	flags.String("azure-account", "", "Azure Storage account name")
	flags.String("azure-key", "", "Azure Storage account key")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override")
	flags.String("azure-sas-token", "", "Azure SAS token (alternative to account key)")
	flags.String("azure-container", "hostleased-locks", "Azure Blob container holding lease blobs")

	flags.String("s3-endpoint", "", "S3-compatible endpoint host:port")
	flags.String("s3-region", "us-east-1", "S3 region")
	flags.String("s3-bucket", "hostleased-locks", "S3 bucket holding lease objects")
	flags.String("s3-prefix", "", "S3 key prefix for lease objects")
	flags.Bool("s3-insecure", false, "use plain HTTP against the S3 endpoint")
	flags.Bool("s3-force-path-style", false, "force path-style S3 bucket addressing")

	flags.String("log-level", "info", "minimum log level (trace, debug, info, warn, error)")
	flags.String("metrics-listen", "", "Prometheus scrape listen address (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP trace collector endpoint (empty disables)")

	flags.String("file-logging-mode", "always", "file trace logging mode: always, debug-only, never")
	flags.String("root-log-path", "./logs", "root directory for file-based trace logs")
	flags.Int("retention-days", 7, "file trace log retention window in days")
	flags.Bool("standalone", false, "also write traces to the SQL sink (requires --sql-connection-string)")
	flags.String("sql-connection-string", "", "SQL Server connection string for the standalone trace sink")
	flags.String("sql-server-name", "", "server name recorded on every SQL trace row")
	flags.String("sink-policy", "", "path to a YAML file overriding the trace sink mode per function name")

	viper.SetEnvPrefix("HOSTLEASED")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"account-name", "host-id", "instance-id", "lease-timeout", "renewal-interval", "retry-interval", "provider",
		"azure-account", "azure-key", "azure-endpoint", "azure-sas-token", "azure-container",
		"s3-endpoint", "s3-region", "s3-bucket", "s3-prefix", "s3-insecure", "s3-force-path-style",
		"log-level", "metrics-listen", "otlp-endpoint",
		"file-logging-mode", "root-log-path", "retention-days", "standalone", "sql-connection-string", "sql-server-name", "sink-policy",
	}
	for _, name := range names {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	return cmd
}

func buildProvider(cfg Config) (leaseprovider.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "memory":
		return leaseprovider.NewMemory(), nil
	case "azureblob":
		return leaseprovider.NewAzureBlob(leaseprovider.AzureBlobConfig{
			Account:    cfg.AzureAccount,
			AccountKey: cfg.AzureAccountKey,
			Endpoint:   cfg.AzureEndpoint,
			SASToken:   cfg.AzureSASToken,
			Container:  cfg.AzureContainer,
		})
	case "s3":
		return leaseprovider.NewS3Lock(leaseprovider.S3LockConfig{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			Bucket:         cfg.S3Bucket,
			Prefix:         cfg.S3Prefix,
			Insecure:       cfg.S3Insecure,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown lease provider %q", cfg.Provider)
	}
}
