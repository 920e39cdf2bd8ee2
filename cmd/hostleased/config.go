package main

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"pkt.systems/hostlease/internal/tracewriter"
)

// Config is the bound, typed form of every flag/env/config-file value
// hostleased accepts.
type Config struct {
	AccountName     string
	HostID          string
	InstanceID      string
	LeaseTimeout    time.Duration
	RenewalInterval time.Duration
	RetryInterval   time.Duration
	Provider        string

	AzureAccount    string
	AzureAccountKey string
	AzureEndpoint   string
	AzureSASToken   string
	AzureContainer  string

	S3Endpoint       string
	S3Region         string
	S3Bucket         string
	S3Prefix         string
	S3Insecure       bool
	S3ForcePathStyle bool

	MetricsListen string
	OTLPEndpoint  string

	FileLoggingMode     string
	RootLogPath         string
	RetentionDays       int
	Standalone          bool
	SQLConnectionString string
	SQLServerName       string
	SinkPolicyPath      string
}

func bindConfig(cfg *Config) error {
	cfg.AccountName = viper.GetString("account-name")
	cfg.HostID = viper.GetString("host-id")
	cfg.InstanceID = viper.GetString("instance-id")
	cfg.LeaseTimeout = viper.GetDuration("lease-timeout")
	cfg.RenewalInterval = viper.GetDuration("renewal-interval")
	cfg.RetryInterval = viper.GetDuration("retry-interval")
	cfg.Provider = viper.GetString("provider")

	cfg.AzureAccount = viper.GetString("azure-account")
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.AzureContainer = viper.GetString("azure-container")

	cfg.S3Endpoint = viper.GetString("s3-endpoint")
	cfg.S3Region = viper.GetString("s3-region")
	cfg.S3Bucket = viper.GetString("s3-bucket")
	cfg.S3Prefix = viper.GetString("s3-prefix")
	cfg.S3Insecure = viper.GetBool("s3-insecure")
	cfg.S3ForcePathStyle = viper.GetBool("s3-force-path-style")

	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")

	cfg.FileLoggingMode = strings.ToLower(viper.GetString("file-logging-mode"))
	cfg.RootLogPath = viper.GetString("root-log-path")
	cfg.RetentionDays = viper.GetInt("retention-days")
	cfg.Standalone = viper.GetBool("standalone")
	cfg.SQLConnectionString = viper.GetString("sql-connection-string")
	cfg.SQLServerName = viper.GetString("sql-server-name")
	cfg.SinkPolicyPath = viper.GetString("sink-policy")
	return nil
}

// hostConfig translates Config into the subset tracewriter.Factory needs.
func (cfg Config) hostConfig() tracewriter.HostConfig {
	mode := tracewriter.FileLoggingAlways
	switch cfg.FileLoggingMode {
	case "debug-only":
		mode = tracewriter.FileLoggingDebugOnly
	case "never":
		mode = tracewriter.FileLoggingNever
	}
	return tracewriter.HostConfig{
		FileLoggingMode:   mode,
		RootLogPath:       cfg.RootLogPath,
		MinLevel:          tracewriter.LevelVerbose,
		Standalone:        cfg.Standalone,
		SiteName:          cfg.SQLServerName,
		InstanceID:        cfg.InstanceID,
		RetentionDays:     cfg.RetentionDays,
		ConnectionStrings: staticConnectionStrings{"SqlTracer": cfg.SQLConnectionString},
	}
}

// staticConnectionStrings resolves names from a fixed map populated at
// startup from CLI flags, rather than reaching for ambient environment
// state.
type staticConnectionStrings map[string]string

func (s staticConnectionStrings) Resolve(name string) (string, error) {
	v, ok := s[name]
	if !ok || v == "" {
		return "", errConnectionStringNotConfigured(name)
	}
	return v, nil
}

type errConnectionStringNotConfigured string

func (e errConnectionStringNotConfigured) Error() string {
	return "hostleased: connection string " + string(e) + " is not configured"
}
