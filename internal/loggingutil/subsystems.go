package loggingutil

// Subsystem path constants for this module's own components. Call sites use
// these instead of repeating the dotted string by hand, so a renamed
// subsystem only needs to change here.
const (
	SubsystemLeaseManager = "leasemgr"
	SubsystemWriter       = "tracewriter"
	SubsystemFileSink     = "tracewriter.sink.file"
	SubsystemSqlSink      = "tracewriter.sink.sql"
	SubsystemCLIRoot      = "cli.root"
)
