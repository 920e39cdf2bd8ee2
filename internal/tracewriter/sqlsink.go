package tracewriter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// Registers the "sqlserver" driver with database/sql.
	_ "github.com/microsoft/go-mssqldb"

	"pkt.systems/hostlease/internal/loggingutil"
	"pkt.systems/pslog"
)

// traceLevelPlaceholder is written into the traceLevel column. The source
// this was drawn from reserves the column for future use and always writes
// the same constant.
const traceLevelPlaceholder = 100

const defaultLogTable = "TraceLog"

// SqlSinkConfig configures a SqlSink.
type SqlSinkConfig struct {
	// ConnectionString is the resolved "SqlTracer" connection string.
	ConnectionString string
	// ServerName is required: the table schema has no nullable server column.
	ServerName string
	AppName    string
	// Table overrides the log table name; defaults to "TraceLog".
	Table string
}

// SqlSink writes each record as a parameterized INSERT into a predefined
// log table. It opens a connection per flush and always closes it,
// including on error.
type SqlSink struct {
	cfg    SqlSinkConfig
	logger pslog.Logger
}

// NewSqlSink validates cfg and constructs a SqlSink. ServerName blank is a
// construction-time error: the table schema requires it.
func NewSqlSink(cfg SqlSinkConfig, logger pslog.Logger) (*SqlSink, error) {
	if cfg.ServerName == "" {
		return nil, errors.New("tracewriter: SqlSink requires a non-blank ServerName")
	}
	if cfg.ConnectionString == "" {
		return nil, errors.New("tracewriter: SqlSink requires a connection string")
	}
	if cfg.Table == "" {
		cfg.Table = defaultLogTable
	}
	return &SqlSink{
		cfg:    cfg,
		logger: loggingutil.WithSubsystem(logger, loggingutil.SubsystemSqlSink),
	}, nil
}

// FlushBatch opens a scoped connection, inserts every record, and closes
// the connection on every exit path.
func (s *SqlSink) FlushBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	db, err := sql.Open("sqlserver", s.cfg.ConnectionString)
	if err != nil {
		return fmt.Errorf("tracewriter: open sql connection: %w", err)
	}
	defer db.Close()

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("tracewriter: acquire sql connection: %w", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(
		"INSERT INTO %s (timestamp, serverName, appName, functionName, traceLevel, message) VALUES (@p1, @p2, @p3, @p4, @p5, @p6)",
		s.cfg.Table,
	)

	var errs []error
	for _, rec := range records {
		var functionName any
		if rec.FunctionName != "" {
			functionName = rec.FunctionName
		}
		if _, err := conn.ExecContext(ctx, query,
			rec.Timestamp.UTC(),
			s.cfg.ServerName,
			s.cfg.AppName,
			functionName,
			traceLevelPlaceholder,
			rec.Message,
		); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.logger.Warn("tracewriter.sql.insert_failed", "count", len(errs), "batch_size", len(records))
		return fmt.Errorf("tracewriter: sql insert: %w", errors.Join(errs...))
	}
	return nil
}

// Close is a no-op: SqlSink does not keep a connection open between flushes.
func (s *SqlSink) Close() error { return nil }
