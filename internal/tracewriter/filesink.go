package tracewriter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/hostlease/internal/loggingutil"
	"pkt.systems/pslog"
)

const defaultRetentionDays = 7

// FileSinkConfig configures a FileSink.
type FileSinkConfig struct {
	RootLogPath   string
	FunctionName  string
	MinLevel      Level
	RetentionDays int
}

// FileSink appends records to a per-function log file under
// {RootLogPath}/Function/{FunctionName}/, UTF-8, one JSON object per line,
// rotated daily and pruned to RetentionDays files. Rotation policy is not
// specified by the source this was drawn from; this is the reasonable
// default: daily rotation with a seven-day retention window.
type FileSink struct {
	cfg    FileSinkConfig
	logger pslog.Logger

	mu      sync.Mutex
	file    *os.File
	day     string
	dirPath string
}

// NewFileSink validates cfg and ensures the target directory exists.
func NewFileSink(cfg FileSinkConfig, logger pslog.Logger) (*FileSink, error) {
	if cfg.RootLogPath == "" {
		return nil, fmt.Errorf("tracewriter: FileSink requires a root log path")
	}
	if cfg.FunctionName == "" {
		return nil, fmt.Errorf("tracewriter: FileSink requires a function name")
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	dirPath := filepath.Join(cfg.RootLogPath, "Function", cfg.FunctionName)
	if err := os.MkdirAll(dirPath, 0o755); err != nil {
		return nil, fmt.Errorf("tracewriter: create log directory: %w", err)
	}
	return &FileSink{
		cfg:     cfg,
		logger:  loggingutil.WithSubsystem(logger, loggingutil.SubsystemFileSink),
		dirPath: dirPath,
	}, nil
}

type fileRecord struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Props     map[string]any `json:"properties,omitempty"`
}

// FlushBatch appends every record at or above MinLevel to the current
// day's file, rotating and pruning as needed.
func (f *FileSink) FlushBatch(ctx context.Context, records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var kept int
	for _, rec := range records {
		if rec.Level < f.cfg.MinLevel {
			continue
		}
		if err := f.ensureFileLocked(rec.Timestamp); err != nil {
			return err
		}
		line := fileRecord{
			Timestamp: rec.Timestamp.UTC().Format(time.RFC3339Nano),
			Level:     rec.Level.String(),
			Message:   rec.Message,
			Props:     rec.Properties,
		}
		buf, err := json.Marshal(line)
		if err != nil {
			return fmt.Errorf("tracewriter: marshal file record: %w", err)
		}
		if _, err := f.file.Write(append(buf, '\n')); err != nil {
			return fmt.Errorf("tracewriter: write file record: %w", err)
		}
		kept++
	}
	if kept > 0 {
		if info, err := f.file.Stat(); err == nil {
			f.logger.Debug("tracewriter.file.flushed",
				"function", f.cfg.FunctionName,
				"records", kept,
				"file_size", humanize.Bytes(uint64(info.Size())),
			)
		}
	}
	return nil
}

func (f *FileSink) ensureFileLocked(at time.Time) error {
	day := at.UTC().Format("2006-01-02")
	if f.file != nil && f.day == day {
		return nil
	}
	if f.file != nil {
		_ = f.file.Close()
	}
	path := filepath.Join(f.dirPath, day+".log")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("tracewriter: open log file: %w", err)
	}
	f.file = file
	f.day = day
	f.pruneLocked()
	return nil
}

func (f *FileSink) pruneLocked() {
	entries, err := os.ReadDir(f.dirPath)
	if err != nil {
		return
	}
	var days []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".log") {
			continue
		}
		days = append(days, strings.TrimSuffix(name, ".log"))
	}
	if len(days) <= f.cfg.RetentionDays {
		return
	}
	sort.Strings(days)
	stale := days[:len(days)-f.cfg.RetentionDays]
	for _, day := range stale {
		path := filepath.Join(f.dirPath, day+".log")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			f.logger.Warn("tracewriter.file.prune_failed", "path", path, "error", err)
		}
	}
}

// Close closes the currently open log file, if any.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
