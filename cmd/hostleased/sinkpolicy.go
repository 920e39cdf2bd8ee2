package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"pkt.systems/hostlease/internal/tracewriter"
)

// sinkPolicy overrides TraceWriterFactory's mode-based sink decision per
// function name, read from an optional YAML file:
//
//	leasemgr: never
//	heartbeat: debug-only
type sinkPolicy map[string]string

func loadSinkPolicy(path string) (sinkPolicy, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sink policy file: %w", err)
	}
	var policy sinkPolicy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse sink policy file: %w", err)
	}
	return policy, nil
}

// resolve returns base with FileLoggingMode overridden when policy names
// functionName.
func (p sinkPolicy) resolve(functionName string, base tracewriter.HostConfig) tracewriter.HostConfig {
	if p == nil {
		return base
	}
	override, ok := p[functionName]
	if !ok {
		return base
	}
	switch strings.ToLower(override) {
	case "always":
		base.FileLoggingMode = tracewriter.FileLoggingAlways
	case "debug-only":
		base.FileLoggingMode = tracewriter.FileLoggingDebugOnly
	case "never":
		base.FileLoggingMode = tracewriter.FileLoggingNever
	}
	return base
}
