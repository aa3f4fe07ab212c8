// Package common provides centralized logging infrastructure for the driftsync engine.
// This package implements intelligent log output routing that automatically directs
// error messages to stderr while sending other log levels to stdout, enabling
// proper stream separation for containerized and scripted environments.
//
// The logging system is built on logrus for structured logging capabilities with
// custom output handling that supports both development workflows and production
// deployment patterns. All sync runtime components log through loggers created
// here so that runs are uniformly dimensioned and aggregatable.
//
// Key Features:
//   - Automatic output stream routing based on log level
//   - Structured logging with JSON and text format support
//   - Container-friendly output separation for log aggregation
//   - Global logger instance for consistent usage patterns
//   - Run-dimensioned child loggers carrying sync identifiers
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter implements log output routing based on log content analysis.
// This custom writer examines formatted log messages and directs them to the
// appropriate output stream (stdout vs stderr) based on their severity level.
//
// Routing Logic:
//   - Error messages (containing "level=error") → stderr
//   - All other messages (info, debug, warn) → stdout
//
// Docker and Kubernetes environments capture stdout and stderr independently,
// which lets error streams feed alerting while info logs flow to analytics.
type OutputSplitter struct{}

// Write implements the io.Writer interface for the OutputSplitter.
// It searches for the literal string "level=error" which logrus produces when
// formatting error-level entries, and routes those lines to stderr.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance for the driftsync engine. It is
// pre-configured with the OutputSplitter so error output is separated from
// general logging. Components that are not part of a run (CLI startup, config
// loading) log through this instance; run-scoped components use a dimensioned
// child created with RunLogger.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}
