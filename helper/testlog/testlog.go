// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package testlog creates hclog loggers backed by testing.T so test output
// interleaves with controller log output.
package testlog

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
)

// LogPrinter is the methods of testing.T (or testing.B) needed by the test
// logger.
type LogPrinter interface {
	Logf(format string, args ...interface{})
}

// writer implements io.Writer on top of a LogPrinter.
type writer struct {
	t LogPrinter
}

// Write to an underlying LogPrinter. Never returns an error.
func (w *writer) Write(p []byte) (n int, err error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

// NewWriter creates a new io.Writer backed by a testing.T.
func NewWriter(t LogPrinter) io.Writer {
	return &writer{t}
}

// HCLogger returns a trace-level logger for t. Setting QUARRY_TEST_STDOUT
// routes output to the process stdout instead, which survives test
// timeouts.
func HCLogger(t LogPrinter) hclog.Logger {
	var out io.Writer = &writer{t}
	if os.Getenv("QUARRY_TEST_STDOUT") != "" {
		out = os.Stdout
	}
	return hclog.New(&hclog.LoggerOptions{
		Level:           hclog.Trace,
		Output:          out,
		IncludeLocation: true,
	})
}
