package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
)

// newLogger returns a slog.Logger writing to w through a charmbracelet
// handler. format is "text", "logfmt" or "json".
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", level)
	}

	var f log.Formatter
	switch strings.ToLower(format) {
	case "", "text":
		f = log.TextFormatter
	case "logfmt":
		f = log.LogfmtFormatter
	case "json":
		f = log.JSONFormatter
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}

	h := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       f,
		ReportTimestamp: true,
		Prefix:          "adt7310 🌡",
	})
	return slog.New(h), nil
}
