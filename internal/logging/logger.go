// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package logging builds the process-wide structured logger (§9: "global
// logger keyed by {module, component}"). Loggers only observe; nothing in
// this subsystem branches on a logged value.
package logging

import (
	"log/slog"
	"os"
	"strings"
)

// New builds the root *slog.Logger for the process, with level and handler
// format derived from the given level string ("debug", "info", "warn",
// "error") and whether this is a production deployment.
func New(level string, production bool) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if production {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("module", "webhook")
}

// Component returns a child logger tagged with the given component name,
// matching Design Notes §9's {module, component} logging key.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("component", name)
}
