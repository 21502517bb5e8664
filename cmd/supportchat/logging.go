// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/supportchat/lib/chatui"
)

// newLogger builds the process logger. In TUI mode stderr would
// corrupt the screen, so records at WARN and above go to the status
// bar through *tuiHandler and everything else only to the optional
// log file. In line mode records go to stderr as text on a terminal
// and JSON otherwise, plus the log file.
func newLogger(level slog.Level, logOutput string, interactive bool, tuiHandler **chatui.LogHandler) (*slog.Logger, func(), error) {
	options := &slog.HandlerOptions{Level: level}

	var fileHandler slog.Handler
	closeFile := func() {}
	if logOutput != "" {
		file, err := os.OpenFile(logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, err
		}
		fileHandler = slog.NewJSONHandler(file, options)
		closeFile = func() { file.Close() }
	}

	if interactive {
		*tuiHandler = chatui.NewLogHandler(slog.LevelWarn, fileHandler)
		return slog.New(*tuiHandler), closeFile, nil
	}

	var stderrHandler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		stderrHandler = slog.NewTextHandler(os.Stderr, options)
	} else {
		stderrHandler = slog.NewJSONHandler(os.Stderr, options)
	}
	if fileHandler == nil {
		return slog.New(stderrHandler), closeFile, nil
	}
	return slog.New(fanoutHandler{stderrHandler, fileHandler}), closeFile, nil
}

// fanoutHandler dispatches each record to every handler that accepts it.
type fanoutHandler []slog.Handler

func (handlers fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (handlers fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range handlers {
		if handler.Enabled(ctx, record.Level) {
			errs = append(errs, handler.Handle(ctx, record.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (handlers fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := make(fanoutHandler, len(handlers))
	for i, handler := range handlers {
		derived[i] = handler.WithAttrs(attrs)
	}
	return derived
}

func (handlers fanoutHandler) WithGroup(name string) slog.Handler {
	derived := make(fanoutHandler, len(handlers))
	for i, handler := range handlers {
		derived[i] = handler.WithGroup(name)
	}
	return derived
}
