// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// logRecordMsg delivers a slog record to the model for display in the
// status bar.
type logRecordMsg struct {
	Summary string
	Level   slog.Level
}

// logRecordFadeMsg clears a status bar record. Seq ties it to the
// record it was scheduled for, so a newer record is not cleared early.
type logRecordFadeMsg struct {
	Seq int
}

// logRecordFadeDelay is how long a record stays in the status bar.
const logRecordFadeDelay = 5 * time.Second

// sendTarget is where records go once the program exists.
type sendTarget struct {
	send func(tea.Msg)
}

// LogHandler is a slog.Handler that routes records at or above its
// level into a bubbletea program as status bar messages, and passes
// every record its next handler accepts on to that handler.
//
// Records arriving before SetProgram are not shown. Handlers derived
// with WithAttrs or WithGroup share the program, so one SetProgram
// call reaches all of them.
type LogHandler struct {
	level  slog.Level
	next   slog.Handler
	target *atomic.Pointer[sendTarget]
	attrs  []slog.Attr
	groups []string
}

// NewLogHandler creates a handler showing records at or above level.
// next may be nil.
func NewLogHandler(level slog.Level, next slog.Handler) *LogHandler {
	return &LogHandler{
		level:  level,
		next:   next,
		target: &atomic.Pointer[sendTarget]{},
	}
}

// SetProgram sets the program that receives status records. Safe to
// call from any goroutine.
func (handler *LogHandler) SetProgram(program *tea.Program) {
	handler.target.Store(&sendTarget{send: program.Send})
}

func (handler *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= handler.level {
		return true
	}
	return handler.next != nil && handler.next.Enabled(ctx, level)
}

func (handler *LogHandler) Handle(ctx context.Context, record slog.Record) error {
	var err error
	if handler.next != nil && handler.next.Enabled(ctx, record.Level) {
		err = handler.next.Handle(ctx, record)
	}
	if record.Level < handler.level {
		return err
	}
	target := handler.target.Load()
	if target == nil {
		return err
	}
	target.send(logRecordMsg{Summary: handler.summary(record), Level: record.Level})
	return err
}

// summary formats "message (key=value, ...)" with handler attributes
// first. Group names prefix record attribute keys.
func (handler *LogHandler) summary(record slog.Record) string {
	var parts []string
	for _, attr := range handler.attrs {
		parts = append(parts, fmt.Sprintf("%s=%s", attr.Key, attr.Value))
	}
	prefix := ""
	if len(handler.groups) > 0 {
		prefix = strings.Join(handler.groups, ".") + "."
	}
	record.Attrs(func(attr slog.Attr) bool {
		parts = append(parts, fmt.Sprintf("%s%s=%s", prefix, attr.Key, attr.Value))
		return true
	})
	if len(parts) == 0 {
		return record.Message
	}
	return record.Message + " (" + strings.Join(parts, ", ") + ")"
}

func (handler *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := handler.derive()
	derived.attrs = append(derived.attrs, attrs...)
	if handler.next != nil {
		derived.next = handler.next.WithAttrs(attrs)
	}
	return derived
}

func (handler *LogHandler) WithGroup(name string) slog.Handler {
	derived := handler.derive()
	derived.groups = append(derived.groups, name)
	if handler.next != nil {
		derived.next = handler.next.WithGroup(name)
	}
	return derived
}

func (handler *LogHandler) derive() *LogHandler {
	return &LogHandler{
		level:  handler.level,
		next:   handler.next,
		target: handler.target,
		attrs:  append([]slog.Attr(nil), handler.attrs...),
		groups: append([]string(nil), handler.groups...),
	}
}
