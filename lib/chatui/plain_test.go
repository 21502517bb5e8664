// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestRunPlain(t *testing.T) {
	controller := newFakeController()
	var out bytes.Buffer

	err := RunPlain(context.Background(), controller, strings.NewReader("yes\n\nhello\n"), &out, asciiOptions())
	if err != nil {
		t.Fatalf("RunPlain: %v", err)
	}

	starts, toggles, exits, submitted := controller.counts()
	if starts != 1 || toggles != 1 || exits != 1 {
		t.Errorf("starts=%d toggles=%d exits=%d, want 1 each", starts, toggles, exits)
	}
	if len(submitted) != 2 || submitted[0] != "yes" || submitted[1] != "hello" {
		t.Errorf("submitted = %v, want [yes hello]", submitted)
	}

	output := out.String()
	for _, want := range []string{"Welcome to support.", "You", "hello", "Goodbye."} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Index(output, "Welcome to support.") > strings.Index(output, "hello") {
		t.Errorf("records out of order:\n%s", output)
	}
}

func TestRunPlainRefused(t *testing.T) {
	controller := newFakeController()
	controller.refuse = true
	var out bytes.Buffer

	if err := RunPlain(context.Background(), controller, strings.NewReader("hello\n"), &out, asciiOptions()); err != nil {
		t.Fatalf("RunPlain: %v", err)
	}
	if !strings.Contains(out.String(), "not sent") {
		t.Errorf("output missing refusal notice:\n%s", out.String())
	}
}

func TestRunPlainCancelled(t *testing.T) {
	controller := newFakeController()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	blocked := &blockingReader{release: make(chan struct{})}
	defer close(blocked.release)
	if err := RunPlain(ctx, controller, blocked, &out, asciiOptions()); err != nil {
		t.Fatalf("RunPlain: %v", err)
	}
	if _, _, exits, _ := controller.counts(); exits != 1 {
		t.Errorf("exits = %d, want 1", exits)
	}
}

// blockingReader blocks every Read until release is closed.
type blockingReader struct {
	release chan struct{}
}

func (reader *blockingReader) Read([]byte) (int, error) {
	<-reader.release
	return 0, context.Canceled
}
