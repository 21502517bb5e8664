// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"errors"
	"log/slog"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/supportchat"
)

func update(t *testing.T, model Model, message tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, command := model.Update(message)
	result, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", next)
	}
	return result, command
}

func typeText(t *testing.T, model Model, text string) Model {
	t.Helper()
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(text)})
	return model
}

func sized(t *testing.T, model Model) Model {
	t.Helper()
	model, _ = update(t, model, tea.WindowSizeMsg{Width: 60, Height: 20})
	return model
}

func TestToggleOpensAndStartsIdleChat(t *testing.T) {
	controller := newFakeController()
	model := sized(t, NewModel(controller, asciiOptions()))

	if view := model.View(); !strings.Contains(view, "ctrl+o to open") {
		t.Errorf("closed view = %q, want open hint", view)
	}

	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyCtrlO})
	starts, toggles, _, _ := controller.counts()
	if toggles != 1 || starts != 1 {
		t.Fatalf("toggles=%d starts=%d, want 1 and 1", toggles, starts)
	}
	view := model.View()
	for _, want := range []string{"Support chat", "waiting for your answer", "Support", "Welcome to support."} {
		if !strings.Contains(view, want) {
			t.Errorf("open view missing %q:\n%s", want, view)
		}
	}

	// Hiding and showing again keeps the session.
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyCtrlO})
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyCtrlO})
	if starts, _, _, _ := controller.counts(); starts != 1 {
		t.Errorf("starts = %d after reopening, want 1", starts)
	}
}

func TestSendSubmitsAndClearsInput(t *testing.T) {
	controller := newFakeController()
	model := sized(t, NewModel(controller, asciiOptions()))
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyCtrlO})

	model = typeText(t, model, "yes")
	model, command := update(t, model, tea.KeyMsg{Type: tea.KeyEnter})
	if command == nil {
		t.Fatal("Enter produced no command")
	}

	// A second Enter while the first submission is in flight is ignored.
	if _, again := update(t, model, tea.KeyMsg{Type: tea.KeyEnter}); again != nil {
		t.Error("second Enter during a pending submission produced a command")
	}

	model, _ = update(t, model, command())
	if model.input.Value() != "" {
		t.Errorf("input = %q after consumed submission, want empty", model.input.Value())
	}
	if _, _, _, submitted := controller.counts(); len(submitted) != 1 || submitted[0] != "yes" {
		t.Errorf("submitted = %v, want [yes]", submitted)
	}

	model, _ = update(t, model, changedMsg{})
	if view := model.View(); !strings.Contains(view, "You") {
		t.Errorf("view missing visitor record:\n%s", view)
	}
}

func TestRefusedSubmissionKeepsInput(t *testing.T) {
	controller := newFakeController()
	controller.refuse = true
	model := sized(t, NewModel(controller, asciiOptions()))
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyCtrlO})

	model = typeText(t, model, "hello")
	model, command := update(t, model, tea.KeyMsg{Type: tea.KeyEnter})
	model, _ = update(t, model, command())
	if model.input.Value() != "hello" {
		t.Errorf("input = %q after refused submission, want hello", model.input.Value())
	}
}

func TestSendDisabledWhileNotReady(t *testing.T) {
	controller := newFakeController()
	model := sized(t, NewModel(controller, asciiOptions()))
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyCtrlO})
	controller.set(func(view *supportchat.View) {
		view.Phase = supportchat.PhaseInitializing
		view.Ready = false
	})
	model, _ = update(t, model, changedMsg{})

	model = typeText(t, model, "hello")
	if model.input.Value() != "" {
		t.Errorf("input accepted %q while not ready", model.input.Value())
	}
	if _, command := update(t, model, tea.KeyMsg{Type: tea.KeyEnter}); command != nil {
		t.Error("Enter while not ready produced a command")
	}
	if !strings.Contains(model.View(), "connecting") {
		t.Errorf("header does not show connecting:\n%s", model.View())
	}
}

func TestHeaderShowsEncryptionAndTyping(t *testing.T) {
	controller := newFakeController()
	model := sized(t, NewModel(controller, asciiOptions()))
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyCtrlO})
	controller.set(func(view *supportchat.View) {
		view.Phase = supportchat.PhaseActive
		view.RoomID = ref.MustParseRoomID("!support:example.org")
		view.UserID = testVisitor
		view.CryptoEnabled = true
		view.Typing = "Sam"
		view.Records = append(view.Records,
			supportchat.MessageRecord{ID: "$1", Sender: testVisitor.String(), Content: supportchat.RecordContent{Body: "mine"}},
			supportchat.MessageRecord{ID: "$2", Sender: testFacilitator.String(), Content: supportchat.RecordContent{Body: "theirs"}},
		)
	})
	model, _ = update(t, model, changedMsg{})

	view := model.View()
	for _, want := range []string{"connected, encrypted", "Sam is typing", "helper", "theirs", "mine"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestExitTearsDownThenQuits(t *testing.T) {
	controller := newFakeController()
	controller.exitErr = errors.New("leave failed")
	model := sized(t, NewModel(controller, asciiOptions()))
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyCtrlO})

	model, command := update(t, model, tea.KeyMsg{Type: tea.KeyCtrlX})
	if command == nil {
		t.Fatal("Exit produced no command")
	}
	if !strings.Contains(model.View(), "Ending the chat") {
		t.Errorf("exiting view = %q", model.View())
	}
	// Keys are ignored while exiting.
	if _, again := update(t, model, tea.KeyMsg{Type: tea.KeyCtrlX}); again != nil {
		t.Error("second Exit produced a command")
	}

	model, quit := update(t, model, command())
	if _, ok := quit().(tea.QuitMsg); !ok {
		t.Error("teardown did not quit the program")
	}
	if _, _, exits, _ := controller.counts(); exits != 1 {
		t.Errorf("exits = %d, want 1", exits)
	}
	if model.ExitErr() == nil || model.ExitErr().Error() != "leave failed" {
		t.Errorf("ExitErr = %v, want leave failed", model.ExitErr())
	}
}

func TestLogRecordFades(t *testing.T) {
	controller := newFakeController()
	model := sized(t, NewModel(controller, asciiOptions()))

	model, fade := update(t, model, logRecordMsg{Summary: "sync failed", Level: slog.LevelError})
	if fade == nil {
		t.Fatal("log record scheduled no fade")
	}
	if !strings.Contains(model.View(), "sync failed") {
		t.Errorf("status bar missing record:\n%s", model.View())
	}

	// A newer record outlives the older record's fade.
	model, _ = update(t, model, logRecordMsg{Summary: "retrying", Level: slog.LevelWarn})
	model, _ = update(t, model, logRecordFadeMsg{Seq: 1})
	if !strings.Contains(model.View(), "retrying") {
		t.Errorf("newer record cleared early:\n%s", model.View())
	}
	model, _ = update(t, model, logRecordFadeMsg{Seq: 2})
	if strings.Contains(model.View(), "retrying") {
		t.Errorf("record not cleared after its fade:\n%s", model.View())
	}
}

func TestSenderLabel(t *testing.T) {
	tests := []struct {
		sender string
		want   string
	}{
		{supportchat.SenderSelf, "You"},
		{supportchat.SenderBot, "Support"},
		{testVisitor.String(), "You"},
		{testFacilitator.String(), "helper"},
		{"not-a-user", "not-a-user"},
	}
	for _, test := range tests {
		record := supportchat.MessageRecord{Sender: test.sender}
		if got := senderLabel(record, testVisitor); got != test.want {
			t.Errorf("senderLabel(%q) = %q, want %q", test.sender, got, test.want)
		}
	}
}

func TestExitRequestMatchesExitKey(t *testing.T) {
	controller := newFakeController()
	model := sized(t, NewModel(controller, asciiOptions()))

	model, command := update(t, model, ExitRequest{})
	if command == nil {
		t.Fatal("ExitRequest produced no command")
	}
	if _, again := update(t, model, ExitRequest{}); again != nil {
		t.Error("repeated ExitRequest produced a command")
	}
	update(t, model, command())
	if _, _, exits, _ := controller.counts(); exits != 1 {
		t.Errorf("exits = %d, want 1", exits)
	}
}
