// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/bureau-foundation/supportchat/supportchat"
)

// Controller is the support chat session a Model drives.
// *supportchat.Controller implements it.
type Controller interface {
	Start()
	Snapshot() supportchat.View
	Changes() <-chan struct{}
	SubmitText(ctx context.Context, text string) bool
	ToggleOpen()
	Exit(ctx context.Context) error
}

// Options configures a Model or RunPlain. Zero fields take defaults.
type Options struct {
	// Title heads the chat window.
	Title string
	// Goodbye is shown after the chat has been torn down.
	Goodbye string
	Theme   *Theme
	Keys    *KeyMap
	// Renderer builds every style. If nil, lipgloss.DefaultRenderer() is used.
	Renderer *lipgloss.Renderer
	// SendTimeout bounds one message send.
	SendTimeout time.Duration
	// ExitTimeout bounds teardown.
	ExitTimeout time.Duration
}

const (
	defaultTitle       = "Support chat"
	defaultSendTimeout = 30 * time.Second
	defaultExitTimeout = 30 * time.Second
)

func (options Options) withDefaults() Options {
	if options.Title == "" {
		options.Title = defaultTitle
	}
	if options.Theme == nil {
		options.Theme = &DefaultTheme
	}
	if options.Keys == nil {
		options.Keys = &DefaultKeyMap
	}
	if options.Renderer == nil {
		options.Renderer = lipgloss.DefaultRenderer()
	}
	if options.SendTimeout <= 0 {
		options.SendTimeout = defaultSendTimeout
	}
	if options.ExitTimeout <= 0 {
		options.ExitTimeout = defaultExitTimeout
	}
	return options
}

// changedMsg follows a controller change notification.
type changedMsg struct{}

// submittedMsg reports the outcome of SubmitText.
type submittedMsg struct {
	text     string
	consumed bool
}

// ExitRequest asks the model to end the chat as if the exit key had
// been pressed. Send it with tea.Program.Send, e.g. on SIGTERM.
type ExitRequest struct{}

// exitedMsg follows the end of teardown.
type exitedMsg struct {
	err error
}

// Fixed rows around the transcript: header, separator, typing line,
// input, status bar.
const chromeHeight = 5

// Model is the bubbletea model of the chat window.
type Model struct {
	controller Controller
	options    Options
	theme      Theme
	keys       KeyMap
	renderer   *lipgloss.Renderer

	input      textinput.Model
	transcript viewport.Model
	view       supportchat.View

	width  int
	height int

	// pending is the text of an in-flight submission.
	pending string

	status      string
	statusLevel slog.Level
	statusSeq   int

	exiting bool
	exited  bool
	exitErr error
}

// NewModel creates a Model for controller.
func NewModel(controller Controller, options Options) Model {
	options = options.withDefaults()
	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 4000

	model := Model{
		controller: controller,
		options:    options,
		theme:      *options.Theme,
		keys:       *options.Keys,
		renderer:   options.Renderer,
		input:      input,
		transcript: viewport.New(80, 20),
		width:      80,
		height:     20 + chromeHeight,
	}
	model.refresh()
	return model
}

// ExitErr returns the teardown error once the program has quit.
func (model Model) ExitErr() error {
	return model.exitErr
}

func (model Model) Init() tea.Cmd {
	return waitForChange(model.controller.Changes())
}

// waitForChange blocks until the controller reports a change.
func waitForChange(changes <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		<-changes
		return changedMsg{}
	}
}

func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.refresh()
		return model, nil

	case changedMsg:
		model.refresh()
		return model, waitForChange(model.controller.Changes())

	case submittedMsg:
		model.pending = ""
		if message.consumed && model.input.Value() == message.text {
			model.input.Reset()
		}
		return model, nil

	case exitedMsg:
		model.exited = true
		model.exitErr = message.err
		return model, tea.Quit

	case logRecordMsg:
		model.statusSeq++
		model.status = message.Summary
		model.statusLevel = message.Level
		seq := model.statusSeq
		return model, tea.Tick(logRecordFadeDelay, func(time.Time) tea.Msg {
			return logRecordFadeMsg{Seq: seq}
		})

	case logRecordFadeMsg:
		if message.Seq == model.statusSeq {
			model.status = ""
		}
		return model, nil

	case ExitRequest:
		return model.beginExit()

	case tea.KeyMsg:
		return model.handleKey(message)
	}
	return model, nil
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	if model.exiting {
		return model, nil
	}

	switch {
	case key.Matches(message, model.keys.Exit):
		return model.beginExit()

	case key.Matches(message, model.keys.Toggle):
		model.controller.ToggleOpen()
		if view := model.controller.Snapshot(); view.Open && view.Phase == supportchat.PhaseIdle {
			model.controller.Start()
		}
		model.refresh()
		return model, nil

	case key.Matches(message, model.keys.PageUp), key.Matches(message, model.keys.PageDown):
		var command tea.Cmd
		model.transcript, command = model.transcript.Update(message)
		return model, command

	case key.Matches(message, model.keys.Send):
		if !model.view.Open || !model.view.Ready || model.pending != "" {
			return model, nil
		}
		text := model.input.Value()
		if strings.TrimSpace(text) == "" {
			return model, nil
		}
		model.pending = text
		return model, model.submitCommand(text)
	}

	if !model.view.Open {
		return model, nil
	}
	var command tea.Cmd
	model.input, command = model.input.Update(message)
	return model, command
}

func (model Model) beginExit() (tea.Model, tea.Cmd) {
	if model.exiting {
		return model, nil
	}
	model.exiting = true
	model.input.Blur()
	return model, model.exitCommand()
}

func (model Model) submitCommand(text string) tea.Cmd {
	controller := model.controller
	timeout := model.options.SendTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return submittedMsg{text: text, consumed: controller.SubmitText(ctx, text)}
	}
}

func (model Model) exitCommand() tea.Cmd {
	controller := model.controller
	timeout := model.options.ExitTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return exitedMsg{err: controller.Exit(ctx)}
	}
}

// refresh pulls a new snapshot and re-lays out the window.
func (model *Model) refresh() {
	model.view = model.controller.Snapshot()

	model.transcript.Width = max(model.width, 1)
	model.transcript.Height = max(model.height-chromeHeight, 1)
	model.input.Width = max(model.width-len(model.input.Prompt)-1, 1)

	atBottom := model.transcript.AtBottom()
	model.transcript.SetContent(renderTranscript(model.view, model.width, model.theme, model.renderer))
	if atBottom {
		model.transcript.GotoBottom()
	}

	if model.view.Open && model.view.Ready {
		model.input.Placeholder = "Type a message"
		model.input.Focus()
	} else {
		model.input.Placeholder = "Please wait..."
		model.input.Blur()
	}
}

func (model Model) View() string {
	if model.exited {
		return ""
	}
	if model.exiting {
		return model.style(model.theme.FaintText).Render("Ending the chat and deleting your account...") + "\n"
	}
	if !model.view.Open {
		bar := model.style(model.theme.HeaderForeground).Bold(true).Render(model.options.Title) + "  " +
			model.style(model.theme.HelpText).Render(model.keys.Toggle.Help().Key+" to open")
		return lipgloss.JoinVertical(lipgloss.Left, bar, model.statusLine())
	}

	header := model.style(model.theme.HeaderForeground).Bold(true).Render(model.options.Title) + "  " +
		model.style(model.theme.FaintText).Render(describe(model.view))
	separator := model.style(model.theme.BorderColor).Render(strings.Repeat("─", max(model.width, 1)))

	typing := ""
	if model.view.Typing != "" {
		typing = model.style(model.theme.FaintText).Italic(true).Render(model.view.Typing + " is typing...")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		ansi.Truncate(header, model.width, "…"),
		separator,
		model.transcript.View(),
		typing,
		model.input.View(),
		model.statusLine(),
	)
}

// statusLine shows the latest log record, or the key help.
func (model Model) statusLine() string {
	if model.status != "" {
		color := model.theme.WarnForeground
		if model.statusLevel >= slog.LevelError {
			color = model.theme.ErrorForeground
		}
		return ansi.Truncate(model.style(color).Render(model.status), model.width, "…")
	}
	var help []string
	for _, binding := range []key.Binding{model.keys.Send, model.keys.PageUp, model.keys.Toggle, model.keys.Exit} {
		help = append(help, binding.Help().Key+" "+binding.Help().Desc)
	}
	return ansi.Truncate(model.style(model.theme.HelpText).Render(strings.Join(help, " · ")), model.width, "…")
}

func (model Model) style(color lipgloss.Color) lipgloss.Style {
	return model.renderer.NewStyle().Foreground(color)
}
