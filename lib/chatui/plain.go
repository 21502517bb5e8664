// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/supportchat/supportchat"
)

// plainWidth is the wrap width of plain mode output.
const plainWidth = 80

// RunPlain runs the chat as a line-oriented session: each line read
// from in is submitted, and new records are printed to out as they
// arrive. The chat is torn down when in reaches EOF or ctx is done.
// The returned error is the teardown error.
func RunPlain(ctx context.Context, controller Controller, in io.Reader, out io.Writer, options Options) error {
	options = options.withDefaults()
	if options.Renderer == lipgloss.DefaultRenderer() {
		renderer := lipgloss.NewRenderer(out)
		renderer.SetColorProfile(termenv.NewOutput(out).EnvColorProfile())
		options.Renderer = renderer
	}
	printer := &plainPrinter{out: out, theme: *options.Theme, renderer: options.Renderer}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	controller.ToggleOpen()
	controller.Start()
	printer.update(controller.Snapshot())

	for {
		select {
		case <-ctx.Done():
			return printer.exit(controller, options)
		case <-controller.Changes():
			printer.update(controller.Snapshot())
		case line, ok := <-lines:
			if !ok {
				return printer.exit(controller, options)
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			sendCtx, cancel := context.WithTimeout(ctx, options.SendTimeout)
			consumed := controller.SubmitText(sendCtx, line)
			cancel()
			if !consumed {
				printer.notice("(not sent, please wait)")
			}
			printer.update(controller.Snapshot())
		}
	}
}

// plainPrinter writes the records of successive snapshots that have
// not been printed yet.
type plainPrinter struct {
	out      io.Writer
	theme    Theme
	renderer *lipgloss.Renderer

	printed int
	typing  string
	phase   supportchat.Phase
}

func (printer *plainPrinter) update(view supportchat.View) {
	// Records restart from empty after a teardown.
	if len(view.Records) < printer.printed {
		printer.printed = 0
	}
	for _, record := range view.Records[printer.printed:] {
		fmt.Fprintln(printer.out, renderRecord(record, view.UserID, plainWidth, printer.theme, printer.renderer))
	}
	printer.printed = len(view.Records)

	if view.Phase != printer.phase && view.Phase != supportchat.PhaseIdle {
		printer.notice("[" + describe(view) + "]")
	}
	printer.phase = view.Phase

	if view.Typing != printer.typing && view.Typing != "" {
		printer.notice(view.Typing + " is typing...")
	}
	printer.typing = view.Typing
}

func (printer *plainPrinter) notice(text string) {
	fmt.Fprintln(printer.out, printer.renderer.NewStyle().Foreground(printer.theme.FaintText).Render(text))
}

func (printer *plainPrinter) exit(controller Controller, options Options) error {
	ctx, cancel := context.WithTimeout(context.Background(), options.ExitTimeout)
	defer cancel()
	err := controller.Exit(ctx)
	if options.Goodbye != "" {
		fmt.Fprintln(printer.out, options.Goodbye)
	}
	return err
}
