// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/supportchat"
)

// fakeController is a scripted Controller. SubmitText echoes consumed
// text as a visitor record.
type fakeController struct {
	mu        sync.Mutex
	view      supportchat.View
	changes   chan struct{}
	starts    int
	toggles   int
	exits     int
	submitted []string
	refuse    bool
	exitErr   error
}

func newFakeController() *fakeController {
	return &fakeController{
		view:    supportchat.View{Phase: supportchat.PhaseIdle, Ready: true},
		changes: make(chan struct{}, 1),
	}
}

func (c *fakeController) Start() {
	c.mu.Lock()
	c.starts++
	c.view.Phase = supportchat.PhaseAwaitingAgreement
	c.view.Records = append(c.view.Records, supportchat.MessageRecord{
		ID:      "intro",
		Sender:  supportchat.SenderBot,
		Content: supportchat.RecordContent{Body: "Welcome to support."},
	})
	c.mu.Unlock()
	c.notify()
}

func (c *fakeController) Snapshot() supportchat.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	view := c.view
	view.Records = append([]supportchat.MessageRecord(nil), c.view.Records...)
	return view
}

func (c *fakeController) Changes() <-chan struct{} { return c.changes }

func (c *fakeController) SubmitText(_ context.Context, text string) bool {
	c.mu.Lock()
	c.submitted = append(c.submitted, text)
	if c.refuse || !c.view.Ready {
		c.mu.Unlock()
		return false
	}
	c.view.Records = append(c.view.Records, supportchat.MessageRecord{
		ID:      text,
		Sender:  supportchat.SenderSelf,
		Content: supportchat.RecordContent{Body: text},
	})
	c.mu.Unlock()
	c.notify()
	return true
}

func (c *fakeController) ToggleOpen() {
	c.mu.Lock()
	c.toggles++
	c.view.Open = !c.view.Open
	c.mu.Unlock()
	c.notify()
}

func (c *fakeController) Exit(context.Context) error {
	c.mu.Lock()
	c.exits++
	c.view = supportchat.View{Phase: supportchat.PhaseIdle, Ready: true, Open: c.view.Open}
	c.mu.Unlock()
	c.notify()
	return c.exitErr
}

func (c *fakeController) set(update func(view *supportchat.View)) {
	c.mu.Lock()
	update(&c.view)
	c.mu.Unlock()
	c.notify()
}

func (c *fakeController) notify() {
	select {
	case c.changes <- struct{}{}:
	default:
	}
}

func (c *fakeController) counts() (starts, toggles, exits int, submitted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.toggles, c.exits, append([]string(nil), c.submitted...)
}

// asciiOptions renders without escape sequences so output can be
// matched as text.
func asciiOptions() Options {
	renderer := lipgloss.NewRenderer(io.Discard)
	renderer.SetColorProfile(termenv.Ascii)
	return Options{Renderer: renderer, Goodbye: "Goodbye."}
}

var (
	testVisitor     = ref.MustParseUserID("@visitor:example.org")
	testFacilitator = ref.MustParseUserID("@helper:example.org")
)
