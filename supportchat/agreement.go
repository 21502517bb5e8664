// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supportchat

import (
	"context"
	"strings"
)

// agreementAnswer is the reply that accepts the agreement, compared
// case-insensitively.
const agreementAnswer = "yes"

// Start shows the introduction and the agreement prompt. It only acts
// when no session exists (idle or declined); a declined conversation
// is cleared first.
func (c *Controller) Start() {
	c.mu.Lock()
	if c.phase != PhaseIdle && c.phase != PhaseDeclined {
		c.mu.Unlock()
		return
	}
	c.records = nil
	clear(c.seen)
	c.typing = ""
	c.phase = PhaseAwaitingAgreement
	c.ready = true
	for _, text := range []string{c.messages.Intro, c.messages.Agreement} {
		if text != "" {
			c.appendLocked(c.syntheticLocked(SenderBot, text))
		}
	}
	c.mu.Unlock()
	c.logger.Info("phase changed", "from", PhaseIdle, "to", PhaseAwaitingAgreement)
	c.notify()
}

// SubmitText handles one line of visitor input. It returns true when
// the input was consumed and the input field should be cleared.
//
// While awaiting agreement the input is echoed; "yes" starts
// initialization in the background and anything else declines. Once
// a room exists the text is sent to it. Input is refused while a
// network transition is in flight.
func (c *Controller) SubmitText(ctx context.Context, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}

	c.mu.Lock()
	if !c.ready {
		c.mu.Unlock()
		return false
	}
	switch {
	case c.phase == PhaseAwaitingAgreement && c.session == nil:
		c.appendLocked(c.syntheticLocked(SenderSelf, text))
		if !strings.EqualFold(strings.TrimSpace(text), agreementAnswer) {
			if c.messages.Exit != "" {
				c.appendLocked(c.syntheticLocked(SenderBot, c.messages.Exit))
			}
			c.phase = PhaseDeclined
			c.mu.Unlock()
			c.logger.Info("agreement declined")
			c.notify()
			return true
		}
		attemptCtx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.phase = PhaseInitializing
		c.ready = false
		c.tasks.Add(1)
		c.mu.Unlock()
		c.logger.Info("agreement accepted, initializing")
		c.notify()
		go func() {
			defer c.tasks.Done()
			defer cancel()
			c.initialize(attemptCtx)
		}()
		return true

	case c.phase.acceptsMessages() && c.session != nil && c.session.client != nil:
		client, roomID := c.session.client, c.session.roomID
		c.mu.Unlock()
		return c.send(ctx, client, roomID, text)

	default:
		c.mu.Unlock()
		return false
	}
}
