// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/supportchat/lib/ref"
	"github.com/bureau-foundation/supportchat/lib/richtext"
	"github.com/bureau-foundation/supportchat/supportchat"
)

// describe summarizes the session for the header.
func describe(view supportchat.View) string {
	var state string
	switch view.Phase {
	case supportchat.PhaseIdle:
		state = "not started"
	case supportchat.PhaseAwaitingAgreement:
		state = "waiting for your answer"
	case supportchat.PhaseInitializing:
		state = "connecting"
	case supportchat.PhaseAwaitingFacilitator:
		state = "waiting for a facilitator"
	case supportchat.PhaseActive:
		state = "connected"
	case supportchat.PhaseExiting:
		state = "ending"
	case supportchat.PhaseDeclined:
		state = "closed"
	}
	if !view.RoomID.IsZero() {
		if view.CryptoEnabled {
			state += ", encrypted"
		} else {
			state += ", not encrypted"
		}
	}
	return state
}

// senderLabel names the author of a record.
func senderLabel(record supportchat.MessageRecord, self ref.UserID) string {
	switch {
	case record.Sender == supportchat.SenderSelf:
		return "You"
	case record.Sender == supportchat.SenderBot:
		return "Support"
	case !self.IsZero() && record.Sender == self.String():
		return "You"
	}
	if userID, err := ref.ParseUserID(record.Sender); err == nil {
		return userID.Localpart()
	}
	return record.Sender
}

// renderRecord renders one record: a colored sender label above the
// Markdown body wrapped to width.
func renderRecord(record supportchat.MessageRecord, self ref.UserID, width int, theme Theme, renderer *lipgloss.Renderer) string {
	label := senderLabel(record, self)
	color := theme.PeerForeground
	switch label {
	case "You":
		color = theme.SelfForeground
	case "Support":
		color = theme.BotForeground
	}
	header := renderer.NewStyle().Foreground(color).Bold(true).Render(label)
	body := richtext.Terminal(record.Content.Body, width-2, theme.palette(), renderer)
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		lines = append(lines, "  "+line)
	}
	return header + "\n" + strings.Join(lines, "\n")
}

// renderTranscript renders every record, separated by blank lines.
func renderTranscript(view supportchat.View, width int, theme Theme, renderer *lipgloss.Renderer) string {
	blocks := make([]string, 0, len(view.Records))
	for _, record := range view.Records {
		blocks = append(blocks, renderRecord(record, view.UserID, width, theme, renderer))
	}
	return strings.Join(blocks, "\n\n")
}
