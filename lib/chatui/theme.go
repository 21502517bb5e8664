// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/supportchat/lib/richtext"
)

// Theme is the chat color palette, in ANSI 256-color codes.
type Theme struct {
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Sender label colors.
	SelfForeground lipgloss.Color
	BotForeground  lipgloss.Color
	PeerForeground lipgloss.Color

	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color
	LinkForeground   lipgloss.Color

	// Status bar log records.
	WarnForeground  lipgloss.Color
	ErrorForeground lipgloss.Color
}

// DefaultTheme suits a dark 256-color terminal.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	SelfForeground: lipgloss.Color("114"), // green
	BotForeground:  lipgloss.Color("141"), // light purple
	PeerForeground: lipgloss.Color("75"),  // blue

	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),
	HelpText:         lipgloss.Color("241"),
	LinkForeground:   lipgloss.Color("75"),

	WarnForeground:  lipgloss.Color("220"),
	ErrorForeground: lipgloss.Color("196"),
}

// palette is the subset richtext needs for message bodies.
func (theme Theme) palette() richtext.Palette {
	return richtext.Palette{
		Text:   theme.NormalText,
		Faint:  theme.FaintText,
		Accent: theme.LinkForeground,
	}
}
