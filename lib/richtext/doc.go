// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package richtext converts Markdown chat text in both directions of
// the relay.
//
// Outbound, [HTML] renders a visitor's message to the
// org.matrix.custom.html formatted_body that Matrix clients display,
// and reports whether the text carried any formatting at all (plain
// text is sent without a formatted_body). Raw HTML in the input is
// never passed through.
//
// Inbound, [Terminal] renders a message body for the chat TUI:
// emphasis, code spans, fenced code blocks (syntax-highlighted with
// Chroma), lists, quotes and links, word-wrapped to the pane width.
package richtext
