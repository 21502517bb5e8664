// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package richtext

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
)

// HTMLFormat is the Matrix "format" value for formatted_body.
const HTMLFormat = "org.matrix.custom.html"

var (
	markdownInstance goldmark.Markdown
	markdownOnce     sync.Once
)

func markdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownInstance = goldmark.New(
			goldmark.WithExtensions(extension.Strikethrough, extension.Linkify),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return markdownInstance
}

// HTML renders body as Matrix HTML. formatted is false when body has
// no Markdown constructs, in which case the returned string is empty
// and the message should go out as plain text only.
func HTML(body string) (rendered string, formatted bool) {
	source := []byte(body)
	document := markdown().Parser().Parse(text.NewReader(source))
	if isPlain(document) {
		return "", false
	}

	var out bytes.Buffer
	if err := markdown().Renderer().Render(&out, source, document); err != nil {
		return "", false
	}
	return strings.TrimSuffix(out.String(), "\n"), true
}

// isPlain reports whether document is a single paragraph of text with
// no inline markup. Line breaks alone do not count as formatting.
func isPlain(document ast.Node) bool {
	if document.ChildCount() == 0 {
		return true
	}
	if document.ChildCount() != 1 || document.FirstChild().Kind() != ast.KindParagraph {
		return false
	}
	for child := document.FirstChild().FirstChild(); child != nil; child = child.NextSibling() {
		if child.Kind() != ast.KindText {
			return false
		}
	}
	return true
}
