// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package richtext

import (
	"fmt"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
	"github.com/yuin/goldmark/ast"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// Palette colors terminal output.
type Palette struct {
	Text   lipgloss.TerminalColor
	Faint  lipgloss.TerminalColor
	Accent lipgloss.TerminalColor
}

// Terminal renders Markdown body as styled text wrapped to width.
// Styles are built from renderer so the caller controls the color
// profile; a renderer with the Ascii profile yields unstyled text.
func Terminal(body string, width int, palette Palette, renderer *lipgloss.Renderer) string {
	if body == "" {
		return ""
	}
	source := []byte(body)
	document := markdown().Parser().Parse(text.NewReader(source))

	walker := &terminalWalker{
		source:   source,
		width:    max(width, 10),
		palette:  palette,
		renderer: renderer,
	}
	ast.Walk(document, walker.walk)
	return strings.TrimRight(walker.output.String(), "\n")
}

type terminalWalker struct {
	source   []byte
	width    int
	palette  Palette
	renderer *lipgloss.Renderer

	output strings.Builder
	inline strings.Builder

	prefixes    []string
	prefix      string
	firstPrefix string
	bold        int
	italic      int
	strike      int
	ordinals    []int
}

func (w *terminalWalker) style() lipgloss.Style {
	style := w.renderer.NewStyle().Foreground(w.palette.Text)
	if w.bold > 0 {
		style = style.Bold(true)
	}
	if w.italic > 0 {
		style = style.Italic(true)
	}
	if w.strike > 0 {
		style = style.Strikethrough(true)
	}
	return style
}

func (w *terminalWalker) faint(s string) string {
	return w.renderer.NewStyle().Foreground(w.palette.Faint).Render(s)
}

// emit writes lines with the current prefix. The first line takes a
// pending list bullet if there is one.
func (w *terminalWalker) emit(block string) {
	for index, line := range strings.Split(block, "\n") {
		if index == 0 && w.firstPrefix != "" {
			w.output.WriteString(w.firstPrefix)
			w.firstPrefix = ""
		} else {
			w.output.WriteString(w.prefix)
		}
		w.output.WriteString(line)
		w.output.WriteString("\n")
	}
}

func (w *terminalWalker) flush() {
	content := w.inline.String()
	w.inline.Reset()
	if content == "" {
		return
	}
	w.emit(ansi.Wrap(content, max(w.width-ansi.StringWidth(w.prefix), 10), " ,.;-"))
}

func (w *terminalWalker) blockText(node ast.Node) string {
	var content strings.Builder
	lines := node.Lines()
	for index := 0; index < lines.Len(); index++ {
		segment := lines.At(index)
		content.Write(segment.Value(w.source))
	}
	return strings.TrimRight(content.String(), "\n")
}

func (w *terminalWalker) walk(node ast.Node, entering bool) (ast.WalkStatus, error) {
	switch n := node.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		if !entering {
			w.flush()
		}
	case *ast.Heading:
		if entering {
			w.bold++
		} else {
			w.bold--
			w.flush()
		}
	case *ast.FencedCodeBlock:
		if entering {
			w.emit(w.highlight(w.blockText(n), string(n.Language(w.source))))
			return ast.WalkSkipChildren, nil
		}
	case *ast.CodeBlock:
		if entering {
			w.emit(w.faint(w.blockText(n)))
			return ast.WalkSkipChildren, nil
		}
	case *ast.Blockquote:
		if entering {
			w.pushPrefix("│ ")
		} else {
			w.popPrefix()
		}
	case *ast.List:
		if entering {
			start := 0
			if n.IsOrdered() {
				start = n.Start
			}
			w.ordinals = append(w.ordinals, start)
		} else {
			w.ordinals = w.ordinals[:len(w.ordinals)-1]
		}
	case *ast.ListItem:
		w.listItem(entering)
	case *ast.ThematicBreak:
		if entering {
			w.emit(w.faint(strings.Repeat("─", max(w.width-ansi.StringWidth(w.prefix), 1))))
		}
	case *ast.Text:
		if entering {
			w.inline.WriteString(w.style().Render(string(n.Segment.Value(w.source))))
			if n.HardLineBreak() {
				w.inline.WriteString("\n")
			} else if n.SoftLineBreak() {
				w.inline.WriteString(" ")
			}
		}
	case *ast.Emphasis:
		delta := 1
		if !entering {
			delta = -1
		}
		if n.Level >= 2 {
			w.bold += delta
		} else {
			w.italic += delta
		}
	case *ast.CodeSpan:
		if entering {
			var code strings.Builder
			for child := n.FirstChild(); child != nil; child = child.NextSibling() {
				if textNode, ok := child.(*ast.Text); ok {
					code.Write(textNode.Segment.Value(w.source))
				}
			}
			w.inline.WriteString(w.renderer.NewStyle().Foreground(w.palette.Accent).Render(code.String()))
			return ast.WalkSkipChildren, nil
		}
	case *ast.Link:
		if !entering && len(n.Destination) > 0 {
			w.inline.WriteString(" " + w.faint("("+string(n.Destination)+")"))
		}
	case *ast.AutoLink:
		if entering {
			w.inline.WriteString(w.renderer.NewStyle().Foreground(w.palette.Accent).Underline(true).Render(string(n.URL(w.source))))
		}
	case *extast.Strikethrough:
		if entering {
			w.strike++
		} else {
			w.strike--
		}
	case *ast.RawHTML, *ast.HTMLBlock:
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (w *terminalWalker) pushPrefix(p string) {
	w.prefixes = append(w.prefixes, p)
	w.prefix += p
}

func (w *terminalWalker) popPrefix() {
	top := w.prefixes[len(w.prefixes)-1]
	w.prefixes = w.prefixes[:len(w.prefixes)-1]
	w.prefix = strings.TrimSuffix(w.prefix, top)
}

func (w *terminalWalker) listItem(entering bool) {
	if len(w.ordinals) == 0 {
		return
	}
	if !entering {
		w.flush()
		w.popPrefix()
		return
	}
	top := &w.ordinals[len(w.ordinals)-1]
	bullet := "• "
	if *top > 0 {
		bullet = fmt.Sprintf("%d. ", *top)
		*top++
	}
	w.firstPrefix = w.prefix + w.faint(bullet)
	w.pushPrefix(strings.Repeat(" ", ansi.StringWidth(bullet)))
}

func (w *terminalWalker) highlight(code, language string) string {
	if language == "" || w.renderer.ColorProfile() == termenv.Ascii {
		return w.faint(code)
	}
	var out strings.Builder
	if err := quick.Highlight(&out, code, language, "terminal256", "monokai"); err != nil {
		return w.faint(code)
	}
	return strings.TrimRight(out.String(), "\n")
}
