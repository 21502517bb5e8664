// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package richtext

import (
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/muesli/termenv"
)

func TestHTML(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		formatted bool
		contains  []string
		excludes  []string
	}{
		{name: "plain", body: "I would like to talk to someone", formatted: false},
		{name: "plain multi-line", body: "first line\nsecond line", formatted: false},
		{name: "empty", body: "", formatted: false},
		{name: "bold", body: "I **really** need help", formatted: true, contains: []string{"<strong>really</strong>"}},
		{name: "list", body: "- one\n- two", formatted: true, contains: []string{"<ul>", "<li>one</li>"}},
		{name: "link", body: "see https://example.org/help", formatted: true, contains: []string{`<a href="https://example.org/help">`}},
		{name: "strikethrough", body: "~~no~~ yes", formatted: true, contains: []string{"<del>no</del>"}},
		{
			name:      "raw html is not passed through",
			body:      "hello <script>alert(1)</script>",
			formatted: true,
			excludes:  []string{"<script>"},
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			rendered, formatted := HTML(test.body)
			if formatted != test.formatted {
				t.Fatalf("HTML(%q) formatted = %v, want %v (rendered %q)", test.body, formatted, test.formatted, rendered)
			}
			if !formatted && rendered != "" {
				t.Errorf("plain body rendered to %q, want empty", rendered)
			}
			for _, want := range test.contains {
				if !strings.Contains(rendered, want) {
					t.Errorf("rendered %q missing %q", rendered, want)
				}
			}
			for _, unwanted := range test.excludes {
				if strings.Contains(rendered, unwanted) {
					t.Errorf("rendered %q contains %q", rendered, unwanted)
				}
			}
		})
	}
}

func plainRenderer() *lipgloss.Renderer {
	renderer := lipgloss.NewRenderer(io.Discard, termenv.WithProfile(termenv.Ascii))
	renderer.SetColorProfile(termenv.Ascii)
	return renderer
}

func TestTerminal(t *testing.T) {
	palette := Palette{Text: lipgloss.Color("7"), Faint: lipgloss.Color("8"), Accent: lipgloss.Color("6")}

	tests := []struct {
		name string
		body string
		want string
	}{
		{"emphasis", "I **really** need _help_", "I really need help"},
		{"soft break reflows", "one\ntwo", "one two"},
		{"bullets", "- first\n- second", "• first\n• second"},
		{"ordered", "3. third\n4. fourth", "3. third\n4. fourth"},
		{"quote", "> you said this", "│ you said this"},
		{"code span", "run `ls`", "run ls"},
		{"fenced code", "```go\nfmt.Println(1)\n```", "fmt.Println(1)"},
		{"link", "[help](https://example.org)", "help (https://example.org)"},
		{"empty", "", ""},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got := ansi.Strip(Terminal(test.body, 80, palette, plainRenderer()))
			if got != test.want {
				t.Errorf("Terminal(%q) = %q, want %q", test.body, got, test.want)
			}
		})
	}
}

func TestTerminalWraps(t *testing.T) {
	palette := Palette{Text: lipgloss.Color("7"), Faint: lipgloss.Color("8"), Accent: lipgloss.Color("6")}
	got := ansi.Strip(Terminal("the quick brown fox jumps over the lazy dog", 16, palette, plainRenderer()))
	for _, line := range strings.Split(got, "\n") {
		if ansi.StringWidth(line) > 16 {
			t.Errorf("line %q wider than 16 columns", line)
		}
	}
	if !strings.Contains(got, "\n") {
		t.Errorf("expected wrapping, got %q", got)
	}
}
