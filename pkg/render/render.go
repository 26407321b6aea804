// Package render converts generated lesson-plan markdown to HTML.
package render

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	goldmarkhtml "github.com/yuin/goldmark/renderer/html"
)

var (
	displayMath = regexp.MustCompile(`\$\$([\s\S]*?)\$\$`)
	inlineMath  = regexp.MustCompile(`\$([^$\n]+?)\$`)
)

const (
	displayToken = "LPMATHDISPLAY%dX"
	inlineToken  = "LPMATHINLINE%dX"
)

// Renderer turns markdown into HTML. TeX math in $...$ and $$...$$ is kept
// out of the markdown pass and emitted inside elements carrying the
// "math inline" or "math display" classes, ready for client-side typesetting.
type Renderer struct {
	md goldmark.Markdown
}

// New returns a Renderer with GitHub-flavoured markdown enabled.
func New() *Renderer {
	return &Renderer{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(goldmarkhtml.WithHardWraps()),
		),
	}
}

// Render converts markdown to HTML.
func (r *Renderer) Render(markdown string) (string, error) {
	var display, inline []string

	src := displayMath.ReplaceAllStringFunc(markdown, func(m string) string {
		display = append(display, strings.TrimSpace(m[2:len(m)-2]))
		return fmt.Sprintf(displayToken, len(display)-1)
	})
	src = inlineMath.ReplaceAllStringFunc(src, func(m string) string {
		inline = append(inline, strings.TrimSpace(m[1:len(m)-1]))
		return fmt.Sprintf(inlineToken, len(inline)-1)
	})

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	out := buf.String()

	for i, f := range display {
		tok := fmt.Sprintf(displayToken, i)
		block := `<div class="math display">\[` + html.EscapeString(f) + `\]</div>`
		out = strings.Replace(out, "<p>"+tok+"</p>", block, 1)
		out = strings.Replace(out, tok, block, 1)
	}
	for i, f := range inline {
		tok := fmt.Sprintf(inlineToken, i)
		out = strings.Replace(out, tok, `<span class="math inline">\(`+html.EscapeString(f)+`\)</span>`, 1)
	}
	return out, nil
}

// Markdown renders with a default Renderer.
func Markdown(markdown string) (string, error) {
	return New().Render(markdown)
}
