package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMarkdown(t *testing.T) {
	out, err := Markdown("# Lesson Plan\n\n- goal one\n- goal two\n\n| a | b |\n|---|---|\n| 1 | 2 |\n")
	require.NoError(t, err)
	assert.Contains(t, out, "<h1>Lesson Plan</h1>")
	assert.Contains(t, out, "<li>goal one</li>")
	assert.Contains(t, out, "<table>")
}

func TestRenderMath(t *testing.T) {
	r := New()
	out, err := r.Render("Area is $a_1 * b_1$ here.\n\n$$\n\\frac{x}{y} < 1\n$$\n")
	require.NoError(t, err)

	assert.Contains(t, out, `<span class="math inline">\(a_1 * b_1\)</span>`)
	assert.Contains(t, out, `<div class="math display">\[\frac{x}{y} &lt; 1\]</div>`)
	assert.NotContains(t, out, "<em>", "math must not be parsed as emphasis")
	assert.NotContains(t, out, "LPMATH")
}

func TestRenderWithoutMath(t *testing.T) {
	out, err := New().Render("costs $5 total")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "$5"))
}
