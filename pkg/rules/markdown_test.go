package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codequality/rule-registry/pkg/cache"
)

func TestMarkdownRenderer_EscapesRawHTMLBlock(t *testing.T) {
	r := newTestRenderer()

	got := r.ToHTML("<div>line1\nline2</div>")

	assert.Contains(t, got, "&lt;div&gt;line1")
	assert.Contains(t, got, "line2&lt;/div&gt;")
	assert.Contains(t, got, "<br")
	assert.NotContains(t, got, "<div>")
}

func TestMarkdownRenderer_EscapesInlineHTML(t *testing.T) {
	r := newTestRenderer()

	got := r.ToHTML("click <script>alert(1)</script> here")

	assert.NotContains(t, got, "<script>")
	assert.Contains(t, got, "&lt;script&gt;")
}

func TestMarkdownRenderer_RendersMarkdown(t *testing.T) {
	r := newTestRenderer()

	got := r.ToHTML("Use **strong** words and `code`")

	assert.Contains(t, got, "<strong>strong</strong>")
	assert.Contains(t, got, "<code>code</code>")
	assert.Contains(t, got, "<p>")
}

func TestMarkdownRenderer_Empty(t *testing.T) {
	assert.Equal(t, "", newTestRenderer().ToHTML(""))
}

func TestMarkdownRenderer_Describe(t *testing.T) {
	r := newTestRenderer()

	html := "<p>Analyzer <b>HTML</b></p>"
	assert.Equal(t, html, r.Describe(FormatHTML, html))
	assert.Contains(t, r.Describe(FormatMarkdown, "*x*"), "<em>x</em>")
}

func TestMarkdownRenderer_CachesByContent(t *testing.T) {
	c := cache.NewLRUCache(10, 0)
	r := NewMarkdownRenderer(c, nil)

	first := r.ToHTML("# Title")
	second := r.ToHTML("# Title")
	_ = r.ToHTML("# Other")

	assert.Equal(t, first, second)
	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(2), stats.Misses)
	assert.Equal(t, 2, stats.Size)
}
