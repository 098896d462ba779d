package rules

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/renderer"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/util"

	"github.com/codequality/rule-registry/pkg/cache"
)

// MarkdownRenderer turns user-authored Markdown into safe HTML. Raw HTML in
// the input is escaped, never passed through, and the result goes through a
// sanitizing policy as a second line of defense.
//
// Rendering is a pure function of the source text, so results are cached by
// content hash. A nil cache disables caching.
type MarkdownRenderer struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
	cache  *cache.LRUCache
	logger *slog.Logger
}

// NewMarkdownRenderer creates a MarkdownRenderer.
func NewMarkdownRenderer(c *cache.LRUCache, logger *slog.Logger) *MarkdownRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	md := goldmark.New(
		goldmark.WithRendererOptions(
			gmhtml.WithHardWraps(),
			gmhtml.WithXHTML(),
			renderer.WithNodeRenderers(util.Prioritized(&escapeHTMLRenderer{}, 100)),
		),
	)
	return &MarkdownRenderer{
		md:     md,
		policy: bluemonday.UGCPolicy(),
		cache:  c,
		logger: logger,
	}
}

// ToHTML renders src to sanitized HTML.
func (r *MarkdownRenderer) ToHTML(src string) string {
	if src == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(src))
	return r.cache.GetOrCompute(hex.EncodeToString(sum[:]), func() string {
		return r.render(src)
	})
}

func (r *MarkdownRenderer) render(src string) string {
	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		r.logger.Warn("markdown conversion failed, falling back to escaped text", "error", err)
		buf.Reset()
		buf.WriteString("<p>")
		buf.Write(util.EscapeHTML([]byte(src)))
		buf.WriteString("</p>")
	}
	return r.policy.Sanitize(buf.String())
}

// Describe renders a stored description according to its format. HTML
// descriptions come from analyzers and are used as-is.
func (r *MarkdownRenderer) Describe(format DescriptionFormat, text string) string {
	if format == FormatMarkdown {
		return r.ToHTML(text)
	}
	return text
}

// escapeHTMLRenderer replaces goldmark's raw HTML output with escaped text.
// An HTML block becomes a paragraph whose lines are separated by hard breaks.
type escapeHTMLRenderer struct{}

func (e *escapeHTMLRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindHTMLBlock, e.renderHTMLBlock)
	reg.Register(ast.KindRawHTML, e.renderRawHTML)
}

func (e *escapeHTMLRenderer) renderHTMLBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}
	n := node.(*ast.HTMLBlock)

	var lines [][]byte
	for i := 0; i < n.Lines().Len(); i++ {
		seg := n.Lines().At(i)
		lines = append(lines, bytes.TrimRight(seg.Value(source), "\r\n"))
	}
	if n.HasClosure() {
		lines = append(lines, bytes.TrimRight(n.ClosureLine.Value(source), "\r\n"))
	}

	_, _ = w.WriteString("<p>")
	for i, line := range lines {
		if i > 0 {
			_, _ = w.WriteString("<br />\n")
		}
		_, _ = w.Write(util.EscapeHTML(line))
	}
	_, _ = w.WriteString("</p>\n")
	return ast.WalkSkipChildren, nil
}

func (e *escapeHTMLRenderer) renderRawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkSkipChildren, nil
	}
	n := node.(*ast.RawHTML)
	for i := 0; i < n.Segments.Len(); i++ {
		seg := n.Segments.At(i)
		_, _ = w.Write(util.EscapeHTML(seg.Value(source)))
	}
	return ast.WalkSkipChildren, nil
}
