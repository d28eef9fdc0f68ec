// Package markdown renders untrusted message text to sanitized HTML fragments.
package markdown

import (
	"bytes"
	"html"
	"html/template"
	"io"
	"regexp"

	chromahtml "github.com/alecthomas/chroma/formatters/html"
	"github.com/alecthomas/chroma/styles"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/parser"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// TableClass is the class attached to every rendered table so table specific CSS (borders, padding)
// applies.
const TableClass = "custom-table"

const defaultCodeStyle = "github"

var chromaClassPattern = regexp.MustCompile(`^[a-zA-Z0-9 _-]+$`)

// Renderer converts markdown to HTML. It is safe for concurrent use.
type Renderer struct {
	md        goldmark.Markdown
	policy    *bluemonday.Policy
	codeStyle string
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithCodeStyle selects the chroma style used for fenced code blocks.
func WithCodeStyle(style string) Option {
	return func(r *Renderer) {
		r.codeStyle = style
	}
}

// New creates a Renderer with GitHub flavoured markdown, hard line breaks and syntax highlighting. Code
// is highlighted with CSS classes; serve WriteCSS output to style it.
func New(opts ...Option) *Renderer {
	r := &Renderer{
		codeStyle: defaultCodeStyle,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.md = goldmark.New(
		goldmark.WithExtensions(
			extension.GFM,
			highlighting.NewHighlighting(
				highlighting.WithStyle(r.codeStyle),
				highlighting.WithFormatOptions(chromahtml.WithClasses(true)),
			),
		),
		goldmark.WithParserOptions(
			parser.WithASTTransformers(util.Prioritized(tableClassTransformer{}, 100)),
		),
		goldmark.WithRendererOptions(
			gmhtml.WithHardWraps(),
		),
	)
	r.policy = sanitizePolicy()

	return r
}

func sanitizePolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Matching(regexp.MustCompile("^" + TableClass + "$")).OnElements("table")
	p.AllowAttrs("class").Matching(chromaClassPattern).OnElements("pre", "code", "span")
	// GFM task list items.
	p.AllowAttrs("type").Matching(regexp.MustCompile(`^checkbox$`)).OnElements("input")
	p.AllowAttrs("checked", "disabled").OnElements("input")
	return p
}

// Render converts src to a sanitized HTML fragment. Incomplete markdown, as found in a live buffer
// mid-stream, renders as far as it parses. Render never fails: if conversion errors, the escaped source
// is returned in a paragraph.
func (r *Renderer) Render(src string) template.HTML {
	if src == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(src), &buf); err != nil {
		return template.HTML("<p>" + html.EscapeString(src) + "</p>")
	}

	// The policy strips anything a remote model could inject.
	return template.HTML(r.policy.SanitizeBytes(buf.Bytes())) //nolint:gosec
}

// WriteCSS writes the stylesheet for the highlighted code classes.
func (r *Renderer) WriteCSS(w io.Writer) error {
	style := styles.Get(r.codeStyle)
	return chromahtml.New(chromahtml.WithClasses(true)).WriteCSS(w, style)
}

type tableClassTransformer struct{}

func (tableClassTransformer) Transform(doc *ast.Document, _ text.Reader, _ parser.Context) {
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering && n.Kind() == east.KindTable {
			n.SetAttributeString("class", []byte(TableClass))
		}
		return ast.WalkContinue, nil
	})
}
