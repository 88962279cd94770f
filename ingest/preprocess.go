package ingest

import (
	"html"
	"log/slog"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Well-known mime types the preprocessor dispatches on. Anything else is
// treated as plain text.
const (
	MimePlainText = "text/plain"
	MimeMarkdown  = "text/markdown"
	MimeHTML      = "text/html"
	MimeCSV       = "text/csv"
	MimeJSON      = "application/json"
	MimePDF       = "application/pdf"
)

// MimeTypeFromExtension maps a file extension (without the dot) to the mime
// type the pipeline dispatches on. Unknown extensions map to plain text.
func MimeTypeFromExtension(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "md", "markdown":
		return MimeMarkdown
	case "html", "htm":
		return MimeHTML
	case "csv":
		return MimeCSV
	case "json":
		return MimeJSON
	case "pdf":
		return MimePDF
	default:
		return MimePlainText
	}
}

// Preprocessor converts stored bodies to plain text ahead of normalization
// and chunking, dispatching on the content's mime type. Conversion is
// best-effort: on any failure the raw body passes through unchanged.
type Preprocessor struct {
	logger *slog.Logger
}

// PreprocessorOption configures a Preprocessor.
type PreprocessorOption func(*Preprocessor)

// PreprocessorLogger sets the logger used for conversion failures.
func PreprocessorLogger(l *slog.Logger) PreprocessorOption {
	return func(p *Preprocessor) { p.logger = l }
}

// NewPreprocessor builds a Preprocessor.
func NewPreprocessor(opts ...PreprocessorOption) *Preprocessor {
	p := &Preprocessor{logger: nopLogger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process converts body to plain text according to mimeType. Parameters on
// the mime type (charset and friends) are ignored.
func (p *Preprocessor) Process(mimeType, body string) string {
	switch mediaType(mimeType) {
	case MimeMarkdown, "text/x-markdown":
		return p.markdown(body)
	case MimeHTML, "application/xhtml+xml":
		return p.html(body)
	case MimePDF:
		return p.pdf(body)
	default:
		return body
	}
}

// mediaType strips parameters and lowercases a mime type.
func mediaType(mimeType string) string {
	mt, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(mt))
}

func (p *Preprocessor) markdown(body string) string {
	plain, err := MarkdownText(body)
	if err != nil {
		p.logger.Warn("markdown conversion failed, keeping raw body", "error", err)
		return body
	}
	if plain == "" {
		return body
	}
	return plain
}

func (p *Preprocessor) html(body string) string {
	plain := HTMLText(body)
	if plain == "" {
		return body
	}
	return plain
}

func (p *Preprocessor) pdf(body string) string {
	plain, err := ExtractPDF([]byte(body))
	if err != nil {
		p.logger.Warn("pdf extraction failed, keeping raw body", "error", err)
		return body
	}
	return plain
}

// MarkdownText renders markdown to plain text by walking the parsed AST and
// keeping only text content. Heading markers, emphasis, link targets, and
// list bullets are dropped; code blocks keep their literal lines.
func MarkdownText(src string) (string, error) {
	source := []byte(src)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))
	var b strings.Builder
	b.Grow(len(source))
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Text:
			if !entering {
				break
			}
			b.Write(node.Segment.Value(source))
			if node.SoftLineBreak() || node.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			if entering {
				b.Write(node.Value)
			}
		case *ast.AutoLink:
			if entering {
				b.Write(node.URL(source))
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			if entering {
				writeRawLines(&b, source, n)
			}
		default:
			if !entering && n.Type() == ast.TypeBlock {
				b.WriteString("\n\n")
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}

func writeRawLines(b *strings.Builder, source []byte, n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
	b.WriteByte('\n')
}

// HTMLText extracts the readable text of an HTML document. Readability
// pulls the main article content; when it finds nothing, the whole document
// is tag-stripped instead.
func HTMLText(body string) string {
	base, _ := url.Parse("https://localhost/")
	article, err := readability.FromReader(strings.NewReader(body), base)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent)
	}
	return stripTags(body)
}

var blockTags = map[string]bool{
	"p": true, "div": true, "br": true, "hr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "ul": true, "ol": true, "tr": true, "table": true,
	"blockquote": true, "pre": true, "section": true, "article": true,
	"header": true, "footer": true, "nav": true, "main": true,
}

// stripTags removes markup from HTML that readability rejected: script and
// style bodies are dropped, tags are removed with block tags becoming line
// breaks, and entities are decoded.
func stripTags(src string) string {
	var b strings.Builder
	b.Grow(len(src))
	i := 0
	for i < len(src) {
		c := src[i]
		if c != '<' {
			b.WriteByte(c)
			i++
			continue
		}
		end := strings.IndexByte(src[i:], '>')
		if end < 0 {
			break
		}
		tag := strings.ToLower(strings.TrimSpace(src[i+1 : i+end]))
		i += end + 1
		name, _, _ := strings.Cut(tag, " ")
		name = strings.TrimSuffix(name, "/")
		switch name {
		case "script", "style":
			at := strings.Index(strings.ToLower(src[i:]), "</"+name)
			if at < 0 {
				i = len(src)
				break
			}
			i += at
		default:
			if blockTags[strings.TrimPrefix(name, "/")] {
				b.WriteByte('\n')
			}
		}
	}
	return strings.TrimSpace(html.UnescapeString(b.String()))
}
