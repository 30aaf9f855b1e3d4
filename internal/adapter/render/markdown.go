// Package render turns streamed assistant text into HTML fragments for
// viewers.
package render

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/alecthomas/chroma/v2"
	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"agentrelay/internal/domain"
)

// Block types reported on augments.
const (
	BlockParagraph  = "paragraph"
	BlockHeading    = "heading"
	BlockList       = "list"
	BlockQuote      = "blockquote"
	BlockTable      = "table"
	BlockRule       = "rule"
	BlockCode       = "code"
	BlockHTML       = "html"
	defaultStyle    = "github"
	maxPendingBytes = 64 << 10
)

// Shared parser and formatter. Both are safe for concurrent use once built.
var (
	markdownOnce sync.Once
	markdown     goldmark.Markdown

	codeOnce      sync.Once
	codeFormatter *chromahtml.Formatter
	codeStyle     *chroma.Style
)

func getMarkdown() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdown
}

func getCodeFormatter() (*chromahtml.Formatter, *chroma.Style) {
	codeOnce.Do(func() {
		codeFormatter = chromahtml.New(chromahtml.WithClasses(true))
		codeStyle = styles.Get(defaultStyle)
		if codeStyle == nil {
			codeStyle = styles.Fallback
		}
	})
	return codeFormatter, codeStyle
}

// Markdown renders completed markdown blocks as they arrive. The text after
// the last completed block is reported escaped as pending HTML.
type Markdown struct {
	buf   strings.Builder
	block int
}

// NewMarkdown returns an empty renderer.
func NewMarkdown() *Markdown { return &Markdown{} }

// Factory returns a domain.RendererFactory building Markdown renderers.
func Factory() domain.RendererFactory {
	return func() domain.Renderer { return NewMarkdown() }
}

// OnChunk appends text and renders every block it completes.
func (m *Markdown) OnChunk(_ context.Context, chunk string) (domain.RenderResult, error) {
	m.buf.WriteString(chunk)
	src := m.buf.String()

	blocks, rest := splitBlocks(src)
	augments, err := m.renderBlocks(blocks)
	if err != nil {
		return domain.RenderResult{}, err
	}

	m.buf.Reset()
	m.buf.WriteString(rest)
	return domain.RenderResult{Augments: augments, PendingHTML: pendingHTML(rest)}, nil
}

// Flush renders everything buffered, including an unterminated block.
func (m *Markdown) Flush(_ context.Context) (domain.RenderResult, error) {
	src := m.buf.String()
	m.buf.Reset()

	blocks, rest := splitBlocks(src)
	if tail, ok := finalBlock(rest); ok {
		blocks = append(blocks, tail)
	}
	augments, err := m.renderBlocks(blocks)
	if err != nil {
		return domain.RenderResult{}, err
	}
	return domain.RenderResult{Augments: augments}, nil
}

// Reset forgets buffered text and restarts block numbering.
func (m *Markdown) Reset() {
	m.buf.Reset()
	m.block = 0
}

func (m *Markdown) renderBlocks(blocks []rawBlock) ([]domain.Augment, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	out := make([]domain.Augment, 0, len(blocks))
	for _, b := range blocks {
		var (
			htmlOut string
			typ     string
			err     error
		)
		if b.code {
			htmlOut, err = renderCode(b.lang, b.body)
			typ = BlockCode
		} else {
			htmlOut, typ, err = renderMarkdown(b.body)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Augment{BlockIndex: m.block, HTML: htmlOut, Type: typ})
		m.block++
	}
	return out, nil
}

func renderMarkdown(src string) (string, string, error) {
	md := getMarkdown()
	source := []byte(src)
	doc := md.Parser().Parse(text.NewReader(source))

	var buf bytes.Buffer
	if err := md.Renderer().Render(&buf, source, doc); err != nil {
		return "", "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), blockType(doc), nil
}

func blockType(doc ast.Node) string {
	first := doc.FirstChild()
	if first == nil {
		return BlockParagraph
	}
	switch first.Kind() {
	case ast.KindHeading:
		return BlockHeading
	case ast.KindList:
		return BlockList
	case ast.KindBlockquote:
		return BlockQuote
	case ast.KindThematicBreak:
		return BlockRule
	case ast.KindCodeBlock, ast.KindFencedCodeBlock:
		return BlockCode
	case ast.KindHTMLBlock:
		return BlockHTML
	case extast.KindTable:
		return BlockTable
	}
	return BlockParagraph
}

func renderCode(lang, code string) (string, error) {
	lexer := lexers.Get(lang)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	it, err := lexer.Tokenise(nil, code)
	if err != nil {
		return "", fmt.Errorf("tokenise %s: %w", lang, err)
	}
	formatter, style := getCodeFormatter()
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, it); err != nil {
		return "", fmt.Errorf("format code: %w", err)
	}
	return buf.String(), nil
}

func pendingHTML(rest string) string {
	if len(rest) > maxPendingBytes {
		start := len(rest) - maxPendingBytes
		for start < len(rest) && !utf8.RuneStart(rest[start]) {
			start++
		}
		rest = rest[start:]
	}
	return html.EscapeString(rest)
}

// rawBlock is one completed block of source text.
type rawBlock struct {
	code bool
	lang string
	body string // for code, the fence contents only
}

// splitBlocks cuts src into completed blocks and the unfinished remainder.
// Only newline-terminated lines are considered. A paragraph completes on a
// blank line or when a code fence opens; a fenced block completes on its
// closing fence.
func splitBlocks(src string) ([]rawBlock, string) {
	var (
		blocks    []rawBlock
		start     int // start of the block being built
		bodyStart int // first content line inside an open fence
		fence     string
		lang      string
		hasText   bool
	)

	pos := 0
	for {
		nl := strings.IndexByte(src[pos:], '\n')
		if nl < 0 {
			break
		}
		lineEnd := pos + nl + 1
		line := strings.TrimRight(src[pos:lineEnd], "\r\n")
		trimmed := strings.TrimLeft(line, " ")

		switch {
		case fence != "":
			if isClosingFence(trimmed, fence) {
				blocks = append(blocks, rawBlock{code: true, lang: lang, body: src[bodyStart:pos]})
				fence, lang = "", ""
				start = lineEnd
			}
		case openingFence(trimmed) != "":
			if hasText {
				blocks = append(blocks, rawBlock{body: src[start:pos]})
				hasText = false
			}
			fence = openingFence(trimmed)
			lang = strings.TrimSpace(strings.TrimLeft(trimmed, fence[:1]))
			if i := strings.IndexAny(lang, " \t{"); i >= 0 {
				lang = lang[:i]
			}
			start = pos
			bodyStart = lineEnd
		case strings.TrimSpace(line) == "":
			if hasText {
				blocks = append(blocks, rawBlock{body: src[start:pos]})
				hasText = false
			}
			start = lineEnd
		default:
			hasText = true
		}
		pos = lineEnd
	}
	return blocks, src[start:]
}

// finalBlock turns an unfinished remainder into a block at end of stream.
func finalBlock(rest string) (rawBlock, bool) {
	if strings.TrimSpace(rest) == "" {
		return rawBlock{}, false
	}
	firstLine, body, _ := strings.Cut(rest, "\n")
	trimmed := strings.TrimLeft(firstLine, " ")
	if f := openingFence(trimmed); f != "" {
		lang := strings.TrimSpace(strings.TrimLeft(trimmed, f[:1]))
		if i := strings.IndexAny(lang, " \t{"); i >= 0 {
			lang = lang[:i]
		}
		return rawBlock{code: true, lang: lang, body: body}, true
	}
	return rawBlock{body: rest}, true
}

// openingFence returns the fence marker that line opens, if any.
func openingFence(line string) string {
	for _, c := range []byte{'`', '~'} {
		n := 0
		for n < len(line) && line[n] == c {
			n++
		}
		if n >= 3 {
			if c == '`' && strings.ContainsRune(line[n:], '`') {
				return ""
			}
			return line[:n]
		}
	}
	return ""
}

func isClosingFence(line, fence string) bool {
	if !strings.HasPrefix(line, fence) {
		return false
	}
	rest := strings.TrimLeft(line, fence[:1])
	return strings.TrimSpace(rest) == ""
}
