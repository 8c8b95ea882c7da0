// Package crawler turns documentation sites into stored chunks. It has
// three stages: the extractor converts fetched HTML into a clean block
// sequence, the chunker splits blocks into bounded retrievable units, and
// the engine drives fetching with politeness and scope rules.
package crawler

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"

	"github.com/coderag/coderag/internal/log"
)

// BlockKind distinguishes the structural block types the extractor emits.
type BlockKind int

const (
	BlockHeading BlockKind = iota
	BlockParagraph
	BlockCode
)

// CodeInfo carries code-block metadata: the detected language, whether the
// block reads as an API signature listing rather than a usage example, and
// the surrounding context used for retrieval.
type CodeInfo struct {
	Language         string
	Reference        bool
	ContextHeading   string
	ContextParagraph string
}

// Block is one structural unit of an extracted page. Prose text is
// whitespace-collapsed; code text is verbatim.
type Block struct {
	Kind  BlockKind
	Level int // heading level, 1..6
	Text  string
	Code  *CodeInfo
}

// Document is the extractor's intermediate representation of one page.
type Document struct {
	URL    string
	Title  string
	Blocks []Block
}

// ErrNoContent is returned when a page yields nothing after chrome removal
// and the readability fallback.
var ErrNoContent = errors.New("no extractable content")

// chromeTags are removed outright before the walk.
var chromeTags = []string{
	"script", "style", "noscript", "iframe", "svg", "form", "button",
	"nav", "header", "footer", "aside",
}

// chromeClassParts mark an element as site chrome when they appear in its
// class or id attribute.
var chromeClassParts = []string{
	"nav", "footer", "sidebar", "cookie", "banner", "breadcrumb",
	"menu", "social", "share", "ads", "advert", "comment", "search-box",
	"site-search", "toolbar", "pagination",
}

// Extractor converts HTML into Documents.
type Extractor struct {
	logger log.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(logger log.Logger) *Extractor {
	return &Extractor{logger: logger.With("component", "extractor")}
}

// Extract parses the HTML from r and returns the cleaned block sequence.
// pageURL is used for the readability fallback and for diagnostics only.
func (e *Extractor) Extract(pageURL string, r io.Reader) (*Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading page body: %w", err)
	}

	gd, err := goquery.NewDocumentFromReader(strings.NewReader(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	doc := &Document{URL: pageURL, Title: pageTitle(gd)}

	stripChrome(gd)

	body := gd.Find("body")
	if len(body.Nodes) > 0 {
		w := &walker{doc: doc}
		w.walk(body.Nodes[0])
	}

	if hasContent(doc) {
		return doc, nil
	}

	// Structural extraction found nothing useful; let readability take a
	// shot at the original markup before giving up.
	fb, err := e.readabilityFallback(pageURL, raw)
	if err != nil {
		return nil, err
	}
	if doc.Title != "" {
		fb.Title = doc.Title
	}
	return fb, nil
}

func (e *Extractor) readabilityFallback(pageURL string, raw []byte) (*Document, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		u = &url.URL{}
	}
	article, err := readability.FromReader(strings.NewReader(string(raw)), u)
	if err != nil {
		return nil, fmt.Errorf("%w: readability: %v", ErrNoContent, err)
	}

	doc := &Document{URL: pageURL, Title: article.Title}
	for _, para := range strings.Split(article.TextContent, "\n\n") {
		text := collapseWhitespace(para)
		if text == "" {
			continue
		}
		doc.Blocks = append(doc.Blocks, Block{Kind: BlockParagraph, Text: text})
	}
	if !hasContent(doc) {
		return nil, ErrNoContent
	}
	e.logger.Debug("used readability fallback", "url", pageURL)
	return doc, nil
}

func hasContent(doc *Document) bool {
	for _, b := range doc.Blocks {
		if b.Kind != BlockHeading {
			return true
		}
	}
	return false
}

func pageTitle(gd *goquery.Document) string {
	if t := collapseWhitespace(gd.Find("title").First().Text()); t != "" {
		// Many doc sites suffix the site name after a separator.
		for _, sep := range []string{" | ", " – ", " - "} {
			if i := strings.Index(t, sep); i > 0 {
				return t[:i]
			}
		}
		return t
	}
	return collapseWhitespace(gd.Find("h1").First().Text())
}

func stripChrome(gd *goquery.Document) {
	gd.Find(strings.Join(chromeTags, ", ")).Remove()

	gd.Find("[class], [id]").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		switch node.Data {
		case "body", "html", "main", "article":
			return
		}
		attrs := strings.ToLower(sel.AttrOr("class", "") + " " + sel.AttrOr("id", ""))
		for _, part := range chromeClassParts {
			if strings.Contains(attrs, part) {
				sel.Remove()
				return
			}
		}
	})
}

// walker accumulates blocks during a depth-first pass over the cleaned
// body. It tracks the nearest heading and preceding paragraph so code
// blocks can carry their context.
type walker struct {
	doc         *Document
	lastHeading string
	lastPara    string
}

func (w *walker) walk(n *html.Node) {
	if n.Type != html.ElementNode {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c)
		}
		return
	}

	switch n.Data {
	case "h1", "h2", "h3", "h4", "h5", "h6":
		text := collapseWhitespace(nodeText(n))
		if text != "" {
			level := int(n.Data[1] - '0')
			w.doc.Blocks = append(w.doc.Blocks, Block{
				Kind:  BlockHeading,
				Level: level,
				Text:  text,
			})
			w.lastHeading = text
			w.lastPara = ""
		}

	case "pre":
		w.emitCode(n)

	case "p", "blockquote", "dd", "dt":
		text := collapseWhitespace(nodeText(n))
		if text != "" {
			w.doc.Blocks = append(w.doc.Blocks, Block{Kind: BlockParagraph, Text: text})
			w.lastPara = text
		}

	case "li":
		// Nested pre blocks inside list items still need code handling.
		if pre := findChild(n, "pre"); pre != nil {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				w.walk(c)
			}
			return
		}
		text := collapseWhitespace(nodeText(n))
		if text != "" {
			w.doc.Blocks = append(w.doc.Blocks, Block{Kind: BlockParagraph, Text: "- " + text})
		}

	case "table":
		if text := tableText(n); text != "" {
			w.doc.Blocks = append(w.doc.Blocks, Block{Kind: BlockParagraph, Text: text})
		}

	default:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			w.walk(c)
		}
	}
}

// emitCode captures a <pre> block verbatim, including interior whitespace.
func (w *walker) emitCode(pre *html.Node) {
	codeNode := findChild(pre, "code")
	src := pre
	if codeNode != nil {
		src = codeNode
	}

	text := strings.Trim(rawText(src), "\n")
	if strings.TrimSpace(text) == "" {
		return
	}

	lang := languageFromClass(pre)
	if lang == "" && codeNode != nil {
		lang = languageFromClass(codeNode)
	}
	if lang == "" {
		lang = detectLanguage(text)
	}

	w.doc.Blocks = append(w.doc.Blocks, Block{
		Kind: BlockCode,
		Text: text,
		Code: &CodeInfo{
			Language:         lang,
			Reference:        looksLikeReference(text, w.lastHeading, w.lastPara),
			ContextHeading:   w.lastHeading,
			ContextParagraph: w.lastPara,
		},
	})
}

// nodeText concatenates text descendants with whitespace normalization left
// to the caller. Pre blocks inside are skipped; they are emitted separately.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && n.Data == "pre" {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return sb.String()
}

// rawText concatenates text descendants without any normalization.
func rawText(n *html.Node) string {
	var sb strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return sb.String()
}

func findChild(n *html.Node, tag string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
		if found := findChild(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func tableText(n *html.Node) string {
	var rows []string
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "tr" {
			var cells []string
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					if text := collapseWhitespace(nodeText(c)); text != "" {
						cells = append(cells, text)
					}
				}
			}
			if len(cells) > 0 {
				rows = append(rows, strings.Join(cells, " | "))
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return strings.Join(rows, "\n")
}

// languageFromClass reads language-*, lang-*, or data-lang annotations.
func languageFromClass(n *html.Node) string {
	for _, attr := range n.Attr {
		switch attr.Key {
		case "class":
			for _, cls := range strings.Fields(strings.ToLower(attr.Val)) {
				if lang, ok := strings.CutPrefix(cls, "language-"); ok {
					return lang
				}
				if lang, ok := strings.CutPrefix(cls, "lang-"); ok {
					return lang
				}
			}
		case "data-lang", "data-language":
			return strings.ToLower(strings.TrimSpace(attr.Val))
		}
	}
	return ""
}

var shellPromptRe = regexp.MustCompile(`(?m)^\s*[$#] `)

// detectLanguage guesses from lexical features when no class annotation is
// present. Order matters: the more specific signatures come first.
func detectLanguage(code string) string {
	switch {
	case strings.Contains(code, "#!/bin/"), shellPromptRe.MatchString(code),
		strings.Contains(code, "curl "), strings.Contains(code, "sudo "):
		return "bash"
	case strings.Contains(code, "fn "), strings.Contains(code, "impl "),
		strings.Contains(code, "let mut "), strings.Contains(code, "::"):
		return "rust"
	case strings.Contains(code, "public class "), strings.Contains(code, "public static "):
		return "java"
	case strings.Contains(code, "def "), strings.Contains(code, "import ") &&
		!strings.Contains(code, ";"):
		return "python"
	case strings.Contains(code, "interface "), strings.Contains(code, ": string"),
		strings.Contains(code, ": number"):
		return "typescript"
	case strings.Contains(code, "function "), strings.Contains(code, "const "),
		strings.Contains(code, "=>"):
		return "javascript"
	case containsWordFold(code, "select") && containsWordFold(code, "from"):
		return "sql"
	case strings.Contains(code, "<html"), strings.Contains(code, "<div"):
		return "html"
	}
	return ""
}

func containsWordFold(s, word string) bool {
	for _, f := range strings.Fields(strings.ToLower(s)) {
		if f == word {
			return true
		}
	}
	return false
}

var referenceHeadingRe = regexp.MustCompile(`(?i)\b(api|reference|signature|methods?|functions?|parameters?)\b`)

// looksLikeReference classifies a code block as an API signature listing
// rather than a usage example: reference-flavored heading, or signature
// lines with no surrounding explanatory prose.
func looksLikeReference(code, heading, para string) bool {
	if referenceHeadingRe.MatchString(heading) {
		return true
	}
	if para != "" {
		return false
	}
	sigLines := 0
	lines := strings.Split(code, "\n")
	for _, line := range lines {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "fn ") || strings.HasPrefix(t, "pub fn ") ||
			strings.HasPrefix(t, "def ") || strings.HasPrefix(t, "func ") ||
			strings.HasPrefix(t, "function ") {
			sigLines++
		}
	}
	return sigLines > 0 && sigLines*2 >= len(lines)
}

var spaceRe = regexp.MustCompile(`\s+`)

func collapseWhitespace(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
