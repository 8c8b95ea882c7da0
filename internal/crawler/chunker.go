package crawler

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/coderag/coderag/internal/docs"
)

// Draft is a chunk before embedding: text plus the metadata the chunker can
// decide on its own. The crawl pipeline adds the vector, URL, source, and
// timestamps.
type Draft struct {
	Text        string
	Title       string
	Section     string
	ContentType docs.ContentType
	Language    string
	ContentHash string
}

// ChunkerConfig sizes chunks in estimated token units (one token per four
// bytes of text).
type ChunkerConfig struct {
	MaxTokens     int
	OverlapTokens int
	MinTokens     int
}

// Chunker splits extracted documents into drafts.
//
// Rules: a chunk never exceeds MaxTokens except when a single code block
// does; code blocks are never split; splits prefer heading changes, then
// paragraph breaks, then sentence ends; a chunk forced apart mid-section
// carries OverlapTokens of trailing prose plus the heading path into its
// successor.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker creates a Chunker.
func NewChunker(cfg ChunkerConfig) *Chunker {
	return &Chunker{cfg: cfg}
}

// segment is one renderable piece of a chunk in progress.
type segment struct {
	text   string
	code   *CodeInfo
	tokens int
}

// buf accumulates segments for one chunk.
type buf struct {
	section  []string
	prefix   string // overlap carry, prose only
	segments []segment
	tokens   int
}

// Split converts a document into drafts.
func (k *Chunker) Split(doc *Document) []Draft {
	headingPath := make([]string, 0, 6)
	var chunks []buf

	cur := buf{}
	flush := func(withOverlap bool) {
		if len(cur.segments) == 0 && cur.prefix == "" {
			cur = buf{section: cur.section}
			return
		}
		done := cur
		chunks = append(chunks, done)

		next := buf{section: append([]string(nil), headingPath...)}
		if withOverlap {
			next.prefix = proseTail(done.segments, k.cfg.OverlapTokens)
			next.tokens = estimateTokens(next.prefix)
		}
		cur = next
	}

	for _, b := range doc.Blocks {
		switch b.Kind {
		case BlockHeading:
			if cur.tokens >= k.cfg.MinTokens {
				flush(false)
			}
			setHeading(&headingPath, b.Level, b.Text)
			if len(cur.segments) == 0 {
				cur.section = append([]string(nil), headingPath...)
			}
			k.append(&cur, segment{
				text:   strings.Repeat("#", b.Level) + " " + b.Text,
				tokens: estimateTokens(b.Text) + 1,
			})

		case BlockCode:
			seg := codeSegment(b)
			if cur.tokens+seg.tokens > k.cfg.MaxTokens && cur.tokens > 0 {
				flush(true)
			}
			k.append(&cur, seg)
			if seg.tokens >= k.cfg.MaxTokens {
				// Oversized code stands alone.
				flush(false)
			}

		case BlockParagraph:
			for _, piece := range splitProse(b.Text, k.cfg.MaxTokens) {
				seg := segment{text: piece, tokens: estimateTokens(piece)}
				if cur.tokens+seg.tokens > k.cfg.MaxTokens && cur.tokens > 0 {
					flush(true)
				}
				k.append(&cur, seg)
			}
		}
	}
	flush(false)

	chunks = k.mergeSmall(chunks)

	out := make([]Draft, 0, len(chunks))
	for _, c := range chunks {
		if d, ok := k.render(doc, c, len(chunks) == 1); ok {
			out = append(out, d)
		}
	}
	return out
}

func (k *Chunker) append(cur *buf, seg segment) {
	cur.segments = append(cur.segments, seg)
	cur.tokens += seg.tokens
}

// mergeSmall folds undersized pure-prose chunks into their predecessor when
// the result still fits, so short trailing sections are not lost.
func (k *Chunker) mergeSmall(chunks []buf) []buf {
	out := chunks[:0]
	for _, c := range chunks {
		if len(out) > 0 && c.tokens < k.cfg.MinTokens && !hasCode(c.segments) {
			prev := &out[len(out)-1]
			if prev.tokens+c.tokens <= k.cfg.MaxTokens {
				prev.segments = append(prev.segments, c.segments...)
				prev.tokens += c.tokens
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

// render materializes one chunk. Chunks below MinTokens are dropped unless
// they carry code or are the document's only chunk.
func (k *Chunker) render(doc *Document, c buf, only bool) (Draft, bool) {
	if c.tokens < k.cfg.MinTokens && !hasCode(c.segments) && !only {
		return Draft{}, false
	}

	var parts []string
	section := strings.Join(c.section, " > ")
	if section != "" && !startsWithHeading(c.segments) {
		parts = append(parts, section)
	}
	if c.prefix != "" {
		parts = append(parts, c.prefix)
	}
	for _, seg := range c.segments {
		parts = append(parts, seg.text)
	}
	text := strings.Join(parts, "\n\n")
	if strings.TrimSpace(text) == "" {
		return Draft{}, false
	}

	ct, lang := classify(c, section, doc.Title)
	return Draft{
		Text:        text,
		Title:       doc.Title,
		Section:     section,
		ContentType: ct,
		Language:    lang,
		ContentHash: contentHash(c),
	}, true
}

func startsWithHeading(segs []segment) bool {
	return len(segs) > 0 && strings.HasPrefix(segs[0].text, "#")
}

func hasCode(segs []segment) bool {
	for _, s := range segs {
		if s.code != nil {
			return true
		}
	}
	return false
}

func codeSegment(b Block) segment {
	lang := ""
	if b.Code != nil {
		lang = b.Code.Language
	}
	fenced := "```" + lang + "\n" + b.Text + "\n```"
	return segment{text: fenced, code: b.Code, tokens: estimateTokens(b.Text) + 2}
}

var (
	changelogRe       = regexp.MustCompile(`(?i)\b(changelog|release notes|what'?s new)\b`)
	troubleshootingRe = regexp.MustCompile(`(?i)\b(troubleshooting|faq|known issues)\b`)
	tutorialRe        = regexp.MustCompile(`(?i)\b(getting started|tutorial|quick ?start)\b`)
)

// classify decides the chunk's content type: code-dominant chunks take the
// extractor's classification, otherwise heading patterns decide.
func classify(c buf, section, title string) (docs.ContentType, string) {
	codeTokens := 0
	var code *CodeInfo
	for _, seg := range c.segments {
		if seg.code != nil {
			codeTokens += seg.tokens
			if code == nil {
				code = seg.code
			}
		}
	}
	if code != nil && codeTokens*2 >= c.tokens {
		if code.Reference {
			return docs.ContentAPIReference, code.Language
		}
		return docs.ContentCodeExample, code.Language
	}

	lang := ""
	if code != nil {
		lang = code.Language
	}
	scope := section + " " + title
	switch {
	case changelogRe.MatchString(scope):
		return docs.ContentChangelog, lang
	case troubleshootingRe.MatchString(scope):
		return docs.ContentTroubleshooting, lang
	case tutorialRe.MatchString(scope):
		return docs.ContentTutorial, lang
	}
	return docs.ContentProse, lang
}

// contentHash hashes the chunk's normalized content: prose is
// whitespace-collapsed and lower-cased, code is exact. The overlap carry is
// excluded so a re-crawl reproduces identical hashes regardless of where
// size-forced splits landed on the previous run.
func contentHash(c buf) string {
	h := sha256.New()
	for _, seg := range c.segments {
		if seg.code != nil {
			h.Write([]byte(seg.text))
		} else {
			h.Write([]byte(strings.ToLower(collapseWhitespace(seg.text))))
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// proseTail returns the trailing prose of the segments, up to maxTokens.
// Code segments are skipped so a code block never appears in two chunks.
func proseTail(segs []segment, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	var parts []string
	total := 0
	for i := len(segs) - 1; i >= 0 && total < maxTokens; i-- {
		if segs[i].code != nil || strings.HasPrefix(segs[i].text, "#") {
			continue
		}
		parts = append([]string{segs[i].text}, parts...)
		total += segs[i].tokens
	}
	if len(parts) == 0 {
		return ""
	}
	tail := strings.Join(parts, "\n\n")
	if over := len(tail) - maxTokens*4; over > 0 {
		// Trim from the front at a word boundary.
		cut := tail[over:]
		if i := strings.IndexByte(cut, ' '); i >= 0 {
			cut = cut[i+1:]
		}
		tail = cut
	}
	return tail
}

// splitProse breaks an oversized paragraph at sentence ends so each piece
// fits in maxTokens.
func splitProse(text string, maxTokens int) []string {
	if estimateTokens(text) <= maxTokens {
		return []string{text}
	}
	maxBytes := maxTokens * 4

	var pieces []string
	var sb strings.Builder
	for _, sentence := range splitSentences(text) {
		if sb.Len() > 0 && sb.Len()+len(sentence)+1 > maxBytes {
			pieces = append(pieces, strings.TrimSpace(sb.String()))
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(sentence)
	}
	if sb.Len() > 0 {
		pieces = append(pieces, strings.TrimSpace(sb.String()))
	}
	return pieces
}

var sentenceEndRe = regexp.MustCompile(`([.!?])\s+`)

func splitSentences(text string) []string {
	marked := sentenceEndRe.ReplaceAllString(text, "$1\x00")
	parts := strings.Split(marked, "\x00")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// estimateTokens approximates token count as one per four bytes.
func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// setHeading truncates the path to the new heading's level.
func setHeading(path *[]string, level int, text string) {
	depth := level - 1
	if depth < 0 {
		depth = 0
	}
	if depth > len(*path) {
		depth = len(*path)
	}
	*path = append((*path)[:depth], text)
}
