package ingestion

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"

	"github.com/knowledge-assistant/backend/internal/apperrors"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 150
)

// Chunker splits text into ordered, overlapping passages of at most size runes.
// Boundaries fall between sentences where possible, then between words.
type Chunker struct {
	size    int
	overlap int
}

func NewChunker(size, overlap int) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 10
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk returns apperrors.ErrEmptyContent for empty or whitespace-only text.
func (c *Chunker) Chunk(text string) ([]string, error) {
	normalized := strings.Join(strings.Fields(text), " ")
	if normalized == "" {
		return nil, fmt.Errorf("nothing to chunk: %w", apperrors.ErrEmptyContent)
	}

	if utf8.RuneCountInString(normalized) <= c.size {
		return []string{normalized}, nil
	}

	var units []string
	for _, sentence := range segment(text) {
		units = append(units, c.fit(sentence)...)
	}

	return c.pack(units), nil
}

// pack greedily joins units into chunks. Each new chunk opens with the
// trailing units of the previous one that fit in the overlap budget.
func (c *Chunker) pack(units []string) []string {
	var chunks []string
	var current []string
	currentLen := 0

	for _, u := range units {
		uLen := utf8.RuneCountInString(u)

		if len(current) > 0 && currentLen+1+uLen > c.size {
			chunks = append(chunks, strings.Join(current, " "))
			current, currentLen = c.tail(current, uLen)
		}

		if len(current) > 0 {
			currentLen++
		}
		current = append(current, u)
		currentLen += uLen
	}

	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, " "))
	}
	return chunks
}

// tail picks the overlap carried into the next chunk, leaving room for a
// following unit of nextLen runes.
func (c *Chunker) tail(prev []string, nextLen int) ([]string, int) {
	budget := c.overlap
	if room := c.size - nextLen - 1; room < budget {
		budget = room
	}

	start := len(prev)
	total := 0
	for i := len(prev) - 1; i >= 0; i-- {
		l := utf8.RuneCountInString(prev[i])
		if start < len(prev) {
			l++
		}
		if total+l > budget {
			break
		}
		total += l
		start = i
	}

	if start == len(prev) {
		return trailingWords(prev[len(prev)-1], budget)
	}
	return append([]string(nil), prev[start:]...), total
}

// trailingWords returns the longest run of whole words ending unit that fits
// in budget runes, as a single overlap unit.
func trailingWords(unit string, budget int) ([]string, int) {
	words := strings.Fields(unit)
	start := len(words)
	total := 0
	for i := len(words) - 1; i >= 0; i-- {
		l := utf8.RuneCountInString(words[i])
		if start < len(words) {
			l++
		}
		if total+l > budget {
			break
		}
		total += l
		start = i
	}

	if start == len(words) {
		return nil, 0
	}
	return []string{strings.Join(words[start:], " ")}, total
}

// fit breaks a sentence longer than the chunk size on word boundaries, and
// words longer than the chunk size on rune boundaries.
func (c *Chunker) fit(sentence string) []string {
	if utf8.RuneCountInString(sentence) <= c.size {
		return []string{sentence}
	}

	var pieces []string
	var b strings.Builder
	bLen := 0

	flush := func() {
		if bLen > 0 {
			pieces = append(pieces, b.String())
			b.Reset()
			bLen = 0
		}
	}

	for _, word := range strings.Fields(sentence) {
		wLen := utf8.RuneCountInString(word)

		if wLen > c.size {
			flush()
			runes := []rune(word)
			for len(runes) > c.size {
				pieces = append(pieces, string(runes[:c.size]))
				runes = runes[c.size:]
			}
			word = string(runes)
			wLen = len(runes)
		}

		if bLen > 0 && bLen+1+wLen > c.size {
			flush()
		}
		if bLen > 0 {
			b.WriteByte(' ')
			bLen++
		}
		b.WriteString(word)
		bLen += wLen
	}
	flush()

	return pieces
}

// segment splits text into sentences. Line breaks always end a sentence, so
// headings and list items without punctuation stay apart from the next line.
func segment(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			continue
		}
		out = append(out, splitSentences(line)...)
	}
	return out
}

func splitSentences(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithExtraction(false),
		prose.WithTokenization(false),
	)
	if err != nil {
		return []string{text}
	}

	sentences := make([]string, 0, len(doc.Sentences()))
	for _, s := range doc.Sentences() {
		if t := strings.TrimSpace(s.Text); t != "" {
			sentences = append(sentences, t)
		}
	}
	if len(sentences) == 0 {
		return []string{text}
	}
	return sentences
}
