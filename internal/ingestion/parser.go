package ingestion

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ledongthuc/pdf"

	"github.com/knowledge-assistant/backend/internal/apperrors"
)

type parseFunc func(data []byte) (string, error)

var parsers = map[string]parseFunc{
	"txt":  parsePlain,
	"md":   parsePlain,
	"html": parseHTML,
	"htm":  parseHTML,
	"pdf":  parsePDF,
	"docx": parseDOCX,
}

var whitespace = regexp.MustCompile(`[ \t\f\v]+`)

// FileType returns the lowercase extension of filename without the dot.
func FileType(filename string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
}

// Parse extracts plain text from data according to fileType. Content that
// cannot be parsed, or that yields only whitespace, is apperrors.ErrEmptyContent.
func Parse(fileType string, data []byte) (string, error) {
	parse, ok := parsers[fileType]
	if !ok {
		return "", fmt.Errorf("no parser for %q: %w", fileType, apperrors.ErrInvalidFileType)
	}

	text, err := parse(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse %s: %w: %w", fileType, apperrors.ErrEmptyContent, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%s contains no text: %w", fileType, apperrors.ErrEmptyContent)
	}
	return text, nil
}

func parsePlain(data []byte) (string, error) {
	return strings.ToValidUTF8(string(data), ""), nil
}

func parseHTML(data []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, noscript, nav, footer, header, aside").Each(func(i int, s *goquery.Selection) {
		s.Remove()
	})

	// keep block boundaries so sentence splitting sees them
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, br, tr").Each(func(i int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}

	return collapseLines(text), nil
}

func parsePDF(data []byte) (text string, err error) {
	// the pdf reader panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return collapseLines(buf.String()), nil
}

type docxBody struct {
	Body struct {
		Paragraphs []docxParagraph `xml:"p"`
	} `xml:"body"`
}

type docxParagraph struct {
	Runs []struct {
		Text []struct {
			Content string `xml:",chardata"`
		} `xml:"t"`
	} `xml:"r"`
}

func parseDOCX(data []byte) (string, error) {
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}

	for _, file := range archive.File {
		if file.Name != "word/document.xml" {
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return "", err
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", err
		}

		var doc docxBody
		if err := xml.Unmarshal(content, &doc); err != nil {
			return "", err
		}

		var b strings.Builder
		for i, para := range doc.Body.Paragraphs {
			if i > 0 {
				b.WriteString("\n")
			}
			for _, r := range para.Runs {
				for _, t := range r.Text {
					b.WriteString(t.Content)
				}
			}
		}
		return b.String(), nil
	}

	return "", fmt.Errorf("word/document.xml not found")
}

func collapseLines(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(whitespace.ReplaceAllString(line, " "))
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
