package ingestion

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledge-assistant/backend/internal/apperrors"
)

func buildDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(documentXML))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFileType(t *testing.T) {
	assert.Equal(t, "pdf", FileType("Report.PDF"))
	assert.Equal(t, "md", FileType("notes.v2.md"))
	assert.Equal(t, "", FileType("README"))
}

func TestParse_Plain(t *testing.T) {
	text, err := Parse("txt", []byte("  Paris is the capital of France.\n"))
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.", text)
}

func TestParse_HTML(t *testing.T) {
	html := `<html><head><title>T</title><style>p{}</style></head>
	<body><nav>menu</nav><h1>Capitals</h1><p>Paris is   the capital of France.</p><script>alert(1)</script></body></html>`

	text, err := Parse("html", []byte(html))
	require.NoError(t, err)
	assert.Contains(t, text, "Capitals")
	assert.Contains(t, text, "Paris is the capital of France.")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "menu")
}

func TestParse_DOCX(t *testing.T) {
	doc := buildDOCX(t, `<?xml version="1.0" encoding="UTF-8"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
  <w:body>
    <w:p><w:r><w:t>Paris is the capital </w:t></w:r><w:r><w:t>of France.</w:t></w:r></w:p>
    <w:p><w:r><w:t>Berlin is the capital of Germany.</w:t></w:r></w:p>
  </w:body>
</w:document>`)

	text, err := Parse("docx", doc)
	require.NoError(t, err)
	assert.Equal(t, "Paris is the capital of France.\nBerlin is the capital of Germany.", text)
}

func TestParse_EmptyAndBroken(t *testing.T) {
	tests := []struct {
		name     string
		fileType string
		data     []byte
	}{
		{"whitespace txt", "txt", []byte(" \n\t ")},
		{"empty html body", "html", []byte("<html><body><script>x()</script></body></html>")},
		{"not a zip", "docx", []byte("plain text")},
		{"not a pdf", "pdf", []byte("plain text")},
		{"docx without body", "docx", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.fileType, tt.data)
			assert.ErrorIs(t, err, apperrors.ErrEmptyContent)
		})
	}
}

func TestParse_UnknownType(t *testing.T) {
	_, err := Parse("exe", []byte("MZ"))
	assert.ErrorIs(t, err, apperrors.ErrInvalidFileType)
}
