package query

import (
	"fmt"
	"strings"

	"github.com/knowledge-assistant/backend/internal/vector"
)

const (
	noDocumentsAnswer = "You haven't uploaded any documents yet. Upload a document first, then ask your question again."
	noMatchAnswer     = "I couldn't find any relevant information in your documents to answer this question. Try rephrasing it, or upload a document that covers the topic."
)

const promptTemplate = `**Instruction**:
Answer the user's query based *only* on the provided context.
If the context does not contain the answer, state that you cannot answer the question with the given information.
Do not use any prior knowledge.

**Context**:
%s

**Query**:
%s

**Answer**:
`

// BuildPrompt renders the grounded-answer prompt. Chunk texts appear one per
// line in rank order.
func BuildPrompt(query string, hits []vector.Hit) string {
	texts := make([]string, len(hits))
	for i, hit := range hits {
		texts[i] = hit.Payload.Text
	}
	return fmt.Sprintf(promptTemplate, strings.Join(texts, "\n"), query)
}

func excerpt(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
