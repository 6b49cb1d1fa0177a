package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordChunk_UnmarshalJSON(t *testing.T) {
	var rec Record
	data := `{
		"source_filename": "doc1.pdf",
		"document_summary": "A study.",
		"key_entities": ["ACME"],
		"chunks": ["plain text", {"text": "paged text", "pages": [3, 4]}, {"text": "one page", "pages": [7]}]
	}`
	require.NoError(t, json.Unmarshal([]byte(data), &rec))

	require.Len(t, rec.Chunks, 3)
	assert.Equal(t, RecordChunk{Text: "plain text"}, rec.Chunks[0])
	assert.Equal(t, RecordChunk{Text: "paged text", Pages: PageRange{Start: 3, End: 4}}, rec.Chunks[1])
	assert.Equal(t, PageRange{Start: 7, End: 7}, rec.Chunks[2].Pages)

	var bad RecordChunk
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestRecordChunk_MarshalJSON(t *testing.T) {
	out, err := json.Marshal([]RecordChunk{{Text: "a"}, {Text: "b", Pages: PageRange{Start: 1, End: 2}}})
	require.NoError(t, err)
	assert.JSONEq(t, `["a", {"text": "b", "pages": [1, 2]}]`, string(out))
}

func TestChunkID(t *testing.T) {
	assert.Equal(t, "doc1_chunk_001", ChunkID("doc1.pdf", 0))
	assert.Equal(t, "doc1_chunk_012", ChunkID("/data/doc1.json", 11))
}

func TestToChunks_SkipsBlankKeepsNumbering(t *testing.T) {
	rec := Record{
		SourceFilename:  "doc2.pdf",
		DocumentSummary: "Summary.",
		Chunks:          []RecordChunk{{Text: "first"}, {Text: "  "}, {Text: "third", Pages: PageRange{Start: 2}}},
	}
	chunks := rec.ToChunks()
	require.Len(t, chunks, 2)
	assert.Equal(t, "doc2_chunk_001", chunks[0].ID)
	assert.Equal(t, "doc2_chunk_003", chunks[1].ID)
	assert.Equal(t, "doc2.pdf", chunks[1].SourceDocumentID)
	assert.Equal(t, "Summary.", chunks[1].Summary)
}

func TestPageRange_String(t *testing.T) {
	assert.Equal(t, "", PageRange{}.String())
	assert.Equal(t, "p. 3", PageRange{Start: 3}.String())
	assert.Equal(t, "p. 3", PageRange{Start: 3, End: 3}.String())
	assert.Equal(t, "pp. 3-5", PageRange{Start: 3, End: 5}.String())
}

func TestStreamEvent_Terminal(t *testing.T) {
	assert.True(t, Done().Terminal())
	assert.True(t, ErrorEvent(ErrorKindFailed, "x").Terminal())
	assert.False(t, Token("x").Terminal())
	assert.False(t, Degraded("x", []string{"a"}).Terminal())
	assert.False(t, StageStart("research").Terminal())
}

func TestLastUserTurn(t *testing.T) {
	q := NewQuery("  follow up  ", []Turn{
		{Role: RoleUser, Text: "first question"},
		{Role: RoleAssistant, Text: "answer"},
	})
	assert.Equal(t, "follow up", q.RawText)
	assert.NotEmpty(t, q.ID)

	last, ok := q.LastUserTurn()
	assert.True(t, ok)
	assert.Equal(t, "first question", last)

	_, ok = NewQuery("x", nil).LastUserTurn()
	assert.False(t, ok)
}
