package models

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
)

// PageRange is the inclusive page span a chunk was cut from. Zero means unknown.
type PageRange struct {
	Start int `json:"start,omitempty"`
	End   int `json:"end,omitempty"`
}

func (p PageRange) String() string {
	switch {
	case p.Start == 0 && p.End == 0:
		return ""
	case p.End == 0 || p.End == p.Start:
		return fmt.Sprintf("p. %d", p.Start)
	default:
		return fmt.Sprintf("pp. %d-%d", p.Start, p.End)
	}
}

// Chunk is an immutable unit of indexed document text.
type Chunk struct {
	ID               string    `json:"chunk_id"`
	SourceDocumentID string    `json:"source_document_id"`
	Pages            PageRange `json:"page_range"`
	Text             string    `json:"text"`
	Summary          string    `json:"summary,omitempty"`
	Entities         []string  `json:"entities,omitempty"`
}

type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// Record is one processed source document as written by the ingestion stage.
type Record struct {
	SourceFilename  string        `json:"source_filename"`
	DocumentSummary string        `json:"document_summary"`
	KeyEntities     []string      `json:"key_entities"`
	Chunks          []RecordChunk `json:"chunks"`
}

// RecordChunk accepts either a bare string or {"text": ..., "pages": [start, end]}.
type RecordChunk struct {
	Text  string
	Pages PageRange
}

func (c *RecordChunk) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		return nil
	}

	var obj struct {
		Text  string `json:"text"`
		Pages []int  `json:"pages"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("chunk must be a string or an object: %w", err)
	}
	c.Text = obj.Text
	if len(obj.Pages) > 0 {
		c.Pages.Start = obj.Pages[0]
		c.Pages.End = obj.Pages[len(obj.Pages)-1]
	}
	return nil
}

func (c RecordChunk) MarshalJSON() ([]byte, error) {
	if c.Pages.Start == 0 && c.Pages.End == 0 {
		return json.Marshal(c.Text)
	}
	return json.Marshal(struct {
		Text  string `json:"text"`
		Pages []int  `json:"pages"`
	}{c.Text, []int{c.Pages.Start, c.Pages.End}})
}

// ChunkID builds the stable identifier of the i-th (0-based) chunk of a source file.
func ChunkID(sourceFilename string, i int) string {
	stem := strings.TrimSuffix(filepath.Base(sourceFilename), filepath.Ext(sourceFilename))
	return fmt.Sprintf("%s_chunk_%03d", stem, i+1)
}

// ToChunks expands the record into store chunks.
func (r Record) ToChunks() []Chunk {
	chunks := make([]Chunk, 0, len(r.Chunks))
	for i, rc := range r.Chunks {
		if strings.TrimSpace(rc.Text) == "" {
			continue
		}
		chunks = append(chunks, Chunk{
			ID:               ChunkID(r.SourceFilename, i),
			SourceDocumentID: r.SourceFilename,
			Pages:            rc.Pages,
			Text:             rc.Text,
			Summary:          r.DocumentSummary,
			Entities:         r.KeyEntities,
		})
	}
	return chunks
}
