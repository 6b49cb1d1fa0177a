package processor

import (
	"strings"
	"unicode/utf8"

	"github.com/xhad/nexus/internal/models"
)

type ProcessorConfig struct {
	ChunkSize       int
	ChunkOverlap    int
	MinChunkLength  int
	RemoveStopwords bool
	CustomStopwords []string
	Lowercase       bool
}

// Processor cuts extracted document text into overlapping chunks on sentence
// boundaries.
type Processor struct {
	config ProcessorConfig
}

func NewWithConfig(config ProcessorConfig) Processor {
	if config.ChunkSize == 0 {
		config.ChunkSize = 512
	}
	if config.ChunkOverlap == 0 {
		config.ChunkOverlap = 100
	}
	if config.ChunkOverlap >= config.ChunkSize {
		config.ChunkOverlap = config.ChunkSize / 4
	}
	if config.MinChunkLength == 0 {
		config.MinChunkLength = 40
	}

	return Processor{
		config: config,
	}
}

// Split cleans text and returns its chunks.
func (p *Processor) Split(text string) []string {
	return p.splitIntoChunks(p.cleanText(text))
}

// Process builds an ingestion record from a document's text.
func (p *Processor) Process(sourceFilename, summary string, entities []string, text string) models.Record {
	record := models.Record{
		SourceFilename:  sourceFilename,
		DocumentSummary: summary,
		KeyEntities:     entities,
	}
	for _, chunk := range p.Split(text) {
		record.Chunks = append(record.Chunks, models.RecordChunk{Text: chunk})
	}
	return record
}

func (p *Processor) cleanText(text string) string {
	if p.config.Lowercase {
		text = strings.ToLower(text)
	}

	// Replace multiple spaces with single space
	text = strings.Join(strings.Fields(text), " ")

	// Remove stopwords if configured
	if p.config.RemoveStopwords {
		text = p.removeStopwords(text)
	}

	return strings.TrimSpace(text)
}

func (p *Processor) splitIntoChunks(text string) []string {
	var chunks []string

	// Split by sentences first
	sentences := SplitSentences(text)

	currentChunk := strings.Builder{}

	for _, sentence := range sentences {
		// If adding this sentence would exceed chunk size
		if currentChunk.Len() > 0 && currentChunk.Len()+len(sentence) > p.config.ChunkSize {
			// Save current chunk if it meets minimum length
			if currentChunk.Len() >= p.config.MinChunkLength {
				chunks = append(chunks, strings.TrimSpace(currentChunk.String()))
			}

			// Start new chunk with overlap
			text := currentChunk.String()
			currentChunk.Reset()
			if p.config.ChunkOverlap > 0 && len(text) > p.config.ChunkOverlap {
				currentChunk.WriteString(overlapTail(text, p.config.ChunkOverlap))
			}
		}

		currentChunk.WriteString(sentence)
		currentChunk.WriteString(" ")
	}

	// Add the last chunk if it meets minimum length
	if currentChunk.Len() >= p.config.MinChunkLength {
		chunks = append(chunks, strings.TrimSpace(currentChunk.String()))
	}

	return chunks
}

// overlapTail returns roughly the last n bytes of text, starting on a word.
func overlapTail(text string, n int) string {
	start := len(text) - n
	for start < len(text) && !utf8.RuneStart(text[start]) {
		start++
	}
	if i := strings.IndexByte(text[start:], ' '); i >= 0 && start > 0 {
		start += i + 1
	}
	return text[start:]
}

func (p *Processor) removeStopwords(text string) string {
	words := strings.Fields(text)
	var filtered []string

	stopwords := stopwordSet(p.config.CustomStopwords)

	for _, word := range words {
		if _, ok := stopwords[strings.ToLower(word)]; !ok {
			filtered = append(filtered, word)
		}
	}

	return strings.Join(filtered, " ")
}

func stopwordSet(extra []string) map[string]struct{} {
	set := make(map[string]struct{}, len(getStopwords())+len(extra))
	for _, w := range getStopwords() {
		set[w] = struct{}{}
	}
	for _, w := range extra {
		set[strings.ToLower(w)] = struct{}{}
	}
	return set
}

// Common English stopwords
func getStopwords() []string {
	return []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with",
		"this", "these", "those", "what", "which", "who", "how",
		"does", "do", "did", "paper", "about",
	}
}
