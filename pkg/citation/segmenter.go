package citation

import "strings"

// Segmenter cuts streamed text into pieces that end on a sentence boundary,
// after any citation markers that trail the sentence. Concatenating every
// piece returned by Write and Flush yields the input unchanged.
type Segmenter struct {
	buf strings.Builder
}

// Write adds a chunk and returns the completed prefix, if any.
func (s *Segmenter) Write(chunk string) (string, bool) {
	s.buf.WriteString(chunk)
	text := s.buf.String()
	cut := lastBoundary(text)
	if cut == 0 {
		return "", false
	}
	s.buf.Reset()
	s.buf.WriteString(text[cut:])
	return text[:cut], true
}

// Flush returns whatever is still buffered.
func (s *Segmenter) Flush() string {
	out := s.buf.String()
	s.buf.Reset()
	return out
}

// lastBoundary never cuts inside an open bracket, so "[id, p. 4]" reaches
// validation whole. Markers do not span lines.
func lastBoundary(text string) int {
	cut, depth := 0, 0
	if strings.HasPrefix(text, "[") {
		depth = 1
	}
	for i := 1; i < len(text); i++ {
		c := text[i]
		switch c {
		case '[':
			depth++
			continue
		case ']':
			if depth > 0 {
				depth--
			}
			continue
		case '\n':
			depth = 0
			cut = i + 1
			continue
		case ' ', '\t':
		default:
			continue
		}
		if depth > 0 {
			continue
		}
		switch text[i-1] {
		case ']', '.', '!', '?':
			j := nextNonSpace(text, i)
			if j < 0 {
				// can't tell yet whether a marker follows
				continue
			}
			if text[j] != '[' {
				cut = i + 1
			}
		}
	}
	return cut
}

func nextNonSpace(text string, from int) int {
	for j := from; j < len(text); j++ {
		if text[j] != ' ' && text[j] != '\t' {
			return j
		}
	}
	return -1
}
