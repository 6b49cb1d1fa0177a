package processor

import (
	"math"
	"regexp"
	"strings"
)

var wordRe = regexp.MustCompile(`\p{L}+(?:['’]\p{L}+)*|\p{N}+`)

var sentenceEnders = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// SplitSentences does a basic split on terminal punctuation.
func SplitSentences(text string) []string {
	var sentences []string

	current := strings.Builder{}

	for i := 0; i < len(text); i++ {
		current.WriteByte(text[i])

		// Check for sentence endings
		for _, ender := range sentenceEnders {
			if strings.HasSuffix(current.String(), ender) {
				if s := strings.TrimSpace(current.String()); s != "" {
					sentences = append(sentences, s)
				}
				current.Reset()
				break
			}
		}
	}

	// Add any remaining text
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}

	return sentences
}

// Tokens returns the lower-cased content words of text, without stopwords.
func Tokens(text string) map[string]struct{} {
	stop := stopwordSet(nil)
	words := wordRe.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if _, ok := stop[w]; ok {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// OverlapSets is the Ochiai coefficient |A∩B| / sqrt(|A||B|) between two
// token sets.
func OverlapSets(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / math.Sqrt(float64(len(a))*float64(len(b)))
}

// BestSentence picks the sentence of text that overlaps query the most.
// Ties go to the earlier sentence.
func BestSentence(query, text string) string {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return ""
	}
	q := Tokens(query)
	best, bestScore := sentences[0], -1.0
	for _, s := range sentences {
		if score := OverlapSets(q, Tokens(s)); score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}
