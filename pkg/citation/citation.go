// Package citation tracks which chunks a query has actually seen and checks
// that every [chunk_id] marker in generated text points at one of them.
package citation

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/xhad/nexus/internal/models"
)

var (
	bracketRe = regexp.MustCompile(`\[([^\[\]\n]+)\]`)
	idRe      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:\-]*$`)
)

// ExtractMarkers finds every chunk id cited in text, in order of appearance.
// Both [a] and [a, b] forms are accepted. Parts of a bracket that are not
// id-shaped, such as "p. 4", are skipped; a bracket with no id-shaped part
// is prose and ignored.
func ExtractMarkers(text string) []models.CitationMarker {
	var markers []models.CitationMarker
	for _, m := range bracketRe.FindAllStringSubmatch(text, -1) {
		parts := strings.FieldsFunc(m[1], func(r rune) bool { return r == ',' || r == ';' })
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if idRe.MatchString(p) {
				markers = append(markers, models.CitationMarker{Text: m[0], ChunkID: p})
			}
		}
	}
	return markers
}

// Result is text that passed through validation. Degraded text is still
// delivered, with the offending markers listed in Unverified.
type Result struct {
	Text       string
	Markers    []models.CitationMarker
	Unverified []models.CitationMarker
}

func (r Result) Degraded() bool { return len(r.Unverified) > 0 }

// UnverifiedIDs returns the distinct unresolvable chunk ids, sorted.
func (r Result) UnverifiedIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, m := range r.Unverified {
		if _, ok := seen[m.ChunkID]; ok {
			continue
		}
		seen[m.ChunkID] = struct{}{}
		ids = append(ids, m.ChunkID)
	}
	sort.Strings(ids)
	return ids
}

// Message is the user-facing flag for a degraded result.
func (r Result) Message() string {
	if !r.Degraded() {
		return ""
	}
	return fmt.Sprintf("This answer cites %s, which could not be verified against the retrieved sources.",
		strings.Join(r.UnverifiedIDs(), ", "))
}

// Validate checks every marker against the known chunk ids. It never drops
// or rewrites markers.
func Validate(text string, markers []models.CitationMarker, known map[string]struct{}) Result {
	res := Result{Text: text, Markers: markers}
	for _, m := range markers {
		if _, ok := known[m.ChunkID]; !ok {
			res.Unverified = append(res.Unverified, m)
		}
	}
	return res
}
