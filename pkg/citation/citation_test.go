package citation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
)

func TestExtractMarkers(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"single", "Attention helps [doc1-p3-c2].", []string{"doc1-p3-c2"}},
		{"several", "A [a_chunk_001]. B [b_chunk_002].", []string{"a_chunk_001", "b_chunk_002"}},
		{"list", "Both agree [a_chunk_001, b_chunk_002].", []string{"a_chunk_001", "b_chunk_002"}},
		{"prose in brackets", "As noted [see above] it works.", nil},
		{"none", "No citations here.", nil},
		{"numeric", "Old style [1].", []string{"1"}},
		{"id with page note", "It won an award [doc9-p1-c1, p. 4].", []string{"doc9-p1-c1"}},
		{"page note first", "See [pp. 3-4; doc1-p3-c2].", []string{"doc1-p3-c2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, m := range ExtractMarkers(tt.text) {
				got = append(got, m.ChunkID)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidate_MixedBracketFlagsUnknownID(t *testing.T) {
	known := map[string]struct{}{"doc1-p3-c2": {}}
	text := "It won an award [doc9-p1-c1, p. 4]. It proposes a kernel [doc1-p3-c2]."

	res := Validate(text, ExtractMarkers(text), known)
	assert.True(t, res.Degraded())
	assert.Equal(t, []string{"doc9-p1-c1"}, res.UnverifiedIDs())
}

func TestValidate(t *testing.T) {
	known := map[string]struct{}{"doc1-p3-c2": {}}

	text := "X introduces sparse attention [doc1-p3-c2]."
	res := Validate(text, ExtractMarkers(text), known)
	assert.False(t, res.Degraded())
	assert.Equal(t, text, res.Text)
	assert.Len(t, res.Markers, 1)
	assert.Empty(t, res.Message())

	text = "X introduces sparse attention [doc1-p3-c2]. It beats everything [doc7-p1-c1]."
	res = Validate(text, ExtractMarkers(text), known)
	assert.True(t, res.Degraded())
	assert.Equal(t, text, res.Text, "text is never rewritten")
	assert.Len(t, res.Markers, 2)
	assert.Equal(t, []string{"doc7-p1-c1"}, res.UnverifiedIDs())
	assert.Contains(t, res.Message(), "doc7-p1-c1")
}

type fakeSource struct {
	chunks  map[string]models.Chunk
	gets    int
	results []models.ScoredChunk
}

func (f *fakeSource) Search(ctx context.Context, text string, topK int) ([]models.ScoredChunk, error) {
	return f.results, nil
}

func (f *fakeSource) Get(ctx context.Context, id string) (models.Chunk, error) {
	f.gets++
	c, ok := f.chunks[id]
	if !ok {
		return models.Chunk{}, types.ErrNotFound
	}
	return c, nil
}

func TestTracker_Source(t *testing.T) {
	a := models.Chunk{ID: "a", Text: "alpha"}
	b := models.Chunk{ID: "b", Text: "beta"}
	src := &fakeSource{
		chunks:  map[string]models.Chunk{"a": a, "b": b},
		results: []models.ScoredChunk{{Chunk: a, Score: 0.9}},
	}

	tr := NewTracker()
	s := tr.Source(src)

	_, err := s.Search(context.Background(), "alpha", 3)
	require.NoError(t, err)
	assert.True(t, tr.Known("a"))
	assert.False(t, tr.Known("b"))

	// cached, no store round trip
	got, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Equal(t, 0, src.gets)

	_, err = s.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, 1, src.gets)
	assert.True(t, tr.Known("b"))

	_, err = s.Get(context.Background(), "zzz")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.False(t, tr.Known("zzz"))

	assert.Equal(t, []models.Chunk{a, b}, tr.Chunks())
}

func TestTracker_ScopedPerQuery(t *testing.T) {
	first := NewTracker()
	first.Observe(models.Chunk{ID: "doc1-p3-c2"})
	second := NewTracker()

	text := "Claim [doc1-p3-c2]."
	assert.False(t, first.ValidateText(text).Degraded())
	assert.True(t, second.ValidateText(text).Degraded())
}

func TestSegmenter(t *testing.T) {
	var s Segmenter
	var pieces []string
	input := []string{"Sparse attention ", "cuts cost", ". It ", "scales [doc1", "-p3-c2]. Memory ", "drops [a] [b", "]. Done"}
	for _, chunk := range input {
		if seg, ok := s.Write(chunk); ok {
			pieces = append(pieces, seg)
		}
	}
	pieces = append(pieces, s.Flush())

	assert.Equal(t, strings.Join(input, ""), strings.Join(pieces, ""))
	for _, p := range pieces {
		// a marker is never split across pieces
		assert.Equal(t, strings.Count(p, "["), strings.Count(p, "]"), "piece %q", p)
	}
	assert.Equal(t, "Sparse attention cuts cost. ", pieces[0])
}

func TestSegmenter_NoCutInsideBracket(t *testing.T) {
	var s Segmenter
	seg, ok := s.Write("It won an award [doc9-p1-c1, p. 4")
	assert.False(t, ok, "the bracket is still open")
	assert.Empty(t, seg)

	seg, ok = s.Write("]. It proposes a kernel")
	assert.True(t, ok)
	assert.Equal(t, "It won an award [doc9-p1-c1, p. 4]. ", seg)
	markers := ExtractMarkers(seg)
	require.Len(t, markers, 1)
	assert.Equal(t, "doc9-p1-c1", markers[0].ChunkID)
	assert.Equal(t, "It proposes a kernel", s.Flush())
}

func TestSegmenter_WaitsForTrailingMarker(t *testing.T) {
	var s Segmenter
	seg, ok := s.Write("A finding. ")
	assert.False(t, ok, "a marker may still follow")
	assert.Empty(t, seg)

	seg, ok = s.Write("[c1] Next")
	assert.True(t, ok)
	assert.Equal(t, "A finding. [c1] ", seg)
	assert.Equal(t, "Next", s.Flush())
}
