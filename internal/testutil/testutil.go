// Package testutil holds fakes shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/llm"
	"github.com/xhad/nexus/pkg/store"
)

const Dim = 128

// NewStore returns a memory store holding chunks embedded with a HashEmbedder.
func NewStore(t testing.TB, chunks ...models.Chunk) (*store.MemoryStore, *llm.HashEmbedder) {
	t.Helper()
	emb := llm.NewHashEmbedder(Dim)
	s := store.NewMemoryStore()
	if len(chunks) == 0 {
		return s, emb
	}
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs, err := emb.CreateEmbedding(context.Background(), texts)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), chunks, vecs))
	return s, emb
}

// FlakyStore fails the first Failures searches with Err, then delegates.
type FlakyStore struct {
	types.VectorStore

	mu       sync.Mutex
	Failures int
	Err      error
	Searches int
	Gets     int
}

func (f *FlakyStore) Search(ctx context.Context, embedding []float32, limit int) ([]models.ScoredChunk, error) {
	f.mu.Lock()
	f.Searches++
	fail := f.Searches <= f.Failures
	f.mu.Unlock()
	if fail {
		return nil, f.Err
	}
	return f.VectorStore.Search(ctx, embedding, limit)
}

func (f *FlakyStore) Get(ctx context.Context, id string) (models.Chunk, error) {
	f.mu.Lock()
	f.Gets++
	f.mu.Unlock()
	return f.VectorStore.Get(ctx, id)
}

func (f *FlakyStore) SearchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Searches
}

// Call is one recorded Invoker call.
type Call struct {
	Role   types.Role
	Prompt string
}

// Handler answers a prompt for one role.
type Handler func(ctx context.Context, prompt string) (string, error)

// Invoker is a scripted types.Invoker keyed by role.
type Invoker struct {
	mu       sync.Mutex
	Handlers map[types.Role]Handler
	Calls    []Call
}

func NewInvoker() *Invoker {
	return &Invoker{Handlers: make(map[types.Role]Handler)}
}

// On sets the handler for role and returns the invoker for chaining.
func (i *Invoker) On(role types.Role, h Handler) *Invoker {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.Handlers[role] = h
	return i
}

// Reply makes role always answer text.
func (i *Invoker) Reply(role types.Role, text string) *Invoker {
	return i.On(role, func(ctx context.Context, prompt string) (string, error) { return text, nil })
}

// Sequence makes role answer each reply in turn, repeating the last one.
func (i *Invoker) Sequence(role types.Role, replies ...string) *Invoker {
	var mu sync.Mutex
	n := 0
	return i.On(role, func(ctx context.Context, prompt string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		r := replies[n]
		if n < len(replies)-1 {
			n++
		}
		return r, nil
	})
}

func (i *Invoker) CallsFor(role types.Role) []Call {
	i.mu.Lock()
	defer i.mu.Unlock()
	var out []Call
	for _, c := range i.Calls {
		if c.Role == role {
			out = append(out, c)
		}
	}
	return out
}

func (i *Invoker) Invoke(ctx context.Context, role types.Role, prompt string, history []models.Turn) (string, error) {
	i.mu.Lock()
	i.Calls = append(i.Calls, Call{Role: role, Prompt: prompt})
	h, ok := i.Handlers[role]
	i.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("no scripted reply for role %s", role)
	}
	return h(ctx, prompt)
}

// Stream delivers the scripted reply word by word.
func (i *Invoker) Stream(ctx context.Context, role types.Role, prompt string, history []models.Turn,
	onChunk func(ctx context.Context, chunk string) error) (string, error) {
	out, err := i.Invoke(ctx, role, prompt, history)
	if err != nil {
		return "", err
	}
	for _, w := range strings.SplitAfter(out, " ") {
		if w == "" {
			continue
		}
		if err := onChunk(ctx, w); err != nil {
			return "", err
		}
	}
	return out, nil
}

// Collect drains an event stream.
func Collect(events <-chan models.StreamEvent) []models.StreamEvent {
	var out []models.StreamEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

// Kinds lists the kinds of events in order.
func Kinds(events []models.StreamEvent) []models.EventKind {
	out := make([]models.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

// Text concatenates TOKEN events.
func Text(events []models.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Kind == models.EventToken {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}
