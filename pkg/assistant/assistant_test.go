package assistant_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/testutil"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/assistant"
	"github.com/xhad/nexus/pkg/citation"
	"github.com/xhad/nexus/pkg/evidence"
	"github.com/xhad/nexus/pkg/feedback"
	"github.com/xhad/nexus/pkg/pipeline"
	"github.com/xhad/nexus/pkg/retry"
	"github.com/xhad/nexus/pkg/router"
	"github.com/xhad/nexus/pkg/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var paperX = models.Chunk{
	ID: "doc1-p3-c2", SourceDocumentID: "doc1", Pages: models.PageRange{Start: 3, End: 3},
	Text: "The main contribution of paper X is a sparse attention kernel that scales linearly with sequence length.",
}

const question = "What is the main contribution of paper X?"

type harness struct {
	inv   *testutil.Invoker
	store *testutil.FlakyStore
	asst  *assistant.Assistant
}

type option func(*evidence.Config, *assistant.Config)

func newHarness(t *testing.T, chunks []models.Chunk, opts ...option) *harness {
	t.Helper()
	s, emb := testutil.NewStore(t, chunks...)
	flaky := &testutil.FlakyStore{VectorStore: s}
	inv := testutil.NewInvoker()

	ecfg := evidence.Config{Store: flaky, Embedder: emb, Retry: retry.Policy{MaxAttempts: 1}}
	acfg := assistant.Config{
		Router: router.New(router.LLMClassifier{Invoker: inv}, nil),
		Tools:  tools.NewRegistry(5),
	}
	for _, o := range opts {
		o(&ecfg, &acfg)
	}

	ev, err := evidence.New(ecfg)
	require.NoError(t, err)
	p, err := pipeline.New(pipeline.Config{Invoker: inv, OverlapThreshold: 0.15})
	require.NoError(t, err)
	acfg.Evidence = ev
	acfg.Pipeline = p

	a, err := assistant.New(acfg)
	require.NoError(t, err)
	return &harness{inv: inv, store: flaky, asst: a}
}

func (h *harness) ask(text string) []models.StreamEvent {
	return testutil.Collect(h.asst.Ask(context.Background(), models.NewQuery(text, nil)))
}

// requireWellFormed checks the stream ends in exactly one terminal event
// and nothing follows it.
func requireWellFormed(t *testing.T, events []models.StreamEvent) models.StreamEvent {
	t.Helper()
	require.NotEmpty(t, events)
	for i, ev := range events[:len(events)-1] {
		require.False(t, ev.Terminal(), "event %d (%s) is terminal but not last", i, ev.Kind)
	}
	last := events[len(events)-1]
	require.True(t, last.Terminal())
	return last
}

func TestAsk_FactualLookup(t *testing.T) {
	h := newHarness(t, []models.Chunk{paperX})
	h.inv.Reply(types.RoleRouter, "factual_lookup")

	events := h.ask(question)
	last := requireWellFormed(t, events)
	assert.Equal(t, models.EventDone, last.Kind)

	require.Equal(t, models.EventToolResult, events[0].Kind)
	res, ok := events[0].Payload.(tools.Result)
	require.True(t, ok)
	assert.Equal(t, tools.FactualLookup, res.Tool)
	assert.False(t, res.NoEvidence)

	text := testutil.Text(events)
	assert.Contains(t, text, "[doc1-p3-c2]")
	assert.NotContains(t, testutil.Kinds(events), models.EventDegraded)
	assert.Equal(t, 1, h.store.SearchCount(), "a tool makes exactly one store call")
	assert.Empty(t, h.inv.CallsFor(types.RoleResearcher))
}

func TestAsk_NoEvidence(t *testing.T) {
	h := newHarness(t, nil)
	h.inv.Reply(types.RoleRouter, "factual_lookup")

	events := h.ask(question)
	last := requireWellFormed(t, events)
	assert.Equal(t, models.EventDone, last.Kind)

	text := testutil.Text(events)
	assert.Equal(t, tools.NoEvidenceAnswer, text)
	assert.Empty(t, citation.ExtractMarkers(text))
}

func TestAsk_TransientStoreFailureRecovers(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	policy := retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   20 * time.Millisecond,
		MaxDelay:    time.Second,
		Jitter:      0.25,
		Sleep: func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			time.Sleep(d)
			return nil
		},
	}
	h := newHarness(t, []models.Chunk{paperX}, func(e *evidence.Config, _ *assistant.Config) {
		e.Retry = policy
	})
	h.store.Failures = 2
	h.store.Err = retry.Transient(errors.New("connection reset by peer"))
	h.inv.Reply(types.RoleRouter, "factual_lookup")

	start := time.Now()
	events := h.ask(question)
	elapsed := time.Since(start)

	last := requireWellFormed(t, events)
	assert.Equal(t, models.EventDone, last.Kind)
	assert.Contains(t, testutil.Text(events), "[doc1-p3-c2]")
	assert.Equal(t, 3, h.store.SearchCount())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, delays, 2)
	for i, d := range delays {
		base := policy.Backoff(i)
		assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75), "retry %d", i)
		assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25), "retry %d", i)
	}
	assert.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
}

func TestAsk_StoreUnavailable(t *testing.T) {
	h := newHarness(t, []models.Chunk{paperX}, func(e *evidence.Config, _ *assistant.Config) {
		e.Retry = retry.Policy{MaxAttempts: 2, Sleep: func(context.Context, time.Duration) error { return nil }}
	})
	h.store.Failures = 10
	h.store.Err = retry.Transient(errors.New("dial tcp 10.0.0.7:5432: connection refused"))
	h.inv.Reply(types.RoleRouter, "factual_lookup")

	events := h.ask(question)
	last := requireWellFormed(t, events)
	assert.Equal(t, models.EventError, last.Kind)
	assert.Equal(t, models.ErrorKindUnavailable, last.ErrorKind)
	assert.NotContains(t, last.Message, "10.0.0.7")
	assert.NotContains(t, testutil.Kinds(events), models.EventToken)
}

func TestAsk_EmptyQuery(t *testing.T) {
	h := newHarness(t, nil)
	events := h.ask("   ")

	require.Len(t, events, 1)
	assert.Equal(t, models.EventError, events[0].Kind)
	assert.Equal(t, models.ErrorKindInvalidQuery, events[0].ErrorKind)
	assert.Empty(t, h.inv.Calls)
}

func TestAsk_CollaborativeDegraded(t *testing.T) {
	h := newHarness(t, []models.Chunk{paperX})
	h.inv.Reply(types.RoleRouter, "comparative_analysis").
		Reply(types.RoleResearcher, `{"claim": "Paper X contributes a sparse attention kernel.", "chunk_ids": ["doc1-p3-c2"]}`).
		Reply(types.RoleAnalyst, "SUPPORTED").
		Reply(types.RoleEditor, "Paper X builds on [doc7-p2-c1]. Its kernel is sparse [doc1-p3-c2].")

	events := h.ask("Compare paper X with earlier attention kernels")
	last := requireWellFormed(t, events)
	assert.Equal(t, models.EventDone, last.Kind, "an unverifiable citation degrades but does not fail")

	kinds := testutil.Kinds(events)
	assert.Contains(t, kinds, models.EventStageStart)
	assert.Contains(t, kinds, models.EventDegraded)
	assert.Equal(t, "Paper X builds on [doc7-p2-c1]. Its kernel is sparse [doc1-p3-c2].", testutil.Text(events))
}

func TestAsk_RoutingFallback(t *testing.T) {
	h := newHarness(t, []models.Chunk{paperX})
	h.inv.Reply(types.RoleRouter, "no idea").
		Reply(types.RoleResearcher, `{"claim": "Paper X contributes a sparse attention kernel.", "chunk_ids": ["doc1-p3-c2"]}`).
		Reply(types.RoleAnalyst, "SUPPORTED").
		Reply(types.RoleEditor, "Paper X contributes a sparse attention kernel [doc1-p3-c2].")

	events := h.ask(question)
	last := requireWellFormed(t, events)
	assert.Equal(t, models.EventDone, last.Kind)
	assert.Equal(t, models.StageStart(pipeline.StageResearch), events[0])
	assert.NotContains(t, testutil.Kinds(events), models.EventError)
}

func TestAsk_PipelineFailure(t *testing.T) {
	h := newHarness(t, []models.Chunk{paperX})
	h.inv.Reply(types.RoleRouter, "open_ended_synthesis").
		On(types.RoleResearcher, func(ctx context.Context, prompt string) (string, error) {
			return "", retry.Permanent(errors.New("400 bad request: schema"))
		})

	events := h.ask("Why does sparse attention work?")
	last := requireWellFormed(t, events)
	assert.Equal(t, models.EventError, last.Kind)
	assert.Equal(t, models.ErrorKindFailed, last.ErrorKind)
	assert.Contains(t, last.Message, pipeline.StageResearch)
	assert.NotContains(t, last.Message, "schema")
}

func TestAsk_Cancel(t *testing.T) {
	h := newHarness(t, []models.Chunk{paperX})
	h.inv.Reply(types.RoleRouter, "open_ended_synthesis").
		Reply(types.RoleResearcher, `{"claim": "Paper X contributes a sparse attention kernel.", "chunk_ids": ["doc1-p3-c2"]}`).
		Reply(types.RoleAnalyst, "SUPPORTED").
		On(types.RoleEditor, func(ctx context.Context, prompt string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.asst.Ask(ctx, models.NewQuery("Why does sparse attention work?", nil))

	var seen []models.StreamEvent
	for ev := range events {
		seen = append(seen, ev)
		if ev.Kind == models.EventStageStart && ev.Stage == pipeline.StageEdit {
			cancel()
		}
	}

	last := requireWellFormed(t, seen)
	assert.Equal(t, models.ErrorKindCancelled, last.ErrorKind)
	assert.NotContains(t, testutil.Kinds(seen), models.EventToken)
}

func TestAsk_ConcurrentQueries(t *testing.T) {
	h := newHarness(t, []models.Chunk{paperX})
	h.inv.Reply(types.RoleRouter, "factual_lookup")

	var wg sync.WaitGroup
	results := make([][]models.StreamEvent, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.ask(question)
		}(i)
	}
	wg.Wait()

	for _, events := range results {
		last := requireWellFormed(t, events)
		assert.Equal(t, models.EventDone, last.Kind)
		assert.Equal(t, testutil.Text(results[0]), testutil.Text(events))
	}
}

func TestResolve(t *testing.T) {
	h := newHarness(t, []models.Chunk{paperX})

	c, err := h.asst.Resolve(context.Background(), "doc1-p3-c2")
	require.NoError(t, err)
	assert.Equal(t, paperX.Text, c.Text)

	_, err = h.asst.Resolve(context.Background(), "doc9-p9-c9")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestFeedback(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.csv")
	h := newHarness(t, nil, func(_ *evidence.Config, a *assistant.Config) {
		a.Feedback = feedback.New(feedback.Config{Path: path})
	})

	require.NoError(t, h.asst.Feedback(context.Background(), models.Feedback{QueryID: "q1", Verdict: models.VerdictUp}))
	assert.FileExists(t, path)
	assert.ErrorIs(t, h.asst.Feedback(context.Background(), models.Feedback{QueryID: "q1", Verdict: "sideways"}), feedback.ErrInvalid)
}
