package feedback

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xhad/nexus/internal/models"
)

func fixedNow() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func TestRecord_WritesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "feedback.csv")
	r := New(Config{Path: path, Now: fixedNow})

	require.NoError(t, r.Record(context.Background(), models.Feedback{
		QueryID: "q1", Verdict: models.VerdictUp, Query: "What is X?", Response: "X is, in short, Y [c1].",
	}))
	require.NoError(t, r.Record(context.Background(), models.Feedback{
		QueryID: "q2", Verdict: models.VerdictDown, Comment: "wrong paper",
	}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, rows, 3)
	assert.Equal(t, header, rows[0])
	assert.Equal(t, []string{"2024-05-01T12:00:00Z", "q1", "up", "What is X?", "X is, in short, Y [c1].", ""}, rows[1])
	assert.Equal(t, "wrong paper", rows[2][5])
}

func TestRecord_Invalid(t *testing.T) {
	r := New(Config{})
	tests := []models.Feedback{
		{Verdict: models.VerdictUp},
		{QueryID: "q1", Verdict: "meh"},
	}
	for _, fb := range tests {
		assert.ErrorIs(t, r.Record(context.Background(), fb), ErrInvalid)
	}
}

func TestRecord_LogsWithoutPath(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := New(Config{Logger: zap.New(core)})

	require.NoError(t, r.Record(context.Background(), models.Feedback{QueryID: "q1", Verdict: models.VerdictDown}))

	entries := logs.FilterMessage("Feedback received").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "q1", entries[0].ContextMap()["query_id"])
	assert.Equal(t, "down", entries[0].ContextMap()["verdict"])
}

func TestRecord_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.csv")
	r := New(Config{Path: path})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Record(context.Background(), models.Feedback{
				QueryID: fmt.Sprintf("q%d", i), Verdict: models.VerdictUp,
			}))
		}(i)
	}
	wg.Wait()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, rows, 21)
}
