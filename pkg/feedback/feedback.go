// Package feedback accepts thumbs up/down verdicts on answers.
package feedback

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
)

var ErrInvalid = errors.New("invalid feedback")

var header = []string{"timestamp", "query_id", "verdict", "query", "response", "comment"}

type Config struct {
	// Path of the CSV log. Empty disables the file and only logs.
	Path   string
	Logger *zap.Logger
	Now    func() time.Time
}

// Recorder logs feedback and appends it to a CSV file. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
	now    func() time.Time
}

func New(config Config) *Recorder {
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Recorder{path: config.Path, logger: logger, now: now}
}

func (r *Recorder) Record(ctx context.Context, fb models.Feedback) error {
	if fb.QueryID == "" {
		return fmt.Errorf("%w: query_id is required", ErrInvalid)
	}
	if fb.Verdict != models.VerdictUp && fb.Verdict != models.VerdictDown {
		return fmt.Errorf("%w: verdict must be %q or %q, got %q", ErrInvalid, models.VerdictUp, models.VerdictDown, fb.Verdict)
	}
	if fb.At.IsZero() {
		fb.At = r.now()
	}

	r.logger.Info("Feedback received",
		zap.String("query_id", fb.QueryID),
		zap.String("verdict", string(fb.Verdict)),
		zap.String("comment", fb.Comment))

	if r.path == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendRow(fb)
}

func (r *Recorder) appendRow(fb models.Feedback) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create feedback dir: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open feedback log: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat feedback log: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write feedback header: %w", err)
		}
	}
	row := []string{
		fb.At.UTC().Format(time.RFC3339),
		fb.QueryID,
		string(fb.Verdict),
		fb.Query,
		fb.Response,
		fb.Comment,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write feedback: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush feedback: %w", err)
	}
	return nil
}
