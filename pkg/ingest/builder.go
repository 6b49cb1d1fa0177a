package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/processor"
)

var ErrNoGrobid = errors.New("PDF input needs a GROBID server")

// Progress is reported once per input file.
type Progress struct {
	Path    string
	Source  string
	Chunks  int
	Done    int
	Total   int
	Skipped bool
	Err     error
}

type BuilderConfig struct {
	Store     types.VectorStore
	Embedder  types.Embedder
	Processor *processor.Processor
	// Grobid converts PDFs. Without it PDF inputs fail with ErrNoGrobid.
	Grobid     *GrobidClient
	BatchSize  int
	Force      bool
	OnProgress func(Progress)
	Logger     *zap.Logger
}

// Report summarises one Build call.
type Report struct {
	Indexed int
	Skipped int
	Failed  int
	Chunks  int
}

// Builder is the external index builder: the only writer of the store.
type Builder struct {
	config BuilderConfig
	logger *zap.Logger
}

func NewBuilder(config BuilderConfig) (*Builder, error) {
	if config.Store == nil {
		return nil, errors.New("ingest: store is required")
	}
	if config.Embedder == nil {
		return nil, errors.New("ingest: embedder is required")
	}
	if config.Processor == nil {
		p := processor.NewWithConfig(processor.ProcessorConfig{})
		config.Processor = &p
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 64
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{config: config, logger: logger}, nil
}

// Build indexes every supported file under paths. Sources already in the
// store are skipped unless Force is set. A file that fails is logged and
// counted; only cancellation or a store listing failure abort the build.
func (b *Builder) Build(ctx context.Context, paths []string) (Report, error) {
	files, err := Collect(paths)
	if err != nil {
		return Report{}, err
	}

	indexed := make(map[string]struct{})
	if !b.config.Force {
		sources, err := b.config.Store.IndexedSources(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("list indexed sources: %w", err)
		}
		for _, s := range sources {
			indexed[s] = struct{}{}
		}
	}

	var rep Report
	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		p := Progress{Path: path, Done: i + 1, Total: len(files)}

		rec, err := b.load(ctx, path, indexed)
		switch {
		case errors.Is(err, errSkip):
			p.Skipped = true
			rep.Skipped++
		case err != nil:
			p.Err = err
			rep.Failed++
			b.logger.Error("Failed to load document", zap.String("path", path), zap.Error(err))
		default:
			p.Source = rec.SourceFilename
			n, err := b.index(ctx, rec)
			if err != nil {
				if ctx.Err() != nil {
					return rep, ctx.Err()
				}
				p.Err = err
				rep.Failed++
				b.logger.Error("Failed to index document", zap.String("path", path), zap.Error(err))
				break
			}
			p.Chunks = n
			rep.Indexed++
			rep.Chunks += n
			indexed[rec.SourceFilename] = struct{}{}
		}

		if b.config.OnProgress != nil {
			b.config.OnProgress(p)
		}
	}

	b.logger.Info("Index build finished",
		zap.Int("files", len(files)),
		zap.Int("indexed", rep.Indexed),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Int("chunks", rep.Chunks))
	return rep, nil
}

// IndexFile (re)indexes one file regardless of what the store holds.
func (b *Builder) IndexFile(ctx context.Context, path string) (int, error) {
	rec, err := b.load(ctx, path, nil)
	if err != nil {
		return 0, err
	}
	return b.index(ctx, rec)
}

var errSkip = errors.New("already indexed")

func (b *Builder) load(ctx context.Context, path string, indexed map[string]struct{}) (models.Record, error) {
	known := func(source string) bool {
		_, ok := indexed[source]
		return ok
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		rec, err := LoadRecord(path)
		if err != nil {
			return models.Record{}, err
		}
		if known(rec.SourceFilename) {
			return models.Record{}, errSkip
		}
		return rec, nil

	case ".xml":
		source := filepath.Base(path)
		if known(source) {
			return models.Record{}, errSkip
		}
		f, err := os.Open(path)
		if err != nil {
			return models.Record{}, err
		}
		defer f.Close()
		return ParseTEI(f, source, b.config.Processor)

	case ".pdf":
		source := filepath.Base(path)
		if known(source) {
			return models.Record{}, errSkip
		}
		if b.config.Grobid == nil {
			return models.Record{}, ErrNoGrobid
		}
		tei, err := b.config.Grobid.Convert(ctx, path)
		if err != nil {
			return models.Record{}, fmt.Errorf("convert %s: %w", source, err)
		}
		return ParseTEI(bytes.NewReader(tei), source, b.config.Processor)

	default:
		return models.Record{}, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

func (b *Builder) index(ctx context.Context, rec models.Record) (int, error) {
	chunks := rec.ToChunks()
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%s has no chunks", rec.SourceFilename)
	}

	for start := 0; start < len(chunks); start += b.config.BatchSize {
		end := min(start+b.config.BatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vecs, err := b.config.Embedder.CreateEmbedding(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed %s: %w", rec.SourceFilename, err)
		}
		if err := b.config.Store.Upsert(ctx, batch, vecs); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", rec.SourceFilename, err)
		}
	}

	b.logger.Debug("Indexed document",
		zap.String("source", rec.SourceFilename),
		zap.Int("chunks", len(chunks)))
	return len(chunks), nil
}
