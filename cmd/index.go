package main

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xhad/nexus/pkg/ingest"
)

var (
	indexForce  bool
	indexWatch  bool
	indexGrobid string
)

var indexCmd = &cobra.Command{
	Use:   "index [paths...]",
	Short: "Index processed records and PDFs into the evidence store",
	Long: `Index reads processed JSON records, GROBID TEI XML files and PDFs.
PDFs are converted through a GROBID server (--grobid or ingest.grobid_url).
Sources already in the store are skipped unless --force is given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVarP(&indexForce, "force", "f", false, "Re-index sources already in the store")
	indexCmd.Flags().BoolVarP(&indexWatch, "watch", "w", false, "Keep running and index files as they appear")
	indexCmd.Flags().StringVar(&indexGrobid, "grobid", "", "GROBID server URL for PDF conversion")
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	vs, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer vs.Close()

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return err
	}

	var grobid *ingest.GrobidClient
	grobidURL := cfg.Ingest.GrobidURL
	if indexGrobid != "" {
		grobidURL = indexGrobid
	}
	if grobidURL != "" {
		grobid, err = ingest.NewGrobidClient(ingest.GrobidConfig{
			BaseURL:   grobidURL,
			RateLimit: cfg.Ingest.RateLimit,
			Retry:     retryPolicy(cfg.Retry, logger),
		})
		if err != nil {
			return err
		}
		if err := grobid.Alive(ctx); err != nil {
			color.Yellow("GROBID at %s is not reachable, PDFs will fail: %v", grobidURL, err)
		}
	}

	files, err := ingest.Collect(args)
	if err != nil {
		return err
	}

	proc := newProcessor(cfg)
	bar := getProgressBar(len(files), "📚 Indexing documents...")
	builder, err := ingest.NewBuilder(ingest.BuilderConfig{
		Store:     vs,
		Embedder:  embedder,
		Processor: &proc,
		Grobid:    grobid,
		BatchSize: cfg.Database.BatchSize,
		Force:     indexForce,
		OnProgress: func(p ingest.Progress) {
			_ = bar.Add(1)
			if p.Err != nil {
				bar.Describe(color.RedString("📚 %s failed", filepath.Base(p.Path)))
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	color.Blue("\nIndexing %d files\n", len(files))
	rep, err := builder.Build(ctx, args)
	_ = bar.Finish()
	if err != nil {
		return err
	}
	color.Green("\n✓ Indexed %d files into %d chunks (%d skipped, %d failed)\n",
		rep.Indexed, rep.Chunks, rep.Skipped, rep.Failed)

	if !indexWatch {
		if rep.Failed > 0 {
			return fmt.Errorf("%d files failed to index", rep.Failed)
		}
		return nil
	}
	return watch(cmd, builder, args)
}

func watch(cmd *cobra.Command, builder *ingest.Builder, dirs []string) error {
	ctx := cmd.Context()

	w, err := ingest.NewWatcher(cfg.Ingest.WatchDebounce, logger)
	if err != nil {
		return err
	}
	defer w.Close()

	paths, err := w.Watch(ctx, dirs...)
	if err != nil {
		return err
	}

	color.Cyan("Watching %v for new documents (Ctrl+C to stop)", dirs)
	for path := range paths {
		n, err := builder.IndexFile(ctx, path)
		switch {
		case err == nil:
			color.Green("✓ %s: %d chunks", filepath.Base(path), n)
		case ctx.Err() != nil:
			return nil
		default:
			logger.Error("Failed to index file", zap.String("path", path), zap.Error(err))
			color.Red("✗ %s: %v", filepath.Base(path), err)
		}
	}
	return nil
}
