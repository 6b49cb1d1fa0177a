package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/xhad/nexus/pkg/retry"
)

type GrobidConfig struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Retry     retry.Policy
}

// GrobidClient converts PDFs to TEI through a GROBID server.
type GrobidClient struct {
	config  GrobidConfig
	client  *http.Client
	limiter *rate.Limiter
}

func NewGrobidClient(config GrobidConfig) (*GrobidClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("grobid: base URL is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 1
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
		config.Retry.CallTimeout = config.Timeout
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &GrobidClient{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
	}, nil
}

// Alive checks that the server answers.
func (g *GrobidClient) Alive(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.config.BaseURL+"/api/isalive", nil)
	if err != nil {
		return err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("grobid unreachable at %s: %w", g.config.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("grobid at %s answered %d", g.config.BaseURL, resp.StatusCode)
	}
	return nil
}

// Convert sends a PDF to processFulltextDocument and returns the TEI.
func (g *GrobidClient) Convert(ctx context.Context, pdfPath string) ([]byte, error) {
	pdf, err := os.ReadFile(pdfPath)
	if err != nil {
		return nil, err
	}

	var tei []byte
	err = g.config.Retry.Do(ctx, "grobid.convert", func(ctx context.Context) error {
		if err := g.limiter.Wait(ctx); err != nil {
			return err
		}
		var err error
		tei, err = g.post(ctx, filepath.Base(pdfPath), pdf)
		return err
	})
	return tei, err
}

func (g *GrobidClient) post(ctx context.Context, name string, pdf []byte) ([]byte, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("input", name)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(pdf); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		g.config.BaseURL+"/api/processFulltextDocument", &body)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, retry.Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Transient(err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return data, nil
	case resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode == http.StatusTooManyRequests:
		return nil, retry.Transient(fmt.Errorf("grobid busy: status %d", resp.StatusCode))
	default:
		return nil, retry.Permanent(fmt.Errorf("grobid returned status %d for %s: %s",
			resp.StatusCode, name, truncate(string(data), 200)))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
