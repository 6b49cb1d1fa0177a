package store

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	BatchSize  int
}

// VectorStore keeps chunks and their embeddings in Postgres with pgvector.
type VectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
}

func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*VectorStore, error) {
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if config.VectorDim == 0 {
		config.VectorDim = 768
	}
	if config.BatchSize == 0 {
		config.BatchSize = 64
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	vs := &VectorStore{
		config: config,
		pool:   pool,
	}

	if err := vs.initialize(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

func (vs *VectorStore) initialize(ctx context.Context) error {
	// Enable pgvector extension
	_, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector")
	if err != nil {
		return fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			source_document_id TEXT NOT NULL,
			page_start INTEGER NOT NULL DEFAULT 0,
			page_end INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			summary TEXT,
			entities TEXT[],
			embedding vector(%d)
		)`, vs.config.TableName, vs.config.VectorDim)

	_, err = vs.pool.Exec(ctx, createTable)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`,
		vs.config.TableName, vs.config.TableName)

	_, err = vs.pool.Exec(ctx, createIndex)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	createSourceIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_source_idx ON %s (source_document_id)`,
		vs.config.TableName, vs.config.TableName)

	_, err = vs.pool.Exec(ctx, createSourceIndex)
	if err != nil {
		return fmt.Errorf("failed to create source index: %w", err)
	}

	return nil
}

// Upsert writes chunks with their embeddings in one transaction per batch.
func (vs *VectorStore) Upsert(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) error {
	if len(chunks) != len(embeddings) {
		return fmt.Errorf("got %d chunks but %d embeddings", len(chunks), len(embeddings))
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (id, source_document_id, page_start, page_end, content, summary, entities, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			source_document_id = EXCLUDED.source_document_id,
			page_start = EXCLUDED.page_start,
			page_end = EXCLUDED.page_end,
			content = EXCLUDED.content,
			summary = EXCLUDED.summary,
			entities = EXCLUDED.entities,
			embedding = EXCLUDED.embedding`,
		vs.config.TableName)

	for start := 0; start < len(chunks); start += vs.config.BatchSize {
		end := start + vs.config.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}

		batch := &pgx.Batch{}
		for i := start; i < end; i++ {
			c := chunks[i]
			if len(embeddings[i]) != vs.config.VectorDim {
				return fmt.Errorf("chunk %s: embedding has %d dimensions, table expects %d",
					c.ID, len(embeddings[i]), vs.config.VectorDim)
			}
			batch.Queue(stmt,
				c.ID,
				sanitizeUTF8(c.SourceDocumentID),
				c.Pages.Start,
				c.Pages.End,
				sanitizeUTF8(c.Text),
				sanitizeUTF8(c.Summary),
				c.Entities,
				pgvector.NewVector(embeddings[i]),
			)
		}

		if err := pgx.BeginFunc(ctx, vs.pool, func(tx pgx.Tx) error {
			return tx.SendBatch(ctx, batch).Close()
		}); err != nil {
			return fmt.Errorf("failed to upsert chunks: %w", err)
		}
	}

	return nil
}

// Search returns the nearest chunks by cosine distance, scored as 1 - distance.
func (vs *VectorStore) Search(ctx context.Context, embedding []float32, limit int) ([]models.ScoredChunk, error) {
	if limit <= 0 {
		limit = 5
	}

	query := fmt.Sprintf(`
		SELECT id, source_document_id, page_start, page_end, content, COALESCE(summary, ''), entities,
			1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`,
		vs.config.TableName)

	rows, err := vs.pool.Query(ctx, query, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var results []models.ScoredChunk
	for rows.Next() {
		var sc models.ScoredChunk
		if err := rows.Scan(
			&sc.ID,
			&sc.SourceDocumentID,
			&sc.Pages.Start,
			&sc.Pages.End,
			&sc.Text,
			&sc.Summary,
			&sc.Entities,
			&sc.Score,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}

	return results, nil
}

func (vs *VectorStore) Get(ctx context.Context, id string) (models.Chunk, error) {
	query := fmt.Sprintf(`
		SELECT id, source_document_id, page_start, page_end, content, COALESCE(summary, ''), entities
		FROM %s WHERE id = $1`,
		vs.config.TableName)

	var c models.Chunk
	err := vs.pool.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.SourceDocumentID,
		&c.Pages.Start,
		&c.Pages.End,
		&c.Text,
		&c.Summary,
		&c.Entities,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Chunk{}, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if err != nil {
		return models.Chunk{}, fmt.Errorf("failed to get chunk %s: %w", id, err)
	}
	return c, nil
}

// IndexedSources lists every source document already present.
func (vs *VectorStore) IndexedSources(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT DISTINCT source_document_id FROM %s`, vs.config.TableName)

	rows, err := vs.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	sources, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	return sources, nil
}

func (vs *VectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func sanitizeUTF8(s string) string {
	if !utf8.ValidString(s) {
		v := make([]rune, 0, len(s))
		for i, r := range s {
			if r == utf8.RuneError {
				_, size := utf8.DecodeRuneInString(s[i:])
				if size == 1 {
					continue
				}
			}
			v = append(v, r)
		}
		return string(v)
	}
	return s
}
