package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/assistant"
	"github.com/xhad/nexus/pkg/config"
	"github.com/xhad/nexus/pkg/evidence"
	"github.com/xhad/nexus/pkg/feedback"
	"github.com/xhad/nexus/pkg/llm"
	"github.com/xhad/nexus/pkg/pipeline"
	"github.com/xhad/nexus/pkg/processor"
	"github.com/xhad/nexus/pkg/retry"
	"github.com/xhad/nexus/pkg/router"
	"github.com/xhad/nexus/pkg/store"
	"github.com/xhad/nexus/pkg/tools"
)

func retryPolicy(c config.RetryConfig, logger *zap.Logger) retry.Policy {
	return retry.Policy{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay,
		MaxDelay:    c.MaxDelay,
		Jitter:      c.Jitter,
		CallTimeout: c.CallTimeout,
		Logger:      logger,
	}
}

func openStore(ctx context.Context, c *config.Config) (types.VectorStore, error) {
	switch c.Database.Type {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		vs, err := store.NewWithConfig(ctx, store.VectorStoreConfig{
			ConnString: c.Database.URL,
			TableName:  c.Database.TableName,
			VectorDim:  c.Database.VectorDim,
			BatchSize:  c.Database.BatchSize,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vector store: %w", err)
		}
		return vs, nil
	}
}

func newEmbedder(c *config.Config) (types.Embedder, error) {
	if c.Embedder.Type == "hash" {
		return llm.NewHashEmbedder(c.Database.VectorDim), nil
	}
	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Model:   c.Embedder.Model,
		BaseURL: c.Embedder.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return emb, nil
}

func newProcessor(c *config.Config) processor.Processor {
	return processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:       c.Processor.ChunkSize,
		ChunkOverlap:    c.Processor.ChunkOverlap,
		MinChunkLength:  c.Processor.MinChunkLength,
		RemoveStopwords: c.Processor.RemoveStopwords,
		Lowercase:       c.Processor.Lowercase,
	})
}

// buildAssistant wires the query path. The returned close func releases the store.
func buildAssistant(ctx context.Context, c *config.Config, logger *zap.Logger) (*assistant.Assistant, func(), error) {
	vs, err := openStore(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	closeStore := vs.Close

	fail := func(err error) (*assistant.Assistant, func(), error) {
		closeStore()
		return nil, nil, err
	}

	embedder, err := newEmbedder(c)
	if err != nil {
		return fail(err)
	}

	policy := retryPolicy(c.Retry, logger)

	prompts := make(map[types.Role]string, len(c.Prompts))
	for role, prompt := range c.Prompts {
		prompts[types.Role(role)] = prompt
	}
	chatPolicy := policy
	if c.LLM.Timeout > 0 {
		chatPolicy.CallTimeout = c.LLM.Timeout
	}
	chatEngine, err := llm.NewWithConfig(llm.ChatConfig{
		Provider:    c.LLM.Provider,
		Model:       c.LLM.Model,
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
		BaseURL:     c.LLM.BaseURL,
		APIKey:      c.LLM.APIKey,
		RateLimit:   c.LLM.RateLimit,
		Burst:       c.LLM.Burst,
		Prompts:     prompts,
		Retry:       chatPolicy,
		Logger:      logger,
	})
	if err != nil {
		return fail(fmt.Errorf("failed to initialize chat engine: %w", err))
	}

	adapter, err := evidence.New(evidence.Config{
		Store:    vs,
		Embedder: embedder,
		Retry:    policy,
		MinScore: c.Retrieval.MinScore,
		Logger:   logger,
	})
	if err != nil {
		return fail(err)
	}

	var classifier router.Classifier = router.LLMClassifier{Invoker: chatEngine}
	if c.Router.Mode == "rules" {
		classifier = router.NewRuleClassifier()
	}

	pipe, err := pipeline.New(pipeline.Config{
		Invoker:            chatEngine,
		AnalystMode:        c.Pipeline.AnalystMode,
		OverlapThreshold:   c.Pipeline.OverlapThreshold,
		MaxResearchQueries: c.Pipeline.MaxResearchQueries,
		TopK:               c.Pipeline.ResearchTopK,
		Logger:             logger,
	})
	if err != nil {
		return fail(err)
	}

	a, err := assistant.New(assistant.Config{
		Router:       router.New(classifier, logger),
		Tools:        tools.NewRegistry(c.Retrieval.TopK),
		Pipeline:     pipe,
		Evidence:     adapter,
		Feedback:     feedback.New(feedback.Config{Path: c.Feedback.Path, Logger: logger}),
		TopK:         c.Retrieval.TopK,
		StreamBuffer: c.Stream.Buffer,
		DrainGrace:   c.Stream.DrainGrace,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}
	return a, closeStore, nil
}
