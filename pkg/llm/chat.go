package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xhad/nexus/internal/models"
	"github.com/xhad/nexus/internal/types"
	"github.com/xhad/nexus/pkg/retry"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Provider    string // "ollama" or "openai"
	Model       string
	Temperature float64
	MaxTokens   int
	BaseURL     string
	APIKey      string
	RateLimit   float64 // requests per second across all queries, 0 disables
	Burst       int
	Prompts     map[types.Role]string
	Retry       retry.Policy
	Logger      *zap.Logger
}

// ChatEngine is the process-wide language-model capability. It holds no
// per-query state and may be shared by concurrent queries.
type ChatEngine struct {
	config  ChatConfig
	llm     llms.Model
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewWithConfig creates a new ChatEngine with the given configuration.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	if config.Model == "" {
		config.Model = "mistral"
	}
	if config.BaseURL == "" && config.Provider != "openai" {
		config.BaseURL = "http://localhost:11434"
	}

	var (
		model llms.Model
		err   error
	)
	switch config.Provider {
	case "", "ollama":
		model, err = ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
	case "openai":
		opts := []openai.Option{openai.WithModel(config.Model), openai.WithToken(config.APIKey)}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		model, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", config.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return NewWithModel(model, config)
}

// NewWithModel wraps an already constructed langchaingo model.
func NewWithModel(model llms.Model, config ChatConfig) (*ChatEngine, error) {
	if model == nil {
		return nil, errors.New("nil model")
	}
	if config.Temperature < 0 || config.Temperature > 2 {
		return nil, fmt.Errorf("temperature must be between 0 and 2")
	}
	if config.MaxTokens < 0 {
		return nil, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2048
	}
	if config.Retry.MaxAttempts == 0 {
		config.Retry = retry.DefaultPolicy()
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.Burst
	if burst < 1 {
		burst = 1
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	config.Retry.Logger = logger

	return &ChatEngine{
		config:  config,
		llm:     model,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}, nil
}

// Invoke runs the model in the given role and returns the full completion.
func (ce *ChatEngine) Invoke(ctx context.Context, role types.Role, prompt string, history []models.Turn) (string, error) {
	return ce.generate(ctx, role, prompt, history, nil)
}

// Stream is Invoke with incremental delivery. Once a chunk has been handed to
// onChunk the call is no longer retried, so callers never see text twice.
func (ce *ChatEngine) Stream(ctx context.Context, role types.Role, prompt string, history []models.Turn,
	onChunk func(ctx context.Context, chunk string) error) (string, error) {
	return ce.generate(ctx, role, prompt, history, onChunk)
}

func (ce *ChatEngine) generate(ctx context.Context, role types.Role, prompt string, history []models.Turn,
	onChunk func(ctx context.Context, chunk string) error) (string, error) {
	content := ce.messages(role, prompt, history)

	var (
		out       string
		delivered bool
	)
	op := "llm." + string(role)
	err := ce.config.Retry.Do(ctx, op, func(ctx context.Context) error {
		if err := ce.limiter.Wait(ctx); err != nil {
			return err
		}

		opts := []llms.CallOption{
			llms.WithTemperature(ce.config.Temperature),
			llms.WithMaxTokens(ce.config.MaxTokens),
		}
		if onChunk != nil {
			opts = append(opts, llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				delivered = true
				return onChunk(ctx, string(chunk))
			}))
		}

		start := time.Now()
		resp, err := ce.llm.GenerateContent(ctx, content, opts...)
		if err != nil {
			err = classify(err)
			if delivered {
				return retry.Permanent(err)
			}
			return err
		}
		if resp == nil || len(resp.Choices) == 0 || resp.Choices[0] == nil {
			return retry.Permanent(errors.New("empty response from model"))
		}

		out = resp.Choices[0].Content
		ce.logger.Debug("Model call finished",
			zap.String("role", string(role)),
			zap.Duration("took", time.Since(start)),
			zap.Int("chars", len(out)))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (ce *ChatEngine) messages(role types.Role, prompt string, history []models.Turn) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(history)+2)
	content = append(content, llms.TextParts(llms.ChatMessageTypeSystem, ce.systemPrompt(role)))
	for _, turn := range history {
		msgType := llms.ChatMessageTypeHuman
		if turn.Role == models.RoleAssistant {
			msgType = llms.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(msgType, turn.Text))
	}
	content = append(content, llms.TextParts(llms.ChatMessageTypeHuman, prompt))
	return content
}

func (ce *ChatEngine) systemPrompt(role types.Role) string {
	if p, ok := ce.config.Prompts[role]; ok && p != "" {
		return p
	}
	return DefaultSystemPrompt(role)
}

// classify sorts provider errors into transient and permanent failures.
func classify(err error) error {
	if retry.IsTransient(err) || errors.Is(err, retry.ErrPermanent) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"401", "403", "unauthorized", "forbidden", "invalid api key", "400", "404", "not found"} {
		if strings.Contains(msg, s) {
			return retry.Permanent(err)
		}
	}
	for _, s := range []string{"connection refused", "connection reset", "eof", "timeout", "429", "rate limit",
		"500", "502", "503", "504", "unavailable", "overloaded"} {
		if strings.Contains(msg, s) {
			return retry.Transient(err)
		}
	}
	return retry.Permanent(err)
}
