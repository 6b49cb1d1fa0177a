package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM       LLMConfig         `yaml:"llm"`
	Embedder  EmbedderConfig    `yaml:"embedder"`
	Database  DatabaseConfig    `yaml:"database"`
	Retrieval RetrievalConfig   `yaml:"retrieval"`
	Retry     RetryConfig       `yaml:"retry"`
	Router    RouterConfig      `yaml:"router"`
	Pipeline  PipelineConfig    `yaml:"pipeline"`
	Stream    StreamConfig      `yaml:"stream"`
	Server    ServerConfig      `yaml:"server"`
	Feedback  FeedbackConfig    `yaml:"feedback"`
	Processor ProcessorConfig   `yaml:"processor"`
	Ingest    IngestConfig      `yaml:"ingest"`
	Logging   LoggingConfig     `yaml:"logging"`
	Prompts   map[string]string `yaml:"prompts" validate:"dive,keys,oneof=router researcher analyst editor,endkeys,required"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider" validate:"oneof=ollama openai"`
	BaseURL     string        `yaml:"base_url" validate:"required,url"`
	Model       string        `yaml:"model" validate:"required"`
	APIKey      string        `yaml:"api_key"`
	MaxTokens   int           `yaml:"max_tokens" validate:"min=1,max=8192"`
	Temperature float64       `yaml:"temperature" validate:"min=0,max=2"`
	Timeout     time.Duration `yaml:"timeout" validate:"min=0"`
	RateLimit   float64       `yaml:"rate_limit" validate:"min=0"`
	Burst       int           `yaml:"burst" validate:"min=0"`
}

type EmbedderConfig struct {
	Type    string `yaml:"type" validate:"oneof=ollama hash"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`
}

type DatabaseConfig struct {
	Type      string `yaml:"type" validate:"oneof=pgvector memory"`
	URL       string `yaml:"url" validate:"required_if=Type pgvector"`
	TableName string `yaml:"table_name" validate:"required"`
	VectorDim int    `yaml:"vector_dim" validate:"min=1"`
	BatchSize int    `yaml:"batch_size" validate:"min=1"`
}

type RetrievalConfig struct {
	TopK     int     `yaml:"top_k" validate:"min=1,max=100"`
	MinScore float64 `yaml:"min_score" validate:"min=0,max=1"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"min=1,max=10"`
	BaseDelay   time.Duration `yaml:"base_delay" validate:"min=0"`
	MaxDelay    time.Duration `yaml:"max_delay" validate:"min=0"`
	Jitter      float64       `yaml:"jitter" validate:"min=0,max=1"`
	CallTimeout time.Duration `yaml:"call_timeout" validate:"min=0"`
}

type RouterConfig struct {
	Mode string `yaml:"mode" validate:"oneof=llm rules"`
}

type PipelineConfig struct {
	AnalystMode        string  `yaml:"analyst_mode" validate:"oneof=llm overlap"`
	OverlapThreshold   float64 `yaml:"overlap_threshold" validate:"min=0,max=1"`
	MaxResearchQueries int     `yaml:"max_research_queries" validate:"min=1,max=10"`
	ResearchTopK       int     `yaml:"research_top_k" validate:"min=1,max=100"`
}

type StreamConfig struct {
	Buffer     int           `yaml:"buffer" validate:"min=0,max=1024"`
	DrainGrace time.Duration `yaml:"drain_grace" validate:"min=0"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type FeedbackConfig struct {
	Path string `yaml:"path"`
}

type ProcessorConfig struct {
	ChunkSize       int  `yaml:"chunk_size" validate:"min=1"`
	ChunkOverlap    int  `yaml:"chunk_overlap" validate:"min=0"`
	MinChunkLength  int  `yaml:"min_chunk_length" validate:"min=0"`
	RemoveStopwords bool `yaml:"remove_stopwords"`
	Lowercase       bool `yaml:"lowercase"`
}

type IngestConfig struct {
	GrobidURL     string        `yaml:"grobid_url" validate:"omitempty,url"`
	RateLimit     float64       `yaml:"rate_limit" validate:"min=0"`
	WatchDebounce time.Duration `yaml:"watch_debounce" validate:"min=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"nexus.yaml",
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/nexus/config.yaml"),
			"/etc/nexus/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	mergeWithEnv(config)
	applyDefaults(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Provider == "" {
		config.LLM.Provider = "ollama"
	}
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2048
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.2
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}
	if config.LLM.Timeout == 0 {
		config.LLM.Timeout = 300 * time.Second
	}
	if config.LLM.Burst == 0 {
		config.LLM.Burst = 4
	}

	if config.Embedder.Type == "" {
		config.Embedder.Type = "ollama"
	}
	if config.Embedder.Model == "" {
		config.Embedder.Model = "nomic-embed-text:latest"
	}
	if config.Embedder.BaseURL == "" && config.Embedder.Type == "ollama" {
		config.Embedder.BaseURL = config.LLM.BaseURL
	}

	if config.Database.Type == "" {
		config.Database.Type = "pgvector"
	}
	if config.Database.TableName == "" {
		config.Database.TableName = "chunks"
	}
	if config.Database.VectorDim == 0 {
		config.Database.VectorDim = 768
	}
	if config.Database.BatchSize == 0 {
		config.Database.BatchSize = 64
	}

	if config.Retrieval.TopK == 0 {
		config.Retrieval.TopK = 5
	}

	if config.Retry.MaxAttempts == 0 {
		config.Retry.MaxAttempts = 3
	}
	if config.Retry.BaseDelay == 0 {
		config.Retry.BaseDelay = 500 * time.Millisecond
	}
	if config.Retry.MaxDelay == 0 {
		config.Retry.MaxDelay = 8 * time.Second
	}
	if config.Retry.Jitter == 0 {
		config.Retry.Jitter = 0.2
	}
	if config.Retry.CallTimeout == 0 {
		config.Retry.CallTimeout = 30 * time.Second
	}

	if config.Router.Mode == "" {
		config.Router.Mode = "llm"
	}

	if config.Pipeline.AnalystMode == "" {
		config.Pipeline.AnalystMode = "llm"
	}
	if config.Pipeline.OverlapThreshold == 0 {
		config.Pipeline.OverlapThreshold = 0.15
	}
	if config.Pipeline.MaxResearchQueries == 0 {
		config.Pipeline.MaxResearchQueries = 4
	}
	if config.Pipeline.ResearchTopK == 0 {
		config.Pipeline.ResearchTopK = config.Retrieval.TopK
	}

	if config.Stream.DrainGrace == 0 {
		config.Stream.DrainGrace = time.Second
	}

	if config.Server.Addr == "" {
		config.Server.Addr = ":8080"
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 512
	}
	if config.Processor.ChunkOverlap == 0 {
		config.Processor.ChunkOverlap = 100
	}

	if config.Ingest.RateLimit == 0 {
		config.Ingest.RateLimit = 1
	}
	if config.Ingest.WatchDebounce == 0 {
		config.Ingest.WatchDebounce = 2 * time.Second
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "console"
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.LLM.APIKey = key
	}
	if provider := os.Getenv("NEXUS_LLM_PROVIDER"); provider != "" {
		config.LLM.Provider = provider
	}
	if model := os.Getenv("NEXUS_LLM_MODEL"); model != "" {
		config.LLM.Model = model
	}
	if grobid := os.Getenv("GROBID_URL"); grobid != "" {
		config.Ingest.GrobidURL = grobid
	}
	if addr := os.Getenv("NEXUS_SERVER_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if port := os.Getenv("PORT"); port != "" && config.Server.Addr == "" {
		if _, err := strconv.Atoi(port); err == nil {
			config.Server.Addr = ":" + port
		}
	}
}
