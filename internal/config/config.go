package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Notify    NotifyConfig    `yaml:"notify"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Token           string        `yaml:"token"`
	MaxConns        int           `yaml:"max_conns"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type IngestConfig struct {
	MaxPages       int           `yaml:"max_pages"`
	ChunkSize      int           `yaml:"chunk_size"`
	ChunkOverlap   int           `yaml:"chunk_overlap"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	Workers        int           `yaml:"workers"`
	JobRetention   time.Duration `yaml:"job_retention"`
}

type RetrievalConfig struct {
	FetchK           int `yaml:"fetch_k"`
	TopN             int `yaml:"top_n"`
	SnippetChars     int `yaml:"snippet_chars"`
	MaxContextTokens int `yaml:"max_context_tokens"`
	HistoryTurns     int `yaml:"history_turns"`
}

// QdrantConfig configures the durable vector backend. An empty URL means
// no durable backend; every handle is then served from memory.
type QdrantConfig struct {
	URL        string        `yaml:"url"`
	APIKey     string        `yaml:"api_key"`
	VectorSize int           `yaml:"vector_size"`
	Timeout    time.Duration `yaml:"timeout"`
}

type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

type NotifyConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            4100,
			MaxConns:        256,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ingest: IngestConfig{
			MaxPages:       20,
			ChunkSize:      1000,
			ChunkOverlap:   100,
			MaxUploadBytes: 25 << 20,
			Workers:        1,
			JobRetention:   time.Hour,
		},
		Retrieval: RetrievalConfig{
			FetchK:           8,
			TopN:             5,
			SnippetChars:     400,
			MaxContextTokens: 3000,
			HistoryTurns:     12,
		},
		Qdrant: QdrantConfig{
			VectorSize: 1536,
			Timeout:    10 * time.Second,
		},
		OpenAI: OpenAIConfig{
			ChatModel:      "gpt-4.1-mini",
			EmbeddingModel: "text-embedding-3-small",
		},
		Notify: NotifyConfig{
			Timeout:   60 * time.Second,
			Heartbeat: 15 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the YAML config file, a .env
// file in the working directory, and environment variables, in that order of
// increasing precedence.
//
// The config file is $PDFCHAT_CONFIG when set, otherwise
// $XDG_CONFIG_HOME/pdfchat/config.yaml. A missing file is not an error.
//
// API keys are not required here. Components that need them report
// apperr.ErrConfig when first used.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading .env: %w", err)
	}
	path := os.Getenv("PDFCHAT_CONFIG")
	if path == "" {
		path = configFilePath()
	}
	return loadFromPath(path)
}

func loadFromPath(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that would make the pipeline misbehave.
func (c Config) Validate() error {
	var errs []error
	if c.Ingest.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize))
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errs = append(errs, fmt.Errorf("ingest.chunk_overlap must be in [0, chunk_size), got %d", c.Ingest.ChunkOverlap))
	}
	if c.Ingest.Workers < 1 {
		errs = append(errs, fmt.Errorf("ingest.workers must be at least 1, got %d", c.Ingest.Workers))
	}
	if c.Retrieval.TopN < 1 || c.Retrieval.TopN > c.Retrieval.FetchK {
		errs = append(errs, fmt.Errorf("retrieval.top_n must be in [1, fetch_k], got %d (fetch_k %d)", c.Retrieval.TopN, c.Retrieval.FetchK))
	}
	if c.Notify.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("notify.timeout must be positive, got %s", c.Notify.Timeout))
	}
	return errors.Join(errs...)
}

// Addr returns the host:port the HTTP server listens on.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
