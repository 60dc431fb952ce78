package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	alias   string // conventional variable honoured when env is unset
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "PDFCHAT_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "PDFCHAT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "PDFCHAT_SERVER_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "server.max_conns", typ: kInt, env: "PDFCHAT_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "server.shutdown_timeout", typ: kDuration, env: "PDFCHAT_SERVER_SHUTDOWN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Server.ShutdownTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Server.ShutdownTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PDFCHAT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "ingest.max_pages", typ: kInt, env: "PDFCHAT_INGEST_MAX_PAGES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxPages = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxPages },
	},
	{
		key: "ingest.chunk_size", typ: kInt, env: "PDFCHAT_INGEST_CHUNK_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkSize },
	},
	{
		key: "ingest.chunk_overlap", typ: kInt, env: "PDFCHAT_INGEST_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Ingest.ChunkOverlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.ChunkOverlap },
	},
	{
		key: "ingest.max_upload_bytes", typ: kInt, env: "PDFCHAT_INGEST_MAX_UPLOAD_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxUploadBytes = int64(v.(int)) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxUploadBytes },
	},
	{
		key: "ingest.workers", typ: kInt, env: "PDFCHAT_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "ingest.job_retention", typ: kDuration, env: "PDFCHAT_INGEST_JOB_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Ingest.JobRetention = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ingest.JobRetention },
	},
	{
		key: "retrieval.fetch_k", typ: kInt, env: "PDFCHAT_RETRIEVAL_FETCH_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.FetchK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.FetchK },
	},
	{
		key: "retrieval.top_n", typ: kInt, env: "PDFCHAT_RETRIEVAL_TOP_N",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopN = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopN },
	},
	{
		key: "retrieval.snippet_chars", typ: kInt, env: "PDFCHAT_RETRIEVAL_SNIPPET_CHARS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SnippetChars = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.SnippetChars },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "PDFCHAT_RETRIEVAL_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "retrieval.history_turns", typ: kInt, env: "PDFCHAT_RETRIEVAL_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.HistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.HistoryTurns },
	},
	{
		key: "qdrant.url", typ: kString, env: "PDFCHAT_QDRANT_URL", alias: "QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.URL },
	},
	{
		key: "qdrant.api_key", typ: kString, env: "PDFCHAT_QDRANT_API_KEY", alias: "QDRANT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Qdrant.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Qdrant.APIKey },
	},
	{
		key: "qdrant.vector_size", typ: kInt, env: "PDFCHAT_QDRANT_VECTOR_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.VectorSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Qdrant.VectorSize },
	},
	{
		key: "qdrant.timeout", typ: kDuration, env: "PDFCHAT_QDRANT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Qdrant.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Qdrant.Timeout },
	},
	{
		key: "openai.api_key", typ: kString, env: "PDFCHAT_OPENAI_API_KEY", alias: "OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.base_url", typ: kString, env: "PDFCHAT_OPENAI_BASE_URL", alias: "OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.BaseURL },
	},
	{
		key: "openai.chat_model", typ: kString, env: "PDFCHAT_OPENAI_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.ChatModel },
	},
	{
		key: "openai.embedding_model", typ: kString, env: "PDFCHAT_OPENAI_EMBEDDING_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbeddingModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbeddingModel },
	},
	{
		key: "notify.timeout", typ: kDuration, env: "PDFCHAT_NOTIFY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Notify.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Notify.Timeout },
	},
	{
		key: "notify.heartbeat", typ: kDuration, env: "PDFCHAT_NOTIFY_HEARTBEAT",
		apply:   func(cfg *Config, v any) { cfg.Notify.Heartbeat = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Notify.Heartbeat },
	},
	{
		key: "log.level", typ: kString, env: "PDFCHAT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func lookupEnv(s keySpec) (name, raw string) {
	if raw := os.Getenv(s.env); raw != "" {
		return s.env, raw
	}
	if s.alias != "" {
		if raw := os.Getenv(s.alias); raw != "" {
			return s.alias, raw
		}
	}
	return "", ""
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		name, raw := lookupEnv(s)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, d)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", name, raw, err)
			}
		}
	}
}
