package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PLOTFORGE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "backend.provider", typ: kString, env: "PLOTFORGE_BACKEND_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Backend.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.Provider },
	},
	{
		key: "backend.deepseek_base_url", typ: kString, env: "PLOTFORGE_DEEPSEEK_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.DeepSeekBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.DeepSeekBaseURL },
	},
	{
		key: "backend.deepseek_model", typ: kString, env: "PLOTFORGE_DEEPSEEK_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Backend.DeepSeekModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.DeepSeekModel },
	},
	{
		key: "backend.deepseek_api_key", typ: kString, env: "PLOTFORGE_DEEPSEEK_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Backend.DeepSeekAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.DeepSeekAPIKey },
	},
	{
		key: "backend.ollama_base_url", typ: kString, env: "PLOTFORGE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Backend.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.OllamaBaseURL },
	},
	{
		key: "backend.ollama_model", typ: kString, env: "PLOTFORGE_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Backend.OllamaModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Backend.OllamaModel },
	},
	{
		key: "executor.mode", typ: kString, env: "PLOTFORGE_EXECUTOR_MODE",
		apply:   func(cfg *Config, v any) { cfg.Executor.Mode = v.(string) },
		extract: func(cfg Config) any { return cfg.Executor.Mode },
	},
	{
		key: "executor.interpreter", typ: kString, env: "PLOTFORGE_EXECUTOR_INTERPRETER",
		apply:   func(cfg *Config, v any) { cfg.Executor.Interpreter = v.(string) },
		extract: func(cfg Config) any { return cfg.Executor.Interpreter },
	},
	{
		key: "executor.timeout_seconds", typ: kInt, env: "PLOTFORGE_EXECUTOR_TIMEOUT_SECONDS",
		apply:   func(cfg *Config, v any) { cfg.Executor.TimeoutSeconds = v.(int) },
		extract: func(cfg Config) any { return cfg.Executor.TimeoutSeconds },
	},
	{
		key: "executor.max_concurrent", typ: kInt, env: "PLOTFORGE_EXECUTOR_MAX_CONCURRENT",
		apply:   func(cfg *Config, v any) { cfg.Executor.MaxConcurrent = v.(int) },
		extract: func(cfg Config) any { return cfg.Executor.MaxConcurrent },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PLOTFORGE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.serving_dir", typ: kString, env: "PLOTFORGE_STORAGE_SERVING_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.ServingDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ServingDir },
	},
	{
		key: "storage.archive_dir", typ: kString, env: "PLOTFORGE_STORAGE_ARCHIVE_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.ArchiveDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.ArchiveDir },
	},
	{
		key: "storage.backup_dir", typ: kString, env: "PLOTFORGE_STORAGE_BACKUP_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.BackupDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.BackupDir },
	},
	{
		key: "storage.sandbox_dir", typ: kString, env: "PLOTFORGE_STORAGE_SANDBOX_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.SandboxDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.SandboxDir },
	},
	{
		key: "profiler.keywords", typ: kString, env: "PLOTFORGE_PROFILER_KEYWORDS",
		apply:   func(cfg *Config, v any) { cfg.Profiler.Keywords = v.(string) },
		extract: func(cfg Config) any { return cfg.Profiler.Keywords },
	},
	{
		key: "profiler.rich", typ: kBool, env: "PLOTFORGE_PROFILER_RICH",
		apply:   func(cfg *Config, v any) { cfg.Profiler.Rich = v.(bool) },
		extract: func(cfg Config) any { return cfg.Profiler.Rich },
	},
	{
		key: "auth.token", typ: kString, env: "PLOTFORGE_AUTH_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Auth.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Auth.Token },
	},
	{
		key: "log.level", typ: kString, env: "PLOTFORGE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
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
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
