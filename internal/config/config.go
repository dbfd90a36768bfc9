package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Server   ServerConfig
	Backend  BackendSettings
	Executor ExecutorConfig
	Storage  StorageConfig
	Profiler ProfilerConfig
	Auth     AuthConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port int
}

// BackendSettings selects and tunes the code generation backend.
type BackendSettings struct {
	// Provider is "deepseek" (hosted) or "ollama" (local).
	Provider        string
	DeepSeekBaseURL string
	DeepSeekModel   string
	DeepSeekAPIKey  string
	OllamaBaseURL   string
	OllamaModel     string
}

type ExecutorConfig struct {
	// Mode is "directory" or "buffer".
	Mode           string
	Interpreter    string
	TimeoutSeconds int
	MaxConcurrent  int
}

type StorageConfig struct {
	DataDir    string
	ServingDir string
	ArchiveDir string
	BackupDir  string
	SandboxDir string
}

type ProfilerConfig struct {
	// Keywords is a comma-separated list of domain column keywords.
	// Empty means the built-in defaults.
	Keywords string
	Rich     bool
}

type AuthConfig struct {
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 8080,
		},
		Backend: BackendSettings{
			Provider:        "deepseek",
			DeepSeekBaseURL: "https://api.deepseek.com/v1",
			DeepSeekModel:   "deepseek-chat",
			OllamaBaseURL:   "http://localhost:11434",
			OllamaModel:     "codellama:7b",
		},
		Executor: ExecutorConfig{
			Mode:           "directory",
			Interpreter:    "python3",
			TimeoutSeconds: 120,
			MaxConcurrent:  2,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Profiler: ProfilerConfig{
			Rich: true,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.plotforge.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/plotforge/config.json
// and secrets must be provided via environment variables.
//
// Environment variables (PLOTFORGE_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	fillDerivedDirs(&cfg)

	switch cfg.Backend.Provider {
	case "deepseek":
		if cfg.Backend.DeepSeekAPIKey == "" {
			if key, err := kc.Get("plotforge", "deepseek_api_key"); err == nil && key != "" {
				cfg.Backend.DeepSeekAPIKey = key
			}
		}
		if cfg.Backend.DeepSeekAPIKey == "" {
			msg := "missing required config: DeepSeek API key. " +
				"Set it via environment variable PLOTFORGE_DEEPSEEK_API_KEY" +
				apiKeyHint()
			return Config{}, fmt.Errorf("%s", msg)
		}
	case "ollama":
		// Local backend, no credentials.
	default:
		return Config{}, fmt.Errorf("unknown backend provider %q (want deepseek or ollama)", cfg.Backend.Provider)
	}

	if cfg.Executor.Mode != "directory" && cfg.Executor.Mode != "buffer" {
		return Config{}, fmt.Errorf("unknown executor mode %q (want directory or buffer)", cfg.Executor.Mode)
	}

	return cfg, nil
}

// fillDerivedDirs resolves unset storage paths relative to the data dir.
func fillDerivedDirs(cfg *Config) {
	base := cfg.Storage.DataDir
	if cfg.Storage.ServingDir == "" {
		cfg.Storage.ServingDir = base + "/charts"
	}
	if cfg.Storage.ArchiveDir == "" {
		cfg.Storage.ArchiveDir = base + "/archive"
	}
	if cfg.Storage.BackupDir == "" {
		cfg.Storage.BackupDir = base + "/backup"
	}
	if cfg.Storage.SandboxDir == "" {
		cfg.Storage.SandboxDir = base + "/sandbox"
	}
}

// DomainKeywords splits the configured keyword list. Nil means defaults.
func (p ProfilerConfig) DomainKeywords() []string {
	if strings.TrimSpace(p.Keywords) == "" {
		return nil
	}
	var out []string
	for _, k := range strings.Split(p.Keywords, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, strings.ToLower(k))
		}
	}
	return out
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
