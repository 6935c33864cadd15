package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Default returns a Config with sensible defaults, matching the constants
// named in the component packages themselves (session.Config.withDefaults,
// taskmanager.Config.withDefaults, filetracker.InlineThreshold).
func Default() *Config {
	return &Config{
		StorageRoot: "~/.agentsubstrate/data",
		Session: SessionConfig{
			SessionTimeoutSeconds:     3600,
			ContextStaleThreshSeconds: 600,
			RecoverLastKChars:         8000,
			RecoverLastNSummaries:     3,
		},
		TaskManager: TaskManagerCfg{
			MaxSubAgents:      10,
			MaxRetries:        10,
			FileTrackerInline: 5,
			LLMCallsPerSecond: 5,
		},
		EventBus: EventBusConfig{
			PingIntervalSeconds: 30,
		},
		Scheduler: SchedulerCfg{
			TickIntervalSeconds: 15,
		},
		Quota: QuotaConfig{
			DefaultQuotaBytes: 500 * 1024 * 1024,
		},
	}
}

// Load reads config from a JSON or YAML file (sniffed by extension; ".yaml"
// and ".yml" parse as YAML, anything else as JSON), then overlays env vars.
// A missing file is not an error — it yields Default() with env overrides
// applied, so the host can run from environment variables alone.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if isYAML(path) {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values, and are the only source for secrets.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("AGENTSUBSTRATE_STORAGE_ROOT", &c.StorageRoot)
	envStr("AGENTSUBSTRATE_LLM_ENDPOINT", &c.LLMBackend.Endpoint)
	envStr("AGENTSUBSTRATE_LLM_MODEL", &c.LLMBackend.Model)
	envStr("AGENTSUBSTRATE_LLM_API_KEY", &c.LLMBackend.APIKey)

	envInt("AGENTSUBSTRATE_SESSION_TIMEOUT_SECONDS", &c.Session.SessionTimeoutSeconds)
	envInt("AGENTSUBSTRATE_MAX_SUB_AGENTS", &c.TaskManager.MaxSubAgents)
	envInt("AGENTSUBSTRATE_MAX_RETRIES", &c.TaskManager.MaxRetries)

	envStr("AGENTSUBSTRATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AGENTSUBSTRATE_DB_MODE", &c.Database.Mode)

	envStr("AGENTSUBSTRATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTSUBSTRATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTSUBSTRATE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Watch starts an fsnotify watch on path's directory and calls onChange
// with a freshly-loaded Config whenever path is written, renamed onto, or
// recreated (the pattern most editors use for atomic saves). It returns
// immediately; the watch runs until ctx-independent Close is called via the
// returned stop function. Load errors during a reload are logged and
// skipped — the previous config keeps serving until a valid file appears.
func Watch(path string, onChange func(*Config)) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watch: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config watch: %w", err)
	}

	lastHash := ""
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, loadErr := Load(path)
				if loadErr != nil {
					slog.Error("config hot-reload failed", "path", path, "error", loadErr)
					continue
				}
				hash := cfg.Hash()
				if hash == lastHash {
					continue
				}
				lastHash = hash
				onChange(cfg)
			case werr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("config watcher error", "error", werr)
			}
		}
	}()

	return watcher.Close, nil
}
