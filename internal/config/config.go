// Package config holds the runtime configuration for the agent substrate
// host: storage locations, the per-component tunables named by the session,
// sub-agent, scheduler and event bus packages, and the optional managed-mode
// database connection.
package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Config is the root configuration for the agent host process.
type Config struct {
	StorageRoot string         `json:"storage_root"`
	Session     SessionConfig  `json:"session"`
	TaskManager TaskManagerCfg `json:"task_manager"`
	EventBus    EventBusConfig `json:"event_bus"`
	Scheduler   SchedulerCfg   `json:"scheduler"`
	LLMBackend  LLMBackendCfg  `json:"llm_backend"`
	Quota       QuotaConfig    `json:"quota"`
	Database    DatabaseConfig `json:"database,omitempty"`
	Telemetry   TelemetryCfg   `json:"telemetry,omitempty"`

	mu sync.RWMutex
}

// SessionConfig mirrors session.Config's JSON-durable fields (all durations
// are given in seconds on disk; session.Config itself uses time.Duration).
type SessionConfig struct {
	SessionTimeoutSeconds     int `json:"session_timeout_seconds"`
	ContextStaleThreshSeconds int `json:"context_stale_threshold_seconds"`
	RecoverLastKChars         int `json:"recover_last_k_chars"`
	RecoverLastNSummaries     int `json:"recover_last_n_summaries"`
}

func (s SessionConfig) SessionTimeout() time.Duration {
	return time.Duration(s.SessionTimeoutSeconds) * time.Second
}

func (s SessionConfig) ContextStaleThreshold() time.Duration {
	return time.Duration(s.ContextStaleThreshSeconds) * time.Second
}

// TaskManagerCfg mirrors taskmanager.Config.
type TaskManagerCfg struct {
	MaxSubAgents      int     `json:"max_sub_agents"`
	MaxRetries        int     `json:"max_retries"`
	FileTrackerInline int     `json:"file_tracker_inline_threshold"`
	LLMCallsPerSecond float64 `json:"llm_calls_per_second"`
}

// EventBusConfig mirrors bus.New's ping interval parameter.
type EventBusConfig struct {
	PingIntervalSeconds int `json:"ping_interval_seconds"`
}

func (e EventBusConfig) PingInterval() time.Duration {
	return time.Duration(e.PingIntervalSeconds) * time.Second
}

// SchedulerCfg mirrors scheduler.New's tick interval.
type SchedulerCfg struct {
	TickIntervalSeconds int `json:"tick_interval_seconds"`
}

func (s SchedulerCfg) TickEvery() time.Duration {
	return time.Duration(s.TickIntervalSeconds) * time.Second
}

// LLMBackendCfg configures the outbound connection to the opaque LLM
// backend the session/task manager packages invoke. The API key is never
// read from the config file, only from AGENTSUBSTRATE_LLM_API_KEY.
type LLMBackendCfg struct {
	Endpoint string `json:"endpoint,omitempty"`
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"-"`
}

// QuotaConfig sets the default per-user storage quota.
type QuotaConfig struct {
	DefaultQuotaBytes int64 `json:"default_quota_bytes"`
}

// DatabaseConfig configures Postgres for managed mode. PostgresDSN is never
// read from the config file (secret) — only from AGENTSUBSTRATE_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
}

// IsManagedMode returns true if the host is running in managed (Postgres
// backed) mode rather than standalone (flat-file) mode.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// TelemetryCfg configures OpenTelemetry tracing. Spans are emitted around
// session expiry, sub-agent task execution, and schedule fires. Only
// ServiceName is used (as the tracer's service name); Enabled, Endpoint and
// Insecure are loaded but not read, and no exporter is installed, so spans
// do not leave the process.
type TelemetryCfg struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the fsnotify-driven hot-reload path so in-flight readers holding
// c never observe a half-written struct.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StorageRoot = src.StorageRoot
	c.Session = src.Session
	c.TaskManager = src.TaskManager
	c.EventBus = src.EventBus
	c.Scheduler = src.Scheduler
	c.LLMBackend = src.LLMBackend
	c.Quota = src.Quota
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}

// Snapshot returns a copy of the config safe to read without holding c's lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}

// Hash returns a short SHA-256 prefix of the config, used by the
// hot-reload watcher to skip no-op reloads (e.g. an editor's atomic-rename
// save triggering two fsnotify events for the same content).
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}
