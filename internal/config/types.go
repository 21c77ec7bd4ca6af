package config

// Config is the daemon configuration file (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`
	Pipeline PipelineConfig `json:"pipeline"`
	Triggers TriggersConfig `json:"triggers"`
	History  HistoryConfig  `json:"history"`

	// Storage is optional; nil disables persistence.
	Storage *StorageConfig `json:"storage,omitempty"`

	Diagnostics DiagnosticsConfig `json:"diagnostics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls the task engine.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 0 (unbounded)
//   - default_timeout: "60s" ("0s" is replaced by the default; use a very
//     large value to effectively disable it)
//   - history_size: 200
//   - cascade_failures: true
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`

	// CascadeFailures is a pointer so an omitted key keeps the default.
	CascadeFailures *bool `json:"cascade_failures,omitempty"`
}

// PipelineConfig selects the built-in modules to register. Empty means all.
type PipelineConfig struct {
	Modules []string `json:"modules,omitempty"`
}

type TriggersConfig struct {
	Enabled  bool         `json:"enabled"`
	Timezone string       `json:"timezone,omitempty"`
	Jobs     []TriggerJob `json:"jobs,omitempty"`
}

// TriggerJob dispatches Command on Schedule.
//
// Example:
//
//	{ "name": "pipeline", "schedule": "*/5 * * * *", "command": "run" }
type TriggerJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Command  string `json:"command"`
	Priority int    `json:"priority,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type HistoryConfig struct {
	Size int `json:"size,omitempty"`
}

// StorageConfig controls the audit log and context snapshot.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/agentd.db", "persist_context": true }
type StorageConfig struct {
	Driver         string `json:"driver"`
	Path           string `json:"path"`
	BusyTimeout    string `json:"busy_timeout,omitempty"` // sqlite
	PersistContext bool   `json:"persist_context,omitempty"`
}

// DiagnosticsConfig controls the optional HTTP endpoint serving /healthz,
// /status and, with pprof set, /debug/pprof/.
type DiagnosticsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	MaxRestarts   int    `json:"max_restarts,omitempty"` // 0 retries forever
}

func boolPtr(b bool) *bool { return &b }

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Engine: EngineConfig{
			Workers:         4,
			DefaultTimeout:  "60s",
			HistorySize:     200,
			CascadeFailures: boolPtr(true),
		},
		History: HistoryConfig{Size: 1000},
	}
}

// Cascade reports the effective cascade policy.
func (e EngineConfig) Cascade() bool {
	if e.CascadeFailures == nil {
		return true
	}
	return *e.CascadeFailures
}
