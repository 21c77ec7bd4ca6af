package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentcore/internal/command"
	"agentcore/internal/config"
	"agentcore/internal/observability/diag"
	"agentcore/internal/storage"
	"agentcore/internal/task/engine"
	"agentcore/internal/task/trigger"
	logx "agentcore/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	def := engine.DefaultConfig()
	e := cfg.Engine

	timeout, err := config.Duration("engine.default_timeout", e.DefaultTimeout, def.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	out := engine.Config{
		Workers:         e.Workers,
		QueueSize:       e.QueueSize,
		DefaultTimeout:  timeout,
		HistorySize:     e.HistorySize,
		CascadeFailures: e.Cascade(),
	}
	if out.Workers <= 0 {
		out.Workers = def.Workers
	}
	if out.HistorySize <= 0 {
		out.HistorySize = def.HistorySize
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.Duration("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

func mapDiagConfig(cfg *config.Config) diag.Config {
	d := cfg.Diagnostics
	return diag.Config{
		Enabled:       d.Enabled,
		Addr:          strings.TrimSpace(d.Addr),
		Token:         strings.TrimSpace(d.Token),
		AllowInsecure: d.AllowInsecure,
		Pprof:         d.Pprof,
		MaxRestarts:   d.MaxRestarts,
	}
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{Enabled: cfg.Triggers.Enabled, Timezone: cfg.Triggers.Timezone}
}

// mapTriggerJobs turns configured jobs into trigger jobs whose work
// dispatches the job's command line.
func mapTriggerJobs(cfg *config.Config, disp *command.Dispatcher) ([]trigger.Job, error) {
	out := make([]trigger.Job, 0, len(cfg.Triggers.Jobs))
	for i, j := range cfg.Triggers.Jobs {
		timeout, err := config.Duration(fmt.Sprintf("triggers.jobs[%d].timeout", i), j.Timeout, 0)
		if err != nil {
			return nil, err
		}
		line := strings.TrimSpace(j.Command)
		out = append(out, trigger.Job{
			Name:     strings.TrimSpace(j.Name),
			Schedule: j.Schedule,
			Priority: j.Priority,
			Timeout:  timeout,
			Context:  map[string]any{"command": line},
			Run: func(ctx context.Context, _ map[string]any) (any, error) {
				return disp.Dispatch(ctx, line)
			},
		})
	}
	return out, nil
}

// validate is the app-level config validator: it checks what needs the
// trigger parser and the module catalog.
func validate(_ context.Context, cfg *config.Config) error {
	for i, j := range cfg.Triggers.Jobs {
		if strings.TrimSpace(j.Schedule) == "" {
			continue
		}
		if _, err := trigger.ParseSchedule(j.Schedule); err != nil {
			return fmt.Errorf("triggers.jobs[%d].schedule: %w", i, err)
		}
		if _, err := command.Parse(j.Command); err != nil {
			return fmt.Errorf("triggers.jobs[%d].command: %w", i, err)
		}
	}
	if _, err := selectModules(cfg.Pipeline.Modules); err != nil {
		return fmt.Errorf("pipeline.modules: %w", err)
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	return nil
}

// CheckConfig loads and validates the file at path the same way New does,
// without wiring anything.
func CheckConfig(ctx context.Context, path string) (*config.Config, error) {
	m := config.NewManager(path)
	m.SetValidator(validate)
	return m.Load(ctx)
}
