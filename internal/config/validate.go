package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"
	"time"
)

// Drivers accepted in storage.driver.
var Drivers = []string{"file", "sqlite"}

// Duration parses raw for the config key path. Empty or "0s" yields def;
// negative values are rejected.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks the parts of cfg that need no runtime collaborators.
// Schedules and module names are checked by the app validator.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add("logging.file.path: required when file logging is enabled")
	}

	e := cfg.Engine
	if e.Workers < 0 {
		add("engine.workers: must be >= 0")
	}
	if e.QueueSize < 0 {
		add("engine.queue_size: must be >= 0")
	}
	if e.HistorySize < 0 {
		add("engine.history_size: must be >= 0")
	}
	if _, err := Duration("engine.default_timeout", e.DefaultTimeout, 0); err != nil {
		errs = append(errs, err)
	}
	if cfg.History.Size < 0 {
		add("history.size: must be >= 0")
	}

	seen := map[string]bool{}
	for i, m := range cfg.Pipeline.Modules {
		m = strings.TrimSpace(m)
		if m == "" {
			add("pipeline.modules[%d]: empty name", i)
			continue
		}
		if seen[m] {
			add("pipeline.modules[%d]: duplicate %q", i, m)
		}
		seen[m] = true
	}

	names := map[string]bool{}
	for i, j := range cfg.Triggers.Jobs {
		path := fmt.Sprintf("triggers.jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		switch {
		case name == "":
			add("%s.name: required", path)
		case names[name]:
			add("%s.name: duplicate %q", path, name)
		}
		names[name] = true
		if strings.TrimSpace(j.Schedule) == "" {
			add("%s.schedule: required", path)
		}
		if strings.TrimSpace(j.Command) == "" {
			add("%s.command: required", path)
		}
		if _, err := Duration(path+".timeout", j.Timeout, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(cfg.Triggers.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("triggers.timezone: %v", err)
		}
	}

	if s := cfg.Storage; s != nil {
		if !slices.Contains(Drivers, strings.ToLower(strings.TrimSpace(s.Driver))) {
			add("storage.driver: unknown driver %q (use %s)", s.Driver, strings.Join(Drivers, " or "))
		}
		if strings.TrimSpace(s.Path) == "" {
			add("storage.path: required")
		}
		if _, err := Duration("storage.busy_timeout", s.BusyTimeout, 0); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.Diagnostics.MaxRestarts < 0 {
		add("diagnostics.max_restarts: must be >= 0")
	}
	if d := cfg.Diagnostics; d.Enabled && strings.TrimSpace(d.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(d.Addr)); err != nil {
			add("diagnostics.addr: %v", err)
		}
	}
	return errors.Join(errs...)
}
