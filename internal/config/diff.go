package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	logx "agentcore/pkg/logx"
)

// SummarizeConfigChange returns the sorted names of changed sections and
// log fields describing the new values of those sections.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oe, ne := oldCfg.Engine, newCfg.Engine
	if oe.Workers != ne.Workers || oe.QueueSize != ne.QueueSize || oe.HistorySize != ne.HistorySize ||
		strings.TrimSpace(oe.DefaultTimeout) != strings.TrimSpace(ne.DefaultTimeout) ||
		oe.Cascade() != ne.Cascade() {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", ne.Workers),
			logx.Int("engine.queue_size", ne.QueueSize),
			logx.String("engine.default_timeout", strings.TrimSpace(ne.DefaultTimeout)),
			logx.Int("engine.history_size", ne.HistorySize),
			logx.Bool("engine.cascade_failures", ne.Cascade()),
			logx.Bool("engine.workers_changed", oe.Workers != ne.Workers),
		)
	}

	if !slices.Equal(oldCfg.Pipeline.Modules, newCfg.Pipeline.Modules) {
		changed = append(changed, "pipeline")
		attrs = append(attrs, logx.Strings("pipeline.modules", newCfg.Pipeline.Modules))
	}

	ot, nt := oldCfg.Triggers, newCfg.Triggers
	if ot.Enabled != nt.Enabled || strings.TrimSpace(ot.Timezone) != strings.TrimSpace(nt.Timezone) ||
		!reflect.DeepEqual(ot.Jobs, nt.Jobs) {
		changed = append(changed, "triggers")
		attrs = append(attrs,
			logx.Bool("triggers.enabled", nt.Enabled),
			logx.String("triggers.timezone", strings.TrimSpace(nt.Timezone)),
			logx.Int("triggers.jobs", len(nt.Jobs)),
			logx.Strings("triggers.changed", diffJobs(ot.Jobs, nt.Jobs)),
		)
	}

	if oldCfg.History.Size != newCfg.History.Size {
		changed = append(changed, "history")
		attrs = append(attrs, logx.Int("history.size", newCfg.History.Size))
	}

	// nil storage means disabled
	var ost, nst StorageConfig
	if oldCfg.Storage != nil {
		ost = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nst = *newCfg.Storage
	}
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nst.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nst.Path) != ""),
			logx.Bool("storage.persist_context", nst.PersistContext),
		)
	}

	if oldCfg.Diagnostics != newCfg.Diagnostics {
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", newCfg.Diagnostics.Enabled),
			logx.String("diagnostics.addr", strings.TrimSpace(newCfg.Diagnostics.Addr)),
			logx.Bool("diagnostics.pprof", newCfg.Diagnostics.Pprof),
			logx.Bool("diagnostics.token_set", newCfg.Diagnostics.Token != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// diffJobs returns the sorted names of jobs added, removed or modified.
func diffJobs(oldJobs, newJobs []TriggerJob) []string {
	index := func(js []TriggerJob) map[string]TriggerJob {
		m := make(map[string]TriggerJob, len(js))
		for _, j := range js {
			m[strings.TrimSpace(j.Name)] = j
		}
		return m
	}
	om, nm := index(oldJobs), index(newJobs)
	var out []string
	for name, o := range om {
		if n, ok := nm[name]; !ok || n != o {
			out = append(out, name)
		}
	}
	for name := range nm {
		if _, ok := om[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
