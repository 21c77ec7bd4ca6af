package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"agentcore/internal/config"
	logx "agentcore/pkg/logx"
)

// startReload applies committed config updates to the running components.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("logging") && a.logs != nil {
		a.logs.Apply(mapLogging(newCfg))
	}

	if changed("engine") {
		if ec, err := mapEngineConfig(newCfg); err != nil {
			a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ec)
		}
	}

	if changed("history") {
		a.hist.Resize(newCfg.History.Size)
	}

	if changed("pipeline") {
		if err := a.reloadModules(newCfg.Pipeline.Modules); err != nil {
			a.log.Warn("pipeline reload failed", logx.Err(err))
		}
	}

	if changed("triggers") {
		a.applyTriggers(ctx, newCfg)
	}

	if changed("diagnostics") {
		a.diag.Reconfigure(ctx, mapDiagConfig(newCfg))
	}

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyTriggers(ctx context.Context, cfg *config.Config) {
	jobs, err := mapTriggerJobs(cfg, a.disp)
	if err != nil {
		a.log.Warn("invalid trigger jobs; keeping previous", logx.Err(err))
		return
	}
	was := a.trig.Enabled()
	a.trig.Apply(mapTriggerConfig(cfg))
	if err := a.trig.Replace(jobs); err != nil {
		a.log.Warn("some trigger jobs rejected", logx.Err(err))
	}

	switch {
	case was && !cfg.Triggers.Enabled:
		a.log.Info("triggers disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.trig.Stop(stopCtx)
		cancel()
	case !was && cfg.Triggers.Enabled:
		a.log.Info("triggers enabled via config")
		a.trig.Start(ctx)
	}
}

// reloadModules swaps the registered built-in modules. The execution
// context is kept.
func (a *App) reloadModules(names []string) error {
	present := map[string]bool{}
	for _, m := range a.pipe.Modules() {
		present[m.Name] = true
	}
	// Reverse catalog order removes dependents before their dependencies.
	for i := len(catalog) - 1; i >= 0; i-- {
		if !present[catalog[i].name] {
			continue
		}
		if err := a.pipe.Unregister(catalog[i].name); err != nil {
			return err
		}
	}
	return a.registerModules(names)
}
