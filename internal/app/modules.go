package app

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strings"
	"time"

	"agentcore/internal/blackboard"
	"agentcore/internal/pipeline"
	"agentcore/internal/plan"
	"agentcore/internal/task/engine"
)

// Context keys written by the built-in modules.
const (
	KeySystem   = "system"
	KeyResults  = "processed_execution_results"
	KeyResponse = "response"
)

const recentResults = 10

type builtin struct {
	name  string
	deps  []string
	build func(a *App, deps []string) pipeline.Module
}

// catalog lists the built-in modules in registration order.
var catalog = []builtin{
	{name: "system_context", build: (*App).systemModule},
	{name: "planning", deps: []string{"system_context"}, build: (*App).planningModule},
	{name: "execution_results", build: (*App).resultsModule},
	{name: "response", deps: []string{"planning", "execution_results"}, build: (*App).responseModule},
}

// selectModules resolves configured module names against the catalog.
// Empty selects all of them.
func selectModules(names []string) ([]builtin, error) {
	if len(names) == 0 {
		return catalog, nil
	}
	want := map[string]bool{}
	for _, n := range names {
		want[strings.TrimSpace(n)] = true
	}
	var out []builtin
	for _, b := range catalog {
		if !want[b.name] {
			continue
		}
		for _, d := range b.deps {
			if !want[d] {
				return nil, fmt.Errorf("module %q needs %q", b.name, d)
			}
		}
		out = append(out, b)
		delete(want, b.name)
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for n := range want {
			unknown = append(unknown, n)
		}
		slices.Sort(unknown)
		return nil, fmt.Errorf("unknown modules: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func (a *App) registerModules(names []string) error {
	sel, err := selectModules(names)
	if err != nil {
		return err
	}
	mods := make([]pipeline.Module, 0, len(sel))
	for _, b := range sel {
		mods = append(mods, b.build(a, b.deps))
	}
	return a.pipe.RegisterAll(mods...)
}

func (a *App) systemModule(deps []string) pipeline.Module {
	return pipeline.Module{
		Name:         "system_context",
		Dependencies: deps,
		Provides:     []string{"system"},
		Execute: func(_ context.Context, b *blackboard.Board) error {
			host, _ := os.Hostname()
			b.Set(KeySystem, map[string]any{
				"timestamp":  time.Now().UTC().Format(time.RFC3339),
				"platform":   runtime.GOOS + "/" + runtime.GOARCH,
				"hostname":   host,
				"goroutines": runtime.NumGoroutine(),
				"go_version": runtime.Version(),
			})
			return nil
		},
	}
}

func (a *App) planningModule(deps []string) pipeline.Module {
	return plan.Module(plan.ModuleOptions{
		Name:         "planning",
		Dependencies: deps,
		Submitter:    a.engine,
		Runner:       a.runStep,
	})
}

func (a *App) resultsModule(deps []string) pipeline.Module {
	return pipeline.Module{
		Name:         "execution_results",
		Dependencies: deps,
		Provides:     []string{"results"},
		Execute: func(_ context.Context, b *blackboard.Board) error {
			snap := a.engine.Snapshot()
			recent := make([]map[string]any, 0, recentResults)
			for i := len(snap.History) - 1; i >= 0 && len(recent) < recentResults; i-- {
				h := snap.History[i]
				item := map[string]any{
					"id":          h.ID,
					"name":        h.Name,
					"status":      h.Status.String(),
					"duration_ms": h.Duration.Milliseconds(),
				}
				if h.Error != "" {
					item["error"] = h.Error
				}
				recent = append(recent, item)
			}
			b.Set(KeyResults, map[string]any{
				"submitted": snap.Submitted,
				"completed": snap.Completed,
				"failed":    snap.Failed,
				"pending":   snap.Pending,
				"running":   snap.InFlight,
				"recent":    recent,
			})
			return nil
		},
	}
}

func (a *App) responseModule(deps []string) pipeline.Module {
	return pipeline.Module{
		Name:         "response",
		Dependencies: deps,
		Provides:     []string{"response"},
		Execute: func(_ context.Context, b *blackboard.Board) error {
			var parts []string
			if p, ok := blackboard.GetAs[*plan.Plan](b, plan.KeyPlan); ok && p != nil {
				parts = append(parts, fmt.Sprintf("plan %s: %d steps (%v)", p.ID, len(p.Steps), b.Get(plan.KeyStatus, "unknown")))
			} else if msg, ok := b.Get(plan.KeyError, "").(string); ok && msg != "" {
				parts = append(parts, "plan error: "+msg)
			}
			if r, ok := b.Get(KeyResults, nil).(map[string]any); ok {
				parts = append(parts, fmt.Sprintf("tasks: %v completed, %v failed, %v pending",
					r["completed"], r["failed"], r["pending"]))
			}
			if len(parts) == 0 {
				parts = append(parts, "nothing to report")
			}
			b.Set(KeyResponse, strings.Join(parts, "; "))
			return nil
		},
	}
}

// runStep executes one plan step. An action with a "command" param runs
// that command line; other actions are acknowledged by type. The result is
// merged into the context under "result.<step>".
func (a *App) runStep(ctx context.Context, _ *plan.Plan, st plan.Step, _ map[string]any) (any, error) {
	var out any = st.Action.Type
	if line, ok := st.Action.Params["command"].(string); ok && strings.TrimSpace(line) != "" {
		res, err := a.disp.Dispatch(ctx, line)
		if err != nil {
			return nil, err
		}
		out = res
	}
	return map[string]any{"result." + st.ID: out}, nil
}

var _ plan.Submitter = (*engine.Service)(nil)
