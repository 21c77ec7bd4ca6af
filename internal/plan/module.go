package plan

import (
	"context"
	"strings"

	"agentcore/internal/blackboard"
	"agentcore/internal/pipeline"
)

// Context keys read and written by the planning module.
const (
	KeyCommand   = "current_command"
	KeyActions   = "actions"
	KeyPlan      = "execution_plan"
	KeyStatus    = "plan_status"
	KeyError     = "plan_error"
	KeyPlanTasks = "plan_tasks"
)

type ModuleOptions struct {
	Name         string
	Dependencies []string
	// Submitter and Runner are optional; when both are set a valid plan is
	// submitted to the engine right away.
	Submitter Submitter
	Runner    Runner
}

// Module returns the planning pipeline module.
func Module(opts ModuleOptions) pipeline.Module {
	name := opts.Name
	if name == "" {
		name = "planning"
	}
	return pipeline.Module{
		Name:         name,
		Dependencies: opts.Dependencies,
		Provides:     []string{"plan"},
		Execute: func(_ context.Context, b *blackboard.Board) error {
			actions, err := ActionsFrom(b.Get(KeyActions, nil))
			if err != nil {
				b.Update(map[string]any{KeyStatus: "invalid", KeyError: err.Error()})
				return err
			}
			p := New(commandText(b.Get(KeyCommand, nil)), actions)
			if err := p.Validate(); err != nil {
				b.Update(map[string]any{KeyStatus: "invalid", KeyError: err.Error()})
				return err
			}
			out := map[string]any{KeyStatus: "valid"}
			if opts.Submitter != nil && opts.Runner != nil && len(p.Steps) > 0 {
				ids, err := p.Submit(opts.Submitter, opts.Runner)
				if err != nil {
					b.Update(map[string]any{KeyPlan: p, KeyStatus: "invalid", KeyError: err.Error()})
					return err
				}
				out[KeyPlanTasks] = ids
			}
			out[KeyPlan] = p
			b.Update(out)
			b.Delete(KeyError)
			return nil
		},
	}
}

// commandText accepts a plain string or a map with a "command" entry.
func commandText(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case map[string]any:
		s, _ := t["command"].(string)
		return strings.TrimSpace(s)
	default:
		return ""
	}
}
