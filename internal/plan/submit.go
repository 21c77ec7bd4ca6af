package plan

import (
	"context"
	"fmt"

	"agentcore/internal/task/engine"
)

// Submitter is the part of the engine a plan needs.
type Submitter interface {
	Submit(t engine.Task) (string, error)
}

// Runner executes one step. snapshot is the engine's per-task context copy.
type Runner func(ctx context.Context, p *Plan, st Step, snapshot map[string]any) (any, error)

// Submit validates p and submits each step as an engine task in dependency
// order. It returns the task id of every step. On error the steps already
// submitted are left to the engine.
func (p *Plan) Submit(sub Submitter, run Runner) (map[string]string, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if sub == nil || run == nil {
		return nil, fmt.Errorf("%w: submitter and runner are required", ErrInvalidPlan)
	}
	order, err := p.order()
	if err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(p.Steps))
	for _, i := range order {
		st := p.Steps[i]
		deps := make([]string, 0, len(st.Dependencies))
		for _, d := range st.Dependencies {
			deps = append(deps, ids[d])
		}
		id, err := sub.Submit(engine.Task{
			Name:         fmt.Sprintf("plan.%s", st.ID),
			Priority:     Priority(st.Action.Priority),
			Dependencies: deps,
			Context: map[string]any{
				"plan_id": p.ID,
				"step_id": st.ID,
			},
			Work: func(ctx context.Context, snapshot map[string]any) (any, error) {
				return run(ctx, p, st, snapshot)
			},
		})
		if err != nil {
			return ids, fmt.Errorf("plan %s: submit %s: %w", p.ID, st.ID, err)
		}
		ids[st.ID] = id
	}
	p.Status = StatusSubmitted
	return ids, nil
}
