// Package plan turns a command and its extracted actions into an execution
// plan: an ordered chain of steps that can be submitted to the task engine.
package plan

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidPlan = errors.New("invalid plan")
	ErrCyclicPlan  = errors.New("cyclic plan")
)

// StepDuration is the estimated cost of a single step.
const StepDuration = 5 * time.Second

const DefaultMaxRetries = 3

const (
	StatusCreated   = "created"
	StatusSubmitted = "submitted"

	StepPending = "pending"
)

// Action is one actionable item extracted from a response.
type Action struct {
	Type     string         `json:"type"`
	Priority string         `json:"priority,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

type Step struct {
	ID           string   `json:"id"`
	Action       Action   `json:"action"`
	Dependencies []string `json:"dependencies,omitempty"`
	Status       string   `json:"status"`
	RetryCount   int      `json:"retry_count"`
	MaxRetries   int      `json:"max_retries"`
}

type Metadata struct {
	Source            string        `json:"source"`
	Priority          string        `json:"priority"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

type Plan struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Command   string    `json:"command"`
	Steps     []Step    `json:"steps"`
	Status    string    `json:"status"`
	Metadata  Metadata  `json:"metadata"`
}

// New builds a plan with one step per action, each step depending on the
// previous one.
func New(command string, actions []Action) *Plan {
	p := &Plan{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Command:   strings.TrimSpace(command),
		Status:    StatusCreated,
		Metadata: Metadata{
			Source:   "agentd",
			Priority: "normal",
		},
	}
	for i, a := range actions {
		a.Params = maps.Clone(a.Params)
		st := Step{
			ID:         fmt.Sprintf("step_%d", i),
			Action:     a,
			Status:     StepPending,
			MaxRetries: DefaultMaxRetries,
		}
		if i > 0 {
			st.Dependencies = []string{fmt.Sprintf("step_%d", i-1)}
		}
		p.Steps = append(p.Steps, st)
	}
	p.Metadata.EstimatedDuration = time.Duration(len(p.Steps)) * StepDuration
	return p
}

// Validate checks required fields, step references and cycles.
func (p *Plan) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidPlan)
	case p.CreatedAt.IsZero():
		return fmt.Errorf("%w: created_at is required", ErrInvalidPlan)
	case p.Status == "":
		return fmt.Errorf("%w: status is required", ErrInvalidPlan)
	}
	ids := make(map[string]int, len(p.Steps))
	for i, st := range p.Steps {
		if st.ID == "" {
			return fmt.Errorf("%w: step %d: id is required", ErrInvalidPlan, i)
		}
		if st.Action.Type == "" {
			return fmt.Errorf("%w: step %s: action type is required", ErrInvalidPlan, st.ID)
		}
		if _, dup := ids[st.ID]; dup {
			return fmt.Errorf("%w: duplicate step %s", ErrInvalidPlan, st.ID)
		}
		ids[st.ID] = i
	}
	for _, st := range p.Steps {
		for _, d := range st.Dependencies {
			if _, ok := ids[d]; !ok {
				return fmt.Errorf("%w: step %s: unknown dependency %s", ErrInvalidPlan, st.ID, d)
			}
		}
	}
	_, err := p.order()
	return err
}

// order returns the step indexes in dependency order, or ErrCyclicPlan.
func (p *Plan) order() ([]int, error) {
	index := make(map[string]int, len(p.Steps))
	for i, st := range p.Steps {
		index[st.ID] = i
	}
	indeg := make([]int, len(p.Steps))
	dependents := make([][]int, len(p.Steps))
	for i, st := range p.Steps {
		for _, d := range st.Dependencies {
			j, ok := index[d]
			if !ok {
				continue
			}
			indeg[i]++
			dependents[j] = append(dependents[j], i)
		}
	}
	var queue, out []int
	for i := range p.Steps {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		out = append(out, i)
		for _, j := range dependents[i] {
			indeg[j]--
			if indeg[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if len(out) != len(p.Steps) {
		var stuck []string
		for i, n := range indeg {
			if n > 0 {
				stuck = append(stuck, p.Steps[i].ID)
			}
		}
		slices.Sort(stuck)
		return nil, fmt.Errorf("%w: %s", ErrCyclicPlan, strings.Join(stuck, ", "))
	}
	return out, nil
}

// Priority maps an action priority label onto an engine priority.
func Priority(label string) int {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "high":
		return 10
	case "low":
		return 1
	default:
		return 5
	}
}

// ActionsFrom accepts []Action, []map[string]any or []any of maps, as found
// in the execution context, and returns typed actions.
func ActionsFrom(v any) ([]Action, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []Action:
		return slices.Clone(t), nil
	case []map[string]any:
		out := make([]Action, 0, len(t))
		for _, m := range t {
			out = append(out, actionFromMap(m))
		}
		return out, nil
	case []any:
		out := make([]Action, 0, len(t))
		for i, e := range t {
			switch a := e.(type) {
			case Action:
				out = append(out, a)
			case map[string]any:
				out = append(out, actionFromMap(a))
			default:
				return nil, fmt.Errorf("%w: action %d has type %T", ErrInvalidPlan, i, e)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: actions have type %T", ErrInvalidPlan, v)
	}
}

func actionFromMap(m map[string]any) Action {
	a := Action{Params: map[string]any{}}
	for k, v := range m {
		switch k {
		case "type":
			a.Type, _ = v.(string)
		case "priority":
			a.Priority, _ = v.(string)
		case "params":
			if pm, ok := v.(map[string]any); ok {
				maps.Copy(a.Params, pm)
			}
		default:
			a.Params[k] = v
		}
	}
	if len(a.Params) == 0 {
		a.Params = nil
	}
	return a
}
