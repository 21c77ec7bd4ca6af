// Package pipeline runs named modules against the shared execution context
// in dependency order, each at most once per Run.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"agentcore/internal/blackboard"
	"agentcore/internal/eventbus"
	logx "agentcore/pkg/logx"
)

// Module is a unit of the pipeline.
type Module struct {
	Name         string
	Dependencies []string
	// Provides tags the capabilities the module contributes (e.g. "plan").
	Provides []string
	Execute  func(ctx context.Context, board *blackboard.Board) error
}

// Info describes a registered module.
type Info struct {
	Name         string
	Dependencies []string
	Provides     []string
}

// Report is the outcome of one Run. Order lists every executed module,
// including the failed ones.
type Report struct {
	Order  []string
	Failed map[string]error
	Took   time.Duration
}

func (r Report) OK() bool { return len(r.Failed) == 0 }

const (
	EventModuleCompleted = "module.completed"
	EventModuleFailed    = "module.failed"
)

// ModuleEvent is the Data of module events.
type ModuleEvent struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Pipeline struct {
	runMu sync.Mutex

	mu    sync.RWMutex
	order []string
	mods  map[string]Module

	board *blackboard.Board
	log   logx.Logger
	bus   eventbus.Bus
}

// New creates an empty pipeline over board. A nil board gets a fresh one;
// a nil bus disables module events.
func New(board *blackboard.Board, log logx.Logger, bus eventbus.Bus) *Pipeline {
	if board == nil {
		board = blackboard.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pipeline{
		mods:  map[string]Module{},
		board: board,
		log:   log,
		bus:   bus,
	}
}

func (p *Pipeline) Board() *blackboard.Board { return p.board }

func normalize(m Module) (Module, error) {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return m, depErr(ErrInvalidModule, "", "name is required")
	}
	if m.Execute == nil {
		return m, depErr(ErrInvalidModule, m.Name, "execute is required")
	}
	deps := make([]string, 0, len(m.Dependencies))
	for _, d := range m.Dependencies {
		d = strings.TrimSpace(d)
		if d == "" || slices.Contains(deps, d) {
			continue
		}
		deps = append(deps, d)
	}
	m.Dependencies = deps
	m.Provides = slices.Clone(m.Provides)
	return m, nil
}

// Register adds one module. Every dependency must already be registered,
// so modules added this way can never form a cycle.
func (p *Pipeline) Register(m Module) error {
	m, err := normalize(m)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.mods[m.Name]; exists {
		return depErr(ErrModuleExists, m.Name)
	}
	var missing []string
	for _, d := range m.Dependencies {
		if _, ok := p.mods[d]; !ok {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return depErr(ErrMissingDependency, m.Name, missing...)
	}
	p.mods[m.Name] = m
	p.order = append(p.order, m.Name)
	p.log.Debug("module registered", logx.String("module", m.Name), logx.Strings("deps", m.Dependencies))
	return nil
}

// RegisterAll adds a batch atomically. Dependencies may point at modules
// later in the batch; the combined graph must stay acyclic.
func (p *Pipeline) RegisterAll(mods ...Module) error {
	batch := make([]Module, 0, len(mods))
	for _, m := range mods {
		nm, err := normalize(m)
		if err != nil {
			return err
		}
		batch = append(batch, nm)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	graph := make(map[string]Module, len(p.mods)+len(batch))
	for k, v := range p.mods {
		graph[k] = v
	}
	order := slices.Clone(p.order)
	for _, m := range batch {
		if _, exists := graph[m.Name]; exists {
			return depErr(ErrModuleExists, m.Name)
		}
		graph[m.Name] = m
		order = append(order, m.Name)
	}
	for _, m := range batch {
		var missing []string
		for _, d := range m.Dependencies {
			if _, ok := graph[d]; !ok {
				missing = append(missing, d)
			}
		}
		if len(missing) > 0 {
			return depErr(ErrMissingDependency, m.Name, missing...)
		}
	}
	if err := findCycle(order, graph); err != nil {
		return err
	}
	p.mods = graph
	p.order = order
	return nil
}

// Unregister removes name unless another module depends on it.
func (p *Pipeline) Unregister(name string) error {
	name = strings.TrimSpace(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mods[name]; !ok {
		return depErr(ErrModuleNotFound, name)
	}
	var dependents []string
	for _, other := range p.order {
		if slices.Contains(p.mods[other].Dependencies, name) {
			dependents = append(dependents, other)
		}
	}
	if len(dependents) > 0 {
		return depErr(ErrDependentExists, name, dependents...)
	}
	delete(p.mods, name)
	p.order = slices.DeleteFunc(p.order, func(n string) bool { return n == name })
	return nil
}

// Reset drops every module and empties the execution context.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.mods = map[string]Module{}
	p.order = nil
	p.mu.Unlock()
	p.board.Clear()
}

// Modules lists registered modules in registration order.
func (p *Pipeline) Modules() []Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Info, 0, len(p.order))
	for _, n := range p.order {
		m := p.mods[n]
		out = append(out, Info{
			Name:         m.Name,
			Dependencies: slices.Clone(m.Dependencies),
			Provides:     slices.Clone(m.Provides),
		})
	}
	return out
}

// Providers returns the sorted names of modules that provide tag.
func (p *Pipeline) Providers(tag string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for n, m := range p.mods {
		if slices.Contains(m.Provides, tag) {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks the registered graph for cycles and dangling references.
func (p *Pipeline) Validate() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.order {
		for _, d := range p.mods[n].Dependencies {
			if _, ok := p.mods[d]; !ok {
				return depErr(ErrMissingDependency, n, d)
			}
		}
	}
	return findCycle(p.order, p.mods)
}

// Run executes every module once, dependencies first, walking modules in
// registration order. A failing module is logged and recorded; the rest
// still run. Run returns an error only for an invalid graph or when ctx
// ends before the walk is done.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	if err := p.Validate(); err != nil {
		return Report{}, err
	}
	p.mu.RLock()
	order := slices.Clone(p.order)
	mods := make(map[string]Module, len(p.mods))
	for k, v := range p.mods {
		mods[k] = v
	}
	p.mu.RUnlock()

	start := time.Now()
	rep := Report{Failed: map[string]error{}}
	done := make(map[string]bool, len(order))

	var visit func(name string) error
	visit = func(name string) error {
		if done[name] {
			return nil
		}
		done[name] = true
		m := mods[name]
		for _, d := range m.Dependencies {
			if err := visit(d); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rep.Order = append(rep.Order, name)
		if err := p.execute(ctx, m); err != nil {
			rep.Failed[name] = err
		}
		return nil
	}

	var err error
	for _, n := range order {
		if err = visit(n); err != nil {
			break
		}
	}
	rep.Took = time.Since(start)
	p.log.Info("pipeline run finished",
		logx.Int("modules", len(rep.Order)),
		logx.Int("failed", len(rep.Failed)),
		logx.Duration("took", rep.Took),
	)
	return rep, err
}

func (p *Pipeline) execute(ctx context.Context, m Module) (err error) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			p.log.Error("module panic",
				logx.String("module", m.Name),
				logx.Any("panic", rec),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("module %s: panic: %v", m.Name, rec)
		}
		took := time.Since(start)
		ev := ModuleEvent{Name: m.Name, Duration: took}
		typ := EventModuleCompleted
		if err != nil {
			typ = EventModuleFailed
			ev.Error = err.Error()
			p.log.Warn("module failed", logx.String("module", m.Name), logx.Duration("took", took), logx.Err(err))
		} else if p.log.Enabled(logx.LevelDebug) {
			p.log.Debug("module executed", logx.String("module", m.Name), logx.Duration("took", took))
		}
		if p.bus != nil {
			p.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
		}
	}()
	return m.Execute(ctx, p.board)
}

// findCycle runs a three-colour DFS in the given order and returns the
// first cycle found.
func findCycle(order []string, mods map[string]Module) error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(mods))
	var stack []string

	var dfs func(n string) []string
	dfs = func(n string) []string {
		color[n] = grey
		stack = append(stack, n)
		for _, d := range mods[n].Dependencies {
			if _, ok := mods[d]; !ok {
				continue
			}
			switch color[d] {
			case grey:
				i := slices.Index(stack, d)
				cycle := slices.Clone(stack[i:])
				return append(cycle, d)
			case white:
				if c := dfs(d); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}

	for _, n := range order {
		if color[n] != white {
			continue
		}
		if c := dfs(n); c != nil {
			return depErr(ErrCyclicDependency, c[0], c...)
		}
	}
	return nil
}
