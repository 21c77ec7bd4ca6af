// Package command parses operator command lines and dispatches them to the
// built-in operations or to registered extensions.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentcore/internal/blackboard"
	"agentcore/internal/history"
	"agentcore/internal/pipeline"
	"agentcore/internal/plan"
	"agentcore/internal/task/engine"
	logx "agentcore/pkg/logx"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrUsage          = errors.New("usage")
	ErrReserved       = errors.New("command name reserved")
)

const defaultWaitTimeout = 30 * time.Second

// Handler implements an extension command.
type Handler func(ctx context.Context, c Command) (string, error)

type Extension struct {
	Description string
	Usage       string
	Handler     Handler
}

// Deps are the components the built-in operations act on. Runner is used
// by "plan --submit"; without it plans are only built.
type Deps struct {
	Engine   *engine.Service
	Pipeline *pipeline.Pipeline
	History  *history.History
	Runner   plan.Runner
	Log      logx.Logger
}

type Dispatcher struct {
	deps Deps
	log  logx.Logger

	mu   sync.RWMutex
	exts map[string]Extension
}

func NewDispatcher(deps Deps) *Dispatcher {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.History == nil {
		deps.History = history.New(0)
	}
	return &Dispatcher{deps: deps, log: log, exts: map[string]Extension{}}
}

func (d *Dispatcher) History() *history.History { return d.deps.History }

// Register adds an extension command. Built-in names cannot be overridden.
func (d *Dispatcher) Register(name string, ext Extension) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || ext.Handler == nil {
		return fmt.Errorf("%w: extension needs a name and a handler", ErrUsage)
	}
	if Builtin(name) {
		return fmt.Errorf("%w: %s", ErrReserved, name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.exts[name]; ok {
		return fmt.Errorf("command %s already registered", name)
	}
	d.exts[name] = ext
	return nil
}

func (d *Dispatcher) Unregister(name string) {
	d.mu.Lock()
	delete(d.exts, strings.ToLower(strings.TrimSpace(name)))
	d.mu.Unlock()
}

// Dispatch parses line, records it in the history and runs it.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) (string, error) {
	c, err := Parse(line)
	if err != nil {
		return "", err
	}
	d.deps.History.Add(c.Raw, map[string]any{"op": c.Op.String()})

	start := time.Now()
	out, err := d.exec(ctx, c)
	if err != nil {
		d.log.Warn("command failed", logx.String("cmd", c.Name), logx.Duration("took", time.Since(start)), logx.Err(err))
		return out, err
	}
	if d.log.Enabled(logx.LevelDebug) {
		d.log.Debug("command ok", logx.String("cmd", c.Name), logx.Duration("took", time.Since(start)))
	}
	return out, nil
}

func (d *Dispatcher) exec(ctx context.Context, c Command) (string, error) {
	switch c.Op {
	case OpHelp:
		return d.help(c)
	case OpStatus:
		return d.status()
	case OpTasks:
		return d.tasks(c)
	case OpTask:
		return d.task(c)
	case OpWait:
		return d.wait(ctx, c)
	case OpModules:
		return d.modules()
	case OpRun:
		return d.run(ctx)
	case OpGet:
		return d.get(c)
	case OpSet:
		return d.set(c)
	case OpHistory:
		return d.history(c)
	case OpPlan:
		return d.plan(ctx, c)
	default:
		d.mu.RLock()
		ext, ok := d.exts[c.Name]
		d.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("%w: %s (try help)", ErrUnknownCommand, c.Name)
		}
		return ext.Handler(ctx, c)
	}
}

type builtin struct{ name, usage, desc string }

var builtins = []builtin{
	{"help", "help [command]", "list commands"},
	{"status", "status", "engine and pipeline summary"},
	{"tasks", "tasks [--limit n]", "list recent tasks"},
	{"task", "task <id>", "show one task"},
	{"wait", "wait <id> [--timeout 30s]", "block until a task finishes"},
	{"modules", "modules", "list pipeline modules"},
	{"run", "run", "run the pipeline once"},
	{"get", "get [key]", "read the execution context"},
	{"set", "set <key> <value>", "write the execution context (JSON values accepted)"},
	{"history", "history [query] [--limit n]", "show or search command history"},
	{"plan", "plan <command...> [--submit]", "build a plan from the context actions"},
}

func (d *Dispatcher) help(c Command) (string, error) {
	if len(c.Args) > 0 {
		name := strings.ToLower(c.Args[0])
		for _, b := range builtins {
			if b.name == name {
				return b.usage + "\n  " + b.desc, nil
			}
		}
		d.mu.RLock()
		ext, ok := d.exts[name]
		d.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownCommand, name)
		}
		usage := ext.Usage
		if usage == "" {
			usage = name
		}
		return usage + "\n  " + ext.Description, nil
	}
	lines := []string{"commands:"}
	for _, b := range builtins {
		lines = append(lines, fmt.Sprintf("  %-8s %s", b.name, b.desc))
	}
	d.mu.RLock()
	names := make([]string, 0, len(d.exts))
	for n := range d.exts {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		lines = append(lines, fmt.Sprintf("  %-8s %s", n, d.exts[n].Description))
	}
	d.mu.RUnlock()
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) needEngine() error {
	if d.deps.Engine == nil {
		return errors.New("engine not available")
	}
	return nil
}

func (d *Dispatcher) status() (string, error) {
	if err := d.needEngine(); err != nil {
		return "", err
	}
	s := d.deps.Engine.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "engine: running=%t workers=%d pending=%d in_flight=%d\n", s.Running, s.Workers, s.Pending, s.InFlight)
	fmt.Fprintf(&b, "tasks: submitted=%d completed=%d failed=%d rejected=%d\n", s.Submitted, s.Completed, s.Failed, s.Rejected)
	if d.deps.Pipeline != nil {
		fmt.Fprintf(&b, "pipeline: modules=%d\n", len(d.deps.Pipeline.Modules()))
	}
	fmt.Fprintf(&b, "context: keys=%d", d.deps.Engine.Board().Len())
	return b.String(), nil
}

func (d *Dispatcher) tasks(c Command) (string, error) {
	if err := d.needEngine(); err != nil {
		return "", err
	}
	limit, err := intFlag(c, "limit", 20)
	if err != nil {
		return "", err
	}
	list := d.deps.Engine.List()
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	if len(list) == 0 {
		return "no tasks", nil
	}
	lines := make([]string, 0, len(list))
	for _, info := range list {
		lines = append(lines, fmt.Sprintf("%s  %-9s p=%d  %s", info.ID, info.Status, info.Priority, info.Name))
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) task(c Command) (string, error) {
	if err := d.needEngine(); err != nil {
		return "", err
	}
	if len(c.Args) != 1 {
		return "", fmt.Errorf("%w: task <id>", ErrUsage)
	}
	info, err := d.deps.Engine.Info(c.Args[0])
	if err != nil {
		return "", err
	}
	return formatInfo(info), nil
}

func (d *Dispatcher) wait(ctx context.Context, c Command) (string, error) {
	if err := d.needEngine(); err != nil {
		return "", err
	}
	if len(c.Args) != 1 {
		return "", fmt.Errorf("%w: wait <id> [--timeout 30s]", ErrUsage)
	}
	timeout := defaultWaitTimeout
	if v := c.Flag("timeout", ""); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil || dur <= 0 {
			return "", fmt.Errorf("%w: bad timeout %q", ErrUsage, v)
		}
		timeout = dur
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	info, err := d.deps.Engine.Wait(wctx, c.Args[0])
	if err != nil {
		return "", err
	}
	return formatInfo(info), nil
}

func formatInfo(info engine.Info) string {
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\nname: %s\nstatus: %s\npriority: %d", info.ID, info.Name, info.Status, info.Priority)
	if len(info.Dependencies) > 0 {
		fmt.Fprintf(&b, "\ndepends: %s", strings.Join(info.Dependencies, ", "))
	}
	if !info.Started.IsZero() {
		fmt.Fprintf(&b, "\nqueue_delay: %s", info.QueueDelay().Round(time.Millisecond))
	}
	if !info.Finished.IsZero() && !info.Started.IsZero() {
		fmt.Fprintf(&b, "\ntook: %s", info.Duration().Round(time.Millisecond))
	}
	if info.Err != nil {
		fmt.Fprintf(&b, "\nerror: %v", info.Err)
	}
	if info.Status == engine.StatusCompleted && info.Result != nil {
		fmt.Fprintf(&b, "\nresult: %s", render(info.Result))
	}
	return b.String()
}

func (d *Dispatcher) modules() (string, error) {
	if d.deps.Pipeline == nil {
		return "", errors.New("pipeline not available")
	}
	mods := d.deps.Pipeline.Modules()
	if len(mods) == 0 {
		return "no modules", nil
	}
	lines := make([]string, 0, len(mods))
	for _, m := range mods {
		line := m.Name
		if len(m.Dependencies) > 0 {
			line += " <- " + strings.Join(m.Dependencies, ", ")
		}
		if len(m.Provides) > 0 {
			line += " [" + strings.Join(m.Provides, ", ") + "]"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) run(ctx context.Context) (string, error) {
	if d.deps.Pipeline == nil {
		return "", errors.New("pipeline not available")
	}
	rep, err := d.deps.Pipeline.Run(ctx)
	if err != nil {
		return "", err
	}
	out := fmt.Sprintf("ran %d modules in %s: %s", len(rep.Order), rep.Took.Round(time.Millisecond), strings.Join(rep.Order, ", "))
	if !rep.OK() {
		names := make([]string, 0, len(rep.Failed))
		for n := range rep.Failed {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			out += fmt.Sprintf("\nfailed %s: %v", n, rep.Failed[n])
		}
	}
	return out, nil
}

func (d *Dispatcher) board() (*blackboard.Board, error) {
	switch {
	case d.deps.Engine != nil:
		return d.deps.Engine.Board(), nil
	case d.deps.Pipeline != nil:
		return d.deps.Pipeline.Board(), nil
	default:
		return nil, errors.New("context not available")
	}
}

func (d *Dispatcher) get(c Command) (string, error) {
	b, err := d.board()
	if err != nil {
		return "", err
	}
	if len(c.Args) == 0 {
		keys := b.Keys()
		if len(keys) == 0 {
			return "context is empty", nil
		}
		return strings.Join(keys, "\n"), nil
	}
	v, ok := b.Lookup(c.Args[0])
	if !ok {
		return "", fmt.Errorf("key %q not set", c.Args[0])
	}
	return render(v), nil
}

func (d *Dispatcher) set(c Command) (string, error) {
	b, err := d.board()
	if err != nil {
		return "", err
	}
	if len(c.Args) < 2 {
		return "", fmt.Errorf("%w: set <key> <value>", ErrUsage)
	}
	raw := strings.Join(c.Args[1:], " ")
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		v = raw
	}
	b.Set(c.Args[0], v)
	return "ok", nil
}

func (d *Dispatcher) history(c Command) (string, error) {
	limit, err := intFlag(c, "limit", 10)
	if err != nil {
		return "", err
	}
	var entries []history.Entry
	if len(c.Args) > 0 {
		entries = d.deps.History.Search(strings.Join(c.Args, " "))
		if len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
	} else {
		entries = d.deps.History.Last(limit)
	}
	if len(entries) == 0 {
		return "no history", nil
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Time.Format("15:04:05")+"  "+e.Command)
	}
	return strings.Join(lines, "\n"), nil
}

func (d *Dispatcher) plan(ctx context.Context, c Command) (string, error) {
	b, err := d.board()
	if err != nil {
		return "", err
	}
	if len(c.Args) == 0 {
		return "", fmt.Errorf("%w: plan <command...> [--submit]", ErrUsage)
	}
	b.Set(plan.KeyCommand, strings.Join(c.Args, " "))
	opts := plan.ModuleOptions{}
	if c.Bools["submit"] {
		if d.deps.Engine == nil || d.deps.Runner == nil {
			return "", errors.New("plan submission not available")
		}
		opts.Submitter = d.deps.Engine
		opts.Runner = d.deps.Runner
	}
	if err := plan.Module(opts).Execute(ctx, b); err != nil {
		return "", err
	}
	p, ok := b.Get(plan.KeyPlan, nil).(*plan.Plan)
	if !ok {
		return "", errors.New("plan not produced")
	}
	out := fmt.Sprintf("plan %s: %d steps, est %s, status %s", p.ID, len(p.Steps), p.Metadata.EstimatedDuration, p.Status)
	if ids, ok := b.Get(plan.KeyPlanTasks, nil).(map[string]string); ok && opts.Submitter != nil {
		for _, st := range p.Steps {
			out += fmt.Sprintf("\n  %s -> %s", st.ID, ids[st.ID])
		}
	}
	return out, nil
}

func intFlag(c Command, name string, def int) (int, error) {
	v := c.Flag(name, "")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: --%s must be a positive integer", ErrUsage, name)
	}
	return n, nil
}

func render(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
