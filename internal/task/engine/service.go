package engine

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"agentcore/internal/blackboard"
	"agentcore/internal/eventbus"
	rtsup "agentcore/internal/runtime/supervisor"
	logx "agentcore/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is the dependency-aware task scheduler. Workers pull the highest
// priority ready task; a task whose dependencies are not all Completed is
// put back at a slightly lower priority so it does not block ready work.
type Service struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	board *blackboard.Board

	tasks map[string]*record
	queue readyQueue
	seq   uint64
	idSeq uint64

	running  bool
	stopping bool
	stopDone chan struct{}
	sup      *rtsup.Supervisor
	unwake   func() bool

	inFlight  int
	submitted uint64
	completed uint64
	failed    uint64
	rejected  uint64

	history []HistoryItem

	warnLimiter *rate.Limiter
}

// record is the engine-owned state of one task. All fields after task are
// guarded by Service.mu.
type record struct {
	id   string
	task Task

	effPriority int
	seq         uint64
	index       int

	status     Status
	result     any
	err        error
	submitted  time.Time
	started    time.Time
	finished   time.Time
	dependents []string

	done chan struct{}
}

func (r *record) info() Info {
	return Info{
		ID:           r.id,
		Name:         r.task.Name,
		Priority:     r.task.Priority,
		Dependencies: append([]string(nil), r.task.Dependencies...),
		Status:       r.status,
		Result:       r.result,
		Err:          r.err,
		Submitted:    r.submitted,
		Started:      r.started,
		Finished:     r.finished,
	}
}

// New creates an engine bound to board. A nil board gets a fresh one.
func New(cfg Config, board *blackboard.Board, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	if board == nil {
		board = blackboard.New()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		board:       board,
		tasks:       make(map[string]*record),
		warnLimiter: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Board returns the shared execution context.
func (s *Service) Board() *blackboard.Board { return s.board }

// Apply updates the configuration. Worker count changes apply on the next Start.
func (s *Service) Apply(cfg Config) {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig().HistorySize
	}
	s.mu.Lock()
	prev := s.cfg
	if cfg.Workers <= 0 {
		cfg.Workers = prev.Workers
	}
	s.cfg = cfg
	running := s.running
	s.mu.Unlock()

	if running && prev.Workers != cfg.Workers {
		s.log.Info("worker count change applies on next start", logx.Int("workers", prev.Workers), logx.Int("next_workers", cfg.Workers))
	}
}

// Start launches the worker pool. Calling Start while running is a no-op;
// calling it during Stop waits for the stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for {
		if s.stopping {
			done := s.stopDone
			s.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
			s.mu.Lock()
			continue
		}
		if s.running && s.sup != nil && s.sup.Context().Err() != nil {
			// parent context ended; finish tearing the old pool down first
			sup := s.sup
			s.mu.Unlock()
			if err := s.stop(ctx, sup); err != nil {
				return
			}
			s.mu.Lock()
			continue
		}
		break
	}
	if s.running {
		s.mu.Unlock()
		return
	}
	workers := s.cfg.Workers
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "engine.supervisor"))))
	s.sup = sup
	s.running = true
	// Workers block on cond; wake them and tear the pool down when the
	// parent context ends without Stop.
	s.unwake = context.AfterFunc(sup.Context(), func() {
		s.mu.Lock()
		s.cond.Broadcast()
		halted := !s.stopping
		s.mu.Unlock()
		if halted {
			_ = s.stop(context.Background(), sup)
		}
	})
	pending := s.queue.Len()
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.Go0(fmt.Sprintf("worker.%d", i), s.worker)
	}
	s.log.Info("task engine started", logx.Int("workers", workers), logx.Int("pending", pending))
}

// Stop fails every pending task with ErrInterrupted, cancels in-flight work
// and waits for the workers to exit. ctx bounds the wait only.
func (s *Service) Stop(ctx context.Context) error {
	return s.stop(ctx, nil)
}

// stop tears the pool down. A non-nil only limits it to that pool, so a
// late teardown never stops a pool started after it.
func (s *Service) stop(ctx context.Context, only *rtsup.Supervisor) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if only != nil && s.sup != only {
		s.mu.Unlock()
		return nil
	}
	if s.stopping {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.stopping = true
	done := make(chan struct{})
	s.stopDone = done

	var notes []notice
	drained := 0
	for s.queue.Len() > 0 {
		r := heap.Pop(&s.queue).(*record)
		notes = s.finishLocked(r, nil, ErrInterrupted, notes)
		drained++
	}
	s.cond.Broadcast()
	sup := s.sup
	unwake := s.unwake
	s.mu.Unlock()

	s.deliver(notes)
	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		if unwake != nil {
			unwake()
		}
		s.mu.Lock()
		s.running = false
		s.stopping = false
		s.stopDone = nil
		s.sup = nil
		s.unwake = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped", logx.Int("interrupted", drained))
		return nil
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Submit validates t and enqueues it as Pending. It never blocks.
func (s *Service) Submit(t Task) (string, error) {
	if t.Work == nil {
		return "", invalidf("work is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		t.Name = "task"
	}
	if t.Timeout < 0 {
		return "", invalidf("negative timeout %s", t.Timeout)
	}
	t.Dependencies = dedupe(t.Dependencies)
	if len(t.Context) > 0 {
		local := make(map[string]any, len(t.Context))
		for k, v := range t.Context {
			local[k] = v
		}
		t.Context = local
	}

	now := time.Now()
	s.mu.Lock()
	if s.stopping {
		s.rejected++
		s.mu.Unlock()
		return "", ErrStopping
	}
	if s.cfg.QueueSize > 0 && s.queue.Len() >= s.cfg.QueueSize {
		s.rejected++
		size := s.cfg.QueueSize
		s.mu.Unlock()
		if s.warnLimiter.Allow() {
			s.log.Warn("task rejected: queue full", logx.String("task", t.Name), logx.Int("queue_size", size))
		}
		return "", ErrQueueFull
	}
	var failedDep string
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok {
			s.rejected++
			s.mu.Unlock()
			return "", invalidf("unknown dependency %q", dep)
		}
		if d.status == StatusFailed && failedDep == "" {
			failedDep = dep
		}
	}

	s.seq++
	r := &record{
		id:          s.newTaskIDLocked(now),
		task:        t,
		effPriority: t.Priority,
		seq:         s.seq,
		index:       -1,
		status:      StatusPending,
		submitted:   now,
		done:        make(chan struct{}),
	}
	s.tasks[r.id] = r
	s.submitted++
	for _, dep := range t.Dependencies {
		d := s.tasks[dep]
		d.dependents = append(d.dependents, r.id)
	}

	// Published under the lock so no worker can report the start first.
	s.publish(EventSubmitted, r.id, t.Name, StatusPending, t.Priority, 0, 0, nil)

	var notes []notice
	if failedDep != "" && s.cfg.CascadeFailures {
		notes = s.finishLocked(r, nil, fmt.Errorf("%w: %s", ErrDependencyFailed, failedDep), notes)
	} else {
		heap.Push(&s.queue, r)
		s.cond.Signal()
	}
	s.mu.Unlock()

	s.deliver(notes)
	return r.id, nil
}

// Status returns the current status of id.
func (s *Service) Status(id string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tasks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.status, nil
}

// Result returns the value produced by id once it is Completed.
func (s *Service) Result(id string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tasks[id]
	if !ok || r.status != StatusCompleted {
		return nil, false
	}
	return r.result, true
}

func (s *Service) Info(id string) (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tasks[id]
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.info(), nil
}

// List returns every known task in submission order.
func (s *Service) List() []Info {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.tasks))
	for _, r := range s.tasks {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]Info, len(recs))
	for i, r := range recs {
		out[i] = r.info()
	}
	s.mu.Unlock()
	return out
}

// Wait blocks the caller until id is terminal or ctx ends.
func (s *Service) Wait(ctx context.Context, id string) (Info, error) {
	s.mu.Lock()
	r, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return Info{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	select {
	case <-r.done:
		return s.Info(id)
	case <-ctx.Done():
		return Info{}, ctx.Err()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	return Snapshot{
		Running:         s.running,
		Stopping:        s.stopping,
		Workers:         s.cfg.Workers,
		Pending:         s.queue.Len(),
		InFlight:        s.inFlight,
		Submitted:       s.submitted,
		Completed:       s.completed,
		Failed:          s.failed,
		Rejected:        s.rejected,
		QueueSize:       s.cfg.QueueSize,
		DefaultTimeout:  s.cfg.DefaultTimeout,
		CascadeFailures: s.cfg.CascadeFailures,
		History:         h,
	}
}

func (s *Service) newTaskIDLocked(now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
