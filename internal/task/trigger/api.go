package trigger

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"agentcore/internal/task/engine"
	logx "agentcore/pkg/logx"
)

var (
	ErrJobNotFound = errors.New("trigger job not found")
	// ErrOverlap is returned by Fire when the previous run has not finished.
	ErrOverlap = errors.New("previous run still active")
)

// Add registers or replaces a job by name.
func (s *Service) Add(job Job) error {
	job.Name = strings.TrimSpace(job.Name)
	if job.Name == "" {
		return errors.New("job name required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run required", job.Name)
	}
	ps, err := ParseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	if ps.Kind == SpecCron {
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("job %s: invalid cron %q: %w", job.Name, ps.Cron, err)
		}
	}
	job.Context = maps.Clone(job.Context)

	s.mu.Lock()
	defer s.mu.Unlock()
	d := &jobDef{job: job, spec: ps}
	if old, ok := s.defs[job.Name]; ok {
		if s.c != nil && old.entryID != 0 {
			s.c.Remove(old.entryID)
		}
		// keep overlap tracking across reloads
		d.lastTask = old.lastTask
		d.fired, d.skipped, d.failed = old.fired, old.skipped, old.failed
	} else {
		s.order = append(s.order, job.Name)
	}
	s.defs[job.Name] = d
	if s.c != nil {
		s.scheduleLocked(d)
	}
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.log.Debug("trigger removed", logx.String("job", name))
	return true
}

// Replace makes jobs the complete set of registered jobs. Invalid jobs are
// skipped and reported together.
func (s *Service) Replace(jobs []Job) error {
	keep := make(map[string]bool, len(jobs))
	var errs []error
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			errs = append(errs, err)
			continue
		}
		keep[strings.TrimSpace(j.Name)] = true
	}
	s.mu.Lock()
	var stale []string
	for _, n := range s.order {
		if !keep[n] {
			stale = append(stale, n)
		}
	}
	s.mu.Unlock()
	for _, n := range stale {
		s.Remove(n)
	}
	return errors.Join(errs...)
}

// Fire submits name immediately, honouring the overlap rule. It returns
// the task id.
func (s *Service) Fire(name string) (string, error) {
	return s.fire(strings.TrimSpace(name))
}

func (s *Service) scheduleLocked(d *jobDef) {
	name := d.job.Name
	job := cron.FuncJob(func() {
		if _, err := s.fire(name); err != nil {
			s.reportFireError(name, err)
		}
	})
	if d.spec.Kind == SpecInterval {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		sched, jitter := intervalWithSpread(d.spec.Every, time.Now().In(loc), name)
		d.spread = jitter
		d.entryID = s.c.Schedule(sched, job)
	} else {
		d.spread = 0
		eid, err := s.c.AddJob(d.spec.Cron, job)
		if err != nil {
			s.log.Error("trigger register failed", logx.String("job", name), logx.String("spec", d.spec.Cron), logx.Err(err))
			return
		}
		d.entryID = eid
	}
	fields := []logx.Field{
		logx.String("job", name),
		logx.String("spec", d.spec.Spec()),
		logx.Duration("timeout", d.job.Timeout),
	}
	if d.spread > 0 {
		fields = append(fields, logx.Duration("spread", d.spread))
	}
	if next := s.previewLocked(d, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("trigger registered", fields...)
}

func (s *Service) fire(name string) (string, error) {
	s.mu.Lock()
	d, ok := s.defs[name]
	if !ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if s.engine == nil {
		s.mu.Unlock()
		return "", errors.New("no engine")
	}
	if d.lastTask != "" {
		if st, err := s.engine.Status(d.lastTask); err == nil && !st.Terminal() {
			d.skipped++
			s.mu.Unlock()
			return "", fmt.Errorf("%w: %s", ErrOverlap, d.lastTask)
		}
	}
	job := d.job
	local := maps.Clone(job.Context)
	if local == nil {
		local = map[string]any{}
	}
	local["trigger"] = name
	id, err := s.engine.Submit(engine.Task{
		Name:     "trigger." + name,
		Work:     job.Run,
		Priority: job.Priority,
		Timeout:  job.Timeout,
		Context:  local,
	})
	if err != nil {
		d.failed++
		s.mu.Unlock()
		return "", err
	}
	d.lastTask = id
	d.fired++
	s.mu.Unlock()
	return id, nil
}

func (s *Service) reportFireError(name string, err error) {
	if errors.Is(err, ErrOverlap) {
		s.log.Debug("trigger skipped", logx.String("job", name), logx.Err(err))
		return
	}
	s.warnMu.Lock()
	lim, ok := s.warn[name]
	if !ok {
		lim = rate.NewLimiter(rate.Every(submitWarnEvery), 1)
		s.warn[name] = lim
	}
	s.warnMu.Unlock()
	if lim.Allow() {
		s.log.Warn("trigger failed to submit task", logx.String("job", name), logx.Err(err))
	}
}

// previewLocked formats the next n fire times when debug logging is on.
func (s *Service) previewLocked(d *jobDef, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || d.spec.Kind != SpecCron {
		return ""
	}
	sched, err := s.parser.Parse(d.spec.Cron)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
