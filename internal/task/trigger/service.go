package trigger

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	logx "agentcore/pkg/logx"
)

const submitWarnEvery = 5 * time.Second

func New(cfg Config, eng Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		engine: eng,
		// SecondOptional accepts both 5-field and 6-field cron expressions.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*jobDef{},
		warn:   map[string]*rate.Limiter{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the configuration. A running service is restarted when the
// timezone changes so schedules are recomputed in the new location.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// Start begins firing registered jobs. It is a no-op when already running.
func (s *Service) Start(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, name := range s.order {
		s.scheduleLocked(s.defs[name])
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

// Stop stops firing. Job definitions are kept for the next Start. Tasks
// already submitted are left to the engine.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.log.Info("trigger service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) restartLocked() {
	if s.c != nil {
		// Running jobs need s.mu; do not wait for them here.
		s.c.Stop()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, name := range s.order {
		s.scheduleLocked(s.defs[name])
	}
	s.c.Start()
	s.log.Info("trigger service restarted", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	tz := strings.TrimSpace(s.cfg.Timezone)
	if s.loc != nil {
		tz = s.loc.String()
	}
	out := Snapshot{Enabled: s.cfg.Enabled, Running: s.c != nil, Timezone: tz}
	for _, name := range s.order {
		d := s.defs[name]
		it := JobInfo{
			Name:     name,
			Spec:     d.spec.Spec(),
			Kind:     d.spec.Kind,
			Priority: d.job.Priority,
			Timeout:  d.job.Timeout,
			LastTask: d.lastTask,
			Fired:    d.fired,
			Skipped:  d.skipped,
			Failed:   d.failed,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out.Jobs = append(out.Jobs, it)
	}
	return out
}
