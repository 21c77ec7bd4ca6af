package trigger

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"agentcore/internal/task/engine"
	logx "agentcore/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA name, empty for Local
}

// Submitter is the part of the engine the trigger service uses.
type Submitter interface {
	Submit(t engine.Task) (string, error)
	Status(id string) (engine.Status, error)
}

// Job is a scheduled unit of work.
type Job struct {
	Name     string
	Schedule string
	Priority int
	Timeout  time.Duration
	Context  map[string]any
	Run      engine.Work
}

type jobDef struct {
	job     Job
	spec    ParsedSpec
	entryID cron.EntryID
	spread  time.Duration

	lastTask string
	fired    uint64
	skipped  uint64
	failed   uint64
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*jobDef
	order  []string

	engine Submitter

	warnMu sync.Mutex
	warn   map[string]*rate.Limiter
}

type JobInfo struct {
	Name     string
	Spec     string
	Kind     SpecKind
	Priority int
	Timeout  time.Duration
	Next     time.Time
	Prev     time.Time
	LastTask string
	Fired    uint64
	Skipped  uint64
	Failed   uint64
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	Jobs     []JobInfo
}
