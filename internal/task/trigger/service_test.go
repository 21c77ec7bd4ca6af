package trigger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/task/engine"
	logx "agentcore/pkg/logx"
)

type fakeEngine struct {
	mu     sync.Mutex
	tasks  []engine.Task
	status map[string]engine.Status
	err    error
}

func (f *fakeEngine) Submit(t engine.Task) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.tasks = append(f.tasks, t)
	id := t.Name + "#" + string(rune('0'+len(f.tasks)))
	if f.status == nil {
		f.status = map[string]engine.Status{}
	}
	f.status[id] = engine.StatusPending
	return id, nil
}

func (f *fakeEngine) Status(id string) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.status[id]
	if !ok {
		return 0, engine.ErrNotFound
	}
	return st, nil
}

func (f *fakeEngine) set(id string, st engine.Status) {
	f.mu.Lock()
	f.status[id] = st
	f.mu.Unlock()
}

func noop(context.Context, map[string]any) (any, error) { return nil, nil }

func TestFireSkipsOverlap(t *testing.T) {
	eng := &fakeEngine{}
	s := New(Config{Enabled: true}, eng, logx.Nop())
	require.NoError(t, s.Add(Job{Name: "sweep", Schedule: "10m", Priority: 3, Timeout: time.Second, Run: noop}))

	id, err := s.Fire("sweep")
	require.NoError(t, err)
	require.Len(t, eng.tasks, 1)
	assert.Equal(t, "trigger.sweep", eng.tasks[0].Name)
	assert.Equal(t, 3, eng.tasks[0].Priority)
	assert.Equal(t, "sweep", eng.tasks[0].Context["trigger"])

	_, err = s.Fire("sweep")
	assert.ErrorIs(t, err, ErrOverlap)

	eng.set(id, engine.StatusCompleted)
	_, err = s.Fire("sweep")
	require.NoError(t, err)

	snap := s.Snapshot()
	require.Len(t, snap.Jobs, 1)
	assert.Equal(t, uint64(2), snap.Jobs[0].Fired)
	assert.Equal(t, uint64(1), snap.Jobs[0].Skipped)
	assert.Equal(t, SpecInterval, snap.Jobs[0].Kind)

	_, err = s.Fire("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestFireSubmitError(t *testing.T) {
	eng := &fakeEngine{err: engine.ErrQueueFull}
	s := New(Config{}, eng, logx.Nop())
	require.NoError(t, s.Add(Job{Name: "j", Schedule: "@hourly", Run: noop}))
	_, err := s.Fire("j")
	assert.ErrorIs(t, err, engine.ErrQueueFull)
	s.reportFireError("j", err)
	assert.Equal(t, uint64(1), s.Snapshot().Jobs[0].Failed)
}

func TestAddValidation(t *testing.T) {
	s := New(Config{}, &fakeEngine{}, logx.Nop())
	assert.Error(t, s.Add(Job{Name: "", Schedule: "1m", Run: noop}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "1m"}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "bogus"}))
	assert.Error(t, s.Add(Job{Name: "x", Schedule: "cron:61 * * * *", Run: noop}))
}

func TestReplace(t *testing.T) {
	s := New(Config{}, &fakeEngine{}, logx.Nop())
	require.NoError(t, s.Add(Job{Name: "a", Schedule: "1m", Run: noop}))
	require.NoError(t, s.Add(Job{Name: "b", Schedule: "1m", Run: noop}))

	err := s.Replace([]Job{
		{Name: "b", Schedule: "2m", Run: noop},
		{Name: "c", Schedule: "bad", Run: noop},
		{Name: "d", Schedule: "@daily", Run: noop},
	})
	require.Error(t, err)

	var names []string
	for _, j := range s.Snapshot().Jobs {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"b", "d"}, names)
	assert.Equal(t, "@every 2m0s", s.Snapshot().Jobs[0].Spec)
	assert.False(t, s.Remove("a"))
	assert.True(t, s.Remove("b"))
}

func TestCronFiresIntoEngine(t *testing.T) {
	eng := engine.New(engine.Config{Workers: 1, DefaultTimeout: time.Second}, nil, logx.Nop(), nil)
	eng.Start(context.Background())
	defer func() { _ = eng.Stop(context.Background()) }()

	ran := make(chan struct{}, 8)
	s := New(Config{Enabled: true}, eng, logx.Nop())
	require.NoError(t, s.Add(Job{Name: "tick", Schedule: "@every 1s", Run: func(context.Context, map[string]any) (any, error) {
		ran <- struct{}{}
		return nil, nil
	}}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case <-ran:
	case <-time.After(4 * time.Second):
		t.Fatal("job did not fire")
	}
	assert.True(t, s.Snapshot().Running)
	assert.NotEmpty(t, s.Snapshot().Jobs[0].LastTask)
}

func TestApplyTimezoneRestarts(t *testing.T) {
	s := New(Config{Enabled: true}, &fakeEngine{}, logx.Nop())
	require.NoError(t, s.Add(Job{Name: "a", Schedule: "@hourly", Run: noop}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	snap := s.Snapshot()
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Jobs, 1)
	assert.False(t, snap.Jobs[0].Next.IsZero())
}
