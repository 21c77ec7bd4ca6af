package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/blackboard"
	"agentcore/internal/history"
	"agentcore/internal/pipeline"
	"agentcore/internal/plan"
	"agentcore/internal/task/engine"
	logx "agentcore/pkg/logx"
)

func newDispatcher(t *testing.T) (*Dispatcher, *engine.Service, *pipeline.Pipeline) {
	t.Helper()
	board := blackboard.New()
	eng := engine.New(engine.Config{Workers: 2, DefaultTimeout: time.Second, CascadeFailures: true}, board, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	pipe := pipeline.New(board, logx.Nop(), nil)
	d := NewDispatcher(Deps{
		Engine:   eng,
		Pipeline: pipe,
		History:  history.New(50),
		Runner: func(_ context.Context, _ *plan.Plan, st plan.Step, _ map[string]any) (any, error) {
			return map[string]any{"ran_" + st.ID: true}, nil
		},
	})
	return d, eng, pipe
}

func TestDispatchRecordsHistory(t *testing.T) {
	d, _, _ := newDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, "status")
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, "nosuch thing")
	require.ErrorIs(t, err, ErrUnknownCommand)

	assert.Equal(t, 2, d.History().Len())
	out, err := d.Dispatch(ctx, "history nosuch")
	require.NoError(t, err)
	assert.Contains(t, out, "nosuch thing")
}

func TestGetSet(t *testing.T) {
	d, eng, _ := newDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, `set greeting "hello world"`)
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, `set count 3`)
	require.NoError(t, err)

	out, err := d.Dispatch(ctx, "get greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
	assert.Equal(t, float64(3), eng.Board().Get("count", nil))

	out, err = d.Dispatch(ctx, "get")
	require.NoError(t, err)
	assert.Equal(t, "count\ngreeting", out)

	_, err = d.Dispatch(ctx, "set only")
	assert.ErrorIs(t, err, ErrUsage)
	_, err = d.Dispatch(ctx, "get missing")
	assert.Error(t, err)
}

func TestTaskAndWait(t *testing.T) {
	d, eng, _ := newDispatcher(t)
	id, err := eng.Submit(engine.Task{Name: "job", Work: func(context.Context, map[string]any) (any, error) { return "ok", nil }})
	require.NoError(t, err)

	out, err := d.Dispatch(context.Background(), "wait "+id+" --timeout 2s")
	require.NoError(t, err)
	assert.Contains(t, out, "status: completed")
	assert.Contains(t, out, "result: ok")

	out, err = d.Dispatch(context.Background(), "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	_, err = d.Dispatch(context.Background(), "task nope")
	assert.ErrorIs(t, err, engine.ErrNotFound)
	_, err = d.Dispatch(context.Background(), "wait "+id+" --timeout bogus")
	assert.ErrorIs(t, err, ErrUsage)
}

func TestModulesAndRun(t *testing.T) {
	d, _, pipe := newDispatcher(t)
	require.NoError(t, pipe.Register(pipeline.Module{Name: "a", Provides: []string{"x"}, Execute: func(_ context.Context, b *blackboard.Board) error {
		b.Set("a", true)
		return nil
	}}))
	require.NoError(t, pipe.Register(pipeline.Module{Name: "b", Dependencies: []string{"a"}, Execute: func(context.Context, *blackboard.Board) error { return nil }}))

	out, err := d.Dispatch(context.Background(), "modules")
	require.NoError(t, err)
	assert.Equal(t, "a [x]\nb <- a", out)

	out, err = d.Dispatch(context.Background(), "run")
	require.NoError(t, err)
	assert.Contains(t, out, "ran 2 modules")
}

func TestPlanSubmit(t *testing.T) {
	d, eng, _ := newDispatcher(t)
	eng.Board().Set(plan.KeyActions, []any{
		map[string]any{"type": "system_command", "command": "uptime", "priority": "high"},
		map[string]any{"type": "file_operation", "path": "/tmp/x"},
	})

	out, err := d.Dispatch(context.Background(), "plan check uptime --submit")
	require.NoError(t, err)
	assert.Contains(t, out, "2 steps")

	ids, ok := eng.Board().Get(plan.KeyPlanTasks, nil).(map[string]string)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := eng.Wait(ctx, ids["step_1"])
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, info.Status)
	assert.Equal(t, true, eng.Board().Get("ran_step_0", nil))
	assert.Equal(t, "check uptime", eng.Board().Get(plan.KeyCommand, nil))
}

func TestExtensions(t *testing.T) {
	d, _, _ := newDispatcher(t)
	err := d.Register("status", Extension{Handler: func(context.Context, Command) (string, error) { return "", nil }})
	assert.ErrorIs(t, err, ErrReserved)

	require.NoError(t, d.Register("echo", Extension{
		Description: "echo args",
		Handler: func(_ context.Context, c Command) (string, error) {
			return c.Args[0], nil
		},
	}))
	assert.Error(t, d.Register("echo", Extension{Handler: func(context.Context, Command) (string, error) { return "", nil }}))

	out, err := d.Dispatch(context.Background(), `echo "hi there"`)
	require.NoError(t, err)
	assert.Equal(t, "hi there", out)

	out, err = d.Dispatch(context.Background(), "help")
	require.NoError(t, err)
	assert.Contains(t, out, "echo")
	assert.Contains(t, out, "history")

	out, err = d.Dispatch(context.Background(), "help echo")
	require.NoError(t, err)
	assert.Contains(t, out, "echo args")

	d.Unregister("echo")
	_, err = d.Dispatch(context.Background(), "echo x")
	assert.ErrorIs(t, err, ErrUnknownCommand)
}
