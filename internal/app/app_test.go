package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/config"
	"agentcore/internal/eventbus"
	"agentcore/internal/pipeline"
	"agentcore/internal/plan"
	"agentcore/internal/storage"
	"agentcore/internal/task/engine"
	logx "agentcore/pkg/logx"
)

const testConfig = `
logging:
  level: error
engine:
  workers: 2
  default_timeout: 5s
triggers:
  enabled: false
  jobs:
    - name: pipeline
      schedule: "*/5 * * * *"
      command: run
storage:
  driver: file
  path: %s
  persist_context: true
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "agentd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func newTestApp(t *testing.T, dir string) *App {
	t.Helper()
	store := filepath.Join(dir, "state.json")
	a, err := New(context.Background(), writeConfig(t, dir, fmt.Sprintf(testConfig, store)))
	require.NoError(t, err)
	return a
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

func TestAppRunsPipelineAndPersists(t *testing.T) {
	dir := t.TempDir()
	a := newTestApp(t, dir)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	assert.Len(t, a.Pipeline().Modules(), len(catalog))
	assert.Len(t, a.Triggers().Snapshot().Jobs, 1)

	_, err := a.Dispatch(ctx, `set current_command "check disk"`)
	require.NoError(t, err)
	_, err = a.Dispatch(ctx, `set actions '[{"type":"probe","priority":"high"},{"type":"echo","params":{"command":"get current_command"}}]'`)
	require.NoError(t, err)

	out, err := a.Dispatch(ctx, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "response")

	b := a.Board()
	sys, ok := b.Get(KeySystem, nil).(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, sys["go_version"])

	p, ok := b.Get(plan.KeyPlan, nil).(*plan.Plan)
	require.True(t, ok)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "valid", b.Get(plan.KeyStatus, nil))
	assert.Contains(t, b.Get(KeyResponse, "").(string), "plan "+p.ID)

	// Plan steps were submitted to the engine; the second one dispatches a command.
	ids, ok := b.Get(plan.KeyPlanTasks, nil).(map[string]string)
	require.True(t, ok)
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, st := range p.Steps {
		info, err := a.Engine().Wait(wctx, ids[st.ID])
		require.NoError(t, err)
		assert.Equal(t, engine.StatusCompleted, info.Status, st.ID)
	}
	assert.Equal(t, "probe", b.Get("result.step_0", nil))
	assert.Equal(t, "check disk", b.Get("result.step_1", nil))

	hist, err := a.Dispatch(ctx, "history run")
	require.NoError(t, err)
	assert.Contains(t, hist, "run")

	stopApp(t, a)

	// Restart: the context snapshot and the audit trail survive.
	a2 := newTestApp(t, dir)
	require.NoError(t, a2.Start(ctx))
	defer stopApp(t, a2)

	assert.Equal(t, "check disk", a2.Board().Get(plan.KeyCommand, nil))
	audit, err := a2.Dispatch(ctx, "audit --limit 50")
	require.NoError(t, err)
	assert.Contains(t, audit, "planning")
	assert.Contains(t, audit, "plan.step_0")
}

func TestAppRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"schedule": "triggers:\n  jobs:\n    - {name: x, schedule: \"nope\", command: run}\n",
		"module":   "pipeline:\n  modules: [planning]\n",
		"unknown":  "pipeline:\n  modules: [bogus]\n",
		"field":    "engine:\n  worker: 3\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(context.Background(), writeConfig(t, dir, body))
			require.Error(t, err)
		})
	}
}

func TestSelectModules(t *testing.T) {
	all, err := selectModules(nil)
	require.NoError(t, err)
	assert.Len(t, all, len(catalog))

	sel, err := selectModules([]string{"execution_results", "system_context"})
	require.NoError(t, err)
	require.Len(t, sel, 2)
	assert.Equal(t, "system_context", sel[0].name)

	_, err = selectModules([]string{"response", "execution_results"})
	assert.ErrorContains(t, err, `needs "planning"`)

	_, err = selectModules([]string{"x", "a"})
	assert.ErrorContains(t, err, "unknown modules: a, x")
}

func TestAuditEntry(t *testing.T) {
	now := time.Now()
	e, ok := auditEntry(eventbus.Event{Type: engine.EventFailed, Time: now, Data: engine.TaskEvent{
		ID: "tsk-1", Name: "probe", Status: "failed", Priority: 3, Duration: 1500 * time.Millisecond, Error: "boom",
	}})
	require.True(t, ok)
	assert.Equal(t, storage.KindTask, e.Kind)
	assert.Equal(t, "tsk-1", e.RefID)
	assert.Equal(t, int64(1500), e.TookMS)
	assert.Equal(t, "boom", e.Error)
	assert.JSONEq(t, `{"priority":3,"queue_delay_ms":0}`, e.Meta)

	_, ok = auditEntry(eventbus.Event{Type: engine.EventStarted, Data: engine.TaskEvent{}})
	assert.False(t, ok)

	e, ok = auditEntry(eventbus.Event{Type: pipeline.EventModuleFailed, Data: pipeline.ModuleEvent{Name: "planning", Error: "x"}})
	require.True(t, ok)
	assert.Equal(t, storage.KindModule, e.Kind)
	assert.Equal(t, "failed", e.Status)
}

func TestApplyConfigLive(t *testing.T) {
	cfg := config.Default()
	a, err := build(cfg, logx.Nop(), nil)
	require.NoError(t, err)

	next := config.Default()
	next.History.Size = 5
	next.Pipeline.Modules = []string{"system_context", "execution_results"}
	next.Triggers.Jobs = []config.TriggerJob{{Name: "tick", Schedule: "10m", Command: "status"}}
	a.applyConfig(context.Background(), cfg, next)

	assert.Equal(t, 5, a.hist.Size())
	names := []string{}
	for _, m := range a.Pipeline().Modules() {
		names = append(names, m.Name)
	}
	assert.ElementsMatch(t, []string{"system_context", "execution_results"}, names)
	jobs := a.Triggers().Snapshot().Jobs
	require.Len(t, jobs, 1)
	assert.Equal(t, "tick", jobs[0].Name)

	doc, ok := a.status().(map[string]any)
	require.True(t, ok)
	assert.Contains(t, doc, "engine")
	assert.Contains(t, doc, "modules")
	assert.NotContains(t, doc, "supervisor")
}
