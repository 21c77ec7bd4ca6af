package pipeline

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcore/internal/blackboard"
	"agentcore/internal/eventbus"
	logx "agentcore/pkg/logx"
)

func recorder(order *[]string, name string) func(context.Context, *blackboard.Board) error {
	return func(context.Context, *blackboard.Board) error {
		*order = append(*order, name)
		return nil
	}
}

func TestRegisterMissingDependency(t *testing.T) {
	p := New(nil, logx.Nop(), nil)
	var order []string

	err := p.Register(Module{Name: "B", Dependencies: []string{"A"}, Execute: recorder(&order, "B")})
	require.ErrorIs(t, err, ErrMissingDependency)
	var de *DependencyError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "B", de.Module)
	assert.Equal(t, []string{"A"}, de.Refs)

	require.NoError(t, p.Register(Module{Name: "A", Execute: recorder(&order, "A")}))
	require.NoError(t, p.Register(Module{Name: "B", Dependencies: []string{"A"}, Execute: recorder(&order, "B")}))

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.OK())
	assert.Equal(t, []string{"A", "B"}, order)
	assert.Equal(t, []string{"A", "B"}, rep.Order)
}

func TestRegisterValidation(t *testing.T) {
	p := New(nil, logx.Nop(), nil)
	assert.ErrorIs(t, p.Register(Module{Name: " ", Execute: func(context.Context, *blackboard.Board) error { return nil }}), ErrInvalidModule)
	assert.ErrorIs(t, p.Register(Module{Name: "x"}), ErrInvalidModule)

	ok := Module{Name: "x", Execute: func(context.Context, *blackboard.Board) error { return nil }}
	require.NoError(t, p.Register(ok))
	assert.ErrorIs(t, p.Register(ok), ErrModuleExists)
}

func TestUnregisterDependentExists(t *testing.T) {
	p := New(nil, logx.Nop(), nil)
	noop := func(context.Context, *blackboard.Board) error { return nil }
	require.NoError(t, p.Register(Module{Name: "A", Execute: noop}))
	require.NoError(t, p.Register(Module{Name: "B", Dependencies: []string{"A"}, Execute: noop}))

	err := p.Unregister("A")
	require.ErrorIs(t, err, ErrDependentExists)
	assert.Contains(t, err.Error(), "B")

	assert.ErrorIs(t, p.Unregister("nope"), ErrModuleNotFound)
	require.NoError(t, p.Unregister("B"))
	require.NoError(t, p.Unregister("A"))
	assert.Empty(t, p.Modules())
}

func TestRunSharesContextAcrossModules(t *testing.T) {
	p := New(nil, logx.Nop(), nil)
	var got any
	require.NoError(t, p.Register(Module{Name: "writer", Execute: func(_ context.Context, b *blackboard.Board) error {
		b.Set("k", "v")
		return nil
	}}))
	require.NoError(t, p.Register(Module{Name: "reader", Dependencies: []string{"writer"}, Execute: func(_ context.Context, b *blackboard.Board) error {
		got = b.Get("k", nil)
		return nil
	}}))
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestRunContinuesAfterFailure(t *testing.T) {
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "module.")
	defer unsub()

	p := New(nil, logx.Nop(), bus)
	var order []string
	boom := errors.New("boom")
	require.NoError(t, p.Register(Module{Name: "bad", Execute: func(context.Context, *blackboard.Board) error {
		order = append(order, "bad")
		return boom
	}}))
	require.NoError(t, p.Register(Module{Name: "panics", Execute: func(context.Context, *blackboard.Board) error {
		order = append(order, "panics")
		panic("oops")
	}}))
	require.NoError(t, p.Register(Module{Name: "good", Dependencies: []string{"bad"}, Execute: recorder(&order, "good")}))

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"bad", "panics", "good"}, order)
	assert.Len(t, rep.Failed, 2)
	assert.ErrorIs(t, rep.Failed["bad"], boom)
	assert.Contains(t, rep.Failed["panics"].Error(), "panic: oops")

	var failed int
	for i := 0; i < 3; i++ {
		e := <-ch
		if e.Type == EventModuleFailed {
			failed++
		}
	}
	assert.Equal(t, 2, failed)
}

func TestRunDependenciesFirstAndOnce(t *testing.T) {
	p := New(nil, logx.Nop(), nil)
	var order []string
	err := p.RegisterAll(
		Module{Name: "response", Dependencies: []string{"planning", "results"}, Execute: recorder(&order, "response")},
		Module{Name: "planning", Dependencies: []string{"system"}, Execute: recorder(&order, "planning")},
		Module{Name: "results", Dependencies: []string{"system"}, Execute: recorder(&order, "results")},
		Module{Name: "system", Execute: recorder(&order, "system")},
	)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"system", "planning", "results", "response"}, order)

	order = nil
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, order, 4)
}

func TestRegisterAllDetectsCycle(t *testing.T) {
	p := New(nil, logx.Nop(), nil)
	noop := func(context.Context, *blackboard.Board) error { return nil }
	err := p.RegisterAll(
		Module{Name: "a", Dependencies: []string{"c"}, Execute: noop},
		Module{Name: "b", Dependencies: []string{"a"}, Execute: noop},
		Module{Name: "c", Dependencies: []string{"b"}, Execute: noop},
	)
	require.ErrorIs(t, err, ErrCyclicDependency)
	var de *DependencyError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, []string{"a", "c", "b", "a"}, de.Refs)
	assert.Contains(t, err.Error(), "a -> c -> b -> a")

	// nothing from the rejected batch is kept
	assert.Empty(t, p.Modules())
	require.NoError(t, p.Validate())
}

func TestRegisterAllMissingAndDuplicate(t *testing.T) {
	p := New(nil, logx.Nop(), nil)
	noop := func(context.Context, *blackboard.Board) error { return nil }
	require.ErrorIs(t, p.RegisterAll(Module{Name: "a", Dependencies: []string{"zzz"}, Execute: noop}), ErrMissingDependency)
	require.ErrorIs(t, p.RegisterAll(
		Module{Name: "a", Execute: noop},
		Module{Name: "a", Execute: noop},
	), ErrModuleExists)
}

func TestRunStopsOnCanceledContext(t *testing.T) {
	p := New(nil, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Register(Module{Name: "first", Execute: func(context.Context, *blackboard.Board) error {
		cancel()
		return nil
	}}))
	var ran bool
	require.NoError(t, p.Register(Module{Name: "second", Execute: func(context.Context, *blackboard.Board) error {
		ran = true
		return nil
	}}))
	rep, err := p.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
	assert.Equal(t, []string{"first"}, rep.Order)
}

func TestResetClearsModulesAndBoard(t *testing.T) {
	board := blackboard.New()
	p := New(board, logx.Nop(), nil)
	require.NoError(t, p.Register(Module{Name: "a", Provides: []string{"x"}, Execute: func(_ context.Context, b *blackboard.Board) error {
		b.Set("a", 1)
		return nil
	}}))
	_, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, p.Providers("x"))

	p.Reset()
	assert.Empty(t, p.Modules())
	assert.Zero(t, board.Len())
	assert.Same(t, board, p.Board())
}

func TestRunReportsTook(t *testing.T) {
	p := New(nil, logx.Nop(), nil)
	require.NoError(t, p.Register(Module{Name: "sleep", Execute: func(context.Context, *blackboard.Board) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}}))
	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, rep.Took, 5*time.Millisecond)
}

func TestRunLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	p := New(nil, logx.NewWriter(&buf, "info"), nil)
	require.NoError(t, p.Register(Module{Name: "bad", Execute: func(context.Context, *blackboard.Board) error {
		return errors.New("boom")
	}}))
	require.NoError(t, p.Register(Module{Name: "good", Execute: recorder(new([]string), "good")}))

	_, err := p.Run(context.Background())
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"message":"module failed"`)
	assert.Contains(t, out, `"module":"bad"`)
	assert.Contains(t, out, `"err":"boom"`)
	assert.Contains(t, out, `"message":"pipeline run finished"`)
	assert.NotContains(t, out, "module executed")
}
