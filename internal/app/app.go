package app

import (
	"context"
	"fmt"
	"time"

	"agentcore/internal/blackboard"
	"agentcore/internal/command"
	"agentcore/internal/config"
	"agentcore/internal/eventbus"
	"agentcore/internal/history"
	"agentcore/internal/observability/diag"
	"agentcore/internal/pipeline"
	"agentcore/internal/runtime/supervisor"
	"agentcore/internal/storage"
	"agentcore/internal/task/engine"
	"agentcore/internal/task/trigger"
	logx "agentcore/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	persistContext bool
	stopAudit      func()

	board  *blackboard.Board
	engine *engine.Service
	pipe   *pipeline.Pipeline
	hist   *history.History
	disp   *command.Dispatcher
	trig   *trigger.Service
	diag   *diag.Service
}

// New loads the config file at cfgPath and wires every component. Nothing
// runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(validate)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a, err := build(cfg, log, logSvc)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// build wires components from a validated config.
func build(cfg *config.Config, log logx.Logger, logSvc *logx.Service) (*App, error) {
	a := &App{
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   eventbus.New(),
		board: blackboard.New(),
	}

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		a.store = st
		a.persistContext = cfg.Storage.PersistContext
		a.log.Info("storage enabled", logx.String("driver", sc.Driver), logx.Bool("persist_context", a.persistContext))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(engCfg, a.board, log.With(logx.String("comp", "engine")), a.bus)
	a.pipe = pipeline.New(a.board, log.With(logx.String("comp", "pipeline")), a.bus)
	a.hist = history.New(cfg.History.Size)
	a.disp = command.NewDispatcher(command.Deps{
		Engine:   a.engine,
		Pipeline: a.pipe,
		History:  a.hist,
		Runner:   a.runStep,
		Log:      log.With(logx.String("comp", "command")),
	})
	if err := a.registerModules(cfg.Pipeline.Modules); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	a.trig = trigger.New(mapTriggerConfig(cfg), a.engine, log.With(logx.String("comp", "trigger")))
	jobs, err := mapTriggerJobs(cfg, a.disp)
	if err != nil {
		return nil, err
	}
	if err := a.trig.Replace(jobs); err != nil {
		return nil, err
	}

	if err := a.registerExtensions(); err != nil {
		return nil, err
	}
	a.diag = diag.New(mapDiagConfig(cfg), a.status, log.With(logx.String("comp", "diag")))
	return a, nil
}

func (a *App) Engine() *engine.Service { return a.engine }

func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

func (a *App) Board() *blackboard.Board { return a.board }

func (a *App) Triggers() *trigger.Service { return a.trig }

func (a *App) Dispatcher() *command.Dispatcher { return a.disp }

// status is the /status document of the diagnostics endpoint.
func (a *App) status() any {
	doc := map[string]any{
		"engine":   a.engine.Snapshot(),
		"triggers": a.trig.Snapshot(),
		"modules":  a.pipe.Modules(),
		"context":  a.board.Keys(),
		"history":  a.hist.Len(),
	}
	if a.sup != nil {
		doc["supervisor"] = a.sup.Snapshot()
	}
	if err := a.diag.Err(); err != nil {
		doc["diagnostics_error"] = err.Error()
	}
	return doc
}

// Dispatch runs one command line.
func (a *App) Dispatch(ctx context.Context, line string) (string, error) {
	return a.disp.Dispatch(ctx, line)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if a.store != nil && a.persistContext {
		lctx, cancel := context.WithTimeout(run, 2*time.Second)
		vals, ok, err := a.store.LoadContext(lctx)
		cancel()
		switch {
		case err != nil:
			a.log.Warn("context snapshot load failed", logx.Err(err))
		case ok:
			a.board.Update(vals)
			a.log.Info("context restored", logx.Int("keys", len(vals)))
		}
	}

	if a.store != nil {
		a.startAudit()
	}
	a.startEventLog()

	a.engine.Start(run)
	if a.trig.Enabled() {
		a.trig.Start(run)
	}

	if a.diag.Enabled() {
		a.diag.Start(run)
	}

	if a.cfgm != nil {
		a.startReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started",
		logx.Int("workers", a.engine.Snapshot().Workers),
		logx.Int("modules", len(a.pipe.Modules())),
		logx.Int("jobs", len(a.trig.Snapshot().Jobs)),
	)
	return nil
}

// startEventLog logs every bus event at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Background loops unwind first; the engine drains under its own context.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
				max = time.Until(dl)
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("diagnostics", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("triggers", 2*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	step("engine", 3*time.Second, func(c context.Context) error { return a.engine.Stop(c) })
	if a.store != nil && a.persistContext {
		step("context.save", time.Second, func(c context.Context) error {
			return a.store.SaveContext(c, a.board.Snapshot())
		})
	}
	if a.stopAudit != nil {
		// The audit loop drains what is buffered, then exits.
		a.stopAudit()
	}
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
