package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"agentcore/internal/eventbus"
	logx "agentcore/pkg/logx"
)

const (
	slowTaskThreshold = 750 * time.Millisecond
	maxPriorityDecay  = 3
)

// notice carries the side effects of a state change out of the lock.
type notice struct {
	info       Info
	onComplete func(Info)
}

func (s *Service) worker(ctx context.Context) {
	for {
		r, ok := s.next(ctx)
		if !ok {
			return
		}
		s.execOne(ctx, r)
	}
}

// next blocks until a ready record is available or the pool is shutting
// down. The returned record is already marked Running.
func (s *Service) next(ctx context.Context) (*record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.stopping || ctx.Err() != nil {
			return nil, false
		}
		if r := s.popReadyLocked(); r != nil {
			r.status = StatusRunning
			r.started = time.Now()
			s.inFlight++
			return r, true
		}
		s.cond.Wait()
	}
}

// popReadyLocked returns the best record whose dependencies are all
// Completed. Every record inspected and found not ready loses one point of
// effective priority, down to maxPriorityDecay below its declared one, and
// goes back on the heap.
func (s *Service) popReadyLocked() *record {
	var parked []*record
	var ready *record
	for s.queue.Len() > 0 {
		r := heap.Pop(&s.queue).(*record)
		if s.readyLocked(r) {
			ready = r
			break
		}
		if r.effPriority > r.task.Priority-maxPriorityDecay {
			r.effPriority--
		}
		parked = append(parked, r)
	}
	for _, r := range parked {
		heap.Push(&s.queue, r)
	}
	return ready
}

func (s *Service) readyLocked(r *record) bool {
	for _, dep := range r.task.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.status != StatusCompleted {
			return false
		}
	}
	return true
}

func (s *Service) execOne(ctx context.Context, r *record) {
	s.mu.Lock()
	timeout := r.task.Timeout
	if timeout == 0 {
		timeout = s.cfg.DefaultTimeout
	}
	queueDelay := r.started.Sub(r.submitted)
	s.mu.Unlock()

	s.publish(EventStarted, r.id, r.task.Name, StatusRunning, r.task.Priority, queueDelay, 0, nil)
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("task started",
			logx.String("task_id", r.id),
			logx.String("task", r.task.Name),
			logx.Int("priority", r.task.Priority),
			logx.Duration("queue_delay", queueDelay),
		)
	}

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	snapshot := s.board.Overlay(r.task.Context)

	type outcome struct {
		val any
		err error
	}
	resCh := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("task panic",
					logx.String("task_id", r.id),
					logx.String("task", r.task.Name),
					logx.Any("panic", rec),
					logx.Stack(string(debug.Stack())),
				)
				out = outcome{err: fmt.Errorf("panic: %v", rec)}
			}
			resCh <- out
		}()
		v, err := r.task.Work(runCtx, snapshot)
		out = outcome{val: v, err: err}
	}()

	var out outcome
	select {
	case out = <-resCh:
	case <-runCtx.Done():
		// Work that ignores ctx keeps its goroutine; the worker moves on.
		out = outcome{err: runCtx.Err()}
	}

	err := out.err
	if err != nil {
		err = classify(err, runCtx, timeout)
	}
	if err == nil {
		if m, ok := out.val.(map[string]any); ok && len(m) > 0 {
			s.board.Update(m)
		}
	}

	s.mu.Lock()
	notes := s.finishLocked(r, out.val, err, nil)
	s.mu.Unlock()
	s.deliver(notes)
}

// classify maps context errors onto engine failure kinds.
func classify(err error, runCtx context.Context, timeout time.Duration) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case errors.Is(err, context.Canceled) && runCtx.Err() != nil:
		return ErrInterrupted
	default:
		return err
	}
}

// finishLocked moves r to a terminal state exactly once and, when enabled,
// cascades the failure to pending dependents. Side effects are appended to
// notes for delivery after the lock is released.
func (s *Service) finishLocked(r *record, val any, err error, notes []notice) []notice {
	if r.status.Terminal() {
		return notes
	}
	wasRunning := r.status == StatusRunning
	now := time.Now()
	r.finished = now
	if err != nil {
		var te *TaskError
		if !errors.As(err, &te) {
			err = &TaskError{ID: r.id, Name: r.task.Name, Err: err}
		}
		r.status = StatusFailed
		r.err = err
		s.failed++
	} else {
		r.status = StatusCompleted
		r.result = val
		s.completed++
	}
	if wasRunning {
		s.inFlight--
	}
	s.remember(r)
	close(r.done)
	notes = append(notes, notice{info: r.info(), onComplete: r.task.OnComplete})

	if r.status == StatusCompleted {
		s.cond.Broadcast()
		return notes
	}
	if !s.cfg.CascadeFailures || errors.Is(err, ErrInterrupted) {
		return notes
	}
	for _, id := range r.dependents {
		d, ok := s.tasks[id]
		if !ok || d.status != StatusPending {
			continue
		}
		s.queue.remove(d)
		notes = s.finishLocked(d, nil, fmt.Errorf("%w: %s", ErrDependencyFailed, r.id), notes)
	}
	return notes
}

func (s *Service) remember(r *record) {
	item := HistoryItem{
		ID:      r.id,
		Name:    r.task.Name,
		Status:  r.status,
		Started: r.started,
	}
	if !r.started.IsZero() {
		item.QueueDelay = r.started.Sub(r.submitted)
		item.Duration = r.finished.Sub(r.started)
	}
	if r.err != nil {
		item.Error = r.err.Error()
	}
	s.history = append(s.history, item)
	if limit := s.cfg.HistorySize; limit > 0 && len(s.history) > limit {
		s.history = append([]HistoryItem(nil), s.history[len(s.history)-limit:]...)
	}
}

func (s *Service) deliver(notes []notice) {
	for _, n := range notes {
		info := n.info
		if info.Status == StatusCompleted {
			s.publish(EventCompleted, info.ID, info.Name, info.Status, info.Priority, info.QueueDelay(), info.Duration(), nil)
			fields := []logx.Field{
				logx.String("task_id", info.ID),
				logx.String("task", info.Name),
				logx.Duration("took", info.Duration()),
			}
			if info.Duration() >= slowTaskThreshold {
				s.log.Info("task completed", fields...)
			} else if s.log.Enabled(logx.LevelDebug) {
				s.log.Debug("task completed", fields...)
			}
		} else {
			s.publish(EventFailed, info.ID, info.Name, info.Status, info.Priority, info.QueueDelay(), info.Duration(), info.Err)
			s.log.Warn("task failed",
				logx.String("task_id", info.ID),
				logx.String("task", info.Name),
				logx.Duration("took", info.Duration()),
				logx.Err(info.Err),
			)
		}
		if n.onComplete != nil {
			go func(fn func(Info), info Info) {
				defer func() {
					if rec := recover(); rec != nil {
						s.log.Error("task completion callback panic", logx.String("task_id", info.ID), logx.Any("panic", rec))
					}
				}()
				fn(info)
			}(n.onComplete, info)
		}
	}
}

func (s *Service) publish(typ, id, name string, st Status, prio int, queueDelay, took time.Duration, err error) {
	if s.bus == nil {
		return
	}
	ev := TaskEvent{
		ID:         id,
		Name:       name,
		Status:     st.String(),
		Priority:   prio,
		QueueDelay: queueDelay,
		Duration:   took,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
