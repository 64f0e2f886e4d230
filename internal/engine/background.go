package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"storyline/internal/domain"
	"storyline/internal/stage"
)

type bgTask struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// taskTable tracks at most one background task per round.
type taskTable struct {
	mu sync.Mutex
	m  map[string]*bgTask
}

func newTaskTable() taskTable {
	return taskTable{m: make(map[string]*bgTask)}
}

// claim reserves the round's slot. It fails when a task is already running.
func (t *taskTable) claim(roundID string, task *bgTask) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.m[roundID]; ok {
		return ConflictError{RoundID: roundID, TaskName: existing.name}
	}
	t.m[roundID] = task
	return nil
}

func (t *taskTable) release(roundID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, roundID)
}

func (t *taskTable) running(roundID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.m[roundID]
	if !ok {
		return "", false
	}
	return task.name, true
}

// cancel requests cancellation of the round's task and reports whether one
// was running. The task's own goroutine clears the table entry when it
// finishes unwinding.
func (t *taskTable) cancel(roundID string) bool {
	t.mu.Lock()
	task, ok := t.m[roundID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	task.cancel()
	return true
}

// startBackground claims the round's task slot and launches the unit. The
// advance call returns immediately; the outcome arrives on the round stream.
func (e *Engine) startBackground(contract stage.Contract, sc *stage.Context, spec *stage.BackgroundSpec) error {
	ctx, cancel := context.WithCancel(context.Background())
	task := &bgTask{name: spec.Name, cancel: cancel, done: make(chan struct{})}
	if err := e.tasks.claim(sc.Round.ID, task); err != nil {
		cancel()
		return err
	}
	go e.runBackground(ctx, task, contract, sc, spec)
	return nil
}

// runBackground executes one background unit: before hook, main run, after
// hook, then postconditions and commit. It always emits exactly one terminal
// message (done or error) and always clears the task table entry, even on
// panic or cancellation.
func (e *Engine) runBackground(ctx context.Context, task *bgTask, contract stage.Contract, sc *stage.Context, spec *stage.BackgroundSpec) {
	log := e.Log.With(
		zap.String("task", spec.Name),
		zap.String("story", sc.Story.ID),
		zap.String("round", sc.Round.ID),
	)

	emit := func(msgType, content string) {
		// Publishing must survive the task's own cancellation.
		if _, err := e.Broker.Publish(context.Background(), sc.Round.ID, msgType, content); err != nil {
			log.Warn("publish message", zap.String("type", msgType), zap.Error(err))
		}
	}

	var runErr error
	defer func() {
		if r := recover(); r != nil {
			runErr = fmt.Errorf("task panicked: %v", r)
			log.Error("background task panic", zap.Any("panic", r))
		}
		if runErr != nil {
			emit(domain.MessageError, runErr.Error())
			log.Warn("background task failed", zap.Error(runErr))
		} else {
			emit(domain.MessageDone, spec.Name)
			log.Info("background task completed")
		}
		e.tasks.release(sc.Round.ID)
		close(task.done)
	}()

	if spec.Before != nil {
		if err := spec.Before(ctx, emit); err != nil {
			runErr = ExecutionError{Stage: contract.Name(), Err: fmt.Errorf("%s setup: %w", spec.Name, err)}
			return
		}
	}

	artifacts, err := spec.Run(ctx, emit)
	if err != nil {
		runErr = ExecutionError{Stage: contract.Name(), Err: err}
		return
	}

	if spec.After != nil {
		if err := spec.After(ctx, emit, artifacts); err != nil {
			runErr = ExecutionError{Stage: contract.Name(), Err: fmt.Errorf("%s follow-up: %w", spec.Name, err)}
			return
		}
	}

	runErr = e.completeBackground(ctx, contract, sc, spec, artifacts)
}

// completeBackground checks postconditions against the finished run and
// commits its artifacts and stage transition.
func (e *Engine) completeBackground(ctx context.Context, contract stage.Contract, sc *stage.Context, spec *stage.BackgroundSpec, artifacts map[string]string) error {
	res := stage.Result{Artifacts: artifacts, NextStage: spec.NextStage}
	if problems := contract.CheckPostconditions(sc, res); len(problems) > 0 {
		return PostconditionError{Stage: contract.Name(), Problems: problems}
	}
	// The task's context may already be canceled; the commit itself must
	// still land atomically.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, err := e.commit(context.Background(), sc, contract.Name(), res); err != nil {
		return err
	}
	return nil
}

// WaitTask blocks until the round's current background task finishes.
// Intended for tests and graceful shutdown; returns immediately when nothing
// is running.
func (e *Engine) WaitTask(roundID string) {
	e.tasks.mu.Lock()
	task, ok := e.tasks.m[roundID]
	e.tasks.mu.Unlock()
	if !ok {
		return
	}
	<-task.done
}

// RunningTask reports the name of the round's in-flight background task.
func (e *Engine) RunningTask(roundID string) (string, bool) {
	return e.tasks.running(roundID)
}
