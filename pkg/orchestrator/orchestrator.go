// Package orchestrator executes evaluation runs: it snapshots a task,
// supersedes any live run for the same task, and drives a bounded worker
// pool over the case set while streaming progress.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
	"github.com/caseval/caseval/pkg/evaluator"
	"github.com/caseval/caseval/pkg/llm"
	"github.com/caseval/caseval/pkg/logging"
	"github.com/caseval/caseval/pkg/storage"
	"github.com/caseval/caseval/pkg/telemetry"
)

// Orchestrator starts and supervises evaluation runs. One live run per task:
// starting a new run supersedes the previous one.
type Orchestrator struct {
	store   *storage.Store
	hub     *telemetry.Hub
	invoker llm.Invoker
	logger  *logging.Logger

	codeInterpreter string
	codeTimeout     time.Duration

	mu   sync.Mutex
	live map[string]*liveRun

	wg sync.WaitGroup
}

type liveRun struct {
	runID  string
	cancel context.CancelFunc
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCodeSandbox sets the interpreter and timeout for code evaluators.
func WithCodeSandbox(interpreter string, timeout time.Duration) Option {
	return func(o *Orchestrator) {
		o.codeInterpreter = interpreter
		o.codeTimeout = timeout
	}
}

// New creates an orchestrator.
func New(store *storage.Store, hub *telemetry.Hub, invoker llm.Invoker, logger *logging.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		hub:     hub,
		invoker: invoker,
		logger:  logger,
		live:    make(map[string]*liveRun),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartRun creates and launches a run for a task, returning once the run is
// persisted in RUNNING state. Case execution continues in the background;
// the returned run is the synchronous acknowledgment.
//
// Any previous live run for the task is superseded: its context is
// cancelled, it is marked FAILED, and its already-persisted results are
// retained.
func (o *Orchestrator) StartRun(ctx context.Context, taskID string) (*eval.Run, error) {
	snap, err := o.store.LoadSnapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(snap.Cases) == 0 {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "case set has no cases").
			WithContext("task_id", taskID)
	}

	// Resolve the chain before creating the run so configuration problems
	// surface synchronously and the chain is frozen for the run's lifetime.
	chain, err := evaluator.ResolveChain(snap.Evaluators, evaluator.Deps{
		Invoker:        o.invoker,
		JudgeBaseURL:   snap.Provider.BaseURL,
		JudgeAPIKey:    snap.Provider.APIKey,
		JudgeModelCode: snap.Model.ModelCode,
		Interpreter:    o.codeInterpreter,
		CodeTimeout:    o.codeTimeout,
	})
	if err != nil {
		return nil, err
	}

	workers := eval.ClampConcurrency(snap.Task.Concurrency)
	if workers > len(snap.Cases) {
		workers = len(snap.Cases)
	}

	run := &eval.Run{TaskID: taskID}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if prev, ok := o.live[taskID]; ok {
		o.supersede(taskID, prev, run.RunNumber)
	}
	runCtx, cancel := context.WithCancel(context.Background())
	o.live[taskID] = &liveRun{runID: run.ID, cancel: cancel}
	o.mu.Unlock()

	if err := o.store.MarkRunRunning(ctx, run.ID); err != nil {
		cancel()
		o.clearLive(taskID, run.ID)
		return nil, err
	}
	run.Status = eval.StatusRunning

	recordRunStart()
	o.logger.Info(logging.CategoryRun, "run.started", "evaluation run started", map[string]any{
		"task_id":    taskID,
		"run_id":     run.ID,
		"run_number": run.RunNumber,
		"total":      len(snap.Cases),
		"workers":    workers,
	})
	o.hub.Publish(telemetry.Event{
		Type:   telemetry.EventRunCreated,
		TaskID: taskID,
		RunID:  run.ID,
		Data: map[string]any{
			"run_number": run.RunNumber,
			"total":      len(snap.Cases),
		},
	})

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		defer o.clearLive(taskID, run.ID)
		o.dispatch(runCtx, snap, run, chain, workers)
	}()

	return run, nil
}

// supersede cancels the previous live run and marks it FAILED. Called with
// o.mu held.
func (o *Orchestrator) supersede(taskID string, prev *liveRun, newNumber int) {
	prev.cancel()
	message := fmt.Sprintf("superseded by run %d", newNumber)

	// The terminal-status guard in the store makes this a no-op if the old
	// run finished in the meantime.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.FailRun(ctx, prev.runID, message); err != nil {
		if !errors.IsCode(err, errors.ErrCodeNotFound) {
			o.logger.Error(logging.CategoryRun, "run.supersede_failed", "failed to mark superseded run", map[string]any{
				"run_id": prev.runID, "error": err.Error(),
			})
		}
		return
	}
	recordRunFailure()
	o.logger.Warn(logging.CategoryRun, "run.superseded", message, map[string]any{
		"task_id": taskID, "run_id": prev.runID,
	})
	o.hub.Publish(telemetry.Event{
		Type:   telemetry.EventError,
		TaskID: taskID,
		RunID:  prev.runID,
		Data:   map[string]any{"error": message},
	})
	delete(o.live, taskID)
}

func (o *Orchestrator) clearLive(taskID, runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if entry, ok := o.live[taskID]; ok && entry.runID == runID {
		delete(o.live, taskID)
	}
}

// RunningRunID reports the live run for a task, if any.
func (o *Orchestrator) RunningRunID(taskID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.live[taskID]
	if !ok {
		return "", false
	}
	return entry.runID, true
}

// Shutdown cancels all live runs, marks them FAILED, and waits for their
// dispatchers to exit. Interrupted runs must land in a terminal state before
// the store closes, or a restart would report them as live forever.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	interrupted := make(map[string]string, len(o.live))
	for taskID, entry := range o.live {
		entry.cancel()
		interrupted[taskID] = entry.runID
	}
	o.mu.Unlock()

	for taskID, runID := range interrupted {
		// The terminal-status guard makes this a no-op for runs that managed
		// to finish between the cancel and here.
		if err := o.store.FailRun(ctx, runID, "interrupted by shutdown"); err != nil {
			if !errors.IsCode(err, errors.ErrCodeNotFound) {
				o.logger.Error(logging.CategoryRun, "run.interrupt_write_failed", "failed to mark interrupted run", map[string]any{
					"run_id": runID, "error": err.Error(),
				})
			}
			continue
		}
		recordRunFailure()
		o.logger.Warn(logging.CategoryRun, "run.interrupted", "run failed by shutdown", map[string]any{
			"task_id": taskID, "run_id": runID,
		})
		o.hub.Publish(telemetry.Event{
			Type:   telemetry.EventError,
			TaskID: taskID,
			RunID:  runID,
			Data:   map[string]any{"error": "interrupted by shutdown"},
		})
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
