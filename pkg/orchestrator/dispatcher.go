package orchestrator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
	"github.com/caseval/caseval/pkg/evaluator"
	"github.com/caseval/caseval/pkg/logging"
	"github.com/caseval/caseval/pkg/telemetry"
	"github.com/caseval/caseval/pkg/template"
)

// progress serializes the persist-then-publish step across workers. The
// index a result carries is its completion order, assigned under the mutex
// so indices are dense from 1 and every publish matches a persisted row.
type progress struct {
	mu       sync.Mutex
	emitted  int
	passed   int
	failed   int
	abortErr error
}

// dispatch runs every case of the snapshot through the worker pool and
// finalizes the run. Per-case failures become execution_error results; only
// a storage failure aborts the run.
func (o *Orchestrator) dispatch(ctx context.Context, snap *eval.Snapshot, run *eval.Run, chain *evaluator.Chain, workers int) {
	total := len(snap.Cases)
	prog := &progress{}

	caseCh := make(chan *eval.Case)
	grp, grpCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		grp.Go(func() error {
			for c := range caseCh {
				if grpCtx.Err() != nil {
					return nil
				}
				// A storage abort cancels the group so the other workers
				// stop instead of draining the remaining cases.
				if err := o.runCase(grpCtx, snap, run, chain, c, total, prog); err != nil {
					return err
				}
			}
			return nil
		})
	}

	// Cases enter the pool in stored order.
feed:
	for _, c := range snap.Cases {
		select {
		case caseCh <- c:
		case <-grpCtx.Done():
			break feed
		}
	}
	close(caseCh)
	grp.Wait()

	o.finalize(ctx, snap, run, total, prog)
}

// runCase executes the per-case pipeline: render, invoke, evaluate, then
// persist and publish atomically with respect to other workers. A non-nil
// return means a storage abort; per-case failures return nil.
func (o *Orchestrator) runCase(ctx context.Context, snap *eval.Snapshot, run *eval.Run, chain *evaluator.Chain, c *eval.Case, total int, prog *progress) error {
	result := o.evaluateCase(ctx, snap, run, chain, c)

	// A superseded run must not persist or publish in-flight work.
	if ctx.Err() != nil {
		return nil
	}

	prog.mu.Lock()
	defer prog.mu.Unlock()
	if prog.abortErr != nil || ctx.Err() != nil {
		return nil
	}

	if err := o.store.PutResult(ctx, result); err != nil {
		// Supersession can land between the check above and the insert; a
		// write that failed because the context is gone is a cancellation,
		// not a storage abort.
		if ctx.Err() != nil {
			return nil
		}
		prog.abortErr = errors.Wrap(err, errors.ErrCodeRunAborted, "failed to persist result")
		return prog.abortErr
	}

	prog.emitted++
	if result.Failed() {
		prog.failed++
	} else {
		prog.passed++
	}
	recordCaseOutcome(result.IsPassed, result.ExecutionError != nil)

	o.hub.Publish(telemetry.Event{
		Type:   telemetry.EventResult,
		TaskID: run.TaskID,
		RunID:  run.ID,
		Data: map[string]any{
			"index":            prog.emitted,
			"total":            total,
			"result_id":        result.ID,
			"case_id":          c.ID,
			"case_uid":         c.CaseUID,
			"is_passed":        result.IsPassed,
			"actual_output":    result.ActualOutput,
			"execution_error":  result.ExecutionError,
			"evaluator_logs":   result.EvaluatorLogs,
			"duration_ms":      result.DurationMS,
			"skill_tokens":     result.SkillTokens,
			"evaluator_tokens": result.EvaluatorTokens,
		},
	})
	return nil
}

// evaluateCase produces exactly one result for the case. Render and
// invocation failures are recorded as execution errors, never propagated.
func (o *Orchestrator) evaluateCase(ctx context.Context, snap *eval.Snapshot, run *eval.Run, chain *evaluator.Chain, c *eval.Case) *eval.Result {
	result := &eval.Result{
		RunID:         run.ID,
		TaskID:        run.TaskID,
		CaseID:        c.ID,
		EvaluatorLogs: []eval.EvaluatorLog{},
	}

	body, err := template.RenderRequest(snap.Task.RequestTemplate, template.NewContext(snap, c))
	if err != nil {
		message := err.Error()
		result.ExecutionError = &message
		o.logger.Warn(logging.CategoryDispatch, "case.render_failed", message, map[string]any{
			"run_id": run.ID, "case_id": c.ID,
		})
		return result
	}

	start := time.Now()
	metricInvocationsInFlight.Inc()
	resp, err := o.invoker.Invoke(ctx, snap.Provider.BaseURL, snap.Provider.APIKey, body)
	metricInvocationsInFlight.Dec()
	duration := time.Since(start).Milliseconds()
	result.DurationMS = &duration

	if err != nil {
		message := err.Error()
		result.ExecutionError = &message
		o.logger.Warn(logging.CategoryModel, "case.invoke_failed", message, map[string]any{
			"run_id": run.ID, "case_id": c.ID,
		})
		return result
	}

	result.ActualOutput = &resp.Output
	if resp.TotalTokens > 0 {
		tokens := resp.TotalTokens
		result.SkillTokens = &tokens
	}

	passed, logs, judgeTokens := chain.Run(ctx, c.ExpectedOutput, resp.Output)
	result.IsPassed = passed
	result.EvaluatorLogs = logs
	if judgeTokens > 0 {
		result.EvaluatorTokens = &judgeTokens
	}
	return result
}

// finalize closes out the run once all workers have drained. The run
// completes only when every case has been emitted; a storage abort or a
// superseding cancellation leaves it FAILED instead.
func (o *Orchestrator) finalize(ctx context.Context, snap *eval.Snapshot, run *eval.Run, total int, prog *progress) {
	prog.mu.Lock()
	emitted, passed, failed := prog.emitted, prog.passed, prog.failed
	abortErr := prog.abortErr
	prog.mu.Unlock()

	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if ctx.Err() != nil {
		// Cancelled: supersession already marked this run FAILED, and
		// Shutdown marks its interrupted runs itself. Whoever cancelled owns
		// the terminal status, so a late storage abort must not publish a
		// second error event here.
		o.logger.Info(logging.CategoryRun, "run.cancelled", "run cancelled before completion", map[string]any{
			"run_id": run.ID, "emitted": emitted, "total": total,
		})
		return
	}
	if abortErr != nil {
		o.failRun(storeCtx, run, abortErr.Error())
		return
	}
	if emitted != total {
		// Workers drained without emitting everything and without an abort
		// or cancellation. Nothing should reach here; fail loudly.
		o.failRun(storeCtx, run, "run ended with missing results")
		return
	}

	summary := eval.NewSummary(total, passed, failed)
	if err := o.store.CompleteRun(storeCtx, run.ID, summary); err != nil {
		o.failRun(storeCtx, run, errors.Wrap(err, errors.ErrCodeRunAborted, "failed to complete run").Error())
		return
	}
	if err := o.store.UpdateTaskSummary(storeCtx, run.TaskID, summary); err != nil {
		o.logger.Error(logging.CategoryStorage, "task.summary_failed", "failed to store task summary", map[string]any{
			"task_id": run.TaskID, "error": err.Error(),
		})
	}

	recordRunCompletion()
	o.logger.Info(logging.CategoryRun, "run.completed", "evaluation run completed", map[string]any{
		"run_id":    run.ID,
		"total":     summary.Total,
		"passed":    summary.Passed,
		"failed":    summary.Failed,
		"pass_rate": summary.PassRate,
	})
	o.hub.Publish(telemetry.Event{
		Type:   telemetry.EventComplete,
		TaskID: run.TaskID,
		RunID:  run.ID,
		Data: map[string]any{
			"total":     summary.Total,
			"passed":    summary.Passed,
			"failed":    summary.Failed,
			"pass_rate": summary.PassRate,
		},
	})
}

func (o *Orchestrator) failRun(ctx context.Context, run *eval.Run, message string) {
	if err := o.store.FailRun(ctx, run.ID, message); err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
		o.logger.Error(logging.CategoryStorage, "run.fail_write_failed", "failed to persist run failure", map[string]any{
			"run_id": run.ID, "error": err.Error(),
		})
	}
	recordRunFailure()
	o.logger.Error(logging.CategoryRun, "run.failed", message, map[string]any{"run_id": run.ID})
	o.hub.Publish(telemetry.Event{
		Type:   telemetry.EventError,
		TaskID: run.TaskID,
		RunID:  run.ID,
		Data:   map[string]any{"error": message},
	})
}
