package orchestrator

import (
	"context"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
	"github.com/caseval/caseval/pkg/llm"
	"github.com/caseval/caseval/pkg/logging"
	"github.com/caseval/caseval/pkg/storage"
	"github.com/caseval/caseval/pkg/telemetry"
)

// echoInvoker returns the rendered "echo" field as the model output, so a
// case passes exactly when its user_input equals its expected_output.
type echoInvoker struct {
	mu         sync.Mutex
	gate       chan struct{}
	inFlight   atomic.Int32
	maxSeen    atomic.Int32
	started    chan struct{}
	failInputs map[string]bool
}

func newEchoInvoker() *echoInvoker {
	return &echoInvoker{started: make(chan struct{}, 64)}
}

func (f *echoInvoker) Invoke(ctx context.Context, _, _ string, body map[string]any) (*llm.Response, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if n <= max || f.maxSeen.CompareAndSwap(max, n) {
			break
		}
	}

	select {
	case f.started <- struct{}{}:
	default:
	}

	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeModelTimeout, "cancelled")
		}
	}

	echo, _ := body["echo"].(string)
	if f.failInputs[echo] {
		return nil, errors.New(errors.ErrCodeModelAPIError, "simulated endpoint failure")
	}
	return &llm.Response{Output: echo, TotalTokens: 3}, nil
}

func (f *echoInvoker) block() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

type fixture struct {
	store *storage.Store
	hub   *telemetry.Hub
	orch  *Orchestrator
	task  *eval.Task
}

// setupFixture builds a store with one task over the given cases. Each case
// is (input, expected) and the request template echoes the input.
func setupFixture(t *testing.T, invoker llm.Invoker, concurrency int, pairs [][2]string) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	provider := &eval.Provider{Name: "local", BaseURL: "http://unused", APIKey: "k"}
	if err := store.CreateProvider(ctx, provider); err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	model := &eval.Model{ProviderID: provider.ID, ModelCode: "m", DisplayName: "M"}
	if err := store.CreateModel(ctx, model); err != nil {
		t.Fatalf("failed to create model: %v", err)
	}

	cases := make([]*eval.Case, 0, len(pairs))
	for i, pair := range pairs {
		cases = append(cases, &eval.Case{
			CaseUID:        fmt.Sprintf("case-%d", i+1),
			UserInput:      pair[0],
			ExpectedOutput: pair[1],
		})
	}
	set := &eval.CaseSet{Name: "fixture"}
	if err := store.CreateCaseSet(ctx, set, cases); err != nil {
		t.Fatalf("failed to create case set: %v", err)
	}

	task := &eval.Task{
		SetID:           set.ID,
		ModelID:         model.ID,
		Concurrency:     concurrency,
		RequestTemplate: map[string]any{"echo": "${case.user_input}"},
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	hub := telemetry.NewHub()
	t.Cleanup(hub.Close)
	orch := New(store, hub, invoker, logging.NewWriterLogger(io.Discard))
	return &fixture{store: store, hub: hub, orch: orch, task: task}
}

func waitForStatus(t *testing.T, store *storage.Store, runID string, want eval.RunStatus) *eval.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := store.GetRun(context.Background(), runID)
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if run.Status == want {
			return run
		}
		if run.Status.Terminal() {
			t.Fatalf("run reached %s while waiting for %s (error: %v)", run.Status, want, run.Error)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached %s", runID, want)
	return nil
}

func TestStartRunSynchronousAck(t *testing.T) {
	invoker := newEchoInvoker()
	gate := invoker.block()
	fx := setupFixture(t, invoker, 2, [][2]string{{"a", "a"}})

	run, err := fx.orch.StartRun(context.Background(), fx.task.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if run.Status != eval.StatusRunning {
		t.Errorf("ack status = %s, want RUNNING", run.Status)
	}
	if run.RunNumber != 1 {
		t.Errorf("run number = %d, want 1", run.RunNumber)
	}

	stored, err := fx.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if stored.Status != eval.StatusRunning {
		t.Errorf("persisted status = %s, want RUNNING before any case finishes", stored.Status)
	}

	close(gate)
	waitForStatus(t, fx.store, run.ID, eval.StatusCompleted)
}

func TestRunSummaryPassRateIsFraction(t *testing.T) {
	invoker := newEchoInvoker()
	fx := setupFixture(t, invoker, 3, [][2]string{
		{"a", "a"}, // pass
		{"b", "x"}, // fail
		{"c", "y"}, // fail
	})

	run, err := fx.orch.StartRun(context.Background(), fx.task.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	done := waitForStatus(t, fx.store, run.ID, eval.StatusCompleted)

	if done.Summary == nil {
		t.Fatal("completed run has no summary")
	}
	if done.Summary.Total != 3 || done.Summary.Passed != 1 || done.Summary.Failed != 2 {
		t.Errorf("summary = %+v", done.Summary)
	}
	if math.Abs(done.Summary.PassRate-1.0/3.0) > 1e-9 {
		t.Errorf("pass rate = %v, want 1/3 as a fraction", done.Summary.PassRate)
	}

	// The task record carries the latest summary.
	task, err := fx.store.GetTask(context.Background(), fx.task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if task.Summary == nil || task.Summary.Passed != 1 {
		t.Errorf("task summary = %+v", task.Summary)
	}
}

func TestExactlyOneResultPerCase(t *testing.T) {
	invoker := newEchoInvoker()
	fx := setupFixture(t, invoker, 4, [][2]string{
		{"a", "a"}, {"b", "b"}, {"c", "c"}, {"d", "d"}, {"e", "e"},
	})

	run, err := fx.orch.StartRun(context.Background(), fx.task.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitForStatus(t, fx.store, run.ID, eval.StatusCompleted)

	results, err := fx.store.ListResults(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("got %d results, want 5", len(results))
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.CaseID] {
			t.Errorf("case %s has more than one result", r.CaseID)
		}
		seen[r.CaseID] = true
		if !r.IsPassed {
			t.Errorf("case %s unexpectedly failed", r.CaseID)
		}
	}
}

func TestConcurrencyCapRespected(t *testing.T) {
	invoker := newEchoInvoker()
	gate := invoker.block()
	fx := setupFixture(t, invoker, 2, [][2]string{
		{"a", "a"}, {"b", "b"}, {"c", "c"}, {"d", "d"}, {"e", "e"}, {"f", "f"},
	})

	run, err := fx.orch.StartRun(context.Background(), fx.task.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	// Both workers must occupy the pool while the gate is shut.
	for i := 0; i < 2; i++ {
		select {
		case <-invoker.started:
		case <-time.After(2 * time.Second):
			t.Fatal("workers never started invoking")
		}
	}
	time.Sleep(50 * time.Millisecond)
	if n := invoker.inFlight.Load(); n != 2 {
		t.Errorf("in-flight = %d while gated, want 2", n)
	}

	close(gate)
	waitForStatus(t, fx.store, run.ID, eval.StatusCompleted)

	if max := invoker.maxSeen.Load(); max > 2 {
		t.Errorf("max concurrent invocations = %d, exceeds cap 2", max)
	}
}

func TestPerCaseFailureDoesNotAbortRun(t *testing.T) {
	invoker := newEchoInvoker()
	invoker.failInputs = map[string]bool{"b": true}
	fx := setupFixture(t, invoker, 2, [][2]string{
		{"a", "a"}, {"b", "b"}, {"c", "c"},
	})

	run, err := fx.orch.StartRun(context.Background(), fx.task.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	done := waitForStatus(t, fx.store, run.ID, eval.StatusCompleted)

	if done.Summary.Total != 3 || done.Summary.Passed != 2 || done.Summary.Failed != 1 {
		t.Errorf("summary = %+v", done.Summary)
	}

	results, err := fx.store.ListResults(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	var failed *eval.Result
	for _, r := range results {
		if r.ExecutionError != nil {
			failed = r
		}
	}
	if failed == nil {
		t.Fatal("no result carries the execution error")
	}
	if failed.IsPassed {
		t.Error("execution_error result must count as failed")
	}
	if failed.ActualOutput != nil {
		t.Error("failed invocation should have no actual output")
	}
}

func TestEmptyCaseSetRejected(t *testing.T) {
	invoker := newEchoInvoker()
	fx := setupFixture(t, invoker, 2, nil)

	_, err := fx.orch.StartRun(context.Background(), fx.task.ID)
	if !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
		t.Errorf("expected CONFIG_INVALID, got %v", err)
	}

	runs, err := fx.store.ListRuns(context.Background(), fx.task.ID)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Errorf("rejected start must not create a run, found %d", len(runs))
	}
}

func TestRerunNumbering(t *testing.T) {
	invoker := newEchoInvoker()
	fx := setupFixture(t, invoker, 1, [][2]string{{"a", "a"}})

	for want := 1; want <= 3; want++ {
		run, err := fx.orch.StartRun(context.Background(), fx.task.ID)
		if err != nil {
			t.Fatalf("start %d failed: %v", want, err)
		}
		if run.RunNumber != want {
			t.Errorf("run number = %d, want %d", run.RunNumber, want)
		}
		waitForStatus(t, fx.store, run.ID, eval.StatusCompleted)
	}
}

func TestNewRunSupersedesLiveRun(t *testing.T) {
	invoker := newEchoInvoker()
	gate := invoker.block()
	fx := setupFixture(t, invoker, 2, [][2]string{
		{"a", "a"}, {"b", "b"}, {"c", "c"},
	})
	ctx := context.Background()

	events, unsubscribe := fx.hub.Subscribe(fx.task.ID)
	defer unsubscribe()

	first, err := fx.orch.StartRun(ctx, fx.task.ID)
	if err != nil {
		t.Fatalf("first start failed: %v", err)
	}
	select {
	case <-invoker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run never started invoking")
	}

	second, err := fx.orch.StartRun(ctx, fx.task.ID)
	if err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if second.RunNumber != 2 {
		t.Errorf("second run number = %d, want 2", second.RunNumber)
	}

	superseded := waitForStatus(t, fx.store, first.ID, eval.StatusFailed)
	if superseded.Error == nil || *superseded.Error != "superseded by run 2" {
		t.Errorf("superseded error = %v", superseded.Error)
	}

	close(gate)
	waitForStatus(t, fx.store, second.ID, eval.StatusCompleted)

	// The first run's in-flight work was discarded after cancellation.
	firstResults, err := fx.store.ListResults(ctx, first.ID)
	if err != nil {
		t.Fatalf("failed to list first run results: %v", err)
	}
	secondResults, err := fx.store.ListResults(ctx, second.ID)
	if err != nil {
		t.Fatalf("failed to list second run results: %v", err)
	}
	if len(firstResults) != 0 {
		t.Errorf("first run persisted %d results after being superseded mid-invoke", len(firstResults))
	}
	if len(secondResults) != 3 {
		t.Errorf("second run persisted %d results, want 3", len(secondResults))
	}

	// An error event for the superseded run reached subscribers.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == telemetry.EventError && event.RunID == first.ID {
				return
			}
		case <-deadline:
			t.Fatal("no error event for the superseded run")
		}
	}
}

func TestCompleteEventCarriesSummaryAfterAllResults(t *testing.T) {
	invoker := newEchoInvoker()
	fx := setupFixture(t, invoker, 2, [][2]string{
		{"a", "a"}, {"b", "x"}, {"c", "c"},
	})

	events, unsubscribe := fx.hub.Subscribe(fx.task.ID)
	defer unsubscribe()

	run, err := fx.orch.StartRun(context.Background(), fx.task.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	resultCount := 0
	indices := make(map[int]bool)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			switch event.Type {
			case telemetry.EventResult:
				resultCount++
				idx := event.Data["index"].(int)
				if indices[idx] {
					t.Errorf("duplicate completion index %d", idx)
				}
				indices[idx] = true
				// Live observers get the same record the results API returns.
				if d, ok := event.Data["duration_ms"].(*int64); !ok || d == nil {
					t.Errorf("result event duration_ms = %v", event.Data["duration_ms"])
				}
				if tok, ok := event.Data["skill_tokens"].(*int); !ok || tok == nil || *tok != 3 {
					t.Errorf("result event skill_tokens = %v", event.Data["skill_tokens"])
				}
				if _, ok := event.Data["evaluator_tokens"]; !ok {
					t.Error("result event missing evaluator_tokens")
				}
			case telemetry.EventComplete:
				if resultCount != 3 {
					t.Errorf("complete event arrived after %d results, want 3", resultCount)
				}
				for i := 1; i <= 3; i++ {
					if !indices[i] {
						t.Errorf("missing completion index %d", i)
					}
				}
				if event.Data["total"] != 3 || event.Data["passed"] != 2 {
					t.Errorf("complete data = %+v", event.Data)
				}
				waitForStatus(t, fx.store, run.ID, eval.StatusCompleted)
				return
			}
		case <-deadline:
			t.Fatal("never saw the complete event")
		}
	}
}

func TestStorageFailureAbortsRun(t *testing.T) {
	invoker := newEchoInvoker()
	gate := invoker.block()
	fx := setupFixture(t, invoker, 1, [][2]string{{"a", "a"}})
	ctx := context.Background()

	events, unsubscribe := fx.hub.Subscribe(fx.task.ID)
	defer unsubscribe()

	run, err := fx.orch.StartRun(ctx, fx.task.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	select {
	case <-invoker.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run never started invoking")
	}

	// Deleting the run row makes the result insert violate its foreign key,
	// standing in for a storage failure mid-run.
	if _, err := fx.store.DB().ExecContext(ctx, "DELETE FROM eval_runs WHERE id = ?", run.ID); err != nil {
		t.Fatalf("failed to break storage: %v", err)
	}
	close(gate)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Type == telemetry.EventError && event.RunID == run.ID {
				return
			}
		case <-deadline:
			t.Fatal("no error event after storage failure")
		}
	}
}

func TestCancelledRunDoesNotPublishAbortError(t *testing.T) {
	invoker := newEchoInvoker()
	fx := setupFixture(t, invoker, 1, [][2]string{{"a", "a"}})
	ctx := context.Background()

	run := &eval.Run{TaskID: fx.task.ID}
	if err := fx.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := fx.store.MarkRunRunning(ctx, run.ID); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	// Supersession already owns the terminal status and published its event.
	if err := fx.store.FailRun(ctx, run.ID, "superseded by run 2"); err != nil {
		t.Fatalf("failed to fail run: %v", err)
	}

	events, unsubscribe := fx.hub.Subscribe(fx.task.ID)
	defer unsubscribe()

	// A persist failure recorded in the window before the cancellation was
	// observed must not be treated as a fresh storage abort.
	snap, err := fx.store.LoadSnapshot(ctx, fx.task.ID)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	prog := &progress{abortErr: errors.New(errors.ErrCodeRunAborted, "failed to persist result")}
	fx.orch.finalize(cancelled, snap, run, 1, prog)

	select {
	case event := <-events:
		t.Fatalf("unexpected %s event for a run that was already failed", event.Type)
	case <-time.After(100 * time.Millisecond):
	}

	got, err := fx.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Error == nil || *got.Error != "superseded by run 2" {
		t.Errorf("terminal error overwritten: %v", got.Error)
	}
}

func TestShutdownFailsLiveRuns(t *testing.T) {
	invoker := newEchoInvoker()
	invoker.block()
	fx := setupFixture(t, invoker, 1, [][2]string{{"a", "a"}})

	run, err := fx.orch.StartRun(context.Background(), fx.task.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if id, ok := fx.orch.RunningRunID(fx.task.ID); !ok || id != run.ID {
		t.Errorf("live run = %q %v, want %q", id, ok, run.ID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fx.orch.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if _, ok := fx.orch.RunningRunID(fx.task.ID); ok {
		t.Error("live run still registered after shutdown")
	}

	// The interrupted run must land in a terminal state, or a restart would
	// report it as live forever.
	got, err := fx.store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != eval.StatusFailed {
		t.Errorf("status after shutdown = %s, want FAILED", got.Status)
	}
	if got.Error == nil || *got.Error != "interrupted by shutdown" {
		t.Errorf("error after shutdown = %v", got.Error)
	}
}
