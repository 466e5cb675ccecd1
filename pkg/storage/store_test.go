package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedProviderModel(t *testing.T, store *Store) (*eval.Provider, *eval.Model) {
	t.Helper()
	ctx := context.Background()
	p := &eval.Provider{Name: "local", BaseURL: "http://localhost:9999", APIKey: "secret"}
	if err := store.CreateProvider(ctx, p); err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	m := &eval.Model{ProviderID: p.ID, ModelCode: "test-model", DisplayName: "Test Model"}
	if err := store.CreateModel(ctx, m); err != nil {
		t.Fatalf("failed to create model: %v", err)
	}
	return p, m
}

func seedCaseSet(t *testing.T, store *Store, n int) (*eval.CaseSet, []*eval.Case) {
	t.Helper()
	cases := make([]*eval.Case, 0, n)
	for i := 0; i < n; i++ {
		cases = append(cases, &eval.Case{
			CaseUID:        string(rune('a' + i)),
			UserInput:      "input",
			ExpectedOutput: "output",
		})
	}
	set := &eval.CaseSet{Name: "basic"}
	if err := store.CreateCaseSet(context.Background(), set, cases); err != nil {
		t.Fatalf("failed to create case set: %v", err)
	}
	return set, cases
}

func seedTask(t *testing.T, store *Store) *eval.Task {
	t.Helper()
	_, m := seedProviderModel(t, store)
	set, _ := seedCaseSet(t, store, 3)
	task := &eval.Task{
		Name:        "basic task",
		SetID:       set.ID,
		ModelID:     m.ID,
		Concurrency: 4,
		RequestTemplate: map[string]any{
			"model":    "${task_config.model_code}",
			"messages": []any{},
		},
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	return task
}

func TestProviderCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p, _ := seedProviderModel(t, store)

	got, err := store.GetProvider(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to get provider: %v", err)
	}
	if got.Name != "local" || got.BaseURL != "http://localhost:9999" {
		t.Errorf("unexpected provider: %+v", got)
	}

	got.BaseURL = "http://localhost:8000"
	if err := store.UpdateProvider(ctx, got); err != nil {
		t.Fatalf("failed to update provider: %v", err)
	}
	got, err = store.GetProvider(ctx, p.ID)
	if err != nil {
		t.Fatalf("failed to re-get provider: %v", err)
	}
	if got.BaseURL != "http://localhost:8000" {
		t.Errorf("update not persisted: %s", got.BaseURL)
	}

	if err := store.DeleteProvider(ctx, p.ID); err != nil {
		t.Fatalf("failed to delete provider: %v", err)
	}
	if _, err := store.GetProvider(ctx, p.ID); !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
}

func TestDeleteProviderCascadesToModels(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	p, m := seedProviderModel(t, store)
	if err := store.DeleteProvider(ctx, p.ID); err != nil {
		t.Fatalf("failed to delete provider: %v", err)
	}
	if _, err := store.GetModel(ctx, m.ID); !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected model cascade delete, got %v", err)
	}
}

func TestCaseSetWithCases(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	set, cases := seedCaseSet(t, store, 3)

	got, err := store.GetCaseSet(ctx, set.ID)
	if err != nil {
		t.Fatalf("failed to get case set: %v", err)
	}
	if got.CaseCount != 3 {
		t.Errorf("case count = %d, want 3", got.CaseCount)
	}

	listed, err := store.ListCases(ctx, set.ID)
	if err != nil {
		t.Fatalf("failed to list cases: %v", err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed %d cases, want 3", len(listed))
	}
	// Dispatch order must match insertion order.
	for i, c := range listed {
		if c.CaseUID != cases[i].CaseUID {
			t.Errorf("case %d uid = %q, want %q", i, c.CaseUID, cases[i].CaseUID)
		}
	}
}

func TestEvaluatorConfigRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	e := &eval.Evaluator{
		Name: "judge",
		Kind: eval.KindLLMJudge,
		Config: map[string]any{
			"prompt_template": "Expected: ${expected}\nActual: ${actual}",
		},
	}
	if err := store.CreateEvaluator(ctx, e); err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	got, err := store.GetEvaluator(ctx, e.ID)
	if err != nil {
		t.Fatalf("failed to get evaluator: %v", err)
	}
	if got.Kind != eval.KindLLMJudge {
		t.Errorf("kind = %q, want llm_judge", got.Kind)
	}
	if got.Config["prompt_template"] != e.Config["prompt_template"] {
		t.Errorf("config not round-tripped: %+v", got.Config)
	}
}

func TestSystemEvaluatorsSeededOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SeedSystemEvaluators(ctx); err != nil {
		t.Fatalf("first seed failed: %v", err)
	}
	if err := store.SeedSystemEvaluators(ctx); err != nil {
		t.Fatalf("second seed failed: %v", err)
	}

	evaluators, err := store.ListEvaluators(ctx)
	if err != nil {
		t.Fatalf("failed to list evaluators: %v", err)
	}
	if len(evaluators) != 2 {
		t.Fatalf("seeded %d evaluators, want 2", len(evaluators))
	}
	for _, e := range evaluators {
		if !e.IsSystem {
			t.Errorf("evaluator %s not marked system", e.Name)
		}
	}
}

func TestSystemEvaluatorCannotBeDeleted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SeedSystemEvaluators(ctx); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	e, err := store.GetEvaluatorByName(ctx, "exact_match")
	if err != nil {
		t.Fatalf("failed to get system evaluator: %v", err)
	}
	if err := store.DeleteEvaluator(ctx, e.ID); !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected delete of system evaluator to be refused, got %v", err)
	}
}

func TestTaskEvaluatorChainOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, store)

	var ids []string
	for _, name := range []string{"third", "first", "second"} {
		e := &eval.Evaluator{Name: name, Kind: eval.KindExactMatch, Config: map[string]any{}}
		if err := store.CreateEvaluator(ctx, e); err != nil {
			t.Fatalf("failed to create evaluator %s: %v", name, err)
		}
		ids = append(ids, e.ID)
	}

	task.EvaluatorIDs = []string{ids[1], ids[2], ids[0]} // first, second, third
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	want := []string{ids[1], ids[2], ids[0]}
	if len(got.EvaluatorIDs) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(got.EvaluatorIDs), len(want))
	}
	for i := range want {
		if got.EvaluatorIDs[i] != want[i] {
			t.Errorf("chain[%d] = %s, want %s", i, got.EvaluatorIDs[i], want[i])
		}
	}
}

func TestRunNumberContiguousPerTask(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, store)

	for want := 1; want <= 3; want++ {
		run := &eval.Run{TaskID: task.ID}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run %d: %v", want, err)
		}
		if run.RunNumber != want {
			t.Errorf("run number = %d, want %d", run.RunNumber, want)
		}
	}

	runs, err := store.ListRuns(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 || runs[0].RunNumber != 3 {
		t.Errorf("unexpected run listing: %d runs, first number %d", len(runs), runs[0].RunNumber)
	}
}

func TestTerminalRunStatusIsSticky(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, store)
	run := &eval.Run{TaskID: task.ID}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := store.MarkRunRunning(ctx, run.ID); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := store.FailRun(ctx, run.ID, "superseded by run 2"); err != nil {
		t.Fatalf("failed to fail run: %v", err)
	}

	// A completion arriving after the failure must not flip the status back.
	err := store.CompleteRun(ctx, run.ID, eval.NewSummary(3, 1, 2))
	if !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected completion of failed run to be refused, got %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != eval.StatusFailed {
		t.Errorf("status = %s, want FAILED", got.Status)
	}
	if got.Error == nil || *got.Error != "superseded by run 2" {
		t.Errorf("error not persisted: %v", got.Error)
	}
}

func TestFailStaleRunsSweepsNonTerminal(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, store)

	finished := &eval.Run{TaskID: task.ID}
	if err := store.CreateRun(ctx, finished); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := store.MarkRunRunning(ctx, finished.ID); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	if err := store.CompleteRun(ctx, finished.ID, eval.NewSummary(3, 3, 0)); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	running := &eval.Run{TaskID: task.ID}
	if err := store.CreateRun(ctx, running); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := store.MarkRunRunning(ctx, running.ID); err != nil {
		t.Fatalf("failed to mark running: %v", err)
	}
	pending := &eval.Run{TaskID: task.ID}
	if err := store.CreateRun(ctx, pending); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	n, err := store.FailStaleRuns(ctx, "interrupted by restart")
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if n != 2 {
		t.Errorf("swept %d runs, want 2", n)
	}

	for _, id := range []string{running.ID, pending.ID} {
		got, err := store.GetRun(ctx, id)
		if err != nil {
			t.Fatalf("failed to get run: %v", err)
		}
		if got.Status != eval.StatusFailed {
			t.Errorf("run %s status = %s, want FAILED", id, got.Status)
		}
		if got.Error == nil || *got.Error != "interrupted by restart" {
			t.Errorf("run %s error = %v", id, got.Error)
		}
	}

	got, err := store.GetRun(ctx, finished.ID)
	if err != nil {
		t.Fatalf("failed to get finished run: %v", err)
	}
	if got.Status != eval.StatusCompleted {
		t.Errorf("completed run swept to %s", got.Status)
	}
}

func TestResultRoundTripAndOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, store)
	cases, err := store.ListCases(ctx, task.SetID)
	if err != nil {
		t.Fatalf("failed to list cases: %v", err)
	}
	run := &eval.Run{TaskID: task.ID}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	output := "hello"
	duration := int64(12)
	for i, c := range cases {
		res := &eval.Result{
			RunID:        run.ID,
			TaskID:       task.ID,
			CaseID:       c.ID,
			ActualOutput: &output,
			IsPassed:     i == 0,
			DurationMS:   &duration,
			EvaluatorLogs: []eval.EvaluatorLog{
				{EvaluatorName: "exact_match", Passed: i == 0, Reason: "diff"},
			},
		}
		if err := store.PutResult(ctx, res); err != nil {
			t.Fatalf("failed to put result %d: %v", i, err)
		}
	}

	results, err := store.ListResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list results: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("listed %d results, want 3", len(results))
	}
	first := results[0]
	if !first.IsPassed || first.ActualOutput == nil || *first.ActualOutput != "hello" {
		t.Errorf("unexpected first result: %+v", first)
	}
	if len(first.EvaluatorLogs) != 1 || first.EvaluatorLogs[0].EvaluatorName != "exact_match" {
		t.Errorf("evaluator logs not round-tripped: %+v", first.EvaluatorLogs)
	}

	count, err := store.CountResults(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to count results: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}

func TestDuplicateResultForCaseRejected(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, store)
	cases, _ := store.ListCases(ctx, task.SetID)
	run := &eval.Run{TaskID: task.ID}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	res := &eval.Result{RunID: run.ID, TaskID: task.ID, CaseID: cases[0].ID, IsPassed: true}
	if err := store.PutResult(ctx, res); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	dup := &eval.Result{RunID: run.ID, TaskID: task.ID, CaseID: cases[0].ID, IsPassed: false}
	if err := store.PutResult(ctx, dup); err == nil {
		t.Error("expected duplicate result to be rejected")
	}
}

func TestLoadSnapshot(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, store)
	if err := store.SeedSystemEvaluators(ctx); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	em, err := store.GetEvaluatorByName(ctx, "exact_match")
	if err != nil {
		t.Fatalf("failed to get evaluator: %v", err)
	}
	task.EvaluatorIDs = []string{em.ID}
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}

	snap, err := store.LoadSnapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if snap.Task.ID != task.ID || len(snap.Cases) != 3 {
		t.Errorf("unexpected snapshot task/cases: %+v", snap)
	}
	if snap.Model == nil || snap.Provider == nil {
		t.Fatal("snapshot missing model or provider")
	}
	if snap.Provider.BaseURL != "http://localhost:9999" {
		t.Errorf("provider base url = %s", snap.Provider.BaseURL)
	}
	if len(snap.Evaluators) != 1 || snap.Evaluators[0].Kind != eval.KindExactMatch {
		t.Errorf("unexpected snapshot evaluators: %+v", snap.Evaluators)
	}
}

func TestSnapshotSystemPromptResolution(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := seedTask(t, store)

	set, err := store.GetCaseSet(ctx, task.SetID)
	if err != nil {
		t.Fatalf("failed to get case set: %v", err)
	}
	setPrompt := "set default"
	set.SystemPrompt = &setPrompt
	if err := store.UpdateCaseSet(ctx, set); err != nil {
		t.Fatalf("failed to update case set: %v", err)
	}

	snap, err := store.LoadSnapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to load snapshot: %v", err)
	}
	if got := snap.SystemPrompt(); got != "set default" {
		t.Errorf("system prompt = %q, want set default", got)
	}

	override := "task override"
	task.SystemPrompt = &override
	if err := store.UpdateTask(ctx, task); err != nil {
		t.Fatalf("failed to update task: %v", err)
	}
	snap, err = store.LoadSnapshot(ctx, task.ID)
	if err != nil {
		t.Fatalf("failed to reload snapshot: %v", err)
	}
	if got := snap.SystemPrompt(); got != "task override" {
		t.Errorf("system prompt = %q, want task override", got)
	}
}
