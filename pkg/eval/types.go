// Package eval defines the core domain types shared by the storage layer,
// the orchestrator, and the HTTP API: providers, models, case sets, tasks,
// runs, and results.
package eval

import "time"

// RunStatus represents the lifecycle state of an evaluation run.
type RunStatus string

const (
	StatusPending   RunStatus = "PENDING"
	StatusRunning   RunStatus = "RUNNING"
	StatusCompleted RunStatus = "COMPLETED"
	StatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether the status is final. Terminal runs never change
// state again.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// EvaluatorKind identifies an evaluator implementation.
type EvaluatorKind string

const (
	KindExactMatch  EvaluatorKind = "exact_match"
	KindJSONCompare EvaluatorKind = "json_compare"
	KindLLMJudge    EvaluatorKind = "llm_judge"
	KindCode        EvaluatorKind = "code"
)

// Valid reports whether the kind names a known evaluator implementation.
func (k EvaluatorKind) Valid() bool {
	switch k {
	case KindExactMatch, KindJSONCompare, KindLLMJudge, KindCode:
		return true
	}
	return false
}

// Provider is a model API endpoint with credentials.
type Provider struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Model is a concrete model served by a provider.
type Model struct {
	ID          string    `json:"id"`
	ProviderID  string    `json:"provider_id"`
	ModelCode   string    `json:"model_code"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CaseSet groups test cases and optionally carries a default system prompt
// applied when a task does not override it.
type CaseSet struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	SystemPrompt *string   `json:"system_prompt,omitempty"`
	CaseCount    int       `json:"case_count,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Case is a single test case within a set.
type Case struct {
	ID             string    `json:"id"`
	SetID          string    `json:"set_id"`
	CaseUID        string    `json:"case_uid,omitempty"`
	Description    string    `json:"description,omitempty"`
	UserInput      string    `json:"user_input"`
	ExpectedOutput string    `json:"expected_output,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Evaluator is a configured judging strategy. System evaluators are seeded
// at startup and cannot be deleted.
type Evaluator struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Kind        EvaluatorKind  `json:"kind"`
	Config      map[string]any `json:"config"`
	IsSystem    bool           `json:"is_system"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Concurrency bounds for a task's worker pool.
const (
	MinConcurrency = 1
	MaxConcurrency = 20
)

// ClampConcurrency forces n into the allowed worker-pool range.
func ClampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// Task binds a case set to a model with a request template, a worker-pool
// width, and an ordered evaluator chain.
type Task struct {
	ID              string         `json:"id"`
	Name            string         `json:"name,omitempty"`
	SetID           string         `json:"set_id"`
	ModelID         string         `json:"model_id"`
	Concurrency     int            `json:"concurrency"`
	RequestTemplate map[string]any `json:"request_template"`
	SystemPrompt    *string        `json:"system_prompt,omitempty"`
	EvaluatorIDs    []string       `json:"evaluator_ids,omitempty"`
	Summary         *Summary       `json:"summary,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Run is one execution of a task over its case set. RunNumber is contiguous
// from 1 per task.
type Run struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	RunNumber   int        `json:"run_number"`
	Status      RunStatus  `json:"status"`
	Summary     *Summary   `json:"summary,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
}

// Summary aggregates a completed run. PassRate is a fraction in [0, 1].
type Summary struct {
	Total    int     `json:"total"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	PassRate float64 `json:"pass_rate"`
}

// NewSummary builds a summary, computing the pass rate. An empty run has a
// pass rate of zero.
func NewSummary(total, passed, failed int) *Summary {
	s := &Summary{Total: total, Passed: passed, Failed: failed}
	if total > 0 {
		s.PassRate = float64(passed) / float64(total)
	}
	return s
}

// EvaluatorLog records one evaluator's verdict on one case.
type EvaluatorLog struct {
	EvaluatorName string `json:"evaluator_name"`
	Passed        bool   `json:"passed"`
	Reason        string `json:"reason,omitempty"`
}

// Result is the outcome of one case within one run. Exactly one result
// exists per (run, case) pair.
type Result struct {
	ID              string         `json:"id"`
	RunID           string         `json:"run_id"`
	TaskID          string         `json:"task_id"`
	CaseID          string         `json:"case_id"`
	ActualOutput    *string        `json:"actual_output,omitempty"`
	IsPassed        bool           `json:"is_passed"`
	ExecutionError  *string        `json:"execution_error,omitempty"`
	EvaluatorLogs   []EvaluatorLog `json:"evaluator_logs"`
	DurationMS      *int64         `json:"duration_ms,omitempty"`
	SkillTokens     *int           `json:"skill_tokens,omitempty"`
	EvaluatorTokens *int           `json:"evaluator_tokens,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Failed reports whether the result counts against the pass rate. A result
// with an execution error always fails regardless of IsPassed.
func (r *Result) Failed() bool {
	return r.ExecutionError != nil || !r.IsPassed
}

// Snapshot is everything a run needs, loaded once at start so that later
// edits to the task or case set do not affect an in-flight run.
type Snapshot struct {
	Task       *Task
	CaseSet    *CaseSet
	Cases      []*Case
	Model      *Model
	Provider   *Provider
	Evaluators []*Evaluator
}

// SystemPrompt resolves the effective system prompt: the task override wins,
// then the case set default, then empty.
func (s *Snapshot) SystemPrompt() string {
	if s.Task != nil && s.Task.SystemPrompt != nil {
		return *s.Task.SystemPrompt
	}
	if s.CaseSet != nil && s.CaseSet.SystemPrompt != nil {
		return *s.CaseSet.SystemPrompt
	}
	return ""
}
