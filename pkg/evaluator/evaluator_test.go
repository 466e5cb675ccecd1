package evaluator

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
	"github.com/caseval/caseval/pkg/llm"
)

type fakeInvoker struct {
	output string
	tokens int
	err    error
}

func (f *fakeInvoker) Invoke(_ context.Context, _, _ string, _ map[string]any) (*llm.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Output: f.output, TotalTokens: f.tokens}, nil
}

func TestExactMatch(t *testing.T) {
	e := NewExactMatch("exact_match")
	ctx := context.Background()

	tests := []struct {
		name     string
		expected string
		actual   string
		want     bool
	}{
		{"identical", "hello world", "hello world", true},
		{"whitespace normalized", "hello   world", "hello\nworld", true},
		{"leading trailing space", "  hello ", "hello", true},
		{"different", "hello", "goodbye", false},
		{"both empty", "", "", true},
		{"expected empty", "", "something", false},
		{"actual empty", "something", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := e.Evaluate(ctx, tt.expected, tt.actual)
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if verdict.Passed != tt.want {
				t.Errorf("passed = %v, want %v (reason: %s)", verdict.Passed, tt.want, verdict.Reason)
			}
		})
	}
}

func TestExactMatchDiffInReason(t *testing.T) {
	e := NewExactMatch("exact_match")
	verdict, err := e.Evaluate(context.Background(), "line one\nline two", "line one\nline three")
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if verdict.Passed {
		t.Fatal("expected mismatch")
	}
	if !strings.Contains(verdict.Reason, "-line two") || !strings.Contains(verdict.Reason, "+line three") {
		t.Errorf("reason missing unified diff:\n%s", verdict.Reason)
	}
}

func TestJSONCompare(t *testing.T) {
	e := NewJSONCompare("json_compare")
	ctx := context.Background()

	tests := []struct {
		name       string
		expected   string
		actual     string
		want       bool
		wantReason string
	}{
		{"equal objects", `{"a": 1, "b": [1, 2]}`, `{"b": [1, 2], "a": 1}`, true, ""},
		{"missing key", `{"a": 1, "b": 2}`, `{"a": 1}`, false, "b: missing key"},
		{"extra key", `{"a": 1}`, `{"a": 1, "b": 2}`, false, "b: extra key"},
		{"value mismatch", `{"a": 1}`, `{"a": 2}`, false, "a: value mismatch"},
		{"nested path", `{"a": {"b": 1}}`, `{"a": {"b": 2}}`, false, "a.b: value mismatch"},
		{"array length", `[1, 2]`, `[1]`, false, "length mismatch"},
		{"array element", `[1, 2]`, `[1, 3]`, false, "[1]: value mismatch"},
		{"type mismatch", `{"a": 1}`, `{"a": "1"}`, false, "type mismatch"},
		{"no expected json", "", "anything", true, ""},
		{"expected not json", "plain text", "anything", true, ""},
		{"unrepairable actual", `{"a": 1}`, "not json at all", false, "repair failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := e.Evaluate(ctx, tt.expected, tt.actual)
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if verdict.Passed != tt.want {
				t.Errorf("passed = %v, want %v (reason: %s)", verdict.Passed, tt.want, verdict.Reason)
			}
			if tt.wantReason != "" && !strings.Contains(verdict.Reason, tt.wantReason) {
				t.Errorf("reason %q missing %q", verdict.Reason, tt.wantReason)
			}
		})
	}
}

func TestJSONCompareRepairsActual(t *testing.T) {
	e := NewJSONCompare("json_compare")
	ctx := context.Background()

	tests := []struct {
		name   string
		actual string
	}{
		{"markdown fence", "```json\n{\"a\": 1}\n```"},
		{"bare fence", "```\n{\"a\": 1}\n```"},
		{"trailing comma", `{"a": 1,}`},
		{"single quotes", `{'a': 1}`},
		{"unquoted key", `{a: 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := e.Evaluate(ctx, `{"a": 1}`, tt.actual)
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if !verdict.Passed {
				t.Errorf("expected pass after repair, reason: %s", verdict.Reason)
			}
			if !strings.Contains(verdict.Reason, "repaired") {
				t.Errorf("reason should note the repair: %s", verdict.Reason)
			}
		})
	}
}

func TestJSONCompareLimitsDiffCount(t *testing.T) {
	e := NewJSONCompare("json_compare")
	expected := `{"a":1,"b":2,"c":3,"d":4,"e":5,"f":6,"g":7,"h":8}`
	actual := `{"a":9,"b":9,"c":9,"d":9,"e":9,"f":9,"g":9,"h":9}`

	verdict, err := e.Evaluate(context.Background(), expected, actual)
	if err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}
	if verdict.Passed {
		t.Fatal("expected failure")
	}
	if n := strings.Count(verdict.Reason, "value mismatch"); n != maxReportedDiffs {
		t.Errorf("reported %d diffs, want %d", n, maxReportedDiffs)
	}
}

func TestLLMJudgeVerdictParsing(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"passed result", `{"result": "passed", "reason": "good"}`, true},
		{"failed result", `{"result": "failed", "reason": "bad"}`, false},
		{"boolean field", `{"passed": true}`, true},
		{"fenced verdict", "```json\n{\"result\": \"passed\"}\n```", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			judge, err := NewLLMJudge("judge", map[string]any{
				"prompt_template": "Expected: ${expected}\nActual: ${actual}",
			}, Deps{
				Invoker:        &fakeInvoker{output: tt.output, tokens: 7},
				JudgeBaseURL:   "http://judge",
				JudgeModelCode: "judge-model",
			})
			if err != nil {
				t.Fatalf("failed to build judge: %v", err)
			}
			verdict, err := judge.Evaluate(ctx, "exp", "act")
			if err != nil {
				t.Fatalf("evaluate failed: %v", err)
			}
			if verdict.Passed != tt.want {
				t.Errorf("passed = %v, want %v", verdict.Passed, tt.want)
			}
			if verdict.Tokens != 7 {
				t.Errorf("tokens = %d, want 7", verdict.Tokens)
			}
		})
	}
}

func TestLLMJudgeUnparseableVerdict(t *testing.T) {
	judge, err := NewLLMJudge("judge", map[string]any{
		"prompt_template": "${expected} vs ${actual}",
	}, Deps{
		Invoker:      &fakeInvoker{output: "I think it looks fine"},
		JudgeBaseURL: "http://judge",
	})
	if err != nil {
		t.Fatalf("failed to build judge: %v", err)
	}
	_, err = judge.Evaluate(context.Background(), "a", "b")
	if !errors.IsCode(err, errors.ErrCodeEvaluatorFailed) {
		t.Errorf("expected EVALUATOR_FAILED, got %v", err)
	}
}

func TestLLMJudgeRequiresPromptTemplate(t *testing.T) {
	_, err := NewLLMJudge("judge", map[string]any{}, Deps{
		Invoker:      &fakeInvoker{},
		JudgeBaseURL: "http://judge",
	})
	if !errors.IsCode(err, errors.ErrCodeConfigInvalid) {
		t.Errorf("expected CONFIG_INVALID, got %v", err)
	}
}

func TestChainDefaultsToExactMatch(t *testing.T) {
	chain, err := ResolveChain(nil, Deps{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if chain.Len() != 1 {
		t.Fatalf("chain length = %d, want 1", chain.Len())
	}
	passed, logs, _ := chain.Run(context.Background(), "x", "x")
	if !passed {
		t.Error("expected default exact match to pass")
	}
	if len(logs) != 1 || logs[0].EvaluatorName != "exact_match" {
		t.Errorf("unexpected logs: %+v", logs)
	}
}

func TestChainANDSemantics(t *testing.T) {
	records := []*eval.Evaluator{
		{Name: "strings", Kind: eval.KindExactMatch},
		{Name: "structure", Kind: eval.KindJSONCompare},
	}
	chain, err := ResolveChain(records, Deps{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	// Structurally equal JSON that differs as a string: json_compare passes
	// but exact_match fails, so the case fails overall.
	passed, logs, _ := chain.Run(context.Background(), `{"a": 1}`, `{ "a" : 1 }`)
	if passed {
		t.Error("expected chain to fail when any evaluator fails")
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2", len(logs))
	}
	if logs[0].Passed {
		t.Error("exact_match should have failed")
	}
	if !logs[1].Passed {
		t.Errorf("json_compare should have passed: %s", logs[1].Reason)
	}
}

func TestChainEvaluatorErrorBecomesFailingLog(t *testing.T) {
	records := []*eval.Evaluator{
		{Name: "judge", Kind: eval.KindLLMJudge, Config: map[string]any{"prompt_template": "${actual}"}},
		{Name: "strings", Kind: eval.KindExactMatch},
	}
	chain, err := ResolveChain(records, Deps{
		Invoker:      &fakeInvoker{err: fmt.Errorf("judge endpoint down")},
		JudgeBaseURL: "http://judge",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	passed, logs, _ := chain.Run(context.Background(), "same", "same")
	if passed {
		t.Error("expected failure when an evaluator errors")
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs, want 2; chain must continue past the error", len(logs))
	}
	if logs[0].Passed || !strings.Contains(logs[0].Reason, "evaluator error") {
		t.Errorf("unexpected error log: %+v", logs[0])
	}
	if !logs[1].Passed {
		t.Error("exact_match after the erroring judge should still run and pass")
	}
}

func TestChainAccumulatesJudgeTokens(t *testing.T) {
	records := []*eval.Evaluator{
		{Name: "judge", Kind: eval.KindLLMJudge, Config: map[string]any{"prompt_template": "${actual}"}},
	}
	chain, err := ResolveChain(records, Deps{
		Invoker:      &fakeInvoker{output: `{"result": "passed"}`, tokens: 11},
		JudgeBaseURL: "http://judge",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	_, _, tokens := chain.Run(context.Background(), "a", "b")
	if tokens != 11 {
		t.Errorf("tokens = %d, want 11", tokens)
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		kind    eval.EvaluatorKind
		config  map[string]any
		wantErr bool
	}{
		{"exact match no config", eval.KindExactMatch, nil, false},
		{"json compare no config", eval.KindJSONCompare, nil, false},
		{"judge with template", eval.KindLLMJudge, map[string]any{"prompt_template": "x"}, false},
		{"judge without template", eval.KindLLMJudge, map[string]any{}, true},
		{"code with body", eval.KindCode, map[string]any{"code": "return {}"}, false},
		{"code without body", eval.KindCode, map[string]any{}, true},
		{"unknown kind", eval.EvaluatorKind("bogus"), nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.kind, tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
