// Package evaluator judges model outputs against expected outputs. A task
// carries an ordered chain of evaluators; a case passes only when every
// evaluator in the chain passes.
package evaluator

import (
	"context"
	"fmt"
	"time"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
	"github.com/caseval/caseval/pkg/llm"
)

// Verdict is a single evaluator's judgment of one case.
type Verdict struct {
	Passed bool
	Reason string
	// Tokens spent by the evaluator itself (LLM judges), not the model
	// under test.
	Tokens int
}

// Evaluator judges one case's actual output against its expected output.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, expected, actual string) (Verdict, error)
}

// Deps carries the collaborators some evaluator kinds need.
type Deps struct {
	Invoker llm.Invoker
	// Judge defaults when an llm_judge config omits its own endpoint.
	JudgeBaseURL   string
	JudgeAPIKey    string
	JudgeModelCode string
	// Code evaluator sandbox settings.
	Interpreter string
	CodeTimeout time.Duration
}

// Chain is a task's resolved evaluator sequence. Resolved once per run so
// evaluator edits cannot affect an in-flight run.
type Chain struct {
	evaluators []Evaluator
}

// ResolveChain builds the chain from a task's evaluator records. An empty
// chain falls back to exact match.
func ResolveChain(records []*eval.Evaluator, deps Deps) (*Chain, error) {
	if len(records) == 0 {
		return &Chain{evaluators: []Evaluator{NewExactMatch("exact_match")}}, nil
	}

	evaluators := make([]Evaluator, 0, len(records))
	for _, rec := range records {
		e, err := build(rec, deps)
		if err != nil {
			return nil, err
		}
		evaluators = append(evaluators, e)
	}
	return &Chain{evaluators: evaluators}, nil
}

func build(rec *eval.Evaluator, deps Deps) (Evaluator, error) {
	switch rec.Kind {
	case eval.KindExactMatch:
		return NewExactMatch(rec.Name), nil
	case eval.KindJSONCompare:
		return NewJSONCompare(rec.Name), nil
	case eval.KindLLMJudge:
		return NewLLMJudge(rec.Name, rec.Config, deps)
	case eval.KindCode:
		return NewCode(rec.Name, rec.Config, deps)
	default:
		return nil, errors.Newf(errors.ErrCodeConfigInvalid, "unknown evaluator kind %q", rec.Kind).
			WithContext("evaluator", rec.Name)
	}
}

// Run executes every evaluator in order. The case passes only if all
// evaluators pass. An evaluator error does not abort the case: it becomes a
// failing log entry and the chain keeps going so the remaining verdicts are
// still recorded.
func (c *Chain) Run(ctx context.Context, expected, actual string) (bool, []eval.EvaluatorLog, int) {
	passed := true
	tokens := 0
	logs := make([]eval.EvaluatorLog, 0, len(c.evaluators))

	for _, e := range c.evaluators {
		verdict, err := e.Evaluate(ctx, expected, actual)
		if err != nil {
			passed = false
			logs = append(logs, eval.EvaluatorLog{
				EvaluatorName: e.Name(),
				Passed:        false,
				Reason:        fmt.Sprintf("evaluator error: %v", err),
			})
			continue
		}
		tokens += verdict.Tokens
		if !verdict.Passed {
			passed = false
		}
		logs = append(logs, eval.EvaluatorLog{
			EvaluatorName: e.Name(),
			Passed:        verdict.Passed,
			Reason:        verdict.Reason,
		})
	}
	return passed, logs, tokens
}

// Len reports the number of evaluators in the chain.
func (c *Chain) Len() int {
	return len(c.evaluators)
}

// ValidateConfig checks an evaluator definition before it is stored.
func ValidateConfig(kind eval.EvaluatorKind, config map[string]any) error {
	switch kind {
	case eval.KindExactMatch, eval.KindJSONCompare:
		return nil
	case eval.KindLLMJudge:
		if s, _ := config["prompt_template"].(string); s == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "llm_judge evaluator requires prompt_template")
		}
		return nil
	case eval.KindCode:
		if s, _ := config["code"].(string); s == "" {
			return errors.New(errors.ErrCodeConfigInvalid, "code evaluator requires code")
		}
		return nil
	default:
		return errors.Newf(errors.ErrCodeConfigInvalid, "unknown evaluator kind %q", kind)
	}
}
