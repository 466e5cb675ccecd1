package evaluator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/llm"
	"github.com/caseval/caseval/pkg/template"
)

const judgeSystemPrompt = "You are an evaluation assistant. Respond with a JSON object " +
	`of the form {"result": "passed"|"failed", "reason": "..."}.`

// LLMJudge asks another model whether the actual output satisfies the
// expected output. The judge's prompt comes from the evaluator config and
// may reference ${expected} and ${actual}.
type LLMJudge struct {
	name           string
	promptTemplate string
	baseURL        string
	apiKey         string
	modelCode      string
	invoker        llm.Invoker
}

// NewLLMJudge creates an LLM judge from its stored config. The config may
// override the judge endpoint; otherwise the run's own provider is used.
func NewLLMJudge(name string, config map[string]any, deps Deps) (*LLMJudge, error) {
	prompt, _ := config["prompt_template"].(string)
	if prompt == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "llm_judge evaluator requires prompt_template").
			WithContext("evaluator", name)
	}
	if deps.Invoker == nil {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "llm_judge evaluator requires a model client").
			WithContext("evaluator", name)
	}

	j := &LLMJudge{
		name:           name,
		promptTemplate: prompt,
		baseURL:        deps.JudgeBaseURL,
		apiKey:         deps.JudgeAPIKey,
		modelCode:      deps.JudgeModelCode,
		invoker:        deps.Invoker,
	}
	if v, _ := config["base_url"].(string); v != "" {
		j.baseURL = v
	}
	if v, _ := config["api_key"].(string); v != "" {
		j.apiKey = v
	}
	if v, _ := config["model"].(string); v != "" {
		j.modelCode = v
	}
	if j.baseURL == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "llm_judge evaluator has no judge endpoint").
			WithContext("evaluator", name)
	}
	return j, nil
}

func (j *LLMJudge) Name() string { return j.name }

func (j *LLMJudge) Evaluate(ctx context.Context, expected, actual string) (Verdict, error) {
	prompt := template.RenderString(j.promptTemplate, template.Context{
		"expected": expected,
		"actual":   actual,
	})

	body := map[string]any{
		"model": j.modelCode,
		"messages": []any{
			map[string]any{"role": "system", "content": judgeSystemPrompt},
			map[string]any{"role": "user", "content": prompt},
		},
		"temperature": 0.1,
	}

	resp, err := j.invoker.Invoke(ctx, j.baseURL, j.apiKey, body)
	if err != nil {
		return Verdict{}, errors.Wrap(err, errors.ErrCodeEvaluatorFailed, "judge invocation failed")
	}

	verdict, err := parseJudgeVerdict(resp.Output)
	if err != nil {
		return Verdict{}, err
	}
	verdict.Tokens = resp.TotalTokens
	return verdict, nil
}

// parseJudgeVerdict reads the judge's JSON verdict, repairing near-JSON
// output the same way json_compare does.
func parseJudgeVerdict(output string) (Verdict, error) {
	text := strings.TrimSpace(output)
	if !isValidJSON(text) {
		text = repairJSON(text)
		if text == "" {
			return Verdict{}, errors.New(errors.ErrCodeEvaluatorFailed, "judge returned unparseable verdict").
				WithContext("output", truncate(output, 200))
		}
	}

	var parsed struct {
		Result string `json:"result"`
		Passed *bool  `json:"passed"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		return Verdict{}, errors.Wrap(err, errors.ErrCodeEvaluatorFailed, "judge returned unparseable verdict")
	}

	passed := strings.EqualFold(parsed.Result, "passed")
	if parsed.Passed != nil {
		passed = *parsed.Passed
	}
	reason := parsed.Reason
	if reason == "" {
		if passed {
			reason = "judge passed"
		} else {
			reason = "judge failed"
		}
	}
	return Verdict{Passed: passed, Reason: reason}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
