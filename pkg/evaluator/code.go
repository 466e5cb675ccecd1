package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/caseval/caseval/pkg/errors"
)

// DefaultCodeTimeout applies when Deps carries none.
const DefaultCodeTimeout = 10 * time.Second

// Code runs a user-supplied Python evaluation function in a subprocess. The
// function receives (expected, actual) and must return a dict with "result"
// ("passed" or "failed") and optionally "reason".
type Code struct {
	name        string
	code        string
	interpreter string
	timeout     time.Duration
}

// NewCode creates a code evaluator from its stored config.
func NewCode(name string, config map[string]any, deps Deps) (*Code, error) {
	body, _ := config["code"].(string)
	if body == "" {
		return nil, errors.New(errors.ErrCodeConfigInvalid, "code evaluator requires code").
			WithContext("evaluator", name)
	}
	interpreter := deps.Interpreter
	if interpreter == "" {
		interpreter = "python3"
	}
	timeout := deps.CodeTimeout
	if timeout <= 0 {
		timeout = DefaultCodeTimeout
	}
	return &Code{name: name, code: body, interpreter: interpreter, timeout: timeout}, nil
}

func (c *Code) Name() string { return c.name }

func (c *Code) Evaluate(ctx context.Context, expected, actual string) (Verdict, error) {
	script := buildScript(c.code)

	file, err := os.CreateTemp("", "caseval-eval-*.py")
	if err != nil {
		return Verdict{}, errors.Wrap(err, errors.ErrCodeEvaluatorFailed, "failed to create script file")
	}
	defer os.Remove(file.Name())
	if _, err := file.WriteString(script); err != nil {
		file.Close()
		return Verdict{}, errors.Wrap(err, errors.ErrCodeEvaluatorFailed, "failed to write script")
	}
	file.Close()

	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.interpreter, file.Name(), expected, actual)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return Verdict{Reason: fmt.Sprintf("code execution timed out after %s", c.timeout)}, nil
		}
		return Verdict{Reason: "code execution failed: " + strings.TrimSpace(stderr.String())}, nil
	}

	output := strings.TrimSpace(stdout.String())
	var result struct {
		Result string `json:"result"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		return Verdict{Reason: "code produced invalid JSON verdict: " + truncate(output, 200)}, nil
	}

	if strings.EqualFold(result.Result, "passed") {
		return Verdict{Passed: true, Reason: result.Reason}, nil
	}
	reason := result.Reason
	if reason == "" {
		reason = "evaluation did not pass"
	}
	return Verdict{Reason: reason}, nil
}

// buildScript wraps the user's function body so the subprocess reads its
// inputs from argv and prints the verdict as JSON on stdout.
func buildScript(body string) string {
	var sb strings.Builder
	sb.WriteString("import json\n\n")
	sb.WriteString("def evaluate(expected: str, actual: str) -> dict:\n")
	for _, line := range strings.Split(body, "\n") {
		sb.WriteString("    ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	sb.WriteString("\nif __name__ == \"__main__\":\n")
	sb.WriteString("    import sys\n")
	sb.WriteString("    print(json.dumps(evaluate(sys.argv[1], sys.argv[2]), ensure_ascii=False))\n")
	return sb.String()
}
