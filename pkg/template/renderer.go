// Package template renders LLM request templates. Templates are JSON
// objects whose string values may contain ${variable.path} placeholders
// resolved against a per-case binding tree.
package template

import (
	"fmt"
	"regexp"

	"github.com/caseval/caseval/pkg/errors"
	"github.com/caseval/caseval/pkg/eval"
)

var variablePattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Context is the binding tree available to placeholders. Unknown paths
// resolve to the empty string rather than failing the render.
type Context map[string]any

// NewContext builds the binding tree for one case of a run snapshot.
func NewContext(snap *eval.Snapshot, c *eval.Case) Context {
	return Context{
		"model_name":    snap.Model.ModelCode,
		"system_prompt": snap.SystemPrompt(),
		"task_config": map[string]any{
			"base_url":   snap.Provider.BaseURL,
			"api_key":    snap.Provider.APIKey,
			"model_code": snap.Model.ModelCode,
		},
		"case_set": map[string]any{
			"name": snap.CaseSet.Name,
		},
		"case": map[string]any{
			"user_input":  c.UserInput,
			"case_uid":    c.CaseUID,
			"description": c.Description,
		},
	}
}

// RenderRequest substitutes placeholders throughout a request template. The
// template must be a JSON object; substitution happens on the parsed tree so
// quotes and newlines in case inputs cannot break the request structure.
func RenderRequest(template map[string]any, ctx Context) (map[string]any, error) {
	if template == nil {
		return nil, errors.New(errors.ErrCodeRenderFailed, "request template must be a JSON object")
	}
	rendered, ok := substitute(template, ctx).(map[string]any)
	if !ok {
		return nil, errors.New(errors.ErrCodeRenderFailed, "rendered template is not a JSON object")
	}
	return rendered, nil
}

// RenderString substitutes placeholders in a bare template string.
func RenderString(template string, ctx Context) string {
	return substituteString(template, ctx)
}

func substitute(value any, ctx Context) any {
	switch v := value.(type) {
	case string:
		return substituteString(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = substitute(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = substitute(item, ctx)
		}
		return out
	default:
		return value
	}
}

func substituteString(s string, ctx Context) string {
	return variablePattern.ReplaceAllStringFunc(s, func(match string) string {
		path := match[2 : len(match)-1]
		return resolve(path, ctx)
	})
}

// resolve walks a dotted path through the binding tree. Missing segments
// and nil values yield the empty string.
func resolve(path string, ctx Context) string {
	var value any = map[string]any(ctx)
	start := 0
	for i := 0; i <= len(path); i++ {
		if i < len(path) && path[i] != '.' {
			continue
		}
		part := path[start:i]
		start = i + 1

		node, ok := value.(map[string]any)
		if !ok {
			return ""
		}
		value, ok = node[part]
		if !ok || value == nil {
			return ""
		}
	}
	return stringify(value)
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
