package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// maxReportedDiffs bounds the reason string for wildly different structures.
const maxReportedDiffs = 5

// JSONCompare deep-compares outputs as JSON values. The actual output goes
// through a repair pass first so fenced or sloppily quoted model output can
// still be judged structurally.
type JSONCompare struct {
	name string
}

// NewJSONCompare creates a JSON comparison evaluator.
func NewJSONCompare(name string) *JSONCompare {
	return &JSONCompare{name: name}
}

func (e *JSONCompare) Name() string { return e.name }

func (e *JSONCompare) Evaluate(_ context.Context, expected, actual string) (Verdict, error) {
	if strings.TrimSpace(expected) == "" {
		return Verdict{Passed: true, Reason: "no expected JSON to compare"}, nil
	}

	var expectedVal any
	if err := json.Unmarshal([]byte(expected), &expectedVal); err != nil {
		return Verdict{Passed: true, Reason: "expected output is not valid JSON, skipping comparison"}, nil
	}

	repaired := actual
	if !isValidJSON(strings.TrimSpace(actual)) {
		repaired = repairJSON(actual)
		if repaired == "" {
			return Verdict{Reason: "actual output is not valid JSON (repair failed)"}, nil
		}
	} else {
		repaired = strings.TrimSpace(actual)
	}

	var actualVal any
	if err := json.Unmarshal([]byte(repaired), &actualVal); err != nil {
		return Verdict{Reason: "actual output is not valid JSON (repair failed)"}, nil
	}

	repairNote := ""
	if repaired != strings.TrimSpace(actual) {
		repairNote = " (JSON was repaired)"
	}

	diffs := deepCompare(expectedVal, actualVal, "")
	if len(diffs) == 0 {
		return Verdict{Passed: true, Reason: "JSON structures match" + repairNote}, nil
	}
	if len(diffs) > maxReportedDiffs {
		diffs = diffs[:maxReportedDiffs]
	}
	return Verdict{Reason: strings.Join(diffs, "; ") + repairNote}, nil
}

// deepCompare walks both values and reports path-qualified differences:
// type mismatches, missing or extra object keys, array length mismatches,
// and unequal scalars.
func deepCompare(expected, actual any, path string) []string {
	var diffs []string

	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return []string{typeMismatch(path, expected, actual)}
		}
		keys := make([]string, 0, len(exp))
		for k := range exp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			av, present := act[k]
			if !present {
				diffs = append(diffs, childPath+": missing key")
				continue
			}
			diffs = append(diffs, deepCompare(exp[k], av, childPath)...)
		}
		extra := make([]string, 0)
		for k := range act {
			if _, present := exp[k]; !present {
				childPath := k
				if path != "" {
					childPath = path + "." + k
				}
				extra = append(extra, childPath+": extra key")
			}
		}
		sort.Strings(extra)
		diffs = append(diffs, extra...)

	case []any:
		act, ok := actual.([]any)
		if !ok {
			return []string{typeMismatch(path, expected, actual)}
		}
		if len(exp) != len(act) {
			return []string{fmt.Sprintf("%s: length mismatch - expected %d, got %d", path, len(exp), len(act))}
		}
		for i := range exp {
			diffs = append(diffs, deepCompare(exp[i], act[i], fmt.Sprintf("%s[%d]", path, i))...)
		}

	default:
		if !sameJSONType(expected, actual) {
			return []string{typeMismatch(path, expected, actual)}
		}
		if expected != actual {
			diffs = append(diffs, fmt.Sprintf("%s: value mismatch - expected %v, got %v", path, expected, actual))
		}
	}
	return diffs
}

func typeMismatch(path string, expected, actual any) string {
	return fmt.Sprintf("%s: type mismatch - expected %s, got %s", path, jsonTypeName(expected), jsonTypeName(actual))
}

func sameJSONType(a, b any) bool {
	return jsonTypeName(a) == jsonTypeName(b)
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
