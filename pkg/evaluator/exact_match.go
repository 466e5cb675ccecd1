package evaluator

import (
	"context"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// ExactMatch compares outputs as whitespace-normalized strings. Runs of
// whitespace collapse to single spaces before comparison, so formatting
// differences alone do not fail a case.
type ExactMatch struct {
	name string
}

// NewExactMatch creates an exact match evaluator.
func NewExactMatch(name string) *ExactMatch {
	return &ExactMatch{name: name}
}

func (e *ExactMatch) Name() string { return e.name }

func (e *ExactMatch) Evaluate(_ context.Context, expected, actual string) (Verdict, error) {
	if expected == "" && actual == "" {
		return Verdict{Passed: true, Reason: "both empty"}, nil
	}
	if expected == "" {
		return Verdict{Reason: "expected output is empty"}, nil
	}
	if actual == "" {
		return Verdict{Reason: "actual output is empty"}, nil
	}

	if normalizeWhitespace(expected) == normalizeWhitespace(actual) {
		return Verdict{Passed: true, Reason: "exact match"}, nil
	}

	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(expected),
		B:        difflib.SplitLines(actual),
		FromFile: "expected",
		ToFile:   "actual",
		Context:  2,
	})
	if err != nil || diff == "" {
		return Verdict{Reason: "mismatch: expected " + expected + ", got " + actual}, nil
	}
	return Verdict{Reason: "mismatch:\n" + diff}, nil
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
