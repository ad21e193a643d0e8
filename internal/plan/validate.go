// Package plan validates client-supplied approved plans before a run is
// created from them. Validation works on untyped decoded JSON and never panics.
package plan

import (
	"encoding/json"
	"errors"
	"math"

	"truecoding/internal/domain"
)

var (
	// ErrPartialPlan means only one of assessment/iterations was supplied.
	ErrPartialPlan = errors.New("approved plan requires both assessment and iterations")
	// ErrInvalidAssessment means the assessment failed shape validation.
	ErrInvalidAssessment = errors.New("approved assessment is malformed")
	// ErrInvalidIterations means the iteration list failed shape validation.
	ErrInvalidIterations = errors.New("approved iterations are malformed")
)

var complexityLevels = map[string]bool{"simple": true, "medium": true, "complex": true}

// IsAssessment reports whether v has the shape of an approved assessment.
func IsAssessment(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if !isNumber(obj["complexityScore"]) || !isNumber(obj["recommendedIterations"]) {
		return false
	}
	level, ok := obj["complexityLevel"].(string)
	if !ok || !complexityLevels[level] {
		return false
	}
	factors, ok := obj["factors"].([]any)
	if !ok {
		return false
	}
	for _, f := range factors {
		if !isFactor(f) {
			return false
		}
	}
	return true
}

func isFactor(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	return isString(obj["name"]) && isNumber(obj["score"]) && isNumber(obj["maxScore"]) && isString(obj["detail"])
}

// IsIterationPlan reports whether v is a non-empty list of well-formed plan items.
func IsIterationPlan(v any) bool {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return false
	}
	for _, item := range items {
		if !isPlanItem(item) {
			return false
		}
	}
	return true
}

func isPlanItem(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if !isNumber(obj["index"]) {
		return false
	}
	if !isString(obj["name"]) || !isString(obj["slug"]) || !isString(obj["gherkinPath"]) {
		return false
	}
	scope, ok := obj["scope"].(map[string]any)
	if !ok {
		return false
	}
	return isStringList(scope["goals"]) && isStringList(scope["featureTags"]) && isStringList(scope["risks"])
}

// Parse validates raw assessment/iteration JSON. Both absent yields (nil, nil):
// the execution engine plans for itself. One absent, or either malformed, is an error.
func Parse(assessment, iterations json.RawMessage) (*domain.ApprovedPlan, error) {
	hasAssessment := present(assessment)
	hasIterations := present(iterations)
	if !hasAssessment && !hasIterations {
		return nil, nil
	}
	if hasAssessment != hasIterations {
		return nil, ErrPartialPlan
	}
	var rawAssessment, rawIterations any
	if err := json.Unmarshal(assessment, &rawAssessment); err != nil || !IsAssessment(rawAssessment) {
		return nil, ErrInvalidAssessment
	}
	if err := json.Unmarshal(iterations, &rawIterations); err != nil || !IsIterationPlan(rawIterations) {
		return nil, ErrInvalidIterations
	}
	var out domain.ApprovedPlan
	if err := json.Unmarshal(assessment, &out.Assessment); err != nil {
		return nil, ErrInvalidAssessment
	}
	if err := json.Unmarshal(iterations, &out.Iterations); err != nil {
		return nil, ErrInvalidIterations
	}
	for i := range out.Iterations {
		out.Iterations[i].Scope = normalizeScope(out.Iterations[i].Scope)
	}
	return &out, nil
}

func normalizeScope(s domain.IterationScope) domain.IterationScope {
	if s.Goals == nil {
		s.Goals = []string{}
	}
	if s.FeatureTags == nil {
		s.FeatureTags = []string{}
	}
	if s.Risks == nil {
		s.Risks = []string{}
	}
	return s
}

func present(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// malformed but present
		return true
	}
	return v != nil
}

func isNumber(v any) bool {
	switch n := v.(type) {
	case float64:
		return !math.IsNaN(n) && !math.IsInf(n, 0)
	case int, int64, json.Number:
		return true
	default:
		return false
	}
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isStringList(v any) bool {
	switch list := v.(type) {
	case []string:
		return true
	case []any:
		for _, item := range list {
			if !isString(item) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
