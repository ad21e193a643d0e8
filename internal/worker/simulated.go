package worker

import (
	"context"
	"fmt"
	"time"

	"truecoding/internal/domain"
	"truecoding/internal/engine"
)

var simulatedGates = []domain.GateType{domain.GateBuild, domain.GateUnit, domain.GateBDD, domain.GateReview, domain.GateSecurity}

// Simulated stands in for the agent pipeline: it plans a fixed number of
// iterations and reports every gate as passed unless told otherwise.
type Simulated struct {
	Iterations int
	Delay      time.Duration
	// FailGate makes the named gate fail for the given iteration index.
	FailGate map[int]domain.GateType
}

func (s Simulated) Plan(_ context.Context, run domain.DevelopmentRun) ([]domain.IterationPlanItem, error) {
	n := s.Iterations
	if n <= 0 {
		n = 3
	}
	items := make([]domain.IterationPlanItem, 0, n)
	for i := 1; i <= n; i++ {
		slug := fmt.Sprintf("iter-%d", i)
		items = append(items, domain.IterationPlanItem{
			Index:       i,
			Name:        fmt.Sprintf("Iteration %d", i),
			Slug:        slug,
			Scope:       domain.IterationScope{Goals: []string{}, FeatureTags: []string{"@" + slug}, Risks: []string{}},
			GherkinPath: slug + ".feature",
		})
	}
	return items, nil
}

func (s Simulated) RunIteration(ctx context.Context, run domain.DevelopmentRun, it domain.IterationRun, report Reporter) (Outcome, error) {
	if err := report.Report(ctx, domain.EventAgentTask, fmt.Sprintf("Generating %s", it.Name), map[string]any{
		"agent":          "simulated",
		"iterationIndex": it.Index,
		"status":         "started",
	}); err != nil {
		return Outcome{}, err
	}
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Outcome{}, ctx.Err()
		case <-timer.C:
		}
	}
	out := Outcome{DeployURL: fmt.Sprintf("https://preview.local/%s/%s", run.ID, it.Slug)}
	for _, gate := range simulatedGates {
		passed := s.FailGate[it.Index] != gate
		out.Gates = append(out.Gates, engine.GateResult{GateType: gate, Passed: passed, DurationMs: s.Delay.Milliseconds()})
	}
	return out, nil
}
