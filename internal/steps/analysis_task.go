package steps

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/maestrohq/maestro/pkg/workflow"
)

// AnalysisTaskStep turns an analysis persona's hypotheses into
// actionable task proposals. The highest-confidence hypothesis drives
// the primary task; each proposal carries a summary, concrete steps,
// and acceptance criteria.
type AnalysisTaskStep struct {
	deps *Deps
}

func (s *AnalysisTaskStep) Type() string { return "analysis_task" }

func (s *AnalysisTaskStep) ValidateConfig(config map[string]interface{}) error {
	return nil
}

type hypothesis struct {
	Description string
	Confidence  float64
	Fix         string
	Evidence    []string
}

func (s *AnalysisTaskStep) Execute(ctx context.Context, run *workflow.Context, config map[string]interface{}) (*workflow.StepResult, error) {
	raw := rawResult(config["result"])
	hyps := parseHypotheses(raw)
	if len(hyps) == 0 {
		return workflow.Success(map[string]interface{}{
			"actionable_tasks": []interface{}{},
			"top_confidence":   0.0,
		}), nil
	}

	sort.SliceStable(hyps, func(i, j int) bool { return hyps[i].Confidence > hyps[j].Confidence })

	limit := intValue(config, "max_tasks")
	if limit <= 0 {
		limit = 1
	}
	if limit > len(hyps) {
		limit = len(hyps)
	}

	tasks := make([]interface{}, 0, limit)
	for _, h := range hyps[:limit] {
		tasks = append(tasks, map[string]interface{}{
			"title":               taskTitleFor(h),
			"summary":             h.Description,
			"steps":               stepsFor(h),
			"acceptance_criteria": acceptanceFor(h),
			"confidence":          h.Confidence,
		})
	}

	return workflow.Success(map[string]interface{}{
		"actionable_tasks": tasks,
		"top_confidence":   hyps[0].Confidence,
	}), nil
}

func parseHypotheses(raw string) []hypothesis {
	var out []hypothesis
	gjson.Get(raw, "hypotheses").ForEach(func(_, item gjson.Result) bool {
		h := hypothesis{
			Description: strings.TrimSpace(item.Get("description").String()),
			Confidence:  item.Get("confidence").Float(),
			Fix:         strings.TrimSpace(item.Get("suggested_fix").String()),
		}
		item.Get("evidence").ForEach(func(_, e gjson.Result) bool {
			h.Evidence = append(h.Evidence, e.String())
			return true
		})
		if h.Description != "" {
			out = append(out, h)
		}
		return true
	})
	return out
}

func taskTitleFor(h hypothesis) string {
	title := h.Description
	if len(title) > 72 {
		title = strings.TrimSpace(title[:72]) + "..."
	}
	return "Investigate: " + title
}

func stepsFor(h hypothesis) []string {
	steps := []string{
		"Reproduce the failure and confirm the hypothesis: " + h.Description,
	}
	for _, e := range h.Evidence {
		steps = append(steps, "Check evidence: "+e)
	}
	if h.Fix != "" {
		steps = append(steps, "Apply the suggested fix: "+h.Fix)
	} else {
		steps = append(steps, "Implement a fix and cover it with a regression test")
	}
	return steps
}

func acceptanceFor(h hypothesis) []string {
	criteria := []string{
		"The original failure no longer reproduces",
		"A regression test covers the failure mode",
	}
	if h.Fix != "" {
		criteria = append(criteria, fmt.Sprintf("The fix matches the analysis (confidence %.2f)", h.Confidence))
	}
	return criteria
}
