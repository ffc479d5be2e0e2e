// Package taskcreate turns PM decisions and review failures into
// dashboard tasks: decision parsing, priority tiers, milestone routing,
// duplicate detection, and idempotent bulk creation.
package taskcreate

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// Decision values.
const (
	DecisionImmediateFix = "immediate_fix"
	DecisionDefer        = "defer"
)

// Normalized priorities.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityMedium   = "medium"
	PriorityLow      = "low"
)

// FollowUpTask is one follow-up proposed by the PM persona or
// synthesized from blocking issues.
type FollowUpTask struct {
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	Priority        string                 `json:"priority"`
	MilestoneID     int64                  `json:"milestone_id,omitempty"`
	MilestoneSlug   string                 `json:"milestone_slug,omitempty"`
	AssigneePersona string                 `json:"assignee_persona,omitempty"`
	Labels          []string               `json:"labels,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// PMDecision is the parsed project-manager verdict on a review failure.
type PMDecision struct {
	Decision       string         `json:"decision"`
	ImmediateIssue []string       `json:"immediate_issues,omitempty"`
	DeferredIssues []string       `json:"deferred_issues,omitempty"`
	FollowUpTasks  []FollowUpTask `json:"follow_up_tasks,omitempty"`
	Reasoning      string         `json:"reasoning,omitempty"`
	DetectedStage  string         `json:"detected_stage,omitempty"`

	// Warnings collects every normalization the parser had to apply.
	Warnings []string `json:"-"`
}

// ParseDecision normalizes a PM persona response into a PMDecision.
// Both input modes the persona has produced over time are accepted: a
// JSON string and an already-decoded object. Unrecognized decisions
// default to defer; an immediate_fix without follow-up tasks is
// downgraded to defer.
func ParseDecision(input interface{}) *PMDecision {
	raw := decisionJSON(input)
	d := &PMDecision{Decision: DecisionDefer}

	if raw == "" || !gjson.Valid(raw) {
		d.Warnings = append(d.Warnings, "unparseable PM decision, defaulting to defer")
		d.Reasoning = strings.TrimSpace(stringOf(input))
		return d
	}

	parsed := gjson.Parse(raw)
	decision := strings.ToLower(strings.TrimSpace(parsed.Get("decision").String()))
	switch decision {
	case DecisionImmediateFix, DecisionDefer:
		d.Decision = decision
	case "":
		d.Warnings = append(d.Warnings, "missing decision, defaulting to defer")
	default:
		d.Warnings = append(d.Warnings, "unrecognized decision "+decision+", defaulting to defer")
	}

	d.ImmediateIssue = stringList(parsed.Get("immediate_issues"))
	d.DeferredIssues = stringList(parsed.Get("deferred_issues"))
	d.Reasoning = parsed.Get("reasoning").String()

	stage := strings.ToLower(parsed.Get("detected_stage").String())
	switch stage {
	case "early", "beta", "production":
		d.DetectedStage = stage
	}

	parsed.Get("follow_up_tasks").ForEach(func(_, item gjson.Result) bool {
		task := FollowUpTask{
			Title:           strings.TrimSpace(item.Get("title").String()),
			Description:     item.Get("description").String(),
			Priority:        NormalizePriority(item.Get("priority").String()),
			MilestoneID:     item.Get("milestone_id").Int(),
			MilestoneSlug:   item.Get("milestone_slug").String(),
			AssigneePersona: item.Get("assignee_persona").String(),
		}
		item.Get("labels").ForEach(func(_, l gjson.Result) bool {
			task.Labels = append(task.Labels, l.String())
			return true
		})
		if meta := item.Get("metadata"); meta.IsObject() {
			task.Metadata = map[string]interface{}{}
			meta.ForEach(func(k, v gjson.Result) bool {
				task.Metadata[k.String()] = v.Value()
				return true
			})
		}
		d.FollowUpTasks = append(d.FollowUpTasks, task)
		return true
	})

	if d.Decision == DecisionImmediateFix && len(d.FollowUpTasks) == 0 {
		d.Decision = DecisionDefer
		d.Warnings = append(d.Warnings, "immediate_fix without follow_up_tasks downgraded to defer")
	}
	return d
}

func decisionJSON(input interface{}) string {
	switch v := input.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func stringOf(input interface{}) string {
	if s, ok := input.(string); ok {
		return s
	}
	return ""
}

func stringList(result gjson.Result) []string {
	var out []string
	result.ForEach(func(_, item gjson.Result) bool {
		out = append(out, item.String())
		return true
	})
	return out
}

var priorityKeywords = []struct {
	priority string
	words    []string
}{
	{PriorityCritical, []string{"critical", "blocker", "blocking", "urgent", "p0", "sev0", "sev1"}},
	{PriorityHigh, []string{"high", "major", "important", "p1"}},
	{PriorityLow, []string{"low", "minor", "trivial", "nice-to-have", "nice to have", "p3", "p4"}},
	{PriorityMedium, []string{"medium", "moderate", "normal", "default", "p2"}},
}

// NormalizePriority folds free-form priority text into the canonical
// four levels using keyword matching. Unmatched input is medium.
func NormalizePriority(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return s
	}
	for _, entry := range priorityKeywords {
		for _, w := range entry.words {
			if strings.Contains(s, w) {
				return entry.priority
			}
		}
	}
	return PriorityMedium
}

// IsUrgent reports whether a normalized priority belongs to the urgent
// tier.
func IsUrgent(priority string) bool {
	return priority == PriorityCritical || priority == PriorityHigh
}
