package taskcreate

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/maestrohq/maestro/pkg/errors"
)

// BlockingIssue is one canonical issue extracted from a review result.
type BlockingIssue struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Severity    string   `json:"severity"`
	Labels      []string `json:"labels,omitempty"`
	Blocking    bool     `json:"blocking"`
}

// NormalizedReview is the canonical form of a failed review.
type NormalizedReview struct {
	ReviewType        string          `json:"reviewType"`
	BlockingIssues    []BlockingIssue `json:"blockingIssues"`
	HasBlockingIssues bool            `json:"hasBlockingIssues"`
}

// NormalizeReview maps a persona's free-form review result into the
// canonical shape. Issues come from whichever array the persona used;
// a failed review with no structured issues yields one synthesized
// issue from the details text.
func NormalizeReview(reviewType, result, status string) *NormalizedReview {
	review := &NormalizedReview{ReviewType: reviewType}

	parsed := gjson.Parse(result)
	var items gjson.Result
	for _, key := range []string{"blocking_issues", "issues", "findings", "problems"} {
		if v := parsed.Get(key); v.IsArray() {
			items = v
			break
		}
	}

	index := 0
	items.ForEach(func(_, item gjson.Result) bool {
		index++
		severity := NormalizePriority(item.Get("severity").String())
		blocking := IsUrgent(severity)
		if b := item.Get("blocking"); b.Exists() {
			blocking = b.Bool()
		}
		issue := BlockingIssue{
			ID:          item.Get("id").String(),
			Title:       strings.TrimSpace(item.Get("title").String()),
			Description: item.Get("description").String(),
			Severity:    severity,
			Blocking:    blocking,
		}
		if issue.ID == "" {
			issue.ID = fmt.Sprintf("%s-%d", reviewType, index)
		}
		if issue.Title == "" {
			issue.Title = truncateText(issue.Description, 80)
		}
		item.Get("labels").ForEach(func(_, l gjson.Result) bool {
			issue.Labels = append(issue.Labels, l.String())
			return true
		})
		review.BlockingIssues = append(review.BlockingIssues, issue)
		return true
	})

	if len(review.BlockingIssues) == 0 && status != "pass" {
		detail := parsed.Get("details").String()
		if detail == "" {
			detail = truncateText(result, 200)
		}
		review.BlockingIssues = append(review.BlockingIssues, BlockingIssue{
			ID:          reviewType + "-1",
			Title:       fmt.Sprintf("%s review reported: %s", reviewType, truncateText(detail, 80)),
			Description: detail,
			Severity:    PriorityHigh,
			Blocking:    true,
		})
	}

	for _, issue := range review.BlockingIssues {
		if issue.Blocking {
			review.HasBlockingIssues = true
			break
		}
	}
	return review
}

// EnforceCoverage guarantees every blocking issue has a follow-up that
// addresses it, synthesizing follow-ups for the uncovered ones. The QA
// special case is a hard failure: a QA review that flagged missing test
// infrastructure must produce a test-related follow-up, otherwise the
// PM decision ignored the QA failure.
func EnforceCoverage(review *NormalizedReview, followUps []FollowUpTask) ([]FollowUpTask, error) {
	if review == nil || !review.HasBlockingIssues {
		return followUps, nil
	}

	for _, issue := range review.BlockingIssues {
		if !issue.Blocking || covered(issue, followUps) {
			continue
		}
		followUps = append(followUps, FollowUpTask{
			Title:       issue.Title,
			Description: synthDescription(review.ReviewType, issue),
			Priority:    issue.Severity,
			Labels:      issue.Labels,
			Metadata:    map[string]interface{}{"issue_id": issue.ID, "synthesized": true},
		})
	}

	if review.ReviewType == "qa" && mentionsMissingTestInfra(review) && !hasTestFollowUp(followUps) {
		return nil, errors.New("PM decision ignored QA test failure")
	}
	return followUps, nil
}

// covered reports whether any follow-up plausibly addresses the issue:
// a matching issue_id in metadata, or enough word overlap between the
// issue title and the follow-up title/description.
func covered(issue BlockingIssue, followUps []FollowUpTask) bool {
	issueWords := wordSet(issue.Title, 3)
	for _, f := range followUps {
		if f.Metadata != nil && f.Metadata["issue_id"] == issue.ID {
			return true
		}
		if overlap(issueWords, wordSet(f.Title+" "+f.Description, 3)) >= 0.5 {
			return true
		}
	}
	return false
}

func synthDescription(reviewType string, issue BlockingIssue) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Blocking issue from the %s review.\n\n", reviewType)
	if issue.Description != "" {
		b.WriteString(issue.Description)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Severity: %s. Resolve and re-run the %s review.", issue.Severity, reviewType)
	return b.String()
}

func mentionsMissingTestInfra(review *NormalizedReview) bool {
	for _, issue := range review.BlockingIssues {
		text := strings.ToLower(issue.Title + " " + issue.Description)
		if strings.Contains(text, "test infrastructure") || strings.Contains(text, "no test framework") ||
			strings.Contains(text, "missing test") || strings.Contains(text, "test harness") {
			return true
		}
	}
	return false
}

func hasTestFollowUp(followUps []FollowUpTask) bool {
	for _, f := range followUps {
		text := strings.ToLower(f.Title + " " + f.Description + " " + strings.Join(f.Labels, " "))
		if strings.Contains(text, "test") {
			return true
		}
	}
	return false
}

func truncateText(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
