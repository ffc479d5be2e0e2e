package coordinator

import (
	"github.com/maestrohq/maestro/internal/gitops"
)

// genericMilestoneSlugs never name a branch on their own; they would
// produce branches like milestone/milestone.
var genericMilestoneSlugs = map[string]bool{
	"":           true,
	"milestone":  true,
	"milestones": true,
	"backlog":    true,
}

// BranchName picks the working branch for a task, in priority order: an
// explicit payload branch verbatim, feat/<task-slug>, then
// milestone/<milestone-slug> for non-generic slugs, then
// milestone/<project-slug>.
func BranchName(payloadBranch, taskTitle, milestoneSlug, projectSlug string) string {
	if payloadBranch != "" {
		return payloadBranch
	}
	if slug := gitops.Slug(taskTitle); slug != "" {
		return "feat/" + slug
	}
	if !genericMilestoneSlugs[milestoneSlug] {
		return "milestone/" + milestoneSlug
	}
	if slug := gitops.Slug(projectSlug); slug != "" && slug != "milestone" {
		return "milestone/" + slug
	}
	return "milestone/work"
}
