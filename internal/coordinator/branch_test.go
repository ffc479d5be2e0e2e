package coordinator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBranchName(t *testing.T) {
	tests := []struct {
		name          string
		payloadBranch string
		taskTitle     string
		milestoneSlug string
		projectSlug   string
		want          string
	}{
		{
			name:          "payload branch wins verbatim",
			payloadBranch: "release/v1",
			taskTitle:     "Make API",
			want:          "release/v1",
		},
		{
			name:      "task title slugged",
			taskTitle: "Make API",
			want:      "feat/make-api",
		},
		{
			name:      "title with punctuation",
			taskTitle: "Fix: login & session (redux)",
			want:      "feat/fix-login-session-redux",
		},
		{
			name:          "milestone slug when title empty",
			milestoneSlug: "v2-launch",
			projectSlug:   "shop",
			want:          "milestone/v2-launch",
		},
		{
			name:          "generic milestone slug falls to project",
			milestoneSlug: "milestone",
			projectSlug:   "project-slug",
			want:          "milestone/project-slug",
		},
		{
			name:          "backlog slug is generic",
			milestoneSlug: "backlog",
			projectSlug:   "shop",
			want:          "milestone/shop",
		},
		{
			name:          "project slug named milestone is refused",
			milestoneSlug: "",
			projectSlug:   "milestone",
			want:          "milestone/work",
		},
		{
			name: "everything empty",
			want: "milestone/work",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BranchName(tt.payloadBranch, tt.taskTitle, tt.milestoneSlug, tt.projectSlug)
			assert.Equal(t, tt.want, got)
			assert.NotEqual(t, "milestone/milestone", got)
		})
	}
}
