package taskcreate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/dashboard"
)

func TestExternalIDDuplicate(t *testing.T) {
	existing := []dashboard.Task{
		{ID: 10, Title: "Old task", ExternalID: "wf-1:bulk_task_creation:0"},
	}

	hit, score := FindDuplicate(StrategyExternalID, &dashboard.NewTask{
		Title: "Different title", ExternalID: "wf-1:bulk_task_creation:0",
	}, existing)
	require.NotNil(t, hit)
	assert.Equal(t, int64(10), hit.ID)
	assert.Equal(t, 100, score)

	hit, _ = FindDuplicate(StrategyExternalID, &dashboard.NewTask{ExternalID: "wf-2:bulk_task_creation:0"}, existing)
	assert.Nil(t, hit)
	hit, _ = FindDuplicate(StrategyExternalID, &dashboard.NewTask{Title: "Old task"}, existing)
	assert.Nil(t, hit, "empty external_id never matches")
}

func TestTitleDuplicate(t *testing.T) {
	existing := []dashboard.Task{
		{ID: 1, Title: "Fix: failing authentication tests in login flow"},
	}

	t.Run("normalized equality ignores emoji and prefixes", func(t *testing.T) {
		hit, score := FindDuplicate(StrategyTitle, &dashboard.NewTask{
			Title: "🚨 [QA] Fix: failing authentication tests in login flow",
		}, existing)
		require.NotNil(t, hit)
		assert.Equal(t, 100, score, "exact normalized match")
	})

	t.Run("high word overlap matches", func(t *testing.T) {
		hit, score := FindDuplicate(StrategyTitle, &dashboard.NewTask{
			Title: "failing authentication tests login flow",
		}, existing)
		require.NotNil(t, hit)
		assert.GreaterOrEqual(t, score, titleScoreThreshold)
	})

	t.Run("unrelated title does not match", func(t *testing.T) {
		hit, score := FindDuplicate(StrategyTitle, &dashboard.NewTask{
			Title: "Add dark mode to the settings page",
		}, existing)
		assert.Nil(t, hit)
		assert.Zero(t, score)
	})
}

func TestTitleAndMilestoneDuplicate(t *testing.T) {
	existing := []dashboard.Task{
		{ID: 2, Title: "Harden the request parser", Description: "Reject malformed frames early in the parser", MilestoneSlug: "m1"},
	}

	t.Run("same milestone and weighted overlap", func(t *testing.T) {
		hit, score := FindDuplicate(StrategyTitleAndMilestone, &dashboard.NewTask{
			Title:         "Harden the request parser",
			Description:   "Reject malformed frames early in the parser",
			MilestoneSlug: "m1",
		}, existing)
		require.NotNil(t, hit)
		assert.GreaterOrEqual(t, score, weightedScoreThreshold)
	})

	t.Run("different milestone never matches", func(t *testing.T) {
		hit, _ := FindDuplicate(StrategyTitleAndMilestone, &dashboard.NewTask{
			Title: "Harden the request parser", MilestoneSlug: "m2",
		}, existing)
		assert.Nil(t, hit)
	})

	t.Run("no milestone on candidate never matches", func(t *testing.T) {
		hit, _ := FindDuplicate(StrategyTitleAndMilestone, &dashboard.NewTask{
			Title: "Harden the request parser",
		}, existing)
		assert.Nil(t, hit)
	})
}

func TestContentHashDuplicate(t *testing.T) {
	existing := []dashboard.Task{
		{ID: 3, Title: "Improve retry backoff logic", Description: "Exponential backoff with jitter everywhere", MilestoneSlug: "m1"},
	}

	t.Run("identical fingerprint matches", func(t *testing.T) {
		hit, score := FindDuplicate(StrategyContentHash, &dashboard.NewTask{
			Title:         "Improve retry backoff logic",
			Description:   "Exponential backoff with jitter everywhere",
			MilestoneSlug: "m1",
		}, existing)
		require.NotNil(t, hit)
		assert.Equal(t, 100, score)
	})

	t.Run("candidate without milestone can still match", func(t *testing.T) {
		hit, score := FindDuplicate(StrategyContentHash, &dashboard.NewTask{
			Title:       "Improve retry backoff logic",
			Description: "Exponential backoff with jitter everywhere and a cap",
		}, existing)
		require.NotNil(t, hit, "high token overlap")
		assert.GreaterOrEqual(t, score, hashScoreThreshold)
	})

	t.Run("different milestone never matches", func(t *testing.T) {
		hit, _ := FindDuplicate(StrategyContentHash, &dashboard.NewTask{
			Title: "Improve retry backoff logic", Description: "Exponential backoff with jitter everywhere", MilestoneSlug: "m2",
		}, existing)
		assert.Nil(t, hit)
	})
}

func TestMatchScoreBounds(t *testing.T) {
	existing := dashboard.Task{ID: 4, Title: "Tune the scheduler heartbeat", Description: "Shorter heartbeat interval under load"}

	tests := []struct {
		name      string
		strategy  string
		candidate dashboard.NewTask
		want      func(t *testing.T, score int)
	}{
		{
			name:      "exact title scores 100",
			strategy:  StrategyTitle,
			candidate: dashboard.NewTask{Title: "Tune the scheduler heartbeat"},
			want: func(t *testing.T, score int) {
				assert.Equal(t, 100, score)
			},
		},
		{
			name:      "partial title overlap stays below 100",
			strategy:  StrategyTitle,
			candidate: dashboard.NewTask{Title: "Tune the scheduler heartbeat and retries"},
			want: func(t *testing.T, score int) {
				assert.Greater(t, score, 0)
				assert.Less(t, score, 100)
			},
		},
		{
			name:      "no overlap scores zero",
			strategy:  StrategyTitle,
			candidate: dashboard.NewTask{Title: "Unrelated dashboard widget"},
			want: func(t *testing.T, score int) {
				assert.Zero(t, score)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want(t, MatchScore(tt.strategy, &tt.candidate, &existing))
		})
	}
}

func TestContentHashDeterministic(t *testing.T) {
	a := ContentHash([]string{"beta", "alpha", "gamma"})
	b := ContentHash([]string{"gamma", "beta", "alpha"})
	assert.Equal(t, a, b, "hash is order independent")
	assert.NotEqual(t, a, ContentHash([]string{"alpha", "beta"}))
}

func TestNormalizeTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"🚨 [QA] Fix: broken login", "broken login"},
		{"[CODE_REVIEW] Update: parser hardening", "parser hardening"},
		{"Plain title here", "plain title here"},
		{"  Implement:   spaced   out  ", "spaced out"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeTitle(tt.in), "in=%q", tt.in)
	}
}
