package coordinator

import (
	"sort"

	"github.com/maestrohq/maestro/internal/dashboard"
)

// statusRank orders tasks with equal priority scores: work already in
// flight first, untouched work next, blocked work last.
var statusRank = map[string]int{
	dashboard.StatusInProgress: 0,
	dashboard.StatusInReview:   1,
	dashboard.StatusTodo:       2,
	dashboard.StatusBlocked:    3,
}

// NextTask returns the task the coordinator should work on, or nil when
// none remain. Resolved tasks and tasks with unresolved blocked
// dependencies are excluded.
func NextTask(tasks []dashboard.Task) *dashboard.Task {
	eligible := SortTasks(tasks)
	if len(eligible) == 0 {
		return nil
	}
	return &eligible[0]
}

// SortTasks filters to workable tasks and orders them deterministically:
// priority_score descending, then status rank, then the dashboard's
// order hint, then id.
func SortTasks(tasks []dashboard.Task) []dashboard.Task {
	byID := make(map[int64]dashboard.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var eligible []dashboard.Task
	for _, t := range tasks {
		if dashboard.IsResolved(t.Status) {
			continue
		}
		if hasUnresolvedDeps(t, byID) {
			continue
		}
		eligible = append(eligible, t)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]

		as, bs := scoreOf(a), scoreOf(b)
		if as != bs {
			return as > bs
		}

		ar, br := rankOf(a.Status), rankOf(b.Status)
		if ar != br {
			return ar < br
		}

		ah, aok := a.OrderHint()
		bh, bok := b.OrderHint()
		switch {
		case aok && bok && ah != bh:
			return ah < bh
		case aok != bok:
			return aok
		}

		return a.ID < b.ID
	})
	return eligible
}

func hasUnresolvedDeps(t dashboard.Task, byID map[int64]dashboard.Task) bool {
	for _, depID := range t.BlockedDependencies {
		dep, ok := byID[depID]
		if !ok {
			// Unknown dependencies do not block; the dashboard may have
			// pruned them.
			continue
		}
		if !dashboard.IsResolved(dep.Status) {
			return true
		}
	}
	return false
}

func scoreOf(t dashboard.Task) int {
	if t.PriorityScore == nil {
		return -1
	}
	return *t.PriorityScore
}

func rankOf(status string) int {
	if r, ok := statusRank[dashboard.NormalizeStatus(status)]; ok {
		return r
	}
	return len(statusRank)
}
