package taskcreate

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/maestrohq/maestro/internal/dashboard"
)

// Duplicate detection strategies.
const (
	StrategyExternalID        = "external_id"
	StrategyTitle             = "title"
	StrategyTitleAndMilestone = "title_and_milestone"
	StrategyContentHash       = "content_hash"
)

// Match thresholds per strategy, on the 0-100 score scale.
const (
	titleScoreThreshold    = 80
	weightedScoreThreshold = 60
	hashScoreThreshold     = 70
)

// ReasonDuplicateDetected is the skip reason reported for suppressed
// duplicate creations.
const ReasonDuplicateDetected = "duplicate_detected"

var (
	bracketPrefixPattern = regexp.MustCompile(`^(\s*\[[^\]]*\]\s*)+`)
	verbPrefixPattern    = regexp.MustCompile(`^(fix|add|update|implement|refactor|remove|create|resolve|handle)\s*:\s*`)
	nonWordPattern       = regexp.MustCompile(`[^a-z0-9\s]+`)
)

// MatchScore rates the candidate against an existing task under one
// detection strategy on a 0-100 scale. Exact matches score 100.
// Unknown strategies fall back to external_id.
func MatchScore(strategy string, candidate *dashboard.NewTask, existing *dashboard.Task) int {
	switch strategy {
	case StrategyTitle:
		return titleScore(candidate, existing)
	case StrategyTitleAndMilestone:
		return titleAndMilestoneScore(candidate, existing)
	case StrategyContentHash:
		return contentHashScore(candidate, existing)
	default:
		if candidate.ExternalID != "" && candidate.ExternalID == existing.ExternalID {
			return 100
		}
		return 0
	}
}

func scoreThreshold(strategy string) int {
	switch strategy {
	case StrategyTitle:
		return titleScoreThreshold
	case StrategyTitleAndMilestone:
		return weightedScoreThreshold
	case StrategyContentHash:
		return hashScoreThreshold
	default:
		return 100
	}
}

// IsDuplicate reports whether the candidate's score reaches the
// strategy's threshold.
func IsDuplicate(strategy string, candidate *dashboard.NewTask, existing *dashboard.Task) bool {
	return MatchScore(strategy, candidate, existing) >= scoreThreshold(strategy)
}

// FindDuplicate returns the first existing task the candidate
// duplicates along with the match score, or (nil, 0).
func FindDuplicate(strategy string, candidate *dashboard.NewTask, existing []dashboard.Task) (*dashboard.Task, int) {
	for i := range existing {
		if score := MatchScore(strategy, candidate, &existing[i]); score >= scoreThreshold(strategy) {
			return &existing[i], score
		}
	}
	return nil, 0
}

func titleScore(candidate *dashboard.NewTask, existing *dashboard.Task) int {
	a := normalizeTitle(candidate.Title)
	b := normalizeTitle(existing.Title)
	if a != "" && a == b {
		return 100
	}
	return pct(overlap(wordSet(a, 3), wordSet(b, 3)))
}

func titleAndMilestoneScore(candidate *dashboard.NewTask, existing *dashboard.Task) int {
	if candidate.MilestoneSlug == "" || candidate.MilestoneSlug != existing.MilestoneSlug {
		return 0
	}
	title := overlap(wordSet(normalizeTitle(candidate.Title), 3), wordSet(normalizeTitle(existing.Title), 3))
	desc := overlap(wordSet(strings.ToLower(candidate.Description), 3), wordSet(strings.ToLower(existing.Description), 3))
	return pct(0.7*title + 0.3*desc)
}

func contentHashScore(candidate *dashboard.NewTask, existing *dashboard.Task) int {
	sameMilestone := candidate.MilestoneSlug == "" || candidate.MilestoneSlug == existing.MilestoneSlug
	if !sameMilestone {
		return 0
	}
	candTokens := fingerprintTokens(candidate.Title, candidate.Description, candidate.MilestoneSlug)
	existTokens := fingerprintTokens(existing.Title, existing.Description, existing.MilestoneSlug)
	if ContentHash(candTokens) == ContentHash(existTokens) {
		return 100
	}
	return pct(overlap(toSet(candTokens), toSet(existTokens)))
}

// pct maps a 0-1 overlap onto the 0-100 score scale.
func pct(f float64) int {
	return int(f*100 + 0.5)
}

// ContentHash is the SHA-256 hex digest of a sorted token fingerprint.
func ContentHash(tokens []string) string {
	sorted := append([]string(nil), tokens...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(sum[:])
}

// fingerprintTokens collects title and description words of length >= 4
// plus the milestone slug.
func fingerprintTokens(title, description, milestoneSlug string) []string {
	var tokens []string
	for word := range wordSet(normalizeTitle(title), 4) {
		tokens = append(tokens, word)
	}
	for word := range wordSet(strings.ToLower(description), 4) {
		tokens = append(tokens, word)
	}
	if milestoneSlug != "" {
		tokens = append(tokens, milestoneSlug)
	}
	return tokens
}

// normalizeTitle lowercases and strips emojis, bracketed prefixes, and
// leading verb forms like "fix:".
func normalizeTitle(title string) string {
	s := strings.TrimSpace(title)
	s = stripNonASCII(s)
	s = bracketPrefixPattern.ReplaceAllString(s, "")
	s = strings.ToLower(strings.TrimSpace(s))
	s = verbPrefixPattern.ReplaceAllString(s, "")
	s = nonWordPattern.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func stripNonASCII(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func wordSet(s string, minLen int) map[string]bool {
	set := make(map[string]bool)
	for _, word := range strings.Fields(s) {
		if len(word) >= minLen {
			set[word] = true
		}
	}
	return set
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// overlap is the Jaccard coefficient of two word sets.
func overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
