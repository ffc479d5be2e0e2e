package gitops

import (
	"strings"
	"unicode"
)

// maxSlugLen caps generated slugs so branch names stay readable.
const maxSlugLen = 48

// Slug turns free text into a branch-safe slug: lowercase, runs of
// non-alphanumerics collapsed to single hyphens, trimmed, capped.
func Slug(text string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}
