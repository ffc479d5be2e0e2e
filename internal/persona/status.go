package persona

import (
	"strings"

	"github.com/tidwall/gjson"
)

// ReviewStatus is the normalized verdict extracted from a persona
// response.
type ReviewStatus string

const (
	StatusPass        ReviewStatus = "pass"
	StatusFail        ReviewStatus = "fail"
	StatusUnknown     ReviewStatus = "unknown"
	StatusInfoRequest ReviewStatus = "info_request"
)

// Report is the interpreted persona response. Payload keeps the raw
// result so callers can query fields the interpreter did not normalize.
type Report struct {
	Status  ReviewStatus
	Details string
	Payload string
}

var passWords = []string{"pass", "passed", "success", "succeeded", "ok", "approved", "approve", "lgtm", "green"}

var failWords = []string{"fail", "failed", "failure", "rejected", "reject", "error", "broken", "red"}

// Interpret normalizes a persona result string. Structured JSON with a
// status field wins; otherwise the text is scanned for verdict phrases.
// Everything the interpreter cannot classify is unknown, never pass.
func Interpret(result string) *Report {
	trimmed := strings.TrimSpace(result)
	report := &Report{Status: StatusUnknown, Payload: trimmed}

	if gjson.Valid(trimmed) {
		parsed := gjson.Parse(trimmed)
		if status := parsed.Get("status"); status.Exists() {
			report.Status = normalizeStatus(status.String())
		}
		for _, key := range []string{"details", "summary", "message", "reason"} {
			if v := parsed.Get(key); v.Exists() {
				report.Details = v.String()
				break
			}
		}
		if report.Status != StatusUnknown || report.Details != "" {
			return report
		}
	}

	report.Status = scanVerdict(trimmed)
	report.Details = truncate(trimmed, 500)
	return report
}

func normalizeStatus(raw string) ReviewStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == string(StatusInfoRequest) {
		return StatusInfoRequest
	}
	for _, w := range failWords {
		if s == w {
			return StatusFail
		}
	}
	for _, w := range passWords {
		if s == w {
			return StatusPass
		}
	}
	return StatusUnknown
}

// scanVerdict looks for verdict words in free text. Fail phrases are
// checked first so "tests did not pass" never reads as a pass.
func scanVerdict(text string) ReviewStatus {
	lower := strings.ToLower(text)
	if strings.Contains(lower, "not pass") || strings.Contains(lower, "don't pass") || strings.Contains(lower, "do not pass") {
		return StatusFail
	}
	for _, w := range failWords {
		if containsWord(lower, w) {
			return StatusFail
		}
	}
	for _, w := range passWords {
		if containsWord(lower, w) {
			return StatusPass
		}
	}
	return StatusUnknown
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = end
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9' || b == '_'
}

var noTestPhrases = []string{
	"no tests found",
	"no tests were found",
	"no tests ran",
	"no tests executed",
	"no test files",
	"0 tests",
	"zero tests",
	"no test framework",
	"missing test framework",
	"could not find tests",
	"could not detect a test framework",
}

// ApplyQANoTestInvariant downgrades a QA pass to fail when the output
// shows that no tests actually ran, unless the payload explicitly flags
// a TDD red phase. Returns true when a downgrade happened.
func ApplyQANoTestInvariant(report *Report) bool {
	if report.Status != StatusPass {
		return false
	}
	if gjson.Get(report.Payload, "tdd_red_phase_detected").Bool() {
		return false
	}
	if !evidencesNoTests(report) {
		return false
	}
	report.Status = StatusFail
	if report.Details != "" {
		report.Details += "; "
	}
	report.Details += "QA pass downgraded: no evidence of executed tests"
	return true
}

func evidencesNoTests(report *Report) bool {
	for _, key := range []string{"tests_executed", "tests_run", "executed", "test_count"} {
		if v := gjson.Get(report.Payload, key); v.Exists() {
			return v.Int() == 0
		}
	}
	combined := strings.ToLower(report.Payload + " " + report.Details)
	for _, phrase := range noTestPhrases {
		if strings.Contains(combined, phrase) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
