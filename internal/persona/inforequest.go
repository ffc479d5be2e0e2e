package persona

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/maestrohq/maestro/pkg/errors"
)

// Bounds on the information-request sub-loop.
const (
	DefaultMaxInfoIterations = 5
	DefaultMaxUniqueSources  = 12
	DefaultInfoFetchMaxBytes = 256 * 1024
)

// Info request types.
const (
	InfoTypeRepoFile = "repo_file"
	InfoTypeHTTPGet  = "http_get"
)

// InfoRequestSpec is a single normalized information request.
type InfoRequestSpec struct {
	Type   string
	Source string
}

// InfoRecord is the outcome of resolving one information request.
type InfoRecord struct {
	Source  string
	Content string
	Err     error
}

// ParseInfoRequests extracts the requests array from an info_request
// result. Both the shorthand form ({"repo_file": "src/x.go#L2-L3"})
// and the explicit form ({"type": "http_get", "url": "..."}) are
// accepted. Unrecognized entries are dropped.
func ParseInfoRequests(result string) []InfoRequestSpec {
	var specs []InfoRequestSpec
	gjson.Get(result, "requests").ForEach(func(_, item gjson.Result) bool {
		if spec, ok := normalizeInfoRequest(item); ok {
			specs = append(specs, spec)
		}
		return true
	})
	return specs
}

func normalizeInfoRequest(item gjson.Result) (InfoRequestSpec, bool) {
	if v := item.Get(InfoTypeRepoFile); v.Exists() {
		return InfoRequestSpec{Type: InfoTypeRepoFile, Source: v.String()}, true
	}
	if v := item.Get(InfoTypeHTTPGet); v.Exists() {
		return InfoRequestSpec{Type: InfoTypeHTTPGet, Source: v.String()}, true
	}
	typ := strings.ToLower(item.Get("type").String())
	switch typ {
	case InfoTypeRepoFile:
		for _, key := range []string{"path", "source", "file"} {
			if v := item.Get(key); v.Exists() {
				return InfoRequestSpec{Type: InfoTypeRepoFile, Source: v.String()}, true
			}
		}
	case InfoTypeHTTPGet:
		for _, key := range []string{"url", "source"} {
			if v := item.Get(key); v.Exists() {
				return InfoRequestSpec{Type: InfoTypeHTTPGet, Source: v.String()}, true
			}
		}
	}
	return InfoRequestSpec{}, false
}

// InfoResolver fulfills information requests against the working copy
// and the network.
type InfoResolver struct {
	RepoRoot  string
	DenyHosts []string
	MaxBytes  int64
	Client    *http.Client
}

// NewInfoResolver builds a resolver with sane fetch limits.
func NewInfoResolver(repoRoot string, denyHosts []string) *InfoResolver {
	return &InfoResolver{
		RepoRoot:  repoRoot,
		DenyHosts: denyHosts,
		MaxBytes:  DefaultInfoFetchMaxBytes,
		Client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Resolve fulfills one request. Failures are reported in the record
// rather than halting the batch, so the persona sees which sources were
// unavailable.
func (r *InfoResolver) Resolve(ctx context.Context, spec InfoRequestSpec) InfoRecord {
	switch spec.Type {
	case InfoTypeRepoFile:
		content, err := r.readRepoFile(spec.Source)
		return InfoRecord{Source: spec.Source, Content: content, Err: err}
	case InfoTypeHTTPGet:
		content, err := r.fetchHTTP(ctx, spec.Source)
		return InfoRecord{Source: spec.Source, Content: content, Err: err}
	default:
		return InfoRecord{Source: spec.Source, Err: &errors.ValidationError{
			Field:   "requests.type",
			Message: fmt.Sprintf("unsupported information request type %q", spec.Type),
		}}
	}
}

var lineAnchorPattern = regexp.MustCompile(`^L(\d+)(?:-L(\d+))?$`)

// readRepoFile reads a file relative to the repo root. A GitHub-style
// anchor (path#L2-L3 or path#L7) narrows the result to those lines.
func (r *InfoResolver) readRepoFile(source string) (string, error) {
	path := source
	anchor := ""
	if i := strings.LastIndex(source, "#"); i >= 0 {
		path, anchor = source[:i], source[i+1:]
	}

	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", &errors.PolicyViolationError{Policy: "repo_file", Detail: "path escapes the working copy: " + path}
	}

	data, err := os.ReadFile(filepath.Join(r.RepoRoot, clean))
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", clean)
	}
	if anchor == "" {
		return capBytes(string(data), r.maxBytes()), nil
	}

	m := lineAnchorPattern.FindStringSubmatch(anchor)
	if m == nil {
		return "", &errors.ValidationError{Field: "repo_file", Message: "bad line anchor #" + anchor, Suggestion: "use #L2 or #L2-L3"}
	}
	from, _ := strconv.Atoi(m[1])
	to := from
	if m[2] != "" {
		to, _ = strconv.Atoi(m[2])
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if from < 1 || from > len(lines) || to < from {
		return "", &errors.ValidationError{Field: "repo_file", Message: fmt.Sprintf("line range L%d-L%d out of bounds (%d lines)", from, to, len(lines))}
	}
	if to > len(lines) {
		to = len(lines)
	}
	return strings.Join(lines[from-1:to], "\n"), nil
}

func (r *InfoResolver) fetchHTTP(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", &errors.ValidationError{Field: "http_get", Message: "bad url: " + err.Error()}
	}
	host := strings.ToLower(u.Hostname())
	for _, deny := range r.DenyHosts {
		deny = strings.ToLower(deny)
		if host == deny || strings.HasSuffix(host, "."+deny) {
			return "", &errors.PolicyViolationError{Policy: "http_get", Detail: "host is deny-listed: " + host}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "building request")
	}
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", &errors.ExternalError{Service: "http_get", Message: err.Error(), Cause: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", &errors.ExternalError{Service: "http_get", StatusCode: resp.StatusCode, Message: "GET " + rawURL}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBytes()))
	if err != nil {
		return "", &errors.ExternalError{Service: "http_get", Message: "reading body: " + err.Error(), Cause: err}
	}
	return string(data), nil
}

func (r *InfoResolver) maxBytes() int64 {
	if r.MaxBytes > 0 {
		return r.MaxBytes
	}
	return DefaultInfoFetchMaxBytes
}

func capBytes(s string, n int64) string {
	if int64(len(s)) <= n {
		return s
	}
	return s[:n]
}

// FormatInfoBlocks renders resolved records as the information blocks
// appended to the user text of the follow-up request.
func FormatInfoBlocks(records []InfoRecord) string {
	var b strings.Builder
	for _, rec := range records {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if rec.Err != nil {
			fmt.Fprintf(&b, "--- information: %s (unavailable: %v) ---", rec.Source, rec.Err)
			continue
		}
		fmt.Fprintf(&b, "--- information: %s ---\n%s", rec.Source, rec.Content)
	}
	return b.String()
}
