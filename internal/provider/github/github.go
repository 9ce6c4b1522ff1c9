// Package github implements the provider adapter for GitHub Issues.
//
// Entities map to issues: title to title, description to body, tags to
// labels, and status to the issue state through a configurable mapping.
// Pagination follows RFC 5988 Link headers; conditional requests use
// ETags so an unchanged remote costs one 304 round trip.
//
// Idempotent pushes: every issue created by weft carries a hidden
// marker comment derived from the entity id and base version. A create
// retried after a timeout first searches for the marker and adopts the
// existing issue instead of creating a duplicate.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/weft-sync/weft/internal/provider"
	"github.com/weft-sync/weft/internal/schema"
)

const (
	defaultBaseURL = "https://api.github.com"
	perPage        = 100
	requestTimeout = 30 * time.Second
)

// markerPattern extracts the idempotency marker from an issue body.
var markerPattern = regexp.MustCompile(`<!-- weft:([0-9a-f]+) -->`)

func init() {
	provider.Register("github", New)
}

// Adapter talks to the GitHub Issues REST API for one repository.
type Adapter struct {
	client  *http.Client
	baseURL string
	token   string
	owner   string
	repo    string
	mapping *FieldMapping
}

// New creates a GitHub adapter from settings.
//
// Required settings: "token", "repository" (owner/repo format).
// Optional: "base_url" (for GitHub Enterprise or tests), "mapping_file"
// (YAML status-mapping overrides).
func New(settings provider.Settings) (provider.Adapter, error) {
	token := settings["token"]
	if token == "" {
		return nil, fmt.Errorf("github: token not configured")
	}

	repository := settings["repository"]
	parts := strings.Split(repository, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("github: invalid repository format: %q (want owner/repo)", repository)
	}

	baseURL := settings["base_url"]
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	mapping := DefaultFieldMapping()
	if path := settings["mapping_file"]; path != "" {
		m, err := LoadFieldMapping(path)
		if err != nil {
			return nil, fmt.Errorf("github: failed to load field mapping: %w", err)
		}
		mapping = m
	}

	return &Adapter{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		owner:   parts[0],
		repo:    parts[1],
		mapping: mapping,
	}, nil
}

// Name implements provider.Adapter.
func (a *Adapter) Name() string {
	return "github"
}

// issue is the subset of the GitHub issue payload the adapter reads.
type issue struct {
	Number    int64     `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	HTMLURL   string    `json:"html_url"`
	UpdatedAt time.Time `json:"updated_at"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// Pull implements provider.Adapter. The iterator fetches pages lazily,
// following Link: rel="next" headers.
func (a *Adapter) Pull(ctx context.Context, cursor provider.Cursor) (provider.Iterator, error) {
	q := url.Values{}
	q.Set("state", "all")
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("sort", "updated")
	q.Set("direction", "asc")
	if cursor.Since != "" {
		q.Set("since", cursor.Since)
	}
	first := fmt.Sprintf("%s/repos/%s/%s/issues?%s", a.baseURL, a.owner, a.repo, q.Encode())

	return &pullIterator{
		adapter: a,
		nextURL: first,
		cursor:  cursor,
		etag:    cursor.ETag,
	}, nil
}

type pullIterator struct {
	adapter *Adapter
	nextURL string
	cursor  provider.Cursor
	etag    string

	page []json.RawMessage
	idx  int
	done bool
}

// Next implements provider.Iterator. A corrupt remote record surfaces
// as CorruptRecordError; the iterator has already advanced past it, so
// the caller can log and continue.
func (it *pullIterator) Next(ctx context.Context) (*provider.RemoteRecord, error) {
	for {
		if it.idx >= len(it.page) {
			if it.done || it.nextURL == "" {
				return nil, nil
			}
			if err := it.fetchPage(ctx); err != nil {
				return nil, err
			}
			if len(it.page) == 0 {
				return nil, nil
			}
		}

		raw := it.page[it.idx]
		it.idx++

		var is issue
		if err := json.Unmarshal(raw, &is); err != nil {
			return nil, &provider.CorruptRecordError{Ref: previewRef(raw), Reason: err.Error()}
		}
		if is.PullRequest != nil {
			// The issues endpoint also lists pull requests; skip them.
			continue
		}
		if is.Number == 0 || is.Title == "" {
			return nil, &provider.CorruptRecordError{
				Ref:    strconv.FormatInt(is.Number, 10),
				Reason: "missing number or title",
			}
		}

		// Advance the since bookmark past everything consumed so far.
		// Sorting by updated asc makes this safe to persist mid-pull.
		if ts := is.UpdatedAt.UTC().Format(time.RFC3339); ts > it.cursor.Since {
			it.cursor.Since = ts
		}

		return &provider.RemoteRecord{
			Ref: schema.ExternalRef{
				ID:  strconv.FormatInt(is.Number, 10),
				URL: is.HTMLURL,
			},
			Payload:   raw,
			UpdatedAt: is.UpdatedAt,
		}, nil
	}
}

// Cursor implements provider.Iterator.
func (it *pullIterator) Cursor() provider.Cursor {
	return provider.Cursor{ETag: it.etag, Since: it.cursor.Since}
}

func (it *pullIterator) fetchPage(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, it.nextURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	it.adapter.setHeaders(req)
	if it.etag != "" && it.cursor.Since == "" {
		req.Header.Set("If-None-Match", it.etag)
	}

	resp, err := it.adapter.client.Do(req)
	if err != nil {
		return &provider.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		it.done = true
		it.page = nil
		return nil
	}
	if err := checkResponse(resp); err != nil {
		return err
	}

	if etag := resp.Header.Get("ETag"); etag != "" {
		it.etag = etag
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &provider.TransientError{Cause: err}
	}
	var page []json.RawMessage
	if err := json.Unmarshal(body, &page); err != nil {
		return fmt.Errorf("failed to parse issues page: %w", err)
	}

	it.page = page
	it.idx = 0
	it.nextURL = nextLink(resp.Header.Get("Link"))
	if it.nextURL == "" {
		it.done = true
	}
	return nil
}

// Push implements provider.Adapter.
func (a *Adapter) Push(ctx context.Context, entity *schema.Entity, rec *schema.ChangeRecord, ref schema.ExternalRef) (schema.ExternalRef, error) {
	payload, err := a.MapToRemote(rec.Deltas)
	if err != nil {
		return schema.ExternalRef{}, err
	}

	if ref.ID != "" {
		return a.updateIssue(ctx, ref, payload)
	}
	return a.createIssue(ctx, entity, rec, payload)
}

func (a *Adapter) createIssue(ctx context.Context, entity *schema.Entity, rec *schema.ChangeRecord, payload map[string]any) (schema.ExternalRef, error) {
	key := schema.IdempotencyKey(entity.ID, rec.BaseVersion)

	// A create retried after an unknown-outcome timeout must adopt the
	// issue the first attempt may have created.
	if existing, err := a.findByMarker(ctx, key); err != nil {
		return schema.ExternalRef{}, err
	} else if existing != nil {
		return *existing, nil
	}

	if payload["title"] == nil {
		payload["title"] = entity.Title
	}
	body, _ := payload["body"].(string)
	payload["body"] = body + "\n\n<!-- weft:" + key + " -->"
	// State cannot be set on create; a closed entity needs a follow-up
	// PATCH, which the next push cycle issues naturally.
	delete(payload, "state")

	var is issue
	url := fmt.Sprintf("%s/repos/%s/%s/issues", a.baseURL, a.owner, a.repo)
	if err := a.doJSON(ctx, http.MethodPost, url, payload, &is); err != nil {
		return schema.ExternalRef{}, err
	}
	return schema.ExternalRef{ID: strconv.FormatInt(is.Number, 10), URL: is.HTMLURL}, nil
}

func (a *Adapter) updateIssue(ctx context.Context, ref schema.ExternalRef, payload map[string]any) (schema.ExternalRef, error) {
	var is issue
	url := fmt.Sprintf("%s/repos/%s/%s/issues/%s", a.baseURL, a.owner, a.repo, ref.ID)
	if err := a.doJSON(ctx, http.MethodPatch, url, payload, &is); err != nil {
		return schema.ExternalRef{}, err
	}
	return schema.ExternalRef{ID: strconv.FormatInt(is.Number, 10), URL: is.HTMLURL}, nil
}

// findByMarker searches the repository for an issue carrying the
// idempotency marker.
func (a *Adapter) findByMarker(ctx context.Context, key string) (*schema.ExternalRef, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf(`repo:%s/%s "weft:%s" in:body`, a.owner, a.repo, key))
	searchURL := fmt.Sprintf("%s/search/issues?%s", a.baseURL, q.Encode())

	var result struct {
		Items []issue `json:"items"`
	}
	if err := a.doJSON(ctx, http.MethodGet, searchURL, nil, &result); err != nil {
		return nil, err
	}
	for _, is := range result.Items {
		if m := markerPattern.FindStringSubmatch(is.Body); len(m) == 2 && m[1] == key {
			return &schema.ExternalRef{ID: strconv.FormatInt(is.Number, 10), URL: is.HTMLURL}, nil
		}
	}
	return nil, nil
}

// MapToLocal implements provider.Adapter.
func (a *Adapter) MapToLocal(remote *provider.RemoteRecord) (schema.FieldDeltas, error) {
	var is issue
	if err := json.Unmarshal(remote.Payload, &is); err != nil {
		return nil, &provider.CorruptRecordError{Ref: remote.Ref.ID, Reason: err.Error()}
	}

	deltas := schema.FieldDeltas{
		schema.FieldTitle: is.Title,
	}
	if body := stripMarker(is.Body); body != "" {
		deltas[schema.FieldDescription] = body
	}

	status, tags := a.mapping.StatusFromRemote(is.State, labelNames(is.Labels))
	deltas[schema.FieldStatus] = string(status)
	if len(tags) > 0 {
		deltas[schema.FieldTags] = tags
	}
	return deltas, nil
}

// MapToRemote implements provider.Adapter.
func (a *Adapter) MapToRemote(deltas schema.FieldDeltas) (map[string]any, error) {
	payload := make(map[string]any)
	for field, value := range deltas {
		switch field {
		case schema.FieldTitle:
			payload["title"] = value
		case schema.FieldDescription:
			payload["body"] = fmt.Sprint(value)
		case schema.FieldStatus:
			state, statusLabel := a.mapping.StatusToRemote(schema.Status(fmt.Sprint(value)))
			payload["state"] = state
			if statusLabel != "" {
				payload["labels"] = appendLabel(payload["labels"], statusLabel)
			}
		case schema.FieldTags:
			tags, err := toStrings(value)
			if err != nil {
				return nil, fmt.Errorf("github: bad tags value: %w", err)
			}
			for _, t := range tags {
				payload["labels"] = appendLabel(payload["labels"], t)
			}
		case schema.FieldPriority:
			// GitHub has no native priority; carried as a label.
			payload["labels"] = appendLabel(payload["labels"], fmt.Sprintf("priority:%v", value))
		default:
			return nil, fmt.Errorf("github: unmapped field %q", field)
		}
	}
	return payload, nil
}

func (a *Adapter) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "token "+a.token)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "weft-sync")
}

func (a *Adapter) doJSON(ctx context.Context, method, url string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	a.setHeaders(req)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &provider.TransientError{Cause: err}
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// checkResponse translates GitHub's HTTP status codes and rate-limit
// headers into the provider error taxonomy.
func checkResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusUnauthorized:
		return provider.ErrAuthExpired

	case resp.StatusCode == http.StatusNotFound:
		return provider.ErrNotFound

	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests:
		if delay := rateLimitDelay(resp); delay > 0 {
			return &provider.RateLimitedError{RetryAfter: delay}
		}
		return provider.ErrAuthExpired

	case resp.StatusCode >= 500:
		return &provider.TransientError{
			Cause: fmt.Errorf("github returned %s", resp.Status),
		}

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("github API error: %s: %s", resp.Status, body)
	}
}

func rateLimitDelay(resp *http.Response) time.Duration {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		if reset := resp.Header.Get("X-RateLimit-Reset"); reset != "" {
			if unix, err := strconv.ParseInt(reset, 10, 64); err == nil {
				if d := time.Until(time.Unix(unix, 0)); d > 0 {
					return d
				}
				return time.Second
			}
		}
	}
	return 0
}

// nextLink extracts the rel="next" URL from an RFC 5988 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		sections := strings.Split(strings.TrimSpace(part), ";")
		if len(sections) < 2 {
			continue
		}
		urlPart := strings.Trim(strings.TrimSpace(sections[0]), "<>")
		for _, param := range sections[1:] {
			if strings.TrimSpace(param) == `rel="next"` {
				return urlPart
			}
		}
	}
	return ""
}

func stripMarker(body string) string {
	return strings.TrimSpace(markerPattern.ReplaceAllString(body, ""))
}

func labelNames(labels []struct {
	Name string `json:"name"`
}) []string {
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Name)
	}
	return names
}

func appendLabel(existing any, label string) []string {
	labels, _ := existing.([]string)
	for _, l := range labels {
		if l == label {
			return labels
		}
	}
	return append(labels, label)
}

func toStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected string list, got %T", v)
	}
}

func previewRef(raw json.RawMessage) string {
	var probe struct {
		Number int64 `json:"number"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.Number != 0 {
		return strconv.FormatInt(probe.Number, 10)
	}
	return "<unknown>"
}
