package expectlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Expectline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	// ActorID is sent as X-Actor-Id when no bearer token is set.
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  10 * time.Second,
	}
}

// Result is one source's contribution to an expectation.
type Result struct {
	SourceID       string  `json:"source_id"`
	SourceType     string  `json:"source_type,omitempty"`
	SourceName     string  `json:"source_name,omitempty"`
	SourcePlatform string  `json:"source_platform,omitempty"`
	Score          float64 `json:"score"`
	Result         string  `json:"result"`
	Date           string  `json:"date"`
}

// Expectation represents the API expectation model.
type Expectation struct {
	ID             string   `json:"id"`
	InjectID       string   `json:"inject_id"`
	Type           string   `json:"type"`
	Name           string   `json:"name,omitempty"`
	ExpectedScore  float64  `json:"expected_score"`
	Score          *float64 `json:"score,omitempty"`
	IsGroup        bool     `json:"is_group"`
	ExpirationTime int      `json:"expiration_time"`
	AgentID        *string  `json:"agent_id,omitempty"`
	AssetID        *string  `json:"asset_id,omitempty"`
	AssetGroupID   *string  `json:"asset_group_id,omitempty"`
	UserID         *string  `json:"user_id,omitempty"`
	TeamID         *string  `json:"team_id,omitempty"`
	Results        []Result `json:"results"`
	Version        int64    `json:"version"`
	Role           string   `json:"role"`
	Label          string   `json:"label"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

// Observation is a technical result reported by one source.
type Observation struct {
	SourceType     string  `json:"source_type,omitempty"`
	SourceName     string  `json:"source_name,omitempty"`
	SourcePlatform string  `json:"source_platform,omitempty"`
	Score          float64 `json:"score"`
	Result         string  `json:"result,omitempty"`
}

// BulkItem targets one expectation in a bulk report.
type BulkItem struct {
	ExpectationID string `json:"expectation_id"`
	SourceID      string `json:"source_id"`
	Observation
}

// SweepReport summarizes one sweep run for a type.
type SweepReport struct {
	Type    string `json:"type"`
	Scanned int    `json:"scanned"`
	Expired int    `json:"expired"`
	Failed  int    `json:"failed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	InjectID   string         `json:"inject_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedExpectations wraps list responses with cursors.
type PaginatedExpectations struct {
	Items      []Expectation `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// ListOptions filters ListExpectations.
type ListOptions struct {
	InjectID     string
	Type         string
	AgentID      string
	AssetID      string
	AssetGroupID string
	UserID       string
	TeamID       string
	Resolved     *bool
	Limit        int
	Cursor       string
}

func (o ListOptions) query() string {
	q := url.Values{}
	for key, val := range map[string]string{
		"inject_id":      o.InjectID,
		"type":           o.Type,
		"agent_id":       o.AgentID,
		"asset_id":       o.AssetID,
		"asset_group_id": o.AssetGroupID,
		"user_id":        o.UserID,
		"team_id":        o.TeamID,
		"cursor":         o.Cursor,
	} {
		if val != "" {
			q.Set(key, val)
		}
	}
	if o.Resolved != nil {
		q.Set("resolved", strconv.FormatBool(*o.Resolved))
	}
	if o.Limit > 0 {
		q.Set("limit", strconv.Itoa(o.Limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// CreateExpectations builds the expectations of an inject. req follows the
// create-expectations body (inject_id, type, assets, asset_groups, teams...).
func (c *Client) CreateExpectations(ctx context.Context, req any) ([]Expectation, error) {
	var resp struct {
		Items []Expectation `json:"items"`
	}
	err := c.do(ctx, http.MethodPost, "expectations", req, &resp)
	return resp.Items, err
}

// ListExpectations returns one page of expectations.
func (c *Client) ListExpectations(ctx context.Context, opts ListOptions) (PaginatedExpectations, error) {
	var resp PaginatedExpectations
	err := c.do(ctx, http.MethodGet, "expectations"+opts.query(), nil, &resp)
	return resp, err
}

// GetExpectation fetches an expectation by id.
func (c *Client) GetExpectation(ctx context.Context, id string) (Expectation, error) {
	var resp Expectation
	err := c.do(ctx, http.MethodGet, "expectations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RecordObservation stores the result of sourceID on a leaf expectation.
func (c *Client) RecordObservation(ctx context.Context, id, sourceID string, obs Observation) (Expectation, error) {
	var resp Expectation
	endpoint := fmt.Sprintf("expectations/%s/results/%s", url.PathEscape(id), url.PathEscape(sourceID))
	err := c.do(ctx, http.MethodPut, endpoint, obs, &resp)
	return resp, err
}

// RecordVerdict grades a human-response expectation.
func (c *Client) RecordVerdict(ctx context.Context, id, source string, score float64) (Expectation, error) {
	body := map[string]any{"score": score}
	if source != "" {
		body["source"] = source
	}
	var resp Expectation
	err := c.do(ctx, http.MethodPut, fmt.Sprintf("expectations/%s/verdict", url.PathEscape(id)), body, &resp)
	return resp, err
}

// BulkRecordObservations reports many results in a single pass.
func (c *Client) BulkRecordObservations(ctx context.Context, items []BulkItem) error {
	return c.do(ctx, http.MethodPost, "expectations/results:bulk", map[string]any{"items": items}, nil)
}

// DeleteResult removes sourceID's result and returns the recomputed record.
func (c *Client) DeleteResult(ctx context.Context, id, sourceID string) (Expectation, error) {
	var resp Expectation
	endpoint := fmt.Sprintf("expectations/%s/results/%s", url.PathEscape(id), url.PathEscape(sourceID))
	err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp)
	return resp, err
}

// Sweep expires overdue expectations. An empty typ sweeps every technical type.
func (c *Client) Sweep(ctx context.Context, typ string, cutoffMinutes int, sourceID string) ([]SweepReport, error) {
	body := map[string]any{}
	if typ != "" {
		body["type"] = typ
	}
	if cutoffMinutes > 0 {
		body["cutoff_minutes"] = cutoffMinutes
	}
	if sourceID != "" {
		body["source_id"] = sourceID
	}
	var resp struct {
		Reports []SweepReport `json:"reports"`
	}
	err := c.do(ctx, http.MethodPost, "expectations/sweep", body, &resp)
	return resp.Reports, err
}

// RecordSignature marks the start or end of an agent's execution of an inject.
func (c *Client) RecordSignature(ctx context.Context, injectID, agentID, kind string, at time.Time) error {
	body := map[string]any{"kind": kind}
	if !at.IsZero() {
		body["at"] = at.UTC().Format(time.RFC3339)
	}
	endpoint := fmt.Sprintf("injects/%s/agents/%s/signatures", url.PathEscape(injectID), url.PathEscape(agentID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// DeleteInject removes every expectation of an inject.
func (c *Client) DeleteInject(ctx context.Context, injectID string) (int64, error) {
	var resp struct {
		Deleted int64 `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("injects/%s/expectations", url.PathEscape(injectID)), nil, &resp)
	return resp.Deleted, err
}

// EventsPage returns a paginated event listing for an inject.
func (c *Client) EventsPage(ctx context.Context, injectID string, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := fmt.Sprintf("injects/%s/events", url.PathEscape(injectID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
