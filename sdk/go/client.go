package ateamsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal coordinator HTTP API client for agents.
type Client struct {
	BaseURL     string
	ProjectID   string
	Agent       string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID, agent string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Agent:     agent,
		Timeout:   10 * time.Second,
	}
}

// Item represents the API work item model (partial).
type Item struct {
	ID             string   `json:"id"`
	ProjectID      string   `json:"project_id"`
	MissionID      *string  `json:"mission_id,omitempty"`
	Title          string   `json:"title"`
	Kind           string   `json:"kind"`
	Stage          string   `json:"stage"`
	AssignedAgent  *string  `json:"assigned_agent,omitempty"`
	RejectionCount int      `json:"rejection_count"`
	DependsOn      []string `json:"depends_on,omitempty"`
}

// Claim represents an agent's exclusive hold on an item.
type Claim struct {
	ItemID    string `json:"item_id"`
	Agent     string `json:"agent"`
	ClaimedAt string `json:"claimed_at"`
}

// MoveResult is the outcome of a stage transition.
type MoveResult struct {
	Item             Item `json:"item"`
	FinalReviewReady bool `json:"final_review_ready"`
}

// RejectResult is the outcome of a rejection.
type RejectResult struct {
	Item           Item   `json:"item"`
	RejectionCount int    `json:"rejection_count"`
	MovedTo        string `json:"moved_to"`
	Escalate       bool   `json:"escalate"`
}

// Mission represents one pipeline run.
type Mission struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Name      string  `json:"name"`
	State     string  `json:"state"`
	SpecPath  *string `json:"spec_path,omitempty"`
	StartedAt string  `json:"started_at"`
}

// Waves is the dependency resolution.
type Waves struct {
	Cycles           [][]string       `json:"cycles"`
	Depths           map[string]int   `json:"depths"`
	Waves            map[int][]string `json:"waves"`
	Ready            []string         `json:"ready"`
	FinalReviewReady bool             `json:"final_review_ready"`
}

// Activity represents a log entry.
type Activity struct {
	ID        int64  `json:"id"`
	Actor     string `json:"actor"`
	Message   string `json:"message"`
	Severity  string `json:"severity"`
	CreatedAt string `json:"created_at"`
}

// PaginatedActivity wraps list responses with cursors.
type PaginatedActivity struct {
	Items      []Activity `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateItem creates a work item in briefings.
func (c *Client) CreateItem(ctx context.Context, title, kind string, dependsOn []string) (Item, error) {
	body := map[string]any{
		"title": title,
		"kind":  kind,
	}
	if len(dependsOn) > 0 {
		body["depends_on"] = dependsOn
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, c.projectPath("items"), body, &resp)
	return resp, err
}

// ListItems lists items, optionally filtered by stage.
func (c *Client) ListItems(ctx context.Context, stage string) ([]Item, error) {
	p := c.projectPath("items")
	if stage != "" {
		p += "?stage=" + url.QueryEscape(stage)
	}
	var resp struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp.Items, err
}

// Move transitions an item to a stage, optionally claiming for an agent.
func (c *Client) Move(ctx context.Context, itemID, to, agent string) (MoveResult, error) {
	body := map[string]any{"to": to}
	if agent != "" {
		body["agent"] = agent
	}
	var resp MoveResult
	err := c.do(ctx, http.MethodPost, c.projectPath("items/"+url.PathEscape(itemID)+"/move"), body, &resp)
	return resp, err
}

// ClaimItem claims the item for the client's agent.
func (c *Client) ClaimItem(ctx context.Context, itemID string) (Claim, error) {
	var resp Claim
	err := c.do(ctx, http.MethodPost, c.projectPath("items/"+url.PathEscape(itemID)+"/claim"), map[string]any{}, &resp)
	return resp, err
}

// ReleaseItem releases the item's claim.
func (c *Client) ReleaseItem(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodPost, c.projectPath("items/"+url.PathEscape(itemID)+"/release"), nil, nil)
}

// RejectItem records a rejection.
func (c *Client) RejectItem(ctx context.Context, itemID, reason, diagnosis string) (RejectResult, error) {
	body := map[string]any{"reason": reason}
	if diagnosis != "" {
		body["diagnosis"] = diagnosis
	}
	var resp RejectResult
	err := c.do(ctx, http.MethodPost, c.projectPath("items/"+url.PathEscape(itemID)+"/reject"), body, &resp)
	return resp, err
}

// ResolveWaves fetches the dependency wave resolution.
func (c *Client) ResolveWaves(ctx context.Context) (Waves, error) {
	var resp Waves
	err := c.do(ctx, http.MethodGet, c.projectPath("waves"), nil, &resp)
	return resp, err
}

// StartMission starts a mission.
func (c *Client) StartMission(ctx context.Context, name, specPath string) (Mission, error) {
	body := map[string]any{"name": name}
	if specPath != "" {
		body["spec_path"] = specPath
	}
	var resp Mission
	err := c.do(ctx, http.MethodPost, c.projectPath("missions"), body, &resp)
	return resp, err
}

// CurrentMission fetches the current mission, nil when none.
func (c *Client) CurrentMission(ctx context.Context) (*Mission, error) {
	var resp struct {
		Mission *Mission `json:"mission"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("missions/current"), nil, &resp)
	return resp.Mission, err
}

// ActivityPage fetches activity entries after the cursor.
func (c *Client) ActivityPage(ctx context.Context, limit int, cursor string) (PaginatedActivity, error) {
	p := fmt.Sprintf("%s?limit=%d", c.projectPath("activity"), limit)
	if cursor != "" {
		p += "&cursor=" + url.QueryEscape(cursor)
	}
	var resp PaginatedActivity
	err := c.do(ctx, http.MethodGet, p, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Agent != "":
		req.Header.Set("X-Agent-Id", c.Agent)
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

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
