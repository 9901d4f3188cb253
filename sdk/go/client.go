package mizansdk

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

// Client is a minimal Mizan HTTP API client.
type Client struct {
	BaseURL     string
	DeskID      string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, deskID string) *Client {
	return &Client{
		BaseURL: baseURL,
		DeskID:  deskID,
		Timeout: 10 * time.Second,
	}
}

// DealConfiguration is the run input.
type DealConfiguration struct {
	DealID             string   `json:"deal_id"`
	Jurisdiction       string   `json:"jurisdiction"`
	Regulators         []string `json:"regulators"`
	ProductType        string   `json:"product_type"`
	AccountingStandard string   `json:"accounting_standard,omitempty"`
	Sustainability     string   `json:"sustainability,omitempty"`
	GovernanceMaturity string   `json:"governance_maturity,omitempty"`
	InternalAudit      bool     `json:"internal_audit,omitempty"`
	ExternalAudit      bool     `json:"external_audit,omitempty"`
	CounterpartyRisk   string   `json:"counterparty_risk,omitempty"`
	Complexity         string   `json:"complexity,omitempty"`
	CrossBorder        string   `json:"cross_border,omitempty"`
}

// Gate is a human checkpoint on a phase.
type Gate struct {
	Status          string  `json:"status"`
	Approver        *string `json:"approver,omitempty"`
	ApprovedAt      *string `json:"approved_at,omitempty"`
	Feedback        *string `json:"feedback,omitempty"`
	RejectionReason *string `json:"rejection_reason,omitempty"`
}

// Phase is one pipeline step of a run (partial).
type Phase struct {
	ID          string         `json:"id"`
	Seq         int            `json:"seq"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	Gate        *Gate          `json:"gate,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
	Error       map[string]any `json:"error,omitempty"`
	CompletedAt *string        `json:"completed_at,omitempty"`
}

// Run represents the API run model (partial).
type Run struct {
	ID             string  `json:"id"`
	DeskID         string  `json:"desk_id"`
	DealID         string  `json:"deal_id"`
	Status         string  `json:"status"`
	CatalogVersion string  `json:"catalog_version"`
	Phases         []Phase `json:"phases,omitempty"`
	CreatedAt      string  `json:"created_at"`
}

// Task represents a published task.
type Task struct {
	ID       string `json:"id"`
	RunID    string `json:"run_id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
}

// Chain resolves a task back to its regulatory source.
type Chain struct {
	Task         Task           `json:"task"`
	Lineage      map[string]any `json:"lineage"`
	ObligationID string         `json:"obligation_id"`
	ControlID    string         `json:"control_id"`
	RiskID       string         `json:"risk_id,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
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

// RunPage wraps run listings with a paging cursor.
type RunPage struct {
	Runs       []Run  `json:"runs"`
	NextCursor string `json:"next_cursor"`
}

// SubmitRun starts a pipeline run for a deal.
func (c *Client) SubmitRun(ctx context.Context, deal DealConfiguration) (Run, error) {
	body := map[string]any{
		"desk_id": c.DeskID,
		"deal":    deal,
	}
	var resp struct {
		Run Run `json:"run"`
	}
	err := c.do(ctx, http.MethodPost, "v0/runs", body, &resp)
	return resp.Run, err
}

// GetRun fetches a run with its phases.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/runs/%s", url.PathEscape(runID)), nil, &resp)
	return resp.Run, err
}

// Runs returns a paginated run listing.
func (c *Client) Runs(ctx context.Context, status string, limit int, cursor string) (RunPage, error) {
	q := url.Values{}
	if c.DeskID != "" {
		q.Set("desk_id", c.DeskID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/runs"
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}
	var resp RunPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelRun cancels a running or gated run.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/runs/%s/cancel", url.PathEscape(runID)), nil, &resp)
	return resp.Run, err
}

// ApproveGate approves a pending gate and resumes the run.
func (c *Client) ApproveGate(ctx context.Context, runID, phaseID, feedback string) (Run, error) {
	return c.decideGate(ctx, runID, phaseID, map[string]any{"approve": true, "feedback": feedback})
}

// RejectGate rejects a pending gate; reason is required by the API.
func (c *Client) RejectGate(ctx context.Context, runID, phaseID, reason string) (Run, error) {
	return c.decideGate(ctx, runID, phaseID, map[string]any{"approve": false, "reason": reason})
}

func (c *Client) decideGate(ctx context.Context, runID, phaseID string, body map[string]any) (Run, error) {
	var resp struct {
		Run Run `json:"run"`
	}
	endpoint := fmt.Sprintf("v0/runs/%s/gates/%s", url.PathEscape(runID), url.PathEscape(phaseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp.Run, err
}

// Tasks returns the tasks published by a run.
func (c *Client) Tasks(ctx context.Context, runID string) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	endpoint := fmt.Sprintf("v0/runs/%s/tasks", url.PathEscape(runID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Tasks, err
}

// TaskLineage resolves the provenance chain for one task.
func (c *Client) TaskLineage(ctx context.Context, taskID string) (Chain, error) {
	var resp struct {
		Chain Chain `json:"chain"`
	}
	endpoint := fmt.Sprintf("v0/tasks/%s/lineage", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Chain, err
}

// RunLineage resolves provenance chains for every task of a run.
func (c *Client) RunLineage(ctx context.Context, runID string) ([]Chain, error) {
	var resp struct {
		Chains []Chain `json:"chains"`
	}
	endpoint := fmt.Sprintf("v0/runs/%s/lineage", url.PathEscape(runID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Chains, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

// ImportFeed uploads a regulator feed in YAML form.
func (c *Client) ImportFeed(ctx context.Context, payloadYAML string) (string, error) {
	body := map[string]any{"payload_yaml": payloadYAML}
	var resp struct {
		Regulator string `json:"regulator"`
	}
	err := c.do(ctx, http.MethodPost, "v0/feeds", body, &resp)
	return resp.Regulator, err
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
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
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
	return strings.TrimRight(c.BaseURL, "/")
}
