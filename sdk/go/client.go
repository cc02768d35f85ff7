package filmdesksdk

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

// Client is a minimal Filmdesk HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID           string  `json:"id"`
	Title        string  `json:"title"`
	Status       string  `json:"status"`
	TechnicianID *string `json:"technician_id,omitempty"`
	ClientID     *string `json:"client_id,omitempty"`
	Workflow     string  `json:"workflow,omitempty"`
}

// TaskHistory is one status change record.
type TaskHistory struct {
	ID        int64  `json:"id"`
	TaskID    string `json:"task_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
	ChangedAt string `json:"changed_at"`
}

// Step is one checklist entry of an intervention.
type Step struct {
	ID          int64   `json:"id"`
	SortOrder   int     `json:"sort_order"`
	Name        string  `json:"name"`
	Mandatory   bool    `json:"mandatory"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// Intervention represents a work session on a task.
type Intervention struct {
	ID           string  `json:"id"`
	TaskID       string  `json:"task_id"`
	Status       string  `json:"status"`
	TechnicianID string  `json:"technician_id"`
	FinalizedAt  *string `json:"finalized_at,omitempty"`
	Steps        []Step  `json:"steps,omitempty"`
}

// Material represents a tracked consumable.
type Material struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Unit         string  `json:"unit"`
	CurrentStock float64 `json:"current_stock"`
}

// PlannedMaterial is a material with a planned quantity.
type PlannedMaterial struct {
	MaterialID string  `json:"material_id"`
	Quantity   float64 `json:"quantity"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask creates a task in its initial status.
func (c *Client) CreateTask(ctx context.Context, title string) (Task, error) {
	body := map[string]any{"title": title}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TransitionTask moves a task to a new status.
func (c *Client) TransitionTask(ctx context.Context, id, status, reason string) (Task, error) {
	body := map[string]any{"status": status, "reason": reason}
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/transition", url.PathEscape(id)), body, &resp)
	return resp.Task, err
}

// TaskHistory returns the status change log of a task.
func (c *Client) TaskHistory(ctx context.Context, id string) ([]TaskHistory, error) {
	var resp []TaskHistory
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%s/history", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// StartIntervention begins work on a task.
func (c *Client) StartIntervention(ctx context.Context, taskID, technicianID string, materials []PlannedMaterial) (Intervention, error) {
	body := map[string]any{
		"technician_id": technicianID,
	}
	if len(materials) > 0 {
		body["materials"] = materials
	}
	var resp Intervention
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/interventions", url.PathEscape(taskID)), body, &resp)
	return resp, err
}

// CompleteStep checks off a checklist step.
func (c *Client) CompleteStep(ctx context.Context, interventionID string, stepID int64) (Intervention, error) {
	body := map[string]any{"complete_step": stepID}
	var resp Intervention
	err := c.do(ctx, http.MethodPatch, "interventions/"+url.PathEscape(interventionID), body, &resp)
	return resp, err
}

// FinalizeIntervention closes an intervention and completes its task.
func (c *Client) FinalizeIntervention(ctx context.Context, id, signature string) (Intervention, error) {
	body := map[string]any{"signature": signature}
	var resp Intervention
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("interventions/%s/finalize", url.PathEscape(id)), body, &resp)
	return resp, err
}

// GetMaterial fetches a material and its stock level.
func (c *Client) GetMaterial(ctx context.Context, id string) (Material, error) {
	var resp Material
	err := c.do(ctx, http.MethodGet, "materials/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListMaterials returns all materials.
func (c *Client) ListMaterials(ctx context.Context) ([]Material, error) {
	var resp []Material
	err := c.do(ctx, http.MethodGet, "materials", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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
