// Package worker is the execution side of the engine: a pool of workers that
// claim commands from the server, run tool plugins, and report facts back as
// events.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/pkg/catalog"
	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/queue"
)

// Client talks to the server's REST surface: the queue protocol, event
// ingestion, credentials, and execution control for sub-playbooks.
type Client struct {
	http *resty.Client
}

// NewClient builds a client for the server base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &Client{http: c}
}

type claimRequest struct {
	WorkerID string `json:"worker_id"`
	Pool     string `json:"pool"`
	Runtime  string `json:"runtime,omitempty"`
	MaxItems int    `json:"max_items"`
	LeaseMS  int64  `json:"lease_ms"`
}

type claimResponse struct {
	Commands []*model.Command `json:"commands"`
}

// Claim asks for up to req.MaxItems commands. Returns queue.ErrNoCommands on
// an empty queue.
func (c *Client) Claim(ctx context.Context, req queue.ClaimRequest) ([]*model.Command, error) {
	var out claimResponse
	resp, err := c.http.R().SetContext(ctx).
		SetBody(claimRequest{
			WorkerID: req.WorkerID,
			Pool:     req.Pool,
			Runtime:  req.Runtime,
			MaxItems: req.MaxItems,
			LeaseMS:  req.Lease.Milliseconds(),
		}).
		SetResult(&out).
		Post("/api/queue/claim")
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	switch resp.StatusCode() {
	case http.StatusOK:
		if len(out.Commands) == 0 {
			return nil, queue.ErrNoCommands
		}
		return out.Commands, nil
	case http.StatusNoContent:
		return nil, queue.ErrNoCommands
	default:
		return nil, fmt.Errorf("claim: server returned %d", resp.StatusCode())
	}
}

type leaseRequest struct {
	CommandID int64  `json:"command_id"`
	WorkerID  string `json:"worker_id"`
	ExtendMS  int64  `json:"extend_ms,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Heartbeat extends the lease; a 409 means the lease was lost.
func (c *Client) Heartbeat(ctx context.Context, id int64, workerID string, extend time.Duration) error {
	return c.leaseCall(ctx, "/api/queue/heartbeat", leaseRequest{
		CommandID: id, WorkerID: workerID, ExtendMS: extend.Milliseconds(),
	})
}

// Complete finalizes the command as DONE or FAILED.
func (c *Client) Complete(ctx context.Context, id int64, workerID string, status model.CommandStatus) error {
	return c.leaseCall(ctx, "/api/queue/complete", leaseRequest{
		CommandID: id, WorkerID: workerID, Status: string(status),
	})
}

// Release gives the command back for another worker.
func (c *Client) Release(ctx context.Context, id int64, workerID, reason string) error {
	return c.leaseCall(ctx, "/api/queue/release", leaseRequest{
		CommandID: id, WorkerID: workerID, Reason: reason,
	})
}

func (c *Client) leaseCall(ctx context.Context, path string, body leaseRequest) error {
	resp, err := c.http.R().SetContext(ctx).SetBody(body).Post(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return queue.ErrLeaseLost
	case http.StatusNotFound:
		return queue.ErrNotFound
	default:
		return fmt.Errorf("%s: server returned %d", path, resp.StatusCode())
	}
}

// PostEvent appends one event, retrying transient transport failures with
// exponential backoff. Events carry their own ids, so retries are idempotent.
func (c *Client) PostEvent(ctx context.Context, ev *model.Event) error {
	op := func() error {
		resp, err := c.http.R().SetContext(ctx).SetBody(ev).Post("/api/events")
		if err != nil {
			return fmt.Errorf("post event: %w", err)
		}
		if resp.StatusCode() >= 500 {
			return fmt.Errorf("post event: server returned %d", resp.StatusCode())
		}
		if resp.IsError() {
			return backoff.Permanent(fmt.Errorf("post event: server returned %d", resp.StatusCode()))
		}
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.Retry(op, policy)
}

// GetCredential resolves a credential with its data payload.
func (c *Client) GetCredential(ctx context.Context, name string) (*catalog.Credential, error) {
	var cred catalog.Credential
	resp, err := c.http.R().SetContext(ctx).SetResult(&cred).Get("/api/credentials/" + name)
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, catalog.ErrNotFound
	}
	if resp.IsError() {
		return nil, fmt.Errorf("get credential %q: server returned %d", name, resp.StatusCode())
	}
	return &cred, nil
}

type runRequest struct {
	Path              string         `json:"path"`
	Version           int            `json:"version,omitempty"`
	Workload          map[string]any `json:"workload,omitempty"`
	ParentExecutionID int64          `json:"parent_execution_id,omitempty"`
	ParentStep        string         `json:"parent_step,omitempty"`
}

type runResponse struct {
	ExecutionID int64 `json:"execution_id"`
}

// StartChildExecution triggers a sub-playbook run linked to its parent.
func (c *Client) StartChildExecution(ctx context.Context, path string, version int, workload map[string]any, parentID int64, parentStep string) (int64, error) {
	var out runResponse
	resp, err := c.http.R().SetContext(ctx).
		SetBody(runRequest{
			Path: path, Version: version, Workload: workload,
			ParentExecutionID: parentID, ParentStep: parentStep,
		}).
		SetResult(&out).
		Post("/api/run")
	if err != nil {
		return 0, fmt.Errorf("start child execution: %w", err)
	}
	if resp.IsError() {
		return 0, fmt.Errorf("start child execution: server returned %d", resp.StatusCode())
	}
	return out.ExecutionID, nil
}

type executionResponse struct {
	Status model.Status   `json:"status"`
	Result map[string]any `json:"result,omitempty"`
}

// ExecutionResult reports an execution's status and, once terminal, its
// final result payload.
func (c *Client) ExecutionResult(ctx context.Context, executionID int64) (model.Status, map[string]any, error) {
	var out executionResponse
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/executions/%d", executionID))
	if err != nil {
		return "", nil, fmt.Errorf("execution %d: %w", executionID, err)
	}
	if resp.IsError() {
		return "", nil, fmt.Errorf("execution %d: server returned %d", executionID, resp.StatusCode())
	}
	return out.Status, out.Result, nil
}
