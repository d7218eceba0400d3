package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/pkg/model"
)

// cliClient talks to the server for the playbook management verbs.
type cliClient struct {
	http *resty.Client
}

func newCLIClient(baseURL string) *cliClient {
	return &cliClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30 * time.Second).
			SetHeader("Content-Type", "application/json"),
	}
}

type apiError struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// register uploads playbook YAML; a 400 is a playbook validation failure.
func (c *cliClient) register(ctx context.Context, content string) (map[string]any, error) {
	var out map[string]any
	var apiErr apiError
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]string{"content": content}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/catalog/playbooks")
	if err != nil {
		return nil, systemErr(fmt.Errorf("register: %w", err))
	}
	switch {
	case resp.StatusCode() == http.StatusCreated:
		return out, nil
	case resp.StatusCode() == http.StatusBadRequest:
		return nil, validationErr(fmt.Errorf("playbook rejected: %s", apiErr.Error))
	default:
		return nil, systemErr(fmt.Errorf("register: server returned %d: %s", resp.StatusCode(), apiErr.Error))
	}
}

func (c *cliClient) run(ctx context.Context, path string, version int, workload map[string]any) (int64, error) {
	var out struct {
		ExecutionID int64 `json:"execution_id"`
	}
	var apiErr apiError
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{"path": path, "version": version, "workload": workload}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/run")
	if err != nil {
		return 0, systemErr(fmt.Errorf("run: %w", err))
	}
	switch {
	case resp.StatusCode() == http.StatusCreated:
		return out.ExecutionID, nil
	case resp.StatusCode() == http.StatusNotFound:
		return 0, userErr(fmt.Errorf("playbook %q not registered", path))
	case resp.StatusCode() == http.StatusBadRequest:
		return 0, validationErr(fmt.Errorf("run rejected: %s", apiErr.Error))
	default:
		return 0, systemErr(fmt.Errorf("run: server returned %d: %s", resp.StatusCode(), apiErr.Error))
	}
}

type executionStatus struct {
	ExecutionID int64          `json:"execution_id"`
	Path        string         `json:"path"`
	Version     int            `json:"version"`
	Status      model.Status   `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
}

func (c *cliClient) executionStatus(ctx context.Context, id int64) (*executionStatus, error) {
	var out executionStatus
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/executions/%d", id))
	if err != nil {
		return nil, systemErr(fmt.Errorf("execution %d: %w", id, err))
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return &out, nil
	case resp.StatusCode() == http.StatusNotFound:
		return nil, userErr(fmt.Errorf("execution %d not found", id))
	default:
		return nil, systemErr(fmt.Errorf("execution %d: server returned %d", id, resp.StatusCode()))
	}
}

func (c *cliClient) recentEvents(ctx context.Context, id int64, limit int) ([]*model.Event, error) {
	var out struct {
		Events []*model.Event `json:"events"`
	}
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("limit", fmt.Sprint(limit)).
		SetResult(&out).
		Get(fmt.Sprintf("/api/executions/%d/events", id))
	if err != nil {
		return nil, systemErr(fmt.Errorf("events %d: %w", id, err))
	}
	if resp.IsError() {
		return nil, systemErr(fmt.Errorf("events %d: server returned %d", id, resp.StatusCode()))
	}
	return out.Events, nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(b))
}
