package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/noetl/noetl/pkg/model"
)

// HTTPTool performs one HTTP request per invocation.
//
// Spec: {url, method, headers, auth: <credential name>}. Args: {params, body}.
// The response body is returned decoded when the server sends JSON, raw text
// otherwise, alongside status metadata.
type HTTPTool struct {
	client *resty.Client
}

// NewHTTPTool wraps a shared resty client.
func NewHTTPTool(client *resty.Client) *HTTPTool {
	if client == nil {
		client = resty.New()
	}
	return &HTTPTool{client: client}
}

func (t *HTTPTool) Name() string { return "http" }

func (t *HTTPTool) Execute(ctx context.Context, req Request) (any, error) {
	url, _ := req.Spec["url"].(string)
	if url == "" {
		return nil, NewError(model.ErrKindValidation, fmt.Errorf("http: spec.url is required"))
	}
	method, _ := req.Spec["method"].(string)
	if method == "" {
		method = "GET"
	}

	r := t.client.R().SetContext(ctx)
	if headers, ok := req.Spec["headers"].(map[string]any); ok {
		for k, v := range headers {
			r.SetHeader(k, fmt.Sprint(v))
		}
	}
	if params, ok := req.Args["params"].(map[string]any); ok {
		for k, v := range params {
			r.SetQueryParam(k, fmt.Sprint(v))
		}
	}
	if body, ok := req.Args["body"]; ok {
		r.SetBody(body)
	}
	if auth, _ := req.Spec["auth"].(string); auth != "" {
		cred, ok := req.Credentials[auth]
		if !ok {
			return nil, NewError(model.ErrKindValidation, fmt.Errorf("http: credential %q not resolved", auth))
		}
		applyHTTPAuth(r, cred)
	}

	resp, err := r.Execute(strings.ToUpper(method), url)
	if err != nil {
		return nil, NewError(model.ErrKindTransport, fmt.Errorf("http: %s %s: %w", method, url, err))
	}

	var data any
	body := resp.Body()
	if len(body) > 0 && json.Valid(body) {
		if err := json.Unmarshal(body, &data); err != nil {
			data = string(body)
		}
	} else {
		data = string(body)
	}

	result := map[string]any{
		"status_code": resp.StatusCode(),
		"data":        data,
		"elapsed_ms":  resp.Time().Milliseconds(),
	}
	if resp.IsError() {
		return result, NewError(model.ErrKindTool, fmt.Errorf("http: %s %s returned %d", method, url, resp.StatusCode()))
	}
	return result, nil
}

func applyHTTPAuth(r *resty.Request, cred map[string]any) {
	if token, _ := cred["token"].(string); token != "" {
		r.SetAuthToken(token)
		return
	}
	user, _ := cred["username"].(string)
	pass, _ := cred["password"].(string)
	if user != "" {
		r.SetBasicAuth(user, pass)
	}
}
