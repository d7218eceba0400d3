package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noetl/noetl/pkg/model"
)

func TestHTTPTool_JSONResponse(t *testing.T) {
	var gotPath, gotAuth, gotHeader, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotHeader = r.Header.Get("X-Trace")
		gotQuery = r.URL.Query().Get("page")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": []any{"a", "b"}})
	}))
	defer srv.Close()

	ht := NewHTTPTool(nil)
	out, err := ht.Execute(context.Background(), Request{
		Spec: map[string]any{
			"url":     srv.URL + "/v1/items",
			"headers": map[string]any{"X-Trace": "t-1"},
			"auth":    "api",
		},
		Args: map[string]any{
			"params": map[string]any{"page": 2},
		},
		Credentials: map[string]map[string]any{
			"api": {"token": "tok-123"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1/items", gotPath)
	assert.Equal(t, "Bearer tok-123", gotAuth)
	assert.Equal(t, "t-1", gotHeader)
	assert.Equal(t, "2", gotQuery)

	result := out.(map[string]any)
	assert.Equal(t, 200, result["status_code"])
	data := result["data"].(map[string]any)
	assert.Equal(t, []any{"a", "b"}, data["items"])
}

func TestHTTPTool_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	out, err := NewHTTPTool(nil).Execute(context.Background(), Request{
		Spec: map[string]any{"url": srv.URL},
	})
	require.NoError(t, err)
	assert.Equal(t, "pong", out.(map[string]any)["data"])
}

func TestHTTPTool_PostBody(t *testing.T) {
	var gotMethod string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	out, err := NewHTTPTool(nil).Execute(context.Background(), Request{
		Spec: map[string]any{"url": srv.URL, "method": "post"},
		Args: map[string]any{"body": map[string]any{"name": "job-1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "POST", gotMethod)
	assert.Equal(t, "job-1", gotBody["name"])
	assert.Equal(t, 201, out.(map[string]any)["status_code"])
}

func TestHTTPTool_ServerErrorIsToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	out, err := NewHTTPTool(nil).Execute(context.Background(), Request{
		Spec: map[string]any{"url": srv.URL},
	})
	require.Error(t, err)
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.ErrKindTool, te.Kind)

	// The status payload still comes back for diagnostics.
	assert.Equal(t, 502, out.(map[string]any)["status_code"])
}

func TestHTTPTool_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := NewHTTPTool(nil).Execute(context.Background(), Request{
		Spec: map[string]any{"url": srv.URL},
	})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.ErrKindTransport, te.Kind)
}

func TestHTTPTool_ValidationErrors(t *testing.T) {
	ht := NewHTTPTool(nil)

	_, err := ht.Execute(context.Background(), Request{Spec: map[string]any{}})
	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.ErrKindValidation, te.Kind)

	// auth naming an unresolved credential.
	_, err = ht.Execute(context.Background(), Request{
		Spec: map[string]any{"url": "http://example.com", "auth": "absent"},
	})
	require.ErrorAs(t, err, &te)
	assert.Equal(t, model.ErrKindValidation, te.Kind)
}
