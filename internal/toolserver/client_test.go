package toolserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestListTools(t *testing.T) {
	srv := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/tools", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{"name": "search", "description": "web search", "parameters": map[string]any{"type": "object"}},
				{"name": "fetch", "description": "fetch a URL"},
			},
		})
	})

	client := NewClient("primary", srv.URL, time.Second)
	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "search", tools[0].Name)
	assert.Equal(t, "primary", tools[0].Server)
	assert.Equal(t, "primary", tools[1].Server)
}

func TestListToolsServerError(t *testing.T) {
	srv := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	client := NewClient("broken", srv.URL, time.Second)
	_, err := client.ListTools(context.Background())
	assert.Error(t, err)
}

func TestCallSuccess(t *testing.T) {
	srv := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tools/call", r.URL.Path)
		var body struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "search", body.Name)
		require.Equal(t, "golang", body.Arguments["query"])
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "results here"})
	})

	client := NewClient("primary", srv.URL, time.Second)
	res, err := client.Call(context.Background(), "search", map[string]any{"query": "golang"})
	require.NoError(t, err)
	assert.Equal(t, "results here", res.Content)
	assert.False(t, res.IsError)
	assert.False(t, res.CacheHit)
}

func TestCallNotModifiedIsSuccess(t *testing.T) {
	srv := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})

	client := NewClient("primary", srv.URL, time.Second)
	res, err := client.Call(context.Background(), "search", nil)
	require.NoError(t, err, "a conditional-success status must not surface as an error")
	assert.True(t, res.CacheHit)
	assert.False(t, res.IsError)
}

func TestCallNonCacheFailureStatus(t *testing.T) {
	srv := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such tool", http.StatusNotFound)
	})

	client := NewClient("primary", srv.URL, time.Second)
	_, err := client.Call(context.Background(), "missing", nil)
	assert.Error(t, err)
}

func TestCallRawJSONBody(t *testing.T) {
	srv := fakeServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"temperature": 21.5}`))
	})

	client := NewClient("weather", srv.URL, time.Second)
	res, err := client.Call(context.Background(), "weather", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"temperature": 21.5}`, res.Content)
}
