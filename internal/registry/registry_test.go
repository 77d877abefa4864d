package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/logging"
	"relay/internal/toolserver"
)

func toolsEndpoint(tools ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools" {
			http.NotFound(w, r)
			return
		}
		list := make([]map[string]any, 0, len(tools))
		for _, name := range tools {
			list = append(list, map[string]any{"name": name, "description": name})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"tools": list})
	}
}

func newServerClient(t *testing.T, name string, handler http.Handler) *toolserver.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return toolserver.NewClient(name, srv.URL, time.Second)
}

func TestDiscoverPartialFailure(t *testing.T) {
	healthy := newServerClient(t, "healthy", toolsEndpoint("search", "fetch"))

	// The second server is unreachable: its tools are simply absent.
	dead := toolserver.NewClient("dead", "http://127.0.0.1:1", 200*time.Millisecond)

	reg := New([]*toolserver.Client{healthy, dead}, logging.Nop())
	assert.Equal(t, StateIdle, reg.State())

	reg.Discover(context.Background())
	assert.Equal(t, StateReady, reg.State())

	descriptors := reg.Descriptors()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "fetch", descriptors[0].Name)
	assert.Equal(t, "search", descriptors[1].Name)
}

func TestRefreshReplacesDescriptorSet(t *testing.T) {
	var generation atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if generation.Load() == 0 {
			toolsEndpoint("alpha")(w, r)
		} else {
			toolsEndpoint("beta", "gamma")(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client := toolserver.NewClient("srv", srv.URL, time.Second)
	reg := New([]*toolserver.Client{client}, logging.Nop())

	reg.Discover(context.Background())
	require.Len(t, reg.Descriptors(), 1)

	generation.Store(1)
	reg.Refresh(context.Background())
	descriptors := reg.Descriptors()
	require.Len(t, descriptors, 2)
	assert.Equal(t, "beta", descriptors[0].Name)
}

func TestInvokeUnknownToolIsFailureResult(t *testing.T) {
	reg := New(nil, logging.Nop())
	reg.Discover(context.Background())

	res := reg.Invoke(context.Background(), "ghost", nil)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "ghost")
}

func TestInvokeRoutesToOwningServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", toolsEndpoint("echo"))
	mux.HandleFunc("/tools/call", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"content": "echoed"})
	})
	client := newServerClient(t, "srv", mux)

	reg := New([]*toolserver.Client{client}, logging.Nop())
	reg.Discover(context.Background())

	res := reg.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	assert.False(t, res.IsError)
	assert.Equal(t, "echoed", res.Content)
}

func TestInvokeNotModifiedSynthesizesCachedContent(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", toolsEndpoint("lookup"))
	mux.HandleFunc("/tools/call", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{"content": "fresh data"})
			return
		}
		w.WriteHeader(http.StatusNotModified)
	})
	client := newServerClient(t, "srv", mux)

	reg := New([]*toolserver.Client{client}, logging.Nop())
	reg.Discover(context.Background())

	args := map[string]any{"key": "value"}
	first := reg.Invoke(context.Background(), "lookup", args)
	require.False(t, first.IsError)
	assert.Equal(t, "fresh data", first.Content)

	second := reg.Invoke(context.Background(), "lookup", args)
	require.False(t, second.IsError, "not-modified must be a success path")
	assert.True(t, second.CacheHit)
	assert.Equal(t, "fresh data", second.Content, "cache-hit content is synthesized from the prior result")
}

func TestInvokeNotModifiedWithoutPriorResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", toolsEndpoint("lookup"))
	mux.HandleFunc("/tools/call", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	})
	client := newServerClient(t, "srv", mux)

	reg := New([]*toolserver.Client{client}, logging.Nop())
	reg.Discover(context.Background())

	res := reg.Invoke(context.Background(), "lookup", nil)
	require.False(t, res.IsError)
	assert.NotEmpty(t, res.Content)
}

func TestInvokeServerFailureIsFailureResult(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tools", toolsEndpoint("flaky"))
	mux.HandleFunc("/tools/call", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal", http.StatusInternalServerError)
	})
	client := newServerClient(t, "srv", mux)

	reg := New([]*toolserver.Client{client}, logging.Nop())
	reg.Discover(context.Background())

	res := reg.Invoke(context.Background(), "flaky", nil)
	require.NotNil(t, res)
	assert.True(t, res.IsError)
	assert.Equal(t, StateReady, reg.State(), "invocation failures do not change registry state")
}
