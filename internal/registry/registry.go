// Package registry maintains the process-wide set of discovered tools and
// provides the uniform invoke-by-name operation the completion engine uses.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"relay/internal/logging"
	"relay/internal/toolserver"
)

// State names the registry lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

const resultCacheSize = 256

// snapshot is an immutable view of one discovery pass. Readers hold either
// the old or the new snapshot, never a partial one.
type snapshot struct {
	descriptors []toolserver.ToolDescriptor
	owners      map[string]*toolserver.Client
}

// Result is the outcome of one Invoke. Failures are results, not errors:
// invocation failures never change registry state and the engine folds them
// into the conversation.
type Result struct {
	Content  string
	IsError  bool
	CacheHit bool
}

// Registry discovers tools across the configured servers and routes
// invocations to the owning server.
type Registry struct {
	servers []*toolserver.Client
	current atomic.Pointer[snapshot]
	state   atomic.Int32
	cache   *lru.Cache[string, string]
	logger  logging.Logger
	metrics *Metrics
	tracer  trace.Tracer
}

// New builds a registry over the given server clients. Discover must run
// before Invoke can route anything.
func New(servers []*toolserver.Client, logger logging.Logger) *Registry {
	cache, _ := lru.New[string, string](resultCacheSize)
	r := &Registry{
		servers: servers,
		cache:   cache,
		logger:  logging.OrNop(logger),
		metrics: defaultMetrics(),
		tracer:  otel.Tracer("relay/registry"),
	}
	r.current.Store(&snapshot{owners: map[string]*toolserver.Client{}})
	return r
}

// State returns the current lifecycle phase.
func (r *Registry) State() State {
	return State(r.state.Load())
}

// Discover queries every configured server for its tool list. A failing
// server contributes nothing; partial results are accepted and only a fully
// empty registry with failing servers is worth a warning, never an error.
// The active descriptor set is swapped atomically, so in-flight invocations
// keep resolving against the set they started with.
func (r *Registry) Discover(ctx context.Context) {
	r.state.Store(int32(StateDiscovering))

	results := make([][]toolserver.ToolDescriptor, len(r.servers))
	g, gctx := errgroup.WithContext(ctx)
	for i, server := range r.servers {
		g.Go(func() error {
			tools, err := server.ListTools(gctx)
			if err != nil {
				r.logger.Warn("discovery against %s failed, skipping its tools: %v", server.Name(), err)
				return nil
			}
			results[i] = tools
			return nil
		})
	}
	_ = g.Wait() // per-server failures are absorbed above

	next := &snapshot{owners: make(map[string]*toolserver.Client)}
	for i, tools := range results {
		for _, tool := range tools {
			if _, taken := next.owners[tool.Name]; taken {
				r.logger.Warn("tool %s offered by multiple servers, keeping first owner", tool.Name)
				continue
			}
			next.owners[tool.Name] = r.servers[i]
			next.descriptors = append(next.descriptors, tool)
		}
	}
	sort.Slice(next.descriptors, func(i, j int) bool {
		return next.descriptors[i].Name < next.descriptors[j].Name
	})

	r.current.Store(next)
	r.state.Store(int32(StateReady))
	r.metrics.setDiscovered(len(next.descriptors))
	r.logger.Info("discovery complete: %d tools from %d servers", len(next.descriptors), len(r.servers))
}

// Refresh re-runs discovery and atomically swaps the active set.
func (r *Registry) Refresh(ctx context.Context) {
	r.Discover(ctx)
}

// Descriptors returns the active descriptor set.
func (r *Registry) Descriptors() []toolserver.ToolDescriptor {
	return r.current.Load().descriptors
}

// Invoke calls the named tool on its owning server. The returned Result is
// always non-nil; transport failures and unknown tools come back as error
// results rather than Go errors so one bad iteration cannot abort a stream.
func (r *Registry) Invoke(ctx context.Context, name string, arguments map[string]any) *Result {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "registry.Invoke",
		trace.WithAttributes(attribute.String("tool.name", name)))
	defer span.End()

	owner, ok := r.current.Load().owners[name]
	if !ok {
		r.metrics.observeInvocation(name, start, true, false)
		return &Result{
			Content: fmt.Sprintf("tool %q is not available", name),
			IsError: true,
		}
	}

	res, err := owner.Call(ctx, name, arguments)
	if err != nil {
		r.metrics.observeInvocation(name, start, true, false)
		r.logger.Warn("tool %s failed: %v", name, err)
		return &Result{
			Content: fmt.Sprintf("tool %s failed: %v", name, err),
			IsError: true,
		}
	}

	key := cacheKey(name, arguments)
	if res.CacheHit && res.Content == "" {
		// Conditional-success response with no body: substitute the last
		// known result for this exact call when we have one.
		if cached, found := r.cache.Get(key); found {
			res.Content = cached
		} else {
			res.Content = "(cached result unchanged)"
		}
	}
	if !res.IsError && res.Content != "" {
		r.cache.Add(key, res.Content)
	}

	r.metrics.observeInvocation(name, start, res.IsError, res.CacheHit)
	return &Result{Content: res.Content, IsError: res.IsError, CacheHit: res.CacheHit}
}

func cacheKey(name string, arguments map[string]any) string {
	encoded, err := json.Marshal(arguments)
	if err != nil {
		encoded = []byte(fmt.Sprintf("%v", arguments))
	}
	sum := sha256.Sum256(append([]byte(name+"\x00"), encoded...))
	return hex.EncodeToString(sum[:])
}
