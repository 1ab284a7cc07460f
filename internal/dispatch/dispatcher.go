// Package dispatch orchestrates one stage-1 routing request: tree
// discovery, route generation, persistence of the intermediate results,
// and deferred lookup of cached inner nodes.
package dispatch

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/epvx/routingd/internal/cache"
	"github.com/epvx/routingd/internal/metrics"
	"github.com/epvx/routingd/internal/routing"
)

// Options carries the configuration slice the dispatcher consumes.
type Options struct {
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	ForwardDepth   int
	Generator      routing.GeneratorConfig
}

// Outcome is the full product of a stage-1 computation. The control
// channel only forwards Main; the diagnostic endpoint exposes everything.
type Outcome struct {
	CallID string
	Main   *routing.Result
	Tree   *routing.Node
	// All holds every inner-node result keyed by tree path.
	All map[string]*routing.Result
}

// Dispatcher serves stage-1 routing requests and late-route lookups. It is
// safe for concurrent use; all per-request state lives on the stack of the
// request that owns it.
type Dispatcher struct {
	store   routing.Store
	cache   cache.Cache
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a dispatcher.
func New(store routing.Store, c cache.Cache, opts Options, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Second
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	return &Dispatcher{
		store:   store,
		cache:   c,
		opts:    opts,
		metrics: m,
		logger:  logger.With("subsystem", "dispatcher"),
	}
}

// Route runs phase A and phase B for a (caller, called) pair, persists the
// inner-node results, and returns the root result. An empty callID is
// replaced by a freshly generated 128-bit hex identifier. On failure the
// outcome still carries the partial tree when discovery produced one, and
// no cache entries are written.
func (d *Dispatcher) Route(ctx context.Context, caller, called, callID string) (*Outcome, error) {
	if callID == "" {
		callID = NewCallID()
	}
	started := time.Now()
	if d.metrics != nil {
		d.metrics.InFlight.Inc()
		defer d.metrics.InFlight.Dec()
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.RequestTimeout)
	defer cancel()

	outcome := &Outcome{CallID: callID}
	err := d.route(ctx, caller, called, callID, outcome)
	d.observe(started, err)
	if err != nil {
		d.logger.Info("routing failed",
			"call_id", callID, "caller", caller, "called", called, "error", err)
		return outcome, err
	}

	d.logger.Debug("routing complete",
		"call_id", callID, "caller", caller, "called", called,
		"cached_nodes", len(outcome.All), "duration_ms", time.Since(started).Milliseconds())
	return outcome, nil
}

func (d *Dispatcher) route(ctx context.Context, caller, called, callID string, outcome *Outcome) error {
	call := routing.NewCallContext(callID, caller, called)

	builder := routing.NewBuilder(d.store, d.opts.ForwardDepth, d.logger)
	root, err := builder.Discover(ctx, call)
	outcome.Tree = root
	if err != nil {
		return asRoutingError(ctx, err)
	}

	generator := routing.NewGenerator(call, d.opts.Generator)
	main, err := generator.Generate(root)
	if err != nil {
		return asRoutingError(ctx, err)
	}
	outcome.Main = main
	outcome.All = generator.AllResults()

	return d.persist(ctx, callID, generator.CacheEntries())
}

// persist writes the inner-node results children-before-parents. Nothing
// is written before phase B has fully succeeded, so a failed request
// leaves no entries behind.
func (d *Dispatcher) persist(ctx context.Context, callID string, entries []routing.CacheEntry) error {
	for _, entry := range entries {
		payload, err := json.Marshal(entry.Result)
		if err != nil {
			return routing.NewError(routing.KindCacheUnavailable,
				"serializing result for %s: %v", entry.TreePath, err)
		}
		if err := d.cache.Put(ctx, callID, entry.TreePath, payload, d.opts.CacheTTL); err != nil {
			return routing.NewError(routing.KindCacheUnavailable,
				"storing result for %s: %v", entry.TreePath, err)
		}
		if d.metrics != nil {
			d.metrics.CacheWrites.Inc()
		}
	}
	return nil
}

// LateRoute resolves a symbolic "stage1-<call-id>-<tree-path>" name from
// the cache. A miss means the call progressed past its TTL and yields GONE.
func (d *Dispatcher) LateRoute(ctx context.Context, name string) (*routing.Result, error) {
	callID, treePath, err := routing.ParseSymbolicName(name)
	if err != nil {
		return nil, routing.NewError(routing.KindGone, "unparseable late-route name: %v", err)
	}

	payload, err := d.cache.Get(ctx, callID, treePath)
	if errors.Is(err, cache.ErrMiss) {
		d.countLookup("miss")
		return nil, routing.NewError(routing.KindGone,
			"no cached result for call %s node %s", callID, treePath)
	}
	if err != nil {
		d.countLookup("error")
		return nil, routing.NewError(routing.KindCacheUnavailable, "cache lookup failed: %v", err)
	}

	var result routing.Result
	if err := json.Unmarshal(payload, &result); err != nil {
		d.countLookup("error")
		return nil, routing.NewError(routing.KindCacheUnavailable,
			"corrupt cache entry for call %s node %s: %v", callID, treePath, err)
	}
	d.countLookup("hit")
	return &result, nil
}

// NewCallID generates an opaque 128-bit call identifier, hex encoded.
func NewCallID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

func (d *Dispatcher) observe(started time.Time, err error) {
	if d.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "unexpected"
		var rerr *routing.Error
		if errors.As(err, &rerr) {
			outcome = string(rerr.Kind)
		}
	}
	d.metrics.RoutingRequests.WithLabelValues(outcome).Inc()
	d.metrics.RoutingDuration.Observe(time.Since(started).Seconds())
}

func (d *Dispatcher) countLookup(result string) {
	if d.metrics != nil {
		d.metrics.LateRouteLookups.WithLabelValues(result).Inc()
	}
}

// asRoutingError keeps routing errors as-is and maps everything else,
// notably deadline expiry, onto the routing error model.
func asRoutingError(ctx context.Context, err error) error {
	var rerr *routing.Error
	if errors.As(err, &rerr) {
		return rerr
	}
	if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
		return routing.NewError(routing.KindTimeout, "routing deadline exceeded")
	}
	return routing.NewError(routing.KindStoreUnavailable, "%v", err)
}
