// ABOUTME: Calculation Executor: resolves a workbook through the cache tiers and evaluates it
// ABOUTME: Enforces token scope and input validation before the engine is ever called

package calc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/airrange-io/spreadapi-gateway/internal/auth"
	"github.com/airrange-io/spreadapi-gateway/internal/cache"
	"github.com/airrange-io/spreadapi-gateway/internal/engine"
	"github.com/airrange-io/spreadapi-gateway/internal/service"
	"github.com/airrange-io/spreadapi-gateway/internal/webhook"
)

// BlobLoader reads a definition blob by its published reference.
type BlobLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// Notifier receives successful calculations. Implementations must not block.
type Notifier interface {
	Notify(target webhook.Target, event webhook.Event)
}

// Deps are the collaborators an Executor needs. Notifier may be nil.
type Deps struct {
	Registry    *service.Registry
	Definitions *cache.DefinitionCache
	Results     *cache.ResultCache
	Workbooks   *cache.WorkbookCache
	Blobs       BlobLoader
	Engine      engine.Engine
	Notifier    Notifier
	Logger      *slog.Logger
}

// Executor runs calculations and prewarms workbook handles.
type Executor struct {
	registry    *service.Registry
	definitions *cache.DefinitionCache
	results     *cache.ResultCache
	workbooks   *cache.WorkbookCache
	blobs       BlobLoader
	engine      engine.Engine
	notifier    Notifier
	logger      *slog.Logger
	now         func() time.Time

	loads singleflight.Group
}

// NewExecutor wires an Executor.
func NewExecutor(d Deps) *Executor {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry:    d.Registry,
		definitions: d.Definitions,
		results:     d.Results,
		workbooks:   d.Workbooks,
		blobs:       d.Blobs,
		engine:      d.Engine,
		notifier:    d.Notifier,
		logger:      logger.With("component", "executor"),
		now:         time.Now,
	}
}

// Options tune a single execution.
type Options struct {
	// NoCache skips the result cache lookup; the result is still written.
	NoCache bool `json:"noCache,omitempty"`
}

// Request is one calculation.
type Request struct {
	ServiceID   string
	Inputs      map[string]any
	AreaUpdates []engine.AreaUpdate
	Options     Options

	// Principal is the verified bearer token, if any.
	Principal *auth.Principal
	// ServiceToken is a raw bearer that did not verify as an authority
	// token; it may still be one of the service's static keys.
	ServiceToken string
}

// Timings are wall-clock durations in milliseconds.
type Timings struct {
	TotalMs int64 `json:"totalMs"`
	LoadMs  int64 `json:"loadMs"`
	CalcMs  int64 `json:"calcMs"`
}

// Info describes how a result was produced.
type Info struct {
	CacheHit         bool    `json:"cacheHit"`
	DefinitionCached bool    `json:"definitionCached"`
	WorkbookCached   bool    `json:"workbookCached"`
	Timings          Timings `json:"timings"`
}

// Result is the outcome of a successful execution.
type Result struct {
	ServiceID string          `json:"serviceId"`
	Outputs   []service.Value `json:"outputs"`
	Info      Info            `json:"info"`
}

// Execute validates and evaluates one request.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	start := e.now()
	res := &Result{ServiceID: req.ServiceID}

	pub, defHit, err := e.definition(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	res.Info.DefinitionCached = defHit

	if err := authorize(pub, req); err != nil {
		return nil, err
	}

	inputs, err := pub.ValidateInputs(req.Inputs)
	if err != nil {
		return nil, err
	}

	cacheable := len(req.AreaUpdates) == 0
	var hash string
	if cacheable {
		hash, err = cache.HashInputs(inputs)
		if err != nil {
			return nil, fmt.Errorf("hashing inputs: %w", err)
		}
		if !req.Options.NoCache {
			outputs, hit, err := e.results.Get(ctx, pub.ID, pub.Version(), hash)
			if err != nil {
				e.logger.Warn("result cache read failed", "service_id", pub.ID, "error", err)
			}
			if hit {
				res.Outputs = outputs
				res.Info.CacheHit = true
				res.Info.WorkbookCached = e.workbooks.Contains(pub.ID)
				res.Info.Timings.TotalMs = e.since(start)
				e.notify(pub, inputs, outputs)
				return res, nil
			}
		}
	}

	loadStart := e.now()
	handle, cached, err := e.handle(ctx, pub)
	if err != nil {
		return nil, err
	}
	res.Info.WorkbookCached = cached
	res.Info.Timings.LoadMs = e.since(loadStart)

	calcStart := e.now()
	raw, err := e.evaluate(ctx, pub, handle, inputs, req.AreaUpdates)
	if err != nil {
		return nil, err
	}
	res.Info.Timings.CalcMs = e.since(calcStart)

	res.Outputs = mapOutputs(pub.Outputs, raw)
	if cacheable {
		e.results.Set(pub.ID, pub.Version(), hash, res.Outputs)
	}
	e.notify(pub, inputs, res.Outputs)

	res.Info.Timings.TotalMs = e.since(start)
	e.logger.Debug("calculation completed",
		"service_id", pub.ID,
		"workbook_cached", cached,
		"area_updates", len(req.AreaUpdates),
		"total_ms", res.Info.Timings.TotalMs)
	return res, nil
}

// authorize checks credentials before any calculation. A presented token is
// always held to its scope; needs-token services require one.
func authorize(pub *service.Published, req Request) error {
	if p := req.Principal; p != nil {
		if p.UserID != pub.UserID {
			return fmt.Errorf("service %s is not owned by the token's user: %w", pub.ID, service.ErrForbidden)
		}
		if !p.Allows(pub.ID) {
			return fmt.Errorf("token is not scoped to service %s: %w", pub.ID, service.ErrForbidden)
		}
		return nil
	}
	if !pub.NeedsToken {
		return nil
	}
	if pub.AcceptsServiceToken(req.ServiceToken) {
		return nil
	}
	if req.ServiceToken != "" {
		return fmt.Errorf("invalid token: %w", service.ErrUnauthorized)
	}
	return fmt.Errorf("service %s requires a token: %w", pub.ID, service.ErrUnauthorized)
}

// definition reads the published record through the definition cache and
// fills the cache on a miss.
func (e *Executor) definition(ctx context.Context, serviceID string) (*service.Published, bool, error) {
	pub, hit, err := e.definitions.Get(ctx, serviceID)
	if err != nil {
		e.logger.Warn("definition cache read failed", "service_id", serviceID, "error", err)
	}
	if hit {
		return pub, true, nil
	}

	pub, err = e.registry.GetPublished(ctx, serviceID)
	if err != nil {
		return nil, false, err
	}
	e.definitions.Set(pub)
	return pub, false, nil
}

// handle returns a workbook for the current published version, loading it
// when the cached one is missing or stale.
func (e *Executor) handle(ctx context.Context, pub *service.Published) (*cache.Handle, bool, error) {
	if h, ok := e.workbooks.Get(pub.ID); ok {
		if h.Version == pub.Version() {
			return h, true, nil
		}
		e.workbooks.Invalidate(pub.ID)
	}
	h, err := e.load(ctx, pub, false)
	return h, false, err
}

func (e *Executor) evaluate(ctx context.Context, pub *service.Published, h *cache.Handle, inputs map[string]any, areas []engine.AreaUpdate) (map[string]any, error) {
	ev := engine.Evaluation{
		Inputs:      inputs,
		AreaUpdates: areas,
		Outputs:     outputNames(pub.Outputs),
	}

	raw, err := h.Evaluate(ctx, ev)
	if errors.Is(err, cache.ErrHandleClosed) {
		// Evicted between lookup and evaluation
		h, err = e.load(ctx, pub, true)
		if err != nil {
			return nil, err
		}
		raw, err = h.Evaluate(ctx, ev)
	}
	if err != nil {
		return nil, classifyEngineError(err)
	}
	return raw, nil
}

// load builds a workbook handle, coalescing concurrent loads of one service.
func (e *Executor) load(ctx context.Context, pub *service.Published, force bool) (*cache.Handle, error) {
	ctx = context.WithoutCancel(ctx)
	v, err, shared := e.loads.Do(pub.ID, func() (any, error) {
		if !force {
			if h, ok := e.workbooks.Get(pub.ID); ok && h.Version == pub.Version() {
				return h, nil
			}
		}

		definition, err := e.blobs.Load(ctx, pub.URLData)
		if err != nil {
			return nil, fmt.Errorf("loading definition for %s: %w", pub.ID, service.Upstream(err))
		}

		wb, err := e.engine.Open(ctx, definition)
		if err != nil {
			return nil, classifyEngineError(err)
		}

		h := cache.NewHandle(pub.ID, pub.Version(), wb, e.now())
		if err := e.workbooks.Put(h); err != nil {
			// Still usable for this request, just not kept
			e.logger.Warn("workbook not cached", "service_id", pub.ID, "size", h.Size(), "error", err)
		}
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.logger.Debug("joined in-flight workbook load", "service_id", pub.ID)
	}
	return v.(*cache.Handle), nil
}

func classifyEngineError(err error) error {
	var engErr *engine.Error
	if errors.As(err, &engErr) {
		return fmt.Errorf("%w: %w", service.ErrEngine, err)
	}
	return service.Upstream(err)
}

func (e *Executor) notify(pub *service.Published, inputs map[string]any, outputs []service.Value) {
	if e.notifier == nil || pub.WebhookURL == "" {
		return
	}
	e.notifier.Notify(
		webhook.Target{ServiceID: pub.ID, URL: pub.WebhookURL, Secret: pub.WebhookSecret},
		webhook.Event{Inputs: inputs, Outputs: outputs},
	)
}

func (e *Executor) since(t time.Time) int64 {
	return e.now().Sub(t).Milliseconds()
}

func outputNames(outputs []service.Output) []string {
	names := make([]string, len(outputs))
	for i, o := range outputs {
		names[i] = o.Name
	}
	return names
}

// mapOutputs orders engine results by the declared outputs.
func mapOutputs(declared []service.Output, raw map[string]any) []service.Value {
	values := make([]service.Value, len(declared))
	for i, o := range declared {
		values[i] = service.Value{Name: o.Name, Value: raw[o.Name], Title: o.Title}
	}
	return values
}
