// Package conductor provides a top-level convenience entry point that wires
// the whole orchestration stack from one configuration: durable store,
// bounded execution queue, circuit breaker registry, workflow engine, and
// both collaboration protocols.
//
// Usage:
//
//	import "github.com/BaSui01/conductor"
//
//	cfg := config.Default()
//	c, err := conductor.New(cfg, conductor.WithAgents(registry))
//	defer c.Close()
//
//	id, err := c.Engine.Submit(ctx, graph, nil)
//
// Construction is explicit; there are no package-level singletons. Callers
// that need finer control can assemble the packages directly.
package conductor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/BaSui01/conductor/breaker"
	"github.com/BaSui01/conductor/collab"
	"github.com/BaSui01/conductor/config"
	"github.com/BaSui01/conductor/internal/metrics"
	"github.com/BaSui01/conductor/internal/store"
	"github.com/BaSui01/conductor/process"
	"github.com/BaSui01/conductor/types"
	"github.com/BaSui01/conductor/workflow"
)

// Conductor owns one fully wired orchestration stack.
type Conductor struct {
	Queue      *process.Manager
	Breakers   *breaker.Registry
	Engine     *workflow.Engine
	Critique   *collab.Critique
	Discussion *collab.Discussion

	store  store.Store
	logger *zap.Logger
}

// Option configures the stack created by [New].
type Option func(*options)

type options struct {
	agents     types.AgentRegistry
	sink       types.EventSink
	logger     *zap.Logger
	registerer prometheus.Registerer
	store      store.Store
}

// WithAgents sets the agent registry. Required for submitting workflows or
// collaboration sessions.
func WithAgents(agents types.AgentRegistry) Option {
	return func(o *options) { o.agents = agents }
}

// WithEventSink sets the lifecycle event sink.
func WithEventSink(sink types.EventSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithLogger sets the zap logger. Defaults to the logger built from the
// configuration's log section.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer sets the Prometheus registerer for all metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithStore overrides the configured store backend with a caller-owned one.
// The caller keeps ownership; Close will not close it.
func WithStore(st store.Store) Option {
	return func(o *options) { o.store = st }
}

// New wires the full stack from the configuration.
func New(cfg *config.Config, opts ...Option) (*Conductor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.agents == nil {
		o.agents = types.NewStaticAgentRegistry()
	}

	logger := o.logger
	if logger == nil {
		var err error
		logger, err = cfg.Log.NewLogger()
		if err != nil {
			return nil, err
		}
	}

	st := o.store
	ownStore := false
	if st == nil {
		switch cfg.Store.Backend {
		case "redis":
			rs, err := store.NewRedisStore(cfg.Store.Redis, logger)
			if err != nil {
				return nil, fmt.Errorf("conductor: %w", err)
			}
			st = rs
		default:
			st = store.NewMemoryStore()
		}
		ownStore = true
	}

	collector := metrics.NewCollector("conductor", o.registerer, logger)
	queue := process.NewManager(cfg.Queue, st, o.sink, collector, logger)
	breakers := breaker.NewRegistry(cfg.Breaker, collector, logger)
	engine := workflow.NewEngine(cfg.Engine, queue, breakers, o.agents, st, o.sink, collector, logger)
	critique := collab.NewCritique(queue, breakers, o.agents, st, o.sink, collector, logger)
	discussion := collab.NewDiscussion(queue, breakers, o.agents, st, o.sink, collector, logger)

	c := &Conductor{
		Queue:      queue,
		Breakers:   breakers,
		Engine:     engine,
		Critique:   critique,
		Discussion: discussion,
		logger:     logger,
	}
	if ownStore {
		c.store = st
	}
	return c, nil
}

// Close shuts the stack down: the queue stops accepting work and running
// units are cancelled, breakers are released, and an owned store is closed.
func (c *Conductor) Close() error {
	c.Queue.Close()
	c.Breakers.Close()
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			return err
		}
	}
	return nil
}
