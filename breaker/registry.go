package breaker

import (
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/conductor/internal/metrics"
)

// Registry owns one breaker per logical service name. It is constructed
// explicitly at startup and passed into the engines; there is no package-level
// singleton.
type Registry struct {
	breakers  map[string]*Breaker
	config    Config
	collector *metrics.Collector
	logger    *zap.Logger
	mu        sync.RWMutex
}

// NewRegistry creates a breaker registry with a shared default config.
func NewRegistry(config Config, collector *metrics.Collector, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers:  make(map[string]*Breaker),
		config:    config,
		collector: collector,
		logger:    logger.With(zap.String("component", "breaker_registry")),
	}
}

// GetOrCreate returns the breaker for a service, creating it on first use.
func (r *Registry) GetOrCreate(service string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[service]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check under the write lock.
	if b, ok := r.breakers[service]; ok {
		return b
	}
	b := New(service, r.config, r.collector, r.logger)
	r.breakers[service] = b
	return b
}

// Get returns the breaker for a service if one exists.
func (r *Registry) Get(service string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[service]
	return b, ok
}

// Snapshots returns a snapshot per registered service.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snaps := make(map[string]Snapshot, len(r.breakers))
	for service, b := range r.breakers {
		snaps[service] = b.Snapshot()
	}
	return snaps
}

// ResetAll resets every breaker to closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Close releases every registered breaker. The registry stays usable;
// GetOrCreate after Close starts from a fresh map.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
	r.logger.Info("breaker registry closed")
}
