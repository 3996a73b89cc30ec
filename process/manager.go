package process

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/conductor/internal/metrics"
	"github.com/BaSui01/conductor/internal/store"
	"github.com/BaSui01/conductor/types"
)

const storeKeyPrefix = "conductor:process:"

// Config configures the process manager.
type Config struct {
	// MaxConcurrent caps the number of simultaneously running units.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// MaxQueueSize caps the number of units held queued.
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`
	// QueueEnabled holds overflow submissions queued instead of rejecting them.
	QueueEnabled bool `yaml:"queue_enabled" json:"queue_enabled"`
	// DefaultTimeout applies to units submitted without an explicit timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	// RetentionTTL controls how long terminal process records stay readable.
	RetentionTTL time.Duration `yaml:"retention_ttl" json:"retention_ttl"`
	// SubmitRate limits submissions per second. 0 disables rate limiting.
	SubmitRate float64 `yaml:"submit_rate" json:"submit_rate"`
	// SubmitBurst is the rate limiter burst size.
	SubmitBurst int `yaml:"submit_burst" json:"submit_burst"`
}

// DefaultConfig returns the default manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  10,
		MaxQueueSize:   100,
		QueueEnabled:   true,
		DefaultTimeout: 5 * time.Minute,
		RetentionTTL:   time.Hour,
	}
}

// SubmitOptions carries per-submission overrides.
type SubmitOptions struct {
	// Priority orders queued units, 0-100, higher first.
	Priority int
	// Timeout overrides the manager's default unit timeout.
	Timeout time.Duration
}

// Stats is a point-in-time view of the manager counters.
type Stats struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
	Cancelled int64 `json:"cancelled"`
	Rejected  int64 `json:"rejected"`
	Running   int   `json:"running"`
	Queued    int   `json:"queued"`
}

// Manager is the bounded execution queue. At most MaxConcurrent units run at
// once; overflow is queued by priority then FIFO. Records are persisted to the
// durable store so other instances can read status; in-flight recovery after a
// crash is out of scope.
type Manager struct {
	config    Config
	store     store.Store
	sink      types.EventSink
	collector *metrics.Collector
	logger    *zap.Logger
	limiter   *rate.Limiter

	mu      sync.Mutex
	procs   map[string]*Process
	units   map[string]Unit
	cancels map[string]context.CancelFunc
	queue   priorityQueue
	seq     uint64
	running int
	closed  bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	cancelled atomic.Int64
	rejected  atomic.Int64
}

// NewManager creates a process manager. store may not be nil; sink and
// collector may be nil.
func NewManager(config Config, st store.Store, sink types.EventSink, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = types.NopSink{}
	}
	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}
	var limiter *rate.Limiter
	if config.SubmitRate > 0 {
		burst := config.SubmitBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(config.SubmitRate), burst)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:     config,
		store:      st,
		sink:       sink,
		collector:  collector,
		logger:     logger.With(zap.String("component", "process_manager")),
		limiter:    limiter,
		procs:      make(map[string]*Process),
		units:      make(map[string]Unit),
		cancels:    make(map[string]context.CancelFunc),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Submit enqueues a unit with the given priority and the default timeout.
func (m *Manager) Submit(ctx context.Context, unit Unit, priority int) (string, error) {
	return m.SubmitWithOptions(ctx, unit, SubmitOptions{Priority: priority})
}

// SubmitWithOptions enqueues a unit. It returns a CONCURRENCY_LIMIT error
// when the queue is full, queueing is disabled and all slots are busy, or the
// submission rate limit is exceeded.
func (m *Manager) SubmitWithOptions(ctx context.Context, unit Unit, opts SubmitOptions) (string, error) {
	if unit == nil {
		return "", types.NewError(types.ErrValidation, "unit must not be nil")
	}
	if opts.Priority < 0 || opts.Priority > 100 {
		return "", types.NewError(types.ErrValidation,
			fmt.Sprintf("priority %d out of range [0,100]", opts.Priority))
	}
	if m.limiter != nil && !m.limiter.Allow() {
		m.rejected.Add(1)
		return "", types.NewError(types.ErrConcurrencyLimit, "submission rate limit exceeded")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.config.DefaultTimeout
	}

	proc := &Process{
		ID:        uuid.New().String(),
		Priority:  opts.Priority,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		Timeout:   timeout,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", types.NewError(types.ErrValidation, "process manager is closed")
	}

	if m.running >= m.config.MaxConcurrent {
		if !m.config.QueueEnabled {
			m.mu.Unlock()
			m.rejected.Add(1)
			return "", types.NewError(types.ErrConcurrencyLimit,
				"all execution slots busy and queueing is disabled")
		}
		if m.queue.Len() >= m.config.MaxQueueSize {
			m.mu.Unlock()
			m.rejected.Add(1)
			return "", types.NewError(types.ErrConcurrencyLimit,
				fmt.Sprintf("queue full (%d)", m.config.MaxQueueSize))
		}
	}

	m.procs[proc.ID] = proc
	m.units[proc.ID] = unit
	m.submitted.Add(1)

	proc.Status = StatusQueued
	m.seq++
	heap.Push(&m.queue, &queueItem{id: proc.ID, priority: proc.Priority, seq: m.seq})
	m.dispatchLocked()
	m.updateGaugesLocked()
	cp := proc.Clone()
	m.mu.Unlock()

	m.persist(ctx, cp)
	m.emit(ctx, types.EventProcessSubmitted, cp)

	m.logger.Debug("process submitted",
		zap.String("process_id", proc.ID),
		zap.Int("priority", proc.Priority),
	)
	return proc.ID, nil
}

// Status returns the process record. Local state is authoritative; when the
// process is unknown locally the durable store is consulted so a second
// instance can answer status queries.
func (m *Manager) Status(ctx context.Context, id string) (*Process, error) {
	m.mu.Lock()
	if proc, ok := m.procs[id]; ok {
		cp := proc.Clone()
		m.mu.Unlock()
		return cp, nil
	}
	m.mu.Unlock()

	var proc Process
	if err := store.GetJSON(ctx, m.store, storeKeyPrefix+id, &proc); err != nil {
		if err == store.ErrKeyNotFound {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("process %s not found", id))
		}
		return nil, types.NewError(types.ErrStoreUnavailable, "read process record").WithCause(err)
	}
	return &proc, nil
}

// Cancel stops a queued or running process. Cancelling a terminal process is
// a no-op.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	m.mu.Lock()
	proc, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return types.NewError(types.ErrNotFound, fmt.Sprintf("process %s not found", id))
	}
	if proc.Status.Terminal() {
		m.mu.Unlock()
		return nil
	}

	if proc.Status == StatusRunning {
		cancel := m.cancels[id]
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}

	// Pending or queued: finish it here. The queue entry is skipped lazily
	// on dispatch.
	now := time.Now()
	proc.Status = StatusCancelled
	proc.CompletedAt = &now
	delete(m.units, id)
	m.cancelled.Add(1)
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.persist(ctx, proc)
	m.emit(ctx, types.EventProcessCancelled, proc)
	return nil
}

// Stats returns the manager counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	running := m.running
	queued := m.queuedLocked()
	m.mu.Unlock()
	return Stats{
		Submitted: m.submitted.Load(),
		Completed: m.completed.Load(),
		Failed:    m.failed.Load(),
		TimedOut:  m.timedOut.Load(),
		Cancelled: m.cancelled.Load(),
		Rejected:  m.rejected.Load(),
		Running:   running,
		Queued:    queued,
	}
}

// Close stops the manager. Running units are cancelled; queued units are
// driven to cancelled without ever starting.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	now := time.Now()
	var stopped []*Process
	for id, proc := range m.procs {
		if proc.Status == StatusPending || proc.Status == StatusQueued {
			proc.Status = StatusCancelled
			proc.CompletedAt = &now
			delete(m.units, id)
			m.cancelled.Add(1)
			stopped = append(stopped, proc.Clone())
		}
	}
	m.updateGaugesLocked()
	m.mu.Unlock()

	m.rootCancel()
	m.wg.Wait()

	ctx := context.Background()
	for _, cp := range stopped {
		m.persist(ctx, cp)
		m.emit(ctx, types.EventProcessCancelled, cp)
		m.scheduleEvict(cp.ID)
	}
	m.logger.Info("process manager closed")
}

// dispatchLocked starts queued units while slots are free. Must be called
// with the mutex held.
func (m *Manager) dispatchLocked() {
	for m.running < m.config.MaxConcurrent && m.queue.Len() > 0 {
		item := heap.Pop(&m.queue).(*queueItem)
		proc, ok := m.procs[item.id]
		if !ok || proc.Status != StatusQueued {
			continue // cancelled while queued
		}
		unit := m.units[item.id]
		m.startLocked(proc, unit)
	}
}

// startLocked transitions a process to running and spawns its goroutine.
// Must be called with the mutex held.
func (m *Manager) startLocked(proc *Process, unit Unit) {
	now := time.Now()
	proc.Status = StatusRunning
	proc.StartedAt = &now
	m.running++

	runCtx, cancel := context.WithCancel(m.rootCtx)
	m.cancels[proc.ID] = cancel

	m.wg.Add(1)
	go m.execute(runCtx, proc.ID, unit, proc.Timeout)
}

func (m *Manager) execute(runCtx context.Context, id string, unit Unit, timeout time.Duration) {
	defer m.wg.Done()

	ctx := context.Background()
	m.mu.Lock()
	proc := m.procs[id]
	cp := proc.Clone()
	m.mu.Unlock()

	m.persist(ctx, cp)
	m.emit(ctx, types.EventProcessStarted, cp)

	callCtx := runCtx
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		callCtx, cancelTimeout = context.WithTimeout(runCtx, timeout)
		defer cancelTimeout()
	}

	type callResult struct {
		out any
		err error
	}
	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: types.NewError(types.ErrAgentExecution,
					fmt.Sprintf("unit panicked: %v", r))}
			}
		}()
		out, err := unit(callCtx)
		done <- callResult{out: out, err: err}
	}()

	var status Status
	var result any
	var execErr error

	select {
	case res := <-done:
		if res.err != nil {
			status, execErr = StatusFailed, res.err
		} else {
			status, result = StatusCompleted, res.out
		}
	case <-callCtx.Done():
		if runCtx.Err() != nil {
			status = StatusCancelled
			execErr = types.NewError(types.ErrCancelled, "process cancelled")
		} else {
			// Deadline fired before the unit finished: force-cancel.
			status = StatusTimeout
			execErr = types.NewError(types.ErrTimeout,
				fmt.Sprintf("process exceeded %v", timeout)).WithRetryable(true)
		}
	}

	m.finish(ctx, id, status, result, execErr)
}

func (m *Manager) finish(ctx context.Context, id string, status Status, result any, execErr error) {
	now := time.Now()

	m.mu.Lock()
	proc := m.procs[id]
	proc.Status = status
	proc.CompletedAt = &now
	proc.Result = result
	if execErr != nil {
		proc.Error = execErr.Error()
	}
	delete(m.units, id)
	delete(m.cancels, id)
	m.running--
	m.dispatchLocked()
	m.updateGaugesLocked()
	cp := proc.Clone()
	m.mu.Unlock()

	var event types.EventType
	switch status {
	case StatusCompleted:
		m.completed.Add(1)
		event = types.EventProcessCompleted
	case StatusFailed:
		m.failed.Add(1)
		event = types.EventProcessFailed
	case StatusTimeout:
		m.timedOut.Add(1)
		event = types.EventProcessTimeout
	case StatusCancelled:
		m.cancelled.Add(1)
		event = types.EventProcessCancelled
	}

	if m.collector != nil && cp.StartedAt != nil {
		m.collector.ObserveProcess(string(status), now.Sub(*cp.StartedAt).Seconds())
	}

	m.persist(ctx, cp)
	m.emit(ctx, event, cp)
	m.scheduleEvict(id)

	m.logger.Debug("process finished",
		zap.String("process_id", id),
		zap.String("status", string(status)),
	)
}

// scheduleEvict drops the terminal record from the in-memory map once the
// retention window passes. Later Status reads fall back to the durable store
// until the record there expires too.
func (m *Manager) scheduleEvict(id string) {
	ttl := m.config.RetentionTTL
	if ttl <= 0 {
		return
	}
	time.AfterFunc(ttl, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if proc, ok := m.procs[id]; ok && proc.Status.Terminal() {
			delete(m.procs, id)
		}
	})
}

// queuedLocked counts queue entries that are still live.
func (m *Manager) queuedLocked() int {
	n := 0
	for _, item := range m.queue {
		if proc, ok := m.procs[item.id]; ok && proc.Status == StatusQueued {
			n++
		}
	}
	return n
}

func (m *Manager) updateGaugesLocked() {
	if m.collector == nil {
		return
	}
	m.collector.SetActiveProcesses(m.running)
	m.collector.SetQueueDepth(m.queuedLocked())
}

// persist writes the process record. Terminal records carry the retention TTL
// so they are evicted after the window.
func (m *Manager) persist(ctx context.Context, proc *Process) {
	if m.store == nil {
		return
	}
	ttl := time.Duration(0)
	if proc.Status.Terminal() {
		ttl = m.config.RetentionTTL
	}
	if err := store.SetJSON(ctx, m.store, storeKeyPrefix+proc.ID, proc, ttl); err != nil {
		m.logger.Warn("persist process record failed",
			zap.String("process_id", proc.ID),
			zap.Error(err),
		)
	}
}

func (m *Manager) emit(ctx context.Context, event types.EventType, proc *Process) {
	m.sink.Emit(ctx, types.Event{
		Type:      event,
		SubjectID: proc.ID,
		Timestamp: time.Now(),
		Payload: map[string]any{
			"status":   string(proc.Status),
			"priority": proc.Priority,
		},
	})
}
