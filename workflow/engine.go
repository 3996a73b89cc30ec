package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/conductor/breaker"
	"github.com/BaSui01/conductor/internal/metrics"
	"github.com/BaSui01/conductor/internal/retry"
	"github.com/BaSui01/conductor/internal/store"
	"github.com/BaSui01/conductor/process"
	"github.com/BaSui01/conductor/types"
)

const (
	workflowKeyPrefix = "conductor:workflow:"
	contextKeyPrefix  = "conductor:wfctx:"

	// resubmitDelay is how long a run waits before retrying a step whose
	// submission was rejected by the global queue. The queue draining is
	// invisible to the run, so the retry is timer-driven.
	resubmitDelay = 50 * time.Millisecond
)

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowCancelled WorkflowStatus = "cancelled"
)

// FailurePolicy decides how a step failure affects the rest of the workflow.
type FailurePolicy string

const (
	// PolicyStrict fails the workflow on the first step failure; every step
	// that has not started yet is skipped.
	PolicyStrict FailurePolicy = "strict"
	// PolicyLenient skips only the failed step's dependents; independent
	// branches keep running and the workflow completes partially.
	PolicyLenient FailurePolicy = "lenient"
)

// StepState is the tracked runtime state of one step.
type StepState struct {
	ID          string     `json:"id"`
	AgentType   string     `json:"agent_type"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Status      StepStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	ProcessID   string     `json:"process_id,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Workflow is the tracked runtime state of one submitted graph.
type Workflow struct {
	ID          string                `json:"id"`
	Name        string                `json:"name"`
	Status      WorkflowStatus        `json:"status"`
	Steps       map[string]*StepState `json:"steps"`
	CreatedAt   time.Time             `json:"created_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Error       string                `json:"error,omitempty"`
}

func (w *Workflow) clone() *Workflow {
	cp := *w
	cp.Steps = make(map[string]*StepState, len(w.Steps))
	for id, ss := range w.Steps {
		s := *ss
		cp.Steps[id] = &s
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// StepInput is what a step's agent receives: the static step input plus the
// outputs of every dependency.
type StepInput struct {
	WorkflowID string         `json:"workflow_id"`
	StepID     string         `json:"step_id"`
	Input      any            `json:"input,omitempty"`
	Deps       map[string]any `json:"deps,omitempty"`
}

// EngineConfig configures the workflow engine.
type EngineConfig struct {
	// MaxParallelSteps caps in-flight steps per workflow, independently of
	// the process queue's global cap.
	MaxParallelSteps int `yaml:"max_parallel_steps" json:"max_parallel_steps"`
	// FailurePolicy is the default policy for submitted workflows.
	FailurePolicy FailurePolicy `yaml:"failure_policy" json:"failure_policy"`
	// DefaultStepTimeout bounds a step invocation (including retries) when
	// the step declares none.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout" json:"default_step_timeout"`
	// WorkflowTTL controls retention of terminal workflow and context
	// records in the durable store.
	WorkflowTTL time.Duration `yaml:"workflow_ttl" json:"workflow_ttl"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxParallelSteps:   5,
		FailurePolicy:      PolicyStrict,
		DefaultStepTimeout: 10 * time.Minute,
		WorkflowTTL:        24 * time.Hour,
	}
}

// Engine validates step graphs, schedules ready steps through the bounded
// execution queue, guards every agent call with the service's circuit breaker
// and the step's retry policy, and emits lifecycle events.
type Engine struct {
	config    EngineConfig
	queue     *process.Manager
	breakers  *breaker.Registry
	agents    types.AgentRegistry
	store     store.Store
	sink      types.EventSink
	collector *metrics.Collector
	logger    *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run is the in-memory execution state of one workflow.
type run struct {
	wf        *Workflow
	graph     *Graph
	wctx      *Context
	executors map[string]types.Executor // resolved once at submission
	policy    FailurePolicy
	sem       *semaphore.Weighted
	notify    chan struct{}
	done      chan struct{}
	paused    bool
	cancelled bool
	startedAt time.Time
}

// NewEngine creates a workflow engine. queue and breakers are required;
// agents must resolve every capability the submitted graphs reference.
func NewEngine(
	config EngineConfig,
	queue *process.Manager,
	breakers *breaker.Registry,
	agents types.AgentRegistry,
	st store.Store,
	sink types.EventSink,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = types.NopSink{}
	}
	if config.MaxParallelSteps < 1 {
		config.MaxParallelSteps = 1
	}
	if config.FailurePolicy == "" {
		config.FailurePolicy = PolicyStrict
	}
	return &Engine{
		config:    config,
		queue:     queue,
		breakers:  breakers,
		agents:    agents,
		store:     st,
		sink:      sink,
		collector: collector,
		logger:    logger.With(zap.String("component", "workflow_engine")),
		runs:      make(map[string]*run),
	}
}

// Submit validates the graph and starts executing it. Validation failures are
// returned synchronously and leave no state behind; in particular a cyclic
// graph is rejected with CYCLE_DETECTED before any step leaves pending.
func (e *Engine) Submit(ctx context.Context, graph *Graph, initial map[string]any) (string, error) {
	return e.SubmitWithPolicy(ctx, graph, initial, e.config.FailurePolicy)
}

// SubmitWithPolicy is Submit with an explicit failure policy.
func (e *Engine) SubmitWithPolicy(ctx context.Context, graph *Graph, initial map[string]any, policy FailurePolicy) (string, error) {
	if graph == nil {
		return "", types.NewError(types.ErrValidation, "graph must not be nil")
	}
	if err := graph.Validate(); err != nil {
		return "", err
	}
	if policy == "" {
		policy = PolicyStrict
	}

	// Resolve every capability once, up front. A missing capability rejects
	// the whole submission.
	executors := make(map[string]types.Executor, graph.Len())
	for _, step := range graph.Steps() {
		exec, ok := e.agents.Resolve(step.AgentType)
		if !ok {
			return "", types.NewError(types.ErrValidation,
				fmt.Sprintf("no agent registered for capability %q (step %s)", step.AgentType, step.ID))
		}
		executors[step.ID] = exec
	}

	id := uuid.New().String()
	wf := &Workflow{
		ID:        id,
		Name:      graph.Name(),
		Status:    WorkflowRunning,
		Steps:     make(map[string]*StepState, graph.Len()),
		CreatedAt: time.Now(),
	}
	wctx := NewContext(id)
	if err := wctx.Seed(initial); err != nil {
		return "", err
	}
	for _, step := range graph.Steps() {
		wf.Steps[step.ID] = &StepState{
			ID:        step.ID,
			AgentType: step.AgentType,
			DependsOn: step.DependsOn,
			Status:    StepPending,
		}
		if err := wctx.Claim(step.ID, step.ID); err != nil {
			return "", err
		}
	}

	r := &run{
		wf:        wf,
		graph:     graph,
		wctx:      wctx,
		executors: executors,
		policy:    policy,
		sem:       semaphore.NewWeighted(int64(e.config.MaxParallelSteps)),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	e.persistWorkflow(ctx, wf.clone(), false)
	e.emit(types.EventWorkflowStarted, id, map[string]any{"name": wf.Name, "steps": graph.Len()})
	e.logger.Info("workflow submitted",
		zap.String("workflow_id", id),
		zap.String("name", wf.Name),
		zap.Int("steps", graph.Len()),
	)

	go e.schedule(r)
	return id, nil
}

// Status returns the workflow state. Unknown workflows fall back to the
// durable store so any instance can answer.
func (e *Engine) Status(ctx context.Context, id string) (*Workflow, error) {
	e.mu.Lock()
	if r, ok := e.runs[id]; ok {
		cp := r.wf.clone()
		e.mu.Unlock()
		return cp, nil
	}
	e.mu.Unlock()

	var wf Workflow
	if err := store.GetJSON(ctx, e.store, workflowKeyPrefix+id, &wf); err != nil {
		if err == store.ErrKeyNotFound {
			return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("workflow %s not found", id))
		}
		return nil, types.NewError(types.ErrStoreUnavailable, "read workflow record").WithCause(err)
	}
	return &wf, nil
}

// Cancel drives every non-terminal step to cancelled and stops scheduling.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	if !ok {
		e.mu.Unlock()
		return types.NewError(types.ErrNotFound, fmt.Sprintf("workflow %s not found", id))
	}
	if r.wf.Status != WorkflowRunning && r.wf.Status != WorkflowPaused {
		e.mu.Unlock()
		return nil
	}
	r.cancelled = true

	var running []string
	now := time.Now()
	for _, ss := range r.wf.Steps {
		switch ss.Status {
		case StepRunning, StepReady:
			if ss.ProcessID != "" {
				running = append(running, ss.ProcessID)
			}
			ss.Status = StepCancelled
			ss.CompletedAt = &now
		case StepPending:
			ss.Status = StepCancelled
			ss.CompletedAt = &now
		}
	}
	poke(r)
	e.mu.Unlock()

	for _, pid := range running {
		if err := e.queue.Cancel(ctx, pid); err != nil {
			e.logger.Debug("cancel step process", zap.String("process_id", pid), zap.Error(err))
		}
	}
	return nil
}

// Pause stops dispatching new steps. Running steps finish normally.
func (e *Engine) Pause(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	if !ok || r.wf.Status.terminal() {
		e.mu.Unlock()
		return types.NewError(types.ErrNotFound, fmt.Sprintf("active workflow %s not found", id))
	}
	if r.paused {
		e.mu.Unlock()
		return nil
	}
	r.paused = true
	r.wf.Status = WorkflowPaused
	cp := r.wf.clone()
	e.mu.Unlock()

	e.persistWorkflow(ctx, cp, false)
	e.emit(types.EventWorkflowPaused, id, nil)
	return nil
}

// Resume continues a paused workflow.
func (e *Engine) Resume(ctx context.Context, id string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	if !ok || r.wf.Status.terminal() {
		e.mu.Unlock()
		return types.NewError(types.ErrNotFound, fmt.Sprintf("active workflow %s not found", id))
	}
	if !r.paused {
		e.mu.Unlock()
		return nil
	}
	r.paused = false
	r.wf.Status = WorkflowRunning
	poke(r)
	cp := r.wf.clone()
	e.mu.Unlock()

	e.persistWorkflow(ctx, cp, false)
	e.emit(types.EventWorkflowResumed, id, nil)
	return nil
}

// Wait blocks until the workflow reaches a terminal state or ctx is done.
func (e *Engine) Wait(ctx context.Context, id string) (*Workflow, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return e.Status(ctx, id)
	}
	select {
	case <-r.done:
		return e.Status(ctx, id)
	case <-ctx.Done():
		return nil, types.NewError(types.ErrCancelled, "wait cancelled").WithCause(ctx.Err())
	}
}

// ContextSnapshot returns a deep copy of the workflow's context tree.
func (e *Engine) ContextSnapshot(id string) (map[string]any, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("workflow %s not found", id))
	}
	return r.wctx.Snapshot(), nil
}

func (s WorkflowStatus) terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// schedule is the per-workflow scheduling loop. It wakes on every step
// transition, dispatches newly ready steps, and finalizes once every step is
// terminal.
func (e *Engine) schedule(r *run) {
	for {
		e.mu.Lock()
		if !r.paused && !r.cancelled {
			e.dispatchReadyLocked(r)
		}
		terminal := true
		for _, ss := range r.wf.Steps {
			if !ss.Status.Terminal() {
				terminal = false
				break
			}
		}
		e.mu.Unlock()

		if terminal {
			e.finalize(r)
			return
		}
		<-r.notify
	}
}

// dispatchReadyLocked marks skip-propagated steps and submits steps whose
// dependencies are satisfied, bounded by the per-workflow semaphore. Must be
// called with the engine mutex held.
func (e *Engine) dispatchReadyLocked(r *run) {
	for _, step := range r.graph.Steps() {
		ss := r.wf.Steps[step.ID]
		if ss.Status != StepPending {
			continue
		}

		satisfied, skip := e.depStateLocked(r, step)
		if skip {
			e.markSkippedLocked(r, ss, "dependency not completed")
			continue
		}
		if !satisfied {
			continue
		}

		if step.Condition != nil {
			source := r.wf.Steps[step.Condition.StepID]
			if !step.Condition.Predicate(source.Result) {
				e.markSkippedLocked(r, ss, "condition not met")
				continue
			}
		}

		if !r.sem.TryAcquire(1) {
			return // at MaxParallelSteps; resume on next wake-up
		}

		ss.Status = StepReady
		e.emit(types.EventStepReady, r.wf.ID, map[string]any{"step": step.ID})

		pid, err := e.submitStep(r, step)
		if err != nil {
			// Queue at capacity: put the step back. The queue freeing up is
			// caused by other work, which never pokes this run, so arm a
			// timer for the retry instead of waiting on a step transition.
			ss.Status = StepPending
			r.sem.Release(1)
			time.AfterFunc(resubmitDelay, func() { poke(r) })
			e.logger.Debug("step submission deferred",
				zap.String("workflow_id", r.wf.ID),
				zap.String("step", step.ID),
				zap.Error(err),
			)
			return
		}
		ss.ProcessID = pid
	}
}

// depStateLocked reports whether a step's dependencies are all satisfied, or
// whether the step must be skipped because a dependency terminated without
// completing.
func (e *Engine) depStateLocked(r *run, step *Step) (satisfied, skip bool) {
	for _, dep := range step.DependsOn {
		ds := r.wf.Steps[dep]
		switch ds.Status {
		case StepCompleted:
		case StepSkipped:
			if !step.TolerateSkipped {
				return false, true
			}
		case StepFailed, StepCancelled:
			return false, true
		default:
			return false, false
		}
	}
	return true, false
}

func (e *Engine) markSkippedLocked(r *run, ss *StepState, reason string) {
	now := time.Now()
	ss.Status = StepSkipped
	ss.Error = reason
	ss.CompletedAt = &now
	if e.collector != nil {
		e.collector.ObserveStep(string(StepSkipped), ss.AgentType, 0)
	}
	e.emit(types.EventStepSkipped, r.wf.ID, map[string]any{"step": ss.ID, "reason": reason})
	poke(r)
}

// submitStep hands the step invocation to the bounded execution queue. Must
// be called with the engine mutex held; the unit body runs without it.
func (e *Engine) submitStep(r *run, step *Step) (string, error) {
	exec := r.executors[step.ID]
	input := e.buildStepInput(r, step)

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultStepTimeout
	}
	policy := step.Retry
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	wfID := r.wf.ID
	stepID := step.ID
	agentType := step.AgentType

	unit := func(ctx context.Context) (any, error) {
		e.markStepRunning(wfID, stepID)

		attempts := 0
		b := e.breakers.GetOrCreate(agentType)
		out, err := retry.DoWithResult(ctx, policy, e.logger, func() (any, error) {
			attempts++
			return b.Execute(ctx, func(callCtx context.Context) (any, error) {
				out, execErr := exec.Execute(callCtx, input)
				if execErr != nil {
					if _, typed := execErr.(*types.Error); typed {
						return nil, execErr
					}
					return nil, types.NewError(types.ErrAgentExecution,
						fmt.Sprintf("agent %s failed", agentType)).
						WithService(agentType).WithRetryable(true).WithCause(execErr)
				}
				return out, nil
			})
		})

		e.finishStep(wfID, stepID, attempts, out, err)
		return out, err
	}

	return e.queue.SubmitWithOptions(context.Background(), unit, process.SubmitOptions{
		Priority: step.Priority,
		Timeout:  timeout,
	})
}

// buildStepInput assembles the agent input from the step's static input and
// its dependencies' outputs. Dependency outputs are read only after the
// writers completed, so no locking of the context values is needed.
func (e *Engine) buildStepInput(r *run, step *Step) StepInput {
	deps := make(map[string]any, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		if v, err := r.wctx.Get(dep + ".output"); err == nil {
			deps[dep] = v
		}
	}
	return StepInput{
		WorkflowID: r.wf.ID,
		StepID:     step.ID,
		Input:      step.Input,
		Deps:       deps,
	}
}

func (e *Engine) markStepRunning(wfID, stepID string) {
	e.mu.Lock()
	r, ok := e.runs[wfID]
	if !ok {
		e.mu.Unlock()
		return
	}
	ss := r.wf.Steps[stepID]
	if ss.Status != StepReady {
		e.mu.Unlock()
		return
	}
	now := time.Now()
	ss.Status = StepRunning
	ss.StartedAt = &now
	e.mu.Unlock()

	e.emit(types.EventStepRunning, wfID, map[string]any{"step": stepID})
}

// finishStep records a step's outcome and wakes the scheduler. Late results
// for steps already driven terminal (e.g. by Cancel) are dropped.
func (e *Engine) finishStep(wfID, stepID string, attempts int, out any, err error) {
	e.mu.Lock()
	r, ok := e.runs[wfID]
	if !ok {
		e.mu.Unlock()
		return
	}
	ss := r.wf.Steps[stepID]
	if ss.Status.Terminal() {
		r.sem.Release(1)
		e.mu.Unlock()
		return
	}

	now := time.Now()
	ss.Attempts = attempts
	ss.CompletedAt = &now

	var event types.EventType
	switch {
	case err == nil:
		ss.Status = StepCompleted
		ss.Result = out
		event = types.EventStepCompleted
		if werr := r.wctx.SetAs(stepID, stepID+".output", out); werr != nil {
			e.logger.Warn("context write failed",
				zap.String("workflow_id", wfID),
				zap.String("step", stepID),
				zap.Error(werr),
			)
		}
	case types.IsCode(err, types.ErrCancelled):
		ss.Status = StepCancelled
		ss.Error = err.Error()
		event = types.EventStepCancelled
	default:
		ss.Status = StepFailed
		ss.Error = err.Error()
		event = types.EventStepFailed
		if r.policy == PolicyStrict {
			// Strict policy: the first failure dooms the workflow, so skip
			// everything that has not started yet.
			for _, other := range r.wf.Steps {
				if other.Status == StepPending {
					e.markSkippedLocked(r, other, "workflow failed")
				}
			}
		}
	}

	if e.collector != nil && ss.StartedAt != nil {
		e.collector.ObserveStep(string(ss.Status), ss.AgentType, now.Sub(*ss.StartedAt).Seconds())
	}

	r.sem.Release(1)
	poke(r)
	cp := r.wf.clone()
	e.mu.Unlock()

	e.persistWorkflow(context.Background(), cp, false)
	payload := map[string]any{"step": stepID, "attempts": attempts}
	if err != nil {
		payload["error"] = err.Error()
	}
	e.emit(event, wfID, payload)
}

// finalize computes the workflow's terminal status once every step is
// terminal, persists the record and the context snapshot, and signals
// waiters.
func (e *Engine) finalize(r *run) {
	e.mu.Lock()
	now := time.Now()
	failed := 0
	for _, ss := range r.wf.Steps {
		if ss.Status == StepFailed {
			failed++
		}
	}

	var event types.EventType
	switch {
	case r.cancelled:
		r.wf.Status = WorkflowCancelled
		event = types.EventWorkflowCancelled
	case failed > 0 && r.policy == PolicyStrict:
		r.wf.Status = WorkflowFailed
		r.wf.Error = types.NewError(types.ErrAgentExecution,
			fmt.Sprintf("%d step(s) failed", failed)).Error()
		event = types.EventWorkflowFailed
	case failed > 0:
		r.wf.Status = WorkflowCompleted
		r.wf.Error = types.NewError(types.ErrPartialWorkflowFailure,
			fmt.Sprintf("%d step(s) failed under lenient policy", failed)).Error()
		event = types.EventWorkflowCompleted
	default:
		r.wf.Status = WorkflowCompleted
		event = types.EventWorkflowCompleted
	}
	r.wf.CompletedAt = &now
	cp := r.wf.clone()
	snapshot := r.wctx.Snapshot()
	e.mu.Unlock()

	if e.collector != nil {
		e.collector.ObserveWorkflow(string(cp.Status), now.Sub(r.startedAt).Seconds())
	}

	e.persistWorkflow(context.Background(), cp, true)
	if e.store != nil {
		if err := store.SetJSON(context.Background(), e.store, contextKeyPrefix+cp.ID, snapshot, e.config.WorkflowTTL); err != nil {
			e.logger.Warn("persist context snapshot failed",
				zap.String("workflow_id", cp.ID),
				zap.Error(err),
			)
		}
	}
	e.emit(event, cp.ID, map[string]any{"status": string(cp.Status), "failed_steps": failed})
	e.logger.Info("workflow finished",
		zap.String("workflow_id", cp.ID),
		zap.String("status", string(cp.Status)),
	)
	close(r.done)

	if ttl := e.config.WorkflowTTL; ttl > 0 {
		time.AfterFunc(ttl, func() { e.evict(cp.ID) })
	}
}

// evict removes a terminal run from the in-memory map once its retention
// window passes. Later Status reads are served by the durable store until the
// record there expires too.
func (e *Engine) evict(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[id]; ok && r.wf.Status.terminal() {
		delete(e.runs, id)
	}
}

func (e *Engine) persistWorkflow(ctx context.Context, wf *Workflow, terminal bool) {
	if e.store == nil {
		return
	}
	ttl := time.Duration(0)
	if terminal {
		ttl = e.config.WorkflowTTL
	}
	if err := store.SetJSON(ctx, e.store, workflowKeyPrefix+wf.ID, wf, ttl); err != nil {
		e.logger.Warn("persist workflow record failed",
			zap.String("workflow_id", wf.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) emit(event types.EventType, wfID string, payload map[string]any) {
	e.sink.Emit(context.Background(), types.Event{
		Type:      event,
		SubjectID: wfID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// poke wakes the scheduling loop without blocking.
func poke(r *run) {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}
