// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandCompletedEvent is the payload delivered to CommandCompleted
// subscribers, fired exactly once per command after its terminal state
// is visible in GetActiveCommands.
type CommandCompletedEvent struct {
	RunID         string
	OperationName string
	Success       bool
	Message       string
}

// CompletedSubscriber observes CommandCompleted events. Implementations
// must not block the dispatcher and must not panic; panics are
// recovered and logged but never propagate to other subscribers or the
// dispatcher itself (spec §4.1, §5 "Safety").
type CompletedSubscriber func(ctx context.Context, event CommandCompletedEvent)

// DispatcherOption configures a Dispatcher at construction.
type DispatcherOption func(*Dispatcher)

// WithMaxWorkers bounds cross-scope concurrency. The default (0) is
// unbounded: scope serialization is the primary admission rule, and
// distinct scopes run fully concurrently.
func WithMaxWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithLogger attaches a structured logger used for dispatcher-internal
// diagnostics (not the domain AsyncLogBuffer, which handlers use
// directly).
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithPolicyResolver attaches a CommandPolicyResolver; without one a
// resolver returning DefaultCommandPolicy for everything is used.
func WithPolicyResolver(r *CommandPolicyResolver) DispatcherOption {
	return func(d *Dispatcher) {
		if r != nil {
			d.policies = r
		}
	}
}

// WithInstrumentation attaches metrics/tracing hooks. Either may be nil.
func WithInstrumentation(m *Metrics, t *Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
		d.tracer = t
	}
}

// scopeWorker owns one thread-scope's FIFO/priority subqueue and the
// serialized goroutine that drains it.
type scopeWorker struct {
	scope   string
	pending []*command
	busy    bool
	notify  chan struct{}
}

// Dispatcher is the CommandDispatcher of spec §4.1.
type Dispatcher struct {
	mu       sync.Mutex
	commands map[string]*command
	scopes   map[string]*scopeWorker
	opSeq    int64

	sem      chan struct{} // nil => unbounded
	logger   *slog.Logger
	policies *CommandPolicyResolver
	metrics  *Metrics
	tracer   *Tracer

	subMu       sync.Mutex
	subscribers []CompletedSubscriber

	shutdownCtx context.Context
	shutdown    context.CancelFunc
	wg          sync.WaitGroup
}

// NewDispatcher constructs a Dispatcher ready to accept Enqueue calls.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		commands:    make(map[string]*command),
		scopes:      make(map[string]*scopeWorker),
		logger:      slog.Default(),
		policies:    NewCommandPolicyResolver(PolicySet{}),
		shutdownCtx: ctx,
		shutdown:    cancel,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Shutdown cancels every command's cancellation token and waits for
// in-flight handlers (and their backoff sleeps) to observe it and
// return.
func (d *Dispatcher) Shutdown() {
	d.shutdown()
	d.wg.Wait()
}

// Subscribe registers a CommandCompleted subscriber and returns a func
// to unsubscribe it.
func (d *Dispatcher) Subscribe(sub CompletedSubscriber) (unsubscribe func()) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	d.subscribers = append(d.subscribers, sub)
	idx := len(d.subscribers) - 1
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if idx < len(d.subscribers) {
			d.subscribers[idx] = nil
		}
	}
}

func (d *Dispatcher) fireCompleted(ctx context.Context, ev CommandCompletedEvent) {
	d.subMu.Lock()
	subs := make([]CompletedSubscriber, len(d.subscribers))
	copy(subs, d.subscribers)
	d.subMu.Unlock()

	for _, sub := range subs {
		if sub == nil {
			continue
		}
		func(s CompletedSubscriber) {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("command completed subscriber panicked",
						slog.Any("panic", r), slog.String("run_id", ev.RunID))
				}
			}()
			s(ctx, ev)
		}(sub)
	}
}

// EnqueueOptions are the optional parameters to Enqueue.
type EnqueueOptions struct {
	RunID       string
	ThreadScope string
	// Priority is nil when the caller has no opinion, in which case
	// DefaultPriority is used. A pointer is required here rather than a
	// plain int because 0 is itself a legitimate, reachable priority
	// (lower number = higher priority, spec §4.1/§6) and must not be
	// silently promoted to DefaultPriority by an int zero-value check.
	Priority    *int
	Metadata    map[string]string
	// Context, if set, is the caller-owned cancellation scope for this
	// command (spec §4.1: "Cancelling a specific command is done
	// through the scope of ctx.CancellationToken; the dispatcher does
	// not expose a public cancel per runId").
	Context context.Context
}

// Priority returns a pointer to n, for populating EnqueueOptions.Priority
// inline (e.g. EnqueueOptions{Priority: dispatch.Priority(0)}).
func Priority(n int) *int {
	return &n
}

func generateRunID(operationName string) string {
	return fmt.Sprintf("%s_%s_%s", operationName, time.Now().UTC().Format("20060102150405.000"), uuid.NewString()[:8])
}

// Enqueue admits a new command. See spec §4.1.
func (d *Dispatcher) Enqueue(operationName string, handler Handler, opts EnqueueOptions) (*CommandHandle, error) {
	runID := opts.RunID
	if runID == "" {
		runID = generateRunID(operationName)
	}
	scope := opts.ThreadScope
	if scope == "" {
		scope = DefaultThreadScope
	}
	priority := DefaultPriority
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	parentCtx := opts.Context
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	md := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		md[k] = v
	}

	d.mu.Lock()
	if existing, ok := d.commands[runID]; ok && !existing.isTerminal() {
		d.mu.Unlock()
		return nil, &DuplicateRunIDError{RunID: runID}
	}

	handle := newCommandHandle(runID, operationName)
	cmd := &command{
		runID:         runID,
		operationName: operationName,
		threadScope:   scope,
		priority:      priority,
		metadata:      md,
		handler:       handler,
		enqueuedAt:    time.Now().UTC(),
		status:        StatusQueued,
		agentName:     md["agentName"],
		modelName:     md["modelName"],
		storyCorrelation: md["storyId"],
		handle:        handle,
	}
	d.commands[runID] = cmd

	sw, ok := d.scopes[scope]
	if !ok {
		sw = &scopeWorker{scope: scope, notify: make(chan struct{}, 1)}
		d.scopes[scope] = sw
	}
	sw.pending = append(sw.pending, cmd)
	sortScopeQueue(sw.pending)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.IncQueueDepth(scope)
	}

	d.wg.Add(1)
	go d.runScope(sw, parentCtx)

	return handle, nil
}

func sortScopeQueue(pending []*command) {
	sort.SliceStable(pending, func(i, j int) bool {
		if pending[i].priority != pending[j].priority {
			return pending[i].priority < pending[j].priority
		}
		return pending[i].enqueuedAt.Before(pending[j].enqueuedAt)
	})
}

// runScope drains one scope's queue to empty, one command fully
// (including retries) at a time, then exits. A new goroutine is spawned
// by Enqueue for every admitted command; at most one such
// goroutine is ever actively running a command for a given scope
// because of the busy flag, so launching redundant goroutines is safe
// and cheap (they exit immediately on finding busy==true or an empty
// queue that another goroutine is already draining).
func (d *Dispatcher) runScope(sw *scopeWorker, parentCtx context.Context) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if sw.busy || len(sw.pending) == 0 {
			empty := len(sw.pending) == 0 && !sw.busy
			if empty && d.scopes[sw.scope] == sw {
				delete(d.scopes, sw.scope)
			}
			d.mu.Unlock()
			return
		}
		cmd := sw.pending[0]
		sw.pending = sw.pending[1:]
		sw.busy = true
		d.mu.Unlock()

		if d.metrics != nil {
			d.metrics.DecQueueDepth(sw.scope)
		}

		d.execute(cmd, parentCtx)

		d.mu.Lock()
		sw.busy = false
		d.mu.Unlock()
	}
}

// execute runs the full protocol of spec §4.1 for a single command:
// scope-slot acquisition, retry loop with backoff, terminal status,
// LogScope push/pop, and firing CommandCompleted.
func (d *Dispatcher) execute(cmd *command, parentCtx context.Context) {
	if d.sem != nil {
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-d.shutdownCtx.Done():
		}
	}

	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()
	go func() {
		select {
		case <-d.shutdownCtx.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	d.mu.Lock()
	now := time.Now().UTC()
	cmd.startedAt = &now
	cmd.status = StatusRunning
	cmd.cancel = cancel
	d.opSeq++
	cmd.operationID = d.opSeq
	d.mu.Unlock()

	frame := LogFrame{
		Name:             cmd.operationName,
		OperationID:      cmd.operationID,
		AgentName:        cmd.agentName,
		StoryCorrelation: cmd.storyCorrelation,
	}
	scopedCtx := WithFrame(ctx, frame)

	policy := d.policies.Resolve(cmd.operationName, cmd.metadata["operation"])
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var span Span
	if d.tracer != nil {
		scopedCtx, span = d.tracer.StartCommand(scopedCtx, cmd.operationName, cmd.runID)
	}
	if d.metrics != nil {
		d.metrics.RecordStart(cmd.operationName)
	}

	var (
		result  CommandResult
		lastErr error
		attempt int
	)

attempts:
	for attempt = 1; attempt <= policy.MaxAttempts; attempt++ {
		cctx := CommandContext{
			RunID:           cmd.runID,
			OperationName:   cmd.operationName,
			Metadata:        cmd.metadata,
			OperationNumber: cmd.operationID,
			Context:         scopedCtx,
		}

		if ctx.Err() != nil {
			lastErr = ErrCancelled
			break attempts
		}

		result, lastErr = d.invoke(cctx, cmd.handler)

		if ctx.Err() != nil {
			lastErr = ErrCancelled
			break attempts
		}

		retryable := (lastErr != nil && policy.RetryOnException) ||
			(lastErr == nil && !result.Success && policy.RetryOnFailureResult)

		if !retryable || attempt == policy.MaxAttempts {
			break attempts
		}

		d.mu.Lock()
		cmd.retryCount = attempt
		cmd.status = StatusRetrying
		d.mu.Unlock()

		delay := backoffDelay(policy, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ErrCancelled
			break attempts
		}

		d.mu.Lock()
		cmd.status = StatusRunning
		d.mu.Unlock()
	}

	finalStatus, message := terminalStatus(ctx, result, lastErr)

	d.mu.Lock()
	completedAt := time.Now().UTC()
	cmd.completedAt = &completedAt
	cmd.status = finalStatus
	cmd.errorMessage = message
	d.mu.Unlock()

	success := finalStatus == StatusCompleted

	if d.metrics != nil {
		d.metrics.RecordFinish(cmd.operationName, string(finalStatus), time.Since(*cmd.startedAt), cmd.retryCount)
	}
	if span != nil {
		span.End(success, message)
	}

	cmd.handle.resolve(CommandResult{Success: success, Message: message})

	event := CommandCompletedEvent{
		RunID:         cmd.runID,
		OperationName: cmd.operationName,
		Success:       success,
		Message:       message,
	}
	// Pop the LogScope frame before firing CommandCompleted (spec §4.1
	// step 5, §4.3): subscribers must see the parent frame, not the
	// just-completed command's own frame.
	d.fireCompleted(ctx, event)
}

// invoke calls the handler, converting a panic into an error so it
// never escapes the dispatcher (spec §4.1 "Failure semantics").
func (d *Dispatcher) invoke(ctx CommandContext, h Handler) (res CommandResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx)
}

func terminalStatus(ctx context.Context, result CommandResult, err error) (Status, string) {
	if ctx.Err() != nil || err == ErrCancelled {
		return StatusCancelled, "cancelled"
	}
	if err != nil {
		return StatusFailed, err.Error()
	}
	if !result.Success {
		return StatusFailed, result.Message
	}
	return StatusCompleted, result.Message
}

// GetActiveCommands returns an immutable snapshot of every command not
// yet in a terminal state.
func (d *Dispatcher) GetActiveCommands() []CommandSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]CommandSnapshot, 0, len(d.commands))
	for _, cmd := range d.commands {
		if cmd.isTerminal() {
			continue
		}
		out = append(out, cmd.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// UpdateStep updates the current/max step for a running command. A
// no-op for unknown or already-terminal runIds.
func (d *Dispatcher) UpdateStep(runID string, current, max int, description string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.commands[runID]
	if !ok || cmd.isTerminal() {
		return
	}
	cmd.currentStep = &current
	cmd.maxStep = &max
	cmd.stepDescription = description
}

// UpdateRetry sets the observable retry counter for a running command.
func (d *Dispatcher) UpdateRetry(runID string, retryCount int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.commands[runID]
	if !ok {
		return
	}
	cmd.retryCount = retryCount
}

// UpdateOperationName renames a running command's operation label. A
// no-op once the command has left the active set (see DESIGN.md Open
// Question decisions).
func (d *Dispatcher) UpdateOperationName(runID, newName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.commands[runID]
	if !ok || cmd.isTerminal() {
		return
	}
	cmd.operationName = newName
}

// ReloadPolicies atomically replaces the retry/backoff policy set
// consulted by every command started after this call returns (spec §6:
// "hot-reloadable").
func (d *Dispatcher) ReloadPolicies(set PolicySet) {
	d.policies.Reload(set)
}

// CommandMetadata returns the metadata map recorded for runID,
// including after it has reached a terminal state (spec §4.7: triggers
// "load the command snapshot for the completed runId to read metadata").
func (d *Dispatcher) CommandMetadata(runID string) (map[string]string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmd, ok := d.commands[runID]
	if !ok {
		return nil, false
	}
	md := make(map[string]string, len(cmd.metadata))
	for k, v := range cmd.metadata {
		md[k] = v
	}
	return md, true
}

// WaitForCompletion resolves when runID terminates. It fails fast with
// ErrUnknownRunID if the id was never seen (see DESIGN.md Open Question
// decisions) rather than blocking indefinitely.
func (d *Dispatcher) WaitForCompletion(ctx context.Context, runID string) (CommandResult, error) {
	d.mu.Lock()
	cmd, ok := d.commands[runID]
	d.mu.Unlock()
	if !ok {
		return CommandResult{}, ErrUnknownRunID
	}
	return cmd.handle.CompletionTask(ctx)
}
