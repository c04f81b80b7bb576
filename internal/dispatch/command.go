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
	"sync"
	"time"
)

// Status is a Command's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DefaultThreadScope is the serialization domain used when a caller
// does not supply one.
const DefaultThreadScope = "global"

// DefaultPriority is used when a caller does not supply a priority.
// Lower numeric values run first within a scope.
const DefaultPriority = 5

// CommandResult is returned by a Handler. Success means the handler
// completed its intended effect; a false Success is a semantic failure,
// distinct from a panic/exception, and is independently subject to
// retry policy via CommandPolicy.RetryOnFailureResult.
type CommandResult struct {
	Success bool
	Message string
}

// CommandContext is the frozen view exposed to a Handler.
type CommandContext struct {
	RunID           string
	OperationName   string
	Metadata        map[string]string
	OperationNumber int64
	// CancellationToken is the context a Handler must observe at
	// suspension points; it is cancelled on dispatcher shutdown or when
	// the caller supplied token is cancelled via its own scope.
	context.Context
}

// CancellationToken returns the context.Context embedded in the
// CommandContext, named for parity with the spec's vocabulary.
func (c CommandContext) CancellationToken() context.Context {
	return c.Context
}

// Handler is the callable a Command wraps.
type Handler func(ctx CommandContext) (CommandResult, error)

// CommandHandle is returned by Enqueue. CompletionTask resolves with
// the command's final CommandResult once it reaches a terminal state.
type CommandHandle struct {
	RunID         string
	OperationName string

	done chan struct{}
	mu   sync.Mutex
	res  CommandResult
}

func newCommandHandle(runID, operationName string) *CommandHandle {
	return &CommandHandle{
		RunID:         runID,
		OperationName: operationName,
		done:          make(chan struct{}),
	}
}

func (h *CommandHandle) resolve(res CommandResult) {
	h.mu.Lock()
	h.res = res
	h.mu.Unlock()
	close(h.done)
}

// CompletionTask blocks until the command terminates (or ctx is done)
// and returns its final result.
func (h *CommandHandle) CompletionTask(ctx context.Context) (CommandResult, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.res, nil
	case <-ctx.Done():
		return CommandResult{}, ctx.Err()
	}
}

// command is the dispatcher's private mutable representation of a
// queued or running unit of work. Fields are guarded by the owning
// dispatcher's mutex; snapshot produces an immutable, unaliased copy
// for external consumption, following the teacher's Run/RunSnapshot
// split in internal/controller/runner.
type command struct {
	runID         string
	operationName string
	threadScope   string
	priority      int
	metadata      map[string]string
	handler       Handler

	enqueuedAt  time.Time
	startedAt   *time.Time
	completedAt *time.Time

	status          Status
	retryCount      int
	currentStep     *int
	maxStep         *int
	stepDescription string
	errorMessage    string

	operationID     int64
	agentName       string
	modelName       string
	storyCorrelation string

	cancel context.CancelFunc

	handle *CommandHandle
}

// CommandSnapshot is an immutable, point-in-time view of a command,
// returned by GetActiveCommands. It carries no aliasing into dispatcher
// state.
type CommandSnapshot struct {
	RunID            string
	OperationName    string
	ThreadScope      string
	Priority         int
	Metadata         map[string]string
	EnqueuedAt       time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Status           Status
	RetryCount       int
	CurrentStep      *int
	MaxStep          *int
	StepDescription  string
	ErrorMessage     string
	AgentName        string
	ModelName        string
	StoryCorrelation string
}

func (c *command) snapshot() CommandSnapshot {
	md := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		md[k] = v
	}
	var started, completed *time.Time
	if c.startedAt != nil {
		t := *c.startedAt
		started = &t
	}
	if c.completedAt != nil {
		t := *c.completedAt
		completed = &t
	}
	var curStep, maxStep *int
	if c.currentStep != nil {
		v := *c.currentStep
		curStep = &v
	}
	if c.maxStep != nil {
		v := *c.maxStep
		maxStep = &v
	}
	return CommandSnapshot{
		RunID:            c.runID,
		OperationName:    c.operationName,
		ThreadScope:      c.threadScope,
		Priority:         c.priority,
		Metadata:         md,
		EnqueuedAt:       c.enqueuedAt,
		StartedAt:        started,
		CompletedAt:      completed,
		Status:           c.status,
		RetryCount:       c.retryCount,
		CurrentStep:      curStep,
		MaxStep:          maxStep,
		StepDescription:  c.stepDescription,
		ErrorMessage:     c.errorMessage,
		AgentName:        c.agentName,
		ModelName:        c.modelName,
		StoryCorrelation: c.storyCorrelation,
	}
}

func (c *command) isTerminal() bool {
	switch c.status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}
