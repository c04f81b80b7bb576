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
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// TriggerBuilder produces the follow-up command a Trigger enqueues once
// its condition has passed. Returning ok=false means "do not enqueue"
// (e.g. a derived runId is already live).
type TriggerBuilder func(ctx context.Context, event CommandCompletedEvent, env map[string]any) (operationName string, handler Handler, opts EnqueueOptions, ok bool)

// Trigger is one reactive subscriber of spec §4.7. OperationPattern is
// a doublestar glob matched against the completed command's operation
// name (e.g. "Evaluate*"). Condition is an expr-lang expression
// evaluated against an env built from the completed command's metadata
// plus whatever the env-building callback adds (evaluation stats,
// tagged-artifact flags, …); an empty Condition always passes.
type Trigger struct {
	Name             string
	OperationPattern string
	SuccessOnly      bool
	Condition        string
	program          *vm.Program
	Build            TriggerBuilder
}

// compile pre-parses the expr-lang condition once at registration time.
func (t *Trigger) compile() error {
	if t.Condition == "" {
		return nil
	}
	prog, err := expr.Compile(t.Condition, expr.AllowUndefinedVariables())
	if err != nil {
		return fmt.Errorf("trigger %s: compile condition: %w", t.Name, err)
	}
	t.program = prog
	return nil
}

func (t *Trigger) matches(event CommandCompletedEvent) bool {
	if t.SuccessOnly && !event.Success {
		return false
	}
	if t.OperationPattern == "" {
		return true
	}
	ok, _ := doublestar.Match(t.OperationPattern, event.OperationName)
	return ok
}

func (t *Trigger) conditionPasses(env map[string]any) (bool, error) {
	if t.program == nil {
		return true, nil
	}
	out, err := expr.Run(t.program, env)
	if err != nil {
		return false, err
	}
	b, _ := out.(bool)
	return b, nil
}

// EnvBuilder builds the trigger-evaluation environment from domain
// lookups, e.g. reading StoryStore.GetEvaluationStats. The command's
// metadata is merged into the returned map afterwards, under lower-cased
// keys, replacing any entry of the same name. Returning an error aborts this
// trigger's evaluation for this event; it does not affect others.
type EnvBuilder func(ctx context.Context, event CommandCompletedEvent, metadata map[string]string) (map[string]any, error)

// TriggerManager subscribes to a Dispatcher's CommandCompleted event
// and, for each registered Trigger whose pattern/condition pass,
// enqueues a follow-up command on a detached goroutine so it never
// blocks completion-event dispatch (spec §4.7, §9 fire-and-forget note).
type TriggerManager struct {
	dispatcher *Dispatcher
	envBuilder EnvBuilder
	logger     *slog.Logger

	triggers []*Trigger
}

// NewTriggerManager wires triggers onto d's CommandCompleted event.
func NewTriggerManager(d *Dispatcher, envBuilder EnvBuilder, logger *slog.Logger) *TriggerManager {
	if logger == nil {
		logger = slog.Default()
	}
	if envBuilder == nil {
		envBuilder = func(context.Context, CommandCompletedEvent, map[string]string) (map[string]any, error) {
			return map[string]any{}, nil
		}
	}
	m := &TriggerManager{dispatcher: d, envBuilder: envBuilder, logger: logger}
	d.Subscribe(m.onCompleted)
	return m
}

// Register adds a trigger, compiling its condition. Registration order
// has no bearing on delivery order between subscribers (spec §6:
// "ordering between subscribers is unspecified").
func (m *TriggerManager) Register(t *Trigger) error {
	if err := t.compile(); err != nil {
		return err
	}
	m.triggers = append(m.triggers, t)
	return nil
}

func (m *TriggerManager) onCompleted(ctx context.Context, event CommandCompletedEvent) {
	for _, t := range m.triggers {
		if !t.matches(event) {
			continue
		}
		// Detach: a fresh background context with its own LogScope
		// frame, since the dispatcher is about to pop the completing
		// command's frame (spec §9).
		go m.fire(t, event)
	}
}

func (m *TriggerManager) fire(t *Trigger, event CommandCompletedEvent) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("reactive trigger panicked", slog.String("trigger", t.Name), slog.Any("panic", r))
		}
	}()

	metadata, ok := m.dispatcher.CommandMetadata(event.RunID)
	if !ok {
		metadata = map[string]string{}
	}

	env, err := m.envBuilder(ctx, event, metadata)
	if err != nil {
		m.logger.Warn("reactive trigger env build failed", slog.String("trigger", t.Name), slog.Any("error", err))
		return
	}
	for k, v := range metadata {
		env[strings.ToLower(k)] = v
	}

	passed, err := t.conditionPasses(env)
	if err != nil {
		m.logger.Warn("reactive trigger condition evaluation failed", slog.String("trigger", t.Name), slog.Any("error", err))
		return
	}
	if !passed {
		return
	}

	if t.Build == nil {
		return
	}
	operationName, handler, opts, ok := t.Build(ctx, event, env)
	if !ok {
		return
	}
	frame := WithFrame(ctx, LogFrame{Name: operationName})
	opts.Context = frame
	if _, err := m.dispatcher.Enqueue(operationName, handler, opts); err != nil {
		if _, dup := err.(*DuplicateRunIDError); !dup {
			m.logger.Error("reactive trigger enqueue failed", slog.String("trigger", t.Name), slog.Any("error", err))
		}
	}
}
