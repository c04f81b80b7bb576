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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// IdleTaskTick is the tick period at which IdleAutoOperations
// re-evaluates candidates (spec §4.6: "period 10 s").
const IdleTaskTick = 10 * time.Second

// IdleTask is a rebuildable candidate maintenance task. IdleTasks own
// no persistent state; they are rebuilt on every tick from current
// configuration (spec §3).
type IdleTask struct {
	Name         string
	Priority     int
	HasCandidate func(ctx context.Context) bool
	TryEnqueue   func(ctx context.Context) bool
}

// IdleAutoOperationsConfig is the automaticOperations.* configuration
// surface.
type IdleAutoOperationsConfig struct {
	Enabled           bool
	IdleThreshold     time.Duration
	IgnoredOperations []string // glob patterns (doublestar), e.g. "memory_embedding_worker"
}

// TaskBuilder constructs the current candidate-task list from live
// configuration. It is called fresh on every tick.
type TaskBuilder func(ctx context.Context) []IdleTask

// IdleAutoOperations is the scheduler of spec §4.6.
type IdleAutoOperations struct {
	dispatcher  *Dispatcher
	configFn    func() IdleAutoOperationsConfig
	buildTasks  TaskBuilder
	logger      *slog.Logger

	mu            sync.Mutex
	lastActivity  time.Time
	lastAttempt   time.Time
	lastTaskIndex int
}

// NewIdleAutoOperations constructs the idle scheduler. configFn is
// consulted on every tick so hot-reloaded configuration takes effect
// without a restart.
func NewIdleAutoOperations(d *Dispatcher, configFn func() IdleAutoOperationsConfig, buildTasks TaskBuilder, logger *slog.Logger) *IdleAutoOperations {
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now().UTC()
	return &IdleAutoOperations{
		dispatcher:    d,
		configFn:      configFn,
		buildTasks:    buildTasks,
		logger:        logger,
		lastActivity:  now,
		lastAttempt:   now,
		lastTaskIndex: -1,
	}
}

// Run ticks every IdleTaskTick until ctx is cancelled.
func (s *IdleAutoOperations) Run(ctx context.Context) {
	ticker := time.NewTicker(IdleTaskTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func isIgnored(operation string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, operation); ok {
			return true
		}
	}
	return false
}

// tick implements the six steps of spec §4.6.
func (s *IdleAutoOperations) tick(ctx context.Context) {
	cfg := s.configFn()
	if !cfg.Enabled {
		return
	}

	now := time.Now().UTC()

	active := s.dispatcher.GetActiveCommands()
	for _, cmd := range active {
		if isIgnored(cmd.OperationName, cfg.IgnoredOperations) {
			continue
		}
		if cmd.Status == StatusQueued || cmd.Status == StatusRunning || cmd.Status == StatusRetrying {
			s.mu.Lock()
			s.lastActivity = now
			s.mu.Unlock()
			return
		}
	}

	threshold := cfg.IdleThreshold
	if threshold <= 0 {
		threshold = 30 * time.Second
	}

	s.mu.Lock()
	sinceActivity := now.Sub(s.lastActivity)
	sinceAttempt := now.Sub(s.lastAttempt)
	s.mu.Unlock()
	if sinceActivity < threshold || sinceAttempt < threshold {
		return
	}

	tasks := s.buildTasks(ctx)
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].Name < tasks[j].Name
	})

	var eligible []IdleTask
	for _, t := range tasks {
		if t.HasCandidate != nil && t.HasCandidate(ctx) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		s.mu.Lock()
		s.lastAttempt = now
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	start := s.lastTaskIndex + 1
	s.mu.Unlock()

	for i := 0; i < len(eligible); i++ {
		idx := (start + i) % len(eligible)
		t := eligible[idx]
		if t.TryEnqueue != nil && t.TryEnqueue(ctx) {
			s.mu.Lock()
			s.lastActivity = now
			s.lastAttempt = now
			s.lastTaskIndex = idx
			s.mu.Unlock()
			s.logger.Info("idle auto-operation enqueued", slog.String("task", t.Name))
			return
		}
	}

	s.mu.Lock()
	s.lastAttempt = now
	s.mu.Unlock()
}
