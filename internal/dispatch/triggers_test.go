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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEvaluationStats lets each subtest control the avg score a
// triggered env lookup observes for a given storyId.
type fakeEvaluationStats struct {
	count int
	avg   float64
}

func newAutoFormatTriggerManager(d *Dispatcher, stats map[string]fakeEvaluationStats, enqueued chan<- string) *TriggerManager {
	envBuilder := func(ctx context.Context, event CommandCompletedEvent, metadata map[string]string) (map[string]any, error) {
		s := stats[metadata["storyId"]]
		return map[string]any{
			"stats": map[string]any{"count": s.count, "avg": s.avg},
		}, nil
	}
	m := NewTriggerManager(d, envBuilder, nil)
	_ = m.Register(&Trigger{
		Name:             "auto-format",
		OperationPattern: "Evaluate*",
		SuccessOnly:      true,
		Condition:        "stats.count >= 2 && stats.avg >= 65",
		Build: func(ctx context.Context, event CommandCompletedEvent, env map[string]any) (string, Handler, EnqueueOptions, bool) {
			storyID, _ := env["storyid"].(string)
			handler := func(CommandContext) (CommandResult, error) {
				enqueued <- storyID
				return CommandResult{Success: true}, nil
			}
			opts := EnqueueOptions{
				RunID:       fmt.Sprintf("transform-%s", storyID),
				ThreadScope: "story/format",
				Priority:    Priority(2),
			}
			return "TransformStoryRawToTagged", handler, opts, true
		},
	})
	return m
}

func TestTriggerFiresWhenConditionPasses(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	enqueued := make(chan string, 1)
	stats := map[string]fakeEvaluationStats{"42": {count: 2, avg: 70}}
	newAutoFormatTriggerManager(d, stats, enqueued)

	_, err := d.Enqueue("EvaluateStory", func(ctx CommandContext) (CommandResult, error) {
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "eval-1", Metadata: map[string]string{"storyId": "42"}})
	require.NoError(t, err)

	select {
	case storyID := <-enqueued:
		assert.Equal(t, "42", storyID)
	case <-time.After(2 * time.Second):
		t.Fatal("trigger did not fire")
	}
}

func TestTriggerDoesNotFireWhenConditionFails(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	enqueued := make(chan string, 1)
	stats := map[string]fakeEvaluationStats{"42": {count: 2, avg: 60}}
	newAutoFormatTriggerManager(d, stats, enqueued)

	_, err := d.Enqueue("EvaluateStory", func(ctx CommandContext) (CommandResult, error) {
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "eval-2", Metadata: map[string]string{"storyId": "42"}})
	require.NoError(t, err)

	select {
	case <-enqueued:
		t.Fatal("trigger should not have fired")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTriggerDoesNotFireOnFailure(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	enqueued := make(chan string, 1)
	stats := map[string]fakeEvaluationStats{"42": {count: 2, avg: 90}}
	newAutoFormatTriggerManager(d, stats, enqueued)

	_, err := d.Enqueue("EvaluateStory", func(ctx CommandContext) (CommandResult, error) {
		return CommandResult{Success: false, Message: "model error"}, nil
	}, EnqueueOptions{RunID: "eval-3", Metadata: map[string]string{"storyId": "42"}})
	require.NoError(t, err)

	select {
	case <-enqueued:
		t.Fatal("SuccessOnly trigger should not fire for a failed run")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestTriggerPatternMismatchDoesNotFire(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	enqueued := make(chan string, 1)
	stats := map[string]fakeEvaluationStats{"42": {count: 2, avg: 90}}
	newAutoFormatTriggerManager(d, stats, enqueued)

	_, err := d.Enqueue("RenderEpisode", func(ctx CommandContext) (CommandResult, error) {
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "render-1", Metadata: map[string]string{"storyId": "42"}})
	require.NoError(t, err)

	select {
	case <-enqueued:
		t.Fatal("trigger should not match an unrelated operation name")
	case <-time.After(200 * time.Millisecond):
	}
}
