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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitHandle(t *testing.T, h *CommandHandle, timeout time.Duration) CommandResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := h.CompletionTask(ctx)
	require.NoError(t, err)
	return res
}

func TestScopeSerializationAndPriority(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	var mu sync.Mutex
	var order []int
	run := func(id int) Handler {
		return func(ctx CommandContext) (CommandResult, error) {
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return CommandResult{Success: true}, nil
		}
	}

	// Hold scope A so all three commands are queued before any is picked.
	gate := make(chan struct{})
	hGate, err := d.Enqueue("gate", func(ctx CommandContext) (CommandResult, error) {
		<-gate
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "gate", ThreadScope: "A", Priority: Priority(0)})
	require.NoError(t, err)

	h1, err := d.Enqueue("op", run(1), EnqueueOptions{RunID: "r1", ThreadScope: "A", Priority: Priority(5)})
	require.NoError(t, err)
	h2, err := d.Enqueue("op", run(2), EnqueueOptions{RunID: "r2", ThreadScope: "A", Priority: Priority(5)})
	require.NoError(t, err)
	h3, err := d.Enqueue("op", run(3), EnqueueOptions{RunID: "r3", ThreadScope: "A", Priority: Priority(1)})
	require.NoError(t, err)

	close(gate)
	waitHandle(t, hGate, 2*time.Second)
	waitHandle(t, h2, 2*time.Second)
	waitHandle(t, h1, 2*time.Second)
	waitHandle(t, h3, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{3, 1, 2}, order)
}

func TestEnqueuePriorityZeroIsHonoredNotPromotedToDefault(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	release := make(chan struct{})
	block := func(CommandContext) (CommandResult, error) {
		<-release
		return CommandResult{Success: true}, nil
	}

	h, err := d.Enqueue("op", block, EnqueueOptions{RunID: "zero-priority", Priority: Priority(0)})
	require.NoError(t, err)

	snaps := d.GetActiveCommands()
	require.Len(t, snaps, 1)
	assert.Equal(t, 0, snaps[0].Priority)

	close(release)
	waitHandle(t, h, 2*time.Second)
}

func TestEnqueueNilPriorityUsesDefault(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	release := make(chan struct{})
	block := func(CommandContext) (CommandResult, error) {
		<-release
		return CommandResult{Success: true}, nil
	}

	h, err := d.Enqueue("op", block, EnqueueOptions{RunID: "default-priority"})
	require.NoError(t, err)

	snaps := d.GetActiveCommands()
	require.Len(t, snaps, 1)
	assert.Equal(t, DefaultPriority, snaps[0].Priority)

	close(release)
	waitHandle(t, h, 2*time.Second)
}

func TestCommandCompletedSeesPoppedFrameNotCommandsOwnFrame(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	seen := make(chan LogFrame, 1)
	d.Subscribe(func(ctx context.Context, event CommandCompletedEvent) {
		seen <- CurrentFrame(ctx)
	})

	parentCtx := WithFrame(context.Background(), LogFrame{Name: "parent-scope"})
	h, err := d.Enqueue("child-op", func(CommandContext) (CommandResult, error) {
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "r1", Context: parentCtx})
	require.NoError(t, err)
	waitHandle(t, h, 2*time.Second)

	select {
	case frame := <-seen:
		assert.Equal(t, "parent-scope", frame.Name, "CommandCompleted must observe the popped/parent frame, not the command's own")
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was never called")
	}
}

func TestDuplicateRunIDRejected(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	block := make(chan struct{})
	_, err := d.Enqueue("op", func(ctx CommandContext) (CommandResult, error) {
		<-block
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "dup"})
	require.NoError(t, err)

	_, err = d.Enqueue("op", func(ctx CommandContext) (CommandResult, error) {
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "dup"})
	var dupErr *DuplicateRunIDError
	require.ErrorAs(t, err, &dupErr)

	close(block)
}

func TestRetryOnExceptionThenSuccess(t *testing.T) {
	d := NewDispatcher(WithPolicyResolver(NewCommandPolicyResolver(PolicySet{
		ByOperation: map[string]CommandPolicy{
			"flaky": {
				MaxAttempts:        3,
				RetryDelayBase:     5 * time.Millisecond,
				RetryDelayMax:      20 * time.Millisecond,
				ExponentialBackoff: true,
				RetryOnException:   true,
			},
		},
	})))
	defer d.Shutdown()

	var attempts int
	var mu sync.Mutex
	h, err := d.Enqueue("flaky", func(ctx CommandContext) (CommandResult, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			panic("boom")
		}
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "flaky-1"})
	require.NoError(t, err)

	res := waitHandle(t, h, 2*time.Second)
	assert.True(t, res.Success)

	active := d.GetActiveCommands()
	assert.Empty(t, active)
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestCancelBeforeStart(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	invoked := make(chan struct{}, 1)
	cancel() // cancel before the handler ever runs

	h, err := d.Enqueue("op", func(cctx CommandContext) (CommandResult, error) {
		invoked <- struct{}{}
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "cancel-1", Context: ctx})
	require.NoError(t, err)

	res := waitHandle(t, h, 2*time.Second)
	assert.False(t, res.Success)
	assert.Equal(t, "cancelled", res.Message)

	select {
	case <-invoked:
		t.Fatal("handler should not have been invoked")
	default:
	}
}

func TestWaitForCompletionUnknownRunIDFailsFast(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()
	_, err := d.WaitForCompletion(context.Background(), "never-seen")
	assert.ErrorIs(t, err, ErrUnknownRunID)
}

func TestWaitForCompletionCachedAfterTermination(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()
	_, err := d.Enqueue("op", func(ctx CommandContext) (CommandResult, error) {
		return CommandResult{Success: true, Message: "done"}, nil
	}, EnqueueOptions{RunID: "cached-1"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := d.WaitForCompletion(context.Background(), "cached-1")
		return err == nil && res.Success
	}, time.Second, 5*time.Millisecond)

	res, err := d.WaitForCompletion(context.Background(), "cached-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCommandCompletedFiresAfterRemovalFromActiveSet(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	seenActive := make(chan bool, 1)
	d.Subscribe(func(ctx context.Context, ev CommandCompletedEvent) {
		active := d.GetActiveCommands()
		for _, a := range active {
			if a.RunID == ev.RunID {
				seenActive <- true
				return
			}
		}
		seenActive <- false
	})

	_, err := d.Enqueue("op", func(ctx CommandContext) (CommandResult, error) {
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "visible-1"})
	require.NoError(t, err)

	select {
	case stillActive := <-seenActive:
		assert.False(t, stillActive)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber was never invoked")
	}
}

func TestSubscriberPanicIsolated(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	var secondCalled bool
	var mu sync.Mutex
	d.Subscribe(func(ctx context.Context, ev CommandCompletedEvent) {
		panic("subscriber exploded")
	})
	d.Subscribe(func(ctx context.Context, ev CommandCompletedEvent) {
		mu.Lock()
		secondCalled = true
		mu.Unlock()
	})

	h, err := d.Enqueue("op", func(ctx CommandContext) (CommandResult, error) {
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "panicky-1"})
	require.NoError(t, err)
	waitHandle(t, h, 2*time.Second)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return secondCalled
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateStepAndRetryObservable(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()

	started := make(chan struct{})
	proceed := make(chan struct{})
	h, err := d.Enqueue("op", func(ctx CommandContext) (CommandResult, error) {
		d.UpdateStep(ctx.RunID, 1, 3, "step one")
		d.UpdateRetry(ctx.RunID, 2)
		close(started)
		<-proceed
		return CommandResult{Success: true}, nil
	}, EnqueueOptions{RunID: "step-1"})
	require.NoError(t, err)

	<-started
	active := d.GetActiveCommands()
	require.Len(t, active, 1)
	require.NotNil(t, active[0].CurrentStep)
	assert.Equal(t, 1, *active[0].CurrentStep)
	assert.Equal(t, 3, *active[0].MaxStep)
	assert.Equal(t, 2, active[0].RetryCount)

	close(proceed)
	waitHandle(t, h, 2*time.Second)
}

func TestUpdateUnknownRunIDIsNoop(t *testing.T) {
	d := NewDispatcher()
	defer d.Shutdown()
	d.UpdateStep("does-not-exist", 1, 2, "")
	d.UpdateRetry("does-not-exist", 3)
	d.UpdateOperationName("does-not-exist", "renamed")
}
