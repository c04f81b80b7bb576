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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogScopeInheritance(t *testing.T) {
	ctx := context.Background()
	ctx = WithFrame(ctx, LogFrame{Name: "outer", OperationID: 1, AgentName: "narrator"})
	ctx = WithFrame(ctx, LogFrame{Name: "inner"})

	frame := CurrentFrame(ctx)
	assert.Equal(t, "inner", frame.Name)
	assert.Equal(t, int64(1), frame.OperationID)
	assert.Equal(t, "narrator", frame.AgentName)
}

func TestLogScopeDoesNotLeakAcrossDetachedContext(t *testing.T) {
	ctx := WithFrame(context.Background(), LogFrame{Name: "parent"})
	_ = ctx

	detached := context.Background()
	frame := CurrentFrame(detached)
	assert.Equal(t, "", frame.Name)
}

func TestWithStepUpdatesInnermostFrame(t *testing.T) {
	ctx := WithFrame(context.Background(), LogFrame{Name: "op"})
	ctx = WithStep(ctx, 2, 5)

	frame := CurrentFrame(ctx)
	require := assert.New(t)
	require.NotNil(frame.StepNumber)
	require.Equal(2, *frame.StepNumber)
	require.Equal(5, *frame.MaxStep)
	require.Equal("op", frame.Name)
}
