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

	"github.com/stretchr/testify/assert"
)

func TestModelProviderSwitchStopsPreviousLocalBackend(t *testing.T) {
	var mu sync.Mutex
	var stops []BackendKind
	s := NewModelProviderSwitch([]BackendKind{"local-primary", "local-secondary"}, func(kind BackendKind) {
		mu.Lock()
		stops = append(stops, kind)
		mu.Unlock()
	}, nil)

	ctx := context.Background()
	got := s.RequestBridge(ctx, "local-primary")
	assert.Equal(t, BackendKind("local-primary"), got)
	mu.Lock()
	assert.Empty(t, stops)
	mu.Unlock()

	got = s.RequestBridge(ctx, "local-secondary")
	assert.Equal(t, BackendKind("local-secondary"), got)
	mu.Lock()
	assert.Equal(t, []BackendKind{"local-primary"}, stops)
	mu.Unlock()
	assert.Equal(t, BackendKind("local-secondary"), s.Active())
}

func TestModelProviderSwitchExternalKindUnaffected(t *testing.T) {
	var stopped int
	s := NewModelProviderSwitch([]BackendKind{"local-primary"}, func(BackendKind) { stopped++ }, nil)

	ctx := context.Background()
	s.RequestBridge(ctx, "local-primary")
	got := s.RequestBridge(ctx, "external-openai")

	assert.Equal(t, BackendKind("external-openai"), got)
	assert.Equal(t, 0, stopped)
	assert.Equal(t, BackendKind("local-primary"), s.Active())
}

func TestModelProviderSwitchSameKindDoesNotStop(t *testing.T) {
	var stopped int
	s := NewModelProviderSwitch([]BackendKind{"local-primary"}, func(BackendKind) { stopped++ }, nil)

	ctx := context.Background()
	s.RequestBridge(ctx, "local-primary")
	s.RequestBridge(ctx, "local-primary")

	assert.Equal(t, 0, stopped)
}
