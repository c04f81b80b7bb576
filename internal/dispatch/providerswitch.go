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

	"golang.org/x/time/rate"
)

// BackendKind classifies a model provider. Kinds in the configured
// "local" set are exclusive with one another; everything else is
// treated as external and never stopped by the switch.
type BackendKind string

// StopFunc stops a previously active local backend. Called
// synchronously, under the switch's mutex, before the new backend is
// recorded.
type StopFunc func(kind BackendKind)

// ModelProviderSwitch guards the spec §4.5 invariant: at most one local
// model backend active at a time, grounded on the single-mutex
// "only one active X" pattern in the teacher's
// internal/controller/leader elector.
type ModelProviderSwitch struct {
	mu         sync.Mutex
	localKinds map[BackendKind]bool
	active     BackendKind
	stop       StopFunc
	limiter    *rate.Limiter
}

// NewModelProviderSwitch builds a switch recognizing localKinds as
// mutually-exclusive local backends; stop is invoked to tear down the
// previously active one. An optional rate limiter throttles bridge
// requests so a single noisy scope cannot monopolize local-backend
// switching (spec SPEC_FULL.md domain stack: golang.org/x/time/rate).
func NewModelProviderSwitch(localKinds []BackendKind, stop StopFunc, limiter *rate.Limiter) *ModelProviderSwitch {
	set := make(map[BackendKind]bool, len(localKinds))
	for _, k := range localKinds {
		set[k] = true
	}
	if stop == nil {
		stop = func(BackendKind) {}
	}
	return &ModelProviderSwitch{localKinds: set, stop: stop, limiter: limiter}
}

// RequestBridge ensures kind is the active local backend (stopping any
// different previously-active local backend first) and returns the
// kind that is now active. External kinds pass through untouched and
// never affect state.
func (s *ModelProviderSwitch) RequestBridge(ctx context.Context, kind BackendKind) BackendKind {
	if s.limiter != nil {
		_ = s.limiter.Wait(ctx)
	}

	if !s.localKinds[kind] {
		return kind
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != "" && s.active != kind {
		s.stop(s.active)
	}
	s.active = kind
	return kind
}

// Active reports the currently active local backend kind, or "" if
// none has been requested yet.
func (s *ModelProviderSwitch) Active() BackendKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
