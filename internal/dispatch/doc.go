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

// Package dispatch implements the command dispatcher and automatic
// operations core: a scope-serialized, priority-ordered work queue with
// retry/backoff, an idle-triggered maintenance scheduler, reactive
// completion triggers, a single-active-backend model provider switch,
// and the async log buffer that correlates all of it.
//
// The package is process-local. It never persists command state across
// restarts; only log rows and domain writes (through the ports in
// ports.go) survive a crash.
package dispatch
