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
	"errors"
	"fmt"
)

// ErrUnknownRunID is returned by WaitForCompletion when the runId has
// never been seen by the dispatcher. The dispatcher fails fast rather
// than blocking, since it keeps no durable registry to wait against.
var ErrUnknownRunID = errors.New("dispatch: unknown run id")

// ErrCancelled is the terminal error surfaced when a command is
// cancelled before or during execution.
var ErrCancelled = errors.New("dispatch: cancelled")

// DuplicateRunIDError is returned by Enqueue when the supplied runId is
// already live (queued, running, or retrying).
type DuplicateRunIDError struct {
	RunID string
}

func (e *DuplicateRunIDError) Error() string {
	return fmt.Sprintf("dispatch: run id %q is already active", e.RunID)
}

// HandlerFailureError wraps a semantic handler failure (CommandResult
// with Success=false) so it can be distinguished from a panic/exception
// at call sites that use errors.As.
type HandlerFailureError struct {
	Message string
}

func (e *HandlerFailureError) Error() string {
	if e.Message == "" {
		return "dispatch: handler reported failure"
	}
	return fmt.Sprintf("dispatch: handler reported failure: %s", e.Message)
}

// ModelToolUnsupportedError is a distinguished handler-level failure a
// ModelClient implementation may surface so a handler can mark the
// model accordingly before re-raising as an ordinary failure.
type ModelToolUnsupportedError struct {
	ModelName string
}

func (e *ModelToolUnsupportedError) Error() string {
	return fmt.Sprintf("dispatch: model %q does not support tool calls", e.ModelName)
}
