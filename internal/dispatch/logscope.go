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

import "context"

// LogFrame is one entry in a LogScope stack. Unset fields are inherited
// from the parent frame by CurrentFrame when read.
type LogFrame struct {
	Name             string
	OperationID      int64
	StepNumber       *int
	MaxStep          *int
	AgentName        string
	StoryCorrelation string

	parent *LogFrame
}

// resolved merges this frame with its ancestors so that unset fields
// fall back to the nearest enclosing value, per spec §4.3 ("inner
// frames inherit unspecified fields from their parent").
func (f *LogFrame) resolved() LogFrame {
	if f == nil {
		return LogFrame{}
	}
	out := *f
	out.parent = nil
	for p := f.parent; p != nil; p = p.parent {
		if out.Name == "" {
			out.Name = p.Name
		}
		if out.OperationID == 0 {
			out.OperationID = p.OperationID
		}
		if out.StepNumber == nil {
			out.StepNumber = p.StepNumber
		}
		if out.MaxStep == nil {
			out.MaxStep = p.MaxStep
		}
		if out.AgentName == "" {
			out.AgentName = p.AgentName
		}
		if out.StoryCorrelation == "" {
			out.StoryCorrelation = p.StoryCorrelation
		}
	}
	return out
}

type logScopeKey struct{}

// WithFrame pushes a new frame onto the LogScope carried by ctx,
// returning a context for a single logical task. Contexts are
// immutable in Go, so "popping" a frame is simply using the parent
// context again once the pushed scope's lifetime ends — the dispatcher
// does this by holding onto the pre-push context and resuming it before
// firing CommandCompleted (spec §4.3).
//
// Because the frame travels on the context, it does not leak into
// goroutines started without that context: a detached/fire-and-forget
// task must be given context.Background() (or another ancestor) and
// re-push its own frame, matching the spec's "no leakage across task
// boundaries ... unless explicitly re-pushed".
func WithFrame(ctx context.Context, frame LogFrame) context.Context {
	frame.parent, _ = ctx.Value(logScopeKey{}).(*LogFrame)
	f := frame
	return context.WithValue(ctx, logScopeKey{}, &f)
}

// CurrentFrame reads the innermost, field-inherited LogFrame visible on
// ctx. Returns the zero LogFrame if none was ever pushed.
func CurrentFrame(ctx context.Context) LogFrame {
	f, _ := ctx.Value(logScopeKey{}).(*LogFrame)
	return f.resolved()
}

// WithStep returns a context whose innermost frame has StepNumber/MaxStep
// updated, so that subsequent log entries on the returned context carry
// the step without disturbing sibling fields. Dispatcher.UpdateStep does
// not call it; it only updates the command's snapshot fields.
func WithStep(ctx context.Context, current, max int) context.Context {
	cur := CurrentFrame(ctx)
	cur.StepNumber = &current
	cur.MaxStep = &max
	return WithFrame(ctx, cur)
}
