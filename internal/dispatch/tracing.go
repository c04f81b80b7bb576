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

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span is the minimal interface execute() needs from an open span,
// letting Tracer be nil-safe.
type Span interface {
	End(success bool, message string)
}

// Tracer wraps an otel trace.Tracer, one span per command execution
// (including all of its retry attempts), grounded on the teacher's
// internal/tracing package.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps t for use with a Dispatcher.
func NewTracer(t trace.Tracer) *Tracer {
	return &Tracer{tracer: t}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End(success bool, message string) {
	if success {
		s.span.SetStatus(codes.Ok, "")
	} else {
		s.span.SetStatus(codes.Error, message)
	}
	s.span.End()
}

// StartCommand opens a span named after operationName and returns the
// decorated context plus a Span to close when the command terminates.
func (t *Tracer) StartCommand(ctx context.Context, operationName, runID string) (context.Context, Span) {
	if t == nil || t.tracer == nil {
		return ctx, nopSpan{}
	}
	ctx, span := t.tracer.Start(ctx, operationName,
		trace.WithAttributes(attribute.String("dispatch.run_id", runID)))
	return ctx, otelSpan{span: span}
}

type nopSpan struct{}

func (nopSpan) End(bool, string) {}
