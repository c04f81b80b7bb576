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
	"regexp"
	"strings"
	"sync"
	"time"
)

// LogResult is the derived or explicit verdict attached to a LogEntry.
type LogResult string

const (
	ResultSuccess LogResult = "SUCCESS"
	ResultFailed  LogResult = "FAILED"
)

// Model-traffic categories never get a content-derived result: payloads
// may legitimately contain failure vocabulary (spec §4.4).
const (
	CategoryModelPrompt     = "ModelPrompt"
	CategoryModelCompletion = "ModelCompletion"
	CategoryModelRequest    = "ModelRequest"
	CategoryModelResponse   = "ModelResponse"
	CategoryCommand         = "Command"
)

var modelTrafficCategories = map[string]bool{
	CategoryModelPrompt:     true,
	CategoryModelCompletion: true,
	CategoryModelRequest:    true,
	CategoryModelResponse:   true,
}

// alwaysPersistedCategories are persisted regardless of the otherLogs
// config flag (spec §4.4 "Category persistence filter").
var alwaysPersistedCategories = map[string]bool{
	CategoryCommand:         true,
	CategoryModelPrompt:     true,
	CategoryModelCompletion: true,
	CategoryModelRequest:    true,
	CategoryModelResponse:   true,
}

// broadcastAllowList restricts live broadcast independently of
// persistence.
var broadcastAllowList = map[string]bool{
	CategoryCommand:         true,
	CategoryModelCompletion: true,
	"General":               true,
}

// LogEntry is the structured record spec §3 defines.
type LogEntry struct {
	Timestamp        time.Time
	Level            string
	Category         string
	Message          string
	Exception        string
	ThreadID         int64
	ThreadScope      string
	StoryCorrelation string
	AgentName        string
	ModelName        string
	StepNumber       *int
	MaxStep          *int
	ChatText         string
	Result           LogResult
	ResultFailReason string
	Examined         bool
}

// LogSink persists flushed entries to the external log table. Grounded
// on the teacher's embedded-sqlite backend (internal/controller/backend/sqlite).
type LogSink interface {
	AppendLogEntries(ctx context.Context, entries []LogEntry) error
	MarkLatestModelResponseResult(ctx context.Context, threadID int64, result LogResult, failReason string, examined bool) error
}

// AsyncLogBufferConfig mirrors the customLogger.* configuration surface.
type AsyncLogBufferConfig struct {
	BatchSize         int
	FlushInterval     time.Duration
	LogRequestResponse bool
	LogToolResponses   bool
	OtherLogs          bool
}

// DefaultAsyncLogBufferConfig matches the teacher's conservative
// defaults: small batches, frequent flush.
func DefaultAsyncLogBufferConfig() AsyncLogBufferConfig {
	return AsyncLogBufferConfig{
		BatchSize:          25,
		FlushInterval:      2 * time.Second,
		LogRequestResponse: true,
		LogToolResponses:   false,
		OtherLogs:          false,
	}
}

// AsyncLogBuffer is the buffered structured logger of spec §4.4.
type AsyncLogBuffer struct {
	cfg      AsyncLogBufferConfig
	sink     LogSink
	notifier Notifier
	logger   *slog.Logger

	mu      sync.Mutex
	pending []LogEntry

	flushSem   chan struct{} // capacity 1: non-blocking try-acquire
	insideFlush atomic32

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// atomic32 is a minimal re-entrancy guard for the flush path (spec §9
// "re-entrant logging"): logger methods called from within flush must
// not themselves trigger another flush.
type atomic32 struct {
	mu sync.Mutex
	v  bool
}

func (a *atomic32) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomic32) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// NewAsyncLogBuffer constructs a buffer flushing to sink every
// cfg.FlushInterval or whenever cfg.BatchSize entries accumulate
// (best-effort, opportunistic — see Log).
func NewAsyncLogBuffer(cfg AsyncLogBufferConfig, sink LogSink, notifier Notifier, logger *slog.Logger) *AsyncLogBuffer {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	b := &AsyncLogBuffer{
		cfg:      cfg,
		sink:     sink,
		notifier: notifier,
		logger:   logger,
		flushSem: make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	b.flushSem <- struct{}{}
	return b
}

// Run starts the periodic flush loop; it returns once ctx is cancelled
// or Close is called.
func (b *AsyncLogBuffer) Run(ctx context.Context) {
	defer close(b.done)
	interval := b.cfg.FlushInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.flush(context.Background())
			return
		case <-b.stop:
			b.flush(context.Background())
			return
		case <-ticker.C:
			b.flush(ctx)
		}
	}
}

// Close stops the flush loop and waits for it to exit.
func (b *AsyncLogBuffer) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

// Log enqueues a structured entry decorated with the caller's current
// LogScope frame. If the buffer reaches BatchSize, a flush is scheduled
// opportunistically; Log itself never blocks.
func (b *AsyncLogBuffer) Log(ctx context.Context, level, category, message, exception string, result *LogResult) {
	frame := CurrentFrame(ctx)
	entry := LogEntry{
		Timestamp:        time.Now().UTC(),
		Level:            level,
		Category:         category,
		Message:          message,
		Exception:        exception,
		ThreadID:         frame.OperationID,
		StoryCorrelation: frame.StoryCorrelation,
		AgentName:        frame.AgentName,
		StepNumber:       frame.StepNumber,
		MaxStep:          frame.MaxStep,
	}
	if result != nil {
		entry.Result = *result
	} else {
		entry.Result = deriveResult(level, category, message)
	}

	b.append(entry)
}

func (b *AsyncLogBuffer) append(entry LogEntry) {
	b.mu.Lock()
	b.pending = append(b.pending, entry)
	shouldFlush := len(b.pending) >= maxInt(b.cfg.BatchSize, 1)
	b.mu.Unlock()

	if b.notifier != nil && broadcastAllowList[entry.Category] {
		go b.notifier.Broadcast(context.Background(), "logs", entry)
	}

	if shouldFlush && !b.insideFlush.get() {
		go b.flush(context.Background())
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// LogPrompt logs an outbound model request, excerpting the last user
// message into ChatText.
func (b *AsyncLogBuffer) LogPrompt(ctx context.Context, modelName string, messages []ModelMessage) {
	if !b.cfg.LogRequestResponse {
		return
	}
	excerpt := lastUserMessage(messages)
	frame := CurrentFrame(ctx)
	b.append(LogEntry{
		Timestamp:  time.Now().UTC(),
		Level:      "info",
		Category:   CategoryModelPrompt,
		Message:    "model prompt",
		ThreadID:   frame.OperationID,
		ModelName:  modelName,
		ChatText:   excerpt,
		StepNumber: frame.StepNumber,
		MaxStep:    frame.MaxStep,
	})
}

// LogResponse logs an inbound model response. If resp.Role is "tool"
// and tool-response logging is disabled, the entry is dropped.
func (b *AsyncLogBuffer) LogResponse(ctx context.Context, modelName string, resp ModelResponse) {
	if resp.Role == "tool" && !b.cfg.LogToolResponses {
		return
	}
	excerpt := resp.Content
	if len(resp.ToolCalls) > 0 {
		excerpt = strings.Join(resp.ToolCalls, "; ")
	}
	frame := CurrentFrame(ctx)
	b.append(LogEntry{
		Timestamp:  time.Now().UTC(),
		Level:      "info",
		Category:   CategoryModelCompletion,
		Message:    "model response",
		ThreadID:   frame.OperationID,
		ModelName:  modelName,
		ChatText:   excerpt,
		StepNumber: frame.StepNumber,
		MaxStep:    frame.MaxStep,
	})
}

// LogRequestJSON logs a raw outbound request payload under the
// ModelRequest category.
func (b *AsyncLogBuffer) LogRequestJSON(ctx context.Context, modelName, payload string) {
	if !b.cfg.LogRequestResponse {
		return
	}
	frame := CurrentFrame(ctx)
	b.append(LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     "debug",
		Category:  CategoryModelRequest,
		Message:   "model request payload",
		ThreadID:  frame.OperationID,
		ModelName: modelName,
		ChatText:  payload,
	})
}

// LogResponseJSON logs a raw inbound response payload under the
// ModelResponse category.
func (b *AsyncLogBuffer) LogResponseJSON(ctx context.Context, modelName, payload string, toolRole bool) {
	if toolRole && !b.cfg.LogToolResponses {
		return
	}
	frame := CurrentFrame(ctx)
	b.append(LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     "debug",
		Category:  CategoryModelResponse,
		Message:   "model response payload",
		ThreadID:  frame.OperationID,
		ModelName: modelName,
		ChatText:  payload,
	})
}

// MarkLatestModelResponseResult updates the most recently persisted
// model-response row for the current operation id with a verdict. The
// update is applied directly to the sink rather than queued, since it
// targets an already-flushed row.
func (b *AsyncLogBuffer) MarkLatestModelResponseResult(ctx context.Context, result LogResult, failReason string, examined bool) error {
	if b.sink == nil {
		return nil
	}
	frame := CurrentFrame(ctx)
	return b.sink.MarkLatestModelResponseResult(ctx, frame.OperationID, result, failReason, examined)
}

// flush persists the pending batch. Overlapping flushes postpone
// (non-blocking try-acquire) rather than queue. On persistence failure
// the batch is reinserted at the head, preserving order.
func (b *AsyncLogBuffer) flush(ctx context.Context) {
	select {
	case <-b.flushSem:
	default:
		return
	}
	defer func() { b.flushSem <- struct{}{} }()

	b.insideFlush.set(true)
	defer b.insideFlush.set(false)

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	persistable := make([]LogEntry, 0, len(batch))
	for _, e := range batch {
		if alwaysPersistedCategories[e.Category] || b.cfg.OtherLogs {
			persistable = append(persistable, e)
		}
	}

	if len(persistable) == 0 || b.sink == nil {
		return
	}

	if err := b.sink.AppendLogEntries(ctx, persistable); err != nil {
		b.logger.Error("log buffer flush failed, re-queuing batch", slog.Any("error", err))
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return
	}

	if b.notifier != nil {
		go b.notifier.Broadcast(context.Background(), "log_entries_appended", persistable)
	}
}

var failureWords = regexp.MustCompile(`(?i)\b(fail|failed|failure|error|errors|exception)\b`)
var successWords = regexp.MustCompile(`(?i)\b(success|successful|completed|passed)\b`)

// deriveResult implements spec §4.4's derivation rules when Log is
// called without an explicit result.
func deriveResult(level, category, message string) LogResult {
	if modelTrafficCategories[category] {
		return ""
	}
	lvl := strings.ToLower(level)
	if lvl == "error" || lvl == "fatal" {
		return ResultFailed
	}
	if failureWords.MatchString(message) {
		return ResultFailed
	}
	if successWords.MatchString(message) {
		return ResultSuccess
	}
	return ""
}

func lastUserMessage(messages []ModelMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content
		}
	}
	if len(messages) > 0 {
		return messages[len(messages)-1].Content
	}
	return ""
}
