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

// Package app wires the dispatch primitives (Dispatcher, AsyncLogBuffer,
// IdleAutoOperations, TriggerManager, ConfigWatcher) into one process,
// grounded on the teacher's internal/daemon.Daemon assembly.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/tombee/dispatchd/internal/dispatch"
	"github.com/tombee/dispatchd/internal/log"
)

// App owns every long-running component started by `dispatchd serve`.
// Concrete idle-task and reactive-trigger definitions belong to the
// embedding content-generation platform, not this core; App wires the
// primitives and leaves TaskBuilder/EnvBuilder/Trigger registration to
// callers of NewApp.
type App struct {
	Logger     *slog.Logger
	Dispatcher *dispatch.Dispatcher
	LogBuffer  *dispatch.AsyncLogBuffer
	IdleOps    *dispatch.IdleAutoOperations
	Triggers   *dispatch.TriggerManager
	Config     *dispatch.ConfigWatcher
	Metrics    *dispatch.Metrics
	Tracer     *dispatch.Tracer

	sink   *dispatch.SQLiteLogSink
	cancel context.CancelFunc
}

// Options configures NewApp.
type Options struct {
	ConfigPath  string
	SQLiteDSN   string
	Registerer  prometheus.Registerer
	TaskBuilder dispatch.TaskBuilder
	EnvBuilder  dispatch.EnvBuilder
	Triggers    []*dispatch.Trigger
}

// NewApp constructs and wires, but does not start, the dispatch core.
func NewApp(opts Options) (*App, error) {
	logger := log.New(log.FromEnv())

	watcher, err := dispatch.NewConfigWatcher(opts.ConfigPath, log.WithComponent(logger, "config"))
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}
	cfg := watcher.Current()

	registerer := opts.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	metrics := dispatch.NewMetrics(registerer)
	tracer := dispatch.NewTracer(otel.Tracer("dispatchd"))

	dsn := opts.SQLiteDSN
	if dsn == "" {
		dsn = "file:dispatch.db?_pragma=journal_mode(WAL)"
	}
	sink, err := dispatch.OpenSQLiteLogSink(dsn)
	if err != nil {
		return nil, fmt.Errorf("app: open log store: %w", err)
	}

	d := dispatch.NewDispatcher(
		dispatch.WithLogger(log.WithComponent(logger, "dispatcher")),
		dispatch.WithPolicyResolver(dispatch.NewCommandPolicyResolver(cfg.PolicySet())),
		dispatch.WithInstrumentation(metrics, tracer),
	)

	logBuffer := dispatch.NewAsyncLogBuffer(cfg.LoggerConfig(), sink, dispatch.NopNotifier{}, log.WithComponent(logger, "log-buffer"))

	taskBuilder := opts.TaskBuilder
	if taskBuilder == nil {
		taskBuilder = func(context.Context) []dispatch.IdleTask { return nil }
	}
	idleOps := dispatch.NewIdleAutoOperations(d, func() dispatch.IdleAutoOperationsConfig {
		return watcher.Current().IdleConfig()
	}, taskBuilder, log.WithComponent(logger, "idle-ops"))

	triggers := dispatch.NewTriggerManager(d, opts.EnvBuilder, log.WithComponent(logger, "triggers"))
	for _, t := range opts.Triggers {
		if err := triggers.Register(t); err != nil {
			return nil, fmt.Errorf("app: register trigger %s: %w", t.Name, err)
		}
	}

	watcher.OnChange(func(next *dispatch.Config) {
		d.ReloadPolicies(next.PolicySet())
	})

	return &App{
		Logger:     logger,
		Dispatcher: d,
		LogBuffer:  logBuffer,
		IdleOps:    idleOps,
		Triggers:   triggers,
		Config:     watcher,
		Metrics:    metrics,
		Tracer:     tracer,
		sink:       sink,
	}, nil
}

// Run starts the background loops (log buffer flush, idle scheduler,
// config file watch) and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	defer cancel()

	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	go a.LogBuffer.Run(ctx)
	go a.IdleOps.Run(ctx)
	go func() {
		if err := a.Config.Watch(stop); err != nil {
			a.Logger.Error("config watcher exited", slog.Any("error", err))
		}
	}()

	<-ctx.Done()
	return nil
}

// Shutdown drains in-flight commands and releases the log store.
func (a *App) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}
	a.Dispatcher.Shutdown()
	a.LogBuffer.Close()
	_ = a.sink.Close()
}
