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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tombee/dispatchd/internal/app"
	"github.com/tombee/dispatchd/internal/dispatch"
	"github.com/tombee/dispatchd/internal/log"
)

func newServeCommand() *cobra.Command {
	var sqliteDSN string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, log buffer, idle scheduler and config watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), sqliteDSN)
		},
	}
	cmd.Flags().StringVar(&sqliteDSN, "sqlite-dsn", "", "SQLite DSN for the log sink (default: file:dispatch.db?_pragma=journal_mode(WAL))")
	return cmd
}

func runServe(parent context.Context, sqliteDSN string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(app.Options{
		ConfigPath: configPath,
		SQLiteDSN:  sqliteDSN,
	})
	if err != nil {
		return fmt.Errorf("dispatchd: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusPayloadFor(a.Dispatcher))
	})

	statusLogger := log.WithComponent(a.Logger, "status-server")

	server := &http.Server{Addr: statusAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			statusLogger.Error("status endpoint exited", slog.Any("error", err))
		}
	}()

	a.Logger.Info("dispatchd serving", slog.String("status_addr", statusAddr))

	runErr := make(chan error, 1)
	go func() { runErr <- a.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil {
			a.Logger.Error("dispatch core exited early", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	a.Shutdown()
	return nil
}

// statusPayload is the JSON body served at /status, consumed by the
// `dispatchd status` subcommand.
type statusPayload struct {
	Active []dispatch.CommandSnapshot `json:"active"`
}

func statusPayloadFor(d *dispatch.Dispatcher) statusPayload {
	return statusPayload{Active: d.GetActiveCommands()}
}
