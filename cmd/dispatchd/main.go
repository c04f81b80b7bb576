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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var (
	configPath string
	statusAddr string
)

func main() {
	root := &cobra.Command{
		Use:   "dispatchd",
		Short: "dispatchd runs the command dispatcher and automatic-operations core",
		Long: `dispatchd hosts the scope-serialized command dispatcher, the async
log buffer, idle auto-operations and reactive triggers behind a single
process-local status endpoint. The periodic workers are not started.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "dispatch.yaml", "path to the dispatcher config file")
	root.PersistentFlags().StringVar(&statusAddr, "status-addr", "127.0.0.1:9191", "address the status/metrics HTTP endpoint listens on")

	root.AddCommand(newServeCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newVersionCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("dispatchd %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}
