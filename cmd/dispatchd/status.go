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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"
)

var (
	statusHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	statusOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func newStatusCommand() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the active-command table of a running dispatchd",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(statusAddr, query)
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "gojq expression applied to the raw /status JSON before rendering, e.g. '.active[] | select(.Priority < 5)'")
	return cmd
}

func runStatus(addr, query string) error {
	resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return fmt.Errorf("dispatchd status: %w", err)
	}
	defer resp.Body.Close()

	var raw any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("dispatchd status: decode response: %w", err)
	}

	if query != "" {
		return runStatusQuery(raw, query)
	}

	payload, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("dispatchd status: unexpected response shape")
	}
	active, _ := payload["active"].([]any)
	renderStatusTable(active)
	return nil
}

func runStatusQuery(raw any, query string) error {
	q, err := gojq.Parse(query)
	if err != nil {
		return fmt.Errorf("dispatchd status: parse query: %w", err)
	}
	iter := q.Run(raw)
	for {
		v, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := v.(error); ok {
			return fmt.Errorf("dispatchd status: query: %w", err)
		}
		out, _ := json.MarshalIndent(v, "", "  ")
		fmt.Println(string(out))
	}
}

func renderStatusTable(active []any) {
	fmt.Println(statusHeaderStyle.Render(fmt.Sprintf("%-28s %-20s %-10s %-10s %s", "RUN ID", "OPERATION", "SCOPE", "STATUS", "ENQUEUED")))
	if len(active) == 0 {
		fmt.Println(statusMutedStyle.Render("(no active commands)"))
		return
	}
	for _, item := range active {
		row, ok := item.(map[string]any)
		if !ok {
			continue
		}
		status := fmt.Sprintf("%v", row["Status"])
		style := statusOKStyle
		if status == "retrying" || status == "queued" {
			style = statusWarnStyle
		}
		enqueued := ""
		if ts, ok := row["EnqueuedAt"].(string); ok {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				enqueued = t.Format(time.Kitchen)
			}
		}
		fmt.Printf("%-28v %-20v %-10v %s %s\n",
			row["RunID"], row["OperationName"], row["ThreadScope"],
			style.Render(fmt.Sprintf("%-10s", status)), enqueued)
	}
}
