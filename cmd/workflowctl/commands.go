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
	"io"
	"os"

	"github.com/spf13/cobra"
)

type startRunResponse struct {
	RunID string `json:"runId"`
}

type runView struct {
	RunID  string          `json:"runId"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func newStartCommand() *cobra.Command {
	var inputFile string
	cmd := &cobra.Command{
		Use:   "start <workflow>",
		Short: "Start a new run of a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(inputFile)
			if err != nil {
				return err
			}
			var resp startRunResponse
			if err := doRequest("POST", "/v1/workflows/"+args[0]+"/runs", json.RawMessage(body), &resp); err != nil {
				return err
			}
			fmt.Println(resp.RunID)
			return nil
		},
	}
	cmd.Flags().StringVar(&inputFile, "input-file", "-", "JSON input file, or '-' for stdin")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a run's current status and output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view runView
			if err := doRequest("GET", "/v1/runs/"+args[0], nil, &view); err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(view, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRequest("POST", "/v1/runs/"+args[0]+"/cancel", map[string]string{"reason": reason}, nil)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cancelled via workflowctl", "cancellation reason recorded on the run")
	return cmd
}

func newResumeHookCommand() *cobra.Command {
	var inputFile string
	cmd := &cobra.Command{
		Use:   "resume-hook <token>",
		Short: "Deliver a payload to a suspended hook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(inputFile)
			if err != nil {
				return err
			}
			return doRequest("POST", "/v1/hooks/"+args[0]+"/resume", json.RawMessage(body), nil)
		},
	}
	cmd.Flags().StringVar(&inputFile, "input-file", "-", "JSON payload file, or '-' for stdin")
	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
