// Copyright 2025 CouncilFlow
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
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"councilflow/platform/orchestrator/council"
	"councilflow/platform/orchestrator/llm"
	"councilflow/platform/orchestrator/llm/openrouter"
	"councilflow/platform/shared/logger"
)

// validateCmd returns the command that checks a council document.
func validateCmd() *cobra.Command {
	var maxNodes int

	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a council document",
		Long: `Validate a council document (YAML or JSON) against the schema and the
structural rules: unique node ids, known edge endpoints, one chairman at most.

Examples:
  councilctl validate council.yaml
  councilctl validate council.json --max-nodes 5`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := council.LoadSpecFile(args[0])
			if err != nil {
				return err
			}
			limits := council.DefaultLimits()
			limits.MaxNodes = maxNodes

			if err := council.Validate(spec, limits); err != nil {
				var verr *council.ValidationError
				if !errors.As(err, &verr) {
					return err
				}
				for _, p := range verr.Problems {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %s\n", p.Field, p.Message)
				}
				return fmt.Errorf("%s: %d problem(s) found", args[0], len(verr.Problems))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "✅ %s is valid (%d nodes, %d edges)\n", args[0], len(spec.Nodes), len(spec.Edges))
			return nil
		},
	}

	cmd.Flags().IntVar(&maxNodes, "max-nodes", council.DefaultLimits().MaxNodes, "Maximum number of nodes")
	return cmd
}

// orderCmd returns the command that prints the Stage 1 execution order.
func orderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order FILE",
		Short: "Print the execution order of a council",
		Long: `Print the order in which council nodes answer. Nodes run after every
node with an edge into them; ties are broken by speaking_order, then id.
A cyclic council falls back to speaking_order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := council.LoadSpecFile(args[0])
			if err != nil {
				return err
			}
			if err := council.Validate(spec, council.DefaultLimits()); err != nil {
				return err
			}

			models := make(map[string]string, len(spec.Nodes))
			for _, n := range spec.Nodes {
				models[n.ID] = n.Model
			}

			out := cmd.OutOrStdout()
			order := council.ExecutionOrder(spec)
			if order.UsedFallback {
				fmt.Fprintf(out, "⚠️  cycle detected among %v; using speaking order\n", order.Residual)
			}
			for i, id := range order.Order {
				fmt.Fprintf(out, "%d. %s (%s)\n", i+1, id, models[id])
			}
			return nil
		},
	}
	return cmd
}

type runOptions struct {
	offline  bool
	server   string
	budget   float64
	jsonOut  bool
	verbose  bool
	clientID string
}

// runCmd returns the command that executes a council.
func runCmd() *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a council",
		Long: `Run a council and print its final answer.

By default models are called through OpenRouter with OPENROUTER_API_KEY.
--server sends the council to a running orchestrator instead, and
--offline answers every call locally without any model.

Examples:
  councilctl run council.yaml --offline
  councilctl run council.yaml --server http://localhost:8081 --budget 0.25
  OPENROUTER_API_KEY=sk-or-... councilctl run council.yaml --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := council.LoadSpecFile(args[0])
			if err != nil {
				return err
			}
			if opts.budget > 0 {
				spec.BudgetUSD = opts.budget
			}
			if opts.clientID != "" {
				spec.ClientID = opts.clientID
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			progress := cmd.ErrOrStderr()
			var result *council.Result
			if opts.server != "" {
				result, err = runRemote(ctx, opts.server, spec, func(e council.Event) { printEvent(progress, e, opts.verbose) })
			} else {
				result, err = runLocal(ctx, spec, opts, func(e council.Event) { printEvent(progress, e, opts.verbose) })
			}
			if result == nil {
				return err
			}
			if err != nil {
				fmt.Fprintf(progress, "⚠️  %v\n", err)
			}
			return printResult(cmd.OutOrStdout(), result, opts.jsonOut)
		},
	}

	cmd.Flags().BoolVar(&opts.offline, "offline", false, "Answer every model call locally")
	cmd.Flags().StringVar(&opts.server, "server", "", "Orchestrator base URL")
	cmd.Flags().Float64Var(&opts.budget, "budget", 0, "Budget for this run in USD")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "Print the full result as JSON")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print streamed tokens")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "Client id for daily budget accounting")
	cmd.MarkFlagsMutuallyExclusive("offline", "server")
	return cmd
}

func runLocal(ctx context.Context, spec council.Spec, opts runOptions, onEvent func(council.Event)) (*council.Result, error) {
	var gateway llm.Gateway
	if opts.offline {
		gateway = offlineGateway()
	} else {
		apiKey := os.Getenv("OPENROUTER_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("OPENROUTER_API_KEY is required unless --offline or --server is set")
		}
		provider, err := openrouter.NewProvider(openrouter.Config{
			APIKey:  apiKey,
			BaseURL: os.Getenv("OPENROUTER_BASE_URL"),
			Title:   "councilctl",
		})
		if err != nil {
			return nil, err
		}
		gateway = llm.NewRetryingGateway(provider, llm.DefaultRetryConfig())
	}

	exec := council.NewExecutor(gateway, council.Config{}, council.Options{
		Logger:     logger.Discard("council"),
		CostLogger: log.New(io.Discard, "", 0),
	})
	return exec.Execute(ctx, spec, council.FuncSink(onEvent))
}

func printEvent(w io.Writer, e council.Event, verbose bool) {
	switch e.Type {
	case council.EventStageStarted:
		fmt.Fprintf(w, "▶ stage %s\n", e.Stage)
	case council.EventStageSkipped:
		fmt.Fprintf(w, "⏭  stage %s skipped: %s\n", e.Stage, e.Reason)
	case council.EventGraphFallback:
		fmt.Fprintf(w, "⚠️  cycle detected; order %v\n", e.Order)
	case council.EventNodeToken:
		if verbose {
			fmt.Fprint(w, e.Content)
		}
	case council.EventNodeCompleted:
		if verbose {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "  ✓ %s (%d tokens, $%.4f)\n", e.NodeID, e.InputTokens+e.OutputTokens, e.CostUSD)
	case council.EventNodeFailed:
		fmt.Fprintf(w, "  ✗ %s: %s\n", e.NodeID, e.Reason)
	case council.EventNodeSkipped:
		fmt.Fprintf(w, "  - %s skipped: %s\n", e.NodeID, e.Reason)
	case council.EventExecutionCompleted:
		fmt.Fprintf(w, "■ %s, total $%.4f\n", e.Outcome, e.TotalCostUSD)
	case council.EventExecutionAborted:
		fmt.Fprintf(w, "■ aborted: %s\n", e.Reason)
	}
}

func printResult(w io.Writer, result *council.Result, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if result.Title != "" {
		fmt.Fprintf(w, "# %s\n\n", result.Title)
	}
	fmt.Fprintln(w, result.FinalAnswer)
	if result.Degraded {
		fmt.Fprintln(w, "\n(degraded: the chairman did not answer; this is the best-ranked council response)")
	}
	return nil
}
