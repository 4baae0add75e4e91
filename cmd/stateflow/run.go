package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/stateflow-go/flow"
	"github.com/dshills/stateflow-go/flow/agent"
	"github.com/dshills/stateflow-go/flow/emit"
	"github.com/dshills/stateflow-go/flow/jsonval"
	"github.com/dshills/stateflow-go/flow/model"
	"github.com/dshills/stateflow-go/flow/model/anthropic"
	"github.com/dshills/stateflow-go/flow/model/google"
	"github.com/dshills/stateflow-go/flow/model/openai"
	"github.com/dshills/stateflow-go/flow/store"
)

type runFlags struct {
	input     string
	inputFile string
	agents    []string
	emitMode  string
	storePath string
	maxSteps  int
	timeout   time.Duration
	seed      int64
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Run a workflow definition to completion",
		Long: `Run loads a definition, binds agents, and drives an execution.

Agent bindings take the form name=provider:model where provider is one
of anthropic, openai, google, or echo. API keys come from
ANTHROPIC_API_KEY, OPENAI_API_KEY, and GOOGLE_API_KEY. Unbound agent
names fail at invocation time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd.Context(), args[0], flags)
		},
	}
	cmd.Flags().StringVar(&flags.input, "input", "{}", "execution input as inline JSON")
	cmd.Flags().StringVar(&flags.inputFile, "input-file", "", "execution input from a JSON file (overrides --input)")
	cmd.Flags().StringArrayVar(&flags.agents, "agent", nil, "agent binding name=provider:model (repeatable)")
	cmd.Flags().StringVar(&flags.emitMode, "emit", "none", "event output: none, text, or json")
	cmd.Flags().StringVar(&flags.storePath, "store", "", "SQLite checkpoint store path")
	cmd.Flags().IntVar(&flags.maxSteps, "max-steps", 1000, "maximum state transitions (0 = unlimited)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "wall-clock execution bound (0 = unbounded)")
	cmd.Flags().Int64Var(&flags.seed, "seed", 0, "seed for deterministic randomness (0 = system entropy)")
	return cmd
}

func runWorkflow(ctx context.Context, path string, flags *runFlags) error {
	def, err := flow.LoadFile(path)
	if err != nil {
		return err
	}

	input, err := readInput(flags)
	if err != nil {
		return err
	}

	registry := flow.NewRegistry()
	costs := flow.NewCostTracker()
	for _, binding := range flags.agents {
		if err := bindAgent(ctx, registry, costs, binding); err != nil {
			return err
		}
	}

	opts := []flow.Option{
		flow.WithMaxSteps(flags.maxSteps),
		flow.WithCostTracker(costs),
	}
	switch flags.emitMode {
	case "text":
		opts = append(opts, flow.WithEmitter(emit.NewLogEmitter(os.Stderr, false)))
	case "json":
		opts = append(opts, flow.WithEmitter(emit.NewLogEmitter(os.Stderr, true)))
	case "none":
	default:
		return fmt.Errorf("unknown emit mode %q", flags.emitMode)
	}
	if flags.storePath != "" {
		st, err := store.NewSQLiteStore(flags.storePath)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()
		opts = append(opts, flow.WithStore(st))
	}
	if flags.timeout > 0 {
		opts = append(opts, flow.WithTimeout(flags.timeout))
	}
	if flags.seed != 0 {
		opts = append(opts, flow.WithEnvironment(flow.SeededEnvironment(flags.seed)))
	}

	runner, err := flow.NewRunner(def, registry, opts...)
	if err != nil {
		return err
	}
	outcome, err := runner.Run(ctx, input)
	if err != nil {
		return err
	}
	return printOutcome(outcome)
}

func readInput(flags *runFlags) (any, error) {
	raw := []byte(flags.input)
	if flags.inputFile != "" {
		data, err := os.ReadFile(flags.inputFile)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	input, err := jsonval.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	return input, nil
}

func bindAgent(ctx context.Context, registry *flow.Registry, costs *flow.CostTracker, binding string) error {
	name, target, ok := strings.Cut(binding, "=")
	if !ok {
		return fmt.Errorf("agent binding %q must be name=provider:model", binding)
	}
	provider, modelName, _ := strings.Cut(target, ":")

	var chat model.ChatModel
	switch provider {
	case "anthropic":
		chat = anthropic.New(os.Getenv("ANTHROPIC_API_KEY"), modelName)
	case "openai":
		chat = openai.New(os.Getenv("OPENAI_API_KEY"), modelName)
	case "google":
		g, err := google.New(ctx, os.Getenv("GOOGLE_API_KEY"), modelName)
		if err != nil {
			return err
		}
		chat = g
	case "echo":
		chat = model.NewMockChat(modelName)
	case "http":
		registry.Register(name, agent.NewHTTP(nil))
		return nil
	default:
		return fmt.Errorf("unknown provider %q in binding %q", provider, binding)
	}
	registry.Register(name, agent.NewChatAgent(chat, costs))
	return nil
}

func printOutcome(outcome *flow.Outcome) error {
	fmt.Fprintf(os.Stdout, "status: %s\n", outcome.Status)
	if outcome.Status == flow.StatusFailed {
		fmt.Fprintf(os.Stdout, "error: %s\ncause: %s\n", outcome.ErrorCode, outcome.Cause)
	}
	if outcome.Status == flow.StatusSuspended {
		fmt.Fprintf(os.Stdout, "reason: %s\nresume token: %s\n", outcome.SuspendReason, outcome.ResumeToken)
	}
	if outcome.Totals.Tokens > 0 || outcome.Totals.Cost > 0 {
		fmt.Fprintf(os.Stdout, "tokens: %d cost: $%.4f\n", outcome.Totals.Tokens, outcome.Totals.Cost)
	}
	fmt.Fprintln(os.Stdout, "output:", jsonval.EncodeString(outcome.Output))
	if outcome.Status == flow.StatusFailed {
		return fmt.Errorf("execution failed with %s", outcome.ErrorCode)
	}
	return nil
}
