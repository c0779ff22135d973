package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/randalmurphal/dataflow/pkg/dataflow"
	"github.com/randalmurphal/dataflow/pkg/dataflow/config"
	"github.com/randalmurphal/dataflow/pkg/dataflow/event"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <graph>",
		Short: "Run a graph",
		Long: `Runs a graph with the given inputs and prints one JSON line per output.
A run that needs input it was not given is suspended; with a checkpoint store
configured it can be continued with "dataflow resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, args[0], false)
		},
	}
	addRunFlags(cmd)
	cmd.Flags().Bool("plan", false, "run with the concurrent plan scheduler (acyclic graphs, never suspends)")
	return cmd
}

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <graph>",
		Short: "Continue a checkpointed run",
		Long:  `Loads the latest checkpoint of --run-id and continues the run with the given inputs.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, args[0], true)
		},
	}
	addRunFlags(cmd)
	_ = cmd.MarkFlagRequired("run-id")
	return cmd
}

func addRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayP("input", "i", nil, "input value as key=value; values that parse as JSON are decoded")
	f.String("inputs", "", "file of input values (.yaml, .yml or .json)")
	f.String("db", "", "SQLite checkpoint database")
	f.String("run-id", "", "run id (generated when checkpointing without one)")
	f.Bool("interactive", false, "prompt on stdin for missing inputs instead of suspending")
	f.Bool("events", false, "print every lifecycle event instead of outputs only")
}

// execute runs or resumes the graph at path.
func execute(cmd *cobra.Command, path string, resume bool) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), s.LogLevel)
	if err != nil {
		return err
	}
	inputs, err := collectInputs(cmd)
	if err != nil {
		return err
	}

	g, err := dataflow.LoadFile(path)
	if err != nil {
		return err
	}

	store, err := openStore(s.Store)
	if err != nil {
		return err
	}
	if store != nil {
		defer func() { _ = store.Close() }()
	}

	runID, _ := cmd.Flags().GetString("run-id")
	if store != nil && runID == "" {
		runID = uuid.NewString()
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	allEvents, _ := cmd.Flags().GetBool("events")
	p := newPrinter(cmd.OutOrStdout(), allEvents)
	bus := event.NewBus(event.DefaultBusConfig)
	p.subscribe(bus)

	opts := []dataflow.RunOption{
		dataflow.WithLogger(logger),
		dataflow.WithSink(bus),
		dataflow.WithRunID(runID),
		dataflow.WithMaxIterations(s.MaxIterations),
		dataflow.WithMaxConcurrency(s.MaxConcurrency),
	}
	if interactive, _ := cmd.Flags().GetBool("interactive"); interactive {
		opts = append(opts, dataflow.WithRequestor(promptRequestor(cmd.InOrStdin(), cmd.ErrOrStderr())))
	}

	var r *dataflow.Runner
	switch {
	case resume && store == nil:
		_ = bus.Close()
		return errNoStore
	case resume:
		r, err = dataflow.Resume(ctx, g, store, runID, opts...)
	default:
		if store != nil {
			opts = append(opts, dataflow.WithCheckpointing(store, runID))
		}
		r, err = dataflow.NewRunner(g, opts...)
	}
	if err != nil {
		_ = bus.Close()
		return err
	}

	if usePlan, _ := cmd.Flags().GetBool("plan"); usePlan {
		_, err = r.RunPlan(ctx, inputs)
		_ = bus.Close()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "completed run %s\n", r.RunID())
		return nil
	}

	done, err := r.Run(ctx, inputs)
	_ = bus.Close()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if done {
		fmt.Fprintf(out, "completed run %s\n", r.RunID())
		return nil
	}
	fmt.Fprintf(out, "suspended run %s waiting for %s\n", r.RunID(), strings.Join(p.waitingFor(), ", "))
	if store != nil {
		fmt.Fprintf(out, "continue with: dataflow resume %s --run-id %s --input key=value\n", path, r.RunID())
	}
	return nil
}

// collectInputs merges the --inputs file with --input pairs; pairs win.
func collectInputs(cmd *cobra.Command) (dataflow.Values, error) {
	inputs := dataflow.Values{}

	if file, _ := cmd.Flags().GetString("inputs"); file != "" {
		cfg, err := config.FromFile(file)
		if err != nil {
			return nil, err
		}
		for k, v := range cfg.Raw() {
			inputs[k] = v
		}
	}

	pairs, _ := cmd.Flags().GetStringArray("input")
	parsed, err := parseInputs(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range parsed {
		inputs[k] = v
	}
	return inputs, nil
}

// parseInputs turns key=value pairs into values. A value that is valid JSON
// is decoded ("3" is a number, "[1,2]" a list); anything else is a string.
func parseInputs(pairs []string) (dataflow.Values, error) {
	out := make(dataflow.Values, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("input %q: want key=value", pair)
		}
		out[key] = parseValue(raw)
	}
	return out, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// promptRequestor asks for each missing value on w and reads one line from
// r. An empty line declines, leaving the run to fail on required values.
func promptRequestor(r io.Reader, w io.Writer) dataflow.Requestor {
	reader := bufio.NewReader(r)
	var mu sync.Mutex
	return func(_ context.Context, name string, property *dataflow.Schema) (any, bool, error) {
		mu.Lock()
		defer mu.Unlock()

		label := name
		if property != nil && property.Description != "" {
			label = fmt.Sprintf("%s (%s)", name, property.Description)
		}
		fmt.Fprintf(w, "%s: ", label)

		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, false, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return nil, false, nil
		}
		return parseValue(line), true, nil
	}
}

// printer writes run events as JSON lines. One subscription carries every
// printed type so lines keep stream order.
type printer struct {
	w   io.Writer
	all bool

	mu      sync.Mutex
	waiting []string
}

func newPrinter(w io.Writer, all bool) *printer {
	return &printer{w: w, all: all}
}

func (p *printer) subscribe(bus *event.LocalBus) {
	types := []event.Type{event.Output, event.Input, event.Secret, event.Error}
	if p.all {
		types = nil
	}
	bus.Subscribe(types, p.handle)
}

// outputLine is the compact form printed without --events.
type outputLine struct {
	Type    event.Type     `json:"type"`
	Path    string         `json:"path"`
	Node    string         `json:"node,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Missing []string       `json:"missing,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func (p *printer) handle(_ context.Context, evt event.Lifecycle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if evt.Type == event.Input || evt.Type == event.Secret {
		for _, m := range evt.Missing {
			p.waiting = append(p.waiting, fmt.Sprintf("%s %s at [%s]", evt.Type, m, evt.PathString()))
		}
	}

	var v any = evt
	if !p.all {
		v = outputLine{
			Type:    evt.Type,
			Path:    evt.PathString(),
			Node:    evt.Node,
			Outputs: evt.Outputs,
			Missing: evt.Missing,
			Error:   evt.Error,
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.w, string(data))
	return err
}

// waitingFor lists what a suspended run asked for. Call after the bus is
// closed.
func (p *printer) waitingFor() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waiting) == 0 {
		return []string{"input"}
	}
	return p.waiting
}
