package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/agentrun/agent/declarative"
	"github.com/BaSui01/agentrun/internal/metrics"
	"github.com/BaSui01/agentrun/internal/telemetry"
	"github.com/BaSui01/agentrun/workflow"
	"github.com/BaSui01/agentrun/workflow/approval"
	"github.com/BaSui01/agentrun/workflow/budget"
	"github.com/BaSui01/agentrun/workflow/eventlog"
)

const tracerName = "github.com/BaSui01/agentrun/workflow"

type runFlags struct {
	runID       string
	budget      string
	autoApprove string
	output      string
	events      bool
	latency     time.Duration
}

func newRunCommand(a *app) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow",
		Long: `Run loads a workflow definition (YAML or JSON), resolves every agent
spec it references and executes the graph with the built-in echo adapter.

Approval gates are answered on the terminal unless --auto-approve is set.
The command exits non-zero unless every step succeeded.

Examples:
  agentrun run deploy.yaml
  agentrun run deploy.yaml --budget 2.50 --auto-approve approve -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWorkflow(cmd, args[0], f)
		},
	}

	cmd.Flags().StringVar(&f.runID, "run-id", "", "Run ID (random UUID when empty)")
	cmd.Flags().StringVar(&f.budget, "budget", "", "Cost limit for this run, overrides budget.limit")
	cmd.Flags().StringVar(&f.autoApprove, "auto-approve", "", "Answer every approval with approve or reject instead of prompting")
	cmd.Flags().StringVarP(&f.output, "output", "o", "text", "Result format: text or json")
	cmd.Flags().BoolVar(&f.events, "events", false, "Print the run's event log after the result")
	cmd.Flags().DurationVar(&f.latency, "latency", 0, "Simulated latency of each adapter call")
	return cmd
}

func (a *app) runWorkflow(cmd *cobra.Command, path string, f runFlags) error {
	if f.output != "text" && f.output != "json" {
		return fmt.Errorf("unknown output format %q", f.output)
	}
	g, err := workflow.LoadGraphFile(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cl closers
	defer func() {
		if err := cl.close(); err != nil {
			a.logger.Warn("shutdown error", zap.Error(err))
		}
	}()

	if f.budget != "" {
		a.cfg.Budget.Limit = f.budget
	}
	ecfg, err := engineConfig(a.cfg)
	if err != nil {
		return err
	}

	providers, err := telemetry.Init(a.cfg.Telemetry, a.logger)
	if err != nil {
		a.logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	cl.add(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return providers.Shutdown(ctx)
	})

	var collector *metrics.Collector
	if a.cfg.Metrics.Enabled {
		collector = metrics.NewCollector(a.cfg.Metrics.Namespace, a.logger)
		if a.cfg.Metrics.Addr != "" {
			srv, err := serveMetrics(a.cfg.Metrics.Addr, a.logger)
			if err != nil {
				return err
			}
			cl.add(func() error { return srv.Shutdown(context.Background()) })
		}
	}

	store, err := openSpecStore(ctx, a.cfg, a.logger, &cl)
	if err != nil {
		return err
	}
	events, err := openEventLog(ctx, a.cfg, collector, a.logger, &cl)
	if err != nil {
		return err
	}

	var (
		gate     *approval.Gate
		sink     approval.Sink
		terminal *terminalApprover
	)
	if f.autoApprove == "" {
		terminal = newTerminalApprover(cmd.InOrStdin(), cmd.ErrOrStderr(), approverName())
		sink = terminal
	} else {
		decision, err := approval.ParseDecision(f.autoApprove)
		if err != nil {
			return err
		}
		sink = autoApprover(decision, func() *approval.Gate { return gate })
	}
	gate = approval.NewGate(approvalConfig(a.cfg.Approval), nil, sink, a.logger)
	if terminal != nil {
		terminal.bind(gate)
	}

	opts := []workflow.Option{
		workflow.WithLogger(a.logger),
		workflow.WithConfig(ecfg),
		workflow.WithApprovalGate(gate),
		workflow.WithEventLog(events),
		workflow.WithTracer(providers.Tracer(tracerName)),
	}
	if collector != nil {
		opts = append(opts, workflow.WithMetrics(collector))
	}
	if limiter := dispatchLimiter(a.cfg.Engine); limiter != nil {
		opts = append(opts, workflow.WithRateLimiter(limiter))
	}

	resolver := declarative.NewResolver(store, a.cfg.Resolver.MaxDepth, a.logger)
	engine, err := workflow.NewEngine(resolver, workflow.NewProviderRouter(echoAdapter{latency: f.latency}), opts...)
	if err != nil {
		return err
	}

	guard, err := budget.NewGuard(ecfg.Budget, a.logger)
	if err != nil {
		return err
	}
	guard.OnAlert(func(alert budget.Alert) {
		a.logger.Warn("budget alert",
			zap.String("type", string(alert.Type)),
			zap.String("message", alert.Message),
			zap.Float64("utilization", alert.Current),
		)
	})

	runOpts := []workflow.RunOption{workflow.WithBudget(guard)}
	if f.runID != "" {
		runOpts = append(runOpts, workflow.WithRunID(f.runID))
	}

	result, err := engine.Run(ctx, g, runOpts...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if f.output == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		printResult(out, result)
	}

	if f.events {
		if err := printEvents(context.WithoutCancel(ctx), out, events, result.RunID); err != nil {
			return err
		}
	}

	if !result.Succeeded() {
		return fmt.Errorf("run %s finished: %s", result.RunID, result.Reason)
	}
	return nil
}

func approverName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "terminal"
}

func printResult(w io.Writer, r *workflow.RunResult) {
	fmt.Fprintf(w, "run %s (%s): %s in %s\n\n", r.RunID, r.Workflow, r.Reason, r.Duration().Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tATTEMPTS\tCOST\tAGENT\tDETAIL")
	for _, id := range r.Order {
		s := r.Steps[id]
		agent := ""
		if s.Spec != nil {
			agent = s.Spec.ID
		}
		detail := s.SkipReason
		if s.ErrorMessage != "" {
			detail = fmt.Sprintf("%s: %s", s.ErrorCode, s.ErrorMessage)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n", id, s.Status, s.Attempts, s.Cost.String(), agent, detail)
	}
	_ = tw.Flush()

	fmt.Fprintf(w, "\ntotal cost: %s", r.TotalCost.String())
	if !r.Budget.Unlimited {
		fmt.Fprintf(w, " (limit %s, remaining %s)", r.Budget.Limit.String(), r.Budget.Remaining.String())
	}
	fmt.Fprintln(w)
	if r.FailedStep != "" {
		fmt.Fprintf(w, "stopped at: %s\n", r.FailedStep)
	}
}

func printEvents(ctx context.Context, w io.Writer, log eventlog.Log, runID string) error {
	reader, ok := log.(eventlog.Reader)
	if !ok {
		fmt.Fprintln(w, "\nevent log driver does not keep events")
		return nil
	}
	events, err := reader.Read(ctx, runID)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tSTEP\tTRANSITION\tCODE")
	for _, ev := range events {
		transition := ""
		if ev.From != "" || ev.To != "" {
			transition = ev.From + " -> " + ev.To
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.Type, ev.StepID, transition, ev.Code)
	}
	return tw.Flush()
}
