package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/runprogress/internal/app"
	"github.com/JakeFAU/runprogress/internal/config"
	"github.com/JakeFAU/runprogress/internal/coordinator"
	"github.com/JakeFAU/runprogress/internal/runstate"
)

const barWidth = 20

type runFlags struct {
	source    string
	execution string
	unit      string
	target    int64
	steps     int
	noColor   bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start one run and print its progress until it settles.",
		Long: `run starts a single run in the foreground and prints every progress value the
observer reports. Interrupting the command cancels the run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			cfg, err = flags.apply(cmd, cfg)
			if err != nil {
				return err
			}
			printer := newProgressPrinter(cmd.OutOrStdout(), flags.noColor)
			return runOnce(cmd.Context(), cfg, printer)
		},
	}

	cmd.Flags().StringVar(&flags.source, "source", "", "progress source: shared_state or callback")
	cmd.Flags().StringVar(&flags.execution, "execution", "", "execution mode: async or sync")
	cmd.Flags().StringVar(&flags.unit, "unit", "", "work unit: spin or delay")
	cmd.Flags().Int64Var(&flags.target, "target", 0, "progress value that completes the run")
	cmd.Flags().IntVar(&flags.steps, "steps", 0, "number of increments per run")
	cmd.Flags().BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	return cmd
}

// apply overrides cfg with every flag the user set and revalidates it.
func (f runFlags) apply(cmd *cobra.Command, cfg config.Config) (config.Config, error) {
	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Run.Source = f.source
	}
	if flags.Changed("execution") {
		cfg.Run.Execution = f.execution
	}
	if flags.Changed("unit") {
		cfg.Run.Unit = f.unit
	}
	if flags.Changed("target") {
		cfg.Run.Target = f.target
	}
	if flags.Changed("steps") {
		cfg.Run.Steps = f.steps
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// runOnce builds the application, starts a run and blocks until it settles.
// SIGINT and SIGTERM cancel the run.
func runOnce(parent context.Context, cfg config.Config, printer *progressPrinter) error {
	sigCtx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(context.WithoutCancel(parent), cfg, app.WithCallbacks(printer.callbacks()))
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = a.Close(closeCtx)
	}()

	snap, err := driveRun(sigCtx, a.Coordinator())
	if err != nil {
		return err
	}
	return printer.summary(snap)
}

// driveRun starts a run on coord and waits for it to settle. In sync execution
// ctx is the run's cancellation token; in async execution ctx ending cancels
// the run explicitly.
func driveRun(ctx context.Context, coord *coordinator.Coordinator) (runstate.Snapshot, error) {
	if coord.Mode().Execution == coordinator.ExecutionSync {
		snap, err := coord.StartRun(ctx)
		if err != nil {
			return snap, fmt.Errorf("run interrupted: %w", err)
		}
		return snap, nil
	}

	if _, err := coord.StartRun(ctx); err != nil {
		return runstate.Snapshot{}, fmt.Errorf("start run: %w", err)
	}
	settled := make(chan error, 1)
	go func() {
		settled <- coord.Wait(context.Background())
	}()

	select {
	case err := <-settled:
		if err != nil {
			return runstate.Snapshot{}, err
		}
	case <-ctx.Done():
		if err := coord.CancelRun(); err != nil && !errors.Is(err, runstate.ErrNotRunning) {
			return runstate.Snapshot{}, err
		}
		<-settled
	}
	return coord.CurrentProgress(), nil
}

// progressPrinter renders observer callbacks as terminal lines.
type progressPrinter struct {
	mu   sync.Mutex
	out  io.Writer
	info *color.Color
	ok   *color.Color
	warn *color.Color
	bad  *color.Color
}

func newProgressPrinter(out io.Writer, plain bool) *progressPrinter {
	p := &progressPrinter{
		out:  out,
		info: color.New(color.FgCyan),
		ok:   color.New(color.FgGreen, color.Bold),
		warn: color.New(color.FgYellow),
		bad:  color.New(color.FgRed, color.Bold),
	}
	if plain {
		for _, c := range []*color.Color{p.info, p.ok, p.warn, p.bad} {
			c.DisableColor()
		}
	}
	return p
}

func (p *progressPrinter) callbacks() coordinator.Callbacks {
	return coordinator.Callbacks{
		OnProgress: func(current, target int64) {
			p.mu.Lock()
			defer p.mu.Unlock()
			_, _ = p.info.Fprintf(p.out, "progress %s %d/%d\n", bar(current, target), current, target)
		},
		OnComplete: func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			_, _ = p.ok.Fprintln(p.out, "complete")
		},
		OnFailed: func(reason string) {
			p.mu.Lock()
			defer p.mu.Unlock()
			_, _ = p.bad.Fprintf(p.out, "failed: %s\n", reason)
		},
	}
}

// summary prints the settled run and returns an error for failed runs.
func (p *progressPrinter) summary(snap runstate.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := ""
	if snap.StartedAt != nil && snap.FinishedAt != nil {
		elapsed = " in " + snap.FinishedAt.Sub(*snap.StartedAt).Round(time.Millisecond).String()
	}
	line := fmt.Sprintf("run %s %s at %d/%d%s", snap.RunID, snap.Phase, snap.Current, snap.Target, elapsed)

	switch snap.Phase {
	case runstate.PhaseDone:
		_, _ = p.ok.Fprintln(p.out, line)
	case runstate.PhaseCanceled:
		_, _ = p.warn.Fprintln(p.out, line)
	case runstate.PhaseFailed:
		_, _ = p.bad.Fprintf(p.out, "%s: %s\n", line, snap.Reason)
		return fmt.Errorf("run %s failed: %s", snap.RunID, snap.Reason)
	default:
		_, _ = fmt.Fprintln(p.out, line)
	}
	return nil
}

func bar(current, target int64) string {
	filled := 0
	if target > 0 {
		filled = int(current * barWidth / target)
	}
	filled = max(0, min(filled, barWidth))
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "]"
}
