package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"taskrun/pkg/config"
	"taskrun/pkg/observability"
	"taskrun/pkg/orchestrator"
	"taskrun/pkg/protocol"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// runFlags holds the command-line overrides for `taskrun run`.
type runFlags struct {
	worker     string
	workerArgs []string
	task       string
	configPath string
	envFile    string
	port       int
	codec      string
	logLevel   string
	watch      bool
	resultOut  string
}

func newRunCmd() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one task on a fresh worker process",
		Long: "Launches the worker, sends it the task and waits for its result.\n" +
			"Ctrl-C asks the worker to stop, then terminates it after a grace period.\n" +
			"Exit status: 0 on success, 1 on failure, 130 when aborted.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, f)
			if err != nil {
				return err
			}
			logger, err := observability.SetupLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("set up logging: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ocfg, err := orchestrator.FromConfig(cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printer := newEventPrinter(out, isTTY(out))
			o := orchestrator.New(ocfg, printer)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			runOnce := func(ctx context.Context) orchestrator.Outcome {
				task, err := loadTask(f.task, cmd.InOrStdin())
				if err != nil {
					logger.Error("load task", zap.Error(err))
					failed := orchestrator.Outcome{State: protocol.StateFailed, ExitCode: -1, Err: err}
					printer.RunFinished(failed)
					return failed
				}
				outcome := o.Run(ctx, task)
				if outcome.Result != nil && f.resultOut != "" {
					if err := writeResult(f.resultOut, outcome.Result, out); err != nil {
						logger.Error("write result", zap.Error(err))
					}
				}
				return outcome
			}

			var outcome orchestrator.Outcome
			if f.watch {
				outcome, err = watchTask(ctx, f.task, o, runOnce, logger)
				if err != nil {
					return err
				}
			} else {
				outcome = runOnce(ctx)
			}
			return outcomeError(outcome)
		},
	}

	cmd.Flags().StringVar(&f.worker, "worker", "", "worker executable (overrides worker.path)")
	cmd.Flags().StringArrayVar(&f.workerArgs, "worker-arg", nil, "argument passed to the worker before the port (repeatable)")
	cmd.Flags().StringVarP(&f.task, "task", "t", "", "task payload file (.json, .yaml, .toml) or - for stdin")
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	cmd.Flags().StringVar(&f.envFile, "env-file", ".env", "dotenv file with TASKRUN_* settings")
	cmd.Flags().IntVar(&f.port, "port", 0, "first loopback port to try (overrides start_port)")
	cmd.Flags().StringVar(&f.codec, "codec", "", "payload codec: json or cbor")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", false, "re-run whenever the task file changes")
	cmd.Flags().StringVarP(&f.resultOut, "result-out", "o", "", "write the decoded result as JSON to this file (- for stdout)")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

// resolveConfig layers flags over config.Resolve.
func resolveConfig(cmd *cobra.Command, f runFlags) (config.Config, error) {
	cfg, err := config.Resolve(f.configPath, f.envFile)
	if err != nil {
		return config.Config{}, err
	}
	flags := cmd.Flags()
	if flags.Changed("worker") {
		cfg.Worker.Path = f.worker
	}
	if flags.Changed("worker-arg") {
		cfg.Worker.Args = f.workerArgs
	}
	if flags.Changed("port") {
		cfg.StartPort = f.port
	}
	if flags.Changed("codec") {
		cfg.Codec = f.codec
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if cfg.Worker.Path == "" {
		return config.Config{}, errors.New("no worker configured: pass --worker or set worker.path")
	}
	if f.watch && f.task == "-" {
		return config.Config{}, errors.New("--watch needs a task file, not stdin")
	}
	return cfg, nil
}

// outcomeError maps a finished run to the command's exit status.
func outcomeError(out orchestrator.Outcome) error {
	switch {
	case out.Success():
		return nil
	case out.Aborted():
		return &exitCodeError{code: exitAborted}
	default:
		return &exitCodeError{code: exitFailed}
	}
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
