package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/remote-sandbox/client/internal/buffer"
	"github.com/remote-sandbox/client/internal/model"
	"github.com/remote-sandbox/client/internal/recorder"
)

type runOptions struct {
	username string
	password string
	record   string
	timeout  time.Duration
}

func newRunCmd(global *globalOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [file|-]",
		Short: "Run a script on the sandbox and stream its output",
		Long: `Connects, registers (recovering the stored client id when possible),
submits the script and streams its output to stdout. The script is read from
the named file, or from stdin when the argument is "-" or omitted.

The exit status is non-zero when the run fails for any reason.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, args, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.username, "username", "", "login username when the peer requires login")
	cmd.Flags().StringVar(&opts.password, "password", "", "login password when the peer requires login")
	cmd.Flags().StringVar(&opts.record, "record", "", "write an asciicast recording of the output to this file")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

func readScript(cmd *cobra.Command, args []string) (string, error) {
	var (
		content []byte
		err     error
	)
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(cmd.InOrStdin())
	} else {
		content, err = os.ReadFile(args[0])
	}
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	if len(content) == 0 {
		return "", errors.New("script is empty")
	}
	return string(content), nil
}

func runScript(cmd *cobra.Command, args []string, global *globalOptions, opts *runOptions) error {
	cfg, err := loadConfig(cmd, global)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	script, err := readScript(cmd, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	var rec *recorder.Recorder
	if opts.record != "" {
		rec, err = recorder.Create(opts.record, "sandbox-client run")
		if err != nil {
			return err
		}
		defer rec.Close()
	}

	stdout := cmd.OutOrStdout()
	output := buffer.NewOutputBuffer(buffer.DefaultCapacity)
	sink := func(fragment string) {
		output.Append(fragment)
		fmt.Fprint(stdout, fragment)
		if rec != nil {
			if err := rec.Output(fragment); err != nil {
				logger.Warn("failed to record output", zap.Error(err))
			}
		}
	}

	a, err := newApp(cfg, logger, sink)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.start(ctx); err != nil {
		return err
	}

	if cfg.Peer.RequireLogin {
		if err := login(ctx, a, opts); err != nil {
			return err
		}
	}
	if err := a.manager.WaitReady(ctx); err != nil {
		return fmt.Errorf("session not ready: %w", err)
	}

	// Output from before the submission belongs to nobody.
	output.Reset()

	call, err := a.manager.SubmitExecution(script)
	if err != nil {
		return err
	}
	message, err := call.Wait(ctx)
	if err != nil {
		return fmt.Errorf("execution failed: %w", err)
	}

	logger.Debug("execution finished",
		zap.Int("output_bytes", output.Len()),
		zap.Int("dropped_bytes", output.Dropped()),
	)
	fmt.Fprintln(stdout, message)
	return nil
}

// login waits until the peer asks for credentials and submits them. A
// session that goes straight to registration needs no login.
func login(ctx context.Context, a *app, opts *runOptions) error {
	snap, err := a.manager.WaitFor(ctx, func(s model.Snapshot) bool {
		return s.State == model.StateAwaitingLogin || s.State == model.StateReady ||
			s.State == model.StateRegistrationFailed
	})
	if err != nil {
		return fmt.Errorf("session not ready: %w", err)
	}
	if snap.State != model.StateAwaitingLogin {
		return nil
	}
	if opts.username == "" {
		return errors.New("the peer requires login: pass --username and --password")
	}

	call, err := a.manager.SubmitLogin(model.Credentials{Username: opts.username, Password: opts.password})
	if err != nil {
		return err
	}
	result, err := call.Wait(ctx)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("login rejected: %s", result.Message)
	}
	return nil
}
