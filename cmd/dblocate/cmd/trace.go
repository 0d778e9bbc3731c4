//go:build linux

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/caarlos0/ctrlc"
	"github.com/spf13/cobra"

	"github.com/kaczmarj/dblocate/internal/session"
)

func init() {
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(runCmd)
}

// attachCmd represents the attach command
var attachCmd = &cobra.Command{
	Use:   "attach <pid>",
	Short: "Trace a running process",
	Long: `Attach to every thread of a running process and report the database files
it touches. Press Ctrl-C to detach; the process keeps running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := strconv.Atoi(args[0])
		if err != nil || pid <= 0 {
			return fmt.Errorf("invalid pid %q", args[0])
		}
		_, err = trace(cmd.Context(), session.Attach(pid))
		return err
	},
}

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run -- <program> [args...]",
	Short: "Launch a program and trace it",
	Long: `Start a program under ptrace and report the database files it touches.
Press Ctrl-C to stop; the program is killed. dblocate exits with the
program's exit status.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := trace(cmd.Context(), session.Launch(args))
		if res != nil {
			exitCode = res.ExitCode
		}
		return err
	},
}

// trace runs a session until it ends or the user interrupts it, in which
// case the tracer is cancelled and allowed to clean up before returning.
func trace(parent context.Context, start session.Starter) (*session.Result, error) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var res *session.Result
	var runErr error
	done := make(chan struct{})
	err := ctrlc.Default.Run(ctx, func() error {
		defer close(done)
		res, runErr = session.Run(ctx, cfg, logger, os.Stdout, start)
		return runErr
	})
	if err != nil {
		if errors.As(err, &ctrlc.ErrorCtrlC{}) {
			logger.Warn("interrupted, stopping trace")
		}
		cancel()
		<-done
		return res, runErr
	}
	return res, nil
}
