package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	startTimeout = 10 * time.Second
	stopTimeout  = 5 * time.Second
)

func main() {
	log := newLogger("gdb-daemon", os.Stderr, nil)
	root := newRootCmd(log)
	err := root.Execute()
	log.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd(log *Logger) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gdb-daemon",
		Short: "Keeps a gdb session on a pseudo-terminal and serves it over TCP",
		Long: `gdb-daemon runs gdb with --annotate=3 on a pseudo-terminal and lets other
programs drive it through a line based TCP protocol: synchronous commands,
background commands that can be interrupted, and output flushing.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	log.AddLevelFlag(rootCmd.PersistentFlags())

	run := &runOptions{}
	rootCmd.AddCommand(
		newStartCmd(run),
		newStopCmd(),
		newRestartCmd(run),
		newRunCmd(run, log),
		newStatusCmd(),
		newSendCmd(),
		newFrameCmd(),
		newParseCmd(),
	)
	return rootCmd
}

func newStartCmd(run *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return startDaemon(daemonArgs(cmd.Flags()))
		},
	}
	run.addFlags(cmd.Flags())
	return cmd
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopDaemon(cmd.Context())
		},
	}
}

func newRestartCmd(run *runOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop the daemon if it runs, then start it again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := stopDaemon(cmd.Context()); err != nil {
				return err
			}
			return startDaemon(daemonArgs(cmd.Flags()))
		},
	}
	run.addFlags(cmd.Flags())
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon runs and whether gdb is busy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pid := readPid()
			if pid == 0 || !processAlive(pid) {
				fmt.Println("Daemon is not running")
				os.Exit(1)
			}
			addr, err := serverAddr()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
			defer cancel()
			busy, err := (&Client{Addr: addr}).IsBusy(ctx)
			if err != nil {
				fmt.Printf("Daemon is running (pid %d, %s), not answering: %v\n", pid, addr, err)
				return nil
			}
			state := "idle"
			if busy {
				state = "busy"
			}
			fmt.Printf("Daemon is running (pid %d, %s), debugger %s\n", pid, addr, state)
			return nil
		},
	}
}

// daemonArgs turns the flags given to start into arguments for run.
func daemonArgs(fs *pflag.FlagSet) []string {
	args := []string{"run", "--detached"}
	fs.Visit(func(f *pflag.Flag) {
		args = append(args, "--"+f.Name+"="+f.Value.String())
	})
	return args
}

func startDaemon(args []string) error {
	if pid := readPid(); pid != 0 {
		if processAlive(pid) {
			fmt.Printf("Daemon already running (pid %d)\n", pid)
			return nil
		}
	}
	// Stale files from a daemon that died without cleaning up.
	removeStateFiles()

	// Re-exec self with "run", detached from the terminal.
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	cmd := exec.Command(exePath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	// The address file appears once gdb printed its first prompt.
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(startTimeout),
	)
	addr, err := backoff.RetryWithData(func() (string, error) {
		select {
		case <-exited:
			return "", backoff.Permanent(fmt.Errorf("daemon exited during startup, see %s", logPath()))
		default:
		}
		return readAddr()
	}, b)
	if err != nil {
		return err
	}
	fmt.Printf("Daemon started (pid %d, %s)\n", pid, addr)
	return nil
}

func stopDaemon(ctx context.Context) error {
	pid := readPid()
	if pid == 0 || !processAlive(pid) {
		fmt.Println("Daemon not running")
		removeStateFiles()
		return nil
	}

	// Ask nicely first; DIE terminates gdb before the daemon exits.
	if addr, err := serverAddr(); err == nil {
		dieCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err = (&Client{Addr: addr, DialTimeout: time.Second}).Die(dieCtx)
		cancel()
		if err != nil {
			fmt.Fprintf(os.Stderr, "DIE request failed (%v), sending SIGTERM\n", err)
			_ = syscall.Kill(pid, syscall.SIGTERM)
		}
	} else {
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}

	if waitExit(pid, stopTimeout) {
		fmt.Printf("Daemon stopped (was pid %d)\n", pid)
		return nil
	}
	fmt.Fprintf(os.Stderr, "Daemon did not stop within %s, sending SIGKILL\n", stopTimeout)
	_ = syscall.Kill(pid, syscall.SIGKILL)
	if !waitExit(pid, time.Second) {
		return errors.New("daemon survived SIGKILL")
	}
	removeStateFiles()
	return nil
}

func waitExit(pid int, timeout time.Duration) bool {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(200*time.Millisecond),
		backoff.WithMaxElapsedTime(timeout),
	)
	err := backoff.Retry(func() error {
		if processAlive(pid) {
			return errors.New("still running")
		}
		return nil
	}, b)
	return err == nil
}
