package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// runOptions are the flags shared by run, start and restart.
type runOptions struct {
	gdbCommand       string
	listen           string
	queryAnswer      string
	delegateQueries  bool
	onResume         string
	pollInterval     time.Duration
	interruptTimeout time.Duration
	echo             bool
	detached         bool
}

func (o *runOptions) addFlags(fs *pflag.FlagSet) {
	defaults := DefaultServerConfig()
	fs.StringVar(&o.gdbCommand, "gdb-cmd", defaultGdbCommand, "Debugger command line. It must print --annotate=3 markers.")
	fs.StringVar(&o.listen, "listen", defaults.Listen, "TCP address of the control socket. Port 0 picks a free port.")
	fs.StringVar(&o.queryAnswer, "query-answer", "", "Answer every gdb query with this text instead of \"y\". SETQA changes it at runtime.")
	fs.BoolVar(&o.delegateQueries, "delegate-queries", false, "Let the connected SYNC caller answer queries and command-list prompts.")
	fs.StringVar(&o.onResume, "on-resume", "", "Shell command to run whenever an ASYNC command finishes without being interrupted.")
	fs.DurationVar(&o.pollInterval, "poll-interval", defaults.PollInterval, "How long one read from the debugger waits before checking for cancellation.")
	fs.DurationVar(&o.interruptTimeout, "interrupt-timeout", 0, "How long INT waits for gdb to prompt again. 0 waits until it does.")
	fs.BoolVar(&o.echo, "echo", false, "Copy everything gdb prints to standard output.")
}

func (o *runOptions) serverConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Listen = o.listen
	cfg.PollInterval = o.pollInterval
	cfg.InterruptTimeout = o.interruptTimeout
	cfg.DelegateInput = o.delegateQueries
	if o.echo && !o.detached {
		cfg.Sink = os.Stdout
	}
	return cfg
}

func newRunCmd(opts *runOptions, log *Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts, log)
		},
	}
	opts.addFlags(cmd.Flags())
	cmd.Flags().BoolVar(&opts.detached, "detached", false, "Log to the state directory instead of the terminal.")
	_ = cmd.Flags().MarkHidden("detached")
	return cmd
}

// runDaemon spawns the debugger and serves it until DIE or a signal.
func runDaemon(ctx context.Context, opts *runOptions, log *Logger) error {
	if opts.detached {
		if err := os.MkdirAll(stateDir(), 0755); err != nil {
			return err
		}
		logFile, err := os.OpenFile(logPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer logFile.Close()
		fileLog := newLogger("gdb-daemon", io.Discard, logFile)
		defer fileLog.Flush()
		log = fileLog
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	log.Info("daemon starting", "pid", os.Getpid(), "command", opts.gdbCommand)
	proc, err := SpawnProcess(opts.gdbCommand, log.WithName("process"))
	if err != nil {
		return err
	}

	cfg := opts.serverConfig()
	if opts.onResume != "" {
		hookLog := log.WithName("on-resume")
		cfg.OnResume = func() { runHook(opts.onResume, hookLog) }
	}
	dialect := NewGdbDialect(GdbOptions{QueryAnswer: opts.queryAnswer})
	srv := NewServer(cfg, proc, dialect, log.WithName("server"))

	if _, err := srv.Start(ctx); err != nil {
		return errors.Join(err, proc.Terminate())
	}
	if err := writeStateFiles(dialableAddr(srv.Addr())); err != nil {
		return errors.Join(fmt.Errorf("write state files: %w", err), srv.Shutdown())
	}
	defer removeStateFiles()

	serveErr := srv.Serve(ctx)
	if ctx.Err() != nil {
		log.Info("signal received, shutting down")
	}
	err = errors.Join(serveErr, srv.Shutdown())
	log.Info("daemon stopped")
	return err
}

// runHook runs command through the shell and logs how it went.
func runHook(command string, log logr.Logger) {
	out, err := exec.Command("sh", "-c", command).CombinedOutput()
	if err != nil {
		log.Error(err, "resume command failed", "command", command, "output", string(out))
		return
	}
	log.V(1).Info("resume command ran", "command", command)
}
