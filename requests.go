package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"gdb-daemon/gdbmi"
)

const replPrompt = "(gdbd) "

// clientOptions are the flags of the commands that talk to a running daemon.
type clientOptions struct {
	addr    string
	timeout time.Duration
	answer  bool
}

func (o *clientOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.addr, "addr", "", "Control address of the daemon. Defaults to the address recorded in the state directory.")
	fs.DurationVar(&o.timeout, "timeout", 0, "Give up on a request after this long. 0 waits for the reply.")
}

func (o *clientOptions) client(out io.Writer) (*Client, error) {
	addr := o.addr
	if addr == "" {
		var err error
		if addr, err = serverAddr(); err != nil {
			return nil, err
		}
	}
	c := &Client{Addr: addr, Output: out}
	if o.answer {
		c.Answer = terminalAnswer
	}
	return c, nil
}

func (o *clientOptions) context(parent context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(parent, o.timeout)
	}
	return context.WithCancel(parent)
}

func newSendCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "send [MODE [command...]]",
		Short: "Send control requests to the daemon",
		Long: `Send one request, for example "send SYNC info registers" or "send ISBUSY".
Without arguments every line read from standard input is a request, with a
prompt when standard input is a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if len(args) > 0 {
				req := Request{Mode: strings.ToUpper(args[0]), Command: strings.Join(args[1:], " ")}
				return sendOne(cmd.Context(), c, opts, req)
			}
			return sendLines(cmd.Context(), c, opts, cmd.InOrStdin())
		},
	}
	opts.addFlags(cmd.Flags())
	cmd.Flags().BoolVar(&opts.answer, "answer", false, "Answer delegated gdb queries from the terminal (daemon runs with --delegate-queries).")
	return cmd
}

func sendOne(ctx context.Context, c *Client, opts *clientOptions, req Request) error {
	ctx, cancel := opts.context(ctx)
	defer cancel()
	reply, err := c.Do(ctx, req.Mode, req.Command)
	if err != nil {
		return err
	}
	if reply.Reason != ReasonOK {
		fmt.Fprintln(os.Stderr, reply.Reason)
	}
	return reply.Err()
}

// sendLines sends one request per input line until EOF or DIE. Rejected
// requests are reported and the loop goes on.
func sendLines(ctx context.Context, c *Client, opts *clientOptions, in io.Reader) error {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLen)
	for {
		if interactive {
			fmt.Fprint(os.Stderr, replPrompt)
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		req := ParseRequest(line)
		req.Mode = strings.ToUpper(req.Mode)
		err := sendOne(ctx, c, opts, req)
		switch {
		case err == nil:
		case errors.Is(err, ErrBusy), errors.Is(err, ErrWrongMode), errors.Is(err, ErrWrongFormat):
		default:
			return err
		}
		if req.Mode == ModeDie {
			return nil
		}
	}
}

func newFrameCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:   "frame",
		Short: "Print the source location of the selected frame as file:line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client(nil)
			if err != nil {
				return err
			}
			ctx, cancel := opts.context(cmd.Context())
			defer cancel()
			file, line, err := c.CurrentFrame(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%d\n", file, line)
			return nil
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse",
		Short: "Parse gdb/MI result records from standard input and print them as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return parseRecords(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

// parseRecords writes one JSON object per parsed line. Lines that fail to
// parse are reported on errOut; the result says whether any did.
func parseRecords(in io.Reader, out, errOut io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), maxLineLen)
	enc := json.NewEncoder(out)
	failed := 0
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		rec, err := gdbmi.Parse(line)
		if err != nil {
			fmt.Fprintf(errOut, "line %d: %v\n", n, err)
			failed++
			continue
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d line(s) did not parse", failed)
	}
	return nil
}
