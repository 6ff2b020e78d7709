package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/term"

	"gdb-daemon/gdbmi"
)

const (
	defaultDialTimeout = 5 * time.Second
	// longest reason line plus the end-of-reply line
	replyTrailerLen = 64
)

// Client sends control requests to a server, one connection per request.
type Client struct {
	Addr string

	// DialTimeout bounds how long dialing is retried. Zero means 5s.
	DialTimeout time.Duration

	// Output, if set, receives debugger output while it streams in.
	Output io.Writer

	// Answer, if set, answers queries and command-list prompts the server
	// delegates to the caller. Only set it for servers running with
	// delegated input; otherwise nobody reads the answers.
	Answer func(m Match) string
}

// Reply is a finished reply: the debugger output and the reason line.
type Reply struct {
	Output string
	Reason string
}

// Err returns the error for a rejection reason, or nil.
func (r Reply) Err() error {
	return reasonErrors[r.Reason]
}

// Do sends one request and reads the whole reply. When the connection ends
// without the end-of-reply marker it returns what arrived together with
// ErrTruncatedReply.
func (c *Client) Do(ctx context.Context, mode, command string) (Reply, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return Reply{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	req := Request{Mode: mode, Command: command}.String() + "\n"
	if err := sendAll(conn, []byte(req), backoff.WithContext(newFlushBackOff(), ctx)); err != nil {
		return Reply{}, fmt.Errorf("send request: %w", err)
	}

	var (
		received bytes.Buffer
		emitted  int
		window   = NewWindow(1000, 200, gdbMarkers)
		dialect  = NewGdbDialect(GdbOptions{})
		buf      = make([]byte, 4096)
	)
	for {
		n, readErr := conn.Read(buf)
		if n > 0 {
			received.Write(buf[:n])
			// Hold back what may turn out to be the reply trailer.
			if safe := received.Len() - replyTrailerLen; c.Output != nil && safe > emitted {
				c.Output.Write(received.Bytes()[emitted:safe])
				emitted = safe
			}
			if c.Answer != nil {
				window.Append(buf[:n])
				if m, ok := dialect.NeedsUserInput(window.Bytes()); ok && m.Kind != MarkerContinue {
					window.Reset()
					if err := sendAll(conn, []byte(c.Answer(m)+"\n"), backoff.WithContext(newFlushBackOff(), ctx)); err != nil {
						return Reply{Output: received.String()}, fmt.Errorf("send answer: %w", err)
					}
				} else {
					window.Trim()
				}
			}
		}
		if readErr != nil {
			reply, complete := parseReply(received.Bytes())
			if c.Output != nil && emitted < len(reply.Output) {
				c.Output.Write([]byte(reply.Output[emitted:]))
			}
			if !complete {
				if errors.Is(readErr, io.EOF) {
					return reply, ErrTruncatedReply
				}
				return reply, errors.Join(ErrTruncatedReply, readErr)
			}
			return reply, nil
		}
	}
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(timeout),
	)
	var d net.Dialer
	conn, err := backoff.RetryWithData(func() (net.Conn, error) {
		return d.DialContext(ctx, "tcp", c.Addr)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.Addr, err)
	}
	return conn, nil
}

// parseReply splits "<output><reason>\n--GDB--EXIT--\n". Without the
// trailer everything is output and complete is false.
func parseReply(data []byte) (reply Reply, complete bool) {
	trailer := []byte(EndOfReply + "\n")
	if !bytes.HasSuffix(data, trailer) {
		return Reply{Output: string(data)}, false
	}
	body := data[:len(data)-len(trailer)]
	if len(body) == 0 || body[len(body)-1] != '\n' {
		return Reply{Output: string(data)}, false
	}
	body = body[:len(body)-1]
	i := bytes.LastIndexByte(body, '\n')
	return Reply{Output: string(body[:i+1]), Reason: string(body[i+1:])}, true
}

func (c *Client) Sync(ctx context.Context, command string) (Reply, error) {
	return c.Do(ctx, ModeSync, command)
}

func (c *Client) Async(ctx context.Context, command string) (Reply, error) {
	return c.Do(ctx, ModeAsync, command)
}

func (c *Client) Interrupt(ctx context.Context) error {
	_, err := c.Do(ctx, ModeInt, "")
	return err
}

func (c *Client) IsBusy(ctx context.Context) (bool, error) {
	reply, err := c.Do(ctx, ModeIsBusy, "")
	if err != nil {
		return false, err
	}
	return reply.Reason == ReasonBusy, nil
}

func (c *Client) SetQueryAnswer(ctx context.Context, answer string) error {
	_, err := c.Do(ctx, ModeSetQueryAnswer, answer)
	return err
}

func (c *Client) Flush(ctx context.Context) (string, error) {
	reply, err := c.Do(ctx, ModeFlush, "")
	return reply.Output, err
}

func (c *Client) Die(ctx context.Context) error {
	_, err := c.Do(ctx, ModeDie, "")
	return err
}

// CurrentFrame asks gdb for the selected frame through the MI interpreter
// and returns its source file and line.
func (c *Client) CurrentFrame(ctx context.Context) (string, int64, error) {
	reply, err := c.Sync(ctx, "interpreter mi -stack-info-frame")
	if err != nil {
		return "", 0, err
	}
	if err := reply.Err(); err != nil {
		return "", 0, err
	}
	rec, err := FindRecord(reply.Output)
	if err != nil {
		return "", 0, err
	}
	if rec.Class == gdbmi.ClassError {
		msg, _ := rec.Get("msg")
		return "", 0, fmt.Errorf("gdb: %s", msg.Text())
	}
	file, ok := rec.Lookup("frame", "fullname")
	if !ok {
		return "", 0, errors.New("frame has no source file")
	}
	line, ok := rec.Lookup("frame", "line")
	n, isInt := line.Int()
	if !ok || !isInt {
		return "", 0, errors.New("frame has no line number")
	}
	return file.Text(), n, nil
}

// FindRecord parses the first result record ("^...") found in output.
func FindRecord(output string) (*gdbmi.Record, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimRight(line, "\r")
		if i := strings.IndexByte(line, '^'); i >= 0 && strings.TrimSpace(line[:i]) == "" {
			return gdbmi.Parse(line[i:])
		}
	}
	return nil, errors.New("no result record in debugger output")
}

// terminalAnswer asks the user on the terminal, or returns the default
// answer when stdin is not a terminal.
func terminalAnswer(m Match) string {
	def := defaultQueryAnswer
	if m.Kind == MarkerCommands {
		def = defaultCommandsAnswer
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return def
	}
	fmt.Fprintf(os.Stderr, "%s [%s] ", m.Text, def)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return def
	}
	if line = strings.TrimSpace(line); line != "" {
		return line
	}
	return def
}
