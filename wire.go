package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Request modes of the control protocol.
const (
	ModeSync   = "SYNC"
	ModeAsync  = "ASYNC"
	ModeInt    = "INT"
	ModeIsBusy = "ISBUSY"
	ModeFlush  = "FLUSH"
	ModeDie    = "DIE"
)

// Reply reasons, sent on the line before EndOfReply.
const (
	ReasonOK            = ""
	ReasonWrongMode     = "WRONG_MODE"
	ReasonWrongFormat   = "WRONG_FORMAT"
	ReasonBusy          = "BUSY"
	ReasonIdle          = "IDLE"
	ReasonSessionClosed = "SESSION_CLOSED"
	ReasonBye           = "BYE"
)

// EndOfReply is the last line of every reply the server finishes cleanly.
const EndOfReply = "--GDB--EXIT--"

const (
	maxLineLen          = 64 * 1024
	writeAttemptTimeout = 5 * time.Second
	maxFlushTime        = 30 * time.Second

	// requestIdleGap ends a request sent without a trailing newline: once
	// some bytes arrived, a pause this long means the client is done.
	requestIdleGap = 50 * time.Millisecond
)

// Request is one decoded control request: "<MODE> <command>".
type Request struct {
	Mode    string
	Command string
}

func ParseRequest(line string) Request {
	line = strings.TrimRight(line, "\r\n")
	mode, command, _ := strings.Cut(line, " ")
	return Request{Mode: mode, Command: command}
}

func (r Request) String() string {
	if r.Command == "" {
		return r.Mode
	}
	return r.Mode + " " + r.Command
}

// Conn frames the control protocol over one accepted connection.
type Conn struct {
	conn     net.Conn
	r        *bufio.Reader
	lastByte byte
}

func NewConn(conn net.Conn) *Conn {
	return &Conn{conn: conn, r: bufio.NewReader(conn), lastByte: '\n'}
}

// ReadRequest reads the request line, waiting at most timeout for it. The
// newline is optional: a request followed by a pause, a half-close or the
// deadline is taken as it is.
func (c *Conn) ReadRequest(timeout time.Duration) (Request, error) {
	defer c.conn.SetReadDeadline(time.Time{})

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var line []byte
	for {
		wait := deadline
		if len(line) > 0 {
			if idle := time.Now().Add(requestIdleGap); wait.IsZero() || idle.Before(wait) {
				wait = idle
			}
		}
		_ = c.conn.SetReadDeadline(wait)

		frag, err := c.r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxLineLen {
			return Request{}, ErrRequestTooLong
		}
		var netErr net.Error
		switch {
		case err == nil:
			return ParseRequest(string(line)), nil
		case errors.Is(err, bufio.ErrBufferFull):
		case len(line) > 0 && (errors.Is(err, io.EOF) || errors.As(err, &netErr) && netErr.Timeout()):
			return ParseRequest(string(line)), nil
		default:
			return Request{}, err
		}
	}
}

// ReadLineWithin is ReadLine bounded by timeout. Zero waits forever.
func (c *Conn) ReadLineWithin(timeout time.Duration) (string, error) {
	if timeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return c.ReadLine()
}

// ReadLine reads up to the next newline. A final line without one counts
// when the peer half-closes.
func (c *Conn) ReadLine() (string, error) {
	var line []byte
	for {
		frag, err := c.r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxLineLen {
			return "", ErrRequestTooLong
		}
		switch {
		case err == nil:
			return strings.TrimRight(string(line), "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return strings.TrimRight(string(line), "\r\n"), nil
		default:
			return "", err
		}
	}
}

// Send writes all of data, see sendAll.
func (c *Conn) Send(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := sendAll(c.conn, data, newFlushBackOff()); err != nil {
		return err
	}
	c.lastByte = data[len(data)-1]
	return nil
}

// Finish sends reason and the end-of-reply marker, each on its own line,
// then closes the connection.
func (c *Conn) Finish(reason string) error {
	var buf bytes.Buffer
	if c.lastByte != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(reason)
	buf.WriteByte('\n')
	buf.WriteString(EndOfReply)
	buf.WriteByte('\n')
	sendErr := c.Send(buf.Bytes())
	return errors.Join(sendErr, c.Close())
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func newFlushBackOff() backoff.BackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(20*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(maxFlushTime),
	)
}

// sendAll writes data until every byte is out. Each attempt runs under a
// write deadline; an attempt that times out after partial progress is
// retried from where it stopped according to policy. Any other failure is
// final.
func sendAll(conn net.Conn, data []byte, policy backoff.BackOff) error {
	defer conn.SetWriteDeadline(time.Time{})

	return backoff.Retry(func() error {
		for len(data) > 0 {
			_ = conn.SetWriteDeadline(time.Now().Add(writeAttemptTimeout))
			n, err := conn.Write(data)
			data = data[n:]
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					return err
				}
				return backoff.Permanent(err)
			}
			if n == 0 {
				return backoff.Permanent(ErrConnectionBroken)
			}
		}
		return nil
	}, policy)
}
