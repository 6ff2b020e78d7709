package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/go-logr/logr"
	"github.com/smallnest/chanx"
	"golang.org/x/sys/unix"
)

const (
	defaultIntrChar = 0x03 // ^C
	terminateGrace  = 2 * time.Second
)

// Process is a debugger running on the slave side of a pseudo-terminal.
// Output is pumped off the master by a goroutine so reads can time out.
type Process struct {
	Cmd *exec.Cmd
	Pty *os.File
	Pid int

	intr   byte
	chunks *chanx.UnboundedChan[[]byte]
	ctx    context.Context
	cancel context.CancelFunc
	exited chan struct{}
	log    logr.Logger

	mu       sync.Mutex
	closed   bool
	exitCode int
}

// SpawnProcess starts commandLine (split on whitespace) on a new PTY in raw
// mode: no canonical line editing, no echo, reads return as soon as one byte
// is available. Signal generation stays on so the interrupt character works.
func SpawnProcess(commandLine string, log logr.Logger) (*Process, error) {
	argv := strings.Fields(commandLine)
	if len(argv) == 0 {
		return nil, errors.New("empty debugger command line")
	}

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("pty open: %w", err)
	}
	intr, err := configureRawTerminal(tty)
	if err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("pty raw mode: %w", err)
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
		log.V(1).Info("could not set pty size", "error", err.Error())
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		ptmx.Close()
		tty.Close()
		return nil, fmt.Errorf("start %s: %w", argv[0], err)
	}
	// The child holds its own copy; ours would keep the slave open after it exits.
	tty.Close()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Process{
		Cmd:    cmd,
		Pty:    ptmx,
		Pid:    cmd.Process.Pid,
		intr:   intr,
		chunks: chanx.NewUnboundedChan[[]byte](ctx, 16),
		ctx:    ctx,
		cancel: cancel,
		exited: make(chan struct{}),
		log:    log.WithValues("pid", cmd.Process.Pid),
	}
	go p.pump()
	go p.wait()

	p.log.Info("debugger started", "command", commandLine)
	return p, nil
}

// configureRawTerminal switches tty to raw input and returns its interrupt
// character.
func configureRawTerminal(tty *os.File) (byte, error) {
	fd := int(tty.Fd())
	termios, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return 0, err
	}
	termios.Lflag &^= unix.ICANON | unix.ECHO
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, ioctlWriteTermios, termios); err != nil {
		return 0, err
	}
	intr := termios.Cc[unix.VINTR]
	if intr == 0 {
		intr = defaultIntrChar
	}
	return intr, nil
}

// pump copies PTY output into the chunk channel until the slave side is gone.
func (p *Process) pump() {
	defer close(p.chunks.In)

	buf := make([]byte, 32*1024)
	var pending []byte // unfinished UTF-8 sequence from the previous read
	for {
		n, err := p.Pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, len(pending)+n)
			copy(chunk, pending)
			copy(chunk[len(pending):], buf[:n])
			pending = nil

			if tail := incompleteUTF8Tail(chunk); tail > 0 {
				pending = chunk[len(chunk)-tail:]
				chunk = chunk[:len(chunk)-tail]
			}
			if len(chunk) > 0 && !p.emit(chunk) {
				return
			}
		}
		if err != nil {
			if len(pending) > 0 {
				p.emit(pending)
			}
			// Linux reports EIO once the last slave descriptor closes.
			if !errors.Is(err, io.EOF) && !errors.Is(err, syscall.EIO) && !errors.Is(err, os.ErrClosed) {
				p.log.Error(err, "pty read failed")
			}
			return
		}
	}
}

// emit hands chunk to readers. It gives up once the process is terminated.
func (p *Process) emit(chunk []byte) bool {
	select {
	case p.chunks.In <- chunk:
		return true
	case <-p.ctx.Done():
		return false
	}
}

func (p *Process) wait() {
	state, _ := p.Cmd.Process.Wait()
	code := -1
	if state != nil {
		code = state.ExitCode()
	}
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.exited)
	p.log.V(1).Info("debugger reaped", "exitCode", code)
}

// ReadNonBlocking returns the next chunk of output. It returns ErrTimeout
// when nothing arrived within timeout and io.EOF once the child is gone and
// all of its output has been consumed.
func (p *Process) ReadNonBlocking(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-p.chunks.Out:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (p *Process) Write(data []byte) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	if _, err := p.Pty.Write(data); err != nil {
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// SendInterrupt types the terminal's interrupt character. The debugger
// reacts asynchronously; callers wait for the next prompt.
func (p *Process) SendInterrupt() error {
	return p.Write([]byte{p.intr})
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

// Terminate hangs up the child's session, kills it if it lingers, and
// releases the terminal. Calling it again is a no-op.
func (p *Process) Terminate() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	// The child leads its own session, so -Pid reaches its process group.
	_ = syscall.Kill(-p.Pid, syscall.SIGHUP)
	select {
	case <-p.exited:
	case <-time.After(terminateGrace):
		p.log.Info("debugger ignored SIGHUP, killing it")
		_ = syscall.Kill(-p.Pid, syscall.SIGKILL)
		select {
		case <-p.exited:
		case <-time.After(terminateGrace):
			p.log.Error(ErrSessionClosed, "debugger did not exit after SIGKILL")
		}
	}

	err := p.Pty.Close()
	p.cancel()
	return err
}
