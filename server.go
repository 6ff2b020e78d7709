package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// session is the debugger process as the server sees it.
type session interface {
	ReadNonBlocking(timeout time.Duration) ([]byte, error)
	Write(data []byte) error
	SendInterrupt() error
	Terminate() error
	Exited() <-chan struct{}
	ExitCode() int
}

// exitReapWait bounds how long a closed session waits for its exit status.
const exitReapWait = time.Second

// Server owns one debugger session and serves the control protocol for it.
// Connections are handled one at a time; ASYNC commands keep reading on a
// reader task so INT, ISBUSY, FLUSH and DIE stay available meanwhile.
type Server struct {
	cfg     ServerConfig
	proc    session
	dialect Dialect
	log     logr.Logger

	ln      net.Listener
	backlog *RingBuffer // output produced while no caller was attached

	mu         sync.Mutex
	window     *Window
	total      bytes.Buffer // everything read by the current read-to-prompt
	reader     *readerTask
	syncBusy   bool
	terminated bool
	stopped    bool
}

func NewServer(cfg ServerConfig, proc session, dialect Dialect, log logr.Logger) *Server {
	defaults := DefaultServerConfig()
	if cfg.Listen == "" {
		cfg.Listen = defaults.Listen
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.TrimAt <= 0 {
		cfg.TrimAt = defaults.TrimAt
	}
	if cfg.Keep <= 0 {
		cfg.Keep = defaults.Keep
	}
	return &Server{
		cfg:     cfg,
		proc:    proc,
		dialect: dialect,
		log:     log,
		backlog: NewRingBuffer(DefaultBacklogSize),
		window:  NewWindow(cfg.TrimAt, cfg.Keep, dialect.Markers()),
	}
}

// Listen binds the control socket and returns the port it got.
func (s *Server) Listen() (int, error) {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return 0, fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.ln = ln
	s.log.Info("listening", "address", ln.Addr().String())
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Start binds the control socket and consumes the debugger's banner up to
// its first prompt. The banner is kept for FLUSH. It returns the port
// callers should connect to.
func (s *Server) Start(ctx context.Context) (int, error) {
	port, err := s.Listen()
	if err != nil {
		return 0, err
	}
	if _, err := s.readToPrompt(ctx, nil); err != nil {
		s.ln.Close()
		return 0, fmt.Errorf("waiting for the first prompt: %w", err)
	}
	return port, nil
}

func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections until DIE is served or ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("server is not listening")
	}
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error(err, "accept failed")
			continue
		}
		if s.handle(ctx, conn) {
			return nil
		}
	}
}

// handle serves one connection. It reports whether the server should stop.
func (s *Server) handle(ctx context.Context, raw net.Conn) bool {
	conn := NewConn(raw)
	log := s.log.WithValues("request", uuid.NewString())

	req, err := conn.ReadRequest(s.cfg.RequestTimeout)
	if err != nil {
		log.Error(err, "could not read request", "remote", raw.RemoteAddr().String())
		conn.Close()
		return false
	}
	log = log.WithValues("mode", req.Mode)
	log.V(1).Info("request received", "command", req.Command)

	reason, then, stop := s.dispatch(ctx, conn, req, log)
	if err := conn.Finish(reason); err != nil {
		log.Error(err, "could not finish reply")
	}
	if then != nil {
		then()
	}
	return stop
}

// dispatch runs req and returns the reply reason, an optional step to run
// once the reply is closed, and whether serving should stop.
func (s *Server) dispatch(ctx context.Context, conn *Conn, req Request, log logr.Logger) (string, func(), bool) {
	switch req.Mode {
	case ModeSync, ModeAsync, ModeInt, ModeIsBusy, ModeFlush:
	case ModeDie:
		log.Info("client asked the server to exit")
		if err := s.Shutdown(); err != nil {
			log.Error(err, "debugger did not terminate cleanly")
		}
		return ReasonBye, nil, true
	default:
		if s.dialect.ValidMode(req.Mode) {
			return s.dialect.HandleMode(req.Mode, req.Command), nil, false
		}
		return ReasonWrongMode, nil, false
	}

	switch req.Mode {
	case ModeIsBusy:
		if s.Busy() {
			return ReasonBusy, nil, false
		}
		return ReasonIdle, nil, false
	case ModeFlush:
		log.V(1).Info("flushing backlog", "bytes", s.backlog.Len())
		if err := conn.Send(s.backlog.Drain()); err != nil {
			log.Error(err, "could not flush backlog")
		}
		return ReasonOK, nil, false
	case ModeInt:
		s.interrupt(log)
		return ReasonOK, nil, false
	}

	if req.Command == "" {
		return ReasonWrongFormat, nil, false
	}
	if s.Terminated() {
		return ReasonSessionClosed, nil, false
	}
	if s.Busy() {
		return ReasonBusy, nil, false
	}
	if req.Mode == ModeSync {
		return s.runSync(ctx, conn, req.Command, log), nil, false
	}

	// The reply is closed before the reader starts so the reader never
	// writes to a connection that is going away.
	t := s.startReader(ctx, req.Command)
	return ReasonOK, func() { go s.runReader(t) }, false
}

func (s *Server) runSync(ctx context.Context, conn *Conn, command string, log logr.Logger) string {
	s.mu.Lock()
	s.syncBusy = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.syncBusy = false
		s.mu.Unlock()
	}()

	if err := s.proc.Write([]byte(command + "\n")); err != nil {
		log.Error(err, "could not send command to debugger")
		return ReasonSessionClosed
	}
	if _, err := s.readToPrompt(ctx, conn); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			log.Info("debugger exited during command", "command", command)
			return ReasonSessionClosed
		}
		log.Error(err, "command did not reach a prompt", "command", command)
	}
	return ReasonOK
}

// readToPrompt streams debugger output to out (or the backlog when out is
// nil), answering queries on the way, until the prompt marker arrives. It
// returns everything read since it started.
func (s *Server) readToPrompt(ctx context.Context, out *Conn) (string, error) {
	s.mu.Lock()
	s.window.Reset()
	s.total.Reset()
	s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return s.readSoFar(), err
		}
		chunk, err := s.proc.ReadNonBlocking(s.cfg.PollInterval)
		switch {
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, io.EOF):
			s.markTerminated()
			s.logExit()
			return s.readSoFar(), ErrSessionClosed
		case err != nil:
			return s.readSoFar(), err
		}

		out = s.forward(chunk, out)
		prompt, err := s.advance(chunk, out)
		if err != nil {
			return s.readSoFar(), err
		}
		if prompt {
			return s.readSoFar(), nil
		}
	}
}

// forward delivers chunk to the caller, falling back to the backlog once
// there is none. It returns the caller still attached.
func (s *Server) forward(chunk []byte, out *Conn) *Conn {
	if s.cfg.Sink != nil {
		if _, err := s.cfg.Sink.Write(chunk); err != nil {
			s.log.V(1).Info("output sink failed", "error", err.Error())
		}
	}
	if out != nil {
		err := out.Send(chunk)
		if err == nil {
			return out
		}
		s.log.Error(err, "caller went away, keeping output for FLUSH")
	}
	s.backlog.Write(chunk)
	return nil
}

// advance feeds chunk to the marker state machine. It answers input
// requests before returning and reports whether the prompt arrived.
func (s *Server) advance(chunk []byte, out *Conn) (bool, error) {
	s.mu.Lock()
	s.total.Write(chunk)
	s.window.Append(chunk)
	window := s.window.Bytes()

	if s.dialect.PromptArrived(window) {
		s.window.Reset()
		s.mu.Unlock()
		return true, nil
	}
	m, ok := s.dialect.NeedsUserInput(window)
	if !ok {
		s.window.Trim()
		s.mu.Unlock()
		return false, nil
	}
	s.window.Reset()
	s.mu.Unlock()

	answer := s.userInput(m, out)
	s.log.V(1).Info("answering debugger", "marker", m.Kind.String(), "text", m.Text, "answer", answer)
	if err := s.proc.Write([]byte(answer + "\n")); err != nil {
		return false, fmt.Errorf("answer %s: %w", m.Kind, err)
	}
	return false, nil
}

func (s *Server) userInput(m Match, out *Conn) string {
	if s.cfg.DelegateInput && out != nil && m.Kind != MarkerContinue {
		line, err := out.ReadLineWithin(s.cfg.RequestTimeout)
		if err == nil {
			return strings.TrimSpace(line)
		}
		s.log.Error(err, "caller did not answer, using the default", "marker", m.Kind.String(), "timeout", s.cfg.RequestTimeout.String())
	}
	return s.dialect.UserInput(m)
}

func (s *Server) readSoFar() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total.String()
}

// Busy reports whether a SYNC or ASYNC command is in flight.
func (s *Server) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.syncBusy || (s.reader != nil && s.reader.running())
}

func (s *Server) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// logExit records how the debugger ended once its child has been reaped.
func (s *Server) logExit() {
	timer := time.NewTimer(exitReapWait)
	defer timer.Stop()
	select {
	case <-s.proc.Exited():
		s.log.Info("debugger session closed", "exitCode", s.proc.ExitCode())
	case <-timer.C:
		s.log.Info("debugger session closed, exit status not collected yet")
	}
}

func (s *Server) markTerminated() {
	s.mu.Lock()
	s.terminated = true
	s.mu.Unlock()
}

// Shutdown stops a running reader without notifying, terminates the
// debugger and closes the listener. Later calls do nothing.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	t := s.reader
	s.mu.Unlock()

	if t != nil {
		t.cancelResume()
		t.stop()
		t.join(0)
		s.clearReader(t)
	}
	err := s.proc.Terminate()
	s.markTerminated()
	if s.ln != nil {
		s.ln.Close()
	}
	return err
}
