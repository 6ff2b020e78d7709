package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/stretchr/testify/require"
)

const (
	testBanner = "GNU gdb (GDB) 14.2\r\n\x1a\x1apre-prompt\r\n(gdb) \r\n\x1a\x1aprompt\r\n"
	testPrompt = "\x1a\x1apre-prompt\r\n(gdb) \r\n\x1a\x1aprompt\r\n"
	testQuery  = "\x1a\x1apre-query\r\nDelete all breakpoints? (y or n) \x1a\x1aquery\r\n"
)

// fakeSession replays scripted debugger output in reaction to what the
// server writes.
type fakeSession struct {
	chunks    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	writes      []string
	interrupts  int
	respond     map[string][]string
	onInterrupt []string
	quitOn      string
	exitCode    int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		chunks:  make(chan []byte, 256),
		closed:  make(chan struct{}),
		respond: map[string][]string{},
	}
}

func (f *fakeSession) push(chunks ...string) {
	for _, c := range chunks {
		f.chunks <- []byte(c)
	}
}

// on scripts the output that follows the line written to the debugger.
func (f *fakeSession) on(line string, chunks ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond[line+"\n"] = chunks
}

func (f *fakeSession) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeSession) interruptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.interrupts
}

func (f *fakeSession) ReadNonBlocking(timeout time.Duration) ([]byte, error) {
	select {
	case chunk := <-f.chunks:
		return chunk, nil
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk := <-f.chunks:
		return chunk, nil
	case <-f.closed:
		return nil, io.EOF
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (f *fakeSession) Write(data []byte) error {
	select {
	case <-f.closed:
		return ErrSessionClosed
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, string(data))
	if f.quitOn != "" && string(data) == f.quitOn+"\n" {
		f.closeOnce.Do(func() { close(f.closed) })
		return nil
	}
	f.push(f.respond[string(data)]...)
	return nil
}

func (f *fakeSession) SendInterrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	f.push(f.onInterrupt...)
	return nil
}

func (f *fakeSession) Terminate() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSession) Exited() <-chan struct{} {
	return f.closed
}

func (f *fakeSession) ExitCode() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exitCode
}

// syncBuffer is a bytes.Buffer safe to write from the server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLog returns a logger whose lines end up in the returned buffer.
func captureLog() (logr.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	log := funcr.New(func(prefix, args string) {
		_, _ = buf.Write([]byte(prefix + " " + args + "\n"))
	}, funcr.Options{Verbosity: 1})
	return log, buf
}

type harness struct {
	srv    *Server
	fake   *fakeSession
	client *Client
	served chan error
}

func startServer(t *testing.T, fake *fakeSession, cfg ServerConfig, dialect Dialect) *harness {
	t.Helper()
	return startServerWithLog(t, fake, cfg, dialect, logr.Discard())
}

func startServerWithLog(t *testing.T, fake *fakeSession, cfg ServerConfig, dialect Dialect, log logr.Logger) *harness {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	cfg.PollInterval = 10 * time.Millisecond
	if dialect == nil {
		dialect = NewGdbDialect(GdbOptions{})
	}
	srv := NewServer(cfg, fake, dialect, log)

	ctx, cancel := context.WithCancel(context.Background())
	fake.push(testBanner)
	_, err := srv.Start(ctx)
	require.NoError(t, err)

	h := &harness{srv: srv, fake: fake, client: &Client{Addr: srv.Addr().String()}, served: make(chan error, 1)}
	go func() { h.served <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.served
		_ = srv.Shutdown()
	})
	return h
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSyncReturnsOutputUpToPrompt(t *testing.T) {
	fake := newFakeSession()
	fake.on("print 1 + 2", "$1 = 3\r\n", testPrompt)
	h := startServer(t, fake, ServerConfig{}, nil)

	reply, err := h.client.Sync(testContext(t), "print 1 + 2")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, reply.Reason)
	require.Equal(t, "$1 = 3\r\n"+testPrompt, reply.Output)
	require.Equal(t, []string{"print 1 + 2\n"}, fake.written())
	require.False(t, h.srv.Busy())
}

func TestSyncPromptSplitAcrossChunks(t *testing.T) {
	fake := newFakeSession()
	fake.on("info frame", "Stack level 0\r\n\x1a", "\x1apro", "mpt\r", "\n")
	h := startServer(t, fake, ServerConfig{}, nil)

	reply, err := h.client.Sync(testContext(t), "info frame")
	require.NoError(t, err)
	require.Equal(t, "Stack level 0\r\n\x1a\x1aprompt\r\n", reply.Output)
}

func TestQueryIsAnsweredExactlyOnce(t *testing.T) {
	fake := newFakeSession()
	fake.on("delete", testQuery)
	fake.on("y", "\r\n", testPrompt)
	h := startServer(t, fake, ServerConfig{}, nil)

	reply, err := h.client.Sync(testContext(t), "delete")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, reply.Reason)
	require.Contains(t, reply.Output, "Delete all breakpoints?")
	require.Equal(t, []string{"delete\n", "y\n"}, fake.written())
}

func TestSetQueryAnswerChangesTheAnswer(t *testing.T) {
	fake := newFakeSession()
	fake.on("delete", testQuery)
	fake.on("n", "\r\n", testPrompt)
	h := startServer(t, fake, ServerConfig{}, nil)
	ctx := testContext(t)

	require.NoError(t, h.client.SetQueryAnswer(ctx, "n"))
	_, err := h.client.Sync(ctx, "delete")
	require.NoError(t, err)
	require.Equal(t, []string{"delete\n", "n\n"}, fake.written())
}

func TestCommandsPromptIsEnded(t *testing.T) {
	fake := newFakeSession()
	fake.on("commands 1", "\x1a\x1apre-commands\r\nType commands for breakpoint(s) 1, one per line.\r\n>\x1a\x1acommands\r\n")
	fake.on("end", testPrompt)
	h := startServer(t, fake, ServerConfig{}, nil)

	_, err := h.client.Sync(testContext(t), "commands 1")
	require.NoError(t, err)
	require.Equal(t, []string{"commands 1\n", "end\n"}, fake.written())
}

func TestDelegatedQueryIsAnsweredByCaller(t *testing.T) {
	fake := newFakeSession()
	fake.on("delete", testQuery)
	fake.on("n", testPrompt)
	h := startServer(t, fake, ServerConfig{DelegateInput: true}, nil)

	var asked []Match
	h.client.Answer = func(m Match) string {
		asked = append(asked, m)
		return "n"
	}
	reply, err := h.client.Sync(testContext(t), "delete")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, reply.Reason)
	require.Equal(t, []string{"delete\n", "n\n"}, fake.written())
	require.Equal(t, []Match{{Kind: MarkerQuery, Text: "Delete all breakpoints? (y or n)"}}, asked)
}

func TestDelegatedQueryFallsBackWhenCallerIsSilent(t *testing.T) {
	fake := newFakeSession()
	fake.on("delete", testQuery)
	fake.on("y", testPrompt)
	h := startServer(t, fake, ServerConfig{DelegateInput: true, RequestTimeout: 100 * time.Millisecond}, nil)

	start := time.Now()
	reply, err := h.client.Sync(testContext(t), "delete")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, reply.Reason)
	require.Equal(t, []string{"delete\n", "y\n"}, fake.written())
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestContinuePromptIsAnsweredWithNewline(t *testing.T) {
	fake := newFakeSession()
	fake.on("bt",
		"#0  main () at hello.c:5\r\n",
		"---Type <return> to continue, or q <return> to quit---\x1a\x1aprompt-for-continue\r\n")
	fake.on("", "#1  start () at crt0.c:12\r\n", testPrompt)
	h := startServer(t, fake, ServerConfig{}, nil)

	reply, err := h.client.Sync(testContext(t), "bt")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, reply.Reason)
	require.Equal(t, []string{"bt\n", "\n"}, fake.written())
	require.Contains(t, reply.Output, "#1  start () at crt0.c:12")
	require.True(t, strings.HasSuffix(reply.Output, testPrompt))
}

func TestContinuePromptIsNotDelegated(t *testing.T) {
	fake := newFakeSession()
	fake.on("bt", "#0  main ()\r\n\x1a\x1aprompt-for-continue\n")
	fake.on("", testPrompt)
	h := startServer(t, fake, ServerConfig{DelegateInput: true}, nil)

	h.client.Answer = func(Match) string {
		t.Error("a pager prompt must not reach the caller")
		return "q"
	}
	reply, err := h.client.Sync(testContext(t), "bt")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, reply.Reason)
	require.Equal(t, []string{"bt\n", "\n"}, fake.written())
}

func TestSinkReceivesEveryChunk(t *testing.T) {
	fake := newFakeSession()
	fake.on("info frame", "Stack level 0\r\n", "rip = 0x401136\r\n", testPrompt)
	fake.on("continue", "Continuing.\r\n", "\r\nBreakpoint 1, main () at hello.c:5\r\n", testPrompt)
	sink := &syncBuffer{}
	resumed := make(chan struct{}, 1)
	h := startServer(t, fake, ServerConfig{Sink: sink, OnResume: func() { resumed <- struct{}{} }}, nil)
	ctx := testContext(t)

	_, err := h.client.Sync(ctx, "info frame")
	require.NoError(t, err)
	require.Equal(t, testBanner+"Stack level 0\r\nrip = 0x401136\r\n"+testPrompt, sink.String())

	_, err = h.client.Async(ctx, "continue")
	require.NoError(t, err)
	select {
	case <-resumed:
	case <-ctx.Done():
		t.Fatal("completion was not announced")
	}
	require.True(t, strings.HasSuffix(sink.String(),
		"Continuing.\r\n\r\nBreakpoint 1, main () at hello.c:5\r\n"+testPrompt))
}

func TestRequestWithoutNewline(t *testing.T) {
	fake := newFakeSession()
	fake.on("print 1 + 2", "$1 = 3\r\n", testPrompt)
	h := startServer(t, fake, ServerConfig{}, nil)

	roundTrip := func(request string) string {
		conn, err := net.Dial("tcp", h.srv.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
		_, err = conn.Write([]byte(request))
		require.NoError(t, err)
		got, err := io.ReadAll(conn)
		require.NoError(t, err)
		return string(got)
	}

	require.Equal(t, "IDLE\n"+EndOfReply+"\n", roundTrip("ISBUSY"))
	require.Equal(t, "$1 = 3\r\n"+testPrompt+"\n"+EndOfReply+"\n", roundTrip("SYNC print 1 + 2"))
	require.Equal(t, []string{"print 1 + 2\n"}, fake.written())
}

func TestRejectedRequests(t *testing.T) {
	fake := newFakeSession()
	h := startServer(t, fake, ServerConfig{}, nil)
	ctx := testContext(t)

	reply, err := h.client.Do(ctx, "STEP", "")
	require.NoError(t, err)
	require.Equal(t, ReasonWrongMode, reply.Reason)
	require.ErrorIs(t, reply.Err(), ErrWrongMode)

	reply, err = h.client.Do(ctx, "sync", "next")
	require.NoError(t, err)
	require.Equal(t, ReasonWrongMode, reply.Reason, "modes are case sensitive")

	for _, mode := range []string{ModeSync, ModeAsync} {
		reply, err = h.client.Do(ctx, mode, "")
		require.NoError(t, err)
		require.Equal(t, ReasonWrongFormat, reply.Reason, mode)
		require.ErrorIs(t, reply.Err(), ErrWrongFormat)
	}
	require.Empty(t, fake.written())
}

func TestAsyncBusyAndInterrupt(t *testing.T) {
	fake := newFakeSession()
	fake.on("continue", "Continuing.\r\n")
	fake.onInterrupt = []string{"\r\nProgram received signal SIGINT, Interrupt.\r\n", testPrompt}
	resumed := make(chan struct{}, 1)
	h := startServer(t, fake, ServerConfig{OnResume: func() { resumed <- struct{}{} }}, nil)
	ctx := testContext(t)

	reply, err := h.client.Async(ctx, "continue")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, reply.Reason)
	require.Empty(t, reply.Output, "ASYNC replies before the command runs")

	busy, err := h.client.IsBusy(ctx)
	require.NoError(t, err)
	require.True(t, busy)

	reply, err = h.client.Sync(ctx, "info registers")
	require.NoError(t, err)
	require.Equal(t, ReasonBusy, reply.Reason)
	require.ErrorIs(t, reply.Err(), ErrBusy)

	reply, err = h.client.Async(ctx, "next")
	require.NoError(t, err)
	require.Equal(t, ReasonBusy, reply.Reason)

	require.NoError(t, h.client.Interrupt(ctx))
	require.Equal(t, 1, fake.interruptCount())

	busy, err = h.client.IsBusy(ctx)
	require.NoError(t, err)
	require.False(t, busy, "INT returns once the reader has finished")

	select {
	case <-resumed:
		t.Fatal("an interrupted command must not be announced")
	case <-time.After(100 * time.Millisecond):
	}

	out, err := h.client.Flush(ctx)
	require.NoError(t, err)
	require.Contains(t, out, "Continuing.")
	require.Contains(t, out, "Program received signal SIGINT")
	require.Equal(t, []string{"continue\n"}, fake.written())
}

func TestInterruptWhenIdle(t *testing.T) {
	fake := newFakeSession()
	h := startServer(t, fake, ServerConfig{}, nil)

	require.NoError(t, h.client.Interrupt(testContext(t)))
	require.Zero(t, fake.interruptCount())
}

func TestInterruptTimeoutStopsReader(t *testing.T) {
	fake := newFakeSession()
	h := startServer(t, fake, ServerConfig{InterruptTimeout: 50 * time.Millisecond}, nil)
	ctx := testContext(t)

	_, err := h.client.Async(ctx, "continue")
	require.NoError(t, err)
	require.NoError(t, h.client.Interrupt(ctx))

	busy, err := h.client.IsBusy(ctx)
	require.NoError(t, err)
	require.False(t, busy)
}

func TestAsyncCompletionNotifiesOnce(t *testing.T) {
	fake := newFakeSession()
	fake.on("continue", "Continuing.\r\n", "\r\nBreakpoint 1, main () at hello.c:5\r\n", testPrompt)
	fake.on("bt", "#0  main () at hello.c:5\r\n", testPrompt)

	var srv *Server
	resumed := make(chan bool, 4)
	h := startServer(t, fake, ServerConfig{OnResume: func() { resumed <- srv.Busy() }}, nil)
	srv = h.srv
	ctx := testContext(t)

	_, err := h.client.Async(ctx, "continue")
	require.NoError(t, err)

	select {
	case busy := <-resumed:
		require.False(t, busy, "the session is idle when the completion is announced")
	case <-ctx.Done():
		t.Fatal("completion was not announced")
	}
	select {
	case <-resumed:
		t.Fatal("completion announced twice")
	case <-time.After(100 * time.Millisecond):
	}

	out, err := h.client.Flush(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "GNU gdb"), "banner is kept for FLUSH")
	require.Contains(t, out, "Breakpoint 1, main () at hello.c:5")

	out, err = h.client.Flush(ctx)
	require.NoError(t, err)
	require.Empty(t, out)

	reply, err := h.client.Sync(ctx, "bt")
	require.NoError(t, err)
	require.Equal(t, ReasonOK, reply.Reason, "idle again after the notification")
}

func TestSessionClosedAfterDebuggerExits(t *testing.T) {
	fake := newFakeSession()
	fake.quitOn = "quit"
	h := startServer(t, fake, ServerConfig{}, nil)
	ctx := testContext(t)

	reply, err := h.client.Sync(ctx, "quit")
	require.NoError(t, err)
	require.Equal(t, ReasonSessionClosed, reply.Reason)
	require.True(t, h.srv.Terminated())

	reply, err = h.client.Sync(ctx, "info frame")
	require.NoError(t, err)
	require.ErrorIs(t, reply.Err(), ErrSessionClosed)

	busy, err := h.client.IsBusy(ctx)
	require.NoError(t, err)
	require.False(t, busy)
}

func TestDebuggerExitIsLogged(t *testing.T) {
	fake := newFakeSession()
	fake.quitOn = "quit"
	fake.exitCode = 3
	log, logs := captureLog()
	h := startServerWithLog(t, fake, ServerConfig{}, nil, log)
	ctx := testContext(t)

	out, err := h.client.Flush(ctx)
	require.NoError(t, err)
	require.Equal(t, testBanner, out)
	require.Regexp(t, `"msg"="flushing backlog".*"bytes"=`+strconv.Itoa(len(testBanner)), logs.String())

	reply, err := h.client.Sync(ctx, "quit")
	require.NoError(t, err)
	require.Equal(t, ReasonSessionClosed, reply.Reason)
	require.Contains(t, logs.String(), `"msg"="debugger session closed" "exitCode"=3`)
}

func TestDieStopsServing(t *testing.T) {
	fake := newFakeSession()
	fake.on("continue", "Continuing.\r\n")
	resumed := make(chan struct{}, 1)
	h := startServer(t, fake, ServerConfig{OnResume: func() { resumed <- struct{}{} }}, nil)
	ctx := testContext(t)

	_, err := h.client.Async(ctx, "continue")
	require.NoError(t, err)

	reply, err := h.client.Do(ctx, ModeDie, "")
	require.NoError(t, err)
	require.Equal(t, ReasonBye, reply.Reason)

	select {
	case err := <-h.served:
		require.NoError(t, err)
		h.served <- err
	case <-ctx.Done():
		t.Fatal("Serve did not return after DIE")
	}
	require.True(t, h.srv.Terminated())
	require.False(t, h.srv.Busy())

	select {
	case <-resumed:
		t.Fatal("a reader stopped by DIE must not be announced")
	case <-time.After(50 * time.Millisecond):
	}

	h.client.DialTimeout = 100 * time.Millisecond
	_, err = h.client.Do(ctx, ModeIsBusy, "")
	require.Error(t, err, "listener is closed")
}

func TestCustomDialectMode(t *testing.T) {
	fake := newFakeSession()
	d := &recordingDialect{GdbDialect: NewGdbDialect(GdbOptions{})}
	h := startServer(t, fake, ServerConfig{}, d)

	reply, err := h.client.Do(testContext(t), "PING", "hello")
	require.NoError(t, err)
	require.Equal(t, "PONG", reply.Reason)
	require.Equal(t, []string{"hello"}, d.got)
}

// recordingDialect adds a PING mode on top of gdb.
type recordingDialect struct {
	*GdbDialect
	got []string
}

func (d *recordingDialect) ValidMode(mode string) bool {
	return mode == "PING" || d.GdbDialect.ValidMode(mode)
}

func (d *recordingDialect) HandleMode(mode, command string) string {
	if mode == "PING" {
		d.got = append(d.got, command)
		return "PONG"
	}
	return d.GdbDialect.HandleMode(mode, command)
}
