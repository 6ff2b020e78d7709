package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
)

// readerTask runs one ASYNC command until the debugger prompts again.
type readerTask struct {
	command string

	ctx  context.Context
	stop context.CancelFunc // makes the read loop give up at its next poll

	// resume is cancelled when the completion must not be announced: the
	// command was interrupted, or the server is shutting down.
	resume       context.Context
	cancelResume context.CancelFunc

	done chan struct{}
}

func (t *readerTask) running() bool {
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// join waits for the task to end. A positive timeout bounds the wait; the
// result reports whether the task ended.
func (t *readerTask) join(timeout time.Duration) bool {
	if timeout <= 0 {
		<-t.done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return false
	}
}

// startReader registers a reader for command. The session counts as busy
// from here on; runReader does the work.
func (s *Server) startReader(ctx context.Context, command string) *readerTask {
	readCtx, stop := context.WithCancel(ctx)
	resume, cancelResume := context.WithCancel(context.Background())
	t := &readerTask{
		command:      command,
		ctx:          readCtx,
		stop:         stop,
		resume:       resume,
		cancelResume: cancelResume,
		done:         make(chan struct{}),
	}
	s.mu.Lock()
	s.reader = t
	s.mu.Unlock()
	return t
}

func (s *Server) runReader(t *readerTask) {
	defer close(t.done)
	defer t.stop()
	log := s.log.WithValues("command", t.command)

	if err := s.proc.Write([]byte(t.command + "\n")); err != nil {
		log.Error(err, "could not send async command to debugger")
		return
	}
	if _, err := s.readToPrompt(t.ctx, nil); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error(err, "async command did not reach a prompt")
		}
		return
	}
	if t.resume.Err() != nil {
		log.V(1).Info("async command was interrupted, not notifying")
		return
	}
	go s.notifyResume(t)
}

// notifyResume announces a finished ASYNC command. It first waits for the
// reader to be fully done so whoever is notified finds the session idle.
func (s *Server) notifyResume(t *readerTask) {
	<-t.done
	s.clearReader(t)
	if t.resume.Err() != nil {
		return
	}
	t.cancelResume()
	s.log.V(1).Info("async command finished", "command", t.command)
	if s.cfg.OnResume != nil {
		s.cfg.OnResume()
	}
}

// interrupt stops a running ASYNC command: it types the interrupt
// character and waits for the reader to see the prompt that follows.
func (s *Server) interrupt(log logr.Logger) {
	s.mu.Lock()
	t := s.reader
	s.mu.Unlock()
	if t == nil || !t.running() {
		return
	}

	t.cancelResume()
	if err := s.proc.SendInterrupt(); err != nil {
		log.Error(err, "could not deliver interrupt")
	}
	if !t.join(s.cfg.InterruptTimeout) {
		log.Info("no prompt after interrupt, stopping the reader", "timeout", s.cfg.InterruptTimeout.String())
		t.stop()
		t.join(0)
	}
	s.clearReader(t)
}

func (s *Server) clearReader(t *readerTask) {
	s.mu.Lock()
	if s.reader == t {
		s.reader = nil
	}
	s.mu.Unlock()
}
