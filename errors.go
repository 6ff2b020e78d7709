package main

import "errors"

var (
	// ErrTimeout is returned by ReadNonBlocking when no output arrived in time.
	ErrTimeout = errors.New("no output before timeout")

	// ErrSessionClosed is returned once the debugger process has exited or
	// been terminated.
	ErrSessionClosed = errors.New("debugger session closed")

	// ErrConnectionBroken is returned when a peer stops accepting bytes.
	ErrConnectionBroken = errors.New("socket connection broken by peer")

	// ErrTruncatedReply is returned by the client when the connection closed
	// before the end-of-reply marker. The output received so far is partial.
	ErrTruncatedReply = errors.New("reply ended without end-of-reply marker")

	// ErrRequestTooLong is returned when a request line exceeds maxLineLen.
	ErrRequestTooLong = errors.New("request line too long")

	// Rejections reported by the server's reason line.
	ErrBusy        = errors.New("debugger is busy")
	ErrWrongMode   = errors.New("unknown request mode")
	ErrWrongFormat = errors.New("request needs a command")
)

// reasonErrors maps rejection reasons to the errors a client returns for them.
var reasonErrors = map[string]error{
	ReasonBusy:          ErrBusy,
	ReasonWrongMode:     ErrWrongMode,
	ReasonWrongFormat:   ErrWrongFormat,
	ReasonSessionClosed: ErrSessionClosed,
}
