package main

import (
	"sync"
)

// Dialect adapts the command server to one debugger: which extra request
// modes it understands and how it recognizes prompts and requests for input.
// Implementations must be safe for concurrent use; the accept loop and the
// async reader both call into them.
type Dialect interface {
	// ValidMode reports whether mode is a request mode this dialect serves.
	ValidMode(mode string) bool
	// HandleMode serves a request for a mode accepted by ValidMode and
	// returns the reply reason.
	HandleMode(mode, command string) string
	// PromptArrived reports whether window ends with the command prompt.
	PromptArrived(window []byte) bool
	// NeedsUserInput reports whether window ends with a request for input.
	NeedsUserInput(window []byte) (Match, bool)
	// UserInput returns the line to answer m with, without the newline.
	UserInput(m Match) string
	// Markers lists every marker the dialect detects.
	Markers() []Marker
}

const (
	ModeSetQueryAnswer = "SETQA"

	defaultQueryAnswer    = "y"
	defaultCommandsAnswer = "end"
)

// gdb --annotate=3 prefixes every annotation with two ^Z characters.
var gdbMarkers = []Marker{
	{Kind: MarkerPrompt, Close: "\x1a\x1aprompt"},
	{Kind: MarkerQuery, Open: "\x1a\x1apre-query", Close: "\x1a\x1aquery"},
	{Kind: MarkerCommands, Open: "\x1a\x1apre-commands", Close: "\x1a\x1acommands"},
	{Kind: MarkerContinue, Close: "\x1a\x1aprompt-for-continue"},
}

// GdbOptions customizes how a GdbDialect answers the debugger.
type GdbOptions struct {
	// QueryAnswer, if set, answers every query ahead of QueryPolicy. SETQA
	// replaces it at runtime.
	QueryAnswer string
	// QueryPolicy answers a query given its text. Defaults to "y".
	QueryPolicy func(query string) string
	// CommandsPolicy ends a command list given its prompt. Defaults to "end".
	CommandsPolicy func(prompt string) string
}

// GdbDialect drives gdb running with --annotate=3.
type GdbDialect struct {
	opts GdbOptions

	mu          sync.Mutex
	queryAnswer string
}

func NewGdbDialect(opts GdbOptions) *GdbDialect {
	return &GdbDialect{opts: opts, queryAnswer: opts.QueryAnswer}
}

func (d *GdbDialect) ValidMode(mode string) bool {
	return mode == ModeSetQueryAnswer
}

// HandleMode installs the query answer override. An empty answer removes it.
func (d *GdbDialect) HandleMode(mode, command string) string {
	if mode == ModeSetQueryAnswer {
		d.SetQueryAnswer(command)
	}
	return ""
}

func (d *GdbDialect) SetQueryAnswer(answer string) {
	d.mu.Lock()
	d.queryAnswer = answer
	d.mu.Unlock()
}

func (d *GdbDialect) QueryAnswer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queryAnswer
}

func (d *GdbDialect) PromptArrived(window []byte) bool {
	_, ok := gdbMarkers[0].matchSuffix(window)
	return ok
}

func (d *GdbDialect) NeedsUserInput(window []byte) (Match, bool) {
	return detect(gdbMarkers[1:], window)
}

func (d *GdbDialect) UserInput(m Match) string {
	switch m.Kind {
	case MarkerQuery:
		if answer := d.QueryAnswer(); answer != "" {
			return answer
		}
		if d.opts.QueryPolicy != nil {
			return d.opts.QueryPolicy(m.Text)
		}
		return defaultQueryAnswer
	case MarkerCommands:
		if d.opts.CommandsPolicy != nil {
			return d.opts.CommandsPolicy(m.Text)
		}
		return defaultCommandsAnswer
	default:
		// prompt-for-continue only wants a keypress
		return ""
	}
}

func (d *GdbDialect) Markers() []Marker {
	return gdbMarkers
}
