package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGdbDialectDefaults(t *testing.T) {
	d := NewGdbDialect(GdbOptions{})

	require.Equal(t, "y", d.UserInput(Match{Kind: MarkerQuery, Text: "Quit anyway? (y or n)"}))
	require.Equal(t, "end", d.UserInput(Match{Kind: MarkerCommands}))
	require.Equal(t, "", d.UserInput(Match{Kind: MarkerContinue}))
	require.Equal(t, gdbMarkers, d.Markers())
}

func TestGdbDialectModes(t *testing.T) {
	d := NewGdbDialect(GdbOptions{})

	require.True(t, d.ValidMode(ModeSetQueryAnswer))
	for _, mode := range []string{ModeSync, ModeAsync, ModeInt, ModeIsBusy, ModeFlush, ModeDie, "setqa", ""} {
		require.False(t, d.ValidMode(mode), mode)
	}
}

func TestGdbDialectQueryAnswerOverride(t *testing.T) {
	d := NewGdbDialect(GdbOptions{
		QueryPolicy: func(query string) string {
			if query == "Make breakpoint pending on future shared library load? (y or [n])" {
				return "n"
			}
			return "y"
		},
	})
	pending := Match{Kind: MarkerQuery, Text: "Make breakpoint pending on future shared library load? (y or [n])"}
	other := Match{Kind: MarkerQuery, Text: "Delete all breakpoints? (y or n)"}

	require.Equal(t, "n", d.UserInput(pending))
	require.Equal(t, "y", d.UserInput(other))

	require.Equal(t, ReasonOK, d.HandleMode(ModeSetQueryAnswer, "n"))
	require.Equal(t, "n", d.QueryAnswer())
	require.Equal(t, "n", d.UserInput(other))
	require.Equal(t, "end", d.UserInput(Match{Kind: MarkerCommands}), "override only applies to queries")

	require.Equal(t, ReasonOK, d.HandleMode(ModeSetQueryAnswer, ""))
	require.Equal(t, "y", d.UserInput(other))
}

func TestGdbDialectInitialAnswerAndCommandsPolicy(t *testing.T) {
	d := NewGdbDialect(GdbOptions{
		QueryAnswer:    "n",
		CommandsPolicy: func(string) string { return "silent" },
	})
	require.Equal(t, "n", d.UserInput(Match{Kind: MarkerQuery}))
	require.Equal(t, "silent", d.UserInput(Match{Kind: MarkerCommands}))
}

func TestGdbDialectDetection(t *testing.T) {
	d := NewGdbDialect(GdbOptions{})

	require.True(t, d.PromptArrived([]byte("Breakpoint 1 at 0x1149\r\n\x1a\x1aprompt\r\n")))
	require.False(t, d.PromptArrived([]byte("\x1a\x1aquery\r\n")))

	m, ok := d.NeedsUserInput([]byte("\x1a\x1apre-query\r\nQuit anyway? (y or n) \x1a\x1aquery\r\n"))
	require.True(t, ok)
	require.Equal(t, MarkerQuery, m.Kind)

	_, ok = d.NeedsUserInput([]byte("\x1a\x1aprompt\r\n"))
	require.False(t, ok, "the prompt is not a request for input")

	m, ok = d.NeedsUserInput([]byte("\x1a\x1aprompt-for-continue\n"))
	require.True(t, ok)
	require.Equal(t, MarkerContinue, m.Kind)
}
