// Package logging wires the rest of this tree to a structured logger without
// forcing every package to import the backend directly.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Event is the concrete logiface event type used throughout this module.
type Event = stumpy.Event

// Logger is the narrow interface the rest of the tree depends on.
type Logger = *logiface.Logger[*Event]

// New builds a root Logger writing newline-delimited JSON to w.
func New(w io.Writer) Logger {
	if w == nil {
		w = os.Stderr
	}
	return logiface.New[*Event](
		stumpy.WithStumpy(stumpy.WithWriter(w)),
		logiface.WithLevel[*Event](logiface.LevelInformational),
	)
}

// Discard is a logger that drops everything, for tests that don't care.
func Discard() Logger {
	return logiface.New[*Event](
		logiface.WithLevel[*Event](logiface.LevelDisabled),
	)
}

// With returns a child logger tagged with a listener/worker identity, using
// the fields the stats surface itself keys on so log lines and counters can
// be correlated by eye.
func With(l Logger, worker int, listenerTag uint64) Logger {
	return l.Clone().Int(`worker`, worker).Uint64(`listener_tag`, listenerTag).Logger()
}
