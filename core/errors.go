package core

import "errors"

var (
	// ErrSelfAsk is returned when an actor asks itself.
	ErrSelfAsk = errors.New("actor cannot ask itself")

	// ErrUnknownScript is returned when no behavior is registered under a name.
	ErrUnknownScript = errors.New("unknown script")

	// ErrScriptExists is returned when a script name is registered twice.
	ErrScriptExists = errors.New("script already registered")

	// ErrNoCurrent is returned by Reply outside of a handler.
	ErrNoCurrent = errors.New("no message being handled")
)
