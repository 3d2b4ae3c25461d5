package orchestrator

import "errors"

var (
	// ErrEmptyText is returned when speak() is called with blank input.
	ErrEmptyText = errors.New("orchestrator: speak text is empty")

	// ErrNoActiveSession is returned by Pause/Resume/Stop when nothing is
	// playing.
	ErrNoActiveSession = errors.New("orchestrator: no active speak session")

	// ErrProtocolError marks a malformed daemon message or invalid audio
	// format reported back from the daemon.
	ErrProtocolError = errors.New("orchestrator: protocol error")

	// ErrSinkError marks an audio backend failure surfaced by the daemon.
	ErrSinkError = errors.New("orchestrator: audio sink error")

	// ErrNormalTermination is a sentinel meaning the backend ended a segment
	// cleanly mid-stream; callers should advance to the next segment rather
	// than treat it as a failure.
	ErrNormalTermination = errors.New("orchestrator: normal termination")

	// ErrCanceled marks a user-initiated stop, not a failure.
	ErrCanceled = errors.New("orchestrator: canceled")
)
