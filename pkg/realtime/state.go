package realtime

import (
	"errors"
	"strconv"
)

var (
	// ErrChannelUnavailable reports that the probe failed or reconnects were
	// exhausted. Callers fall back to REST.
	ErrChannelUnavailable = errors.New("realtime: channel unavailable")

	// ErrNotOpen is returned by Send when the channel is not open. The frame
	// is dropped, not queued.
	ErrNotOpen = errors.New("realtime: channel not open")

	// ErrStarted is returned by Connect on a channel that was already used.
	// A failed or closed channel cannot be reused, construct a new one.
	ErrStarted = errors.New("realtime: channel already started")
)

// Status is the connection status of a Channel.
type Status int

const (
	StatusIdle Status = iota
	StatusProbing
	StatusConnecting
	StatusOpen
	StatusReconnecting

	// StatusFailed is terminal: the probe failed or reconnects were exhausted.
	StatusFailed

	// StatusClosed is terminal: the channel was closed normally.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusProbing:
		return "probing"
	case StatusConnecting:
		return "connecting"
	case StatusOpen:
		return "open"
	case StatusReconnecting:
		return "reconnecting"
	case StatusFailed:
		return "failed"
	case StatusClosed:
		return "closed"
	}
	return "status(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further transitions will happen.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusClosed
}

// State is a snapshot of a channel's connection state.
type State struct {
	Status Status

	// Attempt is the current reconnect attempt, starting at 1. It is 0
	// outside of reconnection.
	Attempt int

	// Err is the cause of the last failure, if any.
	Err error
}
