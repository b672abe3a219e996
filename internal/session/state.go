package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrTooManyFailures = errors.New("too many consecutive failures")

	// ErrCancelUnsupported is returned by Conn.Cancel when the endpoint has
	// no way to stop a response early.
	ErrCancelUnsupported = errors.New("cancel not supported by endpoint")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type CloseKind int

const (
	NormalTurnEnd CloseKind = iota
	Failure
)

func (k CloseKind) String() string {
	if k == NormalTurnEnd {
		return "normal_turn_end"
	}
	return "failure"
}

// CloseResult tells a normal end of turn apart from a failure. Transports
// produce it from the close reason, never from a bare code.
type CloseResult struct {
	Kind   CloseKind
	Reason string
	Err    error
}

func TurnEnded(reason string) CloseResult {
	return CloseResult{Kind: NormalTurnEnd, Reason: reason}
}

func Failed(reason string, err error) CloseResult {
	return CloseResult{Kind: Failure, Reason: reason, Err: err}
}

func (r CloseResult) Error() error {
	if r.Kind == NormalTurnEnd {
		return nil
	}
	if r.Err != nil {
		return fmt.Errorf("%s: %w", r.Reason, r.Err)
	}
	return errors.New(r.Reason)
}
