package session

import (
	"context"

	"github.com/user/voice-coach/internal/audio"
)

// Params describe a session to the remote endpoint.
type Params struct {
	SessionID        string
	InputSampleRate  int
	OutputSampleRate int
	Metadata         map[string]string
}

// Transport opens duplex connections to a voice endpoint.
type Transport interface {
	Name() string
	// Dial returns once the remote side has accepted the session.
	Dial(ctx context.Context, params Params) (Conn, error)
}

// Conn is one live duplex connection. Events is closed when the connection
// ends, after which Result classifies the close.
type Conn interface {
	SendUtterance(u audio.Utterance) error
	// Cancel asks the remote side to stop generating the current response.
	// Endpoints that cannot do that return ErrCancelUnsupported.
	Cancel() error
	Events() <-chan Event
	Done() <-chan struct{}
	Result() CloseResult
	Close() error
}

type EventKind int

const (
	EventAudio EventKind = iota
	EventTranscript
	EventTurnComplete
	EventInterrupted
)

func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventTranscript:
		return "transcript"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Event is one inbound item from the endpoint. Audio is 16-bit PCM at the
// session's output rate.
type Event struct {
	Kind  EventKind
	Audio []byte
	Role  Role
	Text  string
	Final bool
}

// Notification is what the manager reports to its owner.
type Notification struct {
	State      State
	Transcript *Transcript
}

type Transcript struct {
	Role  Role
	Text  string
	Final bool
}
