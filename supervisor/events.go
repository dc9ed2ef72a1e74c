package supervisor

import "unicode/utf8"

type EventType string

const (
	EventStdout EventType = "stdout"
	EventStderr EventType = "stderr"
	EventData   EventType = "data"
	EventExit   EventType = "exit"
	EventError  EventType = "error"
)

// Event is a single piece of process output or lifecycle information for one session.
type Event struct {
	Name string
	Type EventType
	// Data holds output bytes for stdout, stderr and data events, and the message for error events.
	Data string
	// Code is the exit code for exit events, -1 if the process was terminated by a signal.
	Code int
}

// Payload returns the value clients receive after the {name, type} header.
func (e Event) Payload() any {
	if e.Type == EventExit {
		return e.Code
	}
	return e.Data
}

// Broadcaster delivers session events to the connections of the session's owner, and to no one else.
// Broadcast must not block on slow consumers.
type Broadcaster interface {
	Broadcast(owner string, ev Event)
}

type BroadcasterFunc func(owner string, ev Event)

func (f BroadcasterFunc) Broadcast(owner string, ev Event) { f(owner, ev) }

// splitUTF8 splits b into a prefix of complete UTF-8 sequences and a trailing incomplete sequence,
// so a multi-byte character spread across two reads is not mangled.
func splitUTF8(b []byte) ([]byte, []byte) {
	// a rune is at most 4 bytes, so only the last 3 can start an incomplete one
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax+1; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return b, nil
		}
		return b[:i], b[i:]
	}
	return b, nil
}
