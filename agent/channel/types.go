package channel

import (
	"encoding/json"
	"fmt"
)

// readLimit bounds a single frame. Output events carry at most supervisor.MaxChunkSize bytes,
// which stay under it even when every byte needs a six-character JSON escape.
const readLimit = 32768

// Identity is the authenticated user behind a connection.
type Identity struct {
	Username string
	Groups   []string
}

// InGroup reports whether the identity belongs to any of the given groups.
func (i Identity) InGroup(groups ...string) bool {
	for _, want := range groups {
		for _, have := range i.Groups {
			if want == have {
				return true
			}
		}
	}
	return false
}

// Message is a named event with positional JSON arguments.
type Message struct {
	Event string            `json:"event"`
	Args  []json.RawMessage `json:"args"`
}

func NewMessage(event string, args ...any) (Message, error) {
	msg := Message{Event: event, Args: make([]json.RawMessage, 0, len(args))}
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return Message{}, fmt.Errorf("encoding argument %d of %q: %w", i, event, err)
		}
		msg.Args = append(msg.Args, b)
	}
	return msg, nil
}

// Decode unmarshals the message arguments positionally into dst.
// It fails if there are fewer arguments than destinations; extra arguments are ignored.
func (m Message) Decode(dst ...any) error {
	if len(m.Args) < len(dst) {
		return fmt.Errorf("%q: expected %d arguments, got %d", m.Event, len(dst), len(m.Args))
	}
	for i, d := range dst {
		if err := json.Unmarshal(m.Args[i], d); err != nil {
			return fmt.Errorf("%q: decoding argument %d: %w", m.Event, i, err)
		}
	}
	return nil
}
