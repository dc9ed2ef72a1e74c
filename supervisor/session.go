package supervisor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// inputQueueSize is how many pending writes a session buffers while its process is not reading input.
const inputQueueSize = 256

var ErrInputQueueFull = errors.New("session input queue full")

// Kind is the process primitive backing a session.
type Kind int

const (
	KindExec Kind = iota + 1
	KindSpawn
	KindPty
)

func (k Kind) String() string {
	switch k {
	case KindExec:
		return "exec"
	case KindSpawn:
		return "spawn"
	case KindPty:
		return "pty"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func ParseKind(s string) (Kind, error) {
	switch s {
	case "exec":
		return KindExec, nil
	case "spawn":
		return KindSpawn, nil
	case "pty":
		return KindPty, nil
	}
	return 0, fmt.Errorf("unknown session kind %q", s)
}

// Session is one tracked process.
// The OS handle is owned by the session and never handed out.
type Session struct {
	Name      string
	Owner     string
	Kind      Kind
	StartedAt time.Time

	// lastPing is guarded by the registry lock
	lastPing time.Time

	// mu is held while the process is being started, while an event is delivered, and while the session is retired,
	// so no event can be delivered after retire returns.
	mu      sync.Mutex
	removed bool
	cmd     *exec.Cmd
	ptmx    *os.File

	// inbox queues input for writeInput; nil for sessions that take no input
	inbox chan []byte

	// done is closed once the process has been waited on
	done chan struct{}
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	Name       string
	Owner      string
	Kind       Kind
	StartedAt  time.Time
	LastPingAt time.Time
}

func newSession(owner, name string, kind Kind) *Session {
	return &Session{
		Name:  name,
		Owner: owner,
		Kind:  kind,
		done:  make(chan struct{}),
	}
}

// deliver calls f unless the session has been retired.
func (s *Session) deliver(f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return
	}
	f()
}

// terminal returns the pty of a live pty session, or nil.
func (s *Session) terminal() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.Kind != KindPty {
		return nil
	}
	return s.ptmx
}

// write queues b for the session's input writer. It never blocks: if the process is not reading its input and the
// queue is full, b is dropped and ErrInputQueueFull is returned.
func (s *Session) write(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed || s.inbox == nil {
		return nil
	}
	select {
	case s.inbox <- append([]byte(nil), b...):
		return nil
	default:
		return ErrInputQueueFull
	}
}

// writeInput copies queued input to w, in order, until the process has been waited on or a write fails.
// Once the process is gone its stdin or pty is closed, so a blocked write fails rather than hanging.
func (s *Session) writeInput(log *zap.SugaredLogger, w io.Writer) {
	for {
		select {
		case <-s.done:
			return
		case b := <-s.inbox:
			if _, err := w.Write(b); err != nil {
				log.Debugw("writing session input", "Name", s.Name, "Error", err)
				return
			}
		}
	}
}

// retire marks the session removed and optionally terminates it. final, if given, runs before the session is
// marked removed, so it is the last thing ever delivered for this session.
// Termination is best-effort: a failure is logged, and if the process is still alive after grace it is killed.
func (s *Session) retire(log *zap.SugaredLogger, kill bool, grace time.Duration, final func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return
	}
	if final != nil {
		final()
	}
	s.removed = true
	if !kill || s.cmd == nil || s.cmd.Process == nil {
		return
	}

	pid := s.cmd.Process.Pid
	if err := terminate(s.cmd.Process); err != nil {
		log.Warnw("terminating session", "Name", s.Name, "PID", pid, "Error", err)
	}
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-s.done:
			return
		case <-timer.C:
		}
		log.Warnw("session did not exit after termination, killing", "Name", s.Name, "PID", pid)
		if err := forceKill(s.cmd.Process); err != nil {
			log.Warnw("killing session", "Name", s.Name, "PID", pid, "Error", err)
		}
	}()
}
