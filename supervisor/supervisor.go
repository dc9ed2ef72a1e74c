package supervisor

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultPingTimeout is how long a streaming session may go without a ping before it is reaped.
	DefaultPingTimeout = 30 * time.Second
	// DefaultSweepInterval is how often the reaper looks for expired sessions.
	DefaultSweepInterval = 10 * time.Second
	DefaultKillGrace     = 5 * time.Second
	DefaultShell         = "/bin/sh"

	// ptyDrainTimeout bounds how long pty output is drained after the process exits,
	// since a background child can hold the terminal open indefinitely.
	ptyDrainTimeout = time.Second
)

// Supervisor owns the session registry and everything that reads or writes it:
// launches, input routing, kills and the reaper.
type Supervisor struct {
	log         *zap.SugaredLogger
	registry    *Registry
	broadcaster Broadcaster

	shell         string
	ptyShell      string
	pingTimeout   time.Duration
	sweepInterval time.Duration
	killGrace     time.Duration
	now           func() time.Time
}

type Option func(s *Supervisor)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Supervisor) {
		s.log = l
	}
}

// WithShell sets the shell used to run commands of every kind. Without it, exec and spawn use DefaultShell and pty
// sessions use $SHELL, falling back to DefaultShell.
func WithShell(shell string) Option {
	return func(s *Supervisor) {
		s.shell = shell
		s.ptyShell = shell
	}
}

func WithPingTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.pingTimeout = d
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(s *Supervisor) {
		s.sweepInterval = d
	}
}

func WithKillGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		s.killGrace = d
	}
}

// WithClock overrides the time source used for ping bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		s.now = now
	}
}

func New(b Broadcaster, opts ...Option) (*Supervisor, error) {
	if b == nil {
		return nil, errors.New("a broadcaster is required")
	}
	s := &Supervisor{
		log:           zap.NewNop().Sugar(),
		broadcaster:   b,
		shell:         DefaultShell,
		ptyShell:      loginShell(),
		pingTimeout:   DefaultPingTimeout,
		sweepInterval: DefaultSweepInterval,
		killGrace:     DefaultKillGrace,
		now:           time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sweepInterval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", s.sweepInterval)
	}
	if s.pingTimeout <= s.sweepInterval {
		return nil, fmt.Errorf("ping timeout %s must be longer than sweep interval %s", s.pingTimeout, s.sweepInterval)
	}
	s.registry = NewRegistry(s.log.Named("registry"), s.killGrace)
	return s, nil
}

func loginShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return DefaultShell
}

// Kill terminates and removes the named session. It returns false if there is no such session.
func (s *Supervisor) Kill(name string) bool {
	found := s.registry.Remove(name, true)
	s.log.Infow("kill requested", "Name", name, "Found", found)
	return found
}

// Sessions returns a snapshot of the live sessions.
func (s *Supervisor) Sessions() []SessionInfo {
	return s.registry.Snapshot()
}

// Shutdown kills and removes every session.
func (s *Supervisor) Shutdown() {
	for _, info := range s.registry.Snapshot() {
		s.registry.Remove(info.Name, true)
	}
}

// emit delivers ev to the session owner unless the session has already been removed.
func (s *Supervisor) emit(sess *Session, ev Event) {
	ev.Name = sess.Name
	sess.deliver(func() {
		s.broadcaster.Broadcast(sess.Owner, ev)
	})
}
