package supervisor

import (
	"github.com/creack/pty"
)

// lookup finds a session by name, treating sessions owned by someone else as absent.
func (s *Supervisor) lookup(owner, name string) *Session {
	sess := s.registry.Find(name)
	if sess == nil || sess.Owner != owner {
		return nil
	}
	return sess
}

// RouteStdin queues data for a spawn session's stdin or for a pty. It does not wait for the process to read it.
// Unknown sessions and exec sessions are silently ignored.
func (s *Supervisor) RouteStdin(owner, name string, data []byte) {
	sess := s.lookup(owner, name)
	if sess == nil {
		s.log.Debugw("stdin for unknown session", "Name", name, "Owner", owner)
		return
	}
	if err := sess.write(data); err != nil {
		s.log.Warnw("dropping session input", "Name", name, "Bytes", len(data), "Error", err)
	}
}

// RoutePing refreshes a session's liveness. Pings for unknown sessions are ignored,
// since a ping can legitimately race the session's exit.
func (s *Supervisor) RoutePing(owner, name string) {
	if !s.registry.Ping(name, owner, s.now()) {
		s.log.Debugw("ping for unknown session", "Name", name, "Owner", owner)
	}
}

// Resize changes the window size of a pty session. Anything else is ignored.
func (s *Supervisor) Resize(owner, name string, cols, rows uint16) {
	if cols == 0 || rows == 0 {
		return
	}
	sess := s.lookup(owner, name)
	if sess == nil {
		return
	}
	ptmx := sess.terminal()
	if ptmx == nil {
		return
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		s.log.Debugw("resizing pty", "Name", name, "Error", err)
	}
}
