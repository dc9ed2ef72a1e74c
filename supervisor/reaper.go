package supervisor

import (
	"context"
	"time"
)

// RunReaper sweeps for expired sessions every sweep interval until ctx is done.
// Sweeps run on this goroutine, so they never overlap.
func (s *Supervisor) RunReaper(ctx context.Context) {
	log := s.log.Named("reaper")
	log.Debugw("starting reaper", "Interval", s.sweepInterval, "PingTimeout", s.pingTimeout)
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("reaper stopped")
			return
		case <-ticker.C:
		}
		s.Sweep()
	}
}

// Sweep kills and removes every spawn and pty session that has not been pinged within the ping timeout,
// returning the names of the reaped sessions.
func (s *Supervisor) Sweep() []string {
	now := s.now()
	var names []string
	for _, sess := range s.registry.reap(now, s.pingTimeout) {
		s.log.Infow("reaped session", "Name", sess.Name, "Kind", sess.Kind, "Owner", sess.Owner)
		names = append(names, sess.Name)
	}
	return names
}
