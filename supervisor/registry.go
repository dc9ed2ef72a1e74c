package supervisor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrNameInUse = errors.New("session name in use")

// Registry maps session names to live sessions.
// A session is removed exactly once: by its exit, by an explicit kill, or by the reaper, whichever comes first.
type Registry struct {
	log       *zap.SugaredLogger
	killGrace time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(log *zap.SugaredLogger, killGrace time.Duration) *Registry {
	return &Registry{
		log:       log,
		killGrace: killGrace,
		sessions:  map[string]*Session{},
	}
}

// Add registers s, failing with ErrNameInUse if a live session already has its name.
func (r *Registry) Add(s *Session, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Name]; ok {
		return fmt.Errorf("adding session %q: %w", s.Name, ErrNameInUse)
	}
	s.StartedAt = now
	s.lastPing = now
	r.sessions[s.Name] = s
	return nil
}

func (r *Registry) Find(name string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[name]
}

// Remove deletes the named session, terminating its process first if kill is set.
// It returns false if there is no such session.
func (r *Registry) Remove(name string, kill bool) bool {
	s := r.take(name, nil)
	if s == nil {
		return false
	}
	s.retire(r.log, kill, r.killGrace, nil)
	return true
}

// release removes s itself rather than whatever currently holds its name, delivering final as its last event.
// It does nothing if s was already removed by another path.
func (r *Registry) release(s *Session, kill bool, final func()) bool {
	if r.take(s.Name, s) == nil {
		return false
	}
	s.retire(r.log, kill, r.killGrace, final)
	return true
}

// take deletes name from the map and returns its session. If want is non-nil, the entry is only taken if it is want.
func (r *Registry) take(name string, want *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok || (want != nil && s != want) {
		return nil
	}
	delete(r.sessions, name)
	return s
}

// Ping refreshes the liveness timestamp of the named session if it exists and belongs to owner.
func (r *Registry) Ping(name, owner string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[name]
	if !ok || s.Owner != owner {
		return false
	}
	s.lastPing = now
	return true
}

// reap removes and terminates every streaming session whose last ping is at least timeout old.
func (r *Registry) reap(now time.Time, timeout time.Duration) []*Session {
	var expired []*Session
	r.mu.Lock()
	for name, s := range r.sessions {
		if s.Kind == KindExec {
			continue
		}
		if now.Sub(s.lastPing) >= timeout {
			delete(r.sessions, name)
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.retire(r.log, true, r.killGrace, nil)
	}
	return expired
}

// Snapshot returns the live sessions ordered by name.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, SessionInfo{
			Name:       s.Name,
			Owner:      s.Owner,
			Kind:       s.Kind,
			StartedAt:  s.StartedAt,
			LastPingAt: s.lastPing,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
