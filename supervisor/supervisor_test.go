package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

type recorded struct {
	owner string
	ev    Event
}

func (r *recorder) Broadcast(owner string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{owner: owner, ev: ev})
}

func (r *recorder) forSession(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evs []Event
	for _, e := range r.events {
		if e.ev.Name == name {
			evs = append(evs, e.ev)
		}
	}
	return evs
}

func (r *recorder) exited(name string) bool {
	for _, ev := range r.forSession(name) {
		if ev.Type == EventExit {
			return true
		}
	}
	return false
}

func output(evs []Event, typ EventType) string {
	var b strings.Builder
	for _, ev := range evs {
		if ev.Type == typ {
			b.WriteString(ev.Data)
		}
	}
	return b.String()
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestSupervisor(t *testing.T, opts ...Option) (*Supervisor, *recorder) {
	rec := &recorder{}
	opts = append([]Option{
		WithLogger(log),
		WithShell("/bin/sh"),
		WithKillGrace(500 * time.Millisecond),
	}, opts...)
	s, err := New(rec, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s, rec
}

func cmd(program string, args ...string) CommandSpec {
	return CommandDescription{Cmd: program}.Normalize(args)
}

func TestNewValidatesTimeouts(t *testing.T) {
	_, err := New(&recorder{}, WithPingTimeout(time.Second), WithSweepInterval(time.Second))
	require.Error(t, err)

	_, err = New(nil)
	require.Error(t, err)
}

func TestShellDefaults(t *testing.T) {
	t.Setenv("SHELL", "/bin/login-shell")
	s, err := New(&recorder{})
	require.NoError(t, err)
	assert.Equal(t, DefaultShell, s.shell)
	assert.Equal(t, "/bin/login-shell", s.ptyShell)

	t.Setenv("SHELL", "")
	s, err = New(&recorder{})
	require.NoError(t, err)
	assert.Equal(t, DefaultShell, s.ptyShell)

	s, err = New(&recorder{}, WithShell("/bin/bash"))
	require.NoError(t, err)
	assert.Equal(t, "/bin/bash", s.shell)
	assert.Equal(t, "/bin/bash", s.ptyShell)
}

func TestExec(t *testing.T) {
	ctx := context.Background()
	s, rec := newTestSupervisor(t)

	cases := []struct {
		name      string
		cmd       CommandSpec
		expCode   int
		expStdout string
		expStderr string
	}{
		{
			name:      "stdout",
			cmd:       cmd("printf a"),
			expStdout: "a",
		},
		{
			name:      "stderr and exit code",
			cmd:       cmd("printf foo; printf bar 1>&2; exit 3"),
			expCode:   3,
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "quoted args",
			cmd:       cmd("printf", "%s|%s", "a b", "$HOME"),
			expStdout: "a b|$HOME",
		},
		{
			name: "env and cwd",
			cmd: CommandDescription{
				Cmd: `printf "$FOO "; pwd`,
				Env: map[string]string{"FOO": "bar"},
				Cwd: "/",
			}.Normalize(nil),
			expStdout: "bar /\n",
		},
		{
			name:    "missing executable runs the shell anyway",
			cmd:     cmd("definitely-not-a-real-program"),
			expCode: 127,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			res, err := s.Launch(ctx, "alice", c.name, KindExec, c.cmd)
			require.NoError(t, err)
			assert.Equal(t, c.expCode, res.Code)
			assert.Equal(t, c.expStdout, res.Stdout)
			if c.expStderr != "" {
				assert.Equal(t, c.expStderr, res.Stderr)
			}
			assert.Empty(t, s.Sessions())
			assert.Empty(t, rec.forSession(c.name), "exec sessions do not stream")
		})
	}
}

func TestExecCanceledContextKills(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	res, err := s.Launch(ctx, "alice", "e", KindExec, cmd("sleep 10"))
	require.NoError(t, err)
	assert.NotEqual(t, 0, res.Code)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Empty(t, s.Sessions())
}

func TestSpawnStreams(t *testing.T) {
	s, rec := newTestSupervisor(t)

	res, err := s.Launch(context.Background(), "alice", "s", KindSpawn, cmd("printf hello; printf oops 1>&2"))
	require.NoError(t, err)
	assert.Nil(t, res)

	require.Eventually(t, func() bool { return rec.exited("s") }, 5*time.Second, 10*time.Millisecond)

	evs := rec.forSession("s")
	assert.Equal(t, "hello", output(evs, EventStdout))
	assert.Equal(t, "oops", output(evs, EventStderr))
	last := evs[len(evs)-1]
	assert.Equal(t, EventExit, last.Type)
	assert.Equal(t, 0, last.Code)
	assert.Equal(t, 0, last.Payload())

	for _, r := range rec.events {
		assert.Equal(t, "alice", r.owner)
	}
	assert.Empty(t, s.Sessions())
}

func TestSpawnStdin(t *testing.T) {
	s, rec := newTestSupervisor(t)

	_, err := s.Launch(context.Background(), "alice", "s", KindSpawn, cmd("read line; echo got $line"))
	require.NoError(t, err)

	// input from another user is dropped
	s.RouteStdin("bob", "s", []byte("evil\n"))
	s.RouteStdin("alice", "s", []byte("foo\n"))

	require.Eventually(t, func() bool { return rec.exited("s") }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "got foo\n", output(rec.forSession("s"), EventStdout))

	// unknown session is a no-op
	s.RouteStdin("alice", "s", []byte("late\n"))
}

func TestPty(t *testing.T) {
	s, rec := newTestSupervisor(t)

	spec := CommandDescription{Cmd: `stty size; printf "$TERM"`, Rows: 24, Cols: 100, Term: "vt100"}.Normalize(nil)
	_, err := s.Launch(context.Background(), "alice", "p", KindPty, spec)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.exited("p") }, 5*time.Second, 10*time.Millisecond)

	evs := rec.forSession("p")
	data := output(evs, EventData)
	assert.Contains(t, data, "24 100")
	assert.Contains(t, data, "vt100")
	assert.Empty(t, output(evs, EventStdout))
	assert.Empty(t, output(evs, EventStderr))
	// a read error at the end of the pty comes before the exit, never after
	last := evs[len(evs)-1]
	assert.Equal(t, EventExit, last.Type)
	assert.Equal(t, 0, last.Code)
	for _, ev := range evs[:len(evs)-1] {
		assert.NotEqual(t, EventExit, ev.Type)
	}
}

func TestPtyInputAndResize(t *testing.T) {
	s, rec := newTestSupervisor(t)

	_, err := s.Launch(context.Background(), "alice", "p", KindPty, cmd("read line; stty size; echo got $line"))
	require.NoError(t, err)

	s.Resize("alice", "p", 120, 40)
	s.RouteStdin("alice", "p", []byte("foo\n"))

	require.Eventually(t, func() bool { return rec.exited("p") }, 5*time.Second, 10*time.Millisecond)
	data := output(rec.forSession("p"), EventData)
	assert.Contains(t, data, "40 120")
	assert.Contains(t, data, "got foo")
}

func TestKill(t *testing.T) {
	for _, kind := range []Kind{KindSpawn, KindPty} {
		t.Run(kind.String(), func(t *testing.T) {
			s, rec := newTestSupervisor(t)

			_, err := s.Launch(context.Background(), "alice", "k", kind, cmd("sleep 10"))
			require.NoError(t, err)
			require.Len(t, s.Sessions(), 1)

			assert.True(t, s.Kill("k"))
			assert.False(t, s.Kill("k"))
			assert.False(t, s.Kill("never-existed"))
			assert.Empty(t, s.Sessions())

			// the process dies, but nothing more is delivered for the name
			time.Sleep(300 * time.Millisecond)
			assert.Empty(t, rec.forSession("k"))
		})
	}
}

func TestNameCollision(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ctx := context.Background()

	_, err := s.Launch(ctx, "alice", "dup", KindSpawn, cmd("sleep 10"))
	require.NoError(t, err)

	_, err = s.Launch(ctx, "bob", "dup", KindPty, cmd("sleep 10"))
	require.ErrorIs(t, err, ErrNameInUse)
	_, err = s.Launch(ctx, "alice", "dup", KindExec, cmd("true"))
	require.ErrorIs(t, err, ErrNameInUse)

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "alice", sessions[0].Owner)
	assert.Equal(t, KindSpawn, sessions[0].Kind)

	// the name is free again once the session is gone
	require.True(t, s.Kill("dup"))
	res, err := s.Launch(ctx, "alice", "dup", KindExec, cmd("true"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Code)
}

func TestLaunchFailureLeavesNoSession(t *testing.T) {
	for _, kind := range []Kind{KindExec, KindSpawn, KindPty} {
		t.Run(kind.String(), func(t *testing.T) {
			s, rec := newTestSupervisor(t)
			spec := CommandDescription{Cmd: "true", Cwd: "/definitely/not/a/dir"}.Normalize(nil)

			_, err := s.Launch(context.Background(), "alice", "bad", kind, spec)
			var launchErr *LaunchError
			require.True(t, errors.As(err, &launchErr))
			assert.Equal(t, kind, launchErr.Kind)
			assert.Equal(t, "bad", launchErr.Name)
			assert.Empty(t, s.Sessions())
			assert.Empty(t, rec.forSession("bad"))

			// and the name can be reused
			_, err = s.Launch(context.Background(), "alice", "bad", KindExec, cmd("true"))
			require.NoError(t, err)
		})
	}
}

func TestSweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	s, rec := newTestSupervisor(t,
		WithClock(clock.Now),
		WithPingTimeout(30*time.Second),
		WithSweepInterval(10*time.Second),
	)
	ctx := context.Background()

	_, err := s.Launch(ctx, "alice", "pinged", KindSpawn, cmd("sleep 10"))
	require.NoError(t, err)
	_, err = s.Launch(ctx, "alice", "silent", KindPty, cmd("sleep 10"))
	require.NoError(t, err)

	execDone := make(chan *ExecResult, 1)
	go func() {
		res, err := s.Launch(ctx, "alice", "exec", KindExec, cmd("sleep 1"))
		assert.NoError(t, err)
		execDone <- res
	}()
	require.Eventually(t, func() bool { return len(s.Sessions()) == 3 }, 5*time.Second, 10*time.Millisecond)

	clock.Advance(20 * time.Second)
	assert.Empty(t, s.Sweep())
	s.RoutePing("alice", "pinged")
	s.RoutePing("bob", "silent")
	s.RoutePing("alice", "unknown")

	clock.Advance(10 * time.Second)
	assert.Equal(t, []string{"silent"}, s.Sweep())

	clock.Advance(15 * time.Second)
	assert.Empty(t, s.Sweep())

	clock.Advance(15 * time.Second)
	assert.Equal(t, []string{"pinged"}, s.Sweep())

	// the exec session outlived the ping timeout many times over and is left alone
	res := <-execDone
	assert.Equal(t, 0, res.Code)

	assert.Empty(t, s.Sessions())
	assert.Empty(t, rec.forSession("pinged"))
	assert.Empty(t, rec.forSession("silent"))
}

func TestRunReaper(t *testing.T) {
	s, _ := newTestSupervisor(t,
		WithPingTimeout(300*time.Millisecond),
		WithSweepInterval(50*time.Millisecond),
	)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.RunReaper(ctx)

	_, err := s.Launch(ctx, "alice", "kept", KindSpawn, cmd("sleep 10"))
	require.NoError(t, err)
	_, err = s.Launch(ctx, "alice", "dropped", KindSpawn, cmd("sleep 10"))
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.RoutePing("alice", "kept")
		time.Sleep(50 * time.Millisecond)
	}

	sessions := s.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, "kept", sessions[0].Name)
}

func TestShutdown(t *testing.T) {
	s, _ := newTestSupervisor(t)
	for _, name := range []string{"a", "b"} {
		_, err := s.Launch(context.Background(), "alice", name, KindSpawn, cmd("sleep 10"))
		require.NoError(t, err)
	}
	s.Shutdown()
	assert.Empty(t, s.Sessions())
}

func TestSpawnLargeOutputIsChunked(t *testing.T) {
	s, rec := newTestSupervisor(t)

	_, err := s.Launch(context.Background(), "alice", "big", KindSpawn, cmd("head -c 100000 /dev/zero | tr '\\0' a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.exited("big") }, 5*time.Second, 10*time.Millisecond)

	evs := rec.forSession("big")
	for _, ev := range evs {
		assert.LessOrEqual(t, len(ev.Data), MaxChunkSize+3)
	}
	assert.Equal(t, strings.Repeat("a", 100000), output(evs, EventStdout))
}

func TestStalledStdinDoesNotBlock(t *testing.T) {
	s, rec := newTestSupervisor(t)
	ctx := context.Background()

	// neither process reads its input
	_, err := s.Launch(ctx, "alice", "spawn", KindSpawn, cmd("sleep 30"))
	require.NoError(t, err)
	_, err = s.Launch(ctx, "alice", "pty", KindPty, cmd("stty -icanon -echo; sleep 30"))
	require.NoError(t, err)

	chunk := []byte(strings.Repeat("x", 16*1024))
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < inputQueueSize+64; i++ {
			s.RouteStdin("alice", "spawn", chunk)
			s.RouteStdin("alice", "pty", chunk)
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("routing stdin blocked on a process that is not reading")
	}

	// still live, and still killable
	assert.Len(t, s.Sessions(), 2)
	assert.True(t, s.Kill("spawn"))
	assert.True(t, s.Kill("pty"))
	time.Sleep(300 * time.Millisecond)
	assert.Empty(t, rec.forSession("spawn"))
}
